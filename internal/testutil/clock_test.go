package testutil

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var epoch = time.Unix(1_700_000_000, 0).UTC()

func TestFakeClock_StartsFrozen(t *testing.T) {
	clock := NewFakeClock(epoch)
	assert.Equal(t, epoch, clock.Now())
	assert.Equal(t, epoch, clock.Now())
}

func TestFakeClock_Advance(t *testing.T) {
	clock := NewFakeClock(epoch)

	clock.Advance(time.Minute)
	assert.Equal(t, epoch.Add(time.Minute), clock.Now())

	clock.Advance(30 * time.Second)
	assert.Equal(t, epoch.Add(90*time.Second), clock.Now())
}

func TestFakeClock_Reset(t *testing.T) {
	clock := NewFakeClock(epoch)
	clock.Advance(time.Hour)

	clock.Reset()
	assert.Equal(t, epoch, clock.Now())
}

func TestFakeClock_ConcurrentAdvance(t *testing.T) {
	clock := NewFakeClock(epoch)

	const goroutines = 50
	var wg sync.WaitGroup
	wg.Add(goroutines)
	for range goroutines {
		go func() {
			defer wg.Done()
			clock.Advance(time.Second)
			_ = clock.Now()
		}()
	}
	wg.Wait()

	assert.Equal(t, epoch.Add(goroutines*time.Second), clock.Now())
}
