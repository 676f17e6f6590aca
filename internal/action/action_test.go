package action

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/cohortc/internal/filter"
)

func TestStep_UnmarshalJSON(t *testing.T) {
	var s Step
	err := json.Unmarshal([]byte(`{
		"event": "$autocapture",
		"selector": "button.buy",
		"text_matching": "contains",
		"properties": [{"key": "$browser", "value": "Chrome", "type": "event"}]
	}`), &s)
	require.NoError(t, err)

	require.NotNil(t, s.Event)
	assert.Equal(t, "$autocapture", *s.Event)
	assert.Equal(t, MatchContains, s.TextMatching)
	require.NotNil(t, s.Properties)
	assert.Len(t, s.Properties.Properties(), 1)
	assert.True(t, s.UsesElements())
	assert.False(t, s.MatchesAnyEvent())
}

func TestStep_UnmarshalJSON_BadProperties(t *testing.T) {
	var s Step
	err := json.Unmarshal([]byte(`{"properties": [{"key": "x", "type": "nope"}]}`), &s)
	require.Error(t, err)
	assert.True(t, filter.IsMalformed(err))
}

func TestStep_MarshalRoundTrip(t *testing.T) {
	name := "$pageview"
	in := Step{Event: &name, URL: "/docs", URLMatching: MatchRegex}

	data, err := json.Marshal(in)
	require.NoError(t, err)

	var out Step
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, *in.Event, *out.Event)
	assert.Equal(t, in.URL, out.URL)
	assert.Equal(t, MatchRegex, out.URLMatching)
	assert.True(t, out.Properties.IsEmpty())
}

func TestStepsFor(t *testing.T) {
	ctx := context.Background()
	r := NewMapResolver(
		&Action{ID: 7, TeamID: 1, Steps: []Step{{TagName: "a"}}},
		&Action{ID: 8, TeamID: 1, Deleted: true},
	)

	steps, err := StepsFor(ctx, r, filter.Entity{Type: filter.EntityEvents, Key: "signup"}, 1)
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, "signup", *steps[0].Event)

	steps, err = StepsFor(ctx, r, filter.Entity{Type: filter.EntityActions, Key: "7"}, 1)
	require.NoError(t, err)
	assert.Equal(t, []Step{{TagName: "a"}}, steps)
	assert.True(t, steps[0].MatchesAnyEvent())

	_, err = StepsFor(ctx, r, filter.Entity{Type: filter.EntityActions, Key: "7"}, 2)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = StepsFor(ctx, r, filter.Entity{Type: filter.EntityActions, Key: "8"}, 1)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = StepsFor(ctx, r, filter.Entity{Type: filter.EntityActions, Key: "seven"}, 1)
	assert.Error(t, err)

	_, err = StepsFor(ctx, nil, filter.Entity{Type: filter.EntityActions, Key: "7"}, 1)
	assert.Error(t, err)
}

func TestMatchingValid(t *testing.T) {
	for _, m := range []Matching{"", MatchExact, MatchContains, MatchRegex} {
		assert.True(t, m.Valid(), m)
	}
	assert.False(t, Matching("fuzzy").Valid())
}
