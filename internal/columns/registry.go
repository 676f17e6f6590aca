package columns

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// DefaultTTL is how long a table's materialized-column catalog is served
// before it is refetched.
const DefaultTTL = 15 * time.Minute

// Source reads the materialized-column catalog of one storage table.
type Source interface {
	MaterializedColumns(ctx context.Context, table string) ([]Entry, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context, table string) ([]Entry, error)

// MaterializedColumns implements Source.
func (f SourceFunc) MaterializedColumns(ctx context.Context, table string) ([]Entry, error) {
	return f(ctx, table)
}

type tableCache struct {
	entries   map[Key]Entry
	fetchedAt time.Time
}

// Registry is a read-mostly TTL cache of materialized columns, keyed by
// logical table.
//
// Thread-safety: all methods are safe for concurrent use. At most one fetch
// per table is in flight at a time (singleflight). With background refresh
// enabled, readers of an expired table get the stale entries immediately
// while a single goroutine refetches; Close waits for those goroutines.
type Registry struct {
	source     Source
	ttl        time.Duration
	background bool
	replicated bool
	now        func() time.Time
	logger     *zap.Logger

	flight singleflight.Group

	mu         sync.RWMutex
	tables     map[string]*tableCache
	refreshing map[string]bool
	closed     bool

	// generations counts invalidations per table. A fetch that started under
	// an older generation does not write its result back.
	generations map[string]uint64

	wg sync.WaitGroup
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithTTL sets the refresh interval. Default: DefaultTTL.
func WithTTL(ttl time.Duration) RegistryOption {
	return func(r *Registry) {
		r.ttl = ttl
	}
}

// WithBackgroundRefresh serves expired entries while refetching them in the
// background instead of blocking the caller.
func WithBackgroundRefresh(enabled bool) RegistryOption {
	return func(r *Registry) {
		r.background = enabled
	}
}

// WithReplicated reads events columns from the sharded storage table.
func WithReplicated(replicated bool) RegistryOption {
	return func(r *Registry) {
		r.replicated = replicated
	}
}

// WithClock overrides the time source. Used by tests.
func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) {
		r.now = now
	}
}

// WithLogger sets the logger. Default: no-op.
func WithLogger(logger *zap.Logger) RegistryOption {
	return func(r *Registry) {
		r.logger = logger
	}
}

// NewRegistry creates a Registry over source.
func NewRegistry(source Source, opts ...RegistryOption) *Registry {
	r := &Registry{
		source:      source,
		ttl:         DefaultTTL,
		now:         time.Now,
		logger:      zap.NewNop(),
		tables:      make(map[string]*tableCache),
		refreshing:  make(map[string]bool),
		generations: make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Lookup returns the materialized columns of a logical table.
func (r *Registry) Lookup(ctx context.Context, table string) (map[Key]Entry, error) {
	r.mu.RLock()
	cached := r.tables[table]
	r.mu.RUnlock()

	if cached != nil {
		if r.now().Sub(cached.fetchedAt) < r.ttl {
			return cached.entries, nil
		}
		if r.background {
			r.refreshInBackground(ctx, table)
			return cached.entries, nil
		}
	}

	return r.refresh(ctx, table)
}

// Snapshot freezes the listed tables (default: events, person, groups) for
// one compile pass.
func (r *Registry) Snapshot(ctx context.Context, tables ...string) (*Snapshot, error) {
	if len(tables) == 0 {
		tables = []string{TableEvents, TablePerson, TableGroups}
	}
	snap := &Snapshot{tables: make(map[string]map[Key]Entry, len(tables))}
	for _, table := range tables {
		entries, err := r.Lookup(ctx, table)
		if err != nil {
			return nil, err
		}
		snap.tables[table] = entries
	}
	return snap, nil
}

// Invalidate drops a table's cached entries so the next lookup refetches.
// A fetch already in flight still answers its callers but is not cached.
func (r *Registry) Invalidate(table string) {
	r.mu.Lock()
	delete(r.tables, table)
	r.generations[table]++
	r.mu.Unlock()
	r.flight.Forget(table)
}

// Close stops scheduling background refreshes and waits for running ones.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.wg.Wait()
}

func (r *Registry) refresh(ctx context.Context, table string) (map[Key]Entry, error) {
	v, err, _ := r.flight.Do(table, func() (any, error) {
		return r.fetch(ctx, table)
	})
	if err != nil {
		return nil, err
	}
	return v.(map[Key]Entry), nil
}

func (r *Registry) refreshInBackground(ctx context.Context, table string) {
	r.mu.Lock()
	if r.closed || r.refreshing[table] {
		r.mu.Unlock()
		return
	}
	r.refreshing[table] = true
	r.wg.Add(1)
	r.mu.Unlock()

	ctx = context.WithoutCancel(ctx)
	go func() {
		defer r.wg.Done()
		defer func() {
			r.mu.Lock()
			delete(r.refreshing, table)
			r.mu.Unlock()
		}()
		if _, err := r.refresh(ctx, table); err != nil {
			r.logger.Warn("background materialized column refresh failed",
				zap.String("table", table), zap.Error(err))
		}
	}()
}

func (r *Registry) fetch(ctx context.Context, table string) (map[Key]Entry, error) {
	r.mu.RLock()
	gen := r.generations[table]
	r.mu.RUnlock()

	storage := StorageTable(table, r.replicated)
	rows, err := r.source.MaterializedColumns(ctx, storage)
	if err != nil {
		return nil, fmt.Errorf("load materialized columns for %s: %w", storage, err)
	}

	entries := make(map[Key]Entry, len(rows))
	for _, e := range rows {
		if !ValidIdentifier(e.ColumnName) {
			r.logger.Warn("skipping materialized column with invalid name",
				zap.String("table", storage),
				zap.String("property", e.PropertyName),
				zap.String("column", e.ColumnName))
			continue
		}
		entries[e.Key()] = e
	}

	r.mu.Lock()
	stale := r.generations[table] != gen
	if !stale {
		r.tables[table] = &tableCache{entries: entries, fetchedAt: r.now()}
	}
	r.mu.Unlock()

	if stale {
		r.logger.Debug("discarding materialized columns fetched before invalidation",
			zap.String("table", table))
		return entries, nil
	}

	r.logger.Debug("refreshed materialized columns",
		zap.String("table", table),
		zap.String("storage_table", storage),
		zap.Int("columns", len(entries)))
	return entries, nil
}

// Snapshot is an immutable view of the registry for one compile pass.
type Snapshot struct {
	tables map[string]map[Key]Entry
}

// NewSnapshot builds a snapshot directly from entries, grouped by their
// Table field. Used by tests and offline tooling.
func NewSnapshot(entries ...Entry) *Snapshot {
	snap := &Snapshot{tables: make(map[string]map[Key]Entry)}
	for _, e := range entries {
		table := e.Table
		if table == ShardedEvents {
			table = TableEvents
		}
		if snap.tables[table] == nil {
			snap.tables[table] = make(map[Key]Entry)
		}
		snap.tables[table][e.Key()] = e
	}
	return snap
}

// Lookup returns the materialized column for a property, if any.
func (s *Snapshot) Lookup(table, tableColumn, property string) (Entry, bool) {
	if s == nil {
		return Entry{}, false
	}
	e, ok := s.tables[table][Key{TableColumn: tableColumn, PropertyName: property}]
	return e, ok
}

// Entries returns a table's entries sorted by (table column, property).
func (s *Snapshot) Entries(table string) []Entry {
	if s == nil {
		return nil
	}
	out := make([]Entry, 0, len(s.tables[table]))
	for _, e := range s.tables[table] {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TableColumn != out[j].TableColumn {
			return out[i].TableColumn < out[j].TableColumn
		}
		return out[i].PropertyName < out[j].PropertyName
	})
	return out
}
