// Package planner compiles a set of cohorts for one team.
//
// A Plan call runs, in order:
//  1. Dependency classification: evaluation order, types, per-cohort errors
//  2. For each classified cohort: unwrap references, validate negations,
//     split, select columns, compile SQL
//  3. Cohorts that failed classification only through a missing reference
//     are compiled the same way, untyped, with the missing branch never
//     matching
//
// All cohort loads of one call go through a single MemoLoader, and all column
// lookups through one registry Snapshot, so one Plan sees one consistent
// catalog state.
package planner

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"go.uber.org/zap"

	"github.com/roach88/cohortc/internal/action"
	"github.com/roach88/cohortc/internal/cohort"
	"github.com/roach88/cohortc/internal/columns"
	"github.com/roach88/cohortc/internal/depgraph"
	"github.com/roach88/cohortc/internal/filter"
	"github.com/roach88/cohortc/internal/querysql"
	"github.com/roach88/cohortc/internal/realtime"
)

// SnapshotSource freezes the materialized-column catalog. *columns.Registry
// implements it.
type SnapshotSource interface {
	Snapshot(ctx context.Context, tables ...string) (*columns.Snapshot, error)
}

// Planner compiles cohorts against its collaborators.
type Planner struct {
	loader   cohort.Loader
	columns  SnapshotSource
	actions  action.Resolver
	bytecode realtime.BytecodeCompiler
	compiler []querysql.Option
	logger   *zap.Logger
}

// Option configures a Planner.
type Option func(*Planner)

// WithLogger sets the logger. Per-cohort progress is logged at debug level.
func WithLogger(l *zap.Logger) Option {
	return func(p *Planner) {
		p.logger = l
	}
}

// WithCompilerOptions passes options to every SQL compiler the planner
// creates.
func WithCompilerOptions(opts ...querysql.Option) Option {
	return func(p *Planner) {
		p.compiler = append(p.compiler, opts...)
	}
}

// WithBytecodeCompiler enables realtime condition compilation for cohorts
// eligible for the realtime path.
func WithBytecodeCompiler(bc realtime.BytecodeCompiler) Option {
	return func(p *Planner) {
		p.bytecode = bc
	}
}

// New creates a Planner. actions may be nil when no cohort counts actions.
func New(loader cohort.Loader, cols SnapshotSource, actions action.Resolver, opts ...Option) *Planner {
	p := &Planner{
		loader:  loader,
		columns: cols,
		actions: actions,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Columns is the physical column selection of one cohort query. Events and
// Person are the columns the compiled SQL reads.
type Columns struct {
	Events        []string `json:"events" yaml:"events"`
	Person        []string `json:"person" yaml:"person"`
	GroupTypes    []int    `json:"group_types,omitempty" yaml:"group_types,omitempty"`
	ElementsChain bool     `json:"elements_chain" yaml:"elements_chain"`

	// PersonOnEvents and GroupOnEvents are the events columns holding the
	// same person and group properties, for readers that take them from
	// the denormalized copies on events.
	PersonOnEvents []string         `json:"person_on_events,omitempty" yaml:"person_on_events,omitempty"`
	GroupOnEvents  map[int][]string `json:"group_on_events,omitempty" yaml:"group_on_events,omitempty"`
}

// CohortPlan is the compiled form of one cohort.
type CohortPlan struct {
	CohortID int64       `json:"cohort_id" yaml:"cohort_id"`
	Name     string      `json:"name,omitempty" yaml:"name,omitempty"`
	Type     cohort.Type `json:"type" yaml:"type"`
	Realtime bool        `json:"realtime" yaml:"realtime"`

	// Query is nil for static cohorts, whose membership is explicit.
	Query   *querysql.Query `json:"query,omitempty" yaml:"query,omitempty"`
	Columns *Columns        `json:"columns,omitempty" yaml:"columns,omitempty"`

	Conditions []realtime.Condition `json:"conditions,omitempty" yaml:"-"`

	// Err is set when the cohort could not be compiled; the other cohorts of
	// the plan are unaffected.
	Err error `json:"-" yaml:"-"`

	// Warning is the *cohort.MissingReferenceError of a cohort that compiled
	// without a type: it reaches a cohort that does not exist, and that
	// branch never matches.
	Warning error `json:"-" yaml:"-"`
}

// Plan is the result of compiling a set of cohorts.
type Plan struct {
	TeamID int64 `json:"team_id" yaml:"team_id"`
	// Order lists every cohort that classified, dependencies first.
	Order []int64 `json:"order" yaml:"order"`
	// Cohorts holds one entry per cohort in Order, then the cohorts compiled
	// with a Warning, then the cohorts that failed classification. Both
	// trailing runs are in ascending id order.
	Cohorts []*CohortPlan `json:"cohorts" yaml:"cohorts"`

	Classification *depgraph.Classification `json:"-" yaml:"-"`
}

// Warned returns the plans that compiled with a warning.
func (p *Plan) Warned() []*CohortPlan {
	var out []*CohortPlan
	for _, cp := range p.Cohorts {
		if cp.Warning != nil {
			out = append(out, cp)
		}
	}
	return out
}

// Failed returns the plans that carry an error.
func (p *Plan) Failed() []*CohortPlan {
	var out []*CohortPlan
	for _, cp := range p.Cohorts {
		if cp.Err != nil {
			out = append(out, cp)
		}
	}
	return out
}

// Get returns the plan for id, or nil.
func (p *Plan) Get(id int64) *CohortPlan {
	for _, cp := range p.Cohorts {
		if cp.CohortID == id {
			return cp
		}
	}
	return nil
}

// Plan compiles ids and every cohort they reference.
//
// Errors that belong to one cohort (cycles, unpaired negations, unsupported
// shapes) are recorded on its CohortPlan. A missing reference only costs the
// cohort its type: it is still compiled and carries the error as a Warning.
// Plan itself fails only when a collaborator fails or ctx is done.
func (p *Planner) Plan(ctx context.Context, teamID int64, ids []int64) (*Plan, error) {
	memo := cohort.NewMemoLoader(p.loader)

	cls, err := depgraph.Classify(ctx, teamID, ids, memo)
	if err != nil {
		return nil, fmt.Errorf("classify cohorts: %w", err)
	}

	snapshot, err := p.columns.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("column snapshot: %w", err)
	}

	compiler := querysql.NewCompiler(snapshot, p.actions, p.compiler...)
	optimizer := columns.NewOptimizer(snapshot, p.actions, teamID)

	plan := &Plan{TeamID: teamID, Order: cls.Order, Classification: cls}
	for _, id := range cls.Order {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		cp, err := p.compileOne(ctx, memo, compiler, optimizer, cls, teamID, id)
		if err != nil {
			return nil, err
		}
		plan.Cohorts = append(plan.Cohorts, cp)
	}

	var degraded, failed []int64
	for id, err := range cls.Errors {
		if cohort.IsMissingReference(err) {
			degraded = append(degraded, id)
		} else {
			failed = append(failed, id)
		}
	}
	slices.Sort(degraded)
	slices.Sort(failed)

	for _, id := range degraded {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		cp, err := p.compileOne(ctx, memo, compiler, optimizer, cls, teamID, id)
		if err != nil {
			return nil, err
		}
		if cp.Err == nil {
			cp.Warning = cls.Errors[id]
			p.logger.Debug("cohort compiled without a type", zap.Int64("cohort_id", id), zap.Error(cp.Warning))
		}
		plan.Cohorts = append(plan.Cohorts, cp)
	}
	for _, id := range failed {
		p.logger.Debug("cohort failed classification", zap.Int64("cohort_id", id), zap.Error(cls.Errors[id]))
		plan.Cohorts = append(plan.Cohorts, &CohortPlan{CohortID: id, Err: cls.Errors[id]})
	}

	p.logger.Debug("planned cohorts",
		zap.Int64("team_id", teamID),
		zap.Int("compiled", len(cls.Order)),
		zap.Int("untyped", len(plan.Warned())),
		zap.Int("failed", len(plan.Failed())))
	return plan, nil
}

// compileOne returns a collaborator error only; cohort-level failures are
// recorded on the returned plan.
func (p *Planner) compileOne(
	ctx context.Context,
	memo *cohort.MemoLoader,
	compiler *querysql.Compiler,
	optimizer *columns.Optimizer,
	cls *depgraph.Classification,
	teamID, id int64,
) (*CohortPlan, error) {
	c, err := memo.Get(ctx, id, teamID)
	if err != nil {
		return nil, fmt.Errorf("load cohort %d: %w", id, err)
	}

	cp := &CohortPlan{
		CohortID: id,
		Name:     c.Name,
		Type:     cls.Types[id],
		Realtime: !cls.Failed(id) && realtime.Eligible(cls, id),
	}
	log := p.logger.With(zap.Int64("cohort_id", id), zap.Stringer("type", cp.Type))

	if c.IsStatic {
		log.Debug("static cohort, nothing to compile")
		return cp, nil
	}

	tree, err := cohort.Unwrap(ctx, c.Filters, teamID, false, memo)
	if err != nil {
		if cohortError(err) {
			cp.Err = err
			return cp, nil
		}
		return nil, fmt.Errorf("unwrap cohort %d: %w", id, err)
	}

	if err := cohort.ValidateNegations(tree); err != nil {
		cp.Err = err
		log.Debug("rejected cohort", zap.Error(err))
		return cp, nil
	}

	q, err := compiler.CompileTree(ctx, teamID, tree)
	if err != nil {
		if querysql.IsCompileError(err) || errors.Is(err, action.ErrNotFound) {
			cp.Err = err
			log.Debug("rejected cohort", zap.Error(err))
			return cp, nil
		}
		return nil, fmt.Errorf("compile cohort %d: %w", id, err)
	}
	cp.Query = q

	if cp.Columns, err = selectColumns(ctx, optimizer, tree, q); err != nil {
		return nil, fmt.Errorf("columns for cohort %d: %w", id, err)
	}

	if cp.Realtime && p.bytecode != nil {
		if cp.Conditions, err = realtime.Conditions(ctx, p.bytecode, tree, teamID); err != nil {
			return nil, fmt.Errorf("realtime conditions for cohort %d: %w", id, err)
		}
	}

	log.Debug("compiled cohort",
		zap.Int("params", len(q.Params)),
		zap.Bool("restricts_window", q.RestrictsWindow),
		zap.Bool("realtime", cp.Realtime))
	return cp, nil
}

// selectColumns reports the property columns the compiled query reads,
// plus the group types and elements chain of its event conditions.
func selectColumns(ctx context.Context, o *columns.Optimizer, tree *filter.Group, q *querysql.Query) (*Columns, error) {
	cq := columns.Query{Filters: tree}
	used, err := o.UsedProperties(ctx, cq)
	if err != nil {
		return nil, err
	}
	elements, err := o.ShouldQueryElementsChain(ctx, cq)
	if err != nil {
		return nil, err
	}
	out := &Columns{
		Events:        q.Columns[columns.TableEvents],
		Person:        q.Columns[columns.TablePerson],
		GroupTypes:    o.GroupTypesToQuery(used),
		ElementsChain: elements,
	}
	if poe := o.PersonOnEventColumnsToQuery(used); len(poe) > 0 {
		out.PersonOnEvents = poe
	}
	for _, g := range out.GroupTypes {
		if out.GroupOnEvents == nil {
			out.GroupOnEvents = make(map[int][]string)
		}
		out.GroupOnEvents[g] = o.GroupOnEventColumnsToQuery(g, used)
	}
	return out, nil
}

func cohortError(err error) bool {
	return cohort.IsMissingReference(err) || cohort.IsReferenceCycle(err)
}
