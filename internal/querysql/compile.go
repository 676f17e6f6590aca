package querysql

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/roach88/cohortc/internal/action"
	"github.com/roach88/cohortc/internal/columns"
	"github.com/roach88/cohortc/internal/filter"
	"github.com/roach88/cohortc/internal/pushdown"
)

// DefaultStaticCohortTable holds explicit static cohort membership.
const DefaultStaticCohortTable = "person_static_cohort"

const teamParam = "%(team_id)s"

// ActionResolver expands action entities into their steps.
type ActionResolver = action.Resolver

// Compiler compiles unwrapped cohort filter trees to parameterized
// ClickHouse SQL that selects matching actor ids.
//
// CRITICAL: Values are NEVER interpolated. The only filter-derived text
// spliced into SQL is interval units and count operators (closed enums,
// checked before use) and column identifiers from the materialized-column
// registry (checked against the identifier pattern). Everything else is a
// %(name)s parameter.
//
// A Compiler holds no per-compile state and may be shared; each Compile call
// builds its own state.
type Compiler struct {
	snapshot            *columns.Snapshot
	actions             ActionResolver
	nullBehaviorAsFalse bool
	staticCohortTable   string
}

// Option configures a Compiler.
type Option func(*Compiler)

// WithNullBehaviorAsFalse controls how a negated behavioral condition treats
// an actor that has no row in the behavior subquery. When true (the
// default) the missing value counts as false, so NOT matches the actor.
func WithNullBehaviorAsFalse(enabled bool) Option {
	return func(c *Compiler) {
		c.nullBehaviorAsFalse = enabled
	}
}

// WithStaticCohortTable overrides the static membership table.
func WithStaticCohortTable(table string) Option {
	return func(c *Compiler) {
		c.staticCohortTable = table
	}
}

// NewCompiler creates a Compiler reading materialized columns from snapshot.
// actions may be nil when no behavioral condition counts an action.
func NewCompiler(snapshot *columns.Snapshot, actions ActionResolver, opts ...Option) *Compiler {
	c := &Compiler{
		snapshot:            snapshot,
		actions:             actions,
		nullBehaviorAsFalse: true,
		staticCohortTable:   DefaultStaticCohortTable,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CompileInput is one split cohort tree.
type CompileInput struct {
	TeamID int64
	// Outer is evaluated after the behavior/person join.
	Outer *filter.Group
	// Inner holds pure person-property conditions evaluated inside the
	// person subquery.
	Inner *filter.Group
}

// Query is a compiled cohort query.
type Query struct {
	SQL    string         `json:"sql" yaml:"sql"`
	Params map[string]any `json:"params" yaml:"params"`
	// Columns lists the physical property columns read, per table.
	Columns map[string][]string `json:"columns" yaml:"columns"`
	// Lookbacks bound the events scanned: every behavioral window is covered
	// by one of them, and none covers another.
	Lookbacks []filter.Window `json:"-" yaml:"-"`
	// RestrictsWindow is false when a condition needs full event history.
	RestrictsWindow bool `json:"restricts_window" yaml:"restricts_window"`
}

// CompileTree splits tree and compiles both halves.
func (c *Compiler) CompileTree(ctx context.Context, teamID int64, tree *filter.Group) (*Query, error) {
	outer, inner, err := pushdown.Split(tree)
	if err != nil {
		return nil, err
	}
	return c.Compile(ctx, CompileInput{TeamID: teamID, Outer: outer, Inner: inner})
}

// Compile renders the query selecting every actor that satisfies
// Outer AND Inner.
//
// The behavior subquery aggregates events per actor, one column per
// behavioral condition. The person subquery reads the latest person row and
// applies Inner in its HAVING. They are joined on actor id, FULL OUTER JOIN
// when Inner is empty and RIGHT OUTER JOIN otherwise, and the outer WHERE
// mirrors Outer's shape. Without behavioral conditions the behavior subquery
// is omitted.
func (c *Compiler) Compile(ctx context.Context, in CompileInput) (*Query, error) {
	if !columns.ValidIdentifier(c.staticCohortTable) {
		return nil, invariant("static cohort table %q is not a valid identifier", c.staticCohortTable)
	}

	s := &state{
		ctx:            ctx,
		c:              c,
		teamID:         in.TeamID,
		params:         map[string]any{"team_id": in.TeamID},
		used:           make(map[string]map[string]bool),
		events:         make(map[string]bool),
		restrictWindow: true,
	}

	hasBehavior := filter.Any(in.Outer, func(p *filter.Property) bool {
		return p.Type == filter.TypeBehavioral
	})
	actor := "person_query.actor_id"
	if hasBehavior {
		actor = "coalesce(behavior_query.actor_id, person_query.actor_id)"
	}

	var where string
	if !in.Outer.IsEmpty() {
		rendered, err := renderGroup(in.Outer, func(p *filter.Property) (string, error) {
			return s.outerLeaf(p, actor)
		})
		if err != nil {
			return nil, err
		}
		where = rendered
	}

	var having string
	if !in.Inner.IsEmpty() {
		rendered, err := renderGroup(in.Inner, s.innerLeaf)
		if err != nil {
			return nil, err
		}
		having = rendered
	}

	var b strings.Builder
	if hasBehavior {
		join := "FULL OUTER JOIN"
		if having != "" {
			join = "RIGHT OUTER JOIN"
		}
		fmt.Fprintf(&b, "SELECT %s AS actor_id\n", actor)
		fmt.Fprintf(&b, "FROM (\n%s\n) behavior_query\n", indent(s.behaviorQuery()))
		fmt.Fprintf(&b, "%s (\n%s\n) person_query ON person_query.actor_id = behavior_query.actor_id", join, indent(s.personQuery(having)))
	} else {
		fmt.Fprintf(&b, "SELECT %s AS actor_id\n", actor)
		fmt.Fprintf(&b, "FROM (\n%s\n) person_query", indent(s.personQuery(having)))
	}
	if where != "" {
		fmt.Fprintf(&b, "\nWHERE %s", where)
	}

	return &Query{
		SQL:             b.String(),
		Params:          s.params,
		Columns:         s.columns(),
		Lookbacks:       s.lookbacks,
		RestrictsWindow: s.restrictWindow,
	}, nil
}

// state is the per-compile accumulator.
type state struct {
	ctx    context.Context
	c      *Compiler
	teamID int64

	params map[string]any
	used   map[string]map[string]bool // table → physical columns

	events   map[string]bool
	anyEvent bool

	behaviors []behaviorColumn
	sequences []sequenceColumns

	lookbacks      []filter.Window
	restrictWindow bool

	// next is the index of the next leaf condition; it names parameters and
	// behavior columns.
	next int
}

func (s *state) bind(name string, value any) string {
	s.params[name] = value
	return "%(" + name + ")s"
}

func (s *state) use(table, col string) {
	if s.used[table] == nil {
		s.used[table] = make(map[string]bool)
	}
	s.used[table][col] = true
}

func (s *state) addEvent(name *string) {
	if name == nil {
		s.anyEvent = true
		return
	}
	s.events[*name] = true
}

func (s *state) columns() map[string][]string {
	out := make(map[string][]string, len(s.used))
	for table, cols := range s.used {
		out[table] = sortedSet(cols)
	}
	return out
}

func (s *state) outerLeaf(p *filter.Property, actor string) (string, error) {
	n := s.next
	s.next++

	switch p.Type {
	case filter.TypePerson:
		cond, err := s.renderProperty(personOuterScope, p, fmt.Sprintf("prop_%d", n))
		if err != nil {
			return "", err
		}
		return negate(cond, p.Negation), nil

	case filter.TypeBehavioral:
		alias, err := s.addBehavior(p, n)
		if err != nil {
			return "", err
		}
		ref := "behavior_query." + alias
		if !p.Negation {
			return ref, nil
		}
		if s.c.nullBehaviorAsFalse {
			return "NOT coalesce(" + ref + ", false)", nil
		}
		return "NOT " + ref, nil

	case filter.TypeStaticCohort:
		id, err := p.CohortID()
		if err != nil {
			return "", invariant("static cohort id %v: %v", p.Value, err)
		}
		return fmt.Sprintf("%s %sIN (SELECT person_id FROM %s WHERE cohort_id = %s AND team_id = %s)",
			actor, notPrefix(p.Negation), s.c.staticCohortTable,
			s.bind(fmt.Sprintf("static_cohort_id_%d", n), id), teamParam), nil

	case filter.TypeNeverMatch:
		return "1 = 0", nil

	case filter.TypeCohort, filter.TypePrecalculatedCohort:
		return "", invariant("unresolved cohort reference %v; unwrap the tree before compiling", p.Value)

	default:
		return "", unsupportedType(p, "cohort filter")
	}
}

func (s *state) innerLeaf(p *filter.Property) (string, error) {
	n := s.next
	s.next++

	if p.Type != filter.TypePerson {
		return "", invariant("pushed-down condition %q has type %q", p.Key, p.Type)
	}
	cond, err := s.renderProperty(personInnerScope, p, fmt.Sprintf("prop_%d", n))
	if err != nil {
		return "", err
	}
	return negate(cond, p.Negation), nil
}

// personQuery selects the latest version of every live person, with one
// argMax column per person property column read.
func (s *state) personQuery(having string) string {
	fields := []string{"id AS actor_id"}
	for _, col := range sortedSet(s.used[columns.TablePerson]) {
		fields = append(fields, fmt.Sprintf("argMax(%s, version) AS latest_%s", col, col))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "SELECT %s\n", strings.Join(fields, ",\n    "))
	b.WriteString("FROM person\n")
	fmt.Fprintf(&b, "WHERE team_id = %s\n", teamParam)
	b.WriteString("GROUP BY id\n")
	b.WriteString("HAVING max(is_deleted) = 0")
	if having != "" {
		b.WriteString(" AND " + having)
	}
	return b.String()
}

// behaviorQuery aggregates events per actor. Sequence conditions need two
// extra levels: per-row step columns, then the window function.
func (s *state) behaviorQuery() string {
	aggregates := make([]string, 0, len(s.behaviors)+len(s.sequences))
	for _, col := range s.behaviors {
		aggregates = append(aggregates, col.expr+" AS "+col.alias)
	}
	for _, seq := range s.sequences {
		aggregates = append(aggregates, seq.aggregate.expr+" AS "+seq.aggregate.alias)
	}

	where := s.eventWhere()

	var b strings.Builder
	if len(s.sequences) == 0 {
		fields := append([]string{"person_id AS actor_id"}, aggregates...)
		fmt.Fprintf(&b, "SELECT %s\n", strings.Join(fields, ",\n    "))
		b.WriteString("FROM events\n")
		fmt.Fprintf(&b, "WHERE %s\n", where)
		b.WriteString("GROUP BY person_id")
		return b.String()
	}

	passthrough := append([]string{"event", "timestamp"}, sortedSet(s.used[columns.TableEvents])...)

	stepFields := append([]string{"person_id AS actor_id"}, passthrough...)
	windowFields := append([]string{"actor_id"}, passthrough...)
	for _, seq := range s.sequences {
		stepFields = append(stepFields, seq.step...)
		windowFields = append(windowFields, seq.windowed...)
	}

	var steps strings.Builder
	fmt.Fprintf(&steps, "SELECT %s\n", strings.Join(stepFields, ",\n    "))
	steps.WriteString("FROM events\n")
	fmt.Fprintf(&steps, "WHERE %s", where)

	var windowed strings.Builder
	fmt.Fprintf(&windowed, "SELECT %s\n", strings.Join(windowFields, ",\n    "))
	fmt.Fprintf(&windowed, "FROM (\n%s\n)", indent(steps.String()))

	fields := append([]string{"actor_id"}, aggregates...)
	fmt.Fprintf(&b, "SELECT %s\n", strings.Join(fields, ",\n    "))
	fmt.Fprintf(&b, "FROM (\n%s\n)\n", indent(windowed.String()))
	b.WriteString("GROUP BY actor_id")
	return b.String()
}

// eventWhere restricts scanned events to the team, the event names any
// condition can match, and the shared earliest lookback.
func (s *state) eventWhere() string {
	conds := []string{"team_id = " + teamParam}
	if !s.anyEvent && len(s.events) > 0 {
		conds = append(conds, "event IN "+s.bind("events", sortedSet(s.events)))
	}
	if s.restrictWindow && len(s.lookbacks) > 0 {
		conds = append(conds, "timestamp <= now()", s.earliestTimestamp())
	}
	return strings.Join(conds, "\n    AND ")
}

func (s *state) earliestTimestamp() string {
	if len(s.lookbacks) == 1 {
		l := s.lookbacks[0]
		return fmt.Sprintf("timestamp >= now() - INTERVAL %s %s", s.bind("earliest_time_value", l.Value), l.Interval)
	}
	bounds := make([]string, len(s.lookbacks))
	for i, l := range s.lookbacks {
		bounds[i] = fmt.Sprintf("now() - INTERVAL %s %s", s.bind(fmt.Sprintf("earliest_time_value_%d", i), l.Value), l.Interval)
	}
	return fmt.Sprintf("timestamp >= least(%s)", strings.Join(bounds, ", "))
}

func sortedSet(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func indent(text string) string {
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		if line != "" {
			lines[i] = "    " + line
		}
	}
	return strings.Join(lines, "\n")
}
