// Package workspace loads cohort, action, and materialized-column
// definitions from CUE files.
//
// A workspace directory holds one CUE package:
//
//	team: 2                       // default team for every entry (default 1)
//	cohort: <label>: {id, team?, name?, static?, members?, filters?}
//	action: <label>: {id, team?, name?, steps}
//	column: [...{table, table_column, property_name, column_name?, ...}]
//
// A column without column_name gets the conventional materialized name,
// e.g. pmat_email for the person property "email".
//
// filters uses the JSON filter shape and is parsed by the filter package;
// steps use the action step shape.
package workspace

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/load"
	"cuelang.org/go/cue/token"

	"github.com/roach88/cohortc/internal/action"
	"github.com/roach88/cohortc/internal/cohort"
	"github.com/roach88/cohortc/internal/columns"
	"github.com/roach88/cohortc/internal/filter"
)

//go:embed schema.cue
var schemaCUE string

// DefaultTeam is the team of entries when the workspace names none.
const DefaultTeam int64 = 1

// Load error codes (E100-E109).
const (
	ErrCodeNotFound    = "E100" // Path not found
	ErrCodeScanError   = "E101" // Directory scan error
	ErrCodeNoFiles     = "E102" // No CUE files found
	ErrCodeLoadFailed  = "E103" // CUE load failed
	ErrCodeBuildFailed = "E104" // CUE build or schema failure
	ErrCodeInvalid     = "E105" // Invalid entry
	ErrCodeDuplicateID = "E106" // Two entries share an id
	ErrCodeFilter      = "E107" // Filters rejected by the filter parser
)

// LoadMode controls how errors are handled during loading.
type LoadMode int

const (
	// LoadModeFailFast stops on the first error encountered.
	LoadModeFailFast LoadMode = iota
	// LoadModeCollectAll collects all errors before returning.
	LoadModeCollectAll
)

// LoadError is an error at a CUE position, when one is known.
type LoadError struct {
	Code    string    `json:"code"`
	Message string    `json:"message"`
	Pos     token.Pos `json:"-"`
	Err     error     `json:"-"`
}

func (e *LoadError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s", e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

// Workspace is the loaded content of a workspace.
type Workspace struct {
	Cohorts []*cohort.Cohort
	Actions []*action.Action
	Columns []columns.Entry
	// StaticMembers lists the explicit members of static cohorts, sorted.
	StaticMembers map[int64][]string
	FileCount     int
}

// Load reads every CUE file of the package in dir.
func Load(dir string, mode LoadMode) (*Workspace, []error) {
	info, err := os.Stat(dir)
	if os.IsNotExist(err) {
		return nil, []error{&LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("workspace directory not found: %s", dir)}}
	}
	if err != nil {
		return nil, []error{&LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("error accessing workspace directory: %v", err)}}
	}
	if !info.IsDir() {
		return nil, []error{&LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("not a directory: %s", dir)}}
	}

	cueFiles, err := FindCUEFiles(dir)
	if err != nil {
		return nil, []error{&LoadError{Code: ErrCodeScanError, Message: fmt.Sprintf("error scanning directory: %v", err)}}
	}
	if len(cueFiles) == 0 {
		return nil, []error{&LoadError{Code: ErrCodeNoFiles, Message: fmt.Sprintf("no CUE files found in %s", dir)}}
	}

	ctx := cuecontext.New()
	instances := load.Instances([]string{"."}, &load.Config{Dir: dir})
	if len(instances) == 0 {
		return nil, []error{&LoadError{Code: ErrCodeLoadFailed, Message: "no CUE instances loaded"}}
	}
	inst := instances[0]
	if inst.Err != nil {
		return nil, []error{&LoadError{Code: ErrCodeLoadFailed, Message: fmt.Sprintf("loading CUE files: %v", inst.Err)}}
	}

	ws, errs := FromValue(ctx.BuildInstance(inst), mode)
	if ws != nil {
		ws.FileCount = len(cueFiles)
	}
	return ws, errs
}

// LoadString loads a workspace from CUE source.
func LoadString(src string, mode LoadMode) (*Workspace, []error) {
	return FromValue(cuecontext.New().CompileString(src), mode)
}

// FromValue extracts a workspace from a built CUE value.
func FromValue(v cue.Value, mode LoadMode) (*Workspace, []error) {
	if err := v.Err(); err != nil {
		return nil, []error{cueError(ErrCodeBuildFailed, err)}
	}

	schema := v.Context().CompileString(schemaCUE, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return nil, []error{&LoadError{Code: ErrCodeBuildFailed, Message: fmt.Sprintf("workspace schema: %v", err)}}
	}
	v = schema.Unify(v)
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return nil, []error{cueError(ErrCodeBuildFailed, err)}
	}

	l := &loader{
		mode:    mode,
		team:    DefaultTeam,
		cohorts: make(map[int64]token.Pos),
		actions: make(map[int64]token.Pos),
		ws:      &Workspace{StaticMembers: make(map[int64][]string)},
	}
	if teamVal := v.LookupPath(cue.ParsePath("team")); teamVal.Exists() {
		team, err := teamVal.Int64()
		if err != nil {
			return nil, []error{cueError(ErrCodeInvalid, err)}
		}
		l.team = team
	}

	l.each(v.LookupPath(cue.ParsePath("cohort")), l.cohort)
	if l.stop() {
		return l.ws, l.errs
	}
	l.each(v.LookupPath(cue.ParsePath("action")), l.action)
	if l.stop() {
		return l.ws, l.errs
	}
	l.columns(v.LookupPath(cue.ParsePath("column")))

	sort.Slice(l.ws.Cohorts, func(i, j int) bool { return l.ws.Cohorts[i].ID < l.ws.Cohorts[j].ID })
	sort.Slice(l.ws.Actions, func(i, j int) bool { return l.ws.Actions[i].ID < l.ws.Actions[j].ID })
	return l.ws, l.errs
}

type loader struct {
	mode    LoadMode
	team    int64
	cohorts map[int64]token.Pos
	actions map[int64]token.Pos
	ws      *Workspace
	errs    []error
}

func (l *loader) fail(err error) {
	l.errs = append(l.errs, err)
}

func (l *loader) stop() bool {
	return l.mode == LoadModeFailFast && len(l.errs) > 0
}

// each calls fn for every field of a struct value, stopping early in
// fail-fast mode.
func (l *loader) each(v cue.Value, fn func(label string, v cue.Value) error) {
	if !v.Exists() {
		return
	}
	iter, err := v.Fields()
	if err != nil {
		l.fail(cueError(ErrCodeInvalid, err))
		return
	}
	for iter.Next() {
		if err := fn(iter.Label(), iter.Value()); err != nil {
			l.fail(err)
			if l.stop() {
				return
			}
		}
	}
}

func (l *loader) cohort(label string, v cue.Value) error {
	var raw struct {
		ID      int64    `json:"id"`
		Team    int64    `json:"team"`
		Name    string   `json:"name"`
		Static  bool     `json:"static"`
		Members []string `json:"members"`
	}
	if err := v.Decode(&raw); err != nil {
		return cueError(ErrCodeInvalid, err)
	}

	if prev, dup := l.cohorts[raw.ID]; dup {
		return &LoadError{
			Code:    ErrCodeDuplicateID,
			Message: fmt.Sprintf("cohort.%s: id %d already used at %s", label, raw.ID, prev),
			Pos:     v.Pos(),
		}
	}
	l.cohorts[raw.ID] = v.Pos()

	c := &cohort.Cohort{
		ID:       raw.ID,
		TeamID:   l.teamOr(raw.Team),
		Name:     raw.Name,
		IsStatic: raw.Static,
	}
	if c.Name == "" {
		c.Name = label
	}

	if len(raw.Members) > 0 && !raw.Static {
		return &LoadError{
			Code:    ErrCodeInvalid,
			Message: fmt.Sprintf("cohort.%s: members are only allowed on static cohorts", label),
			Pos:     v.Pos(),
		}
	}
	if raw.Static {
		members := append([]string(nil), raw.Members...)
		sort.Strings(members)
		l.ws.StaticMembers[c.ID] = members
	}

	filtersVal := v.LookupPath(cue.ParsePath("filters"))
	if filtersVal.Exists() {
		data, err := filtersVal.MarshalJSON()
		if err != nil {
			return cueError(ErrCodeInvalid, err)
		}
		tree, err := filter.Parse(data)
		if err != nil {
			return &LoadError{
				Code:    ErrCodeFilter,
				Message: fmt.Sprintf("cohort.%s.filters: %v", label, err),
				Pos:     filtersVal.Pos(),
				Err:     err,
			}
		}
		c.Filters = tree
	} else {
		c.Filters = &filter.Group{Operator: filter.And}
	}

	l.ws.Cohorts = append(l.ws.Cohorts, c)
	return nil
}

func (l *loader) action(label string, v cue.Value) error {
	var raw struct {
		ID   int64  `json:"id"`
		Team int64  `json:"team"`
		Name string `json:"name"`
	}
	if err := v.Decode(&raw); err != nil {
		return cueError(ErrCodeInvalid, err)
	}

	if prev, dup := l.actions[raw.ID]; dup {
		return &LoadError{
			Code:    ErrCodeDuplicateID,
			Message: fmt.Sprintf("action.%s: id %d already used at %s", label, raw.ID, prev),
			Pos:     v.Pos(),
		}
	}
	l.actions[raw.ID] = v.Pos()

	stepsVal := v.LookupPath(cue.ParsePath("steps"))
	data, err := stepsVal.MarshalJSON()
	if err != nil {
		return cueError(ErrCodeInvalid, err)
	}
	var steps []action.Step
	if err := json.Unmarshal(data, &steps); err != nil {
		return &LoadError{
			Code:    ErrCodeFilter,
			Message: fmt.Sprintf("action.%s.steps: %v", label, err),
			Pos:     stepsVal.Pos(),
			Err:     err,
		}
	}

	a := &action.Action{ID: raw.ID, TeamID: l.teamOr(raw.Team), Name: raw.Name, Steps: steps}
	if a.Name == "" {
		a.Name = label
	}
	l.ws.Actions = append(l.ws.Actions, a)
	return nil
}

func (l *loader) columns(v cue.Value) {
	if !v.Exists() {
		return
	}
	iter, err := v.List()
	if err != nil {
		l.fail(cueError(ErrCodeInvalid, err))
		return
	}
	for iter.Next() {
		var e columns.Entry
		err := iter.Value().Decode(&e)
		if err == nil && e.ColumnName == "" {
			e.ColumnName = columns.MaterializedName(e.Table, e.TableColumn, e.PropertyName)
		}
		if err != nil {
			l.fail(cueError(ErrCodeInvalid, err))
		} else if !columns.ValidIdentifier(e.ColumnName) {
			l.fail(&LoadError{
				Code:    ErrCodeInvalid,
				Message: fmt.Sprintf("column %q is not a valid identifier", e.ColumnName),
				Pos:     iter.Value().Pos(),
			})
		} else {
			l.ws.Columns = append(l.ws.Columns, e)
		}
		if l.stop() {
			return
		}
	}
}

func (l *loader) teamOr(team int64) int64 {
	if team == 0 {
		return l.team
	}
	return team
}

// FindCUEFiles walks the directory and returns all .cue file paths.
func FindCUEFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() && filepath.Ext(path) == ".cue" {
			files = append(files, path)
		}
		return nil
	})
	return files, err
}

// cueError converts a CUE error to a LoadError carrying its first position.
func cueError(code string, err error) *LoadError {
	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return &LoadError{Code: code, Message: err.Error(), Err: err}
	}
	first := errs[0]
	le := &LoadError{Code: code, Message: first.Error(), Err: err}
	if positions := cueerrors.Positions(first); len(positions) > 0 {
		le.Pos = positions[0]
	}
	return le
}

// Loader returns the workspace cohorts as a cohort.Loader.
func (w *Workspace) Loader() cohort.MapLoader {
	return cohort.NewMapLoader(w.Cohorts...)
}

// Resolver returns the workspace actions as an action.Resolver.
func (w *Workspace) Resolver() action.MapResolver {
	return action.NewMapResolver(w.Actions...)
}

// Source serves the workspace columns as a columns.Source.
func (w *Workspace) Source() columns.Source {
	return columns.SourceFunc(func(_ context.Context, table string) ([]columns.Entry, error) {
		var out []columns.Entry
		for _, e := range w.Columns {
			if e.Table == table {
				out = append(out, e)
			}
		}
		return out, nil
	})
}

// Teams returns the teams that own at least one cohort, ascending.
func (w *Workspace) Teams() []int64 {
	seen := make(map[int64]bool)
	var teams []int64
	for _, c := range w.Cohorts {
		if !seen[c.TeamID] {
			seen[c.TeamID] = true
			teams = append(teams, c.TeamID)
		}
	}
	sort.Slice(teams, func(i, j int) bool { return teams[i] < teams[j] })
	return teams
}

// CohortIDs returns the ids of a team's cohorts, ascending.
func (w *Workspace) CohortIDs(teamID int64) []int64 {
	var ids []int64
	for _, c := range w.Cohorts {
		if c.TeamID == teamID {
			ids = append(ids, c.ID)
		}
	}
	return ids
}
