package workspace

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/cohortc/internal/cohort"
	"github.com/roach88/cohortc/internal/columns"
	"github.com/roach88/cohortc/internal/filter"
)

func TestLoad_Directory(t *testing.T) {
	ws, errs := Load("testdata/acme", LoadModeCollectAll)
	require.Empty(t, errs)
	require.NotNil(t, ws)

	assert.Equal(t, 2, ws.FileCount)
	require.Len(t, ws.Cohorts, 3)

	acme := ws.Cohorts[0]
	assert.Equal(t, int64(1), acme.ID)
	assert.Equal(t, int64(2), acme.TeamID, "top-level team applies")
	assert.Equal(t, "Acme users", acme.Name)
	require.Len(t, acme.Filters.Properties(), 1)
	assert.Equal(t, filter.TypePerson, acme.Filters.Properties()[0].Type)

	active := ws.Cohorts[1]
	assert.Equal(t, "active_acme", active.Name, "label is the default name")
	refs, err := filter.CohortReferences(active.Filters)
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, refs)

	beta := ws.Cohorts[2]
	assert.True(t, beta.IsStatic)
	assert.True(t, beta.Filters.IsEmpty())
	assert.Equal(t, []string{"person-1", "person-2"}, ws.StaticMembers[3])

	require.Len(t, ws.Actions, 1)
	assert.Equal(t, "checkout", ws.Actions[0].Name)
	assert.Len(t, ws.Actions[0].Steps, 2)

	assert.Len(t, ws.Columns, 2)
	assert.Equal(t, []int64{2}, ws.Teams())
	assert.Equal(t, []int64{1, 2, 3}, ws.CohortIDs(2))
	assert.Empty(t, ws.CohortIDs(1))
}

func TestWorkspace_Collaborators(t *testing.T) {
	ctx := context.Background()
	ws, errs := Load("testdata/acme", LoadModeFailFast)
	require.Empty(t, errs)

	c, err := ws.Loader().Get(ctx, 2, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(2), c.ID)
	_, err = ws.Loader().Get(ctx, 2, 1)
	require.ErrorIs(t, err, cohort.ErrNotFound)

	steps, err := ws.Resolver().Steps(ctx, 3, 2)
	require.NoError(t, err)
	assert.True(t, steps[1].UsesElements())

	entries, err := ws.Source().MaterializedColumns(ctx, columns.TablePerson)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "pmat_email", entries[0].ColumnName)
}

func TestLoadString_DefaultTeam(t *testing.T) {
	ws, errs := LoadString(`
cohort: pro: {
	id: 7
	filters: {type: "OR", values: [{key: "plan", value: "pro", type: "person"}]}
}
cohort: other_team: {id: 8, team: 5}
`, LoadModeCollectAll)
	require.Empty(t, errs)
	require.Len(t, ws.Cohorts, 2)
	assert.Equal(t, DefaultTeam, ws.Cohorts[0].TeamID)
	assert.Equal(t, int64(5), ws.Cohorts[1].TeamID)
	assert.Equal(t, []int64{1, 5}, ws.Teams())
}

func TestLoadString_Errors(t *testing.T) {
	tests := []struct {
		name string
		src  string
		code string
	}{
		{
			name: "unknown field",
			src:  `cohort: a: {id: 1, filter: {}}`,
			code: ErrCodeBuildFailed,
		},
		{
			name: "non-positive id",
			src:  `cohort: a: {id: 0}`,
			code: ErrCodeBuildFailed,
		},
		{
			name: "not concrete",
			src:  `cohort: a: {id: int}`,
			code: ErrCodeBuildFailed,
		},
		{
			name: "duplicate id",
			src:  `cohort: a: {id: 1}, cohort: b: {id: 1}`,
			code: ErrCodeDuplicateID,
		},
		{
			name: "members on dynamic cohort",
			src:  `cohort: a: {id: 1, members: ["p"]}`,
			code: ErrCodeInvalid,
		},
		{
			name: "malformed filters",
			src:  `cohort: a: {id: 1, filters: {type: "XOR", values: []}}`,
			code: ErrCodeFilter,
		},
		{
			name: "bad step matching",
			src:  `action: a: {id: 1, steps: [{url: "/x", url_matching: "glob"}]}`,
			code: ErrCodeFilter,
		},
		{
			name: "bad column identifier",
			src:  `column: [{table: "person", table_column: "properties", property_name: "x", column_name: "x y"}]`,
			code: ErrCodeInvalid,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, errs := LoadString(tt.src, LoadModeCollectAll)
			require.NotEmpty(t, errs)
			var le *LoadError
			require.True(t, errors.As(errs[0], &le), "got %T", errs[0])
			assert.Equal(t, tt.code, le.Code, le.Error())
		})
	}
}

func TestLoadString_MalformedFilterUnwraps(t *testing.T) {
	_, errs := LoadString(`cohort: a: {id: 1, filters: {type: "AND", values: [{key: "x", type: "bogus"}]}}`, LoadModeFailFast)
	require.Len(t, errs, 1)
	assert.True(t, filter.IsMalformed(errs[0]))
}

func TestLoadString_CollectAllVsFailFast(t *testing.T) {
	src := `
cohort: a: {id: 1, filters: {type: "XOR", values: []}}
cohort: b: {id: 2, filters: {type: "NAND", values: []}}
`
	_, errs := LoadString(src, LoadModeCollectAll)
	assert.Len(t, errs, 2)

	_, errs = LoadString(src, LoadModeFailFast)
	assert.Len(t, errs, 1)
}

func TestLoad_DirectoryErrors(t *testing.T) {
	t.Run("missing", func(t *testing.T) {
		_, errs := Load(filepath.Join(t.TempDir(), "absent"), LoadModeFailFast)
		require.Len(t, errs, 1)
		assert.Contains(t, errs[0].Error(), ErrCodeNotFound)
	})

	t.Run("file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "x.cue")
		require.NoError(t, os.WriteFile(path, []byte("package x"), 0644))
		_, errs := Load(path, LoadModeFailFast)
		require.Len(t, errs, 1)
		assert.Contains(t, errs[0].Error(), "not a directory")
	})

	t.Run("no cue files", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("hi"), 0644))
		_, errs := Load(dir, LoadModeFailFast)
		require.Len(t, errs, 1)
		assert.Contains(t, errs[0].Error(), ErrCodeNoFiles)
	})
}

func TestFindCUEFiles(t *testing.T) {
	files, err := FindCUEFiles("testdata/acme")
	require.NoError(t, err)
	assert.Len(t, files, 2)
}

func TestLoadString_ColumnNameDefault(t *testing.T) {
	ws, errs := LoadString(`
column: [
	{table: "events", table_column: "properties", property_name: "$browser"},
	{table: "events", table_column: "person_properties", property_name: "Email"},
	{table: "person", table_column: "properties", property_name: "plan", column_name: "custom_plan"},
]`, LoadModeFailFast)
	require.Empty(t, errs)

	names := make([]string, len(ws.Columns))
	for i, e := range ws.Columns {
		names[i] = e.ColumnName
	}
	assert.Equal(t, []string{"mat_browser", "mat_pp_email", "custom_plan"}, names)
}
