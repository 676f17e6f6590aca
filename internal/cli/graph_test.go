package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/cohortc/internal/cohort"
	"github.com/roach88/cohortc/internal/filter"
	"github.com/roach88/cohortc/internal/store"
)

func TestGraphWorkspace(t *testing.T) {
	buf := &bytes.Buffer{}
	cmd := NewGraphCommand(&RootOptions{Format: "text"})
	cmd.SetOut(buf)
	cmd.SetArgs([]string{acmeDir})

	require.NoError(t, cmd.Execute())

	output := buf.String()
	assert.Contains(t, output, "Team 2 order: 1 → 2 → 3")
	assert.Contains(t, output, "  1: person_property, realtime\n")
	assert.Contains(t, output, "  2: behavioral, realtime (depends on [1])\n")
	assert.Contains(t, output, "  3: static\n")
}

func TestGraphJSON(t *testing.T) {
	buf := &bytes.Buffer{}
	cmd := NewGraphCommand(&RootOptions{Format: "json"})
	cmd.SetOut(buf)
	cmd.SetArgs([]string{acmeDir})

	require.NoError(t, cmd.Execute())

	var resp struct {
		Data []GraphReport `json:"data"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	require.Len(t, resp.Data, 1)

	want := []GraphNode{
		{CohortID: 1, Type: "person_property", Realtime: true},
		{CohortID: 2, Type: "behavioral", Realtime: true, Deps: []int64{1}},
		{CohortID: 3, Type: "static"},
	}
	assert.Equal(t, want, resp.Data[0].Cohorts)
}

func TestGraphReportsUnclassified(t *testing.T) {
	dir := writeWorkspace(t, brokenWorkspace)

	buf := &bytes.Buffer{}
	cmd := NewGraphCommand(&RootOptions{Format: "text"})
	cmd.SetOut(buf)
	cmd.SetArgs([]string{dir})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	output := buf.String()
	assert.Contains(t, output, "Team 1 order: 1\n")
	assert.Contains(t, output, "  ✗ 5: ")
}

func TestGraphRecordRequiresDB(t *testing.T) {
	buf := &bytes.Buffer{}
	cmd := NewGraphCommand(&RootOptions{Format: "text"})
	cmd.SetOut(buf)
	cmd.SetArgs([]string{acmeDir, "--record"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestGraphRecord(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "catalog.db")

	st, err := store.Open(path)
	require.NoError(t, err)
	require.NoError(t, st.PutCohort(ctx, &cohort.Cohort{
		ID:     10,
		TeamID: 4,
		Filters: filter.NewAnd(&filter.Property{
			Key: "email", Value: "@acme.com", Operator: "icontains", Type: filter.TypePerson,
		}),
	}))
	require.NoError(t, st.PutCohort(ctx, &cohort.Cohort{
		ID:     11,
		TeamID: 4,
		Filters: filter.NewAnd(&filter.Property{
			Key: "id", Value: int64(10), Type: filter.TypeCohort,
		}),
	}))
	require.NoError(t, st.Close())

	buf := &bytes.Buffer{}
	cmd := NewGraphCommand(&RootOptions{Format: "text"})
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"--db", path, "--record"})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, buf.String(), "Team 4 order: 10 → 11")

	st, err = store.Open(path)
	require.NoError(t, err)
	defer st.Close()

	cohorts, err := st.ListCohorts(ctx, 4)
	require.NoError(t, err)
	require.Len(t, cohorts, 2)
	assert.Equal(t, cohort.TypePersonProperty, cohorts[0].CohortType)
	assert.Equal(t, cohort.TypePersonProperty, cohorts[1].CohortType)
}
