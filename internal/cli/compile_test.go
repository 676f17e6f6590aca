package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var acmeDir = filepath.Join("..", "workspace", "testdata", "acme")

// brokenWorkspace holds one good cohort and one referencing a missing cohort.
const brokenWorkspace = `package broken

cohort: good: {
	id: 1
	filters: {type: "AND", values: [{key: "email", value: "@acme.com", operator: "icontains", type: "person"}]}
}

cohort: dangling: {
	id: 5
	filters: {type: "AND", values: [{key: "id", value: 99, type: "cohort"}]}
}
`

// negatedWorkspace holds one good cohort and one that only negates.
const negatedWorkspace = `package negated

cohort: good: {
	id: 1
	filters: {type: "AND", values: [{key: "email", value: "@acme.com", operator: "icontains", type: "person"}]}
}

cohort: only_negated: {
	id: 6
	filters: {type: "AND", values: [{key: "email", operator: "is_set", type: "person", negation: true}]}
}
`

func writeWorkspace(t *testing.T, src string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "cohorts.cue"), []byte(src), 0644))
	return dir
}

func TestCompileWorkspace(t *testing.T) {
	buf := &bytes.Buffer{}
	rootOpts := &RootOptions{Format: "text"}
	cmd := NewCompileCommand(rootOpts)
	cmd.SetOut(buf)
	cmd.SetArgs([]string{acmeDir})

	err := cmd.Execute()
	require.NoError(t, err)

	output := buf.String()
	assert.Contains(t, output, "✓ Team 2: compiled 3 cohort(s)")
	assert.Contains(t, output, `-- cohort 1 "Acme users" person_property realtime`)
	assert.Contains(t, output, "-- cohort 2 behavioral realtime")
	assert.Contains(t, output, "-- cohort 3 static\n-- static membership, no query")
	assert.Contains(t, output, `prop_0_value = "%@acme.com%"`)
}

func TestCompileWorkspaceJSON(t *testing.T) {
	buf := &bytes.Buffer{}
	rootOpts := &RootOptions{Format: "json"}
	cmd := NewCompileCommand(rootOpts)
	cmd.SetOut(buf)
	cmd.SetArgs([]string{acmeDir})

	require.NoError(t, cmd.Execute())

	var resp struct {
		Status string       `json:"status"`
		Data   []TeamReport `json:"data"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	require.Len(t, resp.Data, 1)

	team := resp.Data[0]
	assert.Equal(t, int64(2), team.TeamID)
	assert.Equal(t, []int64{1, 2, 3}, team.Order)
	assert.Zero(t, team.Failed)
	require.Len(t, team.Cohorts, 3)

	assert.Equal(t, "person_property", team.Cohorts[0].Type)
	assert.Contains(t, team.Cohorts[0].SQL, "latest_pmat_email ILIKE %(prop_0_value)s")
	require.NotNil(t, team.Cohorts[0].Columns)
	assert.Equal(t, []string{"pmat_email"}, team.Cohorts[0].Columns.Person)

	assert.Equal(t, "static", team.Cohorts[2].Type)
	assert.Empty(t, team.Cohorts[2].SQL)
	assert.False(t, team.Cohorts[2].Realtime)
}

func TestCompileSelectedCohort(t *testing.T) {
	buf := &bytes.Buffer{}
	cmd := NewCompileCommand(&RootOptions{Format: "text"})
	cmd.SetOut(buf)
	cmd.SetArgs([]string{acmeDir, "--team", "2", "--cohort", "1"})

	require.NoError(t, cmd.Execute())
	assert.Contains(t, buf.String(), "✓ Team 2: compiled 1 cohort(s)")
	assert.NotContains(t, buf.String(), "cohort 3")
}

func TestCompileOutputToFile(t *testing.T) {
	outputFile := filepath.Join(t.TempDir(), "compiled.json")

	buf := &bytes.Buffer{}
	rootOpts := &RootOptions{Format: "text"}
	cmd := NewCompileCommand(rootOpts)
	cmd.SetOut(buf)
	cmd.SetArgs([]string{acmeDir, "--output", outputFile})

	require.NoError(t, cmd.Execute())
	assert.Contains(t, buf.String(), "Wrote report to "+outputFile)

	data, err := os.ReadFile(outputFile)
	require.NoError(t, err)

	var reports []TeamReport
	require.NoError(t, json.Unmarshal(data, &reports))
	require.Len(t, reports, 1)
	assert.Len(t, reports[0].Cohorts, 3)
}

func TestCompileFailingCohort(t *testing.T) {
	dir := writeWorkspace(t, negatedWorkspace)

	buf := &bytes.Buffer{}
	cmd := NewCompileCommand(&RootOptions{Format: "text"})
	cmd.SetOut(buf)
	cmd.SetArgs([]string{dir})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, err.Error(), "1 cohort(s) failed to compile")

	output := buf.String()
	assert.Contains(t, output, "✗ Team 1: 1 of 2 cohort(s) failed")
	assert.Contains(t, output, "-- cohort 1 person_property realtime")
	assert.Contains(t, output, "✗ cohort 6")
	assert.Contains(t, output, "E300")
}

func TestCompileFailingCohortJSON(t *testing.T) {
	dir := writeWorkspace(t, negatedWorkspace)

	buf := &bytes.Buffer{}
	cmd := NewCompileCommand(&RootOptions{Format: "json"})
	cmd.SetOut(buf)
	cmd.SetArgs([]string{dir})

	require.Error(t, cmd.Execute())

	var resp struct {
		Data []TeamReport `json:"data"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	require.Len(t, resp.Data, 1)
	assert.Equal(t, 1, resp.Data[0].Failed)

	last := resp.Data[0].Cohorts[len(resp.Data[0].Cohorts)-1]
	assert.Equal(t, int64(6), last.CohortID)
	require.NotNil(t, last.Error)
	assert.Equal(t, "E300", last.Error.Code)
}

func TestCompileMissingReference(t *testing.T) {
	dir := writeWorkspace(t, brokenWorkspace)

	buf := &bytes.Buffer{}
	cmd := NewCompileCommand(&RootOptions{Format: "text"})
	cmd.SetOut(buf)
	cmd.SetArgs([]string{dir})

	require.NoError(t, cmd.Execute())

	output := buf.String()
	assert.Contains(t, output, "✓ Team 1: compiled 2 cohort(s), 1 without a type")
	assert.Contains(t, output, "-- cohort 5 none\n-- warning: [E301] cohort 5 references missing cohort 99\nSELECT ")
	assert.Contains(t, output, "WHERE 1 = 0")
}

func TestCompileMissingReferenceJSON(t *testing.T) {
	dir := writeWorkspace(t, brokenWorkspace)

	buf := &bytes.Buffer{}
	cmd := NewCompileCommand(&RootOptions{Format: "json"})
	cmd.SetOut(buf)
	cmd.SetArgs([]string{dir})

	require.NoError(t, cmd.Execute())

	var resp struct {
		Data []TeamReport `json:"data"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	require.Len(t, resp.Data, 1)
	assert.Equal(t, 0, resp.Data[0].Failed)
	assert.Equal(t, 1, resp.Data[0].Untyped)

	last := resp.Data[0].Cohorts[len(resp.Data[0].Cohorts)-1]
	assert.Equal(t, int64(5), last.CohortID)
	assert.Nil(t, last.Error)
	require.NotNil(t, last.Warning)
	assert.Equal(t, "E301", last.Warning.Code)
	assert.Equal(t, "none", last.Type)
	assert.Contains(t, last.SQL, "1 = 0")
}

func TestCompileNoSource(t *testing.T) {
	buf := &bytes.Buffer{}
	cmd := NewCompileCommand(&RootOptions{Format: "text"})
	cmd.SetOut(buf)
	cmd.SetArgs([]string{})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, buf.String(), ErrCodeNoSource)
}

func TestCompileWorkspaceAndDB(t *testing.T) {
	buf := &bytes.Buffer{}
	cmd := NewCompileCommand(&RootOptions{Format: "text"})
	cmd.SetOut(buf)
	cmd.SetArgs([]string{acmeDir, "--db", filepath.Join(t.TempDir(), "c.db")})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "not both")
}

func TestCompileMissingWorkspace(t *testing.T) {
	buf := &bytes.Buffer{}
	cmd := NewCompileCommand(&RootOptions{Format: "json"})
	cmd.SetOut(buf)
	cmd.SetArgs([]string{filepath.Join(t.TempDir(), "absent")})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "E100", resp.Error.Code)
}
