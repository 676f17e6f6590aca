package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/roach88/cohortc/internal/cohort"
)

// Scenario is a compile scenario.
type Scenario struct {
	// Name identifies the scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what the scenario checks.
	Description string `yaml:"description"`

	// Workspace is a directory of CUE files. Relative paths are resolved
	// against the scenario file's directory on load.
	Workspace string `yaml:"workspace,omitempty"`

	// CUE is inline workspace source, used when Workspace is empty.
	CUE string `yaml:"cue,omitempty"`

	// Team is the team to plan. Zero means the workspace's only team.
	Team int64 `yaml:"team,omitempty"`

	// Cohorts lists the cohort ids to plan. Empty means every cohort of the
	// team.
	Cohorts []int64 `yaml:"cohorts,omitempty"`

	// NullBehaviorAsFalse overrides the compiler default when set.
	NullBehaviorAsFalse *bool `yaml:"null_behavior_as_false,omitempty"`

	// Order is the expected evaluation order, if given.
	Order []int64 `yaml:"order,omitempty"`

	Expect []Expectation `yaml:"expect"`
}

// Expectation checks one cohort of the plan. Unset fields are not checked.
type Expectation struct {
	Cohort int64 `yaml:"cohort"`

	// Type is the cohort type name, e.g. "behavioral".
	Type string `yaml:"type,omitempty"`

	Realtime *bool `yaml:"realtime,omitempty"`

	// Error is the expected error code, e.g. "E300". A cohort without Error
	// must compile.
	Error string `yaml:"error,omitempty"`

	// Warning is the expected code of a cohort that compiled without a type,
	// e.g. "E301". A compiled cohort without Warning must carry none.
	Warning string `yaml:"warning,omitempty"`

	SQLContains []string `yaml:"sql_contains,omitempty"`
	SQLExcludes []string `yaml:"sql_excludes,omitempty"`

	// Params is a subset match against the bound parameters.
	Params map[string]any `yaml:"params,omitempty"`

	Columns *ColumnsExpectation `yaml:"columns,omitempty"`
}

// ColumnsExpectation checks the physical column selection of a cohort.
type ColumnsExpectation struct {
	Events        []string `yaml:"events,omitempty"`
	Person        []string `yaml:"person,omitempty"`
	GroupTypes    []int    `yaml:"group_types,omitempty"`
	ElementsChain *bool    `yaml:"elements_chain,omitempty"`
}

var errorCodePattern = regexp.MustCompile(`^E[0-9]{3}$`)

// LoadScenario reads and parses a scenario YAML file. Unknown fields are
// rejected. A relative workspace path is resolved against the directory of
// the scenario file.
func LoadScenario(path string) (*Scenario, error) {
	return LoadScenarioWithBasePath(path, filepath.Dir(path))
}

// LoadScenarioWithBasePath is LoadScenario with the workspace path resolved
// against basePath instead.
func LoadScenarioWithBasePath(path, basePath string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	s, err := ParseScenario(data)
	if err != nil {
		return nil, err
	}

	if s.Workspace != "" && !filepath.IsAbs(s.Workspace) && basePath != "" {
		s.Workspace = filepath.Join(basePath, s.Workspace)
	}
	if s.Workspace != "" {
		if _, err := os.Stat(s.Workspace); os.IsNotExist(err) {
			return nil, fmt.Errorf("invalid scenario: workspace not found: %s", s.Workspace)
		}
	}
	return s, nil
}

// ParseScenario parses scenario YAML. Workspace paths are left as written.
func ParseScenario(data []byte) (*Scenario, error) {
	var s Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&s); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := validateScenario(&s); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &s, nil
}

// LoadSuite loads every *.yaml scenario in dir, ordered by file name.
func LoadSuite(dir string) ([]*Scenario, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario directory: %w", err)
	}

	var paths []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if ext := filepath.Ext(e.Name()); ext == ".yaml" || ext == ".yml" {
			paths = append(paths, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(paths)

	scenarios := make([]*Scenario, 0, len(paths))
	for _, p := range paths {
		s, err := LoadScenario(p)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", filepath.Base(p), err)
		}
		scenarios = append(scenarios, s)
	}
	return scenarios, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}

	switch {
	case s.Workspace == "" && strings.TrimSpace(s.CUE) == "":
		return fmt.Errorf("one of workspace or cue is required")
	case s.Workspace != "" && s.CUE != "":
		return fmt.Errorf("workspace and cue are mutually exclusive")
	}

	if s.Team < 0 {
		return fmt.Errorf("team must be positive")
	}
	for i, id := range s.Cohorts {
		if id <= 0 {
			return fmt.Errorf("cohorts[%d]: id must be positive", i)
		}
	}

	if len(s.Expect) == 0 {
		return fmt.Errorf("expect list is required and must be non-empty")
	}
	seen := make(map[int64]bool, len(s.Expect))
	for i := range s.Expect {
		e := &s.Expect[i]
		if e.Cohort <= 0 {
			return fmt.Errorf("expect[%d]: cohort is required", i)
		}
		if seen[e.Cohort] {
			return fmt.Errorf("expect[%d]: duplicate expectation for cohort %d", i, e.Cohort)
		}
		seen[e.Cohort] = true

		if e.Type != "" {
			if _, err := cohort.ParseType(e.Type); err != nil {
				return fmt.Errorf("expect[%d]: %w", i, err)
			}
		}
		if e.Error != "" {
			if !errorCodePattern.MatchString(e.Error) {
				return fmt.Errorf("expect[%d]: error must be a code like E301, got %q", i, e.Error)
			}
			if len(e.SQLContains) > 0 || len(e.Params) > 0 || e.Columns != nil {
				return fmt.Errorf("expect[%d]: a failing cohort has no query to check", i)
			}
			if e.Warning != "" {
				return fmt.Errorf("expect[%d]: error and warning are mutually exclusive", i)
			}
		}
		if e.Warning != "" && !errorCodePattern.MatchString(e.Warning) {
			return fmt.Errorf("expect[%d]: warning must be a code like E301, got %q", i, e.Warning)
		}
	}
	return nil
}
