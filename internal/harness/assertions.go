package harness

import (
	"fmt"
	"reflect"
	"regexp"
	"slices"
	"strings"

	"github.com/roach88/cohortc/internal/planner"
)

// ExpectationError is a failed expectation on one cohort.
type ExpectationError struct {
	Cohort   int64
	Field    string
	Expected string
	Actual   string
}

// Error implements the error interface.
func (e *ExpectationError) Error() string {
	return fmt.Sprintf("cohort %d: %s: expected %s, got %s", e.Cohort, e.Field, e.Expected, e.Actual)
}

var codePattern = regexp.MustCompile(`\[(E[0-9]{3})\]`)

// ErrorCode extracts the first "[Exxx]" code from an error message, or ""
// when the error carries none.
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}
	m := codePattern.FindStringSubmatch(err.Error())
	if m == nil {
		return ""
	}
	return m[1]
}

// EvaluateExpectations checks a plan against a scenario and returns one
// message per failed expectation.
func EvaluateExpectations(plan *planner.Plan, s *Scenario) []string {
	var failures []string
	fail := func(err error) {
		failures = append(failures, err.Error())
	}

	if s.Order != nil && !slices.Equal(plan.Order, s.Order) {
		failures = append(failures, fmt.Sprintf("order: expected %v, got %v", s.Order, plan.Order))
	}

	for _, e := range s.Expect {
		cp := plan.Get(e.Cohort)
		if cp == nil {
			failures = append(failures, fmt.Sprintf("cohort %d: not in plan", e.Cohort))
			continue
		}
		for _, err := range checkCohort(cp, e) {
			fail(err)
		}
	}
	return failures
}

func checkCohort(cp *planner.CohortPlan, e Expectation) []error {
	var errs []error
	mismatch := func(field string, expected, actual any) {
		errs = append(errs, &ExpectationError{
			Cohort:   cp.CohortID,
			Field:    field,
			Expected: fmt.Sprint(expected),
			Actual:   fmt.Sprint(actual),
		})
	}

	if e.Error != "" {
		if got := ErrorCode(cp.Err); got != e.Error {
			actual := "no error"
			if cp.Err != nil {
				actual = fmt.Sprintf("%q", cp.Err.Error())
			}
			mismatch("error", e.Error, actual)
		}
		return errs
	}
	if cp.Err != nil {
		mismatch("error", "no error", fmt.Sprintf("%q", cp.Err.Error()))
		return errs
	}
	if got := ErrorCode(cp.Warning); got != e.Warning {
		expected, actual := e.Warning, "no warning"
		if expected == "" {
			expected = "no warning"
		}
		if cp.Warning != nil {
			actual = fmt.Sprintf("%q", cp.Warning.Error())
		}
		mismatch("warning", expected, actual)
	}

	if e.Type != "" && cp.Type.String() != e.Type {
		mismatch("type", e.Type, cp.Type)
	}
	if e.Realtime != nil && cp.Realtime != *e.Realtime {
		mismatch("realtime", *e.Realtime, cp.Realtime)
	}

	sql := ""
	if cp.Query != nil {
		sql = cp.Query.SQL
	}
	for _, want := range e.SQLContains {
		if !strings.Contains(sql, want) {
			mismatch("sql", fmt.Sprintf("to contain %q", want), "no match")
		}
	}
	for _, unwanted := range e.SQLExcludes {
		if strings.Contains(sql, unwanted) {
			mismatch("sql", fmt.Sprintf("not to contain %q", unwanted), "a match")
		}
	}

	if len(e.Params) > 0 {
		var params map[string]any
		if cp.Query != nil {
			params = cp.Query.Params
		}
		for name, want := range e.Params {
			got, ok := params[name]
			if !ok {
				mismatch("params."+name, want, "unbound")
				continue
			}
			if !valuesEqual(got, want) {
				mismatch("params."+name, want, got)
			}
		}
	}

	if e.Columns != nil {
		errs = append(errs, checkColumns(cp, e.Columns)...)
	}
	return errs
}

func checkColumns(cp *planner.CohortPlan, want *ColumnsExpectation) []error {
	got := cp.Columns
	if got == nil {
		got = &planner.Columns{}
	}

	var errs []error
	check := func(field string, equal bool, expected, actual any) {
		if !equal {
			errs = append(errs, &ExpectationError{
				Cohort:   cp.CohortID,
				Field:    "columns." + field,
				Expected: fmt.Sprint(expected),
				Actual:   fmt.Sprint(actual),
			})
		}
	}

	if want.Events != nil {
		check("events", slices.Equal(want.Events, got.Events), want.Events, got.Events)
	}
	if want.Person != nil {
		check("person", slices.Equal(want.Person, got.Person), want.Person, got.Person)
	}
	if want.GroupTypes != nil {
		check("group_types", slices.Equal(want.GroupTypes, got.GroupTypes), want.GroupTypes, got.GroupTypes)
	}
	if want.ElementsChain != nil {
		check("elements_chain", *want.ElementsChain == got.ElementsChain, *want.ElementsChain, got.ElementsChain)
	}
	return errs
}

// valuesEqual compares a bound parameter against a YAML value. Integer
// widths and list element types are normalized first.
func valuesEqual(actual, expected any) bool {
	return reflect.DeepEqual(normalize(actual), normalize(expected))
}

func normalize(v any) any {
	switch x := v.(type) {
	case int:
		return int64(x)
	case int32:
		return int64(x)
	case uint64:
		return int64(x)
	case float64:
		if x == float64(int64(x)) {
			return int64(x)
		}
		return x
	case []string:
		out := make([]any, len(x))
		for i, s := range x {
			out[i] = s
		}
		return out
	case []int64:
		out := make([]any, len(x))
		for i, n := range x {
			out[i] = n
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, elem := range x {
			out[i] = normalize(elem)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, elem := range x {
			out[k] = normalize(elem)
		}
		return out
	default:
		return v
	}
}
