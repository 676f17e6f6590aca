package harness

import (
	"github.com/roach88/cohortc/internal/planner"
)

// Result is the outcome of a scenario run.
type Result struct {
	// Pass is true if every expectation held.
	Pass bool `json:"pass" yaml:"pass"`

	// Errors lists the failed expectations. Empty if Pass is true.
	Errors []string `json:"errors,omitempty" yaml:"errors,omitempty"`

	// Plan is the compiled plan the expectations were checked against.
	Plan *planner.Plan `json:"plan" yaml:"plan"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Errors: []string{},
	}
}

// AddError records a failed expectation and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}
