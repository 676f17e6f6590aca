package cohort

import (
	"errors"
	"fmt"
	"strings"
)

// Cohort error codes (E300-E309).
const (
	ErrCodeUnpairedNegation = "E300"
	ErrCodeMissingReference = "E301"
	ErrCodeReferenceCycle   = "E302"
)

// UnpairedNegationError reports a negated condition that is not paired with
// a positive condition in an enclosing AND group. Evaluating it would mean
// "everyone who did not do X", which is unbounded.
type UnpairedNegationError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error implements the error interface.
func (e *UnpairedNegationError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// MissingReferenceError reports that a cohort references a cohort that does
// not exist for its team.
type MissingReferenceError struct {
	Code       string `json:"code"`
	CohortID   int64  `json:"cohort_id"`
	Referenced int64  `json:"referenced"`
}

// NewMissingReferenceError builds a MissingReferenceError.
func NewMissingReferenceError(cohortID, referenced int64) *MissingReferenceError {
	return &MissingReferenceError{Code: ErrCodeMissingReference, CohortID: cohortID, Referenced: referenced}
}

// Error implements the error interface.
func (e *MissingReferenceError) Error() string {
	return fmt.Sprintf("[%s] cohort %d references missing cohort %d", e.Code, e.CohortID, e.Referenced)
}

// ReferenceCycleError is returned by Unwrap when it re-enters a cohort it is
// already expanding. The dependency graph normally rejects such sets first.
type ReferenceCycleError struct {
	Code string  `json:"code"`
	Path []int64 `json:"path"`
}

// Error implements the error interface.
func (e *ReferenceCycleError) Error() string {
	parts := make([]string, len(e.Path))
	for i, id := range e.Path {
		parts[i] = fmt.Sprint(id)
	}
	return fmt.Sprintf("[%s] cohort reference cycle: %s", e.Code, strings.Join(parts, " → "))
}

// IsUnpairedNegation reports whether err is (or wraps) an UnpairedNegationError.
func IsUnpairedNegation(err error) bool {
	var ue *UnpairedNegationError
	return errors.As(err, &ue)
}

// IsMissingReference reports whether err is (or wraps) a MissingReferenceError.
func IsMissingReference(err error) bool {
	var me *MissingReferenceError
	return errors.As(err, &me)
}

// IsReferenceCycle reports whether err is (or wraps) a ReferenceCycleError.
func IsReferenceCycle(err error) bool {
	var ce *ReferenceCycleError
	return errors.As(err, &ce)
}
