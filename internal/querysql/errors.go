package querysql

import (
	"errors"
	"fmt"

	"github.com/roach88/cohortc/internal/filter"
	"github.com/roach88/cohortc/internal/pushdown"
)

// Compile error codes (E330-E339).
const (
	ErrCodeUnsupportedPropertyType = "E330"
	ErrCodeInvariantViolation      = "E331"
	ErrCodeUnsupportedOperator     = "E332"
	ErrCodeInvalidValue            = "E333"
)

// UnsupportedPropertyTypeError reports a leaf whose type has no renderer in
// the position it appears.
type UnsupportedPropertyTypeError struct {
	Code    string              `json:"code"`
	Type    filter.PropertyType `json:"type"`
	Key     string              `json:"key"`
	Context string              `json:"context"`
}

// Error implements the error interface.
func (e *UnsupportedPropertyTypeError) Error() string {
	return fmt.Sprintf("[%s] unsupported property type %q (key %q) in %s", e.Code, e.Type, e.Key, e.Context)
}

// InvariantViolation reports a tree the parser or unwrapper should never
// have produced, such as a behavioral leaf without a payload or an
// unresolved cohort reference.
type InvariantViolation struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error implements the error interface.
func (e *InvariantViolation) Error() string {
	return fmt.Sprintf("[%s] invariant violation: %s", e.Code, e.Message)
}

// UnsupportedOperatorError reports a property operator with no renderer.
type UnsupportedOperatorError struct {
	Code     string `json:"code"`
	Operator string `json:"operator"`
	Key      string `json:"key"`
}

// Error implements the error interface.
func (e *UnsupportedOperatorError) Error() string {
	return fmt.Sprintf("[%s] unsupported operator %q for property %q", e.Code, e.Operator, e.Key)
}

// InvalidValueError reports a property value that cannot be bound for its
// operator, e.g. a non-numeric value for gt.
type InvalidValueError struct {
	Code    string `json:"code"`
	Key     string `json:"key"`
	Message string `json:"message"`
}

// Error implements the error interface.
func (e *InvalidValueError) Error() string {
	return fmt.Sprintf("[%s] invalid value for property %q: %s", e.Code, e.Key, e.Message)
}

func unsupportedType(p *filter.Property, context string) error {
	return &UnsupportedPropertyTypeError{
		Code:    ErrCodeUnsupportedPropertyType,
		Type:    p.Type,
		Key:     p.Key,
		Context: context,
	}
}

func invariant(format string, args ...any) error {
	return &InvariantViolation{Code: ErrCodeInvariantViolation, Message: fmt.Sprintf(format, args...)}
}

// IsUnsupportedPropertyType reports whether err is (or wraps) an
// UnsupportedPropertyTypeError.
func IsUnsupportedPropertyType(err error) bool {
	var ue *UnsupportedPropertyTypeError
	return errors.As(err, &ue)
}

// IsInvariantViolation reports whether err is (or wraps) an InvariantViolation.
func IsInvariantViolation(err error) bool {
	var iv *InvariantViolation
	return errors.As(err, &iv)
}

// IsCompileError reports whether err rejects the input tree, as opposed to a
// collaborator failure: an unsupported type, operator, value or shape, or an
// invariant violation.
func IsCompileError(err error) bool {
	var (
		op *UnsupportedOperatorError
		iv *InvalidValueError
	)
	return IsUnsupportedPropertyType(err) ||
		IsInvariantViolation(err) ||
		errors.As(err, &op) ||
		errors.As(err, &iv) ||
		pushdown.IsUnsupportedShape(err)
}
