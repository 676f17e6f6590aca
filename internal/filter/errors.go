package filter

import (
	"errors"
	"fmt"
)

// Malformed filter error codes (E200-E219).
const (
	ErrCodeInvalidJSON          = "E200" // not JSON, or wrong JSON shape
	ErrCodeInvalidOperator      = "E201" // group operator is not AND/OR
	ErrCodeMixedValues          = "E202" // group mixes properties and groups
	ErrCodeMissingField         = "E203" // required field absent
	ErrCodeInvalidInterval      = "E204" // unknown time unit
	ErrCodeNotPositiveInteger   = "E205" // integer field <= 0 or not integral
	ErrCodePeriodsOutOfRange    = "E206" // min_periods > total_periods
	ErrCodeSequenceWindow       = "E207" // seq window reaches further back than the main window
	ErrCodeUnknownPropertyType  = "E208" // property type not recognized
	ErrCodeUnknownBehavior      = "E209" // behavioral value not a known sub-kind
	ErrCodeInvalidEntityType    = "E210" // event_type not events/actions
	ErrCodeInvalidCountOperator = "E211" // count operator not in eq/gte/lte/gt/lt
	ErrCodeInvalidField         = "E212" // field present with the wrong type
	ErrCodeValueTooLarge        = "E213" // window or period count above its bound
)

// MalformedFilterError reports a filter that cannot be parsed into a tree.
type MalformedFilterError struct {
	Code    string `json:"code"`
	Path    string `json:"path"`  // location in the tree, e.g. "values[1].values[0]"
	Field   string `json:"field"` // offending field, if any
	Message string `json:"message"`
}

// Error implements the error interface.
func (e *MalformedFilterError) Error() string {
	loc := e.Path
	if e.Field != "" {
		if loc != "" {
			loc += "."
		}
		loc += e.Field
	}
	if loc == "" {
		return fmt.Sprintf("[%s] malformed filter: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("[%s] malformed filter at %s: %s", e.Code, loc, e.Message)
}

// IsMalformed reports whether err is (or wraps) a MalformedFilterError.
func IsMalformed(err error) bool {
	var mf *MalformedFilterError
	return errors.As(err, &mf)
}

func malformed(code, path, field, format string, args ...any) *MalformedFilterError {
	return &MalformedFilterError{
		Code:    code,
		Path:    path,
		Field:   field,
		Message: fmt.Sprintf(format, args...),
	}
}
