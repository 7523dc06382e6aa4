package types

import (
	"fmt"
	"strings"
)

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string `json:"field" yaml:"field"`
	Message string `json:"message" yaml:"message"`
	Code    string `json:"code" yaml:"code"`
}

func (ve ValidationError) Error() string {
	return fmt.Sprintf("validation error in %s: %s (%s)", ve.Field, ve.Message, ve.Code)
}

// ValidationResult contains the result of configuration validation
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Errors []ValidationError `json:"errors"`
}

// Add records a failed check and marks the result invalid
func (r *ValidationResult) Add(field, code, format string, args ...interface{}) {
	r.Valid = false
	r.Errors = append(r.Errors, ValidationError{
		Field:   field,
		Message: fmt.Sprintf(format, args...),
		Code:    code,
	})
}

// Err folds the collected errors into one error, or nil when valid
func (r *ValidationResult) Err() error {
	if r.Valid || len(r.Errors) == 0 {
		return nil
	}
	msgs := make([]string, 0, len(r.Errors))
	for _, e := range r.Errors {
		msgs = append(msgs, e.Error())
	}
	return fmt.Errorf("%d configuration error(s): %s", len(r.Errors), strings.Join(msgs, "; "))
}
