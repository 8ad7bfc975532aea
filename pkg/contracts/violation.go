package contracts

import (
	"fmt"
	"strings"
)

// Violation is one validation failure. Validators collect every violation
// they find instead of stopping at the first.
type Violation struct {
	Path    string `json:"path"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (v Violation) String() string {
	if v.Path == "" {
		return fmt.Sprintf("%s: %s", v.Code, v.Message)
	}
	return fmt.Sprintf("%s: %s: %s", v.Path, v.Code, v.Message)
}

// ValidationError wraps a non-empty violation list.
type ValidationError struct {
	Violations []Violation
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		parts = append(parts, v.String())
	}
	return fmt.Sprintf("validation failed (%d violation(s)): %s", len(e.Violations), strings.Join(parts, "; "))
}

// AsError returns nil for an empty list and a *ValidationError otherwise.
func AsError(vs []Violation) error {
	if len(vs) == 0 {
		return nil
	}
	return &ValidationError{Violations: vs}
}
