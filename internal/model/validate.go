package model

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

// ErrValidation is the sentinel wrapped by every ingestion rejection
var ErrValidation = errors.New("validation failed")

// ValidationError describes why a run was rejected
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation failed: %s", e.Reason)
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// NewValidationError builds a ValidationError for field
func NewValidationError(field, format string, args ...interface{}) *ValidationError {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func structValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New()
	})
	return validate
}

// Validate checks the data-model invariants of a run. It does not look at
// history; unit continuity and suite tool checks belong to the store.
func Validate(run *RunRecord) error {
	if run == nil {
		return &ValidationError{Reason: "run is nil"}
	}

	if err := structValidator().Struct(run); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			return NewValidationError(fe.Namespace(), "failed %q constraint", fe.Tag())
		}
		return &ValidationError{Reason: err.Error()}
	}

	seen := make(map[string]struct{}, len(run.Metrics))
	for i, m := range run.Metrics {
		field := fmt.Sprintf("metrics[%d]", i)
		if _, dup := seen[m.Name]; dup {
			return NewValidationError(field, "duplicate metric name %q", m.Name)
		}
		seen[m.Name] = struct{}{}

		if err := ValidateMetric(m); err != nil {
			var ve *ValidationError
			if errors.As(err, &ve) {
				ve.Field = field + "." + ve.Field
			}
			return err
		}
	}

	return nil
}

// ValidateMetric checks a single metric's numeric invariants
func ValidateMetric(m MetricRecord) error {
	if m.Name == "" {
		return NewValidationError("name", "must not be empty")
	}
	if strings.ContainsRune(m.Name, 0) {
		return NewValidationError("name", "must not contain NUL bytes")
	}
	if m.Unit == "" {
		return NewValidationError("unit", "must not be empty for %q", m.Name)
	}
	if !IsFinite(m.Value) {
		return NewValidationError("value", "non-finite value %v for %q", m.Value, m.Name)
	}
	if !IsFinite(m.Spread) {
		return NewValidationError("spread", "non-finite spread %v for %q", m.Spread, m.Name)
	}
	if m.Value < 0 {
		return NewValidationError("value", "negative value %v for %q", m.Value, m.Name)
	}
	if m.Spread < 0 {
		return NewValidationError("spread", "negative spread %v for %q", m.Spread, m.Name)
	}
	return nil
}

// IsFinite reports whether v is neither NaN nor infinite
func IsFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
