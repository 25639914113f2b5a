package contracts

import (
	"errors"
	"fmt"
	"strings"
)

// Error taxonomy of a backtest run
//
//   ConfigValidationError        boundary, run never starts
//   DataAssemblyError            fatal, run -> FAILED
//   DataUnavailableError         fatal (wrapped by DataAssemblyError)
//   UnknownTransformError        column-level, contained by the feature builder
//   InvalidFeatureParamsError    column-level, contained by the feature builder
//   InsufficientDataError        window-level, contained by the driver
//   ModelNotFittedError          window-level, contained by the driver
//   ErrCancellationRequested     cooperative, run -> CANCELLED

// ErrCancellationRequested signals a cooperative stop between windows
var ErrCancellationRequested = errors.New("cancellation requested")

// ErrNotFound is returned by repositories for unknown ids
var ErrNotFound = errors.New("not found")

// FieldError is one rejected JobSpec field
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ConfigValidationError rejects a malformed JobSpec at the boundary
type ConfigValidationError struct {
	Errors []FieldError
}

func (e *ConfigValidationError) Error() string {
	if len(e.Errors) == 0 {
		return "invalid job spec"
	}
	parts := make([]string, len(e.Errors))
	for i, fe := range e.Errors {
		parts[i] = fmt.Sprintf("%s: %s", fe.Field, fe.Message)
	}
	return "invalid job spec: " + strings.Join(parts, "; ")
}

// Add appends a field error
func (e *ConfigValidationError) Add(field, code, message string) {
	e.Errors = append(e.Errors, FieldError{Field: field, Code: code, Message: message})
}

// OrNil returns nil when no field error was collected
func (e *ConfigValidationError) OrNil() error {
	if len(e.Errors) == 0 {
		return nil
	}
	return e
}

// DataUnavailableError is returned by a fetcher when a series has no data
type DataUnavailableError struct {
	Source Source
	Key    string
	Field  string
	Reason string
}

func (e *DataUnavailableError) Error() string {
	msg := fmt.Sprintf("data unavailable: %s", describe(e.Source, e.Key, e.Field))
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// DataAssemblyError aborts assembly, naming the offending source/field
type DataAssemblyError struct {
	Source Source
	Key    string
	Field  string
	Err    error
}

func (e *DataAssemblyError) Error() string {
	return fmt.Sprintf("data assembly failed at %s: %v", describe(e.Source, e.Key, e.Field), e.Err)
}

func (e *DataAssemblyError) Unwrap() error {
	return e.Err
}

// UnknownTransformError names a feature function that is not registered
type UnknownTransformError struct {
	Field     string
	Transform string
}

func (e *UnknownTransformError) Error() string {
	return fmt.Sprintf("unknown transform %q for field %s", e.Transform, e.Field)
}

// InvalidFeatureParamsError rejects feature parameters (or their output)
type InvalidFeatureParamsError struct {
	Field     string
	Transform string
	Reason    string
}

func (e *InvalidFeatureParamsError) Error() string {
	return fmt.Sprintf("invalid params for %s(%s): %s", e.Transform, e.Field, e.Reason)
}

// InsufficientDataError is returned by Fit on empty or singleton training data
type InsufficientDataError struct {
	Rows int
	Min  int
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("insufficient training data: %d rows, need at least %d", e.Rows, e.Min)
}

// ModelNotFittedError is returned by Predict/Serialize before Fit
type ModelNotFittedError struct {
	Model ModelType
}

func (e *ModelNotFittedError) Error() string {
	return fmt.Sprintf("model %s is not fitted", e.Model)
}

func describe(source Source, key, field string) string {
	parts := []string{string(source)}
	if key != "" {
		parts = append(parts, key)
	}
	if field != "" {
		parts = append(parts, field)
	}
	return strings.Join(parts, "/")
}
