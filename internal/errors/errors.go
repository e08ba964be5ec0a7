package errors

import (
	"errors"
	"fmt"
)

// ErrorKind classifies pipeline failures. Every kind except
// ErrorKindBestEffort aborts the run.
type ErrorKind string

const (
	ErrorKindMissingDependency ErrorKind = "missing_dependency"
	ErrorKindExtraction        ErrorKind = "extraction"
	ErrorKindLayerDiscovery    ErrorKind = "layer_discovery"
	ErrorKindValidation        ErrorKind = "validation"
	ErrorKindBuild             ErrorKind = "build"
	ErrorKindBestEffort        ErrorKind = "best_effort"
)

// RemasterError carries the failure kind plus the pipeline stage it
// happened in.
type RemasterError struct {
	Kind    ErrorKind `json:"kind"`
	Stage   string    `json:"stage,omitempty"`
	Message string    `json:"message"`
	Cause   error     `json:"-"`
}

// Error implements the error interface.
func (e *RemasterError) Error() string {
	if e.Stage != "" {
		return fmt.Sprintf("[%s] %s stage: %s", e.Kind, e.Stage, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// Unwrap returns the underlying error.
func (e *RemasterError) Unwrap() error {
	return e.Cause
}

// IsFatal reports whether the error must abort the pipeline.
func (e *RemasterError) IsFatal() bool {
	return e.Kind != ErrorKindBestEffort
}

func newError(kind ErrorKind, stage, message string, cause error) *RemasterError {
	return &RemasterError{
		Kind:    kind,
		Stage:   stage,
		Message: message,
		Cause:   cause,
	}
}

// NewMissingDependencyError reports a required external tool or capability
// as unavailable. Checked before any mutation begins.
func NewMissingDependencyError(stage, message string, cause error) *RemasterError {
	return newError(ErrorKindMissingDependency, stage, message, cause)
}

// NewExtractionError reports an unreadable or structurally unexpected
// source image.
func NewExtractionError(stage, message string, cause error) *RemasterError {
	return newError(ErrorKindExtraction, stage, message, cause)
}

// NewLayerDiscoveryError reports that no usable filesystem container was
// found, or that the configured layer set does not match the image.
func NewLayerDiscoveryError(stage, message string, cause error) *RemasterError {
	return newError(ErrorKindLayerDiscovery, stage, message, cause)
}

// NewValidationError reports a failed checklist assertion.
func NewValidationError(stage, message string, cause error) *RemasterError {
	return newError(ErrorKindValidation, stage, message, cause)
}

// NewBuildError reports a failed reconstruction step.
func NewBuildError(stage, message string, cause error) *RemasterError {
	return newError(ErrorKindBuild, stage, message, cause)
}

// NewBestEffortError reports a non-fatal side-effect failure. The run
// continues and the error is surfaced as a warning.
func NewBestEffortError(stage, message string, cause error) *RemasterError {
	return newError(ErrorKindBestEffort, stage, message, cause)
}

// Kind extracts the error kind, or the empty string for foreign errors.
func Kind(err error) ErrorKind {
	var re *RemasterError
	if errors.As(err, &re) {
		return re.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return Kind(err) == kind
}

// Stage extracts the failing stage name, or the empty string.
func Stage(err error) string {
	var re *RemasterError
	if errors.As(err, &re) {
		return re.Stage
	}
	return ""
}

// Collector accumulates best-effort warnings across a run while keeping
// the first fatal error. It is not safe for concurrent use; one collector
// belongs to exactly one pipeline run.
type Collector struct {
	warnings []string
	fatal    *RemasterError
}

func NewCollector() *Collector {
	return &Collector{warnings: []string{}}
}

// Add records an error. Best-effort errors become warnings; the first
// fatal error is retained and later ones are ignored.
func (c *Collector) Add(err *RemasterError) {
	if err == nil {
		return
	}
	if !err.IsFatal() {
		c.warnings = append(c.warnings, err.Error())
		return
	}
	if c.fatal == nil {
		c.fatal = err
	}
}

// Warn records a plain warning message.
func (c *Collector) Warn(format string, args ...interface{}) {
	c.warnings = append(c.warnings, fmt.Sprintf(format, args...))
}

// Warnings returns the recorded warnings in order.
func (c *Collector) Warnings() []string {
	return c.warnings
}

// Fatal returns the first fatal error, or nil.
func (c *Collector) Fatal() *RemasterError {
	return c.fatal
}

// HasFatal reports whether a fatal error was recorded.
func (c *Collector) HasFatal() bool {
	return c.fatal != nil
}
