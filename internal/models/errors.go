package models

import (
	"errors"
	"fmt"
	"strings"
)

// Error kinds. Every error returned by the run is matched against one of
// these with errors.Is.
var (
	ErrConfiguration     = errors.New("configuration error")
	ErrValidation        = errors.New("validation error")
	ErrAuthentication    = errors.New("authentication error")
	ErrConnection        = errors.New("connection error")
	ErrRemoteIO          = errors.New("remote I/O error")
	ErrTransfer          = errors.New("transfer error")
	ErrTemplate          = errors.New("template error")
	ErrPipelineExecution = errors.New("pipeline execution error")
	ErrInterrupted       = errors.New("interrupted")
)

// TransferError identifies the file that failed during a tree transfer.
type TransferError struct {
	Direction TransferDirection
	Path      string
	Err       error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("%s: %s %s: %v", ErrTransfer, e.Direction, e.Path, e.Err)
}

// Unwrap exposes both the kind and the underlying cause.
func (e *TransferError) Unwrap() []error {
	return []error{ErrTransfer, e.Err}
}

// TemplateError is returned when a command template cannot be rendered.
type TemplateError struct {
	Undefined []string // placeholders with no matching remote path
	Reason    string   // syntax problem, empty when Undefined is set
}

func (e *TemplateError) Error() string {
	if len(e.Undefined) > 0 {
		return fmt.Sprintf("%s: undefined placeholders: %s", ErrTemplate, strings.Join(e.Undefined, ", "))
	}
	return fmt.Sprintf("%s: %s", ErrTemplate, e.Reason)
}

func (e *TemplateError) Unwrap() error {
	return ErrTemplate
}

// PipelineExecutionError is returned when the remote command exits non-zero.
type PipelineExecutionError struct {
	ExitStatus int
	Stderr     string
}

func (e *PipelineExecutionError) Error() string {
	msg := fmt.Sprintf("%s: remote command exited with status %d", ErrPipelineExecution, e.ExitStatus)
	if s := strings.TrimSpace(e.Stderr); s != "" {
		msg += ": " + s
	}
	return msg
}

func (e *PipelineExecutionError) Unwrap() error {
	return ErrPipelineExecution
}

// RunError records the phase a run failed in.
type RunError struct {
	Phase RunState
	Err   error
}

func (e *RunError) Error() string {
	return fmt.Sprintf("pipeline run failed while %s: %v", e.Phase, e.Err)
}

func (e *RunError) Unwrap() error {
	return e.Err
}
