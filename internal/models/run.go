package models

import "time"

// RunState is a state of the orchestration state machine.
type RunState int

// Run states in transition order. StateFailed is reachable from any
// non-terminal state.
const (
	StateValidating RunState = iota
	StateConnecting
	StatePreparingRemote
	StateUploading
	StateExecuting
	StateDownloading
	StateSucceeded
	StateFailed
)

var stateNames = map[RunState]string{
	StateValidating:      "validating",
	StateConnecting:      "connecting",
	StatePreparingRemote: "preparing_remote",
	StateUploading:       "uploading",
	StateExecuting:       "executing",
	StateDownloading:     "downloading",
	StateSucceeded:       "succeeded",
	StateFailed:          "failed",
}

func (s RunState) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

// Terminal reports whether the run stops in this state.
func (s RunState) Terminal() bool {
	return s == StateSucceeded || s == StateFailed
}

// RunResult is the terminal outcome of a pipeline run.
type RunResult struct {
	ID        string
	Pipeline  string
	Host      string
	State     RunState // StateSucceeded or StateFailed
	FailedIn  RunState // only meaningful when State is StateFailed
	Err       error
	StartTime time.Time
	Duration  time.Duration

	Upload    *TransferResult
	Execution *ExecutionResult
	Download  *TransferResult
}

// Succeeded reports whether the run reached StateSucceeded.
func (r *RunResult) Succeeded() bool {
	return r.State == StateSucceeded
}

// ExitCode maps the terminal state to the process exit code.
func (r *RunResult) ExitCode() int {
	if r.Succeeded() {
		return 0
	}
	return 1
}
