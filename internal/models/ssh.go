package models

import "time"

// ExecutionResult holds the outcome of a remote command.
type ExecutionResult struct {
	Command    string
	ExitStatus int
	Stdout     string
	Stderr     string
	Duration   time.Duration
}

// Succeeded reports whether the command exited with status 0.
func (r *ExecutionResult) Succeeded() bool {
	return r.ExitStatus == 0
}

// TransferDirection names the direction of a tree transfer.
type TransferDirection string

// Transfer directions.
const (
	Upload   TransferDirection = "upload"
	Download TransferDirection = "download"
)

// TransferResult holds the result of a tree transfer.
type TransferResult struct {
	Files    int
	Bytes    int64
	Digest   string // BLAKE3 over the sorted (path, content hash) list
	Duration time.Duration
}
