package models

import "time"

// HistoryConfig holds the local run history settings.
type HistoryConfig struct {
	Path string // SQLite database file
}

// RunRecord is one row of the run history.
type RunRecord struct {
	ID             string
	Pipeline       string
	Host           string
	State          string
	FailedIn       string
	ExitStatus     *int // nil when the command never ran
	Error          string
	InputDir       string
	OutputDir      string
	UploadDigest   string
	DownloadDigest string
	StartedAt      time.Time
	Duration       time.Duration
}
