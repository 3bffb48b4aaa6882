package models

import "time"

// TelegramConfig holds Telegram notification configuration.
type TelegramConfig struct {
	BotToken string
	ChatID   string
}

// TelegramMessage holds the data for a pipeline run notification.
type TelegramMessage struct {
	Success   bool
	RunID     string
	Pipeline  string
	Host      string
	StartTime time.Time
	Duration  time.Duration

	// Transfer stats.
	FilesUploaded   int
	BytesUploaded   int64
	FilesDownloaded int
	BytesDownloaded int64

	// Error info (if failed).
	ExitStatus   int
	ErrorMessage string
	FailedStep   string
}

// TelegramResult holds the result of a Telegram notification.
type TelegramResult struct {
	MessageSent bool
	Error       error
}
