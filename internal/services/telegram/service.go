// Package telegram reports pipeline run outcomes to a Telegram chat
// through the Bot API.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fgeck/remote-pipeline/internal/models"
	"github.com/rs/zerolog"
)

const (
	botAPIURL      = "https://api.telegram.org"
	requestTimeout = 30 * time.Second
)

// Service notifies a chat about finished pipeline runs.
type Service interface {
	SendNotification(ctx context.Context, cfg models.TelegramConfig, msg models.TelegramMessage) (*models.TelegramResult, error)
}

// HTTPClient is the subset of *http.Client the notifier needs.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Impl implements Service against the Bot API.
type Impl struct {
	httpClient HTTPClient
	logger     zerolog.Logger
	baseURL    string
}

// New creates a notifier talking to the public Bot API.
func New(logger zerolog.Logger) *Impl {
	return NewWithClient(logger, &http.Client{Timeout: requestTimeout}, botAPIURL)
}

// NewWithClient creates a notifier with a custom HTTP client and API base URL.
func NewWithClient(logger zerolog.Logger, httpClient HTTPClient, baseURL string) *Impl {
	return &Impl{
		httpClient: httpClient,
		logger:     logger,
		baseURL:    baseURL,
	}
}

const sendMessagePath = "/bot%s/sendMessage"

// apiMessage is the body of a Bot API sendMessage call.
type apiMessage struct {
	ChatID                string `json:"chat_id"`
	Text                  string `json:"text"`
	ParseMode             string `json:"parse_mode"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview"`
}

// SendNotification posts the outcome of a pipeline run to the configured
// chat. Delivery problems are reported in the result, never as an error,
// so a failed notification cannot fail the run.
func (s *Impl) SendNotification(ctx context.Context, cfg models.TelegramConfig, msg models.TelegramMessage) (*models.TelegramResult, error) {
	logger := s.logger.With().
		Str("run_id", msg.RunID).
		Str("pipeline", msg.Pipeline).
		Logger()

	logger.Debug().Str("chat_id", cfg.ChatID).Bool("success", msg.Success).Msg("notifying pipeline outcome")

	err := s.post(ctx, cfg, apiMessage{
		ChatID:                cfg.ChatID,
		Text:                  s.formatMessage(msg),
		ParseMode:             "HTML",
		DisableWebPagePreview: true,
	})
	if err != nil {
		logger.Warn().Err(err).Msg("pipeline notification not delivered")
		return &models.TelegramResult{Error: err}, nil
	}

	logger.Info().Msg("pipeline notification delivered")
	return &models.TelegramResult{MessageSent: true}, nil
}

func (s *Impl) post(ctx context.Context, cfg models.TelegramConfig, body apiMessage) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}

	endpoint := s.baseURL + fmt.Sprintf(sendMessagePath, cfg.BotToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("posting to bot API: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("bot API rejected message with status %d", resp.StatusCode)
	}
	return nil
}

func (s *Impl) formatMessage(msg models.TelegramMessage) string {
	var b bytes.Buffer

	if msg.Success {
		b.WriteString("✅ <b>Pipeline Succeeded</b>\n\n")
	} else {
		b.WriteString("❌ <b>Pipeline Failed</b>\n\n")
	}

	fmt.Fprintf(&b, "🧪 <b>Pipeline:</b> %s\n", html.EscapeString(msg.Pipeline))
	fmt.Fprintf(&b, "🖥 <b>Host:</b> %s\n", html.EscapeString(msg.Host))
	fmt.Fprintf(&b, "🆔 <b>Run:</b> <code>%s</code>\n", html.EscapeString(msg.RunID))
	fmt.Fprintf(&b, "⏰ <b>Started:</b> %s\n", msg.StartTime.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(&b, "⏱ <b>Duration:</b> %s\n", msg.Duration.Round(time.Second))

	if msg.FilesUploaded > 0 || msg.FilesDownloaded > 0 {
		b.WriteString("\n<b>📦 Transfers:</b>\n")
		fmt.Fprintf(&b, "  • Uploaded: %d files, %s\n",
			msg.FilesUploaded, humanize.Bytes(uint64(msg.BytesUploaded))) //nolint:gosec // sizes are non-negative
		fmt.Fprintf(&b, "  • Downloaded: %d files, %s\n",
			msg.FilesDownloaded, humanize.Bytes(uint64(msg.BytesDownloaded))) //nolint:gosec // sizes are non-negative
	}

	if !msg.Success {
		b.WriteString("\n<b>⚠️ Error Details:</b>\n")
		fmt.Fprintf(&b, "  • Failed step: %s\n", html.EscapeString(msg.FailedStep))
		if msg.ExitStatus != 0 {
			fmt.Fprintf(&b, "  • Exit status: %d\n", msg.ExitStatus)
		}
		fmt.Fprintf(&b, "  • Error: <code>%s</code>\n", html.EscapeString(msg.ErrorMessage))
	}

	return b.String()
}
