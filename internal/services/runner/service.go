// Package runner orchestrates a pipeline run: validate, connect, stage
// inputs, execute the rendered command and collect outputs.
package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fgeck/remote-pipeline/internal/config"
	"github.com/fgeck/remote-pipeline/internal/models"
	"github.com/fgeck/remote-pipeline/internal/services/history"
	"github.com/fgeck/remote-pipeline/internal/services/ssh"
	"github.com/fgeck/remote-pipeline/internal/services/telegram"
	"github.com/fgeck/remote-pipeline/internal/services/wol"
	"github.com/fgeck/remote-pipeline/internal/template"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Service defines the interface for the pipeline runner.
type Service interface {
	Run(ctx context.Context, cfg *models.Config, req models.RunRequest) (*models.RunResult, error)
}

// Impl implements the runner Service interface.
type Impl struct {
	sshSvc      ssh.Service
	wolSvc      wol.Service
	telegramSvc telegram.Service
	recorder    history.Recorder // nil disables run history
	logger      zerolog.Logger
}

// New creates a new runner service. recorder may be nil.
func New(logger zerolog.Logger, recorder history.Recorder) *Impl {
	return &Impl{
		sshSvc:      ssh.New(logger),
		wolSvc:      wol.New(logger),
		telegramSvc: telegram.New(logger),
		recorder:    recorder,
		logger:      logger,
	}
}

// NewWithServices creates a new runner service with custom services (for testing).
func NewWithServices(
	logger zerolog.Logger,
	sshSvc ssh.Service,
	wolSvc wol.Service,
	telegramSvc telegram.Service,
	recorder history.Recorder,
) *Impl {
	return &Impl{
		sshSvc:      sshSvc,
		wolSvc:      wolSvc,
		telegramSvc: telegramSvc,
		recorder:    recorder,
		logger:      logger,
	}
}

// pipelineRun carries the mutable state of one run between phases.
type pipelineRun struct {
	cfg     *models.Config
	req     models.RunRequest
	profile *models.RemoteProfile
	session ssh.Session
	result  *models.RunResult
	logger  zerolog.Logger
}

// Run drives one pipeline run through its phases until it succeeds or
// fails. The returned result is never nil. On failure the error is a
// *models.RunError naming the phase that failed.
//
// A session opened during Connecting is closed exactly once before Run
// returns, whatever the outcome.
func (s *Impl) Run(ctx context.Context, cfg *models.Config, req models.RunRequest) (*models.RunResult, error) {
	r := &pipelineRun{
		cfg: cfg,
		req: req,
		result: &models.RunResult{
			ID:        uuid.NewString(),
			Pipeline:  req.Pipeline,
			StartTime: time.Now(),
		},
	}
	r.logger = s.logger.With().
		Str("run_id", r.result.ID).
		Str("pipeline", req.Pipeline).
		Logger()
	defer s.closeSession(r)

	r.logger.Info().
		Str("input", req.Local.InputDir).
		Str("output", req.Local.OutputDir).
		Msg("starting pipeline run")

	state := models.StateValidating
	for !state.Terminal() {
		r.logger.Debug().Stringer("state", state).Msg("entering phase")

		next, err := s.step(ctx, r, state)
		if err != nil {
			if ctx.Err() != nil && !errors.Is(err, models.ErrInterrupted) {
				err = fmt.Errorf("%w: %w", models.ErrInterrupted, err)
			}
			r.result.FailedIn = state
			r.result.Err = &models.RunError{Phase: state, Err: err}
			next = models.StateFailed
		}
		state = next
	}

	r.result.State = state
	r.result.Duration = time.Since(r.result.StartTime)

	s.closeSession(r)

	if r.result.Succeeded() {
		r.logger.Info().
			Dur("duration", r.result.Duration).
			Msg("pipeline run completed successfully")
	} else {
		r.logger.Error().
			Err(r.result.Err).
			Stringer("phase", r.result.FailedIn).
			Dur("duration", r.result.Duration).
			Msg("pipeline run failed")
	}

	// Bookkeeping must not be cut short by the cancellation that may
	// have ended the run.
	bookkeepingCtx := context.WithoutCancel(ctx)
	s.recordHistory(bookkeepingCtx, r)
	if cfg != nil && cfg.Telegram != nil {
		s.sendNotification(bookkeepingCtx, r)
	}

	return r.result, r.result.Err
}

// step runs the work of one phase and returns the phase that follows it.
func (s *Impl) step(ctx context.Context, r *pipelineRun, state models.RunState) (models.RunState, error) {
	if err := ctx.Err(); err != nil {
		return models.StateFailed, fmt.Errorf("%w: %w", models.ErrInterrupted, err)
	}

	switch state {
	case models.StateValidating:
		return models.StateConnecting, s.validate(r)
	case models.StateConnecting:
		return models.StatePreparingRemote, s.connect(ctx, r)
	case models.StatePreparingRemote:
		return models.StateUploading, s.prepareRemote(ctx, r)
	case models.StateUploading:
		return models.StateExecuting, s.upload(ctx, r)
	case models.StateExecuting:
		return models.StateDownloading, s.execute(ctx, r)
	case models.StateDownloading:
		return models.StateSucceeded, s.download(ctx, r)
	default:
		return models.StateFailed, fmt.Errorf("no transition from state %s", state)
	}
}

// validate resolves the profile and checks the local directories. It
// never touches the network.
func (s *Impl) validate(r *pipelineRun) error {
	profile, err := config.Resolve(r.cfg, r.req.Pipeline)
	if err != nil {
		return err
	}
	r.profile = profile
	r.result.Pipeline = profile.Name
	r.result.Host = profile.Remote.Host

	if err := checkInputDir(r.req.Local.InputDir); err != nil {
		return err
	}

	if r.req.Local.OutputDir == "" {
		return fmt.Errorf("%w: output directory is required", models.ErrValidation)
	}
	if err := os.MkdirAll(r.req.Local.OutputDir, 0o755); err != nil { //nolint:gosec // output tree is user readable
		return fmt.Errorf("%w: creating output directory %s: %w", models.ErrValidation, r.req.Local.OutputDir, err)
	}

	r.logger.Info().
		Str("host", profile.Remote.Host).
		Str("remote_input", profile.InputDir()).
		Str("remote_output", profile.OutputDir()).
		Msg("pipeline resolved")

	return nil
}

func checkInputDir(dir string) error {
	if dir == "" {
		return fmt.Errorf("%w: input directory is required", models.ErrValidation)
	}

	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("%w: input directory %s: %w", models.ErrValidation, dir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: input path %s is not a directory", models.ErrValidation, dir)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("%w: reading input directory %s: %w", models.ErrValidation, dir, err)
	}
	if len(entries) == 0 {
		return fmt.Errorf("%w: input directory %s is empty", models.ErrValidation, dir)
	}

	return nil
}

func (s *Impl) connect(ctx context.Context, r *pipelineRun) error {
	if r.profile.Remote.WOL != nil {
		if err := s.runWOL(ctx, r, r.profile.Remote.WOL); err != nil {
			return fmt.Errorf("%w: %w", models.ErrConnection, err)
		}
	}

	session, err := s.sshSvc.Connect(ctx, r.profile.Remote)
	if err != nil {
		return err
	}
	r.session = session
	return nil
}

func (s *Impl) runWOL(ctx context.Context, r *pipelineRun, cfg *models.WOLConfig) error {
	r.logger.Info().
		Str("mac", cfg.MACAddress).
		Str("probe", cfg.ProbeAddr).
		Msg("sending Wake-on-LAN packet")

	result, err := s.wolSvc.Wake(ctx, *cfg)
	if err != nil {
		return fmt.Errorf("WOL failed: %w", err)
	}
	if result.Error != nil {
		return fmt.Errorf("WOL failed: %w", result.Error)
	}

	if !result.TargetReady && cfg.ProbeAddr != "" {
		return fmt.Errorf("target did not become ready after WOL")
	}

	r.logger.Info().
		Bool("packet_sent", result.PacketSent).
		Bool("target_ready", result.TargetReady).
		Dur("wait_duration", result.WaitDuration).
		Msg("WOL completed")

	return nil
}

func (s *Impl) prepareRemote(ctx context.Context, r *pipelineRun) error {
	keys := append([]string(nil), r.profile.EnsureDirs...)
	sort.Strings(keys)

	for _, k := range keys {
		dir := r.profile.RemotePaths[k]
		if err := r.session.EnsureDirectory(ctx, dir); err != nil {
			return err
		}
		r.logger.Debug().Str("key", k).Str("path", dir).Msg("remote directory ready")
	}
	return nil
}

func (s *Impl) upload(ctx context.Context, r *pipelineRun) error {
	result, err := r.session.UploadTree(ctx, r.req.Local.InputDir, r.profile.InputDir())
	if err != nil {
		return err
	}
	r.result.Upload = result
	return nil
}

func (s *Impl) execute(ctx context.Context, r *pipelineRun) error {
	command, err := template.Render(r.profile.CommandTemplate, r.profile.RemotePaths)
	if err != nil {
		return err
	}

	execCtx := ctx
	if r.profile.CommandTimeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, r.profile.CommandTimeout)
		defer cancel()
	}

	r.logger.Info().Str("command", command).Msg("executing pipeline command")

	result, err := r.session.Execute(execCtx, command)
	if err != nil {
		return err
	}
	r.result.Execution = result

	if !result.Succeeded() {
		r.logger.Error().
			Int("exit_status", result.ExitStatus).
			Str("stderr", result.Stderr).
			Msg("pipeline command failed")
		return &models.PipelineExecutionError{ExitStatus: result.ExitStatus, Stderr: result.Stderr}
	}

	r.logger.Info().
		Dur("duration", result.Duration).
		Str("stdout", result.Stdout).
		Msg("pipeline command finished")
	return nil
}

func (s *Impl) download(ctx context.Context, r *pipelineRun) error {
	result, err := r.session.DownloadTree(ctx, r.profile.OutputDir(), r.req.Local.OutputDir)
	if err != nil {
		return err
	}
	r.result.Download = result
	return nil
}

func (s *Impl) closeSession(r *pipelineRun) {
	if r.session == nil {
		return
	}
	session := r.session
	r.session = nil

	if err := session.Close(); err != nil {
		r.logger.Warn().Err(err).Msg("failed to close remote session")
	}
}

func (s *Impl) recordHistory(ctx context.Context, r *pipelineRun) {
	if s.recorder == nil {
		return
	}

	rec := models.RunRecord{
		ID:        r.result.ID,
		Pipeline:  r.result.Pipeline,
		Host:      r.result.Host,
		State:     r.result.State.String(),
		InputDir:  r.req.Local.InputDir,
		OutputDir: r.req.Local.OutputDir,
		StartedAt: r.result.StartTime,
		Duration:  r.result.Duration,
	}
	if r.result.Err != nil {
		rec.FailedIn = r.result.FailedIn.String()
		rec.Error = r.result.Err.Error()
	}
	if r.result.Execution != nil {
		status := r.result.Execution.ExitStatus
		rec.ExitStatus = &status
	}
	if r.result.Upload != nil {
		rec.UploadDigest = r.result.Upload.Digest
	}
	if r.result.Download != nil {
		rec.DownloadDigest = r.result.Download.Digest
	}

	if err := s.recorder.Record(ctx, rec); err != nil {
		r.logger.Error().Err(err).Msg("failed to record run history")
	}
}

func (s *Impl) sendNotification(ctx context.Context, r *pipelineRun) {
	msg := models.TelegramMessage{
		Success:   r.result.Succeeded(),
		RunID:     r.result.ID,
		Pipeline:  r.result.Pipeline,
		Host:      r.result.Host,
		StartTime: r.result.StartTime,
		Duration:  r.result.Duration,
	}

	if up := r.result.Upload; up != nil {
		msg.FilesUploaded = up.Files
		msg.BytesUploaded = up.Bytes
	}
	if down := r.result.Download; down != nil {
		msg.FilesDownloaded = down.Files
		msg.BytesDownloaded = down.Bytes
	}
	if exec := r.result.Execution; exec != nil {
		msg.ExitStatus = exec.ExitStatus
	}
	if r.result.Err != nil {
		msg.FailedStep = r.result.FailedIn.String()
		msg.ErrorMessage = r.result.Err.Error()
	}

	result, err := s.telegramSvc.SendNotification(ctx, *r.cfg.Telegram, msg)
	if err != nil {
		r.logger.Error().Err(err).Msg("failed to send Telegram notification")
		return
	}
	if result.Error != nil {
		r.logger.Error().Err(result.Error).Msg("failed to send Telegram notification")
		return
	}

	r.logger.Info().
		Str("uploaded", humanize.Bytes(uint64(msg.BytesUploaded))). //nolint:gosec // sizes are non-negative
		Str("downloaded", humanize.Bytes(uint64(msg.BytesDownloaded))). //nolint:gosec // sizes are non-negative
		Msg("Telegram notification sent")
}
