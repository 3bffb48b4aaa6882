package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fgeck/remote-pipeline/internal/models"
	"github.com/pkg/sftp"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
)

var errSessionClosed = errors.New("session closed")

type remoteSession struct {
	client      *ssh.Client
	sftp        *sftp.Client
	concurrency int
	logger      zerolog.Logger

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

func newSession(client *ssh.Client, sftpClient *sftp.Client, concurrency int, logger zerolog.Logger) *remoteSession {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &remoteSession{
		client:      client,
		sftp:        sftpClient,
		concurrency: concurrency,
		logger:      logger,
	}
}

func (s *remoteSession) usable(ctx context.Context) error {
	if s.closed.Load() {
		return errSessionClosed
	}
	return ctx.Err()
}

// EnsureDirectory creates remotePath and its parents. It succeeds if the
// directory already exists.
func (s *remoteSession) EnsureDirectory(ctx context.Context, remotePath string) error {
	if err := s.usable(ctx); err != nil {
		return fmt.Errorf("%w: creating %s: %w", models.ErrRemoteIO, remotePath, err)
	}

	s.logger.Debug().Str("path", remotePath).Msg("ensuring remote directory")

	if err := s.sftp.MkdirAll(remotePath); err != nil {
		return fmt.Errorf("%w: creating %s: %w", models.ErrRemoteIO, remotePath, err)
	}
	return nil
}

// Execute runs command in a remote shell and blocks until it exits. A
// non-zero exit status is reported in the result, not as an error.
//
// If ctx is done first the exec channel is signalled and closed and the
// context error is returned.
func (s *remoteSession) Execute(ctx context.Context, command string) (*models.ExecutionResult, error) {
	if err := s.usable(ctx); err != nil {
		return nil, fmt.Errorf("%w: executing command: %w", models.ErrRemoteIO, err)
	}

	session, err := s.client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create session: %w", models.ErrRemoteIO, err)
	}
	defer func() { _ = session.Close() }()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	s.logger.Debug().Str("command", command).Msg("executing remote command")

	start := time.Now()
	done := make(chan error, 1)
	go func() { done <- session.Run(command) }()

	var runErr error
	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGTERM)
		_ = session.Close()
		<-done
		return nil, fmt.Errorf("%w: command aborted after %s: %w",
			models.ErrRemoteIO, time.Since(start).Round(time.Millisecond), ctx.Err())
	case runErr = <-done:
	}

	result := &models.ExecutionResult{
		Command:  command,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if runErr != nil {
		var exitErr *ssh.ExitError
		if !errors.As(runErr, &exitErr) {
			return nil, fmt.Errorf("%w: running command: %w", models.ErrRemoteIO, runErr)
		}
		result.ExitStatus = exitErr.ExitStatus()
	}

	s.logger.Debug().
		Int("exit_status", result.ExitStatus).
		Dur("duration", result.Duration).
		Msg("remote command finished")

	return result, nil
}

// Close releases the transfer channel and the connection.
func (s *remoteSession) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		sftpErr := s.sftp.Close()
		clientErr := s.client.Close()
		s.closeErr = errors.Join(sftpErr, clientErr)
		s.logger.Debug().Msg("session closed")
	})
	return s.closeErr
}
