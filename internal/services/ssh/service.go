// Package ssh provides the remote session used to stage, run and collect
// a pipeline: one SSH connection carrying an exec channel per command and
// a single SFTP channel for file transfer.
package ssh

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/fgeck/remote-pipeline/internal/models"
	"github.com/pkg/sftp"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// Service defines the interface for opening remote sessions.
type Service interface {
	Connect(ctx context.Context, cfg models.RemoteConfig) (Session, error)
}

// Session is a live, authenticated connection to the remote host.
//
// A Session is owned by a single caller and is not safe for concurrent
// use across operations. Close must be called once Connect has succeeded;
// it is safe to call more than once.
type Session interface {
	EnsureDirectory(ctx context.Context, remotePath string) error
	UploadTree(ctx context.Context, localDir, remoteDir string) (*models.TransferResult, error)
	Execute(ctx context.Context, command string) (*models.ExecutionResult, error)
	DownloadTree(ctx context.Context, remoteDir, localDir string) (*models.TransferResult, error)
	Close() error
}

// Impl implements the SSH Service interface.
type Impl struct {
	auth   AuthProvider
	logger zerolog.Logger
}

// New creates a new SSH service using the default auth provider.
func New(logger zerolog.Logger) *Impl {
	return &Impl{
		auth:   &DefaultAuthProvider{},
		logger: logger,
	}
}

// NewWithAuthProvider creates a new SSH service with a custom auth provider.
func NewWithAuthProvider(logger zerolog.Logger, auth AuthProvider) *Impl {
	return &Impl{
		auth:   auth,
		logger: logger,
	}
}

// Connect dials the remote host, authenticates and opens the transfer
// channel. The handshake is bounded by cfg.ConnectTimeout and ctx.
//
// Errors wrap models.ErrAuthentication when credentials or the host key
// are rejected and models.ErrConnection otherwise.
func (s *Impl) Connect(ctx context.Context, cfg models.RemoteConfig) (Session, error) {
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))

	s.logger.Info().
		Str("host", cfg.Host).
		Int("port", cfg.Port).
		Str("user", cfg.User).
		Msg("connecting to remote host")

	creds, err := s.auth.Credentials(cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", models.ErrAuthentication, err)
	}
	defer func() { _ = creds.Close() }()

	hostKeyCB, err := hostKeyCallback(cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", models.ErrAuthentication, err)
	}

	sshConfig := &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            creds.Methods,
		HostKeyCallback: hostKeyCB,
		Timeout:         cfg.ConnectTimeout,
	}

	d := net.Dialer{Timeout: cfg.ConnectTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to connect to %s: %w", models.ErrConnection, addr, err)
	}

	if cfg.ConnectTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(cfg.ConnectTimeout))
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })

	c, chans, reqs, err := ssh.NewClientConn(conn, addr, sshConfig)
	if !stop() && err == nil {
		// ctx fired after the handshake completed.
		_ = c.Close()
		return nil, fmt.Errorf("%w: %w", models.ErrConnection, ctx.Err())
	}
	if err != nil {
		_ = conn.Close()
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %w", models.ErrConnection, ctx.Err())
		}
		return nil, classifyHandshakeError(addr, err)
	}
	_ = conn.SetDeadline(time.Time{})

	client := ssh.NewClient(c, chans, reqs)

	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: failed to open sftp channel: %w", models.ErrConnection, err)
	}

	s.logger.Info().
		Str("addr", addr).
		Str("server_version", string(client.ServerVersion())).
		Msg("connected")

	return newSession(client, sftpClient, cfg.TransferConcurrency, s.logger.With().Str("addr", addr).Logger()), nil
}

func classifyHandshakeError(addr string, err error) error {
	var keyErr *knownhosts.KeyError
	var revokedErr *knownhosts.RevokedError
	if errors.As(err, &keyErr) || errors.As(err, &revokedErr) || strings.Contains(err.Error(), "knownhosts:") {
		return fmt.Errorf("%w: host key verification failed for %s: %w", models.ErrAuthentication, addr, err)
	}
	if strings.Contains(err.Error(), "unable to authenticate") {
		return fmt.Errorf("%w: %s rejected credentials: %w", models.ErrAuthentication, addr, err)
	}
	return fmt.Errorf("%w: ssh handshake with %s failed: %w", models.ErrConnection, addr, err)
}
