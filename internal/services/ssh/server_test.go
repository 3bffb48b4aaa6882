package ssh

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"io"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/fgeck/remote-pipeline/internal/models"
	gliderssh "github.com/gliderlabs/ssh"
	"github.com/pkg/sftp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

const (
	testUser     = "pipeline"
	testPassword = "s3cret"
)

// testServer is an in-process SSH server. Exec requests run through
// "sh -c" on the local machine and the sftp subsystem serves the local
// filesystem, so remote paths are ordinary local paths.
type testServer struct {
	port      int
	hostKey   ssh.Signer
	clientKey []byte // PEM encoded private key accepted by the server
}

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

func generateSigner(t *testing.T) (ssh.Signer, []byte) {
	t.Helper()

	_, privateKey, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	pemBlock, err := ssh.MarshalPrivateKey(privateKey, "")
	require.NoError(t, err)

	signer, err := ssh.NewSignerFromKey(privateKey)
	require.NoError(t, err)

	return signer, pem.EncodeToMemory(pemBlock)
}

func startTestServer(t *testing.T) *testServer {
	t.Helper()

	hostKey, _ := generateSigner(t)
	clientSigner, clientKey := generateSigner(t)

	srv := &gliderssh.Server{
		Handler: func(s gliderssh.Session) {
			cmd := exec.CommandContext(s.Context(), "sh", "-c", s.RawCommand()) //nolint:gosec // test server
			cmd.Stdout = s
			cmd.Stderr = s.Stderr()

			code := 0
			if err := cmd.Run(); err != nil {
				var exitErr *exec.ExitError
				if errors.As(err, &exitErr) {
					code = exitErr.ExitCode()
				} else {
					code = 255
				}
			}
			_ = s.Exit(code)
		},
		SubsystemHandlers: map[string]gliderssh.SubsystemHandler{
			"sftp": func(s gliderssh.Session) {
				server, err := sftp.NewServer(s)
				if err != nil {
					return
				}
				_ = server.Serve()
				_ = server.Close()
			},
		},
		PasswordHandler: func(ctx gliderssh.Context, password string) bool {
			return ctx.User() == testUser && password == testPassword
		},
		PublicKeyHandler: func(ctx gliderssh.Context, key gliderssh.PublicKey) bool {
			return ctx.User() == testUser && gliderssh.KeysEqual(key, clientSigner.PublicKey())
		},
	}
	srv.AddHostKey(hostKey)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(func() { _ = srv.Close() })

	return &testServer{
		port:      ln.Addr().(*net.TCPAddr).Port,
		hostKey:   hostKey,
		clientKey: clientKey,
	}
}

func (ts *testServer) addr() string {
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(ts.port))
}

func (ts *testServer) config(t *testing.T) models.RemoteConfig {
	t.Helper()

	return models.RemoteConfig{
		Host:                "127.0.0.1",
		Port:                ts.port,
		User:                testUser,
		Password:            testPassword,
		KnownHostsPath:      filepath.Join(t.TempDir(), "known_hosts"),
		ConnectTimeout:      5 * time.Second,
		TransferConcurrency: 3,
	}
}

func (ts *testServer) connect(t *testing.T) Session {
	t.Helper()

	svc := New(testLogger())
	session, err := svc.Connect(t.Context(), ts.config(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = session.Close() })

	return session
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()

	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644)) //nolint:gosec // test fixture
}
