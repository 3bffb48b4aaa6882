package ssh

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/fgeck/remote-pipeline/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

func TestConnect_PasswordSuccess(t *testing.T) {
	ts := startTestServer(t)

	svc := New(testLogger())
	session, err := svc.Connect(context.Background(), ts.config(t))

	require.NoError(t, err)
	require.NotNil(t, session)
	assert.NoError(t, session.Close())
}

func TestConnect_KeySuccess(t *testing.T) {
	ts := startTestServer(t)

	keyPath := filepath.Join(t.TempDir(), "id_ed25519")
	require.NoError(t, os.WriteFile(keyPath, ts.clientKey, 0o600))

	cfg := ts.config(t)
	cfg.Password = ""
	cfg.KeyPath = keyPath

	session, err := New(testLogger()).Connect(context.Background(), cfg)

	require.NoError(t, err)
	assert.NoError(t, session.Close())
}

func TestConnect_WrongPassword(t *testing.T) {
	ts := startTestServer(t)

	cfg := ts.config(t)
	cfg.Password = "wrong"

	_, err := New(testLogger()).Connect(context.Background(), cfg)

	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrAuthentication)
	assert.Contains(t, err.Error(), "rejected credentials")
}

func TestConnect_NoAuthMethod(t *testing.T) {
	ts := startTestServer(t)

	cfg := ts.config(t)
	cfg.Password = ""

	_, err := New(testLogger()).Connect(context.Background(), cfg)

	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrAuthentication)
	assert.Contains(t, err.Error(), "no authentication method")
}

func TestConnect_ConnectionRefused(t *testing.T) {
	// Reserve a port and release it so nothing is listening.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	cfg := models.RemoteConfig{
		Host:           "127.0.0.1",
		Port:           port,
		User:           testUser,
		Password:       testPassword,
		ConnectTimeout: time.Second,
	}

	_, err = New(testLogger()).Connect(context.Background(), cfg)

	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrConnection)
	assert.NotErrorIs(t, err, models.ErrAuthentication)
}

func TestConnect_ContextCancelled(t *testing.T) {
	ts := startTestServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := New(testLogger()).Connect(ctx, ts.config(t))

	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrConnection)
}

func TestConnect_HostKeyMismatch(t *testing.T) {
	ts := startTestServer(t)
	other, _ := generateSigner(t)

	cfg := ts.config(t)
	line := knownhosts.Line([]string{knownhosts.Normalize(ts.addr())}, other.PublicKey())
	require.NoError(t, os.WriteFile(cfg.KnownHostsPath, []byte(line+"\n"), 0o600))

	_, err := New(testLogger()).Connect(context.Background(), cfg)

	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrAuthentication)
	assert.Contains(t, err.Error(), "host key verification failed")
}

func TestConnect_KnownHostMatch_Strict(t *testing.T) {
	ts := startTestServer(t)

	cfg := ts.config(t)
	cfg.StrictHostKey = true
	line := knownhosts.Line([]string{knownhosts.Normalize(ts.addr())}, ts.hostKey.PublicKey())
	require.NoError(t, os.WriteFile(cfg.KnownHostsPath, []byte(line+"\n"), 0o600))

	session, err := New(testLogger()).Connect(context.Background(), cfg)

	require.NoError(t, err)
	assert.NoError(t, session.Close())
}

func TestConnect_UnknownHost(t *testing.T) {
	ts := startTestServer(t)

	cfg := ts.config(t)
	require.NoError(t, os.WriteFile(cfg.KnownHostsPath, []byte(""), 0o600))

	t.Run("accepted when not strict", func(t *testing.T) {
		session, err := New(testLogger()).Connect(context.Background(), cfg)
		require.NoError(t, err)
		assert.NoError(t, session.Close())
	})

	t.Run("rejected when strict", func(t *testing.T) {
		strict := cfg
		strict.StrictHostKey = true

		_, err := New(testLogger()).Connect(context.Background(), strict)
		require.Error(t, err)
		assert.ErrorIs(t, err, models.ErrAuthentication)
	})
}

func TestConnect_StrictWithoutKnownHostsFile(t *testing.T) {
	ts := startTestServer(t)

	cfg := ts.config(t)
	cfg.StrictHostKey = true

	_, err := New(testLogger()).Connect(context.Background(), cfg)

	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrAuthentication)
	assert.Contains(t, err.Error(), "known_hosts file not found")
}

type staticAuth struct {
	calls int
}

func (a *staticAuth) Credentials(cfg models.RemoteConfig) (*Credentials, error) {
	a.calls++
	return &Credentials{Methods: []ssh.AuthMethod{ssh.Password(testPassword)}}, nil
}

func TestConnect_InjectedAuthProvider(t *testing.T) {
	ts := startTestServer(t)
	auth := &staticAuth{}

	cfg := ts.config(t)
	cfg.Password = ""

	session, err := NewWithAuthProvider(testLogger(), auth).Connect(context.Background(), cfg)

	require.NoError(t, err)
	assert.Equal(t, 1, auth.calls)
	assert.NoError(t, session.Close())
}

func TestExecute_CapturesOutput(t *testing.T) {
	ts := startTestServer(t)
	session := ts.connect(t)

	result, err := session.Execute(context.Background(), "echo hello; echo oops >&2")

	require.NoError(t, err)
	assert.Equal(t, 0, result.ExitStatus)
	assert.True(t, result.Succeeded())
	assert.Equal(t, "hello\n", result.Stdout)
	assert.Equal(t, "oops\n", result.Stderr)
	assert.Equal(t, "echo hello; echo oops >&2", result.Command)
}

func TestExecute_NonZeroExitIsNotAnError(t *testing.T) {
	ts := startTestServer(t)
	session := ts.connect(t)

	for _, code := range []int{1, 3, 127} {
		result, err := session.Execute(context.Background(), "echo failing >&2; exit "+strconv.Itoa(code))

		require.NoError(t, err)
		assert.Equal(t, code, result.ExitStatus)
		assert.False(t, result.Succeeded())
		assert.Equal(t, "failing\n", result.Stderr)
	}
}

func TestExecute_CommandNotFound(t *testing.T) {
	ts := startTestServer(t)
	session := ts.connect(t)

	result, err := session.Execute(context.Background(), "definitely-not-a-command-xyz")

	require.NoError(t, err)
	assert.Equal(t, 127, result.ExitStatus)
	assert.NotEmpty(t, strings.TrimSpace(result.Stderr))
}

func TestExecute_Timeout(t *testing.T) {
	ts := startTestServer(t)
	session := ts.connect(t)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := session.Execute(ctx, "sleep 10")

	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrRemoteIO)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestEnsureDirectory_Idempotent(t *testing.T) {
	ts := startTestServer(t)
	session := ts.connect(t)

	dir := filepath.Join(t.TempDir(), "a", "b", "c")

	require.NoError(t, session.EnsureDirectory(context.Background(), dir))
	require.NoError(t, session.EnsureDirectory(context.Background(), dir))

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestEnsureDirectory_FileInTheWay(t *testing.T) {
	ts := startTestServer(t)
	session := ts.connect(t)

	blocker := filepath.Join(t.TempDir(), "blocker")
	writeFile(t, blocker, "not a directory")

	err := session.EnsureDirectory(context.Background(), filepath.Join(blocker, "sub"))

	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrRemoteIO)
}

func TestClose_Idempotent(t *testing.T) {
	ts := startTestServer(t)

	session, err := New(testLogger()).Connect(context.Background(), ts.config(t))
	require.NoError(t, err)

	first := session.Close()
	second := session.Close()

	assert.NoError(t, first)
	assert.Equal(t, first, second)
}

func TestSession_UseAfterClose(t *testing.T) {
	ts := startTestServer(t)

	session, err := New(testLogger()).Connect(context.Background(), ts.config(t))
	require.NoError(t, err)
	require.NoError(t, session.Close())

	_, err = session.Execute(context.Background(), "true")
	assert.ErrorIs(t, err, models.ErrRemoteIO)
	assert.ErrorIs(t, err, errSessionClosed)

	err = session.EnsureDirectory(context.Background(), t.TempDir())
	assert.ErrorIs(t, err, models.ErrRemoteIO)

	_, err = session.UploadTree(context.Background(), t.TempDir(), t.TempDir())
	assert.ErrorIs(t, err, models.ErrTransfer)
}
