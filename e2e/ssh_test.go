//go:build e2e

package e2e

import (
	"context"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/fgeck/remote-pipeline/internal/models"
	"github.com/fgeck/remote-pipeline/internal/services/runner"
	"github.com/fgeck/remote-pipeline/internal/services/ssh"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func getRemoteConfig(t *testing.T) models.RemoteConfig {
	t.Helper()

	host := os.Getenv("TEST_SSH_HOST")
	if host == "" {
		t.Skip("TEST_SSH_HOST not set")
	}

	portStr := os.Getenv("TEST_SSH_PORT")
	if portStr == "" {
		portStr = "22"
	}
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	user := os.Getenv("TEST_SSH_USER")
	if user == "" {
		user = "root"
	}

	keyPath := os.Getenv("TEST_SSH_KEY_PATH")
	if keyPath == "" {
		t.Skip("TEST_SSH_KEY_PATH not set")
	}

	return models.RemoteConfig{
		Host:                host,
		Port:                port,
		User:                user,
		KeyPath:             keyPath,
		Passphrase:          os.Getenv("TEST_SSH_KEY_PASSPHRASE"),
		KnownHostsPath:      os.Getenv("TEST_SSH_KNOWN_HOSTS"),
		ConnectTimeout:      10 * time.Second,
		TransferConcurrency: 4,
	}
}

// remoteScratch returns a fresh remote directory below TEST_SSH_SCRATCH_DIR.
func remoteScratch(t *testing.T) string {
	t.Helper()

	base := os.Getenv("TEST_SSH_SCRATCH_DIR")
	if base == "" {
		base = "/tmp"
	}
	return path.Join(base, "remote-pipeline-e2e-"+uuid.NewString())
}

func TestSSHExecute_E2E(t *testing.T) {
	cfg := getRemoteConfig(t)

	session, err := ssh.New(testLogger()).Connect(context.Background(), cfg)
	require.NoError(t, err)
	defer func() { _ = session.Close() }()

	result, err := session.Execute(context.Background(), "echo OK")

	require.NoError(t, err)
	assert.Equal(t, 0, result.ExitStatus)
	assert.Contains(t, result.Stdout, "OK")
}

func TestSSHConnectionFailed_E2E(t *testing.T) {
	cfg := getRemoteConfig(t)
	cfg.Host = "192.168.255.254" // Non-routable IP
	cfg.ConnectTimeout = 2 * time.Second

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := ssh.New(testLogger()).Connect(ctx, cfg)

	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrConnection)
}

func TestSSHInvalidKey_E2E(t *testing.T) {
	cfg := getRemoteConfig(t)

	keyPath := filepath.Join(t.TempDir(), "invalid")
	require.NoError(t, os.WriteFile(keyPath, []byte("invalid key"), 0o600))
	cfg.KeyPath = keyPath

	_, err := ssh.New(testLogger()).Connect(context.Background(), cfg)

	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrAuthentication)
	assert.Contains(t, err.Error(), "parse private key")
}

func TestPipelineRun_E2E(t *testing.T) {
	remote := getRemoteConfig(t)
	scratch := remoteScratch(t)

	cfg := &models.Config{
		Remote: remote,
		Pipelines: map[string]models.PipelineConfig{
			"wordcount": {
				RemotePaths: map[string]string{
					"input_dir":  path.Join(scratch, "in"),
					"output_dir": path.Join(scratch, "out"),
				},
				CommandTemplate: "cat {input_dir}/*.txt | wc -w > {output_dir}/count.txt",
			},
		},
	}

	input := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(input, "a.txt"), []byte("one two three"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(input, "b.txt"), []byte("four five"), 0o600))
	output := filepath.Join(t.TempDir(), "results")

	result, err := runner.NewWithServices(testLogger(), ssh.New(testLogger()), nil, nil, nil).
		Run(context.Background(), cfg, models.RunRequest{
			Pipeline: "wordcount",
			Local:    models.LocalTransferSpec{InputDir: input, OutputDir: output},
		})

	require.NoError(t, err)
	assert.True(t, result.Succeeded())

	count, err := os.ReadFile(filepath.Join(output, "count.txt"))
	require.NoError(t, err)
	assert.Contains(t, string(count), "5")
}
