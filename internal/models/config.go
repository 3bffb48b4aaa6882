// Package models contains the data structures used throughout remote-pipeline.
package models

import "time"

// Config holds the complete parsed configuration file.
type Config struct {
	Remote    RemoteConfig
	Pipelines map[string]PipelineConfig // keyed by lowercased pipeline name
	Telegram  *TelegramConfig           // nil if not configured
	History   *HistoryConfig            // nil if not configured
}

// RemoteConfig holds the global remote_config section.
type RemoteConfig struct {
	Host           string
	Port           int
	User           string
	KeyPath        string // optional private key file
	Passphrase     string // optional, for encrypted keys
	Password       string // optional password authentication
	UseAgent       bool   // use SSH_AUTH_SOCK when available
	KnownHostsPath string
	StrictHostKey  bool // if true, hosts missing from known_hosts are rejected

	ConnectTimeout      time.Duration
	CommandTimeout      time.Duration // 0 means no timeout
	TransferConcurrency int

	WOL *WOLConfig // nil if not configured
}

// PipelineConfig holds one named pipeline section.
type PipelineConfig struct {
	RemotePaths     map[string]string
	CommandTemplate string
	EnsureDirs      []string      // keys of RemotePaths created before upload
	CommandTimeout  time.Duration // overrides RemoteConfig.CommandTimeout when set
}

// Well-known remote path keys the orchestrator relies on.
const (
	PathInputDir  = "input_dir"
	PathOutputDir = "output_dir"
)

// RemoteProfile is a fully resolved pipeline configuration for a single run.
type RemoteProfile struct {
	Name            string
	Remote          RemoteConfig
	RemotePaths     map[string]string
	CommandTemplate string
	EnsureDirs      []string
	CommandTimeout  time.Duration
}

// InputDir returns the remote directory inputs are staged into.
func (p *RemoteProfile) InputDir() string {
	return p.RemotePaths[PathInputDir]
}

// OutputDir returns the remote directory results are fetched from.
func (p *RemoteProfile) OutputDir() string {
	return p.RemotePaths[PathOutputDir]
}

// LocalTransferSpec holds the caller supplied local directories.
type LocalTransferSpec struct {
	InputDir  string
	OutputDir string
}

// RunRequest holds the already parsed arguments of a pipeline run.
type RunRequest struct {
	Pipeline string
	Local    LocalTransferSpec
}
