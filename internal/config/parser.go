// Package config provides configuration file parsing and pipeline resolution.
package config

import (
	"bytes"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/fgeck/remote-pipeline/internal/models"
	"github.com/spf13/viper"
	"github.com/tidwall/jsonc"
)

// Top-level sections that are not pipelines.
const (
	sectionRemote   = "remote_config"
	sectionTelegram = "telegram"
	sectionHistory  = "history"
)

// EnvPrefix prefixes environment variables that override config values,
// e.g. RPIPE_REMOTE_CONFIG_HOST.
const EnvPrefix = "RPIPE"

// keyDelimiter replaces viper's "." so that pipeline names and path keys
// may contain dots.
const keyDelimiter = "::"

// Parser handles configuration file parsing.
type Parser struct {
	v *viper.Viper
}

// NewParser creates a new configuration parser.
func NewParser() *Parser {
	v := viper.NewWithOptions(viper.KeyDelimiter(keyDelimiter))
	v.SetConfigType("json")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(keyDelimiter, "_"))
	v.AutomaticEnv()
	return &Parser{v: v}
}

// LoadFile loads configuration from a file path.
func (p *Parser) LoadFile(path string) (*models.Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is supplied by the operator
	if err != nil {
		return nil, fmt.Errorf("%w: reading config file: %w", models.ErrConfiguration, err)
	}

	return p.load(data)
}

// LoadReader loads configuration from a string (useful for testing).
func (p *Parser) LoadReader(content string) (*models.Config, error) {
	return p.load([]byte(content))
}

func (p *Parser) load(data []byte) (*models.Config, error) {
	// Comments and trailing commas are accepted.
	if err := p.v.ReadConfig(bytes.NewReader(jsonc.ToJSON(data))); err != nil {
		return nil, fmt.Errorf("%w: parsing config: %w", models.ErrConfiguration, err)
	}

	return p.parse()
}

func key(parts ...string) string {
	return strings.Join(parts, keyDelimiter)
}

//nolint:gocognit,gocyclo // parsing config requires checking many fields
func (p *Parser) parse() (*models.Config, error) {
	cfg := &models.Config{
		Pipelines: make(map[string]models.PipelineConfig),
	}

	// Parse remote config (required).
	if !p.v.IsSet(sectionRemote) {
		return nil, fmt.Errorf("%w: '%s' section not found in config", models.ErrConfiguration, sectionRemote)
	}

	remote := models.RemoteConfig{
		Host:                p.expandEnv(p.v.GetString(key(sectionRemote, "host"))),
		Port:                p.v.GetInt(key(sectionRemote, "port")),
		User:                p.expandEnv(p.v.GetString(key(sectionRemote, "user"))),
		KeyPath:             expandPath(p.expandEnv(p.v.GetString(key(sectionRemote, "key_path")))),
		Passphrase:          p.expandEnv(p.v.GetString(key(sectionRemote, "passphrase"))),
		Password:            p.expandEnv(p.v.GetString(key(sectionRemote, "password"))),
		UseAgent:            true,
		KnownHostsPath:      expandPath(p.expandEnv(p.v.GetString(key(sectionRemote, "known_hosts")))),
		StrictHostKey:       p.v.GetBool(key(sectionRemote, "strict_host_key")),
		ConnectTimeout:      p.v.GetDuration(key(sectionRemote, "connect_timeout")),
		CommandTimeout:      p.v.GetDuration(key(sectionRemote, "command_timeout")),
		TransferConcurrency: p.v.GetInt(key(sectionRemote, "transfer_concurrency")),
	}

	if remote.Host == "" {
		return nil, fmt.Errorf("%w: %s.host is required", models.ErrConfiguration, sectionRemote)
	}
	if remote.User == "" {
		return nil, fmt.Errorf("%w: %s.user is required", models.ErrConfiguration, sectionRemote)
	}

	// Set defaults.
	if remote.Port == 0 {
		remote.Port = 22
	}
	if p.v.IsSet(key(sectionRemote, "use_agent")) {
		remote.UseAgent = p.v.GetBool(key(sectionRemote, "use_agent"))
	}
	if remote.KnownHostsPath == "" {
		remote.KnownHostsPath = expandPath("~/.ssh/known_hosts")
	}
	if remote.ConnectTimeout == 0 {
		remote.ConnectTimeout = 30 * time.Second
	}
	if remote.TransferConcurrency <= 0 {
		remote.TransferConcurrency = 4
	}

	// Parse optional WOL config.
	if p.v.IsSet(key(sectionRemote, "wol")) { //nolint:nestif // config parsing with defaults
		remote.WOL = &models.WOLConfig{
			MACAddress:    p.v.GetString(key(sectionRemote, "wol", "mac_address")),
			BroadcastIP:   p.v.GetString(key(sectionRemote, "wol", "broadcast_ip")),
			ProbeAddr:     p.v.GetString(key(sectionRemote, "wol", "probe_addr")),
			Timeout:       p.v.GetDuration(key(sectionRemote, "wol", "timeout")),
			PollInterval:  p.v.GetDuration(key(sectionRemote, "wol", "poll_interval")),
			StabilizeWait: p.v.GetDuration(key(sectionRemote, "wol", "stabilize_wait")),
		}

		if remote.WOL.MACAddress == "" {
			return nil, fmt.Errorf("%w: %s.wol.mac_address is required when wol is configured", models.ErrConfiguration, sectionRemote)
		}

		if remote.WOL.BroadcastIP == "" {
			remote.WOL.BroadcastIP = "255.255.255.255"
		}
		if remote.WOL.ProbeAddr == "" {
			remote.WOL.ProbeAddr = net.JoinHostPort(remote.Host, strconv.Itoa(remote.Port))
		}
		if remote.WOL.Timeout == 0 {
			remote.WOL.Timeout = 5 * time.Minute
		}
		if remote.WOL.PollInterval == 0 {
			remote.WOL.PollInterval = 10 * time.Second
		}
		if remote.WOL.StabilizeWait == 0 {
			remote.WOL.StabilizeWait = 10 * time.Second
		}
	}

	cfg.Remote = remote

	// Parse optional Telegram config.
	if p.v.IsSet(sectionTelegram) {
		cfg.Telegram = &models.TelegramConfig{
			BotToken: p.expandEnv(p.v.GetString(key(sectionTelegram, "bot_token"))),
			ChatID:   p.expandEnv(p.v.GetString(key(sectionTelegram, "chat_id"))),
		}

		if cfg.Telegram.BotToken == "" {
			return nil, fmt.Errorf("%w: telegram.bot_token is required when telegram is configured", models.ErrConfiguration)
		}
		if cfg.Telegram.ChatID == "" {
			return nil, fmt.Errorf("%w: telegram.chat_id is required when telegram is configured", models.ErrConfiguration)
		}
	}

	// Parse optional history config.
	if p.v.IsSet(sectionHistory) {
		cfg.History = &models.HistoryConfig{
			Path: expandPath(p.expandEnv(p.v.GetString(key(sectionHistory, "path")))),
		}
		if cfg.History.Path == "" {
			cfg.History.Path = defaultHistoryPath()
		}
	}

	// Every other top-level object is a pipeline.
	for name, value := range p.v.AllSettings() {
		switch name {
		case sectionRemote, sectionTelegram, sectionHistory:
			continue
		}
		if _, ok := value.(map[string]any); !ok {
			continue
		}
		cfg.Pipelines[name] = models.PipelineConfig{
			RemotePaths:     p.remotePaths(name),
			CommandTemplate: p.v.GetString(key(name, "pipeline_command")),
			EnsureDirs:      p.v.GetStringSlice(key(name, "ensure_dirs")),
			CommandTimeout:  p.v.GetDuration(key(name, "command_timeout")),
		}
	}

	return cfg, nil
}

// expandEnv expands environment variables in the format ${VAR} or $VAR.
func (p *Parser) expandEnv(s string) string {
	return os.ExpandEnv(s)
}

// remotePaths reads a pipeline's remote_paths with lowercased keys and
// expanded values. The command template is left unexpanded so $VAR
// references reach the remote shell.
func (p *Parser) remotePaths(pipeline string) map[string]string {
	raw := p.v.GetStringMapString(key(pipeline, "remote_paths"))
	paths := make(map[string]string, len(raw))
	for k, v := range raw {
		paths[strings.ToLower(k)] = p.expandEnv(v)
	}
	return paths
}

// expandPath expands a leading ~ to the current user's home directory.
func expandPath(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}

func defaultHistoryPath() string {
	return expandPath("~/.remote-pipeline/history.db")
}

// Validate performs validation on the loaded configuration, resolving
// every pipeline it declares.
func Validate(cfg *models.Config) error {
	if cfg == nil {
		return fmt.Errorf("%w: configuration is nil", models.ErrConfiguration)
	}

	if cfg.Remote.Host == "" {
		return fmt.Errorf("%w: %s.host is required", models.ErrConfiguration, sectionRemote)
	}

	if cfg.Remote.User == "" {
		return fmt.Errorf("%w: %s.user is required", models.ErrConfiguration, sectionRemote)
	}

	if len(cfg.Pipelines) == 0 {
		return fmt.Errorf("%w: no pipelines defined", models.ErrConfiguration)
	}

	for _, name := range PipelineNames(cfg) {
		if _, err := Resolve(cfg, name); err != nil {
			return err
		}
	}

	return nil
}
