package ssh

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"

	"github.com/fgeck/remote-pipeline/internal/models"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
)

// AuthProvider supplies the credentials used to authenticate a session.
// It decouples the session from how keys or passwords are obtained.
type AuthProvider interface {
	Credentials(cfg models.RemoteConfig) (*Credentials, error)
}

// Credentials holds SSH auth methods plus any resources (such as an agent
// connection) that must stay open until the handshake completes.
type Credentials struct {
	Methods []ssh.AuthMethod
	closers []io.Closer
}

// Close releases resources held by the credentials.
func (c *Credentials) Close() error {
	var errs []error
	for _, cl := range c.closers {
		errs = append(errs, cl.Close())
	}
	c.closers = nil
	return errors.Join(errs...)
}

// DefaultAuthProvider offers, in order: the configured private key, the
// SSH agent at SSH_AUTH_SOCK, and the configured password.
type DefaultAuthProvider struct {
	// AgentSocket overrides SSH_AUTH_SOCK when set.
	AgentSocket string
}

// Credentials implements AuthProvider.
func (p *DefaultAuthProvider) Credentials(cfg models.RemoteConfig) (*Credentials, error) {
	creds := &Credentials{}

	if cfg.KeyPath != "" {
		signer, err := loadSigner(cfg.KeyPath, cfg.Passphrase)
		if err != nil {
			return nil, fmt.Errorf("load key: %w", err)
		}
		creds.Methods = append(creds.Methods, ssh.PublicKeys(signer))
	}

	if cfg.UseAgent {
		sock := p.AgentSocket
		if sock == "" {
			sock = os.Getenv("SSH_AUTH_SOCK")
		}
		if sock != "" {
			if conn, err := net.Dial("unix", sock); err == nil {
				ag := agent.NewClient(conn)
				creds.Methods = append(creds.Methods, ssh.PublicKeysCallback(ag.Signers))
				creds.closers = append(creds.closers, conn)
			}
		}
	}

	if cfg.Password != "" {
		creds.Methods = append(creds.Methods, ssh.Password(cfg.Password))
	}

	if len(creds.Methods) == 0 {
		return nil, fmt.Errorf("no authentication method available: configure key_path, password or an SSH agent")
	}

	return creds, nil
}

// loadSigner loads a private key with optional passphrase.
func loadSigner(path, passphrase string) (ssh.Signer, error) {
	key, err := os.ReadFile(path) //nolint:gosec // path comes from configuration
	if err != nil {
		return nil, fmt.Errorf("failed to read private key from %s: %w", path, err)
	}

	if passphrase != "" {
		signer, err := ssh.ParsePrivateKeyWithPassphrase(key, []byte(passphrase))
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		return signer, nil
	}

	signer, err := ssh.ParsePrivateKey(key)
	if err == nil {
		return signer, nil
	}

	var passphraseMissing *ssh.PassphraseMissingError
	if errors.As(err, &passphraseMissing) {
		return nil, fmt.Errorf("private key %s is encrypted; set remote_config.passphrase", path)
	}
	return nil, fmt.Errorf("failed to parse private key: %w", err)
}

// hostKeyCallback verifies host keys against known_hosts. A key that
// conflicts with a known_hosts entry is always rejected. Hosts with no
// entry are accepted unless StrictHostKey is set.
func hostKeyCallback(cfg models.RemoteConfig) (ssh.HostKeyCallback, error) {
	if _, err := os.Stat(cfg.KnownHostsPath); err != nil || cfg.KnownHostsPath == "" {
		if cfg.StrictHostKey {
			return nil, fmt.Errorf("known_hosts file not found at %q and strict_host_key is enabled", cfg.KnownHostsPath)
		}
		return ssh.InsecureIgnoreHostKey(), nil //nolint:gosec // unknown hosts are accepted unless strict
	}

	callback, err := knownhosts.New(cfg.KnownHostsPath)
	if err != nil {
		return nil, fmt.Errorf("known_hosts: %w", err)
	}

	if cfg.StrictHostKey {
		return callback, nil
	}

	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		err := callback(hostname, remote, key)
		var keyErr *knownhosts.KeyError
		if errors.As(err, &keyErr) && len(keyErr.Want) == 0 {
			return nil
		}
		return err
	}, nil
}
