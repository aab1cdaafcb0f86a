package sshproxy

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/kevinburke/ssh_config"
)

// DefaultSSHConfig is the per-user OpenSSH client config.
const DefaultSSHConfig = "~/.ssh/config"

// HostConfig is what an OpenSSH client config says about one host alias.
// Fields the config does not set are left zero.
type HostConfig struct {
	HostName      string
	User          string
	Port          int
	IdentityFiles []string
}

// SSHConfig is a parsed OpenSSH client config. The nil *SSHConfig is valid
// and knows no hosts.
type SSHConfig struct {
	cfg *ssh_config.Config
}

// LoadSSHConfig parses the config at path. A missing file, an empty path or
// "none" yields nil.
func LoadSSHConfig(path string) (*SSHConfig, error) {
	if path == "" || path == "none" {
		return nil, nil
	}
	path = expandHome(path)
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("open ssh config: %w", err)
	}
	defer f.Close()

	cfg, err := ssh_config.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("parse ssh config %s: %w", path, err)
	}
	return &SSHConfig{cfg: cfg}, nil
}

// Lookup returns the HostName, User, Port and IdentityFile entries that
// apply to alias. %h in HostName is replaced by alias.
func (c *SSHConfig) Lookup(alias string) (HostConfig, error) {
	var hc HostConfig
	if c == nil {
		return hc, nil
	}

	get := func(key string) (string, error) {
		v, err := c.cfg.Get(alias, key)
		if err != nil {
			return "", fmt.Errorf("ssh config %s for %s: %w", key, alias, err)
		}
		return strings.TrimSpace(v), nil
	}

	v, err := get("HostName")
	if err != nil {
		return HostConfig{}, err
	}
	hc.HostName = strings.ReplaceAll(v, "%h", alias)

	if hc.User, err = get("User"); err != nil {
		return HostConfig{}, err
	}

	if v, err = get("Port"); err != nil {
		return HostConfig{}, err
	}
	if v != "" {
		if hc.Port, err = parsePort(v); err != nil {
			return HostConfig{}, fmt.Errorf("ssh config Port for %s: %w", alias, err)
		}
	}

	files, err := c.cfg.GetAll(alias, "IdentityFile")
	if err != nil {
		return HostConfig{}, fmt.Errorf("ssh config IdentityFile for %s: %w", alias, err)
	}
	for _, f := range files {
		if f = strings.TrimSpace(f); f != "" {
			hc.IdentityFiles = append(hc.IdentityFiles, expandHome(f))
		}
	}
	return hc, nil
}

// Target parses s like ParseTarget and fills in what s leaves out from the
// config: the host is treated as an alias for HostName, and User and Port
// apply when s does not set them. It also returns the alias's identity
// files.
func (c *SSHConfig) Target(s string) (Target, []string, error) {
	t, err := parseTarget(s)
	if err != nil {
		return Target{}, nil, err
	}
	hc, err := c.Lookup(t.Host)
	if err != nil {
		return Target{}, nil, err
	}
	if hc.HostName != "" {
		t.Host = hc.HostName
	}
	if t.User == "" {
		t.User = hc.User
	}
	if t.Port == 0 {
		t.Port = hc.Port
	}
	return t.withDefaults(), hc.IdentityFiles, nil
}

func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
