package sshproxy

import (
	"errors"
	"fmt"
	"net"
	"os"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// HostKeyCallback verifies server keys against the given known_hosts files.
// Files that do not exist are ignored, but at least one must exist. With
// insecure set, every host key is accepted.
func HostKeyCallback(knownHostsFiles []string, insecure bool) (ssh.HostKeyCallback, error) {
	if insecure {
		zap.L().Named("ssh").Warn("host key verification disabled")
		return ssh.InsecureIgnoreHostKey(), nil
	}

	var existing []string
	for _, f := range knownHostsFiles {
		if _, err := os.Stat(f); err == nil {
			existing = append(existing, f)
		}
	}
	if len(existing) == 0 {
		return nil, fmt.Errorf("no known_hosts file found (tried %v); connect once with ssh or pass --insecure-host-key", knownHostsFiles)
	}

	cb, err := knownhosts.New(existing...)
	if err != nil {
		return nil, fmt.Errorf("load known_hosts: %w", err)
	}
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		err := cb(hostname, remote, key)
		var keyErr *knownhosts.KeyError
		if errors.As(err, &keyErr) {
			if len(keyErr.Want) == 0 {
				return fmt.Errorf("host %s is not in known_hosts (%s fingerprint %s): %w",
					hostname, key.Type(), ssh.FingerprintSHA256(key), err)
			}
			return fmt.Errorf("HOST KEY MISMATCH for %s: %w", hostname, err)
		}
		return err
	}, nil
}
