package sshproxy

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
)

// defaultIdentityFiles are tried, in order, under ~/.ssh when no identity
// file is configured.
var defaultIdentityFiles = []string{"id_ed25519", "id_ecdsa", "id_rsa"}

// ErrNoAuthMethod is returned when neither an ssh-agent nor a usable private
// key is available.
var ErrNoAuthMethod = errors.New("no usable SSH authentication method: start ssh-agent or pass --identity")

// AuthOptions selects the client credentials.
type AuthOptions struct {
	// IdentityFiles are private key paths. Every listed file must exist.
	// Empty means HostIdentityFiles, or else the default keys under ~/.ssh;
	// absent files in either list are skipped.
	IdentityFiles []string
	// HostIdentityFiles are the IdentityFile entries ~/.ssh/config has for
	// the target host.
	HostIdentityFiles []string
	// AgentSocket overrides SSH_AUTH_SOCK.
	AgentSocket string
	// NoAgent disables ssh-agent lookups.
	NoAgent bool
}

// AuthMethods builds the public key auth methods: the ssh-agent first, then
// the identity files. Passphrase-protected keys are skipped since there is
// no prompt. The returned release func closes the agent connection and is
// safe to call once the handshake is done.
func AuthMethods(opts AuthOptions) ([]ssh.AuthMethod, func(), error) {
	logger := zap.L().Named("ssh")
	var methods []ssh.AuthMethod
	release := func() {}

	if !opts.NoAgent {
		sock := opts.AgentSocket
		if sock == "" {
			sock = os.Getenv("SSH_AUTH_SOCK")
		}
		if sock != "" {
			conn, err := net.Dial("unix", sock)
			if err != nil {
				logger.Debug("ssh-agent unavailable", zap.String("socket", sock), zap.Error(err))
			} else {
				methods = append(methods, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
				release = func() { conn.Close() }
			}
		}
	}

	signers, err := loadIdentities(opts.IdentityFiles, opts.HostIdentityFiles, logger)
	if err != nil {
		release()
		return nil, nil, err
	}
	if len(signers) > 0 {
		methods = append(methods, ssh.PublicKeys(signers...))
	}

	if len(methods) == 0 {
		return nil, nil, ErrNoAuthMethod
	}
	return methods, release, nil
}

func loadIdentities(files, hostFiles []string, logger *zap.Logger) ([]ssh.Signer, error) {
	explicit := len(files) > 0
	if !explicit {
		files = append(files, hostFiles...)
	}
	if len(files) == 0 {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, nil
		}
		for _, name := range defaultIdentityFiles {
			files = append(files, filepath.Join(home, ".ssh", name))
		}
	}

	var signers []ssh.Signer
	for _, path := range files {
		data, err := os.ReadFile(path)
		if err != nil {
			if !explicit && errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("read identity file: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(data)
		if err != nil {
			var missing *ssh.PassphraseMissingError
			if errors.As(err, &missing) {
				logger.Debug("skipping passphrase-protected key", zap.String("path", path))
				continue
			}
			return nil, fmt.Errorf("parse identity file %s: %w", path, err)
		}
		signers = append(signers, signer)
	}
	return signers, nil
}
