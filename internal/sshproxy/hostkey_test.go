package sshproxy

import (
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/gluk-w/dlog/internal/sshproxy/sshtest"
)

func testHostKey(t *testing.T) ssh.PublicKey {
	t.Helper()
	pub, _, err := sshtest.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	key, _, _, _, err := ssh.ParseAuthorizedKey(pub)
	if err != nil {
		t.Fatalf("parse key: %v", err)
	}
	return key
}

func TestHostKeyCallback_Verifies(t *testing.T) {
	trusted := testHostKey(t)
	other := testHostKey(t)
	addr := &net.TCPAddr{IP: net.IPv4(10, 0, 0, 5), Port: 22}
	unknown := &net.TCPAddr{IP: net.IPv4(10, 0, 0, 6), Port: 22}

	path := filepath.Join(t.TempDir(), "known_hosts")
	line := knownhosts.Line([]string{knownhosts.Normalize("10.0.0.5:22")}, trusted)
	if err := os.WriteFile(path, []byte(line+"\n"), 0o600); err != nil {
		t.Fatalf("write known_hosts: %v", err)
	}

	cb, err := HostKeyCallback([]string{filepath.Join(t.TempDir(), "missing"), path}, false)
	if err != nil {
		t.Fatalf("HostKeyCallback() error: %v", err)
	}

	if err := cb("10.0.0.5:22", addr, trusted); err != nil {
		t.Errorf("trusted key rejected: %v", err)
	}
	if err := cb("10.0.0.5:22", addr, other); err == nil || !strings.Contains(err.Error(), "HOST KEY MISMATCH") {
		t.Errorf("changed key error = %v, want a mismatch", err)
	}
	if err := cb("10.0.0.6:22", unknown, trusted); err == nil || !strings.Contains(err.Error(), "not in known_hosts") {
		t.Errorf("unknown host error = %v, want not in known_hosts", err)
	}
}

func TestHostKeyCallback_Insecure(t *testing.T) {
	cb, err := HostKeyCallback(nil, true)
	if err != nil {
		t.Fatalf("HostKeyCallback() error: %v", err)
	}
	if err := cb("anything:22", &net.TCPAddr{}, testHostKey(t)); err != nil {
		t.Errorf("insecure callback rejected a key: %v", err)
	}
}

func TestHostKeyCallback_NoFiles(t *testing.T) {
	if _, err := HostKeyCallback([]string{filepath.Join(t.TempDir(), "missing")}, false); err == nil {
		t.Fatal("HostKeyCallback() expected error without known_hosts files")
	}
}
