package sshproxy

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

const testSSHConfig = `
Host prod
    HostName 10.0.0.5
    User deploy
    Port 2222
    IdentityFile ~/.ssh/prod_key
    IdentityFile /etc/keys/shared

Host *.internal
    HostName %h.example.com
    User ops

Host *
    User fallback
`

func writeSSHConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestSSHConfig_Target(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("USER", "localuser")

	cfg, err := LoadSSHConfig(writeSSHConfig(t, testSSHConfig))
	if err != nil {
		t.Fatalf("LoadSSHConfig: %v", err)
	}

	tests := []struct {
		in      string
		want    Target
		wantIDs []string
	}{
		{"prod", Target{User: "deploy", Host: "10.0.0.5", Port: 2222},
			[]string{filepath.Join(home, ".ssh", "prod_key"), "/etc/keys/shared"}},
		{"root@prod:22", Target{User: "root", Host: "10.0.0.5", Port: 22},
			[]string{filepath.Join(home, ".ssh", "prod_key"), "/etc/keys/shared"}},
		{"db.internal", Target{User: "ops", Host: "db.internal.example.com", Port: 22}, nil},
		{"other.example.com", Target{User: "fallback", Host: "other.example.com", Port: 22}, nil},
	}
	for _, tt := range tests {
		got, ids, err := cfg.Target(tt.in)
		if err != nil {
			t.Errorf("Target(%q) error: %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("Target(%q) = %+v, want %+v", tt.in, got, tt.want)
		}
		if !reflect.DeepEqual(ids, tt.wantIDs) {
			t.Errorf("Target(%q) identities = %q, want %q", tt.in, ids, tt.wantIDs)
		}
	}
}

func TestSSHConfig_NilMatchesParseTarget(t *testing.T) {
	t.Setenv("USER", "localuser")

	cfg, err := LoadSSHConfig(filepath.Join(t.TempDir(), "missing"))
	if err != nil {
		t.Fatalf("LoadSSHConfig: %v", err)
	}
	if cfg != nil {
		t.Fatalf("LoadSSHConfig(missing) = %v, want nil", cfg)
	}
	for _, in := range []string{"deploy@example.com:2200", "example.com", "ops@[::1]"} {
		want, err := ParseTarget(in)
		if err != nil {
			t.Fatalf("ParseTarget(%q): %v", in, err)
		}
		got, ids, err := cfg.Target(in)
		if err != nil {
			t.Fatalf("Target(%q): %v", in, err)
		}
		if got != want || ids != nil {
			t.Errorf("Target(%q) = %+v, %q; want %+v, no identities", in, got, ids, want)
		}
	}
}

func TestLoadSSHConfig_None(t *testing.T) {
	for _, path := range []string{"", "none"} {
		cfg, err := LoadSSHConfig(path)
		if err != nil || cfg != nil {
			t.Errorf("LoadSSHConfig(%q) = %v, %v; want nil, nil", path, cfg, err)
		}
	}
}

func TestSSHConfig_InvalidPort(t *testing.T) {
	cfg, err := LoadSSHConfig(writeSSHConfig(t, "Host bad\n    Port ssh\n"))
	if err == nil {
		_, _, err = cfg.Target("bad")
	}
	if err == nil {
		t.Fatal("Target(bad) = nil error, want invalid port")
	}
}
