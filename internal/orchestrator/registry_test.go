package orchestrator

import (
	"context"
	"testing"

	"go.uber.org/zap"

	"github.com/gluk-w/dlog/internal/sshproxy/sshtest"
)

func zapNop() *zap.Logger { return zap.NewNop() }

func TestOpen_Backends(t *testing.T) {
	srv := sshtest.NewServer(t, fakeDockerCLI)
	conn := dialSSH(t, srv)

	tests := []struct {
		name string
		want string
	}{
		{"", "swarm"},
		{"swarm", "swarm"},
		{"SWARM", "swarm"},
		{"docker", "docker"},
		// No socket is forwarded, so the ping fails and auto falls back.
		{"auto", "swarm"},
	}
	for _, tt := range tests {
		b, err := Open(context.Background(), conn, Options{Backend: tt.name})
		if err != nil {
			t.Fatalf("Open(%q) error: %v", tt.name, err)
		}
		if got := b.BackendName(); got != tt.want {
			t.Errorf("Open(%q).BackendName() = %q, want %q", tt.name, got, tt.want)
		}
		b.Close()
	}
}

func TestOpen_UnknownBackend(t *testing.T) {
	srv := sshtest.NewServer(t, fakeDockerCLI)
	conn := dialSSH(t, srv)

	if _, err := Open(context.Background(), conn, Options{Backend: "nomad"}); err == nil {
		t.Fatal("Open(nomad) expected error")
	}
}

func TestOpen_KubernetesWithRemoteKubeconfig(t *testing.T) {
	srv := sshtest.NewServer(t, func(e *sshtest.Exec) int {
		if e.Command == remoteKubeconfigCmd {
			e.Stdout.Write([]byte(testKubeconfig))
			return 0
		}
		return 127
	})
	conn := dialSSH(t, srv)

	b, err := Open(context.Background(), conn, Options{Backend: "k8s", Namespace: "prod"})
	if err != nil {
		t.Fatalf("Open(k8s) error: %v", err)
	}
	defer b.Close()
	if b.BackendName() != "kubernetes" {
		t.Fatalf("BackendName() = %q, want kubernetes", b.BackendName())
	}
	if ns := b.(*Kubernetes).namespace; ns != "prod" {
		t.Errorf("namespace = %q, want prod", ns)
	}
}
