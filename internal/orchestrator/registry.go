package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/gluk-w/dlog/internal/sshproxy"
)

// Backend names accepted by Open.
const (
	BackendAuto       = "auto"
	BackendSwarm      = "swarm"
	BackendDocker     = "docker"
	BackendKubernetes = "kubernetes"
)

// Options configures Open.
type Options struct {
	Backend      string
	DockerSocket string
	Kubeconfig   string
	Namespace    string
}

// Open returns the named backend running over conn. "auto" uses the Docker
// Engine API when the forwarded socket answers a ping and falls back to the
// docker CLI otherwise.
func Open(ctx context.Context, conn *sshproxy.Conn, opts Options) (Backend, error) {
	name := strings.ToLower(strings.TrimSpace(opts.Backend))
	if name == "" {
		name = BackendSwarm
	}
	logger := zap.L().Named("orchestrator")

	switch name {
	case BackendSwarm:
		return NewSwarmCLI(conn), nil

	case BackendDocker:
		d, err := NewDockerAPI(conn, opts.DockerSocket)
		if err != nil {
			return nil, err
		}
		return d, nil

	case BackendKubernetes, "k8s":
		cfg, err := RESTConfig(ctx, opts.Kubeconfig, conn, conn)
		if err != nil {
			return nil, err
		}
		return NewKubernetesForConfig(cfg, opts.Namespace)

	case BackendAuto:
		d, err := NewDockerAPI(conn, opts.DockerSocket)
		if err == nil {
			if err = d.Ping(ctx); err == nil {
				logger.Debug("using docker backend")
				return d, nil
			}
			d.Close()
		}
		logger.Debug("docker API unavailable, using swarm CLI", zap.Error(err))
		return NewSwarmCLI(conn), nil
	}
	return nil, fmt.Errorf("unknown backend %q (want auto, swarm, docker or kubernetes)", opts.Backend)
}
