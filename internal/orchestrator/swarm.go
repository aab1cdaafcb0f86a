package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/gluk-w/dlog/internal/sshproxy"
)

// ErrDockerNotFound is returned when the remote shell cannot find docker.
var ErrDockerNotFound = errors.New("docker not found on remote host")

// SwarmCLI runs the docker CLI on the remote host over SSH. It needs nothing
// on the remote side beyond a docker binary with swarm access.
type SwarmCLI struct {
	conn   *sshproxy.Conn
	logger *zap.Logger
}

// NewSwarmCLI returns a backend running docker commands over conn.
func NewSwarmCLI(conn *sshproxy.Conn) *SwarmCLI {
	return &SwarmCLI{conn: conn, logger: zap.L().Named("swarm")}
}

func (s *SwarmCLI) BackendName() string {
	return "swarm"
}

// ListServices runs docker service ls. Only names are known to this backend.
func (s *SwarmCLI) ListServices(ctx context.Context) ([]Service, error) {
	out, err := s.conn.Output(ctx, "docker service ls --format '{{.Name}}'")
	if err != nil {
		return nil, mapDockerErr(err)
	}
	var services []Service
	for _, name := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		name = strings.TrimSpace(name)
		if name != "" {
			services = append(services, Service{Name: name})
		}
	}
	return services, nil
}

// LogsCommand builds the docker service logs command line for service.
func LogsCommand(service string, opts StreamOptions) string {
	parts := []string{"docker", "service", "logs", "--raw"}
	if opts.Follow {
		parts = append(parts, "-f")
	}
	if n := opts.TailLines(); n >= 0 {
		parts = append(parts, "--tail", strconv.Itoa(n))
	}
	parts = append(parts, sshproxy.ShellQuote(service))
	return strings.Join(parts, " ")
}

// StreamServiceLogs streams docker service logs stdout. A failing command
// surfaces from Close as a *sshproxy.RemoteError.
func (s *SwarmCLI) StreamServiceLogs(ctx context.Context, service string, opts StreamOptions) (io.ReadCloser, error) {
	cmd := LogsCommand(service, opts)
	s.logger.Debug("streaming", zap.String("command", cmd))
	stream, err := s.conn.Stream(ctx, cmd)
	if err != nil {
		return nil, err
	}
	return &readCloser{
		Reader: stream,
		close:  func() error { return mapDockerErr(stream.Close()) },
	}, nil
}

// Close is a no-op: the SSH connection belongs to the caller.
func (s *SwarmCLI) Close() error {
	return nil
}

func mapDockerErr(err error) error {
	var remote *sshproxy.RemoteError
	if errors.As(err, &remote) && remote.ExitStatus == 127 {
		return fmt.Errorf("%w: %w", ErrDockerNotFound, err)
	}
	return err
}
