package orchestrator

import (
	"context"
	"fmt"
	"io"
	"net"
	"sort"
	"strconv"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/swarm"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"go.uber.org/zap"
)

// DefaultDockerSocket is the daemon socket path on the remote host.
const DefaultDockerSocket = "/var/run/docker.sock"

// dockerAPI is the slice of the Docker Engine client this backend uses.
type dockerAPI interface {
	Ping(ctx context.Context) (types.Ping, error)
	ServiceList(ctx context.Context, options swarm.ServiceListOptions) ([]swarm.Service, error)
	ServiceLogs(ctx context.Context, serviceID string, options container.LogsOptions) (io.ReadCloser, error)
	Close() error
}

// ContextDialer opens connections from the remote host.
type ContextDialer interface {
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
}

// DockerAPI talks to the remote Docker Engine API through the SSH-forwarded
// daemon socket.
type DockerAPI struct {
	client dockerAPI
	logger *zap.Logger
}

// NewDockerAPI builds an Engine API client whose every request is dialed to
// socket on the remote end of d.
func NewDockerAPI(d ContextDialer, socket string) (*DockerAPI, error) {
	if socket == "" {
		socket = DefaultDockerSocket
	}
	cli, err := dockerclient.NewClientWithOpts(
		dockerclient.WithHost("unix://"+socket),
		dockerclient.WithDialContext(func(ctx context.Context, _, _ string) (net.Conn, error) {
			return d.DialContext(ctx, "unix", socket)
		}),
		dockerclient.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return &DockerAPI{client: cli, logger: zap.L().Named("docker")}, nil
}

func (d *DockerAPI) BackendName() string {
	return "docker"
}

// Ping checks that the daemon answers.
func (d *DockerAPI) Ping(ctx context.Context) error {
	if _, err := d.client.Ping(ctx); err != nil {
		return fmt.Errorf("docker ping: %w", err)
	}
	return nil
}

// ListServices returns the swarm services sorted by name, with running and
// desired task counts.
func (d *DockerAPI) ListServices(ctx context.Context) ([]Service, error) {
	list, err := d.client.ServiceList(ctx, swarm.ServiceListOptions{Status: true})
	if err != nil {
		return nil, fmt.Errorf("list services: %w", err)
	}
	services := make([]Service, 0, len(list))
	for _, s := range list {
		services = append(services, Service{
			Name:      s.Spec.Name,
			ID:        s.ID,
			Replicas:  replicas(s),
			CreatedAt: s.CreatedAt,
		})
	}
	sort.Slice(services, func(i, j int) bool { return services[i].Name < services[j].Name })
	return services, nil
}

func replicas(s swarm.Service) string {
	if s.ServiceStatus == nil {
		return "-"
	}
	running := strconv.FormatUint(s.ServiceStatus.RunningTasks, 10)
	if s.Spec.Mode.Global != nil {
		return running + "/" + strconv.FormatUint(s.ServiceStatus.DesiredTasks, 10) + " (global)"
	}
	return running + "/" + strconv.FormatUint(s.ServiceStatus.DesiredTasks, 10)
}

// StreamServiceLogs streams stdout and stderr of every task of the service.
// Non-TTY output is multiplexed by the daemon and is split back into plain
// lines here. Lines of stdout and stderr interleave but are never split.
func (d *DockerAPI) StreamServiceLogs(ctx context.Context, service string, opts StreamOptions) (io.ReadCloser, error) {
	list, err := d.client.ServiceList(ctx, swarm.ServiceListOptions{})
	if err != nil {
		return nil, fmt.Errorf("list services: %w", err)
	}
	var svc *swarm.Service
	for i := range list {
		if list[i].Spec.Name == service || list[i].ID == service {
			svc = &list[i]
			break
		}
	}
	if svc == nil {
		return nil, &NoServiceError{Partial: service}
	}

	logOpts := container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     opts.Follow,
		Tail:       "all",
	}
	if n := opts.TailLines(); n >= 0 {
		logOpts.Tail = strconv.Itoa(n)
	}
	d.logger.Debug("streaming", zap.String("service", svc.Spec.Name), zap.String("tail", logOpts.Tail), zap.Bool("follow", opts.Follow))

	body, err := d.client.ServiceLogs(ctx, svc.ID, logOpts)
	if err != nil {
		return nil, fmt.Errorf("service logs %s: %w", svc.Spec.Name, err)
	}

	if spec := svc.Spec.TaskTemplate.ContainerSpec; spec != nil && spec.TTY {
		return body, nil
	}

	// Frames may end mid-line, so stdout and stderr are demultiplexed into
	// separate pipes and merged back a whole line at a time.
	outR, outW := io.Pipe()
	errR, errW := io.Pipe()
	go func() {
		_, err := stdcopy.StdCopy(outW, errW, body)
		outW.CloseWithError(err)
		errW.CloseWithError(err)
	}()
	return mergeLines(func() { body.Close() }, []io.ReadCloser{outR, errR}), nil
}

func (d *DockerAPI) Close() error {
	return d.client.Close()
}
