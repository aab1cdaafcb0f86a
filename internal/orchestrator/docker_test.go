package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/swarm"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gluk-w/dlog/internal/sshproxy/sshtest"
)

type fakeDocker struct {
	services []swarm.Service
	logs     []byte
	pingErr  error

	gotID   string
	gotOpts container.LogsOptions
}

func (f *fakeDocker) Ping(context.Context) (types.Ping, error) {
	return types.Ping{APIVersion: "1.43"}, f.pingErr
}

func (f *fakeDocker) ServiceList(context.Context, swarm.ServiceListOptions) ([]swarm.Service, error) {
	return f.services, nil
}

func (f *fakeDocker) ServiceLogs(_ context.Context, id string, opts container.LogsOptions) (io.ReadCloser, error) {
	f.gotID = id
	f.gotOpts = opts
	return io.NopCloser(bytes.NewReader(f.logs)), nil
}

func (f *fakeDocker) Close() error { return nil }

func swarmService(id, name string, tty bool) swarm.Service {
	replicas := uint64(3)
	s := swarm.Service{ID: id}
	s.Spec.Name = name
	s.Spec.Mode.Replicated = &swarm.ReplicatedService{Replicas: &replicas}
	s.Spec.TaskTemplate.ContainerSpec = &swarm.ContainerSpec{TTY: tty}
	s.ServiceStatus = &swarm.ServiceStatus{RunningTasks: 2, DesiredTasks: 3}
	s.CreatedAt = time.Now().Add(-2 * time.Hour)
	return s
}

// multiplexed frames stdout and stderr the way the daemon does for non-TTY
// services.
func multiplexed(t *testing.T, stdout, stderr string) []byte {
	t.Helper()
	var buf bytes.Buffer
	_, err := stdcopy.NewStdWriter(&buf, stdcopy.Stdout).Write([]byte(stdout))
	require.NoError(t, err)
	_, err = stdcopy.NewStdWriter(&buf, stdcopy.Stderr).Write([]byte(stderr))
	require.NoError(t, err)
	return buf.Bytes()
}

func TestDockerAPI_ListServices(t *testing.T) {
	fake := &fakeDocker{services: []swarm.Service{
		swarmService("w1", "stack_web", false),
		swarmService("a1", "stack_api", false),
	}}
	d := &DockerAPI{client: fake, logger: zapNop()}

	services, err := d.ListServices(context.Background())
	require.NoError(t, err)
	require.Len(t, services, 2)
	assert.Equal(t, "stack_api", services[0].Name)
	assert.Equal(t, "a1", services[0].ID)
	assert.Equal(t, "2/3", services[0].Replicas)
	assert.Equal(t, "2 hours", services[0].Age())
}

func TestDockerAPI_StreamDemultiplexes(t *testing.T) {
	fake := &fakeDocker{
		services: []swarm.Service{swarmService("a1", "stack_api", false)},
		logs:     multiplexed(t, "2024-05-01 INFO up\n", "2024-05-01 ERROR down\n"),
	}
	d := &DockerAPI{client: fake, logger: zapNop()}

	rc, err := d.StreamServiceLogs(context.Background(), "stack_api", StreamOptions{Tail: 0, Follow: true})
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())

	assert.ElementsMatch(t, []string{"2024-05-01 INFO up", "2024-05-01 ERROR down"}, strings.Split(strings.TrimSuffix(string(data), "\n"), "\n"))
	assert.Equal(t, "a1", fake.gotID)
	assert.Equal(t, "10", fake.gotOpts.Tail)
	assert.True(t, fake.gotOpts.Follow)
	assert.True(t, fake.gotOpts.ShowStdout)
	assert.True(t, fake.gotOpts.ShowStderr)
}

func TestDockerAPI_StreamKeepsSplitFramesWhole(t *testing.T) {
	var buf bytes.Buffer
	out := stdcopy.NewStdWriter(&buf, stdcopy.Stdout)
	errw := stdcopy.NewStdWriter(&buf, stdcopy.Stderr)
	for _, frame := range []struct {
		w    io.Writer
		data string
	}{
		{out, "2024-05-01 INFO par"},
		{errw, "2024-05-01 ERROR whole\n"},
		{out, "tial\n"},
	} {
		_, err := frame.w.Write([]byte(frame.data))
		require.NoError(t, err)
	}

	fake := &fakeDocker{
		services: []swarm.Service{swarmService("a1", "stack_api", false)},
		logs:     buf.Bytes(),
	}
	d := &DockerAPI{client: fake, logger: zapNop()}

	rc, err := d.StreamServiceLogs(context.Background(), "stack_api", StreamOptions{})
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())

	assert.ElementsMatch(t, []string{"2024-05-01 INFO partial", "2024-05-01 ERROR whole"}, strings.Split(strings.TrimSuffix(string(data), "\n"), "\n"))
}

func TestDockerAPI_StreamTTYIsRaw(t *testing.T) {
	fake := &fakeDocker{
		services: []swarm.Service{swarmService("t1", "stack_tty", true)},
		logs:     []byte("plain line\n"),
	}
	d := &DockerAPI{client: fake, logger: zapNop()}

	rc, err := d.StreamServiceLogs(context.Background(), "stack_tty", StreamOptions{})
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)

	assert.Equal(t, "plain line\n", string(data))
	assert.Equal(t, "all", fake.gotOpts.Tail)
}

func TestDockerAPI_StreamUnknownService(t *testing.T) {
	d := &DockerAPI{client: &fakeDocker{}, logger: zapNop()}

	_, err := d.StreamServiceLogs(context.Background(), "ghost", StreamOptions{})
	var noSvc *NoServiceError
	require.True(t, errors.As(err, &noSvc), "error = %v", err)
}

// fakeEngine serves the Engine API endpoints the backend uses.
func fakeEngine(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/_ping", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("API-Version", "1.43")
		w.Write([]byte("OK"))
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/services") {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode([]swarm.Service{swarmService("a1", "stack_api", false)})
	})
	return mux
}

func TestDockerAPI_OverSSHSocket(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "docker.sock")
	ln, err := net.Listen("unix", sock)
	require.NoError(t, err)
	httpSrv := &http.Server{Handler: fakeEngine(t)}
	go httpSrv.Serve(ln)
	t.Cleanup(func() { httpSrv.Close() })

	srv := sshtest.NewServer(t, fakeDockerCLI)
	srv.ForwardUnix(DefaultDockerSocket, sock)
	conn := dialSSH(t, srv)

	b, err := Open(context.Background(), conn, Options{Backend: BackendAuto})
	require.NoError(t, err)
	defer b.Close()
	require.Equal(t, "docker", b.BackendName())

	services, err := b.ListServices(context.Background())
	require.NoError(t, err)
	require.Len(t, services, 1)
	assert.Equal(t, "stack_api", services[0].Name)
	assert.Equal(t, "2/3", services[0].Replicas)
}
