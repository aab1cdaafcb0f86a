// Package orchestrator lists services and streams their logs from the
// container orchestrator on the remote host.
//
// Three backends share the Backend interface: the docker CLI run over SSH
// (swarm), the Docker Engine API reached through the forwarded docker socket
// (docker) and the Kubernetes API (kubernetes). Open picks one by name.
package orchestrator

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/docker/go-units"
)

// defaultFollowTail is the tail length used when following with no line
// count, matching what docker service logs prints by default.
const defaultFollowTail = 10

// Backend is a remote orchestrator that can list services and stream their
// logs.
type Backend interface {
	BackendName() string
	ListServices(ctx context.Context) ([]Service, error)
	// StreamServiceLogs streams the raw log lines of the named service, line
	// terminators included. Closing the reader stops the stream.
	StreamServiceLogs(ctx context.Context, service string, opts StreamOptions) (io.ReadCloser, error)
	Close() error
}

// Service describes one orchestrator service.
type Service struct {
	Name string
	ID   string
	// Replicas is "running/desired" where the backend knows it.
	Replicas  string
	CreatedAt time.Time
}

// Age is the human-readable time since the service was created.
func (s Service) Age() string {
	if s.CreatedAt.IsZero() {
		return "-"
	}
	return units.HumanDuration(time.Since(s.CreatedAt))
}

// StreamOptions selects how much history to print and whether to follow.
type StreamOptions struct {
	Tail   int
	Follow bool
}

// TailLines returns the number of trailing lines to request, or -1 for the
// whole log. Following always tails, 10 lines when Tail is 0.
func (o StreamOptions) TailLines() int {
	switch {
	case o.Follow && o.Tail <= 0:
		return defaultFollowTail
	case o.Tail > 0:
		return o.Tail
	default:
		return -1
	}
}

// NoServiceError is returned when no service name contains the search term.
type NoServiceError struct {
	Partial string
	Host    string
}

func (e *NoServiceError) Error() string {
	if e.Host == "" {
		return fmt.Sprintf("no service found matching '%s'", e.Partial)
	}
	return fmt.Sprintf("no service found matching '%s' on host %s", e.Partial, e.Host)
}

// AmbiguousServiceError is returned when several services contain the search
// term and none equals it.
type AmbiguousServiceError struct {
	Partial string
	Matches []string
}

func (e *AmbiguousServiceError) Error() string {
	return fmt.Sprintf("ambiguous service name '%s'. Found matches: %s", e.Partial, strings.Join(e.Matches, ", "))
}

// FindService resolves a partial service name to exactly one service by
// substring match. An exact name wins over longer names that contain it.
func FindService(ctx context.Context, b Backend, partial string) (Service, error) {
	services, err := b.ListServices(ctx)
	if err != nil {
		return Service{}, err
	}
	return matchService(services, partial)
}

func matchService(services []Service, partial string) (Service, error) {
	var matches []Service
	for _, s := range services {
		if strings.Contains(s.Name, partial) {
			matches = append(matches, s)
		}
	}
	switch len(matches) {
	case 0:
		return Service{}, &NoServiceError{Partial: partial}
	case 1:
		return matches[0], nil
	}
	for _, s := range matches {
		if s.Name == partial {
			return s, nil
		}
	}
	names := make([]string, len(matches))
	for i, s := range matches {
		names[i] = s.Name
	}
	sort.Strings(names)
	return Service{}, &AmbiguousServiceError{Partial: partial, Matches: names}
}

// readCloser pairs a reader with a custom close.
type readCloser struct {
	io.Reader
	close func() error
}

func (r *readCloser) Close() error { return r.close() }
