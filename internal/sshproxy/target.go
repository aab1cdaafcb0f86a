package sshproxy

import (
	"errors"
	"fmt"
	"net"
	"os"
	"os/user"
	"strconv"
	"strings"
)

// DefaultPort is the SSH port used when a target names none.
const DefaultPort = 22

// Target is a remote SSH endpoint.
type Target struct {
	User string
	Host string
	Port int
}

// ParseTarget parses "user@host", "user@host:port", "host" and bracketed
// IPv6 forms such as "user@[::1]:2222". A missing user defaults to the local
// user, a missing port to 22.
func ParseTarget(s string) (Target, error) {
	t, err := parseTarget(s)
	if err != nil {
		return Target{}, err
	}
	return t.withDefaults(), nil
}

// parseTarget leaves User empty and Port zero when s does not name them.
func parseTarget(s string) (Target, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Target{}, errors.New("empty ssh target")
	}

	var t Target
	hostPart := s
	if i := strings.LastIndex(s, "@"); i >= 0 {
		t.User = s[:i]
		hostPart = s[i+1:]
		if t.User == "" {
			return Target{}, fmt.Errorf("ssh target %q: empty user", s)
		}
	}

	switch {
	case strings.HasPrefix(hostPart, "[") && strings.HasSuffix(hostPart, "]"):
		t.Host = hostPart[1 : len(hostPart)-1]
	case strings.HasPrefix(hostPart, "["):
		host, port, err := net.SplitHostPort(hostPart)
		if err != nil {
			return Target{}, fmt.Errorf("ssh target %q: %w", s, err)
		}
		t.Host = host
		if t.Port, err = parsePort(port); err != nil {
			return Target{}, fmt.Errorf("ssh target %q: %w", s, err)
		}
	case strings.Count(hostPart, ":") == 1:
		host, port, _ := strings.Cut(hostPart, ":")
		t.Host = host
		var err error
		if t.Port, err = parsePort(port); err != nil {
			return Target{}, fmt.Errorf("ssh target %q: %w", s, err)
		}
	default:
		// Bare IPv6 addresses carry several colons and no port.
		t.Host = hostPart
	}

	if t.Host == "" {
		return Target{}, fmt.Errorf("ssh target %q: empty host", s)
	}
	return t, nil
}

func (t Target) withDefaults() Target {
	if t.User == "" {
		t.User = localUser()
	}
	if t.Port == 0 {
		t.Port = DefaultPort
	}
	return t
}

func parsePort(s string) (int, error) {
	port, err := strconv.Atoi(s)
	if err != nil || port < 1 || port > 65535 {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	return port, nil
}

func localUser() string {
	if name := os.Getenv("USER"); name != "" {
		return name
	}
	if u, err := user.Current(); err == nil {
		return u.Username
	}
	return "root"
}

// Addr returns the host:port dial address.
func (t Target) Addr() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
}

// String renders the target the way it is written on the command line.
func (t Target) String() string {
	host := t.Host
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	if t.Port != 0 && t.Port != DefaultPort {
		host += ":" + strconv.Itoa(t.Port)
	}
	if t.User == "" {
		return host
	}
	return t.User + "@" + host
}
