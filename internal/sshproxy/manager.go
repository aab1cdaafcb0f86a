// Package sshproxy is dlog's SSH transport.
//
// Dial opens one authenticated, host-key-verified connection to the remote
// host. Everything dlog does remotely is multiplexed over that connection:
// exec sessions (Output, Stream) for the docker CLI, and forwarded channels
// (DialContext) for the Docker Engine socket and the Kubernetes API server.
// A keepalive goroutine closes the connection when the peer stops answering,
// which ends any blocked reads.
package sshproxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
)

const (
	// keepaliveInterval is how often we send keepalive requests.
	keepaliveInterval = 30 * time.Second

	// connectTimeout is the default timeout for establishing SSH connections.
	connectTimeout = 15 * time.Second
)

// DialOptions configures Dial.
type DialOptions struct {
	Auth AuthOptions

	KnownHostsFiles []string
	InsecureHostKey bool
	// HostKeyCallback, when set, replaces known_hosts verification.
	HostKeyCallback ssh.HostKeyCallback

	// Timeout bounds the TCP dial plus handshake. Zero means 15s.
	Timeout time.Duration
	// KeepaliveInterval zero means 30s, negative disables keepalives.
	KeepaliveInterval time.Duration
}

// Conn is an established SSH connection.
type Conn struct {
	client *ssh.Client
	target Target
	logger *zap.Logger

	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// Dial connects to target, authenticates and starts the keepalive loop.
func Dial(ctx context.Context, target Target, opts DialOptions) (*Conn, error) {
	logger := zap.L().Named("ssh").With(zap.String("target", target.String()))

	hostKeyCallback := opts.HostKeyCallback
	if hostKeyCallback == nil {
		cb, err := HostKeyCallback(opts.KnownHostsFiles, opts.InsecureHostKey)
		if err != nil {
			return nil, err
		}
		hostKeyCallback = cb
	}

	methods, release, err := AuthMethods(opts.Auth)
	if err != nil {
		return nil, err
	}
	defer release()

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = connectTimeout
	}
	cfg := &ssh.ClientConfig{
		User:            target.User,
		Auth:            methods,
		HostKeyCallback: hostKeyCallback,
		Timeout:         timeout,
	}

	addr := target.Addr()
	logger.Debug("connecting", zap.String("addr", addr))

	dialer := net.Dialer{Timeout: timeout}
	netConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	// The handshake has no context of its own: bound it with a deadline and
	// tear the socket down if ctx ends first.
	netConn.SetDeadline(time.Now().Add(timeout))
	stop := context.AfterFunc(ctx, func() { netConn.Close() })
	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, addr, cfg)
	stopped := stop()
	if err != nil {
		netConn.Close()
		if ctx.Err() != nil {
			return nil, fmt.Errorf("ssh handshake with %s: %w", addr, ctx.Err())
		}
		return nil, fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}
	if !stopped {
		sshConn.Close()
		return nil, fmt.Errorf("ssh handshake with %s: %w", addr, ctx.Err())
	}
	netConn.SetDeadline(time.Time{})

	keepCtx, keepCancel := context.WithCancel(context.Background())
	c := &Conn{
		client: ssh.NewClient(sshConn, chans, reqs),
		target: target,
		logger: logger,
		cancel: keepCancel,
		done:   make(chan struct{}),
	}

	interval := opts.KeepaliveInterval
	if interval == 0 {
		interval = keepaliveInterval
	}
	if interval > 0 {
		go c.keepalive(keepCtx, interval)
	} else {
		close(c.done)
	}

	logger.Debug("connected", zap.String("server_version", string(sshConn.ServerVersion())))
	return c, nil
}

// Client returns the underlying SSH client.
func (c *Conn) Client() *ssh.Client { return c.client }

// Target returns the endpoint this connection was dialed to.
func (c *Conn) Target() Target { return c.target }

// DialContext opens a connection from the remote host to addr. network is
// "tcp" for direct-tcpip forwarding or "unix" for a remote unix socket.
func (c *Conn) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	conn, err := c.client.DialContext(ctx, network, addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s %s via %s: %w", network, addr, c.target, err)
	}
	return conn, nil
}

// Alive sends one keepalive request and reports whether it was answered.
func (c *Conn) Alive() bool {
	_, _, err := c.client.SendRequest("keepalive@openssh.com", true, nil)
	return err == nil
}

// Close stops the keepalive loop and closes the connection. It is safe to
// call more than once.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.cancel()
		if err := c.client.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			c.closeErr = fmt.Errorf("close ssh connection to %s: %w", c.target, err)
		}
		<-c.done
		c.logger.Debug("disconnected")
	})
	return c.closeErr
}

// Wait blocks until the connection is closed, by either side.
func (c *Conn) Wait() error {
	return c.client.Wait()
}

// keepalive sends periodic keepalive requests to detect dead connections.
// A failed request closes the client so pending reads and sessions end.
func (c *Conn) keepalive(ctx context.Context, interval time.Duration) {
	defer close(c.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// SendRequest with wantReply=true acts as a keepalive check
			if _, _, err := c.client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
				c.logger.Warn("keepalive failed, closing connection", zap.Error(err))
				c.client.Close()
				return
			}
		}
	}
}
