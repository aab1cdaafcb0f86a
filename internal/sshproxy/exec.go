package sshproxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
)

// maxStderr caps how much remote stderr is kept for error reports.
const maxStderr = 64 * 1024

// RemoteError reports a remote command that did not exit cleanly.
type RemoteError struct {
	Command    string
	ExitStatus int
	// Signal is set when the command died from a signal, e.g. "INT".
	Signal string
	Stderr string
}

func (e *RemoteError) Error() string {
	var b strings.Builder
	if e.Signal != "" {
		fmt.Fprintf(&b, "remote command killed by signal %s", e.Signal)
	} else {
		fmt.Fprintf(&b, "remote command exited with status %d", e.ExitStatus)
	}
	if msg := strings.TrimSpace(e.Stderr); msg != "" {
		b.WriteString(": ")
		b.WriteString(msg)
	}
	return b.String()
}

// Interrupted reports whether the command ended from a signal or with the
// shell's Ctrl+C status 130.
func (e *RemoteError) Interrupted() bool {
	return e.Signal != "" || e.ExitStatus == 130
}

// Output runs cmd and returns its stdout. A non-zero exit is a *RemoteError
// carrying the captured stderr.
func (c *Conn) Output(ctx context.Context, cmd string) ([]byte, error) {
	session, err := c.client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("open ssh session: %w", err)
	}
	defer session.Close()

	var stdout bytes.Buffer
	stderr := &cappedBuffer{max: maxStderr}
	session.Stdout = &stdout
	session.Stderr = stderr

	c.logger.Debug("exec", zap.String("command", cmd))
	if err := session.Start(cmd); err != nil {
		return nil, fmt.Errorf("start remote command: %w", err)
	}

	waitErr := make(chan error, 1)
	go func() { waitErr <- session.Wait() }()

	select {
	case err := <-waitErr:
		if err != nil {
			return stdout.Bytes(), remoteError(cmd, err, stderr.String())
		}
		return stdout.Bytes(), nil
	case <-ctx.Done():
		session.Signal(ssh.SIGINT)
		session.Close()
		return nil, ctx.Err()
	}
}

// Stream is the stdout of a running remote command.
type Stream struct {
	session *ssh.Session
	stdout  io.Reader
	stderr  *cappedBuffer
	command string
	ctx     context.Context
	stop    func() bool
	logger  *zap.Logger

	eof       atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// Stream starts cmd and returns its stdout. Cancelling ctx closes the
// session, which ends pending reads.
//
// Close after the stream reached EOF waits for the command and reports a
// non-zero exit as *RemoteError. Close before EOF, or after ctx was
// cancelled, tears the session down and returns nil.
func (c *Conn) Stream(ctx context.Context, cmd string) (*Stream, error) {
	session, err := c.client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("open ssh session: %w", err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}
	stderr := &cappedBuffer{max: maxStderr}
	session.Stderr = stderr

	c.logger.Debug("stream", zap.String("command", cmd))
	if err := session.Start(cmd); err != nil {
		session.Close()
		return nil, fmt.Errorf("start remote command: %w", err)
	}

	s := &Stream{
		session: session,
		stdout:  stdout,
		stderr:  stderr,
		command: cmd,
		ctx:     ctx,
		logger:  c.logger,
	}
	s.stop = context.AfterFunc(ctx, func() { session.Close() })
	return s, nil
}

func (s *Stream) Read(p []byte) (int, error) {
	n, err := s.stdout.Read(p)
	if err == io.EOF {
		s.eof.Store(true)
	}
	return n, err
}

// Stderr returns the remote stderr captured so far.
func (s *Stream) Stderr() string { return s.stderr.String() }

func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		s.stop()
		if s.eof.Load() && s.ctx.Err() == nil {
			if err := s.session.Wait(); err != nil {
				s.closeErr = remoteError(s.command, err, s.stderr.String())
			}
		} else {
			s.session.Signal(ssh.SIGINT)
		}
		if err := s.session.Close(); err != nil && !errors.Is(err, io.EOF) {
			s.logger.Debug("close session", zap.Error(err))
		}
	})
	return s.closeErr
}

func remoteError(cmd string, err error, stderr string) error {
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		return &RemoteError{
			Command:    cmd,
			ExitStatus: exitErr.ExitStatus(),
			Signal:     exitErr.Signal(),
			Stderr:     stderr,
		}
	}
	var missing *ssh.ExitMissingError
	if errors.As(err, &missing) {
		return &RemoteError{Command: cmd, ExitStatus: -1, Stderr: stderr}
	}
	return fmt.Errorf("remote command: %w", err)
}

// ShellQuote wraps a string in single quotes, escaping any embedded single quotes.
func ShellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "'\\''") + "'"
}

// cappedBuffer keeps the first max bytes written and discards the rest.
type cappedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
	max int
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if room := b.max - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *cappedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
