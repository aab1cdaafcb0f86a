// Package sshtest runs an in-process SSH server for tests of code that talks
// to a remote host over SSH.
//
// The server accepts one client key, records every exec'd command and hands
// each command to a Handler along with the session's stdout and stderr. It
// also forwards direct-tcpip and direct-streamlocal channels so port and
// unix-socket forwarding can be exercised against local listeners.
package sshtest

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// Exec is one exec request seen by the server.
type Exec struct {
	Command string
	Stdout  io.Writer
	Stderr  io.Writer

	// Done is closed once the client closes its side of the session.
	Done <-chan struct{}

	// ExitSignal, when set by the handler, is reported as an exit-signal
	// (e.g. "INT") instead of an exit status.
	ExitSignal string
}

// Handler runs a command and returns its exit status.
type Handler func(e *Exec) int

// Server is an in-process SSH server bound to 127.0.0.1.
type Server struct {
	Addr         string
	HostKey      ssh.PublicKey
	ClientSigner ssh.Signer

	clientKeyPEM []byte
	config       *ssh.ServerConfig
	handler      Handler
	listener     net.Listener
	done         chan struct{}

	mu       sync.Mutex
	conns    []net.Conn
	commands []string
	sockets  map[string]string // remote socket path -> local socket path
}

// NewServer starts a server and registers its shutdown with t.Cleanup.
func NewServer(t testing.TB, handler Handler) *Server {
	t.Helper()

	_, clientPEM, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate client key: %v", err)
	}
	clientSigner, err := ssh.ParsePrivateKey(clientPEM)
	if err != nil {
		t.Fatalf("parse client key: %v", err)
	}
	_, hostPEM, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate host key: %v", err)
	}
	hostSigner, err := ssh.ParsePrivateKey(hostPEM)
	if err != nil {
		t.Fatalf("parse host key: %v", err)
	}

	s := &Server{
		HostKey:      hostSigner.PublicKey(),
		ClientSigner: clientSigner,
		clientKeyPEM: clientPEM,
		handler:      handler,
		done:         make(chan struct{}),
		sockets:      make(map[string]string),
	}
	s.config = &ssh.ServerConfig{
		PublicKeyCallback: func(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if ssh.FingerprintSHA256(key) == ssh.FingerprintSHA256(clientSigner.PublicKey()) {
				return &ssh.Permissions{}, nil
			}
			return nil, fmt.Errorf("unknown public key")
		},
	}
	s.config.AddHostKey(hostSigner)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s.listener = listener
	s.Addr = listener.Addr().String()

	go s.serve()
	t.Cleanup(s.Close)
	return s
}

// Host returns the listening IP address.
func (s *Server) Host() string {
	host, _, _ := net.SplitHostPort(s.Addr)
	return host
}

// Port returns the listening port.
func (s *Server) Port() int {
	_, port, _ := net.SplitHostPort(s.Addr)
	n, _ := strconv.Atoi(port)
	return n
}

// Commands returns the exec'd commands in arrival order.
func (s *Server) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

// ForwardUnix makes direct-streamlocal requests for remotePath connect to
// the local unix socket at localPath.
func (s *Server) ForwardUnix(remotePath, localPath string) {
	s.mu.Lock()
	s.sockets[remotePath] = localPath
	s.mu.Unlock()
}

// WriteIdentity writes the accepted client private key into dir and returns
// its path.
func (s *Server) WriteIdentity(t testing.TB, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "id_ed25519")
	if err := os.WriteFile(path, s.clientKeyPEM, 0o600); err != nil {
		t.Fatalf("write identity: %v", err)
	}
	return path
}

// WriteKnownHosts writes a known_hosts file trusting the server's host key
// and returns its path.
func (s *Server) WriteKnownHosts(t testing.TB, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "known_hosts")
	line := knownhosts.Line([]string{knownhosts.Normalize(s.Addr)}, s.HostKey)
	if err := os.WriteFile(path, []byte(line+"\n"), 0o600); err != nil {
		t.Fatalf("write known_hosts: %v", err)
	}
	return path
}

// Close stops accepting connections and drops the open ones.
func (s *Server) Close() {
	s.listener.Close()
	s.mu.Lock()
	for _, c := range s.conns {
		c.Close()
	}
	s.conns = nil
	s.mu.Unlock()
	<-s.done
}

// DropConnections closes every accepted TCP connection while leaving the
// listener up.
func (s *Server) DropConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		c.Close()
	}
	s.conns = nil
}

func (s *Server) serve() {
	defer close(s.done)
	for {
		netConn, err := s.listener.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns = append(s.conns, netConn)
		s.mu.Unlock()
		go s.handleConn(netConn)
	}
}

func (s *Server) handleConn(netConn net.Conn) {
	sshConn, chans, reqs, err := ssh.NewServerConn(netConn, s.config)
	if err != nil {
		netConn.Close()
		return
	}
	defer sshConn.Close()

	go func() {
		for req := range reqs {
			if req.WantReply {
				req.Reply(true, nil)
			}
		}
	}()

	for newChan := range chans {
		switch newChan.ChannelType() {
		case "session":
			ch, requests, err := newChan.Accept()
			if err != nil {
				continue
			}
			go s.handleSession(ch, requests)
		case "direct-tcpip":
			var payload struct {
				Host     string
				Port     uint32
				OrigHost string
				OrigPort uint32
			}
			if err := ssh.Unmarshal(newChan.ExtraData(), &payload); err != nil {
				newChan.Reject(ssh.ConnectionFailed, "bad payload")
				continue
			}
			go forward(newChan, "tcp", net.JoinHostPort(payload.Host, strconv.Itoa(int(payload.Port))))
		case "direct-streamlocal@openssh.com":
			var payload struct {
				SocketPath string
				Reserved0  string
				Reserved1  uint32
			}
			if err := ssh.Unmarshal(newChan.ExtraData(), &payload); err != nil {
				newChan.Reject(ssh.ConnectionFailed, "bad payload")
				continue
			}
			s.mu.Lock()
			local, ok := s.sockets[payload.SocketPath]
			s.mu.Unlock()
			if !ok {
				newChan.Reject(ssh.ConnectionFailed, "no such socket: "+payload.SocketPath)
				continue
			}
			go forward(newChan, "unix", local)
		default:
			newChan.Reject(ssh.UnknownChannelType, "unknown channel type")
		}
	}
}

func forward(newChan ssh.NewChannel, network, addr string) {
	conn, err := net.Dial(network, addr)
	if err != nil {
		newChan.Reject(ssh.ConnectionFailed, err.Error())
		return
	}
	ch, reqs, err := newChan.Accept()
	if err != nil {
		conn.Close()
		return
	}
	go ssh.DiscardRequests(reqs)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		io.Copy(ch, conn)
		ch.CloseWrite()
	}()
	go func() {
		defer wg.Done()
		io.Copy(conn, ch)
		if cw, ok := conn.(interface{ CloseWrite() error }); ok {
			cw.CloseWrite()
		}
	}()
	wg.Wait()
	ch.Close()
	conn.Close()
}

func (s *Server) handleSession(ch ssh.Channel, requests <-chan *ssh.Request) {
	defer ch.Close()
	for req := range requests {
		if req.Type != "exec" {
			if req.WantReply {
				req.Reply(true, nil)
			}
			continue
		}

		var payload struct{ Command string }
		if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
			req.Reply(false, nil)
			return
		}
		if req.WantReply {
			req.Reply(true, nil)
		}

		s.mu.Lock()
		s.commands = append(s.commands, payload.Command)
		s.mu.Unlock()

		// The request channel closes together with the session channel,
		// stdin EOF alone does not end it.
		done := make(chan struct{})
		go io.Copy(io.Discard, ch)
		go func() {
			ssh.DiscardRequests(requests)
			close(done)
		}()

		e := &Exec{
			Command: payload.Command,
			Stdout:  ch,
			Stderr:  ch.Stderr(),
			Done:    done,
		}
		status := 127
		if s.handler != nil {
			status = s.handler(e)
		}
		if e.ExitSignal != "" {
			sendExitSignal(ch, e.ExitSignal)
		} else {
			sendExitStatus(ch, status)
		}
		return
	}
}

func sendExitStatus(ch ssh.Channel, status int) {
	ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{uint32(status)}))
}

func sendExitSignal(ch ssh.Channel, signal string) {
	ch.SendRequest("exit-signal", false, ssh.Marshal(struct {
		Signal     string
		CoreDumped bool
		Error      string
		Lang       string
	}{Signal: signal}))
}

// GenerateKeyPair generates an ED25519 key pair and returns the OpenSSH
// authorized_keys public key and the PEM-encoded private key.
func GenerateKeyPair() (publicKey, privateKeyPEM []byte, err error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate ed25519 key: %w", err)
	}

	privBytes, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal private key: %w", err)
	}
	privateKeyPEM = pem.EncodeToMemory(&pem.Block{
		Type:  "PRIVATE KEY",
		Bytes: privBytes,
	})

	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return nil, nil, fmt.Errorf("create ssh public key: %w", err)
	}
	return ssh.MarshalAuthorizedKey(sshPub), privateKeyPEM, nil
}
