// Command dlog searches the logs of a container orchestrator service on a
// remote host over SSH, keeping multi-line entries together and highlighting
// the keyword.
//
//	dlog [user@host] <service> [keyword] [flags]
//	dlog services [user@host] [flags]
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/gluk-w/dlog/internal/config"
	"github.com/gluk-w/dlog/internal/logfilter"
	"github.com/gluk-w/dlog/internal/logging"
	"github.com/gluk-w/dlog/internal/logutil"
	"github.com/gluk-w/dlog/internal/orchestrator"
	"github.com/gluk-w/dlog/internal/sshproxy"
)

func main() {
	os.Exit(run())
}

func run() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return execute(ctx, os.Args[1:], os.Stdout, os.Stderr)
}

// execute runs the command line and returns the process exit code. Errors
// are styled according to --color as parsed for this invocation.
func execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cmd := newRootCmd(stdout, stderr)
	cmd.SetArgs(args)
	if err := cmd.ExecuteContext(ctx); err != nil {
		mode, _ := cmd.PersistentFlags().GetString("color")
		printError(stderr, colorEnabled(mode, stderr), err)
		return 1
	}
	return 0
}

// options are the command line flags shared by every command.
type options struct {
	lines      int
	follow     bool
	ignoreCase bool

	configPath      string
	backend         string
	identities      []string
	knownHosts      string
	sshConfig       string
	insecureHostKey bool
	namespace       string
	color           string
	verbose         bool
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	o := &options{}
	cmd := &cobra.Command{
		Use:   "dlog [user@host] <service> [keyword]",
		Short: "Search the logs of a service on a remote host",
		Long: "dlog connects to a remote host over SSH, streams the logs of a Docker Swarm\n" +
			"(or Docker, or Kubernetes) service and prints the entries containing keyword,\n" +
			"keeping multi-line entries such as stack traces together.",
		Example:       "  dlog user@host my-api ERROR -n 200 -i\n  dlog my-api ERROR -f",
		Args:          cobra.RangeArgs(1, 3),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			target, service, keyword, err := resolveArgs(args)
			if err != nil {
				return err
			}
			return runLogs(cmd.Context(), o, cmd.Flags().Changed, stdout, stderr, target, service, keyword)
		},
	}
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	f := cmd.Flags()
	f.IntVarP(&o.lines, "lines", "n", 100, "number of recent lines to show")
	f.BoolVarP(&o.follow, "follow", "f", false, "follow log output in real time")
	f.BoolVarP(&o.ignoreCase, "ignore-case", "i", false, "case-insensitive keyword search")
	bindConnectionFlags(cmd, o)

	cmd.AddCommand(newServicesCmd(o, stdout))
	return cmd
}

// bindConnectionFlags registers the flags every command needs to reach the
// remote orchestrator.
func bindConnectionFlags(cmd *cobra.Command, o *options) {
	f := cmd.PersistentFlags()
	f.StringVar(&o.configPath, "config", "", "config file (default ~/.config/dlog/config.toml)")
	f.StringVar(&o.backend, "backend", "", "orchestrator backend: swarm, docker, kubernetes or auto")
	f.StringSliceVar(&o.identities, "identity", nil, "SSH private key file (repeatable)")
	f.StringVar(&o.knownHosts, "known-hosts", "", "known_hosts file (default ~/.ssh/known_hosts)")
	f.StringVarP(&o.sshConfig, "ssh-config", "F", "", "OpenSSH client config, or none (default ~/.ssh/config)")
	f.BoolVar(&o.insecureHostKey, "insecure-host-key", false, "skip SSH host key verification")
	f.StringVar(&o.namespace, "namespace", "", "kubernetes namespace")
	f.StringVar(&o.color, "color", "auto", "highlight matches: auto, always or never")
	f.BoolVarP(&o.verbose, "verbose", "v", false, "debug logging on stderr")
}

// resolveArgs splits the positional arguments. A first argument containing
// '@' is the SSH target; otherwise the target comes from configuration.
func resolveArgs(args []string) (target, service, keyword string, err error) {
	if len(args) > 0 && strings.Contains(args[0], "@") {
		target = args[0]
		args = args[1:]
	} else if len(args) > 2 {
		return "", "", "", fmt.Errorf("too many arguments: %q (the first argument is not a user@host target)", args)
	}
	if len(args) > 0 {
		service = args[0]
	}
	if len(args) > 1 {
		keyword = args[1]
	}
	if service == "" {
		return "", "", "", errors.New("the service name is required")
	}
	return target, service, keyword, nil
}

// session is everything a command needs once settings are resolved.
type session struct {
	settings config.Settings
	target   sshproxy.Target
	conn     *sshproxy.Conn
	backend  orchestrator.Backend
	cleanup  func()
}

func (s *session) Close() {
	if s.backend != nil {
		s.backend.Close()
	}
	if s.conn != nil {
		s.conn.Close()
	}
	if s.cleanup != nil {
		s.cleanup()
	}
}

// connect loads settings, overlays changed flags, starts logging and opens
// the SSH connection and backend.
func connect(ctx context.Context, o *options, changed func(string) bool, targetArg string) (*session, error) {
	settings, err := config.Load(o.configPath)
	if err != nil {
		return nil, err
	}
	applyFlags(&settings, o, changed)

	cleanup, err := logging.Init(logging.Options{Verbose: o.verbose, FilePath: settings.LogFile})
	if err != nil {
		return nil, err
	}
	s := &session{settings: settings, cleanup: cleanup}

	targetStr, err := settings.ResolveTarget(targetArg)
	if err != nil {
		s.Close()
		return nil, err
	}
	sshConfig, err := sshproxy.LoadSSHConfig(settings.SSHConfig)
	if err != nil {
		s.Close()
		return nil, err
	}
	var hostIdentities []string
	if s.target, hostIdentities, err = sshConfig.Target(targetStr); err != nil {
		s.Close()
		return nil, err
	}

	zap.L().Debug("settings",
		zap.String("config", settings.ConfigPath),
		zap.String("target", s.target.String()),
		zap.String("backend", settings.Backend))

	s.conn, err = sshproxy.Dial(ctx, s.target, sshproxy.DialOptions{
		Auth: sshproxy.AuthOptions{
			IdentityFiles:     settings.IdentityFiles,
			HostIdentityFiles: hostIdentities,
		},
		KnownHostsFiles: []string{settings.KnownHosts},
		InsecureHostKey: settings.InsecureHostKey,
		Timeout:         settings.ConnectTimeout,
	})
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("connect to %s: %w", s.target, err)
	}

	s.backend, err = orchestrator.Open(ctx, s.conn, orchestrator.Options{
		Backend:      settings.Backend,
		DockerSocket: settings.DockerSocket,
		Kubeconfig:   settings.Kubeconfig,
		Namespace:    settings.Namespace,
	})
	if err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func applyFlags(s *config.Settings, o *options, changed func(string) bool) {
	if changed("backend") {
		s.Backend = strings.ToLower(o.backend)
	}
	if changed("identity") {
		s.IdentityFiles = o.identities
	}
	if changed("known-hosts") {
		s.KnownHosts = o.knownHosts
	}
	if changed("ssh-config") {
		s.SSHConfig = o.sshConfig
	}
	if changed("insecure-host-key") {
		s.InsecureHostKey = o.insecureHostKey
	}
	if changed("namespace") {
		s.Namespace = o.namespace
	}
}

func runLogs(ctx context.Context, o *options, changed func(string) bool, stdout, stderr io.Writer, targetArg, service, keyword string) error {
	s, err := connect(ctx, o, changed, targetArg)
	if err != nil {
		return err
	}
	defer s.Close()
	logger := zap.L()

	svc, err := orchestrator.FindService(ctx, s.backend, service)
	if err != nil {
		var noSvc *orchestrator.NoServiceError
		if errors.As(err, &noSvc) {
			noSvc.Host = s.target.String()
		}
		return err
	}

	color := colorEnabled(o.color, stdout)
	fmt.Fprintln(stdout, banner(color, svc.Name, s.target.String()))

	rc, err := s.backend.StreamServiceLogs(ctx, svc.Name, orchestrator.StreamOptions{Tail: o.lines, Follow: o.follow})
	if err != nil {
		return fmt.Errorf("stream logs for %s: %w", svc.Name, err)
	}

	marker := logfilter.NoMarker
	if color {
		marker = logfilter.DefaultMarker
	}
	engine := logfilter.New(stdout, logfilter.Options{
		Keyword:    keyword,
		IgnoreCase: o.ignoreCase,
		Marker:     marker,
	})
	logger.Debug("filtering",
		zap.String("service", logutil.SanitizeForLog(svc.Name)),
		zap.String("keyword", logutil.SanitizeForLog(keyword)),
		zap.Bool("ignore_case", o.ignoreCase))

	runErr := logfilter.Run(ctx, rc, engine)
	closeErr := rc.Close()

	st := engine.Stats()
	logger.Debug("stream ended",
		zap.Int("lines_in", st.LinesIn),
		zap.Int("lines_out", st.LinesOut),
		zap.Int("entries_matched", st.EntriesMatched),
		zap.Int("lines_dropped", st.LinesDropped))

	if ctx.Err() != nil {
		fmt.Fprintln(stdout, "\nExiting log stream.")
		return nil
	}
	if runErr != nil {
		return runErr
	}
	var remote *sshproxy.RemoteError
	if errors.As(closeErr, &remote) {
		if remote.Interrupted() {
			return nil
		}
		logger.Debug("remote command failed",
			zap.Int("status", remote.ExitStatus),
			zap.String("stderr", logutil.SanitizeForLog(remote.Stderr)))
		return &streamError{service: svc.Name, err: remote}
	}
	return closeErr
}

// streamError reports a log command that failed on the remote host.
type streamError struct {
	service string
	err     *sshproxy.RemoteError
}

func (e *streamError) Error() string {
	msg := strings.TrimSpace(e.err.Stderr)
	if msg == "" {
		msg = e.err.Error()
	}
	return fmt.Sprintf("Error streaming logs from %s:\n%s", e.service, msg)
}

func (e *streamError) Unwrap() error { return e.err }
