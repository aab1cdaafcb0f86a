package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/ini.v1"
	"gopkg.in/yaml.v3"
)

const (
	defaultBackend        = "swarm"
	defaultConnectTimeout = 15 * time.Second
	defaultDockerSocket   = "/var/run/docker.sock"
	defaultNamespace      = "default"
	defaultKnownHosts     = "~/.ssh/known_hosts"
	defaultSSHConfig      = "~/.ssh/config"
	exeConfigName         = "dlog.conf"
)

// defaultConfigPaths are tried in order when no config path is given.
var defaultConfigPaths = []string{
	"~/.config/dlog/config.toml",
	"~/.config/dlog/config.yaml",
	"~/.config/dlog/config",
}

// ErrNoTarget is returned by ResolveTarget when neither the command line nor
// the configuration names an SSH target.
var ErrNoTarget = errors.New("ssh target not specified")

// Settings holds everything dlog needs besides the positional arguments.
// Environment variables (DLOG_*) override the config file, which overrides
// the defaults. The variable names are spelled out in full and processed
// without a prefix so that unprefixed names like TARGET are never consulted.
type Settings struct {
	ConfigPath      string        `envconfig:"DLOG_CONFIG"`
	Target          string        `envconfig:"DLOG_TARGET"`
	Backend         string        `envconfig:"DLOG_BACKEND"`
	IdentityFiles   []string      `envconfig:"DLOG_IDENTITY_FILES"`
	KnownHosts      string        `envconfig:"DLOG_KNOWN_HOSTS"`
	SSHConfig       string        `envconfig:"DLOG_SSH_CONFIG"`
	InsecureHostKey bool          `envconfig:"DLOG_INSECURE_HOST_KEY"`
	ConnectTimeout  time.Duration `envconfig:"DLOG_CONNECT_TIMEOUT"`
	DockerSocket    string        `envconfig:"DLOG_DOCKER_SOCKET"`
	Kubeconfig      string        `envconfig:"DLOG_KUBECONFIG"`
	Namespace       string        `envconfig:"DLOG_NAMESPACE"`
	LogFile         string        `envconfig:"DLOG_LOG_FILE"`
}

// fileSettings mirrors the config file. Keys live under [default], the
// layout the ini-style dlog.conf always used. That file is still read as ini.
type fileSettings struct {
	Default fileSection `toml:"default" yaml:"default"`
}

type fileSection struct {
	Target          string   `toml:"target" yaml:"target"`
	Backend         string   `toml:"backend" yaml:"backend"`
	IdentityFiles   []string `toml:"identity_files" yaml:"identity_files"`
	KnownHosts      string   `toml:"known_hosts" yaml:"known_hosts"`
	SSHConfig       string   `toml:"ssh_config" yaml:"ssh_config"`
	InsecureHostKey *bool    `toml:"insecure_host_key" yaml:"insecure_host_key"`
	ConnectTimeout  string   `toml:"connect_timeout" yaml:"connect_timeout"`
	DockerSocket    string   `toml:"docker_socket" yaml:"docker_socket"`
	Kubeconfig      string   `toml:"kubeconfig" yaml:"kubeconfig"`
	Namespace       string   `toml:"namespace" yaml:"namespace"`
	LogFile         string   `toml:"log_file" yaml:"log_file"`
}

// Defaults returns the settings used when nothing is configured.
func Defaults() Settings {
	return Settings{
		Backend:        defaultBackend,
		KnownHosts:     mustExpand(defaultKnownHosts),
		SSHConfig:      mustExpand(defaultSSHConfig),
		ConnectTimeout: defaultConnectTimeout,
		DockerSocket:   defaultDockerSocket,
		Namespace:      defaultNamespace,
	}
}

// Load builds Settings from the config file at path (or the first default
// location that exists when path is empty) and the DLOG_* environment.
// A missing default config file is not an error; a missing explicit one is.
func Load(path string) (Settings, error) {
	env := Settings{}
	if err := envconfig.Process("", &env); err != nil {
		return Settings{}, fmt.Errorf("read environment: %w", err)
	}
	explicit := strings.TrimSpace(path)
	if explicit == "" {
		explicit = strings.TrimSpace(env.ConfigPath)
	}

	s := Defaults()

	resolved, err := locate(explicit)
	if err != nil {
		return Settings{}, err
	}
	if resolved != "" {
		section, err := readFile(resolved)
		if err != nil {
			return Settings{}, err
		}
		if err := s.apply(section); err != nil {
			return Settings{}, fmt.Errorf("parse config %s: %w", resolved, err)
		}
	}

	if err := envconfig.Process("", &s); err != nil {
		return Settings{}, fmt.Errorf("read environment: %w", err)
	}
	s.ConfigPath = resolved
	s.normalize()
	return s, nil
}

// ResolveTarget picks the SSH target: the command line value first, then the
// configured default.
func (s Settings) ResolveTarget(flag string) (string, error) {
	if t := strings.TrimSpace(flag); t != "" {
		return t, nil
	}
	if t := strings.TrimSpace(s.Target); t != "" {
		return t, nil
	}
	return "", ErrNoTarget
}

func (s *Settings) apply(f fileSection) error {
	if v := strings.TrimSpace(f.Target); v != "" {
		s.Target = v
	}
	if v := strings.TrimSpace(f.Backend); v != "" {
		s.Backend = v
	}
	if len(f.IdentityFiles) > 0 {
		s.IdentityFiles = f.IdentityFiles
	}
	if v := strings.TrimSpace(f.KnownHosts); v != "" {
		s.KnownHosts = v
	}
	if v := strings.TrimSpace(f.SSHConfig); v != "" {
		s.SSHConfig = v
	}
	if f.InsecureHostKey != nil {
		s.InsecureHostKey = *f.InsecureHostKey
	}
	if v := strings.TrimSpace(f.ConnectTimeout); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("connect_timeout: %w", err)
		}
		s.ConnectTimeout = d
	}
	if v := strings.TrimSpace(f.DockerSocket); v != "" {
		s.DockerSocket = v
	}
	if v := strings.TrimSpace(f.Kubeconfig); v != "" {
		s.Kubeconfig = v
	}
	if v := strings.TrimSpace(f.Namespace); v != "" {
		s.Namespace = v
	}
	if v := strings.TrimSpace(f.LogFile); v != "" {
		s.LogFile = v
	}
	return nil
}

// normalize expands paths and restores defaults for values cleared to empty.
func (s *Settings) normalize() {
	s.Backend = strings.ToLower(strings.TrimSpace(s.Backend))
	if s.Backend == "" {
		s.Backend = defaultBackend
	}
	if s.ConnectTimeout <= 0 {
		s.ConnectTimeout = defaultConnectTimeout
	}
	if strings.TrimSpace(s.DockerSocket) == "" {
		s.DockerSocket = defaultDockerSocket
	}
	if strings.TrimSpace(s.Namespace) == "" {
		s.Namespace = defaultNamespace
	}
	if strings.TrimSpace(s.KnownHosts) == "" {
		s.KnownHosts = defaultKnownHosts
	}
	s.KnownHosts = mustExpand(s.KnownHosts)
	switch strings.TrimSpace(s.SSHConfig) {
	case "":
		s.SSHConfig = mustExpand(defaultSSHConfig)
	case "none":
		s.SSHConfig = "none"
	default:
		s.SSHConfig = mustExpand(s.SSHConfig)
	}

	files := s.IdentityFiles[:0:0]
	for _, f := range s.IdentityFiles {
		if strings.TrimSpace(f) == "" {
			continue
		}
		files = append(files, mustExpand(f))
	}
	s.IdentityFiles = files

	if s.Kubeconfig != "" {
		s.Kubeconfig = mustExpand(s.Kubeconfig)
	}
	if s.LogFile != "" {
		s.LogFile = mustExpand(s.LogFile)
	}
}

// locate returns the config file to read, or "" when none of the default
// locations exist.
func locate(explicit string) (string, error) {
	if explicit != "" {
		resolved, err := expandPath(explicit)
		if err != nil {
			return "", err
		}
		if _, err := os.Stat(resolved); err != nil {
			return "", fmt.Errorf("open config: %w", err)
		}
		return resolved, nil
	}

	candidates := make([]string, 0, len(defaultConfigPaths)+1)
	for _, p := range defaultConfigPaths {
		if expanded, err := expandPath(p); err == nil {
			candidates = append(candidates, expanded)
		}
	}
	if exe, err := os.Executable(); err == nil {
		candidates = append(candidates, filepath.Join(filepath.Dir(exe), exeConfigName))
	}

	for _, c := range candidates {
		info, err := os.Stat(c)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return "", fmt.Errorf("stat config: %w", err)
		}
		if !info.IsDir() {
			return c, nil
		}
	}
	return "", nil
}

func readFile(path string) (fileSection, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return fileSection{}, fmt.Errorf("read config: %w", err)
	}

	var raw fileSettings
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &raw)
	case ".toml":
		err = toml.Unmarshal(data, &raw)
	case ".conf", ".ini", ".cfg":
		raw.Default, err = readINI(data)
	default:
		// Extensionless files are TOML unless they only parse as the
		// unquoted ini layout.
		if err = toml.Unmarshal(data, &raw); err != nil {
			section, iniErr := readINI(data)
			if iniErr == nil {
				raw.Default, err = section, nil
			}
		}
	}
	if err != nil {
		return fileSection{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return raw.Default, nil
}

// readINI reads the [default] section of an ini file such as
// "[default]\ntarget = user@host". identity_files is comma separated.
func readINI(data []byte) (fileSection, error) {
	f, err := ini.LoadSources(ini.LoadOptions{}, data)
	if err != nil {
		return fileSection{}, err
	}
	sec, err := f.GetSection("default")
	if err != nil {
		return fileSection{}, nil
	}

	out := fileSection{
		Target:         sec.Key("target").String(),
		Backend:        sec.Key("backend").String(),
		KnownHosts:     sec.Key("known_hosts").String(),
		SSHConfig:      sec.Key("ssh_config").String(),
		ConnectTimeout: sec.Key("connect_timeout").String(),
		DockerSocket:   sec.Key("docker_socket").String(),
		Kubeconfig:     sec.Key("kubeconfig").String(),
		Namespace:      sec.Key("namespace").String(),
		LogFile:        sec.Key("log_file").String(),
	}
	if sec.HasKey("identity_files") {
		out.IdentityFiles = sec.Key("identity_files").Strings(",")
	}
	if sec.HasKey("insecure_host_key") {
		v, err := sec.Key("insecure_host_key").Bool()
		if err != nil {
			return fileSection{}, fmt.Errorf("insecure_host_key: %w", err)
		}
		out.InsecureHostKey = &v
	}
	return out, nil
}

func mustExpand(path string) string {
	expanded, err := expandPath(path)
	if err != nil {
		return path
	}
	return expanded
}

func expandPath(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "", fmt.Errorf("path is empty")
	}
	if strings.HasPrefix(trimmed, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home dir: %w", err)
		}
		trimmed = filepath.Join(home, strings.TrimPrefix(trimmed, "~"))
	}
	return filepath.Abs(trimmed)
}
