package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	Dir        = ".sandterm"
	ConfigFile = "config.yaml"
	StateFile  = "state.json"
)

// Backend modes.
const (
	ModeRemote = "remote"
	ModeLocal  = "local"
	ModeHybrid = "hybrid"
)

type Config struct {
	Version    string   `yaml:"version"`
	Mode       string   `yaml:"mode"`
	Remote     Remote   `yaml:"remote"`
	Local      Local    `yaml:"local"`
	Timeouts   Timeouts `yaml:"timeouts"`
	Health     Health   `yaml:"health"`
	Stream     Stream   `yaml:"stream"`
	Guardrails string   `yaml:"guardrails,omitempty"`
	Log        Log      `yaml:"log"`
}

// Remote describes the ptyd endpoint backing the remote backend.
type Remote struct {
	URL   string `yaml:"url"`
	Token string `yaml:"token,omitempty"`
	Shell string `yaml:"shell"`
	Cols  int    `yaml:"cols"`
	Rows  int    `yaml:"rows"`
}

// Local describes how the tmux backend reaches a shell.
type Local struct {
	// Connection is "host" or "container:<box>".
	Connection   string        `yaml:"connection"`
	Shell        string        `yaml:"shell"`
	HistoryLimit int           `yaml:"history_limit"`
	PollInterval time.Duration `yaml:"poll_interval"`
	Image        string        `yaml:"image,omitempty"`
	Dockerfile   string        `yaml:"dockerfile,omitempty"`

	// Ports are container ports a box publishes on random host ports.
	Ports []int             `yaml:"ports,omitempty"`
	Env   map[string]string `yaml:"env,omitempty"`
}

type Timeouts struct {
	Exec time.Duration `yaml:"exec"`
	Wait time.Duration `yaml:"wait"`
	Max  time.Duration `yaml:"max"`
}

type Health struct {
	ProbeTimeout     time.Duration `yaml:"probe_timeout"`
	FailureThreshold int           `yaml:"failure_threshold"`
	BackoffBase      time.Duration `yaml:"backoff_base"`
	BackoffMax       time.Duration `yaml:"backoff_max"`
}

type Stream struct {
	// Budget is the number of characters forwarded per command.
	Budget int `yaml:"budget"`
}

type Log struct {
	Level string `yaml:"level"`
	File  string `yaml:"file,omitempty"`
}

// Default returns a config with every field populated.
func Default() *Config {
	cfg := &Config{Version: "1"}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills zero-valued fields.
func (c *Config) ApplyDefaults() {
	if c.Mode == "" {
		c.Mode = ModeHybrid
	}
	if c.Remote.URL == "" {
		c.Remote.URL = "http://127.0.0.1:7681"
	}
	if c.Remote.Shell == "" {
		c.Remote.Shell = "bash"
	}
	if c.Remote.Cols == 0 {
		c.Remote.Cols = 200
	}
	if c.Remote.Rows == 0 {
		c.Remote.Rows = 50
	}
	if c.Local.Connection == "" {
		c.Local.Connection = "host"
	}
	if c.Local.Shell == "" {
		c.Local.Shell = "bash"
	}
	if c.Local.HistoryLimit == 0 {
		c.Local.HistoryLimit = 50000
	}
	if c.Local.PollInterval == 0 {
		c.Local.PollInterval = 500 * time.Millisecond
	}
	if c.Local.Image == "" {
		c.Local.Image = "sandterm-box"
	}
	if c.Local.Dockerfile == "" {
		c.Local.Dockerfile = filepath.Join(Dir, "Dockerfile")
	}
	if c.Timeouts.Exec == 0 {
		c.Timeouts.Exec = 30 * time.Second
	}
	if c.Timeouts.Wait == 0 {
		c.Timeouts.Wait = 300 * time.Second
	}
	if c.Timeouts.Max == 0 {
		c.Timeouts.Max = 600 * time.Second
	}
	if c.Health.ProbeTimeout == 0 {
		c.Health.ProbeTimeout = 5 * time.Second
	}
	if c.Health.FailureThreshold == 0 {
		c.Health.FailureThreshold = 3
	}
	if c.Health.BackoffBase == 0 {
		c.Health.BackoffBase = 250 * time.Millisecond
	}
	if c.Health.BackoffMax == 0 {
		c.Health.BackoffMax = 2 * time.Second
	}
	if c.Stream.Budget == 0 {
		c.Stream.Budget = 30000
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// Validate reports settings that cannot work.
func (c *Config) Validate() error {
	switch c.Mode {
	case ModeRemote, ModeLocal, ModeHybrid:
	default:
		return fmt.Errorf("unknown mode %q (want remote, local or hybrid)", c.Mode)
	}
	if _, _, err := ParseConnection(c.Local.Connection); err != nil {
		return err
	}
	if c.Timeouts.Exec > c.Timeouts.Max || c.Timeouts.Wait > c.Timeouts.Max {
		return fmt.Errorf("default timeouts must not exceed timeouts.max (%s)", c.Timeouts.Max)
	}
	if c.Health.FailureThreshold < 1 {
		return fmt.Errorf("health.failure_threshold must be at least 1")
	}
	return nil
}

// ParseConnection splits a local connection string into its kind and box
// name. "host" has no box name.
func ParseConnection(s string) (kind, box string, err error) {
	switch {
	case s == "host":
		return "host", "", nil
	case len(s) > len("container:") && s[:len("container:")] == "container:":
		return "container", s[len("container:"):], nil
	default:
		return "", "", fmt.Errorf("invalid local connection %q (want host or container:<name>)", s)
	}
}

// Load reads config from .sandterm/config.yaml relative to projectDir and
// fills defaults. A missing file yields the default config.
func Load(projectDir string) (*Config, error) {
	path := filepath.Join(projectDir, Dir, ConfigFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("reading config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// Save writes config to .sandterm/config.yaml relative to projectDir.
func Save(projectDir string, cfg *Config) error {
	dir := filepath.Join(projectDir, Dir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	path := filepath.Join(dir, ConfigFile)
	return os.WriteFile(path, data, 0o644)
}

// ConfigPath returns the path to the config directory.
func ConfigPath(projectDir string) string {
	return filepath.Join(projectDir, Dir)
}

// Exists returns true if .sandterm/config.yaml exists.
func Exists(projectDir string) bool {
	path := filepath.Join(projectDir, Dir, ConfigFile)
	_, err := os.Stat(path)
	return err == nil
}
