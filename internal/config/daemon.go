package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DaemonConfig configures the zenflo CLI and the daemon it runs. Values come
// from defaults, then ~/.zenflo/config.yaml, then the environment.
type DaemonConfig struct {
	// HomeDir holds the key, token, state and log files. Set with ZENFLO_HOME.
	HomeDir string `yaml:"-"`

	RelayURL string `yaml:"relay_url"`

	Agent AgentConfig `yaml:"agent"`

	// ControlPort is the loopback port of the control API; 0 picks one.
	ControlPort   int           `yaml:"control_port"`
	StopTimeout   time.Duration `yaml:"stop_timeout"`
	ReadyTimeout  time.Duration `yaml:"ready_timeout"`
	MaxRestarts   int           `yaml:"max_restarts"`
	RestartWindow time.Duration `yaml:"restart_window"`
	LogLines      int           `yaml:"log_lines"`
}

// AgentConfig describes the agent subprocess.
type AgentConfig struct {
	Command []string `yaml:"command"`
	Dir     string   `yaml:"dir"`
	Env     []string `yaml:"env"`
}

// Well-known files under HomeDir.
const (
	ConfigFileName = "config.yaml"
	KeyFileName    = "access.key"
	TokenFileName  = "token"
	LogFileName    = "daemon.log"
)

// ConfigPath is the optional YAML file.
func (c *DaemonConfig) ConfigPath() string { return filepath.Join(c.HomeDir, ConfigFileName) }

// KeyPath is the secret key file.
func (c *DaemonConfig) KeyPath() string { return filepath.Join(c.HomeDir, KeyFileName) }

// TokenPath is where `zenflo auth login` keeps the bearer token.
func (c *DaemonConfig) TokenPath() string { return filepath.Join(c.HomeDir, TokenFileName) }

// LogPath is the detached daemon's log file.
func (c *DaemonConfig) LogPath() string { return filepath.Join(c.HomeDir, LogFileName) }

// DefaultHomeDir is ZENFLO_HOME or ~/.zenflo.
func DefaultHomeDir() (string, error) {
	if v := os.Getenv("ZENFLO_HOME"); v != "" {
		return v, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("config: locate home directory: %w", err)
	}
	return filepath.Join(home, ".zenflo"), nil
}

func defaultDaemonConfig(homeDir string) *DaemonConfig {
	return &DaemonConfig{
		HomeDir:       homeDir,
		RelayURL:      "http://localhost:8080",
		Agent:         AgentConfig{Command: []string{"zenflo-agent"}},
		StopTimeout:   5 * time.Second,
		ReadyTimeout:  10 * time.Second,
		MaxRestarts:   5,
		RestartWindow: 10 * time.Minute,
		LogLines:      1000,
	}
}

// LoadDaemon reads the CLI and daemon configuration. A missing config file
// is fine; a malformed one is an error.
func LoadDaemon() (*DaemonConfig, error) {
	homeDir, err := DefaultHomeDir()
	if err != nil {
		return nil, err
	}
	return LoadDaemonFrom(homeDir)
}

// LoadDaemonFrom is LoadDaemon with an explicit home directory.
func LoadDaemonFrom(homeDir string) (*DaemonConfig, error) {
	cfg := defaultDaemonConfig(homeDir)

	data, err := os.ReadFile(cfg.ConfigPath())
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", cfg.ConfigPath(), err)
		}
		cfg.HomeDir = homeDir
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("config: read %s: %w", cfg.ConfigPath(), err)
	}

	cfg.RelayURL = envStr("ZENFLO_RELAY_URL", cfg.RelayURL)
	if v := os.Getenv("ZENFLO_AGENT_COMMAND"); v != "" {
		cfg.Agent.Command = strings.Fields(v)
	}
	cfg.Agent.Dir = envStr("ZENFLO_AGENT_DIR", cfg.Agent.Dir)
	cfg.ControlPort = envInt("ZENFLO_CONTROL_PORT", cfg.ControlPort)
	cfg.StopTimeout = envDuration("ZENFLO_STOP_TIMEOUT", cfg.StopTimeout)
	cfg.ReadyTimeout = envDuration("ZENFLO_READY_TIMEOUT", cfg.ReadyTimeout)
	cfg.MaxRestarts = envInt("ZENFLO_MAX_RESTARTS", cfg.MaxRestarts)
	cfg.RestartWindow = envDuration("ZENFLO_RESTART_WINDOW", cfg.RestartWindow)
	cfg.LogLines = envInt("ZENFLO_LOG_LINES", cfg.LogLines)

	if len(cfg.Agent.Command) == 0 {
		return nil, fmt.Errorf("config: agent command is empty")
	}
	return cfg, nil
}
