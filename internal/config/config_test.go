package config_test

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/quinnbmay/zenflo-sub001/internal/config"
)

func TestLoad_Defaults(t *testing.T) {
	cfg := config.Load()

	if cfg.Port != 8080 {
		t.Errorf("Port = %d, want 8080", cfg.Port)
	}
	if cfg.Store.Driver != config.DriverMemory {
		t.Errorf("Store.Driver = %q, want %q", cfg.Store.Driver, config.DriverMemory)
	}
	if cfg.Auth.TokenTTL != 24*time.Hour {
		t.Errorf("Auth.TokenTTL = %v, want 24h", cfg.Auth.TokenTTL)
	}
	if cfg.Auth.ChallengeWindow != 5*time.Minute {
		t.Errorf("Auth.ChallengeWindow = %v, want 5m", cfg.Auth.ChallengeWindow)
	}
	if cfg.Auth.KeyPolicy != "auto" {
		t.Errorf("Auth.KeyPolicy = %q, want auto", cfg.Auth.KeyPolicy)
	}
	if cfg.Telemetry.Enabled {
		t.Error("Telemetry.Enabled = true, want false")
	}
	if cfg.Telemetry.SampleRatio != 1 {
		t.Errorf("Telemetry.SampleRatio = %v, want 1", cfg.Telemetry.SampleRatio)
	}
	if cfg.TrustProxy {
		t.Error("TrustProxy = true, want false")
	}
}

func TestLoad_Env(t *testing.T) {
	t.Setenv("ZENFLO_PORT", "9090")
	t.Setenv("ZENFLO_STORE", "SQLite")
	t.Setenv("ZENFLO_TOKEN_TTL", "90m")
	t.Setenv("ZENFLO_OPERATOR_KEYS", "a, b,,c")
	t.Setenv("ZENFLO_PUSH_ENABLED", "true")
	t.Setenv("ZENFLO_ACTION_TIMEOUT", "not-a-duration")
	t.Setenv("ZENFLO_TRUST_PROXY", "true")
	t.Setenv("ZENFLO_TRACE_SAMPLE_RATIO", "0.25")
	t.Setenv("OTEL_EXPORTER_OTLP_INSECURE", "false")

	cfg := config.Load()

	if cfg.Port != 9090 {
		t.Errorf("Port = %d, want 9090", cfg.Port)
	}
	if cfg.Store.Driver != config.DriverSQLite {
		t.Errorf("Store.Driver = %q, want %q", cfg.Store.Driver, config.DriverSQLite)
	}
	if cfg.Auth.TokenTTL != 90*time.Minute {
		t.Errorf("Auth.TokenTTL = %v, want 90m", cfg.Auth.TokenTTL)
	}
	if want := []string{"a", "b", "c"}; !reflect.DeepEqual(cfg.Auth.OperatorKeys, want) {
		t.Errorf("Auth.OperatorKeys = %v, want %v", cfg.Auth.OperatorKeys, want)
	}
	if !cfg.Push.Enabled {
		t.Error("Push.Enabled = false, want true")
	}
	if cfg.Bridge.ActionTimeout != 10*time.Second {
		t.Errorf("Bridge.ActionTimeout = %v, want fallback 10s", cfg.Bridge.ActionTimeout)
	}
	if !cfg.TrustProxy {
		t.Error("TrustProxy = false, want true")
	}
	if cfg.Telemetry.SampleRatio != 0.25 {
		t.Errorf("Telemetry.SampleRatio = %v, want 0.25", cfg.Telemetry.SampleRatio)
	}
	if cfg.Telemetry.Insecure {
		t.Error("Telemetry.Insecure = true, want false")
	}
}

func TestLoadDaemonFrom_Defaults(t *testing.T) {
	home := t.TempDir()

	cfg, err := config.LoadDaemonFrom(home)
	if err != nil {
		t.Fatalf("LoadDaemonFrom() error = %v", err)
	}
	if cfg.HomeDir != home {
		t.Errorf("HomeDir = %q, want %q", cfg.HomeDir, home)
	}
	if cfg.MaxRestarts != 5 {
		t.Errorf("MaxRestarts = %d, want 5", cfg.MaxRestarts)
	}
	if got, want := cfg.KeyPath(), filepath.Join(home, "access.key"); got != want {
		t.Errorf("KeyPath() = %q, want %q", got, want)
	}
}

func TestLoadDaemonFrom_FileThenEnv(t *testing.T) {
	home := t.TempDir()
	yml := `relay_url: https://relay.example.com
agent:
  command: ["my-agent", "--json"]
  dir: /work
stop_timeout: 2s
max_restarts: 1
restart_window: 1m
`
	if err := os.WriteFile(filepath.Join(home, config.ConfigFileName), []byte(yml), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("ZENFLO_MAX_RESTARTS", "7")

	cfg, err := config.LoadDaemonFrom(home)
	if err != nil {
		t.Fatalf("LoadDaemonFrom() error = %v", err)
	}
	if cfg.RelayURL != "https://relay.example.com" {
		t.Errorf("RelayURL = %q, want file value", cfg.RelayURL)
	}
	if want := []string{"my-agent", "--json"}; !reflect.DeepEqual(cfg.Agent.Command, want) {
		t.Errorf("Agent.Command = %v, want %v", cfg.Agent.Command, want)
	}
	if cfg.StopTimeout != 2*time.Second {
		t.Errorf("StopTimeout = %v, want 2s", cfg.StopTimeout)
	}
	if cfg.RestartWindow != time.Minute {
		t.Errorf("RestartWindow = %v, want 1m", cfg.RestartWindow)
	}
	if cfg.MaxRestarts != 7 {
		t.Errorf("MaxRestarts = %d, want env value 7", cfg.MaxRestarts)
	}
	if cfg.ReadyTimeout != 10*time.Second {
		t.Errorf("ReadyTimeout = %v, want default 10s", cfg.ReadyTimeout)
	}
}

func TestLoadDaemonFrom_Malformed(t *testing.T) {
	home := t.TempDir()
	if err := os.WriteFile(filepath.Join(home, config.ConfigFileName), []byte("agent: [unclosed"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := config.LoadDaemonFrom(home); err == nil {
		t.Error("LoadDaemonFrom() error = nil, want parse error")
	}
}

func TestLoadDaemonFrom_AgentCommandEnv(t *testing.T) {
	t.Setenv("ZENFLO_AGENT_COMMAND", "claude  --output json")

	cfg, err := config.LoadDaemonFrom(t.TempDir())
	if err != nil {
		t.Fatalf("LoadDaemonFrom() error = %v", err)
	}
	if want := []string{"claude", "--output", "json"}; !reflect.DeepEqual(cfg.Agent.Command, want) {
		t.Errorf("Agent.Command = %v, want %v", cfg.Agent.Command, want)
	}
}
