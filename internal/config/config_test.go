package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}

	if cfg.Pressure.Interval != 1*time.Second {
		t.Errorf("expected pressure interval 1s, got %v", cfg.Pressure.Interval)
	}
	if cfg.Monitor.HistorySize != 720 {
		t.Errorf("expected monitor history size 720, got %d", cfg.Monitor.HistorySize)
	}
	if cfg.Monitor.SpikeThresholdMB != 50 {
		t.Errorf("expected spike threshold 50MB, got %g", cfg.Monitor.SpikeThresholdMB)
	}
	if cfg.Tracker.MaxTrackedObjects != 5000 {
		t.Errorf("expected max tracked objects 5000, got %d", cfg.Tracker.MaxTrackedObjects)
	}
	if cfg.API.Prefix != "/memory" {
		t.Errorf("expected API prefix /memory, got %s", cfg.API.Prefix)
	}
}

func TestLoadFromYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "memdiag.yaml")

	yamlContent := `
pressure:
  enabled: true
  interval: 2s
  ratio: 0.9
  adaptive: false
  in_pressure_sample: 60s
  section_history: 25
monitor:
  enabled: true
  interval: 10s
  history_size: 360
  spike_threshold_mb: 100
  spike_history_size: 50
  flush_interval: 30s
snapshot:
  engine: badger
  data_path: /tmp/memdiag-test
  retention: 3
`
	if err := os.WriteFile(path, []byte(yamlContent), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if cfg.Pressure.Interval != 2*time.Second {
		t.Errorf("expected pressure interval 2s, got %v", cfg.Pressure.Interval)
	}
	if cfg.Pressure.Ratio != 0.9 {
		t.Errorf("expected ratio 0.9, got %g", cfg.Pressure.Ratio)
	}
	if cfg.Pressure.Adaptive {
		t.Error("expected adaptive mode disabled")
	}
	if cfg.Monitor.HistorySize != 360 {
		t.Errorf("expected history size 360, got %d", cfg.Monitor.HistorySize)
	}
	if cfg.Snapshot.Engine != "badger" {
		t.Errorf("expected badger engine, got %s", cfg.Snapshot.Engine)
	}
	if cfg.Snapshot.Retention != 3 {
		t.Errorf("expected retention 3, got %d", cfg.Snapshot.Retention)
	}

	// Untouched sections keep their defaults.
	if cfg.Tracker.Interval != 60*time.Second {
		t.Errorf("expected tracker interval default 60s, got %v", cfg.Tracker.Interval)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	if err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestLoadUnsupportedFormat(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte("x = 1"), 0644); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for unsupported config format")
	}
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("MEMDIAG_PRESSURE_RATIO", "0.75")
	t.Setenv("MEMDIAG_MONITOR_SPIKE_MB", "25")
	t.Setenv("MEMDIAG_TRACKER_DENY_TYPES", "bytes.Buffer,sync.Map")
	t.Setenv("MEMDIAG_API_AUTH_TOKEN", "sekrit")
	t.Setenv("MEMDIAG_LOG_LEVEL", "debug")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if cfg.Pressure.Ratio != 0.75 {
		t.Errorf("expected ratio 0.75 from env, got %g", cfg.Pressure.Ratio)
	}
	if cfg.Monitor.SpikeThresholdMB != 25 {
		t.Errorf("expected spike threshold 25 from env, got %g", cfg.Monitor.SpikeThresholdMB)
	}
	if len(cfg.Tracker.TypeDenyList) != 2 || cfg.Tracker.TypeDenyList[0] != "bytes.Buffer" {
		t.Errorf("unexpected deny list: %v", cfg.Tracker.TypeDenyList)
	}
	if cfg.API.AuthToken != "sekrit" {
		t.Errorf("expected auth token from env, got %q", cfg.API.AuthToken)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("expected log level debug from env, got %s", cfg.Logging.Level)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero tracker interval", func(c *Config) { c.Tracker.Interval = 0 }},
		{"negative max objects", func(c *Config) { c.Tracker.MaxTrackedObjects = -1 }},
		{"ratio above one", func(c *Config) { c.Pressure.Ratio = 1.5 }},
		{"ratio zero", func(c *Config) { c.Pressure.Ratio = 0 }},
		{"zero monitor history", func(c *Config) { c.Monitor.HistorySize = 0 }},
		{"zero spike threshold", func(c *Config) { c.Monitor.SpikeThresholdMB = 0 }},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }},
		{"bad metrics port", func(c *Config) { c.Metrics.Port = 70000 }},
		{"prefix without slash", func(c *Config) { c.API.Prefix = "memory" }},
		{"unknown snapshot engine", func(c *Config) { c.Snapshot.Engine = "postgres" }},
		{"zero retention", func(c *Config) { c.Snapshot.Retention = 0 }},
		{"publish without addr", func(c *Config) {
			c.Publish.Enabled = true
			c.Publish.Addr = ""
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Errorf("expected validation error for %s", tc.name)
			}
		})
	}
}

func TestConfigString(t *testing.T) {
	cfg := DefaultConfig()
	s := cfg.String()
	if s == "" {
		t.Fatal("expected non-empty YAML rendering")
	}
}
