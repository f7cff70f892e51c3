package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Tracker  TrackerConfig  `yaml:"tracker" json:"tracker"`
	Heap     HeapConfig     `yaml:"heap" json:"heap"`
	Pressure PressureConfig `yaml:"pressure" json:"pressure"`
	Monitor  MonitorConfig  `yaml:"monitor" json:"monitor"`
	Logging  LoggingConfig  `yaml:"logging" json:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics" json:"metrics"`
	API      APIConfig      `yaml:"api" json:"api"`
	Snapshot SnapshotConfig `yaml:"snapshot" json:"snapshot"`
	Publish  PublishConfig  `yaml:"publish" json:"publish"`
}

type TrackerConfig struct {
	Enabled           bool          `yaml:"enabled" json:"enabled"`
	Interval          time.Duration `yaml:"interval" json:"interval"`
	MaxTrackedObjects int           `yaml:"max_tracked_objects" json:"max_tracked_objects"`
	TypeAllowList     []string      `yaml:"type_allow_list" json:"type_allow_list"`
	TypeDenyList      []string      `yaml:"type_deny_list" json:"type_deny_list"`
	ReportHistorySize int           `yaml:"report_history_size" json:"report_history_size"`
}

type HeapConfig struct {
	Enabled     bool          `yaml:"enabled" json:"enabled"`
	Interval    time.Duration `yaml:"interval" json:"interval"`
	HistorySize int           `yaml:"history_size" json:"history_size"`
	TopTypes    int           `yaml:"top_types" json:"top_types"` // Top-N types by retained size in each snapshot
}

type PressureConfig struct {
	Enabled          bool          `yaml:"enabled" json:"enabled"`
	Interval         time.Duration `yaml:"interval" json:"interval"`
	Ratio            float64       `yaml:"ratio" json:"ratio"`                           // Pressure threshold as a fraction of max seen memory
	Adaptive         bool          `yaml:"adaptive" json:"adaptive"`                     // Derive threshold from recent non-pressure samples
	InPressureSample time.Duration `yaml:"in_pressure_sample" json:"in_pressure_sample"` // Minimum gap between samples while in pressure
	CaptureStacks    bool          `yaml:"capture_stacks" json:"capture_stacks"`
	SectionHistory   int           `yaml:"section_history" json:"section_history"`
}

type MonitorConfig struct {
	Enabled                    bool          `yaml:"enabled" json:"enabled"`
	Interval                   time.Duration `yaml:"interval" json:"interval"`
	HistorySize                int           `yaml:"history_size" json:"history_size"`
	SpikeThresholdMB           float64       `yaml:"spike_threshold_mb" json:"spike_threshold_mb"`
	SpikeHistorySize           int           `yaml:"spike_history_size" json:"spike_history_size"`
	FlushInterval              time.Duration `yaml:"flush_interval" json:"flush_interval"`
	MemoryLimitMB              float64       `yaml:"memory_limit_mb" json:"memory_limit_mb"` // 0 = no configured limit
	GoroutineWarnThreshold     int           `yaml:"goroutine_warn_threshold" json:"goroutine_warn_threshold"`
	GoroutineCriticalThreshold int           `yaml:"goroutine_critical_threshold" json:"goroutine_critical_threshold"`
}

type LoggingConfig struct {
	Level         string `yaml:"level" json:"level"`
	Format        string `yaml:"format" json:"format"`
	Output        string `yaml:"output" json:"output"`
	Directory     string `yaml:"directory" json:"directory"` // Dedicated directory for monitor logs and snapshots
	RotateSizeMB  int    `yaml:"rotate_size_mb" json:"rotate_size_mb"`
	RotateBackups int    `yaml:"rotate_backups" json:"rotate_backups"`
	RotateAgeDays int    `yaml:"rotate_age_days" json:"rotate_age_days"`
}

type MetricsConfig struct {
	Enabled      bool   `yaml:"enabled" json:"enabled"`
	Port         int    `yaml:"port" json:"port"`
	PortAttempts int    `yaml:"port_attempts" json:"port_attempts"` // Number of consecutive ports tried from Port
	Path         string `yaml:"path" json:"path"`
}

type APIConfig struct {
	Enabled   bool   `yaml:"enabled" json:"enabled"`
	Port      int    `yaml:"port" json:"port"`
	Prefix    string `yaml:"prefix" json:"prefix"`
	AuthToken string `yaml:"auth_token" json:"auth_token"` // Shared secret for the management endpoint
}

type SnapshotConfig struct {
	Engine    string `yaml:"engine" json:"engine"` // "file" or "badger"
	Directory string `yaml:"directory" json:"directory"`
	DataPath  string `yaml:"data_path" json:"data_path"` // Badger database path when engine is "badger"
	Retention int    `yaml:"retention" json:"retention"` // Number of snapshots kept
}

type PublishConfig struct {
	Enabled  bool          `yaml:"enabled" json:"enabled"`
	Addr     string        `yaml:"addr" json:"addr"`
	Password string        `yaml:"password" json:"password"`
	DB       int           `yaml:"db" json:"db"`
	Channel  string        `yaml:"channel" json:"channel"`
	Interval time.Duration `yaml:"interval" json:"interval"`
}

func Load(configPath string) (*Config, error) {
	config := DefaultConfig()

	if configPath != "" {
		if err := loadFromFile(config, configPath); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	loadFromEnvironment(config)

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

func DefaultConfig() *Config {
	return &Config{
		Tracker: TrackerConfig{
			Enabled:           true,
			Interval:          60 * time.Second,
			MaxTrackedObjects: 5000,
			TypeAllowList:     []string{},
			TypeDenyList:      []string{},
			ReportHistorySize: 50,
		},
		Heap: HeapConfig{
			Enabled:     true,
			Interval:    300 * time.Second,
			HistorySize: 100,
			TopTypes:    10,
		},
		Pressure: PressureConfig{
			Enabled:          true,
			Interval:         1 * time.Second,
			Ratio:            0.8,
			Adaptive:         true,
			InPressureSample: 60 * time.Second,
			CaptureStacks:    true,
			SectionHistory:   50,
		},
		Monitor: MonitorConfig{
			Enabled:                    true,
			Interval:                   5 * time.Second,
			HistorySize:                720, // 1 hour at 5s
			SpikeThresholdMB:           50,
			SpikeHistorySize:           50,
			FlushInterval:              60 * time.Second,
			MemoryLimitMB:              0,
			GoroutineWarnThreshold:     5000,
			GoroutineCriticalThreshold: 10000,
		},
		Logging: LoggingConfig{
			Level:         "info",
			Format:        "json",
			Output:        "stdout",
			Directory:     "./logs/memdiag",
			RotateSizeMB:  10,
			RotateBackups: 5,
			RotateAgeDays: 7,
		},
		Metrics: MetricsConfig{
			Enabled:      true,
			Port:         2112,
			PortAttempts: 10,
			Path:         "/metrics",
		},
		API: APIConfig{
			Enabled:   true,
			Port:      8085,
			Prefix:    "/memory",
			AuthToken: "",
		},
		Snapshot: SnapshotConfig{
			Engine:    "file",
			Directory: "./logs/memdiag",
			DataPath:  "./data/memdiag",
			Retention: 10,
		},
		Publish: PublishConfig{
			Enabled:  false,
			Addr:     "localhost:6379",
			Password: "",
			DB:       0,
			Channel:  "memdiag:issues",
			Interval: 60 * time.Second,
		},
	}
}

func loadFromFile(config *Config, configPath string) error {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	ext := strings.ToLower(filepath.Ext(configPath))

	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, config); err != nil {
			return fmt.Errorf("failed to unmarshal YAML config: %w", err)
		}
	default:
		return fmt.Errorf("unsupported config file format: %s", ext)
	}

	return nil
}

func loadFromEnvironment(config *Config) {
	// Tracker configuration
	if enabled := os.Getenv("MEMDIAG_TRACKER_ENABLED"); enabled != "" {
		if b, err := strconv.ParseBool(enabled); err == nil {
			config.Tracker.Enabled = b
		}
	}
	if interval := os.Getenv("MEMDIAG_TRACKER_INTERVAL"); interval != "" {
		if d, err := time.ParseDuration(interval); err == nil {
			config.Tracker.Interval = d
		}
	}
	if maxObjects := os.Getenv("MEMDIAG_TRACKER_MAX_OBJECTS"); maxObjects != "" {
		if n, err := strconv.Atoi(maxObjects); err == nil {
			config.Tracker.MaxTrackedObjects = n
		}
	}
	if allowList := os.Getenv("MEMDIAG_TRACKER_ALLOW_TYPES"); allowList != "" {
		config.Tracker.TypeAllowList = strings.Split(allowList, ",")
	}
	if denyList := os.Getenv("MEMDIAG_TRACKER_DENY_TYPES"); denyList != "" {
		config.Tracker.TypeDenyList = strings.Split(denyList, ",")
	}

	// Heap analyzer configuration
	if enabled := os.Getenv("MEMDIAG_HEAP_ENABLED"); enabled != "" {
		if b, err := strconv.ParseBool(enabled); err == nil {
			config.Heap.Enabled = b
		}
	}
	if interval := os.Getenv("MEMDIAG_HEAP_INTERVAL"); interval != "" {
		if d, err := time.ParseDuration(interval); err == nil {
			config.Heap.Interval = d
		}
	}

	// Pressure analyzer configuration
	if enabled := os.Getenv("MEMDIAG_PRESSURE_ENABLED"); enabled != "" {
		if b, err := strconv.ParseBool(enabled); err == nil {
			config.Pressure.Enabled = b
		}
	}
	if interval := os.Getenv("MEMDIAG_PRESSURE_INTERVAL"); interval != "" {
		if d, err := time.ParseDuration(interval); err == nil {
			config.Pressure.Interval = d
		}
	}
	if ratio := os.Getenv("MEMDIAG_PRESSURE_RATIO"); ratio != "" {
		if f, err := strconv.ParseFloat(ratio, 64); err == nil {
			config.Pressure.Ratio = f
		}
	}
	if adaptive := os.Getenv("MEMDIAG_PRESSURE_ADAPTIVE"); adaptive != "" {
		if b, err := strconv.ParseBool(adaptive); err == nil {
			config.Pressure.Adaptive = b
		}
	}

	// Monitor configuration
	if enabled := os.Getenv("MEMDIAG_MONITOR_ENABLED"); enabled != "" {
		if b, err := strconv.ParseBool(enabled); err == nil {
			config.Monitor.Enabled = b
		}
	}
	if interval := os.Getenv("MEMDIAG_MONITOR_INTERVAL"); interval != "" {
		if d, err := time.ParseDuration(interval); err == nil {
			config.Monitor.Interval = d
		}
	}
	if spike := os.Getenv("MEMDIAG_MONITOR_SPIKE_MB"); spike != "" {
		if f, err := strconv.ParseFloat(spike, 64); err == nil {
			config.Monitor.SpikeThresholdMB = f
		}
	}
	if limit := os.Getenv("MEMDIAG_MONITOR_LIMIT_MB"); limit != "" {
		if f, err := strconv.ParseFloat(limit, 64); err == nil {
			config.Monitor.MemoryLimitMB = f
		}
	}

	// Logging configuration
	if level := os.Getenv("MEMDIAG_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if format := os.Getenv("MEMDIAG_LOG_FORMAT"); format != "" {
		config.Logging.Format = format
	}
	if dir := os.Getenv("MEMDIAG_LOG_DIR"); dir != "" {
		config.Logging.Directory = dir
	}

	// Metrics configuration
	if enabled := os.Getenv("MEMDIAG_METRICS_ENABLED"); enabled != "" {
		if b, err := strconv.ParseBool(enabled); err == nil {
			config.Metrics.Enabled = b
		}
	}
	if port := os.Getenv("MEMDIAG_METRICS_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Metrics.Port = p
		}
	}

	// API configuration
	if enabled := os.Getenv("MEMDIAG_API_ENABLED"); enabled != "" {
		if b, err := strconv.ParseBool(enabled); err == nil {
			config.API.Enabled = b
		}
	}
	if port := os.Getenv("MEMDIAG_API_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.API.Port = p
		}
	}
	if prefix := os.Getenv("MEMDIAG_API_PREFIX"); prefix != "" {
		config.API.Prefix = prefix
	}
	if token := os.Getenv("MEMDIAG_API_AUTH_TOKEN"); token != "" {
		config.API.AuthToken = token
	}

	// Snapshot configuration
	if engine := os.Getenv("MEMDIAG_SNAPSHOT_ENGINE"); engine != "" {
		config.Snapshot.Engine = engine
	}
	if dir := os.Getenv("MEMDIAG_SNAPSHOT_DIR"); dir != "" {
		config.Snapshot.Directory = dir
	}
	if retention := os.Getenv("MEMDIAG_SNAPSHOT_RETENTION"); retention != "" {
		if n, err := strconv.Atoi(retention); err == nil {
			config.Snapshot.Retention = n
		}
	}

	// Publisher configuration
	if enabled := os.Getenv("MEMDIAG_PUBLISH_ENABLED"); enabled != "" {
		if b, err := strconv.ParseBool(enabled); err == nil {
			config.Publish.Enabled = b
		}
	}
	if addr := os.Getenv("MEMDIAG_PUBLISH_ADDR"); addr != "" {
		config.Publish.Addr = addr
	}
}

func (c *Config) Validate() error {
	// Tracker validation
	if c.Tracker.Interval <= 0 {
		return fmt.Errorf("tracker interval must be positive")
	}
	if c.Tracker.MaxTrackedObjects <= 0 {
		return fmt.Errorf("max tracked objects must be positive")
	}
	if c.Tracker.ReportHistorySize <= 0 {
		return fmt.Errorf("tracker report history size must be positive")
	}

	// Heap validation
	if c.Heap.Interval <= 0 {
		return fmt.Errorf("heap interval must be positive")
	}
	if c.Heap.HistorySize <= 0 {
		return fmt.Errorf("heap history size must be positive")
	}
	if c.Heap.TopTypes < 0 {
		return fmt.Errorf("heap top types cannot be negative")
	}

	// Pressure validation
	if c.Pressure.Interval <= 0 {
		return fmt.Errorf("pressure interval must be positive")
	}
	if c.Pressure.Ratio <= 0 || c.Pressure.Ratio > 1 {
		return fmt.Errorf("pressure ratio must be in (0, 1]: %g", c.Pressure.Ratio)
	}
	if c.Pressure.SectionHistory <= 0 {
		return fmt.Errorf("pressure section history must be positive")
	}

	// Monitor validation
	if c.Monitor.Interval <= 0 {
		return fmt.Errorf("monitor interval must be positive")
	}
	if c.Monitor.HistorySize <= 0 {
		return fmt.Errorf("monitor history size must be positive")
	}
	if c.Monitor.SpikeThresholdMB <= 0 {
		return fmt.Errorf("spike threshold must be positive")
	}
	if c.Monitor.FlushInterval <= 0 {
		return fmt.Errorf("monitor flush interval must be positive")
	}

	// Logging validation
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}
	validFormats := map[string]bool{
		"json": true, "text": true, "console": true,
	}
	if !validFormats[strings.ToLower(c.Logging.Format)] {
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}

	// Metrics validation
	if c.Metrics.Enabled {
		if c.Metrics.Port <= 0 || c.Metrics.Port > 65535 {
			return fmt.Errorf("invalid metrics port: %d", c.Metrics.Port)
		}
		if c.Metrics.PortAttempts <= 0 {
			return fmt.Errorf("metrics port attempts must be positive")
		}
		if c.Metrics.Path == "" {
			return fmt.Errorf("metrics path cannot be empty when metrics are enabled")
		}
	}

	// API validation
	if c.API.Enabled {
		if c.API.Port <= 0 || c.API.Port > 65535 {
			return fmt.Errorf("invalid API port: %d", c.API.Port)
		}
		if c.API.Prefix == "" || !strings.HasPrefix(c.API.Prefix, "/") {
			return fmt.Errorf("API prefix must start with '/': %q", c.API.Prefix)
		}
	}

	// Snapshot validation
	switch c.Snapshot.Engine {
	case "file", "badger":
	default:
		return fmt.Errorf("unsupported snapshot engine: %s", c.Snapshot.Engine)
	}
	if c.Snapshot.Retention <= 0 {
		return fmt.Errorf("snapshot retention must be positive")
	}
	if c.Snapshot.Engine == "file" && c.Snapshot.Directory == "" {
		return fmt.Errorf("snapshot directory cannot be empty for the file engine")
	}
	if c.Snapshot.Engine == "badger" && c.Snapshot.DataPath == "" {
		return fmt.Errorf("snapshot data path cannot be empty for the badger engine")
	}

	// Publisher validation
	if c.Publish.Enabled {
		if c.Publish.Addr == "" {
			return fmt.Errorf("publish address cannot be empty when publishing is enabled")
		}
		if c.Publish.Channel == "" {
			return fmt.Errorf("publish channel cannot be empty when publishing is enabled")
		}
		if c.Publish.Interval <= 0 {
			return fmt.Errorf("publish interval must be positive")
		}
	}

	return nil
}

func (c *Config) String() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}
