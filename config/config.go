package config

import (
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the overall application configuration.
type Config struct {
	Server         ServerConfig         `yaml:"server"`
	Database       DatabaseConfig       `yaml:"database"`
	Log            LogConfig            `yaml:"log"`
	Push           PushConfig           `yaml:"push"`
	WorkerPool     WorkerPoolConfig     `yaml:"worker_pool"`
	Jobs           JobsConfig           `yaml:"jobs"`
	EventProcessor EventProcessorConfig `yaml:"event_processor"`
	TimeRule       TimeRuleConfig       `yaml:"time_rule"`
	Ingest         IngestConfig         `yaml:"ingest"`
	Permissions    PermissionsConfig    `yaml:"permissions"`
}

// WorkerPoolConfig holds the configuration for the notification worker pool.
type WorkerPoolConfig struct {
	Size int `yaml:"size"`
}

// JobsConfig sizes the best-effort side-effect queue.
type JobsConfig struct {
	Workers     int `yaml:"workers"`
	QueueSize   int `yaml:"queue_size"`
	MaxAttempts int `yaml:"max_attempts"`
}

// PushConfig holds the VAPID keys for web push notifications.
type PushConfig struct {
	PublicKey  string `yaml:"vapid_public_key"`
	PrivateKey string `yaml:"vapid_private_key"`
	Subject    string `yaml:"subject"`
	TTL        int    `yaml:"ttl"`
}

// ServerConfig holds the server-related configuration.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	OperatorHeader  string        `yaml:"operator_header"`
	RateLimitPerSec float64       `yaml:"rate_limit_per_sec"`
	RateLimitBurst  int           `yaml:"rate_limit_burst"`
	CacheTTLSeconds int           `yaml:"cache_ttl_seconds"`
	CacheTTL        time.Duration `yaml:"-"`
}

// LogConfig selects the log output.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DatabaseConfig holds the database connection configuration.
type DatabaseConfig struct {
	Driver                 string `yaml:"driver"`
	DSN                    string `yaml:"dsn"`
	MaxOpenConns           int    `yaml:"max_open_conns"`
	MaxIdleConns           int    `yaml:"max_idle_conns"`
	ConnMaxLifetimeMinutes int    `yaml:"conn_max_lifetime_minutes"`
	LogLevel               string `yaml:"log_level"`
}

// EventProcessorConfig controls the MesEvent polling worker.
type EventProcessorConfig struct {
	Enabled            bool          `yaml:"enabled"`
	IntervalSeconds    int           `yaml:"interval_seconds"`
	Interval           time.Duration `yaml:"-"`
	BatchSize          int           `yaml:"batch_size"`
	BackoffBaseSeconds int           `yaml:"backoff_base_seconds"`
	BackoffBase        time.Duration `yaml:"-"`
	MaxAttempts        int           `yaml:"max_attempts"`
	RetentionDays      int           `yaml:"retention_days"`
}

// TimeRuleConfig controls the expiry/warning sweep.
type TimeRuleConfig struct {
	Enabled              bool          `yaml:"enabled"`
	SweepIntervalSeconds int           `yaml:"sweep_interval_seconds"`
	SweepInterval        time.Duration `yaml:"-"`
	AlertRecipients      []string      `yaml:"alert_recipients"`
}

// IngestConfig declares ingest sources. Sources with a URL are polled.
type IngestConfig struct {
	Sources []IngestSource `yaml:"sources"`
}

// IngestSource is one upstream system polled over HTTP.
type IngestSource struct {
	Name            string            `yaml:"name"`
	Enabled         bool              `yaml:"enabled"`
	URL             string            `yaml:"url"`
	EventType       string            `yaml:"event_type"`
	HTTPProxy       string            `yaml:"http_proxy"`
	Headers         map[string]string `yaml:"headers"`
	PageSize        int               `yaml:"page_size"`
	Payload         map[string]any    `yaml:"payload"`
	IntervalSeconds int               `yaml:"interval_seconds"`
	Interval        time.Duration     `yaml:"-"`
	Mapping         IngestMapping     `yaml:"mapping"`
}

// IngestMapping locates canonical fields in a raw payload. Paths are dotted,
// rooted at "payload", and a "[*]" suffix fans out over an array.
type IngestMapping struct {
	EventType        string               `yaml:"event_type" json:"eventType,omitempty"`
	DedupeKeyPath    string               `yaml:"dedupe_key_path" json:"dedupeKeyPath,omitempty"`
	OccurredAtPath   string               `yaml:"occurred_at_path" json:"occurredAtPath,omitempty"`
	StationCodePath  string               `yaml:"station_code_path" json:"stationCodePath,omitempty"`
	LineCodePath     string               `yaml:"line_code_path" json:"lineCodePath,omitempty"`
	SnPath           string               `yaml:"sn_path" json:"snPath,omitempty"`
	SnListPath       string               `yaml:"sn_list_path" json:"snListPath,omitempty"`
	CarrierCodePath  string               `yaml:"carrier_code_path" json:"carrierCodePath,omitempty"`
	TestResultIDPath string               `yaml:"test_result_id_path" json:"testResultIdPath,omitempty"`
	LotIDPath        string               `yaml:"lot_id_path" json:"lotIdPath,omitempty"`
	Result           *ResultMapping       `yaml:"result" json:"result,omitempty"`
	Measurements     *MeasurementsMapping `yaml:"measurements" json:"measurements,omitempty"`
}

// ResultMapping normalizes a vendor verdict to PASS or FAIL.
type ResultMapping struct {
	Path       string   `yaml:"path" json:"path"`
	PassValues []string `yaml:"pass_values" json:"passValues,omitempty"`
	FailValues []string `yaml:"fail_values" json:"failValues,omitempty"`
}

// MeasurementsMapping extracts named values from an array of items.
type MeasurementsMapping struct {
	ItemsPath string `yaml:"items_path" json:"itemsPath"`
	NamePath  string `yaml:"name_path" json:"namePath"`
	ValuePath string `yaml:"value_path" json:"valuePath"`
	UnitPath  string `yaml:"unit_path" json:"unitPath,omitempty"`
	JudgePath string `yaml:"judge_path" json:"judgePath,omitempty"`
}

// PermissionsConfig maps actors to roles and roles to capabilities.
type PermissionsConfig struct {
	Roles  map[string][]string `yaml:"roles"`
	Actors map[string][]string `yaml:"actors"`
}

// Load reads the configuration from the given path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, err
	}

	cfg.ApplyDefaults()
	return &cfg, nil
}

// ApplyDefaults fills zero or invalid values.
func (cfg *Config) ApplyDefaults() {
	if cfg.Server.Port <= 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.OperatorHeader == "" {
		cfg.Server.OperatorHeader = "X-Operator-Id"
	}
	if cfg.Server.RateLimitPerSec <= 0 {
		cfg.Server.RateLimitPerSec = 10
	}
	if cfg.Server.RateLimitBurst <= 0 {
		cfg.Server.RateLimitBurst = 5
	}
	if cfg.Server.CacheTTLSeconds <= 0 {
		cfg.Server.CacheTTLSeconds = 30
	}
	cfg.Server.CacheTTL = time.Duration(cfg.Server.CacheTTLSeconds) * time.Second

	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "postgres"
	}

	if cfg.Push.TTL <= 0 {
		cfg.Push.TTL = 3600
	}

	if cfg.WorkerPool.Size <= 0 {
		slog.Warn("worker_pool.size is not set or invalid; defaulting to 1")
		cfg.WorkerPool.Size = 1
	}

	if cfg.Jobs.Workers <= 0 {
		cfg.Jobs.Workers = 2
	}
	if cfg.Jobs.QueueSize <= 0 {
		cfg.Jobs.QueueSize = 256
	}
	if cfg.Jobs.MaxAttempts <= 0 {
		cfg.Jobs.MaxAttempts = 3
	}

	ep := &cfg.EventProcessor
	if ep.IntervalSeconds <= 0 {
		ep.IntervalSeconds = 10
	}
	ep.Interval = time.Duration(ep.IntervalSeconds) * time.Second
	if ep.BatchSize <= 0 {
		ep.BatchSize = 50
	}
	if ep.BackoffBaseSeconds <= 0 {
		ep.BackoffBaseSeconds = 30
	}
	ep.BackoffBase = time.Duration(ep.BackoffBaseSeconds) * time.Second
	if ep.MaxAttempts <= 0 {
		ep.MaxAttempts = 10
	}
	if ep.RetentionDays <= 0 {
		ep.RetentionDays = 30
	}

	if cfg.TimeRule.SweepIntervalSeconds <= 0 {
		cfg.TimeRule.SweepIntervalSeconds = 60
	}
	cfg.TimeRule.SweepInterval = time.Duration(cfg.TimeRule.SweepIntervalSeconds) * time.Second

	for i := range cfg.Ingest.Sources {
		src := &cfg.Ingest.Sources[i]
		if src.IntervalSeconds <= 0 {
			src.IntervalSeconds = 60
		}
		src.Interval = time.Duration(src.IntervalSeconds) * time.Second
		if src.PageSize <= 0 {
			src.PageSize = 100
		}
		if src.EventType == "" {
			src.EventType = "INGEST"
		}
	}
}
