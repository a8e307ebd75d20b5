package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mergetree-io/mergetree/internal/model"
)

// ServerConfig holds the replica's identity and inter-server endpoint.
type ServerConfig struct {
	ReplicaName     string        `yaml:"replica_name"`
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// CoordinatorConfig selects and configures the coordinator backend.
type CoordinatorConfig struct {
	Backend     string        `yaml:"backend"` // "etcd" or "memory"
	Endpoints   []string      `yaml:"endpoints"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
	SessionTTL  int           `yaml:"session_ttl"`
}

// TableConfig declares the replicated table this process serves.
type TableConfig struct {
	Path               string         `yaml:"path"` // coordinator path of the table
	Attach             bool           `yaml:"attach"`
	DateColumn         string         `yaml:"date_column"`
	SamplingExpression string         `yaml:"sampling_expression"`
	IndexGranularity   int            `yaml:"index_granularity"`
	Mode               int            `yaml:"mode"`
	SignColumn         string         `yaml:"sign_column"`
	PrimaryKey         string         `yaml:"primary_key"`
	Columns            []model.Column `yaml:"columns"`
}

// StorageConfig holds local disk settings.
type StorageConfig struct {
	DataDir          string        `yaml:"data_dir"`
	OldPartsLifetime time.Duration `yaml:"old_parts_lifetime"`
	CleanupInterval  time.Duration `yaml:"cleanup_interval"`
	TempDirMaxAge    time.Duration `yaml:"temp_dir_max_age"`
}

// ReplicationConfig sizes the replication engine.
type ReplicationConfig struct {
	Threads        int           `yaml:"threads"`
	MergingThreads int           `yaml:"merging_threads"`
	FetchTimeout   time.Duration `yaml:"fetch_timeout"`
	FetchRetries   int           `yaml:"fetch_retries"`
}

// GossipConfig holds the optional memberlist cluster used for peer-down
// hints during fetch peer selection.
type GossipConfig struct {
	Enabled        bool          `yaml:"enabled"`
	BindPort       int           `yaml:"bind_port"`
	SeedNodes      []string      `yaml:"seed_nodes"`
	GossipInterval time.Duration `yaml:"gossip_interval"`
	ProbeTimeout   time.Duration `yaml:"probe_timeout"`
	ProbeInterval  time.Duration `yaml:"probe_interval"`
}

// MetricsConfig holds the metrics endpoint settings.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// LoggingConfig holds logger settings.
type LoggingConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// Config is the complete configuration of one replica process.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Coordinator CoordinatorConfig `yaml:"coordinator"`
	Table       TableConfig       `yaml:"table"`
	Storage     StorageConfig     `yaml:"storage"`
	Replication ReplicationConfig `yaml:"replication"`
	Gossip      GossipConfig      `yaml:"gossip"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// LoadConfig reads and validates a YAML config file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 30 * time.Second
	}
	if c.Coordinator.Backend == "" {
		c.Coordinator.Backend = "etcd"
	}
	if c.Coordinator.DialTimeout == 0 {
		c.Coordinator.DialTimeout = 5 * time.Second
	}
	if c.Coordinator.SessionTTL == 0 {
		c.Coordinator.SessionTTL = 30
	}
	if c.Table.IndexGranularity == 0 {
		c.Table.IndexGranularity = 8192
	}
	if c.Storage.OldPartsLifetime == 0 {
		c.Storage.OldPartsLifetime = 8 * time.Minute
	}
	if c.Storage.CleanupInterval == 0 {
		c.Storage.CleanupInterval = time.Minute
	}
	if c.Storage.TempDirMaxAge == 0 {
		c.Storage.TempDirMaxAge = time.Hour
	}
	if c.Replication.Threads == 0 {
		c.Replication.Threads = 16
	}
	if c.Replication.MergingThreads == 0 {
		c.Replication.MergingThreads = 4
	}
	if c.Replication.FetchTimeout == 0 {
		c.Replication.FetchTimeout = time.Minute
	}
	if c.Replication.FetchRetries == 0 {
		c.Replication.FetchRetries = 3
	}
	if c.Gossip.GossipInterval == 0 {
		c.Gossip.GossipInterval = 200 * time.Millisecond
	}
	if c.Gossip.ProbeTimeout == 0 {
		c.Gossip.ProbeTimeout = 500 * time.Millisecond
	}
	if c.Gossip.ProbeInterval == 0 {
		c.Gossip.ProbeInterval = time.Second
	}
	if c.Metrics.Port == 0 {
		c.Metrics.Port = 9101
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// Validate checks the settings a replica cannot run without.
func (c *Config) Validate() error {
	if c.Server.ReplicaName == "" {
		return fmt.Errorf("server.replica_name is required")
	}
	if c.Server.Host == "" {
		return fmt.Errorf("server.host is required")
	}
	if c.Server.Port == 0 {
		return fmt.Errorf("server.port is required")
	}
	if c.Table.Path == "" {
		return fmt.Errorf("table.path is required")
	}
	if c.Table.DateColumn == "" {
		return fmt.Errorf("table.date_column is required")
	}
	if c.Table.PrimaryKey == "" {
		return fmt.Errorf("table.primary_key is required")
	}
	if len(c.Table.Columns) == 0 {
		return fmt.Errorf("table.columns is required")
	}
	if c.Storage.DataDir == "" {
		return fmt.Errorf("storage.data_dir is required")
	}
	switch c.Coordinator.Backend {
	case "etcd":
		if len(c.Coordinator.Endpoints) == 0 {
			return fmt.Errorf("coordinator.endpoints is required for the etcd backend")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown coordinator backend %q", c.Coordinator.Backend)
	}
	return nil
}

// Metadata builds the table's structural fingerprint from the config.
func (c *Config) Metadata() *model.Metadata {
	return &model.Metadata{
		DateColumn:         c.Table.DateColumn,
		SamplingExpression: c.Table.SamplingExpression,
		IndexGranularity:   c.Table.IndexGranularity,
		Mode:               c.Table.Mode,
		SignColumn:         c.Table.SignColumn,
		PrimaryKey:         c.Table.PrimaryKey,
		Columns:            c.Table.Columns,
	}
}
