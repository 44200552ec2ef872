// Package model defines the data structures for taskgate's configuration,
// tasks, leases and the quality/remediation audit records.
package model

import "time"

type Config struct {
	Server      ServerConfig      `koanf:"server" yaml:"server"`
	Broker      BrokerConfig      `koanf:"broker" yaml:"broker"`
	Store       StoreConfig       `koanf:"store" yaml:"store"`
	Scheduler   SchedulerConfig   `koanf:"scheduler" yaml:"scheduler"`
	Dispatcher  DispatcherConfig  `koanf:"dispatcher" yaml:"dispatcher"`
	Gate        GateConfig        `koanf:"gate" yaml:"gate"`
	Remediation RemediationConfig `koanf:"remediation" yaml:"remediation"`
	Delivery    DeliveryConfig    `koanf:"delivery" yaml:"delivery"`
	Daemon      DaemonConfig      `koanf:"daemon" yaml:"daemon"`
	Worker      WorkerConfig      `koanf:"worker" yaml:"worker"`
	Logging     LoggingConfig     `koanf:"logging" yaml:"logging"`
}

type ServerConfig struct {
	Host string `koanf:"host" yaml:"host"`
	Port int    `koanf:"port" yaml:"port"`
}

type BrokerConfig struct {
	// Kind is "memory" or "nats".
	Kind          string        `koanf:"kind" yaml:"kind"`
	URL           string        `koanf:"url" yaml:"url"`
	Name          string        `koanf:"name" yaml:"name"`
	ReconnectWait time.Duration `koanf:"reconnect_wait" yaml:"reconnect_wait"`
	MaxReconnects int           `koanf:"max_reconnects" yaml:"max_reconnects"`
}

type StoreConfig struct {
	// Dir enables durable rows and audit logs. Empty keeps state in memory.
	Dir             string `koanf:"dir" yaml:"dir"`
	MaxAuditLogSize int64  `koanf:"max_audit_log_size" yaml:"max_audit_log_size"`
}

type SchedulerConfig struct {
	ScanInterval time.Duration `koanf:"scan_interval" yaml:"scan_interval"`
}

type DispatcherConfig struct {
	Workers      []string      `koanf:"workers" yaml:"workers"`
	LeaseTTL     time.Duration `koanf:"lease_ttl" yaml:"lease_ttl"`
	ReapInterval time.Duration `koanf:"reap_interval" yaml:"reap_interval"`
}

type GateConfig struct {
	RegistryFile   string        `koanf:"registry_file" yaml:"registry_file"`
	DefaultTimeout time.Duration `koanf:"default_timeout" yaml:"default_timeout"`
	WatchRegistry  bool          `koanf:"watch_registry" yaml:"watch_registry"`
}

type RemediationConfig struct {
	DefaultMaxRetries int           `koanf:"default_max_retries" yaml:"default_max_retries"`
	BaseDelay         time.Duration `koanf:"base_delay" yaml:"base_delay"`
	MaxDelay          time.Duration `koanf:"max_delay" yaml:"max_delay"`
	CIPollInitial     time.Duration `koanf:"ci_poll_initial" yaml:"ci_poll_initial"`
	CIPollMaxInterval time.Duration `koanf:"ci_poll_max_interval" yaml:"ci_poll_max_interval"`
	CIPollTimeout     time.Duration `koanf:"ci_poll_timeout" yaml:"ci_poll_timeout"`
}

type DeliveryConfig struct {
	// Kind is "local" or "github".
	Kind   string       `koanf:"kind" yaml:"kind"`
	GitHub GitHubConfig `koanf:"github" yaml:"github"`
}

type GitHubConfig struct {
	Token          string        `koanf:"token" yaml:"token"`
	BaseURL        string        `koanf:"base_url" yaml:"base_url"`
	MergeMethod    string        `koanf:"merge_method" yaml:"merge_method"`
	RequestsPerSec float64       `koanf:"requests_per_sec" yaml:"requests_per_sec"`
	MaxRetries     int           `koanf:"max_retries" yaml:"max_retries"`
	InitialBackoff time.Duration `koanf:"initial_backoff" yaml:"initial_backoff"`
	MaxBackoff     time.Duration `koanf:"max_backoff" yaml:"max_backoff"`
}

type DaemonConfig struct {
	LockFile        string        `koanf:"lock_file" yaml:"lock_file"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// WorkerConfig configures the `taskgate worker` process.
type WorkerConfig struct {
	ID                string        `koanf:"id" yaml:"id"`
	Command           []string      `koanf:"command" yaml:"command"`
	Timeout           time.Duration `koanf:"timeout" yaml:"timeout"`
	HeartbeatInterval time.Duration `koanf:"heartbeat_interval" yaml:"heartbeat_interval"`
}

type LoggingConfig struct {
	Level  string `koanf:"level" yaml:"level"`
	Format string `koanf:"format" yaml:"format"`
}
