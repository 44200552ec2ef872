// Package config loads taskgate configuration from a YAML file and
// TASKGATE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
	yamlv3 "gopkg.in/yaml.v3"

	"github.com/msageha/taskgate/internal/broker"
	"github.com/msageha/taskgate/internal/delivery"
	"github.com/msageha/taskgate/internal/logging"
	"github.com/msageha/taskgate/internal/model"
)

const (
	EnvPrefix         = "TASKGATE_"
	maxConfigFileSize = 1024 * 1024
)

// Default returns the configuration used for every unset key.
func Default() model.Config {
	return model.Config{
		Server: model.ServerConfig{Host: "127.0.0.1", Port: 8420},
		Broker: model.BrokerConfig{
			Kind:          broker.KindMemory,
			URL:           "nats://127.0.0.1:4222",
			Name:          "taskgate",
			ReconnectWait: 2 * time.Second,
			MaxReconnects: 60,
		},
		Store: model.StoreConfig{
			Dir:             ".taskgate/store",
			MaxAuditLogSize: 10 << 20,
		},
		Scheduler: model.SchedulerConfig{ScanInterval: 500 * time.Millisecond},
		Dispatcher: model.DispatcherConfig{
			Workers:      []string{"worker1"},
			LeaseTTL:     30 * time.Second,
			ReapInterval: 5 * time.Second,
		},
		Gate: model.GateConfig{
			DefaultTimeout: 30 * time.Second,
			WatchRegistry:  true,
		},
		Remediation: model.RemediationConfig{
			DefaultMaxRetries: 3,
			BaseDelay:         time.Second,
			MaxDelay:          5 * time.Minute,
			CIPollInitial:     5 * time.Second,
			CIPollMaxInterval: time.Minute,
			CIPollTimeout:     30 * time.Minute,
		},
		Delivery: model.DeliveryConfig{
			Kind: delivery.KindLocal,
			GitHub: model.GitHubConfig{
				MergeMethod:    "squash",
				RequestsPerSec: 5,
				MaxRetries:     3,
				InitialBackoff: time.Second,
				MaxBackoff:     30 * time.Second,
			},
		},
		Daemon: model.DaemonConfig{
			LockFile:        ".taskgate/daemon.lock",
			ShutdownTimeout: 30 * time.Second,
		},
		Worker: model.WorkerConfig{
			Timeout:           30 * time.Minute,
			HeartbeatInterval: 10 * time.Second,
		},
		Logging: model.LoggingConfig{Level: "info", Format: logging.FormatJSON},
	}
}

// Load reads path (optional) over the defaults, then applies environment
// overrides and validates the result.
//
// Environment variables map onto keys by replacing "_" with the key
// separator wherever that yields a known key:
//
//	TASKGATE_SERVER_PORT            -> server.port
//	TASKGATE_DELIVERY_GITHUB_TOKEN  -> delivery.github.token
//	TASKGATE_DISPATCHER_WORKERS=a,b -> dispatcher.workers
func Load(path string) (*model.Config, error) {
	k := koanf.New(".")

	defaults, err := yamlv3.Marshal(Default())
	if err != nil {
		return nil, fmt.Errorf("encode defaults: %w", err)
	}
	if err := k.Load(rawbytes.Provider(defaults), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path != "" {
		content, err := readConfigFile(path)
		if err != nil {
			return nil, err
		}
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	keys := envKeys(k)
	lists := make(map[string]bool)
	for _, key := range k.Keys() {
		if _, ok := k.Get(key).([]any); ok {
			lists[key] = true
		}
	}
	provider := env.ProviderWithValue(EnvPrefix, ".", func(name, value string) (string, any) {
		key, ok := keys[strings.ToLower(strings.TrimPrefix(name, EnvPrefix))]
		if !ok {
			return "", nil
		}
		if lists[key] {
			return key, splitList(value)
		}
		return key, value
	})
	if err := k.Load(provider, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	var cfg model.Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func readConfigFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("config path %s is a directory", path)
	}
	if info.Size() > maxConfigFileSize {
		return nil, fmt.Errorf("config file %s exceeds %d bytes", path, maxConfigFileSize)
	}
	content, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return content, nil
}

// envKeys maps the underscore form of every known key to the key itself.
func envKeys(k *koanf.Koanf) map[string]string {
	keys := make(map[string]string)
	for _, key := range k.Keys() {
		keys[strings.ReplaceAll(key, ".", "_")] = key
	}
	return keys
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate checks cross-field constraints after defaults are applied.
func Validate(cfg *model.Config) error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(cfg.Server.Port > 0 && cfg.Server.Port < 65536, "server.port %d out of range", cfg.Server.Port)
	check(cfg.Broker.Kind == broker.KindMemory || cfg.Broker.Kind == broker.KindNATS, "broker.kind %q must be %s or %s", cfg.Broker.Kind, broker.KindMemory, broker.KindNATS)
	check(cfg.Broker.Kind != broker.KindNATS || cfg.Broker.URL != "", "broker.url is required for nats")
	check(cfg.Store.MaxAuditLogSize >= 0, "store.max_audit_log_size must not be negative")
	check(cfg.Scheduler.ScanInterval > 0, "scheduler.scan_interval must be positive")

	check(len(cfg.Dispatcher.Workers) > 0, "dispatcher.workers must list at least one worker")
	seen := make(map[string]bool)
	for _, w := range cfg.Dispatcher.Workers {
		check(broker.ValidWorkerID(w), "dispatcher.workers: invalid worker id %q", w)
		check(!seen[w], "dispatcher.workers: duplicate worker id %q", w)
		seen[w] = true
	}
	check(cfg.Dispatcher.LeaseTTL > 0, "dispatcher.lease_ttl must be positive")
	check(cfg.Dispatcher.ReapInterval > 0, "dispatcher.reap_interval must be positive")

	check(cfg.Gate.DefaultTimeout > 0, "gate.default_timeout must be positive")

	r := cfg.Remediation
	check(r.DefaultMaxRetries >= 0, "remediation.default_max_retries must not be negative")
	check(r.BaseDelay > 0, "remediation.base_delay must be positive")
	check(r.MaxDelay >= r.BaseDelay, "remediation.max_delay must be at least base_delay")
	check(r.CIPollInitial > 0, "remediation.ci_poll_initial must be positive")
	check(r.CIPollMaxInterval >= r.CIPollInitial, "remediation.ci_poll_max_interval must be at least ci_poll_initial")
	check(r.CIPollTimeout > 0, "remediation.ci_poll_timeout must be positive")

	check(cfg.Delivery.Kind == delivery.KindLocal || cfg.Delivery.Kind == delivery.KindGitHub, "delivery.kind %q must be %s or %s", cfg.Delivery.Kind, delivery.KindLocal, delivery.KindGitHub)
	if cfg.Delivery.Kind == delivery.KindGitHub {
		gh := cfg.Delivery.GitHub
		check(gh.Token != "", "delivery.github.token is required for github delivery")
		switch gh.MergeMethod {
		case "merge", "squash", "rebase":
		default:
			check(false, "delivery.github.merge_method %q must be merge, squash or rebase", gh.MergeMethod)
		}
		check(gh.RequestsPerSec > 0, "delivery.github.requests_per_sec must be positive")
	}

	check(cfg.Daemon.ShutdownTimeout > 0, "daemon.shutdown_timeout must be positive")
	check(cfg.Worker.HeartbeatInterval > 0, "worker.heartbeat_interval must be positive")
	check(cfg.Worker.HeartbeatInterval < cfg.Dispatcher.LeaseTTL, "worker.heartbeat_interval must be shorter than dispatcher.lease_ttl")

	if _, err := logging.ParseLevel(cfg.Logging.Level); err != nil {
		errs = append(errs, fmt.Errorf("logging.level: %w", err))
	}
	check(cfg.Logging.Format == logging.FormatJSON || cfg.Logging.Format == logging.FormatConsole, "logging.format %q must be %s or %s", cfg.Logging.Format, logging.FormatJSON, logging.FormatConsole)

	return errors.Join(errs...)
}
