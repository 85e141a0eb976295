// Package config loads the YAML topology-and-tunables file, expands
// environment variables in it, and watches it for changes so the seed
// backend list can be reconciled into the live ring without a restart.
package config

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Config is the root of the YAML file. Only Seed.Backends is reconciled
// on a hot reload; everything else is read once at process start.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Scaler     ScalerConfig     `yaml:"scaler"`
	Quarantine QuarantineConfig `yaml:"quarantine"`
	Limits     LimitsConfig     `yaml:"limits"`
	Backend    BackendConfig    `yaml:"backend"`
	Admission  AdmissionConfig  `yaml:"admission"`
	Logging    LoggingConfig    `yaml:"logging"`
	Seed       SeedConfig       `yaml:"seed"`
}

type ServerConfig struct {
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
	AdminAddr string `yaml:"admin_addr"`
}

type ScalerConfig struct {
	IntervalSeconds int `yaml:"interval_seconds"`
}

type QuarantineConfig struct {
	IntervalSeconds int `yaml:"interval_seconds"`
}

type LimitsConfig struct {
	MaxConnections int     `yaml:"max_connections"`
	RefuseAbove    int     `yaml:"refuse_above"`
	HashMax        float64 `yaml:"hash_max"`
}

type BackendConfig struct {
	DialTimeoutSeconds int `yaml:"dial_timeout_seconds"`
	IOTimeoutSeconds   int `yaml:"io_timeout_seconds"`
}

type AdmissionConfig struct {
	RatePerSecond float64 `yaml:"rate_per_second"`
	Burst         int     `yaml:"burst"`
	RedisURL      string  `yaml:"redis_url,omitempty"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug|info|warn|error
	Format string `yaml:"format"` // json|console
}

// SeedConfig lists the backends the ring is pre-populated with at
// startup, and reconciled additively on every hot reload.
type SeedConfig struct {
	Backends []SeedBackend `yaml:"backends"`
}

type SeedBackend struct {
	Host string  `yaml:"host"`
	Port int     `yaml:"port"`
	Key  float64 `yaml:"key"`
}

// Watcher emits reconciled configs when the file changes on disk.
type Watcher struct {
	updates chan *Config
	done    chan struct{}
	once    sync.Once
	fsw     *fsnotify.Watcher
}

// Updates delivers one *Config per debounced file write.
func (w *Watcher) Updates() <-chan *Config { return w.updates }

// Close stops the underlying fsnotify watcher.
func (w *Watcher) Close() {
	w.once.Do(func() {
		close(w.done)
		w.fsw.Close()
	})
}

// LoadAndWatch reads path, starts watching it for changes, and returns
// the initial config plus a Watcher whose channel delivers reloads. If
// path is empty, LoadAndWatch returns zero-value defaults and a nil
// Watcher, the CLI-flags-only mode.
func LoadAndWatch(path string, log *zap.SugaredLogger) (*Config, *Watcher, error) {
	if path == "" {
		return &Config{}, nil, nil
	}

	cfg, err := load(path)
	if err != nil {
		return nil, nil, err
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := fsw.Add(path); err != nil {
		return nil, nil, fmt.Errorf("watch config file: %w", err)
	}

	w := &Watcher{
		updates: make(chan *Config, 1),
		done:    make(chan struct{}),
		fsw:     fsw,
	}

	go func() {
		var debounce <-chan time.Time
		for {
			select {
			case <-w.done:
				return
			case event, ok := <-fsw.Events:
				if !ok {
					return
				}
				if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
					debounce = time.After(200 * time.Millisecond)
				}
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				log.Warnw("fsnotify error", "err", err)
			case <-debounce:
				debounce = nil
				newCfg, err := load(path)
				if err != nil {
					log.Warnw("config reload failed, keeping old config", "err", err)
					continue
				}
				select {
				case w.updates <- newCfg:
				default:
				}
			}
		}
	}()

	return cfg, w, nil
}

func load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 5003
	}
	if cfg.Server.AdminAddr == "" {
		cfg.Server.AdminAddr = ":9090"
	}
	if cfg.Scaler.IntervalSeconds == 0 {
		cfg.Scaler.IntervalSeconds = 60
	}
	if cfg.Quarantine.IntervalSeconds == 0 {
		cfg.Quarantine.IntervalSeconds = 30
	}
	if cfg.Limits.MaxConnections == 0 {
		cfg.Limits.MaxConnections = 100
	}
	if cfg.Limits.RefuseAbove == 0 {
		cfg.Limits.RefuseAbove = 200
	}
	if cfg.Limits.HashMax == 0 {
		cfg.Limits.HashMax = 360
	}
	if cfg.Backend.DialTimeoutSeconds == 0 {
		cfg.Backend.DialTimeoutSeconds = 2
	}
	if cfg.Backend.IOTimeoutSeconds == 0 {
		cfg.Backend.IOTimeoutSeconds = 5
	}
	if cfg.Admission.RatePerSecond == 0 {
		cfg.Admission.RatePerSecond = 50
	}
	if cfg.Admission.Burst == 0 {
		cfg.Admission.Burst = 100
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}
