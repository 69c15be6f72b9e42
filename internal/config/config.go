package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Backends accepted in Config.Backend.
const (
	BackendMemory  = "memory"
	BackendRocksDB = "rocksdb"
	BackendBolt    = "bolt"
)

type Config struct {
	HTTPAddr   string `yaml:"http_addr"`
	SocketPath string `yaml:"socket_path"` // empty disables the unix socket
	Backend    string `yaml:"backend"`
	DataPath   string `yaml:"data_path"`
	// Collections lists the namespaces served; each gets its own store.
	Collections []string `yaml:"collections"`
	Shards      int      `yaml:"shards"`

	SweepInterval time.Duration `yaml:"sweep_interval"` // 0 disables sweeping
	SweepChunk    int           `yaml:"sweep_chunk"`

	UpstreamURL     string        `yaml:"upstream_url"`
	UpstreamTimeout time.Duration `yaml:"upstream_timeout"`
	UpstreamTTL     time.Duration `yaml:"upstream_ttl"` // 0 == infinite

	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	LogLevel        string        `yaml:"log_level"`
}

func Default() Config {
	return Config{
		HTTPAddr:        ":8080",
		SocketPath:      "/tmp/kvmodel.sock",
		Backend:         BackendMemory,
		DataPath:        "./kvdb",
		Collections:     []string{"CacheItems"},
		Shards:          16,
		SweepInterval:   60 * time.Second,
		SweepChunk:      1000,
		UpstreamTimeout: 5 * time.Second,
		UpstreamTTL:     30 * time.Second,
		ShutdownTimeout: 5 * time.Second,
		LogLevel:        "info",
	}
}

// Load starts from Default, applies the YAML file named by KVMODEL_CONFIG
// if set, then environment overrides.
func Load() (Config, error) {
	return load(os.Getenv)
}

func load(getenv func(string) string) (Config, error) {
	cfg := Default()
	if path := getenv("KVMODEL_CONFIG"); path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := applyEnv(&cfg, getenv); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func applyEnv(cfg *Config, getenv func(string) string) error {
	str := map[string]*string{
		"KVMODEL_HTTP_ADDR": &cfg.HTTPAddr,
		"KVMODEL_SOCKET":    &cfg.SocketPath,
		"KVMODEL_BACKEND":   &cfg.Backend,
		"KVMODEL_DATA_PATH": &cfg.DataPath,
		"UPSTREAM_URL":      &cfg.UpstreamURL,
		"KVMODEL_LOG_LEVEL": &cfg.LogLevel,
	}
	for name, dst := range str {
		if v := getenv(name); v != "" {
			*dst = v
		}
	}
	if v := getenv("KVMODEL_COLLECTIONS"); v != "" {
		cfg.Collections = nil
		for _, c := range strings.Split(v, ",") {
			if c = strings.TrimSpace(c); c != "" {
				cfg.Collections = append(cfg.Collections, c)
			}
		}
	}
	if v := getenv("KVMODEL_SWEEP_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("KVMODEL_SWEEP_INTERVAL: %w", err)
		}
		cfg.SweepInterval = d
	}
	if v := getenv("KVMODEL_SHARDS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("KVMODEL_SHARDS: %w", err)
		}
		cfg.Shards = n
	}
	return nil
}

func (c Config) Validate() error {
	var errs []error
	switch c.Backend {
	case BackendMemory, BackendRocksDB, BackendBolt:
	default:
		errs = append(errs, fmt.Errorf("unknown backend %q", c.Backend))
	}
	if len(c.Collections) == 0 {
		errs = append(errs, errors.New("at least one collection is required"))
	}
	seen := make(map[string]bool)
	for _, name := range c.Collections {
		if seen[name] {
			errs = append(errs, fmt.Errorf("duplicate collection %q", name))
		}
		seen[name] = true
	}
	if c.HTTPAddr == "" {
		errs = append(errs, errors.New("http_addr is required"))
	}
	if c.SweepInterval < 0 {
		errs = append(errs, errors.New("sweep_interval must not be negative"))
	}
	return errors.Join(errs...)
}
