package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/dj-oyu/factory-vision/feed-relay/internal/videofeed"
)

// Edge deployment modes for upstream endpoint resolution.
const (
	EdgeAuto = "auto"
	EdgeOn   = "on"
	EdgeOff  = "off"
)

// EdgeEnvVar is set by the IoT Edge runtime inside every module container.
const EdgeEnvVar = "IOTEDGE_MODULEID"

// Config defines the runtime configuration for the feed relay.
type Config struct {
	HTTP     HTTPConfig     `yaml:"http"`
	Upstream UpstreamConfig `yaml:"upstream"`
	Feed     FeedConfig     `yaml:"feed"`
	Log      LogConfig      `yaml:"log"`
}

// HTTPConfig holds listener addresses.
type HTTPConfig struct {
	Addr        string `yaml:"addr"`
	MetricsAddr string `yaml:"metrics_addr"`
	PprofAddr   string `yaml:"pprof_addr"`
}

// UpstreamConfig describes where the inference frame publisher lives.
type UpstreamConfig struct {
	EdgeMode       string        `yaml:"edge_mode"`
	ServiceHost    string        `yaml:"service_host"`
	LocalHost      string        `yaml:"local_host"`
	Port           int           `yaml:"port"`
	DialRetry      time.Duration `yaml:"dial_retry"`
	DialMaxRetries int           `yaml:"dial_max_retries"`
}

// FeedConfig tunes per-camera feeds and the idle reaper.
type FeedConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
	ReapInterval time.Duration `yaml:"reap_interval"`
}

// LogConfig mirrors the logger flags.
type LogConfig struct {
	Level string `yaml:"level"`
	Color bool   `yaml:"color"`
}

// DefaultConfig returns a config aligned with the inference module deployment.
func DefaultConfig() Config {
	return Config{
		HTTP: HTTPConfig{
			Addr:        ":8000",
			MetricsAddr: ":9090",
			PprofAddr:   "",
		},
		Upstream: UpstreamConfig{
			EdgeMode:       EdgeAuto,
			ServiceHost:    "InferenceModule",
			LocalHost:      "localhost",
			Port:           5558,
			DialRetry:      250 * time.Millisecond,
			DialMaxRetries: 10,
		},
		Feed: FeedConfig{
			PollInterval: videofeed.DefaultPollInterval,
			IdleTimeout:  5 * time.Minute,
			ReapInterval: 30 * time.Second,
		},
		Log: LogConfig{
			Level: "info",
			Color: true,
		},
	}
}

// Load reads a YAML file on top of DefaultConfig. Fields absent from the file
// keep their defaults.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// LoadEnvFile loads KEY=VALUE pairs from path into the process environment.
// A missing file is not an error; variables already set are not overwritten.
func LoadEnvFile(path string) error {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overrides fields from FEED_RELAY_* variables.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	if v := getenv("FEED_RELAY_HTTP_ADDR"); v != "" {
		c.HTTP.Addr = v
	}
	if v := getenv("FEED_RELAY_METRICS_ADDR"); v != "" {
		c.HTTP.MetricsAddr = v
	}
	if v := getenv("FEED_RELAY_EDGE_MODE"); v != "" {
		c.Upstream.EdgeMode = strings.ToLower(v)
	}
	if v := getenv("FEED_RELAY_UPSTREAM_HOST"); v != "" {
		c.Upstream.ServiceHost = v
	}
	if v := getenv("FEED_RELAY_UPSTREAM_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("FEED_RELAY_UPSTREAM_PORT: %w", err)
		}
		c.Upstream.Port = port
	}
	if v := getenv("FEED_RELAY_POLL_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("FEED_RELAY_POLL_INTERVAL: %w", err)
		}
		c.Feed.PollInterval = d
	}
	if v := getenv("FEED_RELAY_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	return nil
}

// Override applies one explicitly requested setting, such as a command-line
// flag, on top of file and environment values.
type Override func(*Config)

// Resolve layers FEED_RELAY_* variables and then overrides onto base and
// validates the result. Startup and every reload go through it so the
// precedence file < environment < flags holds after a reload too.
func Resolve(base Config, getenv func(string) string, overrides ...Override) (Config, error) {
	cfg := base
	if err := cfg.ApplyEnv(getenv); err != nil {
		return base, fmt.Errorf("invalid environment: %w", err)
	}
	for _, apply := range overrides {
		apply(&cfg)
	}
	if err := cfg.Validate(); err != nil {
		return base, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks the config for values the relay cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.HTTP.Addr == "" {
		errs = append(errs, errors.New("http.addr is empty"))
	}
	switch c.Upstream.EdgeMode {
	case EdgeAuto, EdgeOn, EdgeOff:
	default:
		errs = append(errs, fmt.Errorf("upstream.edge_mode %q is not one of auto, on, off", c.Upstream.EdgeMode))
	}
	if c.Upstream.ServiceHost == "" || c.Upstream.LocalHost == "" {
		errs = append(errs, errors.New("upstream hosts must not be empty"))
	}
	if c.Upstream.Port <= 0 || c.Upstream.Port > 65535 {
		errs = append(errs, fmt.Errorf("upstream.port %d out of range", c.Upstream.Port))
	}
	if c.Feed.PollInterval <= 0 {
		errs = append(errs, errors.New("feed.poll_interval must be positive"))
	}
	if c.Feed.IdleTimeout < 0 || c.Feed.ReapInterval < 0 {
		errs = append(errs, errors.New("feed idle_timeout and reap_interval must not be negative"))
	}
	return errors.Join(errs...)
}

// IsEdge reports whether the relay runs inside an edge deployment.
func (u UpstreamConfig) IsEdge(getenv func(string) string) bool {
	switch u.EdgeMode {
	case EdgeOn:
		return true
	case EdgeOff:
		return false
	default:
		return getenv(EdgeEnvVar) != ""
	}
}
