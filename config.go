package syncbox

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"

	"syncbox/netmon"
	"syncbox/perf"
	"syncbox/queue"
)

// EndpointConfig describes one connectivity probe target.
type EndpointConfig struct {
	URL        string `mapstructure:"url"`
	WantStatus int    `mapstructure:"want_status"`
	WantBody   string `mapstructure:"want_body"`
}

// Config holds everything the sync service needs. Durations accept the
// usual string forms ("300ms", "5s") in config files and environment
// variables.
type Config struct {
	// DBPath is the SQLite database location. ":memory:" keeps
	// everything in process memory, which defeats offline durability and
	// only suits tests.
	DBPath string `mapstructure:"db_path"`

	// MaxRetries is the retry budget Enqueue assigns to operations.
	MaxRetries int `mapstructure:"max_retries"`

	// SyncSchedule is an optional cron expression ("@every 15m",
	// "0 */4 * * *") for wall-clock sync triggers. Empty disables it.
	SyncSchedule string `mapstructure:"sync_schedule"`

	// ProbeEndpoints overrides the default connectivity probe targets.
	// Captive-portal detection needs at least two on unrelated domains.
	ProbeEndpoints []EndpointConfig `mapstructure:"probe_endpoints"`

	// ProbeTimeout bounds each probe request.
	ProbeTimeout time.Duration `mapstructure:"probe_timeout"`

	// CheckInterval is how often connectivity is re-checked in the
	// background.
	CheckInterval time.Duration `mapstructure:"check_interval"`

	// GoodLatency and PoorLatency split usable connections into
	// excellent, good and poor.
	GoodLatency time.Duration `mapstructure:"good_latency"`
	PoorLatency time.Duration `mapstructure:"poor_latency"`

	// PerfRingSize is how many timing samples the in-memory collector
	// retains.
	PerfRingSize int `mapstructure:"perf_ring_size"`
}

// DefaultConfig returns the production defaults. DBPath stays empty;
// every deployment must choose where its data lives.
func DefaultConfig() Config {
	return Config{
		MaxRetries:    queue.DefaultMaxRetries,
		ProbeTimeout:  netmon.DefaultProbeTimeout,
		CheckInterval: netmon.DefaultCheckInterval,
		GoodLatency:   netmon.DefaultGoodLatency,
		PoorLatency:   netmon.DefaultPoorLatency,
		PerfRingSize:  perf.DefaultRingSize,
	}
}

// LoadConfig reads configuration from an optional file plus SYNCBOX_*
// environment variables. Environment values win over the file, the file
// wins over defaults.
// PRE: path is empty or names a readable config file
// POST: the returned config passed Validate
func LoadConfig(path string) (Config, error) {
	def := DefaultConfig()

	v := viper.New()
	v.SetEnvPrefix("SYNCBOX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv only surfaces keys viper already knows about, so
	// every field needs its default registered.
	v.SetDefault("db_path", def.DBPath)
	v.SetDefault("max_retries", def.MaxRetries)
	v.SetDefault("sync_schedule", def.SyncSchedule)
	v.SetDefault("probe_timeout", def.ProbeTimeout)
	v.SetDefault("check_interval", def.CheckInterval)
	v.SetDefault("good_latency", def.GoodLatency)
	v.SetDefault("poor_latency", def.PoorLatency)
	v.SetDefault("perf_ring_size", def.PerfRingSize)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first problem with the configuration.
func (c Config) Validate() error {
	if c.DBPath == "" {
		return errors.New("config: db_path is required")
	}
	if c.MaxRetries <= 0 {
		return fmt.Errorf("config: max_retries must be positive, got %d", c.MaxRetries)
	}
	if c.ProbeTimeout <= 0 || c.CheckInterval <= 0 {
		return errors.New("config: probe_timeout and check_interval must be positive")
	}
	if c.GoodLatency <= 0 || c.PoorLatency <= c.GoodLatency {
		return errors.New("config: poor_latency must exceed good_latency, both positive")
	}
	if len(c.ProbeEndpoints) == 1 {
		return errors.New("config: probe_endpoints needs at least two entries on unrelated domains")
	}
	for i, ep := range c.ProbeEndpoints {
		if ep.URL == "" {
			return fmt.Errorf("config: probe_endpoints[%d] has no url", i)
		}
	}
	if c.SyncSchedule != "" {
		if _, err := cron.ParseStandard(c.SyncSchedule); err != nil {
			return fmt.Errorf("config: invalid sync_schedule %q: %w", c.SyncSchedule, err)
		}
	}
	if c.PerfRingSize < 0 {
		return fmt.Errorf("config: perf_ring_size must not be negative, got %d", c.PerfRingSize)
	}
	return nil
}

// netmonConfig maps the service configuration onto the monitor's.
func (c Config) netmonConfig() netmon.Config {
	eps := make([]netmon.Endpoint, 0, len(c.ProbeEndpoints))
	for _, ep := range c.ProbeEndpoints {
		eps = append(eps, netmon.Endpoint{URL: ep.URL, WantStatus: ep.WantStatus, WantBody: ep.WantBody})
	}
	return netmon.Config{
		Endpoints:     eps,
		ProbeTimeout:  c.ProbeTimeout,
		CheckInterval: c.CheckInterval,
		GoodLatency:   c.GoodLatency,
		PoorLatency:   c.PoorLatency,
	}
}
