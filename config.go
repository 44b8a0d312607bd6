package authpipe

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/MrEthical07/authpipe/audit"
	"github.com/MrEthical07/authpipe/authapi"
	"github.com/MrEthical07/authpipe/gateway"
	"github.com/MrEthical07/authpipe/metrics"
	"github.com/MrEthical07/authpipe/monitor"
	"github.com/MrEthical07/authpipe/stepup"
	"github.com/MrEthical07/authpipe/store"
	"github.com/MrEthical07/authpipe/tenant"
)

// EnvPrefix prefixes every variable read by [LoadConfig].
const EnvPrefix = "AUTHPIPE_"

// Config is the full pipeline configuration. Build it from [DefaultConfig]
// or [LoadConfig] and adjust fields before handing it to the builder.
type Config struct {
	// BaseURL is the auth server and API origin, e.g. https://api.example.com.
	BaseURL string
	Paths   authapi.Paths
	Gateway gateway.Config
	Tenant  tenant.Config
	Monitor MonitorConfig
	StepUp  stepup.Config
	Store   StoreConfig
	Audit   audit.Config
	Metrics metrics.Config
}

// MonitorConfig controls idle monitoring. A disabled monitor never logs
// the user out.
type MonitorConfig struct {
	Enabled bool
	monitor.Config
}

// StoreConfig names the credential slots and the Redis layout used when a
// Redis client is supplied.
type StoreConfig struct {
	Keys        store.Keys
	RedisPrefix string
	// RedisTTL expires stored credentials. Zero keeps them until logout.
	RedisTTL time.Duration
}

// DefaultConfig returns the standard configuration with no BaseURL.
func DefaultConfig() Config {
	return Config{
		Paths:   authapi.DefaultPaths(),
		Gateway: gateway.DefaultConfig(),
		Tenant:  tenant.DefaultConfig(),
		Monitor: MonitorConfig{Enabled: true, Config: monitor.DefaultConfig()},
		StepUp:  stepup.DefaultConfig(),
		Store: StoreConfig{
			Keys:        store.DefaultKeys(),
			RedisPrefix: "authpipe:",
		},
		Audit:   audit.DefaultConfig(),
		Metrics: metrics.Config{},
	}
}

func cloneConfig(cfg Config) Config {
	out := cfg
	out.Gateway.ExemptPaths = slices.Clone(cfg.Gateway.ExemptPaths)
	out.Tenant.AdminHosts = slices.Clone(cfg.Tenant.AdminHosts)
	out.Tenant.AdminLabels = slices.Clone(cfg.Tenant.AdminLabels)
	return out
}

// Validate checks every section.
func (c *Config) Validate() error {
	u, err := url.Parse(c.BaseURL)
	if c.BaseURL == "" || err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("authpipe: BaseURL %q must be an absolute URL", c.BaseURL)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.New("authpipe: BaseURL scheme must be http or https")
	}
	if err := c.Gateway.Validate(); err != nil {
		return err
	}
	if c.Monitor.Enabled {
		if err := c.Monitor.Config.Validate(); err != nil {
			return err
		}
	}
	if err := c.StepUp.Validate(); err != nil {
		return err
	}
	if err := c.Store.Keys.Validate(); err != nil {
		return err
	}
	if c.Store.RedisTTL < 0 {
		return errors.New("authpipe: Store RedisTTL must be >= 0")
	}
	if c.Audit.Enabled && c.Audit.BufferSize <= 0 {
		return errors.New("authpipe: Audit BufferSize must be > 0 when enabled")
	}
	if c.Metrics.EnableLatencyHistograms && !c.Metrics.Enabled {
		return errors.New("authpipe: latency histograms require metrics to be enabled")
	}
	return nil
}

// LoadConfig starts from [DefaultConfig], loads each existing env file
// with godotenv (variables already set win), then applies AUTHPIPE_*
// variables. It validates the result.
func LoadConfig(envFiles ...string) (Config, error) {
	for _, f := range envFiles {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return Config{}, fmt.Errorf("authpipe: load %s: %w", f, err)
		}
	}

	cfg := DefaultConfig()
	var errs []error
	env := envReader{errs: &errs}

	cfg.BaseURL = env.str("BASE_URL", cfg.BaseURL)
	cfg.Gateway.TenantHeader = env.str("TENANT_HEADER", cfg.Gateway.TenantHeader)
	cfg.Gateway.RequestIDHeader = env.str("REQUEST_ID_HEADER", cfg.Gateway.RequestIDHeader)
	cfg.Gateway.DefaultOrigin = env.str("DEFAULT_ORIGIN", cfg.Gateway.DefaultOrigin)
	cfg.Gateway.RefreshTimeout = env.duration("REFRESH_TIMEOUT", cfg.Gateway.RefreshTimeout)
	cfg.Gateway.ExemptPaths = env.list("EXEMPT_PATHS", cfg.Gateway.ExemptPaths)
	cfg.Tenant.AdminHosts = env.list("ADMIN_HOSTS", cfg.Tenant.AdminHosts)
	cfg.Tenant.AdminLabels = env.list("ADMIN_LABELS", cfg.Tenant.AdminLabels)

	cfg.Monitor.Enabled = env.boolean("IDLE_MONITOR", cfg.Monitor.Enabled)
	cfg.Monitor.IdleTimeout = env.duration("IDLE_TIMEOUT", cfg.Monitor.IdleTimeout)
	cfg.Monitor.WarningLeadTime = env.duration("IDLE_WARNING", cfg.Monitor.WarningLeadTime)
	cfg.Monitor.PollInterval = env.duration("IDLE_POLL", cfg.Monitor.PollInterval)

	cfg.StepUp.MinBackupCodeLength = env.integer("MIN_BACKUP_CODE_LENGTH", cfg.StepUp.MinBackupCodeLength)
	cfg.Store.RedisPrefix = env.str("REDIS_PREFIX", cfg.Store.RedisPrefix)
	cfg.Store.RedisTTL = env.duration("REDIS_TTL", cfg.Store.RedisTTL)

	cfg.Audit.Enabled = env.boolean("AUDIT_ENABLED", cfg.Audit.Enabled)
	cfg.Audit.BufferSize = env.integer("AUDIT_BUFFER", cfg.Audit.BufferSize)
	cfg.Metrics.Enabled = env.boolean("METRICS_ENABLED", cfg.Metrics.Enabled)
	cfg.Metrics.EnableLatencyHistograms = env.boolean("LATENCY_HISTOGRAMS", cfg.Metrics.EnableLatencyHistograms)

	if err := errors.Join(errs...); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("authpipe: config validation failed: %w", err)
	}
	return cfg, nil
}

type envReader struct {
	errs *[]error
}

func (e envReader) lookup(name string) (string, bool) {
	v, ok := os.LookupEnv(EnvPrefix + name)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

func (e envReader) fail(name string, err error) {
	*e.errs = append(*e.errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
}

func (e envReader) str(name, def string) string {
	if v, ok := e.lookup(name); ok {
		return v
	}
	return def
}

func (e envReader) list(name string, def []string) []string {
	v, ok := e.lookup(name)
	if !ok {
		return def
	}
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (e envReader) duration(name string, def time.Duration) time.Duration {
	v, ok := e.lookup(name)
	if !ok {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.fail(name, err)
		return def
	}
	return d
}

func (e envReader) integer(name string, def int) int {
	v, ok := e.lookup(name)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.fail(name, err)
		return def
	}
	return n
}

func (e envReader) boolean(name string, def bool) bool {
	v, ok := e.lookup(name)
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.fail(name, err)
		return def
	}
	return b
}
