package goICloud

import (
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"

	"github.com/MrEthical07/goICloud/apps"
	"github.com/MrEthical07/goICloud/cookie"
	"github.com/MrEthical07/goICloud/identity"
	"github.com/MrEthical07/goICloud/push"
	"github.com/MrEthical07/goICloud/transport"
)

// EnvPrefix is prepended to every environment variable read by LoadConfig.
const EnvPrefix = "ICLOUD_"

// Config is the full engine configuration. Start from DefaultConfig or
// LoadConfig; the zero value does not validate.
type Config struct {
	Provider  transport.Endpoints `toml:"provider" envPrefix:"PROVIDER_"`
	Client    identity.Settings   `toml:"client" envPrefix:"CLIENT_"`
	Push      PushConfig          `toml:"push" envPrefix:"PUSH_"`
	Cookies   CookieConfig        `toml:"cookies" envPrefix:"COOKIES_"`
	Transport TransportConfig     `toml:"transport" envPrefix:"TRANSPORT_"`
	Events    EventsConfig        `toml:"events" envPrefix:"EVENTS_"`
	Metrics   MetricsConfig       `toml:"metrics" envPrefix:"METRICS_"`
	Store     StoreConfig         `toml:"store" envPrefix:"STORE_"`
}

/*
====================================
PUSH CONFIG
====================================
*/

// PushConfig controls the best-effort push registration run after every
// successful account login.
type PushConfig struct {
	Enabled bool `toml:"enabled" env:"ENABLED"`
	// TTL is the requested token lifetime in seconds.
	TTL int `toml:"ttl" env:"TTL"`
	// Topics overrides the catalogue topic set when non-empty.
	Topics []string `toml:"topics" env:"TOPICS" envSeparator:","`
	// Services lists the device registration targets. Empty means the
	// catalogue default.
	Services []string `toml:"services" env:"SERVICES" envSeparator:","`
}

/*
====================================
COOKIE CONFIG
====================================
*/

// CookieConfig names the cookies exempt from the expiry check.
type CookieConfig struct {
	TrustMarkerNames []string `toml:"trust_marker_names" env:"TRUST_MARKER_NAMES" envSeparator:","`
}

/*
====================================
TRANSPORT CONFIG
====================================
*/

// TransportConfig configures the default HTTP collaborator. It is ignored
// when a Doer is injected through the Builder.
type TransportConfig struct {
	Timeout         time.Duration `toml:"timeout" env:"TIMEOUT"`
	MaxRetries      int           `toml:"max_retries" env:"MAX_RETRIES"`
	RetryBaseDelay  time.Duration `toml:"retry_base_delay" env:"RETRY_BASE_DELAY"`
	RetryMaxDelay   time.Duration `toml:"retry_max_delay" env:"RETRY_MAX_DELAY"`
	RateLimit       float64       `toml:"rate_limit" env:"RATE_LIMIT"`
	RateBurst       int           `toml:"rate_burst" env:"RATE_BURST"`
	MaxResponseSize int64         `toml:"max_response_size" env:"MAX_RESPONSE_SIZE"`
}

/*
====================================
EVENTS / METRICS CONFIG
====================================
*/

// EventsConfig configures the asynchronous event dispatcher.
type EventsConfig struct {
	Enabled    bool `toml:"enabled" env:"ENABLED"`
	BufferSize int  `toml:"buffer_size" env:"BUFFER_SIZE"`
	DropIfFull bool `toml:"drop_if_full" env:"DROP_IF_FULL"`
	// CloseTimeout bounds how long Close waits for the sink to take queued
	// events. Afterwards the sink context is cancelled and the rest is
	// counted as dropped.
	CloseTimeout time.Duration `toml:"close_timeout" env:"CLOSE_TIMEOUT"`
}

// MetricsConfig enables the in-process counters.
type MetricsConfig struct {
	Enabled                 bool `toml:"enabled" env:"ENABLED"`
	EnableLatencyHistograms bool `toml:"enable_latency_histograms" env:"ENABLE_LATENCY_HISTOGRAMS"`
}

/*
====================================
STORE CONFIG
====================================
*/

// Store drivers accepted by OpenStore.
const (
	StoreNone   = "none"
	StoreRedis  = "redis"
	StoreFile   = "file"
	StoreSQLite = "sqlite"
)

// StoreConfig selects where hosts persist the session blob.
type StoreConfig struct {
	Driver        string        `toml:"driver" env:"DRIVER"`
	RedisAddr     string        `toml:"redis_addr" env:"REDIS_ADDR"`
	RedisPassword string        `toml:"redis_password" env:"REDIS_PASSWORD"`
	RedisDB       int           `toml:"redis_db" env:"REDIS_DB"`
	RedisPrefix   string        `toml:"redis_prefix" env:"REDIS_PREFIX"`
	TTL           time.Duration `toml:"ttl" env:"TTL"`
	// Path is the directory of the file store or the SQLite database file.
	Path string `toml:"path" env:"PATH"`
}

/*
====================================
DEFAULT CONFIG
====================================
*/

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return defaultConfig()
}

func defaultConfig() Config {
	return Config{
		Provider: transport.DefaultEndpoints(),
		Client:   identity.DefaultSettings(),
		Push: PushConfig{
			Enabled:  true,
			TTL:      push.DefaultTTL,
			Topics:   apps.Topics(),
			Services: apps.DeviceServices(),
		},
		Cookies: CookieConfig{
			TrustMarkerNames: []string{cookie.DefaultTrustMarker},
		},
		Transport: TransportConfig{
			Timeout:         30 * time.Second,
			MaxRetries:      2,
			RetryBaseDelay:  250 * time.Millisecond,
			RetryMaxDelay:   5 * time.Second,
			RateLimit:       5,
			RateBurst:       5,
			MaxResponseSize: 4 << 20,
		},
		Events: EventsConfig{
			Enabled:    true,
			BufferSize:   64,
			DropIfFull:   false,
			CloseTimeout: 2 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled:                 true,
			EnableLatencyHistograms: false,
		},
		Store: StoreConfig{
			Driver:      StoreNone,
			RedisPrefix: "icloud",
		},
	}
}

func cloneConfig(cfg Config) Config {
	out := cfg
	out.Push.Topics = slices.Clone(cfg.Push.Topics)
	out.Push.Services = slices.Clone(cfg.Push.Services)
	out.Cookies.TrustMarkerNames = slices.Clone(cfg.Cookies.TrustMarkerNames)
	return out
}

/*
====================================
LOADING
====================================
*/

// LoadConfig starts from the defaults, overlays the TOML file at path (when
// path is non-empty) and then ICLOUD_* environment variables, and validates
// the result. Nested sections map to ICLOUD_<SECTION>_<FIELD>, for example
// ICLOUD_TRANSPORT_TIMEOUT=10s.
func LoadConfig(path string) (Config, error) {
	return loadConfig(path, nil)
}

func loadConfig(path string, environ map[string]string) (Config, error) {
	cfg := defaultConfig()
	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return Config{}, fmt.Errorf("config %s: %w", path, err)
		}
	}
	opts := env.Options{Prefix: EnvPrefix}
	if environ != nil {
		opts.Environment = environ
	}
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, fmt.Errorf("config env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

/*
====================================
VALIDATION
====================================
*/

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	// Provider
	for _, ep := range []struct{ name, raw string }{
		{"Provider Auth", c.Provider.Auth},
		{"Provider Setup", c.Provider.Setup},
		{"Provider Origin", c.Provider.Origin},
		{"Provider Courier", c.Provider.Courier},
	} {
		u, err := url.Parse(ep.raw)
		if err != nil || u.Host == "" || (u.Scheme != "https" && u.Scheme != "http") {
			return fmt.Errorf("%s must be an absolute http(s) URL", ep.name)
		}
	}

	// Client
	if err := c.Client.Validate(); err != nil {
		return fmt.Errorf("Client: %w", err)
	}

	// Push
	if c.Push.TTL < 0 {
		return errors.New("Push TTL must be >= 0")
	}
	if c.Push.Enabled && len(c.Push.Topics) == 0 {
		return errors.New("Push Topics must not be empty when push is enabled")
	}
	for _, svc := range c.Push.Services {
		if strings.TrimSpace(svc) == "" || strings.Contains(svc, "/") {
			return fmt.Errorf("Push Services contains invalid service %q", svc)
		}
	}

	// Cookies
	for _, name := range c.Cookies.TrustMarkerNames {
		if strings.TrimSpace(name) == "" {
			return errors.New("Cookies TrustMarkerNames must not contain blank names")
		}
	}

	// Transport
	if c.Transport.Timeout <= 0 {
		return errors.New("Transport Timeout must be > 0")
	}
	if c.Transport.MaxRetries < 0 {
		return errors.New("Transport MaxRetries must be >= 0")
	}
	if c.Transport.MaxRetries > 0 && c.Transport.RetryBaseDelay <= 0 {
		return errors.New("Transport RetryBaseDelay must be > 0 when retries are enabled")
	}
	if c.Transport.RetryMaxDelay < c.Transport.RetryBaseDelay {
		return errors.New("Transport RetryMaxDelay must be >= RetryBaseDelay")
	}
	if c.Transport.RateLimit < 0 {
		return errors.New("Transport RateLimit must be >= 0")
	}
	if c.Transport.RateLimit > 0 && c.Transport.RateBurst < 1 {
		return errors.New("Transport RateBurst must be >= 1 when RateLimit is set")
	}
	if c.Transport.MaxResponseSize <= 0 {
		return errors.New("Transport MaxResponseSize must be > 0")
	}

	// Events
	if c.Events.Enabled && c.Events.BufferSize <= 0 {
		return errors.New("Events BufferSize must be > 0 when events are enabled")
	}
	if c.Events.Enabled && c.Events.CloseTimeout <= 0 {
		return errors.New("Events CloseTimeout must be > 0 when events are enabled")
	}

	// Metrics
	if c.Metrics.EnableLatencyHistograms && !c.Metrics.Enabled {
		return errors.New("Metrics EnableLatencyHistograms requires Metrics Enabled")
	}

	// Store
	switch c.Store.Driver {
	case "", StoreNone:
	case StoreRedis:
		// An empty address selects an in-process server in the CLI.
	case StoreFile, StoreSQLite:
		if strings.TrimSpace(c.Store.Path) == "" {
			return fmt.Errorf("Store Path is required for driver %q", c.Store.Driver)
		}
	default:
		return fmt.Errorf("Store Driver %q is not supported", c.Store.Driver)
	}
	if c.Store.TTL < 0 {
		return errors.New("Store TTL must be >= 0")
	}

	return nil
}

func (c *Config) httpOptions() transport.HTTPOptions {
	return transport.HTTPOptions{
		Timeout:         c.Transport.Timeout,
		MaxRetries:      c.Transport.MaxRetries,
		RetryBaseDelay:  c.Transport.RetryBaseDelay,
		RetryMaxDelay:   c.Transport.RetryMaxDelay,
		RateLimit:       c.Transport.RateLimit,
		RateBurst:       c.Transport.RateBurst,
		MaxResponseSize: c.Transport.MaxResponseSize,
	}
}
