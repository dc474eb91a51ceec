package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/shopspring/decimal"
)

// Config represents the top-level configuration of the tracking service.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Storage   StorageConfig   `koanf:"storage"`
	Tracking  TrackingConfig  `koanf:"tracking"`
	Dispatch  DispatchConfig  `koanf:"dispatch"`
	Checkout  CheckoutConfig  `koanf:"checkout"`
	IP        IPConfig        `koanf:"ip"`
	Quiz      QuizConfig      `koanf:"quiz"`
	Log       LogConfig       `koanf:"log"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
}

type ServerConfig struct {
	Port          int    `koanf:"port"`
	Host          string `koanf:"host"`
	MaxBodySizeKB int    `koanf:"max_body_size_kb"`
	Mode          string `koanf:"mode"` // debug | release
}

type StorageConfig struct {
	Driver        string        `koanf:"driver"` // memory | postgres | sqlite
	DSN           string        `koanf:"dsn"`
	MaxOpenConns  int           `koanf:"max_open_conns"`
	MaxIdleConns  int           `koanf:"max_idle_conns"`
	AutoMigrate   bool          `koanf:"auto_migrate"`
	SweepInterval time.Duration `koanf:"sweep_interval"`
}

type TrackingConfig struct {
	Retention        time.Duration `koanf:"retention"`
	SessionTTL       time.Duration `koanf:"session_ttl"`
	PixelSettleDelay time.Duration `koanf:"pixel_settle_delay"`
	CookieDomain     string        `koanf:"cookie_domain"`
	SecureCookies    bool          `koanf:"secure_cookies"`
	LandingPath      string        `koanf:"landing_path"`
	QuizPath         string        `koanf:"quiz_path"`
	OfferPath        string        `koanf:"offer_path"`
}

type DispatchConfig struct {
	QueueSize    int               `koanf:"queue_size"`
	Workers      int               `koanf:"workers"`
	SendTimeout  time.Duration     `koanf:"send_timeout"`
	DrainTimeout time.Duration     `koanf:"drain_timeout"`
	Webhooks     map[string]string `koanf:"webhooks"` // event name -> URL
	Broker       BrokerConfig      `koanf:"broker"`
}

type BrokerConfig struct {
	URL            string        `koanf:"url"` // empty disables the broker sink
	Exchange       string        `koanf:"exchange"`
	ConfirmTimeout time.Duration `koanf:"confirm_timeout"`
}

type CheckoutConfig struct {
	URL      string `koanf:"url"`
	Value    string `koanf:"value"` // decimal string, e.g. "37.00"
	Currency string `koanf:"currency"`
}

// OfferValue parses the configured checkout value. Validate guarantees it parses.
func (c CheckoutConfig) OfferValue() decimal.Decimal {
	v, err := decimal.NewFromString(c.Value)
	if err != nil {
		return decimal.Zero
	}
	return v
}

type IPConfig struct {
	EchoEnabled bool          `koanf:"echo_enabled"`
	EchoURL     string        `koanf:"echo_url"`
	Timeout     time.Duration `koanf:"timeout"`
}

type QuizConfig struct {
	CatalogPath string `koanf:"catalog_path"` // empty uses the compiled-in catalog
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"` // text | json
}

type TelemetryConfig struct {
	Enabled     bool   `koanf:"enabled"`
	ServiceName string `koanf:"service_name"`
}

func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port %d (must be 1-65535)", c.Server.Port)
	}
	if strings.TrimSpace(c.Server.Host) == "" {
		return fmt.Errorf("server.host is required")
	}
	if c.Server.MaxBodySizeKB <= 0 {
		return fmt.Errorf("server.max_body_size_kb must be > 0")
	}
	if c.Server.Mode != "debug" && c.Server.Mode != "release" {
		return fmt.Errorf("invalid server.mode %q (must be debug or release)", c.Server.Mode)
	}

	switch c.Storage.Driver {
	case "memory":
	case "postgres", "sqlite":
		if strings.TrimSpace(c.Storage.DSN) == "" {
			return fmt.Errorf("storage.dsn is required for driver %q", c.Storage.Driver)
		}
	default:
		return fmt.Errorf("unsupported storage.driver %q (must be memory, postgres or sqlite)", c.Storage.Driver)
	}
	if c.Storage.Driver == "postgres" {
		if c.Storage.MaxOpenConns <= 0 {
			return fmt.Errorf("storage.max_open_conns must be > 0")
		}
		if c.Storage.MaxIdleConns <= 0 {
			return fmt.Errorf("storage.max_idle_conns must be > 0")
		}
	}
	if c.Storage.SweepInterval < 0 {
		return fmt.Errorf("storage.sweep_interval must be >= 0")
	}

	if c.Tracking.Retention <= 0 {
		return fmt.Errorf("tracking.retention must be > 0")
	}
	if c.Tracking.SessionTTL <= 0 {
		return fmt.Errorf("tracking.session_ttl must be > 0")
	}
	if c.Tracking.PixelSettleDelay < 0 {
		return fmt.Errorf("tracking.pixel_settle_delay must be >= 0")
	}
	for name, p := range map[string]string{
		"tracking.landing_path": c.Tracking.LandingPath,
		"tracking.quiz_path":    c.Tracking.QuizPath,
		"tracking.offer_path":   c.Tracking.OfferPath,
	} {
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("%s must start with '/', got %q", name, p)
		}
	}

	if c.Dispatch.QueueSize <= 0 {
		return fmt.Errorf("dispatch.queue_size must be > 0")
	}
	if c.Dispatch.Workers <= 0 {
		return fmt.Errorf("dispatch.workers must be > 0")
	}
	if c.Dispatch.SendTimeout <= 0 {
		return fmt.Errorf("dispatch.send_timeout must be > 0")
	}
	for name, raw := range c.Dispatch.Webhooks {
		if _, err := url.ParseRequestURI(raw); err != nil {
			return fmt.Errorf("invalid dispatch.webhooks.%s %q: %w", name, raw, err)
		}
	}
	if c.Dispatch.Broker.URL != "" && strings.TrimSpace(c.Dispatch.Broker.Exchange) == "" {
		return fmt.Errorf("dispatch.broker.exchange is required when dispatch.broker.url is set")
	}

	if _, err := url.ParseRequestURI(c.Checkout.URL); err != nil {
		return fmt.Errorf("invalid checkout.url %q: %w", c.Checkout.URL, err)
	}
	value, err := decimal.NewFromString(c.Checkout.Value)
	if err != nil {
		return fmt.Errorf("invalid checkout.value %q: %w", c.Checkout.Value, err)
	}
	if value.IsNegative() {
		return fmt.Errorf("checkout.value must be >= 0")
	}
	if len(c.Checkout.Currency) != 3 || strings.ToUpper(c.Checkout.Currency) != c.Checkout.Currency {
		return fmt.Errorf("invalid checkout.currency %q (must be an ISO 4217 code)", c.Checkout.Currency)
	}

	if c.IP.EchoEnabled {
		if _, err := url.ParseRequestURI(c.IP.EchoURL); err != nil {
			return fmt.Errorf("invalid ip.echo_url %q: %w", c.IP.EchoURL, err)
		}
	}

	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log.format %q (must be text or json)", c.Log.Format)
	}

	return nil
}

// Load parses config from defaults, file and env, then validates it.
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	defaults := map[string]interface{}{
		"server.port":                     8080,
		"server.host":                     "0.0.0.0",
		"server.max_body_size_kb":         64,
		"server.mode":                     "release",
		"storage.driver":                  "memory",
		"storage.dsn":                     "",
		"storage.max_open_conns":          25,
		"storage.max_idle_conns":          25,
		"storage.auto_migrate":            true,
		"storage.sweep_interval":          "10m",
		"tracking.retention":              "2160h", // 90 days
		"tracking.session_ttl":            "12h",
		"tracking.pixel_settle_delay":     "3s",
		"tracking.cookie_domain":          "",
		"tracking.secure_cookies":         true,
		"tracking.landing_path":           "/",
		"tracking.quiz_path":              "/quiz",
		"tracking.offer_path":             "/offer",
		"dispatch.queue_size":             1024,
		"dispatch.workers":                4,
		"dispatch.send_timeout":           "10s",
		"dispatch.drain_timeout":          "5s",
		"dispatch.broker.exchange":        "funnel.events",
		"dispatch.broker.confirm_timeout": "5s",
		"checkout.url":                    "https://pay.example.com/checkout",
		"checkout.value":                  "37.00",
		"checkout.currency":               "BRL",
		"ip.echo_enabled":                 false,
		"ip.echo_url":                     "https://api.ipify.org?format=json",
		"ip.timeout":                      "2s",
		"quiz.catalog_path":               "",
		"log.level":                       "info",
		"log.format":                      "text",
		"telemetry.enabled":               false,
		"telemetry.service_name":          "funnel-tracker",
	}
	for key, value := range defaults {
		k.Set(key, value)
	}

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	// Env keys arrive lowercased; fold file keys the same way so an override replaces
	// the file entry instead of sitting next to it.
	if err := lowercaseKeys(k, "dispatch.webhooks"); err != nil {
		return nil, err
	}

	if err := k.Load(env.Provider("FUNNEL_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "FUNNEL_")), "__", ".", -1)
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load env vars: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func lowercaseKeys(k *koanf.Koanf, path string) error {
	if !k.Exists(path) {
		return nil
	}
	entries := k.StringMap(path)
	folded := make(map[string]string, len(entries))
	for key, value := range entries {
		lower := strings.ToLower(key)
		if _, dup := folded[lower]; dup {
			return fmt.Errorf("duplicate key %s.%s (keys are case-insensitive)", path, lower)
		}
		folded[lower] = value
	}

	k.Delete(path)
	for key, value := range folded {
		if err := k.Set(path+"."+key, value); err != nil {
			return fmt.Errorf("failed to set %s.%s: %w", path, key, err)
		}
	}
	return nil
}
