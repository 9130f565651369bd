package app

import (
	"os"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigyaml"
	"github.com/go-faster/errors"
	"golang.org/x/text/currency"
)

const defaultAddr = "0.0.0.0:8080"

// Config holds the complete application configuration, loadable from
// environment variables (POS_ prefix), flags, or YAML config files.
type Config struct {
	Addr        string `default:"0.0.0.0:8080" usage:"API server listen address"`
	DatabaseURL string `usage:"PostgreSQL connection URL (POS_DATABASE_URL or DATABASE_URL)" flag:"database-url"`
	Currency    string `default:"EUR" usage:"ISO 4217 currency of all amounts"`
	Location    string `default:"Local" usage:"Time zone used for report days and CSV timestamps"`
	RateLimit   RateLimitConfig
	Persistence PersistenceConfig
	Reconcile   ReconcileConfig
	Health      HealthConfig
	Graceful    GracefulConfig
}

// RateLimitConfig controls the per-terminal token bucket.
type RateLimitConfig struct {
	Max    int           `default:"120" usage:"Max requests per window"`
	Window time.Duration `default:"1m"  usage:"Rate limit window duration"`
}

// PersistenceConfig controls retries of the line-item write.
type PersistenceConfig struct {
	MaxTries      uint          `default:"3"     usage:"Attempts to write line items before rolling back" flag:"persist-max-tries"`
	RetryInterval time.Duration `default:"100ms" usage:"Initial backoff between line-item attempts" flag:"persist-retry-interval"`
}

// ReconcileConfig controls cleanup of sales left pending.
type ReconcileConfig struct {
	Interval time.Duration `default:"1m" usage:"How often pending sales are reconciled" flag:"reconcile-interval"`
	Grace    time.Duration `default:"5m" usage:"Minimum age of a pending sale before it is rolled back" flag:"reconcile-grace"`
}

// HealthConfig controls readiness thresholds.
type HealthConfig struct {
	MaxPending int64 `default:"100" usage:"Pending sales above which the service reports not ready" flag:"health-max-pending"`
}

// GracefulConfig controls graceful shutdown timing.
type GracefulConfig struct {
	ReadinessDelay  time.Duration `default:"3s"  usage:"Delay after readiness=false before shutdown" flag:"readiness-delay"`
	ShutdownTimeout time.Duration `default:"15s" usage:"Maximum shutdown duration" flag:"shutdown-timeout"`
}

// LoadConfig loads configuration from environment variables, YAML config files,
// and applies platform-specific defaults.
func LoadConfig() (*Config, error) {
	var cfg Config
	loader := aconfig.LoaderFor(&cfg, aconfig.Config{
		EnvPrefix: "POS",
		Files:     []string{"config.yaml", "/etc/pos/config.yaml"},
		FileDecoders: map[string]aconfig.FileDecoder{
			".yaml": aconfigyaml.New(),
		},
	})
	if err := loader.Load(); err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	cfg.applyPlatformDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.DatabaseURL == "" {
		return errors.New("database URL is required: set POS_DATABASE_URL or DATABASE_URL")
	}

	if _, _, err := c.locale(); err != nil {
		return err
	}
	if c.Reconcile.Interval <= 0 {
		return errors.Errorf("reconcile interval must be positive, got %s", c.Reconcile.Interval)
	}
	if c.Persistence.MaxTries == 0 {
		return errors.New("persistence max tries must be at least 1")
	}
	return nil
}

// locale parses Currency and Location.
func (c *Config) locale() (currency.Unit, *time.Location, error) {
	cur, err := currency.ParseISO(c.Currency)
	if err != nil {
		return currency.Unit{}, nil, errors.Wrapf(err, "parse currency %q", c.Currency)
	}
	loc, err := time.LoadLocation(c.Location)
	if err != nil {
		return currency.Unit{}, nil, errors.Wrapf(err, "load location %q", c.Location)
	}
	return cur, loc, nil
}

// applyPlatformDefaults maps platform-provided environment variables that
// use standard names like DATABASE_URL and PORT to the POS_-prefixed
// configuration.
func (c *Config) applyPlatformDefaults() {
	if c.DatabaseURL == "" {
		c.DatabaseURL = os.Getenv("DATABASE_URL")
	}
	if port := os.Getenv("PORT"); port != "" && c.Addr == defaultAddr {
		c.Addr = "0.0.0.0:" + port
	}
}
