package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"
)

type Config struct {
	Port           string        `mapstructure:"PORT"`
	Env            string        `mapstructure:"ENV"`
	DatabaseURL    string        `mapstructure:"DATABASE_URL"`
	DBMaxConns     int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns     int32         `mapstructure:"DB_MIN_CONNS"`
	AuthIssuer     string        `mapstructure:"AUTH_ISSUER"`
	AuthJWKSURL    string        `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience   string        `mapstructure:"AUTH_AUDIENCE"`
	AuthSigningKey string        `mapstructure:"AUTH_SIGNING_KEY"`
	DevCenterID    string        `mapstructure:"DEV_CENTER_ID"`
	CORSOrigins    []string      `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS   float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int           `mapstructure:"RATE_LIMIT_BURST"`
	TLSEnabled     bool          `mapstructure:"TLS_ENABLED"`
	TLSCertFile    string        `mapstructure:"TLS_CERT_FILE"`
	TLSKeyFile     string        `mapstructure:"TLS_KEY_FILE"`
	MetricsEnabled bool          `mapstructure:"METRICS_ENABLED"`
	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	BodyLimit      string        `mapstructure:"BODY_LIMIT"`
	AuditPersist   bool          `mapstructure:"AUDIT_PERSIST"`
	Triage         Triage        `mapstructure:",squash"`
}

// Triage holds the inbox and intervention settings.
type Triage struct {
	LookbackDays     int     `mapstructure:"TRIAGE_LOOKBACK_DAYS"`
	MaxLookbackDays  int     `mapstructure:"TRIAGE_MAX_LOOKBACK_DAYS"`
	DeviationEnabled bool    `mapstructure:"TRIAGE_DEVIATION_ENABLED"`
	HighIntensity    int     `mapstructure:"TRIAGE_HIGH_INTENSITY"`
	DeviationMargin  float64 `mapstructure:"TRIAGE_DEVIATION_MARGIN"`
	AtomicCascade    bool    `mapstructure:"TRIAGE_ATOMIC_CASCADE"`
	ActionCatalog    string  `mapstructure:"TRIAGE_ACTION_CATALOG"`
}

var envKeys = []string{
	"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"AUTH_ISSUER", "AUTH_JWKS_URL", "AUTH_AUDIENCE", "AUTH_SIGNING_KEY", "DEV_CENTER_ID",
	"CORS_ORIGINS", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
	"TLS_ENABLED", "TLS_CERT_FILE", "TLS_KEY_FILE", "METRICS_ENABLED",
	"REQUEST_TIMEOUT", "BODY_LIMIT", "AUDIT_PERSIST",
	"TRIAGE_LOOKBACK_DAYS", "TRIAGE_MAX_LOOKBACK_DAYS", "TRIAGE_DEVIATION_ENABLED",
	"TRIAGE_HIGH_INTENSITY", "TRIAGE_DEVIATION_MARGIN", "TRIAGE_ATOMIC_CASCADE",
	"TRIAGE_ACTION_CATALOG",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)
	v.SetDefault("METRICS_ENABLED", true)
	v.SetDefault("REQUEST_TIMEOUT", "15s")
	v.SetDefault("BODY_LIMIT", "64K")
	v.SetDefault("AUDIT_PERSIST", true)
	v.SetDefault("TRIAGE_LOOKBACK_DAYS", 14)
	v.SetDefault("TRIAGE_MAX_LOOKBACK_DAYS", 90)
	v.SetDefault("TRIAGE_DEVIATION_ENABLED", false)
	v.SetDefault("TRIAGE_HIGH_INTENSITY", 8)
	v.SetDefault("TRIAGE_DEVIATION_MARGIN", 3)
	v.SetDefault("TRIAGE_ATOMIC_CASCADE", true)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, key := range envKeys {
		_ = v.BindEnv(key)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// ResolvedAuthMode returns how bearer tokens are checked:
//   - ENV=development         → "development" (unauthenticated requests act as DEV_CENTER_ID admin)
//   - AUTH_ISSUER/JWKS URL set → "external"
//   - AUTH_SIGNING_KEY set     → "shared-secret"
func (c *Config) ResolvedAuthMode() string {
	switch {
	case c.IsDev():
		return "development"
	case c.AuthIssuer != "" || c.AuthJWKSURL != "":
		return "external"
	case c.AuthSigningKey != "":
		return "shared-secret"
	default:
		return ""
	}
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	if c.ResolvedAuthMode() == "" {
		return fmt.Errorf(
			"AUTH_ISSUER, AUTH_JWKS_URL or AUTH_SIGNING_KEY must be set when ENV=%q; "+
				"refusing to start without authentication configuration", c.Env)
	}
	if c.IsProduction() && c.AuthSigningKey != "" && c.AuthIssuer == "" && c.AuthJWKSURL == "" {
		return fmt.Errorf("AUTH_SIGNING_KEY is for development and testing only; configure AUTH_ISSUER in production")
	}
	if c.IsDev() && c.DevCenterID != "" {
		if _, err := uuid.Parse(c.DevCenterID); err != nil {
			return fmt.Errorf("DEV_CENTER_ID is not a valid uuid: %w", err)
		}
	}

	if c.RequestTimeout <= 0 {
		return fmt.Errorf("REQUEST_TIMEOUT must be positive, got %s", c.RequestTimeout)
	}

	t := c.Triage
	if t.MaxLookbackDays < 1 {
		return fmt.Errorf("TRIAGE_MAX_LOOKBACK_DAYS must be at least 1, got %d", t.MaxLookbackDays)
	}
	if t.LookbackDays < 1 || t.LookbackDays > t.MaxLookbackDays {
		return fmt.Errorf("TRIAGE_LOOKBACK_DAYS must be within 1-%d, got %d", t.MaxLookbackDays, t.LookbackDays)
	}
	if t.HighIntensity < 1 || t.HighIntensity > 10 {
		return fmt.Errorf("TRIAGE_HIGH_INTENSITY must be within 1-10, got %d", t.HighIntensity)
	}
	if t.DeviationMargin <= 0 {
		return fmt.Errorf("TRIAGE_DEVIATION_MARGIN must be positive, got %v", t.DeviationMargin)
	}

	// TLS validation: when TLS is enabled, cert and key files must be specified.
	if c.TLSEnabled {
		if c.TLSCertFile == "" {
			return fmt.Errorf("TLS_CERT_FILE is required when TLS_ENABLED is true")
		}
		if c.TLSKeyFile == "" {
			return fmt.Errorf("TLS_KEY_FILE is required when TLS_ENABLED is true")
		}
	}

	return nil
}
