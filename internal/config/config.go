package config

import (
	"fmt"
	"log"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Port         string   `mapstructure:"PORT"`
	Env          string   `mapstructure:"ENV"`
	DatabaseURL  string   `mapstructure:"DATABASE_URL"`
	DBMaxConns   int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns   int32    `mapstructure:"DB_MIN_CONNS"`
	AuthIssuer   string   `mapstructure:"AUTH_ISSUER"`
	AuthJWKSURL  string   `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience string   `mapstructure:"AUTH_AUDIENCE"`
	AuthHMACKey  string   `mapstructure:"AUTH_HMAC_KEY"`
	CORSOrigins  []string `mapstructure:"CORS_ORIGINS"`

	InvitationTTLHours int `mapstructure:"INVITATION_TTL_HOURS"`

	AuditRootLimit     int `mapstructure:"AUDIT_ROOT_LIMIT"`
	AuditPatientSample int `mapstructure:"AUDIT_PATIENT_SAMPLE"`
	AuditMaxExamples   int `mapstructure:"AUDIT_MAX_EXAMPLES"`
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
	v.SetDefault("INVITATION_TTL_HOURS", 24)
	v.SetDefault("AUDIT_ROOT_LIMIT", 2000)
	v.SetDefault("AUDIT_PATIENT_SAMPLE", 50)
	v.SetDefault("AUDIT_MAX_EXAMPLES", 20)

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("PORT")
	v.BindEnv("ENV")
	v.BindEnv("DATABASE_URL")
	v.BindEnv("DB_MAX_CONNS")
	v.BindEnv("DB_MIN_CONNS")
	v.BindEnv("AUTH_ISSUER")
	v.BindEnv("AUTH_JWKS_URL")
	v.BindEnv("AUTH_AUDIENCE")
	v.BindEnv("AUTH_HMAC_KEY")
	v.BindEnv("CORS_ORIGINS")
	v.BindEnv("INVITATION_TTL_HOURS")
	v.BindEnv("AUDIT_ROOT_LIMIT")
	v.BindEnv("AUDIT_PATIENT_SAMPLE")
	v.BindEnv("AUDIT_MAX_EXAMPLES")

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

	if cfg.IsDev() {
		log.Println("WARNING: ============================================================")
		log.Println("WARNING: Server is running in DEVELOPMENT mode (ENV=development).")
		log.Println("WARNING: DevAuthMiddleware is active — all requests get admin access.")
		log.Println("WARNING: Do NOT use this configuration in production.")
		log.Println("WARNING: ============================================================")
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

// Validate checks that the configuration is safe to run. Outside development
// a real database and real JWT validation are mandatory; the in-memory store
// and the permissive auth middleware exist for development only.
func (c *Config) Validate() error {
	if c.IsDev() {
		return nil
	}
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required when ENV=%q", c.Env)
	}
	if c.AuthIssuer == "" && c.AuthJWKSURL == "" && c.AuthHMACKey == "" {
		return fmt.Errorf(
			"one of AUTH_ISSUER, AUTH_JWKS_URL or AUTH_HMAC_KEY must be set when ENV=%q. "+
				"Refusing to start without authentication configuration", c.Env)
	}
	if c.AuditRootLimit <= 0 || c.AuditPatientSample <= 0 || c.AuditMaxExamples <= 0 {
		return fmt.Errorf("audit limits must be positive")
	}
	return nil
}
