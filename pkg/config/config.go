package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cohortly/tms/pkg/observability"
)

// Environment names recognized by the service
const (
	EnvDevelopment = "development"
	EnvStaging     = "staging"
	EnvProduction  = "production"
)

// productionHostPatterns are datastore hostname fragments that indicate a
// production database. The development auth bypass refuses to enable when the
// configured postgres URL matches any of them.
var productionHostPatterns = []string{"railway", "render", "prod", "amazonaws"}

// Config holds all application configuration. It is built once at startup,
// validated, and passed explicitly to every component that needs it.
type Config struct {
	Environment string `yaml:"environment"`

	Server        ServerConfig        `yaml:"server"`
	Database      DatabaseConfig      `yaml:"database"`
	Auth          AuthConfig          `yaml:"auth"`
	SSO           SSOConfig           `yaml:"sso"`
	Audit         AuditConfig         `yaml:"audit"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            string        `yaml:"port"`
	BaseURL         string        `yaml:"base_url"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// Health/metrics server (separate port for k8s probes)
	HealthPort string `yaml:"health_port"`
}

// DatabaseConfig holds PostgreSQL configuration
type DatabaseConfig struct {
	URL          string        `yaml:"url"`
	MaxOpenConns int           `yaml:"max_open_conns"`
	MaxIdleConns int           `yaml:"max_idle_conns"`
	ConnLifetime time.Duration `yaml:"conn_lifetime"`
}

// AuthConfig holds token, cookie, and CSRF settings
type AuthConfig struct {
	JWTSecret       string        `yaml:"jwt_secret"`
	AccessTokenTTL  time.Duration `yaml:"access_token_ttl"`
	RefreshTokenTTL time.Duration `yaml:"refresh_token_ttl"`
	CSRFSecret      string        `yaml:"csrf_secret"`
	CSRFTokenTTL    time.Duration `yaml:"csrf_token_ttl"`

	// CSRFTestMode disables CSRF validation. Test harness only.
	CSRFTestMode bool `yaml:"csrf_test_mode"`

	// DevAuthBypass short-circuits authentication with a synthetic admin
	// identity. Validate() refuses it outside a development environment
	// or against anything that looks like a production database.
	DevAuthBypass bool `yaml:"dev_auth_bypass"`
}

// SSOConfig holds federation settings
type SSOConfig struct {
	Enabled bool   `yaml:"enabled"`
	Type    string `yaml:"type"` // "saml" or "oidc"

	// SAML
	IdPEntityID    string `yaml:"idp_entity_id"`
	IdPSSOURL      string `yaml:"idp_sso_url"`
	IdPCertificate string `yaml:"idp_certificate"` // PEM
	SPPrivateKey   string `yaml:"-"`

	// OIDC
	OIDCIssuerURL    string   `yaml:"oidc_issuer_url"`
	OIDCClientID     string   `yaml:"oidc_client_id"`
	OIDCClientSecret string   `yaml:"-"`
	OIDCScopes       []string `yaml:"oidc_scopes"`
}

// AuditConfig holds audit trail settings
type AuditConfig struct {
	RetentionDays   int    `yaml:"retention_days"`
	RetentionCron   string `yaml:"retention_cron"`
	ArchiveEnabled  bool   `yaml:"archive_enabled"`
	ArchivePath     string `yaml:"archive_path"`
	ArchiveS3Bucket string `yaml:"archive_s3_bucket"`
	ArchiveS3Region string `yaml:"archive_s3_region"`
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel       observability.LogLevel `yaml:"-"`
	LogLevelName   string                 `yaml:"log_level"`
	MetricsEnabled bool                   `yaml:"metrics_enabled"`

	OTelEnabled        bool   `yaml:"otel_enabled"`
	OTelEndpoint       string `yaml:"otel_endpoint"`
	OTelServiceName    string `yaml:"otel_service_name"`
	OTelServiceVersion string `yaml:"otel_service_version"`
	OTelInsecure       bool   `yaml:"otel_insecure"`
}

// LoadConfig loads configuration from an optional YAML file (TMS_CONFIG_FILE)
// overlaid by environment variables, then validates it.
func LoadConfig() (*Config, error) {
	cfg := defaults()

	if path := os.Getenv("TMS_CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	cfg.loadEnv()
	cfg.Observability.LogLevel = parseLogLevel(cfg.Observability.LogLevelName)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Environment: EnvDevelopment,
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            "8080",
			BaseURL:         "http://localhost:8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			HealthPort:      "9090",
		},
		Database: DatabaseConfig{
			MaxOpenConns: 25,
			MaxIdleConns: 5,
			ConnLifetime: 5 * time.Minute,
		},
		Auth: AuthConfig{
			AccessTokenTTL:  8 * time.Hour,
			RefreshTokenTTL: 7 * 24 * time.Hour,
			CSRFTokenTTL:    24 * time.Hour,
		},
		SSO: SSOConfig{
			OIDCScopes: []string{"openid", "profile", "email"},
		},
		Audit: AuditConfig{
			RetentionDays: 90,
			RetentionCron: "0 3 * * *",
			ArchivePath:   "/var/tms/audit-archive",
		},
		Observability: ObservabilityConfig{
			LogLevelName:       "info",
			MetricsEnabled:     true,
			OTelEndpoint:       "localhost:4317",
			OTelServiceName:    "tms-server",
			OTelServiceVersion: "1.0.0",
			OTelInsecure:       true,
		},
	}
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, c)
}

func (c *Config) loadEnv() {
	c.Environment = getEnv("TMS_ENV", c.Environment)

	c.Server.Host = getEnv("TMS_HOST", c.Server.Host)
	c.Server.Port = getEnv("TMS_PORT", c.Server.Port)
	c.Server.BaseURL = getEnv("TMS_BASE_URL", c.Server.BaseURL)
	c.Server.ReadTimeout = getEnvDuration("TMS_READ_TIMEOUT", c.Server.ReadTimeout)
	c.Server.WriteTimeout = getEnvDuration("TMS_WRITE_TIMEOUT", c.Server.WriteTimeout)
	c.Server.IdleTimeout = getEnvDuration("TMS_IDLE_TIMEOUT", c.Server.IdleTimeout)
	c.Server.ShutdownTimeout = getEnvDuration("TMS_SHUTDOWN_TIMEOUT", c.Server.ShutdownTimeout)
	c.Server.HealthPort = getEnv("TMS_HEALTH_PORT", c.Server.HealthPort)

	c.Database.URL = getEnv("TMS_POSTGRES_URL", c.Database.URL)
	c.Database.MaxOpenConns = getEnvInt("TMS_POSTGRES_MAX_CONNS", c.Database.MaxOpenConns)
	c.Database.MaxIdleConns = getEnvInt("TMS_POSTGRES_IDLE_CONNS", c.Database.MaxIdleConns)

	c.Auth.JWTSecret = getEnv("TMS_JWT_SECRET", c.Auth.JWTSecret)
	c.Auth.AccessTokenTTL = getEnvDuration("TMS_ACCESS_TOKEN_TTL", c.Auth.AccessTokenTTL)
	c.Auth.RefreshTokenTTL = getEnvDuration("TMS_REFRESH_TOKEN_TTL", c.Auth.RefreshTokenTTL)
	c.Auth.CSRFSecret = getEnv("TMS_CSRF_SECRET", c.Auth.CSRFSecret)
	c.Auth.CSRFTokenTTL = getEnvDuration("TMS_CSRF_TOKEN_TTL", c.Auth.CSRFTokenTTL)
	c.Auth.CSRFTestMode = getEnvBool("TMS_CSRF_TEST_MODE", c.Auth.CSRFTestMode)
	c.Auth.DevAuthBypass = getEnvBool("TMS_DEV_AUTH_BYPASS", c.Auth.DevAuthBypass)

	c.SSO.Enabled = getEnvBool("TMS_SSO_ENABLED", c.SSO.Enabled)
	c.SSO.Type = getEnv("TMS_SSO_TYPE", c.SSO.Type)
	c.SSO.IdPEntityID = getEnv("TMS_SAML_IDP_ENTITY_ID", c.SSO.IdPEntityID)
	c.SSO.IdPSSOURL = getEnv("TMS_SAML_IDP_SSO_URL", c.SSO.IdPSSOURL)
	c.SSO.IdPCertificate = getEnv("TMS_SAML_IDP_CERT", c.SSO.IdPCertificate)
	c.SSO.SPPrivateKey = getEnv("TMS_SAML_SP_KEY", c.SSO.SPPrivateKey)
	c.SSO.OIDCIssuerURL = getEnv("TMS_OIDC_ISSUER_URL", c.SSO.OIDCIssuerURL)
	c.SSO.OIDCClientID = getEnv("TMS_OIDC_CLIENT_ID", c.SSO.OIDCClientID)
	c.SSO.OIDCClientSecret = getEnv("TMS_OIDC_CLIENT_SECRET", c.SSO.OIDCClientSecret)

	c.Audit.RetentionDays = getEnvInt("TMS_AUDIT_RETENTION_DAYS", c.Audit.RetentionDays)
	c.Audit.RetentionCron = getEnv("TMS_AUDIT_RETENTION_CRON", c.Audit.RetentionCron)
	c.Audit.ArchiveEnabled = getEnvBool("TMS_AUDIT_ARCHIVE_ENABLED", c.Audit.ArchiveEnabled)
	c.Audit.ArchivePath = getEnv("TMS_AUDIT_ARCHIVE_PATH", c.Audit.ArchivePath)
	c.Audit.ArchiveS3Bucket = getEnv("TMS_AUDIT_ARCHIVE_S3_BUCKET", c.Audit.ArchiveS3Bucket)
	c.Audit.ArchiveS3Region = getEnv("TMS_AUDIT_ARCHIVE_S3_REGION", c.Audit.ArchiveS3Region)

	c.Observability.LogLevelName = getEnv("TMS_LOG_LEVEL", c.Observability.LogLevelName)
	c.Observability.MetricsEnabled = getEnvBool("TMS_METRICS_ENABLED", c.Observability.MetricsEnabled)
	c.Observability.OTelEnabled = getEnvBool("TMS_OTEL_ENABLED", c.Observability.OTelEnabled)
	c.Observability.OTelEndpoint = getEnv("TMS_OTEL_ENDPOINT", c.Observability.OTelEndpoint)
	c.Observability.OTelServiceName = getEnv("TMS_OTEL_SERVICE_NAME", c.Observability.OTelServiceName)
	c.Observability.OTelServiceVersion = getEnv("TMS_OTEL_SERVICE_VERSION", c.Observability.OTelServiceVersion)
	c.Observability.OTelInsecure = getEnvBool("TMS_OTEL_INSECURE", c.Observability.OTelInsecure)
}

// IsProduction reports whether the service runs in production mode
func (c *Config) IsProduction() bool {
	return c.Environment == EnvProduction
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	switch c.Environment {
	case EnvDevelopment, EnvStaging, EnvProduction:
	default:
		return fmt.Errorf("invalid environment: %s (must be development, staging, or production)", c.Environment)
	}

	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}

	if c.Database.URL == "" {
		return fmt.Errorf("postgres URL is required")
	}

	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("JWT secret is required")
	}
	if c.Auth.CSRFSecret == "" {
		return fmt.Errorf("CSRF secret is required")
	}

	// The bypass is resolved to a single boolean here, at startup. The auth
	// middleware never re-derives these conditions per request.
	if c.Auth.DevAuthBypass {
		if c.Environment != EnvDevelopment {
			return fmt.Errorf("dev auth bypass requires a development environment, got %s", c.Environment)
		}
		lower := strings.ToLower(c.Database.URL)
		for _, pattern := range productionHostPatterns {
			if strings.Contains(lower, pattern) {
				return fmt.Errorf("dev auth bypass refused: database URL matches production pattern %q", pattern)
			}
		}
	}

	if c.SSO.Enabled {
		switch c.SSO.Type {
		case "saml":
			if c.SSO.IdPEntityID == "" || c.SSO.IdPSSOURL == "" || c.SSO.IdPCertificate == "" {
				return fmt.Errorf("SAML federation requires idp_entity_id, idp_sso_url, and idp_certificate")
			}
		case "oidc":
			if c.SSO.OIDCIssuerURL == "" || c.SSO.OIDCClientID == "" || c.SSO.OIDCClientSecret == "" {
				return fmt.Errorf("OIDC federation requires issuer URL, client ID, and client secret")
			}
		default:
			return fmt.Errorf("invalid SSO type: %s (must be saml or oidc)", c.SSO.Type)
		}
	}

	if c.Audit.ArchiveEnabled && c.Audit.ArchivePath == "" && c.Audit.ArchiveS3Bucket == "" {
		return fmt.Errorf("audit archiving requires an archive path or S3 bucket")
	}

	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return fmt.Errorf("OpenTelemetry service name is required when OTel is enabled")
		}
	}

	return nil
}

// parseLogLevel parses a log level string
func parseLogLevel(level string) observability.LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return observability.DebugLevel
	case "info":
		return observability.InfoLevel
	case "warn", "warning":
		return observability.WarnLevel
	case "error":
		return observability.ErrorLevel
	default:
		return observability.InfoLevel
	}
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
