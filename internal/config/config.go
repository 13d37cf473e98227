// Package config defines gatekeeper's configuration, its defaults and how it
// is loaded from a YAML file, GATEKEEPER_* environment variables and the
// legacy variable names the web application already sets.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/pdfflex/gatekeeper/internal/apikey"
)

// Config is the top-level gatekeeper configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server" mapstructure:"server"`
	Store   StoreConfig   `yaml:"store" mapstructure:"store"`
	Auth    AuthConfig    `yaml:"auth" mapstructure:"auth"`
	Keys    KeysConfig    `yaml:"keys" mapstructure:"keys"`
	MCP     MCPConfig     `yaml:"mcp" mapstructure:"mcp"`
	Logging LoggingConfig `yaml:"log" mapstructure:"log"`
}

// ServerConfig controls the HTTP server behavior.
type ServerConfig struct {
	Host            string   `yaml:"host" mapstructure:"host"`
	Port            int      `yaml:"port" mapstructure:"port"`
	ShutdownTimeout string   `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout"`
	CORSOrigins     []string `yaml:"cors_origins" mapstructure:"cors_origins"`
	RateLimit       int      `yaml:"rate_limit" mapstructure:"rate_limit"` // requests per minute per IP, 0 disables
	MaxBodySize     int64    `yaml:"max_body_size" mapstructure:"max_body_size"`
}

// StoreConfig selects the credential store backend.
type StoreConfig struct {
	Driver          string `yaml:"driver" mapstructure:"driver"`
	DSN             string `yaml:"dsn" mapstructure:"dsn"`
	DataDir         string `yaml:"data_dir" mapstructure:"data_dir"`
	Database        string `yaml:"database" mapstructure:"database"`
	MaxOpenConns    int    `yaml:"max_open_conns" mapstructure:"max_open_conns"`
	MaxIdleConns    int    `yaml:"max_idle_conns" mapstructure:"max_idle_conns"`
	ConnMaxLifetime string `yaml:"conn_max_lifetime" mapstructure:"conn_max_lifetime"`
}

// AuthConfig controls how the calling user is identified on key management
// routes.
type AuthConfig struct {
	Mode       string `yaml:"mode" mapstructure:"mode"` // jwt or header
	JWTSecret  string `yaml:"jwt_secret" mapstructure:"jwt_secret"`
	JWTIssuer  string `yaml:"jwt_issuer" mapstructure:"jwt_issuer"`
	UserHeader string `yaml:"user_header" mapstructure:"user_header"`
	TierHeader string `yaml:"tier_header" mapstructure:"tier_header"`
}

// KeysConfig controls key format, issuance ceilings and expiry.
type KeysConfig struct {
	Prefix           string   `yaml:"prefix" mapstructure:"prefix"`
	Pepper           string   `yaml:"pepper" mapstructure:"pepper"`
	FreeTierLimit    int      `yaml:"free_tier_limit" mapstructure:"free_tier_limit"`
	PremiumTierLimit int      `yaml:"premium_tier_limit" mapstructure:"premium_tier_limit"`
	EnableExpiration bool     `yaml:"enable_expiration" mapstructure:"enable_expiration"`
	ExpirationDays   int      `yaml:"expiration_days" mapstructure:"expiration_days"`
	PremiumEndpoints []string `yaml:"premium_endpoints" mapstructure:"premium_endpoints"`
}

// MCPConfig controls the MCP operator server.
type MCPConfig struct {
	Transport string `yaml:"transport" mapstructure:"transport"`
	Port      int    `yaml:"port" mapstructure:"port"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Default returns a Config pre-filled with defaults.
func Default() *Config {
	home, _ := os.UserHomeDir()
	dataDir := ""
	if home != "" {
		dataDir = home + "/.gatekeeper"
	}
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ShutdownTimeout: "30s",
			CORSOrigins:     []string{"*"},
			RateLimit:       120,
			MaxBodySize:     1 << 20,
		},
		Store: StoreConfig{
			Driver:          "sqlite",
			DataDir:         dataDir,
			Database:        "gatekeeper",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: "5m",
		},
		Auth: AuthConfig{
			Mode:       "jwt",
			UserHeader: "X-User-ID",
			TierHeader: "X-User-Tier",
		},
		Keys: KeysConfig{
			Prefix:           apikey.DefaultMarker,
			FreeTierLimit:    1,
			PremiumTierLimit: 5,
			EnableExpiration: false,
			ExpirationDays:   365,
			PremiumEndpoints: append([]string(nil), apikey.DefaultPremiumEndpoints...),
		},
		MCP: MCPConfig{
			Transport: "stdio",
			Port:      3001,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// legacyEnv maps config keys to the environment variables the web
// application uses for the same settings.
var legacyEnv = map[string]string{
	"keys.free_tier_limit":    "FREE_TIER_KEY_LIMIT",
	"keys.premium_tier_limit": "PREMIUM_TIER_KEY_LIMIT",
	"keys.enable_expiration":  "ENABLE_API_KEY_EXPIRATION",
	"keys.expiration_days":    "API_KEY_EXPIRATION_DAYS",
	"keys.prefix":             "API_KEY_PREFIX",
	"store.dsn":               "DATABASE_URL",
	"server.port":             "PORT",
}

// Configure registers defaults, the GATEKEEPER_ environment prefix and the
// legacy variable names on v. It does not read any file.
func Configure(v *viper.Viper) {
	setDefaults(v, Default())

	v.SetEnvPrefix("GATEKEEPER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for key, legacy := range legacyEnv {
		primary := "GATEKEEPER_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		_ = v.BindEnv(key, primary, legacy)
	}
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("server.host", d.Server.Host)
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout)
	v.SetDefault("server.cors_origins", d.Server.CORSOrigins)
	v.SetDefault("server.rate_limit", d.Server.RateLimit)
	v.SetDefault("server.max_body_size", d.Server.MaxBodySize)

	v.SetDefault("store.driver", d.Store.Driver)
	v.SetDefault("store.dsn", d.Store.DSN)
	v.SetDefault("store.data_dir", d.Store.DataDir)
	v.SetDefault("store.database", d.Store.Database)
	v.SetDefault("store.max_open_conns", d.Store.MaxOpenConns)
	v.SetDefault("store.max_idle_conns", d.Store.MaxIdleConns)
	v.SetDefault("store.conn_max_lifetime", d.Store.ConnMaxLifetime)

	v.SetDefault("auth.mode", d.Auth.Mode)
	v.SetDefault("auth.jwt_secret", d.Auth.JWTSecret)
	v.SetDefault("auth.jwt_issuer", d.Auth.JWTIssuer)
	v.SetDefault("auth.user_header", d.Auth.UserHeader)
	v.SetDefault("auth.tier_header", d.Auth.TierHeader)

	v.SetDefault("keys.prefix", d.Keys.Prefix)
	v.SetDefault("keys.pepper", d.Keys.Pepper)
	v.SetDefault("keys.free_tier_limit", d.Keys.FreeTierLimit)
	v.SetDefault("keys.premium_tier_limit", d.Keys.PremiumTierLimit)
	v.SetDefault("keys.enable_expiration", d.Keys.EnableExpiration)
	v.SetDefault("keys.expiration_days", d.Keys.ExpirationDays)
	v.SetDefault("keys.premium_endpoints", d.Keys.PremiumEndpoints)

	v.SetDefault("mcp.transport", d.MCP.Transport)
	v.SetDefault("mcp.port", d.MCP.Port)

	v.SetDefault("log.level", d.Logging.Level)
	v.SetDefault("log.format", d.Logging.Format)
}

// Load decodes the settings held by v into a validated Config.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "decode config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that would otherwise fail at first use.
func (c *Config) Validate() error {
	if c.Keys.FreeTierLimit < 0 || c.Keys.PremiumTierLimit < 0 {
		return errors.New("keys: tier limits must not be negative")
	}
	if c.Keys.EnableExpiration && c.Keys.ExpirationDays <= 0 {
		return errors.New("keys: expiration_days must be positive when expiration is enabled")
	}
	switch c.Auth.Mode {
	case "jwt", "header":
	default:
		return errors.Errorf("auth: unknown mode %q (want jwt or header)", c.Auth.Mode)
	}
	if _, err := parseDuration(c.Server.ShutdownTimeout); err != nil {
		return errors.Wrap(err, "server.shutdown_timeout")
	}
	if _, err := parseDuration(c.Store.ConnMaxLifetime); err != nil {
		return errors.Wrap(err, "store.conn_max_lifetime")
	}
	return nil
}

// ShutdownTimeoutDuration returns the parsed graceful shutdown timeout.
func (s ServerConfig) ShutdownTimeoutDuration() time.Duration {
	d, _ := parseDuration(s.ShutdownTimeout)
	return d
}

// ConnMaxLifetimeDuration returns the parsed pool connection lifetime.
func (s StoreConfig) ConnMaxLifetimeDuration() time.Duration {
	d, _ := parseDuration(s.ConnMaxLifetime)
	return d
}

func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}

// Marshal renders c as YAML.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

// WriteDefault writes the default configuration to a YAML file.
func WriteDefault(path string) error {
	data, err := Default().Marshal()
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
