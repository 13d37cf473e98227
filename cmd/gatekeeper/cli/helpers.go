package cli

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/spf13/viper"

	"github.com/pdfflex/gatekeeper/internal/apikey"
	"github.com/pdfflex/gatekeeper/internal/config"
	"github.com/pdfflex/gatekeeper/internal/identity"
	"github.com/pdfflex/gatekeeper/internal/service"
	"github.com/pdfflex/gatekeeper/internal/store"
)

// dataDir holds the --data-dir persistent flag value (set on root command).
var dataDir string

// resolveDataDir returns the data directory from --data-dir, the
// store.data_dir setting, or ~/.gatekeeper as fallback.
func resolveDataDir() string {
	if dataDir != "" {
		return dataDir
	}
	if dir := viper.GetString("store.data_dir"); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".gatekeeper")
}

// loadConfig decodes the effective configuration, applying --data-dir.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, err
	}
	if dataDir != "" {
		cfg.Store.DataDir = dataDir
	}
	return cfg, nil
}

// newLogger builds the slog logger described by cfg.
func newLogger(cfg config.LoggingConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// openStore opens the credential store selected by cfg.
func openStore(ctx context.Context, cfg config.StoreConfig) (store.Store, error) {
	return store.DefaultRegistry().Open(ctx, store.Config{
		Driver:          cfg.Driver,
		DSN:             cfg.DSN,
		DataDir:         cfg.DataDir,
		Database:        cfg.Database,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetimeDuration(),
		ConnectTimeout:  10 * time.Second,
	})
}

// services bundles the key services every command builds over one store.
type services struct {
	store     store.Store
	validator *service.Validator
	usage     *service.UsageRecorder
	issuer    *service.Issuer
	keys      *service.KeyManager
	limits    service.IssuerConfig
}

func buildServices(st store.Store, cfg *config.Config, logger *slog.Logger) *services {
	gen := apikey.NewGenerator(cfg.Keys.Prefix)
	hasher := apikey.NewHasher([]byte(cfg.Keys.Pepper))
	tiers := apikey.TierRules{PremiumPrefixes: cfg.Keys.PremiumEndpoints}
	limits := service.IssuerConfig{
		FreeTierLimit:    cfg.Keys.FreeTierLimit,
		PremiumTierLimit: cfg.Keys.PremiumTierLimit,
		EnableExpiration: cfg.Keys.EnableExpiration,
		ExpirationDays:   cfg.Keys.ExpirationDays,
	}

	return &services{
		store:     st,
		validator: service.NewValidator(st, gen, hasher, tiers, logger),
		usage:     service.NewUsageRecorder(st, logger),
		issuer:    service.NewIssuer(st, gen, hasher, limits, logger),
		keys:      service.NewKeyManager(st, logger),
		limits:    limits,
	}
}

// openServices loads the config, opens the store and builds the services.
// The caller closes the returned store.
func openServices(ctx context.Context, logger *slog.Logger) (*config.Config, *services, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	if logger == nil {
		logger = newLogger(cfg.Logging, os.Stderr)
	}
	st, err := openStore(ctx, cfg.Store)
	if err != nil {
		return nil, nil, err
	}
	return cfg, buildServices(st, cfg, logger), nil
}

// newResolver returns the session resolver for the configured auth mode.
func newResolver(cfg config.AuthConfig) (identity.Resolver, error) {
	switch cfg.Mode {
	case "header":
		return identity.NewHeaderResolver(cfg.UserHeader, cfg.TierHeader), nil
	case "jwt":
		r, err := identity.NewJWTResolver(cfg.JWTSecret, cfg.JWTIssuer)
		if err != nil {
			return nil, errors.Wrap(err, "auth.jwt_secret (set GATEKEEPER_AUTH_JWT_SECRET or use auth.mode=header)")
		}
		return r, nil
	}
	return nil, errors.Errorf("unknown auth mode %q", cfg.Mode)
}

// --- PID file management ---

func pidFilePath() string {
	return filepath.Join(resolveDataDir(), "gatekeeper.pid")
}

func writePID(pid int) error {
	dir := resolveDataDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	return os.WriteFile(pidFilePath(), []byte(strconv.Itoa(pid)), 0644)
}

func readPID() (int, error) {
	data, err := os.ReadFile(pidFilePath())
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePID() {
	os.Remove(pidFilePath())
}

func logFilePath() string {
	return filepath.Join(resolveDataDir(), "gatekeeper.log")
}

// versionString returns a display version string.
func versionString() string {
	if appVersion == "" || appVersion == "dev" {
		return "dev"
	}
	if strings.HasPrefix(appVersion, "v") {
		return appVersion
	}
	return "v" + appVersion
}
