package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
)

// Mode represents the server operating mode.
type Mode string

const (
	ModeStrict Mode = "strict"
	ModeDev    Mode = "dev"
)

// ParseMode parses a mode string, returning an error for invalid values.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "strict", "":
		return ModeStrict, nil
	case "dev":
		return ModeDev, nil
	default:
		return "", fmt.Errorf("invalid mode %q: must be one of strict, dev", s)
	}
}

// minSecretLen is the shortest HS256 secret accepted in strict mode.
const minSecretLen = 32

// LoaderOptions controls how configuration is loaded.
type LoaderOptions struct {
	// ConfigPath is the path to a TOML config file (optional).
	// If provided but file is missing or invalid, loading fails.
	ConfigPath string

	// ModeFlag is the --mode flag value (overrides everything else).
	ModeFlag string

	// FlagOverrides are CLI flag values that override all other sources.
	FlagOverrides FlagOverrides

	// Environ replaces the process environment when non-nil.
	Environ map[string]string

	// Logger is used for warning messages (e.g., undecoded keys).
	// If nil, slog.Default() is used.
	Logger *slog.Logger
}

// FlagOverrides holds CLI flag values that override config file values.
type FlagOverrides struct {
	ListenAddr    *string
	PublicOrigin  *string
	LoggingLevel  *string
	StorageDriver *string
	DataDir       *string
	RequireGrant  *string // "true", "false", or "" (unset)
}

// envConfig is the VENDORFLOW_* environment layer. Pointer fields stay nil
// when the variable is unset.
type envConfig struct {
	Mode                 *string `env:"VENDORFLOW_MODE"`
	ListenAddr           *string `env:"VENDORFLOW_LISTEN_ADDR"`
	PublicOrigin         *string `env:"VENDORFLOW_PUBLIC_ORIGIN"`
	LogLevel             *string `env:"VENDORFLOW_LOG_LEVEL"`
	JWTSecret            *string `env:"VENDORFLOW_JWT_SECRET"`
	JWTIssuer            *string `env:"VENDORFLOW_JWT_ISSUER"`
	StorageDriver        *string `env:"VENDORFLOW_STORAGE_DRIVER"`
	DataDir              *string `env:"VENDORFLOW_DATA_DIR"`
	PostgresDSN          *string `env:"VENDORFLOW_POSTGRES_DSN"`
	CacheDriver          *string `env:"VENDORFLOW_CACHE_DRIVER"`
	RedisAddr            *string `env:"VENDORFLOW_REDIS_ADDR"`
	RequireGrant         *bool   `env:"VENDORFLOW_REQUIRE_GRANT"`
	DefaultMaxChainDepth *int    `env:"VENDORFLOW_DEFAULT_MAX_CHAIN_DEPTH"`
}

// fileConfig mirrors Config but with pointer fields to detect presence.
type fileConfig struct {
	Mode         string `toml:"mode"`
	ListenAddr   string `toml:"listen_addr"`
	PublicOrigin string `toml:"public_origin"`

	Logging *loggingConfig  `toml:"logging"`
	Auth    *AuthConfig     `toml:"auth"`
	Storage *StorageConfig  `toml:"storage"`
	Cache   *CacheConfig    `toml:"cache"`
	Sharing *sharingConfig  `toml:"sharing"`
	HTTP    *httpFileConfig `toml:"http"`
}

type loggingConfig struct {
	Level          string `toml:"level"`
	AllowSensitive bool   `toml:"allow_sensitive"`
}

type sharingConfig struct {
	RequireGrant               *bool `toml:"require_grant"`
	DefaultMaxChainDepth       *int  `toml:"default_max_chain_depth"`
	ExpirySweepIntervalSeconds *int  `toml:"expiry_sweep_interval_seconds"`
}

type httpFileConfig struct {
	Interceptors map[string]map[string]any `toml:"interceptors"`
}

// Load loads configuration with the following precedence:
//  1. Determine effective mode: --mode flag > VENDORFLOW_MODE > mode in config file > default (strict)
//  2. Start from mode preset defaults
//  3. Overlay TOML config file values
//  4. Overlay VENDORFLOW_* environment variables
//  5. Overlay CLI flags
//  6. Validate
//
// If ConfigPath is provided but the file is missing, unreadable, or invalid TOML,
// Load returns an error (fail fast). Unknown TOML keys produce a warning
// but do not fail the load.
func Load(opts LoaderOptions) (*Config, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var fc fileConfig
	if opts.ConfigPath != "" {
		data, err := os.ReadFile(opts.ConfigPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", opts.ConfigPath, err)
		}
		md, err := toml.Decode(string(data), &fc)
		if err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", opts.ConfigPath, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, 0, len(undecoded))
			for _, k := range undecoded {
				keys = append(keys, k.String())
			}
			logger.Warn("config file contains undecoded keys", "path", opts.ConfigPath, "keys", keys)
		}
	}

	var ec envConfig
	if err := env.ParseWithOptions(&ec, env.Options{Environment: opts.Environ}); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	modeStr := "strict"
	if fc.Mode != "" {
		modeStr = fc.Mode
	}
	if ec.Mode != nil && *ec.Mode != "" {
		modeStr = *ec.Mode
	}
	if opts.ModeFlag != "" {
		modeStr = opts.ModeFlag
	}
	mode, err := ParseMode(modeStr)
	if err != nil {
		return nil, err
	}

	cfg := presetForMode(mode)
	overlayFileConfig(cfg, &fc)
	overlayEnv(cfg, &ec)
	overlayFlags(cfg, opts.FlagOverrides)

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// presetForMode returns the base config for a given mode.
func presetForMode(mode Mode) *Config {
	if mode == ModeDev {
		return DevConfig()
	}
	return StrictConfig()
}

// StrictConfig returns production-safe strict defaults.
func StrictConfig() *Config {
	return &Config{
		Mode:         string(ModeStrict),
		ListenAddr:   ":8080",
		PublicOrigin: "http://localhost:8080",
		Logging: LoggingConfig{
			Level:          "info",
			AllowSensitive: false,
		},
		Auth: AuthConfig{
			Issuer: "vendorflow",
		},
		Storage: StorageConfig{
			Driver:  "sqlite",
			DataDir: ".vendorflow",
		},
		Cache: CacheConfig{
			Driver: "memory",
		},
		Sharing: SharingConfig{
			RequireGrant:               true,
			DefaultMaxChainDepth:       -1,
			ExpirySweepIntervalSeconds: 60,
		},
		HTTP: HTTPConfig{
			Interceptors: map[string]map[string]any{
				"ratelimit": {"requests_per_window": 60, "window_seconds": 60},
			},
		},
	}
}

// DevConfig returns development mode defaults.
func DevConfig() *Config {
	cfg := StrictConfig()
	cfg.Mode = string(ModeDev)
	cfg.Logging.Level = "debug"
	cfg.Storage.Driver = "memory"
	cfg.Sharing.RequireGrant = false
	return cfg
}

// overlayFileConfig applies TOML file values onto cfg.
func overlayFileConfig(cfg *Config, fc *fileConfig) {
	if fc.ListenAddr != "" {
		cfg.ListenAddr = fc.ListenAddr
	}
	if fc.PublicOrigin != "" {
		cfg.PublicOrigin = fc.PublicOrigin
	}

	if fc.Logging != nil {
		if fc.Logging.Level != "" {
			cfg.Logging.Level = fc.Logging.Level
		}
		// AllowSensitive is a bool, overlay when section present
		cfg.Logging.AllowSensitive = fc.Logging.AllowSensitive
	}

	if fc.Auth != nil {
		if fc.Auth.JWTSecret != "" {
			cfg.Auth.JWTSecret = fc.Auth.JWTSecret
		}
		if fc.Auth.Issuer != "" {
			cfg.Auth.Issuer = fc.Auth.Issuer
		}
	}

	if fc.Storage != nil {
		if fc.Storage.Driver != "" {
			cfg.Storage.Driver = fc.Storage.Driver
		}
		if fc.Storage.DataDir != "" {
			cfg.Storage.DataDir = fc.Storage.DataDir
		}
		mergeDrivers(&cfg.Storage.Drivers, fc.Storage.Drivers)
	}

	if fc.Cache != nil {
		if fc.Cache.Driver != "" {
			cfg.Cache.Driver = fc.Cache.Driver
		}
		mergeDrivers(&cfg.Cache.Drivers, fc.Cache.Drivers)
	}

	if fc.Sharing != nil {
		if fc.Sharing.RequireGrant != nil {
			cfg.Sharing.RequireGrant = *fc.Sharing.RequireGrant
		}
		if fc.Sharing.DefaultMaxChainDepth != nil {
			cfg.Sharing.DefaultMaxChainDepth = *fc.Sharing.DefaultMaxChainDepth
		}
		if fc.Sharing.ExpirySweepIntervalSeconds != nil {
			cfg.Sharing.ExpirySweepIntervalSeconds = *fc.Sharing.ExpirySweepIntervalSeconds
		}
	}

	if fc.HTTP != nil {
		mergeDrivers(&cfg.HTTP.Interceptors, fc.HTTP.Interceptors)
	}
}

// mergeDrivers replaces whole named sections of dst with those in src.
func mergeDrivers(dst *map[string]map[string]any, src map[string]map[string]any) {
	if len(src) == 0 {
		return
	}
	if *dst == nil {
		*dst = make(map[string]map[string]any, len(src))
	}
	for name, section := range src {
		(*dst)[name] = section
	}
}

// setDriverKey sets one key of a named driver section, creating it if needed.
func setDriverKey(dst *map[string]map[string]any, driver, key string, value any) {
	if *dst == nil {
		*dst = make(map[string]map[string]any)
	}
	section := (*dst)[driver]
	if section == nil {
		section = make(map[string]any)
	}
	section[key] = value
	(*dst)[driver] = section
}

// overlayEnv applies VENDORFLOW_* values onto cfg.
func overlayEnv(cfg *Config, ec *envConfig) {
	setString := func(dst *string, src *string) {
		if src != nil && *src != "" {
			*dst = *src
		}
	}
	setString(&cfg.ListenAddr, ec.ListenAddr)
	setString(&cfg.PublicOrigin, ec.PublicOrigin)
	setString(&cfg.Logging.Level, ec.LogLevel)
	setString(&cfg.Auth.JWTSecret, ec.JWTSecret)
	setString(&cfg.Auth.Issuer, ec.JWTIssuer)
	setString(&cfg.Storage.Driver, ec.StorageDriver)
	setString(&cfg.Storage.DataDir, ec.DataDir)
	setString(&cfg.Cache.Driver, ec.CacheDriver)

	if ec.PostgresDSN != nil && *ec.PostgresDSN != "" {
		setDriverKey(&cfg.Storage.Drivers, "postgres", "dsn", *ec.PostgresDSN)
	}
	if ec.RedisAddr != nil && *ec.RedisAddr != "" {
		setDriverKey(&cfg.Cache.Drivers, "redis", "addr", *ec.RedisAddr)
		setDriverKey(&cfg.Cache.Drivers, "valkey", "addr", *ec.RedisAddr)
	}
	if ec.RequireGrant != nil {
		cfg.Sharing.RequireGrant = *ec.RequireGrant
	}
	if ec.DefaultMaxChainDepth != nil {
		cfg.Sharing.DefaultMaxChainDepth = *ec.DefaultMaxChainDepth
	}
}

// overlayFlags applies CLI flag values onto cfg.
func overlayFlags(cfg *Config, f FlagOverrides) {
	if f.ListenAddr != nil && *f.ListenAddr != "" {
		cfg.ListenAddr = *f.ListenAddr
	}
	if f.PublicOrigin != nil && *f.PublicOrigin != "" {
		cfg.PublicOrigin = *f.PublicOrigin
	}
	if f.LoggingLevel != nil && *f.LoggingLevel != "" {
		cfg.Logging.Level = *f.LoggingLevel
	}
	if f.StorageDriver != nil && *f.StorageDriver != "" {
		cfg.Storage.Driver = *f.StorageDriver
	}
	if f.DataDir != nil && *f.DataDir != "" {
		cfg.Storage.DataDir = *f.DataDir
	}
	if f.RequireGrant != nil && *f.RequireGrant != "" {
		// Parse "true" or "false" string (only apply when explicitly set)
		cfg.Sharing.RequireGrant = *f.RequireGrant == "true"
	}
}

// validate checks enum-like fields and mode requirements.
func validate(cfg *Config) error {
	switch cfg.Logging.Level {
	case "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid logging.level %q: must be one of trace, debug, info, warn, error", cfg.Logging.Level)
	}

	switch cfg.Storage.Driver {
	case "memory", "json", "sqlite", "postgres":
	default:
		return fmt.Errorf("invalid storage.driver %q: must be one of memory, json, sqlite, postgres", cfg.Storage.Driver)
	}
	if (cfg.Storage.Driver == "json" || cfg.Storage.Driver == "sqlite") && cfg.Storage.DataDir == "" {
		return fmt.Errorf("storage.data_dir is required for the %s driver", cfg.Storage.Driver)
	}

	switch cfg.Cache.Driver {
	case "", "memory", "redis", "valkey":
	default:
		return fmt.Errorf("invalid cache.driver %q: must be one of memory, redis, valkey", cfg.Cache.Driver)
	}

	if d := cfg.Sharing.DefaultMaxChainDepth; d != -1 && d < 1 {
		return fmt.Errorf("invalid sharing.default_max_chain_depth %d: must be -1 or >= 1", d)
	}
	if cfg.Sharing.ExpirySweepIntervalSeconds < 0 {
		return fmt.Errorf("invalid sharing.expiry_sweep_interval_seconds %d: must be >= 0", cfg.Sharing.ExpirySweepIntervalSeconds)
	}

	if cfg.Mode == string(ModeStrict) && len(cfg.Auth.JWTSecret) < minSecretLen {
		return fmt.Errorf("auth.jwt_secret must be at least %d bytes in strict mode", minSecretLen)
	}

	return validatePublicOrigin(cfg)
}

// validatePublicOrigin checks the public_origin config value when set.
// Must be an absolute URL with http/https scheme, a host, no userinfo,
// query, fragment, or path. Whitespace is rejected, not trimmed.
func validatePublicOrigin(cfg *Config) error {
	if cfg.PublicOrigin == "" {
		return nil
	}

	origin := cfg.PublicOrigin

	if origin != strings.TrimSpace(origin) {
		return fmt.Errorf("invalid public_origin %q: must not contain leading or trailing whitespace", origin)
	}

	u, err := url.Parse(origin)
	if err != nil {
		return fmt.Errorf("invalid public_origin %q: %w", origin, err)
	}

	if !u.IsAbs() {
		return fmt.Errorf("invalid public_origin %q: must be an absolute URL with http or https scheme", origin)
	}

	switch u.Scheme {
	case "http", "https":
	default:
		return fmt.Errorf("invalid public_origin %q: scheme must be http or https, got %q", origin, u.Scheme)
	}

	if u.Host == "" {
		return fmt.Errorf("invalid public_origin %q: must include a host", origin)
	}

	if u.User != nil {
		return fmt.Errorf("invalid public_origin %q: must not include userinfo", origin)
	}

	if u.RawQuery != "" || u.Fragment != "" {
		return fmt.Errorf("invalid public_origin %q: must not include a query string or fragment", origin)
	}

	if u.Path != "" && u.Path != "/" {
		return fmt.Errorf("invalid public_origin %q: must not include a path", origin)
	}

	return nil
}
