// Package config provides configuration loading and validation.
package config

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// Config holds the server configuration.
type Config struct {
	// Mode is the operating mode: strict or dev.
	Mode string `toml:"mode"`

	// ListenAddr is the address to listen on.
	// Example: ":8080"
	ListenAddr string `toml:"listen_addr"`

	// PublicOrigin is the public origin (scheme + host + port) share links
	// are built on.
	// Example: "https://vendors.example.com"
	PublicOrigin string `toml:"public_origin"`

	Logging LoggingConfig `toml:"logging"`

	// Auth configures bearer token verification.
	Auth AuthConfig `toml:"auth"`

	// Storage selects the persistence driver.
	Storage StorageConfig `toml:"storage"`

	// Cache selects the cache driver backing rate limits.
	Cache CacheConfig `toml:"cache"`

	Sharing SharingConfig `toml:"sharing"`

	// HTTP holds interceptor configuration.
	HTTP HTTPConfig `toml:"http"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: trace, debug, info, warn, error.
	// Default: info in strict mode, debug in dev mode.
	Level string `toml:"level"`

	// AllowSensitive permits logging of sensitive values (share tokens).
	// Default: false. Use only for debugging.
	AllowSensitive bool `toml:"allow_sensitive"`
}

// AuthConfig holds HS256 JWT settings.
type AuthConfig struct {
	// JWTSecret signs and verifies bearer tokens. Required in strict mode.
	JWTSecret string `toml:"jwt_secret"`

	// Issuer is the expected iss claim. Empty disables the check.
	Issuer string `toml:"issuer"`
}

// StorageConfig holds persistence driver settings.
type StorageConfig struct {
	// Driver is one of memory, json, sqlite, postgres.
	Driver string `toml:"driver"`

	// DataDir is where file-backed drivers keep their data.
	DataDir string `toml:"data_dir"`

	// Drivers holds per-driver configuration.
	// Example: [storage.drivers.postgres] dsn = "..."
	Drivers map[string]map[string]any `toml:"drivers"`
}

// CacheConfig holds cache settings.
type CacheConfig struct {
	// Driver is the cache driver name: memory (default), redis or valkey.
	Driver string `toml:"driver"`

	// Drivers holds per-driver configuration.
	// Example: [cache.drivers.redis] addr = "localhost:6379"
	Drivers map[string]map[string]any `toml:"drivers"`
}

// SharingConfig tunes the chain engine.
type SharingConfig struct {
	// RequireGrant rejects root shares without an active covering grant.
	// Default: true in strict mode, false in dev mode.
	RequireGrant bool `toml:"require_grant"`

	// DefaultMaxChainDepth caps chains whose root share has no grant.
	// -1 means unlimited.
	DefaultMaxChainDepth int `toml:"default_max_chain_depth"`

	// ExpirySweepIntervalSeconds is how often expired shares are swept.
	// 0 disables the sweep.
	ExpirySweepIntervalSeconds int `toml:"expiry_sweep_interval_seconds"`
}

// HTTPConfig holds HTTP interceptor configuration.
// Interceptors are configured under [http.interceptors.<name>].
type HTTPConfig struct {
	Interceptors map[string]map[string]any `toml:"interceptors"`
}

// Interceptor returns a copy of the raw config map for the named
// interceptor, or nil when it is not configured.
func (c *Config) Interceptor(name string) map[string]any {
	raw, ok := c.HTTP.Interceptors[name]
	if !ok {
		return nil
	}
	out := make(map[string]any, len(raw))
	for k, v := range raw {
		out[k] = v
	}
	return out
}

// ShareLink returns the public link for a share token.
func (c *Config) ShareLink(token string) string {
	return strings.TrimSuffix(c.PublicOrigin, "/") + "/s/" + token
}

// Redacted returns a string representation of the config with secrets redacted.
func (c *Config) Redacted() string {
	var sb strings.Builder
	sb.WriteString("Config{\n")
	sb.WriteString(fmt.Sprintf("  Mode: %q,\n", c.Mode))
	sb.WriteString(fmt.Sprintf("  ListenAddr: %q,\n", c.ListenAddr))
	sb.WriteString(fmt.Sprintf("  PublicOrigin: %q,\n", c.PublicOrigin))
	sb.WriteString("  Logging: {\n")
	sb.WriteString(fmt.Sprintf("    Level: %q,\n", c.Logging.Level))
	sb.WriteString(fmt.Sprintf("    AllowSensitive: %v,\n", c.Logging.AllowSensitive))
	sb.WriteString("  },\n")
	sb.WriteString("  Auth: {\n")
	if c.Auth.JWTSecret == "" {
		sb.WriteString("    JWTSecret: <unset>,\n")
	} else {
		sb.WriteString("    JWTSecret: [REDACTED],\n")
	}
	sb.WriteString(fmt.Sprintf("    Issuer: %q,\n", c.Auth.Issuer))
	sb.WriteString("  },\n")
	sb.WriteString("  Storage: {\n")
	sb.WriteString(fmt.Sprintf("    Driver: %q,\n", c.Storage.Driver))
	sb.WriteString(fmt.Sprintf("    DataDir: %q,\n", c.Storage.DataDir))
	writeDriverMaps(&sb, c.Storage.Drivers)
	sb.WriteString("  },\n")
	sb.WriteString("  Cache: {\n")
	sb.WriteString(fmt.Sprintf("    Driver: %q,\n", c.Cache.Driver))
	writeDriverMaps(&sb, c.Cache.Drivers)
	sb.WriteString("  },\n")
	sb.WriteString("  Sharing: {\n")
	sb.WriteString(fmt.Sprintf("    RequireGrant: %v,\n", c.Sharing.RequireGrant))
	sb.WriteString(fmt.Sprintf("    DefaultMaxChainDepth: %d,\n", c.Sharing.DefaultMaxChainDepth))
	sb.WriteString(fmt.Sprintf("    ExpirySweepIntervalSeconds: %d,\n", c.Sharing.ExpirySweepIntervalSeconds))
	sb.WriteString("  },\n")
	sb.WriteString(fmt.Sprintf("  HTTP: {InterceptorsCount: %d},\n", len(c.HTTP.Interceptors)))
	sb.WriteString("}")
	return sb.String()
}

// sensitiveKeys are driver settings never printed in clear.
var sensitiveKeys = map[string]bool{"password": true, "secret": true, "token": true}

func writeDriverMaps(sb *strings.Builder, drivers map[string]map[string]any) {
	names := make([]string, 0, len(drivers))
	for name := range drivers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		sb.WriteString(fmt.Sprintf("    Drivers.%s: {", name))
		keys := make([]string, 0, len(drivers[name]))
		for k := range drivers[name] {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for i, k := range keys {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(fmt.Sprintf("%s: %s", k, redactValue(k, drivers[name][k])))
		}
		sb.WriteString("},\n")
	}
}

func redactValue(key string, v any) string {
	if sensitiveKeys[key] {
		return "[REDACTED]"
	}
	s, ok := v.(string)
	if !ok {
		return fmt.Sprintf("%v", v)
	}
	if key == "dsn" {
		return fmt.Sprintf("%q", redactDSN(s))
	}
	return fmt.Sprintf("%q", s)
}

// redactDSN masks the password of a URL-form DSN. Key/value DSNs have their
// password= pair masked.
func redactDSN(dsn string) string {
	if u, err := url.Parse(dsn); err == nil && u.Scheme != "" && u.User != nil {
		if _, ok := u.User.Password(); ok {
			u.User = url.UserPassword(u.User.Username(), "REDACTED")
		}
		return u.String()
	}
	fields := strings.Fields(dsn)
	for i, f := range fields {
		if strings.HasPrefix(f, "password=") {
			fields[i] = "password=REDACTED"
		}
	}
	return strings.Join(fields, " ")
}
