// Package redis provides a Redis/Valkey cache driver built on valkey-go.
package redis

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/valkey-io/valkey-go"

	"github.com/vendorflow/vendorflow/internal/platform/cache"
	"github.com/vendorflow/vendorflow/internal/platform/cfg"
)

func init() {
	factory := func(raw map[string]any) (cache.CacheWithCounter, error) {
		c := DefaultConfig()
		if err := cfg.Decode(raw, c); err != nil {
			return nil, err
		}
		return New(c)
	}
	cache.RegisterDriver("redis", factory)
	cache.RegisterDriver("valkey", factory)
}

// Config is the [cache.drivers.redis] section.
type Config struct {
	Addr         string        `mapstructure:"addr"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	KeyPrefix    string        `mapstructure:"key_prefix"`
	DefaultTTL   time.Duration `mapstructure:"default_ttl"`
}

// DefaultConfig returns defaults for a local server.
func DefaultConfig() *Config {
	return &Config{
		Addr:         "localhost:6379",
		DialTimeout:  5 * time.Second,
		WriteTimeout: 3 * time.Second,
		KeyPrefix:    "vendorflow:",
		DefaultTTL:   15 * time.Minute,
	}
}

// ApplyDefaults implements cfg.Setter.
func (c *Config) ApplyDefaults() {
	d := DefaultConfig()
	if c.Addr == "" {
		c.Addr = d.Addr
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = d.DialTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.DefaultTTL <= 0 {
		c.DefaultTTL = d.DefaultTTL
	}
}

// incrWindow bumps a counter and starts its window on first use. It returns
// the new value and the remaining window in milliseconds.
var incrWindow = valkey.NewLuaScript(`
local n = redis.call('INCRBY', KEYS[1], ARGV[1])
if redis.call('PTTL', KEYS[1]) < 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return {n, redis.call('PTTL', KEYS[1])}
`)

// Cache stores values and counters in Redis or Valkey.
type Cache struct {
	client     valkey.Client
	prefix     string
	defaultTTL time.Duration
}

// New connects and fails fast when the server is unreachable.
func New(c *Config) (*Cache, error) {
	if c == nil {
		c = DefaultConfig()
	}
	c.ApplyDefaults()

	client, err := valkey.NewClient(valkey.ClientOption{
		InitAddress:      []string{c.Addr},
		Password:         c.Password,
		SelectDB:         c.DB,
		Dialer:           net.Dialer{Timeout: c.DialTimeout},
		ConnWriteTimeout: c.WriteTimeout,
		DisableCache:     true,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", c.Addr, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.DialTimeout)
	defer cancel()
	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping %s: %w", c.Addr, err)
	}

	return &Cache{client: client, prefix: c.KeyPrefix, defaultTTL: c.DefaultTTL}, nil
}

func (c *Cache) itemKey(key string) string    { return c.prefix + "item:" + key }
func (c *Cache) counterKey(key string) string { return c.prefix + "ctr:" + key }

func (c *Cache) ttl(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return c.defaultTTL
	}
	return ttl
}

func (c *Cache) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := c.client.Do(ctx, c.client.B().Get().Key(c.itemKey(key)).Build()).AsBytes()
	if valkey.IsValkeyNil(err) {
		return nil, cache.ErrNotFound
	}
	return b, err
}

func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	ms := strconv.FormatInt(c.ttl(ttl).Milliseconds(), 10)
	cmd := c.client.B().Arbitrary("SET").Keys(c.itemKey(key)).Args(valkey.BinaryString(value), "PX", ms).Build()
	return c.client.Do(ctx, cmd).Error()
}

func (c *Cache) Delete(ctx context.Context, key string) error {
	return c.client.Do(ctx, c.client.B().Del().Key(c.itemKey(key)).Build()).Error()
}

func (c *Cache) Exists(ctx context.Context, key string) (bool, error) {
	n, err := c.client.Do(ctx, c.client.B().Exists().Key(c.itemKey(key)).Build()).AsInt64()
	return n > 0, err
}

// Increment runs the window script so the first increment and its expiry
// are applied together.
func (c *Cache) Increment(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, time.Time, error) {
	now := time.Now()
	vals, err := incrWindow.Exec(ctx, c.client,
		[]string{c.counterKey(key)},
		[]string{strconv.FormatInt(delta, 10), strconv.FormatInt(c.ttl(ttl).Milliseconds(), 10)},
	).ToArray()
	if err != nil {
		return 0, time.Time{}, err
	}
	if len(vals) != 2 {
		return 0, time.Time{}, errors.New("unexpected counter script reply")
	}
	n, err := vals[0].AsInt64()
	if err != nil {
		return 0, time.Time{}, err
	}
	pttl, err := vals[1].AsInt64()
	if err != nil {
		return 0, time.Time{}, err
	}
	return n, now.Add(time.Duration(pttl) * time.Millisecond), nil
}

func (c *Cache) GetCount(ctx context.Context, key string) (int64, error) {
	n, err := c.client.Do(ctx, c.client.B().Get().Key(c.counterKey(key)).Build()).AsInt64()
	if valkey.IsValkeyNil(err) {
		return 0, nil
	}
	return n, err
}

func (c *Cache) Reset(ctx context.Context, key string) error {
	return c.client.Do(ctx, c.client.B().Del().Key(c.counterKey(key)).Build()).Error()
}

func (c *Cache) Close() error {
	c.client.Close()
	return nil
}

var _ cache.CacheWithCounter = (*Cache)(nil)
