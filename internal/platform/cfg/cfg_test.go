package cfg

import (
	"testing"
	"time"
)

type poolConfig struct {
	DSN          string        `mapstructure:"dsn"`
	MaxOpenConns int           `mapstructure:"max_open_conns"`
	ConnMaxIdle  time.Duration `mapstructure:"conn_max_idle"`
}

func (c *poolConfig) ApplyDefaults() {
	if c.MaxOpenConns == 0 {
		c.MaxOpenConns = 10
	}
}

func TestDecode_AppliesDefaults(t *testing.T) {
	var c poolConfig
	if err := Decode(map[string]any{"dsn": "postgres://localhost/vf"}, &c); err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if c.DSN != "postgres://localhost/vf" {
		t.Errorf("Expected dsn to decode, got %q", c.DSN)
	}
	if c.MaxOpenConns != 10 {
		t.Errorf("Expected default max_open_conns 10, got %d", c.MaxOpenConns)
	}
}

func TestDecode_WeakTypesAndDurations(t *testing.T) {
	var c poolConfig
	input := map[string]any{
		"max_open_conns": "25",
		"conn_max_idle":  "90s",
	}
	if err := Decode(input, &c); err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if c.MaxOpenConns != 25 {
		t.Errorf("Expected 25, got %d", c.MaxOpenConns)
	}
	if c.ConnMaxIdle != 90*time.Second {
		t.Errorf("Expected 90s, got %v", c.ConnMaxIdle)
	}
}

func TestDecode_NilInput(t *testing.T) {
	var c poolConfig
	if err := Decode(nil, &c); err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if c.MaxOpenConns != 10 {
		t.Errorf("Expected defaults on nil input, got %d", c.MaxOpenConns)
	}
}

func TestDecode_TypeMismatch(t *testing.T) {
	var c poolConfig
	if err := Decode(map[string]any{"max_open_conns": []string{"x"}}, &c); err == nil {
		t.Error("Expected error for a list where an int is expected")
	}
}
