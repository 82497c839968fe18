// Package config loads engine configuration from JSON or YAML.
package config

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Engine is the top-level engine configuration.
type Engine struct {
	LogLevel   string           `json:"log_level" yaml:"log_level"`
	UserID     string           `json:"user_id" yaml:"user_id"`
	DeviceID   string           `json:"device_id" yaml:"device_id"`
	Store      StoreConfig      `json:"store" yaml:"store"`
	Transport  TransportConfig  `json:"transport" yaml:"transport"`
	Retry      RetryConfig      `json:"retry" yaml:"retry"`
	Connection ConnectionConfig `json:"connection" yaml:"connection"`
	EventQueue int              `json:"event_queue" yaml:"event_queue"`
	Priorities []PriorityRule   `json:"priorities,omitempty" yaml:"priorities,omitempty"`
	Filters    []FilterRule     `json:"filters,omitempty" yaml:"filters,omitempty"`
}

// StoreConfig selects the backing document store.
type StoreConfig struct {
	// Backend is "memory" or "bolt".
	Backend string `json:"backend" yaml:"backend"`
	// Path is the bolt database file, ignored for memory.
	Path string `json:"path,omitempty" yaml:"path,omitempty"`
}

// TransportConfig selects and tunes the transport.
type TransportConfig struct {
	// Kind is "loopback", "websocket" or "quic".
	Kind        string        `json:"kind" yaml:"kind"`
	URL         string        `json:"url,omitempty" yaml:"url,omitempty"`
	Addr        string        `json:"addr,omitempty" yaml:"addr,omitempty"`
	DialTimeout time.Duration `json:"dial_timeout,omitempty" yaml:"dial_timeout,omitempty"`
	KeepAlive   time.Duration `json:"keep_alive,omitempty" yaml:"keep_alive,omitempty"`
}

// RetryConfig tunes the retry queue backoff.
type RetryConfig struct {
	MaxRetries int           `json:"max_retries" yaml:"max_retries"`
	Base       time.Duration `json:"base" yaml:"base"`
	Max        time.Duration `json:"max" yaml:"max"`
	Multiplier float64       `json:"multiplier" yaml:"multiplier"`
}

// ConnectionConfig tunes the connection lifecycle manager.
type ConnectionConfig struct {
	MaxReconnectAttempts int `json:"max_reconnect_attempts" yaml:"max_reconnect_attempts"`
}

// PriorityRule mirrors a scheduler rule in configuration form.
type PriorityRule struct {
	Collection string `json:"collection" yaml:"collection"`
	Priority   string `json:"priority" yaml:"priority"`
	Order      int    `json:"order,omitempty" yaml:"order,omitempty"`
}

// FilterRule mirrors a selective-sync rule in configuration form.
type FilterRule struct {
	UserID     string `json:"user_id" yaml:"user_id"`
	Collection string `json:"collection" yaml:"collection"`
	Field      string `json:"field" yaml:"field"`
	Value      any    `json:"value" yaml:"value"`
	Enabled    bool   `json:"enabled" yaml:"enabled"`
}

// Default returns a runnable in-memory configuration.
func Default() *Engine {
	return &Engine{
		LogLevel:   "info",
		Store:      StoreConfig{Backend: "memory"},
		Transport:  TransportConfig{Kind: "loopback"},
		Retry:      RetryConfig{MaxRetries: 4, Base: 2 * time.Second, Max: 16 * time.Second, Multiplier: 2},
		Connection: ConnectionConfig{MaxReconnectAttempts: 3},
		EventQueue: 256,
	}
}

// Load reads configuration from a file, choosing the decoder by extension.
func Load(path string) (*Engine, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return LoadJSON(f)
	default:
		return LoadYAML(f)
	}
}

// LoadJSON loads config from a JSON reader on top of the defaults.
func LoadJSON(r io.Reader) (*Engine, error) {
	c := Default()
	if err := json.NewDecoder(r).Decode(c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return c, c.validate()
}

// LoadYAML loads config from a YAML reader on top of the defaults.
func LoadYAML(r io.Reader) (*Engine, error) {
	c := Default()
	if err := yaml.NewDecoder(r).Decode(c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return c, c.validate()
}

func (c *Engine) validate() error {
	switch c.Store.Backend {
	case "memory":
	case "bolt":
		if c.Store.Path == "" {
			return fmt.Errorf("store: bolt backend requires a path")
		}
	default:
		return fmt.Errorf("store: unknown backend %q", c.Store.Backend)
	}

	switch c.Transport.Kind {
	case "loopback":
	case "websocket":
		if c.Transport.URL == "" {
			return fmt.Errorf("transport: websocket requires a url")
		}
	case "quic":
		if c.Transport.Addr == "" {
			return fmt.Errorf("transport: quic requires an addr")
		}
	default:
		return fmt.Errorf("transport: unknown kind %q", c.Transport.Kind)
	}

	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry: max_retries must not be negative")
	}
	return nil
}
