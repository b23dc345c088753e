// Package config wraps viper behind a small read-only accessor so components
// never depend on viper directly.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config provides typed access to configuration values. A Config built from a
// nil viper returns zero values for every key.
type Config struct {
	v *viper.Viper
}

// New wraps an existing viper instance.
func New(v *viper.Viper) *Config {
	return &Config{v: v}
}

// Load reads configuration from the given file path (optional) and the
// environment. Environment variables use the DEEPINSCAN_ prefix with dots
// replaced by underscores, e.g. DEEPINSCAN_DISCOVERY_INTERVAL.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("DEEPINSCAN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %q: %w", path, err)
		}
	}

	return New(v), nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 6566)

	v.SetDefault("discovery.interval", "30s")
	v.SetDefault("discovery.probe_timeout", "10s")
	v.SetDefault("discovery.protocols", []string{"mdns", "wsd"})
	v.SetDefault("discovery.stale_after", "0s")

	v.SetDefault("store.path", "")
}

// GetString returns the string value for key.
func (c *Config) GetString(key string) string {
	if c.v == nil {
		return ""
	}
	return c.v.GetString(key)
}

// GetInt returns the integer value for key.
func (c *Config) GetInt(key string) int {
	if c.v == nil {
		return 0
	}
	return c.v.GetInt(key)
}

// GetBool returns the boolean value for key.
func (c *Config) GetBool(key string) bool {
	if c.v == nil {
		return false
	}
	return c.v.GetBool(key)
}

// GetDuration returns the duration value for key.
func (c *Config) GetDuration(key string) time.Duration {
	if c.v == nil {
		return 0
	}
	return c.v.GetDuration(key)
}

// GetStringSlice returns the string-slice value for key.
func (c *Config) GetStringSlice(key string) []string {
	if c.v == nil {
		return nil
	}
	return c.v.GetStringSlice(key)
}

// IsSet reports whether key has a value from any source.
func (c *Config) IsSet(key string) bool {
	if c.v == nil {
		return false
	}
	return c.v.IsSet(key)
}

// Sub returns the subtree rooted at key. Always returns a usable Config;
// a missing key yields a Config that returns zero values.
func (c *Config) Sub(key string) *Config {
	if c.v == nil {
		return &Config{}
	}
	return &Config{v: c.v.Sub(key)}
}

// Unmarshal decodes the configuration into the given struct using
// mapstructure tags.
func (c *Config) Unmarshal(target any) error {
	if c.v == nil {
		return nil
	}
	return c.v.Unmarshal(target)
}
