// Package config loads the device communication core's runtime
// configuration: account credentials, cache location, MQTT tuning, and
// logging/metrics knobs. Loading supports YAML with a JSON fallback and
// ${VAR} / ${VAR:-default} environment substitution, the same shape used
// throughout the reference library's configuration layer.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full on-disk configuration for one account connection.
type Config struct {
	Account     AccountConfig     `json:"account" yaml:"account"`
	Cache       CacheConfig       `json:"cache" yaml:"cache"`
	MQTT        MQTTConfig        `json:"mqtt" yaml:"mqtt"`
	Local       LocalConfig       `json:"local" yaml:"local"`
	Logging     LoggingConfig     `json:"logging" yaml:"logging"`
	Metrics     MetricsConfig     `json:"metrics" yaml:"metrics"`
}

// AccountConfig carries login credentials for the web API.
type AccountConfig struct {
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`
	BaseURL  string `json:"base_url" yaml:"base_url"`
}

// CacheConfig selects and configures the persisted device-state cache.
type CacheConfig struct {
	Type string `json:"type" yaml:"type"` // memory, file, none
	Path string `json:"path" yaml:"path"`
	Codec string `json:"codec" yaml:"codec"` // gob, json
}

// MQTTConfig tunes the shared account MQTT session.
type MQTTConfig struct {
	QoS                  byte          `json:"qos" yaml:"qos"`
	TLSInsecureSkipVerify bool         `json:"tls_insecure_skip_verify" yaml:"tls_insecure_skip_verify"`
	IdleUnsubscribeAfter time.Duration `json:"idle_unsubscribe_after" yaml:"idle_unsubscribe_after"`
}

// LocalConfig tunes per-device local TCP channels.
type LocalConfig struct {
	HandshakeTimeout time.Duration `json:"handshake_timeout" yaml:"handshake_timeout"`
	SendQueueDepth   int           `json:"send_queue_depth" yaml:"send_queue_depth"`
}

// LoggingConfig controls the zerolog-backed rrlog.Logger.
type LoggingConfig struct {
	Level      string `json:"level" yaml:"level"`
	SampleRate int    `json:"sample_rate" yaml:"sample_rate"`
}

// MetricsConfig controls the Prometheus metrics endpoint.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Listen  string `json:"listen" yaml:"listen"`
}

// Load reads, environment-substitutes, and decodes the config file at
// path, trying YAML first and falling back to JSON.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	content := SubstituteEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(content), &cfg); err != nil {
		if jsonErr := json.Unmarshal([]byte(content), &cfg); jsonErr != nil {
			return nil, fmt.Errorf("config: decode %s (tried YAML and JSON): %w", path, err)
		}
	}
	applyDefaults(&cfg)
	return &cfg, nil
}

// Default returns a Config with every field at its zero-input default,
// the same values Load falls back to for fields left unset in a file.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Save writes cfg to path as YAML.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

func applyDefaults(cfg *Config) {
	if cfg.MQTT.QoS == 0 {
		cfg.MQTT.QoS = 1
	}
	if cfg.MQTT.IdleUnsubscribeAfter == 0 {
		cfg.MQTT.IdleUnsubscribeAfter = 60 * time.Second
	}
	if cfg.Local.HandshakeTimeout == 0 {
		cfg.Local.HandshakeTimeout = 1500 * time.Millisecond
	}
	if cfg.Local.SendQueueDepth == 0 {
		cfg.Local.SendQueueDepth = 32
	}
	if cfg.Cache.Type == "" {
		cfg.Cache.Type = "memory"
	}
	if cfg.Cache.Codec == "" {
		cfg.Cache.Codec = "gob"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

var envRegex = regexp.MustCompile(`\$\{(\w+)(?::-([^}]*))?\}`)

// SubstituteEnvVars expands ${VAR} and ${VAR:-default} references in
// input against the process environment, leaving unresolvable
// references (no env var, no default) untouched.
func SubstituteEnvVars(input string) string {
	return envRegex.ReplaceAllStringFunc(input, func(m string) string {
		matches := envRegex.FindStringSubmatch(m)
		if len(matches) < 2 {
			return m
		}
		name := matches[1]
		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		if len(matches) > 2 && strings.Contains(m, ":-") {
			return matches[2]
		}
		return m
	})
}
