// Package config loads the agent configuration from a JSON (comments
// allowed) or YAML file.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// ServerConfig configures the status HTTP server.
type ServerConfig struct {
	Listen         string   `json:"listen" yaml:"listen"`
	AllowedOrigins []string `json:"allowed_origins" yaml:"allowed_origins"`
}

// ChannelConfig configures the primary request/response channel.
type ChannelConfig struct {
	Target string `json:"target" yaml:"target"`
	// BaseURL resolves relative download paths. Defaults to Target.
	BaseURL string `json:"base_url" yaml:"base_url"`
}

// DownloadConfig limits how fast download requests are issued.
type DownloadConfig struct {
	RateLimit float64 `json:"rate_limit" yaml:"rate_limit"`
	RateBurst int     `json:"rate_burst" yaml:"rate_burst"`
}

// DocumentConfig selects the initial page and how markup is parsed.
type DocumentConfig struct {
	Page     string `json:"page" yaml:"page"`
	Sanitize bool   `json:"sanitize" yaml:"sanitize"`
}

// MQTTConfig configures the optional diagnostics publisher.
type MQTTConfig struct {
	Enabled            bool   `json:"enabled" yaml:"enabled"`
	Broker             string `json:"broker" yaml:"broker"` // tcp://IP:PORT
	Username           string `json:"username" yaml:"username"`
	Password           string `json:"password" yaml:"password"`
	ClientID           string `json:"client_id" yaml:"client_id"`
	TopicPrefix        string `json:"topic_prefix" yaml:"topic_prefix"`
	HADiscoveryEnabled bool   `json:"ha_discovery_enabled" yaml:"ha_discovery_enabled"`
	HADiscoveryPrefix  string `json:"ha_discovery_prefix" yaml:"ha_discovery_prefix"`
}

// LogConfig configures the root logger.
type LogConfig struct {
	Level       string `json:"level" yaml:"level"`
	Development bool   `json:"development" yaml:"development"`
}

// Config is the top-level configuration.
type Config struct {
	Server   ServerConfig   `json:"server" yaml:"server"`
	Channel  ChannelConfig  `json:"channel" yaml:"channel"`
	Download DownloadConfig `json:"download" yaml:"download"`
	Document DocumentConfig `json:"document" yaml:"document"`
	MQTT     MQTTConfig     `json:"mqtt" yaml:"mqtt"`
	Log      LogConfig      `json:"log" yaml:"log"`

	// File system settings
	ScriptsDir    string `json:"scripts_dir" yaml:"scripts_dir"`
	ScriptTimeout string `json:"script_timeout" yaml:"script_timeout"`
	SchedulesFile string `json:"schedules_file" yaml:"schedules_file"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	cfg := &Config{}
	cfg.setDefaults()
	return cfg
}

// Load reads path, applies defaults and validates the result. A missing file
// yields the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to open config file '%s': %w", path, err)
	}

	cfg, err := Parse(data, filepath.Ext(path))
	if err != nil {
		return nil, fmt.Errorf("config file '%s': %w", path, err)
	}
	return cfg, nil
}

// Parse decodes data as YAML when ext is .yaml or .yml and as JSON with
// comments otherwise.
func Parse(data []byte, ext string) (*Config, error) {
	cfg := &Config{}
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to decode yaml: %w", err)
		}
	default:
		if err := json.Unmarshal(jsonc.ToJSON(data), cfg); err != nil {
			return nil, fmt.Errorf("failed to decode json: %w", err)
		}
	}

	cfg.sanitize()
	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) sanitize() {
	c.Server.Listen = strings.TrimSpace(c.Server.Listen)
	c.Channel.Target = strings.TrimSpace(c.Channel.Target)
	c.Channel.BaseURL = strings.TrimSpace(c.Channel.BaseURL)
	c.Document.Page = strings.TrimSpace(c.Document.Page)
	c.ScriptsDir = strings.TrimSpace(c.ScriptsDir)
	c.SchedulesFile = strings.TrimSpace(c.SchedulesFile)
	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	c.MQTT.TopicPrefix = strings.TrimSuffix(strings.TrimSpace(c.MQTT.TopicPrefix), "/")
}

func (c *Config) setDefaults() {
	// Server Defaults
	if c.Server.Listen == "" {
		c.Server.Listen = ":8080"
	}

	// Channel Defaults
	if c.Channel.Target == "" {
		c.Channel.Target = "http://localhost:9090/events"
	}
	if c.Channel.BaseURL == "" {
		c.Channel.BaseURL = c.Channel.Target
	}

	// Download Defaults; a zero rate means unlimited.
	if c.Download.RateBurst <= 0 {
		c.Download.RateBurst = 1
	}

	// File Defaults
	if c.ScriptsDir == "" {
		c.ScriptsDir = "scripts"
	}
	if c.ScriptTimeout == "" {
		c.ScriptTimeout = "1s"
	}
	if c.SchedulesFile == "" {
		c.SchedulesFile = "schedules.json"
	}

	// MQTT Defaults
	if c.MQTT.Broker == "" {
		c.MQTT.Broker = "tcp://localhost:1883"
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "pagecmd-agent"
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "pagecmd"
	}
	if c.MQTT.HADiscoveryPrefix == "" {
		c.MQTT.HADiscoveryPrefix = "homeassistant"
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if _, err := url.ParseRequestURI(c.Channel.Target); err != nil {
		return fmt.Errorf("config error: 'channel.target' is not a valid URL: %w", err)
	}
	if _, err := url.Parse(c.Channel.BaseURL); err != nil {
		return fmt.Errorf("config error: 'channel.base_url' is not a valid URL: %w", err)
	}
	if _, err := c.ScriptTimeoutDuration(); err != nil {
		return err
	}
	if c.Download.RateLimit < 0 {
		return fmt.Errorf("config error: 'download.rate_limit' must not be negative")
	}
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("config error: 'log.level': %w", err)
	}
	return nil
}

// SetTarget points the channel at target. A base URL that was left at the
// old target follows it; an explicitly configured one is kept.
func (c *Config) SetTarget(target string) {
	if c.Channel.BaseURL == "" || c.Channel.BaseURL == c.Channel.Target {
		c.Channel.BaseURL = target
	}
	c.Channel.Target = target
}

// ScriptTimeoutDuration bounds a single Lua handler run.
func (c *Config) ScriptTimeoutDuration() (time.Duration, error) {
	d, err := time.ParseDuration(c.ScriptTimeout)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("config error: 'script_timeout' must be a positive duration, got %q", c.ScriptTimeout)
	}
	return d, nil
}
