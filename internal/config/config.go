package config

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"fossibot-bridge/internal/errors"
	"fossibot-bridge/internal/logger"
)

// Config represents the complete bridge configuration
type Config struct {
	Accounts  []AccountConfig `yaml:"accounts"`
	Mosquitto MosquittoConfig `yaml:"mosquitto"`
	Bridge    BridgeConfig    `yaml:"bridge"`
	Cache     CacheConfig     `yaml:"cache"`
	Daemon    DaemonConfig    `yaml:"daemon"`
}

// AccountConfig is one vendor cloud account. Enabled defaults to true when
// omitted.
type AccountConfig struct {
	Email    string `yaml:"email"`
	Password string `yaml:"password"`
	Enabled  *bool  `yaml:"enabled"`
}

// IsEnabled reports whether the account takes part in bridging
func (a *AccountConfig) IsEnabled() bool {
	return a.Enabled == nil || *a.Enabled
}

// MosquittoConfig contains the local broker connection settings
type MosquittoConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	ClientID string `yaml:"client_id"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// BridgeConfig contains bridge runtime settings, all in seconds
type BridgeConfig struct {
	StatusPublishInterval int `yaml:"status_publish_interval"`
	ReconnectDelayMin     int `yaml:"reconnect_delay_min"`
	ReconnectDelayMax     int `yaml:"reconnect_delay_max"`
}

// CacheConfig contains the persistent cache settings, TTLs in seconds
type CacheConfig struct {
	Directory            string `yaml:"directory"`
	TokenTTLSafetyMargin int    `yaml:"token_ttl_safety_margin"`
	DeviceListTTL        int    `yaml:"device_list_ttl"`
	MaxTokenTTL          int    `yaml:"max_token_ttl"`
}

// DaemonConfig contains process-level settings
type DaemonConfig struct {
	LogLevel   string `yaml:"log_level"`
	HealthPort int    `yaml:"health_port"`
}

// Load reads, defaults and validates the configuration. The given path is
// tried first, then the standard locations.
func Load(configPath string) (*Config, error) {
	paths := []string{
		configPath,
		"/etc/fossibot/config.yaml",
		"./config.yaml",
	}

	var data []byte
	var err error
	var usedPath string

	for _, path := range paths {
		if path == "" {
			continue
		}
		data, err = os.ReadFile(path)
		if err == nil {
			usedPath = path
			break
		}
	}
	if err != nil {
		return nil, errors.Persistence("load config",
			fmt.Errorf("cannot read configuration from any of %v: %w", paths, err))
	}

	return Parse(data, usedPath)
}

// Parse decodes and validates a raw YAML configuration. name is used in
// error messages only.
func Parse(data []byte, name string) (*Config, error) {
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, errors.Input("parse config", "error parsing %s: %v", name, err)
	}

	warnUnknownKeys(data)
	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", name, err)
	}
	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.Mosquitto.Port == 0 {
		c.Mosquitto.Port = 1883
	}
	if c.Mosquitto.ClientID == "" {
		c.Mosquitto.ClientID = "fossibot-bridge"
	}
	if c.Bridge.StatusPublishInterval == 0 {
		c.Bridge.StatusPublishInterval = 60
	}
	if c.Bridge.ReconnectDelayMin == 0 {
		c.Bridge.ReconnectDelayMin = 5
	}
	if c.Bridge.ReconnectDelayMax == 0 {
		c.Bridge.ReconnectDelayMax = 60
	}
	if c.Cache.Directory == "" {
		c.Cache.Directory = "/var/lib/fossibot"
	}
	if c.Cache.TokenTTLSafetyMargin == 0 {
		c.Cache.TokenTTLSafetyMargin = 300
	}
	if c.Cache.DeviceListTTL == 0 {
		c.Cache.DeviceListTTL = 86400
	}
	if c.Cache.MaxTokenTTL == 0 {
		c.Cache.MaxTokenTTL = 86400
	}
	if c.Daemon.LogLevel == "" {
		c.Daemon.LogLevel = logger.LogLevelInfo
	}
}

// Validate checks if the configuration is usable
func (c *Config) Validate() error {
	if len(c.Accounts) == 0 {
		return errors.Input("validate config", "no accounts configured")
	}
	for i, acc := range c.Accounts {
		if acc.Email == "" {
			return errors.Input("validate config", "accounts[%d].email is empty", i)
		}
		if acc.Password == "" && acc.IsEnabled() {
			return errors.Input("validate config", "accounts[%d].password is empty", i)
		}
	}

	if c.Mosquitto.Host == "" {
		return errors.Input("validate config", "mosquitto.host is not specified")
	}
	if c.Mosquitto.Port < 1 || c.Mosquitto.Port > 65535 {
		return errors.Input("validate config", "mosquitto.port %d out of range", c.Mosquitto.Port)
	}

	if c.Bridge.StatusPublishInterval < 1 {
		return errors.Input("validate config", "bridge.status_publish_interval must be positive")
	}
	if c.Bridge.ReconnectDelayMin < 1 {
		return errors.Input("validate config", "bridge.reconnect_delay_min must be positive")
	}
	if c.Bridge.ReconnectDelayMax < c.Bridge.ReconnectDelayMin {
		return errors.Input("validate config", "bridge.reconnect_delay_max %d below reconnect_delay_min %d",
			c.Bridge.ReconnectDelayMax, c.Bridge.ReconnectDelayMin)
	}

	if c.Cache.Directory == "" {
		return errors.Input("validate config", "cache.directory is not specified")
	}
	if c.Cache.TokenTTLSafetyMargin < 0 {
		return errors.Input("validate config", "cache.token_ttl_safety_margin must be non-negative")
	}
	if c.Cache.DeviceListTTL < 1 {
		return errors.Input("validate config", "cache.device_list_ttl must be positive")
	}
	if c.Cache.MaxTokenTTL < 1 {
		return errors.Input("validate config", "cache.max_token_ttl must be positive")
	}

	if _, err := logger.ParseLevel(c.Daemon.LogLevel); err != nil {
		return errors.Input("validate config", "daemon.log_level: %v", err)
	}
	if c.Daemon.HealthPort < 0 || c.Daemon.HealthPort > 65535 {
		return errors.Input("validate config", "daemon.health_port %d out of range", c.Daemon.HealthPort)
	}

	return nil
}

// EnabledAccounts returns the accounts that take part in bridging
func (c *Config) EnabledAccounts() []AccountConfig {
	var enabled []AccountConfig
	for _, acc := range c.Accounts {
		if acc.IsEnabled() {
			enabled = append(enabled, acc)
		}
	}
	return enabled
}

var knownKeys = map[string][]string{
	"":          {"accounts", "mosquitto", "bridge", "cache", "daemon"},
	"accounts":  {"email", "password", "enabled"},
	"mosquitto": {"host", "port", "client_id", "username", "password"},
	"bridge":    {"status_publish_interval", "reconnect_delay_min", "reconnect_delay_max"},
	"cache":     {"directory", "token_ttl_safety_margin", "device_list_ttl", "max_token_ttl"},
	"daemon":    {"log_level", "health_port"},
}

// warnUnknownKeys logs a warning for every key the bridge does not
// recognize. Unknown keys are otherwise ignored.
func warnUnknownKeys(data []byte) {
	var top map[string]yaml.Node
	if err := yaml.Unmarshal(data, &top); err != nil {
		return
	}

	warn := func(section string, keys map[string]yaml.Node) {
		known := knownKeys[section]
		for key := range keys {
			found := false
			for _, k := range known {
				if k == key {
					found = true
					break
				}
			}
			if !found {
				if section == "" {
					logger.LogWarn("Ignoring unknown config key %q", key)
				} else {
					logger.LogWarn("Ignoring unknown config key %q in %s", key, section)
				}
			}
		}
	}

	warn("", top)

	for _, section := range []string{"mosquitto", "bridge", "cache", "daemon"} {
		node, ok := top[section]
		if !ok {
			continue
		}
		var keys map[string]yaml.Node
		if err := node.Decode(&keys); err != nil {
			continue
		}
		warn(section, keys)
	}

	if node, ok := top["accounts"]; ok {
		var entries []map[string]yaml.Node
		if err := node.Decode(&entries); err == nil {
			for _, entry := range entries {
				warn("accounts", entry)
			}
		}
	}
}

// Summary returns a one-line description for startup logs; passwords are
// not included.
func (c *Config) Summary() string {
	emails := make([]string, 0, len(c.Accounts))
	for _, acc := range c.Accounts {
		state := "enabled"
		if !acc.IsEnabled() {
			state = "disabled"
		}
		emails = append(emails, fmt.Sprintf("%s (%s)", acc.Email, state))
	}
	sort.Strings(emails)
	return fmt.Sprintf("accounts=%v broker=%s:%d cache=%s log=%s",
		emails, c.Mosquitto.Host, c.Mosquitto.Port, c.Cache.Directory, c.Daemon.LogLevel)
}
