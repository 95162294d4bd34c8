package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	DefaultConfigDir  = ".fleethub"
	DefaultConfigFile = "config.json"
	DefaultDBFile     = ".fleethub/fleethub.db"
	DefaultToken      = "fleethub-local-dev-token"
	EnvPrefix         = "FLEETHUB"
)

// Load reads the config file and returns a populated Config. A missing file
// is not an error: defaults and FLEETHUB_* environment overrides apply. The
// configPath flag may override the default location.
func Load(configPath string) (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("cannot determine home directory: %w", err)
	}

	v := viper.New()
	v.SetConfigType("json")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(filepath.Join(home, DefaultConfigDir))
	}

	setDefaults(v, home)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !isNotExist(err) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	expandPaths(&cfg, home)
	return &cfg, nil
}

// Save writes the config to disk as JSON.
func Save(cfg *Config, configPath string) error {
	path, err := ConfigPath(configPath)
	if err != nil {
		return fmt.Errorf("cannot determine home directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("serialising config: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

// ConfigPath returns the effective config file path.
func ConfigPath(override string) (string, error) {
	if override != "" {
		return override, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, DefaultConfigDir, DefaultConfigFile), nil
}

// Redacted returns a copy safe to print.
func (c Config) Redacted() Config {
	if c.Hub.SecretToken != "" {
		c.Hub.SecretToken = "********"
	}
	if c.Database.DSN != "" {
		c.Database.DSN = "********"
	}
	return c
}

// Addr is the gateway listen address.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Hub.Bind, c.Hub.Port)
}

// BaseURL is the URL CLI commands use to reach the local gateway.
func (c Config) BaseURL() string {
	host := c.Hub.Bind
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("http://%s:%d", host, c.Hub.Port)
}

// setDefaults populates viper with sensible out-of-the-box values.
func setDefaults(v *viper.Viper, home string) {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "localhost"
	}
	v.SetDefault("hub.machine_id", "hub-"+strings.ToLower(host))
	v.SetDefault("hub.machine_name", host)
	v.SetDefault("hub.bind", "127.0.0.1")
	v.SetDefault("hub.port", 3000)
	v.SetDefault("hub.secret_token", DefaultToken)

	v.SetDefault("relay.http_timeout", 5*time.Second)
	v.SetDefault("relay.peer_port", 3000)
	v.SetDefault("relay.heartbeat", "@every 30s")

	v.SetDefault("webhooks.timeout", 10*time.Second)
	v.SetDefault("webhooks.workers", 32)

	v.SetDefault("pubsub.topic_prefix", "fleet")

	v.SetDefault("database.enabled", true)
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", filepath.Join(home, DefaultDBFile))
	v.SetDefault("database.dsn", "")

	v.SetDefault("manifest.path", "")
}

// expandPaths resolves ~ in configured paths.
func expandPaths(cfg *Config, home string) {
	cfg.Database.Path = expandHome(cfg.Database.Path, home)
	cfg.Manifest.Path = expandHome(cfg.Manifest.Path, home)
}

func expandHome(path, home string) string {
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(home, path[2:])
	}
	return path
}

func isNotExist(err error) bool {
	return os.IsNotExist(err) || strings.Contains(err.Error(), "no such file")
}
