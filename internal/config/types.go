package config

import "time"

// Config is the root configuration structure for fleethub.
// Serialised to ~/.fleethub/config.json.
type Config struct {
	Hub      HubConfig      `mapstructure:"hub"      json:"hub"`
	Relay    RelayConfig    `mapstructure:"relay"    json:"relay"`
	Webhooks WebhooksConfig `mapstructure:"webhooks" json:"webhooks"`
	PubSub   PubSubConfig   `mapstructure:"pubsub"   json:"pubsub"`
	Database DatabaseConfig `mapstructure:"database" json:"database"`
	Manifest ManifestConfig `mapstructure:"manifest" json:"manifest"`
}

// HubConfig identifies this hub and controls the gateway listener.
type HubConfig struct {
	MachineID   string `mapstructure:"machine_id"   json:"machine_id"`
	MachineName string `mapstructure:"machine_name" json:"machine_name"`
	Bind        string `mapstructure:"bind"         json:"bind"`
	Port        int    `mapstructure:"port"         json:"port"`
	// SecretToken is the shared fleet secret sent as X-Api-Token.
	SecretToken string `mapstructure:"secret_token" json:"secret_token"`
}

// RelayConfig tunes cross-machine delivery.
type RelayConfig struct {
	HTTPTimeout time.Duration `mapstructure:"http_timeout" json:"http_timeout"`
	// PeerPort is appended to a direct address that has no port.
	PeerPort int `mapstructure:"peer_port" json:"peer_port"`
	// Heartbeat is a cron spec; empty disables the heartbeat broadcast.
	Heartbeat string `mapstructure:"heartbeat" json:"heartbeat"`
}

type WebhooksConfig struct {
	Timeout time.Duration `mapstructure:"timeout" json:"timeout"`
	Workers int           `mapstructure:"workers" json:"workers"`
}

type PubSubConfig struct {
	// TopicPrefix is the first segment of topics derived from router events.
	TopicPrefix string `mapstructure:"topic_prefix" json:"topic_prefix"`
}

// DatabaseConfig controls the storage backend.
type DatabaseConfig struct {
	Enabled bool `mapstructure:"enabled" json:"enabled"`
	// Driver is "sqlite" (default) or "mysql".
	Driver string `mapstructure:"driver" json:"driver"`
	// Path is the SQLite file path (expanded at runtime).
	Path string `mapstructure:"path"   json:"path"`
	// DSN is the MySQL data source name (used when Driver == "mysql").
	DSN string `mapstructure:"dsn"    json:"dsn"`
}

type ManifestConfig struct {
	Path string `mapstructure:"path" json:"path"`
}
