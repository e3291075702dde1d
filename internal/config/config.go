// Package config loads the controller configuration file.
package config

import (
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Environment overrides, applied after the file and any .env file
const (
	EnvDatabasePath    = "RFSWITCH_DATABASE_PATH"
	EnvActiveApartment = "RFSWITCH_ACTIVE_APARTMENT"
	EnvMQTTPassword    = "RFSWITCH_MQTT_PASSWORD"
)

// Config represents the configuration file structure
type Config struct {
	Database struct {
		Path string `yaml:"path"`
	} `yaml:"database"`

	Apartment struct {
		Active string `yaml:"active"` // Name of the apartment CLI commands act on
	} `yaml:"apartment"`

	Network struct {
		SSID          string `yaml:"ssid"`
		InternetProbe string `yaml:"internet_probe"`
		ProbeTimeout  int    `yaml:"probe_timeout_ms"`
		CacheFor      int    `yaml:"cache_for_ms"`
	} `yaml:"network"`

	Queue struct {
		DefaultDelay  int `yaml:"default_delay_ms"`
		ErrorCooldown int `yaml:"error_cooldown_ms"`
		Size          int `yaml:"size"`
		WriteTimeout  int `yaml:"write_timeout_ms"`
	} `yaml:"queue"`

	Discovery struct {
		Address string `yaml:"address"`
		Timeout int    `yaml:"timeout_ms"`
	} `yaml:"discovery"`

	History struct {
		RetentionDays int `yaml:"retention_days"` // 0 keeps history forever
	} `yaml:"history"`

	Preferences struct {
		RefreshWidgets bool `yaml:"refresh_widgets"`
		SyncWearable   bool `yaml:"sync_wearable"`
	} `yaml:"preferences"`

	Companion struct {
		Enabled      bool   `yaml:"enabled"`
		Listen       string `yaml:"listen"`
		Advertise    bool   `yaml:"advertise"`
		InstanceName string `yaml:"instance_name"`
	} `yaml:"companion"`

	MQTT struct {
		Enabled     bool   `yaml:"enabled"`
		Broker      string `yaml:"broker"`
		User        string `yaml:"user"`
		Password    string `yaml:"password"`
		ClientID    string `yaml:"client_id"`
		TopicPrefix string `yaml:"topic_prefix"`
	} `yaml:"mqtt"`

	Triggers struct {
		Enabled bool     `yaml:"enabled"`
		URL     string   `yaml:"url"`
		Topics  []string `yaml:"topics"`
	} `yaml:"triggers"`

	RPC struct {
		Enabled bool   `yaml:"enabled"`
		Listen  string `yaml:"listen"`
	} `yaml:"rpc"`

	Timing struct {
		TimerCheckInterval int `yaml:"timer_check_interval"` // Seconds
		PruneInterval      int `yaml:"prune_interval"`       // Seconds
	} `yaml:"timing"`

	Logging struct {
		Level string `yaml:"level"`
		File  string `yaml:"file"`
	} `yaml:"logging"`
}

// Default returns the configuration used for omitted settings
func Default() *Config {
	var c Config
	c.Database.Path = "/var/lib/rfswitch/rfswitch.db"

	c.Network.InternetProbe = "1.1.1.1:53"
	c.Network.ProbeTimeout = 2000
	c.Network.CacheFor = 10000

	c.Queue.DefaultDelay = 1000
	c.Queue.ErrorCooldown = 2000
	c.Queue.Size = 64
	c.Queue.WriteTimeout = 2000

	c.Discovery.Address = "255.255.255.255:49880"
	c.Discovery.Timeout = 2000

	c.History.RetentionDays = 30

	c.Preferences.RefreshWidgets = true
	c.Preferences.SyncWearable = true

	c.Companion.Listen = ":8765"

	c.MQTT.ClientID = "rfswitch"
	c.MQTT.TopicPrefix = "rfswitch"

	c.Triggers.URL = "ipc:///tmp/rfswitch_events"

	c.RPC.Listen = "127.0.0.1:50051"

	c.Timing.TimerCheckInterval = 15
	c.Timing.PruneInterval = 3600

	c.Logging.Level = "info"
	return &c
}

// Load reads the file at path over the defaults, applies .env and
// environment overrides and validates the result. A missing file is not
// an error when path is empty.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("Failed to load .env: %v", err)
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvDatabasePath); v != "" {
		c.Database.Path = v
	}
	if v := os.Getenv(EnvActiveApartment); v != "" {
		c.Apartment.Active = v
	}
	if v := os.Getenv(EnvMQTTPassword); v != "" {
		c.MQTT.Password = v
	}
}

// Validate checks ranges and required fields
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return errors.New("database.path is required")
	}
	if c.Queue.DefaultDelay < 0 || c.Queue.ErrorCooldown < 0 {
		return errors.New("queue delays must not be negative")
	}
	if c.Queue.Size <= 0 {
		return errors.New("queue.size must be positive")
	}
	if c.Discovery.Timeout <= 0 {
		return errors.New("discovery.timeout_ms must be positive")
	}
	if err := validAddr("discovery.address", c.Discovery.Address); err != nil {
		return err
	}
	if c.History.RetentionDays < 0 {
		return errors.New("history.retention_days must not be negative")
	}
	if c.Timing.TimerCheckInterval <= 0 {
		return errors.New("timing.timer_check_interval must be positive")
	}
	if c.Companion.Enabled {
		if err := validAddr("companion.listen", c.Companion.Listen); err != nil {
			return err
		}
	}
	if c.RPC.Enabled {
		if err := validAddr("rpc.listen", c.RPC.Listen); err != nil {
			return err
		}
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return errors.New("mqtt.broker is required when mqtt is enabled")
	}
	if c.Triggers.Enabled && c.Triggers.URL == "" {
		return errors.New("triggers.url is required when triggers are enabled")
	}
	switch c.Logging.Level {
	case "", "info", "debug":
	default:
		return fmt.Errorf("logging.level must be info or debug, got %q", c.Logging.Level)
	}
	return nil
}

// validAddr accepts host:port with a port in 0-65535; the host may be empty
func validAddr(field, addr string) error {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	n, err := strconv.Atoi(port)
	if err != nil || n < 0 || n > 65535 {
		return fmt.Errorf("%s: invalid port %q", field, port)
	}
	return nil
}

// Debug reports whether per-packet logging is enabled
func (c *Config) Debug() bool {
	return c.Logging.Level == "debug"
}

// Milliseconds converts a millisecond setting to a duration
func Milliseconds(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// Seconds converts a second setting to a duration
func Seconds(s int) time.Duration {
	return time.Duration(s) * time.Second
}

// HistoryRetention is the retention window; 0 keeps history forever
func (c *Config) HistoryRetention() time.Duration {
	return time.Duration(c.History.RetentionDays) * 24 * time.Hour
}
