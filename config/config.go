package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
)

var log = logrus.New()

var ErrInvalidConfig = errors.New("invalid config")

const (
	DefaultChannel   = "file-sharing-channel"
	DefaultMulticast = "239.255.42.99:9911"
)

// Config represents the configuration of a peerdrop node
type Config struct {
	// Default config file location
	configFile string

	Node struct {
		// Peers only connect to peers announcing the same channel
		Channel             string `json:"channel"`
		KeepAlive           bool   `json:"keepalive"`
		KeepAliveIntervalMs int    `json:"keepalive_interval_ms"`
	} `json:"node"`

	Network struct {
		// TCP address for peer connections, port 0 picks a free port
		Listen string `json:"listen"`
		// Multicast group for announcements, empty disables multicast discovery
		Multicast          string   `json:"multicast"`
		Interface          string   `json:"interface,omitempty"`
		AnnounceIntervalMs int      `json:"announce_interval_ms"`
		AnnounceJitterMs   int      `json:"announce_jitter_ms"`
		Bootstrap          []string `json:"bootstrap,omitempty"`
		HandshakeTimeoutMs int      `json:"handshake_timeout_ms"`
		WriteTimeoutMs     int      `json:"write_timeout_ms"`
		MaxFrameSize       int      `json:"max_frame_size"`
	} `json:"network"`

	Control struct {
		// Loopback address of the control RPC, empty disables it
		Listen string `json:"listen"`
	} `json:"control"`

	Files struct {
		Source    string `json:"source"`
		Downloads string `json:"downloads"`
	} `json:"files"`

	DataStore struct {
		HistoryPath string `json:"history"`
	} `json:"datastore"`
}

// NewEmptyConfig generates a new configuration with default settings
func NewEmptyConfig(configFile string) *Config {
	cfg := &Config{}

	cfg.configFile = configFile

	cfg.Node.Channel = DefaultChannel
	cfg.Node.KeepAlive = true
	cfg.Node.KeepAliveIntervalMs = 600

	cfg.Network.Listen = "0.0.0.0:0"
	cfg.Network.Multicast = DefaultMulticast
	cfg.Network.AnnounceIntervalMs = 5000
	cfg.Network.AnnounceJitterMs = 1000
	cfg.Network.HandshakeTimeoutMs = 5000
	cfg.Network.WriteTimeoutMs = 30000
	cfg.Network.MaxFrameSize = 256 << 20

	cfg.Control.Listen = "127.0.0.1:9912"

	cfg.Files.Source = "."
	cfg.Files.Downloads = "downloads"

	cfg.DataStore.HistoryPath = filepath.Join(os.TempDir(), "peerdrop", "history")

	return cfg
}

func NewConfigFromFile(configFile string) (*Config, error) {
	cfg := NewEmptyConfig(configFile)
	if err := cfg.Load(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) File() string {
	return c.configFile
}

// Save saves the configuration to a file
func (c *Config) Save() error {
	log.Infof("Saving config to %s", c.configFile)

	// We'll marshall our structure to JSON and write it into a file
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(c.configFile, data, 0644)
}

func (c *Config) Load() error {
	log.Infof("Loading config from %s", c.configFile)
	data, err := os.ReadFile(c.configFile)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(data, c); err != nil {
		return err
	}

	return nil
}

// Validate checks values that would otherwise fail late, at listen or dial time.
func (c *Config) Validate() error {
	if c.Node.Channel == "" {
		return fmt.Errorf("%w: node.channel is empty", ErrInvalidConfig)
	}
	if c.Node.KeepAlive && c.Node.KeepAliveIntervalMs <= 0 {
		return fmt.Errorf("%w: node.keepalive_interval_ms must be positive", ErrInvalidConfig)
	}
	if _, _, err := net.SplitHostPort(c.Network.Listen); err != nil {
		return fmt.Errorf("%w: network.listen: %v", ErrInvalidConfig, err)
	}
	if c.Network.Multicast != "" {
		addr, err := net.ResolveUDPAddr("udp4", c.Network.Multicast)
		if err != nil {
			return fmt.Errorf("%w: network.multicast: %v", ErrInvalidConfig, err)
		}
		if !addr.IP.IsMulticast() {
			return fmt.Errorf("%w: network.multicast: %s is not a multicast address", ErrInvalidConfig, addr.IP)
		}
		if c.Network.AnnounceIntervalMs <= 0 || c.Network.AnnounceJitterMs < 0 || c.Network.AnnounceJitterMs >= c.Network.AnnounceIntervalMs {
			return fmt.Errorf("%w: announce jitter must be in [0, announce_interval_ms)", ErrInvalidConfig)
		}
	}
	for _, b := range c.Network.Bootstrap {
		if _, _, err := net.SplitHostPort(b); err != nil {
			return fmt.Errorf("%w: network.bootstrap %q: %v", ErrInvalidConfig, b, err)
		}
	}
	if c.Network.HandshakeTimeoutMs <= 0 {
		return fmt.Errorf("%w: network.handshake_timeout_ms must be positive", ErrInvalidConfig)
	}
	if c.Network.WriteTimeoutMs < 0 {
		return fmt.Errorf("%w: network.write_timeout_ms is negative", ErrInvalidConfig)
	}
	if c.Network.MaxFrameSize <= 0 {
		return fmt.Errorf("%w: network.max_frame_size must be positive", ErrInvalidConfig)
	}
	if c.Control.Listen != "" {
		if _, _, err := net.SplitHostPort(c.Control.Listen); err != nil {
			return fmt.Errorf("%w: control.listen: %v", ErrInvalidConfig, err)
		}
	}
	if c.Files.Downloads == "" {
		return fmt.Errorf("%w: files.downloads is empty", ErrInvalidConfig)
	}
	if c.DataStore.HistoryPath == "" {
		return fmt.Errorf("%w: datastore.history is empty", ErrInvalidConfig)
	}
	return nil
}

func (c *Config) KeepAlivePeriod() time.Duration {
	return time.Duration(c.Node.KeepAliveIntervalMs) * time.Millisecond
}

func (c *Config) AnnounceInterval() time.Duration {
	return time.Duration(c.Network.AnnounceIntervalMs) * time.Millisecond
}

func (c *Config) AnnounceJitter() time.Duration {
	return time.Duration(c.Network.AnnounceJitterMs) * time.Millisecond
}

func (c *Config) HandshakeTimeout() time.Duration {
	return time.Duration(c.Network.HandshakeTimeoutMs) * time.Millisecond
}

func (c *Config) WriteTimeout() time.Duration {
	return time.Duration(c.Network.WriteTimeoutMs) * time.Millisecond
}
