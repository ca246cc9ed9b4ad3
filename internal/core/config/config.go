// Package config loads the YAML configuration of a replication session.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/zeusync/netcore/internal/core/observability/log"
	"github.com/zeusync/netcore/internal/core/prediction"
	"github.com/zeusync/netcore/internal/core/replication"
	"github.com/zeusync/netcore/internal/core/transport"
	"github.com/zeusync/netcore/internal/core/transport/quic"
	"github.com/zeusync/netcore/internal/core/transport/relay"
	"github.com/zeusync/netcore/internal/core/transport/websocket"
)

type Config struct {
	// PlayerID identifies the local player; 0 is the host.
	PlayerID    uint64             `yaml:"player_id" json:"player_id"`
	Log         LogConfig          `yaml:"log" json:"log"`
	Transport   transport.Config   `yaml:"transport" json:"transport"`
	Replication replication.Config `yaml:"replication" json:"replication"`
	Prediction  prediction.Config  `yaml:"prediction" json:"prediction"`
	Links       LinksConfig        `yaml:"links" json:"links"`
}

type LogConfig struct {
	Level   string   `yaml:"level" json:"level"`
	Outputs []string `yaml:"outputs" json:"outputs"`
}

// LinksConfig configures the link backends.
type LinksConfig struct {
	WebSocket websocket.Config `yaml:"websocket" json:"websocket"`
	QUIC      quic.Config      `yaml:"quic" json:"quic"`
	Relay     relay.Config     `yaml:"relay" json:"relay"`
}

func Default() Config {
	return Config{
		Log:         LogConfig{Level: "info", Outputs: []string{"stderr"}},
		Transport:   transport.DefaultConfig(),
		Replication: replication.DefaultConfig(),
		Prediction:  prediction.DefaultConfig(),
		Links: LinksConfig{
			WebSocket: websocket.DefaultConfig(),
			QUIC:      quic.DefaultConfig(),
			Relay:     relay.DefaultConfig(),
		},
	}
}

// Load reads a YAML file over the defaults and validates the result.
func Load(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	defer f.Close()
	return LoadYAML(f)
}

// LoadYAML decodes r over the defaults. Keys missing from r keep their
// default value.
func LoadYAML(r io.Reader) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("config: decode: %w", err)
	}
	cfg.SetPlayerID(cfg.PlayerID)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// SetPlayerID stores id and copies it into the sections that need it.
func (c *Config) SetPlayerID(id uint64) {
	c.PlayerID = id
	c.Transport.LocalPlayerID = id
	c.Replication.LocalPlayerID = id
}

func (c Config) Validate() error {
	var errs []error
	if _, err := log.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("config: log level: %w", err))
	}
	if err := c.Transport.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := c.Replication.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := c.Prediction.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Links.Relay.MaxBatch < 1 {
		errs = append(errs, fmt.Errorf("config: relay max batch must be positive"))
	}
	if !hasChannel(c.Transport.Channels, c.Replication.ReliableChannel) {
		errs = append(errs, fmt.Errorf("config: replication reliable channel %q is not a transport channel", c.Replication.ReliableChannel))
	}
	if !hasChannel(c.Transport.Channels, c.Replication.UnreliableChannel) {
		errs = append(errs, fmt.Errorf("config: replication unreliable channel %q is not a transport channel", c.Replication.UnreliableChannel))
	}
	return errors.Join(errs...)
}

func hasChannel(channels []transport.ChannelConfig, name string) bool {
	for _, ch := range channels {
		if ch.Name == name {
			return true
		}
	}
	return false
}

// LogLevel returns the parsed log level, falling back to info.
func (c Config) LogLevel() log.Level {
	level, err := log.ParseLevel(c.Log.Level)
	if err != nil {
		return log.LevelInfo
	}
	return level
}
