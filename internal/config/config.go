// Package config provides YAML-based configuration loading for phoneremote.
package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/omochice/phoneremote/internal/backoff"
	"github.com/omochice/phoneremote/internal/client"
	"github.com/omochice/phoneremote/internal/discovery"
	"github.com/omochice/phoneremote/internal/server"
	"github.com/omochice/phoneremote/internal/transport"
	"github.com/omochice/phoneremote/pkg/protocol"
)

// Config is the root configuration shared by both commands.
type Config struct {
	Log       LogConfig       `mapstructure:"log"`
	Protocol  ProtocolConfig  `mapstructure:"protocol"`
	Discovery DiscoveryConfig `mapstructure:"discovery"`
	Server    ServerConfig    `mapstructure:"server"`
	Client    ClientConfig    `mapstructure:"client"`
	KeepAlive KeepAliveConfig `mapstructure:"keepalive"`
	Backoff   BackoffConfig   `mapstructure:"backoff"`
}

// LogConfig defines logger settings.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `mapstructure:"level"`
	// Format: console or json
	Format string `mapstructure:"format"`
	// Outputs: stdout, stderr, or file paths
	Outputs []string `mapstructure:"outputs"`

	Rotation    RotationConfig `mapstructure:"rotation"`
	Development bool           `mapstructure:"development"`
}

// RotationConfig controls log file rotation for file outputs.
type RotationConfig struct {
	Enable     bool   `mapstructure:"enable"`
	Filename   string `mapstructure:"filename"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// ProtocolConfig selects the payload codec and frame cap. Both ends must agree.
type ProtocolConfig struct {
	Encoding   string `mapstructure:"encoding"`
	MaxPayload int    `mapstructure:"max_payload"`
}

type DiscoveryConfig struct {
	Port             int           `mapstructure:"port"`
	BroadcastAddress string        `mapstructure:"broadcast_address"`
	ReplyTimeout     time.Duration `mapstructure:"reply_timeout"`
	Probe            string        `mapstructure:"probe"`
}

type ServerConfig struct {
	Address string `mapstructure:"address"`
	// Name is advertised to clients; defaults to the hostname.
	Name string `mapstructure:"name"`
	// AdvertiseAddress overrides the detected LAN address.
	AdvertiseAddress string `mapstructure:"advertise_address"`
	WebSocket        bool   `mapstructure:"websocket"`
}

type ClientConfig struct {
	Transport       string        `mapstructure:"transport"`
	SelfHeal        bool          `mapstructure:"self_heal"`
	DialTimeout     time.Duration `mapstructure:"dial_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	MaxDialAttempts int           `mapstructure:"max_dial_attempts"`
}

type KeepAliveConfig struct {
	Enable   bool          `mapstructure:"enable"`
	Idle     time.Duration `mapstructure:"idle"`
	Interval time.Duration `mapstructure:"interval"`
	Count    int           `mapstructure:"count"`
}

type BackoffConfig struct {
	Initial    time.Duration `mapstructure:"initial"`
	Multiplier float64       `mapstructure:"multiplier"`
	Max        time.Duration `mapstructure:"max"`
	Jitter     bool          `mapstructure:"jitter"`
}

// Default returns a Config populated with sensible defaults.
func Default() *Config {
	name, err := os.Hostname()
	if err != nil || name == "" {
		name = "phoneremote"
	}
	return &Config{
		Log: LogConfig{
			Level:   "info",
			Format:  "console",
			Outputs: []string{"stdout"},
			Rotation: RotationConfig{
				Enable:     false,
				Filename:   "logs/phoneremote.log",
				MaxSizeMB:  50,
				MaxBackups: 3,
				MaxAgeDays: 28,
				Compress:   true,
			},
		},
		Protocol: ProtocolConfig{
			Encoding:   protocol.CodecProto,
			MaxPayload: protocol.DefaultMaxPayload,
		},
		Discovery: DiscoveryConfig{
			Port:             discovery.DefaultPort,
			BroadcastAddress: "255.255.255.255",
			ReplyTimeout:     5 * time.Second,
		},
		Server: ServerConfig{
			Address:   fmt.Sprintf(":%d", server.DefaultPort),
			Name:      name,
			WebSocket: true,
		},
		Client: ClientConfig{
			Transport:    "tcp",
			SelfHeal:     true,
			DialTimeout:  5 * time.Second,
			WriteTimeout: 5 * time.Second,
		},
		KeepAlive: KeepAliveConfig{
			Enable:   true,
			Idle:     5 * time.Second,
			Interval: 5 * time.Second,
			Count:    3,
		},
		Backoff: BackoffConfig{
			Initial:    250 * time.Millisecond,
			Multiplier: 2,
			Max:        5 * time.Second,
			Jitter:     true,
		},
	}
}

// Load reads configuration from path (if non-empty), otherwise from
// PHONEREMOTE_CONFIG or a phoneremote.yaml found in the usual places. A
// missing file is not an error. Environment variables use the prefix
// PHONEREMOTE and `.`/`-` are replaced with `_`.
// Example: PHONEREMOTE_CLIENT_SELF_HEAL=false
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("PHONEREMOTE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	setDefaults(v, cfg)

	if path == "" {
		path = os.Getenv("PHONEREMOTE_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("phoneremote")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".phoneremote"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setDefaults seeds viper so env-only configs work.
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.outputs", cfg.Log.Outputs)
	v.SetDefault("log.development", cfg.Log.Development)
	v.SetDefault("log.rotation.enable", cfg.Log.Rotation.Enable)
	v.SetDefault("log.rotation.filename", cfg.Log.Rotation.Filename)
	v.SetDefault("log.rotation.max_size_mb", cfg.Log.Rotation.MaxSizeMB)
	v.SetDefault("log.rotation.max_backups", cfg.Log.Rotation.MaxBackups)
	v.SetDefault("log.rotation.max_age_days", cfg.Log.Rotation.MaxAgeDays)
	v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)

	v.SetDefault("protocol.encoding", cfg.Protocol.Encoding)
	v.SetDefault("protocol.max_payload", cfg.Protocol.MaxPayload)

	v.SetDefault("discovery.port", cfg.Discovery.Port)
	v.SetDefault("discovery.broadcast_address", cfg.Discovery.BroadcastAddress)
	v.SetDefault("discovery.reply_timeout", cfg.Discovery.ReplyTimeout)
	v.SetDefault("discovery.probe", cfg.Discovery.Probe)

	v.SetDefault("server.address", cfg.Server.Address)
	v.SetDefault("server.name", cfg.Server.Name)
	v.SetDefault("server.advertise_address", cfg.Server.AdvertiseAddress)
	v.SetDefault("server.websocket", cfg.Server.WebSocket)

	v.SetDefault("client.transport", cfg.Client.Transport)
	v.SetDefault("client.self_heal", cfg.Client.SelfHeal)
	v.SetDefault("client.dial_timeout", cfg.Client.DialTimeout)
	v.SetDefault("client.write_timeout", cfg.Client.WriteTimeout)
	v.SetDefault("client.max_dial_attempts", cfg.Client.MaxDialAttempts)

	v.SetDefault("keepalive.enable", cfg.KeepAlive.Enable)
	v.SetDefault("keepalive.idle", cfg.KeepAlive.Idle)
	v.SetDefault("keepalive.interval", cfg.KeepAlive.Interval)
	v.SetDefault("keepalive.count", cfg.KeepAlive.Count)

	v.SetDefault("backoff.initial", cfg.Backoff.Initial)
	v.SetDefault("backoff.multiplier", cfg.Backoff.Multiplier)
	v.SetDefault("backoff.max", cfg.Backoff.Max)
	v.SetDefault("backoff.jitter", cfg.Backoff.Jitter)
}

// Validate checks values that would otherwise fail deep inside a component.
func (c *Config) Validate() error {
	switch strings.ToLower(strings.TrimSpace(c.Log.Level)) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log.level: %q", c.Log.Level)
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	if len(c.Log.Outputs) == 0 {
		c.Log.Outputs = []string{"stdout"}
	}

	if _, err := protocol.CodecByName(c.Protocol.Encoding); err != nil {
		return fmt.Errorf("invalid protocol.encoding: %w", err)
	}
	if c.Protocol.MaxPayload <= 0 {
		return fmt.Errorf("invalid protocol.max_payload: %d", c.Protocol.MaxPayload)
	}
	if c.Discovery.Port <= 0 || c.Discovery.Port > 0xFFFF {
		return fmt.Errorf("invalid discovery.port: %d", c.Discovery.Port)
	}
	if _, err := transport.ParseKind(c.Client.Transport); err != nil {
		return fmt.Errorf("invalid client.transport: %w", err)
	}
	if c.Server.AdvertiseAddress != "" {
		if _, err := netip.ParseAddr(c.Server.AdvertiseAddress); err != nil {
			return fmt.Errorf("invalid server.advertise_address: %w", err)
		}
	}
	return nil
}

// Framer builds the frame codec both ends use.
func (c *Config) Framer() (*protocol.Framer, error) {
	codec, err := protocol.CodecByName(c.Protocol.Encoding)
	if err != nil {
		return nil, err
	}
	return protocol.NewFramer(codec, c.Protocol.MaxPayload), nil
}

func (c *Config) keepAlive() transport.KeepAlive {
	return transport.KeepAlive{
		Enable:   c.KeepAlive.Enable,
		Idle:     c.KeepAlive.Idle,
		Interval: c.KeepAlive.Interval,
		Count:    c.KeepAlive.Count,
	}
}

func (c *Config) backoff() backoff.Config {
	return backoff.Config{
		InitialDelay: c.Backoff.Initial,
		Multiplier:   c.Backoff.Multiplier,
		MaxDelay:     c.Backoff.Max,
		Jitter:       c.Backoff.Jitter,
	}
}

// ClientManager returns the client connection manager settings.
func (c *Config) ClientManager() (client.Config, error) {
	kind, err := transport.ParseKind(c.Client.Transport)
	if err != nil {
		return client.Config{}, err
	}
	return client.Config{
		SelfHeal:        c.Client.SelfHeal,
		Transport:       kind,
		DialTimeout:     c.Client.DialTimeout,
		WriteTimeout:    c.Client.WriteTimeout,
		MaxDialAttempts: c.Client.MaxDialAttempts,
		KeepAlive:       c.keepAlive(),
		Backoff:         c.backoff(),
	}, nil
}

// SessionServer returns the server connection manager settings.
func (c *Config) SessionServer() server.Config {
	return server.Config{
		Address:        c.Server.Address,
		KeepAlive:      c.keepAlive(),
		AllowWebSocket: c.Server.WebSocket,
		Backoff:        c.backoff(),
	}
}

// Prober returns the discovery client settings.
func (c *Config) Prober() discovery.ProberConfig {
	var probe []byte
	if c.Discovery.Probe != "" {
		probe = []byte(c.Discovery.Probe)
	}
	return discovery.ProberConfig{
		Port:             c.Discovery.Port,
		BroadcastAddress: c.Discovery.BroadcastAddress,
		ReplyTimeout:     c.Discovery.ReplyTimeout,
		Probe:            probe,
		Backoff:          c.backoff(),
	}
}

// DiscoveryListenAddress is where the broadcaster binds.
func (c *Config) DiscoveryListenAddress() string {
	return fmt.Sprintf("0.0.0.0:%d", c.Discovery.Port)
}
