package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config captures the node runtime parameters.
type Config struct {
	DataDir    string          `mapstructure:"data_dir"`
	Name       string          `mapstructure:"name"`
	LogLevel   string          `mapstructure:"log_level"`
	Debug      bool            `mapstructure:"debug"`
	ListenAddr string          `mapstructure:"listen_addr"`
	Transport  string          `mapstructure:"transport"`
	DebugAddr  string          `mapstructure:"debug_addr"`
	Announce   AnnounceConfig  `mapstructure:"announce"`
	Discovery  DiscoveryConfig `mapstructure:"discovery"`
	Gossip     GossipConfig    `mapstructure:"gossip"`
	Session    SessionConfig   `mapstructure:"session"`
	Identity   IdentityConfig  `mapstructure:"identity"`
	Notify     NotifyConfig    `mapstructure:"notify"`
}

type AnnounceConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Port     int           `mapstructure:"port"`
	Interval time.Duration `mapstructure:"interval"`
	Targets  []string      `mapstructure:"targets"`
}

type DiscoveryConfig struct {
	MDNS  bool     `mapstructure:"mdns"`
	Peers []string `mapstructure:"peers"`
}

type GossipConfig struct {
	InitialTTL    int           `mapstructure:"initial_ttl"`
	Retention     time.Duration `mapstructure:"retention"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	SeenCap       int           `mapstructure:"seen_cap"`
	HistoryCap    int           `mapstructure:"history_cap"`
	Sign          bool          `mapstructure:"sign"`
}

type SessionConfig struct {
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	DialTimeout      time.Duration `mapstructure:"dial_timeout"`
	RetryDelay       time.Duration `mapstructure:"retry_delay"`
	AttemptReset     time.Duration `mapstructure:"attempt_reset"`
	MaxInboundPerIP  int           `mapstructure:"max_inbound_per_ip"`
}

type IdentityConfig struct {
	PassphraseEnv string `mapstructure:"passphrase_env"`
}

type NotifyConfig struct {
	Desktop bool `mapstructure:"desktop"`
}

const (
	EnvPrefix            = "ORION"
	defaultListenAddr    = ":8888"
	defaultLogLevel      = "info"
	defaultTransport     = "tcp"
	defaultPassphraseEnv = "ORION_PASSPHRASE"
)

var defaultTargets = []string{"255.255.255.255", "192.168.43.255", "192.168.49.255", "192.168.1.255"}

// DefaultDataDir is ~/.orionmesh, or a relative .orionmesh when home is unknown.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return ".orionmesh"
	}
	return filepath.Join(home, ".orionmesh")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", DefaultDataDir())
	v.SetDefault("name", "")
	v.SetDefault("log_level", defaultLogLevel)
	v.SetDefault("debug", false)
	v.SetDefault("listen_addr", defaultListenAddr)
	v.SetDefault("transport", defaultTransport)
	v.SetDefault("debug_addr", "")
	v.SetDefault("announce.enabled", true)
	v.SetDefault("announce.port", 8889)
	v.SetDefault("announce.interval", 3*time.Second)
	v.SetDefault("announce.targets", defaultTargets)
	v.SetDefault("discovery.mdns", true)
	v.SetDefault("discovery.peers", []string{})
	v.SetDefault("gossip.initial_ttl", 50)
	v.SetDefault("gossip.retention", 30*24*time.Hour)
	v.SetDefault("gossip.sweep_interval", 60*time.Second)
	v.SetDefault("gossip.seen_cap", 50000)
	v.SetDefault("gossip.history_cap", 500)
	v.SetDefault("gossip.sign", true)
	v.SetDefault("session.handshake_timeout", 10*time.Second)
	v.SetDefault("session.dial_timeout", 10*time.Second)
	v.SetDefault("session.retry_delay", 10*time.Second)
	v.SetDefault("session.attempt_reset", 30*time.Second)
	v.SetDefault("session.max_inbound_per_ip", 4)
	v.SetDefault("identity.passphrase_env", defaultPassphraseEnv)
	v.SetDefault("notify.desktop", false)
}

// BindFlags registers the run flags on fs.
func BindFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "config file (yaml, toml or json)")
	fs.String("data-dir", "", "state directory")
	fs.String("name", "", "display name")
	fs.String("listen", "", "stream listen address")
	fs.String("transport", "", "stream transport: tcp or quic")
	fs.String("log-level", "", "log level")
	fs.Bool("debug", false, "development logging")
	fs.String("debug-addr", "", "pprof and /metrics listen address")
	fs.StringSlice("peer", nil, "static peer address (repeatable)")
	fs.Bool("no-announce", false, "disable the UDP announce fallback")
	fs.Bool("no-mdns", false, "disable mDNS discovery")
	fs.Bool("notify", false, "desktop notifications")
}

var flagKeys = map[string]string{
	"data-dir":   "data_dir",
	"name":       "name",
	"listen":     "listen_addr",
	"transport":  "transport",
	"log-level":  "log_level",
	"debug":      "debug",
	"debug-addr": "debug_addr",
	"peer":       "discovery.peers",
	"notify":     "notify.desktop",
}

// Load reads defaults, the optional config file, ORION_* environment
// variables and, when fs is not nil, explicitly set flags (highest priority).
func Load(fs *pflag.FlagSet) (Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if fs != nil {
		for flagName, key := range flagKeys {
			if f := fs.Lookup(flagName); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return Config{}, fmt.Errorf("bind flag %s: %w", flagName, err)
				}
			}
		}
		if path, err := fs.GetString("config"); err == nil && path != "" {
			v.SetConfigFile(path)
			if err := v.ReadInConfig(); err != nil {
				return Config{}, fmt.Errorf("read config %s: %w", path, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if fs != nil {
		if off, _ := fs.GetBool("no-announce"); off {
			cfg.Announce.Enabled = false
		}
		if off, _ := fs.GetBool("no-mdns"); off {
			cfg.Discovery.MDNS = false
		}
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	switch strings.ToLower(c.Transport) {
	case "tcp", "quic":
	default:
		return fmt.Errorf("unknown transport %q", c.Transport)
	}
	if strings.TrimSpace(c.ListenAddr) == "" {
		return errors.New("listen_addr is required")
	}
	if c.Gossip.InitialTTL <= 0 {
		return fmt.Errorf("gossip.initial_ttl must be positive, got %d", c.Gossip.InitialTTL)
	}
	if c.Gossip.Retention <= 0 || c.Gossip.SweepInterval <= 0 {
		return errors.New("gossip retention and sweep interval must be positive")
	}
	if c.DataDir == "" {
		return errors.New("data_dir is required")
	}
	return nil
}

// Passphrase fetches the identity passphrase from the configured environment
// variable. An empty value means the identity is stored unsealed.
func (c Config) Passphrase() string {
	env := c.Identity.PassphraseEnv
	if env == "" {
		env = defaultPassphraseEnv
	}
	return strings.TrimSpace(getenv(env))
}

// split out for testing.
var getenv = os.Getenv
