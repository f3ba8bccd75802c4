package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/bingosuite/chatsync/internal/model"
	"github.com/bingosuite/chatsync/internal/router"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid configuration")

type Config struct {
	MainServer         bool   `yaml:"main_server"`
	MainServerHost     string `yaml:"main_server_host"`
	MainServerPort     int    `yaml:"main_server_port"`
	MainServerPassword string `yaml:"main_server_password"`

	QQBotEnabled      bool    `yaml:"qq_bot_enabled"`
	OneBotWSHost      string  `yaml:"onebot_ws_host"`
	OneBotWSPort      int     `yaml:"onebot_ws_port"`
	OneBotAccessToken string  `yaml:"onebot_access_token"`
	QQGroupID         []int64 `yaml:"qq_group_id"`

	MCServerName  string `yaml:"mc_server_name"`
	MCChatFormat  string `yaml:"mc_chat_format"`
	MCEventFormat string `yaml:"mc_event_format"`
	QQChatFormat  string `yaml:"qq_chat_format"`
	QQEventFormat string `yaml:"qq_event_format"`
	QQOriginName  string `yaml:"qq_origin_name"`

	SyncMCToQQ            bool `yaml:"sync_mc_to_qq"`
	SyncQQToMC            bool `yaml:"sync_qq_to_mc"`
	SyncMCToMC            bool `yaml:"sync_mc_to_mc"`
	SyncQQToQQ            bool `yaml:"sync_qq_to_qq"`
	SyncPlayerJoinLeave   bool `yaml:"sync_player_join_leave"`
	SyncPlayerDeath       bool `yaml:"sync_player_death"`
	SyncPlayerAdvancement bool `yaml:"sync_player_advancement"`

	FilterCommands   bool     `yaml:"filter_commands"`
	FilterPrefixes   []string `yaml:"filter_prefixes"`
	MaxMessageLength int      `yaml:"max_message_length"`

	QQCommands  bool            `yaml:"qq_commands"`
	RequireBind bool            `yaml:"require_bind"`
	BindStore   BindStoreConfig `yaml:"bind_store"`
	ConsulAddr  string          `yaml:"consul_addr"`

	Link    LinkConfig    `yaml:"link"`
	Gateway GatewayConfig `yaml:"gateway"`
	Logging LoggingConfig `yaml:"logging"`
}

type BindStoreConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

type LinkConfig struct {
	QueueSize         int           `yaml:"queue_size"`
	MaxFrameSize      int           `yaml:"max_frame_size"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	HandshakeTimeout  time.Duration `yaml:"handshake_timeout"`
	ReconnectInitial  time.Duration `yaml:"reconnect_initial"`
	ReconnectMax      time.Duration `yaml:"reconnect_max"`
}

type GatewayConfig struct {
	CallTimeout time.Duration `yaml:"call_timeout"`
	AckTimeout  time.Duration `yaml:"ack_timeout"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

func Default() *Config {
	return &Config{
		MainServer:     true,
		MainServerHost: "127.0.0.1",
		MainServerPort: 29530,

		OneBotWSHost: "127.0.0.1",
		OneBotWSPort: 8080,
		QQGroupID:    []int64{},

		MCServerName:  "Server",
		MCChatFormat:  "[{server}] <{player}> {message}",
		MCEventFormat: "[{server}] {message}",
		QQChatFormat:  "[{server}] <{player}> {message}",
		QQEventFormat: "[{server}] {message}",
		QQOriginName:  "QQ",

		SyncMCToQQ:            true,
		SyncQQToMC:            true,
		SyncMCToMC:            true,
		SyncQQToQQ:            true,
		SyncPlayerJoinLeave:   true,
		SyncPlayerDeath:       true,
		SyncPlayerAdvancement: true,

		FilterCommands:   true,
		FilterPrefixes:   []string{"/", "!", ".", "#"},
		MaxMessageLength: 200,

		QQCommands: true,
		BindStore: BindStoreConfig{
			Driver: "sqlite",
			DSN:    "chatsync.db",
		},

		Link: LinkConfig{
			QueueSize:         256,
			MaxFrameSize:      1 << 20,
			HeartbeatInterval: 15 * time.Second,
			HandshakeTimeout:  5 * time.Second,
			ReconnectInitial:  time.Second,
			ReconnectMax:      time.Minute,
		},
		Gateway: GatewayConfig{
			CallTimeout: 5 * time.Second,
			AckTimeout:  10 * time.Second,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads the config file at path, falling back to defaults when it does
// not exist, applies environment overrides and validates the result. JSON
// files load too, since JSON is valid YAML.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	case os.IsNotExist(err):
	default:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := loadDotEnv(filepath.Dir(path)); err != nil {
		return nil, err
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadDotEnv fills unset variables from a .env file beside the config file
// or in the working directory.
func loadDotEnv(dir string) error {
	for _, p := range []string{filepath.Join(dir, ".env"), ".env"} {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("failed to load %s: %w", p, err)
		}
	}
	return nil
}

func (c *Config) applyEnv() {
	if v, ok := os.LookupEnv("CHATSYNC_MAIN_SERVER_PASSWORD"); ok {
		c.MainServerPassword = v
	}
	if v, ok := os.LookupEnv("CHATSYNC_ONEBOT_ACCESS_TOKEN"); ok {
		c.OneBotAccessToken = v
	}
	if v, ok := os.LookupEnv("CHATSYNC_BIND_DSN"); ok {
		c.BindStore.DSN = v
	}
	if v, ok := os.LookupEnv("CHATSYNC_LOG_LEVEL"); ok {
		c.Logging.Level = v
	}
}

func (c *Config) Validate() error {
	var errs []error
	invalid := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...)))
	}

	if c.MainServerHost == "" {
		invalid("main_server_host is empty")
	}
	if c.MainServerPort < 1024 || c.MainServerPort > 65535 {
		invalid("main_server_port must be within 1024-65535, got %d", c.MainServerPort)
	}
	if c.QQBotEnabled {
		if c.OneBotWSHost == "" {
			invalid("onebot_ws_host is empty")
		}
		if c.OneBotWSPort < 1 || c.OneBotWSPort > 65535 {
			invalid("onebot_ws_port must be within 1-65535, got %d", c.OneBotWSPort)
		}
	}
	seen := make(map[int64]bool, len(c.QQGroupID))
	for _, id := range c.QQGroupID {
		if id <= 0 {
			invalid("invalid qq_group_id %d", id)
		}
		if seen[id] {
			invalid("duplicate qq_group_id %d", id)
		}
		seen[id] = true
	}
	if c.MCServerName == "" {
		invalid("mc_server_name is empty")
	}
	if c.MaxMessageLength <= 0 {
		invalid("max_message_length must be greater than 0, got %d", c.MaxMessageLength)
	}
	for key, tpl := range map[string]string{
		"mc_chat_format":  c.MCChatFormat,
		"mc_event_format": c.MCEventFormat,
		"qq_chat_format":  c.QQChatFormat,
		"qq_event_format": c.QQEventFormat,
	} {
		if err := router.ValidateTemplate(tpl); err != nil {
			invalid("%s: %v", key, err)
		}
	}
	if c.Link.QueueSize <= 0 {
		invalid("link.queue_size must be greater than 0")
	}
	if c.Link.MaxFrameSize <= 0 {
		invalid("link.max_frame_size must be greater than 0")
	}
	if c.Link.HeartbeatInterval < 0 {
		invalid("link.heartbeat_interval must not be negative")
	}
	switch c.BindStore.Driver {
	case "sqlite", "mysql":
	default:
		invalid("bind_store.driver must be sqlite or mysql, got %q", c.BindStore.Driver)
	}
	return errors.Join(errs...)
}

func (c *Config) LinkAddr() string {
	return net.JoinHostPort(c.MainServerHost, strconv.Itoa(c.MainServerPort))
}

func (c *Config) GatewayAddr() string {
	return net.JoinHostPort(c.OneBotWSHost, strconv.Itoa(c.OneBotWSPort))
}

func (c *Config) Role() model.Role {
	if c.MainServer {
		return model.RoleMain
	}
	return model.RoleSubordinate
}

// Policy is the routing part of the configuration.
func (c *Config) Policy() *model.RoutingPolicy {
	return &model.RoutingPolicy{
		SyncServerToGroup:  c.SyncMCToQQ,
		SyncGroupToServer:  c.SyncQQToMC,
		SyncServerToServer: c.SyncMCToMC,
		SyncGroupToGroup:   c.SyncQQToQQ,
		SyncJoinLeave:      c.SyncPlayerJoinLeave,
		SyncDeath:          c.SyncPlayerDeath,
		SyncAdvancement:    c.SyncPlayerAdvancement,
		FilterCommands:     c.FilterCommands,
		FilterPrefixes:     append([]string(nil), c.FilterPrefixes...),
		MaxMessageLength:   c.MaxMessageLength,
		ServerChatFormat:   c.MCChatFormat,
		ServerEventFormat:  c.MCEventFormat,
		GroupChatFormat:    c.QQChatFormat,
		GroupEventFormat:   c.QQEventFormat,
		GroupLabel:         c.QQOriginName,
	}
}

// Groups returns the configured group targets, all active.
func (c *Config) Groups() []model.GroupTarget {
	out := make([]model.GroupTarget, 0, len(c.QQGroupID))
	for _, id := range c.QQGroupID {
		out = append(out, model.GroupTarget{GroupID: id, Active: true})
	}
	return out
}
