package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Reconnect struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
	OpenTimeout time.Duration `mapstructure:"open_timeout"`
}

type Config struct {
	LogLevel  string `mapstructure:"log_level"`
	ServerURL string `mapstructure:"server_url"`
	Room      string `mapstructure:"room"`
	User      string `mapstructure:"user"`

	ReadLimit        int64         `mapstructure:"read_limit"`
	PingPeriod       time.Duration `mapstructure:"ping_period"`
	WriteWait        time.Duration `mapstructure:"write_wait"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	WriteQueueSize   int           `mapstructure:"write_queue_size"`

	Reconnect      Reconnect     `mapstructure:"reconnect"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	ICEServers     []string      `mapstructure:"ice_servers"`
}

const envPrefix = "VOICE"

// Load reads config/config.<CONFIG_ENV>.yaml, then VOICE_* environment
// variables, then command-line args. Later sources win.
func Load(args []string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)
	v.SetConfigFile(fileName)

	v.SetDefault("log_level", "info")
	v.SetDefault("server_url", "ws://localhost:8080/api/ws/signal")
	v.SetDefault("room", "")
	v.SetDefault("user", "")
	v.SetDefault("read_limit", 32768)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("write_wait", "5s")
	v.SetDefault("handshake_timeout", "10s")
	v.SetDefault("write_queue_size", 256)
	v.SetDefault("reconnect.max_attempts", 5)
	v.SetDefault("reconnect.base_delay", "1s")
	v.SetDefault("reconnect.max_delay", "1m")
	v.SetDefault("reconnect.open_timeout", "10s")
	v.SetDefault("request_timeout", "10s")
	v.SetDefault("ice_servers", []string{"stun:stun.l.google.com:19302"})

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	flags := pflag.NewFlagSet("voice-client", pflag.ContinueOnError)
	flags.String("server-url", "", "signaling websocket address")
	flags.String("room", "", "room to join")
	flags.String("user", "", "user id (random when empty)")
	flags.String("log-level", "", "zerolog level")
	flags.Int("max-attempts", 0, "reconnection attempts")
	if err := flags.Parse(args); err != nil {
		return nil, err
	}
	for key, name := range map[string]string{
		"server_url":             "server-url",
		"room":                   "room",
		"user":                   "user",
		"log_level":              "log-level",
		"reconnect.max_attempts": "max-attempts",
	} {
		if err := v.BindPFlag(key, flags.Lookup(name)); err != nil {
			return nil, err
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.Is(err, fs.ErrNotExist) && !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config %s: %w", fileName, err)
		}
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	log.Info().Str("module", "config").Str("server_url", cfg.ServerURL).Str("room", cfg.Room).Msg("config ready")
	return &cfg, nil
}
