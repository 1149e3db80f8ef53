package config

import (
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix            = "CHATRELAY"
	defaultHTTPAddress   = "0.0.0.0:3000"
	defaultDatabasePath  = "chat.db"
	defaultLogLevel      = "info"
	defaultTopic         = "chat.messages"
	defaultSendQueue     = 64
	defaultRateEvents    = 20
	defaultRateWindowMS  = 1000
	defaultPingIntervalS = 30
)

// AppConfig captures runtime configuration for the relay.
type AppConfig struct {
	HTTPAddress  string
	Workers      int
	DatabasePath string
	LogLevel     string
	Topic        string
	SendQueue    int
	RateEvents   int
	RateWindow   time.Duration
	PingInterval time.Duration
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("cluster.workers", 0)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("chat.topic", defaultTopic)
	configViper.SetDefault("ws.send_queue", defaultSendQueue)
	configViper.SetDefault("ws.rate_events", defaultRateEvents)
	configViper.SetDefault("ws.rate_window_ms", defaultRateWindowMS)
	configViper.SetDefault("ws.ping_interval_s", defaultPingIntervalS)
}

// Load parses runtime configuration from viper. A worker count of zero
// resolves to one worker per available CPU.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:  configViper.GetString("http.address"),
		Workers:      configViper.GetInt("cluster.workers"),
		DatabasePath: configViper.GetString("database.path"),
		LogLevel:     configViper.GetString("log.level"),
		Topic:        configViper.GetString("chat.topic"),
		SendQueue:    configViper.GetInt("ws.send_queue"),
		RateEvents:   configViper.GetInt("ws.rate_events"),
		RateWindow:   time.Duration(configViper.GetInt("ws.rate_window_ms")) * time.Millisecond,
		PingInterval: time.Duration(configViper.GetInt("ws.ping_interval_s")) * time.Second,
	}

	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU()
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.HTTPAddress) == "" {
		return fmt.Errorf("http.address is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.Topic) == "" {
		return fmt.Errorf("chat.topic is required")
	}
	if c.SendQueue <= 0 {
		return fmt.Errorf("ws.send_queue must be positive")
	}
	if c.RateEvents <= 0 {
		return fmt.Errorf("ws.rate_events must be positive")
	}
	if c.RateWindow <= 0 {
		return fmt.Errorf("ws.rate_window_ms must be positive")
	}
	return nil
}
