package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	Name      = "syncConfig"
	EnvPrefix = "STUDIO_SYNC"
)

type Config struct {
	Running struct {
		Port           int      `mapstructure:"port"`
		AllowedOrigins []string `mapstructure:"allowedOrigins"`
	} `mapstructure:"running"`
	Mysql struct {
		DSN     string `mapstructure:"dsn"`
		Migrate bool   `mapstructure:"migrate"`
	} `mapstructure:"mysql"`
	Redis struct {
		Addrs    []string `mapstructure:"addrs"`
		Password string   `mapstructure:"password"`
		Channel  string   `mapstructure:"channel"`
	} `mapstructure:"redis"`
	Kafka struct {
		Brokers     []string      `mapstructure:"brokers"`
		Topic       string        `mapstructure:"topic"`
		QueueSize   int           `mapstructure:"queueSize"`
		Workers     int           `mapstructure:"workers"`
		MaxRetry    int           `mapstructure:"maxRetry"`
		BaseBackoff time.Duration `mapstructure:"baseBackoff"`
		MaxBackoff  time.Duration `mapstructure:"maxBackoff"`
	} `mapstructure:"kafka"`
	Session struct {
		Cookie string `mapstructure:"cookie"`
		Token  string `mapstructure:"token"`
	} `mapstructure:"session"`
	Sync struct {
		ServerURL         string        `mapstructure:"serverUrl"`
		RecordDay         string        `mapstructure:"recordDay"`
		DebounceWindow    time.Duration `mapstructure:"debounceWindow"`
		ReconnectDelay    time.Duration `mapstructure:"reconnectDelay"`
		CommitConcurrency int           `mapstructure:"commitConcurrency"`
		RelayChannel      string        `mapstructure:"relayChannel"`
	} `mapstructure:"sync"`
}

// New returns a viper instance with defaults, search paths and STUDIO_SYNC_* env
// overrides set up. Callers may bind flags to it before Load.
func New() *viper.Viper {
	v := viper.New()
	v.SetConfigName(Name)
	v.SetConfigType("yaml")
	// started from the repo root or from backend/
	v.AddConfigPath("./backend/config")
	v.AddConfigPath("./config")
	v.AddConfigPath(".")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("running.port", 8090)
	v.SetDefault("running.allowedOrigins", []string{})
	v.SetDefault("mysql.dsn", "")
	v.SetDefault("mysql.migrate", false)
	v.SetDefault("redis.addrs", []string{})
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.channel", "booking:events")
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "booking.field-committed")
	v.SetDefault("kafka.queueSize", 10_000)
	v.SetDefault("kafka.workers", 4)
	v.SetDefault("kafka.maxRetry", 3)
	v.SetDefault("kafka.baseBackoff", 50*time.Millisecond)
	v.SetDefault("kafka.maxBackoff", time.Second)
	v.SetDefault("session.cookie", "studio_session")
	v.SetDefault("session.token", "")
	v.SetDefault("sync.serverUrl", "ws://localhost:8090/booking/ws")
	v.SetDefault("sync.recordDay", "")
	v.SetDefault("sync.debounceWindow", 500*time.Millisecond)
	v.SetDefault("sync.reconnectDelay", 3*time.Second)
	v.SetDefault("sync.commitConcurrency", 100)
	v.SetDefault("sync.relayChannel", "studio-booking-sync")
	return v
}

// Load reads the config file if there is one and unmarshals everything into Config.
// A missing file is not an error; defaults and env still apply.
func Load(v *viper.Viper) (*Config, error) {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read %s: %w", Name, err)
		}
	}
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal %s: %w", Name, err)
	}
	if cfg.Sync.DebounceWindow <= 0 || cfg.Sync.ReconnectDelay <= 0 {
		return nil, errors.New("sync.debounceWindow and sync.reconnectDelay must be positive")
	}
	return cfg, nil
}
