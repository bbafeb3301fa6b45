// Package config loads server settings from the environment, an optional
// .env file and command-line flags, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
)

const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreRedis    = "redis"

	TransportHTTP  = "http"
	TransportKafka = "kafka"
)

type Config struct {
	Port        string
	Store       string
	DataDir     string
	DatabaseURL string
	Redis       RedisConfig
	JWTSecret   string
	CORSOrigins []string
	LogFormat   string
	LogLevel    string

	Notify NotifyConfig

	DockWindow       time.Duration
	IdentityDebounce time.Duration
	TypingIdle       time.Duration
	TypingStale      time.Duration
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type NotifyConfig struct {
	Enabled     bool
	Transport   string
	Endpoint    string
	ServiceID   string
	TemplateID  string
	PublicKey   string
	AccessToken string
	Destination string

	KafkaBrokers []string
	KafkaTopic   string
}

// Load reads .env (if present), then the environment, then args.
func Load(args []string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	return parse(os.Getenv, args)
}

func parse(getenv func(string) string, args []string) (*Config, error) {
	env := environment{getenv: getenv}
	cfg := &Config{
		Port:        env.str("PORT", "8000"),
		Store:       env.str("STORE", StoreMemory),
		DataDir:     env.str("DATA_DIR", "data"),
		DatabaseURL: env.str("DATABASE_URL", ""),
		Redis: RedisConfig{
			Addr:     env.str("REDIS_ADDR", "localhost:6379"),
			Password: env.str("REDIS_PASSWORD", ""),
			DB:       env.integer("REDIS_DB", 0),
		},
		JWTSecret:   env.str("JWT_SECRET", ""),
		CORSOrigins: env.list("CORS_ORIGINS", []string{"*"}),
		LogFormat:   env.str("LOG_FORMAT", "text"),
		LogLevel:    env.str("LOG_LEVEL", "info"),
		Notify: NotifyConfig{
			Enabled:      env.boolean("NOTIFY_ENABLED", false),
			Transport:    env.str("NOTIFY_TRANSPORT", TransportHTTP),
			Endpoint:     env.str("NOTIFY_ENDPOINT", ""),
			ServiceID:    env.str("NOTIFY_SERVICE_ID", ""),
			TemplateID:   env.str("NOTIFY_TEMPLATE_ID", ""),
			PublicKey:    env.str("NOTIFY_PUBLIC_KEY", ""),
			AccessToken:  env.str("NOTIFY_ACCESS_TOKEN", ""),
			Destination:  env.str("NOTIFY_DESTINATION", ""),
			KafkaBrokers: env.list("KAFKA_BROKERS", nil),
			KafkaTopic:   env.str("KAFKA_TOPIC", "chat-notifications"),
		},
		DockWindow:       env.duration("DOCK_WINDOW", 24*time.Hour),
		IdentityDebounce: env.duration("IDENTITY_DEBOUNCE", 600*time.Millisecond),
		TypingIdle:       env.duration("TYPING_IDLE", 3500*time.Millisecond),
		TypingStale:      env.duration("TYPING_STALE", 5*time.Second),
	}
	if env.err != nil {
		return nil, env.err
	}

	flagSet := pflag.NewFlagSet("broker-chat-server", pflag.ContinueOnError)
	flagSet.StringVar(&cfg.Port, "port", cfg.Port, "HTTP listen port")
	flagSet.StringVar(&cfg.Store, "store", cfg.Store, "storage backend: memory, postgres or redis")
	flagSet.StringVar(&cfg.DataDir, "data-dir", cfg.DataDir, "directory for the memory store's JSON files")
	flagSet.StringVar(&cfg.DatabaseURL, "database-url", cfg.DatabaseURL, "Postgres connection string")
	flagSet.StringVar(&cfg.Redis.Addr, "redis-addr", cfg.Redis.Addr, "Redis address")
	flagSet.IntVar(&cfg.Redis.DB, "redis-db", cfg.Redis.DB, "Redis database number")
	flagSet.StringSliceVar(&cfg.CORSOrigins, "cors-origins", cfg.CORSOrigins, "allowed CORS origins")
	flagSet.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "log format: text or json")
	flagSet.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level: debug, info, warn or error")
	flagSet.BoolVar(&cfg.Notify.Enabled, "notify", cfg.Notify.Enabled, "send a notification on each session's first visitor message")
	flagSet.StringVar(&cfg.Notify.Transport, "notify-transport", cfg.Notify.Transport, "notification transport: http or kafka")
	flagSet.DurationVar(&cfg.DockWindow, "dock-window", cfg.DockWindow, "how far back the admin dock lists sessions")
	flagSet.DurationVar(&cfg.IdentityDebounce, "identity-debounce", cfg.IdentityDebounce, "quiet period before identity edits are written")
	flagSet.DurationVar(&cfg.TypingIdle, "typing-idle", cfg.TypingIdle, "idle time after which typing is cleared")
	flagSet.DurationVar(&cfg.TypingStale, "typing-stale", cfg.TypingStale, "age after which a typing flag is ignored")
	if err := flagSet.Parse(args); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.Store {
	case StoreMemory:
	case StorePostgres:
		if c.DatabaseURL == "" {
			return errors.New("DATABASE_URL is required for the postgres store")
		}
	case StoreRedis:
		if c.Redis.Addr == "" {
			return errors.New("REDIS_ADDR is required for the redis store")
		}
	default:
		return fmt.Errorf("unknown store %q", c.Store)
	}
	if c.JWTSecret == "" {
		return errors.New("JWT_SECRET is not set")
	}
	switch c.Notify.Transport {
	case TransportHTTP, TransportKafka:
	default:
		return fmt.Errorf("unknown notify transport %q", c.Notify.Transport)
	}
	if c.TypingStale <= 0 || c.TypingIdle <= 0 {
		return errors.New("typing durations must be positive")
	}
	if c.DockWindow <= 0 {
		return errors.New("DOCK_WINDOW must be positive")
	}
	return nil
}

// NotifyReady reports whether the first-message notification may be sent:
// the flag is on and every destination and credential setting the chosen
// transport needs is present.
func (c *Config) NotifyReady() bool {
	n := c.Notify
	if !n.Enabled || n.Destination == "" || n.TemplateID == "" {
		return false
	}
	switch n.Transport {
	case TransportHTTP:
		return n.ServiceID != "" && n.PublicKey != ""
	case TransportKafka:
		return len(n.KafkaBrokers) > 0 && n.KafkaTopic != ""
	}
	return false
}

// Logger builds the process logger from LogFormat and LogLevel.
func (c *Config) Logger() *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// environment reads typed values and keeps the first parse error.
type environment struct {
	getenv func(string) string
	err    error
}

func (e *environment) str(key, def string) string {
	if v := e.getenv(key); v != "" {
		return v
	}
	return def
}

func (e *environment) integer(key string, def int) int {
	v := e.getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.fail(key, err)
		return def
	}
	return n
}

func (e *environment) boolean(key string, def bool) bool {
	v := e.getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.fail(key, err)
		return def
	}
	return b
}

func (e *environment) duration(key string, def time.Duration) time.Duration {
	v := e.getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.fail(key, err)
		return def
	}
	return d
}

func (e *environment) list(key string, def []string) []string {
	v := e.getenv(key)
	if v == "" {
		return def
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (e *environment) fail(key string, err error) {
	if e.err == nil {
		e.err = fmt.Errorf("%s: %w", key, err)
	}
}
