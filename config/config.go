package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
)

const (
	StoreMemory = "memory"
	StoreRedis  = "redis"
)

// Config 进程配置，全部来自环境变量
type Config struct {
	Port         string   `mapstructure:"PORT"`
	AllowOrigins []string `mapstructure:"ALLOW_ORIGINS"`
	LogLevel     string   `mapstructure:"LOG_LEVEL"`

	Store     string `mapstructure:"STORE"`
	RedisAddr string `mapstructure:"REDIS_ADDR"`
	RedisDB   int    `mapstructure:"REDIS_DB"`
	NATSURL   string `mapstructure:"NATS_URL"`

	IdleTimeout   time.Duration `mapstructure:"IDLE_TIMEOUT"`
	SweepInterval time.Duration `mapstructure:"SWEEP_INTERVAL"`

	PingInterval time.Duration `mapstructure:"PING_INTERVAL"`
	PongWait     time.Duration `mapstructure:"PONG_WAIT"`
	WriteWait    time.Duration `mapstructure:"WRITE_WAIT"`
	SendBuffer   int           `mapstructure:"SEND_BUFFER"`
}

var defaults = map[string]string{
	"PORT":           "8000",
	"ALLOW_ORIGINS":  "*",
	"LOG_LEVEL":      "info",
	"STORE":          StoreMemory,
	"REDIS_ADDR":     "localhost:6379",
	"REDIS_DB":       "0",
	"NATS_URL":       "",
	"IDLE_TIMEOUT":   "20m",
	"SWEEP_INTERVAL": "1m",
	"PING_INTERVAL":  "15s",
	"PONG_WAIT":      "60s",
	"WRITE_WAIT":     "10s",
	"SEND_BUFFER":    "64",
}

// Load reads the process environment.
func Load() (Config, error) {
	return LoadFrom(os.LookupEnv)
}

// LoadFrom decodes every known key from lookup, falling back to defaults.
func LoadFrom(lookup func(string) (string, bool)) (Config, error) {
	raw := make(map[string]interface{}, len(defaults))
	for key, def := range defaults {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			raw[key] = strings.TrimSpace(v)
		} else {
			raw[key] = def
		}
	}

	var cfg Config
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
		WeaklyTypedInput: true,
		Result:           &cfg,
	})
	if err != nil {
		return Config{}, err
	}
	if err := decoder.Decode(raw); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	return cfg, cfg.validate()
}

func (c Config) validate() error {
	if c.Store != StoreMemory && c.Store != StoreRedis {
		return fmt.Errorf("STORE must be %q or %q, got %q", StoreMemory, StoreRedis, c.Store)
	}
	if c.PingInterval <= 0 || c.PongWait <= c.PingInterval {
		return fmt.Errorf("PONG_WAIT (%s) must exceed PING_INTERVAL (%s)", c.PongWait, c.PingInterval)
	}
	if c.SendBuffer <= 0 {
		return fmt.Errorf("SEND_BUFFER must be positive")
	}
	if c.SweepInterval <= 0 || c.IdleTimeout <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL and IDLE_TIMEOUT must be positive")
	}
	// 房间 key 的 TTL 靠每轮清扫续期
	if c.SweepInterval >= c.IdleTimeout {
		return fmt.Errorf("SWEEP_INTERVAL (%s) must be shorter than IDLE_TIMEOUT (%s)", c.SweepInterval, c.IdleTimeout)
	}
	return nil
}

func (c Config) Addr() string {
	return ":" + c.Port
}
