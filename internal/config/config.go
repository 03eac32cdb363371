// Package config loads imagequeued settings from YAML and IMAGEQUEUE_* env vars.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/anatolykoptev/go-imagequeue"
)

type Config struct {
	Environment string
	Server      ServerConfig
	Redis       RedisConfig
	Detectors   DetectorConfig
	Webhook     WebhookConfig
	Queue       QueueConfig
	Logging     LoggingConfig
}

type ServerConfig struct {
	Addr          string
	MaxImageBytes int64
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	ShutdownGrace time.Duration
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	TTL      time.Duration
}

type DetectorConfig struct {
	ObjectURL     string
	PolicyURL     string
	APIKey        string
	Timeout       time.Duration
	RatePerSecond float64 // 0 = unpaced
	Burst         int
}

type WebhookConfig struct {
	URL     string
	Secret  string
	Timeout time.Duration
}

type QueueConfig struct {
	HashSize            int
	Threshold           int // 0 = exact match only
	CacheCapacity       int
	RateWindow          time.Duration
	RateMax             int
	DenyDuration        time.Duration
	ObjectConfidence    float64
	PolicyConfidence    float64
	AutoDelete          bool
	PolicyEnabled       bool
	MaxConcurrentHashes int
	SweepInterval       time.Duration
}

type LoggingConfig struct {
	Level  string
	Format string // "json" or "text"
}

// Load reads path (or ./imagequeue.yaml when empty) and overlays env vars.
// A missing default file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("imagequeue")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/imagequeue")
	}
	v.SetEnvPrefix("IMAGEQUEUE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("load config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
		)
	}); err != nil {
		return nil, fmt.Errorf("unmarshal: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.maximagebytes", 10<<20)
	v.SetDefault("server.readtimeout", "30s")
	v.SetDefault("server.writetimeout", "30s")
	v.SetDefault("server.shutdowngrace", "10s")

	v.SetDefault("redis.addr", "127.0.0.1:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "imagequeue:msg")
	v.SetDefault("redis.ttl", "720h")

	v.SetDefault("detectors.objecturl", "http://127.0.0.1:3000/api/inference")
	v.SetDefault("detectors.policyurl", "http://127.0.0.1:3000/api/nsfw-detect")
	v.SetDefault("detectors.apikey", "")
	v.SetDefault("detectors.timeout", "30s")
	v.SetDefault("detectors.ratepersecond", 0)
	v.SetDefault("detectors.burst", 1)

	v.SetDefault("webhook.url", "")
	v.SetDefault("webhook.secret", "")
	v.SetDefault("webhook.timeout", "10s")

	v.SetDefault("queue.hashsize", imagequeue.DefaultHashSize)
	v.SetDefault("queue.threshold", imagequeue.DefaultThreshold)
	v.SetDefault("queue.cachecapacity", imagequeue.DefaultCacheCapacity)
	v.SetDefault("queue.ratewindow", imagequeue.DefaultRateWindow.String())
	v.SetDefault("queue.ratemax", imagequeue.DefaultRateMax)
	v.SetDefault("queue.denyduration", imagequeue.DefaultDenyDuration.String())
	v.SetDefault("queue.objectconfidence", imagequeue.DefaultObjectConfidence)
	v.SetDefault("queue.policyconfidence", imagequeue.DefaultPolicyConfidence)
	v.SetDefault("queue.autodelete", false)
	v.SetDefault("queue.policyenabled", true)
	v.SetDefault("queue.maxconcurrenthashes", imagequeue.DefaultMaxConcurrentHashes)
	v.SetDefault("queue.sweepinterval", imagequeue.DefaultSweepInterval.String())

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// QueueConfig copies the policy knobs into an imagequeue.Config. Backends,
// persistence and side effects are wired by the caller.
func (c *Config) QueueConfig() imagequeue.Config {
	q := c.Queue
	return imagequeue.Config{
		HashSize:            q.HashSize,
		Threshold:           q.Threshold,
		ExactMatch:          q.Threshold == 0,
		CacheCapacity:       q.CacheCapacity,
		RateWindow:          q.RateWindow,
		RateMax:             q.RateMax,
		DenyDuration:        q.DenyDuration,
		ObjectConfidence:    q.ObjectConfidence,
		PolicyConfidence:    q.PolicyConfidence,
		AutoDelete:          q.AutoDelete,
		DisablePolicy:       !q.PolicyEnabled,
		MaxConcurrentHashes: q.MaxConcurrentHashes,
		SweepInterval:       q.SweepInterval,
	}
}
