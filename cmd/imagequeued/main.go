// Command imagequeued accepts chat images over HTTP, drops near-duplicates
// and forwards new images to the detection services.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/anatolykoptev/go-imagequeue"
	"github.com/anatolykoptev/go-imagequeue/internal/config"
)

func main() {
	configPath := flag.String("config", "", "path to config file (default ./imagequeue.yaml)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("imagequeued: load config", "error", err)
		os.Exit(1)
	}
	logger := newLogger(cfg.Logging)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Warn("imagequeued: redis ping failed", "error", err)
	}

	qcfg := cfg.QueueConfig()
	qcfg.Logger = logger
	qcfg.ObjectDetector, qcfg.PolicyDetector = newDetectors(cfg.Detectors)
	qcfg.Recorder = imagequeue.NewRedisRecorder(redisClient, cfg.Redis.Prefix, cfg.Redis.TTL)
	if cfg.Webhook.URL != "" {
		qcfg.Effector = &imagequeue.WebhookEffector{
			URL:     cfg.Webhook.URL,
			Secret:  cfg.Webhook.Secret,
			Timeout: cfg.Webhook.Timeout,
		}
	}
	qcfg.OnOutcome = func(out imagequeue.Outcome) {
		logger.Info("imagequeued: outcome",
			"origin", out.Origin.String(),
			"class", out.Classification.String(),
			"duplicate", out.Duplicate,
			"deleted", out.Deleted,
		)
	}

	q, err := imagequeue.New(qcfg)
	if err != nil {
		logger.Error("imagequeued: build queue", "error", err)
		os.Exit(1)
	}
	// Stop owns the queue's shutdown; a signal must not cancel the worker mid-task.
	if err := q.Start(context.WithoutCancel(ctx)); err != nil {
		logger.Error("imagequeued: start queue", "error", err)
		os.Exit(1)
	}

	srv := newHTTPServer(serverOptions{
		Addr:          cfg.Server.Addr,
		Release:       cfg.Environment == "production",
		MaxImageBytes: cfg.Server.MaxImageBytes,
		ReadTimeout:   cfg.Server.ReadTimeout,
		WriteTimeout:  cfg.Server.WriteTimeout,
	}, q, logger)

	go func() {
		if err := srv.Start(); err != nil {
			logger.Error("imagequeued: http server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("imagequeued: shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("imagequeued: graceful shutdown failed", "error", err)
	}
	q.Stop(cfg.Server.ShutdownGrace)
}

func newDetectors(dc config.DetectorConfig) (object, policy imagequeue.Detector) {
	// One limiter paces both detectors.
	var limiter *rate.Limiter
	if dc.RatePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(dc.RatePerSecond), max(dc.Burst, 1))
	}
	client := &http.Client{Timeout: dc.Timeout + 5*time.Second}

	if dc.ObjectURL != "" {
		d := imagequeue.NewObjectDetector(dc.ObjectURL, dc.APIKey)
		d.HTTPClient, d.Limiter, d.Timeout = client, limiter, dc.Timeout
		object = d
	}
	if dc.PolicyURL != "" {
		d := imagequeue.NewPolicyDetector(dc.PolicyURL, dc.APIKey)
		d.HTTPClient, d.Limiter, d.Timeout = client, limiter, dc.Timeout
		policy = d
	}
	return object, policy
}

func newLogger(lc config.LoggingConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(lc.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(lc.Format, "text") {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}
