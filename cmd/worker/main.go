// Command worker runs the queue consumer without the control API. Use it when
// the API and the worker are deployed as separate containers; only one worker
// may consume a given queue namespace.
package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/christian-cleanup/internal/adapter/analyzer"
	"github.com/fairyhunter13/christian-cleanup/internal/adapter/lyrics"
	"github.com/fairyhunter13/christian-cleanup/internal/adapter/observability"
	"github.com/fairyhunter13/christian-cleanup/internal/adapter/queue/redisq"
	"github.com/fairyhunter13/christian-cleanup/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/christian-cleanup/internal/app"
	"github.com/fairyhunter13/christian-cleanup/internal/config"
	"github.com/fairyhunter13/christian-cleanup/internal/service/progress"
	"github.com/fairyhunter13/christian-cleanup/internal/service/ratelimiter"
	"github.com/fairyhunter13/christian-cleanup/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	slog.Info("starting worker", slog.String("env", cfg.AppEnv))

	ctx := context.Background()

	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("database connection failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()
	repo := postgres.NewSongRepo(pool)

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer func() { _ = rdb.Close() }()

	queue := redisq.New(rdb, cfg.QueueNamespace,
		redisq.WithActiveSlotTTL(cfg.ActiveSlotTTL),
		redisq.WithCompletedTTL(cfg.CompletedJobTTL),
	)

	cache := lyrics.NewCache(rdb, cfg.DefaultCacheTTL, cfg.NegativeCacheTTL)
	fetcher := buildFetcher(cfg, cache)
	scorer := analyzer.New(cfg, fetcher)
	tracker := progress.NewTracker(rdb, progress.NewETACalculator())

	w := worker.New(queue, repo, scorer, fetcher, tracker,
		worker.WithPollInterval(cfg.WorkerPollInterval),
	)
	workerCtx, stopWorker := context.WithCancel(ctx)
	w.Start(workerCtx)

	janitor := app.NewJanitor(queue, cache, tracker,
		cfg.JanitorInterval, cfg.CacheMaxAge(), cfg.StaleJobMaxAge)
	janitorCtx, stopJanitor := context.WithCancel(ctx)
	go janitor.Run(janitorCtx)

	// Expose metrics and worker health for scraping and probes.
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
		mux.HandleFunc("/worker/health", func(rw http.ResponseWriter, _ *http.Request) {
			st := w.Stats()
			healthy := st.Running && time.Since(st.LastHeartbeat) < 30*time.Second
			rw.Header().Set("Content-Type", "application/json; charset=utf-8")
			if !healthy {
				rw.WriteHeader(http.StatusServiceUnavailable)
			}
			_ = json.NewEncoder(rw).Encode(map[string]any{"healthy": healthy, "stats": st})
		})
		if err := http.ListenAndServe(":9090", mux); err != nil {
			slog.Error("worker metrics server error", slog.Any("error", err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("shutdown signal received", slog.String("signal", sig.String()))

	stopJanitor()
	if !w.Stop(cfg.WorkerStopTimeout) {
		slog.Warn("worker did not stop within timeout", slog.Duration("timeout", cfg.WorkerStopTimeout))
	}
	stopWorker()
}

func buildFetcher(cfg config.Config, cache *lyrics.Cache) *lyrics.Fetcher {
	policy := lyrics.RetryPolicy{
		MaxAttempts:  cfg.MaxRetries,
		BaseDelay:    cfg.BaseDelay,
		MaxDelay:     cfg.MaxDelay,
		JitterFactor: cfg.JitterFactor,
	}
	f := lyrics.NewFetcher(cache)
	f.Add(lyrics.NewLRCLib(cfg.LRCLibBaseURL, cfg.ProviderTimeout, policy), nil)
	f.Add(lyrics.NewLyricsOvh(cfg.LyricsOvhBaseURL, cfg.ProviderTimeout, policy), nil)
	if cfg.GeniusAccessToken != "" {
		limiter := ratelimiter.NewProviderLimiter("genius",
			ratelimiter.NewTokenBucket(cfg.TokenBucketCapacity, cfg.TokenBucketRefill),
			ratelimiter.NewSlidingWindow(cfg.RateLimitWindowSize, cfg.RateLimitMaxRequests),
		)
		f.Add(lyrics.NewGenius(cfg.GeniusBaseURL, cfg.GeniusAccessToken, cfg.GeniusTimeout, policy), limiter)
	}
	return f
}
