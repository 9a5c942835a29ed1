// Command server starts the song analysis control API with an in-process
// worker consuming the queue namespace.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/christian-cleanup/internal/adapter/analyzer"
	httpserver "github.com/fairyhunter13/christian-cleanup/internal/adapter/httpserver"
	"github.com/fairyhunter13/christian-cleanup/internal/adapter/lyrics"
	"github.com/fairyhunter13/christian-cleanup/internal/adapter/observability"
	"github.com/fairyhunter13/christian-cleanup/internal/adapter/queue/redisq"
	"github.com/fairyhunter13/christian-cleanup/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/christian-cleanup/internal/app"
	"github.com/fairyhunter13/christian-cleanup/internal/config"
	"github.com/fairyhunter13/christian-cleanup/internal/service/progress"
	"github.com/fairyhunter13/christian-cleanup/internal/service/ratelimiter"
	"github.com/fairyhunter13/christian-cleanup/internal/usecase"
	"github.com/fairyhunter13/christian-cleanup/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
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

	ctx := context.Background()

	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
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
	slog.Info("worker started", slog.String("namespace", cfg.QueueNamespace))

	janitor := app.NewJanitor(queue, cache, tracker,
		cfg.JanitorInterval, cfg.CacheMaxAge(), cfg.StaleJobMaxAge)
	janitorCtx, stopJanitor := context.WithCancel(ctx)
	go janitor.Run(janitorCtx)

	analysis := usecase.NewAnalysisService(queue, repo, tracker, queue)
	srv := httpserver.NewServer(cfg, analysis, w)

	handler := app.BuildRouter(cfg, srv,
		app.ReadyCheck{Name: "postgres", Check: func(ctx context.Context) error {
			return pool.Ping(ctx)
		}},
		app.ReadyCheck{Name: "redis", Check: func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}},
	)

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	stopJanitor()
	if !w.Stop(cfg.WorkerStopTimeout) {
		slog.Warn("worker did not stop within timeout", slog.Duration("timeout", cfg.WorkerStopTimeout))
	}
	stopWorker()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
}

// buildFetcher assembles the provider chain in precedence order. Genius joins
// the chain only when a token is configured; it is the sole provider that
// needs rate limit guarding.
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
