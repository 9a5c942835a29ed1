package lyrics

import (
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/christian-cleanup/internal/adapter/observability"
	"github.com/fairyhunter13/christian-cleanup/internal/domain"
	"github.com/fairyhunter13/christian-cleanup/internal/service/ratelimiter"
)

// Provider is one lyrics source in the chain. Fetch returns "" (and no error)
// when the provider simply has no lyrics for the song.
type Provider interface {
	Name() string
	Fetch(ctx domain.Context, artist, title string) (string, error)
}

type chainEntry struct {
	provider Provider
	limiter  *ratelimiter.ProviderLimiter
}

// Fetcher walks the provider chain (LRCLib, Lyrics.ovh, Genius) behind the
// durable cache. Implements domain.LyricsFetcher.
type Fetcher struct {
	cache *Cache
	chain []chainEntry
}

// NewFetcher builds a Fetcher over cache. Providers are tried in the order
// given; a nil limiter means the provider has no configured rate limit.
func NewFetcher(cache *Cache) *Fetcher {
	return &Fetcher{cache: cache}
}

// Add appends a provider to the chain. Nil providers (e.g. Genius without a
// token) are skipped.
func (f *Fetcher) Add(p Provider, limiter *ratelimiter.ProviderLimiter) *Fetcher {
	if p == nil || (interfaceIsNil(p)) {
		return f
	}
	f.chain = append(f.chain, chainEntry{provider: p, limiter: limiter})
	return f
}

// interfaceIsNil guards against typed-nil providers slipping into the chain.
func interfaceIsNil(p Provider) bool {
	switch v := p.(type) {
	case *GeniusProvider:
		return v == nil
	case *LRCLibProvider:
		return v == nil
	case *LyricsOvhProvider:
		return v == nil
	}
	return false
}

// Fetch returns lyrics text for (artist, title), or "" when no provider has
// them. Cache first; on a full miss a negative marker is written so repeated
// lookups do not hammer providers.
func (f *Fetcher) Fetch(ctx domain.Context, artist, title string) (string, error) {
	tracer := otel.Tracer("lyrics.fetcher")
	ctx, span := tracer.Start(ctx, "lyrics.Fetch")
	defer span.End()
	span.SetAttributes(attribute.String("lyrics.artist", artist), attribute.String("lyrics.title", title))

	if entry, err := f.cache.Find(ctx, artist, title); err == nil && entry != nil {
		if entry.Negative() {
			observability.LyricsCacheHitsTotal.WithLabelValues("negative").Inc()
			return "", nil
		}
		observability.LyricsCacheHitsTotal.WithLabelValues("hit").Inc()
		span.SetAttributes(attribute.String("lyrics.source", "cache"))
		return entry.Lyrics, nil
	}
	observability.LyricsCacheHitsTotal.WithLabelValues("miss").Inc()

	for _, e := range f.chain {
		if e.limiter != nil {
			if err := e.limiter.Wait(ctx); err != nil {
				return "", err
			}
		}
		text, err := e.provider.Fetch(ctx, artist, title)
		if err != nil {
			observability.LyricsRequestsTotal.WithLabelValues(e.provider.Name(), "error").Inc()
			slog.Warn("lyrics provider failed; trying next",
				slog.String("provider", e.provider.Name()),
				slog.String("artist", artist),
				slog.String("title", title),
				slog.Any("error", err))
			continue
		}
		if text == "" {
			observability.LyricsRequestsTotal.WithLabelValues(e.provider.Name(), "miss").Inc()
			continue
		}
		observability.LyricsRequestsTotal.WithLabelValues(e.provider.Name(), "hit").Inc()
		span.SetAttributes(attribute.String("lyrics.source", e.provider.Name()))
		if err := f.cache.Upsert(ctx, artist, title, text, e.provider.Name()); err != nil {
			slog.Warn("lyrics cache write failed", slog.Any("error", err))
		}
		return text, nil
	}

	if err := f.cache.MarkMiss(ctx, artist, title); err != nil {
		slog.Warn("lyrics negative-cache write failed", slog.Any("error", err))
	}
	return "", nil
}
