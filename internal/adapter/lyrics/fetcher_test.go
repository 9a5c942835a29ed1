package lyrics

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/christian-cleanup/internal/domain"
)

type stubProvider struct {
	name  string
	text  string
	err   error
	calls atomic.Int32
}

func (s *stubProvider) Name() string { return s.name }

func (s *stubProvider) Fetch(ctx domain.Context, artist, title string) (string, error) {
	s.calls.Add(1)
	return s.text, s.err
}

func TestFetcher_CacheHitSkipsProviders(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()
	require.NoError(t, cache.Upsert(ctx, "Chris Tomlin", "How Great Is Our God", "cached text", "lrclib"))

	p := &stubProvider{name: "lrclib", text: "fresh text"}
	f := NewFetcher(cache).Add(p, nil)

	got, err := f.Fetch(ctx, "Chris Tomlin", "How Great Is Our God")
	require.NoError(t, err)
	assert.Equal(t, "cached text", got)
	assert.Equal(t, int32(0), p.calls.Load())
}

func TestFetcher_NegativeCacheSkipsProviders(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()
	require.NoError(t, cache.MarkMiss(ctx, "Nobody", "No Song"))

	p := &stubProvider{name: "lrclib", text: "should not be fetched"}
	f := NewFetcher(cache).Add(p, nil)

	got, err := f.Fetch(ctx, "Nobody", "No Song")
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Equal(t, int32(0), p.calls.Load())
}

func TestFetcher_ChainOrderAndFallthrough(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()

	first := &stubProvider{name: "lrclib", err: errors.New("down")}
	second := &stubProvider{name: "lyrics_ovh"} // empty text, a miss
	third := &stubProvider{name: "genius", text: "found at last"}
	f := NewFetcher(cache).Add(first, nil).Add(second, nil).Add(third, nil)

	got, err := f.Fetch(ctx, "Artist", "Title")
	require.NoError(t, err)
	assert.Equal(t, "found at last", got)
	assert.Equal(t, int32(1), first.calls.Load())
	assert.Equal(t, int32(1), second.calls.Load())
	assert.Equal(t, int32(1), third.calls.Load())

	entry, err := cache.Find(ctx, "Artist", "Title")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, "found at last", entry.Lyrics)
	assert.Equal(t, "genius", entry.Source)
}

func TestFetcher_FirstHitShortCircuits(t *testing.T) {
	cache, _ := newTestCache(t)

	first := &stubProvider{name: "lrclib", text: "hit"}
	second := &stubProvider{name: "lyrics_ovh", text: "never"}
	f := NewFetcher(cache).Add(first, nil).Add(second, nil)

	got, err := f.Fetch(context.Background(), "Artist", "Title")
	require.NoError(t, err)
	assert.Equal(t, "hit", got)
	assert.Equal(t, int32(0), second.calls.Load())
}

func TestFetcher_FullMissWritesNegativeMarker(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()

	p := &stubProvider{name: "lrclib"}
	f := NewFetcher(cache).Add(p, nil)

	got, err := f.Fetch(ctx, "Unknown", "Song")
	require.NoError(t, err)
	assert.Empty(t, got)

	entry, err := cache.Find(ctx, "Unknown", "Song")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.True(t, entry.Negative())

	// The marker keeps the next lookup off the providers entirely.
	_, err = f.Fetch(ctx, "Unknown", "Song")
	require.NoError(t, err)
	assert.Equal(t, int32(1), p.calls.Load())
}

func TestFetcher_SkipsNilGenius(t *testing.T) {
	cache, _ := newTestCache(t)

	g := NewGenius("", "", 0, DefaultRetryPolicy())
	require.Nil(t, g)

	hit := &stubProvider{name: "lrclib", text: "text"}
	f := NewFetcher(cache).Add(g, nil).Add(hit, nil)
	require.Len(t, f.chain, 1)

	got, err := f.Fetch(context.Background(), "Artist", "Title")
	require.NoError(t, err)
	assert.Equal(t, "text", got)
}

func TestLRCLib_PrefersSyncedLyrics(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/search", r.URL.Path)
		assert.Equal(t, "hillsong united", r.URL.Query().Get("artist_name"))
		assert.Equal(t, "oceans", r.URL.Query().Get("track_name"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[
			{"syncedLyrics": "", "plainLyrics": "plain fallback"},
			{"syncedLyrics": "[00:12.34] You call me out upon the waters", "plainLyrics": ""}
		]`))
	}))
	defer srv.Close()

	p := NewLRCLib(srv.URL, time.Second, fastPolicy())
	got, err := p.Fetch(context.Background(), "Hillsong United", "Oceans (Where Feet May Fail)")
	require.NoError(t, err)
	assert.Equal(t, "You call me out upon the waters", got)
}

func TestLRCLib_EmptyResultsIsMiss(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	p := NewLRCLib(srv.URL, time.Second, fastPolicy())
	got, err := p.Fetch(context.Background(), "a", "t")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestLyricsOvh_FetchAndMiss(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/adele/hello":
			_, _ = w.Write([]byte(`{"lyrics": "Hello, it's me"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	p := NewLyricsOvh(srv.URL, time.Second, fastPolicy())

	got, err := p.Fetch(context.Background(), "Adele", "Hello")
	require.NoError(t, err)
	assert.Equal(t, "Hello, it's me", got)

	got, err = p.Fetch(context.Background(), "Nobody", "Nothing")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestGenius_SearchAndScrape(t *testing.T) {
	mux := http.NewServeMux()
	var pageURL string
	mux.HandleFunc("/search", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer token123", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"response":{"hits":[{"result":{"url":"` + pageURL + `"}}]}}`))
	})
	mux.HandleFunc("/song-page", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html><body>
			<div data-lyrics-container="true">[Verse 1]<br/>Line one<br>Line two</div>
			<div data-lyrics-container="true">[Chorus]<br/>Line three</div>
		</body></html>`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	pageURL = srv.URL + "/song-page"

	p := NewGenius(srv.URL, "token123", time.Second, fastPolicy())
	require.NotNil(t, p)

	got, err := p.Fetch(context.Background(), "Artist", "Song")
	require.NoError(t, err)
	assert.Equal(t, "Line one\nLine two\n\nLine three", got)
}

func TestGenius_NoHitsIsMiss(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"response":{"hits":[]}}`))
	}))
	defer srv.Close()

	p := NewGenius(srv.URL, "token123", time.Second, fastPolicy())
	got, err := p.Fetch(context.Background(), "a", "t")
	require.NoError(t, err)
	assert.Empty(t, got)
}
