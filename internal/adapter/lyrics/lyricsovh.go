package lyrics

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/fairyhunter13/christian-cleanup/internal/domain"
	"github.com/fairyhunter13/christian-cleanup/pkg/lyricsx"
)

// LyricsOvhProvider queries api.lyrics.ovh: plain lyrics by URL path, free,
// no credentials.
type LyricsOvhProvider struct {
	baseURL string
	hc      *http.Client
	policy  RetryPolicy
}

// NewLyricsOvh constructs the provider against baseURL (default https://api.lyrics.ovh).
func NewLyricsOvh(baseURL string, timeout time.Duration, policy RetryPolicy) *LyricsOvhProvider {
	if baseURL == "" {
		baseURL = "https://api.lyrics.ovh"
	}
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &LyricsOvhProvider{
		baseURL: baseURL,
		hc:      &http.Client{Timeout: timeout, Transport: otelhttp.NewTransport(http.DefaultTransport)},
		policy:  policy,
	}
}

// Name identifies this provider in cache records and metrics.
func (p *LyricsOvhProvider) Name() string { return "lyrics_ovh" }

// Fetch issues GET /v1/{artist}/{title}. Returns "" on a miss.
func (p *LyricsOvhProvider) Fetch(ctx domain.Context, artist, title string) (string, error) {
	endpoint := p.baseURL + "/v1/" +
		url.PathEscape(lyricsx.SearchTerm(artist)) + "/" +
		url.PathEscape(lyricsx.SearchTerm(title))

	resp, err := doWithRetry(ctx, p.hc, p.policy, p.Name(), func() (*http.Request, error) {
		return http.NewRequest(http.MethodGet, endpoint, nil)
	})
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return "", nil
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: lyrics.ovh status %d", domain.ErrExternalService, resp.StatusCode)
	}
	var out struct {
		Lyrics string `json:"lyrics"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("op=lyricsovh.decode: %w", err)
	}
	return out.Lyrics, nil
}
