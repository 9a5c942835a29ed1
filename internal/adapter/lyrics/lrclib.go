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

// LRCLibProvider queries lrclib.net. Preferred provider: free, no credentials,
// and offers time-synced lyrics whose timestamps we strip before use.
type LRCLibProvider struct {
	baseURL string
	hc      *http.Client
	policy  RetryPolicy
}

// NewLRCLib constructs the provider against baseURL (default https://lrclib.net).
func NewLRCLib(baseURL string, timeout time.Duration, policy RetryPolicy) *LRCLibProvider {
	if baseURL == "" {
		baseURL = "https://lrclib.net"
	}
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &LRCLibProvider{
		baseURL: baseURL,
		hc:      &http.Client{Timeout: timeout, Transport: otelhttp.NewTransport(http.DefaultTransport)},
		policy:  policy,
	}
}

// Name identifies this provider in cache records and metrics.
func (p *LRCLibProvider) Name() string { return "lrclib" }

type lrclibResult struct {
	SyncedLyrics string `json:"syncedLyrics"`
	PlainLyrics  string `json:"plainLyrics"`
}

// Fetch searches by artist and title. Returns "" on a miss.
func (p *LRCLibProvider) Fetch(ctx domain.Context, artist, title string) (string, error) {
	q := url.Values{}
	q.Set("artist_name", lyricsx.SearchTerm(artist))
	q.Set("track_name", lyricsx.SearchTerm(title))
	endpoint := p.baseURL + "/api/search?" + q.Encode()

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
		return "", fmt.Errorf("%w: lrclib status %d", domain.ErrExternalService, resp.StatusCode)
	}
	var results []lrclibResult
	if err := json.NewDecoder(resp.Body).Decode(&results); err != nil {
		return "", fmt.Errorf("op=lrclib.decode: %w", err)
	}
	for _, r := range results {
		if r.SyncedLyrics != "" {
			return lyricsx.StripTimestamps(r.SyncedLyrics), nil
		}
	}
	for _, r := range results {
		if r.PlainLyrics != "" {
			return r.PlainLyrics, nil
		}
	}
	return "", nil
}
