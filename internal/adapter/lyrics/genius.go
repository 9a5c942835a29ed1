package lyrics

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/fairyhunter13/christian-cleanup/internal/domain"
	"github.com/fairyhunter13/christian-cleanup/pkg/lyricsx"
)

// GeniusProvider searches the Genius API and scrapes lyrics from the song
// page. Requires an access token; the fetcher skips it when none is set.
type GeniusProvider struct {
	apiBaseURL string
	token      string
	hc         *http.Client
	policy     RetryPolicy
}

// NewGenius constructs the provider. Returns nil when no token is configured.
func NewGenius(apiBaseURL, token string, timeout time.Duration, policy RetryPolicy) *GeniusProvider {
	if token == "" {
		return nil
	}
	if apiBaseURL == "" {
		apiBaseURL = "https://api.genius.com"
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &GeniusProvider{
		apiBaseURL: apiBaseURL,
		token:      token,
		hc:         &http.Client{Timeout: timeout, Transport: otelhttp.NewTransport(http.DefaultTransport)},
		policy:     policy,
	}
}

// Name identifies this provider in cache records and metrics.
func (p *GeniusProvider) Name() string { return "genius" }

var (
	lyricsContainerRe = regexp.MustCompile(`(?s)<div[^>]*data-lyrics-container="true"[^>]*>(.*?)</div>`)
	brRe              = regexp.MustCompile(`<br\s*/?>`)
	tagRe             = regexp.MustCompile(`<[^>]+>`)
)

// Fetch searches for "title artist" and scrapes the top hit's page.
// Returns "" on a miss.
func (p *GeniusProvider) Fetch(ctx domain.Context, artist, title string) (string, error) {
	q := url.Values{}
	q.Set("q", lyricsx.SearchTerm(title)+" "+lyricsx.SearchTerm(artist))
	endpoint := p.apiBaseURL + "/search?" + q.Encode()

	resp, err := doWithRetry(ctx, p.hc, p.policy, p.Name(), func() (*http.Request, error) {
		req, err := http.NewRequest(http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+p.token)
		return req, nil
	})
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: genius search status %d", domain.ErrExternalService, resp.StatusCode)
	}
	var out struct {
		Response struct {
			Hits []struct {
				Result struct {
					URL string `json:"url"`
				} `json:"result"`
			} `json:"hits"`
		} `json:"response"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("op=genius.decode: %w", err)
	}
	if len(out.Response.Hits) == 0 {
		return "", nil
	}
	return p.scrape(ctx, out.Response.Hits[0].Result.URL)
}

// scrape pulls the lyrics containers out of a Genius song page.
func (p *GeniusProvider) scrape(ctx domain.Context, pageURL string) (string, error) {
	if pageURL == "" {
		return "", nil
	}
	resp, err := doWithRetry(ctx, p.hc, p.policy, p.Name(), func() (*http.Request, error) {
		return http.NewRequest(http.MethodGet, pageURL, nil)
	})
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return "", nil
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: genius page status %d", domain.ErrExternalService, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", fmt.Errorf("op=genius.read: %w", err)
	}

	var parts []string
	for _, m := range lyricsContainerRe.FindAllStringSubmatch(string(body), -1) {
		frag := brRe.ReplaceAllString(m[1], "\n")
		frag = tagRe.ReplaceAllString(frag, "")
		parts = append(parts, frag)
	}
	if len(parts) == 0 {
		return "", nil
	}
	text := strings.Join(parts, "\n")
	return lyricsx.CleanGeniusLyrics(text), nil
}
