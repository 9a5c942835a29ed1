// Package analyzer implements the song scorer on an OpenRouter-compatible
// chat completions API.
package analyzer

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/christian-cleanup/internal/config"
	"github.com/fairyhunter13/christian-cleanup/internal/domain"
)

const systemPrompt = `You are a Christian music analyst. Given a song you
return ONLY a JSON object with these fields:
  christian_score        number 0-100
  concern_level          one of "Very Low", "Low", "Medium", "High", "Very High"
  biblical_themes        array of strings
  supporting_scripture   object mapping theme to scripture reference
  explanation            string, at least one sentence
  positive_themes        array of strings (optional)
  purity_flags           array of strings (optional)
  analysis_version       string (optional)
No prose, no markdown fences, JSON only.`

// Client scores songs through a chat completions endpoint. When a lyrics
// fetcher is attached, cached lyrics are folded into the prompt.
type Client struct {
	cfg     config.Config
	hc      *http.Client
	lyrics  domain.LyricsFetcher
	backoff func() backoff.BackOff
}

// New constructs the analyzer client. lyrics may be nil; the prompt then
// carries only the song identity.
func New(cfg config.Config, lyrics domain.LyricsFetcher) *Client {
	timeout := cfg.AnalyzerTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		cfg:    cfg,
		hc:     &http.Client{Timeout: timeout, Transport: otelhttp.NewTransport(http.DefaultTransport)},
		lyrics: lyrics,
		backoff: func() backoff.BackOff {
			return backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3)
		},
	}
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// AnalyzeSong implements domain.Analyzer.
func (c *Client) AnalyzeSong(ctx domain.Context, song domain.SongIdentity) (map[string]any, error) {
	tracer := otel.Tracer("analyzer.client")
	ctx, span := tracer.Start(ctx, "analyzer.AnalyzeSong")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("song.id", song.ID),
		attribute.String("analyzer.model", c.cfg.AnalyzerModel),
	)

	userPrompt := c.buildPrompt(ctx, song)

	var raw string
	op := func() error {
		var err error
		raw, err = c.chatOnce(ctx, userPrompt)
		return err
	}
	bo := backoff.WithContext(c.backoff(), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		span.RecordError(err)
		return nil, err
	}

	result, err := parseResult(raw)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return result, nil
}

func (c *Client) buildPrompt(ctx domain.Context, song domain.SongIdentity) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Analyze this song.\nTitle: %s\nArtist: %s\n", song.Title, song.Artist)
	if song.Explicit {
		b.WriteString("The track is marked explicit.\n")
	}
	if c.lyrics != nil {
		if text, err := c.lyrics.Fetch(ctx, song.Artist, song.Title); err == nil && text != "" {
			b.WriteString("Lyrics:\n")
			b.WriteString(text)
			b.WriteString("\n")
		}
	}
	return b.String()
}

func (c *Client) chatOnce(ctx domain.Context, userPrompt string) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model: c.cfg.AnalyzerModel,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt},
		},
		MaxTokens:   c.cfg.AnalyzerMaxTokens,
		Temperature: 0.2,
	})
	if err != nil {
		return "", backoff.Permanent(fmt.Errorf("op=analyzer.marshal: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.AnalyzerBaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", backoff.Permanent(fmt.Errorf("op=analyzer.request: %w", err))
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.AnalyzerAPIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: analyzer: %v", domain.ErrExternalService, err)
	}
	defer func() { _ = resp.Body.Close() }()

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		slog.Warn("analyzer rate limited", slog.String("model", c.cfg.AnalyzerModel))
		return "", fmt.Errorf("%w: analyzer", domain.ErrUpstreamRateLimit)
	case resp.StatusCode >= 500:
		slog.Error("analyzer provider 5xx",
			slog.Int("status", resp.StatusCode),
			slog.String("model", c.cfg.AnalyzerModel),
		)
		return "", fmt.Errorf("%w: analyzer status %d", domain.ErrExternalService, resp.StatusCode)
	case resp.StatusCode >= 400:
		slog.Error("analyzer provider 4xx",
			slog.Int("status", resp.StatusCode),
			slog.String("model", c.cfg.AnalyzerModel),
			slog.String("body", string(snippet[:min(len(snippet), 512)])),
		)
		return "", backoff.Permanent(fmt.Errorf("%w: analyzer status %d", domain.ErrExternalService, resp.StatusCode))
	}

	var cr chatResponse
	if err := json.Unmarshal(snippet, &cr); err != nil {
		return "", fmt.Errorf("%w: analyzer decode: %v", domain.ErrExternalService, err)
	}
	if cr.Error != nil {
		return "", fmt.Errorf("%w: analyzer: %s", domain.ErrExternalService, cr.Error.Message)
	}
	if len(cr.Choices) == 0 {
		return "", fmt.Errorf("%w: analyzer returned no choices", domain.ErrExternalService)
	}
	return cr.Choices[0].Message.Content, nil
}

// parseResult extracts the JSON object from a model reply. Models sometimes
// wrap the object in markdown fences or surrounding prose.
func parseResult(raw string) (map[string]any, error) {
	cleaned := stripFences(raw)
	cleaned = extractObject(cleaned)

	var result map[string]any
	if err := json.Unmarshal([]byte(cleaned), &result); err != nil {
		return nil, fmt.Errorf("%w: analyzer reply is not valid JSON: %v", domain.ErrExternalService, err)
	}
	if len(result) == 0 {
		return nil, fmt.Errorf("%w: analyzer reply is empty", domain.ErrExternalService)
	}
	return result, nil
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

// extractObject returns the first balanced top-level JSON object in s.
func extractObject(s string) string {
	start := strings.Index(s, "{")
	if start < 0 {
		return s
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		ch := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return s[start:]
}
