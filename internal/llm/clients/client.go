// Package clients holds the per-model LLM adapters. Every adapter normalizes
// its wire JSON into a typed Result at the boundary, so the ensemble never
// sees raw payloads.
package clients

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/lingenhag/rrp/internal/domain"
)

// Request identifies one candidate to adjudicate.
type Request struct {
	AssetSymbol string
	URL         string
	PublishedAt *time.Time
	Title       *string
}

// Result is the normalized verdict of a single model. Relevance is nil when
// the model's answer could not be coerced to a boolean.
type Result struct {
	Relevance *bool
	Sentiment *float64
	Summary   string
}

// Client is the single-call adjudication interface shared by all models and
// the ensemble.
type Client interface {
	Model() string
	SummarizeAndScore(ctx context.Context, req Request) (Result, error)
}

// jsonFenceRe strips ```json ... ``` fences around model output.
var jsonFenceRe = regexp.MustCompile("(?s)^```(?:json)?\\s*(.*?)\\s*```$")

// StripJSONFences removes a surrounding markdown code fence, if any.
func StripJSONFences(text string) string {
	t := strings.TrimSpace(text)
	if m := jsonFenceRe.FindStringSubmatch(t); m != nil {
		return m[1]
	}
	return t
}

var truthyStrings = map[string]bool{"true": true, "1": true, "yes": true, "y": true, "ja": true}
var falsyStrings = map[string]bool{"false": true, "0": true, "no": true, "n": true, "nein": true}

// CoerceRelevance maps a dynamic JSON value onto a boolean. Strings match a
// fixed truthy/falsy set; numbers are non-zero-true; anything else is nil.
func CoerceRelevance(v any) *bool {
	switch t := v.(type) {
	case bool:
		return &t
	case string:
		s := strings.ToLower(strings.TrimSpace(t))
		if truthyStrings[s] {
			b := true
			return &b
		}
		if falsyStrings[s] {
			b := false
			return &b
		}
		return nil
	case float64:
		b := t != 0
		return &b
	case int:
		b := t != 0
		return &b
	default:
		return nil
	}
}

// CoerceSentiment maps a dynamic JSON value onto a clamped float in [-1,1].
func CoerceSentiment(v any) *float64 {
	var s float64
	switch t := v.(type) {
	case float64:
		s = t
	case int:
		s = float64(t)
	case string:
		var parsed float64
		if _, err := fmt.Sscanf(strings.TrimSpace(t), "%f", &parsed); err != nil {
			s = 0
		} else {
			s = parsed
		}
	case nil:
		return nil
	default:
		return nil
	}
	s = clamp(s, -1, 1)
	return &s
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// LoadPrompt reads the prompt template and substitutes the candidate fields.
// Placeholders: {{asset_symbol}}, {{url}}, {{published_at}}, {{title}}.
func LoadPrompt(promptFile string, req Request) (string, error) {
	raw, err := os.ReadFile(promptFile)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: prompt file %s", domain.ErrConfigMissing, promptFile)
		}
		return "", fmt.Errorf("read prompt %s: %w", promptFile, err)
	}
	template := strings.TrimSpace(string(raw))
	if template == "" {
		return "", fmt.Errorf("%w: prompt file %s is empty", domain.ErrConfigMissing, promptFile)
	}

	published := "null"
	if req.PublishedAt != nil {
		published = req.PublishedAt.UTC().Format(time.RFC3339)
	}
	title := ""
	if req.Title != nil {
		title = *req.Title
	}

	out := strings.ReplaceAll(template, "{{asset_symbol}}", strings.TrimSpace(req.AssetSymbol))
	out = strings.ReplaceAll(out, "{{url}}", strings.TrimSpace(req.URL))
	out = strings.ReplaceAll(out, "{{published_at}}", published)
	out = strings.ReplaceAll(out, "{{title}}", title)
	return out, nil
}

// transport wraps an HTTP client with a circuit breaker shared per model.
type transport struct {
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
}

func newTransport(name string, timeout time.Duration) *transport {
	return &transport{
		client: &http.Client{Timeout: timeout},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        name,
			MaxRequests: 1,
			Interval:    60 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= 5
			},
		}),
	}
}

// do executes one request through the breaker and classifies the status.
func (t *transport) do(req *http.Request) (*http.Response, error) {
	res, err := t.breaker.Execute(func() (interface{}, error) {
		resp, err := t.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrTransientUpstream, err)
		}
		switch {
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			resp.Body.Close()
			return nil, fmt.Errorf("%w: http %d", domain.ErrTransientUpstream, resp.StatusCode)
		case resp.StatusCode >= 400:
			resp.Body.Close()
			return nil, fmt.Errorf("%w: http %d", domain.ErrPermanentUpstream, resp.StatusCode)
		}
		return resp, nil
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, fmt.Errorf("%w: circuit open", domain.ErrTransientUpstream)
		}
		return nil, err
	}
	return res.(*http.Response), nil
}

// doWithRetry retries transient failures with exponential backoff starting at
// one second.
func (t *transport) doWithRetry(ctx context.Context, build func() (*http.Request, error), maxRetries int) (*http.Response, error) {
	if maxRetries < 1 {
		maxRetries = 1
	}
	backoff := time.Second
	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		req, err := build()
		if err != nil {
			return nil, err
		}
		resp, err := t.do(req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !domain.IsTransient(err) {
			return nil, err
		}
		if attempt < maxRetries {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
	}
	return nil, fmt.Errorf("retries exhausted: %w", lastErr)
}
