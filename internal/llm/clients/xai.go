package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/lingenhag/rrp/internal/config"
	"github.com/lingenhag/rrp/internal/domain"
	"github.com/lingenhag/rrp/internal/metrics"
)

const xaiContentLimit = 1000

// XAI adjudicates via the x.ai chat completions endpoint with a strict JSON
// schema. Unlike the other adapters it fetches up to 1000 characters of the
// article's paragraph text and feeds it through {{url_content}}.
type XAI struct {
	cfg       config.LLMClientConfig
	transport *transport
	fetch     *http.Client
	metrics   *metrics.Registry
}

// NewXAI wires an XAI client.
func NewXAI(cfg config.LLMClientConfig, m *metrics.Registry) *XAI {
	return &XAI{
		cfg:       cfg,
		transport: newTransport("xai", cfg.Timeout()),
		fetch:     &http.Client{Timeout: 10 * time.Second},
		metrics:   m,
	}
}

func (c *XAI) Model() string { return c.cfg.Model }

// fetchURLContent extracts the article's paragraph text. Failures degrade to
// an explanatory placeholder; the adjudication still runs on URL and title.
func (c *XAI) fetchURLContent(ctx context.Context, rawURL string) string {
	t0 := time.Now()
	defer func() { c.metrics.TrackAPIDuration("xai_content", time.Since(t0)) }()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		c.metrics.TrackAPIRequest("xai_content", "error")
		return "Fehler beim Abrufen der URL: " + err.Error()
	}
	resp, err := c.fetch.Do(req)
	if err != nil {
		c.metrics.TrackAPIRequest("xai_content", "error")
		return "Fehler beim Abrufen der URL: " + err.Error()
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		c.metrics.TrackAPIRequest("xai_content", "error")
		return fmt.Sprintf("Fehler beim Abrufen der URL: http %d", resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		c.metrics.TrackAPIRequest("xai_content", "error")
		return "Fehler beim Abrufen der URL: " + err.Error()
	}

	var parts []string
	doc.Find("p").Each(func(_ int, s *goquery.Selection) {
		if t := strings.TrimSpace(s.Text()); t != "" {
			parts = append(parts, t)
		}
	})
	content := strings.Join(parts, " ")
	if len(content) > xaiContentLimit {
		content = content[:xaiContentLimit]
	}
	c.metrics.TrackAPIRequest("xai_content", "success")
	if content == "" {
		return "Kein lesbarer Inhalt gefunden."
	}
	return content
}

// SummarizeAndScore calls the model with a strict response schema. Empty or
// unparseable answers grow max_tokens by 400 up to the cap; the schema keys
// are mandatory.
func (c *XAI) SummarizeAndScore(ctx context.Context, req Request) (Result, error) {
	if c.cfg.APIKey == "" {
		return Result{}, fmt.Errorf("%w: XAI_API_KEY", domain.ErrConfigMissing)
	}
	if strings.TrimSpace(req.AssetSymbol) == "" {
		return Result{}, fmt.Errorf("%w: asset symbol empty", domain.ErrValidation)
	}
	if strings.TrimSpace(req.URL) == "" {
		return Result{}, fmt.Errorf("%w: url empty", domain.ErrValidation)
	}

	prompt, err := LoadPrompt(c.cfg.PromptFile, req)
	if err != nil {
		return Result{}, err
	}
	prompt = strings.ReplaceAll(prompt, "{{url_content}}", c.fetchURLContent(ctx, req.URL))

	maxOut := max(64, c.cfg.MaxTokens)
	tokenCap := c.cfg.MaxTokensCap
	if tokenCap <= 0 {
		tokenCap = 4096
	}

	retries := c.cfg.MaxRetries
	if retries < 1 {
		retries = 3
	}
	for attempt := 1; attempt <= retries; attempt++ {
		content, err := c.callOnce(ctx, prompt, maxOut)
		if err != nil {
			return Result{}, err
		}
		if strings.TrimSpace(content) == "" {
			if c.cfg.AutoScaleMaxTokens && maxOut < tokenCap {
				maxOut = min(tokenCap, maxOut+400)
				continue
			}
			return Result{}, fmt.Errorf("%w: xai empty content", domain.ErrTransientUpstream)
		}

		res, perr := ParseVerdict(content)
		if perr != nil {
			if c.cfg.AutoScaleMaxTokens && maxOut < tokenCap {
				maxOut = min(tokenCap, maxOut+400)
				continue
			}
			return Result{}, fmt.Errorf("xai: %w", perr)
		}

		// The schema is strict: both verdict fields must be present.
		if res.Relevance == nil {
			return Result{}, fmt.Errorf("%w: xai relevance missing or not boolean", domain.ErrValidation)
		}
		if res.Sentiment == nil {
			return Result{}, fmt.Errorf("%w: xai sentiment missing or not numeric", domain.ErrValidation)
		}
		return res, nil
	}
	return Result{}, fmt.Errorf("%w: xai retries exhausted", domain.ErrTransientUpstream)
}

func (c *XAI) callOnce(ctx context.Context, prompt string, maxTokens int) (string, error) {
	payload := map[string]any{
		"model": c.cfg.Model,
		"messages": []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: prompt},
		},
		"temperature": c.cfg.Temperature,
		"max_tokens":  maxTokens,
		"response_format": map[string]any{
			"type": "json_schema",
			"json_schema": map[string]any{
				"name": "analysis_response",
				"schema": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"relevance": map[string]any{"type": "boolean"},
						"summary":   map[string]any{"type": "string"},
						"sentiment": map[string]any{"type": "number", "minimum": -1, "maximum": 1},
					},
					"required":             []string{"relevance", "summary", "sentiment"},
					"additionalProperties": false,
				},
			},
			"strict": true,
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	t0 := time.Now()
	resp, err := c.transport.doWithRetry(ctx, func() (*http.Request, error) {
		r, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		r.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
		r.Header.Set("Content-Type", "application/json")
		return r, nil
	}, c.cfg.MaxRetries)
	c.metrics.TrackAPIDuration("xai", time.Since(t0))
	if err != nil {
		c.metrics.TrackAPIRequest("xai", "error")
		return "", err
	}
	defer resp.Body.Close()
	c.metrics.TrackAPIRequest("xai", "success")

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("%w: read xai body: %v", domain.ErrTransientUpstream, err)
	}
	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", fmt.Errorf("%w: xai json: %v", domain.ErrTransientUpstream, err)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("%w: xai empty choices", domain.ErrTransientUpstream)
	}
	return parsed.Choices[0].Message.Content, nil
}
