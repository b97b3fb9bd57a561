package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/lingenhag/rrp/internal/config"
	"github.com/lingenhag/rrp/internal/domain"
	"github.com/lingenhag/rrp/internal/metrics"
)

// Gemini adjudicates via the generateContent REST endpoint. The raw
// finishReason is needed to drive output-token auto-scaling, so the wire
// protocol is spoken directly.
type Gemini struct {
	cfg       config.LLMClientConfig
	transport *transport
	metrics   *metrics.Registry
}

// NewGemini wires a Gemini client.
func NewGemini(cfg config.LLMClientConfig, m *metrics.Registry) *Gemini {
	return &Gemini{cfg: cfg, transport: newTransport("gemini", cfg.Timeout()), metrics: m}
}

func (c *Gemini) Model() string { return c.cfg.Model }

type geminiRequest struct {
	Contents         []geminiContent `json:"contents"`
	GenerationConfig geminiGenConfig `json:"generationConfig"`
}

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiGenConfig struct {
	Temperature      float64 `json:"temperature"`
	MaxOutputTokens  int     `json:"maxOutputTokens"`
	ResponseMimeType string  `json:"response_mime_type"`
}

type geminiResponse struct {
	Candidates []struct {
		FinishReason string `json:"finishReason"`
		Content      struct {
			Parts []geminiPart `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
}

// SummarizeAndScore calls generateContent and normalizes the answer. On a
// MAX_TOKENS finish the output budget grows by 400 up to the cap.
func (c *Gemini) SummarizeAndScore(ctx context.Context, req Request) (Result, error) {
	if c.cfg.APIKey == "" {
		return Result{}, fmt.Errorf("%w: GEMINI_API_KEY", domain.ErrConfigMissing)
	}
	prompt, err := LoadPrompt(c.cfg.PromptFile, req)
	if err != nil {
		return Result{}, err
	}

	maxOut := max(64, c.cfg.MaxTokens)
	tokenCap := c.cfg.MaxTokensCap
	if tokenCap <= 0 {
		tokenCap = 2048
	}

	for {
		cand, err := c.callOnce(ctx, prompt, maxOut)
		if err != nil {
			return Result{}, err
		}

		if cand.FinishReason == "MAX_TOKENS" && c.cfg.AutoScaleMaxTokens && maxOut < tokenCap {
			maxOut = min(tokenCap, maxOut+400)
			continue
		}

		var text string
		if len(cand.Content.Parts) > 0 {
			text = cand.Content.Parts[0].Text
		}
		if strings.TrimSpace(text) == "" {
			return Result{}, fmt.Errorf("%w: gemini empty candidate", domain.ErrTransientUpstream)
		}

		res, perr := ParseVerdict(text)
		if perr != nil {
			return Result{}, fmt.Errorf("gemini: %w", perr)
		}
		return res, nil
	}
}

type geminiCandidate struct {
	FinishReason string
	Content      struct {
		Parts []geminiPart `json:"parts"`
	}
}

func (c *Gemini) callOnce(ctx context.Context, prompt string, maxTokens int) (geminiCandidate, error) {
	mime := c.cfg.ResponseFormat
	if mime == "" {
		mime = "application/json"
	}
	payload := geminiRequest{
		Contents: []geminiContent{{Parts: []geminiPart{{Text: prompt}}}},
		GenerationConfig: geminiGenConfig{
			Temperature:      c.cfg.Temperature,
			MaxOutputTokens:  maxTokens,
			ResponseMimeType: mime,
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return geminiCandidate{}, err
	}

	endpoint := strings.TrimRight(c.cfg.Endpoint, "/")
	apiURL := fmt.Sprintf("%s/%s:generateContent?%s",
		endpoint, c.cfg.Model, url.Values{"key": {c.cfg.APIKey}}.Encode())

	t0 := time.Now()
	resp, err := c.transport.doWithRetry(ctx, func() (*http.Request, error) {
		r, err := http.NewRequestWithContext(ctx, http.MethodPost, apiURL, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		r.Header.Set("Content-Type", "application/json")
		return r, nil
	}, c.cfg.MaxRetries)
	c.metrics.TrackAPIDuration("gemini", time.Since(t0))
	if err != nil {
		c.metrics.TrackAPIRequest("gemini", "error")
		return geminiCandidate{}, err
	}
	defer resp.Body.Close()
	c.metrics.TrackAPIRequest("gemini", "success")

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return geminiCandidate{}, fmt.Errorf("%w: read gemini body: %v", domain.ErrTransientUpstream, err)
	}
	var parsed geminiResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return geminiCandidate{}, fmt.Errorf("%w: gemini json: %v", domain.ErrTransientUpstream, err)
	}
	if len(parsed.Candidates) == 0 {
		return geminiCandidate{}, fmt.Errorf("%w: gemini no candidates", domain.ErrTransientUpstream)
	}
	out := geminiCandidate{FinishReason: parsed.Candidates[0].FinishReason}
	out.Content.Parts = parsed.Candidates[0].Content.Parts
	return out, nil
}
