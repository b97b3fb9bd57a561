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

	"github.com/lingenhag/rrp/internal/config"
	"github.com/lingenhag/rrp/internal/domain"
	"github.com/lingenhag/rrp/internal/metrics"
)

const systemPrompt = "Du bist ein präziser Finanz-Analyst."

// OpenAI adjudicates via the chat completions endpoint with a JSON-object
// response format.
type OpenAI struct {
	cfg       config.LLMClientConfig
	transport *transport
	metrics   *metrics.Registry
}

// NewOpenAI wires an OpenAI client.
func NewOpenAI(cfg config.LLMClientConfig, m *metrics.Registry) *OpenAI {
	return &OpenAI{cfg: cfg, transport: newTransport("openai", cfg.Timeout()), metrics: m}
}

func (c *OpenAI) Model() string { return c.cfg.Model }

type chatRequest struct {
	Model          string        `json:"model"`
	Messages       []chatMessage `json:"messages"`
	MaxTokens      int           `json:"max_tokens"`
	Temperature    float64       `json:"temperature"`
	ResponseFormat any           `json:"response_format,omitempty"`
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
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

// SummarizeAndScore renders the prompt, calls the model, and normalizes the
// answer. A truncated or unparseable answer grows max_tokens by 400 up to the
// cap before failing.
func (c *OpenAI) SummarizeAndScore(ctx context.Context, req Request) (Result, error) {
	if c.cfg.APIKey == "" {
		return Result{}, fmt.Errorf("%w: OPENAI_API_KEY", domain.ErrConfigMissing)
	}
	prompt, err := LoadPrompt(c.cfg.PromptFile, req)
	if err != nil {
		return Result{}, err
	}

	maxOut := max(64, c.cfg.MaxTokens)
	cap := c.cfg.MaxTokensCap
	if cap <= 0 {
		cap = 4096
	}

	for {
		content, err := c.callOnce(ctx, prompt, maxOut)
		if err != nil {
			return Result{}, err
		}

		res, perr := ParseVerdict(content)
		if perr != nil {
			if c.cfg.AutoScaleMaxTokens && maxOut < cap {
				maxOut = min(cap, maxOut+400)
				continue
			}
			return Result{}, fmt.Errorf("openai: %w", perr)
		}

		// Parity with the other adapters: an absent relevance falls back to
		// summary presence, an absent sentiment to neutral.
		if res.Relevance == nil {
			rel := res.Summary != ""
			res.Relevance = &rel
		}
		if res.Sentiment == nil {
			zero := 0.0
			res.Sentiment = &zero
		}
		return res, nil
	}
}

func (c *OpenAI) callOnce(ctx context.Context, prompt string, maxTokens int) (string, error) {
	payload := chatRequest{
		Model: c.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: prompt},
		},
		MaxTokens:   maxTokens,
		Temperature: c.cfg.Temperature,
		ResponseFormat: map[string]string{
			"type": c.responseFormat(),
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	t0 := time.Now()
	resp, err := c.transport.doWithRetry(ctx, func() (*http.Request, error) {
		r, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(), bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		r.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
		r.Header.Set("Content-Type", "application/json")
		return r, nil
	}, c.cfg.MaxRetries)
	c.metrics.TrackAPIDuration("openai", time.Since(t0))
	if err != nil {
		c.metrics.TrackAPIRequest("openai", "error")
		return "", err
	}
	defer resp.Body.Close()
	c.metrics.TrackAPIRequest("openai", "success")

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("%w: read openai body: %v", domain.ErrTransientUpstream, err)
	}
	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", fmt.Errorf("%w: openai json: %v", domain.ErrTransientUpstream, err)
	}
	if len(parsed.Choices) == 0 || parsed.Choices[0].Message.Content == "" {
		return "", fmt.Errorf("%w: openai empty choices", domain.ErrTransientUpstream)
	}
	return parsed.Choices[0].Message.Content, nil
}

func (c *OpenAI) responseFormat() string {
	if c.cfg.ResponseFormat == "" {
		return "json_object"
	}
	return c.cfg.ResponseFormat
}

// endpoint tolerates both the base URL and a full /chat/completions URL in
// config.
func (c *OpenAI) endpoint() string {
	ep := strings.TrimRight(c.cfg.Endpoint, "/")
	if ep == "" {
		ep = "https://api.openai.com/v1"
	}
	if strings.HasSuffix(ep, "/chat/completions") {
		return ep
	}
	return ep + "/chat/completions"
}
