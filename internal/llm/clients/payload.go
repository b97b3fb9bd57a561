package clients

import (
	"encoding/json"
	"fmt"
	"strings"

	jsonrepair "github.com/RealAlexandreAI/json-repair"
)

// verdict mirrors the on-the-wire JSON of all three model prompts.
type verdict struct {
	Relevance any    `json:"relevance"`
	Sentiment any    `json:"sentiment"`
	Summary   string `json:"summary"`
}

// ParseVerdict decodes model output into a Result. Code fences are stripped
// first; a failed strict decode is retried once through JSON repair.
func ParseVerdict(content string) (Result, error) {
	raw := StripJSONFences(content)

	var v verdict
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		repaired, rerr := jsonrepair.RepairJSON(raw)
		if rerr != nil {
			return Result{}, fmt.Errorf("parse model json: %w", err)
		}
		if err := json.Unmarshal([]byte(repaired), &v); err != nil {
			return Result{}, fmt.Errorf("parse repaired model json: %w", err)
		}
	}

	return Result{
		Relevance: CoerceRelevance(v.Relevance),
		Sentiment: CoerceSentiment(v.Sentiment),
		Summary:   strings.TrimSpace(v.Summary),
	}, nil
}
