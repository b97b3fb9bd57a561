// Package ensemble fans one candidate out to every configured LLM client and
// aggregates the normalized votes into a single verdict.
package ensemble

import (
	"context"
	"math"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/lingenhag/rrp/internal/llm/clients"
)

// Vote is one client's normalized verdict, kept verbatim for the audit
// trail. Sentiment is rounded to two decimals; the aggregate mean is not.
type Vote struct {
	Model     string   `json:"model"`
	Relevance bool     `json:"relevance"`
	Sentiment *float64 `json:"sentiment"`
	Summary   string   `json:"summary,omitempty"`
}

// Outcome is the aggregated verdict plus the raw vote set.
type Outcome struct {
	Relevance bool
	Sentiment *float64
	Summary   string
	Votes     []Vote
}

// Ensemble wraps N clients behind the single-call interface. A failing
// client is logged and omitted from the vote set, never fatal.
type Ensemble struct {
	clients []clients.Client
}

// New builds an ensemble over the non-nil clients.
func New(cs ...clients.Client) *Ensemble {
	kept := make([]clients.Client, 0, len(cs))
	for _, c := range cs {
		if c != nil {
			kept = append(kept, c)
		}
	}
	names := make([]string, 0, len(kept))
	for _, c := range kept {
		names = append(names, c.Model())
	}
	log.Info().Strs("models", names).Msg("ensemble clients active")
	return &Ensemble{clients: kept}
}

// Size reports the number of wrapped clients.
func (e *Ensemble) Size() int { return len(e.clients) }

// Model renders the ensemble label, e.g. ensemble[gpt-4o-mini,grok-4].
func (e *Ensemble) Model() string {
	names := make([]string, 0, len(e.clients))
	for _, c := range e.clients {
		names = append(names, c.Model())
	}
	return "ensemble[" + strings.Join(names, ",") + "]"
}

// SummarizeAndScore fans out to all clients and aggregates:
// relevance by majority with ties counting as true and an empty vote set as
// false; sentiment as the exact arithmetic mean over non-nil votes; summary
// as the first non-empty among relevant votes, then among all votes.
func (e *Ensemble) SummarizeAndScore(ctx context.Context, req clients.Request) (Outcome, error) {
	votes := make([]Vote, 0, len(e.clients))
	for _, c := range e.clients {
		res, err := c.SummarizeAndScore(ctx, req)
		if err != nil {
			log.Warn().Err(err).Str("model", c.Model()).Str("url", req.URL).
				Msg("llm call failed, dropping vote")
			continue
		}
		votes = append(votes, normalizeVote(res, c.Model()))
	}

	relevance, relevant := aggregateRelevance(votes)
	return Outcome{
		Relevance: relevance,
		Sentiment: aggregateSentiment(votes),
		Summary:   pickSummary(relevant, votes),
		Votes:     votes,
	}, nil
}

func normalizeVote(res clients.Result, model string) Vote {
	v := Vote{
		Model:     model,
		Relevance: res.Relevance != nil && *res.Relevance,
		Summary:   strings.TrimSpace(res.Summary),
	}
	if res.Sentiment != nil {
		s := *res.Sentiment
		if s < -1 {
			s = -1
		} else if s > 1 {
			s = 1
		}
		s = math.Round(s*100) / 100
		v.Sentiment = &s
	}
	return v
}

func aggregateRelevance(votes []Vote) (bool, []Vote) {
	if len(votes) == 0 {
		return false, nil
	}
	trues := 0
	var relevant []Vote
	for _, v := range votes {
		if v.Relevance {
			trues++
			relevant = append(relevant, v)
		}
	}
	return trues >= len(votes)-trues, relevant
}

// aggregateSentiment is the exact mean; rounding happens downstream at the
// persistence and CSV boundaries only.
func aggregateSentiment(votes []Vote) *float64 {
	var sum float64
	n := 0
	for _, v := range votes {
		if v.Sentiment != nil {
			sum += *v.Sentiment
			n++
		}
	}
	if n == 0 {
		return nil
	}
	mean := sum / float64(n)
	return &mean
}

func pickSummary(relevant, all []Vote) string {
	for _, v := range relevant {
		if v.Summary != "" {
			return v.Summary
		}
	}
	for _, v := range all {
		if v.Summary != "" {
			return v.Summary
		}
	}
	return ""
}
