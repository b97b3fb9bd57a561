// Package summarize drains the harvest inbox through the ensemble and
// persists the adjudication outcome: article or rejection, the per-model
// vote audit trail, and the inbox deletion.
package summarize

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/lingenhag/rrp/internal/domain"
	"github.com/lingenhag/rrp/internal/llm/ensemble"
	"github.com/lingenhag/rrp/internal/llm/clients"
	"github.com/lingenhag/rrp/internal/metrics"
	"github.com/lingenhag/rrp/internal/news/harvest"
	"github.com/lingenhag/rrp/internal/persistence"
)

// Result carries the batch counters. Processed equals Saved plus
// RejectedIrrelevant; candidates that failed adjudication or persistence
// count only in Errors and stay in the inbox for retry.
type Result struct {
	Processed          int `json:"processed"`
	Saved              int `json:"saved"`
	DeletedFromHarvest int `json:"deleted_from_harvest"`
	Errors             int `json:"errors"`
	RejectedIrrelevant int `json:"rejected_irrelevant"`
}

// Params bounds one batch.
type Params struct {
	AssetSymbol   string
	Limit         int
	Since         *time.Time
	DryRun        bool
	Workers       int
	RatePerMinute int
	ProgressEvery int
}

// UseCase wires the ensemble against the stores.
type UseCase struct {
	ens      *ensemble.Ensemble
	newsRepo persistence.NewsRepository
	llmRepo  persistence.LLMRepository
	policy   persistence.DomainPolicy
	metrics  *metrics.Registry
}

// New builds the use case. policy may be nil.
func New(
	ens *ensemble.Ensemble,
	newsRepo persistence.NewsRepository,
	llmRepo persistence.LLMRepository,
	policy persistence.DomainPolicy,
	m *metrics.Registry,
) *UseCase {
	return &UseCase{ens: ens, newsRepo: newsRepo, llmRepo: llmRepo, policy: policy, metrics: m}
}

// ProcessBatch drains up to limit candidates sequentially.
func (u *UseCase) ProcessBatch(ctx context.Context, p Params) (Result, error) {
	t0 := time.Now()
	defer func() {
		u.metrics.TrackSummarize(strings.ToUpper(p.AssetSymbol), "sequential", time.Since(t0))
	}()

	batch, err := u.newsRepo.FetchURLHarvestBatch(ctx, p.AssetSymbol, p.Limit, p.Since)
	if err != nil {
		return Result{}, fmt.Errorf("fetch harvest batch: %w", err)
	}
	if len(batch) == 0 {
		log.Info().Str("asset", p.AssetSymbol).Msg("nothing to process")
		return Result{}, nil
	}

	runID := uuid.NewString()
	var res Result
	completed := 0
	for _, h := range batch {
		out, err := u.adjudicate(ctx, p.AssetSymbol, h)
		completed++
		if err != nil {
			res.Errors++
			log.Error().Err(err).Int64("harvest_id", h.ID).Str("url", h.URL).
				Str("run_id", runID).Msg("adjudication failed")
		} else {
			u.applyOutcome(ctx, p, h, out, &res)
		}
		u.logProgress(p, runID, completed)
	}
	u.logFinal(p, runID, completed)
	return res, nil
}

// ProcessBatchParallel drains the batch with a bounded worker pool and a
// shared rate limiter. Results are reduced in completion order; per-candidate
// effects stay atomic.
func (u *UseCase) ProcessBatchParallel(ctx context.Context, p Params) (Result, error) {
	t0 := time.Now()
	defer func() {
		u.metrics.TrackSummarize(strings.ToUpper(p.AssetSymbol), "parallel", time.Since(t0))
	}()

	batch, err := u.newsRepo.FetchURLHarvestBatch(ctx, p.AssetSymbol, p.Limit, p.Since)
	if err != nil {
		return Result{}, fmt.Errorf("fetch harvest batch: %w", err)
	}
	if len(batch) == 0 {
		log.Info().Str("asset", p.AssetSymbol).Msg("nothing to process")
		return Result{}, nil
	}

	workers := p.Workers
	if workers < 1 {
		workers = 1
	}
	rate := p.RatePerMinute
	if rate < 1 {
		rate = 60
	}
	limiter := NewLimiter(rate)
	runID := uuid.NewString()

	type adjudicated struct {
		h   domain.URLHarvest
		out ensemble.Outcome
		err error
	}

	tasks := make(chan domain.URLHarvest)
	results := make(chan adjudicated)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for h := range tasks {
				if err := limiter.Wait(ctx); err != nil {
					results <- adjudicated{h: h, err: err}
					continue
				}
				out, err := u.adjudicate(ctx, p.AssetSymbol, h)
				results <- adjudicated{h: h, out: out, err: err}
			}
		}()
	}

	go func() {
		defer close(tasks)
		for _, h := range batch {
			select {
			case <-ctx.Done():
				return
			case tasks <- h:
			}
		}
	}()
	go func() {
		wg.Wait()
		close(results)
	}()

	var res Result
	completed := 0
	for r := range results {
		completed++
		if r.err != nil {
			res.Errors++
			log.Error().Err(r.err).Int64("harvest_id", r.h.ID).Str("url", r.h.URL).
				Str("run_id", runID).Msg("adjudication failed")
		} else {
			u.applyOutcome(ctx, p, r.h, r.out, &res)
		}
		u.logProgress(p, runID, completed)
	}
	u.logFinal(p, runID, completed)
	return res, nil
}

// adjudicate runs the ensemble for one candidate.
func (u *UseCase) adjudicate(ctx context.Context, assetSymbol string, h domain.URLHarvest) (ensemble.Outcome, error) {
	req := clients.Request{
		AssetSymbol: assetSymbol,
		URL:         h.URL,
		PublishedAt: h.PublishedAt,
		Title:       h.Title,
	}
	return u.ens.SummarizeAndScore(ctx, req)
}

// applyOutcome persists the per-candidate effects as a unit: article or
// rejection, then votes, then the inbox delete. Any failure counts the
// candidate as an error and leaves the inbox row for retry.
func (u *UseCase) applyOutcome(ctx context.Context, p Params, h domain.URLHarvest, out ensemble.Outcome, res *Result) {
	var articleID *int64

	if out.Relevance {
		article := u.makeArticle(p.AssetSymbol, h, out)
		if !p.DryRun {
			id, err := u.llmRepo.SaveSummary(ctx, article)
			if err != nil {
				res.Errors++
				log.Error().Err(err).Str("url", h.URL).Msg("save summary failed")
				return
			}
			articleID = &id
		}
		res.Saved++
		u.recordLLMDecision(ctx, p.AssetSymbol, h.URL, true)
	} else {
		if !p.DryRun {
			model := "ensemble"
			details := compactVotesJSON(out.Votes)
			rejection := domain.Rejection{
				URL:         h.URL,
				AssetSymbol: p.AssetSymbol,
				Reason:      "no_asset_relation",
				Context:     "summarize",
				Model:       &model,
				DetailsJSON: details,
			}
			if h.Source != "" {
				rejection.Source = &h.Source
			}
			if _, err := u.llmRepo.SaveRejection(ctx, rejection); err != nil {
				res.Errors++
				log.Error().Err(err).Str("url", h.URL).Msg("save rejection failed")
				return
			}
		}
		res.RejectedIrrelevant++
		u.recordLLMDecision(ctx, p.AssetSymbol, h.URL, false)
	}
	res.Processed++

	if !p.DryRun {
		for _, v := range out.Votes {
			vote := domain.LLMVote{
				AssetSymbol: p.AssetSymbol,
				Model:       v.Model,
				Relevance:   v.Relevance,
				Sentiment:   v.Sentiment,
				HarvestID:   &h.ID,
				ArticleID:   articleID,
			}
			// Votes reference the article when one was written, the
			// originating URL otherwise.
			if articleID == nil {
				vote.URL = h.URL
			}
			if v.Summary != "" {
				s := v.Summary
				vote.Summary = &s
			}
			if _, err := u.llmRepo.SaveVote(ctx, vote); err != nil {
				res.Errors++
				log.Error().Err(err).Str("url", h.URL).Str("model", v.Model).Msg("save vote failed")
				return
			}
		}
		if err := u.newsRepo.DeleteURLHarvest(ctx, h.ID); err != nil {
			res.Errors++
			log.Error().Err(err).Int64("harvest_id", h.ID).Msg("delete harvest row failed")
			return
		}
	}
	res.DeletedFromHarvest++
}

func (u *UseCase) makeArticle(assetSymbol string, h domain.URLHarvest, out ensemble.Outcome) domain.SummarizedArticle {
	published := time.Now().UTC()
	if h.PublishedAt != nil {
		published = h.PublishedAt.UTC()
	} else if !h.DiscoveredAt.IsZero() {
		published = h.DiscoveredAt.UTC()
	}
	return domain.SummarizedArticle{
		URL:         h.URL,
		AssetSymbol: assetSymbol,
		Summary:     strings.TrimSpace(out.Summary),
		Sentiment:   round2Opt(out.Sentiment),
		Model:       u.ens.Model(),
		Source:      h.Source,
		PublishedAt: published,
		IngestedAt:  time.Now().UTC(),
	}
}

// recordLLMDecision is best-effort; stats never fail the candidate.
func (u *UseCase) recordLLMDecision(ctx context.Context, assetSymbol, url string, accepted bool) {
	if u.policy == nil {
		return
	}
	if host := harvest.Hostname(url); host != "" {
		u.policy.RecordLLMDecision(ctx, assetSymbol, host, accepted)
	}
}

func (u *UseCase) logProgress(p Params, runID string, completed int) {
	if p.ProgressEvery > 0 && completed%p.ProgressEvery == 0 {
		log.Info().Int("completed", completed).Str("run_id", runID).Msg("summarize progress")
	}
}

func (u *UseCase) logFinal(p Params, runID string, completed int) {
	every := p.ProgressEvery
	if every <= 0 || completed%every != 0 {
		log.Info().Int("completed", completed).Str("run_id", runID).Msg("summarize batch complete")
	}
}

func round2Opt(v *float64) *float64 {
	if v == nil {
		return nil
	}
	r := math.Round(*v*100) / 100
	return &r
}

// compactVotesJSON renders the audit payload stored with a rejection.
func compactVotesJSON(votes []ensemble.Vote) *string {
	if len(votes) == 0 {
		return nil
	}
	type compact struct {
		Model     string   `json:"model"`
		Relevance bool     `json:"relevance"`
		Sentiment *float64 `json:"sentiment"`
	}
	payload := struct {
		Votes []compact `json:"votes"`
	}{}
	for _, v := range votes {
		payload.Votes = append(payload.Votes, compact{
			Model:     v.Model,
			Relevance: v.Relevance,
			Sentiment: round2Opt(v.Sentiment),
		})
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil
	}
	s := string(raw)
	return &s
}
