// Package harvest implements the fan-in orchestrator that turns raw source
// documents into deduplicated inbox candidates.
package harvest

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/lingenhag/rrp/internal/domain"
	"github.com/lingenhag/rrp/internal/metrics"
	"github.com/lingenhag/rrp/internal/news/sources"
	"github.com/lingenhag/rrp/internal/persistence"
)

// Summary carries the harvest counters. Their semantics are fixed:
//
//	TotalDocs:         raw rows produced by all sources, pre-validation.
//	AfterAssemble:     survived URL validation and (if enforced) domain policy.
//	AfterDedupe:       entered the persistence stage, duplicates included.
//	Saved:             newly inserted inbox rows.
//	SkippedDuplicates: persistence reported a prior occurrence.
//	RejectedInvalid:   invalid URL, policy block, or persistence failure.
type Summary struct {
	TotalDocs         int `json:"total_docs"`
	AfterAssemble     int `json:"after_assemble"`
	AfterDedupe       int `json:"after_dedupe"`
	Saved             int `json:"saved"`
	SkippedDuplicates int `json:"skipped_duplicates"`
	RejectedInvalid   int `json:"rejected_invalid"`
}

// Orchestrator drives one harvest run across the configured sources.
// Sources are iterated sequentially; document order within a source is
// preserved.
type Orchestrator struct {
	sources             []sources.Source
	repo                persistence.NewsRepository
	policy              persistence.DomainPolicy
	enforceDomainFilter bool
	metrics             *metrics.Registry
	progressEvery       int
}

// New wires an Orchestrator. policy may be nil.
func New(
	srcs []sources.Source,
	repo persistence.NewsRepository,
	policy persistence.DomainPolicy,
	enforceDomainFilter bool,
	m *metrics.Registry,
) *Orchestrator {
	return &Orchestrator{
		sources:             srcs,
		repo:                repo,
		policy:              policy,
		enforceDomainFilter: enforceDomainFilter,
		metrics:             m,
		progressEvery:       25,
	}
}

// IsValidNewsURL rejects non-http(s) URLs and image/PDF path suffixes. The
// query string is ignored for the suffix check.
func IsValidNewsURL(raw string) bool {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return false
	}
	if !strings.HasPrefix(raw, "http://") && !strings.HasPrefix(raw, "https://") {
		return false
	}
	base := strings.ToLower(raw)
	if i := strings.Index(base, "?"); i >= 0 {
		base = base[:i]
	}
	for _, ext := range []string{".jpg", ".png", ".gif", ".pdf"} {
		if strings.HasSuffix(base, ext) {
			return false
		}
	}
	return true
}

// Hostname extracts the lowercased host of a URL, or "".
func Hostname(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

// PickFields canonicalizes a raw source document into an inbox candidate.
// Field priority: url from og_url|url|link, title from title|name, source
// from source|source_name, published_at from published_at|pub_date|seen_at.
func PickFields(doc sources.Document, assetSymbol string, now time.Time) domain.URLHarvest {
	h := domain.URLHarvest{
		AssetSymbol:  assetSymbol,
		DiscoveredAt: now.UTC(),
	}
	h.URL = firstString(doc, "og_url", "url", "link")
	if title := firstString(doc, "title", "name"); title != "" {
		h.Title = &title
	}
	h.Source = firstString(doc, "source", "source_name")
	h.PublishedAt = pickTimestamp(doc, "published_at", "pub_date", "seen_at")
	return h
}

func firstString(doc sources.Document, keys ...string) string {
	for _, k := range keys {
		if v, ok := doc[k]; ok {
			if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
				return strings.TrimSpace(s)
			}
		}
	}
	return ""
}

// pickTimestamp accepts time.Time values or ISO-8601 strings. A trailing Z
// and missing zone both mean UTC.
func pickTimestamp(doc sources.Document, keys ...string) *time.Time {
	for _, k := range keys {
		v, ok := doc[k]
		if !ok || v == nil {
			continue
		}
		switch t := v.(type) {
		case time.Time:
			u := t.UTC()
			return &u
		case *time.Time:
			if t != nil {
				u := t.UTC()
				return &u
			}
		case string:
			s := strings.TrimSpace(t)
			if s == "" {
				continue
			}
			if parsed := parseISOUTC(s); parsed != nil {
				return parsed
			}
			log.Warn().Str("published_at", s).Msg("invalid published_at format")
		}
	}
	return nil
}

func parseISOUTC(s string) *time.Time {
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05", "2006-01-02 15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			u := t.UTC()
			return &u
		}
	}
	return nil
}

// Run executes one harvest for the criteria and returns the counters. A
// failing source drops out of the run; a failing candidate increments
// RejectedInvalid and the batch continues.
func (o *Orchestrator) Run(ctx context.Context, c sources.Criteria) (Summary, error) {
	runID := uuid.NewString()
	t0 := time.Now()
	defer func() {
		o.metrics.TrackHarvest(strings.ToUpper(c.AssetSymbol), time.Since(t0))
	}()

	var sum Summary
	processed := 0

	for _, src := range o.sources {
		docs, err := src.FetchDocuments(ctx, c)
		if err != nil {
			log.Error().Err(err).Str("source", src.Name()).Str("run_id", runID).
				Msg("source fetch failed, dropping source")
			continue
		}
		sum.TotalDocs += len(docs)
		log.Debug().Int("count", len(docs)).Str("source", src.Name()).Msg("documents fetched")

		for _, doc := range docs {
			processed++
			o.processDoc(ctx, doc, c.AssetSymbol, &sum)

			if o.progressEvery > 0 && processed%o.progressEvery == 0 {
				log.Info().Int("processed", processed).Int("total", sum.TotalDocs).
					Str("source", src.Name()).Str("run_id", runID).
					Msg("harvest progress")
			}
		}
	}

	log.Info().
		Str("asset", c.AssetSymbol).Str("run_id", runID).
		Int("total_docs", sum.TotalDocs).Int("saved", sum.Saved).
		Int("duplicates", sum.SkippedDuplicates).Int("rejected", sum.RejectedInvalid).
		Msg("harvest complete")
	return sum, nil
}

func (o *Orchestrator) processDoc(ctx context.Context, doc sources.Document, assetSymbol string, sum *Summary) {
	h := PickFields(doc, assetSymbol, time.Now())
	host := Hostname(h.URL)

	if !IsValidNewsURL(h.URL) {
		sum.RejectedInvalid++
		o.recordHarvest(ctx, assetSymbol, host, false)
		return
	}

	if o.policy != nil && host != "" && o.enforceDomainFilter {
		if !o.policy.IsAllowed(ctx, assetSymbol, host) {
			sum.RejectedInvalid++
			o.recordHarvest(ctx, assetSymbol, host, false)
			return
		}
	}

	sum.AfterAssemble++

	_, isDuplicate, err := o.repo.SaveURLHarvest(ctx, h)
	if err != nil {
		log.Error().Err(err).Str("url", h.URL).Msg("failed to save url harvest")
		sum.RejectedInvalid++
		o.recordHarvest(ctx, assetSymbol, host, false)
		return
	}

	sum.AfterDedupe++
	if isDuplicate {
		sum.SkippedDuplicates++
	} else {
		sum.Saved++
	}
	o.recordHarvest(ctx, assetSymbol, host, !isDuplicate)
}

// recordHarvest is best-effort; policy counters never fail the candidate.
func (o *Orchestrator) recordHarvest(ctx context.Context, assetSymbol, host string, stored bool) {
	if o.policy == nil || host == "" {
		return
	}
	o.policy.RecordHarvest(ctx, assetSymbol, host, stored)
}

// String renders the summary in CLI output form.
func (s Summary) String() string {
	return fmt.Sprintf(
		"total_docs=%d after_assemble=%d after_dedupe=%d saved=%d skipped_duplicates=%d rejected_invalid=%d",
		s.TotalDocs, s.AfterAssemble, s.AfterDedupe, s.Saved, s.SkippedDuplicates, s.RejectedInvalid,
	)
}
