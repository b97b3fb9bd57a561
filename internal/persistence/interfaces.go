// Package persistence defines the storage ports consumed by the pipeline
// core. Implementations live in subpackages; the core depends only on these
// interfaces.
package persistence

import (
	"context"
	"time"

	"github.com/lingenhag/rrp/internal/domain"
)

// NewsRepository stores harvest inbox candidates and validation rejections.
type NewsRepository interface {
	// SaveURLHarvest performs the atomic check-then-insert for the inbox.
	// It returns (id, true) when the candidate already sits in the inbox and
	// (0, true) when the URL was already summarized or rejected for the same
	// asset. Only (id, false) means a new row was written.
	SaveURLHarvest(ctx context.Context, h domain.URLHarvest) (int64, bool, error)

	// FetchURLHarvestBatch reads up to limit candidates FIFO by
	// discovered_at, optionally bounded below by since.
	FetchURLHarvestBatch(ctx context.Context, assetSymbol string, limit int, since *time.Time) ([]domain.URLHarvest, error)

	// DeleteURLHarvest removes an inbox row. Deleting a missing id is a no-op.
	DeleteURLHarvest(ctx context.Context, id int64) error

	// SaveRejection records a validation or adjudication rejection.
	SaveRejection(ctx context.Context, r domain.Rejection) (int64, error)
}

// LLMRepository stores adjudication results and the per-vote audit trail.
type LLMRepository interface {
	SaveSummary(ctx context.Context, a domain.SummarizedArticle) (int64, error)
	SaveRejection(ctx context.Context, r domain.Rejection) (int64, error)
	SaveVote(ctx context.Context, v domain.LLMVote) (int64, error)

	// FetchVotes returns the audit rows for an asset with created_at >= since,
	// ordered by creation, for CSV export.
	FetchVotes(ctx context.Context, assetSymbol string, since time.Time) ([]domain.LLMVote, error)
}

// SentimentStats carries per-day evidence used by the factor engine.
type SentimentStats struct {
	Day          time.Time
	ArticleCount int64
}

// DailyReturn is one (day, ret_1d) pair; Ret is nil for missing days.
type DailyReturn struct {
	Day time.Time
	Ret *float64
}

// MarketRepository stores snapshots, candles, and factor rows, and serves
// the range reads the factor engine consumes.
type MarketRepository interface {
	UpsertSnapshots(ctx context.Context, snaps []domain.MarketSnapshot) (inserted, duplicates int, err error)
	UpsertCandles(ctx context.Context, candles []domain.DailyCandle) (inserted, updated int, err error)

	LastStoredDay(ctx context.Context, assetSymbol, provider, vsCurrency string) (*time.Time, error)
	FetchRange(ctx context.Context, assetSymbol, provider, vsCurrency string, start, end time.Time) ([]domain.DailyCandle, error)

	GetProviderID(ctx context.Context, assetSymbol, provider string) (string, error)
	UpsertAssetProvider(ctx context.Context, assetSymbol, provider, providerID string) error
	ListProviderPairs(ctx context.Context, provider string, assetSymbols []string) (map[string]string, error)

	FetchDailyReturns(ctx context.Context, assetSymbol string, start, end time.Time) ([]DailyReturn, error)
	FetchDailySentiment(ctx context.Context, assetSymbol string, start, end time.Time) (map[time.Time]*float64, error)
	FetchDailySentimentWeighted(ctx context.Context, assetSymbol string, start, end time.Time) (map[time.Time]*float64, error)
	FetchDailySentimentStats(ctx context.Context, assetSymbol string, start, end time.Time) (map[time.Time]int64, error)

	UpsertMarketFactors(ctx context.Context, rows []domain.FactorRow) (inserted, updated int, err error)
}

// DomainPolicy stores per-(asset, domain) allow rules and the harvest and
// adjudication counters. Reads are fail-open.
type DomainPolicy interface {
	// IsAllowed returns true when no policy row exists or the store errors.
	IsAllowed(ctx context.Context, assetSymbol, dom string) bool

	SetPolicy(ctx context.Context, assetSymbol, dom string, allowed bool) error

	// RecordHarvest always increments harvested_total and increments
	// stored_total iff stored.
	RecordHarvest(ctx context.Context, assetSymbol, dom string, stored bool)

	// RecordLLMDecision increments llm_accepted or llm_rejected.
	RecordLLMDecision(ctx context.Context, assetSymbol, dom string, relevant bool)
}

// AssetRegistry serves query-builder aliases and exclusion terms. Missing
// tables degrade to empty sets.
type AssetRegistry interface {
	Aliases(assetSymbol string) ([]string, error)
	NegativeTerms(assetSymbol string) ([]string, error)
}

// Migrator bootstraps the schema idempotently.
type Migrator interface {
	AutoMigrate(ctx context.Context) error
}
