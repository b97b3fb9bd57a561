// Package domain holds the core entities shared by the harvest, LLM, and
// market slices, together with their construction-time validation rules.
package domain

import (
	"fmt"
	"strings"
	"time"
)

// Asset identifies a tracked crypto asset. Symbols are stored uppercase.
type Asset struct {
	Symbol string `db:"symbol" json:"symbol"`
	Name   string `db:"name" json:"name"`
}

// URLHarvest is one inbox candidate awaiting adjudication. The inbox is
// keyed by (url, asset_symbol); rows are deleted once adjudicated.
type URLHarvest struct {
	ID           int64      `db:"id" json:"id"`
	URL          string     `db:"url" json:"url"`
	AssetSymbol  string     `db:"asset_symbol" json:"asset_symbol"`
	Source       string     `db:"source" json:"source"`
	Title        *string    `db:"title" json:"title,omitempty"`
	PublishedAt  *time.Time `db:"published_at" json:"published_at,omitempty"`
	DiscoveredAt time.Time  `db:"discovered_at" json:"discovered_at"`
}

// SummarizedArticle is the durable result of a majority-relevant adjudication.
type SummarizedArticle struct {
	ID          int64     `db:"id" json:"id"`
	URL         string    `db:"url" json:"url"`
	AssetSymbol string    `db:"asset_symbol" json:"asset_symbol"`
	Summary     string    `db:"summary" json:"summary"`
	Sentiment   *float64  `db:"sentiment" json:"sentiment,omitempty"`
	Model       string    `db:"model" json:"model"`
	Source      string    `db:"source" json:"source"`
	PublishedAt time.Time `db:"published_at" json:"published_at"`
	IngestedAt  time.Time `db:"ingested_at" json:"ingested_at"`
}

// Validate enforces the sentiment range invariant.
func (a SummarizedArticle) Validate() error {
	if a.Sentiment != nil && (*a.Sentiment < -1 || *a.Sentiment > 1) {
		return fmt.Errorf("%w: sentiment %.4f outside [-1,1]", ErrValidation, *a.Sentiment)
	}
	if strings.TrimSpace(a.URL) == "" {
		return fmt.Errorf("%w: article url empty", ErrValidation)
	}
	return nil
}

// LLMVote is one model's normalized verdict on one candidate. Exactly one row
// exists per model per adjudicated candidate; the row references the article
// when the majority was relevant, otherwise the originating URL.
type LLMVote struct {
	ID          int64     `db:"id" json:"id"`
	URL         string    `db:"url" json:"url"`
	AssetSymbol string    `db:"asset_symbol" json:"asset_symbol"`
	Model       string    `db:"model" json:"model"`
	Relevance   bool      `db:"relevance" json:"relevance"`
	Sentiment   *float64  `db:"sentiment" json:"sentiment,omitempty"`
	Summary     *string   `db:"summary" json:"summary,omitempty"`
	HarvestID   *int64    `db:"harvest_id" json:"harvest_id,omitempty"`
	ArticleID   *int64    `db:"article_id" json:"article_id,omitempty"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}

// Validate enforces the sentiment range invariant.
func (v LLMVote) Validate() error {
	if v.Sentiment != nil && (*v.Sentiment < -1 || *v.Sentiment > 1) {
		return fmt.Errorf("%w: vote sentiment %.4f outside [-1,1]", ErrValidation, *v.Sentiment)
	}
	return nil
}

// Rejection records why a candidate did not become an article. Reason
// "no_asset_relation" marks a majority-irrelevant adjudication; validation
// failures use their own reasons.
type Rejection struct {
	ID          int64     `db:"id" json:"id"`
	URL         string    `db:"url" json:"url"`
	AssetSymbol string    `db:"asset_symbol" json:"asset_symbol"`
	Reason      string    `db:"reason" json:"reason"`
	Source      *string   `db:"source" json:"source,omitempty"`
	Context     string    `db:"context" json:"context"`
	Model       *string   `db:"model" json:"model,omitempty"`
	DetailsJSON *string   `db:"details_json" json:"details_json,omitempty"`
	ArticleID   *int64    `db:"article_id" json:"article_id,omitempty"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}

// MarketSnapshot is a raw intraday observation, append-only per
// (asset, observed_at, source).
type MarketSnapshot struct {
	AssetSymbol string    `db:"asset_symbol" json:"asset_symbol"`
	ObservedAt  time.Time `db:"observed_at" json:"observed_at"`
	Price       *float64  `db:"price" json:"price,omitempty"`
	MarketCap   *float64  `db:"market_cap" json:"market_cap,omitempty"`
	Volume24h   *float64  `db:"volume_24h" json:"volume_24h,omitempty"`
	Change1h    *float64  `db:"change_1h" json:"change_1h,omitempty"`
	Change24h   *float64  `db:"change_24h" json:"change_24h,omitempty"`
	Change7d    *float64  `db:"change_7d" json:"change_7d,omitempty"`
	Source      string    `db:"source" json:"source"`
}

// DailyCandle is the daily OHLC rollup keyed by
// (asset_symbol, provider, vs_currency, day).
type DailyCandle struct {
	AssetSymbol string    `db:"asset_symbol" json:"asset_symbol"`
	Provider    string    `db:"provider" json:"provider"`
	ProviderID  string    `db:"provider_id" json:"provider_id"`
	VsCurrency  string    `db:"vs_currency" json:"vs_currency"`
	Day         time.Time `db:"day" json:"day"`
	Open        *float64  `db:"open" json:"open,omitempty"`
	High        *float64  `db:"high" json:"high,omitempty"`
	Low         *float64  `db:"low" json:"low,omitempty"`
	Close       *float64  `db:"close" json:"close,omitempty"`
	MarketCap   *float64  `db:"market_cap" json:"market_cap,omitempty"`
	Volume      *float64  `db:"volume" json:"volume,omitempty"`
	Source      string    `db:"source" json:"source"`
}

// HistoryPoint is one provider chart observation. Any of the value fields may
// be nil when the provider served a sparse series.
type HistoryPoint struct {
	Time      time.Time `json:"time"`
	Price     *float64  `json:"price,omitempty"`
	MarketCap *float64  `json:"market_cap,omitempty"`
	Volume    *float64  `json:"volume,omitempty"`
}

// FactorRow is one computed market_factors_daily row. All metric columns are
// overwritten on recompute; nil marks an undefined metric for that day.
type FactorRow struct {
	AssetSymbol   string    `db:"asset_symbol" json:"asset_symbol"`
	Day           time.Time `db:"day" json:"day"`
	Ret1d         *float64  `db:"ret_1d" json:"ret_1d,omitempty"`
	Vol30d        *float64  `db:"vol_30d" json:"vol_30d,omitempty"`
	Sharpe30d     *float64  `db:"sharpe_30d" json:"sharpe_30d,omitempty"`
	Sortino30d    *float64  `db:"sortino_30d" json:"sortino_30d,omitempty"`
	Var1d95       *float64  `db:"var_1d_95" json:"var_1d_95,omitempty"`
	ExpReturn30d  *float64  `db:"exp_return_30d" json:"exp_return_30d,omitempty"`
	SentimentMean *float64  `db:"sentiment_mean" json:"sentiment_mean,omitempty"`
	SentimentNorm *float64  `db:"sentiment_norm" json:"sentiment_norm,omitempty"`
	PAlpha        *float64  `db:"p_alpha" json:"p_alpha,omitempty"`
	Alpha         float64   `db:"alpha" json:"alpha"`
}

// Validate enforces the blend-weight range invariant.
func (f FactorRow) Validate() error {
	if f.Alpha < 0 || f.Alpha > 1 {
		return fmt.Errorf("%w: alpha %.4f outside [0,1]", ErrValidation, f.Alpha)
	}
	return nil
}

// DomainStats carries the per-(asset, domain) harvest and adjudication
// counters maintained by the domain policy store.
type DomainStats struct {
	AssetSymbol    string `db:"asset_symbol" json:"asset_symbol"`
	Domain         string `db:"domain" json:"domain"`
	HarvestedTotal int64  `db:"harvested_total" json:"harvested_total"`
	StoredTotal    int64  `db:"stored_total" json:"stored_total"`
	LLMAccepted    int64  `db:"llm_accepted" json:"llm_accepted"`
	LLMRejected    int64  `db:"llm_rejected" json:"llm_rejected"`
}

// ToUTC strips a timestamp to UTC. All timestamps are normalized this way
// before they reach storage.
func ToUTC(t time.Time) time.Time {
	return t.UTC()
}

// UTCDay floors a timestamp to its UTC day start.
func UTCDay(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}
