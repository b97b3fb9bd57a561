// Package usecases wires the CoinGecko adapter against the market store:
// spot ingestion, history backfill with daily rollup, and the dashboard
// overview read.
package usecases

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lingenhag/rrp/internal/domain"
	"github.com/lingenhag/rrp/internal/market/rollup"
	"github.com/lingenhag/rrp/internal/persistence"
)

// MarketData is the provider port. The CoinGecko client implements it.
type MarketData interface {
	FetchSpot(ctx context.Context, providerIDs []string, vsCurrency string) ([]domain.MarketSnapshot, error)
	FetchHistoryRange(ctx context.Context, providerID, vsCurrency string, from, to time.Time) ([]domain.HistoryPoint, error)
}

// AssetProvider pairs an asset symbol with its provider id.
type AssetProvider struct {
	Symbol     string
	ProviderID string
}

// SpotResult carries the spot ingestion counters.
type SpotResult struct {
	Requested  int
	Fetched    int
	Saved      int
	Duplicates int
}

// HistoryResult carries the history ingestion counters. Saved counts inserted
// plus updated candles; duplicates are folded by the upsert.
type HistoryResult struct {
	Fetched int
	Saved   int
}

// Overview is the aggregate served to the dashboard table.
type Overview struct {
	AssetSymbol  string  `json:"asset_symbol"`
	LatestClose  float64 `json:"latest_close"`
	AvgVolume    float64 `json:"avg_volume"`
	AvgMarketCap float64 `json:"avg_market_cap"`
}

// Market bundles the market use cases behind one dependency set.
type Market struct {
	repo   persistence.MarketRepository
	source MarketData
}

func New(repo persistence.MarketRepository, source MarketData) *Market {
	return &Market{repo: repo, source: source}
}

// IngestSpot reads current snapshots for the given assets and appends them.
func (m *Market) IngestSpot(ctx context.Context, assets []AssetProvider, vsCurrency string) (SpotResult, error) {
	if len(assets) == 0 {
		return SpotResult{}, nil
	}
	providerIDs := make([]string, 0, len(assets))
	for _, a := range assets {
		providerIDs = append(providerIDs, a.ProviderID)
	}

	snaps, err := m.source.FetchSpot(ctx, providerIDs, vsCurrency)
	if err != nil {
		return SpotResult{}, fmt.Errorf("fetch spot: %w", err)
	}
	inserted, duplicates, err := m.repo.UpsertSnapshots(ctx, snaps)
	if err != nil {
		return SpotResult{}, fmt.Errorf("upsert snapshots: %w", err)
	}
	return SpotResult{
		Requested:  len(assets),
		Fetched:    len(snaps),
		Saved:      inserted,
		Duplicates: duplicates,
	}, nil
}

// IngestHistoryRange pulls the provider chart for [from, to], stores the raw
// points as snapshots keyed by our asset symbol, and rolls them up into daily
// candles.
func (m *Market) IngestHistoryRange(ctx context.Context, assetSymbol, providerID, vsCurrency string, from, to time.Time) (HistoryResult, error) {
	points, err := m.source.FetchHistoryRange(ctx, providerID, vsCurrency, from, to)
	if err != nil {
		return HistoryResult{}, fmt.Errorf("fetch history: %w", err)
	}

	// The provider keys the chart by its own id; snapshots and candles are
	// stored under our symbol, which the schema references.
	snaps := make([]domain.MarketSnapshot, 0, len(points))
	for _, p := range points {
		snaps = append(snaps, domain.MarketSnapshot{
			AssetSymbol: assetSymbol,
			ObservedAt:  p.Time,
			Price:       p.Price,
			MarketCap:   p.MarketCap,
			Volume24h:   p.Volume,
			Source:      "CoinGecko",
		})
	}
	if _, _, err := m.repo.UpsertSnapshots(ctx, snaps); err != nil {
		return HistoryResult{}, fmt.Errorf("upsert snapshots: %w", err)
	}

	candles := rollup.Candles(rollup.Meta{
		AssetSymbol: assetSymbol,
		Provider:    "CoinGecko",
		ProviderID:  providerID,
		VsCurrency:  vsCurrency,
		Source:      "CoinGecko",
	}, points)
	inserted, updated, err := m.repo.UpsertCandles(ctx, candles)
	if err != nil {
		return HistoryResult{}, fmt.Errorf("upsert candles: %w", err)
	}
	return HistoryResult{Fetched: len(points), Saved: inserted + updated}, nil
}

// UpdateMarketHistory resumes the backfill after the last stored day, or
// seeds the most recent 30 days when the asset has no candles yet.
func (m *Market) UpdateMarketHistory(ctx context.Context, assetSymbol, vsCurrency string) (HistoryResult, error) {
	lastDay, err := m.repo.LastStoredDay(ctx, assetSymbol, "CoinGecko", vsCurrency)
	if err != nil {
		return HistoryResult{}, fmt.Errorf("last stored day: %w", err)
	}

	today := domain.UTCDay(time.Now())
	start := today.AddDate(0, 0, -30)
	if lastDay != nil {
		start = domain.UTCDay(*lastDay).AddDate(0, 0, 1)
	}
	if start.After(today) {
		return HistoryResult{}, nil
	}

	providerID, err := m.repo.GetProviderID(ctx, assetSymbol, "CoinGecko")
	if err != nil || providerID == "" {
		providerID = strings.ToLower(assetSymbol)
		log.Debug().Str("asset", assetSymbol).Str("provider_id", providerID).
			Msg("no provider mapping, using lowercased symbol")
	}

	from := start
	to := today.AddDate(0, 0, 1).Add(-time.Microsecond)
	return m.IngestHistoryRange(ctx, assetSymbol, providerID, vsCurrency, from, to)
}

// MarketOverview aggregates the candle range: the latest close plus average
// volume and market cap. Missing values count as zero; a range without any
// value yields zeros.
func (m *Market) MarketOverview(ctx context.Context, assetSymbol, vsCurrency string, start, end time.Time) (Overview, error) {
	candles, err := m.repo.FetchRange(ctx, assetSymbol, "CoinGecko", vsCurrency, start, end)
	if err != nil {
		return Overview{}, fmt.Errorf("fetch range: %w", err)
	}
	out := Overview{AssetSymbol: assetSymbol}
	if len(candles) == 0 {
		return out, nil
	}

	if c := candles[len(candles)-1].Close; c != nil {
		out.LatestClose = *c
	}

	var volSum, capSum float64
	anyVol, anyCap := false, false
	for _, c := range candles {
		if c.Volume != nil {
			volSum += *c.Volume
			if *c.Volume != 0 {
				anyVol = true
			}
		}
		if c.MarketCap != nil {
			capSum += *c.MarketCap
			if *c.MarketCap != 0 {
				anyCap = true
			}
		}
	}
	if anyVol {
		out.AvgVolume = volSum / float64(len(candles))
	}
	if anyCap {
		out.AvgMarketCap = capSum / float64(len(candles))
	}
	return out, nil
}
