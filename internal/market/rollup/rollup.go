// Package rollup folds provider chart points into daily OHLC candles.
package rollup

import (
	"sort"
	"time"

	"github.com/lingenhag/rrp/internal/domain"
)

// Meta carries the candle key columns shared by every row of one rollup.
type Meta struct {
	AssetSymbol string
	Provider    string
	ProviderID  string
	VsCurrency  string
	Source      string
}

// Candles groups points by UTC day and folds each bucket into one candle:
// open and close are the first and last non-nil prices, high and low the
// extremes, market cap the latest non-nil observation, and volume the sum of
// the day's non-nil volumes. Days without any usable field are dropped. The
// result is sorted by day ascending.
func Candles(meta Meta, points []domain.HistoryPoint) []domain.DailyCandle {
	if len(points) == 0 {
		return nil
	}
	sorted := make([]domain.HistoryPoint, len(points))
	copy(sorted, points)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Time.Before(sorted[j].Time) })

	buckets := make(map[time.Time][]domain.HistoryPoint)
	var days []time.Time
	for _, p := range sorted {
		day := domain.UTCDay(p.Time)
		if _, seen := buckets[day]; !seen {
			days = append(days, day)
		}
		buckets[day] = append(buckets[day], p)
	}
	sort.Slice(days, func(i, j int) bool { return days[i].Before(days[j]) })

	candles := make([]domain.DailyCandle, 0, len(days))
	for _, day := range days {
		if c, ok := foldDay(meta, day, buckets[day]); ok {
			candles = append(candles, c)
		}
	}
	return candles
}

func foldDay(meta Meta, day time.Time, pts []domain.HistoryPoint) (domain.DailyCandle, bool) {
	c := domain.DailyCandle{
		AssetSymbol: meta.AssetSymbol,
		Provider:    meta.Provider,
		ProviderID:  meta.ProviderID,
		VsCurrency:  meta.VsCurrency,
		Day:         day,
		Source:      meta.Source,
	}

	var volumeSum float64
	haveVolume := false
	for _, p := range pts {
		if p.Price != nil {
			v := *p.Price
			if c.Open == nil {
				c.Open = ptr(v)
			}
			c.Close = ptr(v)
			if c.High == nil || v > *c.High {
				c.High = ptr(v)
			}
			if c.Low == nil || v < *c.Low {
				c.Low = ptr(v)
			}
		}
		if p.Volume != nil {
			volumeSum += *p.Volume
			haveVolume = true
		}
	}
	// market cap is the latest observation of the day
	for i := len(pts) - 1; i >= 0; i-- {
		if pts[i].MarketCap != nil {
			c.MarketCap = ptr(*pts[i].MarketCap)
			break
		}
	}
	if haveVolume {
		c.Volume = ptr(volumeSum)
	}

	if c.Open == nil && c.MarketCap == nil && c.Volume == nil {
		return domain.DailyCandle{}, false
	}
	return c, true
}

func ptr(v float64) *float64 { return &v }
