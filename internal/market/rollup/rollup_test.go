package rollup

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lingenhag/rrp/internal/domain"
)

func f(v float64) *float64 { return &v }

func meta() Meta {
	return Meta{
		AssetSymbol: "BTC",
		Provider:    "coingecko",
		ProviderID:  "bitcoin",
		VsCurrency:  "usd",
		Source:      "coingecko_history",
	}
}

func at(day, hour int) time.Time {
	return time.Date(2025, 3, day, hour, 0, 0, 0, time.UTC)
}

func TestCandlesFoldsOneDay(t *testing.T) {
	points := []domain.HistoryPoint{
		{Time: at(1, 0), Price: f(100), MarketCap: f(1e9), Volume: f(10)},
		{Time: at(1, 8), Price: f(140), Volume: f(20)},
		{Time: at(1, 16), Price: f(90), MarketCap: f(1.2e9), Volume: f(5)},
		{Time: at(1, 23), Price: f(120)},
	}

	candles := Candles(meta(), points)
	require.Len(t, candles, 1)
	c := candles[0]

	assert.Equal(t, at(1, 0), c.Day)
	assert.Equal(t, 100.0, *c.Open)
	assert.Equal(t, 120.0, *c.Close)
	assert.Equal(t, 140.0, *c.High)
	assert.Equal(t, 90.0, *c.Low)
	assert.Equal(t, 1.2e9, *c.MarketCap, "latest market cap of the day")
	assert.Equal(t, 35.0, *c.Volume, "volumes are summed")
	assert.Equal(t, "coingecko", c.Provider)
	assert.Equal(t, "bitcoin", c.ProviderID)
}

func TestCandlesSortsUnorderedInput(t *testing.T) {
	points := []domain.HistoryPoint{
		{Time: at(2, 12), Price: f(210)},
		{Time: at(1, 12), Price: f(100)},
		{Time: at(2, 1), Price: f(200)},
	}

	candles := Candles(meta(), points)
	require.Len(t, candles, 2)
	assert.Equal(t, at(1, 0), candles[0].Day)
	assert.Equal(t, at(2, 0), candles[1].Day)
	assert.Equal(t, 200.0, *candles[1].Open)
	assert.Equal(t, 210.0, *candles[1].Close)
}

func TestCandlesSkipsNilFields(t *testing.T) {
	points := []domain.HistoryPoint{
		{Time: at(1, 2)},
		{Time: at(1, 4), Price: f(50)},
		{Time: at(1, 6), MarketCap: f(5e8)},
	}

	candles := Candles(meta(), points)
	require.Len(t, candles, 1)
	c := candles[0]
	assert.Equal(t, 50.0, *c.Open)
	assert.Equal(t, 50.0, *c.Close)
	assert.Equal(t, 5e8, *c.MarketCap)
	assert.Nil(t, c.Volume)
}

func TestCandlesDropsEmptyDay(t *testing.T) {
	points := []domain.HistoryPoint{
		{Time: at(1, 2)},
		{Time: at(2, 2), Price: f(1)},
	}

	candles := Candles(meta(), points)
	require.Len(t, candles, 1)
	assert.Equal(t, at(2, 0), candles[0].Day)
}

func TestCandlesEmptyInput(t *testing.T) {
	assert.Nil(t, Candles(meta(), nil))
}
