package coingecko

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lingenhag/rrp/internal/config"
	"github.com/lingenhag/rrp/internal/domain"
)

func testClient(baseURL string) *Client {
	c := New(config.CoinGeckoConfig{
		APIBase:        baseURL,
		TimeoutSeconds: 5,
		MaxRetries:     3,
		InitialBackoff: 0.001,
	}, nil)
	c.sleep = func(context.Context, time.Duration) error { return nil }
	return c
}

func TestFetchSpotMapsRows(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/coins/markets", r.URL.Path)
		q := r.URL.Query()
		assert.Equal(t, "usd", q.Get("vs_currency"))
		assert.Equal(t, "bitcoin,ethereum", q.Get("ids"))
		assert.Equal(t, "1h,24h,7d", q.Get("price_change_percentage"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[
			{"id":"bitcoin","symbol":"btc","current_price":50000.5,"market_cap":1e12,
			 "total_volume":3e10,"price_change_percentage_1h_in_currency":0.1,
			 "price_change_percentage_24h_in_currency":-1.2,
			 "price_change_percentage_7d_in_currency":4.5},
			{"id":"ethereum","symbol":"","current_price":null,"market_cap":null,"total_volume":null}
		]`))
	}))
	defer srv.Close()

	snaps, err := testClient(srv.URL).FetchSpot(context.Background(), []string{"ethereum", "bitcoin", "bitcoin"}, "USD")
	require.NoError(t, err)
	require.Len(t, snaps, 2)

	btc := snaps[0]
	assert.Equal(t, "BTC", btc.AssetSymbol)
	assert.Equal(t, 50000.5, *btc.Price)
	assert.Equal(t, 1e12, *btc.MarketCap)
	assert.Equal(t, -1.2, *btc.Change24h)
	assert.Equal(t, "CoinGecko", btc.Source)

	eth := snaps[1]
	assert.Equal(t, "ETHEREUM", eth.AssetSymbol, "empty symbol falls back to id")
	assert.Nil(t, eth.Price)
}

func TestFetchSpotRejectsEmptyInput(t *testing.T) {
	c := testClient("http://unused.invalid")
	_, err := c.FetchSpot(context.Background(), nil, "usd")
	assert.ErrorIs(t, err, domain.ErrValidation)
	_, err = c.FetchSpot(context.Background(), []string{"bitcoin"}, " ")
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestFetchHistoryRangeJoinsSeries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/coins/bitcoin/market_chart/range", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"prices":[[1709251200000, 100.0],[1709254800000, 110.0]],
			"market_caps":[[1709251200000, 2e12]],
			"total_volumes":[[1709254800000, 5e9]]
		}`))
	}))
	defer srv.Close()

	points, err := testClient(srv.URL).FetchHistoryRange(
		context.Background(), "bitcoin", "usd",
		time.Unix(1709251200, 0), time.Unix(1709254800, 0),
	)
	require.NoError(t, err)
	require.Len(t, points, 2)

	assert.Equal(t, time.UnixMilli(1709251200000).UTC(), points[0].Time)
	assert.Equal(t, 100.0, *points[0].Price)
	assert.Equal(t, 2e12, *points[0].MarketCap)
	assert.Nil(t, points[0].Volume)

	assert.Equal(t, 110.0, *points[1].Price)
	assert.Nil(t, points[1].MarketCap)
	assert.Equal(t, 5e9, *points[1].Volume)
}

func TestRequestRetriesRateLimit(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`{"prices":[],"market_caps":[],"total_volumes":[]}`))
	}))
	defer srv.Close()

	_, err := testClient(srv.URL).FetchHistoryRange(
		context.Background(), "bitcoin", "usd", time.Unix(0, 0), time.Unix(1, 0))
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRequestExhaustsRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := testClient(srv.URL).FetchHistoryRange(
		context.Background(), "bitcoin", "usd", time.Unix(0, 0), time.Unix(1, 0))
	assert.ErrorIs(t, err, domain.ErrTransientUpstream)
}

func TestRequestPermanentErrorDoesNotRetry(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":"coin not found"}`))
	}))
	defer srv.Close()

	_, err := testClient(srv.URL).FetchHistoryRange(
		context.Background(), "nope", "usd", time.Unix(0, 0), time.Unix(1, 0))
	assert.ErrorIs(t, err, domain.ErrPermanentUpstream)
	assert.Equal(t, 1, calls)
}

func TestEndpointHint(t *testing.T) {
	assert.Equal(t, "use_pro", endpointHint(400, `{"error_code":10010}`))
	assert.Equal(t, "use_public", endpointHint(400, "This request uses a Demo API key"))
	assert.Empty(t, endpointHint(400, "bad request"))
	assert.Empty(t, endpointHint(500, "10010"))
}
