package sources

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lingenhag/rrp/internal/news/query"
)

func utc(y int, m time.Month, d, h int) time.Time {
	return time.Date(y, m, d, h, 0, 0, 0, time.UTC)
}

func TestFullUTCDaySlicesClampsPartialDays(t *testing.T) {
	start := utc(2025, 3, 1, 6)
	end := utc(2025, 3, 3, 12)

	slices := fullUTCDaySlices(start, end)
	require.Len(t, slices, 2)

	assert.Equal(t, start, slices[0].queryStart, "first slice starts at the requested time")
	assert.Equal(t, utc(2025, 3, 2, 0), slices[0].queryEnd)
	assert.Equal(t, utc(2025, 3, 1, 0), slices[0].dayStart)

	assert.Equal(t, utc(2025, 3, 2, 0), slices[1].queryStart)
	assert.Equal(t, utc(2025, 3, 3, 0), slices[1].queryEnd, "partial trailing day is dropped")
}

func TestFullUTCDaySlicesEmptyWithinOneDay(t *testing.T) {
	assert.Nil(t, fullUTCDaySlices(utc(2025, 3, 1, 6), utc(2025, 3, 1, 18)))
}

func newTestGDELT(t *testing.T, handler http.HandlerFunc) *GDELT {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	builder := query.NewBuilder(query.NullRegistry{}, nil, nil)
	g := NewGDELT(5*time.Second, 2, builder, nil)
	g.baseURL = srv.URL
	return g
}

func TestGDELTFetchDocumentsAppliesPerDayLimitAndDedupe(t *testing.T) {
	g := newTestGDELT(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "ArtList", r.URL.Query().Get("mode"))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(gdeltResponse{Articles: []gdeltArticle{
			{URL: "https://news.example/a", Title: "A"},
			{URL: "https://news.example/a", Title: "A again"},
			{URL: "", DocumentIdentifier: "https://news.example/b", Title: "B"},
			{URL: "https://news.example/c", Title: "C"},
		}})
	})

	docs, err := g.FetchDocuments(context.Background(), Criteria{
		AssetSymbol: "BTC",
		Start:       utc(2025, 3, 1, 0),
		End:         utc(2025, 3, 2, 0),
		Limit:       2,
	})
	require.NoError(t, err)
	require.Len(t, docs, 2, "duplicate dropped, limit applied per day")

	assert.Equal(t, "https://news.example/a", docs[0]["url"])
	assert.Equal(t, "https://news.example/b", docs[1]["url"], "DocumentIdentifier backfills a missing url")
	assert.Equal(t, utc(2025, 3, 1, 0), docs[0]["published_at"], "documents are dated to the day start")
	assert.Equal(t, "gdelt", docs[0]["source"])
}

func TestGDELTFetchDocumentsSkipsFailingDaySlice(t *testing.T) {
	g := newTestGDELT(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusNotFound)
	})

	docs, err := g.FetchDocuments(context.Background(), Criteria{
		AssetSymbol: "BTC",
		Start:       utc(2025, 3, 1, 0),
		End:         utc(2025, 3, 2, 0),
		Limit:       10,
	})
	require.NoError(t, err, "a failing slice degrades, it does not fail the run")
	assert.Empty(t, docs)
}

func TestGDELTFetchDocumentsRejectsFutureRange(t *testing.T) {
	g := newTestGDELT(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no request expected for a future range")
	})

	future := time.Now().UTC().AddDate(0, 0, 2)
	docs, err := g.FetchDocuments(context.Background(), Criteria{
		AssetSymbol: "BTC",
		Start:       future,
		End:         future.AddDate(0, 0, 1),
	})
	require.NoError(t, err)
	assert.Nil(t, docs)
}

func TestGDELTNonJSONBodyIsSoftFailure(t *testing.T) {
	calls := 0
	g := newTestGDELT(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html>rate limited maybe</html>"))
	})

	docs, err := g.FetchDocuments(context.Background(), Criteria{
		AssetSymbol: "BTC",
		Start:       utc(2025, 3, 1, 0),
		End:         utc(2025, 3, 2, 0),
		Limit:       5,
	})
	require.NoError(t, err)
	assert.Empty(t, docs)
	assert.Equal(t, 1, calls, "non-json bodies are not retried")
}
