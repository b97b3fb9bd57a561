package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/lingenhag/rrp/internal/domain"
	"github.com/lingenhag/rrp/internal/metrics"
	"github.com/lingenhag/rrp/internal/news/query"
)

const (
	gdeltSourceName = "gdelt"
	gdeltBaseURL    = "https://api.gdeltproject.org/api/v2/doc/doc"
	gdeltMaxItems   = 250
	gdeltUserAgent  = "com.lingenhag.rrp/1.0 (+https://example.local)"
)

// GDELT slices the requested window into whole UTC days and issues one Doc
// API query per day. Documents of a day carry published_at = day start.
type GDELT struct {
	client     *http.Client
	baseURL    string
	maxRetries int
	builder    *query.Builder
	metrics    *metrics.Registry

	// limiter paces day-slice requests at roughly 100 req/min, well below
	// the documented GDELT ceiling.
	limiter *rate.Limiter
}

// NewGDELT wires a GDELT adapter.
func NewGDELT(timeout time.Duration, maxRetries int, builder *query.Builder, m *metrics.Registry) *GDELT {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &GDELT{
		client:     &http.Client{Timeout: timeout},
		baseURL:    gdeltBaseURL,
		maxRetries: maxRetries,
		builder:    builder,
		metrics:    m,
		limiter:    rate.NewLimiter(rate.Every(600*time.Millisecond), 1),
	}
}

func (g *GDELT) Name() string { return gdeltSourceName }

// daySlice is one whole-UTC-day query window.
type daySlice struct {
	queryStart time.Time
	queryEnd   time.Time
	dayStart   time.Time
}

// fullUTCDaySlices returns slices for the whole UTC days from floor(start)
// inclusive to floor(end) exclusive.
func fullUTCDaySlices(start, end time.Time) []daySlice {
	sDay := domain.UTCDay(start)
	eDay := domain.UTCDay(end)
	if !sDay.Before(eDay) {
		return nil
	}
	var slices []daySlice
	for day := sDay; day.Before(eDay); day = day.AddDate(0, 0, 1) {
		next := day.AddDate(0, 0, 1)
		qs := start.UTC()
		if day.After(qs) {
			qs = day
		}
		qe := end.UTC()
		if next.Before(qe) {
			qe = next
		}
		if qs.Before(qe) {
			slices = append(slices, daySlice{queryStart: qs, queryEnd: qe, dayStart: day})
		}
	}
	return slices
}

// FetchDocuments fetches per-day article lists. The criteria limit applies
// per day; a failing day slice degrades to zero documents for that day.
func (g *GDELT) FetchDocuments(ctx context.Context, c Criteria) ([]Document, error) {
	now := time.Now().UTC()
	if c.Start.After(now) || c.End.After(now) {
		log.Warn().
			Time("start", c.Start).Time("end", c.End).
			Msg("gdelt: future range not supported")
		return nil, nil
	}

	q, err := g.builder.ForGDELT(c.AssetSymbol)
	if err != nil {
		return nil, fmt.Errorf("build gdelt query: %w", err)
	}
	log.Debug().Str("query", q).Str("asset", c.AssetSymbol).Msg("gdelt query")

	perDayLimit := c.Limit
	if perDayLimit < 1 {
		perDayLimit = 1
	}

	var results []Document
	for _, slice := range fullUTCDaySlices(c.Start, c.End) {
		if err := g.limiter.Wait(ctx); err != nil {
			return results, err
		}

		params := url.Values{}
		params.Set("query", q)
		params.Set("mode", "ArtList")
		params.Set("format", "json")
		params.Set("maxrecords", strconv.Itoa(min(gdeltMaxItems, perDayLimit)))
		params.Set("startdatetime", slice.queryStart.Format("20060102150405"))
		params.Set("enddatetime", slice.queryEnd.Format("20060102150405"))

		t0 := time.Now()
		payload, err := g.requestJSON(ctx, params)
		g.metrics.TrackSourceFetchDuration(gdeltSourceName, time.Since(t0))

		asset := strings.ToUpper(c.AssetSymbol)
		switch {
		case err != nil:
			g.metrics.TrackSourceFetch(gdeltSourceName, asset, "error")
			log.Warn().Err(err).
				Time("day", slice.dayStart).
				Msg("gdelt: day slice failed, skipping")
			continue
		case len(payload.Articles) == 0:
			g.metrics.TrackSourceFetch(gdeltSourceName, asset, "no_data")
			continue
		default:
			g.metrics.TrackSourceFetch(gdeltSourceName, asset, "success")
		}

		seen := make(map[string]bool)
		dayCount := 0
		for _, item := range payload.Articles {
			if dayCount >= perDayLimit {
				break
			}
			u := strings.TrimSpace(item.URL)
			if u == "" {
				u = strings.TrimSpace(item.DocumentIdentifier)
			}
			if u == "" || seen[u] {
				continue
			}
			seen[u] = true

			results = append(results, Document{
				"url":          u,
				"title":        strings.TrimSpace(item.Title),
				"source":       gdeltSourceName,
				"published_at": slice.dayStart,
				"raw": map[string]any{
					"query":       q,
					"query_start": slice.queryStart.Format(time.RFC3339),
					"query_end":   slice.queryEnd.Format(time.RFC3339),
					"domain":      item.Domain,
					"seendate":    item.SeenDate,
				},
			})
			dayCount++
		}
		log.Debug().Int("count", dayCount).Time("day", slice.dayStart).Msg("gdelt day fetched")
	}

	log.Info().Int("total", len(results)).Str("asset", c.AssetSymbol).Msg("gdelt fetch complete")
	return results, nil
}

type gdeltArticle struct {
	URL                string `json:"url"`
	DocumentIdentifier string `json:"DocumentIdentifier"`
	Title              string `json:"title"`
	Domain             string `json:"domain"`
	SeenDate           string `json:"seendate"`
}

type gdeltResponse struct {
	Articles []gdeltArticle `json:"articles"`
}

// requestJSON performs one day-slice request with exponential backoff on
// 429/5xx and transport errors. Non-JSON bodies are soft failures.
func (g *GDELT) requestJSON(ctx context.Context, params url.Values) (*gdeltResponse, error) {
	backoff := time.Second
	var lastErr error
	for attempt := 1; attempt <= g.maxRetries; attempt++ {
		t0 := time.Now()
		resp, err := g.doRequest(ctx, params)
		g.metrics.TrackAPIDuration("gdelt", time.Since(t0))
		if err == nil {
			g.metrics.TrackAPIRequest("gdelt", "success")
			return resp, nil
		}
		g.metrics.TrackAPIRequest("gdelt", "error")
		lastErr = err
		if !domain.IsTransient(err) {
			return nil, err
		}
		if attempt < g.maxRetries {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
	}
	return nil, fmt.Errorf("gdelt: retries exhausted: %w", lastErr)
}

func (g *GDELT) doRequest(ctx context.Context, params url.Values) (*gdeltResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", gdeltUserAgent)

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrTransientUpstream, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: gdelt http %d", domain.ErrTransientUpstream, resp.StatusCode)
	case resp.StatusCode >= 400:
		return nil, fmt.Errorf("%w: gdelt http %d", domain.ErrPermanentUpstream, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", domain.ErrTransientUpstream, err)
	}
	// Non-JSON bodies are a soft failure for the bucket, never retried.
	ct := strings.ToLower(resp.Header.Get("Content-Type"))
	if !strings.Contains(ct, "application/json") {
		snippet := strings.ReplaceAll(string(body[:min(len(body), 200)]), "\n", " ")
		return nil, fmt.Errorf("gdelt non-json response (ct=%q): %s", ct, snippet)
	}

	var out gdeltResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("gdelt json: %v", err)
	}
	return &out, nil
}
