package sources

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/mail"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lingenhag/rrp/internal/metrics"
	"github.com/lingenhag/rrp/internal/news/query"
	"github.com/lingenhag/rrp/internal/news/resolver"
)

const (
	googleRSSSourceName = "google_rss"
	googleRSSBaseURL    = "https://news.google.com/rss/search"
	rssUserAgent        = "com.lingenhag.rrp/1.0 (+https://example.local)"
)

// GoogleRSS fetches one RSS page per criteria and optionally resolves each
// item link to its publisher URL.
type GoogleRSS struct {
	client           *http.Client
	hl, gl, ceid     string
	resolveRedirects bool
	maxWorkers       int
	builder          *query.Builder
	resolver         *resolver.GoogleNews
	metrics          *metrics.Registry
}

// NewGoogleRSS wires a GoogleRSS adapter. res may be nil when redirects are
// not resolved.
func NewGoogleRSS(
	timeout time.Duration,
	hl, gl, ceid string,
	resolveRedirects bool,
	maxWorkers int,
	builder *query.Builder,
	res *resolver.GoogleNews,
	m *metrics.Registry,
) *GoogleRSS {
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	return &GoogleRSS{
		client:           &http.Client{Timeout: timeout},
		hl:               hl,
		gl:               gl,
		ceid:             ceid,
		resolveRedirects: resolveRedirects,
		maxWorkers:       maxWorkers,
		builder:          builder,
		resolver:         res,
		metrics:          m,
	}
}

func (g *GoogleRSS) Name() string { return googleRSSSourceName }

type rssItem struct {
	Title   string `xml:"title"`
	Link    string `xml:"link"`
	PubDate string `xml:"pubDate"`
	Source  struct {
		URL  string `xml:"url,attr"`
		Name string `xml:",chardata"`
	} `xml:"source"`
}

type rssFeed struct {
	Channel struct {
		Items []rssItem `xml:"item"`
	} `xml:"channel"`
}

// parsePubDate accepts RFC1123/RFC5322 style dates; naive results are UTC.
func parsePubDate(raw string) *time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	if t, err := mail.ParseDate(raw); err == nil {
		u := t.UTC()
		return &u
	}
	for _, layout := range []string{time.RFC1123Z, time.RFC1123, time.RFC3339} {
		if t, err := time.Parse(layout, raw); err == nil {
			u := t.UTC()
			return &u
		}
	}
	return nil
}

// withinRange keeps items without a timestamp; dating is finalized at
// canonicalization.
func withinRange(ts *time.Time, start, end time.Time) bool {
	if ts == nil {
		return true
	}
	return !ts.Before(start) && !ts.After(end)
}

// FetchDocuments issues one RSS fetch, filters by window, and resolves item
// links through the resolver pool.
func (g *GoogleRSS) FetchDocuments(ctx context.Context, c Criteria) ([]Document, error) {
	q, err := g.builder.ForRSS(c.AssetSymbol, c.Start, c.End)
	if err != nil {
		return nil, fmt.Errorf("build rss query: %w", err)
	}
	asset := strings.ToUpper(c.AssetSymbol)

	t0 := time.Now()
	body, err := g.fetchFeed(ctx, q)
	g.metrics.TrackSourceFetchDuration(googleRSSSourceName, time.Since(t0))
	g.metrics.TrackAPIDuration("google_news_rss", time.Since(t0))
	if err != nil {
		g.metrics.TrackSourceFetch(googleRSSSourceName, asset, "error")
		g.metrics.TrackAPIRequest("google_news_rss", "error")
		log.Warn().Err(err).Str("asset", c.AssetSymbol).Msg("google rss fetch failed")
		return nil, nil
	}
	g.metrics.TrackSourceFetch(googleRSSSourceName, asset, "success")
	g.metrics.TrackAPIRequest("google_news_rss", "success")

	var feed rssFeed
	if err := xml.Unmarshal(body, &feed); err != nil {
		g.metrics.TrackSourceFetch(googleRSSSourceName, asset, "parse_error")
		log.Warn().Err(err).Msg("google rss parse failed")
		return nil, nil
	}

	limit := c.Limit
	if limit < 1 {
		limit = 1
	}

	type accepted struct {
		item rssItem
		ts   *time.Time
	}
	var kept []accepted
	for _, item := range feed.Channel.Items {
		ts := parsePubDate(item.PubDate)
		if !withinRange(ts, c.Start, c.End) {
			continue
		}
		kept = append(kept, accepted{item: item, ts: ts})
		if len(kept) >= limit {
			break
		}
	}

	links := make([]string, len(kept))
	for i, a := range kept {
		links[i] = strings.TrimSpace(a.item.Link)
	}
	finals := g.resolveLinks(ctx, links)

	docs := make([]Document, 0, len(kept))
	for i, a := range kept {
		finalURL := finals[i]
		if finalURL == "" {
			finalURL = strings.TrimSpace(a.item.Link)
		}
		publisher := strings.TrimSpace(a.item.Source.Name)
		if publisher == "" {
			publisher = strings.TrimSpace(a.item.Source.URL)
		}
		doc := Document{
			"url":    finalURL,
			"title":  strings.TrimSpace(a.item.Title),
			"source": googleRSSSourceName,
			"raw": map[string]any{
				"rss_link":  a.item.Link,
				"query":     q,
				"hl":        g.hl,
				"gl":        g.gl,
				"ceid":      g.ceid,
				"pubDate":   a.item.PubDate,
				"publisher": publisher,
			},
		}
		if a.ts != nil {
			doc["published_at"] = *a.ts
		}
		docs = append(docs, doc)
	}

	outcome := "assembled"
	if len(docs) == 0 {
		outcome = "no_items"
	}
	g.metrics.TrackSourceFetch(googleRSSSourceName, asset, outcome)
	log.Info().Int("count", len(docs)).Str("asset", c.AssetSymbol).Msg("google rss assembled")
	return docs, nil
}

func (g *GoogleRSS) fetchFeed(ctx context.Context, q string) ([]byte, error) {
	params := url.Values{"q": {q}, "hl": {g.hl}, "gl": {g.gl}, "ceid": {g.ceid}}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, googleRSSBaseURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", rssUserAgent)

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("google rss http %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// resolveLinks resolves item links concurrently while preserving item order.
func (g *GoogleRSS) resolveLinks(ctx context.Context, links []string) []string {
	out := make([]string, len(links))
	if !g.resolveRedirects || g.resolver == nil {
		copy(out, links)
		return out
	}

	sem := make(chan struct{}, g.maxWorkers)
	var wg sync.WaitGroup
	for i, raw := range links {
		wg.Add(1)
		sem <- struct{}{}
		go func(idx int, u string) {
			defer wg.Done()
			defer func() { <-sem }()
			out[idx] = g.resolver.Resolve(ctx, u)
		}(i, raw)
	}
	wg.Wait()
	return out
}
