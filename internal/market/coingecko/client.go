// Package coingecko adapts the CoinGecko REST API. The client switches
// between the public and the pro endpoint on CoinGecko's key-mismatch error
// hints and retries rate limits and server errors with exponential backoff.
package coingecko

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lingenhag/rrp/internal/config"
	"github.com/lingenhag/rrp/internal/domain"
	"github.com/lingenhag/rrp/internal/metrics"
)

const (
	publicBase = "https://api.coingecko.com/api/v3"
	proBase    = "https://pro-api.coingecko.com/api/v3"

	userAgent = "rrp/1.0 coingecko-client"
)

// Client calls CoinGecko. Safe for concurrent use.
type Client struct {
	apiBase        string
	apiKey         string
	http           *http.Client
	maxRetries     int
	initialBackoff time.Duration
	metrics        *metrics.Registry

	sleep func(context.Context, time.Duration) error
}

// New builds a client from configuration. The API key and base come from the
// environment via the config layer.
func New(cfg config.CoinGeckoConfig, m *metrics.Registry) *Client {
	retries := cfg.MaxRetries
	if retries <= 0 {
		retries = 3
	}
	backoff := time.Duration(cfg.InitialBackoff * float64(time.Second))
	if backoff <= 0 {
		backoff = time.Second
	}
	base := cfg.APIBase
	if base == "" {
		base = publicBase
	}
	return &Client{
		apiBase:        strings.TrimRight(base, "/"),
		apiKey:         cfg.APIKey,
		http:           &http.Client{Timeout: cfg.Timeout()},
		maxRetries:     retries,
		initialBackoff: backoff,
		metrics:        m,
		sleep:          sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// endpointHint classifies CoinGecko's key-mismatch errors: code 10010 means
// the key belongs on the pro endpoint, 10011 on the public one.
func endpointHint(status int, body string) string {
	txt := strings.ToLower(body)
	if status == http.StatusBadRequest {
		if strings.Contains(txt, "10010") || strings.Contains(txt, "pro api key") {
			return "use_pro"
		}
		if strings.Contains(txt, "10011") || strings.Contains(txt, "demo api key") {
			return "use_public"
		}
	}
	return ""
}

func retryableStatus(status int) bool {
	switch status {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

// request performs one GET with retry, endpoint switching, and metrics. The
// JSON body is decoded into out.
func (c *Client) request(ctx context.Context, path string, params url.Values, out any) error {
	usePro := c.apiKey != "" && (c.apiBase == proBase || c.apiBase == publicBase)
	// An explicitly overridden base is used as-is.
	custom := c.apiBase != publicBase && c.apiBase != proBase

	backoff := c.initialBackoff
	var lastErr error

	for attempt := 1; attempt <= c.maxRetries; attempt++ {
		base := c.apiBase
		if !custom {
			if usePro {
				base = proBase
			} else {
				base = publicBase
			}
		}
		reqURL := base + "/" + strings.TrimLeft(path, "/")
		if len(params) > 0 {
			reqURL += "?" + params.Encode()
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
		if err != nil {
			return err
		}
		req.Header.Set("User-Agent", userAgent)
		req.Header.Set("Accept", "application/json")
		if c.apiKey != "" && (usePro || custom) {
			req.Header.Set("x-cg-pro-api-key", c.apiKey)
		}

		start := time.Now()
		resp, err := c.http.Do(req)
		if err != nil {
			c.track("error", start)
			lastErr = fmt.Errorf("%w: %v", domain.ErrTransientUpstream, err)
			if attempt < c.maxRetries {
				if serr := c.sleep(ctx, backoff); serr != nil {
					return serr
				}
				backoff *= 2
				continue
			}
			return lastErr
		}

		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		resp.Body.Close()

		if retryableStatus(resp.StatusCode) {
			c.track("error", start)
			lastErr = fmt.Errorf("%w: coingecko http %d", domain.ErrTransientUpstream, resp.StatusCode)
			if attempt < c.maxRetries {
				log.Warn().Int("status", resp.StatusCode).Dur("backoff", backoff).
					Int("attempt", attempt).Msg("coingecko retry")
				if serr := c.sleep(ctx, backoff); serr != nil {
					return serr
				}
				backoff *= 2
				continue
			}
			return lastErr
		}

		if resp.StatusCode >= 400 {
			snippet := strings.ReplaceAll(string(body[:min(len(body), 600)]), "\n", " ")
			switch endpointHint(resp.StatusCode, snippet) {
			case "use_pro":
				if !usePro && !custom {
					log.Info().Msg("coingecko hint suggests pro endpoint, switching")
					usePro = true
					continue
				}
			case "use_public":
				if usePro {
					log.Info().Msg("coingecko hint suggests public endpoint, switching")
					usePro = false
					continue
				}
			}
			c.track("error", start)
			return fmt.Errorf("%w: coingecko http %d: %s", domain.ErrPermanentUpstream, resp.StatusCode, snippet)
		}

		if err := json.Unmarshal(body, out); err != nil {
			c.track("error", start)
			return fmt.Errorf("decode coingecko response: %w", err)
		}
		c.track("success", start)
		return nil
	}
	return lastErr
}

func (c *Client) track(status string, start time.Time) {
	c.metrics.TrackAPIRequest("coingecko", status)
	c.metrics.TrackAPIDuration("coingecko", time.Since(start))
}

// marketRow mirrors one /coins/markets element.
type marketRow struct {
	ID        string   `json:"id"`
	Symbol    string   `json:"symbol"`
	Price     *float64 `json:"current_price"`
	MarketCap *float64 `json:"market_cap"`
	Volume    *float64 `json:"total_volume"`
	Change1h  *float64 `json:"price_change_percentage_1h_in_currency"`
	Change24h *float64 `json:"price_change_percentage_24h_in_currency"`
	Change7d  *float64 `json:"price_change_percentage_7d_in_currency"`
}

// FetchSpot reads current market rows for the provider ids and maps them to
// snapshots observed now.
func (c *Client) FetchSpot(ctx context.Context, providerIDs []string, vsCurrency string) ([]domain.MarketSnapshot, error) {
	if len(providerIDs) == 0 {
		return nil, fmt.Errorf("%w: provider ids empty", domain.ErrValidation)
	}
	if strings.TrimSpace(vsCurrency) == "" {
		return nil, fmt.Errorf("%w: vs currency empty", domain.ErrValidation)
	}

	unique := uniqueSorted(providerIDs)
	params := url.Values{}
	params.Set("vs_currency", strings.ToLower(vsCurrency))
	params.Set("ids", strings.Join(unique, ","))
	params.Set("order", "market_cap_desc")
	params.Set("per_page", strconv.Itoa(min(max(1, len(unique)), 250)))
	params.Set("page", "1")
	params.Set("sparkline", "false")
	params.Set("price_change_percentage", "1h,24h,7d")

	var rows []marketRow
	if err := c.request(ctx, "/coins/markets", params, &rows); err != nil {
		return nil, err
	}

	observedAt := time.Now().UTC()
	out := make([]domain.MarketSnapshot, 0, len(rows))
	for _, row := range rows {
		symbol := strings.ToUpper(row.Symbol)
		if symbol == "" {
			symbol = strings.ToUpper(row.ID)
		}
		out = append(out, domain.MarketSnapshot{
			AssetSymbol: symbol,
			ObservedAt:  observedAt,
			Price:       row.Price,
			MarketCap:   row.MarketCap,
			Volume24h:   row.Volume,
			Change1h:    row.Change1h,
			Change24h:   row.Change24h,
			Change7d:    row.Change7d,
			Source:      "CoinGecko",
		})
	}
	return out, nil
}

// chartResponse mirrors /coins/{id}/market_chart/range: parallel series of
// [unix_ms, value] pairs.
type chartResponse struct {
	Prices     [][2]float64 `json:"prices"`
	MarketCaps [][2]float64 `json:"market_caps"`
	Volumes    [][2]float64 `json:"total_volumes"`
}

// FetchHistoryRange reads the chart series for [from, to] and joins the three
// series on their millisecond timestamps.
func (c *Client) FetchHistoryRange(ctx context.Context, providerID, vsCurrency string, from, to time.Time) ([]domain.HistoryPoint, error) {
	if strings.TrimSpace(providerID) == "" {
		return nil, fmt.Errorf("%w: provider id empty", domain.ErrValidation)
	}
	if strings.TrimSpace(vsCurrency) == "" {
		return nil, fmt.Errorf("%w: vs currency empty", domain.ErrValidation)
	}

	params := url.Values{}
	params.Set("vs_currency", strings.ToLower(vsCurrency))
	params.Set("from", strconv.FormatInt(from.Unix(), 10))
	params.Set("to", strconv.FormatInt(to.Unix(), 10))

	var chart chartResponse
	if err := c.request(ctx, "/coins/"+url.PathEscape(providerID)+"/market_chart/range", params, &chart); err != nil {
		return nil, err
	}

	mcaps := pairMap(chart.MarketCaps)
	vols := pairMap(chart.Volumes)

	out := make([]domain.HistoryPoint, 0, len(chart.Prices))
	for _, p := range chart.Prices {
		tsMs := int64(p[0])
		price := p[1]
		point := domain.HistoryPoint{
			Time:  time.UnixMilli(tsMs).UTC(),
			Price: &price,
		}
		if v, ok := mcaps[tsMs]; ok {
			point.MarketCap = &v
		}
		if v, ok := vols[tsMs]; ok {
			point.Volume = &v
		}
		out = append(out, point)
	}
	return out, nil
}

func pairMap(pairs [][2]float64) map[int64]float64 {
	out := make(map[int64]float64, len(pairs))
	for _, p := range pairs {
		out[int64(p[0])] = p[1]
	}
	return out
}

func uniqueSorted(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
