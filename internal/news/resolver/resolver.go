// Package resolver unwraps Google News and consent interstitial URLs to
// publisher URLs.
package resolver

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/lingenhag/rrp/internal/metrics"
)

const resolverName = "google_news_resolver"

var consentHosts = map[string]bool{
	"consent.google.com": true,
	"consent.yahoo.com":  true,
}

const newsHost = "news.google.com"

// HeadlessFunc is an injected browser-based resolution strategy for
// interstitials that plain HTTP cannot pass. Returning "" means unresolved.
type HeadlessFunc func(ctx context.Context, url string) (string, error)

// GoogleNews resolves news.google.com and consent URLs to publisher URLs.
// Outcomes are recorded per call through the metrics registry. A Redis cache
// is optional; resolved mappings are kept for a day.
type GoogleNews struct {
	client   *http.Client
	headless HeadlessFunc
	metrics  *metrics.Registry
	cache    *redis.Client
	cacheTTL time.Duration
}

// New wires a resolver. cache may be nil.
func New(timeout time.Duration, headless HeadlessFunc, m *metrics.Registry, cache *redis.Client) *GoogleNews {
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &GoogleNews{
		client:   &http.Client{Timeout: timeout},
		headless: headless,
		metrics:  m,
		cache:    cache,
		cacheTTL: 24 * time.Hour,
	}
}

func hostname(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

func isConsent(raw string) bool { return consentHosts[hostname(raw)] }
func isNews(raw string) bool    { return hostname(raw) == newsHost }

// isInterstitial matches google.com /sorry pages and continue= redirects
// pointing back at news.google.com.
func isInterstitial(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	if !strings.HasSuffix(host, "google.com") {
		return false
	}
	if strings.Contains(strings.ToLower(u.Path), "/sorry") {
		return true
	}
	if cont := u.Query().Get("continue"); cont != "" {
		if dec, err := url.QueryUnescape(cont); err == nil && isNews(dec) {
			return true
		}
	}
	return false
}

func appendUSParams(raw string) string {
	sep := "?"
	if strings.Contains(raw, "?") {
		sep = "&"
	}
	return raw + sep + url.Values{"hl": {"en-US"}, "gl": {"US"}, "ceid": {"US:en"}}.Encode()
}

// Resolve returns the publisher URL for raw, or "" when resolution failed
// softly. Non-Google hosts pass through unchanged.
func (r *GoogleNews) Resolve(ctx context.Context, raw string) string {
	if raw == "" {
		return ""
	}
	if cached := r.cacheGet(ctx, raw); cached != "" {
		return cached
	}

	t0 := time.Now()
	outcome := "unknown"
	defer func() {
		r.metrics.TrackResolver(resolverName, "-", outcome)
		r.metrics.TrackResolverDuration(resolverName, time.Since(t0))
	}()

	u := raw

	// Consent pages carry the real target in continue=.
	if isConsent(u) {
		parsed, err := url.Parse(u)
		if err != nil {
			outcome = "error"
			return ""
		}
		cont := parsed.Query().Get("continue")
		if cont == "" {
			outcome = "consent_missing_continue"
			return ""
		}
		if dec, err := url.QueryUnescape(cont); err == nil {
			u = dec
		} else {
			u = cont
		}
	}

	if isNews(u) {
		final := r.resolveNewsToPublisher(ctx, u)
		if final != "" && !isNews(final) {
			outcome = "resolved_publisher"
			r.cachePut(ctx, raw, final)
		} else {
			outcome = "fallback_news"
		}
		return final
	}

	if !isConsent(u) && !isInterstitial(u) {
		outcome = "passthrough"
		return u
	}

	// Interstitial. Delegate to the headless strategy when present.
	if r.headless == nil {
		outcome = "headless_unavailable"
		return ""
	}
	final, err := r.headless(ctx, appendUSParams(u))
	if err != nil || final == "" {
		if err != nil {
			log.Debug().Err(err).Str("url", u).Msg("headless resolution failed")
		}
		outcome = "headless_failed"
		return ""
	}
	outcome = "headless_resolved"
	r.cachePut(ctx, raw, final)
	return final
}

// resolveNewsToPublisher follows redirects from a news.google.com URL and
// accepts the landing URL iff it left Google's interstitial space. On
// transport errors it falls back to the news URL itself.
func (r *GoogleNews) resolveNewsToPublisher(ctx context.Context, newsURL string) string {
	target := appendUSParams(newsURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return newsURL
	}
	req.Header.Set("Referer", "https://news.google.com/")
	req.Header.Set("User-Agent", "Mozilla/5.0")

	resp, err := r.client.Do(req)
	if err != nil {
		log.Warn().Err(err).Str("url", target).Msg("resolver fetch failed")
		return newsURL
	}
	defer resp.Body.Close()

	final := resp.Request.URL.String()
	if !isNews(final) && !isConsent(final) && !isInterstitial(final) {
		return final
	}

	if r.headless != nil {
		if res, err := r.headless(ctx, target); err == nil && res != "" {
			return res
		}
	}
	return newsURL
}

func (r *GoogleNews) cacheGet(ctx context.Context, key string) string {
	if r.cache == nil {
		return ""
	}
	v, err := r.cache.Get(ctx, "rrp:resolver:"+key).Result()
	if err != nil {
		return ""
	}
	return v
}

func (r *GoogleNews) cachePut(ctx context.Context, key, val string) {
	if r.cache == nil || val == "" {
		return
	}
	if err := r.cache.Set(ctx, "rrp:resolver:"+key, val, r.cacheTTL).Err(); err != nil {
		log.Debug().Err(err).Msg("resolver cache write failed")
	}
}
