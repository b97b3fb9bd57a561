// Package factors computes the daily market factor rows: rolling risk
// metrics over 1d returns, an EMA expected return, sentiment joined from the
// LLM pipeline, rolling normalization, and the blended p_alpha score
//
//	p_alpha = (1 - alpha) * norm(exp_return) + alpha * sentiment_norm
package factors

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lingenhag/rrp/internal/domain"
	"github.com/lingenhag/rrp/internal/metrics"
	"github.com/lingenhag/rrp/internal/persistence"
)

// Normalization methods.
const (
	NormZScore = "zscore"
	NormWinsor = "winsor"
	NormMinMax = "minmax"
)

// VaR methods.
const (
	VarParam95 = "param95"
	VarEmp95   = "emp95"
)

// Sentiment weighting modes.
const (
	WeightNone   = "none"
	WeightCount  = "count"
	WeightDomain = "domain_weight"
)

// Options bound one engine instance. Zero values are replaced by defaults.
type Options struct {
	WindowVol       int     // rolling window for vol/sharpe/sortino/VaR
	WindowSent      int     // rolling window for normalization
	EMALen          int     // EMA length for exp_return_30d
	NormMethod      string  // zscore | winsor | minmax
	WinsorAlpha     float64 // clip share per tail for winsor
	VarMethod       string  // param95 | emp95
	SentimentWeight string  // none | count | domain_weight
	WeightBeta      float64 // exponent for domain_weight evidence weights
	WeightCap       float64 // upper bound for domain_weight evidence weights
}

func (o Options) withDefaults() Options {
	if o.WindowVol <= 0 {
		o.WindowVol = 30
	}
	if o.WindowSent <= 0 {
		o.WindowSent = 90
	}
	if o.EMALen <= 0 {
		o.EMALen = 30
	}
	if o.NormMethod == "" {
		o.NormMethod = NormZScore
	}
	if o.WinsorAlpha == 0 {
		o.WinsorAlpha = 0.05
	}
	if o.VarMethod == "" {
		o.VarMethod = VarParam95
	}
	if o.SentimentWeight == "" {
		o.SentimentWeight = WeightNone
	}
	if o.WeightBeta == 0 {
		o.WeightBeta = 0.5
	}
	if o.WeightCap == 0 {
		o.WeightCap = 3.0
	}
	o.NormMethod = strings.ToLower(o.NormMethod)
	o.VarMethod = strings.ToLower(o.VarMethod)
	o.SentimentWeight = strings.ToLower(o.SentimentWeight)
	return o
}

// Validate rejects unknown method names before any data is read.
func (o Options) Validate() error {
	v := o.withDefaults()
	switch v.NormMethod {
	case NormZScore, NormWinsor, NormMinMax:
	default:
		return fmt.Errorf("%w: norm method %q", domain.ErrValidation, v.NormMethod)
	}
	switch v.VarMethod {
	case VarParam95, VarEmp95:
	default:
		return fmt.Errorf("%w: var method %q", domain.ErrValidation, v.VarMethod)
	}
	switch v.SentimentWeight {
	case WeightNone, WeightCount, WeightDomain:
	default:
		return fmt.Errorf("%w: sentiment weight %q", domain.ErrValidation, v.SentimentWeight)
	}
	return nil
}

// Result carries the computed rows plus the persistence counters.
type Result struct {
	Rows          []domain.FactorRow
	Inserted      int
	Updated       int
	DaysProcessed int
}

// Engine wires the factor math against the market store.
type Engine struct {
	repo    persistence.MarketRepository
	opts    Options
	metrics *metrics.Registry
}

// New builds an engine. Call Options.Validate first for user-supplied options.
func New(repo persistence.MarketRepository, opts Options, m *metrics.Registry) *Engine {
	return &Engine{repo: repo, opts: opts.withDefaults(), metrics: m}
}

// Compute derives the factor rows for [start, end] and, unless dryRun,
// upserts them. Alpha is the sentiment share of the blend and must lie in
// [0, 1].
func (e *Engine) Compute(ctx context.Context, assetSymbol string, start, end time.Time, alpha float64, dryRun bool) (Result, error) {
	t0 := time.Now()
	defer func() {
		e.metrics.TrackComputeFactors(strings.ToUpper(assetSymbol), time.Since(t0))
	}()

	if alpha < 0 || alpha > 1 {
		return Result{}, fmt.Errorf("%w: alpha %.4f outside [0,1]", domain.ErrValidation, alpha)
	}

	returns, err := e.repo.FetchDailyReturns(ctx, assetSymbol, start, end)
	if err != nil {
		return Result{}, fmt.Errorf("fetch daily returns: %w", err)
	}
	if len(returns) == 0 {
		return Result{}, nil
	}

	days := make([]time.Time, len(returns))
	rets := make([]*float64, len(returns))
	for i, r := range returns {
		days[i] = r.Day
		rets[i] = r.Ret
	}

	vol, sharpe := rollingVolSharpe(rets, e.opts.WindowVol)
	sortino := rollingSortino(rets, e.opts.WindowVol)
	var95 := rollingVar95(rets, e.opts.WindowVol, e.opts.VarMethod)
	expReturn := ema(rets, e.opts.EMALen)

	sentiment, weights := e.loadSentiment(ctx, assetSymbol, start, end, days)

	sentimentNorm := normalizeSeries(sentiment, e.opts.WindowSent, e.opts.NormMethod, e.opts.WinsorAlpha, weights)
	expReturnNorm := normalizeSeries(expReturn, e.opts.WindowSent, NormZScore, e.opts.WinsorAlpha, nil)

	rows := make([]domain.FactorRow, len(days))
	for i, day := range days {
		rows[i] = domain.FactorRow{
			AssetSymbol:   assetSymbol,
			Day:           day,
			Ret1d:         rets[i],
			Vol30d:        vol[i],
			Sharpe30d:     sharpe[i],
			Sortino30d:    sortino[i],
			Var1d95:       var95[i],
			ExpReturn30d:  expReturn[i],
			SentimentMean: sentiment[i],
			SentimentNorm: sentimentNorm[i],
			PAlpha:        blend(expReturnNorm[i], sentimentNorm[i], alpha),
			Alpha:         alpha,
		}
	}

	res := Result{Rows: rows, DaysProcessed: len(rows)}
	if !dryRun {
		res.Inserted, res.Updated, err = e.repo.UpsertMarketFactors(ctx, rows)
		if err != nil {
			return Result{}, fmt.Errorf("upsert factors: %w", err)
		}
	}
	return res, nil
}

// loadSentiment reads the daily sentiment series and, depending on the
// weighting mode, the evidence weights for the rolling normalization.
func (e *Engine) loadSentiment(ctx context.Context, assetSymbol string, start, end time.Time, days []time.Time) ([]*float64, []*float64) {
	var sentMap map[time.Time]*float64
	var err error

	if e.opts.SentimentWeight == WeightDomain {
		sentMap, err = e.repo.FetchDailySentimentWeighted(ctx, assetSymbol, start, end)
		if err != nil {
			log.Warn().Err(err).Str("asset", assetSymbol).
				Msg("weighted sentiment unavailable, falling back to unweighted")
			sentMap, err = e.repo.FetchDailySentiment(ctx, assetSymbol, start, end)
		}
	} else {
		sentMap, err = e.repo.FetchDailySentiment(ctx, assetSymbol, start, end)
	}
	if err != nil {
		log.Warn().Err(err).Str("asset", assetSymbol).Msg("daily sentiment unavailable")
		sentMap = nil
	}

	sentiment := make([]*float64, len(days))
	for i, d := range days {
		sentiment[i] = sentMap[domain.UTCDay(d)]
	}

	switch e.opts.SentimentWeight {
	case WeightCount:
		return sentiment, e.countWeights(ctx, assetSymbol, start, end, days)
	case WeightDomain:
		return sentiment, e.domainWeights(ctx, assetSymbol, start, end, days)
	default:
		return sentiment, nil
	}
}

// countWeights uses the raw per-day article count N(t).
func (e *Engine) countWeights(ctx context.Context, assetSymbol string, start, end time.Time, days []time.Time) []*float64 {
	stats := e.fetchStats(ctx, assetSymbol, start, end)
	out := make([]*float64, len(days))
	for i, d := range days {
		n := float64(stats[domain.UTCDay(d)])
		out[i] = &n
	}
	return out
}

// domainWeights builds w(t) = min((N/median_N)^beta, cap) over the positive
// counts, with zero evidence weighted zero.
func (e *Engine) domainWeights(ctx context.Context, assetSymbol string, start, end time.Time, days []time.Time) []*float64 {
	stats := e.fetchStats(ctx, assetSymbol, start, end)

	counts := make([]float64, len(days))
	var positive []float64
	for i, d := range days {
		counts[i] = float64(stats[domain.UTCDay(d)])
		if counts[i] > 0 {
			positive = append(positive, counts[i])
		}
	}
	med := median(positive)

	out := make([]*float64, len(days))
	for i, n := range counts {
		var w float64
		if n > 0 {
			base := 1.0
			if med > 0 {
				base = n / med
			}
			w = math.Min(math.Pow(base, e.opts.WeightBeta), e.opts.WeightCap)
		}
		out[i] = &w
	}
	return out
}

func (e *Engine) fetchStats(ctx context.Context, assetSymbol string, start, end time.Time) map[time.Time]int64 {
	stats, err := e.repo.FetchDailySentimentStats(ctx, assetSymbol, start, end)
	if err != nil {
		log.Warn().Err(err).Str("asset", assetSymbol).Msg("sentiment stats unavailable")
		return nil
	}
	return stats
}

// ---------- series math ----------

// ema seeds on the first non-nil value and carries the running value across
// nil gaps.
func ema(series []*float64, length int) []*float64 {
	k := 2.0 / (float64(length) + 1.0)
	out := make([]*float64, len(series))
	var emaVal *float64
	for i, v := range series {
		if v == nil {
			out[i] = emaVal
			continue
		}
		if emaVal == nil {
			emaVal = ptr(*v)
		} else {
			emaVal = ptr(*emaVal + k*(*v-*emaVal))
		}
		out[i] = emaVal
	}
	return out
}

// rollingVolSharpe computes population stdev and mean/sd over the trailing
// window of non-nil returns. Both are nil while fewer than two points exist
// or when the window has zero variance.
func rollingVolSharpe(rets []*float64, window int) (vol, sharpe []*float64) {
	vol = make([]*float64, len(rets))
	sharpe = make([]*float64, len(rets))
	var buf []float64
	for i, r := range rets {
		buf = pushWindow(buf, r, window)
		if len(buf) < 2 {
			continue
		}
		m := mean(buf)
		sd := pstdev(buf)
		if sd != 0 {
			vol[i] = ptr(sd)
			sharpe[i] = ptr(m / sd)
		}
	}
	return vol, sharpe
}

// rollingSortino divides the window mean by the downside deviation
// sqrt(mean(min(0, r)^2)); nil when the window holds no negative return.
func rollingSortino(rets []*float64, window int) []*float64 {
	out := make([]*float64, len(rets))
	var buf []float64
	for i, r := range rets {
		buf = pushWindow(buf, r, window)
		if len(buf) < 2 {
			continue
		}
		var downSq float64
		anyDown := false
		for _, x := range buf {
			if x < 0 {
				anyDown = true
				downSq += x * x
			}
		}
		if !anyDown {
			continue
		}
		sdDown := math.Sqrt(downSq / float64(len(buf)))
		if sdDown != 0 {
			out[i] = ptr(mean(buf) / sdDown)
		}
	}
	return out
}

// rollingVar95 is either parametric (mu - 1.65*sd) or the empirical 5th
// percentile of the trailing window.
func rollingVar95(rets []*float64, window int, method string) []*float64 {
	out := make([]*float64, len(rets))
	var buf []float64
	for i, r := range rets {
		buf = pushWindow(buf, r, window)
		if len(buf) < 2 {
			continue
		}
		if method == VarEmp95 {
			xs := append([]float64(nil), buf...)
			sort.Float64s(xs)
			idx := int(0.05 * float64(len(xs)-1))
			out[i] = ptr(xs[idx])
		} else {
			out[i] = ptr(mean(buf) - 1.65*pstdev(buf))
		}
	}
	return out
}

// normalizeSeries maps each value against its trailing window. Nil inputs
// produce nil outputs and do not enter the window. For winsor the window is
// clipped at the winsorAlpha quantiles and the value itself is clipped to the
// window range before the z-score.
func normalizeSeries(series []*float64, window int, method string, winsorAlpha float64, weights []*float64) []*float64 {
	out := make([]*float64, len(series))
	var bufVals []float64
	var bufWts []float64
	useW := weights != nil && (method == NormZScore || method == NormWinsor)

	for i, v := range series {
		if v != nil {
			bufVals = append(bufVals, *v)
			if useW {
				w := 0.0
				if i < len(weights) && weights[i] != nil && *weights[i] > 0 {
					w = *weights[i]
				}
				bufWts = append(bufWts, w)
			}
		}
		if len(bufVals) > window {
			bufVals = bufVals[1:]
			if useW && len(bufWts) > 0 {
				bufWts = bufWts[1:]
			}
		}
		if len(bufVals) < 2 || v == nil {
			continue
		}

		if method == NormMinMax {
			mn, mx := minMax(bufVals)
			if mn != mx {
				out[i] = ptr(((*v-mn)/(mx-mn))*2.0 - 1.0)
			}
			continue
		}

		vals := append([]float64(nil), bufVals...)
		if method == NormWinsor {
			vals = winsorize(vals, winsorAlpha)
		}
		xEff := *v
		if method == NormWinsor {
			mn, mx := minMax(vals)
			xEff = math.Min(math.Max(xEff, mn), mx)
		}

		if useW {
			mu, sd, ok := weightedStats(vals, bufWts)
			if ok && sd != 0 {
				out[i] = ptr((xEff - mu) / sd)
			}
		} else {
			sd := pstdev(vals)
			if sd != 0 {
				out[i] = ptr((xEff - mean(vals)) / sd)
			}
		}
	}
	return out
}

// blend degrades to the non-nil branch when one side is missing.
func blend(erNorm, sentNorm *float64, alpha float64) *float64 {
	switch {
	case erNorm == nil && sentNorm == nil:
		return nil
	case erNorm == nil:
		return ptr(*sentNorm)
	case sentNorm == nil:
		return ptr(*erNorm)
	default:
		return ptr((1.0-alpha)*(*erNorm) + alpha*(*sentNorm))
	}
}

// ---------- scalar helpers ----------

func pushWindow(buf []float64, v *float64, window int) []float64 {
	if v != nil {
		buf = append(buf, *v)
	}
	if len(buf) > window {
		buf = buf[1:]
	}
	return buf
}

func mean(xs []float64) float64 {
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

// pstdev is the population standard deviation.
func pstdev(xs []float64) float64 {
	m := mean(xs)
	var sq float64
	for _, x := range xs {
		sq += (x - m) * (x - m)
	}
	return math.Sqrt(sq / float64(len(xs)))
}

func minMax(xs []float64) (mn, mx float64) {
	mn, mx = xs[0], xs[0]
	for _, x := range xs[1:] {
		if x < mn {
			mn = x
		}
		if x > mx {
			mx = x
		}
	}
	return mn, mx
}

// winsorize clips to the alpha quantiles taken by sorted index.
func winsorize(xs []float64, alpha float64) []float64 {
	if len(xs) == 0 || alpha <= 0 {
		return xs
	}
	sorted := append([]float64(nil), xs...)
	sort.Float64s(sorted)
	n := len(sorted)
	loIdx := clampIdx(int(alpha*float64(n-1)), n)
	hiIdx := clampIdx(int((1.0-alpha)*float64(n-1)), n)
	lo, hi := sorted[loIdx], sorted[hiIdx]
	out := make([]float64, n)
	for i, x := range xs {
		out[i] = math.Min(hi, math.Max(lo, x))
	}
	return out
}

func clampIdx(i, n int) int {
	if i < 0 {
		return 0
	}
	if i > n-1 {
		return n - 1
	}
	return i
}

// weightedStats skips non-positive weights; ok is false when no weight
// survives.
func weightedStats(vals, wts []float64) (mu, sd float64, ok bool) {
	var vs, ws []float64
	for i, v := range vals {
		if i >= len(wts) || wts[i] <= 0 {
			continue
		}
		vs = append(vs, v)
		ws = append(ws, wts[i])
	}
	var wSum float64
	for _, w := range ws {
		wSum += w
	}
	if len(vs) == 0 || wSum <= 0 {
		return 0, 0, false
	}
	for i, v := range vs {
		mu += v * ws[i]
	}
	mu /= wSum
	var variance float64
	for i, v := range vs {
		variance += ws[i] * (v - mu) * (v - mu)
	}
	variance /= wSum
	return mu, math.Sqrt(variance), true
}

// median averages the two middle elements for even counts.
func median(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sorted := append([]float64(nil), xs...)
	sort.Float64s(sorted)
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

func ptr(v float64) *float64 { return &v }
