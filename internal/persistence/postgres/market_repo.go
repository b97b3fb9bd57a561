package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/lingenhag/rrp/internal/domain"
	"github.com/lingenhag/rrp/internal/persistence"
)

type marketRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewMarketRepo builds the snapshot, candle, and factor store.
func NewMarketRepo(db *sqlx.DB, timeout time.Duration) persistence.MarketRepository {
	return &marketRepo{db: db, timeout: timeout}
}

// UpsertSnapshots appends observations; rows already present for
// (asset, observed_at, source) count as duplicates.
func (r *marketRepo) UpsertSnapshots(ctx context.Context, snaps []domain.MarketSnapshot) (int, int, error) {
	if len(snaps) == 0 {
		return 0, 0, nil
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout*time.Duration(len(snaps)/200+1))
	defer cancel()

	inserted := 0
	for _, s := range snaps {
		res, err := r.db.ExecContext(ctx, `
			INSERT INTO market_snapshots
				(asset_symbol, price, market_cap, volume_24h, change_1h, change_24h, change_7d, observed_at, source)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (asset_symbol, observed_at, source) DO NOTHING`,
			s.AssetSymbol, s.Price, s.MarketCap, s.Volume24h,
			s.Change1h, s.Change24h, s.Change7d, s.ObservedAt.UTC(), orDefault(s.Source, "CoinGecko"))
		if err != nil {
			return 0, 0, fmt.Errorf("insert snapshot: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil && n > 0 {
			inserted++
		}
	}
	return inserted, len(snaps) - inserted, nil
}

// UpsertCandles merges per candle: incoming nil columns keep the stored
// value. Returns how many rows were newly inserted vs. updated.
func (r *marketRepo) UpsertCandles(ctx context.Context, candles []domain.DailyCandle) (int, int, error) {
	if len(candles) == 0 {
		return 0, 0, nil
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout*time.Duration(len(candles)/200+1))
	defer cancel()

	inserted, updated := 0, 0
	for _, c := range candles {
		var wasInsert bool
		err := r.db.QueryRowxContext(ctx, `
			INSERT INTO market_history
				(asset_symbol, provider, provider_id, vs_currency, day,
				 open, high, low, close, market_cap, volume, source, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, now(), now())
			ON CONFLICT (asset_symbol, provider, vs_currency, day) DO UPDATE SET
				open       = COALESCE(EXCLUDED.open, market_history.open),
				high       = COALESCE(EXCLUDED.high, market_history.high),
				low        = COALESCE(EXCLUDED.low, market_history.low),
				close      = COALESCE(EXCLUDED.close, market_history.close),
				market_cap = COALESCE(EXCLUDED.market_cap, market_history.market_cap),
				volume     = COALESCE(EXCLUDED.volume, market_history.volume),
				source     = EXCLUDED.source,
				updated_at = now()
			RETURNING (xmax = 0) AS inserted`,
			c.AssetSymbol, c.Provider, c.ProviderID, c.VsCurrency, domain.UTCDay(c.Day),
			c.Open, c.High, c.Low, c.Close, c.MarketCap, c.Volume, c.Source).Scan(&wasInsert)
		if err != nil {
			return 0, 0, fmt.Errorf("upsert candle: %w", err)
		}
		if wasInsert {
			inserted++
		} else {
			updated++
		}
	}
	return inserted, updated, nil
}

func (r *marketRepo) LastStoredDay(ctx context.Context, assetSymbol, provider, vsCurrency string) (*time.Time, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var day sql.NullTime
	err := r.db.QueryRowxContext(ctx, `
		SELECT MAX(day) FROM market_history
		WHERE asset_symbol = $1 AND provider = $2 AND vs_currency = $3`,
		assetSymbol, provider, vsCurrency).Scan(&day)
	if err != nil {
		return nil, fmt.Errorf("last stored day: %w", err)
	}
	if !day.Valid {
		return nil, nil
	}
	d := day.Time.UTC()
	return &d, nil
}

func (r *marketRepo) FetchRange(ctx context.Context, assetSymbol, provider, vsCurrency string, start, end time.Time) ([]domain.DailyCandle, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	rows, err := r.db.QueryxContext(ctx, `
		SELECT asset_symbol, provider, provider_id, vs_currency, day,
		       open, high, low, close, market_cap, volume, source
		FROM market_history
		WHERE asset_symbol = $1 AND provider = $2 AND vs_currency = $3
		  AND day BETWEEN $4 AND $5
		ORDER BY day ASC`,
		assetSymbol, provider, vsCurrency, domain.UTCDay(start), domain.UTCDay(end))
	if err != nil {
		return nil, fmt.Errorf("fetch candle range: %w", err)
	}
	defer rows.Close()

	var out []domain.DailyCandle
	for rows.Next() {
		var c domain.DailyCandle
		if err := rows.Scan(&c.AssetSymbol, &c.Provider, &c.ProviderID, &c.VsCurrency, &c.Day,
			&c.Open, &c.High, &c.Low, &c.Close, &c.MarketCap, &c.Volume, &c.Source); err != nil {
			return nil, fmt.Errorf("scan candle row: %w", err)
		}
		c.Day = c.Day.UTC()
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate candle rows: %w", err)
	}
	return out, nil
}

func (r *marketRepo) GetProviderID(ctx context.Context, assetSymbol, provider string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var id string
	err := r.db.QueryRowxContext(ctx, `
		SELECT provider_id FROM asset_providers
		WHERE asset_symbol = $1 AND provider = $2`,
		assetSymbol, provider).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get provider id: %w", err)
	}
	return id, nil
}

func (r *marketRepo) UpsertAssetProvider(ctx context.Context, assetSymbol, provider, providerID string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO asset_providers (asset_symbol, provider, provider_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (asset_symbol, provider) DO UPDATE SET provider_id = EXCLUDED.provider_id`,
		assetSymbol, provider, providerID)
	if err != nil {
		return fmt.Errorf("upsert asset provider: %w", err)
	}
	return nil
}

func (r *marketRepo) ListProviderPairs(ctx context.Context, provider string, assetSymbols []string) (map[string]string, error) {
	if len(assetSymbols) == 0 {
		return map[string]string{}, nil
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	rows, err := r.db.QueryxContext(ctx, `
		SELECT asset_symbol, provider_id FROM asset_providers
		WHERE provider = $1 AND asset_symbol = ANY($2)`,
		provider, pq.Array(assetSymbols))
	if err != nil {
		return nil, fmt.Errorf("list provider pairs: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var symbol, id string
		if err := rows.Scan(&symbol, &id); err != nil {
			return nil, fmt.Errorf("scan provider pair: %w", err)
		}
		out[symbol] = id
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate provider pairs: %w", err)
	}
	return out, nil
}

func (r *marketRepo) FetchDailyReturns(ctx context.Context, assetSymbol string, start, end time.Time) ([]persistence.DailyReturn, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	rows, err := r.db.QueryxContext(ctx, `
		SELECT day, ret_1d FROM v_daily_returns
		WHERE asset_symbol = $1 AND day BETWEEN $2 AND $3
		ORDER BY day ASC`,
		assetSymbol, domain.UTCDay(start), domain.UTCDay(end))
	if err != nil {
		return nil, fmt.Errorf("fetch daily returns: %w", err)
	}
	defer rows.Close()

	var out []persistence.DailyReturn
	for rows.Next() {
		var dr persistence.DailyReturn
		if err := rows.Scan(&dr.Day, &dr.Ret); err != nil {
			return nil, fmt.Errorf("scan daily return: %w", err)
		}
		dr.Day = domain.UTCDay(dr.Day)
		out = append(out, dr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate daily returns: %w", err)
	}
	return out, nil
}

func (r *marketRepo) FetchDailySentiment(ctx context.Context, assetSymbol string, start, end time.Time) (map[time.Time]*float64, error) {
	return r.fetchSentimentView(ctx, "v_daily_sentiment", assetSymbol, start, end)
}

func (r *marketRepo) FetchDailySentimentWeighted(ctx context.Context, assetSymbol string, start, end time.Time) (map[time.Time]*float64, error) {
	return r.fetchSentimentView(ctx, "v_daily_sentiment_weighted", assetSymbol, start, end)
}

func (r *marketRepo) fetchSentimentView(ctx context.Context, view, assetSymbol string, start, end time.Time) (map[time.Time]*float64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	rows, err := r.db.QueryxContext(ctx, fmt.Sprintf(`
		SELECT day, avg_sentiment FROM %s
		WHERE asset_symbol = $1 AND day BETWEEN $2 AND $3
		ORDER BY day ASC`, view),
		assetSymbol, domain.UTCDay(start), domain.UTCDay(end))
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", view, err)
	}
	defer rows.Close()

	out := make(map[time.Time]*float64)
	for rows.Next() {
		var day time.Time
		var sentiment *float64
		if err := rows.Scan(&day, &sentiment); err != nil {
			return nil, fmt.Errorf("scan %s row: %w", view, err)
		}
		out[domain.UTCDay(day)] = sentiment
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s rows: %w", view, err)
	}
	return out, nil
}

func (r *marketRepo) FetchDailySentimentStats(ctx context.Context, assetSymbol string, start, end time.Time) (map[time.Time]int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	rows, err := r.db.QueryxContext(ctx, `
		SELECT day, n_articles FROM v_daily_sentiment_with_counts
		WHERE asset_symbol = $1 AND day BETWEEN $2 AND $3
		ORDER BY day ASC`,
		assetSymbol, domain.UTCDay(start), domain.UTCDay(end))
	if err != nil {
		return nil, fmt.Errorf("fetch sentiment stats: %w", err)
	}
	defer rows.Close()

	out := make(map[time.Time]int64)
	for rows.Next() {
		var day time.Time
		var n sql.NullInt64
		if err := rows.Scan(&day, &n); err != nil {
			return nil, fmt.Errorf("scan sentiment stats row: %w", err)
		}
		out[domain.UTCDay(day)] = n.Int64
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sentiment stats rows: %w", err)
	}
	return out, nil
}

// UpsertMarketFactors overwrites every metric column on recompute.
func (r *marketRepo) UpsertMarketFactors(ctx context.Context, factorRows []domain.FactorRow) (int, int, error) {
	if len(factorRows) == 0 {
		return 0, 0, nil
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout*time.Duration(len(factorRows)/200+1))
	defer cancel()

	inserted, updated := 0, 0
	for _, row := range factorRows {
		if err := row.Validate(); err != nil {
			return 0, 0, err
		}
		var wasInsert bool
		err := r.db.QueryRowxContext(ctx, `
			INSERT INTO market_factors_daily
				(asset_symbol, day, ret_1d, vol_30d, sharpe_30d, sortino_30d, var_1d_95,
				 exp_return_30d, sentiment_mean, sentiment_norm, p_alpha, alpha, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, now(), now())
			ON CONFLICT (asset_symbol, day) DO UPDATE SET
				ret_1d         = EXCLUDED.ret_1d,
				vol_30d        = EXCLUDED.vol_30d,
				sharpe_30d     = EXCLUDED.sharpe_30d,
				sortino_30d    = EXCLUDED.sortino_30d,
				var_1d_95      = EXCLUDED.var_1d_95,
				exp_return_30d = EXCLUDED.exp_return_30d,
				sentiment_mean = EXCLUDED.sentiment_mean,
				sentiment_norm = EXCLUDED.sentiment_norm,
				p_alpha        = EXCLUDED.p_alpha,
				alpha          = EXCLUDED.alpha,
				updated_at     = now()
			RETURNING (xmax = 0) AS inserted`,
			row.AssetSymbol, domain.UTCDay(row.Day), row.Ret1d, row.Vol30d, row.Sharpe30d,
			row.Sortino30d, row.Var1d95, row.ExpReturn30d, row.SentimentMean,
			row.SentimentNorm, row.PAlpha, row.Alpha).Scan(&wasInsert)
		if err != nil {
			return 0, 0, fmt.Errorf("upsert factor row: %w", err)
		}
		if wasInsert {
			inserted++
		} else {
			updated++
		}
	}
	return inserted, updated, nil
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
