package postgres

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"
)

// schema holds the idempotent bootstrap statements. Views are replaced so
// definition changes ship without a migration tool.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS assets (
		symbol TEXT PRIMARY KEY,
		name   TEXT NOT NULL DEFAULT ''
	)`,

	`CREATE TABLE IF NOT EXISTS url_harvests (
		id            BIGSERIAL PRIMARY KEY,
		url           TEXT NOT NULL,
		asset_symbol  TEXT NOT NULL,
		source        TEXT NOT NULL DEFAULT '',
		title         TEXT,
		published_at  TIMESTAMPTZ,
		discovered_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (url, asset_symbol)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_url_harvests_batch
		ON url_harvests (asset_symbol, discovered_at)`,

	`CREATE TABLE IF NOT EXISTS summarized_articles (
		id           BIGSERIAL PRIMARY KEY,
		url          TEXT NOT NULL,
		asset_symbol TEXT NOT NULL,
		summary      TEXT NOT NULL,
		sentiment    DOUBLE PRECISION,
		model        TEXT NOT NULL,
		source       TEXT NOT NULL DEFAULT '',
		published_at TIMESTAMPTZ NOT NULL,
		ingested_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (url, asset_symbol)
	)`,

	`CREATE TABLE IF NOT EXISTS rejections (
		id           BIGSERIAL PRIMARY KEY,
		url          TEXT NOT NULL,
		asset_symbol TEXT NOT NULL,
		reason       TEXT NOT NULL,
		source       TEXT,
		context      TEXT NOT NULL,
		model        TEXT,
		details      TEXT,
		article_id   BIGINT,
		created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_rejections_url
		ON rejections (url, asset_symbol)`,

	`CREATE TABLE IF NOT EXISTS llm_votes (
		id           BIGSERIAL PRIMARY KEY,
		url          TEXT NOT NULL DEFAULT '',
		asset_symbol TEXT NOT NULL,
		model        TEXT NOT NULL,
		relevance    BOOLEAN NOT NULL,
		sentiment    DOUBLE PRECISION,
		summary      TEXT,
		harvest_id   BIGINT,
		article_id   BIGINT,
		created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_llm_votes_asset_created
		ON llm_votes (asset_symbol, created_at)`,

	`CREATE TABLE IF NOT EXISTS news_domains (
		asset_symbol    TEXT NOT NULL,
		domain          TEXT NOT NULL,
		allowed         BOOLEAN,
		harvested_total BIGINT NOT NULL DEFAULT 0,
		stored_total    BIGINT NOT NULL DEFAULT 0,
		llm_accepted    BIGINT NOT NULL DEFAULT 0,
		llm_rejected    BIGINT NOT NULL DEFAULT 0,
		PRIMARY KEY (asset_symbol, domain)
	)`,

	`CREATE TABLE IF NOT EXISTS asset_aliases (
		asset_symbol TEXT NOT NULL,
		alias        TEXT NOT NULL,
		negative     BOOLEAN NOT NULL DEFAULT false,
		PRIMARY KEY (asset_symbol, alias, negative)
	)`,

	`CREATE TABLE IF NOT EXISTS market_snapshots (
		id           BIGSERIAL PRIMARY KEY,
		asset_symbol TEXT NOT NULL,
		price        DOUBLE PRECISION,
		market_cap   DOUBLE PRECISION,
		volume_24h   DOUBLE PRECISION,
		change_1h    DOUBLE PRECISION,
		change_24h   DOUBLE PRECISION,
		change_7d    DOUBLE PRECISION,
		observed_at  TIMESTAMPTZ NOT NULL,
		source       TEXT NOT NULL DEFAULT 'CoinGecko',
		UNIQUE (asset_symbol, observed_at, source)
	)`,

	`CREATE TABLE IF NOT EXISTS market_history (
		asset_symbol TEXT NOT NULL,
		provider     TEXT NOT NULL,
		provider_id  TEXT NOT NULL DEFAULT '',
		vs_currency  TEXT NOT NULL,
		day          DATE NOT NULL,
		open         DOUBLE PRECISION,
		high         DOUBLE PRECISION,
		low          DOUBLE PRECISION,
		close        DOUBLE PRECISION,
		market_cap   DOUBLE PRECISION,
		volume       DOUBLE PRECISION,
		source       TEXT NOT NULL DEFAULT '',
		created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (asset_symbol, provider, vs_currency, day)
	)`,

	`CREATE TABLE IF NOT EXISTS asset_providers (
		asset_symbol TEXT NOT NULL,
		provider     TEXT NOT NULL,
		provider_id  TEXT NOT NULL,
		PRIMARY KEY (asset_symbol, provider)
	)`,

	`CREATE TABLE IF NOT EXISTS market_factors_daily (
		asset_symbol   TEXT NOT NULL,
		day            DATE NOT NULL,
		ret_1d         DOUBLE PRECISION,
		vol_30d        DOUBLE PRECISION,
		sharpe_30d     DOUBLE PRECISION,
		sortino_30d    DOUBLE PRECISION,
		var_1d_95      DOUBLE PRECISION,
		exp_return_30d DOUBLE PRECISION,
		sentiment_mean DOUBLE PRECISION,
		sentiment_norm DOUBLE PRECISION,
		p_alpha        DOUBLE PRECISION,
		alpha          DOUBLE PRECISION NOT NULL,
		created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (asset_symbol, day)
	)`,

	`CREATE OR REPLACE VIEW v_daily_returns AS
		SELECT asset_symbol,
		       day,
		       close / NULLIF(LAG(close) OVER (PARTITION BY asset_symbol, provider, vs_currency ORDER BY day), 0) - 1 AS ret_1d
		FROM market_history
		WHERE provider = 'CoinGecko' AND vs_currency = 'usd'`,

	`CREATE OR REPLACE VIEW v_daily_sentiment AS
		SELECT asset_symbol,
		       CAST(date_trunc('day', published_at AT TIME ZONE 'UTC') AS date) AS day,
		       AVG(sentiment) AS avg_sentiment
		FROM summarized_articles
		WHERE sentiment IS NOT NULL
		GROUP BY 1, 2`,

	// Domain-trust weighting: each article counts by the historical accept
	// share of its host, with a floor so unseen hosts still contribute.
	`CREATE OR REPLACE VIEW v_daily_sentiment_weighted AS
		SELECT sa.asset_symbol,
		       CAST(date_trunc('day', sa.published_at AT TIME ZONE 'UTC') AS date) AS day,
		       SUM(sa.sentiment * w.weight) / NULLIF(SUM(w.weight), 0) AS avg_sentiment
		FROM summarized_articles sa
		CROSS JOIN LATERAL (
			SELECT GREATEST(
				COALESCE(
					(SELECT nd.llm_accepted::float / NULLIF(nd.llm_accepted + nd.llm_rejected, 0)
					 FROM news_domains nd
					 WHERE nd.asset_symbol = sa.asset_symbol
					   AND nd.domain = substring(sa.url FROM '^[a-z][a-z0-9+.-]*://([^/]+)')),
					1.0),
				0.1) AS weight
		) w
		WHERE sa.sentiment IS NOT NULL
		GROUP BY 1, 2`,

	`CREATE OR REPLACE VIEW v_daily_sentiment_with_counts AS
		SELECT asset_symbol,
		       CAST(date_trunc('day', published_at AT TIME ZONE 'UTC') AS date) AS day,
		       AVG(sentiment) AS avg_sentiment,
		       COUNT(*) AS n_articles
		FROM summarized_articles
		WHERE sentiment IS NOT NULL
		GROUP BY 1, 2`,
}

// Migrator bootstraps the schema idempotently.
type Migrator struct {
	db *sqlx.DB
}

func NewMigrator(db *sqlx.DB) *Migrator {
	return &Migrator{db: db}
}

// AutoMigrate applies every schema statement. Safe to run on every start.
func (m *Migrator) AutoMigrate(ctx context.Context) error {
	for i, stmt := range schema {
		if _, err := m.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration statement %d failed: %w", i+1, err)
		}
	}
	log.Debug().Int("statements", len(schema)).Msg("schema migration applied")
	return nil
}
