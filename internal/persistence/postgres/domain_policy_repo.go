package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"

	"github.com/lingenhag/rrp/internal/persistence"
)

type domainPolicyRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewDomainPolicyRepo builds the per-(asset, domain) policy and stats store.
func NewDomainPolicyRepo(db *sqlx.DB, timeout time.Duration) persistence.DomainPolicy {
	return &domainPolicyRepo{db: db, timeout: timeout}
}

// IsAllowed is fail-open: a missing row, a NULL policy, or a store error all
// read as allowed. Harvesting must not stall on policy bookkeeping.
func (r *domainPolicyRepo) IsAllowed(ctx context.Context, assetSymbol, dom string) bool {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var allowed sql.NullBool
	err := r.db.QueryRowxContext(ctx, `
		SELECT allowed FROM news_domains
		WHERE asset_symbol = $1 AND domain = $2`,
		assetSymbol, dom).Scan(&allowed)
	if errors.Is(err, sql.ErrNoRows) {
		return true
	}
	if err != nil {
		log.Warn().Err(err).Str("domain", dom).Msg("domain policy read failed, allowing")
		return true
	}
	if !allowed.Valid {
		return true
	}
	return allowed.Bool
}

func (r *domainPolicyRepo) SetPolicy(ctx context.Context, assetSymbol, dom string, allowed bool) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO news_domains (asset_symbol, domain, allowed)
		VALUES ($1, $2, $3)
		ON CONFLICT (asset_symbol, domain) DO UPDATE SET allowed = EXCLUDED.allowed`,
		assetSymbol, dom, allowed)
	return err
}

// RecordHarvest is best-effort; failures are logged, never returned.
func (r *domainPolicyRepo) RecordHarvest(ctx context.Context, assetSymbol, dom string, stored bool) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	storedInc := 0
	if stored {
		storedInc = 1
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO news_domains (asset_symbol, domain, harvested_total, stored_total)
		VALUES ($1, $2, 1, $3)
		ON CONFLICT (asset_symbol, domain) DO UPDATE SET
			harvested_total = news_domains.harvested_total + 1,
			stored_total    = news_domains.stored_total + $3`,
		assetSymbol, dom, storedInc)
	if err != nil {
		log.Warn().Err(err).Str("domain", dom).Msg("record harvest stats failed")
	}
}

// RecordLLMDecision is best-effort; failures are logged, never returned.
func (r *domainPolicyRepo) RecordLLMDecision(ctx context.Context, assetSymbol, dom string, relevant bool) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	accepted, rejected := 0, 1
	if relevant {
		accepted, rejected = 1, 0
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO news_domains (asset_symbol, domain, llm_accepted, llm_rejected)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (asset_symbol, domain) DO UPDATE SET
			llm_accepted = news_domains.llm_accepted + $3,
			llm_rejected = news_domains.llm_rejected + $4`,
		assetSymbol, dom, accepted, rejected)
	if err != nil {
		log.Warn().Err(err).Str("domain", dom).Msg("record llm decision failed")
	}
}
