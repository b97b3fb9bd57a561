package postgres

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"

	"github.com/lingenhag/rrp/internal/persistence"
)

type assetRegistry struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewAssetRegistry builds the query-term registry. Reads degrade to empty
// sets so the query builder always has a working fallback.
func NewAssetRegistry(db *sqlx.DB, timeout time.Duration) persistence.AssetRegistry {
	return &assetRegistry{db: db, timeout: timeout}
}

func (r *assetRegistry) Aliases(assetSymbol string) ([]string, error) {
	return r.terms(assetSymbol, false)
}

func (r *assetRegistry) NegativeTerms(assetSymbol string) ([]string, error) {
	return r.terms(assetSymbol, true)
}

func (r *assetRegistry) terms(assetSymbol string, negative bool) ([]string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	rows, err := r.db.QueryxContext(ctx, `
		SELECT alias FROM asset_aliases
		WHERE asset_symbol = $1 AND negative = $2
		ORDER BY alias ASC`,
		assetSymbol, negative)
	if err != nil {
		log.Debug().Err(err).Str("asset", assetSymbol).Msg("asset alias read failed, using empty set")
		return nil, nil
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var alias string
		if err := rows.Scan(&alias); err != nil {
			return nil, err
		}
		out = append(out, alias)
	}
	return out, rows.Err()
}
