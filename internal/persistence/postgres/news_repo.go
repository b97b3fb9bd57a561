package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/lingenhag/rrp/internal/domain"
	"github.com/lingenhag/rrp/internal/persistence"
)

type newsRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewNewsRepo builds the harvest inbox store.
func NewNewsRepo(db *sqlx.DB, timeout time.Duration) persistence.NewsRepository {
	return &newsRepo{db: db, timeout: timeout}
}

// SaveURLHarvest checks the adjudicated stores first so a processed URL never
// re-enters the inbox, then inserts. The unique constraint on
// (url, asset_symbol) closes the race between concurrent harvesters.
func (r *newsRepo) SaveURLHarvest(ctx context.Context, h domain.URLHarvest) (int64, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var processed bool
	err := r.db.QueryRowxContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM summarized_articles WHERE url = $1 AND asset_symbol = $2
			UNION ALL
			SELECT 1 FROM rejections WHERE url = $1 AND asset_symbol = $2
		)`, h.URL, h.AssetSymbol).Scan(&processed)
	if err != nil {
		return 0, false, fmt.Errorf("check processed: %w", err)
	}
	if processed {
		return 0, true, nil
	}

	publishedAt := utcOpt(h.PublishedAt)
	discoveredAt := time.Now().UTC()
	if !h.DiscoveredAt.IsZero() {
		discoveredAt = h.DiscoveredAt.UTC()
	}

	var id int64
	err = r.db.QueryRowxContext(ctx, `
		INSERT INTO url_harvests (url, asset_symbol, source, title, published_at, discovered_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`,
		h.URL, h.AssetSymbol, h.Source, h.Title, publishedAt, discoveredAt).Scan(&id)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			var existing int64
			ierr := r.db.QueryRowxContext(ctx,
				`SELECT id FROM url_harvests WHERE url = $1 AND asset_symbol = $2`,
				h.URL, h.AssetSymbol).Scan(&existing)
			if ierr != nil {
				return 0, false, fmt.Errorf("lookup existing harvest: %w", ierr)
			}
			return existing, true, nil
		}
		return 0, false, fmt.Errorf("insert url harvest: %w", err)
	}
	return id, false, nil
}

func (r *newsRepo) FetchURLHarvestBatch(ctx context.Context, assetSymbol string, limit int, since *time.Time) ([]domain.URLHarvest, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT id, url, asset_symbol, source, title, published_at, discovered_at
		FROM url_harvests
		WHERE asset_symbol = $1`
	args := []any{assetSymbol}
	if since != nil {
		query += ` AND discovered_at >= $2`
		args = append(args, since.UTC())
	}
	query += fmt.Sprintf(` ORDER BY discovered_at ASC LIMIT $%d`, len(args)+1)
	args = append(args, limit)

	rows, err := r.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("fetch harvest batch: %w", err)
	}
	defer rows.Close()

	var out []domain.URLHarvest
	for rows.Next() {
		var h domain.URLHarvest
		if err := rows.Scan(&h.ID, &h.URL, &h.AssetSymbol, &h.Source, &h.Title, &h.PublishedAt, &h.DiscoveredAt); err != nil {
			return nil, fmt.Errorf("scan harvest row: %w", err)
		}
		out = append(out, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate harvest rows: %w", err)
	}
	return out, nil
}

func (r *newsRepo) DeleteURLHarvest(ctx context.Context, id int64) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if _, err := r.db.ExecContext(ctx, `DELETE FROM url_harvests WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete url harvest %d: %w", id, err)
	}
	return nil
}

func (r *newsRepo) SaveRejection(ctx context.Context, rej domain.Rejection) (int64, error) {
	return insertRejection(ctx, r.db, r.timeout, rej)
}

// insertRejection is shared with the LLM repository; both write the same
// audit table.
func insertRejection(ctx context.Context, db *sqlx.DB, timeout time.Duration, rej domain.Rejection) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var id int64
	err := db.QueryRowxContext(ctx, `
		INSERT INTO rejections (url, asset_symbol, reason, source, context, model, details, article_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id`,
		rej.URL, rej.AssetSymbol, rej.Reason, rej.Source, rej.Context,
		rej.Model, rej.DetailsJSON, rej.ArticleID, time.Now().UTC()).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert rejection: %w", err)
	}
	return id, nil
}

func utcOpt(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
