package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/lingenhag/rrp/internal/domain"
	"github.com/lingenhag/rrp/internal/persistence"
)

type llmRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewLLMRepo builds the adjudication result store.
func NewLLMRepo(db *sqlx.DB, timeout time.Duration) persistence.LLMRepository {
	return &llmRepo{db: db, timeout: timeout}
}

func (r *llmRepo) SaveSummary(ctx context.Context, a domain.SummarizedArticle) (int64, error) {
	if err := a.Validate(); err != nil {
		return 0, err
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	ingested := a.IngestedAt
	if ingested.IsZero() {
		ingested = time.Now().UTC()
	}

	var id int64
	err := r.db.QueryRowxContext(ctx, `
		INSERT INTO summarized_articles (url, asset_symbol, summary, sentiment, model, source, published_at, ingested_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`,
		a.URL, a.AssetSymbol, a.Summary, a.Sentiment, a.Model, a.Source,
		a.PublishedAt.UTC(), ingested.UTC()).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert summarized article: %w", err)
	}
	return id, nil
}

func (r *llmRepo) SaveRejection(ctx context.Context, rej domain.Rejection) (int64, error) {
	return insertRejection(ctx, r.db, r.timeout, rej)
}

func (r *llmRepo) SaveVote(ctx context.Context, v domain.LLMVote) (int64, error) {
	if err := v.Validate(); err != nil {
		return 0, err
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var id int64
	err := r.db.QueryRowxContext(ctx, `
		INSERT INTO llm_votes (url, asset_symbol, model, relevance, sentiment, summary, harvest_id, article_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id`,
		v.URL, v.AssetSymbol, v.Model, v.Relevance, v.Sentiment, v.Summary,
		v.HarvestID, v.ArticleID, time.Now().UTC()).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert llm vote: %w", err)
	}
	return id, nil
}

func (r *llmRepo) FetchVotes(ctx context.Context, assetSymbol string, since time.Time) ([]domain.LLMVote, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	rows, err := r.db.QueryxContext(ctx, `
		SELECT id, url, asset_symbol, model, relevance, sentiment, summary, harvest_id, article_id, created_at
		FROM llm_votes
		WHERE asset_symbol = $1 AND created_at >= $2
		ORDER BY created_at ASC, id ASC`,
		assetSymbol, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("fetch votes: %w", err)
	}
	defer rows.Close()

	var out []domain.LLMVote
	for rows.Next() {
		var v domain.LLMVote
		if err := rows.Scan(&v.ID, &v.URL, &v.AssetSymbol, &v.Model, &v.Relevance,
			&v.Sentiment, &v.Summary, &v.HarvestID, &v.ArticleID, &v.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan vote row: %w", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate vote rows: %w", err)
	}
	return out, nil
}
