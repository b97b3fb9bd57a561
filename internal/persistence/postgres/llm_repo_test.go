package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lingenhag/rrp/internal/domain"
)

func TestSaveSummaryRejectsSentimentOutOfRange(t *testing.T) {
	db, _ := newMockDB(t)
	repo := NewLLMRepo(db, time.Second)

	bad := 1.5
	_, err := repo.SaveSummary(context.Background(), domain.SummarizedArticle{
		URL:         "https://news.example/a",
		AssetSymbol: "BTC",
		Sentiment:   &bad,
		PublishedAt: time.Now(),
	})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestSaveSummaryInserts(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewLLMRepo(db, time.Second)

	mock.ExpectQuery("INSERT INTO summarized_articles").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(11)))

	s := 0.42
	id, err := repo.SaveSummary(context.Background(), domain.SummarizedArticle{
		URL:         "https://news.example/a",
		AssetSymbol: "BTC",
		Summary:     "Kurssprung nach ETF-Zuflüssen",
		Sentiment:   &s,
		Model:       "ensemble[gpt-4o-mini]",
		PublishedAt: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(11), id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveVoteInserts(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewLLMRepo(db, time.Second)

	mock.ExpectQuery("INSERT INTO llm_votes").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(3)))

	harvestID := int64(9)
	id, err := repo.SaveVote(context.Background(), domain.LLMVote{
		URL:         "https://news.example/a",
		AssetSymbol: "BTC",
		Model:       "gpt-4o-mini",
		Relevance:   true,
		HarvestID:   &harvestID,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(3), id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFetchVotesScansRows(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewLLMRepo(db, time.Second)

	since := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	created := since.Add(4 * time.Hour)
	articleID := int64(11)
	mock.ExpectQuery("FROM llm_votes").
		WithArgs("BTC", since).
		WillReturnRows(sqlmock.NewRows(
			[]string{"id", "url", "asset_symbol", "model", "relevance", "sentiment", "summary", "harvest_id", "article_id", "created_at"}).
			AddRow(int64(1), "", "BTC", "gpt-4o-mini", true, 0.3, "kurz", int64(9), articleID, created).
			AddRow(int64(2), "https://news.example/b", "BTC", "grok-4", false, nil, nil, int64(10), nil, created))

	votes, err := repo.FetchVotes(context.Background(), "BTC", since)
	require.NoError(t, err)
	require.Len(t, votes, 2)

	assert.Equal(t, articleID, *votes[0].ArticleID)
	assert.Equal(t, 0.3, *votes[0].Sentiment)
	assert.Nil(t, votes[1].ArticleID)
	assert.Nil(t, votes[1].Sentiment)
	assert.Equal(t, "https://news.example/b", votes[1].URL)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFetchVotesPropagatesQueryError(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewLLMRepo(db, time.Second)

	mock.ExpectQuery("FROM llm_votes").WillReturnError(errors.New("relation missing"))

	_, err := repo.FetchVotes(context.Background(), "BTC", time.Now())
	assert.Error(t, err)
}
