package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lingenhag/rrp/internal/domain"
)

func newMockDB(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	raw, mock, err := sqlmock.New()
	require.NoError(t, err)
	db := sqlx.NewDb(raw, "sqlmock")
	t.Cleanup(func() { db.Close() })
	return db, mock
}

func harvestFixture() domain.URLHarvest {
	title := "Bitcoin klettert"
	published := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	return domain.URLHarvest{
		URL:          "https://news.example/a",
		AssetSymbol:  "BTC",
		Source:       "gdelt",
		Title:        &title,
		PublishedAt:  &published,
		DiscoveredAt: time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC),
	}
}

func TestSaveURLHarvestInsertsNewRow(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewNewsRepo(db, time.Second)

	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("https://news.example/a", "BTC").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectQuery("INSERT INTO url_harvests").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(42)))

	id, dup, err := repo.SaveURLHarvest(context.Background(), harvestFixture())
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)
	assert.False(t, dup)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveURLHarvestAlreadyProcessedIsDuplicate(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewNewsRepo(db, time.Second)

	// URL was already summarized or rejected for this asset
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("https://news.example/a", "BTC").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	id, dup, err := repo.SaveURLHarvest(context.Background(), harvestFixture())
	require.NoError(t, err)
	assert.Equal(t, int64(0), id, "processed duplicates report id zero")
	assert.True(t, dup)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveURLHarvestInboxRaceResolvesToExistingID(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewNewsRepo(db, time.Second)

	mock.ExpectQuery("SELECT EXISTS").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectQuery("INSERT INTO url_harvests").
		WillReturnError(&pq.Error{Code: "23505"})
	mock.ExpectQuery("SELECT id FROM url_harvests").
		WithArgs("https://news.example/a", "BTC").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(7)))

	id, dup, err := repo.SaveURLHarvest(context.Background(), harvestFixture())
	require.NoError(t, err)
	assert.Equal(t, int64(7), id)
	assert.True(t, dup)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFetchURLHarvestBatchAppliesSince(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewNewsRepo(db, time.Second)

	since := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	discovered := since.Add(2 * time.Hour)
	mock.ExpectQuery("SELECT id, url, asset_symbol, source, title, published_at, discovered_at").
		WithArgs("BTC", since, 5).
		WillReturnRows(sqlmock.NewRows(
			[]string{"id", "url", "asset_symbol", "source", "title", "published_at", "discovered_at"}).
			AddRow(int64(1), "https://news.example/a", "BTC", "gdelt", nil, nil, discovered))

	batch, err := repo.FetchURLHarvestBatch(context.Background(), "BTC", 5, &since)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, int64(1), batch[0].ID)
	assert.Nil(t, batch[0].Title)
	assert.Equal(t, discovered, batch[0].DiscoveredAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteURLHarvestMissingRowIsNoop(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewNewsRepo(db, time.Second)

	mock.ExpectExec("DELETE FROM url_harvests").
		WithArgs(int64(99)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	assert.NoError(t, repo.DeleteURLHarvest(context.Background(), 99))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveRejectionReturnsID(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewNewsRepo(db, time.Second)

	mock.ExpectQuery("INSERT INTO rejections").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(5)))

	id, err := repo.SaveRejection(context.Background(), domain.Rejection{
		URL:         "https://news.example/a",
		AssetSymbol: "BTC",
		Reason:      "invalid_url",
		Context:     "harvest",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(5), id)
	assert.NoError(t, mock.ExpectationsWereMet())
}
