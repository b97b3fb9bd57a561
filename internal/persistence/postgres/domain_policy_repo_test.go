package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
)

func TestIsAllowedFailOpen(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewDomainPolicyRepo(db, time.Second)

	// no policy row
	mock.ExpectQuery("SELECT allowed FROM news_domains").
		WillReturnRows(sqlmock.NewRows([]string{"allowed"}))
	assert.True(t, repo.IsAllowed(context.Background(), "BTC", "news.example"))

	// store error
	mock.ExpectQuery("SELECT allowed FROM news_domains").
		WillReturnError(errors.New("connection refused"))
	assert.True(t, repo.IsAllowed(context.Background(), "BTC", "news.example"))

	// NULL policy means undecided
	mock.ExpectQuery("SELECT allowed FROM news_domains").
		WillReturnRows(sqlmock.NewRows([]string{"allowed"}).AddRow(nil))
	assert.True(t, repo.IsAllowed(context.Background(), "BTC", "news.example"))
}

func TestIsAllowedHonorsExplicitBlock(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewDomainPolicyRepo(db, time.Second)

	mock.ExpectQuery("SELECT allowed FROM news_domains").
		WithArgs("BTC", "spam.example").
		WillReturnRows(sqlmock.NewRows([]string{"allowed"}).AddRow(false))

	assert.False(t, repo.IsAllowed(context.Background(), "BTC", "spam.example"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordHarvestIncrementsCounters(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewDomainPolicyRepo(db, time.Second)

	mock.ExpectExec("INSERT INTO news_domains").
		WithArgs("BTC", "news.example", 1).
		WillReturnResult(sqlmock.NewResult(0, 1))

	repo.RecordHarvest(context.Background(), "BTC", "news.example", true)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordLLMDecisionSplitsCounters(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewDomainPolicyRepo(db, time.Second)

	mock.ExpectExec("INSERT INTO news_domains").
		WithArgs("BTC", "news.example", 0, 1).
		WillReturnResult(sqlmock.NewResult(0, 1))

	repo.RecordLLMDecision(context.Background(), "BTC", "news.example", false)
	assert.NoError(t, mock.ExpectationsWereMet())
}
