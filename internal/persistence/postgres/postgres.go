// Package postgres implements the persistence ports on PostgreSQL via sqlx.
// All timestamps are stored in UTC; the session timezone is pinned on
// connect.
package postgres

import (
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

// DefaultTimeout bounds single statements issued by the repositories.
const DefaultTimeout = 10 * time.Second

// Open connects, pins the session to UTC, and verifies the connection.
func Open(dsn string) (*sqlx.DB, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if _, err := db.Exec(`SET TIME ZONE 'UTC'`); err != nil {
		db.Close()
		return nil, fmt.Errorf("set session timezone: %w", err)
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(30 * time.Minute)
	return db, nil
}
