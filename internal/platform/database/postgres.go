// Package database opens the sqlx handles used by the identity store.
package database

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

const connectTimeout = 10 * time.Second

// Pool bounds the connections held by a handle.
type Pool struct {
	MaxOpen     int
	MaxIdle     int
	MaxLifetime time.Duration
	MaxIdleTime time.Duration
}

// DefaultPostgresPool suits a single API instance that mostly runs short
// lookups and small transactions.
var DefaultPostgresPool = Pool{
	MaxOpen:     10,
	MaxIdle:     5,
	MaxLifetime: 30 * time.Minute,
	MaxIdleTime: 5 * time.Minute,
}

// NewPostgres connects to url and applies DefaultPostgresPool.
func NewPostgres(ctx context.Context, url string) (*sqlx.DB, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, fmt.Errorf("postgres url is required")
	}

	connectCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	db, err := sqlx.ConnectContext(connectCtx, "postgres", url)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	DefaultPostgresPool.apply(db)
	return db, nil
}

func (p Pool) apply(db *sqlx.DB) {
	db.SetMaxOpenConns(p.MaxOpen)
	db.SetMaxIdleConns(p.MaxIdle)
	db.SetConnMaxLifetime(p.MaxLifetime)
	db.SetConnMaxIdleTime(p.MaxIdleTime)
}
