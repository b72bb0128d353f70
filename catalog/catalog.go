package catalog

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"
	"github.com/nebula-cloud/nebula/errors"
)

// Catalog is the durable, transactional home of File and TranscodingJob
// state. All access is through short-lived transactions; callers decide on
// retries.
type Catalog struct {
	db *sql.DB
}

func New(db *sql.DB) *Catalog {
	return &Catalog{db: db}
}

// Connect opens the database, applies pool limits and runs pending
// migrations.
func Connect(ctx context.Context, databaseURL string) (*Catalog, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(time.Hour)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.Upstream("database unreachable: %s", err)
	}
	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, err
	}
	return New(db), nil
}

func (c *Catalog) Close() error {
	return c.db.Close()
}

func (c *Catalog) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

// inTx runs fn inside a transaction at repeatable-read, which the policy
// reads in CreateJobs and TransitionJob rely on.
func (c *Catalog) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := c.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead})
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func isUniqueViolation(err error) bool {
	if pqErr, ok := err.(*pq.Error); ok {
		return pqErr.Code == "23505"
	}
	return false
}
