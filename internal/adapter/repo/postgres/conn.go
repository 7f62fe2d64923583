// Package postgres implements the projection-store ports on PostgreSQL.
//
// Repositories are deliberately narrow: the session mutates submission rows
// only through domain.SubmissionStore, and judge bookkeeping only through
// domain.JudgeStore.
package postgres

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PgxPool is the subset of *pgxpool.Pool the repositories use; tests
// substitute fakes for it.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
}

// NewPool creates a traced pgx pool, retrying the initial connection with
// exponential backoff so the bridge survives a database that is still
// coming up.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	cfg.MaxConns = 10
	cfg.MaxConnIdleTime = 5 * time.Minute
	cfg.ConnConfig.Tracer = otelpgx.NewTracer()

	var pool *pgxpool.Pool
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5), ctx)
	err = backoff.Retry(func() error {
		var perr error
		pool, perr = pgxpool.NewWithConfig(ctx, cfg)
		if perr != nil {
			return perr
		}
		if perr = pool.Ping(ctx); perr != nil {
			pool.Close()
			return perr
		}
		return nil
	}, bo)
	if err != nil {
		return nil, err
	}
	return pool, nil
}
