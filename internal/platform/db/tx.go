package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Beginner starts transactions. *pgxpool.Pool and *pgx.Conn satisfy it.
type Beginner interface {
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

// RepeatableRead is the isolation used by register writes. Concurrent
// writers to the same row fail with a serialization error instead of
// overwriting each other.
var RepeatableRead = pgx.TxOptions{IsoLevel: pgx.RepeatableRead}

// WithTx runs fn in a transaction begun with opts. The transaction is rolled
// back when fn returns an error and committed otherwise. Errors from fn are
// returned unwrapped so callers can match their own sentinels.
func WithTx(ctx context.Context, db Beginner, opts pgx.TxOptions, fn func(pgx.Tx) error) error {
	tx, err := db.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("platform/db: begin tx: %w", err)
	}

	defer func() {
		_ = tx.Rollback(context.WithoutCancel(ctx))
	}()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("platform/db: commit tx: %w", err)
	}

	return nil
}
