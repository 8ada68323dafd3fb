package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// TxRunner implements domain.TxRunner. Nested InTx calls reuse the
// outer transaction.
type TxRunner struct{ Pool PgxPool }

// NewTxRunner constructs a TxRunner with the given pool.
func NewTxRunner(p PgxPool) *TxRunner { return &TxRunner{Pool: p} }

// InTx runs fn inside one transaction. Repositories called with fn's
// ctx observe it through the querier resolution in q().
func (t *TxRunner) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txCtxKey{}).(pgx.Tx); ok {
		return fn(ctx)
	}
	tx, err := t.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("op=tx.begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(context.WithValue(ctx, txCtxKey{}, tx)); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=tx.commit: %w", err)
	}
	return nil
}
