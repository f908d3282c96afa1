package dbop

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
)

// PgPool begins ops backed by a pgx transaction.
type PgPool struct {
	pool  *pgxpool.Pool
	clock clockwork.Clock
}

func NewPgPool(pool *pgxpool.Pool, clock clockwork.Clock) *PgPool {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &PgPool{pool: pool, clock: clock}
}

// Pool exposes the underlying pool for non-transactional reads.
func (p *PgPool) Pool() *pgxpool.Pool {
	return p.pool
}

func (p *PgPool) Clock() clockwork.Clock {
	return p.clock
}

func (p *PgPool) BeginOp(ctx context.Context) (Op, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	return &PgOp{tx: tx, now: p.clock.Now().UTC()}, nil
}

// PgOp is an Op wrapping a pgx.Tx.
type PgOp struct {
	tx    pgx.Tx
	now   time.Time
	hooks hooks
	done  bool
}

// Tx returns the transaction repositories write through.
func (o *PgOp) Tx() pgx.Tx {
	return o.tx
}

func (o *PgOp) Now() time.Time {
	return o.now
}

func (o *PgOp) AfterCommit(fn func()) {
	o.hooks.add(fn)
}

func (o *PgOp) Commit(ctx context.Context) error {
	if o.done {
		return ErrOpClosed
	}
	o.done = true
	if err := o.tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	o.hooks.run()
	return nil
}

func (o *PgOp) Rollback(ctx context.Context) error {
	if o.done {
		return nil
	}
	o.done = true
	o.hooks.afterCommit = nil
	if err := o.tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return fmt.Errorf("rollback transaction: %w", err)
	}
	return nil
}

// TxOf extracts the pgx transaction of an op created by PgPool.
func TxOf(op Op) (pgx.Tx, error) {
	pgOp, ok := op.(*PgOp)
	if !ok {
		return nil, ErrForeignOp
	}
	if pgOp.done {
		return nil, ErrOpClosed
	}
	return pgOp.tx, nil
}
