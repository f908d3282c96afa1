package dbop

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryOpCommitAppliesStagedWritesThenHooks(t *testing.T) {
	ctx := context.Background()
	db := NewMemoryDB(nil)

	var order []string
	op, err := db.BeginOp(ctx)
	require.NoError(t, err)
	memOp, err := MemoryOpOf(op)
	require.NoError(t, err)

	memOp.Stage(func() { order = append(order, "write") })
	memOp.OnRelease(func() { order = append(order, "release") })
	op.AfterCommit(func() { order = append(order, "hook") })

	assert.Empty(t, order)
	require.NoError(t, op.Commit(ctx))
	assert.Equal(t, []string{"write", "release", "hook"}, order)

	assert.ErrorIs(t, op.Commit(ctx), ErrOpClosed)
}

func TestMemoryOpRollbackDiscardsWritesAndHooks(t *testing.T) {
	ctx := context.Background()
	db := NewMemoryDB(nil)

	op, err := db.BeginOp(ctx)
	require.NoError(t, err)
	memOp, err := MemoryOpOf(op)
	require.NoError(t, err)

	wrote, hooked, released := false, false, false
	memOp.Stage(func() { wrote = true })
	memOp.OnRelease(func() { released = true })
	op.AfterCommit(func() { hooked = true })

	require.NoError(t, op.Rollback(ctx))
	assert.False(t, wrote)
	assert.False(t, hooked)
	assert.True(t, released)

	_, err = MemoryOpOf(op)
	assert.ErrorIs(t, err, ErrOpClosed)
}

func TestMemoryOpNowIsFrozenAtBegin(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	db := NewMemoryDB(clock)

	op, err := db.BeginOp(context.Background())
	require.NoError(t, err)
	clock.Advance(time.Hour)

	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), op.Now())
}

func TestRunCommitsOrRollsBack(t *testing.T) {
	ctx := context.Background()
	db := NewMemoryDB(nil)

	committed := false
	err := Run(ctx, db, func(op Op) error {
		op.AfterCommit(func() { committed = true })
		return nil
	})
	require.NoError(t, err)
	assert.True(t, committed)

	boom := errors.New("boom")
	committed = false
	err = Run(ctx, db, func(op Op) error {
		op.AfterCommit(func() { committed = true })
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.False(t, committed)
}

func TestRunRollsBackOnPanic(t *testing.T) {
	ctx := context.Background()
	db := NewMemoryDB(nil)

	released := false
	assert.Panics(t, func() {
		_ = Run(ctx, db, func(op Op) error {
			memOp, _ := MemoryOpOf(op)
			memOp.OnRelease(func() { released = true })
			panic("runner blew up")
		})
	})
	assert.True(t, released)
}

func TestTxOfRejectsMemoryOps(t *testing.T) {
	op, err := NewMemoryDB(nil).BeginOp(context.Background())
	require.NoError(t, err)

	_, err = TxOf(op)
	assert.ErrorIs(t, err, ErrForeignOp)
}
