package dbop

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrOpClosed is returned when an op is used after Commit or Rollback.
	ErrOpClosed = errors.New("op already committed or rolled back")
	// ErrForeignOp is returned when a repository receives an op from a different backend.
	ErrForeignOp = errors.New("op does not belong to this backend")
)

// Op is a unit of work. Every write made through an Op becomes visible
// atomically on Commit or not at all.
type Op interface {
	// Now is the timestamp of the op, frozen when it was begun.
	Now() time.Time
	// AfterCommit registers fn to run once the op has committed successfully.
	// Hooks never run on rollback.
	AfterCommit(fn func())
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Beginner hands out new ops.
type Beginner interface {
	BeginOp(ctx context.Context) (Op, error)
}

// hooks is shared by the op implementations.
type hooks struct {
	afterCommit []func()
}

func (h *hooks) add(fn func()) {
	if fn != nil {
		h.afterCommit = append(h.afterCommit, fn)
	}
}

func (h *hooks) run() {
	fns := h.afterCommit
	h.afterCommit = nil
	for _, fn := range fns {
		fn()
	}
}
