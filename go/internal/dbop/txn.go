package dbop

import (
	"context"
	"fmt"
)

// Run executes fn inside an op.
// If fn returns an error (or panics) the op rolls back, else it commits.
func Run(ctx context.Context, b Beginner, fn func(op Op) error) (err error) {
	op, err := b.BeginOp(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if p := recover(); p != nil {
			_ = op.Rollback(ctx)
			panic(p)
		}
	}()
	if err := fn(op); err != nil {
		if rbErr := op.Rollback(ctx); rbErr != nil {
			return fmt.Errorf("%w (rollback: %v)", err, rbErr)
		}
		return err
	}
	return op.Commit(ctx)
}
