package job

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mcdev12/backbone/go/internal/dbop"
)

// CurrentJob is the view a runner gets of the execution it is serving.
type CurrentJob struct {
	id       JobID
	attempt  int
	state    json.RawMessage
	beginner dbop.Beginner
	repo     Repo
}

func newCurrentJob(polled PolledJob, beginner dbop.Beginner, repo Repo) *CurrentJob {
	return &CurrentJob{
		id:       polled.ID,
		attempt:  polled.Attempt,
		state:    polled.State,
		beginner: beginner,
		repo:     repo,
	}
}

func (c *CurrentJob) ID() JobID {
	return c.id
}

// Attempt is 1 on the first run and after every successful reschedule.
func (c *CurrentJob) Attempt() int {
	return c.attempt
}

// ExecutionState decodes the last stored checkpoint into v. It returns false
// when no checkpoint was stored yet.
func (c *CurrentJob) ExecutionState(v any) (bool, error) {
	if len(c.state) == 0 || string(c.state) == "null" {
		return false, nil
	}
	if err := json.Unmarshal(c.state, v); err != nil {
		return false, fmt.Errorf("%w: job %s: %v", ErrExecutionStateDecode, c.id, err)
	}
	return true, nil
}

// ExecutionState is the typed form of CurrentJob.ExecutionState.
func ExecutionState[T any](c *CurrentJob) (T, bool, error) {
	var v T
	ok, err := c.ExecutionState(&v)
	return v, ok, err
}

// UpdateExecutionState stores a new checkpoint in its own op.
func (c *CurrentJob) UpdateExecutionState(ctx context.Context, v any) error {
	return dbop.Run(ctx, c.beginner, func(op dbop.Op) error {
		return c.UpdateExecutionStateInOp(ctx, op, v)
	})
}

// UpdateExecutionStateInOp stores a new checkpoint within op, so it commits
// together with the writes it describes.
func (c *CurrentJob) UpdateExecutionStateInOp(ctx context.Context, op dbop.Op, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("%w: job %s: %v", ErrExecutionStateEncode, c.id, err)
	}
	if err := c.repo.UpdateExecutionStateInOp(ctx, op, c.id, data); err != nil {
		return err
	}
	op.AfterCommit(func() { c.state = data })
	return nil
}

// BeginOp starts an op the runner owns. Commit it, roll it back or hand it
// back through one of the WithOp completions.
func (c *CurrentJob) BeginOp(ctx context.Context) (dbop.Op, error) {
	return c.beginner.BeginOp(ctx)
}

// Run executes fn in an op that commits when fn returns nil.
func (c *CurrentJob) Run(ctx context.Context, fn func(op dbop.Op) error) error {
	return dbop.Run(ctx, c.beginner, fn)
}
