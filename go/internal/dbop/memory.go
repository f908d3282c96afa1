package dbop

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// MemoryDB is an in-process Beginner. Writes are staged on a MemoryOp and
// applied under a single lock on commit, which gives the same all-or-nothing
// visibility a database transaction gives.
type MemoryDB struct {
	mu    sync.Mutex
	clock clockwork.Clock

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

func NewMemoryDB(clock clockwork.Clock) *MemoryDB {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &MemoryDB{
		clock: clock,
		locks: make(map[string]*sync.Mutex),
	}
}

func (db *MemoryDB) Clock() clockwork.Clock {
	return db.clock
}

func (db *MemoryDB) BeginOp(ctx context.Context) (Op, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &MemoryOp{
		db:     db,
		now:    db.clock.Now().UTC(),
		held:   make(map[string]bool),
		locals: make(map[any]any),
	}, nil
}

// Read runs fn while holding the database lock, so fn observes committed state only.
func (db *MemoryDB) Read(fn func()) {
	db.mu.Lock()
	defer db.mu.Unlock()
	fn()
}

// Write runs fn under the database lock for a change that needs no op.
func (db *MemoryDB) Write(fn func()) {
	db.mu.Lock()
	defer db.mu.Unlock()
	fn()
}

func (db *MemoryDB) namedLock(key string) *sync.Mutex {
	db.locksMu.Lock()
	defer db.locksMu.Unlock()
	l, ok := db.locks[key]
	if !ok {
		l = &sync.Mutex{}
		db.locks[key] = l
	}
	return l
}

// MemoryOp is the Op handed out by MemoryDB.
type MemoryOp struct {
	db       *MemoryDB
	now      time.Time
	staged   []func()
	releases []func()
	hooks    hooks
	held     map[string]bool
	locals   map[any]any
	done     bool
}

func (o *MemoryOp) Now() time.Time {
	return o.now
}

func (o *MemoryOp) AfterCommit(fn func()) {
	o.hooks.add(fn)
}

// Stage queues a write. Staged writes run in order under the database lock on commit.
func (o *MemoryOp) Stage(fn func()) {
	o.staged = append(o.staged, fn)
}

// OnRelease registers fn to run when the op ends, whether it commits or rolls back.
func (o *MemoryOp) OnRelease(fn func()) {
	o.releases = append(o.releases, fn)
}

// Lock takes a named lock held until the op ends, the way a transaction-scoped
// advisory lock behaves. Taking the same lock twice within one op is a no-op.
func (o *MemoryOp) Lock(key string) {
	if o.held[key] {
		return
	}
	l := o.db.namedLock(key)
	l.Lock()
	o.held[key] = true
	o.OnRelease(l.Unlock)
}

// Local returns op-scoped state stored under key, creating it with init on first use.
func (o *MemoryOp) Local(key any, init func() any) any {
	v, ok := o.locals[key]
	if !ok {
		v = init()
		o.locals[key] = v
	}
	return v
}

// DB returns the database the op belongs to.
func (o *MemoryOp) DB() *MemoryDB {
	return o.db
}

func (o *MemoryOp) Commit(ctx context.Context) error {
	if o.done {
		return ErrOpClosed
	}
	o.done = true
	o.db.mu.Lock()
	for _, fn := range o.staged {
		fn()
	}
	o.db.mu.Unlock()
	o.staged = nil
	o.release()
	o.hooks.run()
	return nil
}

func (o *MemoryOp) Rollback(ctx context.Context) error {
	if o.done {
		return nil
	}
	o.done = true
	o.staged = nil
	o.hooks.afterCommit = nil
	o.release()
	return nil
}

func (o *MemoryOp) release() {
	for i := len(o.releases) - 1; i >= 0; i-- {
		o.releases[i]()
	}
	o.releases = nil
}

// MemoryOpOf extracts the MemoryOp behind op.
func MemoryOpOf(op Op) (*MemoryOp, error) {
	memOp, ok := op.(*MemoryOp)
	if !ok {
		return nil, ErrForeignOp
	}
	if memOp.done {
		return nil, ErrOpClosed
	}
	return memOp, nil
}
