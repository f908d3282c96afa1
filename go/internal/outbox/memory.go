package outbox

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mcdev12/backbone/go/internal/dbop"
)

const memoryOutboxLock = "outbox"

// MemoryEventLog is an EventLog kept in process memory. Payloads go through
// the same JSON round trip as the Postgres log.
type MemoryEventLog[P any] struct {
	db     *dbop.MemoryDB
	events []*PersistentEvent[P]
}

func NewMemoryEventLog[P any](db *dbop.MemoryDB) *MemoryEventLog[P] {
	return &MemoryEventLog[P]{db: db}
}

type pendingKey struct{ log any }

func (l *MemoryEventLog[P]) AppendInOp(ctx context.Context, op dbop.Op, payloads []P) ([]*PersistentEvent[P], error) {
	memOp, err := dbop.MemoryOpOf(op)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	memOp.Lock(memoryOutboxLock)
	pending := memOp.Local(pendingKey{l}, func() any { return new(int) }).(*int)

	var committed int
	l.db.Read(func() { committed = len(l.events) })

	recordedAt := op.Now()
	events := make([]*PersistentEvent[P], 0, len(payloads))
	for i, payload := range payloads {
		roundTripped, err := roundTrip(payload)
		if err != nil {
			return nil, err
		}
		events = append(events, &PersistentEvent[P]{
			Sequence:   EventSequence(committed + *pending + i + 1),
			Payload:    roundTripped,
			RecordedAt: recordedAt,
		})
	}
	*pending += len(events)

	memOp.Stage(func() {
		l.events = append(l.events, events...)
	})
	return events, nil
}

func (l *MemoryEventLog[P]) LoadNextPage(ctx context.Context, after EventSequence, limit int) ([]*PersistentEvent[P], error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var page []*PersistentEvent[P]
	l.db.Read(func() {
		start := int(after)
		if start >= len(l.events) {
			return
		}
		end := min(start+limit, len(l.events))
		page = make([]*PersistentEvent[P], end-start)
		copy(page, l.events[start:end])
	})
	return page, nil
}

func (l *MemoryEventLog[P]) HighestSequence(ctx context.Context) (EventSequence, error) {
	var highest EventSequence
	l.db.Read(func() { highest = EventSequence(len(l.events)) })
	return highest, nil
}

func roundTrip[P any](payload P) (P, error) {
	var out P
	data, err := json.Marshal(payload)
	if err != nil {
		return out, fmt.Errorf("%w: %v", ErrPayloadEncode, err)
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, fmt.Errorf("%w: %v", ErrPayloadDecode, err)
	}
	return out, nil
}
