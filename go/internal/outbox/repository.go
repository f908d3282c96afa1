package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mcdev12/backbone/go/internal/dbop"
)

// outboxLockKey serialises publishers so that sequences are allocated in
// commit order without holes.
const outboxLockKey int64 = 0x6f7574626f78

// EventLog is the append-only storage behind an Outbox.
type EventLog[P any] interface {
	// AppendInOp allocates the next sequences and writes the events using op.
	AppendInOp(ctx context.Context, op dbop.Op, payloads []P) ([]*PersistentEvent[P], error)
	// LoadNextPage returns up to limit events strictly after the cursor, ascending.
	LoadNextPage(ctx context.Context, after EventSequence, limit int) ([]*PersistentEvent[P], error)
	// HighestSequence returns the largest committed sequence, 0 when empty.
	HighestSequence(ctx context.Context) (EventSequence, error)
}

// PgEventLog stores events in persistent_outbox_events.
type PgEventLog[P any] struct {
	pool          *pgxpool.Pool
	notifyChannel string
}

// NewPgEventLog creates a Postgres event log. When notifyChannel is not empty
// every append issues a NOTIFY carrying the last sequence, delivered on commit.
func NewPgEventLog[P any](pool *pgxpool.Pool, notifyChannel string) *PgEventLog[P] {
	return &PgEventLog[P]{
		pool:          pool,
		notifyChannel: notifyChannel,
	}
}

func (l *PgEventLog[P]) AppendInOp(ctx context.Context, op dbop.Op, payloads []P) ([]*PersistentEvent[P], error) {
	tx, err := dbop.TxOf(op)
	if err != nil {
		return nil, err
	}

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, outboxLockKey); err != nil {
		return nil, fmt.Errorf("failed to lock outbox: %w", err)
	}

	var highest int64
	if err := tx.QueryRow(ctx, `SELECT COALESCE(MAX(sequence), 0) FROM persistent_outbox_events`).Scan(&highest); err != nil {
		return nil, fmt.Errorf("failed to read highest outbox sequence: %w", err)
	}

	recordedAt := op.Now()
	events := make([]*PersistentEvent[P], 0, len(payloads))
	for i, payload := range payloads {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrPayloadEncode, err)
		}
		seq := EventSequence(highest) + EventSequence(i) + 1
		_, err = tx.Exec(ctx,
			`INSERT INTO persistent_outbox_events (sequence, payload, recorded_at) VALUES ($1, $2, $3)`,
			int64(seq), data, recordedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to insert outbox event %d: %w", seq, err)
		}
		events = append(events, &PersistentEvent[P]{
			Sequence:   seq,
			Payload:    payload,
			RecordedAt: recordedAt,
		})
	}

	if l.notifyChannel != "" && len(events) > 0 {
		last := events[len(events)-1].Sequence
		if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, l.notifyChannel, last.String()); err != nil {
			return nil, fmt.Errorf("failed to notify outbox channel: %w", err)
		}
	}

	return events, nil
}

func (l *PgEventLog[P]) LoadNextPage(ctx context.Context, after EventSequence, limit int) ([]*PersistentEvent[P], error) {
	rows, err := l.pool.Query(ctx,
		`SELECT sequence, payload, recorded_at
		 FROM persistent_outbox_events
		 WHERE sequence > $1
		 ORDER BY sequence ASC
		 LIMIT $2`,
		int64(after), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load outbox page: %w", err)
	}
	defer rows.Close()

	var events []*PersistentEvent[P]
	for rows.Next() {
		var (
			seq        int64
			raw        []byte
			recordedAt time.Time
		)
		if err := rows.Scan(&seq, &raw, &recordedAt); err != nil {
			return nil, fmt.Errorf("failed to scan outbox event: %w", err)
		}
		var payload P
		if err := json.Unmarshal(raw, &payload); err != nil {
			return nil, fmt.Errorf("%w: sequence %d: %v", ErrPayloadDecode, seq, err)
		}
		events = append(events, &PersistentEvent[P]{
			Sequence:   EventSequence(seq),
			Payload:    payload,
			RecordedAt: recordedAt,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate outbox page: %w", err)
	}

	return events, nil
}

func (l *PgEventLog[P]) HighestSequence(ctx context.Context) (EventSequence, error) {
	var highest int64
	err := l.pool.QueryRow(ctx, `SELECT COALESCE(MAX(sequence), 0) FROM persistent_outbox_events`).Scan(&highest)
	if err != nil {
		return 0, fmt.Errorf("failed to read highest outbox sequence: %w", err)
	}
	return EventSequence(highest), nil
}
