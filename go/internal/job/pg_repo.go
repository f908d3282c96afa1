package job

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mcdev12/backbone/go/internal/dbop"
	"github.com/mcdev12/backbone/go/internal/sqlutil"
	"github.com/sqlc-dev/pqtype"
)

// pollLockKey serialises pollers across processes so queue checks and the
// running flag are decided together.
const pollLockKey int64 = 0x6a6f62706f6c6c

// PgRepo stores jobs in Postgres.
type PgRepo struct {
	pool          *pgxpool.Pool
	notifyChannel string
}

// NewPgRepo creates a Postgres repo. When notifyChannel is not empty every new
// execution is announced with NOTIFY so executors in other processes wake up.
func NewPgRepo(pool *pgxpool.Pool, notifyChannel string) *PgRepo {
	return &PgRepo{pool: pool, notifyChannel: notifyChannel}
}

func (r *PgRepo) CreateInOp(ctx context.Context, op dbop.Op, job *Job, executeAt time.Time) error {
	tx, err := dbop.TxOf(op)
	if err != nil {
		return err
	}

	now := op.Now()
	first := job.persisted
	events := job.stampNewEvents(now)

	tag, err := tx.Exec(ctx,
		`INSERT INTO jobs (id, job_type, config, queue_id, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO NOTHING`,
		job.ID.String(), job.JobType.String(), []byte(job.config), sqlutil.ToSqlString(job.QueueID), job.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert job %s: %w", job.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return duplicateError(job.ID)
	}

	if err := insertEvents(ctx, tx, job.ID, first, events); err != nil {
		return err
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO job_executions (id, job_type, queue_id, state, attempt_index, execute_at, alive_at, created_at)
		 VALUES ($1, $2, $3, $4, 1, $5, $6, $6)`,
		job.ID.String(), job.JobType.String(), sqlutil.ToSqlString(job.QueueID), string(ExecutionPending), executeAt, now,
	)
	if err != nil {
		return fmt.Errorf("failed to insert execution for job %s: %w", job.ID, err)
	}

	if r.notifyChannel != "" {
		if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, r.notifyChannel, job.ID.String()); err != nil {
			return fmt.Errorf("failed to notify job channel: %w", err)
		}
	}

	job.markPersisted()
	return nil
}

func (r *PgRepo) ResumeInOp(ctx context.Context, op dbop.Op, job *Job, executeAt time.Time) (bool, error) {
	tx, err := dbop.TxOf(op)
	if err != nil {
		return false, err
	}

	now := op.Now()
	tag, err := tx.Exec(ctx,
		`INSERT INTO job_executions (id, job_type, queue_id, state, attempt_index, execute_at, alive_at, created_at)
		 VALUES ($1, $2, $3, $4, 1, $5, $6, $6)
		 ON CONFLICT (id) DO NOTHING`,
		job.ID.String(), job.JobType.String(), sqlutil.ToSqlString(job.QueueID), string(ExecutionPending), executeAt, now,
	)
	if err != nil {
		return false, fmt.Errorf("failed to resume job %s: %w", job.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	if r.notifyChannel != "" {
		if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, r.notifyChannel, job.ID.String()); err != nil {
			return false, fmt.Errorf("failed to notify job channel: %w", err)
		}
	}
	return true, nil
}

func (r *PgRepo) UpdateInOp(ctx context.Context, op dbop.Op, job *Job) error {
	tx, err := dbop.TxOf(op)
	if err != nil {
		return err
	}
	first := job.persisted
	events := job.stampNewEvents(op.Now())
	if len(events) == 0 {
		return nil
	}
	if err := insertEvents(ctx, tx, job.ID, first, events); err != nil {
		return err
	}
	job.markPersisted()
	return nil
}

func insertEvents(ctx context.Context, tx pgx.Tx, id JobID, first int, events []Event) error {
	for i, e := range events {
		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("failed to encode job event: %w", err)
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO job_events (job_id, sequence, event_type, event, recorded_at)
			 VALUES ($1, $2, $3, $4, $5)`,
			id.String(), first+i+1, string(e.Type), data, e.RecordedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert job event for %s: %w", id, err)
		}
	}
	return nil
}

func (r *PgRepo) Find(ctx context.Context, id JobID) (*Job, error) {
	var (
		jobType   string
		config    []byte
		queueID   sql.NullString
		createdAt time.Time
	)
	err := r.pool.QueryRow(ctx,
		`SELECT job_type, config, queue_id, created_at FROM jobs WHERE id = $1`,
		id.String(),
	).Scan(&jobType, &config, &queueID, &createdAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load job %s: %w", id, err)
	}

	rows, err := r.pool.Query(ctx,
		`SELECT event FROM job_events WHERE job_id = $1 ORDER BY sequence ASC`,
		id.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load events of job %s: %w", id, err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("failed to scan job event: %w", err)
		}
		var e Event
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, fmt.Errorf("failed to decode event of job %s: %w", id, err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate events of job %s: %w", id, err)
	}

	return rehydrate(id, JobType(jobType), sqlutil.FromSqlStringPtr(queueID), createdAt, config, events), nil
}

func (r *PgRepo) FindExecution(ctx context.Context, id JobID) (*Execution, error) {
	var (
		exec    Execution
		jobType string
		state   string
		queueID sql.NullString
		data    pqtype.NullRawMessage
	)
	err := r.pool.QueryRow(ctx,
		`SELECT job_type, queue_id, state, attempt_index, execute_at, alive_at, execution_state_json, created_at
		 FROM job_executions WHERE id = $1`,
		id.String(),
	).Scan(&jobType, &queueID, &state, &exec.Attempt, &exec.ExecuteAt, &exec.AliveAt, &data, &exec.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load execution %s: %w", id, err)
	}
	exec.ID = id
	exec.JobType = JobType(jobType)
	exec.QueueID = sqlutil.FromSqlStringPtr(queueID)
	exec.State = ExecutionStatus(state)
	exec.Data = sqlutil.FromNullRawMessage(data)
	return &exec, nil
}

const pollDueSQL = `
WITH running_queues AS (
	SELECT DISTINCT queue_id FROM job_executions
	WHERE state = 'running' AND queue_id IS NOT NULL
), due AS (
	SELECT DISTINCT ON (COALESCE(je.queue_id, je.id)) je.id, je.execute_at, je.created_at
	FROM job_executions je
	WHERE je.state = 'pending'
	  AND je.execute_at <= $1
	  AND je.job_type = ANY($3)
	  AND (je.queue_id IS NULL OR je.queue_id NOT IN (SELECT queue_id FROM running_queues))
	ORDER BY COALESCE(je.queue_id, je.id), je.execute_at ASC, je.created_at ASC
), selected AS (
	SELECT id FROM due ORDER BY execute_at ASC, created_at ASC LIMIT $2
)
UPDATE job_executions je
SET state = 'running', alive_at = $1
FROM selected
WHERE je.id = selected.id
RETURNING je.id, je.job_type, je.queue_id, je.attempt_index, je.execution_state_json`

func (r *PgRepo) PollDue(ctx context.Context, now time.Time, limit int, types []JobType) (res PollResult, err error) {
	rawTypes := make([]string, len(types))
	for i, t := range types {
		rawTypes[i] = t.String()
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return res, fmt.Errorf("failed to begin poll: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if _, err = tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, pollLockKey); err != nil {
		return res, fmt.Errorf("failed to lock job poller: %w", err)
	}

	rows, err := tx.Query(ctx, pollDueSQL, now, limit, rawTypes)
	if err != nil {
		return res, fmt.Errorf("failed to poll jobs: %w", err)
	}
	for rows.Next() {
		var (
			id, jobType string
			queueID     sql.NullString
			attempt     int
			data        pqtype.NullRawMessage
		)
		if err = rows.Scan(&id, &jobType, &queueID, &attempt, &data); err != nil {
			rows.Close()
			return res, fmt.Errorf("failed to scan polled job: %w", err)
		}
		res.Jobs = append(res.Jobs, PolledJob{
			ID:      JobID(id),
			JobType: JobType(jobType),
			QueueID: sqlutil.FromSqlStringPtr(queueID),
			Attempt: attempt,
			State:   sqlutil.FromNullRawMessage(data),
		})
	}
	rows.Close()
	if err = rows.Err(); err != nil {
		return res, fmt.Errorf("failed to iterate polled jobs: %w", err)
	}

	if len(res.Jobs) == 0 {
		var next sql.NullTime
		err = tx.QueryRow(ctx,
			`SELECT MIN(execute_at) FROM job_executions
			 WHERE state = 'pending' AND execute_at > $1 AND job_type = ANY($2)`,
			now, rawTypes,
		).Scan(&next)
		if err != nil {
			return res, fmt.Errorf("failed to read next due time: %w", err)
		}
		res.NextDueAt = sqlutil.FromSqlTime(next)
	}

	if err = tx.Commit(ctx); err != nil {
		return res, fmt.Errorf("failed to commit poll: %w", err)
	}
	return res, nil
}

func (r *PgRepo) KeepAlive(ctx context.Context, ids []JobID, now time.Time) error {
	raw := make([]string, len(ids))
	for i, id := range ids {
		raw[i] = id.String()
	}
	_, err := r.pool.Exec(ctx,
		`UPDATE job_executions SET alive_at = $1 WHERE id = ANY($2) AND state = 'running'`,
		now, raw,
	)
	if err != nil {
		return fmt.Errorf("failed to keep jobs alive: %w", err)
	}
	return nil
}

func (r *PgRepo) RescheduleLost(ctx context.Context, cutoff, now time.Time) (int, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE job_executions
		 SET state = 'pending', execute_at = $2, attempt_index = attempt_index + 1
		 WHERE state = 'running' AND alive_at < $1`,
		cutoff, now,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to reschedule lost jobs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (r *PgRepo) RescheduleInOp(ctx context.Context, op dbop.Op, id JobID, at time.Time, attempt int) error {
	tx, err := dbop.TxOf(op)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx,
		`UPDATE job_executions SET state = 'pending', execute_at = $2, attempt_index = $3 WHERE id = $1`,
		id.String(), at, attempt,
	)
	if err != nil {
		return fmt.Errorf("failed to reschedule job %s: %w", id, err)
	}
	return nil
}

func (r *PgRepo) DeleteExecutionInOp(ctx context.Context, op dbop.Op, id JobID) error {
	tx, err := dbop.TxOf(op)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `DELETE FROM job_executions WHERE id = $1`, id.String()); err != nil {
		return fmt.Errorf("failed to delete execution of job %s: %w", id, err)
	}
	return nil
}

func (r *PgRepo) UpdateExecutionStateInOp(ctx context.Context, op dbop.Op, id JobID, state json.RawMessage) error {
	tx, err := dbop.TxOf(op)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx,
		`UPDATE job_executions SET execution_state_json = $2 WHERE id = $1`,
		id.String(), sqlutil.ToNullRawMessage(state),
	)
	if err != nil {
		return fmt.Errorf("failed to update execution state of job %s: %w", id, err)
	}
	return nil
}
