// Package queue is the typed layer over the embedded store that encodes the
// work_queue state machine and the atomic-claim invariant. Every writing
// operation here runs inside a scoped write transaction that acquires the
// write lock upfront via BEGIN IMMEDIATE — never a read transaction upgraded
// to a write transaction — which is what keeps the producer's batch insert
// and a consumer's claim from deadlocking against each other. The read-only
// StatusCounts aggregate runs as a plain query.
package queue

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/Stella-Achar-Oiro/queuepipe/internal/pipelineerr"
	"github.com/Stella-Achar-Oiro/queuepipe/internal/store"
	"github.com/Stella-Achar-Oiro/queuepipe/internal/workitem"
)

// Queue is a thin, stateless wrapper around a store.Handle. It is safe to
// construct one per worker since it holds no mutable state of its own; the
// Handle it wraps is the single-threaded-use resource.
type Queue struct {
	h *store.Handle
}

// New wraps h as a Queue.
func New(h *store.Handle) *Queue {
	return &Queue{h: h}
}

// Row is one page entry handed to EnqueueBatch: an opaque upstream record
// reduced to the id/payload pair the Queue persists.
type Row struct {
	SourceID int64
	Payload  string
}

// withImmediateTx pins a single connection for the lifetime of fn and runs
// fn between BEGIN IMMEDIATE and COMMIT, so the write lock is acquired
// before any statement executes rather than being upgraded mid-transaction.
func (q *Queue) withImmediateTx(ctx context.Context, fn func(ctx context.Context, conn *sql.Conn) error) error {
	conn, err := q.h.DB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("queue: acquire connection: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		if store.IsBusyErr(err) {
			return pipelineerr.ErrBusy
		}
		return fmt.Errorf("queue: begin immediate: %w", err)
	}

	if err := fn(ctx, conn); err != nil {
		_, _ = conn.ExecContext(ctx, "ROLLBACK")
		if store.IsBusyErr(err) {
			return pipelineerr.ErrBusy
		}
		return err
	}

	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		if store.IsBusyErr(err) {
			return pipelineerr.ErrBusy
		}
		return fmt.Errorf("queue: commit: %w", err)
	}
	return nil
}

// EnqueueBatch inserts all of rows in one write transaction: all-or-nothing
// per batch.
func (q *Queue) EnqueueBatch(ctx context.Context, rows []Row) error {
	if len(rows) == 0 {
		return nil
	}

	return q.withImmediateTx(ctx, func(ctx context.Context, conn *sql.Conn) error {
		stmt, err := conn.PrepareContext(ctx,
			`INSERT INTO work_queue (source_id, payload, status) VALUES (?, ?, 'pending')`)
		if err != nil {
			return fmt.Errorf("queue: prepare insert: %w", err)
		}
		defer stmt.Close()

		for _, r := range rows {
			if _, err := stmt.ExecContext(ctx, r.SourceID, r.Payload); err != nil {
				return fmt.Errorf("queue: insert row %d: %w", r.SourceID, err)
			}
		}
		return nil
	})
}

// ClaimOne atomically selects one pending row, transitions it to
// processing, stamps processed_at, and returns it, as a single
// UPDATE ... WHERE id = (SELECT ...) RETURNING statement. It returns
// (nil, nil) when no pending row exists. A busy-timeout error surfaces as
// pipelineerr.ErrBusy for the caller to back off and retry.
func (q *Queue) ClaimOne(ctx context.Context) (*workitem.WorkItem, error) {
	var item *workitem.WorkItem

	err := q.withImmediateTx(ctx, func(ctx context.Context, conn *sql.Conn) error {
		now := time.Now().UTC().Format(time.RFC3339Nano)
		row := conn.QueryRowContext(ctx,
			`UPDATE work_queue SET status = 'processing', processed_at = ?
			 WHERE id = (SELECT id FROM work_queue WHERE status = 'pending' ORDER BY id ASC LIMIT 1)
			 RETURNING id, source_id, payload, status, created_at, processed_at`,
			now)

		wi, err := scanWorkItem(row)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return fmt.Errorf("queue: claim: %w", err)
		}
		item = wi
		return nil
	})
	if err != nil {
		return nil, err
	}
	return item, nil
}

// MarkDone transitions a processing row to done and writes all nine result
// fields. It returns pipelineerr.ErrNotProcessing if id is not currently
// processing — the design treats that as an invariant violation, not a
// runtime condition to route around.
func (q *Queue) MarkDone(ctx context.Context, id int64, results [3]workitem.Result) error {
	return q.withImmediateTx(ctx, func(ctx context.Context, conn *sql.Conn) error {
		if err := requireProcessing(ctx, conn, id); err != nil {
			return err
		}

		_, err := conn.ExecContext(ctx, `
			UPDATE work_queue SET
				status = 'done',
				result_1_body = ?, result_1_status = ?, result_1_duration_ms = ?,
				result_2_body = ?, result_2_status = ?, result_2_duration_ms = ?,
				result_3_body = ?, result_3_status = ?, result_3_duration_ms = ?
			WHERE id = ?`,
			results[0].Body, results[0].StatusCode, results[0].DurationMS,
			results[1].Body, results[1].StatusCode, results[1].DurationMS,
			results[2].Body, results[2].StatusCode, results[2].DurationMS,
			id,
		)
		if err != nil {
			return fmt.Errorf("queue: mark_done %d: %w", id, err)
		}
		return nil
	})
}

// MarkFailed transitions a processing row to failed, terminal, with no
// result columns written. See DESIGN.md for the open question on partial
// result retention; this implements the documented (non-extended) behavior.
func (q *Queue) MarkFailed(ctx context.Context, id int64) error {
	return q.withImmediateTx(ctx, func(ctx context.Context, conn *sql.Conn) error {
		if err := requireProcessing(ctx, conn, id); err != nil {
			return err
		}
		if _, err := conn.ExecContext(ctx,
			`UPDATE work_queue SET status = 'failed' WHERE id = ?`, id,
		); err != nil {
			return fmt.Errorf("queue: mark_failed %d: %w", id, err)
		}
		return nil
	})
}

// ResetOrphans sets every processing row back to pending, clearing
// processed_at, and returns the count reset. Used only by the Orchestrator
// during shutdown; the reversal is destructive by design — there is no
// retry scheduler to preserve the timestamp for.
func (q *Queue) ResetOrphans(ctx context.Context) (int, error) {
	var count int
	err := q.withImmediateTx(ctx, func(ctx context.Context, conn *sql.Conn) error {
		res, err := conn.ExecContext(ctx,
			`UPDATE work_queue SET status = 'pending', processed_at = NULL WHERE status = 'processing'`)
		if err != nil {
			return fmt.Errorf("queue: reset_orphans: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("queue: reset_orphans rows affected: %w", err)
		}
		count = int(n)
		return nil
	})
	return count, err
}

// StatusCounts is a read-only aggregate used for progress sampling. It does
// not need write-lock semantics, so it runs as a plain query, not a scoped
// write transaction.
func (q *Queue) StatusCounts(ctx context.Context) (map[workitem.Status]int, error) {
	rows, err := q.h.DB.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM work_queue GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("queue: status_counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[workitem.Status]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("queue: status_counts scan: %w", err)
		}
		counts[workitem.Status(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("queue: status_counts rows: %w", err)
	}
	return counts, nil
}

func requireProcessing(ctx context.Context, conn *sql.Conn, id int64) error {
	var status string
	err := conn.QueryRowContext(ctx, `SELECT status FROM work_queue WHERE id = ?`, id).Scan(&status)
	if err == sql.ErrNoRows {
		return fmt.Errorf("queue: row %d: %w", id, pipelineerr.ErrNotProcessing)
	}
	if err != nil {
		return fmt.Errorf("queue: lookup row %d status: %w", id, err)
	}
	if status != string(workitem.Processing) {
		return fmt.Errorf("queue: row %d has status %q: %w", id, status, pipelineerr.ErrNotProcessing)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorkItem(row rowScanner) (*workitem.WorkItem, error) {
	var (
		wi          workitem.WorkItem
		status      string
		createdAt   string
		processedAt sql.NullString
	)
	if err := row.Scan(&wi.ID, &wi.SourceID, &wi.Payload, &status, &createdAt, &processedAt); err != nil {
		return nil, err
	}
	wi.Status = workitem.Status(status)

	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		wi.CreatedAt = t
	}
	if processedAt.Valid {
		if t, err := time.Parse(time.RFC3339Nano, processedAt.String); err == nil {
			wi.ProcessedAt = &t
		}
	}
	return &wi, nil
}
