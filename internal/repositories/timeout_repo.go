package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/escrow-market/backend/internal/models"
	"github.com/escrow-market/backend/internal/storage"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const timeoutColumns = `id, transaction_id, timeout_type, from_status, to_status,
       scheduled_at, expires_at, job_handle, is_executed, is_cancelled,
       execution_notes, executed_at, cancelled_at, created_at`

const pgUniqueViolation = "23505"

type TimeoutRepo struct{}

func NewTimeoutRepo() *TimeoutRepo {
	return &TimeoutRepo{}
}

func scanTimeout(row pgx.Row) (*models.EscrowTimeout, error) {
	var t models.EscrowTimeout
	err := row.Scan(&t.ID, &t.TransactionID, &t.TimeoutType, &t.FromStatus, &t.ToStatus,
		&t.ScheduledAt, &t.ExpiresAt, &t.JobHandle, &t.IsExecuted, &t.IsCancelled,
		&t.ExecutionNotes, &t.ExecutedAt, &t.CancelledAt, &t.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, err
	}
	return &t, nil
}

// Insert stores the durable scheduling intent. A unique violation on
// the active-subset index is surfaced as ErrDuplicateActiveTimeout so
// callers can treat the race as already-scheduled.
func (r *TimeoutRepo) Insert(ctx context.Context, db DB, t *models.EscrowTimeout) error {
	err := db.QueryRow(ctx, `
		INSERT INTO escrow_timeouts (transaction_id, timeout_type, from_status, to_status, scheduled_at, expires_at, job_handle)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at
	`, t.TransactionID, t.TimeoutType, t.FromStatus, t.ToStatus, t.ScheduledAt, t.ExpiresAt, t.JobHandle,
	).Scan(&t.ID, &t.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return storage.ErrDuplicateActiveTimeout
		}
		return err
	}
	return nil
}

func (r *TimeoutRepo) GetByJobHandle(ctx context.Context, db DB, handle string) (*models.EscrowTimeout, error) {
	return scanTimeout(db.QueryRow(ctx,
		`SELECT `+timeoutColumns+` FROM escrow_timeouts WHERE job_handle = $1`, handle))
}

// Active lists active timeouts for a transaction, optionally filtered
// by type (empty string means any type).
func (r *TimeoutRepo) Active(ctx context.Context, db DB, txnID uuid.UUID, timeoutType string) ([]models.EscrowTimeout, error) {
	query := `SELECT ` + timeoutColumns + ` FROM escrow_timeouts
		WHERE transaction_id = $1 AND NOT is_executed AND NOT is_cancelled`
	args := []any{txnID}
	if timeoutType != "" {
		query += " AND timeout_type = $2"
		args = append(args, timeoutType)
	}
	query += " ORDER BY created_at DESC"

	rows, err := db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTimeouts(rows)
}

func (r *TimeoutRepo) ListByTransaction(ctx context.Context, db DB, txnID uuid.UUID) ([]models.EscrowTimeout, error) {
	rows, err := db.Query(ctx,
		`SELECT `+timeoutColumns+` FROM escrow_timeouts WHERE transaction_id = $1 ORDER BY created_at DESC`, txnID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTimeouts(rows)
}

func (r *TimeoutRepo) MarkExecuted(ctx context.Context, db DB, id uuid.UUID, notes string) error {
	tag, err := db.Exec(ctx, `
		UPDATE escrow_timeouts
		SET is_executed = true, execution_notes = $1, executed_at = now()
		WHERE id = $2 AND NOT is_executed AND NOT is_cancelled
	`, notes, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (r *TimeoutRepo) MarkCancelled(ctx context.Context, db DB, id uuid.UUID, reason string) error {
	tag, err := db.Exec(ctx, `
		UPDATE escrow_timeouts
		SET is_cancelled = true, execution_notes = $1, cancelled_at = now()
		WHERE id = $2 AND NOT is_executed AND NOT is_cancelled
	`, reason, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (r *TimeoutRepo) Overdue(ctx context.Context, db DB, grace time.Duration, limit int) ([]models.EscrowTimeout, error) {
	rows, err := db.Query(ctx, `
		SELECT `+timeoutColumns+` FROM escrow_timeouts
		WHERE NOT is_executed AND NOT is_cancelled
		  AND expires_at < now() - $1::interval
		ORDER BY expires_at ASC
		LIMIT $2
	`, intervalArg(grace), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTimeouts(rows)
}

// DuplicateActive should return nothing while the partial unique index
// holds; it exists to detect and repair constraint drift.
func (r *TimeoutRepo) DuplicateActive(ctx context.Context, db DB, limit int) ([]models.EscrowTimeout, error) {
	rows, err := db.Query(ctx, `
		SELECT `+timeoutColumns+` FROM escrow_timeouts et
		WHERE NOT et.is_executed AND NOT et.is_cancelled
		  AND (et.transaction_id, et.timeout_type) IN (
			SELECT transaction_id, timeout_type FROM escrow_timeouts
			WHERE NOT is_executed AND NOT is_cancelled
			GROUP BY transaction_id, timeout_type
			HAVING COUNT(*) > 1
			LIMIT $1
		  )
		ORDER BY et.transaction_id, et.timeout_type, et.created_at DESC
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTimeouts(rows)
}

func (r *TimeoutRepo) CountByType(ctx context.Context, db DB, since time.Duration) (map[string]storage.TimeoutTypeStats, error) {
	rows, err := db.Query(ctx, `
		SELECT timeout_type,
		       COUNT(*) FILTER (WHERE NOT is_executed AND NOT is_cancelled),
		       COUNT(*) FILTER (WHERE is_executed AND executed_at > now() - $1::interval),
		       COUNT(*) FILTER (WHERE is_cancelled AND cancelled_at > now() - $1::interval)
		FROM escrow_timeouts
		GROUP BY timeout_type
	`, intervalArg(since))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := map[string]storage.TimeoutTypeStats{}
	for rows.Next() {
		var timeoutType string
		var s storage.TimeoutTypeStats
		if err := rows.Scan(&timeoutType, &s.Active, &s.Executed7d, &s.Cancelled7d); err != nil {
			return nil, err
		}
		stats[timeoutType] = s
	}
	return stats, rows.Err()
}

func (r *TimeoutRepo) CountUpcoming(ctx context.Context, db DB, within time.Duration) (int, error) {
	var n int
	err := db.QueryRow(ctx, `
		SELECT COUNT(*) FROM escrow_timeouts
		WHERE NOT is_executed AND NOT is_cancelled
		  AND expires_at BETWEEN now() AND now() + $1::interval
	`, intervalArg(within)).Scan(&n)
	return n, err
}

func (r *TimeoutRepo) CountOverdue(ctx context.Context, db DB, grace time.Duration) (int, error) {
	var n int
	err := db.QueryRow(ctx, `
		SELECT COUNT(*) FROM escrow_timeouts
		WHERE NOT is_executed AND NOT is_cancelled
		  AND expires_at < now() - $1::interval
	`, intervalArg(grace)).Scan(&n)
	return n, err
}

func collectTimeouts(rows pgx.Rows) ([]models.EscrowTimeout, error) {
	var timeouts []models.EscrowTimeout
	for rows.Next() {
		t, err := scanTimeout(rows)
		if err != nil {
			return nil, err
		}
		timeouts = append(timeouts, *t)
	}
	return timeouts, rows.Err()
}

func intervalArg(d time.Duration) string {
	return fmt.Sprintf("%d seconds", int(d.Seconds()))
}
