package clock

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/R3E-Network/dealflow/internal/dealerrors"
)

// PostgresWakeService persists schedules in workflow_timers (spec.md §6.3).
type PostgresWakeService struct {
	db *sqlx.DB
}

func NewPostgresWakeService(db *sqlx.DB) *PostgresWakeService {
	return &PostgresWakeService{db: db}
}

func (p *PostgresWakeService) ScheduleWake(ctx context.Context, instanceID string, at time.Time) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO workflow_timers (instance_id, fire_at, cancelled)
		VALUES ($1, $2, false)
		ON CONFLICT (instance_id) DO UPDATE SET fire_at = EXCLUDED.fire_at, cancelled = false
	`, instanceID, at)
	if err != nil {
		return dealerrors.Transient(dealerrors.CodeProviderUnavailable, "schedule wake", err)
	}
	return nil
}

func (p *PostgresWakeService) CancelWake(ctx context.Context, instanceID string) error {
	_, err := p.db.ExecContext(ctx, `UPDATE workflow_timers SET cancelled = true WHERE instance_id = $1`, instanceID)
	if err != nil {
		return dealerrors.Transient(dealerrors.CodeProviderUnavailable, "cancel wake", err)
	}
	return nil
}

// DueWakes atomically claims due, uncancelled timers by deleting them: a
// fired timer is a one-shot, matching spec.md's "exactly one wake delivery
// per schedule id; duplicate fires must be ignored" — deleting means a
// concurrent poller cannot double-claim the same row.
func (p *PostgresWakeService) DueWakes(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, `
		DELETE FROM workflow_timers
		WHERE instance_id IN (
			SELECT instance_id FROM workflow_timers
			WHERE fire_at <= $1 AND NOT cancelled
			FOR UPDATE SKIP LOCKED
		)
		RETURNING instance_id
	`, now)
	if err != nil {
		return nil, dealerrors.Transient(dealerrors.CodeProviderUnavailable, "poll due wakes", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, dealerrors.Transient(dealerrors.CodeProviderUnavailable, "scan due wake", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
