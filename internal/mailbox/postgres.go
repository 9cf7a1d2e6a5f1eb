package mailbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/R3E-Network/dealflow/internal/dealerrors"
)

// PostgresBus persists messages in workflow_mailbox (spec.md §6.3), with
// `seq` (a BIGSERIAL) providing the FIFO ordering per (instance_id,
// event_name).
type PostgresBus struct {
	db *sqlx.DB
}

func NewPostgresBus(db *sqlx.DB) *PostgresBus {
	return &PostgresBus{db: db}
}

func (p *PostgresBus) Deliver(ctx context.Context, instanceID, eventName string, payload json.RawMessage) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO workflow_mailbox (instance_id, event_name, payload, received_at)
		VALUES ($1, $2, $3, now())
	`, instanceID, eventName, []byte(payload))
	if err != nil {
		return dealerrors.Transient(dealerrors.CodeProviderUnavailable, "deliver mailbox message", err)
	}
	return nil
}

// Take loads the queue head(s) for (instanceID, eventName) in seq order and
// claims the first one matching filter. Go-side filtering keeps Filter a
// plain predicate rather than a query fragment; queues are expected to stay
// small because a matching wait drains them promptly.
func (p *PostgresBus) Take(ctx context.Context, instanceID, eventName string, filter Filter) (Message, bool, error) {
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return Message{}, false, dealerrors.Transient(dealerrors.CodeProviderUnavailable, "begin take tx", err)
	}
	defer tx.Rollback() //nolint:errcheck

	rows, err := tx.QueryContext(ctx, `
		SELECT seq, payload, received_at FROM workflow_mailbox
		WHERE instance_id = $1 AND event_name = $2 AND taken_at IS NULL
		ORDER BY seq ASC
		FOR UPDATE
	`, instanceID, eventName)
	if err != nil {
		return Message{}, false, dealerrors.Transient(dealerrors.CodeProviderUnavailable, "scan mailbox queue", err)
	}

	type row struct {
		Seq        int64
		Payload    json.RawMessage
		ReceivedAt time.Time
	}
	var candidates []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.Seq, &r.Payload, &r.ReceivedAt); err != nil {
			rows.Close()
			return Message{}, false, dealerrors.Transient(dealerrors.CodeProviderUnavailable, "scan mailbox row", err)
		}
		candidates = append(candidates, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return Message{}, false, dealerrors.Transient(dealerrors.CodeProviderUnavailable, "iterate mailbox queue", err)
	}

	for _, r := range candidates {
		if filter != nil && !filter(r.Payload) {
			continue
		}
		if _, err := tx.ExecContext(ctx, `UPDATE workflow_mailbox SET taken_at = now() WHERE instance_id = $1 AND event_name = $2 AND seq = $3`,
			instanceID, eventName, r.Seq); err != nil {
			return Message{}, false, dealerrors.Transient(dealerrors.CodeProviderUnavailable, "claim mailbox row", err)
		}
		if err := tx.Commit(); err != nil {
			return Message{}, false, dealerrors.Transient(dealerrors.CodeProviderUnavailable, "commit take", err)
		}
		return Message{
			InstanceID: instanceID,
			EventName:  eventName,
			Payload:    r.Payload,
			ReceivedAt: r.ReceivedAt,
			Seq:        r.Seq,
		}, true, nil
	}
	return Message{}, false, nil
}

func (p *PostgresBus) GC(ctx context.Context, olderThan time.Time) (int, error) {
	res, err := p.db.ExecContext(ctx, `DELETE FROM workflow_mailbox WHERE taken_at IS NOT NULL AND taken_at < $1 OR (taken_at IS NULL AND received_at < $1)`, olderThan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, dealerrors.Transient(dealerrors.CodeProviderUnavailable, "gc mailbox", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
