package eventlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/R3E-Network/dealflow/internal/dealerrors"
)

// PostgresStore implements Store on top of the tables described in spec.md
// §6.3, grounded on the teacher's store_postgres.go (github.com/R3E-Network/
// service_layer packages/com.r3e.services.automation): plain parameterized
// SQL over a shared *sqlx.DB, row-level locking for the version CAS.
type PostgresStore struct {
	db *sqlx.DB
}

// NewPostgresStore wraps an already-connected *sqlx.DB.
func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) CreateInstance(ctx context.Context, inst Instance) (Instance, error) {
	if inst.CreatedAt.IsZero() {
		inst.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workflow_instances
			(id, kind, status, current_state, latest_version, created_at, last_advanced_at, client_token, party_ids, pitch_id)
		VALUES ($1, $2, $3, $4, $5, $6, $6, NULLIF($7, ''), $8, $9)
		ON CONFLICT (id) DO NOTHING
	`, inst.ID, inst.Kind, inst.Status, inst.CurrentState, inst.LatestVersion, inst.CreatedAt, inst.ClientToken, pq.Array(inst.PartyIDs), inst.PitchID)
	if err != nil {
		if isUniqueViolation(err) {
			existing, findErr := s.FindInstanceByClientToken(ctx, inst.ClientToken)
			if findErr == nil {
				return existing, nil
			}
		}
		return Instance{}, dealerrors.Transient(dealerrors.CodeProviderUnavailable, "create instance", err)
	}
	return s.GetInstance(ctx, inst.ID)
}

func (s *PostgresStore) GetInstance(ctx context.Context, instanceID string) (Instance, error) {
	var row instanceRow
	err := s.db.GetContext(ctx, &row, `
		SELECT id, kind, status, current_state, latest_version, created_at, last_advanced_at,
		       coalesce(lock_holder, '') AS lock_holder, coalesce(client_token, '') AS client_token,
		       coalesce(last_error, '') AS last_error, party_ids, coalesce(pitch_id, '') AS pitch_id
		FROM workflow_instances WHERE id = $1
	`, instanceID)
	if errors.Is(err, sql.ErrNoRows) {
		return Instance{}, dealerrors.ErrNotFound
	}
	if err != nil {
		return Instance{}, dealerrors.Transient(dealerrors.CodeProviderUnavailable, "get instance", err)
	}
	return row.toInstance(), nil
}

func (s *PostgresStore) FindInstanceByClientToken(ctx context.Context, clientToken string) (Instance, bool, error) {
	if clientToken == "" {
		return Instance{}, false, nil
	}
	var row instanceRow
	err := s.db.GetContext(ctx, &row, `
		SELECT id, kind, status, current_state, latest_version, created_at, last_advanced_at,
		       coalesce(lock_holder, '') AS lock_holder, coalesce(client_token, '') AS client_token,
		       coalesce(last_error, '') AS last_error, party_ids, coalesce(pitch_id, '') AS pitch_id
		FROM workflow_instances WHERE client_token = $1
	`, clientToken)
	if errors.Is(err, sql.ErrNoRows) {
		return Instance{}, false, nil
	}
	if err != nil {
		return Instance{}, false, dealerrors.Transient(dealerrors.CodeProviderUnavailable, "find instance by token", err)
	}
	return row.toInstance(), true, nil
}

func (s *PostgresStore) UpdateInstanceStatus(ctx context.Context, instanceID string, status Status, currentState string, lastError string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE workflow_instances
		SET status = $2, current_state = $3, last_error = NULLIF($4, ''), last_advanced_at = now()
		WHERE id = $1
	`, instanceID, status, currentState, lastError)
	if err != nil {
		return dealerrors.Transient(dealerrors.CodeProviderUnavailable, "update instance status", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return dealerrors.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListInstances(ctx context.Context, filter ListFilter) ([]Instance, error) {
	var (
		clauses []string
		args    []interface{}
	)
	arg := func(v interface{}) string {
		args = append(args, v)
		return "$" + itoa(len(args))
	}
	if filter.Kind != "" {
		clauses = append(clauses, "kind = "+arg(filter.Kind))
	}
	if filter.Status != "" {
		clauses = append(clauses, "status = "+arg(filter.Status))
	}
	if filter.PitchID != "" {
		clauses = append(clauses, "pitch_id = "+arg(filter.PitchID))
	}
	if filter.PartyID != "" {
		clauses = append(clauses, arg(filter.PartyID)+" = ANY(party_ids)")
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT id, kind, status, current_state, latest_version, created_at, last_advanced_at,
		       coalesce(lock_holder, '') AS lock_holder, coalesce(client_token, '') AS client_token,
		       coalesce(last_error, '') AS last_error, party_ids, coalesce(pitch_id, '') AS pitch_id
		FROM workflow_instances
		` + where + `
		ORDER BY created_at
		LIMIT ` + arg(limit) + ` OFFSET ` + arg(filter.Offset)

	var rows []instanceRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, dealerrors.Transient(dealerrors.CodeProviderUnavailable, "list instances", err)
	}
	out := make([]Instance, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toInstance())
	}
	return out, nil
}

func (s *PostgresStore) Append(ctx context.Context, instanceID string, expectedVersion int64, events []Event) (int64, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, dealerrors.Transient(dealerrors.CodeProviderUnavailable, "begin append tx", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var current int64
	if err := tx.GetContext(ctx, &current, `SELECT latest_version FROM workflow_instances WHERE id = $1 FOR UPDATE`, instanceID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, dealerrors.ErrNotFound
		}
		return 0, dealerrors.Transient(dealerrors.CodeProviderUnavailable, "lock instance row", err)
	}
	if current != expectedVersion {
		return 0, dealerrors.ErrVersionConflict
	}

	version := expectedVersion
	now := time.Now().UTC()
	for _, ev := range events {
		version++
		ts := ev.Timestamp
		if ts.IsZero() {
			ts = now
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO workflow_events (id, instance_id, version, kind, data, ts)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, ev.ID, instanceID, version, ev.Kind, []byte(ev.Data), ts); err != nil {
			if isUniqueViolation(err) {
				// Same event id retried after a prior append that actually
				// committed: the retry is indistinguishable from success.
				return 0, dealerrors.ErrVersionConflict
			}
			return 0, dealerrors.Transient(dealerrors.CodeProviderUnavailable, "insert event", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE workflow_instances SET latest_version = $2, last_advanced_at = now() WHERE id = $1
	`, instanceID, version); err != nil {
		return 0, dealerrors.Transient(dealerrors.CodeProviderUnavailable, "bump latest version", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, dealerrors.Transient(dealerrors.CodeProviderUnavailable, "commit append", err)
	}
	return version, nil
}

func (s *PostgresStore) ReadRange(ctx context.Context, instanceID string, fromVersion, toVersion int64) ([]Event, error) {
	query := `SELECT id, instance_id, version, kind, data, ts FROM workflow_events WHERE instance_id = $1 AND version >= $2`
	args := []interface{}{instanceID, fromVersion}
	if toVersion > 0 {
		query += " AND version <= $3"
		args = append(args, toVersion)
	}
	query += " ORDER BY version ASC"

	var rows []eventRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, dealerrors.Transient(dealerrors.CodeProviderUnavailable, "read range", err)
	}
	out := make([]Event, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toEvent())
	}
	return out, nil
}

func (s *PostgresStore) LatestSnapshot(ctx context.Context, instanceID string) (Snapshot, bool, error) {
	var row snapshotRow
	err := s.db.GetContext(ctx, &row, `
		SELECT instance_id, version, domain_state, step_memo, outstanding_wait, compensation_stack, taken_at
		FROM workflow_snapshots WHERE instance_id = $1 ORDER BY version DESC LIMIT 1
	`, instanceID)
	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, dealerrors.Transient(dealerrors.CodeProviderUnavailable, "latest snapshot", err)
	}
	snap, err := row.toSnapshot()
	if err != nil {
		return Snapshot{}, false, dealerrors.Fatal(dealerrors.CodeCorruptLog, "decode snapshot", err)
	}
	return snap, true, nil
}

func (s *PostgresStore) WriteSnapshot(ctx context.Context, snap Snapshot) error {
	memo, err := json.Marshal(snap.StepMemo)
	if err != nil {
		return dealerrors.Fatal(dealerrors.CodeCorruptLog, "encode step memo", err)
	}
	wait, err := json.Marshal(snap.OutstandingWait)
	if err != nil {
		return dealerrors.Fatal(dealerrors.CodeCorruptLog, "encode wait descriptor", err)
	}
	stack, err := json.Marshal(snap.CompensationStack)
	if err != nil {
		return dealerrors.Fatal(dealerrors.CodeCorruptLog, "encode compensation stack", err)
	}
	if snap.TakenAt.IsZero() {
		snap.TakenAt = time.Now().UTC()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflow_snapshots (instance_id, version, domain_state, step_memo, outstanding_wait, compensation_stack, taken_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (instance_id, version) DO UPDATE
		SET domain_state = EXCLUDED.domain_state, step_memo = EXCLUDED.step_memo,
		    outstanding_wait = EXCLUDED.outstanding_wait, compensation_stack = EXCLUDED.compensation_stack
	`, snap.InstanceID, snap.Version, []byte(snap.DomainState), memo, wait, stack, snap.TakenAt)
	if err != nil {
		return dealerrors.Transient(dealerrors.CodeProviderUnavailable, "write snapshot", err)
	}
	return nil
}

// --- row scanning helpers ---------------------------------------------------

type instanceRow struct {
	ID             string         `db:"id"`
	Kind           string         `db:"kind"`
	Status         string         `db:"status"`
	CurrentState   string         `db:"current_state"`
	LatestVersion  int64          `db:"latest_version"`
	CreatedAt      time.Time      `db:"created_at"`
	LastAdvancedAt time.Time      `db:"last_advanced_at"`
	LockHolder     string         `db:"lock_holder"`
	ClientToken    string         `db:"client_token"`
	LastError      string         `db:"last_error"`
	PartyIDs       pq.StringArray `db:"party_ids"`
	PitchID        string         `db:"pitch_id"`
}

func (r instanceRow) toInstance() Instance {
	return Instance{
		ID:             r.ID,
		Kind:           Kind(r.Kind),
		Status:         Status(r.Status),
		CurrentState:   r.CurrentState,
		LatestVersion:  r.LatestVersion,
		CreatedAt:      r.CreatedAt,
		LastAdvancedAt: r.LastAdvancedAt,
		LockHolder:     r.LockHolder,
		ClientToken:    r.ClientToken,
		LastError:      r.LastError,
		PartyIDs:       []string(r.PartyIDs),
		PitchID:        r.PitchID,
	}
}

type eventRow struct {
	ID         string          `db:"id"`
	InstanceID string          `db:"instance_id"`
	Version    int64           `db:"version"`
	Kind       string          `db:"kind"`
	Data       json.RawMessage `db:"data"`
	Timestamp  time.Time       `db:"ts"`
}

func (r eventRow) toEvent() Event {
	return Event{
		ID:         r.ID,
		InstanceID: r.InstanceID,
		Version:    r.Version,
		Kind:       EventKind(r.Kind),
		Data:       r.Data,
		Timestamp:  r.Timestamp,
	}
}

type snapshotRow struct {
	InstanceID        string          `db:"instance_id"`
	Version           int64           `db:"version"`
	DomainState       json.RawMessage `db:"domain_state"`
	StepMemo          json.RawMessage `db:"step_memo"`
	OutstandingWait   json.RawMessage `db:"outstanding_wait"`
	CompensationStack json.RawMessage `db:"compensation_stack"`
	TakenAt           time.Time       `db:"taken_at"`
}

func (r snapshotRow) toSnapshot() (Snapshot, error) {
	snap := Snapshot{
		InstanceID:  r.InstanceID,
		Version:     r.Version,
		DomainState: r.DomainState,
		TakenAt:     r.TakenAt,
	}
	if len(r.StepMemo) > 0 {
		if err := json.Unmarshal(r.StepMemo, &snap.StepMemo); err != nil {
			return Snapshot{}, err
		}
	}
	if len(r.OutstandingWait) > 0 && string(r.OutstandingWait) != "null" {
		var wait WaitDescriptor
		if err := json.Unmarshal(r.OutstandingWait, &wait); err != nil {
			return Snapshot{}, err
		}
		snap.OutstandingWait = &wait
	}
	if len(r.CompensationStack) > 0 {
		if err := json.Unmarshal(r.CompensationStack, &snap.CompensationStack); err != nil {
			return Snapshot{}, err
		}
	}
	return snap, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
