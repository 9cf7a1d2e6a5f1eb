package eventlog

import "context"

// Store is component A's persistence contract (spec.md §4.A). All
// implementations must honor: append is all-or-nothing and durable before
// returning success; reads are monotonic; no event is ever mutated;
// snapshots are strictly derivative of the event log.
type Store interface {
	// CreateInstance registers a new instance row at version 0. If
	// clientToken collides with an existing instance, it returns that
	// existing instance and a nil error (idempotent start, §6.1).
	CreateInstance(ctx context.Context, inst Instance) (Instance, error)

	// GetInstance fetches the instance row (status, kind, latest version).
	GetInstance(ctx context.Context, instanceID string) (Instance, error)

	// FindInstanceByClientToken supports idempotent startWorkflow.
	FindInstanceByClientToken(ctx context.Context, clientToken string) (Instance, bool, error)

	// UpdateInstanceStatus persists a new status/current-state/last-error
	// for an instance without touching the event log.
	UpdateInstanceStatus(ctx context.Context, instanceID string, status Status, currentState string, lastError string) error

	// ListInstances pages instances by optional kind/party/pitch filter.
	ListInstances(ctx context.Context, filter ListFilter) ([]Instance, error)

	// Append assigns versions expectedVersion+1..expectedVersion+len(events)
	// and persists them atomically. Returns dealerrors.ErrVersionConflict if
	// the persisted latest version does not equal expectedVersion.
	Append(ctx context.Context, instanceID string, expectedVersion int64, events []Event) (newVersion int64, err error)

	// ReadRange returns events with fromVersion <= version <= toVersion,
	// ordered ascending. toVersion of 0 means "through latest".
	ReadRange(ctx context.Context, instanceID string, fromVersion, toVersion int64) ([]Event, error)

	// LatestSnapshot returns the highest-versioned snapshot at or below the
	// instance's current version, or ok=false if none exists.
	LatestSnapshot(ctx context.Context, instanceID string) (Snapshot, bool, error)

	// WriteSnapshot is idempotent on (instanceID, snapshot.Version).
	WriteSnapshot(ctx context.Context, snap Snapshot) error
}

// ListFilter narrows ListInstances (spec.md §6.1 listInstances).
type ListFilter struct {
	Kind     Kind
	PartyID  string
	PitchID  string
	Status   Status
	Limit    int
	Offset   int
}
