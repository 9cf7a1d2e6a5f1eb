package executor

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/R3E-Network/dealflow/internal/dealerrors"
	"github.com/R3E-Network/dealflow/internal/eventlog"
	"github.com/R3E-Network/dealflow/pkg/logger"
)

// RunContext is the mutable cursor the scheduler hands to a domain machine
// for one advance cycle. It owns the instance's current version and step
// memo, so Execute (and the WaitStarted/SleepStarted/TransitionApplied
// helpers in actions.go) can append events one at a time while
// keeping an optimistic-concurrency expected version current.
type RunContext struct {
	InstanceID string
	Store      eventlog.Store
	Log        *logger.Logger

	Version int64
	Memo    map[string]json.RawMessage
}

// NewRunContext seeds a RunContext from a snapshot's memo (may be nil for a
// fresh instance).
func NewRunContext(instanceID string, store eventlog.Store, log *logger.Logger, version int64, memo map[string]json.RawMessage) *RunContext {
	if memo == nil {
		memo = make(map[string]json.RawMessage)
	}
	return &RunContext{InstanceID: instanceID, Store: store, Log: log, Version: version, Memo: memo}
}

// Append persists a single event against the current version and advances
// Version on success. It also folds StepSucceeded outputs into Memo so a
// subsequent Execute call within the same advance sees the memoized value
// without re-reading the log.
func (rc *RunContext) Append(ctx context.Context, kind eventlog.EventKind, payload interface{}) (eventlog.Event, error) {
	data, err := eventlog.EncodeData(payload)
	if err != nil {
		return eventlog.Event{}, dealerrors.Fatal(dealerrors.CodeCorruptLog, "encode event payload", err)
	}
	ev := eventlog.Event{
		ID:        uuid.NewString(),
		Kind:      kind,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}
	newVersion, err := rc.Store.Append(ctx, rc.InstanceID, rc.Version, []eventlog.Event{ev})
	if err != nil {
		return eventlog.Event{}, err
	}
	rc.Version = newVersion
	ev.Version = newVersion
	ev.InstanceID = rc.InstanceID

	if succeeded, ok := payload.(eventlog.StepSucceededPayload); ok {
		rc.Memo[succeeded.StepName] = succeeded.Output
	}
	return ev, nil
}
