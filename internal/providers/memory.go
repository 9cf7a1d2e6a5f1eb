package providers

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/R3E-Network/dealflow/internal/dealerrors"
)

type exclusivityHold struct {
	instanceID string
	expiresAt  time.Time
}

// MemoryEntities is an in-process EntityStore fake for tests and local runs.
type MemoryEntities struct {
	mu        sync.Mutex
	users     map[string]User
	pitches   map[string]Pitch
	verified  map[string]bool
	ndas      map[string]bool // key: pitchID+"|"+requesterID
	exclusive map[string]exclusivityHold
	waitlist  map[string][]string
}

func NewMemoryEntities() *MemoryEntities {
	return &MemoryEntities{
		users:     make(map[string]User),
		pitches:   make(map[string]Pitch),
		verified:  make(map[string]bool),
		ndas:      make(map[string]bool),
		exclusive: make(map[string]exclusivityHold),
		waitlist:  make(map[string][]string),
	}
}

func (m *MemoryEntities) PutUser(u User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.ID] = u
}

func (m *MemoryEntities) PutPitch(p Pitch) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pitches[p.ID] = p
}

func (m *MemoryEntities) SetCompanyVerified(companyID string, verified bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.verified[companyID] = verified
}

func (m *MemoryEntities) GetUser(_ context.Context, userID string) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return User{}, dealerrors.ErrNotFound
	}
	return u, nil
}

func (m *MemoryEntities) GetPitch(_ context.Context, pitchID string) (Pitch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pitches[pitchID]
	if !ok {
		return Pitch{}, dealerrors.ErrNotFound
	}
	return p, nil
}

func (m *MemoryEntities) IsCompanyVerified(_ context.Context, companyID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.verified[companyID], nil
}

func (m *MemoryEntities) RecordDealAmount(_ context.Context, pitchID string, amount float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.pitches[pitchID]
	p.ID = pitchID
	p.TotalFunded += amount
	m.pitches[pitchID] = p
	return nil
}

func (m *MemoryEntities) HasActiveNDA(_ context.Context, pitchID, requesterID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ndas[pitchID+"|"+requesterID], nil
}

func (m *MemoryEntities) SetActiveNDA(pitchID, requesterID string, active bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ndas[pitchID+"|"+requesterID] = active
}

func (m *MemoryEntities) AcquireExclusivity(_ context.Context, pitchID, instanceID string, now, expiresAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if hold, ok := m.exclusive[pitchID]; ok && hold.instanceID != instanceID && hold.expiresAt.After(now) {
		return false, nil
	}
	m.exclusive[pitchID] = exclusivityHold{instanceID: instanceID, expiresAt: expiresAt}
	return true, nil
}

func (m *MemoryEntities) ReleaseExclusivity(_ context.Context, pitchID, instanceID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if hold, ok := m.exclusive[pitchID]; ok && hold.instanceID == instanceID {
		delete(m.exclusive, pitchID)
		return true, nil
	}
	return false, nil
}

func (m *MemoryEntities) CurrentExclusivity(_ context.Context, pitchID string, now time.Time) (string, time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	hold, ok := m.exclusive[pitchID]
	if !ok || !hold.expiresAt.After(now) {
		return "", time.Time{}, false, nil
	}
	return hold.instanceID, hold.expiresAt, true, nil
}

func (m *MemoryEntities) EnqueueWaitlist(_ context.Context, pitchID, instanceID string, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range m.waitlist[pitchID] {
		if id == instanceID {
			return nil
		}
	}
	m.waitlist[pitchID] = append(m.waitlist[pitchID], instanceID)
	return nil
}

func (m *MemoryEntities) PopWaitlist(_ context.Context, pitchID string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	queue := m.waitlist[pitchID]
	if len(queue) == 0 {
		return "", false, nil
	}
	id := queue[0]
	m.waitlist[pitchID] = queue[1:]
	return id, true, nil
}

// MemoryDocuments is an in-process DocumentStore fake.
type MemoryDocuments struct {
	mu   sync.Mutex
	data map[string][]byte
}

func NewMemoryDocuments() *MemoryDocuments {
	return &MemoryDocuments{data: make(map[string][]byte)}
}

func (m *MemoryDocuments) Put(_ context.Context, key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	m.data[key] = cp
	return nil
}

func (m *MemoryDocuments) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.data[key]
	if !ok {
		return nil, dealerrors.ErrNotFound
	}
	return d, nil
}

// MemoryTemplates is an in-process TemplateStore fake.
type MemoryTemplates struct {
	mu        sync.Mutex
	templates map[string]Template
}

func NewMemoryTemplates() *MemoryTemplates {
	return &MemoryTemplates{templates: make(map[string]Template)}
}

func (m *MemoryTemplates) PutTemplate(t Template) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.templates[t.ID] = t
}

func (m *MemoryTemplates) GetTemplate(_ context.Context, id string) (Template, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.templates[id]
	if !ok {
		return Template{}, dealerrors.ErrNotFound
	}
	return t, nil
}

// MemoryPayments is an in-process PaymentProvider fake. Results for a given
// idempotency key are cached so a retried HoldFunds call (as the step
// executor would issue on a transient failure) returns the same intent id
// rather than opening a second hold.
type MemoryPayments struct {
	mu      sync.Mutex
	holds   map[string]string
	failing map[string]bool
}

func NewMemoryPayments() *MemoryPayments {
	return &MemoryPayments{holds: make(map[string]string), failing: make(map[string]bool)}
}

// SetFailing forces HoldFunds for idempotencyKey to fail with a transient
// error until cleared. No hold is recorded while it fails.
func (m *MemoryPayments) SetFailing(idempotencyKey string, failing bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failing[idempotencyKey] = failing
}

func (m *MemoryPayments) HoldFunds(_ context.Context, idempotencyKey string, _ float64, _ map[string]string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.holds[idempotencyKey]; ok {
		return existing, nil
	}
	if m.failing[idempotencyKey] {
		return "", dealerrors.Transient(dealerrors.CodeProviderUnavailable, "payment provider unavailable", fmt.Errorf("hold failed for %s", idempotencyKey))
	}
	intentID := uuid.NewString()
	m.holds[idempotencyKey] = intentID
	return intentID, nil
}

func (m *MemoryPayments) ReleaseFunds(_ context.Context, _ string) error { return nil }
func (m *MemoryPayments) Refund(_ context.Context, _ string) error      { return nil }

// MemorySignatures is an in-process SignatureProvider fake.
type MemorySignatures struct{}

func NewMemorySignatures() *MemorySignatures { return &MemorySignatures{} }

func (m *MemorySignatures) CreateEnvelope(_ context.Context, _ string, _ []string, _ map[string]string) (string, error) {
	return uuid.NewString(), nil
}

// MemoryNotifications is an in-process NotificationSink fake that records
// every enqueued notification for assertions in tests.
type MemoryNotifications struct {
	mu      sync.Mutex
	sent    []Notification
}

func NewMemoryNotifications() *MemoryNotifications { return &MemoryNotifications{} }

func (m *MemoryNotifications) Enqueue(_ context.Context, n Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, n)
	return nil
}

func (m *MemoryNotifications) Sent() []Notification {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Notification, len(m.sent))
	copy(out, m.sent)
	return out
}
