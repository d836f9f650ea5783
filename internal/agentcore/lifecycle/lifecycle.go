// Package lifecycle implements the lifecycle manager (§4.12): creates,
// suspends, revives, and soft-deletes sub-agent records, and tracks their
// running performance score.
//
// Grounded on the teacher's multiagent.SubagentRegistry (in-memory record
// map behind a mutex, status transitions, a TTL-driven sweep that deletes
// old terminal records) generalized here from ephemeral run tracking to the
// spec's persistent SubAgentRecord with a performance-score running average
// instead of a simple outcome enum.
package lifecycle

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/tinyclaw/agentcore/internal/agentcore/intercom"
	"github.com/tinyclaw/agentcore/internal/agentcore/types"
	"github.com/tinyclaw/agentcore/internal/observability"
)

var (
	ErrNotFound           = errors.New("sub-agent record not found")
	ErrReviveTTLExpired   = errors.New("sub-agent was soft-deleted past its revive TTL")
	ErrAlreadySoftDeleted = errors.New("sub-agent is already soft-deleted")
)

// CreateParams are the inputs to Create.
type CreateParams struct {
	UserID         string
	Role           string
	SystemPrompt   string
	ToolsGranted   []string
	TierPreference *types.Tier
	TemplateID     string
}

// Store persists SubAgentRecords and their saved transcript messages.
// Persistence is out of scope here; a caller wires a concrete store (the
// §4.1 persistence layer) behind this interface.
type Store interface {
	SaveSubAgent(rec *types.SubAgentRecord) error
	GetSubAgent(id string) (*types.SubAgentRecord, bool)
	SaveSubAgentMessage(key string, role types.Role, content string) error
}

// Manager implements the C12 lifecycle operations.
type Manager struct {
	mu       sync.Mutex
	store    Store
	bus      *intercom.Intercom
	now      func() int64
	newID    func() string
	reviveTTLMs int64
	events   *observability.EventRecorder
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the time source (tests only).
func WithClock(now func() int64) Option {
	return func(m *Manager) { m.now = now }
}

// WithIDGenerator overrides the id generator (tests only).
func WithIDGenerator(gen func() string) Option {
	return func(m *Manager) { m.newID = gen }
}

// WithReviveTTL sets how long a soft-deleted record may still be revived.
func WithReviveTTL(ms int64) Option {
	return func(m *Manager) { m.reviveTTLMs = ms }
}

// WithEventRecorder attaches an event recorder; Create/Revive/SoftDelete
// then record a sub-agent spawn/heartbeat/terminate event alongside their
// intercom emission. Nil (the default) disables event recording entirely.
func WithEventRecorder(r *observability.EventRecorder) Option {
	return func(m *Manager) { m.events = r }
}

const defaultReviveTTLMs = 7 * 24 * 60 * 60 * 1000 // 7 days

// New builds a Manager backed by store, emitting lifecycle events on bus.
func New(store Store, bus *intercom.Intercom, opts ...Option) *Manager {
	m := &Manager{
		store:       store,
		bus:         bus,
		now:         types.NowMillis,
		reviveTTLMs: defaultReviveTTLMs,
	}
	for _, o := range opts {
		o(m)
	}
	if m.newID == nil {
		m.newID = defaultIDGenerator()
	}
	return m
}

// defaultIDGenerator mints globally-unique sub-agent ids so records created
// by independent processes (e.g. a restarted runner) never collide.
func defaultIDGenerator() func() string {
	return func() string {
		return "agent-" + uuid.NewString()
	}
}

// Create persists a new active SubAgentRecord and emits agent:created.
func (m *Manager) Create(params CreateParams) (*types.SubAgentRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	rec := &types.SubAgentRecord{
		ID:             m.newID(),
		UserID:         params.UserID,
		Role:           params.Role,
		SystemPrompt:   params.SystemPrompt,
		ToolsGranted:   params.ToolsGranted,
		TierPreference: params.TierPreference,
		Status:         types.SubAgentActive,
		TemplateID:     params.TemplateID,
		CreatedAt:      now,
		LastActiveAt:   now,
	}
	if err := m.store.SaveSubAgent(rec); err != nil {
		return nil, err
	}
	if m.bus != nil {
		m.bus.Emit(intercom.TopicAgentCreated, params.UserID, rec)
	}
	if m.events != nil {
		m.events.RecordSubAgentEvent(context.Background(), observability.EventTypeSubAgentSpawn, rec.ID, map[string]interface{}{
			"role": rec.Role, "user_id": rec.UserID,
		})
	}
	return rec, nil
}

// Suspend transitions a record to suspended.
func (m *Manager) Suspend(id string) error {
	return m.transition(id, func(rec *types.SubAgentRecord) error {
		rec.Status = types.SubAgentSuspended
		return nil
	})
}

// Revive transitions a record back to active, rejecting a soft-deleted
// record whose TTL has passed.
func (m *Manager) Revive(id string) error {
	return m.transition(id, func(rec *types.SubAgentRecord) error {
		if rec.Status == types.SubAgentSoftDeleted {
			if rec.DeletedAt != nil && m.now()-*rec.DeletedAt > m.reviveTTLMs {
				return ErrReviveTTLExpired
			}
		}
		rec.Status = types.SubAgentActive
		rec.DeletedAt = nil
		if m.bus != nil {
			m.bus.Emit(intercom.TopicAgentRevived, rec.UserID, rec)
		}
		if m.events != nil {
			m.events.RecordSubAgentEvent(context.Background(), observability.EventTypeSubAgentHeartbeat, rec.ID, map[string]interface{}{
				"reason": "revived",
			})
		}
		return nil
	})
}

// SoftDelete marks a record deleted, stamping DeletedAt for the TTL check.
func (m *Manager) SoftDelete(id string) error {
	return m.transition(id, func(rec *types.SubAgentRecord) error {
		if rec.Status == types.SubAgentSoftDeleted {
			return ErrAlreadySoftDeleted
		}
		now := m.now()
		rec.Status = types.SubAgentSoftDeleted
		rec.DeletedAt = &now
		if m.bus != nil {
			m.bus.Emit(intercom.TopicAgentDismissed, rec.UserID, rec)
		}
		if m.events != nil {
			m.events.RecordSubAgentEvent(context.Background(), observability.EventTypeSubAgentTerminate, rec.ID, map[string]interface{}{
				"total_tasks": rec.TotalTasks, "performance_score": rec.PerformanceScore,
			})
		}
		return nil
	})
}

func (m *Manager) transition(id string, fn func(*types.SubAgentRecord) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.store.GetSubAgent(id)
	if !ok {
		return ErrNotFound
	}
	if err := fn(rec); err != nil {
		return err
	}
	rec.LastActiveAt = m.now()
	return m.store.SaveSubAgent(rec)
}

// RecordTaskResult increments the record's task counters and updates its
// performance score as a running average weighted by
// successfulTasks/totalTasks.
func (m *Manager) RecordTaskResult(id string, success bool) error {
	return m.transition(id, func(rec *types.SubAgentRecord) error {
		rec.TotalTasks++
		if success {
			rec.SuccessfulTasks++
		}
		rec.PerformanceScore = float64(rec.SuccessfulTasks) / float64(rec.TotalTasks)
		return nil
	})
}

// SaveMessage persists a transcript line under "subagent:"+id.
func (m *Manager) SaveMessage(agentID string, role types.Role, content string) error {
	return m.store.SaveSubAgentMessage(types.SubagentHistoryKey(agentID), role, content)
}

// GarbageCollectable lists soft-deleted records whose TTL has elapsed; the
// caller's store implements the actual deletion (GarbageCollect here just
// drives the scan-and-delete loop against a ListSoftDeleted-capable store).
type GCStore interface {
	Store
	ListSoftDeleted() []*types.SubAgentRecord
	DeleteSubAgent(id string) error
}

// GarbageCollect deletes soft-deleted records older than the revive TTL,
// returning the count removed.
func (m *Manager) GarbageCollect(now int64) (int, error) {
	gcStore, ok := m.store.(GCStore)
	if !ok {
		return 0, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for _, rec := range gcStore.ListSoftDeleted() {
		if rec.DeletedAt == nil {
			continue
		}
		if now-*rec.DeletedAt <= m.reviveTTLMs {
			continue
		}
		if err := gcStore.DeleteSubAgent(rec.ID); err != nil {
			continue
		}
		count++
	}
	return count, nil
}
