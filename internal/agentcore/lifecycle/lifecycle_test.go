package lifecycle

import (
	"testing"

	"github.com/tinyclaw/agentcore/internal/agentcore/intercom"
	"github.com/tinyclaw/agentcore/internal/agentcore/types"
)

type fakeStore struct {
	records  map[string]*types.SubAgentRecord
	messages map[string][]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{records: make(map[string]*types.SubAgentRecord), messages: make(map[string][]string)}
}

func (s *fakeStore) SaveSubAgent(rec *types.SubAgentRecord) error {
	s.records[rec.ID] = rec
	return nil
}

func (s *fakeStore) GetSubAgent(id string) (*types.SubAgentRecord, bool) {
	rec, ok := s.records[id]
	return rec, ok
}

func (s *fakeStore) SaveSubAgentMessage(key string, role types.Role, content string) error {
	s.messages[key] = append(s.messages[key], string(role)+":"+content)
	return nil
}

func (s *fakeStore) ListSoftDeleted() []*types.SubAgentRecord {
	var out []*types.SubAgentRecord
	for _, r := range s.records {
		if r.Status == types.SubAgentSoftDeleted {
			out = append(out, r)
		}
	}
	return out
}

func (s *fakeStore) DeleteSubAgent(id string) error {
	delete(s.records, id)
	return nil
}

func newManager(clock *int64) (*Manager, *fakeStore) {
	store := newFakeStore()
	bus := intercom.New()
	m := New(store, bus, WithClock(func() int64 { return *clock }))
	return m, store
}

func TestCreatePersistsActiveRecordAndEmits(t *testing.T) {
	clock := int64(1000)
	m, store := newManager(&clock)

	var captured intercom.Event
	bus := intercom.New()
	m = New(store, bus, WithClock(func() int64 { return clock }))
	bus.On(intercom.TopicAgentCreated, func(e intercom.Event) { captured = e })

	rec, err := m.Create(CreateParams{UserID: "u1", Role: "researcher"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if rec.Status != types.SubAgentActive {
		t.Fatalf("expected active status, got %s", rec.Status)
	}
	if captured.Topic != intercom.TopicAgentCreated {
		t.Fatal("expected agent:created to be emitted")
	}
}

func TestSuspendAndRevive(t *testing.T) {
	clock := int64(1000)
	m, _ := newManager(&clock)
	rec, _ := m.Create(CreateParams{UserID: "u1", Role: "writer"})

	if err := m.Suspend(rec.ID); err != nil {
		t.Fatalf("suspend: %v", err)
	}
	got, _ := m.store.GetSubAgent(rec.ID)
	if got.Status != types.SubAgentSuspended {
		t.Fatalf("expected suspended, got %s", got.Status)
	}

	if err := m.Revive(rec.ID); err != nil {
		t.Fatalf("revive: %v", err)
	}
	got, _ = m.store.GetSubAgent(rec.ID)
	if got.Status != types.SubAgentActive {
		t.Fatalf("expected active after revive, got %s", got.Status)
	}
}

func TestReviveRejectsPastTTL(t *testing.T) {
	clock := int64(1000)
	m, _ := newManager(&clock)
	m.reviveTTLMs = 1000
	rec, _ := m.Create(CreateParams{UserID: "u1", Role: "writer"})

	if err := m.SoftDelete(rec.ID); err != nil {
		t.Fatalf("soft delete: %v", err)
	}

	clock += 5000
	if err := m.Revive(rec.ID); err != ErrReviveTTLExpired {
		t.Fatalf("expected ErrReviveTTLExpired, got %v", err)
	}
}

func TestRecordTaskResultUpdatesRunningAverage(t *testing.T) {
	clock := int64(1000)
	m, _ := newManager(&clock)
	rec, _ := m.Create(CreateParams{UserID: "u1", Role: "analyst"})

	_ = m.RecordTaskResult(rec.ID, true)
	_ = m.RecordTaskResult(rec.ID, true)
	_ = m.RecordTaskResult(rec.ID, false)

	got, _ := m.store.GetSubAgent(rec.ID)
	if got.TotalTasks != 3 || got.SuccessfulTasks != 2 {
		t.Fatalf("expected 2/3 tasks, got %d/%d", got.SuccessfulTasks, got.TotalTasks)
	}
	want := 2.0 / 3.0
	if got.PerformanceScore != want {
		t.Fatalf("expected performance score %f, got %f", want, got.PerformanceScore)
	}
}

func TestGarbageCollectRemovesExpiredSoftDeletes(t *testing.T) {
	clock := int64(1000)
	m, store := newManager(&clock)
	m.reviveTTLMs = 1000
	rec, _ := m.Create(CreateParams{UserID: "u1", Role: "writer"})
	_ = m.SoftDelete(rec.ID)

	clock += 5000
	count, err := m.GarbageCollect(clock)
	if err != nil {
		t.Fatalf("gc: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 record collected, got %d", count)
	}
	if _, ok := store.GetSubAgent(rec.ID); ok {
		t.Fatal("expected record to be deleted")
	}
}

func TestSaveMessageUsesSubagentKey(t *testing.T) {
	clock := int64(1000)
	m, store := newManager(&clock)
	if err := m.SaveMessage("agent-1", types.RoleAssistant, "hello"); err != nil {
		t.Fatalf("save message: %v", err)
	}
	key := types.SubagentHistoryKey("agent-1")
	if len(store.messages[key]) != 1 {
		t.Fatalf("expected one message under key %q, got %v", key, store.messages)
	}
}
