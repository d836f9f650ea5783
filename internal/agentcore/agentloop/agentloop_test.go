package agentloop

import (
	"context"
	"sync"
	"testing"

	"github.com/tinyclaw/agentcore/internal/agentcore/background"
	"github.com/tinyclaw/agentcore/internal/agentcore/classifier"
	"github.com/tinyclaw/agentcore/internal/agentcore/intercom"
	"github.com/tinyclaw/agentcore/internal/agentcore/lifecycle"
	"github.com/tinyclaw/agentcore/internal/agentcore/memory"
	"github.com/tinyclaw/agentcore/internal/agentcore/providers"
	"github.com/tinyclaw/agentcore/internal/agentcore/queue"
	"github.com/tinyclaw/agentcore/internal/agentcore/routing"
	"github.com/tinyclaw/agentcore/internal/agentcore/runner"
	"github.com/tinyclaw/agentcore/internal/agentcore/templates"
	"github.com/tinyclaw/agentcore/internal/agentcore/types"
)

// fakeConvStore implements Store in memory.
type fakeConvStore struct {
	mu      sync.Mutex
	entries map[string][]types.ConversationEntry
}

func newFakeConvStore() *fakeConvStore {
	return &fakeConvStore{entries: make(map[string][]types.ConversationEntry)}
}

func (s *fakeConvStore) LoadRecent(userID string, n int) []types.ConversationEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.entries[userID]
	if len(all) <= n {
		return append([]types.ConversationEntry(nil), all...)
	}
	return append([]types.ConversationEntry(nil), all[len(all)-n:]...)
}

func (s *fakeConvStore) SaveEntry(e types.ConversationEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[e.UserID] = append(s.entries[e.UserID], e)
	return nil
}

func (s *fakeConvStore) MessageCount(userID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries[userID])
}

// fakeEventStore backs the memory engine.
type fakeEventStore struct {
	events map[string]*types.EpisodicEvent
}

func newFakeEventStore() *fakeEventStore {
	return &fakeEventStore{events: make(map[string]*types.EpisodicEvent)}
}

func (s *fakeEventStore) SaveEvent(e *types.EpisodicEvent) error { s.events[e.ID] = e; return nil }
func (s *fakeEventStore) GetEvent(id string) (*types.EpisodicEvent, bool) {
	e, ok := s.events[id]
	return e, ok
}
func (s *fakeEventStore) ListForUser(userID string) []*types.EpisodicEvent {
	var out []*types.EpisodicEvent
	for _, e := range s.events {
		if e.UserID == userID {
			out = append(out, e)
		}
	}
	return out
}
func (s *fakeEventStore) DeleteEvent(id string) error { delete(s.events, id); return nil }

// fakeAgentStore backs lifecycle.Manager with its exact Store surface.
type fakeAgentStore struct {
	mu       sync.Mutex
	agents   map[string]*types.SubAgentRecord
	messages map[string][]types.Message
}

func newFakeAgentStore() *fakeAgentStore {
	return &fakeAgentStore{
		agents:   make(map[string]*types.SubAgentRecord),
		messages: make(map[string][]types.Message),
	}
}

func (s *fakeAgentStore) SaveSubAgent(rec *types.SubAgentRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agents[rec.ID] = rec
	return nil
}
func (s *fakeAgentStore) GetSubAgent(id string) (*types.SubAgentRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[id]
	return a, ok
}
func (s *fakeAgentStore) SaveSubAgentMessage(key string, role types.Role, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[key] = append(s.messages[key], types.Message{Role: role, Content: content})
	return nil
}

// fakeTemplateStore backs templates.Manager with its exact Store surface.
type fakeTemplateStore struct {
	mu        sync.Mutex
	templates map[string]*types.RoleTemplate
}

func newFakeTemplateStore() *fakeTemplateStore {
	return &fakeTemplateStore{templates: make(map[string]*types.RoleTemplate)}
}

func (s *fakeTemplateStore) SaveTemplate(t *types.RoleTemplate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.templates[t.ID] = t
	return nil
}
func (s *fakeTemplateStore) GetTemplate(id string) (*types.RoleTemplate, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.templates[id]
	return t, ok
}
func (s *fakeTemplateStore) ListTemplatesForUser(userID string) []*types.RoleTemplate {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.RoleTemplate
	for _, t := range s.templates {
		if t.UserID == userID {
			out = append(out, t)
		}
	}
	return out
}
func (s *fakeTemplateStore) DeleteTemplate(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.templates, id)
	return nil
}

// fakeBackgroundStore backs background.Runner.
type fakeBackgroundStore struct {
	mu    sync.Mutex
	tasks map[string]*types.BackgroundTask
}

func newFakeBackgroundStore() *fakeBackgroundStore {
	return &fakeBackgroundStore{tasks: make(map[string]*types.BackgroundTask)}
}

func (s *fakeBackgroundStore) SaveTask(t *types.BackgroundTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[t.ID] = t
	return nil
}
func (s *fakeBackgroundStore) GetTask(id string) (*types.BackgroundTask, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	return t, ok
}
func (s *fakeBackgroundStore) ListRunningForUser(userID string) []*types.BackgroundTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.BackgroundTask
	for _, t := range s.tasks {
		if t.UserID == userID && t.Status == types.TaskRunning {
			out = append(out, t)
		}
	}
	return out
}
func (s *fakeBackgroundStore) ListRunningForAgent(agentID string) []*types.BackgroundTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.BackgroundTask
	for _, t := range s.tasks {
		if t.AgentID == agentID && t.Status == types.TaskRunning {
			out = append(out, t)
		}
	}
	return out
}
func (s *fakeBackgroundStore) ListUndelivered(userID string) []*types.BackgroundTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.BackgroundTask
	for _, t := range s.tasks {
		if t.UserID == userID && t.Undelivered() {
			out = append(out, t)
		}
	}
	return out
}

// scriptedAdapter is a minimal providers.Adapter used as the routed provider.
type scriptedAdapter struct {
	id   string
	resp providers.Response
	err  error
}

func (a *scriptedAdapter) ID() string { return a.id }
func (a *scriptedAdapter) Chat(messages []types.Message, tools []providers.ToolSpec) (providers.Response, error) {
	return a.resp, a.err
}
func (a *scriptedAdapter) IsAvailable() bool { return true }

func buildTestLoop(t *testing.T, clock *int64, adapter providers.Adapter) (*Loop, *fakeConvStore, *fakeBackgroundStore) {
	t.Helper()

	convStore := newFakeConvStore()
	q := queue.New()
	bus := intercom.New()

	lc := lifecycle.New(newFakeAgentStore(), bus, lifecycle.WithClock(func() int64 { return *clock }))
	tm := templates.New(newFakeTemplateStore(), templates.WithClock(func() int64 { return *clock }))
	bgStore := newFakeBackgroundStore()
	bg := background.New(bgStore, q, nil, lc, tm, bus, background.WithClock(func() int64 { return *clock }))
	mem := memory.New(newFakeEventStore(), memory.WithClock(func() int64 { return *clock }))

	reg := routing.New("fallback")
	reg.Register(adapter)
	for _, tier := range types.Tiers {
		reg.MapTier(tier, adapter.ID())
	}

	cfg := Config{
		Queue:      q,
		Store:      convStore,
		Background: bg,
		Memory:     mem,
		Routing:    reg,
		Tools:      runner.NewToolSet(nil, nil),
		Persona:    PersonaContext{BasePersona: "You are a helpful assistant."},
	}
	loop := New(cfg, WithClock(func() int64 { return *clock }))
	return loop, convStore, bgStore
}

func TestHandleReturnsAssistantReplyAndPersistsTurn(t *testing.T) {
	clock := int64(1000)
	adapter := &scriptedAdapter{id: "fallback", resp: providers.Response{Text: "hello there"}}
	loop, store, _ := buildTestLoop(t, &clock, adapter)

	reply, err := loop.Handle(context.Background(), "u1", "hi", nil)
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if reply != "hello there" {
		t.Fatalf("expected reply %q, got %q", "hello there", reply)
	}

	entries := store.LoadRecent("u1", 10)
	if len(entries) != 2 {
		t.Fatalf("expected 2 persisted entries, got %d", len(entries))
	}
	if entries[0].Role != types.RoleUser || entries[0].Content != "hi" {
		t.Fatalf("unexpected first entry: %+v", entries[0])
	}
	if entries[1].Role != types.RoleAssistant || entries[1].Content != "hello there" {
		t.Fatalf("unexpected second entry: %+v", entries[1])
	}
}

func TestHandleStreamsDoneEvent(t *testing.T) {
	clock := int64(1000)
	adapter := &scriptedAdapter{id: "fallback", resp: providers.Response{Text: "ok"}}
	loop, _, _ := buildTestLoop(t, &clock, adapter)

	stream := make(chan Event, 10)
	_, err := loop.Handle(context.Background(), "u1", "hi", stream)
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	close(stream)

	var sawDone, sawText bool
	for ev := range stream {
		if ev.Type == EventDone {
			sawDone = true
		}
		if ev.Type == EventText && ev.Text == "ok" {
			sawText = true
		}
	}
	if !sawDone || !sawText {
		t.Fatalf("expected done and text events, sawDone=%v sawText=%v", sawDone, sawText)
	}
}

func TestHandleReturnsErrorWhenNoProviderRouted(t *testing.T) {
	clock := int64(1000)
	loop, _, _ := buildTestLoop(t, &clock, &scriptedAdapter{id: "fallback", resp: providers.Response{Text: "x"}})
	loop.cfg.Routing = routing.New("missing")

	_, err := loop.Handle(context.Background(), "u1", "hi", nil)
	if err == nil {
		t.Fatal("expected an error when no provider is routed")
	}
}

func TestHandleSerializesConcurrentCallsForSameUser(t *testing.T) {
	clock := int64(1000)
	adapter := &scriptedAdapter{id: "fallback", resp: providers.Response{Text: "fine"}}
	loop, _, _ := buildTestLoop(t, &clock, adapter)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = loop.Handle(context.Background(), "u1", "hi", nil)
		}()
	}
	wg.Wait()

	if n := loop.cfg.Store.MessageCount("u1"); n != 10 {
		t.Fatalf("expected 10 persisted entries after 5 serialized turns, got %d", n)
	}
}

func TestHandleDrainsUndeliveredBackgroundTasks(t *testing.T) {
	clock := int64(1000)
	adapter := &scriptedAdapter{id: "fallback", resp: providers.Response{Text: "noted"}}
	loop, _, bgStore := buildTestLoop(t, &clock, adapter)

	completedAt := clock
	task := &types.BackgroundTask{
		ID:              "task-1",
		UserID:          "u1",
		AgentID:         "agent-1",
		TaskDescription: "do a thing",
		Status:          types.TaskCompleted,
		Result:          "it worked",
		CompletedAt:     &completedAt,
	}
	if err := bgStore.SaveTask(task); err != nil {
		t.Fatalf("save task: %v", err)
	}
	if !task.Undelivered() {
		t.Fatal("expected the seeded task to be undelivered before Handle runs")
	}

	reply, err := loop.Handle(context.Background(), "u1", "hi", nil)
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if reply != "noted" {
		t.Fatalf("expected reply %q, got %q", "noted", reply)
	}

	got, ok := bgStore.GetTask(task.ID)
	if !ok {
		t.Fatal("expected task to still exist")
	}
	if got.Undelivered() {
		t.Fatal("expected the task to be marked delivered after Handle drained it")
	}
}

func TestClassifyTierIsUsedForRouting(t *testing.T) {
	clock := int64(1000)
	adapter := &scriptedAdapter{id: "fallback", resp: providers.Response{Text: "classified"}}
	loop, _, _ := buildTestLoop(t, &clock, adapter)

	result := classifier.Classify("hi")
	if result.Tier == "" {
		t.Fatal("expected classifier to produce a non-empty tier")
	}

	reply, err := loop.Handle(context.Background(), "u1", "hi", nil)
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if reply != "classified" {
		t.Fatalf("expected reply %q, got %q", "classified", reply)
	}
}
