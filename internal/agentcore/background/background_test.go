package background

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tinyclaw/agentcore/internal/agentcore/intercom"
	"github.com/tinyclaw/agentcore/internal/agentcore/lifecycle"
	"github.com/tinyclaw/agentcore/internal/agentcore/queue"
	"github.com/tinyclaw/agentcore/internal/agentcore/templates"
	"github.com/tinyclaw/agentcore/internal/agentcore/timeout"
	"github.com/tinyclaw/agentcore/internal/agentcore/types"
)

type fakeTaskStore struct {
	mu    sync.Mutex
	tasks map[string]*types.BackgroundTask
}

func newFakeTaskStore() *fakeTaskStore {
	return &fakeTaskStore{tasks: make(map[string]*types.BackgroundTask)}
}

func (s *fakeTaskStore) SaveTask(t *types.BackgroundTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	s.tasks[t.ID] = &cp
	return nil
}

func (s *fakeTaskStore) GetTask(id string) (*types.BackgroundTask, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, false
	}
	cp := *t
	return &cp, true
}

func (s *fakeTaskStore) ListRunningForUser(userID string) []*types.BackgroundTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.BackgroundTask
	for _, t := range s.tasks {
		if t.UserID == userID && t.Status == types.TaskRunning {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out
}

func (s *fakeTaskStore) ListRunningForAgent(agentID string) []*types.BackgroundTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.BackgroundTask
	for _, t := range s.tasks {
		if t.AgentID == agentID && t.Status == types.TaskRunning {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out
}

func (s *fakeTaskStore) ListUndelivered(userID string) []*types.BackgroundTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.BackgroundTask
	for _, t := range s.tasks {
		if t.UserID == userID && t.Undelivered() {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out
}

type fakeAgentStore struct {
	mu      sync.Mutex
	records map[string]*types.SubAgentRecord
}

func newFakeAgentStore() *fakeAgentStore {
	return &fakeAgentStore{records: make(map[string]*types.SubAgentRecord)}
}

func (s *fakeAgentStore) SaveSubAgent(rec *types.SubAgentRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.ID] = rec
	return nil
}

func (s *fakeAgentStore) GetSubAgent(id string) (*types.SubAgentRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	return r, ok
}

func (s *fakeAgentStore) SaveSubAgentMessage(key string, role types.Role, content string) error {
	return nil
}

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

func newTestRunner(t *testing.T) (*Runner, *fakeTaskStore, *intercom.Intercom) {
	t.Helper()
	taskStore := newFakeTaskStore()
	q := queue.New()
	est := timeout.New()
	bus := intercom.New()
	agentStore := newFakeAgentStore()
	lc := lifecycle.New(agentStore, bus)
	_, _ = lc.Create(lifecycle.CreateParams{UserID: "u1", Role: "researcher"})
	tmplStore := newFakeTemplateStore()
	tm := templates.New(tmplStore)

	r := New(taskStore, q, est, lc, tm, bus)
	return r, taskStore, bus
}

func waitForTerminal(t *testing.T, store *fakeTaskStore, taskID string) *types.BackgroundTask {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		task, ok := store.GetTask(taskID)
		if ok && task.Status != types.TaskRunning {
			return task
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("task %s never reached a terminal state", taskID)
	return nil
}

func TestStartRejectsOverConcurrencyCap(t *testing.T) {
	r, _, _ := newTestRunner(t)
	r.maxPerUser = 1

	block := make(chan struct{})
	run := func(ctx context.Context, desc string, budgetMs int64) (string, error) {
		<-block
		return "done", nil
	}

	_, err := r.Start(context.Background(), "u1", "agent-a", "first task", types.TierSimple, run)
	if err != nil {
		t.Fatalf("unexpected error starting first task: %v", err)
	}

	_, err = r.Start(context.Background(), "u1", "agent-b", "second task", types.TierSimple, run)
	if !errors.Is(err, ErrTooManyConcurrentTasks) {
		t.Fatalf("expected ErrTooManyConcurrentTasks, got %v", err)
	}

	close(block)
}

func TestStartCompletesSuccessfullyAndEmitsEvent(t *testing.T) {
	r, store, bus := newTestRunner(t)

	var captured intercom.Event
	var mu sync.Mutex
	bus.On(intercom.TopicTaskCompleted, func(e intercom.Event) {
		mu.Lock()
		captured = e
		mu.Unlock()
	})

	run := func(ctx context.Context, desc string, budgetMs int64) (string, error) {
		return "the answer is 42", nil
	}

	task, err := r.Start(context.Background(), "u1", "agent-a", "research something", types.TierSimple, run)
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	final := waitForTerminal(t, store, task.ID)
	if final.Status != types.TaskCompleted {
		t.Fatalf("expected completed, got %s", final.Status)
	}
	if final.Result != "the answer is 42" {
		t.Fatalf("unexpected result %q", final.Result)
	}

	mu.Lock()
	defer mu.Unlock()
	if captured.Topic != intercom.TopicTaskCompleted {
		t.Fatal("expected task:completed to be emitted")
	}
}

func TestStartFailurePropagatesError(t *testing.T) {
	r, store, _ := newTestRunner(t)

	run := func(ctx context.Context, desc string, budgetMs int64) (string, error) {
		return "", errors.New("boom")
	}

	task, err := r.Start(context.Background(), "u1", "agent-a", "a failing task", types.TierSimple, run)
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	final := waitForTerminal(t, store, task.ID)
	if final.Status != types.TaskFailed {
		t.Fatalf("expected failed, got %s", final.Status)
	}
	if final.Result != "boom" {
		t.Fatalf("unexpected result %q", final.Result)
	}
}

func TestTasksAgainstSameAgentSerialize(t *testing.T) {
	r, store, _ := newTestRunner(t)

	var mu sync.Mutex
	var order []string
	release := make(chan struct{})

	run := func(id string) RunFunc {
		return func(ctx context.Context, desc string, budgetMs int64) (string, error) {
			mu.Lock()
			order = append(order, "start:"+id)
			mu.Unlock()
			<-release
			mu.Lock()
			order = append(order, "end:"+id)
			mu.Unlock()
			return "ok", nil
		}
	}

	task1, _ := r.Start(context.Background(), "u1", "agent-a", "task one", types.TierSimple, run("1"))
	time.Sleep(20 * time.Millisecond)
	task2, _ := r.Start(context.Background(), "u1", "agent-a", "task two", types.TierSimple, run("2"))

	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	if len(order) != 1 {
		t.Fatalf("expected only the first task to have started, got %v", order)
	}
	mu.Unlock()

	close(release)
	waitForTerminal(t, store, task1.ID)
	waitForTerminal(t, store, task2.ID)
}

func TestCancelMarksTaskFailed(t *testing.T) {
	r, store, _ := newTestRunner(t)

	started := make(chan struct{})
	run := func(ctx context.Context, desc string, budgetMs int64) (string, error) {
		close(started)
		<-ctx.Done()
		return "", ctx.Err()
	}

	task, err := r.Start(context.Background(), "u1", "agent-a", "cancel me", types.TierSimple, run)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	<-started

	if err := r.Cancel(task.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	final := waitForTerminal(t, store, task.ID)
	if final.Status != types.TaskFailed {
		t.Fatalf("expected failed, got %s", final.Status)
	}
	if final.Result != "Task was cancelled" {
		t.Fatalf("unexpected result %q", final.Result)
	}
}

func TestMarkDeliveredIsOneWayTerminal(t *testing.T) {
	r, store, _ := newTestRunner(t)

	run := func(ctx context.Context, desc string, budgetMs int64) (string, error) {
		return "done", nil
	}
	task, _ := r.Start(context.Background(), "u1", "agent-a", "deliver me", types.TierSimple, run)
	waitForTerminal(t, store, task.ID)

	undelivered := r.GetUndelivered("u1")
	if len(undelivered) != 1 {
		t.Fatalf("expected one undelivered task, got %d", len(undelivered))
	}

	if err := r.MarkDelivered(task.ID); err != nil {
		t.Fatalf("mark delivered: %v", err)
	}

	got, _ := store.GetTask(task.ID)
	if got.Status != types.TaskDelivered {
		t.Fatalf("expected delivered, got %s", got.Status)
	}

	if remaining := r.GetUndelivered("u1"); len(remaining) != 0 {
		t.Fatalf("expected no undelivered tasks left, got %d", len(remaining))
	}
}

func TestAutoCreateTemplateOnSuccessfulRun(t *testing.T) {
	taskStore := newFakeTaskStore()
	q := queue.New()
	est := timeout.New()
	bus := intercom.New()
	agentStore := newFakeAgentStore()
	lc := lifecycle.New(agentStore, bus)
	_, _ = lc.Create(lifecycle.CreateParams{UserID: "u1", Role: "researcher"})
	tmplStore := newFakeTemplateStore()
	tm := templates.New(tmplStore)

	r := New(taskStore, q, est, lc, tm, bus)

	run := func(ctx context.Context, desc string, budgetMs int64) (string, error) {
		return "done", nil
	}
	task, _ := r.Start(context.Background(), "u1", "agent-a", "compare pricing across vendors", types.TierSimple, run)
	waitForTerminal(t, taskStore, task.ID)

	if len(tmplStore.ListTemplatesForUser("u1")) != 1 {
		t.Fatalf("expected an auto-created template, got %d", len(tmplStore.ListTemplatesForUser("u1")))
	}
}
