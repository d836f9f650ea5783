// Package background implements the background runner (§4.14): starts an
// async task bound to a sub-agent, serializing tasks against the same agent
// through the C2 queue while different agents run in parallel, and wires
// the C11 sub-agent runner, C10 timeout estimator, C12 lifecycle manager,
// and C3 intercom together around one BackgroundTask record.
//
// Grounded on the teacher's multiagent.SubagentRegistry sweep/timeout idiom
// (internal/multiagent/subagent_registry.go) for cancellation handles and
// stale-task cleanup, and the C2 queue's per-key serialization
// (internal/agentcore/queue) for the "bg:"+agentId lane.
package background

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/tinyclaw/agentcore/internal/agentcore/intercom"
	"github.com/tinyclaw/agentcore/internal/agentcore/lifecycle"
	"github.com/tinyclaw/agentcore/internal/agentcore/queue"
	"github.com/tinyclaw/agentcore/internal/agentcore/templates"
	"github.com/tinyclaw/agentcore/internal/agentcore/timeout"
	"github.com/tinyclaw/agentcore/internal/agentcore/types"
	"github.com/tinyclaw/agentcore/internal/observability"
)

const defaultMaxConcurrentPerUser = 3

var ErrTooManyConcurrentTasks = errors.New("background: user has reached the maximum concurrent task limit")

// Store persists BackgroundTasks.
type Store interface {
	SaveTask(t *types.BackgroundTask) error
	GetTask(id string) (*types.BackgroundTask, bool)
	ListRunningForUser(userID string) []*types.BackgroundTask
	ListRunningForAgent(agentID string) []*types.BackgroundTask
	ListUndelivered(userID string) []*types.BackgroundTask
}

// Runner wires the background task lifecycle together.
type Runner struct {
	mu         sync.Mutex
	store      Store
	q          *queue.Queue
	estimator  *timeout.Estimator
	lifecycle  *lifecycle.Manager
	templates  *templates.Manager
	bus        *intercom.Intercom
	now        func() int64
	newID      func() string
	maxPerUser int

	cancels map[string]context.CancelFunc
	metrics *observability.Metrics
}

// Option configures a Runner.
type Option func(*Runner)

func WithMaxConcurrentPerUser(n int) Option {
	return func(r *Runner) { r.maxPerUser = n }
}

func WithClock(now func() int64) Option {
	return func(r *Runner) { r.now = now }
}

func WithIDGenerator(gen func() string) Option {
	return func(r *Runner) { r.newID = gen }
}

// WithMetrics attaches a Metrics sink that tracks background task
// concurrency (§DOMAIN STACK: "background concurrency gauge").
func WithMetrics(m *observability.Metrics) Option {
	return func(r *Runner) { r.metrics = m }
}

// New builds a Runner.
func New(store Store, q *queue.Queue, estimator *timeout.Estimator, lc *lifecycle.Manager, tm *templates.Manager, bus *intercom.Intercom, opts ...Option) *Runner {
	r := &Runner{
		store:      store,
		q:          q,
		estimator:  estimator,
		lifecycle:  lc,
		templates:  tm,
		bus:        bus,
		now:        types.NowMillis,
		maxPerUser: defaultMaxConcurrentPerUser,
		cancels:    make(map[string]context.CancelFunc),
	}
	for _, o := range opts {
		o(r)
	}
	if r.newID == nil {
		r.newID = func() string {
			return "bgtask-" + uuid.NewString()
		}
	}
	return r
}

// RunFunc executes the sub-agent runner for one task, returning its text
// result or an error. Callers supply this so Start stays decoupled from a
// concrete provider/tool wiring.
type RunFunc func(ctx context.Context, desc string, budgetMs int64) (string, error)

// Start launches a background task against agentID, rejecting the request
// if the user is already at the concurrent-task cap.
func (r *Runner) Start(ctx context.Context, userID, agentID, taskDesc string, tier types.Tier, run RunFunc) (*types.BackgroundTask, error) {
	r.mu.Lock()
	running := r.store.ListRunningForUser(userID)
	if len(running) >= r.maxPerUser {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %d running tasks for user %s", ErrTooManyConcurrentTasks, len(running), userID)
	}

	now := r.now()
	task := &types.BackgroundTask{
		ID:              r.newID(),
		UserID:          userID,
		AgentID:         agentID,
		TaskDescription: taskDesc,
		Status:          types.TaskRunning,
		StartedAt:       now,
	}
	if err := r.store.SaveTask(task); err != nil {
		r.mu.Unlock()
		return nil, err
	}

	taskCtx, cancel := context.WithCancel(context.Background())
	r.cancels[task.ID] = cancel
	r.mu.Unlock()

	estimate := r.estimator.Estimate(taskDesc, tier)

	if r.metrics != nil {
		r.metrics.BackgroundTaskStarted()
	}
	go func() {
		if r.metrics != nil {
			defer r.metrics.BackgroundTaskFinished()
		}
		key := "bg:" + agentID
		_, _ = r.q.Enqueue(taskCtx, key, func(ctx context.Context) (any, error) {
			text, err := run(ctx, taskDesc, estimate.TimeoutMs)
			r.finish(task.ID, userID, agentID, taskDesc, text, err, ctx.Err())
			return text, err
		}, nil)
	}()

	return task, nil
}

func (r *Runner) finish(taskID, userID, agentID, taskDesc, result string, runErr, ctxErr error) {
	r.mu.Lock()
	delete(r.cancels, taskID)
	r.mu.Unlock()

	task, ok := r.store.GetTask(taskID)
	if !ok {
		return
	}

	now := r.now()
	success := runErr == nil && ctxErr == nil
	if success {
		task.Status = types.TaskCompleted
		task.Result = result
	} else {
		task.Status = types.TaskFailed
		if ctxErr != nil {
			task.Result = "Task was cancelled"
		} else {
			task.Result = runErr.Error()
		}
	}
	task.CompletedAt = &now
	_ = r.store.SaveTask(task)

	if r.lifecycle != nil {
		_ = r.lifecycle.RecordTaskResult(agentID, success)
	}

	if len(r.store.ListRunningForAgent(agentID)) == 0 && r.lifecycle != nil {
		_ = r.lifecycle.Suspend(agentID)
	}

	if r.bus != nil {
		topic := intercom.TopicTaskCompleted
		if !success {
			topic = intercom.TopicTaskFailed
		}
		r.bus.Emit(topic, userID, task)
	}

	if success && r.templates != nil {
		r.autoCreateTemplateFromTask(userID, taskDesc)
	}
}

// autoCreateTemplateFromTask extracts unique tokens longer than 3 chars,
// capped at 10, as the new template's tags.
func (r *Runner) autoCreateTemplateFromTask(userID, taskDesc string) {
	tokens := templates.Tokenize(taskDesc)
	seen := make(map[string]bool)
	var tags []string
	for _, t := range tokens {
		if len(t) <= 3 || seen[t] {
			continue
		}
		seen[t] = true
		tags = append(tags, t)
		if len(tags) >= 10 {
			break
		}
	}
	name := taskDesc
	if len(name) > 60 {
		name = strings.TrimSpace(name[:60])
	}
	_, _ = r.templates.Create(templates.CreateParams{
		UserID:          userID,
		Name:            name,
		RoleDescription: taskDesc,
		Tags:            tags,
	})
}

// Cancel aborts a running task's runner and marks it failed.
func (r *Runner) Cancel(taskID string) error {
	r.mu.Lock()
	cancel, ok := r.cancels[taskID]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("background: no running task %s", taskID)
	}
	cancel()

	task, ok := r.store.GetTask(taskID)
	if !ok {
		return nil
	}
	now := r.now()
	task.Status = types.TaskFailed
	task.Result = "Task was cancelled"
	task.CompletedAt = &now
	return r.store.SaveTask(task)
}

// CancelAll aborts every tracked running task, for use at shutdown.
func (r *Runner) CancelAll() {
	r.mu.Lock()
	ids := make([]string, 0, len(r.cancels))
	for id := range r.cancels {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	for _, id := range ids {
		_ = r.Cancel(id)
	}
}

// CleanupStale marks tasks started more than olderThanMs ago as failed with
// "Task timed out (stale)", returning the count affected.
func (r *Runner) CleanupStale(olderThanMs int64) int {
	now := r.now()
	count := 0
	r.mu.Lock()
	ids := make([]string, 0, len(r.cancels))
	for id := range r.cancels {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		task, ok := r.store.GetTask(id)
		if !ok || task.Status != types.TaskRunning {
			continue
		}
		if now-task.StartedAt < olderThanMs {
			continue
		}
		_ = r.Cancel(id)
		task, ok = r.store.GetTask(id)
		if ok {
			task.Result = "Task timed out (stale)"
			_ = r.store.SaveTask(task)
		}
		count++
	}
	return count
}

// GetUndelivered returns terminal-but-not-delivered tasks in completion
// order.
func (r *Runner) GetUndelivered(userID string) []*types.BackgroundTask {
	tasks := r.store.ListUndelivered(userID)
	sortByCompletedAt(tasks)
	return tasks
}

func sortByCompletedAt(tasks []*types.BackgroundTask) {
	for i := 1; i < len(tasks); i++ {
		for j := i; j > 0; j-- {
			a, b := tasks[j-1], tasks[j]
			if completedAtOf(a) > completedAtOf(b) {
				tasks[j-1], tasks[j] = tasks[j], tasks[j-1]
			} else {
				break
			}
		}
	}
}

func completedAtOf(t *types.BackgroundTask) int64 {
	if t.CompletedAt == nil {
		return 0
	}
	return *t.CompletedAt
}

// MarkDelivered transitions a terminal task to the one-way delivered state.
func (r *Runner) MarkDelivered(taskID string) error {
	task, ok := r.store.GetTask(taskID)
	if !ok {
		return fmt.Errorf("background: no task %s", taskID)
	}
	now := r.now()
	task.Status = types.TaskDelivered
	task.DeliveredAt = &now
	return r.store.SaveTask(task)
}
