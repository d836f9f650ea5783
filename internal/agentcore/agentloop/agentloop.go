// Package agentloop implements the primary agent loop (§4.17): the single
// entry point that serializes a user's inbound turns, loads recent history,
// triggers compaction, drains undelivered background results, classifies
// and routes the message, drives the sub-agent runner, and persists the
// resulting turn.
//
// Grounded on the teacher's top-level AgenticLoop.Run orchestration
// (internal/agent/loop.go in the teacher tree): initialize state, loop
// calling the provider and executing tools, persist messages, and return.
// This package plays the same conductor role one level up, coordinating
// the already-split-out C2/C3/C5/C6/C11/C12/C14/C15/C16 components instead
// of inlining their concerns.
package agentloop

import (
	"context"
	"strings"
	"time"

	"github.com/tinyclaw/agentcore/internal/agentcore/background"
	"github.com/tinyclaw/agentcore/internal/agentcore/classifier"
	"github.com/tinyclaw/agentcore/internal/agentcore/compaction"
	"github.com/tinyclaw/agentcore/internal/agentcore/memory"
	"github.com/tinyclaw/agentcore/internal/agentcore/providers"
	"github.com/tinyclaw/agentcore/internal/agentcore/queue"
	"github.com/tinyclaw/agentcore/internal/agentcore/routing"
	"github.com/tinyclaw/agentcore/internal/agentcore/runner"
	"github.com/tinyclaw/agentcore/internal/agentcore/shield"
	"github.com/tinyclaw/agentcore/internal/agentcore/types"
	"github.com/tinyclaw/agentcore/internal/observability"
)

const (
	defaultHistoryDepth       = 20
	defaultCompactionThreshold = 200
	maxIterations             = 10
)

// EventType identifies one streamed event emitted while handling a turn.
type EventType string

const (
	EventToolStart  EventType = "tool_start"
	EventToolResult EventType = "tool_result"
	EventText       EventType = "text"
	EventDone       EventType = "done"
	EventError      EventType = "error"
)

// Event is one item pushed onto a caller-supplied stream channel.
type Event struct {
	Type EventType
	Text string
	Err  error
}

// Store persists a user's conversation history.
type Store interface {
	LoadRecent(userID string, n int) []types.ConversationEntry
	SaveEntry(e types.ConversationEntry) error
	MessageCount(userID string) int
}

// PersonaContext supplies the pieces concatenated into the system prompt.
type PersonaContext struct {
	BasePersona         string
	HeartwareContext    func(userID string) string
	LearnedPreferences  func(userID string) string
	UpdateNotice        func() string
}

func (p PersonaContext) build(userID string) string {
	var parts []string
	if p.BasePersona != "" {
		parts = append(parts, p.BasePersona)
	}
	if p.HeartwareContext != nil {
		if s := p.HeartwareContext(userID); s != "" {
			parts = append(parts, s)
		}
	}
	if p.LearnedPreferences != nil {
		if s := p.LearnedPreferences(userID); s != "" {
			parts = append(parts, s)
		}
	}
	if p.UpdateNotice != nil {
		if s := p.UpdateNotice(); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, "\n\n")
}

// LearningAnalyzer is called asynchronously after each turn is persisted.
type LearningAnalyzer func(ctx context.Context, userID, userMessage, assistantMessage string)

// Config wires the primary loop to its dependencies.
type Config struct {
	Queue               *queue.Queue
	Store               Store
	Compactor           *compaction.Compactor
	CompactionThreshold int
	Background          *background.Runner
	Memory              *memory.Engine
	Shield              *shield.Engine
	Routing             *routing.Registry
	Tools               *runner.ToolSet
	Persona             PersonaContext
	HistoryDepth        int
	LearningAnalyzer    LearningAnalyzer
	Metrics             *observability.Metrics
}

// Loop implements the C17 primary agent loop.
type Loop struct {
	cfg Config
	now func() int64
}

// Option configures a Loop.
type Option func(*Loop)

// WithClock overrides the time source (tests only).
func WithClock(now func() int64) Option {
	return func(l *Loop) { l.now = now }
}

// New builds a Loop.
func New(cfg Config, opts ...Option) *Loop {
	if cfg.HistoryDepth <= 0 {
		cfg.HistoryDepth = defaultHistoryDepth
	}
	if cfg.CompactionThreshold <= 0 {
		cfg.CompactionThreshold = defaultCompactionThreshold
	}
	l := &Loop{cfg: cfg, now: types.NowMillis}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Handle is the single entry point: push onto the per-user session queue,
// run the full turn, and return the assistant's reply text.
func (l *Loop) Handle(ctx context.Context, userID, message string, stream chan<- Event) (string, error) {
	result, err := l.cfg.Queue.Enqueue(ctx, userID, func(ctx context.Context) (any, error) {
		return l.handleLocked(ctx, userID, message, stream)
	}, nil)
	if err != nil {
		if stream != nil {
			stream <- Event{Type: EventError, Err: err}
		}
		return "", err
	}
	return result.(string), nil
}

func (l *Loop) handleLocked(ctx context.Context, userID, message string, stream chan<- Event) (string, error) {
	// Step 2: load recent history.
	recent := l.cfg.Store.LoadRecent(userID, l.cfg.HistoryDepth)

	// Step 3: compact if the threshold is crossed.
	if l.cfg.Compactor != nil {
		count := l.cfg.Store.MessageCount(userID)
		if compaction.ShouldCompact(count, l.cfg.CompactionThreshold) {
			_, _ = l.cfg.Compactor.Run(ctx, userID)
			recent = l.cfg.Store.LoadRecent(userID, l.cfg.HistoryDepth)
		}
	}

	messages := make([]types.Message, 0, len(recent)+4)
	if sp := l.cfg.Persona.build(userID); sp != "" {
		messages = append(messages, types.Message{Role: types.RoleSystem, Content: sp})
	}
	for _, e := range recent {
		messages = append(messages, types.Message{Role: e.Role, Content: e.Content})
	}

	// Step 4: drain undelivered background results.
	if l.cfg.Background != nil {
		for _, task := range l.cfg.Background.GetUndelivered(userID) {
			summary := summarizeTask(task)
			messages = append(messages, types.Message{Role: types.RoleSystem, Content: summary})
			_ = l.cfg.Background.MarkDelivered(task.ID)
		}
	}

	messages = append(messages, types.Message{Role: types.RoleUser, Content: message})

	// Step 5: classify and route.
	cls := classifier.Classify(message)
	if l.cfg.Metrics != nil {
		l.cfg.Metrics.ClassifiedTier(string(cls.Tier))
	}
	var adapter providers.Adapter
	if l.cfg.Routing != nil {
		if p := l.cfg.Routing.GetForTier(cls.Tier); p != nil {
			adapter, _ = p.(providers.Adapter)
		}
	}

	if adapter == nil {
		err := errNoProvider
		if stream != nil {
			stream <- Event{Type: EventError, Err: err}
		}
		return "", err
	}

	if stream != nil {
		stream <- Event{Type: EventToolStart}
	}

	runStart := l.now()
	outcome := runner.Run(ctx, runner.Config{
		Messages:      messages,
		Provider:      adapter,
		Tools:         l.cfg.Tools,
		MaxIterations: maxIterations,
		Shield:        l.cfg.Shield,
	})
	if l.cfg.Metrics != nil {
		elapsed := time.Duration(l.now()-runStart) * time.Millisecond
		l.cfg.Metrics.RecordTaskDuration(string(cls.Tier), elapsed.Seconds())
	}

	if stream != nil {
		if !outcome.Success {
			stream <- Event{Type: EventError, Err: errFromOutcome(outcome.Response)}
		} else {
			stream <- Event{Type: EventToolResult}
			stream <- Event{Type: EventText, Text: outcome.Response}
		}
		stream <- Event{Type: EventDone}
	}

	// Step 8: record episodic events for corrections/preference mutations
	// surfaced as tool calls during the run.
	if l.cfg.Memory != nil {
		recordEpisodicEvents(l.cfg.Memory, userID, outcome.Messages)
	}

	// Step 9: persist the turn and kick off async learning analysis.
	now := l.now()
	_ = l.cfg.Store.SaveEntry(types.ConversationEntry{UserID: userID, Role: types.RoleUser, Content: message, CreatedAt: now})
	_ = l.cfg.Store.SaveEntry(types.ConversationEntry{UserID: userID, Role: types.RoleAssistant, Content: outcome.Response, CreatedAt: now + 1})

	if l.cfg.LearningAnalyzer != nil {
		go l.cfg.LearningAnalyzer(context.Background(), userID, message, outcome.Response)
	}

	return outcome.Response, nil
}

func summarizeTask(task *types.BackgroundTask) string {
	if task.Status == types.TaskCompleted {
		return "Background task completed: \"" + task.TaskDescription + "\" — result: " + task.Result
	}
	return "Background task failed: \"" + task.TaskDescription + "\" — " + task.Result
}

// recordEpisodicEvents scans assistant tool calls for memory mutation
// signals (correction/preference tools) and records them.
func recordEpisodicEvents(m *memory.Engine, userID string, messages []types.Message) {
	for _, msg := range messages {
		if msg.Role != types.RoleAssistant {
			continue
		}
		for _, tc := range msg.ToolCalls {
			switch {
			case strings.Contains(tc.Name, "correction"):
				_, _ = m.Record(memory.RecordParams{
					UserID:    userID,
					EventType: types.EventCorrection,
					Content:   argsToText(tc.Arguments),
				})
			case strings.Contains(tc.Name, "preference"):
				_, _ = m.Record(memory.RecordParams{
					UserID:    userID,
					EventType: types.EventPreferenceLearned,
					Content:   argsToText(tc.Arguments),
				})
			}
		}
	}
}

func argsToText(args map[string]any) string {
	var parts []string
	for k, v := range args {
		parts = append(parts, k+"="+toString(v))
	}
	return strings.Join(parts, " ")
}

func toString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

type sentinelError string

func (e sentinelError) Error() string { return string(e) }

const errNoProvider = sentinelError("agentloop: no provider available for the classified tier")

func errFromOutcome(msg string) error { return sentinelError(msg) }
