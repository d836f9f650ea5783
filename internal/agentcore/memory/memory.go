// Package memory implements the memory engine (§4.16): stores EpisodicEvents
// per user and scores search hits by a blend of keyword relevance, recency,
// and importance, then periodically decays, prunes, and merges near-duplicate
// events.
//
// The spec's original vector-embedding design is architecture-substituted
// here for an FTS-keyword scorer (no vector index or embedding provider
// exists anywhere in the example pack to ground an embedding-based search
// on); the token-overlap/ranking idiom follows the same regex-tokenization
// pattern as internal/agentcore/templates and internal/agentcore/classifier,
// and the decay/merge sweep follows the teacher's multiagent.SubagentRegistry
// sweep loop (internal/multiagent/subagent_registry.go) generalized from a
// TTL-delete to a decay/prune/merge pipeline.
package memory

import (
	"math"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/tinyclaw/agentcore/internal/agentcore/types"
)

const (
	dayMs = 24 * 60 * 60 * 1000

	decayFactor       = 0.95
	decayAfterDays    = 7
	pruneImportance   = 0.1
	pruneAfterDays    = 30
	mergeJaccard      = 0.8
	mergeInheritShare = 0.2

	relevanceFTSWeight        = 0.4
	relevanceTemporalWeight   = 0.3
	relevanceImportanceWeight = 0.3

	temporalDecayRate      = 0.05
	temporalAccessBonusPer = 0.02
)

var nonAlnum = regexp.MustCompile(`[^a-z0-9]+`)

func tokenize(text string) []string {
	lower := strings.ToLower(text)
	fields := strings.Fields(nonAlnum.ReplaceAllString(lower, " "))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if len(f) < 2 {
			continue
		}
		out = append(out, f)
	}
	return out
}

func tokenSet(tokens []string) map[string]bool {
	set := make(map[string]bool, len(tokens))
	for _, t := range tokens {
		set[t] = true
	}
	return set
}

func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	inter := 0
	for k := range a {
		if b[k] {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// Store persists EpisodicEvents per user.
type Store interface {
	SaveEvent(e *types.EpisodicEvent) error
	GetEvent(id string) (*types.EpisodicEvent, bool)
	ListForUser(userID string) []*types.EpisodicEvent
	DeleteEvent(id string) error
}

// Engine implements the C16 memory operations.
type Engine struct {
	mu    sync.Mutex
	store Store
	now   func() int64
	newID func() string
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the time source (tests only).
func WithClock(now func() int64) Option {
	return func(e *Engine) { e.now = now }
}

// WithIDGenerator overrides the id generator (tests only).
func WithIDGenerator(gen func() string) Option {
	return func(e *Engine) { e.newID = gen }
}

// New builds an Engine backed by store.
func New(store Store, opts ...Option) *Engine {
	e := &Engine{store: store, now: types.NowMillis}
	for _, o := range opts {
		o(e)
	}
	if e.newID == nil {
		e.newID = func() string {
			return "event-" + uuid.NewString()
		}
	}
	return e
}

// RecordParams are the inputs to Record.
type RecordParams struct {
	UserID    string
	EventType types.EpisodicEventType
	Content   string
	Outcome   string
}

// Record persists a new EpisodicEvent with the type's default importance.
func (e *Engine) Record(params RecordParams) (*types.EpisodicEvent, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	ev := &types.EpisodicEvent{
		ID:             e.newID(),
		UserID:         params.UserID,
		EventType:      params.EventType,
		Content:        params.Content,
		Outcome:        params.Outcome,
		Importance:     params.EventType.DefaultImportance(),
		CreatedAt:      now,
		LastAccessedAt: now,
	}
	if err := e.store.SaveEvent(ev); err != nil {
		return nil, err
	}
	return ev, nil
}

// Hit is one scored search result.
type Hit struct {
	Event     *types.EpisodicEvent
	Relevance float64
}

// Search sanitizes query into an OR-of-tokens match, scores every hit by
// relevance = 0.4·ftsScore + 0.3·temporalScore + 0.3·importance, and returns
// the top `limit` hits sorted descending.
func (e *Engine) Search(userID, query string, limit int) []Hit {
	e.mu.Lock()
	defer e.mu.Unlock()

	queryTokens := tokenize(query)
	if len(queryTokens) == 0 {
		return nil
	}

	now := e.now()

	type candidate struct {
		event *types.EpisodicEvent
		rank  float64
	}
	var candidates []candidate
	maxAbsRank := 0.0

	for _, ev := range e.store.ListForUser(userID) {
		contentTokens := tokenize(ev.Content)
		rank := 0.0
		for _, qt := range queryTokens {
			for _, ct := range contentTokens {
				if ct == qt {
					rank++
				}
			}
		}
		if rank == 0 {
			continue
		}
		candidates = append(candidates, candidate{event: ev, rank: rank})
		if abs := math.Abs(rank); abs > maxAbsRank {
			maxAbsRank = abs
		}
	}

	hits := make([]Hit, 0, len(candidates))
	for _, c := range candidates {
		ftsScore := 0.0
		if maxAbsRank > 0 {
			ftsScore = math.Abs(c.rank) / maxAbsRank
		}
		daysSinceAccess := float64(now-c.event.LastAccessedAt) / dayMs
		if daysSinceAccess < 0 {
			daysSinceAccess = 0
		}
		temporalScore := math.Min(1, math.Exp(-temporalDecayRate*daysSinceAccess)*(1+temporalAccessBonusPer*float64(c.event.AccessCount)))
		relevance := relevanceFTSWeight*ftsScore + relevanceTemporalWeight*temporalScore + relevanceImportanceWeight*c.event.Importance
		hits = append(hits, Hit{Event: c.event, Relevance: relevance})
	}

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Relevance > hits[j].Relevance })
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits
}

// Reinforce increments an event's access count and stamps lastAccessedAt.
func (e *Engine) Reinforce(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	ev, ok := e.store.GetEvent(id)
	if !ok {
		return nil
	}
	ev.AccessCount++
	ev.LastAccessedAt = e.now()
	return e.store.SaveEvent(ev)
}

// ConsolidateResult tallies a consolidation sweep.
type ConsolidateResult struct {
	Merged  int
	Pruned  int
	Decayed int
}

// Consolidate decays stale importance, prunes dead events, and merges
// near-duplicate events of the same type.
func (e *Engine) Consolidate(userID string) (ConsolidateResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	result := ConsolidateResult{}

	events := e.store.ListForUser(userID)

	// Decay.
	for _, ev := range events {
		daysSinceAccess := float64(now-ev.LastAccessedAt) / dayMs
		if daysSinceAccess < decayAfterDays {
			continue
		}
		ev.Importance *= decayFactor
		if err := e.store.SaveEvent(ev); err != nil {
			return result, err
		}
		result.Decayed++
	}

	// Prune.
	var survivors []*types.EpisodicEvent
	for _, ev := range events {
		ageDays := float64(now-ev.CreatedAt) / dayMs
		if ev.Importance < pruneImportance && ev.AccessCount == 0 && ageDays > pruneAfterDays {
			if err := e.store.DeleteEvent(ev.ID); err != nil {
				return result, err
			}
			result.Pruned++
			continue
		}
		survivors = append(survivors, ev)
	}

	// Merge near-duplicates within the same eventType.
	byType := make(map[types.EpisodicEventType][]*types.EpisodicEvent)
	for _, ev := range survivors {
		byType[ev.EventType] = append(byType[ev.EventType], ev)
	}

	deleted := make(map[string]bool)
	for _, group := range byType {
		sort.Slice(group, func(i, j int) bool { return group[i].CreatedAt < group[j].CreatedAt })
		tokenCache := make(map[string]map[string]bool, len(group))
		for _, ev := range group {
			tokenCache[ev.ID] = tokenSet(tokenize(ev.Content))
		}
		for i := 0; i < len(group); i++ {
			older := group[i]
			if deleted[older.ID] {
				continue
			}
			for j := i + 1; j < len(group); j++ {
				newer := group[j]
				if deleted[newer.ID] {
					continue
				}
				if jaccard(tokenCache[older.ID], tokenCache[newer.ID]) <= mergeJaccard {
					continue
				}
				newer.Importance += mergeInheritShare * older.Importance
				newer.AccessCount += older.AccessCount
				if err := e.store.SaveEvent(newer); err != nil {
					return result, err
				}
				if err := e.store.DeleteEvent(older.ID); err != nil {
					return result, err
				}
				deleted[older.ID] = true
				result.Merged++
				break
			}
		}
	}

	return result, nil
}
