// Package templates implements the template manager (§4.13): matches a task
// description against a user's saved RoleTemplates by token overlap, and
// provides CRUD with a 50-per-user cap and a running usage-performance
// average.
//
// No teacher file does template matching directly; the tokenization and
// scoring pipeline follows the classifier package's regex-keyword idiom
// (internal/agentcore/classifier) and the lifecycle package's running-average
// update (internal/agentcore/lifecycle.RecordTaskResult) for recordUsage.
package templates

import (
	"errors"
	"regexp"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/tinyclaw/agentcore/internal/agentcore/types"
)

var (
	ErrNotFound    = errors.New("template not found")
	ErrUserCapped  = errors.New("user has reached the 50-template cap")
)

const (
	maxPerUser      = 50
	matchThreshold  = 0.3
)

var nonAlnum = regexp.MustCompile(`[^a-z0-9]+`)

// stopWords is a fixed filter set applied after tokenization.
var stopWords = map[string]bool{
	"the": true, "a": true, "an": true, "and": true, "or": true, "of": true,
	"to": true, "in": true, "on": true, "for": true, "with": true, "is": true,
	"are": true, "be": true, "this": true, "that": true, "it": true, "as": true,
	"at": true, "by": true, "from": true, "into": true, "about": true,
}

// Tokenize lowercases text, strips non-alphanumerics, and filters tokens of
// length ≤2 and the fixed stop-word set.
func Tokenize(text string) []string {
	lower := strings.ToLower(text)
	fields := strings.Fields(nonAlnum.ReplaceAllString(lower, " "))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if len(f) <= 2 || stopWords[f] {
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

// overlap computes |queryTokens ∩ templateTokens| / |queryTokens|.
func overlap(queryTokens []string, templateTokens map[string]bool) float64 {
	if len(queryTokens) == 0 {
		return 0
	}
	matches := 0
	for _, t := range queryTokens {
		if templateTokens[t] {
			matches++
		}
	}
	return float64(matches) / float64(len(queryTokens))
}

// Store persists RoleTemplates, scoped per user.
type Store interface {
	SaveTemplate(t *types.RoleTemplate) error
	GetTemplate(id string) (*types.RoleTemplate, bool)
	ListTemplatesForUser(userID string) []*types.RoleTemplate
	DeleteTemplate(id string) error
}

// Manager implements the C13 template operations.
type Manager struct {
	mu    sync.Mutex
	store Store
	now   func() int64
	newID func() string
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

// New builds a Manager backed by store.
func New(store Store, opts ...Option) *Manager {
	m := &Manager{store: store, now: types.NowMillis}
	for _, o := range opts {
		o(m)
	}
	if m.newID == nil {
		m.newID = func() string {
			return "tmpl-" + uuid.NewString()
		}
	}
	return m
}

// CreateParams are the inputs to Create.
type CreateParams struct {
	UserID          string
	Name            string
	RoleDescription string
	DefaultTools    []string
	DefaultTier     *types.Tier
	Tags            []string
}

// Create persists a new RoleTemplate, enforcing the 50-per-user cap.
func (m *Manager) Create(params CreateParams) (*types.RoleTemplate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.store.ListTemplatesForUser(params.UserID)) >= maxPerUser {
		return nil, ErrUserCapped
	}

	now := m.now()
	t := &types.RoleTemplate{
		ID:              m.newID(),
		UserID:          params.UserID,
		Name:            params.Name,
		RoleDescription: params.RoleDescription,
		DefaultTools:    params.DefaultTools,
		DefaultTier:     params.DefaultTier,
		Tags:            params.Tags,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := m.store.SaveTemplate(t); err != nil {
		return nil, err
	}
	return t, nil
}

// Update applies mutator to the stored template and persists it.
func (m *Manager) Update(id string, mutator func(*types.RoleTemplate)) (*types.RoleTemplate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.store.GetTemplate(id)
	if !ok {
		return nil, ErrNotFound
	}
	mutator(t)
	t.UpdatedAt = m.now()
	if err := m.store.SaveTemplate(t); err != nil {
		return nil, err
	}
	return t, nil
}

// Delete removes a template.
func (m *Manager) Delete(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.store.GetTemplate(id); !ok {
		return ErrNotFound
	}
	return m.store.DeleteTemplate(id)
}

// RecordUsage increments timesUsed and folds score into the running average.
func (m *Manager) RecordUsage(id string, score float64) (*types.RoleTemplate, error) {
	return m.Update(id, func(t *types.RoleTemplate) {
		n := t.TimesUsed + 1
		t.AvgPerformance = (t.AvgPerformance*float64(t.TimesUsed) + score) / float64(n)
		t.TimesUsed = n
	})
}

// FindBestMatch scores every one of the user's templates against
// taskDescription by token overlap over name+roleDescription+tags, and
// returns the single highest-scoring template if its score is ≥0.3.
func (m *Manager) FindBestMatch(userID, taskDescription string) (*types.RoleTemplate, float64) {
	queryTokens := Tokenize(taskDescription)

	var best *types.RoleTemplate
	bestScore := 0.0

	for _, t := range m.store.ListTemplatesForUser(userID) {
		corpus := strings.Join(append([]string{t.Name, t.RoleDescription}, t.Tags...), " ")
		templateTokens := tokenSet(Tokenize(corpus))
		score := overlap(queryTokens, templateTokens)
		if score > bestScore {
			bestScore = score
			best = t
		}
	}

	if best == nil || bestScore < matchThreshold {
		return nil, 0
	}
	return best, bestScore
}
