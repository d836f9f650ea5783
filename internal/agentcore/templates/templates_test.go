package templates

import (
	"testing"

	"github.com/tinyclaw/agentcore/internal/agentcore/types"
)

type fakeStore struct {
	templates map[string]*types.RoleTemplate
}

func newFakeStore() *fakeStore {
	return &fakeStore{templates: make(map[string]*types.RoleTemplate)}
}

func (s *fakeStore) SaveTemplate(t *types.RoleTemplate) error {
	s.templates[t.ID] = t
	return nil
}

func (s *fakeStore) GetTemplate(id string) (*types.RoleTemplate, bool) {
	t, ok := s.templates[id]
	return t, ok
}

func (s *fakeStore) ListTemplatesForUser(userID string) []*types.RoleTemplate {
	var out []*types.RoleTemplate
	for _, t := range s.templates {
		if t.UserID == userID {
			out = append(out, t)
		}
	}
	return out
}

func (s *fakeStore) DeleteTemplate(id string) error {
	delete(s.templates, id)
	return nil
}

func TestTokenizeFiltersShortAndStopWords(t *testing.T) {
	got := Tokenize("Research the Top-3 Vector Databases, and compare pricing!")
	want := map[string]bool{"research": true, "top": true, "vector": true, "databases": true, "compare": true, "pricing": true}
	for _, tok := range got {
		if !want[tok] {
			t.Errorf("unexpected token %q", tok)
		}
	}
	for _, banned := range []string{"the", "and", "3"} {
		for _, tok := range got {
			if tok == banned {
				t.Errorf("expected %q to be filtered out, got tokens %v", banned, got)
			}
		}
	}
}

func TestCreateEnforcesFiftyCap(t *testing.T) {
	store := newFakeStore()
	m := New(store)
	for i := 0; i < maxPerUser; i++ {
		if _, err := m.Create(CreateParams{UserID: "u1", Name: "t"}); err != nil {
			t.Fatalf("unexpected error at %d: %v", i, err)
		}
	}
	if _, err := m.Create(CreateParams{UserID: "u1", Name: "overflow"}); err != ErrUserCapped {
		t.Fatalf("expected ErrUserCapped, got %v", err)
	}
}

func TestFindBestMatchAboveThreshold(t *testing.T) {
	store := newFakeStore()
	m := New(store)
	_, _ = m.Create(CreateParams{
		UserID:          "u1",
		Name:            "Research Assistant",
		RoleDescription: "finds and compares vendor pricing across competitors",
		Tags:            []string{"research", "pricing"},
	})
	best, score := m.FindBestMatch("u1", "please research competitor pricing for vendors")
	if best == nil {
		t.Fatal("expected a match")
	}
	if score < matchThreshold {
		t.Fatalf("expected score >= %f, got %f", matchThreshold, score)
	}
}

func TestFindBestMatchBelowThresholdReturnsNil(t *testing.T) {
	store := newFakeStore()
	m := New(store)
	_, _ = m.Create(CreateParams{
		UserID:          "u1",
		Name:            "Poet",
		RoleDescription: "writes sonnets about autumn leaves",
		Tags:            []string{"poetry"},
	})
	best, _ := m.FindBestMatch("u1", "debug the payment gateway integration test suite")
	if best != nil {
		t.Fatalf("expected no match, got %+v", best)
	}
}

func TestRecordUsageUpdatesRunningAverage(t *testing.T) {
	store := newFakeStore()
	m := New(store)
	tmpl, _ := m.Create(CreateParams{UserID: "u1", Name: "t"})

	if _, err := m.RecordUsage(tmpl.ID, 0.8); err != nil {
		t.Fatalf("record usage: %v", err)
	}
	if _, err := m.RecordUsage(tmpl.ID, 0.4); err != nil {
		t.Fatalf("record usage: %v", err)
	}

	got, _ := store.GetTemplate(tmpl.ID)
	if got.TimesUsed != 2 {
		t.Fatalf("expected timesUsed=2, got %d", got.TimesUsed)
	}
	want := (0.8 + 0.4) / 2
	if diff := got.AvgPerformance - want; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("expected avgPerformance %f, got %f", want, got.AvgPerformance)
	}
}

func TestDeleteRemovesTemplate(t *testing.T) {
	store := newFakeStore()
	m := New(store)
	tmpl, _ := m.Create(CreateParams{UserID: "u1", Name: "t"})
	if err := m.Delete(tmpl.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok := store.GetTemplate(tmpl.ID); ok {
		t.Fatal("expected template to be removed")
	}
}

func TestDeleteMissingReturnsNotFound(t *testing.T) {
	store := newFakeStore()
	m := New(store)
	if err := m.Delete("missing"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
