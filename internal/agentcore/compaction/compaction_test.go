package compaction

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"testing"

	"github.com/tinyclaw/agentcore/internal/agentcore/types"
)

type fakeStore struct {
	entries []types.ConversationEntry
	records []*types.CompactionRecord
}

func (s *fakeStore) LoadConversation(userID string) []types.ConversationEntry {
	var out []types.ConversationEntry
	for _, e := range s.entries {
		if e.UserID == userID {
			out = append(out, e)
		}
	}
	return out
}

func (s *fakeStore) DeleteMessagesBefore(userID string, cutoff int64) error {
	var kept []types.ConversationEntry
	for _, e := range s.entries {
		if e.UserID == userID && e.CreatedAt <= cutoff {
			continue
		}
		kept = append(kept, e)
	}
	s.entries = kept
	return nil
}

func (s *fakeStore) SaveCompactionRecord(rec *types.CompactionRecord) error {
	s.records = append(s.records, rec)
	return nil
}

type fakeProvider struct {
	summary string
	err     error
}

func (p *fakeProvider) Summarize(ctx context.Context, text string, maxChars int) (string, error) {
	if p.err != nil {
		return "", p.err
	}
	if p.summary != "" {
		return p.summary, nil
	}
	return "summary of: " + text, nil
}

func makeEntries(userID string, n int, content func(i int) string) []types.ConversationEntry {
	var out []types.ConversationEntry
	for i := 0; i < n; i++ {
		out = append(out, types.ConversationEntry{
			UserID:    userID,
			Role:      types.RoleUser,
			Content:   content(i),
			CreatedAt: int64(1000 + i),
		})
	}
	return out
}

func TestRunReturnsNilWhenBelowKeepRecent(t *testing.T) {
	store := &fakeStore{entries: makeEntries("u1", 5, func(i int) string { return "hello" })}
	c := New(store, &fakeProvider{}, Config{KeepRecent: 20})

	res, err := c.Run(context.Background(), "u1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res != nil {
		t.Fatalf("expected nil result, got %+v", res)
	}
}

func TestRunCompactsAndDeletesReplacedPrefix(t *testing.T) {
	store := &fakeStore{entries: makeEntries("u1", 30, func(i int) string {
		return "message number " + strconv.Itoa(i)
	})}
	c := New(store, &fakeProvider{}, Config{KeepRecent: 20})

	res, err := c.Run(context.Background(), "u1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res == nil {
		t.Fatal("expected a result")
	}
	if res.Metrics.MessagesBefore != 30 {
		t.Fatalf("expected messagesBefore=30, got %d", res.Metrics.MessagesBefore)
	}
	if res.Metrics.MessagesKept != 20 {
		t.Fatalf("expected messagesKept=20, got %d", res.Metrics.MessagesKept)
	}
	if len(store.entries) != 20 {
		t.Fatalf("expected 20 entries remaining, got %d", len(store.entries))
	}
	if len(store.records) != 1 {
		t.Fatalf("expected one compaction record saved, got %d", len(store.records))
	}
	if res.Summary.L2 == "" {
		t.Fatal("expected a non-empty L2 summary")
	}
	if res.Metrics.CompressionRatio <= 0 || res.Metrics.CompressionRatio > 1 {
		t.Fatalf("expected compressionRatio in (0,1], got %f", res.Metrics.CompressionRatio)
	}
}

func TestRunAbortsNonFatallyOnSummarizeError(t *testing.T) {
	store := &fakeStore{entries: makeEntries("u1", 30, func(i int) string { return "msg " + strconv.Itoa(i) })}
	c := New(store, &fakeProvider{err: errors.New("provider down")}, Config{KeepRecent: 20})

	res, err := c.Run(context.Background(), "u1")
	if err != nil {
		t.Fatalf("expected non-fatal nil error, got %v", err)
	}
	if res != nil {
		t.Fatal("expected nil result on summarize failure")
	}
	if len(store.entries) != 30 {
		t.Fatalf("expected no entries deleted, got %d remaining", len(store.entries))
	}
}

func TestPreCompressStripsEmojiAndDecorativeLines(t *testing.T) {
	in := "Great job! 🎉🚀\n---\nSecond line here."
	got := preCompress(in)
	if strings.Contains(got, "🎉") || strings.Contains(got, "🚀") {
		t.Fatalf("expected emoji stripped, got %q", got)
	}
	if strings.Contains(got, "---") {
		t.Fatalf("expected decorative line removed, got %q", got)
	}
}

func TestPreCompressDedupesIdenticalLines(t *testing.T) {
	in := "same line\nsame line\ndifferent line"
	got := preCompress(in)
	count := strings.Count(got, "same line")
	if count != 1 {
		t.Fatalf("expected identical lines deduped to 1, got %d in %q", count, got)
	}
}

func TestCompressTablesConvertsTwoColumnTable(t *testing.T) {
	in := "| Key | Value |\n| --- | --- |\n| color | blue |\n| size | large |"
	got := compressTables(in)
	if !strings.Contains(got, "color: blue") || !strings.Contains(got, "size: large") {
		t.Fatalf("expected key:value lines, got %q", got)
	}
	if strings.Contains(got, "|") {
		t.Fatalf("expected table markup removed, got %q", got)
	}
}

func TestDedupeNearDuplicatesDropsHighSimilarity(t *testing.T) {
	messages := []string{
		"the quick brown fox jumps over the lazy dog near the old barn",
		"the quick brown fox jumps over the lazy dog near the old barn!",
		"completely unrelated content about database migrations",
	}
	retained := dedupeNearDuplicates(messages, 0.85)
	if len(retained) != 2 {
		t.Fatalf("expected near-duplicate dropped, got %d retained: %v", len(retained), retained)
	}
}

func TestEstimateTokensCeilsCharsOverFour(t *testing.T) {
	if got := estimateTokens("abcde"); got != 2 {
		t.Fatalf("expected 2 tokens for 5 chars, got %d", got)
	}
	if got := estimateTokens("abcd"); got != 1 {
		t.Fatalf("expected 1 token for 4 chars, got %d", got)
	}
	if got := estimateTokens(""); got != 0 {
		t.Fatalf("expected 0 tokens for empty string, got %d", got)
	}
}

func TestTruncateToCharsRespectsWordBoundary(t *testing.T) {
	long := strings.Repeat("word ", 100)
	got := truncateToChars(long, 20)
	if len(got) > 22 {
		t.Fatalf("expected truncated output near 20 chars, got %d: %q", len(got), got)
	}
	if !strings.HasSuffix(got, "…") {
		t.Fatalf("expected ellipsis suffix, got %q", got)
	}
}
