// Package compaction implements the compactor (§4.15): a five-step pipeline
// that rewrites a user's long conversation history into a tiered summary
// (L0/L1/L2) once the message count crosses a threshold.
//
// Grounded on the teacher's agent/context.Summarizer (internal/agent/context/summarize.go)
// for the trigger-threshold/keep-recent/provider-summarize shape, the
// markdown package (internal/markdown/tables.go) for 2-column table
// compression, and the cache package's TTL dedupe cache
// (internal/cache/dedupe.go) for the time-boxed dedupe idiom — though the
// near-duplicate step itself uses 5-gram shingle Jaccard similarity, which
// has no teacher analog and is built fresh per §4.15.
package compaction

import (
	"context"
	"regexp"
	"strings"

	"github.com/tinyclaw/agentcore/internal/agentcore/types"
	"github.com/tinyclaw/agentcore/internal/markdown"
)

const (
	defaultKeepRecent      = 20
	defaultDedupeThreshold = 0.85
	defaultL0Budget        = 200
	defaultL1Budget        = 500
	defaultL2Budget        = 1500
	charsPerToken          = 4
)

// Store loads and mutates a user's persisted conversation history.
type Store interface {
	// LoadConversation returns all entries for userID ordered ascending by
	// CreatedAt.
	LoadConversation(userID string) []types.ConversationEntry
	// DeleteMessagesBefore removes every entry with CreatedAt <= cutoff.
	DeleteMessagesBefore(userID string, cutoff int64) error
	SaveCompactionRecord(rec *types.CompactionRecord) error
}

// SummaryProvider generates the L2 summary text for a deduped message
// corpus, targeting roughly maxChars of output.
type SummaryProvider interface {
	Summarize(ctx context.Context, text string, maxChars int) (string, error)
}

// Summary is the tiered-truncation result of one compaction run.
type Summary struct {
	L0 string
	L1 string
	L2 string
}

// Metrics describes one compaction run.
type Metrics struct {
	MessagesBefore   int
	MessagesKept     int
	CompressionRatio float64
	DurationMs       int64
}

// Result is returned by a successful Run.
type Result struct {
	Summary Summary
	Metrics Metrics
}

// Config tunes the pipeline's thresholds.
type Config struct {
	KeepRecent      int
	DedupeThreshold float64
	L0Budget        int
	L1Budget        int
	L2Budget        int
}

func (c Config) withDefaults() Config {
	if c.KeepRecent <= 0 {
		c.KeepRecent = defaultKeepRecent
	}
	if c.DedupeThreshold <= 0 {
		c.DedupeThreshold = defaultDedupeThreshold
	}
	if c.L0Budget <= 0 {
		c.L0Budget = defaultL0Budget
	}
	if c.L1Budget <= 0 {
		c.L1Budget = defaultL1Budget
	}
	if c.L2Budget <= 0 {
		c.L2Budget = defaultL2Budget
	}
	return c
}

// Compactor implements the C15 pipeline.
type Compactor struct {
	store    Store
	provider SummaryProvider
	config   Config
	now      func() int64
}

// Option configures a Compactor.
type Option func(*Compactor)

// WithClock overrides the time source (tests only).
func WithClock(now func() int64) Option {
	return func(c *Compactor) { c.now = now }
}

// New builds a Compactor backed by store and provider.
func New(store Store, provider SummaryProvider, config Config, opts ...Option) *Compactor {
	c := &Compactor{
		store:    store,
		provider: provider,
		config:   config.withDefaults(),
		now:      types.NowMillis,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// ShouldCompact reports whether messageCount has crossed threshold.
func ShouldCompact(messageCount, threshold int) bool {
	return messageCount >= threshold
}

// Run executes the five-step pipeline for userID. A failed summarization is
// non-fatal: Run returns (nil, nil) and the conversation is left untouched.
func (c *Compactor) Run(ctx context.Context, userID string) (*Result, error) {
	start := c.now()

	entries := c.store.LoadConversation(userID)
	messagesBefore := len(entries)
	if messagesBefore <= c.config.KeepRecent {
		return nil, nil
	}

	cut := messagesBefore - c.config.KeepRecent
	prefix := entries[:cut]
	recent := entries[cut:]

	// Step 1: rule-based pre-compression, per message.
	compressed := make([]string, len(prefix))
	for i, e := range prefix {
		compressed[i] = preCompress(e.Content)
	}

	// Step 2: near-duplicate dedup by 5-gram shingle Jaccard.
	retained := dedupeNearDuplicates(compressed, c.config.DedupeThreshold)
	if len(retained) == 0 {
		return nil, nil
	}

	originalText := strings.Join(compressed, "\n\n")
	dedupedText := strings.Join(retained, "\n\n")

	// Step 3: LLM summarization. Failure aborts non-fatally.
	l2, err := c.provider.Summarize(ctx, dedupedText, c.config.L2Budget*charsPerToken)
	if err != nil || strings.TrimSpace(l2) == "" {
		return nil, nil
	}

	// Step 4: tiered truncation.
	l1 := truncateToChars(l2, c.config.L1Budget*charsPerToken)
	l0 := truncateToChars(l2, c.config.L0Budget*charsPerToken)

	// Step 5: persist and delete the replaced prefix, keeping the last
	// keepRecent entries.
	replacedBefore := prefix[len(prefix)-1].CreatedAt
	rec := &types.CompactionRecord{
		UserID:         userID,
		L0:             l0,
		L1:             l1,
		L2:             l2,
		ReplacedBefore: replacedBefore,
		CreatedAt:      c.now(),
	}
	if err := c.store.SaveCompactionRecord(rec); err != nil {
		return nil, err
	}
	if err := c.store.DeleteMessagesBefore(userID, replacedBefore); err != nil {
		return nil, err
	}

	originalTokens := estimateTokens(originalText)
	l2Tokens := estimateTokens(l2)
	ratio := 1.0
	if originalTokens > 0 {
		ratio = float64(l2Tokens) / float64(originalTokens)
		if ratio <= 0 {
			ratio = 0.0001
		}
		if ratio > 1 {
			ratio = 1
		}
	}

	return &Result{
		Summary: Summary{L0: l0, L1: l1, L2: l2},
		Metrics: Metrics{
			MessagesBefore:   messagesBefore,
			MessagesKept:     len(recent),
			CompressionRatio: ratio,
			DurationMs:       c.now() - start,
		},
	}, nil
}

// estimateTokens is the spec's ⌈chars/4⌉ estimate.
func estimateTokens(s string) int {
	if len(s) == 0 {
		return 0
	}
	return (len(s) + charsPerToken - 1) / charsPerToken
}

func truncateToChars(s string, maxChars int) string {
	if len(s) <= maxChars {
		return s
	}
	cut := s[:maxChars]
	if idx := strings.LastIndexAny(cut, " \n\t"); idx > 0 {
		cut = cut[:idx]
	}
	return strings.TrimSpace(cut) + "…"
}

// --- Step 1: rule-based pre-compression ---

var (
	emojiRE            = regexp.MustCompile(`[\x{1F300}-\x{1FAFF}\x{2600}-\x{27BF}\x{2190}-\x{21FF}\x{2B00}-\x{2BFF}]`)
	multiSpaceRE       = regexp.MustCompile(`[ \t]+`)
	multiBlankLineRE   = regexp.MustCompile(`\n{3,}`)
	decorativeLineRE   = regexp.MustCompile(`^\s*([-=*_~#])\1{2,}\s*$`)
	bulletLineRE       = regexp.MustCompile(`^\s*[-*•]\s+(.*)$`)
	cjkPunctReplacer   = strings.NewReplacer(
		"，", ",", "。", ".", "！", "!", "？", "?", "：", ":", "；", ";",
		"（", "(", "）", ")", "【", "[", "】", "]", "“", "\"", "”", "\"",
	)
	shortBulletLimit = 40
)

func preCompress(content string) string {
	s := emojiRE.ReplaceAllString(content, "")
	s = cjkPunctReplacer.Replace(s)
	s = multiSpaceRE.ReplaceAllString(s, " ")

	lines := strings.Split(s, "\n")
	lines = removeDecorativeLines(lines)
	lines = mergeShortBullets(lines)
	s = strings.Join(lines, "\n")

	s = compressTables(s)
	s = dedupIdenticalLines(s)
	s = multiBlankLineRE.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

func removeDecorativeLines(lines []string) []string {
	out := make([]string, 0, len(lines))
	for _, l := range lines {
		if decorativeLineRE.MatchString(l) {
			continue
		}
		out = append(out, l)
	}
	return out
}

// mergeShortBullets joins consecutive short bullet lines into one
// semicolon-separated line.
func mergeShortBullets(lines []string) []string {
	var out []string
	var run []string

	flush := func() {
		if len(run) == 0 {
			return
		}
		if len(run) == 1 {
			out = append(out, "- "+run[0])
		} else {
			out = append(out, "- "+strings.Join(run, "; "))
		}
		run = nil
	}

	for _, l := range lines {
		m := bulletLineRE.FindStringSubmatch(l)
		if m != nil && len(m[1]) <= shortBulletLimit {
			run = append(run, strings.TrimSpace(m[1]))
			continue
		}
		flush()
		out = append(out, l)
	}
	flush()
	return out
}

func compressTables(s string) string {
	tables := markdown.FindTables(s)
	if len(tables) == 0 {
		return s
	}
	result := s
	for i := len(tables) - 1; i >= 0; i-- {
		t := tables[i]
		if len(t.Headers) != 2 {
			continue
		}
		var lines []string
		for _, row := range t.Rows {
			if len(row) < 2 {
				continue
			}
			key := row[0]
			if key == "" {
				key = t.Headers[0]
			}
			lines = append(lines, key+": "+row[1])
		}
		result = result[:t.StartIndex] + strings.Join(lines, "\n") + result[t.EndIndex:]
	}
	return result
}

func dedupIdenticalLines(s string) string {
	lines := strings.Split(s, "\n")
	seen := make(map[string]bool, len(lines))
	out := make([]string, 0, len(lines))
	for _, l := range lines {
		trimmed := strings.TrimSpace(l)
		if trimmed == "" {
			out = append(out, l)
			continue
		}
		if seen[trimmed] {
			continue
		}
		seen[trimmed] = true
		out = append(out, l)
	}
	return strings.Join(out, "\n")
}

// --- Step 2: near-duplicate dedup ---

var wordRE = regexp.MustCompile(`[a-zA-Z0-9]+`)

func shingles(text string, n int) map[string]bool {
	words := wordRE.FindAllString(strings.ToLower(text), -1)
	set := make(map[string]bool)
	if len(words) < n {
		if len(words) > 0 {
			set[strings.Join(words, " ")] = true
		}
		return set
	}
	for i := 0; i+n <= len(words); i++ {
		set[strings.Join(words[i:i+n], " ")] = true
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

// dedupeNearDuplicates drops a message whose 5-gram shingle similarity to
// any earlier retained message exceeds threshold.
func dedupeNearDuplicates(messages []string, threshold float64) []string {
	var retained []string
	var retainedShingles []map[string]bool

	for _, msg := range messages {
		if strings.TrimSpace(msg) == "" {
			continue
		}
		sh := shingles(msg, 5)
		dup := false
		for _, prior := range retainedShingles {
			if jaccard(sh, prior) > threshold {
				dup = true
				break
			}
		}
		if dup {
			continue
		}
		retained = append(retained, msg)
		retainedShingles = append(retainedShingles, sh)
	}
	return retained
}
