package store

import (
	"context"
	"testing"

	"github.com/tinyclaw/agentcore/internal/agentcore/types"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestConversationEntriesRoundTrip(t *testing.T) {
	db := openTestDB(t)

	entries := []types.ConversationEntry{
		{UserID: "u1", Role: types.RoleUser, Content: "hi", CreatedAt: 1},
		{UserID: "u1", Role: types.RoleAssistant, Content: "hello", CreatedAt: 2},
		{UserID: "u1", Role: types.RoleUser, Content: "how are you", CreatedAt: 3},
	}
	for _, e := range entries {
		if err := db.SaveEntry(e); err != nil {
			t.Fatalf("SaveEntry: %v", err)
		}
	}

	if n := db.MessageCount("u1"); n != 3 {
		t.Fatalf("MessageCount = %d, want 3", n)
	}

	recent := db.LoadRecent("u1", 2)
	if len(recent) != 2 {
		t.Fatalf("LoadRecent returned %d entries, want 2", len(recent))
	}
	if recent[0].Content != "hello" || recent[1].Content != "how are you" {
		t.Fatalf("LoadRecent not in ascending order: %+v", recent)
	}

	full := db.LoadConversation("u1")
	if len(full) != 3 {
		t.Fatalf("LoadConversation returned %d entries, want 3", len(full))
	}

	if err := db.DeleteMessagesBefore("u1", 2); err != nil {
		t.Fatalf("DeleteMessagesBefore: %v", err)
	}
	remaining := db.LoadConversation("u1")
	if len(remaining) != 1 || remaining[0].Content != "how are you" {
		t.Fatalf("unexpected remaining entries after delete: %+v", remaining)
	}
}

func TestCompactionRecordUpsert(t *testing.T) {
	db := openTestDB(t)

	rec := &types.CompactionRecord{UserID: "u1", L0: "recent", L1: "mid", L2: "old", ReplacedBefore: 100, CreatedAt: 1}
	if err := db.SaveCompactionRecord(rec); err != nil {
		t.Fatalf("SaveCompactionRecord: %v", err)
	}

	rec2 := &types.CompactionRecord{UserID: "u1", L0: "recent2", L1: "mid2", L2: "old2", ReplacedBefore: 200, CreatedAt: 2}
	if err := db.SaveCompactionRecord(rec2); err != nil {
		t.Fatalf("SaveCompactionRecord (update): %v", err)
	}

	var l0 string
	if err := db.db.QueryRow(`SELECT l0 FROM compaction_records WHERE user_id = ?`, "u1").Scan(&l0); err != nil {
		t.Fatalf("query: %v", err)
	}
	if l0 != "recent2" {
		t.Fatalf("l0 = %q, want overwritten value %q", l0, "recent2")
	}
}

func TestSubAgentRoundTrip(t *testing.T) {
	db := openTestDB(t)

	tier := types.TierComplex
	deletedAt := int64(999)
	rec := &types.SubAgentRecord{
		ID:               "agent-1",
		UserID:           "u1",
		Role:             "researcher",
		SystemPrompt:     "You research things.",
		ToolsGranted:     []string{"web_search", "read_file"},
		TierPreference:   &tier,
		Status:           types.SubAgentActive,
		PerformanceScore: 0.75,
		TotalTasks:       4,
		SuccessfulTasks:  3,
		TemplateID:       "tmpl-1",
		CreatedAt:        10,
		LastActiveAt:     20,
	}
	if err := db.SaveSubAgent(rec); err != nil {
		t.Fatalf("SaveSubAgent: %v", err)
	}

	got, ok := db.GetSubAgent("agent-1")
	if !ok {
		t.Fatalf("GetSubAgent: not found")
	}
	if got.Role != "researcher" || len(got.ToolsGranted) != 2 || got.TierPreference == nil || *got.TierPreference != types.TierComplex {
		t.Fatalf("unexpected subagent round-trip: %+v", got)
	}
	if got.TemplateID != "tmpl-1" || got.DeletedAt != nil {
		t.Fatalf("unexpected subagent fields: %+v", got)
	}

	rec.Status = types.SubAgentSoftDeleted
	rec.DeletedAt = &deletedAt
	if err := db.SaveSubAgent(rec); err != nil {
		t.Fatalf("SaveSubAgent (update): %v", err)
	}
	got2, _ := db.GetSubAgent("agent-1")
	if got2.Status != types.SubAgentSoftDeleted || got2.DeletedAt == nil || *got2.DeletedAt != deletedAt {
		t.Fatalf("update did not persist: %+v", got2)
	}

	if err := db.SaveSubAgentMessage(types.SubagentHistoryKey("agent-1"), types.RoleUser, "do a thing"); err != nil {
		t.Fatalf("SaveSubAgentMessage: %v", err)
	}
	if err := db.SaveSubAgentMessage(types.SubagentHistoryKey("agent-1"), types.RoleAssistant, "done"); err != nil {
		t.Fatalf("SaveSubAgentMessage: %v", err)
	}

	var seqs []int
	rows, err := db.db.Query(`SELECT seq FROM subagent_messages WHERE history_key = ? ORDER BY seq`, types.SubagentHistoryKey("agent-1"))
	if err != nil {
		t.Fatalf("query messages: %v", err)
	}
	defer rows.Close()
	for rows.Next() {
		var s int
		_ = rows.Scan(&s)
		seqs = append(seqs, s)
	}
	if len(seqs) != 2 || seqs[0] != 0 || seqs[1] != 1 {
		t.Fatalf("unexpected seq assignment: %v", seqs)
	}
}

func TestSubAgentNotFound(t *testing.T) {
	db := openTestDB(t)
	if _, ok := db.GetSubAgent("missing"); ok {
		t.Fatalf("expected GetSubAgent to report not found")
	}
}

func TestRoleTemplateRoundTrip(t *testing.T) {
	db := openTestDB(t)

	tier := types.TierSimple
	tpl := &types.RoleTemplate{
		ID:              "tmpl-1",
		UserID:          "u1",
		Name:            "Researcher",
		RoleDescription: "Finds facts",
		DefaultTools:    []string{"web_search"},
		DefaultTier:     &tier,
		Tags:            []string{"research", "default"},
		CreatedAt:       1,
		UpdatedAt:       1,
	}
	if err := db.SaveTemplate(tpl); err != nil {
		t.Fatalf("SaveTemplate: %v", err)
	}

	got, ok := db.GetTemplate("tmpl-1")
	if !ok || got.Name != "Researcher" || len(got.Tags) != 2 {
		t.Fatalf("unexpected template round-trip: %+v", got)
	}

	tpl.TimesUsed = 5
	tpl.AvgPerformance = 0.9
	if err := db.SaveTemplate(tpl); err != nil {
		t.Fatalf("SaveTemplate (update): %v", err)
	}
	got2, _ := db.GetTemplate("tmpl-1")
	if got2.TimesUsed != 5 || got2.AvgPerformance != 0.9 {
		t.Fatalf("update did not persist: %+v", got2)
	}

	tpl2 := &types.RoleTemplate{ID: "tmpl-2", UserID: "u1", Name: "Writer", RoleDescription: "Writes things", CreatedAt: 2, UpdatedAt: 2}
	if err := db.SaveTemplate(tpl2); err != nil {
		t.Fatalf("SaveTemplate: %v", err)
	}

	list := db.ListTemplatesForUser("u1")
	if len(list) != 2 {
		t.Fatalf("ListTemplatesForUser returned %d, want 2", len(list))
	}

	if err := db.DeleteTemplate("tmpl-2"); err != nil {
		t.Fatalf("DeleteTemplate: %v", err)
	}
	if _, ok := db.GetTemplate("tmpl-2"); ok {
		t.Fatalf("expected tmpl-2 to be deleted")
	}
}

func TestBackgroundTaskLifecycle(t *testing.T) {
	db := openTestDB(t)

	task := &types.BackgroundTask{
		ID:              "task-1",
		UserID:          "u1",
		AgentID:         "agent-1",
		TaskDescription: "scrape a site",
		Status:          types.TaskRunning,
		StartedAt:       1,
	}
	if err := db.SaveTask(task); err != nil {
		t.Fatalf("SaveTask: %v", err)
	}

	running := db.ListRunningForUser("u1")
	if len(running) != 1 || running[0].ID != "task-1" {
		t.Fatalf("ListRunningForUser = %+v", running)
	}
	runningByAgent := db.ListRunningForAgent("agent-1")
	if len(runningByAgent) != 1 {
		t.Fatalf("ListRunningForAgent = %+v", runningByAgent)
	}

	completedAt := int64(50)
	task.Status = types.TaskCompleted
	task.Result = "done scraping"
	task.CompletedAt = &completedAt
	if err := db.SaveTask(task); err != nil {
		t.Fatalf("SaveTask (complete): %v", err)
	}

	if len(db.ListRunningForUser("u1")) != 0 {
		t.Fatalf("expected no running tasks after completion")
	}
	undelivered := db.ListUndelivered("u1")
	if len(undelivered) != 1 || undelivered[0].Result != "done scraping" {
		t.Fatalf("ListUndelivered = %+v", undelivered)
	}

	deliveredAt := int64(60)
	task.DeliveredAt = &deliveredAt
	if err := db.SaveTask(task); err != nil {
		t.Fatalf("SaveTask (deliver): %v", err)
	}
	if len(db.ListUndelivered("u1")) != 0 {
		t.Fatalf("expected no undelivered tasks after delivery")
	}

	got, ok := db.GetTask("task-1")
	if !ok || got.DeliveredAt == nil || *got.DeliveredAt != deliveredAt {
		t.Fatalf("GetTask = %+v", got)
	}
}

func TestEpisodicEventRoundTrip(t *testing.T) {
	db := openTestDB(t)

	ev := &types.EpisodicEvent{
		ID:             "ev-1",
		UserID:         "u1",
		EventType:      types.EventCorrection,
		Content:        "user corrected a typo",
		Importance:     types.EventCorrection.DefaultImportance(),
		CreatedAt:      1,
		LastAccessedAt: 1,
	}
	if err := db.SaveEvent(ev); err != nil {
		t.Fatalf("SaveEvent: %v", err)
	}

	got, ok := db.GetEvent("ev-1")
	if !ok || got.EventType != types.EventCorrection || got.Content != ev.Content {
		t.Fatalf("unexpected event round-trip: %+v", got)
	}

	ev2 := &types.EpisodicEvent{ID: "ev-2", UserID: "u1", EventType: types.EventFactStored, Content: "fact", CreatedAt: 2, LastAccessedAt: 2}
	if err := db.SaveEvent(ev2); err != nil {
		t.Fatalf("SaveEvent: %v", err)
	}

	list := db.ListForUser("u1")
	if len(list) != 2 {
		t.Fatalf("ListForUser returned %d, want 2", len(list))
	}

	if err := db.DeleteEvent("ev-2"); err != nil {
		t.Fatalf("DeleteEvent: %v", err)
	}
	if _, ok := db.GetEvent("ev-2"); ok {
		t.Fatalf("expected ev-2 to be deleted")
	}
}

func TestTaskMetrics(t *testing.T) {
	db := openTestDB(t)

	if err := db.SaveTaskMetric(types.TaskMetric{UserID: "u1", TaskType: "summarize", Tier: types.TierSimple, DurationMs: 500, Iterations: 1, Success: true, CreatedAt: 1}); err != nil {
		t.Fatalf("SaveTaskMetric: %v", err)
	}
	if err := db.SaveTaskMetric(types.TaskMetric{UserID: "u1", TaskType: "summarize", Tier: types.TierSimple, DurationMs: 700, Iterations: 2, Success: false, CreatedAt: 2}); err != nil {
		t.Fatalf("SaveTaskMetric: %v", err)
	}

	metrics := db.TaskMetricsByType("summarize", 10)
	if len(metrics) != 2 {
		t.Fatalf("TaskMetricsByType returned %d, want 2", len(metrics))
	}
	if metrics[0].CreatedAt != 2 || metrics[0].Success {
		t.Fatalf("expected most recent first: %+v", metrics[0])
	}
}

func TestMigrationsAreIdempotentAcrossOpen(t *testing.T) {
	ctx := context.Background()
	db, err := Open(ctx, ":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	migrator, err := NewMigrator(db.db)
	if err != nil {
		t.Fatalf("NewMigrator: %v", err)
	}
	applied, err := migrator.Up(ctx)
	if err != nil {
		t.Fatalf("Up (second call): %v", err)
	}
	if len(applied) != 0 {
		t.Fatalf("expected no migrations re-applied, got %v", applied)
	}
}
