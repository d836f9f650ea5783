// Package store implements the persistence layer (§3/§6): a single SQLite
// database holding conversation history, compaction tiers, sub-agent
// records and their private transcripts, role templates, background tasks,
// and episodic memory events, behind the Store interfaces each component
// package (lifecycle, templates, background, compaction, memory, agentloop)
// already declares for itself.
//
// Grounded on the teacher's sqlitevec.Backend (internal/memory/backend/sqlitevec
// in the teacher tree) for the modernc.org/sqlite pure-Go driver and its
// inline CREATE-TABLE-IF-NOT-EXISTS + index style, and on the teacher's
// storage.cockroachAgentStore family (internal/storage/cockroach.go) for the
// CRUD/ErrNotFound shape and StoreSet-style construction, generalized from
// Postgres placeholder syntax ($1) to SQLite's (?) and from the teacher's
// multi-store split to one file per this package's six Store surfaces.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	_ "modernc.org/sqlite" // pure-Go SQLite driver

	"github.com/tinyclaw/agentcore/internal/agentcore/errs"
	"github.com/tinyclaw/agentcore/internal/agentcore/types"
)

// ErrNotFound is returned by Get-style lookups that find nothing.
var ErrNotFound = errors.New("store: not found")

// DB wraps a SQLite connection and implements every Store interface the
// agent execution core declares.
type DB struct {
	db *sql.DB
}

// Open opens (creating if absent) the SQLite database at path and applies
// any pending migrations. Pass ":memory:" for an ephemeral, test-only store.
func Open(ctx context.Context, path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	sqlDB.SetMaxOpenConns(1) // modernc.org/sqlite serializes writers; avoid SQLITE_BUSY under concurrent access.

	if _, err := sqlDB.ExecContext(ctx, `PRAGMA foreign_keys = ON`); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("store: enable foreign keys: %w", err)
	}

	migrator, err := NewMigrator(sqlDB)
	if err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	if _, err := migrator.Up(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}

	return &DB{db: sqlDB}, nil
}

// Close releases the underlying connection.
func (d *DB) Close() error { return d.db.Close() }

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return &errs.StoreError{Op: op, Cause: err}
}

func marshalStrings(ss []string) string {
	if len(ss) == 0 {
		return "[]"
	}
	b, _ := json.Marshal(ss)
	return string(b)
}

func unmarshalStrings(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	var out []string
	_ = json.Unmarshal([]byte(s), &out)
	return out
}

func nullableTier(t *types.Tier) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(*t), Valid: true}
}

func tierFromNullable(ns sql.NullString) *types.Tier {
	if !ns.Valid {
		return nil
	}
	t := types.Tier(ns.String)
	return &t
}

func nullableInt64(p *int64) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *p, Valid: true}
}

func int64FromNullable(ns sql.NullInt64) *int64 {
	if !ns.Valid {
		return nil
	}
	v := ns.Int64
	return &v
}

// --- Conversation entries (agentloop.Store + compaction.Store) ---

// SaveEntry appends one conversation entry.
func (d *DB) SaveEntry(e types.ConversationEntry) error {
	_, err := d.db.Exec(
		`INSERT INTO conversation_entries (user_id, role, content, created_at) VALUES (?, ?, ?, ?)`,
		e.UserID, string(e.Role), e.Content, e.CreatedAt,
	)
	return wrap("save conversation entry", err)
}

// LoadRecent returns the last n entries for userID ordered ascending by CreatedAt.
func (d *DB) LoadRecent(userID string, n int) []types.ConversationEntry {
	rows, err := d.db.Query(
		`SELECT user_id, role, content, created_at FROM conversation_entries
		 WHERE user_id = ? ORDER BY created_at DESC LIMIT ?`,
		userID, n,
	)
	if err != nil {
		return nil
	}
	defer rows.Close()

	var reversed []types.ConversationEntry
	for rows.Next() {
		var e types.ConversationEntry
		var role string
		if err := rows.Scan(&e.UserID, &role, &e.Content, &e.CreatedAt); err != nil {
			return nil
		}
		e.Role = types.Role(role)
		reversed = append(reversed, e)
	}

	out := make([]types.ConversationEntry, len(reversed))
	for i, e := range reversed {
		out[len(reversed)-1-i] = e
	}
	return out
}

// MessageCount returns the total number of persisted entries for userID.
func (d *DB) MessageCount(userID string) int {
	var n int
	_ = d.db.QueryRow(`SELECT COUNT(*) FROM conversation_entries WHERE user_id = ?`, userID).Scan(&n)
	return n
}

// LoadConversation returns every entry for userID ordered ascending by CreatedAt.
func (d *DB) LoadConversation(userID string) []types.ConversationEntry {
	rows, err := d.db.Query(
		`SELECT user_id, role, content, created_at FROM conversation_entries
		 WHERE user_id = ? ORDER BY created_at ASC`,
		userID,
	)
	if err != nil {
		return nil
	}
	defer rows.Close()

	var out []types.ConversationEntry
	for rows.Next() {
		var e types.ConversationEntry
		var role string
		if err := rows.Scan(&e.UserID, &role, &e.Content, &e.CreatedAt); err != nil {
			return nil
		}
		e.Role = types.Role(role)
		out = append(out, e)
	}
	return out
}

// DeleteMessagesBefore removes every entry with CreatedAt <= cutoff.
func (d *DB) DeleteMessagesBefore(userID string, cutoff int64) error {
	_, err := d.db.Exec(
		`DELETE FROM conversation_entries WHERE user_id = ? AND created_at <= ?`,
		userID, cutoff,
	)
	return wrap("delete messages before cutoff", err)
}

// SaveCompactionRecord upserts the single latest CompactionRecord for a user.
func (d *DB) SaveCompactionRecord(rec *types.CompactionRecord) error {
	_, err := d.db.Exec(
		`INSERT INTO compaction_records (user_id, l0, l1, l2, replaced_before, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET l0=excluded.l0, l1=excluded.l1, l2=excluded.l2,
			replaced_before=excluded.replaced_before, created_at=excluded.created_at`,
		rec.UserID, rec.L0, rec.L1, rec.L2, rec.ReplacedBefore, rec.CreatedAt,
	)
	return wrap("save compaction record", err)
}

// --- Sub-agents (lifecycle.Store) ---

// SaveSubAgent upserts a SubAgentRecord.
func (d *DB) SaveSubAgent(rec *types.SubAgentRecord) error {
	_, err := d.db.Exec(
		`INSERT INTO subagents (id, user_id, role, system_prompt, tools_granted, tier_preference,
			status, performance_score, total_tasks, successful_tasks, template_id, created_at,
			last_active_at, deleted_at)
		 VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET role=excluded.role, system_prompt=excluded.system_prompt,
			tools_granted=excluded.tools_granted, tier_preference=excluded.tier_preference,
			status=excluded.status, performance_score=excluded.performance_score,
			total_tasks=excluded.total_tasks, successful_tasks=excluded.successful_tasks,
			template_id=excluded.template_id, last_active_at=excluded.last_active_at,
			deleted_at=excluded.deleted_at`,
		rec.ID, rec.UserID, rec.Role, rec.SystemPrompt, marshalStrings(rec.ToolsGranted),
		nullableTier(rec.TierPreference), string(rec.Status), rec.PerformanceScore,
		rec.TotalTasks, rec.SuccessfulTasks, nullString(rec.TemplateID), rec.CreatedAt,
		rec.LastActiveAt, nullableInt64(rec.DeletedAt),
	)
	return wrap("save subagent", err)
}

// GetSubAgent fetches a SubAgentRecord by id.
func (d *DB) GetSubAgent(id string) (*types.SubAgentRecord, bool) {
	row := d.db.QueryRow(
		`SELECT id, user_id, role, system_prompt, tools_granted, tier_preference, status,
			performance_score, total_tasks, successful_tasks, template_id, created_at,
			last_active_at, deleted_at
		 FROM subagents WHERE id = ?`,
		id,
	)
	var rec types.SubAgentRecord
	var tools string
	var tier sql.NullString
	var status string
	var templateID sql.NullString
	var deletedAt sql.NullInt64
	err := row.Scan(&rec.ID, &rec.UserID, &rec.Role, &rec.SystemPrompt, &tools, &tier, &status,
		&rec.PerformanceScore, &rec.TotalTasks, &rec.SuccessfulTasks, &templateID, &rec.CreatedAt,
		&rec.LastActiveAt, &deletedAt)
	if err != nil {
		return nil, false
	}
	rec.ToolsGranted = unmarshalStrings(tools)
	rec.TierPreference = tierFromNullable(tier)
	rec.Status = types.SubAgentStatus(status)
	rec.TemplateID = templateID.String
	rec.DeletedAt = int64FromNullable(deletedAt)
	return &rec, true
}

// SaveSubAgentMessage appends one message to a sub-agent's private transcript.
func (d *DB) SaveSubAgentMessage(key string, role types.Role, content string) error {
	var seq int
	_ = d.db.QueryRow(`SELECT COALESCE(MAX(seq), -1) + 1 FROM subagent_messages WHERE history_key = ?`, key).Scan(&seq)
	_, err := d.db.Exec(
		`INSERT INTO subagent_messages (history_key, role, content, seq) VALUES (?, ?, ?, ?)`,
		key, string(role), content, seq,
	)
	return wrap("save subagent message", err)
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// --- Role templates (templates.Store) ---

// SaveTemplate upserts a RoleTemplate.
func (d *DB) SaveTemplate(t *types.RoleTemplate) error {
	_, err := d.db.Exec(
		`INSERT INTO role_templates (id, user_id, name, role_description, default_tools,
			default_tier, times_used, avg_performance, tags, created_at, updated_at)
		 VALUES (?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET name=excluded.name, role_description=excluded.role_description,
			default_tools=excluded.default_tools, default_tier=excluded.default_tier,
			times_used=excluded.times_used, avg_performance=excluded.avg_performance,
			tags=excluded.tags, updated_at=excluded.updated_at`,
		t.ID, t.UserID, t.Name, t.RoleDescription, marshalStrings(t.DefaultTools),
		nullableTier(t.DefaultTier), t.TimesUsed, t.AvgPerformance, marshalStrings(t.Tags),
		t.CreatedAt, t.UpdatedAt,
	)
	return wrap("save role template", err)
}

// GetTemplate fetches a RoleTemplate by id.
func (d *DB) GetTemplate(id string) (*types.RoleTemplate, bool) {
	row := d.db.QueryRow(
		`SELECT id, user_id, name, role_description, default_tools, default_tier, times_used,
			avg_performance, tags, created_at, updated_at
		 FROM role_templates WHERE id = ?`,
		id,
	)
	var t types.RoleTemplate
	var tools, tags string
	var tier sql.NullString
	err := row.Scan(&t.ID, &t.UserID, &t.Name, &t.RoleDescription, &tools, &tier, &t.TimesUsed,
		&t.AvgPerformance, &tags, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, false
	}
	t.DefaultTools = unmarshalStrings(tools)
	t.DefaultTier = tierFromNullable(tier)
	t.Tags = unmarshalStrings(tags)
	return &t, true
}

// ListTemplatesForUser returns every RoleTemplate owned by userID.
func (d *DB) ListTemplatesForUser(userID string) []*types.RoleTemplate {
	rows, err := d.db.Query(
		`SELECT id, user_id, name, role_description, default_tools, default_tier, times_used,
			avg_performance, tags, created_at, updated_at
		 FROM role_templates WHERE user_id = ? ORDER BY created_at ASC`,
		userID,
	)
	if err != nil {
		return nil
	}
	defer rows.Close()

	var out []*types.RoleTemplate
	for rows.Next() {
		var t types.RoleTemplate
		var tools, tags string
		var tier sql.NullString
		if err := rows.Scan(&t.ID, &t.UserID, &t.Name, &t.RoleDescription, &tools, &tier,
			&t.TimesUsed, &t.AvgPerformance, &tags, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil
		}
		t.DefaultTools = unmarshalStrings(tools)
		t.DefaultTier = tierFromNullable(tier)
		t.Tags = unmarshalStrings(tags)
		out = append(out, &t)
	}
	return out
}

// DeleteTemplate removes a RoleTemplate by id.
func (d *DB) DeleteTemplate(id string) error {
	_, err := d.db.Exec(`DELETE FROM role_templates WHERE id = ?`, id)
	return wrap("delete role template", err)
}

// --- Background tasks (background.Store) ---

// SaveTask upserts a BackgroundTask.
func (d *DB) SaveTask(t *types.BackgroundTask) error {
	_, err := d.db.Exec(
		`INSERT INTO background_tasks (id, user_id, agent_id, task_description, status, result,
			started_at, completed_at, delivered_at)
		 VALUES (?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET status=excluded.status, result=excluded.result,
			completed_at=excluded.completed_at, delivered_at=excluded.delivered_at`,
		t.ID, t.UserID, t.AgentID, t.TaskDescription, string(t.Status), t.Result,
		t.StartedAt, nullableInt64(t.CompletedAt), nullableInt64(t.DeliveredAt),
	)
	return wrap("save background task", err)
}

// GetTask fetches a BackgroundTask by id.
func (d *DB) GetTask(id string) (*types.BackgroundTask, bool) {
	row := d.db.QueryRow(
		`SELECT id, user_id, agent_id, task_description, status, result, started_at,
			completed_at, delivered_at
		 FROM background_tasks WHERE id = ?`,
		id,
	)
	t, err := scanBackgroundTask(row)
	if err != nil {
		return nil, false
	}
	return t, true
}

func scanBackgroundTask(row *sql.Row) (*types.BackgroundTask, error) {
	var t types.BackgroundTask
	var status string
	var completedAt, deliveredAt sql.NullInt64
	if err := row.Scan(&t.ID, &t.UserID, &t.AgentID, &t.TaskDescription, &status, &t.Result,
		&t.StartedAt, &completedAt, &deliveredAt); err != nil {
		return nil, err
	}
	t.Status = types.BackgroundTaskStatus(status)
	t.CompletedAt = int64FromNullable(completedAt)
	t.DeliveredAt = int64FromNullable(deliveredAt)
	return &t, nil
}

func (d *DB) listBackgroundTasks(query string, args ...any) []*types.BackgroundTask {
	rows, err := d.db.Query(query, args...)
	if err != nil {
		return nil
	}
	defer rows.Close()

	var out []*types.BackgroundTask
	for rows.Next() {
		var t types.BackgroundTask
		var status string
		var completedAt, deliveredAt sql.NullInt64
		if err := rows.Scan(&t.ID, &t.UserID, &t.AgentID, &t.TaskDescription, &status, &t.Result,
			&t.StartedAt, &completedAt, &deliveredAt); err != nil {
			return nil
		}
		t.Status = types.BackgroundTaskStatus(status)
		t.CompletedAt = int64FromNullable(completedAt)
		t.DeliveredAt = int64FromNullable(deliveredAt)
		out = append(out, &t)
	}
	return out
}

const backgroundTaskColumns = `id, user_id, agent_id, task_description, status, result, started_at, completed_at, delivered_at`

// ListRunningForUser returns every running BackgroundTask owned by userID.
func (d *DB) ListRunningForUser(userID string) []*types.BackgroundTask {
	return d.listBackgroundTasks(
		`SELECT `+backgroundTaskColumns+` FROM background_tasks WHERE user_id = ? AND status = ?`,
		userID, string(types.TaskRunning),
	)
}

// ListRunningForAgent returns every running BackgroundTask bound to agentID.
func (d *DB) ListRunningForAgent(agentID string) []*types.BackgroundTask {
	return d.listBackgroundTasks(
		`SELECT `+backgroundTaskColumns+` FROM background_tasks WHERE agent_id = ? AND status = ?`,
		agentID, string(types.TaskRunning),
	)
}

// ListUndelivered returns every terminal-but-undelivered BackgroundTask for userID.
func (d *DB) ListUndelivered(userID string) []*types.BackgroundTask {
	return d.listBackgroundTasks(
		`SELECT `+backgroundTaskColumns+` FROM background_tasks
		 WHERE user_id = ? AND status IN (?, ?) AND delivered_at IS NULL`,
		userID, string(types.TaskCompleted), string(types.TaskFailed),
	)
}

// --- Episodic memory (memory.Store) ---

// SaveEvent upserts an EpisodicEvent.
func (d *DB) SaveEvent(e *types.EpisodicEvent) error {
	_, err := d.db.Exec(
		`INSERT INTO episodic_events (id, user_id, event_type, content, outcome, importance,
			access_count, created_at, last_accessed_at)
		 VALUES (?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET importance=excluded.importance,
			access_count=excluded.access_count, last_accessed_at=excluded.last_accessed_at`,
		e.ID, e.UserID, string(e.EventType), e.Content, e.Outcome, e.Importance,
		e.AccessCount, e.CreatedAt, e.LastAccessedAt,
	)
	return wrap("save episodic event", err)
}

// GetEvent fetches an EpisodicEvent by id.
func (d *DB) GetEvent(id string) (*types.EpisodicEvent, bool) {
	row := d.db.QueryRow(
		`SELECT id, user_id, event_type, content, outcome, importance, access_count,
			created_at, last_accessed_at
		 FROM episodic_events WHERE id = ?`,
		id,
	)
	var e types.EpisodicEvent
	var eventType string
	if err := row.Scan(&e.ID, &e.UserID, &eventType, &e.Content, &e.Outcome, &e.Importance,
		&e.AccessCount, &e.CreatedAt, &e.LastAccessedAt); err != nil {
		return nil, false
	}
	e.EventType = types.EpisodicEventType(eventType)
	return &e, true
}

// ListForUser returns every EpisodicEvent owned by userID.
func (d *DB) ListForUser(userID string) []*types.EpisodicEvent {
	rows, err := d.db.Query(
		`SELECT id, user_id, event_type, content, outcome, importance, access_count,
			created_at, last_accessed_at
		 FROM episodic_events WHERE user_id = ?`,
		userID,
	)
	if err != nil {
		return nil
	}
	defer rows.Close()

	var out []*types.EpisodicEvent
	for rows.Next() {
		var e types.EpisodicEvent
		var eventType string
		if err := rows.Scan(&e.ID, &e.UserID, &eventType, &e.Content, &e.Outcome, &e.Importance,
			&e.AccessCount, &e.CreatedAt, &e.LastAccessedAt); err != nil {
			return nil
		}
		e.EventType = types.EpisodicEventType(eventType)
		out = append(out, &e)
	}
	return out
}

// DeleteEvent removes an EpisodicEvent by id.
func (d *DB) DeleteEvent(id string) error {
	_, err := d.db.Exec(`DELETE FROM episodic_events WHERE id = ?`, id)
	return wrap("delete episodic event", err)
}

// --- Task metrics (timeout.Estimator's historical input) ---

// SaveTaskMetric appends one TaskMetric for the timeout estimator to consume.
func (d *DB) SaveTaskMetric(m types.TaskMetric) error {
	success := 0
	if m.Success {
		success = 1
	}
	_, err := d.db.Exec(
		`INSERT INTO task_metrics (user_id, task_type, tier, duration_ms, iterations, success, created_at)
		 VALUES (?,?,?,?,?,?,?)`,
		m.UserID, m.TaskType, string(m.Tier), m.DurationMs, m.Iterations, success, m.CreatedAt,
	)
	return wrap("save task metric", err)
}

// TaskMetricsByType returns every TaskMetric recorded for taskType, most recent first.
func (d *DB) TaskMetricsByType(taskType string, limit int) []types.TaskMetric {
	rows, err := d.db.Query(
		`SELECT user_id, task_type, tier, duration_ms, iterations, success, created_at
		 FROM task_metrics WHERE task_type = ? ORDER BY created_at DESC LIMIT ?`,
		taskType, limit,
	)
	if err != nil {
		return nil
	}
	defer rows.Close()

	var out []types.TaskMetric
	for rows.Next() {
		var m types.TaskMetric
		var tier string
		var success int
		if err := rows.Scan(&m.UserID, &m.TaskType, &tier, &m.DurationMs, &m.Iterations, &success, &m.CreatedAt); err != nil {
			return nil
		}
		m.Tier = types.Tier(tier)
		m.Success = success != 0
		out = append(out, m)
	}
	return out
}
