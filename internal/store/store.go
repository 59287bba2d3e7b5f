// Package store implements the persisted-state layer (spec §3, §4.1, §6):
// sessions, messages, tool calls, token usage, and the knowledge key/value
// table, backed by a single SQLite file in WAL mode with foreign-key
// cascade.
//
// Grounded on the teacher's internal/storage (file-based JSON store with a
// per-path lock map and atomic temp-file-then-rename writes) for the
// overall shape — one Store type owning all persistence, returning
// ErrNotFound for missing keys — but the storage engine itself is replaced:
// spec §6 names concrete relational tables with foreign keys, indexes, and
// a journal mode, which calls for a real SQL engine rather than one JSON
// file per entity. modernc.org/sqlite (pure Go, no cgo) is the engine,
// grounded on its use in the haasonsaas-nexus and vanducng-goclaw go.mod
// files from the same retrieval pack.
package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/klaus-code/agentd/internal/errs"
	"github.com/klaus-code/agentd/internal/ids"
	"github.com/klaus-code/agentd/pkg/types"
)

//go:embed schema.sql
var schemaSQL string

// ErrNotFound is returned by lookups that find no matching row.
var ErrNotFound = errors.New("not found")

// Store is the SQLite-backed persistence layer.
type Store struct {
	db *sql.DB
}

// Open opens (creating if absent) the SQLite database at path, applies the
// schema, and configures WAL journaling and foreign-key enforcement.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errs.Wrap(errs.Storage, "open database", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite: one writer connection avoids SQLITE_BUSY under WAL

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, errs.Wrap(errs.Storage, "apply schema", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// ---- sessions ----

// CreateSession inserts a new session rooted at workspaceDir.
func (s *Store) CreateSession(ctx context.Context, workspaceDir string) (*types.Session, error) {
	return s.CreateSessionWithID(ctx, ids.New(), workspaceDir)
}

// CreateSessionWithID inserts a new session under a caller-chosen id. The
// Agent Loop's Admitting state (spec §4.8 step 4) must register a
// cancellation handle under the session id before Preparing creates the
// row, so the id has to be assignable rather than always store-generated.
func (s *Store) CreateSessionWithID(ctx context.Context, id, workspaceDir string) (*types.Session, error) {
	t := now()
	sess := &types.Session{
		ID:           id,
		WorkspaceDir: workspaceDir,
		Tags:         []string{},
	}
	tagsJSON, _ := json.Marshal(sess.Tags)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, workspace_dir, name, summary, input_tokens, output_tokens, pinned, tags, created_at, updated_at)
		 VALUES (?, ?, '', '', 0, 0, 0, ?, ?, ?)`,
		sess.ID, workspaceDir, string(tagsJSON), t, t)
	if err != nil {
		return nil, errs.Wrap(errs.Storage, "create session", err)
	}
	sess.CreatedAt, _ = time.Parse(time.RFC3339Nano, t)
	sess.UpdatedAt = sess.CreatedAt
	return sess, nil
}

// GetSession fetches a session by id.
func (s *Store) GetSession(ctx context.Context, id string) (*types.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, workspace_dir, name, summary, input_tokens, output_tokens, pinned, tags, created_at, updated_at
		 FROM sessions WHERE id = ?`, id)
	return scanSession(row)
}

func scanSession(row *sql.Row) (*types.Session, error) {
	var sess types.Session
	var pinned int
	var tagsJSON, createdAt, updatedAt string
	err := row.Scan(&sess.ID, &sess.WorkspaceDir, &sess.Name, &sess.Summary, &sess.InputTokens, &sess.OutputTokens,
		&pinned, &tagsJSON, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errs.Wrap(errs.Storage, "scan session", err)
	}
	sess.Pinned = pinned != 0
	_ = json.Unmarshal([]byte(tagsJSON), &sess.Tags)
	sess.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	sess.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &sess, nil
}

// ListSessions returns all sessions ordered most-recently-updated first.
func (s *Store) ListSessions(ctx context.Context) ([]*types.Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, workspace_dir, name, summary, input_tokens, output_tokens, pinned, tags, created_at, updated_at
		 FROM sessions ORDER BY updated_at DESC`)
	if err != nil {
		return nil, errs.Wrap(errs.Storage, "list sessions", err)
	}
	defer rows.Close()
	return scanSessions(rows)
}

// SearchSessions returns sessions whose summary or id matches query
// (case-insensitive substring), bounded to the 500 most recently updated
// matches per spec §4.1.
func (s *Store) SearchSessions(ctx context.Context, query string) ([]*types.Session, error) {
	like := "%" + strings.ToLower(query) + "%"
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, workspace_dir, name, summary, input_tokens, output_tokens, pinned, tags, created_at, updated_at
		 FROM sessions
		 WHERE lower(summary) LIKE ? OR lower(id) LIKE ? OR lower(name) LIKE ?
		 ORDER BY updated_at DESC LIMIT 500`, like, like, like)
	if err != nil {
		return nil, errs.Wrap(errs.Storage, "search sessions", err)
	}
	defer rows.Close()
	return scanSessions(rows)
}

func scanSessions(rows *sql.Rows) ([]*types.Session, error) {
	var out []*types.Session
	for rows.Next() {
		var sess types.Session
		var pinned int
		var tagsJSON, createdAt, updatedAt string
		if err := rows.Scan(&sess.ID, &sess.WorkspaceDir, &sess.Name, &sess.Summary, &sess.InputTokens, &sess.OutputTokens,
			&pinned, &tagsJSON, &createdAt, &updatedAt); err != nil {
			return nil, errs.Wrap(errs.Storage, "scan session row", err)
		}
		sess.Pinned = pinned != 0
		_ = json.Unmarshal([]byte(tagsJSON), &sess.Tags)
		sess.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		sess.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
		out = append(out, &sess)
	}
	return out, rows.Err()
}

// UpdateSessionSummary sets a session's summary, truncated to 500 chars.
func (s *Store) UpdateSessionSummary(ctx context.Context, id, summary string) error {
	if len(summary) > 500 {
		summary = summary[:500]
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET summary = ?, updated_at = ? WHERE id = ?`, summary, now(), id)
	return checkUpdated(res, err, "update session summary")
}

// RenameSession sets a session's display name (spec §6 PUT .../rename).
func (s *Store) RenameSession(ctx context.Context, id, name string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET name = ?, updated_at = ? WHERE id = ?`, name, now(), id)
	return checkUpdated(res, err, "rename session")
}

// TogglePin flips a session's pinned flag and returns the new value.
func (s *Store) TogglePin(ctx context.Context, id string) (bool, error) {
	sess, err := s.GetSession(ctx, id)
	if err != nil {
		return false, err
	}
	newVal := !sess.Pinned
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET pinned = ?, updated_at = ? WHERE id = ?`, boolToInt(newVal), now(), id)
	if err := checkUpdated(res, err, "toggle pin"); err != nil {
		return false, err
	}
	return newVal, nil
}

// SetTags replaces a session's tag set, enforcing spec's MaxTagCount and
// MaxTagLength limits.
func (s *Store) SetTags(ctx context.Context, id string, tags []string) error {
	if len(tags) > types.MaxTagCount {
		return errs.New(errs.Validation, fmt.Sprintf("at most %d tags allowed", types.MaxTagCount))
	}
	for _, tag := range tags {
		if len(tag) > types.MaxTagLength {
			return errs.New(errs.Validation, fmt.Sprintf("tag %q exceeds %d characters", tag, types.MaxTagLength))
		}
	}
	tagsJSON, _ := json.Marshal(tags)
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET tags = ?, updated_at = ? WHERE id = ?`, string(tagsJSON), now(), id)
	return checkUpdated(res, err, "set tags")
}

// AddTag appends tag to a session's tag set if not already present.
func (s *Store) AddTag(ctx context.Context, id, tag string) error {
	sess, err := s.GetSession(ctx, id)
	if err != nil {
		return err
	}
	for _, existing := range sess.Tags {
		if existing == tag {
			return nil
		}
	}
	return s.SetTags(ctx, id, append(sess.Tags, tag))
}

// RemoveTag drops tag from a session's tag set if present.
func (s *Store) RemoveTag(ctx context.Context, id, tag string) error {
	sess, err := s.GetSession(ctx, id)
	if err != nil {
		return err
	}
	filtered := sess.Tags[:0:0]
	for _, existing := range sess.Tags {
		if existing != tag {
			filtered = append(filtered, existing)
		}
	}
	return s.SetTags(ctx, id, filtered)
}

// DeleteSession removes a session and (via FK cascade) its messages, tool
// calls, and token-usage entries.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return errs.Wrap(errs.Storage, "delete session", err)
	}
	return nil
}

// ClearSessions deletes every session (cascading to its children).
func (s *Store) ClearSessions(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions`)
	if err != nil {
		return errs.Wrap(errs.Storage, "clear sessions", err)
	}
	return nil
}

// ExpireIdleSessions deletes unpinned sessions whose updated_at is older
// than cutoff and returns how many were removed.
func (s *Store) ExpireIdleSessions(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE pinned = 0 AND updated_at < ?`,
		cutoff.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, errs.Wrap(errs.Storage, "expire idle sessions", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ---- messages ----

// AddMessage persists a message and returns its assigned id.
func (s *Store) AddMessage(ctx context.Context, msg types.Message) (string, error) {
	if msg.ID == "" {
		msg.ID = ids.New()
	}
	metaJSON, _ := json.Marshal(msg.Metadata)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, session_id, role, content, tool_name, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.SessionID, string(msg.Role), msg.Content, msg.ToolName, string(metaJSON), now())
	if err != nil {
		return "", errs.Wrap(errs.Storage, "add message", err)
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE sessions SET updated_at = ? WHERE id = ?`, now(), msg.SessionID); err != nil {
		return "", errs.Wrap(errs.Storage, "touch session", err)
	}
	return msg.ID, nil
}

// GetMessages returns every message for sessionID in chronological order.
func (s *Store) GetMessages(ctx context.Context, sessionID string) ([]types.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, role, content, tool_name, metadata, created_at
		 FROM messages WHERE session_id = ? ORDER BY created_at ASC`, sessionID)
	if err != nil {
		return nil, errs.Wrap(errs.Storage, "get messages", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// GetRecentMessages returns the most recent n messages for sessionID, in
// chronological order.
func (s *Store) GetRecentMessages(ctx context.Context, sessionID string, n int) ([]types.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, role, content, tool_name, metadata, created_at
		 FROM messages WHERE session_id = ? ORDER BY created_at DESC LIMIT ?`, sessionID, n)
	if err != nil {
		return nil, errs.Wrap(errs.Storage, "get recent messages", err)
	}
	defer rows.Close()
	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// CountMessages returns the number of messages recorded for sessionID.
func (s *Store) CountMessages(ctx context.Context, sessionID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE session_id = ?`, sessionID).Scan(&n)
	if err != nil {
		return 0, errs.Wrap(errs.Storage, "count messages", err)
	}
	return n, nil
}

func scanMessages(rows *sql.Rows) ([]types.Message, error) {
	var out []types.Message
	for rows.Next() {
		var m types.Message
		var role, metaJSON, createdAt string
		if err := rows.Scan(&m.ID, &m.SessionID, &role, &m.Content, &m.ToolName, &metaJSON, &createdAt); err != nil {
			return nil, errs.Wrap(errs.Storage, "scan message", err)
		}
		m.Role = types.Role(role)
		_ = json.Unmarshal([]byte(metaJSON), &m.Metadata)
		m.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		out = append(out, m)
	}
	return out, rows.Err()
}

// ---- tool calls ----

// RecordToolCall persists the outcome of a tool invocation.
func (s *Store) RecordToolCall(ctx context.Context, tc types.ToolCall) error {
	if tc.ID == "" {
		tc.ID = ids.New()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tool_calls (id, session_id, tool_name, input, output, success, duration_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		tc.ID, tc.SessionID, tc.ToolName, tc.Input, tc.Output, boolToInt(tc.Success), tc.DurationMs, now())
	if err != nil {
		return errs.Wrap(errs.Storage, "record tool call", err)
	}
	return nil
}

// GetToolCallStats aggregates per-tool call counts, success counts, and mean
// duration across a session.
func (s *Store) GetToolCallStats(ctx context.Context, sessionID string) ([]types.ToolCallStat, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT tool_name, COUNT(*), SUM(success), AVG(duration_ms)
		 FROM tool_calls WHERE session_id = ? GROUP BY tool_name ORDER BY tool_name`, sessionID)
	if err != nil {
		return nil, errs.Wrap(errs.Storage, "tool call stats", err)
	}
	defer rows.Close()

	var out []types.ToolCallStat
	for rows.Next() {
		var st types.ToolCallStat
		if err := rows.Scan(&st.ToolName, &st.Calls, &st.Successes, &st.AvgDurationMs); err != nil {
			return nil, errs.Wrap(errs.Storage, "scan tool call stat", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// GetFileChanges returns tool calls against file-mutating tools
// (types.FileMutatingTools) for sessionID, for export/workspace-history use.
func (s *Store) GetFileChanges(ctx context.Context, sessionID string) ([]types.FileChange, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, tool_name, input, created_at FROM tool_calls
		 WHERE session_id = ? ORDER BY created_at ASC`, sessionID)
	if err != nil {
		return nil, errs.Wrap(errs.Storage, "get file changes", err)
	}
	defer rows.Close()

	var out []types.FileChange
	for rows.Next() {
		var id, sid, toolName, input, createdAt string
		if err := rows.Scan(&id, &sid, &toolName, &input, &createdAt); err != nil {
			return nil, errs.Wrap(errs.Storage, "scan file change", err)
		}
		if !types.FileMutatingTools[toolName] {
			continue
		}
		var args struct {
			Path string `json:"path"`
			File string `json:"file"`
		}
		_ = json.Unmarshal([]byte(input), &args)
		path := args.Path
		if path == "" {
			path = args.File
		}
		fc := types.FileChange{ToolCallID: id, SessionID: sid, ToolName: toolName, FilePath: path}
		fc.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		out = append(out, fc)
	}
	return out, rows.Err()
}

// ---- token usage ----

// modelCost is the per-million-token pricing table (spec §4.1), matched by
// case-insensitive model-name prefix.
var modelCost = []struct {
	prefix               string
	inputPer1M, outPer1M float64
}{
	{"haiku", 0.80, 4.0},
	{"sonnet", 3.0, 15.0},
	{"opus", 15.0, 75.0},
}

func costFor(model string, input, output int64) float64 {
	lower := strings.ToLower(model)
	in, out := 15.0, 75.0
	for _, m := range modelCost {
		if strings.Contains(lower, m.prefix) {
			in, out = m.inputPer1M, m.outPer1M
			break
		}
	}
	return float64(input)/1e6*in + float64(output)/1e6*out
}

// RecordTokenUsage logs a turn's token usage and atomically updates the
// session's denormalized running totals.
func (s *Store) RecordTokenUsage(ctx context.Context, sessionID, model string, input, output int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errs.Wrap(errs.Storage, "begin token usage tx", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO token_usage (session_id, input_tokens, output_tokens, model, created_at)
		 VALUES (?, ?, ?, ?, ?)`, sessionID, input, output, model, now()); err != nil {
		return errs.Wrap(errs.Storage, "insert token usage", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE sessions SET input_tokens = input_tokens + ?, output_tokens = output_tokens + ?, updated_at = ?
		 WHERE id = ?`, input, output, now(), sessionID); err != nil {
		return errs.Wrap(errs.Storage, "update session token totals", err)
	}
	if err := tx.Commit(); err != nil {
		return errs.Wrap(errs.Storage, "commit token usage tx", err)
	}
	return nil
}

// GetSessionTokenUsage returns the aggregate usage and estimated cost for a
// single session, costed per entry against the recorded model.
func (s *Store) GetSessionTokenUsage(ctx context.Context, sessionID string) (types.TokenUsage, error) {
	return s.aggregateUsage(ctx, `WHERE session_id = ?`, sessionID)
}

// GetTotalTokenUsage returns the aggregate usage and estimated cost across
// every session.
func (s *Store) GetTotalTokenUsage(ctx context.Context) (types.TokenUsage, error) {
	return s.aggregateUsage(ctx, ``)
}

func (s *Store) aggregateUsage(ctx context.Context, where string, args ...any) (types.TokenUsage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT input_tokens, output_tokens, model FROM token_usage `+where, args...)
	if err != nil {
		return types.TokenUsage{}, errs.Wrap(errs.Storage, "aggregate token usage", err)
	}
	defer rows.Close()

	var usage types.TokenUsage
	for rows.Next() {
		var input, output int64
		var model string
		if err := rows.Scan(&input, &output, &model); err != nil {
			return types.TokenUsage{}, errs.Wrap(errs.Storage, "scan token usage row", err)
		}
		usage.Input += input
		usage.Output += output
		usage.EstimatedCostUSD += costFor(model, input, output)
	}
	usage.Total = usage.Input + usage.Output
	return usage, rows.Err()
}

// ---- knowledge ----

// SetKnowledge upserts a key/value knowledge entry.
func (s *Store) SetKnowledge(ctx context.Context, key, value, category string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO knowledge (key, value, category, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, category = excluded.category, updated_at = excluded.updated_at`,
		key, value, category, now())
	if err != nil {
		return errs.Wrap(errs.Storage, "set knowledge", err)
	}
	return nil
}

// GetKnowledge fetches a single knowledge entry's value.
func (s *Store) GetKnowledge(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM knowledge WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", errs.Wrap(errs.Storage, "get knowledge", err)
	}
	return value, nil
}

// ListKnowledge returns every knowledge entry, optionally filtered by
// category (pass "" for all).
func (s *Store) ListKnowledge(ctx context.Context, category string) ([]types.KnowledgeEntry, error) {
	query := `SELECT key, value, category, updated_at FROM knowledge`
	args := []any{}
	if category != "" {
		query += ` WHERE category = ?`
		args = append(args, category)
	}
	query += ` ORDER BY key ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errs.Wrap(errs.Storage, "list knowledge", err)
	}
	defer rows.Close()

	var out []types.KnowledgeEntry
	for rows.Next() {
		var e types.KnowledgeEntry
		var updatedAt string
		if err := rows.Scan(&e.Key, &e.Value, &e.Category, &updatedAt); err != nil {
			return nil, errs.Wrap(errs.Storage, "scan knowledge entry", err)
		}
		e.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
		out = append(out, e)
	}
	return out, rows.Err()
}

// DeleteKnowledge removes a single knowledge entry.
func (s *Store) DeleteKnowledge(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM knowledge WHERE key = ?`, key)
	if err != nil {
		return errs.Wrap(errs.Storage, "delete knowledge", err)
	}
	return nil
}

// ClearKnowledge removes every knowledge entry.
func (s *Store) ClearKnowledge(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM knowledge`)
	if err != nil {
		return errs.Wrap(errs.Storage, "clear knowledge", err)
	}
	return nil
}

// ClearAll wipes every table (sessions cascade to messages/tool_calls/
// token_usage; knowledge is independent).
func (s *Store) ClearAll(ctx context.Context) error {
	if err := s.ClearSessions(ctx); err != nil {
		return err
	}
	return s.ClearKnowledge(ctx)
}

func checkUpdated(res sql.Result, err error, op string) error {
	if err != nil {
		return errs.Wrap(errs.Storage, op, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
