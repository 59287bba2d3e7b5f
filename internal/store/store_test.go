package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/klaus-code/agentd/pkg/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "agentd.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateAndGetSession(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess, err := s.CreateSession(ctx, "/workspace")
	require.NoError(t, err)
	assert.NotEmpty(t, sess.ID)

	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, sess.ID, got.ID)
	assert.Equal(t, "/workspace", got.WorkspaceDir)
	assert.Empty(t, got.Tags)
}

func TestGetSessionNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetSession(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTogglePin(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess, err := s.CreateSession(ctx, "/workspace")
	require.NoError(t, err)

	pinned, err := s.TogglePin(ctx, sess.ID)
	require.NoError(t, err)
	assert.True(t, pinned)

	pinned, err = s.TogglePin(ctx, sess.ID)
	require.NoError(t, err)
	assert.False(t, pinned)
}

func TestSetTagsEnforcesLimits(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess, err := s.CreateSession(ctx, "/workspace")
	require.NoError(t, err)

	var tooMany []string
	for i := 0; i < types.MaxTagCount+1; i++ {
		tooMany = append(tooMany, "tag")
	}
	err = s.SetTags(ctx, sess.ID, tooMany)
	require.Error(t, err)

	err = s.AddTag(ctx, sess.ID, "bug")
	require.NoError(t, err)
	err = s.AddTag(ctx, sess.ID, "bug")
	require.NoError(t, err)

	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"bug"}, got.Tags)

	err = s.RemoveTag(ctx, sess.ID, "bug")
	require.NoError(t, err)
	got, err = s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Empty(t, got.Tags)
}

func TestMessagesRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess, err := s.CreateSession(ctx, "/workspace")
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := s.AddMessage(ctx, types.Message{SessionID: sess.ID, Role: types.RoleUser, Content: "hi"})
		require.NoError(t, err)
	}

	all, err := s.GetMessages(ctx, sess.ID)
	require.NoError(t, err)
	assert.Len(t, all, 5)

	recent, err := s.GetRecentMessages(ctx, sess.ID, 2)
	require.NoError(t, err)
	assert.Len(t, recent, 2)

	count, err := s.CountMessages(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, count)
}

func TestDeleteSessionCascades(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess, err := s.CreateSession(ctx, "/workspace")
	require.NoError(t, err)
	_, err = s.AddMessage(ctx, types.Message{SessionID: sess.ID, Role: types.RoleUser, Content: "hi"})
	require.NoError(t, err)
	require.NoError(t, s.RecordToolCall(ctx, types.ToolCall{SessionID: sess.ID, ToolName: "read_file", Input: "{}", Success: true}))
	require.NoError(t, s.RecordTokenUsage(ctx, sess.ID, "claude-sonnet-4", 100, 200))

	require.NoError(t, s.DeleteSession(ctx, sess.ID))

	msgs, err := s.GetMessages(ctx, sess.ID)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestRecordTokenUsageUpdatesSessionTotalsAndCost(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess, err := s.CreateSession(ctx, "/workspace")
	require.NoError(t, err)

	require.NoError(t, s.RecordTokenUsage(ctx, sess.ID, "claude-sonnet-4-20250514", 1_000_000, 1_000_000))

	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1_000_000, got.InputTokens)
	assert.EqualValues(t, 1_000_000, got.OutputTokens)

	usage, err := s.GetSessionTokenUsage(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2_000_000), usage.Total)
	assert.InDelta(t, 18.0, usage.EstimatedCostUSD, 0.001) // 1*$3 + 1*$15
}

func TestToolCallStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess, err := s.CreateSession(ctx, "/workspace")
	require.NoError(t, err)

	require.NoError(t, s.RecordToolCall(ctx, types.ToolCall{SessionID: sess.ID, ToolName: "read_file", Input: "{}", Success: true, DurationMs: 10}))
	require.NoError(t, s.RecordToolCall(ctx, types.ToolCall{SessionID: sess.ID, ToolName: "read_file", Input: "{}", Success: false, DurationMs: 30}))

	stats, err := s.GetToolCallStats(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.Equal(t, "read_file", stats[0].ToolName)
	assert.EqualValues(t, 2, stats[0].Calls)
	assert.EqualValues(t, 1, stats[0].Successes)
	assert.InDelta(t, 20.0, stats[0].AvgDurationMs, 0.001)
}

func TestKnowledgeUpsertAndList(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SetKnowledge(ctx, "ctx_summary_s1", "first summary", "context"))
	require.NoError(t, s.SetKnowledge(ctx, "ctx_summary_s1", "second summary", "context"))

	val, err := s.GetKnowledge(ctx, "ctx_summary_s1")
	require.NoError(t, err)
	assert.Equal(t, "second summary", val)

	entries, err := s.ListKnowledge(ctx, "context")
	require.NoError(t, err)
	require.Len(t, entries, 1)

	require.NoError(t, s.DeleteKnowledge(ctx, "ctx_summary_s1"))
	_, err = s.GetKnowledge(ctx, "ctx_summary_s1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestExpireIdleSessionsSparesPinned(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	old, err := s.CreateSession(ctx, "/workspace")
	require.NoError(t, err)
	pinned, err := s.CreateSession(ctx, "/workspace")
	require.NoError(t, err)
	_, err = s.TogglePin(ctx, pinned.ID)
	require.NoError(t, err)

	_, err = s.db.ExecContext(ctx, `UPDATE sessions SET updated_at = ? WHERE id IN (?, ?)`,
		time.Now().Add(-48*time.Hour).UTC().Format(time.RFC3339Nano), old.ID, pinned.ID)
	require.NoError(t, err)

	n, err := s.ExpireIdleSessions(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	_, err = s.GetSession(ctx, old.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetSession(ctx, pinned.ID)
	assert.NoError(t, err)
}

func TestSearchSessions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess, err := s.CreateSession(ctx, "/workspace")
	require.NoError(t, err)
	require.NoError(t, s.UpdateSessionSummary(ctx, sess.ID, "fixed the flaky retry test"))

	results, err := s.SearchSessions(ctx, "flaky")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, sess.ID, results[0].ID)

	results, err = s.SearchSessions(ctx, "nonexistent")
	require.NoError(t, err)
	assert.Empty(t, results)
}
