package contextbuilder

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/klaus-code/agentd/internal/store"
	"github.com/klaus-code/agentd/pkg/types"
)

type fakeSummarizer struct {
	calls int
}

func (f *fakeSummarizer) Summarize(ctx context.Context, prompt string) (string, error) {
	f.calls++
	return fmt.Sprintf("summary #%d", f.calls), nil
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(t.TempDir() + "/test.db")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func seedMessages(t *testing.T, st *store.Store, sessionID string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		role := types.RoleUser
		if i%2 == 1 {
			role = types.RoleAssistant
		}
		_, err := st.AddMessage(context.Background(), types.Message{
			SessionID: sessionID, Role: role, Content: fmt.Sprintf("message %d", i),
		})
		require.NoError(t, err)
	}
}

func TestBuildPassesThroughWhenUnderLimit(t *testing.T) {
	st := newTestStore(t)
	sess, err := st.CreateSession(context.Background(), "/workspace")
	require.NoError(t, err)
	seedMessages(t, st, sess.ID, 4)

	b := New(st, &fakeSummarizer{}, 40)
	msgs, err := b.Build(context.Background(), sess.ID, "what next?")
	require.NoError(t, err)

	require.NotEmpty(t, msgs)
	last := msgs[len(msgs)-1]
	assert.Equal(t, types.RoleUser, last.Role)
	assert.Equal(t, "what next?", last.Content)
}

func TestBuildSummarizesOverflowAndPersists(t *testing.T) {
	st := newTestStore(t)
	sess, err := st.CreateSession(context.Background(), "/workspace")
	require.NoError(t, err)
	seedMessages(t, st, sess.ID, 20)

	fake := &fakeSummarizer{}
	b := New(st, fake, 10)
	msgs, err := b.Build(context.Background(), sess.ID, "continue")
	require.NoError(t, err)

	assert.Equal(t, 1, fake.calls)
	assert.Contains(t, msgs[0].Content, "CONTEXT SUMMARY")
	assert.Equal(t, types.RoleAssistant, msgs[1].Role)
	assert.Equal(t, "Understood. Continuing from where we left off.", msgs[1].Content)

	stored, err := st.GetKnowledge(context.Background(), knowledgeKey(sess.ID))
	require.NoError(t, err)
	assert.Contains(t, stored, "summary #1")
}

func TestBuildReusesSummaryWhenNotAtMultipleOfHalf(t *testing.T) {
	st := newTestStore(t)
	sess, err := st.CreateSession(context.Background(), "/workspace")
	require.NoError(t, err)
	seedMessages(t, st, sess.ID, 21)

	fake := &fakeSummarizer{}
	b := New(st, fake, 10)
	_, err = b.Build(context.Background(), sess.ID, "continue")
	require.NoError(t, err)
	require.Equal(t, 1, fake.calls, "first call always regenerates: no summary exists yet")

	// Same message count (21, not a multiple of half=5) and a summary
	// already persisted: the second call must reuse it rather than regen.
	_, err = b.Build(context.Background(), sess.ID, "continue again")
	require.NoError(t, err)
	assert.Equal(t, 1, fake.calls, "count=21 is not a multiple of half=5, and a summary already exists, so no regen is expected")
}

func TestAlternateRolesMergesConsecutiveSameRole(t *testing.T) {
	merged := alternateRoles([]types.Message{
		{Role: types.RoleUser, Content: "a"},
		{Role: types.RoleUser, Content: "b"},
		{Role: types.RoleAssistant, Content: "c"},
	})
	require.Len(t, merged, 2)
	assert.Equal(t, "a\n\nb", merged[0].Content)
}
