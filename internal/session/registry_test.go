package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeValidator struct {
	known map[string]bool
}

func (f fakeValidator) IsRegistered(agentID string) bool {
	return f.known[agentID]
}

func TestStartSessionRejectsUnknownAgent(t *testing.T) {
	r := NewRegistry(fakeValidator{known: map[string]bool{"a1": true}})

	ok, err := r.StartSession("t1", "ghost", 100, 0, "")
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrUnknownAgent)
	assert.Equal(t, 0, r.Len())
}

func TestStartSessionIsIdempotent(t *testing.T) {
	r := NewRegistry(nil)

	ok, err := r.StartSession("t1", "a1", 100, 0, "")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = r.StartSession("t1", "a1", 100, 0, "")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, r.Len())
}

func TestIndexConsistency(t *testing.T) {
	r := NewRegistry(nil)

	_, err := r.StartSession("t1", "a1", 100, 0, "")
	require.NoError(t, err)

	sess, ok := r.TryGetSession("t1")
	require.True(t, ok)
	assert.Equal(t, int64(100), sess.ChatID)

	topicID, ok := r.GetTopicIDByChatID(100)
	require.True(t, ok)
	assert.Equal(t, "t1", topicID)

	r.EndSession("t1")

	_, ok = r.TryGetSession("t1")
	assert.False(t, ok)
	_, ok = r.GetTopicIDByChatID(100)
	assert.False(t, ok)
}

func TestEndSessionDoesNotRemoveReindexedChatID(t *testing.T) {
	r := NewRegistry(nil)

	_, err := r.StartSession("t1", "a1", 100, 0, "")
	require.NoError(t, err)
	_, err = r.StartSession("t2", "a1", 100, 0, "")
	require.NoError(t, err)

	// chatID 100 now points at t2 (last-writer-wins); ending t1 must not
	// remove t2's reverse-index entry.
	r.EndSession("t1")

	topicID, ok := r.GetTopicIDByChatID(100)
	require.True(t, ok)
	assert.Equal(t, "t2", topicID)
}

func TestEndSessionUnknownTopicIsNoop(t *testing.T) {
	r := NewRegistry(nil)
	assert.NotPanics(t, func() { r.EndSession("missing") })
}
