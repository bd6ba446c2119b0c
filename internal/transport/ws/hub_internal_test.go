package websocket

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/agentgw/internal/common/logger"
)

func TestHub_JoinSpaceIsExclusive(t *testing.T) {
	hub := NewHub(nil, logger.Default())
	client := NewClient("client-1", nil, hub, logger.Default())

	hub.JoinSpace(client, "group-a")
	require.Len(t, hub.groupSubscribers["group-a"], 1)
	assert.Equal(t, "group-a", client.currentGroup)

	hub.JoinSpace(client, "group-b")
	assert.Len(t, hub.groupSubscribers["group-a"], 0, "client must leave group-a on switch")
	assert.Len(t, hub.groupSubscribers["group-b"], 1)
	assert.Equal(t, "group-b", client.currentGroup)
}

func TestHub_JoinSpaceSameGroupIsNoop(t *testing.T) {
	hub := NewHub(nil, logger.Default())
	client := NewClient("client-1", nil, hub, logger.Default())

	hub.JoinSpace(client, "group-a")
	hub.JoinSpace(client, "group-a")

	assert.Len(t, hub.groupSubscribers["group-a"], 1)
	assert.Equal(t, "group-a", client.currentGroup)
}

func TestHub_LeaveSpaceClearsMembership(t *testing.T) {
	hub := NewHub(nil, logger.Default())
	client := NewClient("client-1", nil, hub, logger.Default())

	hub.JoinSpace(client, "group-a")
	hub.LeaveSpace(client)

	assert.Empty(t, client.currentGroup)
	_, exists := hub.groupSubscribers["group-a"]
	assert.False(t, exists, "empty group must be pruned from the subscriber map")
}
