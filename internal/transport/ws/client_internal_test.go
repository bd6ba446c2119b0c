package websocket

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/agentgw/internal/common/logger"
	"github.com/kandev/agentgw/internal/gateway"
	"github.com/kandev/agentgw/internal/gateway/gatewaytest"
	"github.com/kandev/agentgw/internal/stream"
	ws "github.com/kandev/agentgw/pkg/websocket"
)

func readClientMessage(t *testing.T, c *Client) *ws.Message {
	t.Helper()
	select {
	case data := <-c.send:
		var msg ws.Message
		require.NoError(t, json.Unmarshal(data, &msg))
		return &msg
	default:
		t.Fatal("expected a message queued on client.send")
		return nil
	}
}

func TestClient_HandleUserRegister_SetsUserID(t *testing.T) {
	hub := NewHub(nil, logger.Default())
	client := NewClient("client-1", nil, hub, logger.Default())

	req, err := ws.NewRequest("req-1", ws.ActionUserRegister, map[string]interface{}{"user_id": "user-1"})
	require.NoError(t, err)

	client.handleUserRegister(req)

	assert.Equal(t, "user-1", client.UserID)
	resp := readClientMessage(t, client)
	assert.Equal(t, ws.MessageTypeResponse, resp.Type)
}

func TestClient_HandleUserRegister_EmptyUserIDRejected(t *testing.T) {
	hub := NewHub(nil, logger.Default())
	client := NewClient("client-1", nil, hub, logger.Default())

	req, err := ws.NewRequest("req-1", ws.ActionUserRegister, map[string]interface{}{"user_id": ""})
	require.NoError(t, err)

	client.handleUserRegister(req)

	assert.Empty(t, client.UserID)
	resp := readClientMessage(t, client)
	assert.Equal(t, ws.MessageTypeError, resp.Type)

	var payload ws.ErrorPayload
	require.NoError(t, resp.ParsePayload(&payload))
	assert.Equal(t, ws.ErrorCodeValidation, payload.Code)
}

func TestClient_HandleSpaceJoin_ReturnsGroupDescriptor(t *testing.T) {
	hub := NewHub(nil, logger.Default())
	client := NewClient("client-1", nil, hub, logger.Default())

	req, err := ws.NewRequest("req-1", ws.ActionSpaceJoin, map[string]interface{}{"group_slug": "group-a"})
	require.NoError(t, err)

	client.handleSpaceJoin(req)

	assert.Equal(t, "group-a", client.currentGroup)
	resp := readClientMessage(t, client)
	assert.Equal(t, ws.MessageTypeResponse, resp.Type)

	var payload struct {
		Group GroupDescriptor `json:"group"`
	}
	require.NoError(t, resp.ParsePayload(&payload))
	assert.Equal(t, "group-a", payload.Group.GroupSlug)
}

func TestClient_HandleSpaceJoin_EmptySlugReturnsNullGroup(t *testing.T) {
	hub := NewHub(nil, logger.Default())
	client := NewClient("client-1", nil, hub, logger.Default())

	req, err := ws.NewRequest("req-1", ws.ActionSpaceJoin, map[string]interface{}{"group_slug": ""})
	require.NoError(t, err)

	client.handleSpaceJoin(req)

	assert.Empty(t, client.currentGroup)
	resp := readClientMessage(t, client)

	var payload struct {
		Group *GroupDescriptor `json:"group"`
	}
	require.NoError(t, resp.ParsePayload(&payload))
	assert.Nil(t, payload.Group)
}

func TestClient_HandleSpaceJoin_IsStandaloneOfSubscribe(t *testing.T) {
	// space.join must move a connection's group membership without any
	// stream.subscribe call in between.
	hub := NewHub(nil, logger.Default())
	client := NewClient("client-1", nil, hub, logger.Default())

	req, err := ws.NewRequest("req-1", ws.ActionSpaceJoin, map[string]interface{}{"group_slug": "group-a"})
	require.NoError(t, err)
	client.handleSpaceJoin(req)
	readClientMessage(t, client)

	require.Len(t, hub.groupSubscribers["group-a"], 1)
}

func newStreamSendGateway(t *testing.T, script gatewaytest.Script) *gateway.Gateway {
	t.Helper()
	worker := gatewaytest.NewWorker([]string{"agent-1"}, script)
	gw := gateway.New(gateway.DefaultConfig(), worker, gatewaytest.NewStore(), nil, logger.Default())
	t.Cleanup(gw.Close)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go gw.Run(ctx)

	_, err := gw.StartSession("topic-1", "agent-1", 1, 0, "")
	require.NoError(t, err)
	return gw
}

func TestClient_HandleStreamSend_RejectsUnregisteredConnection(t *testing.T) {
	gw := newStreamSendGateway(t, nil)

	hub := NewHub(nil, logger.Default())
	hub.SetGateway(gw)
	client := NewClient("client-1", nil, hub, logger.Default())

	req, err := ws.NewRequest("req-1", ws.ActionStreamSend, map[string]interface{}{
		"topic_id": "topic-1",
		"text":     "hi",
	})
	require.NoError(t, err)

	client.handleStreamSend(context.Background(), req)

	resp := readClientMessage(t, client)
	assert.Equal(t, ws.MessageTypeError, resp.Type)

	var payload ws.ErrorPayload
	require.NoError(t, resp.ParsePayload(&payload))
	assert.Equal(t, ws.ErrorCodeUnauthorized, payload.Code)
}

func TestClient_HandleStreamSend_AcceptsAfterRegister(t *testing.T) {
	gw := newStreamSendGateway(t, gatewaytest.Script{
		{Message: &stream.Message{Content: "hi"}},
	})

	hub := NewHub(nil, logger.Default())
	hub.SetGateway(gw)
	client := NewClient("client-1", nil, hub, logger.Default())

	registerReq, err := ws.NewRequest("req-1", ws.ActionUserRegister, map[string]interface{}{"user_id": "user-1"})
	require.NoError(t, err)
	client.handleUserRegister(registerReq)
	readClientMessage(t, client) // drain the register response

	sendReq, err := ws.NewRequest("req-2", ws.ActionStreamSend, map[string]interface{}{
		"topic_id": "topic-1",
		"text":     "hi",
	})
	require.NoError(t, err)
	client.handleStreamSend(context.Background(), sendReq)

	resp := readClientMessage(t, client)
	assert.Equal(t, ws.MessageTypeResponse, resp.Type)

	var payload struct {
		Accepted bool `json:"accepted"`
	}
	require.NoError(t, resp.ParsePayload(&payload))
	assert.True(t, payload.Accepted)
}
