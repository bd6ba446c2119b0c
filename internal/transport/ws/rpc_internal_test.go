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
)

func TestToWireFrame_SnakeCaseTags(t *testing.T) {
	frame := stream.Message{
		ApprovalRequest: &stream.ApprovalRequest{
			ApprovalID: "deadbeef",
			ToolName:   "shell.exec",
		},
		SequenceNumber: 4,
		IsComplete:     true,
	}

	wire := toWireFrame(frame)
	data, err := json.Marshal(wire)
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &decoded))

	approvalReq, ok := decoded["approval_request"].(map[string]interface{})
	require.True(t, ok, "expected approval_request object in %v", decoded)
	assert.Equal(t, "deadbeef", approvalReq["approval_id"])
	assert.Equal(t, float64(4), decoded["sequence_number"])
	assert.Equal(t, true, decoded["is_complete"])
}

func TestToWireState_SnakeCaseKeys(t *testing.T) {
	state := stream.State{
		IsProcessing:     true,
		BufferedMessages: []stream.Message{{Content: "hi", SequenceNumber: 1}},
		LastIndex:        1,
		LastSequence:     1,
	}

	wire := toWireState(state)
	data, err := json.Marshal(wire)
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &decoded))

	assert.Equal(t, true, decoded["is_processing"])
	frames, ok := decoded["buffered_messages"].([]interface{})
	require.True(t, ok)
	require.Len(t, frames, 1)
	frame := frames[0].(map[string]interface{})
	assert.Equal(t, "hi", frame["content"])
}

func TestToWireFrame_ErrorTranslated(t *testing.T) {
	frame := stream.Message{
		Error: &stream.Error{Message: "boom", Details: "trace"},
	}

	wire := toWireFrame(frame)
	require.NotNil(t, wire.Error)
	assert.Equal(t, "boom", wire.Error.Error)
	assert.Equal(t, "trace", wire.Error.Details)
}

func TestNewTopicHistoryProvider_ReplaysBufferedFrames(t *testing.T) {
	script := gatewaytest.Script{
		{Message: &stream.Message{Content: "hello"}},
	}
	worker := gatewaytest.NewWorker([]string{"agent-1"}, script)
	gw := gateway.New(gateway.DefaultConfig(), worker, gatewaytest.NewStore(), nil, logger.Default())
	defer gw.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go gw.Run(ctx)

	_, err := gw.StartSession("topic-1", "agent-1", 1, 0, "")
	require.NoError(t, err)

	ch, err := gw.SendMessage(ctx, "topic-1", "user-1", "hi", "")
	require.NoError(t, err)
	for range ch {
	}

	provider := NewTopicHistoryProvider(gw)
	frames, err := provider(ctx, "topic-1")
	require.NoError(t, err)
	require.NotEmpty(t, frames)

	var sawHello bool
	for _, msg := range frames {
		var payload struct {
			Frame struct {
				Content string `json:"content"`
			} `json:"frame"`
		}
		require.NoError(t, msg.ParsePayload(&payload))
		if payload.Frame.Content == "hello" {
			sawHello = true
		}
	}
	assert.True(t, sawHello, "expected replayed frames to include the buffered 'hello' content")
}

func TestNewTopicHistoryProvider_UnknownTopicReturnsEmpty(t *testing.T) {
	worker := gatewaytest.NewWorker([]string{"agent-1"}, nil)
	gw := gateway.New(gateway.DefaultConfig(), worker, gatewaytest.NewStore(), nil, logger.Default())
	defer gw.Close()

	provider := NewTopicHistoryProvider(gw)
	frames, err := provider(context.Background(), "no-such-topic")
	require.NoError(t, err)
	assert.Empty(t, frames)
}
