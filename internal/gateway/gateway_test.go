package gateway_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/agentgw/internal/approval"
	"github.com/kandev/agentgw/internal/gateway"
	"github.com/kandev/agentgw/internal/gateway/gatewaytest"
	"github.com/kandev/agentgw/internal/stream"
)

func drain(t *testing.T, ch <-chan stream.Message, n int, timeout time.Duration) []stream.Message {
	t.Helper()
	var out []stream.Message
	for i := 0; i < n; i++ {
		select {
		case msg, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, msg)
		case <-time.After(timeout):
			t.Fatalf("timed out waiting for message %d/%d", i+1, n)
		}
	}
	return out
}

// S1: single-turn.
func TestSingleTurnEndToEnd(t *testing.T) {
	worker := gatewaytest.NewWorker([]string{"a1"}, gatewaytest.Script{
		{Message: &stream.Message{Content: "Hello"}},
		{Message: &stream.Message{Content: "world"}},
	})
	gw := gateway.New(gateway.DefaultConfig(), worker, gatewaytest.NewStore(), nil, nil)
	go gw.Run(context.Background())
	defer gw.Close()

	ok, err := gw.StartSession("t1", "a1", 100, 0, "")
	require.NoError(t, err)
	require.True(t, ok)

	ch, err := gw.SendMessage(context.Background(), "t1", "user-1", "hi", "")
	require.NoError(t, err)

	frames := drain(t, ch, 3, time.Second)
	require.Len(t, frames, 3)
	assert.Equal(t, "Hello", frames[0].Content)
	assert.Equal(t, 1, frames[0].SequenceNumber)
	assert.Equal(t, "world", frames[1].Content)
	assert.Equal(t, 2, frames[1].SequenceNumber)
	assert.True(t, frames[2].IsComplete)

	state, ok := gw.GetStreamState("t1")
	require.True(t, ok)
	assert.False(t, state.IsProcessing)
}

// S4: approval approve, end to end through the gateway.
func TestApprovalApproveEndToEnd(t *testing.T) {
	worker := gatewaytest.NewWorker([]string{"a1"}, gatewaytest.Script{
		{ApprovalRequests: []approval.Request{{ToolName: "exec", Arguments: map[string]interface{}{"cmd": "ls"}}}},
	})
	gw := gateway.New(gateway.DefaultConfig(), worker, gatewaytest.NewStore(), nil, nil)
	go gw.Run(context.Background())
	defer gw.Close()

	_, err := gw.StartSession("t1", "a1", 100, 0, "")
	require.NoError(t, err)

	ch, err := gw.SendMessage(context.Background(), "t1", "user-1", "run ls", "")
	require.NoError(t, err)

	var approvalID string
	select {
	case msg := <-ch:
		require.NotNil(t, msg.ApprovalRequest)
		approvalID = msg.ApprovalRequest.ApprovalID
		assert.Equal(t, "exec", msg.ApprovalRequest.ToolName)
	case <-time.After(time.Second):
		t.Fatal("expected an approval request frame")
	}

	require.True(t, gw.IsApprovalPending(approvalID))
	ok := gw.RespondToApproval(approvalID, approval.Approved)
	assert.True(t, ok)

	drain(t, ch, 1, time.Second) // terminal frame

	assert.Equal(t, []approval.Result{approval.Approved}, worker.Results)
}

// S5: approval timeout, end to end.
func TestApprovalTimeoutEndToEnd(t *testing.T) {
	cfg := gateway.DefaultConfig()
	cfg.Approval.Timeout = 30 * time.Millisecond

	worker := gatewaytest.NewWorker([]string{"a1"}, gatewaytest.Script{
		{ApprovalRequests: []approval.Request{{ToolName: "exec"}}},
	})
	gw := gateway.New(cfg, worker, gatewaytest.NewStore(), nil, nil)
	go gw.Run(context.Background())
	defer gw.Close()

	_, err := gw.StartSession("t1", "a1", 100, 0, "")
	require.NoError(t, err)

	ch, err := gw.SendMessage(context.Background(), "t1", "user-1", "run ls", "")
	require.NoError(t, err)

	var sawTimeoutFrame bool
	for i := 0; i < 4; i++ {
		select {
		case msg := <-ch:
			if msg.UserMessage != "" {
				sawTimeoutFrame = true
			}
			if msg.IsComplete {
				i = 4
			}
		case <-time.After(time.Second):
			t.Fatal("timed out draining stream")
		}
	}

	assert.True(t, sawTimeoutFrame)
	require.Eventually(t, func() bool {
		return len(worker.Results) == 1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, approval.Rejected, worker.Results[0])
}

// S6: two subscribers see the same three frames in order.
func TestTwoSubscribersEndToEnd(t *testing.T) {
	worker := gatewaytest.NewWorker([]string{"a1"}, gatewaytest.Script{
		{Message: &stream.Message{Content: "a"}},
		{Message: &stream.Message{Content: "b"}},
		{Message: &stream.Message{Content: "c"}},
	})
	worker.Ready = make(chan struct{})
	gw := gateway.New(gateway.DefaultConfig(), worker, gatewaytest.NewStore(), nil, nil)
	go gw.Run(context.Background())
	defer gw.Close()

	_, err := gw.StartSession("t1", "a1", 100, 0, "")
	require.NoError(t, err)

	ch1, err := gw.SendMessage(context.Background(), "t1", "user-1", "hi", "")
	require.NoError(t, err)
	ch2, ok := gw.ResumeStream(context.Background(), "t1")
	require.True(t, ok)
	close(worker.Ready)

	frames1 := drain(t, ch1, 4, time.Second)
	frames2 := drain(t, ch2, 4, time.Second)

	require.Len(t, frames1, 4)
	require.Len(t, frames2, 4)
	for i, want := range []string{"a", "b", "c"} {
		assert.Equal(t, want, frames1[i].Content)
		assert.Equal(t, want, frames2[i].Content)
	}
}

func TestStartSessionRejectsUnknownAgent(t *testing.T) {
	worker := gatewaytest.NewWorker([]string{"a1"}, nil)
	gw := gateway.New(gateway.DefaultConfig(), worker, gatewaytest.NewStore(), nil, nil)

	_, err := gw.StartSession("t1", "ghost", 100, 0, "")
	assert.Error(t, err)
}

func TestEndSessionCancelsPendingApproval(t *testing.T) {
	worker := gatewaytest.NewWorker([]string{"a1"}, gatewaytest.Script{
		{ApprovalRequests: []approval.Request{{ToolName: "exec"}}},
	})
	gw := gateway.New(gateway.DefaultConfig(), worker, gatewaytest.NewStore(), nil, nil)
	go gw.Run(context.Background())
	defer gw.Close()

	_, err := gw.StartSession("t1", "a1", 100, 0, "")
	require.NoError(t, err)

	ch, err := gw.SendMessage(context.Background(), "t1", "user-1", "hi", "")
	require.NoError(t, err)
	<-ch // approval request frame

	gw.EndSession("t1")

	require.Eventually(t, func() bool {
		return len(worker.Results) == 1 && worker.Results[0] == approval.Rejected
	}, time.Second, 10*time.Millisecond)

	_, ok := gw.GetStreamState("t1")
	assert.False(t, ok)
}
