package approval

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/agentgw/internal/stream"
)

func newTestRendezvous(cfg Config) (*Rendezvous, *stream.Broker) {
	broker := stream.NewBroker(stream.DefaultConfig(), nil)
	r := NewRendezvous(broker, nil, cfg, nil)
	return r, broker
}

// S4: approve.
func TestRequestApprovalApprove(t *testing.T) {
	r, broker := newTestRendezvous(DefaultConfig())
	broker.CreateStream("t1")

	ch, ok := broker.Subscribe(context.Background(), "t1")
	require.True(t, ok)

	resultCh := make(chan Result, 1)
	go func() {
		res, err := r.RequestApproval(context.Background(), "t1", []Request{
			{ToolName: "exec", Arguments: map[string]interface{}{"cmd": "ls"}},
		})
		require.NoError(t, err)
		resultCh <- res
	}()

	var approvalID string
	select {
	case msg := <-ch:
		require.NotNil(t, msg.ApprovalRequest)
		approvalID = msg.ApprovalRequest.ApprovalID
		assert.Equal(t, "exec", msg.ApprovalRequest.ToolName)
	case <-time.After(time.Second):
		t.Fatal("expected an approval request frame")
	}

	ok = r.Respond(approvalID, Approved)
	assert.True(t, ok)

	select {
	case res := <-resultCh:
		assert.Equal(t, Approved, res)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for RequestApproval to return")
	}
}

// S5: timeout.
func TestRequestApprovalTimeout(t *testing.T) {
	r, broker := newTestRendezvous(Config{Timeout: 30 * time.Millisecond})
	broker.CreateStream("t1")

	res, err := r.RequestApproval(context.Background(), "t1", []Request{{ToolName: "exec"}})
	require.NoError(t, err)
	assert.Equal(t, Rejected, res)
}

// Invariant 4: idempotent resolution.
func TestRespondIsIdempotent(t *testing.T) {
	r, broker := newTestRendezvous(DefaultConfig())
	broker.CreateStream("t1")

	resultCh := make(chan Result, 1)
	var approvalID string
	done := make(chan struct{})

	ch, _ := broker.Subscribe(context.Background(), "t1")
	go func() {
		res, _ := r.RequestApproval(context.Background(), "t1", []Request{{ToolName: "exec"}})
		resultCh <- res
		close(done)
	}()

	msg := <-ch
	approvalID = msg.ApprovalRequest.ApprovalID

	first := r.Respond(approvalID, Approved)
	second := r.Respond(approvalID, Rejected)

	assert.True(t, first)
	assert.True(t, second)

	<-done
	assert.Equal(t, Approved, <-resultCh, "first response wins")
}

func TestRespondUnknownIDReturnsFalse(t *testing.T) {
	r, _ := newTestRendezvous(DefaultConfig())
	assert.False(t, r.Respond("ffffffff", Approved))
}

func TestNotifyAutoApprovedAlwaysReturnsImmediately(t *testing.T) {
	r, broker := newTestRendezvous(DefaultConfig())
	broker.CreateStream("t1")

	res := r.NotifyAutoApproved(context.Background(), "t1", []Request{{ToolName: "exec"}})
	assert.Equal(t, AutoApproved, res)
	assert.False(t, r.IsApprovalPending("anything"))
}

func TestCancelAllForTopicRejectsPending(t *testing.T) {
	r, broker := newTestRendezvous(DefaultConfig())
	broker.CreateStream("t1")

	ch, _ := broker.Subscribe(context.Background(), "t1")
	resultCh := make(chan Result, 1)
	go func() {
		res, _ := r.RequestApproval(context.Background(), "t1", []Request{{ToolName: "exec"}})
		resultCh <- res
	}()
	<-ch

	r.CancelAllForTopic("t1")

	select {
	case res := <-resultCh:
		assert.Equal(t, Rejected, res)
	case <-time.After(time.Second):
		t.Fatal("expected RequestApproval to resolve after CancelAllForTopic")
	}
}
