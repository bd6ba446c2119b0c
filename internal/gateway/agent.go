package gateway

import (
	"context"

	"github.com/kandev/agentgw/internal/approval"
	"github.com/kandev/agentgw/internal/promptqueue"
	"github.com/kandev/agentgw/internal/stream"
)

// AgentDescriptor is the minimal shape transports need to list agents.
type AgentDescriptor struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// TurnContext is the handle an AgentWorker uses to emit response chunks
// and request tool approvals for the prompt it is currently processing.
// It scopes stream.Broker and approval.Rendezvous operations to one topic
// so the worker never needs to pass topic ids around by hand.
type TurnContext interface {
	WriteMessage(msg stream.Message)
	RequestApproval(ctx context.Context, requests []approval.Request) approval.Result
	NotifyAutoApproved(ctx context.Context, requests []approval.Request) approval.Result
	TryIncrementPending() bool
	DecrementPendingAndCheckComplete() bool
	Done() <-chan struct{}
}

// AgentWorker is the external collaborator that runs model turns. The core
// depends only on this interface — concrete agent runtimes (Docker, MCP, a
// hosted model API) live outside this module.
type AgentWorker interface {
	GetAgents() []AgentDescriptor
	ValidateAgent(agentID string) bool
	// HandleTurn performs one agent turn for prompt, writing chunks and
	// requesting approvals through turn. It returns once the turn is
	// fully drained; when turn's DecrementPendingAndCheckComplete reports
	// the completion gate open, the gateway completes the stream.
	HandleTurn(ctx context.Context, prompt promptqueue.Prompt, turn TurnContext)
}

// turnContext is the gateway's TurnContext implementation, bound to one
// topic for the lifetime of a single HandleTurn call.
type turnContext struct {
	gw      *Gateway
	topicID string
}

func (t *turnContext) WriteMessage(msg stream.Message) {
	seq := t.gw.broker.WriteMessage(context.Background(), t.topicID, msg)

	groupSlug := t.groupSlug()
	t.gw.notifier.NewMessage(t.topicID, seq, groupSlug)
	if len(msg.ToolCalls) > 0 {
		names := make([]string, len(msg.ToolCalls))
		for i, tc := range msg.ToolCalls {
			names[i] = tc.ToolName
		}
		t.gw.notifier.ToolCalls(t.topicID, names, groupSlug)
	}
}

// groupSlug looks up the session's notification scope, if the session is
// still registered.
func (t *turnContext) groupSlug() string {
	if sess, ok := t.gw.registry.TryGetSession(t.topicID); ok {
		return sess.GroupSlug
	}
	return ""
}

func (t *turnContext) RequestApproval(ctx context.Context, requests []approval.Request) approval.Result {
	result, err := t.gw.rendezvous.RequestApproval(ctx, t.topicID, requests)
	if err != nil {
		t.gw.logger.WithError(err).Error("approval request failed")
		return approval.Rejected
	}
	return result
}

func (t *turnContext) NotifyAutoApproved(ctx context.Context, requests []approval.Request) approval.Result {
	return t.gw.rendezvous.NotifyAutoApproved(ctx, t.topicID, requests)
}

func (t *turnContext) TryIncrementPending() bool {
	return t.gw.broker.TryIncrementPending(t.topicID)
}

func (t *turnContext) DecrementPendingAndCheckComplete() bool {
	ready := t.gw.broker.DecrementPendingAndCheckComplete(t.topicID)
	if ready {
		t.gw.broker.CompleteStream(t.topicID)
	}
	return ready
}

func (t *turnContext) Done() <-chan struct{} {
	return t.gw.broker.Done(t.topicID)
}
