// Package gateway is the orchestrator: it composes the Session Registry
// (C1), Prompt Ingress (C2), Stream Broker (C3), Approval Rendezvous (C4),
// and Notification Fan-out (C5) behind the transport-facing RPC surface,
// without owning any shared-mutable state of its own.
package gateway

import (
	"context"
	"errors"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/kandev/agentgw/internal/approval"
	"github.com/kandev/agentgw/internal/common/logger"
	"github.com/kandev/agentgw/internal/notify"
	"github.com/kandev/agentgw/internal/promptqueue"
	"github.com/kandev/agentgw/internal/session"
	"github.com/kandev/agentgw/internal/stream"
)

// Error kinds surfaced by the core.
var (
	ErrNotRegistered = errors.New("gateway: connection has no registered user")
	ErrUnknownAgent  = errors.New("gateway: unknown agent")
)

// HubError signals a malformed per-connection RPC call rejected before any
// state changes, e.g. RegisterUser called with an empty userId. It is
// distinct from ErrNotRegistered, which fires later when a call that needs
// registration is made without ever having registered.
type HubError struct {
	msg string
}

func (e *HubError) Error() string { return e.msg }

// NewHubError builds a HubError with the given message.
func NewHubError(msg string) *HubError {
	return &HubError{msg: msg}
}

// Config bundles the tunables of the composed components.
type Config struct {
	Stream   stream.Config
	Approval approval.Config
}

// DefaultConfig returns sensible defaults across every component.
func DefaultConfig() Config {
	return Config{
		Stream:   stream.DefaultConfig(),
		Approval: approval.DefaultConfig(),
	}
}

// Gateway composes C1-C5 and the two external-collaborator interfaces into
// the method set transports call.
type Gateway struct {
	registry   *session.Registry
	queue      *promptqueue.Queue
	broker     *stream.Broker
	rendezvous *approval.Rendezvous
	notifier   *notify.Notifier

	agent   AgentWorker
	history HistoryStore

	messageCounter int64
	logger         *logger.Logger
}

// agentValidatorAdapter lets an AgentWorker satisfy session.AgentValidator
// without the session package depending on gateway.
type agentValidatorAdapter struct {
	worker AgentWorker
}

func (a agentValidatorAdapter) IsRegistered(agentID string) bool {
	if a.worker == nil {
		return true
	}
	return a.worker.ValidateAgent(agentID)
}

// New creates a Gateway wiring every component together.
func New(cfg Config, agentWorker AgentWorker, historyStore HistoryStore, sender notify.Sender, log *logger.Logger) *Gateway {
	if log == nil {
		log = logger.Default()
	}
	log = log.WithFields(zap.String("component", "gateway"))

	broker := stream.NewBroker(cfg.Stream, log)
	notifier := notify.NewNotifier(sender)

	return &Gateway{
		registry:   session.NewRegistry(agentValidatorAdapter{worker: agentWorker}),
		queue:      promptqueue.NewQueue(),
		broker:     broker,
		rendezvous: approval.NewRendezvous(broker, notifier, cfg.Approval, log),
		notifier:   notifier,
		agent:      agentWorker,
		history:    historyStore,
		logger:     log,
	}
}

// GetAgents lists the configured agent descriptors.
func (g *Gateway) GetAgents() []AgentDescriptor {
	if g.agent == nil {
		return nil
	}
	return g.agent.GetAgents()
}

// ValidateAgent reports whether agentID is a known agent.
func (g *Gateway) ValidateAgent(agentID string) bool {
	if g.agent == nil {
		return false
	}
	return g.agent.ValidateAgent(agentID)
}

// StartSession binds topicID to the agent/chat/thread triple and,
// if groupSlug is non-empty, associates the session with that group for
// notification scoping.
func (g *Gateway) StartSession(topicID, agentID string, chatID, threadID int64, groupSlug string) (bool, error) {
	ok, err := g.registry.StartSession(topicID, agentID, chatID, threadID, groupSlug)
	if ok {
		g.notifier.TopicChanged(topicID, agentID, "created", groupSlug)
	}
	return ok, err
}

// GetTopicIDByChatID looks up the topic bound to chatID by the most recent
// StartSession call.
func (g *Gateway) GetTopicIDByChatID(chatID int64) (string, bool) {
	return g.registry.GetTopicIDByChatID(chatID)
}

// GetHistory returns the persisted user/assistant history for the given
// agent/chat/thread. Failures are logged and swallowed, returning an empty
// slice.
func (g *Gateway) GetHistory(agentID string, chatID, threadID int64) []HistoryMessage {
	if g.history == nil {
		return nil
	}
	msgs, err := g.history.GetMessages(historyKey(agentID, chatID, threadID))
	if err != nil {
		g.logger.WithError(err).Warn("history read failed, returning empty")
		return nil
	}
	filtered := make([]HistoryMessage, 0, len(msgs))
	for _, m := range msgs {
		if m.Role == "user" || m.Role == "assistant" {
			filtered = append(filtered, m)
		}
	}
	return filtered
}

// GetAllTopics lists topic metadata for agentID, optionally scoped to
// groupSlug.
func (g *Gateway) GetAllTopics(agentID, groupSlug string) []TopicMetadata {
	if g.history == nil {
		return nil
	}
	topics, err := g.history.GetAllTopics(agentID, groupSlug)
	if err != nil {
		g.logger.WithError(err).Warn("topic listing failed, returning empty")
		return nil
	}
	return topics
}

// IsProcessing reports whether topicID currently has an in-flight stream.
func (g *Gateway) IsProcessing(topicID string) bool {
	state, ok := g.broker.GetStreamState(topicID)
	return ok && state.IsProcessing
}

// GetStreamState returns topicID's atomic snapshot, if any.
func (g *Gateway) GetStreamState(topicID string) (stream.State, bool) {
	return g.broker.GetStreamState(topicID)
}

// ResumeStream emits a pending-approval prefix frame (if one exists for
// topicID) followed by the live tail.
func (g *Gateway) ResumeStream(ctx context.Context, topicID string) (<-chan stream.Message, bool) {
	tail, ok := g.broker.Subscribe(ctx, topicID)
	if !ok {
		return nil, false
	}

	out := make(chan stream.Message, 1)
	go func() {
		defer close(out)
		if req, approvalID, ok := g.rendezvous.GetPendingForTopic(topicID); ok {
			out <- stream.Message{
				ApprovalRequest: &stream.ApprovalRequest{
					ApprovalID: approvalID,
					ToolName:   req.ToolName,
					Arguments:  req.Arguments,
				},
			}
		}
		for msg := range tail {
			out <- msg
		}
	}()
	return out, true
}

// nextMessageID returns a process-wide monotonic counter for Prompt
// MessageId assignment.
func (g *Gateway) nextMessageID() int64 {
	return atomic.AddInt64(&g.messageCounter, 1)
}

// EnqueuePromptAndGetResponses writes to C2 and subscribes to topicID's C3
// stream, creating it if no turn is currently in flight. It validates
// registration and session existence first.
func (g *Gateway) EnqueuePromptAndGetResponses(ctx context.Context, topicID, userID, text, correlationID string) (<-chan stream.Message, error) {
	if userID == "" {
		return nil, ErrNotRegistered
	}

	sess, ok := g.registry.TryGetSession(topicID)
	if !ok {
		return nil, session.ErrUnknownSession
	}

	g.broker.CreateStream(topicID)
	ch, ok := g.broker.Subscribe(ctx, topicID)
	if !ok {
		return nil, session.ErrUnknownSession
	}

	g.queue.Enqueue(promptqueue.Prompt{
		Text:          text,
		ChatID:        sess.ChatID,
		ThreadID:      sess.ThreadID,
		MessageID:     g.nextMessageID(),
		CorrelationID: correlationID,
		AgentID:       sess.AgentID,
		TopicID:       topicID,
	})

	g.notifier.StreamChanged(topicID, true, sess.GroupSlug)
	return ch, nil
}

// SendMessage is the transport-facing alias for
// EnqueuePromptAndGetResponses.
func (g *Gateway) SendMessage(ctx context.Context, topicID, userID, text, correlationID string) (<-chan stream.Message, error) {
	return g.EnqueuePromptAndGetResponses(ctx, topicID, userID, text, correlationID)
}

// EnqueueMessage is the fire-and-forget variant of SendMessage: it enqueues
// the prompt and creates the stream but returns immediately without
// subscribing. It validates registration the same way SendMessage does.
func (g *Gateway) EnqueueMessage(topicID, userID, text, correlationID string) (bool, error) {
	if userID == "" {
		return false, ErrNotRegistered
	}

	sess, ok := g.registry.TryGetSession(topicID)
	if !ok {
		return false, session.ErrUnknownSession
	}

	g.broker.CreateStream(topicID)
	g.queue.Enqueue(promptqueue.Prompt{
		Text:          text,
		ChatID:        sess.ChatID,
		ThreadID:      sess.ThreadID,
		MessageID:     g.nextMessageID(),
		CorrelationID: correlationID,
		AgentID:       sess.AgentID,
		TopicID:       topicID,
	})
	g.notifier.StreamChanged(topicID, true, sess.GroupSlug)
	return true, nil
}

// CancelTopic cancels topicID's in-flight stream, if any.
func (g *Gateway) CancelTopic(topicID string) {
	g.broker.CancelStream(topicID)
	g.rendezvous.CancelAllForTopic(topicID)
	if sess, ok := g.registry.TryGetSession(topicID); ok {
		g.notifier.StreamChanged(topicID, false, sess.GroupSlug)
	}
}

// EndSession resolves the registry/broker/rendezvous cycle: it removes the
// registry entry, then cancels the stream, then rejects any pending
// approval, in that order.
func (g *Gateway) EndSession(topicID string) {
	sess, hadSession := g.registry.TryGetSession(topicID)
	g.registry.EndSession(topicID)
	g.broker.CancelStream(topicID)
	g.rendezvous.CancelAllForTopic(topicID)
	if hadSession {
		g.notifier.TopicChanged(topicID, sess.AgentID, "deleted", sess.GroupSlug)
	}
}

// DeleteTopic ends the session and deletes persisted history for the
// topic.
func (g *Gateway) DeleteTopic(agentID, topicID string, chatID, threadID int64) error {
	g.EndSession(topicID)
	if g.history == nil {
		return nil
	}
	if err := g.history.DeleteTopic(agentID, chatID, topicID); err != nil {
		return err
	}
	return g.history.Delete(historyKey(agentID, chatID, threadID))
}

// SaveTopic persists topic metadata.
func (g *Gateway) SaveTopic(topic TopicMetadata, isNew bool) error {
	if g.history == nil {
		return nil
	}
	return g.history.SaveTopic(topic)
}

// RespondToApproval resolves approvalID with result.
func (g *Gateway) RespondToApproval(approvalID string, result approval.Result) bool {
	return g.rendezvous.Respond(approvalID, result)
}

// IsApprovalPending reports whether approvalID still has an outstanding
// waiter.
func (g *Gateway) IsApprovalPending(approvalID string) bool {
	return g.rendezvous.IsApprovalPending(approvalID)
}

// GetPendingApprovalForTopic returns the pending approval for topicID, if
// any.
func (g *Gateway) GetPendingApprovalForTopic(topicID string) (approval.Request, string, bool) {
	return g.rendezvous.GetPendingForTopic(topicID)
}

// Run starts the agent-dispatch loop: it reads prompts from C2 and, for
// each, spawns one HandleTurn call against the AgentWorker; the turn's
// context completes the stream once its completion gate opens. Run blocks
// until ctx is cancelled.
func (g *Gateway) Run(ctx context.Context) {
	if g.agent == nil {
		<-ctx.Done()
		return
	}

	prompts := g.queue.ReadPrompts(ctx)
	for prompt := range prompts {
		go g.dispatchTurn(ctx, prompt)
	}
}

func (g *Gateway) dispatchTurn(ctx context.Context, prompt promptqueue.Prompt) {
	turn := &turnContext{gw: g, topicID: prompt.TopicID}
	g.agent.HandleTurn(ctx, prompt, turn)
}

// Close releases the prompt queue's consumers.
func (g *Gateway) Close() {
	g.queue.Close()
}
