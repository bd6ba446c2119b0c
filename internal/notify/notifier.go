// Package notify implements the cross-connection notification fan-out
// (C5): typed broadcasts of topic/stream/approval state changes, scoped to
// a named group when one is given.
package notify

// Sender is the pair of primitives the transport layer provides.
type Sender interface {
	SendAll(method string, payload any)
	SendToGroup(groupSlug, method string, payload any)
}

// Notifier wraps a Sender with one typed helper per notification kind. A
// notification that carries a non-empty GroupSlug uses SendToGroup only;
// otherwise it uses SendAll only — no notification ever fans out twice.
type Notifier struct {
	sender Sender
}

// NewNotifier creates a Notifier over sender.
func NewNotifier(sender Sender) *Notifier {
	return &Notifier{sender: sender}
}

func (n *Notifier) dispatch(groupSlug, method string, payload any) {
	if n == nil || n.sender == nil {
		return
	}
	if groupSlug != "" {
		n.sender.SendToGroup(groupSlug, method, payload)
		return
	}
	n.sender.SendAll(method, payload)
}

// TopicChangedPayload describes a topic creation/deletion/metadata change.
type TopicChangedPayload struct {
	TopicID string `json:"topic_id"`
	AgentID string `json:"agent_id"`
	Kind    string `json:"kind"` // created, deleted, updated
}

// TopicChanged fires OnTopicChanged.
func (n *Notifier) TopicChanged(topicID, agentID, kind, groupSlug string) {
	n.dispatch(groupSlug, "OnTopicChanged", TopicChangedPayload{
		TopicID: topicID,
		AgentID: agentID,
		Kind:    kind,
	})
}

// StreamChangedPayload describes a stream lifecycle transition.
type StreamChangedPayload struct {
	TopicID      string `json:"topic_id"`
	IsProcessing bool   `json:"is_processing"`
}

// StreamChanged fires OnStreamChanged.
func (n *Notifier) StreamChanged(topicID string, isProcessing bool, groupSlug string) {
	n.dispatch(groupSlug, "OnStreamChanged", StreamChangedPayload{
		TopicID:      topicID,
		IsProcessing: isProcessing,
	})
}

// NewMessagePayload announces a freshly written StreamMessage.
type NewMessagePayload struct {
	TopicID        string `json:"topic_id"`
	SequenceNumber int    `json:"sequence_number"`
}

// NewMessage fires OnNewMessage.
func (n *Notifier) NewMessage(topicID string, sequenceNumber int, groupSlug string) {
	n.dispatch(groupSlug, "OnNewMessage", NewMessagePayload{
		TopicID:        topicID,
		SequenceNumber: sequenceNumber,
	})
}

// ApprovalResolvedPayload announces an approval's terminal result.
type ApprovalResolvedPayload struct {
	TopicID    string `json:"topic_id"`
	ApprovalID string `json:"approval_id"`
	Result     string `json:"result"`
}

// ApprovalResolved fires OnApprovalResolved.
func (n *Notifier) ApprovalResolved(topicID, approvalID, result, groupSlug string) {
	n.dispatch(groupSlug, "OnApprovalResolved", ApprovalResolvedPayload{
		TopicID:    topicID,
		ApprovalID: approvalID,
		Result:     result,
	})
}

// ToolCallsPayload announces tool calls emitted mid-stream.
type ToolCallsPayload struct {
	TopicID   string   `json:"topic_id"`
	ToolNames []string `json:"tool_names"`
}

// ToolCalls fires OnToolCalls.
func (n *Notifier) ToolCalls(topicID string, toolNames []string, groupSlug string) {
	n.dispatch(groupSlug, "OnToolCalls", ToolCallsPayload{
		TopicID:   topicID,
		ToolNames: toolNames,
	})
}

// UserMessagePayload announces an informational frame (e.g. auto-approval,
// timeout notice).
type UserMessagePayload struct {
	TopicID string `json:"topic_id"`
	Text    string `json:"text"`
}

// UserMessage fires OnUserMessage.
func (n *Notifier) UserMessage(topicID, text, groupSlug string) {
	n.dispatch(groupSlug, "OnUserMessage", UserMessagePayload{
		TopicID: topicID,
		Text:    text,
	})
}
