// Package protocol defines the wire shape of the stream broker's tagged
// StreamMessage, used by every transport that serializes over JSON.
package protocol

import "encoding/json"

// Message is the tagged wire record for one stream frame. At most one of
// the optional fields is populated per frame; the exception is a final
// frame which may carry Content plus IsComplete together.
type Message struct {
	Content         string               `json:"content,omitempty"`
	Reasoning       string               `json:"reasoning,omitempty"`
	ToolCalls       []ToolCall           `json:"tool_calls,omitempty"`
	ApprovalRequest *ApprovalRequestData `json:"approval_request,omitempty"`
	UserMessage     string               `json:"user_message,omitempty"`
	Error           *ErrorData           `json:"error,omitempty"`

	MessageIndex   int  `json:"message_index"`
	SequenceNumber int  `json:"sequence_number"`
	IsComplete     bool `json:"is_complete"`
}

// IsValid reports whether the message carries at least one payload field or
// is a terminal marker with no payload.
func (m *Message) IsValid() bool {
	if m.SequenceNumber <= 0 {
		return false
	}
	if m.IsComplete {
		return true
	}
	return m.Content != "" || m.Reasoning != "" || len(m.ToolCalls) > 0 ||
		m.ApprovalRequest != nil || m.UserMessage != "" || m.Error != nil
}

// Parse decodes a JSON-encoded Message.
func Parse(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// StreamFrame is the subset of stream.Message a caller needs to satisfy to
// convert into the wire Message, without importing internal/stream here.
type StreamFrame struct {
	Content         string
	Reasoning       string
	ToolCalls       []ToolCall
	ApprovalRequest *ApprovalRequestData
	UserMessage     string
	Error           *ErrorData
	MessageIndex    int
	SequenceNumber  int
	IsComplete      bool
}

// FromStreamFrame builds the wire Message for a domain StreamFrame.
func FromStreamFrame(f StreamFrame) *Message {
	return &Message{
		Content:         f.Content,
		Reasoning:       f.Reasoning,
		ToolCalls:       f.ToolCalls,
		ApprovalRequest: f.ApprovalRequest,
		UserMessage:     f.UserMessage,
		Error:           f.Error,
		MessageIndex:    f.MessageIndex,
		SequenceNumber:  f.SequenceNumber,
		IsComplete:      f.IsComplete,
	}
}
