package websocket

import (
	"context"

	"go.uber.org/zap"

	"github.com/kandev/agentgw/internal/approval"
	"github.com/kandev/agentgw/internal/common/logger"
	"github.com/kandev/agentgw/internal/gateway"
	"github.com/kandev/agentgw/internal/stream"
	"github.com/kandev/agentgw/pkg/acp/protocol"
	ws "github.com/kandev/agentgw/pkg/websocket"
)

// RegisterGatewayHandlers wires every gateway RPC method onto the
// dispatcher, translating ws.Message payloads to and from gateway.Gateway
// calls. Streaming actions (stream.send/stream.resume) are handled
// separately in Client.handleMessage since they push many frames per
// request instead of a single response.
func RegisterGatewayHandlers(d *ws.Dispatcher, gw *gateway.Gateway, log *logger.Logger) {
	log = log.WithFields(zap.String("component", "ws_rpc"))

	d.RegisterFunc(ws.ActionHealthCheck, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{
			"status":  "ok",
			"service": "agentgw",
		})
	})

	d.RegisterFunc(ws.ActionAgentList, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{
			"agents": gw.GetAgents(),
		})
	})

	d.RegisterFunc(ws.ActionAgentValidate, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		var req struct {
			AgentID string `json:"agent_id"`
		}
		if err := msg.ParsePayload(&req); err != nil {
			return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, err.Error(), nil)
		}
		return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{
			"valid": gw.ValidateAgent(req.AgentID),
		})
	})

	d.RegisterFunc(ws.ActionSessionStart, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		var req struct {
			TopicID   string `json:"topic_id"`
			AgentID   string `json:"agent_id"`
			ChatID    int64  `json:"chat_id"`
			ThreadID  int64  `json:"thread_id"`
			GroupSlug string `json:"group_slug,omitempty"`
		}
		if err := msg.ParsePayload(&req); err != nil {
			return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, err.Error(), nil)
		}
		ok, err := gw.StartSession(req.TopicID, req.AgentID, req.ChatID, req.ThreadID, req.GroupSlug)
		if err != nil {
			return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeValidation, err.Error(), nil)
		}
		return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{"started": ok})
	})

	d.RegisterFunc(ws.ActionSessionEnd, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		var req struct {
			TopicID string `json:"topic_id"`
		}
		if err := msg.ParsePayload(&req); err != nil {
			return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, err.Error(), nil)
		}
		gw.EndSession(req.TopicID)
		return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{"ended": true})
	})

	d.RegisterFunc(ws.ActionTopicHistory, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		var req struct {
			AgentID  string `json:"agent_id"`
			ChatID   int64  `json:"chat_id"`
			ThreadID int64  `json:"thread_id"`
		}
		if err := msg.ParsePayload(&req); err != nil {
			return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, err.Error(), nil)
		}
		return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{
			"messages": gw.GetHistory(req.AgentID, req.ChatID, req.ThreadID),
		})
	})

	d.RegisterFunc(ws.ActionTopicList, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		var req struct {
			AgentID   string `json:"agent_id"`
			GroupSlug string `json:"group_slug,omitempty"`
		}
		if err := msg.ParsePayload(&req); err != nil {
			return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, err.Error(), nil)
		}
		return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{
			"topics": gw.GetAllTopics(req.AgentID, req.GroupSlug),
		})
	})

	d.RegisterFunc(ws.ActionTopicSave, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		var req struct {
			Topic gateway.TopicMetadata `json:"topic"`
			IsNew bool                  `json:"is_new"`
		}
		if err := msg.ParsePayload(&req); err != nil {
			return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, err.Error(), nil)
		}
		if err := gw.SaveTopic(req.Topic, req.IsNew); err != nil {
			return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeInternalError, err.Error(), nil)
		}
		return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{"saved": true})
	})

	d.RegisterFunc(ws.ActionTopicDelete, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		var req struct {
			AgentID  string `json:"agent_id"`
			TopicID  string `json:"topic_id"`
			ChatID   int64  `json:"chat_id"`
			ThreadID int64  `json:"thread_id"`
		}
		if err := msg.ParsePayload(&req); err != nil {
			return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, err.Error(), nil)
		}
		if err := gw.DeleteTopic(req.AgentID, req.TopicID, req.ChatID, req.ThreadID); err != nil {
			return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeInternalError, err.Error(), nil)
		}
		return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{"deleted": true})
	})

	d.RegisterFunc(ws.ActionStreamState, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		var req struct {
			TopicID string `json:"topic_id"`
		}
		if err := msg.ParsePayload(&req); err != nil {
			return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, err.Error(), nil)
		}
		state, ok := gw.GetStreamState(req.TopicID)
		if !ok {
			return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{"state": nil})
		}
		return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{"state": toWireState(state)})
	})

	d.RegisterFunc(ws.ActionStreamCancel, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		var req struct {
			TopicID string `json:"topic_id"`
		}
		if err := msg.ParsePayload(&req); err != nil {
			return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, err.Error(), nil)
		}
		gw.CancelTopic(req.TopicID)
		return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{"cancelled": true})
	})

	d.RegisterFunc(ws.ActionApprovalRespond, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		var req struct {
			ApprovalID string `json:"approval_id"`
			Approved   bool   `json:"approved"`
		}
		if err := msg.ParsePayload(&req); err != nil {
			return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, err.Error(), nil)
		}
		result := approval.Rejected
		if req.Approved {
			result = approval.Approved
		}
		ok := gw.RespondToApproval(req.ApprovalID, result)
		if !ok {
			return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeNotFound, "unknown or already-resolved approval", nil)
		}
		return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{"resolved": true})
	})

	d.RegisterFunc(ws.ActionApprovalPending, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		var req struct {
			TopicID string `json:"topic_id"`
		}
		if err := msg.ParsePayload(&req); err != nil {
			return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, err.Error(), nil)
		}
		request, approvalID, ok := gw.GetPendingApprovalForTopic(req.TopicID)
		if !ok {
			return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{"pending": false})
		}
		return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{
			"pending":     true,
			"approval_id": approvalID,
			"tool_name":   request.ToolName,
			"arguments":   request.Arguments,
		})
	})
}

// NewTopicHistoryProvider builds a TopicHistoryProvider backed by gw: a
// pending-approval prefix frame (if one exists) followed by every buffered
// frame still held by the stream broker, in the same wire shape a live
// subscriber would see.
func NewTopicHistoryProvider(gw *gateway.Gateway) TopicHistoryProvider {
	return func(ctx context.Context, topicID string) ([]*ws.Message, error) {
		var out []*ws.Message

		if req, approvalID, ok := gw.GetPendingApprovalForTopic(topicID); ok {
			frame := stream.Message{
				ApprovalRequest: &stream.ApprovalRequest{
					ApprovalID: approvalID,
					ToolName:   req.ToolName,
					Arguments:  req.Arguments,
				},
			}
			msg, err := streamFrameToMessage(topicID, frame)
			if err != nil {
				return nil, err
			}
			out = append(out, msg)
		}

		state, ok := gw.GetStreamState(topicID)
		if !ok {
			return out, nil
		}
		for _, frame := range state.BufferedMessages {
			msg, err := streamFrameToMessage(topicID, frame)
			if err != nil {
				return nil, err
			}
			out = append(out, msg)
		}
		return out, nil
	}
}

// streamFrameToMessage converts a core stream.Message into the wire
// notification pushed to a subscribing client, routing it through
// pkg/acp/protocol so the frame serializes with the snake_case tags every
// other transport's wire payload uses.
func streamFrameToMessage(topicID string, frame stream.Message) (*ws.Message, error) {
	return ws.NewNotification(ws.ActionNewMessage, map[string]interface{}{
		"topic_id": topicID,
		"frame":    toWireFrame(frame),
	})
}

// toWireState converts a stream.State snapshot into its JSON wire shape,
// running every buffered frame through toWireFrame for the same reason.
func toWireState(state stream.State) map[string]interface{} {
	frames := make([]*protocol.Message, 0, len(state.BufferedMessages))
	for _, frame := range state.BufferedMessages {
		frames = append(frames, toWireFrame(frame))
	}
	return map[string]interface{}{
		"is_processing":     state.IsProcessing,
		"buffered_messages": frames,
		"last_index":        state.LastIndex,
		"last_sequence":     state.LastSequence,
	}
}

// toWireFrame converts a domain stream.Message into its JSON wire shape.
func toWireFrame(frame stream.Message) *protocol.Message {
	wireFrame := protocol.StreamFrame{
		Content:        frame.Content,
		Reasoning:      frame.Reasoning,
		UserMessage:    frame.UserMessage,
		MessageIndex:   frame.MessageIndex,
		SequenceNumber: frame.SequenceNumber,
		IsComplete:     frame.IsComplete,
	}
	for _, tc := range frame.ToolCalls {
		wireFrame.ToolCalls = append(wireFrame.ToolCalls, protocol.ToolCall{
			ToolName: tc.ToolName,
			Args:     tc.Args,
			Status:   tc.Status,
			Result:   tc.Result,
		})
	}
	if frame.ApprovalRequest != nil {
		wireFrame.ApprovalRequest = &protocol.ApprovalRequestData{
			ApprovalID: frame.ApprovalRequest.ApprovalID,
			ToolName:   frame.ApprovalRequest.ToolName,
			Arguments:  frame.ApprovalRequest.Arguments,
		}
	}
	if frame.Error != nil {
		wireFrame.Error = &protocol.ErrorData{
			Error:   frame.Error.Message,
			Details: frame.Error.Details,
		}
	}
	return protocol.FromStreamFrame(wireFrame)
}
