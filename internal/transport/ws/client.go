package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kandev/agentgw/internal/common/logger"
	"github.com/kandev/agentgw/internal/gateway"
	"github.com/kandev/agentgw/internal/stream"
	ws "github.com/kandev/agentgw/pkg/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512 * 1024
)

// Client represents a single WebSocket connection.
type Client struct {
	ID                 string
	conn               *websocket.Conn
	hub                *Hub
	send               chan []byte
	topicSubscriptions map[string]bool
	currentGroup       string
	// UserID is set by a user.register call and gates SendMessage/
	// EnqueueMessage; empty means this connection has not registered yet.
	UserID string
	mu     sync.RWMutex
	closed bool
	logger *logger.Logger
}

// NewClient creates a new WebSocket client.
func NewClient(id string, conn *websocket.Conn, hub *Hub, log *logger.Logger) *Client {
	return &Client{
		ID:                 id,
		conn:               conn,
		hub:                hub,
		send:               make(chan []byte, 256),
		topicSubscriptions: make(map[string]bool),
		logger:             log.WithFields(zap.String("client_id", id)),
	}
}

// ReadPump pumps messages from the WebSocket connection to the hub.
func (c *Client) ReadPump(ctx context.Context) {
	defer func() {
		c.hub.Unregister(c)
		if err := c.conn.Close(); err != nil {
			c.logger.Debug("failed to close websocket connection", zap.Error(err))
		}
	}()

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.logger.Debug("failed to set read deadline", zap.Error(err))
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNoStatusReceived, websocket.CloseAbnormalClosure) {
				c.logger.Error("websocket read error", zap.Error(err))
			}
			break
		}

		var msg ws.Message
		if err := json.Unmarshal(message, &msg); err != nil {
			c.logger.Error("failed to parse message", zap.Error(err))
			c.sendError("", "", ws.ErrorCodeBadRequest, "invalid message format", nil)
			continue
		}

		go c.handleMessage(ctx, &msg)
	}
}

func (c *Client) handleMessage(ctx context.Context, msg *ws.Message) {
	c.logger.Debug("received message", zap.String("action", msg.Action), zap.String("id", msg.ID))

	switch msg.Action {
	case ws.ActionUserRegister:
		c.handleUserRegister(msg)
		return
	case ws.ActionSpaceJoin:
		c.handleSpaceJoin(msg)
		return
	case ws.ActionStreamSubscribe:
		c.handleTopicSubscribe(msg)
		return
	case ws.ActionStreamSend:
		c.handleStreamSend(ctx, msg)
		return
	case ws.ActionStreamResume:
		c.handleStreamResume(ctx, msg)
		return
	}

	response, err := c.hub.dispatcher.Dispatch(ctx, msg)
	if err != nil {
		c.logger.Error("handler error", zap.String("action", msg.Action), zap.Error(err))
		c.sendError(msg.ID, msg.Action, ws.ErrorCodeInternalError, err.Error(), nil)
		return
	}
	if response != nil {
		c.sendMessage(response)
	}
}

// UserRegisterRequest is the payload for user.register.
type UserRegisterRequest struct {
	UserID string `json:"user_id"`
}

// handleUserRegister attaches a user id to this connection. It is required
// before stream.send/EnqueueMessage will be accepted.
func (c *Client) handleUserRegister(msg *ws.Message) {
	var req UserRegisterRequest
	if err := msg.ParsePayload(&req); err != nil {
		c.sendError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "invalid payload: "+err.Error(), nil)
		return
	}
	if req.UserID == "" {
		err := gateway.NewHubError("user.register: user_id must not be empty")
		c.sendError(msg.ID, msg.Action, ws.ErrorCodeValidation, err.Error(), nil)
		return
	}

	c.mu.Lock()
	c.UserID = req.UserID
	c.mu.Unlock()

	resp, _ := ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{"registered": true})
	c.sendMessage(resp)
}

// SpaceJoinRequest is the payload for space.join.
type SpaceJoinRequest struct {
	GroupSlug string `json:"group_slug"`
}

// handleSpaceJoin moves this connection into groupSlug independently of
// stream.subscribe, atomically leaving whatever group it previously
// belonged to.
func (c *Client) handleSpaceJoin(msg *ws.Message) {
	var req SpaceJoinRequest
	if err := msg.ParsePayload(&req); err != nil {
		c.sendError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "invalid payload: "+err.Error(), nil)
		return
	}
	if req.GroupSlug == "" {
		resp, _ := ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{"group": nil})
		c.sendMessage(resp)
		return
	}

	c.hub.JoinSpace(c, req.GroupSlug)

	resp, _ := ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{
		"group": GroupDescriptor{GroupSlug: req.GroupSlug},
	})
	c.sendMessage(resp)
}

// TopicSubscribeRequest is the payload for stream.subscribe.
type TopicSubscribeRequest struct {
	TopicID   string `json:"topic_id"`
	GroupSlug string `json:"group_slug,omitempty"`
}

func (c *Client) handleTopicSubscribe(msg *ws.Message) {
	var req TopicSubscribeRequest
	if err := msg.ParsePayload(&req); err != nil {
		c.sendError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "invalid payload: "+err.Error(), nil)
		return
	}
	if req.TopicID == "" {
		c.sendError(msg.ID, msg.Action, ws.ErrorCodeValidation, "topic_id is required", nil)
		return
	}

	c.hub.SubscribeToTopic(c, req.TopicID)
	if req.GroupSlug != "" {
		c.hub.JoinSpace(c, req.GroupSlug)
	}

	resp, _ := ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{
		"success":  true,
		"topic_id": req.TopicID,
	})
	c.sendMessage(resp)

	c.sendTopicHistory(req.TopicID)
}

// StreamSendRequest is the payload for stream.send.
type StreamSendRequest struct {
	TopicID       string `json:"topic_id"`
	Text          string `json:"text"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

func (c *Client) handleStreamSend(ctx context.Context, msg *ws.Message) {
	var req StreamSendRequest
	if err := msg.ParsePayload(&req); err != nil {
		c.sendError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "invalid payload: "+err.Error(), nil)
		return
	}
	if c.hub.gw == nil {
		c.sendError(msg.ID, msg.Action, ws.ErrorCodeInternalError, "gateway not configured", nil)
		return
	}

	c.mu.RLock()
	userID := c.UserID
	c.mu.RUnlock()

	ch, err := c.hub.gw.SendMessage(ctx, req.TopicID, userID, req.Text, req.CorrelationID)
	if err != nil {
		code := ws.ErrorCodeNotFound
		if errors.Is(err, gateway.ErrNotRegistered) {
			code = ws.ErrorCodeUnauthorized
		}
		c.sendError(msg.ID, msg.Action, code, err.Error(), nil)
		return
	}

	resp, _ := ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{
		"accepted": true,
		"topic_id": req.TopicID,
	})
	c.sendMessage(resp)

	c.pumpStream(req.TopicID, ch)
}

// StreamResumeRequest is the payload for stream.resume.
type StreamResumeRequest struct {
	TopicID string `json:"topic_id"`
}

func (c *Client) handleStreamResume(ctx context.Context, msg *ws.Message) {
	var req StreamResumeRequest
	if err := msg.ParsePayload(&req); err != nil {
		c.sendError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "invalid payload: "+err.Error(), nil)
		return
	}
	if c.hub.gw == nil {
		c.sendError(msg.ID, msg.Action, ws.ErrorCodeInternalError, "gateway not configured", nil)
		return
	}

	ch, ok := c.hub.gw.ResumeStream(ctx, req.TopicID)
	if !ok {
		c.sendError(msg.ID, msg.Action, ws.ErrorCodeNotFound, "no active stream for topic", nil)
		return
	}

	resp, _ := ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{
		"resumed":  true,
		"topic_id": req.TopicID,
	})
	c.sendMessage(resp)

	c.pumpStream(req.TopicID, ch)
}

// pumpStream forwards every frame on ch to the client as a notification
// until the channel closes or the client disconnects.
func (c *Client) pumpStream(topicID string, ch <-chan stream.Message) {
	for frame := range ch {
		notif, err := streamFrameToMessage(topicID, frame)
		if err != nil {
			c.logger.Error("failed to build stream notification", zap.Error(err))
			continue
		}
		if !c.sendMessage(notif) {
			return
		}
	}
}

func (c *Client) sendTopicHistory(topicID string) {
	history, err := c.hub.GetTopicHistory(context.Background(), topicID)
	if err != nil {
		c.logger.Error("failed to get topic history", zap.String("topic_id", topicID), zap.Error(err))
		return
	}
	for _, msg := range history {
		c.sendMessage(msg)
	}
}

func (c *Client) sendMessage(msg *ws.Message) bool {
	data, err := json.Marshal(msg)
	if err != nil {
		c.logger.Error("failed to marshal message", zap.Error(err))
		return false
	}
	return c.sendBytes(data)
}

func (c *Client) sendBytes(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}

	select {
	case c.send <- data:
		return true
	default:
		c.logger.Warn("client send buffer full")
		return false
	}
}

func (c *Client) sendError(id, action, code, message string, details map[string]interface{}) {
	msg, err := ws.NewError(id, action, code, message, details)
	if err != nil {
		c.logger.Error("failed to create error message", zap.Error(err))
		return
	}
	c.sendMessage(msg)
}

// WritePump pumps messages from the hub to the WebSocket connection.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		if err := c.conn.Close(); err != nil {
			c.logger.Debug("failed to close websocket connection", zap.Error(err))
		}
	}()

	for {
		select {
		case message, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.logger.Debug("failed to set write deadline", zap.Error(err))
			}
			if !ok {
				if err := c.conn.WriteMessage(websocket.CloseMessage, []byte{}); err != nil {
					c.logger.Debug("failed to write close message", zap.Error(err))
				}
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			if _, err := w.Write(message); err != nil {
				c.logger.Debug("failed to write websocket message", zap.Error(err))
				_ = w.Close()
				return
			}

			n := len(c.send)
			for i := 0; i < n; i++ {
				if _, err := w.Write([]byte{'\n'}); err != nil {
					c.logger.Debug("failed to write websocket delimiter", zap.Error(err))
					_ = w.Close()
					return
				}
				if _, err := w.Write(<-c.send); err != nil {
					c.logger.Debug("failed to write queued websocket message", zap.Error(err))
					_ = w.Close()
					return
				}
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.logger.Debug("failed to set write deadline", zap.Error(err))
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
