package websocket

import (
	"github.com/gin-gonic/gin"

	"github.com/kandev/agentgw/internal/common/logger"
	"github.com/kandev/agentgw/internal/gateway"
	ws "github.com/kandev/agentgw/pkg/websocket"
)

// Gateway is the unified WebSocket transport: a Hub, a message Dispatcher,
// and the HTTP-upgrade Handler, all bound to one orchestrator.Gateway.
type Gateway struct {
	Hub        *Hub
	Dispatcher *ws.Dispatcher
	Handler    *Handler
	logger     *logger.Logger
}

// NewGateway creates a new WebSocket transport wired to the given
// orchestrator.
func NewGateway(gw *gateway.Gateway, log *logger.Logger) *Gateway {
	dispatcher := ws.NewDispatcher()
	hub := NewHub(dispatcher, log)
	hub.SetGateway(gw)
	hub.SetTopicHistoryProvider(NewTopicHistoryProvider(gw))
	handler := NewHandler(hub, log)

	RegisterGatewayHandlers(dispatcher, gw, log)

	return &Gateway{
		Hub:        hub,
		Dispatcher: dispatcher,
		Handler:    handler,
		logger:     log,
	}
}

// SetupRoutes adds the WebSocket route to the Gin engine.
func (g *Gateway) SetupRoutes(router *gin.Engine) {
	router.GET("/ws", g.Handler.HandleConnection)
}
