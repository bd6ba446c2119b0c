package terminal

import (
	"github.com/rivo/tview"

	"github.com/kandev/agentgw/internal/common/logger"
	"github.com/kandev/agentgw/internal/gateway"
)

// Run starts a terminal chat session bound to topicID and blocks until the
// user quits.
func Run(gw *gateway.Gateway, topicID string, log *logger.Logger) error {
	app := tview.NewApplication()
	screen := NewScreen(app, gw, topicID, log)
	app.SetRoot(screen, true).SetFocus(screen.Focus())
	return app.Run()
}
