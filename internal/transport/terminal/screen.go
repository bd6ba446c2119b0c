// Package terminal is the terminal UI transport: a single-topic chat
// screen built on tview, driving the gateway exactly like any other
// transport adapter.
package terminal

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"github.com/kandev/agentgw/internal/approval"
	"github.com/kandev/agentgw/internal/common/logger"
	"github.com/kandev/agentgw/internal/gateway"
	"github.com/kandev/agentgw/internal/stream"
)

// localUserID registers the single interactive operator driving this
// screen; a terminal session has no separate per-connection identity to
// register.
const localUserID = "terminal-local"

// Screen is the chat view: a scrollable transcript, a status line, and an
// input field, wired to one gateway topic.
type Screen struct {
	*tview.Flex

	app        *tview.Application
	outputView *tview.TextView
	statusBar  *tview.TextView
	inputField *tview.InputField

	gw      *gateway.Gateway
	topicID string

	mu              sync.Mutex
	pendingApproval string

	logger *logger.Logger
}

// NewScreen builds a chat Screen bound to topicID.
func NewScreen(app *tview.Application, gw *gateway.Gateway, topicID string, log *logger.Logger) *Screen {
	s := &Screen{
		app:     app,
		gw:      gw,
		topicID: topicID,
		logger:  log.WithFields(),
	}

	s.outputView = tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true).
		SetWordWrap(true).
		SetChangedFunc(func() { app.Draw() })
	s.outputView.SetBorder(false)

	s.statusBar = tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(tview.AlignLeft)
	s.statusBar.SetText("[gray]ready[white]")

	s.inputField = tview.NewInputField().
		SetLabel("[cyan]> [white]").
		SetFieldBackgroundColor(tcell.ColorDefault).
		SetPlaceholder("say something...")
	s.inputField.SetDoneFunc(func(key tcell.Key) {
		if key != tcell.KeyEnter {
			return
		}
		text := s.inputField.GetText()
		if text == "" {
			return
		}
		s.inputField.SetText("")
		s.handleSubmit(text)
	})

	s.Flex = tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(s.outputView, 0, 1, false).
		AddItem(s.statusBar, 1, 0, false).
		AddItem(s.inputField, 1, 0, true)

	s.SetBorder(true).SetTitle(" agentgw ").SetBorderColor(tcell.ColorDarkMagenta)

	return s
}

func (s *Screen) handleSubmit(text string) {
	s.mu.Lock()
	pending := s.pendingApproval
	s.mu.Unlock()

	if pending != "" {
		s.resolveApproval(pending, text)
		return
	}

	s.appendText(fmt.Sprintf("\n[yellow]you:[white] %s\n", text))
	s.setStatus("thinking...")

	ch, err := s.gw.SendMessage(context.Background(), s.topicID, localUserID, text, "")
	if err != nil {
		s.appendText(fmt.Sprintf("\n[red]error: %s[white]\n", err))
		s.setStatus("ready")
		return
	}
	go s.relayStream(ch)
}

func (s *Screen) resolveApproval(approvalID, text string) {
	result := parseApprovalReply(text)
	s.gw.RespondToApproval(approvalID, result)

	s.mu.Lock()
	s.pendingApproval = ""
	s.mu.Unlock()

	s.appendText(fmt.Sprintf("\n[gray]recorded: %s[white]\n", result))
	s.setStatus("thinking...")
}

func (s *Screen) relayStream(ch <-chan stream.Message) {
	for frame := range ch {
		frame := frame
		s.app.QueueUpdateDraw(func() {
			switch {
			case frame.ApprovalRequest != nil:
				s.mu.Lock()
				s.pendingApproval = frame.ApprovalRequest.ApprovalID
				s.mu.Unlock()
				s.appendText(fmt.Sprintf("\n[orange]approval requested for %q — reply yes/no:[white]\n",
					frame.ApprovalRequest.ToolName))
			case frame.UserMessage != "":
				s.appendText("\n" + frame.UserMessage + "\n")
			case frame.Error != nil:
				s.appendText(fmt.Sprintf("\n[red]error: %s[white]\n", frame.Error.Message))
			case frame.Content != "":
				s.appendText(frame.Content)
			}
			if frame.IsComplete {
				s.setStatus("ready")
			}
		})
	}
}

// parseApprovalReply maps a typed reply to an approval result; anything
// that isn't a recognized affirmative counts as a rejection.
func parseApprovalReply(text string) approval.Result {
	switch strings.ToLower(strings.TrimSpace(text)) {
	case "y", "yes", "approve":
		return approval.Approved
	default:
		return approval.Rejected
	}
}

func (s *Screen) appendText(text string) {
	fmt.Fprint(s.outputView, tview.Escape(text))
}

func (s *Screen) setStatus(text string) {
	s.statusBar.SetText("[gray]" + text + "[white]")
}

// Focus returns the primitive that should receive input focus.
func (s *Screen) Focus() tview.Primitive {
	return s.inputField
}
