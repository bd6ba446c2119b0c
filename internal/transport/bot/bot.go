// Package bot is the messaging-app transport: it polls a Telegram bot for
// updates, maps each chat to a gateway topic, and streams agent responses
// back as chat messages.
package bot

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/kandev/agentgw/internal/approval"
	"github.com/kandev/agentgw/internal/common/logger"
	"github.com/kandev/agentgw/internal/gateway"
	"github.com/kandev/agentgw/internal/stream"
)

// Config holds the bot transport's tunables.
type Config struct {
	Token   string
	AgentID string
}

// Bot polls Telegram for updates and drives the gateway on behalf of chat
// users.
type Bot struct {
	api    *tgbotapi.BotAPI
	gw     *gateway.Gateway
	cfg    Config
	logger *logger.Logger
}

// New creates a Bot bound to the given Telegram token and gateway.
func New(cfg Config, gw *gateway.Gateway, log *logger.Logger) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("bot: failed to create telegram client: %w", err)
	}
	return &Bot{
		api:    api,
		gw:     gw,
		cfg:    cfg,
		logger: log.WithFields(zap.String("component", "bot_transport")),
	}, nil
}

// Run polls for updates until ctx is cancelled.
func (b *Bot) Run(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30

	updates := b.api.GetUpdatesChan(u)
	b.logger.Info("bot transport started", zap.String("bot_user", b.api.Self.UserName))

	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			if update.Message == nil || update.Message.Text == "" {
				continue
			}
			go b.handleMessage(ctx, update.Message)
		}
	}
}

func (b *Bot) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	chatID := msg.Chat.ID
	threadID := int64(msg.MessageThreadID)

	if approvalID, approved, ok := parseApprovalCommand(msg.Text); ok {
		b.handleApprovalCommand(chatID, approvalID, approved)
		return
	}

	topicID, ok := b.gw.GetTopicIDByChatID(chatID)
	if !ok {
		topicID = fmt.Sprintf("tg:%d:%d", chatID, threadID)
		if _, err := b.gw.StartSession(topicID, b.cfg.AgentID, chatID, threadID, ""); err != nil {
			b.logger.WithError(err).Error("failed to start session", zap.Int64("chat_id", chatID))
			b.send(chatID, "Sorry, this chat isn't wired to an agent yet.")
			return
		}
	}

	ch, err := b.gw.SendMessage(ctx, topicID, telegramUserID(msg), msg.Text, "")
	if err != nil {
		b.logger.WithError(err).Error("failed to enqueue prompt", zap.String("topic_id", topicID))
		b.send(chatID, "Something went wrong handling your message.")
		return
	}

	b.relayStream(chatID, ch)
}

// relayStream accumulates text chunks and flushes them as chat messages,
// since Telegram has no low-latency token-streaming API of its own.
func (b *Bot) relayStream(chatID int64, ch <-chan stream.Message) {
	var builder strings.Builder

	for frame := range ch {
		switch {
		case frame.ApprovalRequest != nil:
			b.send(chatID, fmt.Sprintf("Approval needed for tool %q. Reply /approve %s or /reject %s.",
				frame.ApprovalRequest.ToolName, frame.ApprovalRequest.ApprovalID, frame.ApprovalRequest.ApprovalID))
		case frame.UserMessage != "":
			b.send(chatID, frame.UserMessage)
		case frame.Error != nil:
			b.send(chatID, "Error: "+frame.Error.Message)
		case frame.Content != "":
			builder.WriteString(frame.Content)
		}

		if frame.IsComplete && builder.Len() > 0 {
			b.send(chatID, builder.String())
			builder.Reset()
		}
	}

	if builder.Len() > 0 {
		b.send(chatID, builder.String())
	}
}

// telegramUserID derives the gateway-facing registered user id from a chat
// message: the sender's Telegram id, or the chat id for channel posts with
// no From.
func telegramUserID(msg *tgbotapi.Message) string {
	if msg.From != nil {
		return strconv.FormatInt(msg.From.ID, 10)
	}
	return strconv.FormatInt(msg.Chat.ID, 10)
}

func parseApprovalCommand(text string) (approvalID string, approved bool, ok bool) {
	fields := strings.Fields(text)
	if len(fields) != 2 {
		return "", false, false
	}
	switch fields[0] {
	case "/approve":
		return fields[1], true, true
	case "/reject":
		return fields[1], false, true
	default:
		return "", false, false
	}
}

func (b *Bot) handleApprovalCommand(chatID int64, approvalID string, approved bool) {
	result := approval.Rejected
	if approved {
		result = approval.Approved
	}
	if !b.gw.RespondToApproval(approvalID, result) {
		b.send(chatID, "That approval is no longer pending.")
		return
	}
	b.send(chatID, "Recorded.")
}

func (b *Bot) send(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	if _, err := b.api.Send(msg); err != nil {
		b.logger.WithError(err).Warn("failed to send telegram message", zap.Int64("chat_id", chatID))
	}
}
