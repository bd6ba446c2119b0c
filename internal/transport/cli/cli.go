// Package cli is the one-shot CLI transport: it sends a single prompt to a
// topic and prints the response stream to stdout before exiting.
package cli

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kandev/agentgw/internal/approval"
	"github.com/kandev/agentgw/internal/gateway"
	"github.com/kandev/agentgw/internal/stream"
)

// localUserID registers the one-shot invocation; a CLI call has no
// separate per-connection identity to register.
const localUserID = "cli-local"

// Options configures one Run invocation.
type Options struct {
	AgentID       string
	TopicID       string
	ChatID        int64
	ShowReasoning bool
}

// Run starts a session if needed, sends prompt, and streams the response to
// out until the turn completes. Approval requests are auto-rejected, since
// a one-shot invocation has no channel to collect a human decision.
func Run(ctx context.Context, gw *gateway.Gateway, prompt string, opts Options, out io.Writer) error {
	if _, err := gw.StartSession(opts.TopicID, opts.AgentID, opts.ChatID, 0, ""); err != nil {
		return fmt.Errorf("cli: failed to start session: %w", err)
	}

	ch, err := gw.SendMessage(ctx, opts.TopicID, localUserID, prompt, "")
	if err != nil {
		return fmt.Errorf("cli: failed to send message: %w", err)
	}

	for frame := range ch {
		printFrame(out, frame, opts)
		if frame.ApprovalRequest != nil {
			gw.RespondToApproval(frame.ApprovalRequest.ApprovalID, approval.Rejected)
		}
	}
	return nil
}

func printFrame(out io.Writer, frame stream.Message, opts Options) {
	switch {
	case frame.Reasoning != "" && opts.ShowReasoning:
		fmt.Fprintf(out, "[reasoning] %s\n", frame.Reasoning)
	case frame.Content != "":
		fmt.Fprint(out, frame.Content)
	case frame.ApprovalRequest != nil:
		fmt.Fprintf(out, "\n[auto-rejecting approval for tool %q: no interactive channel]\n", frame.ApprovalRequest.ToolName)
	case frame.UserMessage != "":
		fmt.Fprintf(out, "\n%s\n", frame.UserMessage)
	case frame.Error != nil:
		fmt.Fprintf(out, "\n[error] %s\n", frame.Error.Message)
	}
	if frame.IsComplete {
		fmt.Fprintln(out)
	}
}

// NewCommand builds the "ask" subcommand: a one-shot prompt against a
// running gateway instance, exiting once the turn completes.
func NewCommand(gw *gateway.Gateway) *cobra.Command {
	var opts Options
	var topicPrefix string

	cmd := &cobra.Command{
		Use:   "ask [prompt]",
		Short: "Send a single prompt to an agent and print the streamed reply",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.AgentID == "" {
				return fmt.Errorf("cli: --agent is required")
			}
			if opts.TopicID == "" {
				opts.TopicID = fmt.Sprintf("%s:%s:%d", topicPrefix, opts.AgentID, opts.ChatID)
			}
			prompt := strings.Join(args, " ")
			return Run(cmd.Context(), gw, prompt, opts, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&opts.AgentID, "agent", "", "agent ID to send the prompt to")
	cmd.Flags().StringVar(&opts.TopicID, "topic", "", "topic ID to use (defaults to one derived from --topic-prefix, --agent and --chat-id)")
	cmd.Flags().Int64Var(&opts.ChatID, "chat-id", 0, "chat ID recorded against the session")
	cmd.Flags().BoolVar(&opts.ShowReasoning, "show-reasoning", false, "print the agent's reasoning frames alongside its replies")
	cmd.Flags().StringVar(&topicPrefix, "topic-prefix", "cli", "prefix used when deriving a topic ID from --agent/--chat-id")

	return cmd
}
