// Command agentgw is the one-shot CLI: it wires an in-process gateway and
// sends a single prompt, printing the streamed reply before exiting.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/kandev/agentgw/internal/approval"
	appconfig "github.com/kandev/agentgw/internal/common/config"
	"github.com/kandev/agentgw/internal/common/logger"
	"github.com/kandev/agentgw/internal/gateway"
	"github.com/kandev/agentgw/internal/gateway/gatewaytest"
	"github.com/kandev/agentgw/internal/stream"
	"github.com/kandev/agentgw/internal/transport/cli"
)

func isRunningAsSystemdService() bool {
	return os.Getenv("INVOCATION_ID") != "" || os.Getenv("WATCHDOG_USEC") != ""
}

func main() {
	if !isRunningAsSystemdService() {
		_ = godotenv.Load()
	}

	cfg, err := appconfig.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "agentgw:", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: "stderr",
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "agentgw:", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gwCfg := gateway.Config{
		Stream: stream.Config{
			BufferSize:      cfg.Stream.BufferSize,
			SubscriberQueue: cfg.Stream.SubscriberQueue,
			GraceWindow:     cfg.Stream.GraceWindow(),
		},
		Approval: approval.Config{
			Timeout: cfg.Approval.Timeout(),
		},
	}

	// This binary has no network transport, so notifications have nowhere
	// to fan out to; a no-op Sender keeps the orchestrator happy.
	gw := gateway.New(gwCfg, nil, gatewaytest.NewStore(), noopSender{}, log)
	defer gw.Close()

	go gw.Run(ctx)

	cmd := cli.NewCommand(gw)
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "agentgw:", err)
		os.Exit(1)
	}
}

type noopSender struct{}

func (noopSender) SendAll(method string, payload any)                {}
func (noopSender) SendToGroup(groupSlug, method string, payload any) {}
