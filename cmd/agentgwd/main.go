// Command agentgwd runs the agent gateway daemon: the orchestrator plus its
// websocket and bot transports, behind one process with graceful shutdown.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/kandev/agentgw/internal/approval"
	appconfig "github.com/kandev/agentgw/internal/common/config"
	"github.com/kandev/agentgw/internal/common/logger"
	"github.com/kandev/agentgw/internal/events/bus"
	"github.com/kandev/agentgw/internal/gateway"
	"github.com/kandev/agentgw/internal/gateway/gatewaytest"
	"github.com/kandev/agentgw/internal/notify"
	"github.com/kandev/agentgw/internal/stream"
	"github.com/kandev/agentgw/internal/transport/bot"
	wstransport "github.com/kandev/agentgw/internal/transport/ws"
	ws "github.com/kandev/agentgw/pkg/websocket"
)

var rootCmd = &cobra.Command{
	Use:   "agentgwd",
	Short: "Agent gateway daemon: websocket + bot transports over one orchestrator core",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if !isRunningAsSystemdService() {
			_ = godotenv.Load()
		}
		return nil
	},
	RunE: runDaemon,
}

func init() {
	rootCmd.Flags().String("config", "", "path to a directory containing config.yaml")
	_ = viper.BindPFlag("configPath", rootCmd.Flags().Lookup("config"))
}

func isRunningAsSystemdService() bool {
	return os.Getenv("INVOCATION_ID") != "" || os.Getenv("WATCHDOG_USEC") != ""
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := appconfig.LoadWithPath(viper.GetString("configPath"))
	if err != nil {
		return fmt.Errorf("agentgwd: failed to load config: %w", err)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		return fmt.Errorf("agentgwd: failed to init logger: %w", err)
	}
	logger.SetDefault(log)
	defer log.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eventBus, busSender, err := setupEventBus(cfg.Events, log)
	if err != nil {
		return fmt.Errorf("agentgwd: failed to init event bus: %w", err)
	}
	defer eventBus.Close()

	dispatcher := ws.NewDispatcher()
	hub := wstransport.NewHub(dispatcher, log)

	var sender notify.Sender = hub
	if busSender != nil {
		sender = busSender
	}

	history := gatewaytest.NewStore()
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

	// A real deployment plugs a concrete AgentWorker here (Docker/MCP/ACP
	// runtime); none ships with this module, so the dispatch loop idles
	// until ctx is cancelled.
	gw := gateway.New(gwCfg, nil, history, sender, log)
	defer gw.Close()

	hub.SetGateway(gw)
	hub.SetTopicHistoryProvider(wstransport.NewTopicHistoryProvider(gw))
	handler := wstransport.NewHandler(hub, log)
	wstransport.RegisterGatewayHandlers(dispatcher, gw, log)

	if busSender != nil {
		if err := busSender.Relay(hub); err != nil {
			log.WithError(err).Warn("failed to relay bus notifications into local hub")
		}
	}

	go gw.Run(ctx)
	go hub.Run(ctx)

	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/ws", handler.HandleConnection)
	router.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusOK) })

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	var telegramBot *bot.Bot
	if cfg.Bot.Token != "" {
		telegramBot, err = bot.New(bot.Config{Token: cfg.Bot.Token, AgentID: cfg.Bot.AgentID}, gw, log)
		if err != nil {
			log.WithError(err).Error("failed to start bot transport, continuing without it")
		} else {
			go telegramBot.Run(ctx)
		}
	}

	go func() {
		log.Info("agentgwd listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("http server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.WriteTimeoutDuration())
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
	cancel()

	return nil
}

func setupEventBus(cfg appconfig.EventsConfig, log *logger.Logger) (bus.EventBus, *notify.BusSender, error) {
	if cfg.NATSURL == "" {
		return bus.NewMemoryEventBus(log), nil, nil
	}
	natsBus, err := bus.NewNATSEventBus(appconfig.NATSConfig{
		URL:           cfg.NATSURL,
		ClientID:      cfg.ClientID,
		MaxReconnects: cfg.MaxReconnects,
	}, log)
	if err != nil {
		return nil, nil, err
	}
	return natsBus, notify.NewBusSender(natsBus, cfg.Namespace, log), nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
