package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/goclaw/gateway/internal/agent"
	"github.com/goclaw/gateway/internal/bus"
	"github.com/goclaw/gateway/internal/channels"
	"github.com/goclaw/gateway/internal/channels/discord"
	"github.com/goclaw/gateway/internal/channels/feishu"
	"github.com/goclaw/gateway/internal/channels/telegram"
	"github.com/goclaw/gateway/internal/channels/whatsapp"
	"github.com/goclaw/gateway/internal/channels/zalo"
	"github.com/goclaw/gateway/internal/config"
	"github.com/goclaw/gateway/internal/cron"
	"github.com/goclaw/gateway/internal/delivery"
	"github.com/goclaw/gateway/internal/heartbeat"
	"github.com/goclaw/gateway/internal/pairing"
	"github.com/goclaw/gateway/internal/providers"
	"github.com/goclaw/gateway/internal/scheduler"
	"github.com/goclaw/gateway/internal/sessions"
	"github.com/goclaw/gateway/pkg/protocol"
)

func runGateway() {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	if !cfg.HasAnyProvider() {
		slog.Warn("no AI provider API key configured — set one via config.json or environment variables before pairing a channel")
	}

	slog.Info("starting goclaw", "version", Version, "protocol", protocol.ProtocolVersion)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	msgBus := bus.NewMessageBus(256, 256)

	providerRegistry := providers.NewRegistry()
	providers.RegisterFromConfig(providerRegistry, cfg.Providers)

	sessionMgr := sessions.NewManager(config.ExpandHome(cfg.Sessions.Storage))

	pairingPath := config.ExpandHome(sessions.ResolveStorePath("~/.goclaw/pairing.json", ""))
	pairingSvc := pairing.NewStore(pairingPath)

	lanes := scheduler.New()

	agentRouter := agent.NewRouter(func(agentID string) (agent.Agent, error) {
		defaults := cfg.ResolveAgent(agentID)
		provider, err := providerRegistry.Get(defaults.Provider)
		if err != nil {
			return nil, err
		}
		return agent.NewLoop(agentID, agent.LoopConfig{
			Model:       defaults.Model,
			MaxTokens:   defaults.MaxTokens,
			Temperature: defaults.Temperature,
		}, provider, sessionMgr, msgBus), nil
	})

	deliveryQueue, err := delivery.NewQueue(config.ExpandHome(cfg.Delivery.ResolveQueueDir("~/.goclaw/delivery-queue")))
	if err != nil {
		slog.Error("failed to open delivery queue", "error", err)
		os.Exit(1)
	}
	deliveryEngine := delivery.NewEngine(deliveryQueue, delivery.NewPendingOutboundTracker(), msgBus)

	channelMgr := channels.NewManager(msgBus, deliveryEngine)
	registerChannels(channelMgr, cfg, msgBus, pairingSvc)

	cronPath := config.ExpandHome(sessions.ResolveStorePath("~/.goclaw/cron.json", ""))
	cronStore, err := cron.NewStore(cronPath)
	if err != nil {
		slog.Error("failed to open cron store", "error", err)
		os.Exit(1)
	}
	cronJobRunner := makeCronJobHandler(agentRouter, msgBus, cfg)
	cronSched := cron.NewScheduler(cronStore, lanes, cronJobRunner, slog.Default())

	heartbeatRunner := heartbeat.NewRunner(cfg, sessionMgr, channelMgr, agentRouter, msgBus, agentIDs(cfg))

	msgBus.Subscribe("channel-streaming", func(event bus.Event) {
		if event.Name != protocol.EventAgent {
			return
		}
		agentEvent, ok := event.Payload.(agent.AgentEvent)
		if !ok {
			return
		}
		channelMgr.HandleAgentEvent(agentEvent.Type, agentEvent.RunID, agentEvent.Payload)
	})

	if err := channelMgr.StartAll(ctx); err != nil {
		slog.Error("failed to start channels", "error", err)
		os.Exit(1)
	}

	// Replay any outbound deliveries that were write-ahead queued but never
	// confirmed sent before the last shutdown/crash.
	recoverCtx, recoverCancel := context.WithTimeout(ctx, 2*time.Minute)
	deliveryEngine.Recover(recoverCtx, channelMgr.ResolveAdapter, 2*time.Minute)
	recoverCancel()

	if err := cronSched.Start(ctx); err != nil {
		slog.Error("failed to start cron scheduler", "error", err)
		os.Exit(1)
	}

	heartbeatRunner.Start(ctx)

	inboundConsumer := newConsumer(cfg, msgBus, channelMgr, agentRouter, lanes)
	go inboundConsumer.run(ctx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	slog.Info("goclaw is running", "channels", channelMgr.GetEnabledChannels())

	sig := <-sigCh
	slog.Info("graceful shutdown initiated", "signal", sig)

	msgBus.Broadcast(bus.Event{Name: protocol.EventShutdown})

	cancel()
	cronSched.Stop()
	heartbeatRunner.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := channelMgr.StopAll(shutdownCtx); err != nil {
		slog.Error("error stopping channels", "error", err)
	}

	slog.Info("goclaw stopped")
}

// agentIDs lists every agent the heartbeat runner should evaluate: every
// explicitly configured agent plus the resolved default, deduplicated.
func agentIDs(cfg *config.Config) []string {
	seen := map[string]bool{cfg.ResolveDefaultAgentID(): true}
	ids := []string{cfg.ResolveDefaultAgentID()}
	for id := range cfg.Agents.List {
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	return ids
}

// registerChannels constructs and registers every configured-and-enabled
// channel adapter. Each adapter shares the same (cfg, msgBus, pairingSvc)
// constructor shape, so a failure to build one is logged and skipped rather
// than aborting startup — the rest of the gateway still comes up.
func registerChannels(mgr *channels.Manager, cfg *config.Config, msgBus *bus.MessageBus, pairingSvc *pairing.Store) {
	if cfg.Channels.Telegram.Enabled {
		ch, err := telegram.New(cfg.Channels.Telegram, msgBus, pairingSvc)
		if err != nil {
			slog.Error("failed to init telegram channel", "error", err)
		} else {
			mgr.RegisterChannel("telegram", ch)
		}
	}
	if cfg.Channels.Discord.Enabled {
		ch, err := discord.New(cfg.Channels.Discord, msgBus, pairingSvc)
		if err != nil {
			slog.Error("failed to init discord channel", "error", err)
		} else {
			mgr.RegisterChannel("discord", ch)
		}
	}
	if cfg.Channels.WhatsApp.Enabled {
		ch, err := whatsapp.New(cfg.Channels.WhatsApp, msgBus, pairingSvc)
		if err != nil {
			slog.Error("failed to init whatsapp channel", "error", err)
		} else {
			mgr.RegisterChannel("whatsapp", ch)
		}
	}
	if cfg.Channels.Zalo.Enabled {
		ch, err := zalo.New(cfg.Channels.Zalo, msgBus, pairingSvc)
		if err != nil {
			slog.Error("failed to init zalo channel", "error", err)
		} else {
			mgr.RegisterChannel("zalo", ch)
		}
	}
	if cfg.Channels.Feishu.Enabled {
		ch, err := feishu.New(cfg.Channels.Feishu, msgBus, pairingSvc)
		if err != nil {
			slog.Error("failed to init feishu channel", "error", err)
		} else {
			mgr.RegisterChannel("feishu", ch)
		}
	}
}
