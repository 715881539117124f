package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/goclaw/gateway/internal/access"
	"github.com/goclaw/gateway/internal/agent"
	"github.com/goclaw/gateway/internal/bus"
	"github.com/goclaw/gateway/internal/channels"
	"github.com/goclaw/gateway/internal/config"
	"github.com/goclaw/gateway/internal/routing"
	"github.com/goclaw/gateway/internal/scheduler"
	"github.com/goclaw/gateway/internal/sessions"
)

// consumer drains the inbound bus, applies dedupe/debounce and access
// control, routes the message to an agent, and publishes its reply to the
// outbound bus for the channel manager's dispatcher to deliver.
type consumer struct {
	cfg        *config.Config
	msgBus     *bus.MessageBus
	channelMgr *channels.Manager
	router     *agent.Router
	sched      *scheduler.Scheduler

	dedupe    *bus.DedupeCache
	debouncer *bus.InboundDebouncer
}

// newConsumer wires the dedupe cache and inbound debouncer ahead of the
// agent pipeline. Dedupe window and capacity are fixed defaults; the
// debounce window follows the gateway's inbound_debounce_ms config field.
// Access control is not one of this consumer's concerns — see handleMessage.
func newConsumer(cfg *config.Config, msgBus *bus.MessageBus, channelMgr *channels.Manager, router *agent.Router, sched *scheduler.Scheduler) *consumer {
	c := &consumer{
		cfg:        cfg,
		msgBus:     msgBus,
		channelMgr: channelMgr,
		router:     router,
		sched:      sched,
		dedupe:     bus.NewDedupeCache(20*time.Minute, 5000),
	}

	window := 500 * time.Millisecond
	switch {
	case cfg.Gateway.InboundDebounceMs < 0:
		window = 0
	case cfg.Gateway.InboundDebounceMs > 0:
		window = time.Duration(cfg.Gateway.InboundDebounceMs) * time.Millisecond
	}
	c.debouncer = bus.NewInboundDebouncer(window, c.handleMessage)
	return c
}

// run drains the inbound bus until ctx is canceled.
func (c *consumer) run(ctx context.Context) {
	for {
		msg, ok := c.msgBus.ConsumeInbound(ctx)
		if !ok {
			return
		}
		c.ingest(msg)
	}
}

// ingest applies duplicate suppression, then feeds msg through the
// debouncer — bypassing the debounce window for recognized control
// commands, which must never be delayed or merged with surrounding chatter.
func (c *consumer) ingest(msg bus.InboundMessage) {
	dedupeKey := fmt.Sprintf("%s:%s:%s:%s", msg.Channel, msg.ChatID, msg.SenderID, msg.Content)
	if c.dedupe.Seen(dedupeKey) {
		return
	}

	gate := access.ResolveControlCommandGate(msg.Content, msg.SenderID, c.cfg.Gateway.OwnerIDs)
	debounceKey := msg.Channel + ":" + msg.ChatID
	c.debouncer.Add(debounceKey, msg, gate.CommandAuthorized || gate.ShouldBlock)
}

// handleMessage resolves the target agent for msg and runs it through the
// agent router, publishing the reply to the outbound bus.
//
// Access control (pairing/allowlist/disabled policy, mention gating) is
// resolved exactly once, at the channel layer, before a message is ever
// published to the inbound bus — each channel adapter calls
// internal/access.ResolveDMGroupAccessDecision itself (see
// BaseChannel.ResolveDMAccess/ResolveGroupAccess) and handles its own
// pairing-reply side effect. A message reaching here has therefore already
// been allowed through; re-deciding access against a second, independently
// configured policy (cfg.Access) would risk drifting from the channel's own
// decision and double-firing pairing prompts, so it is deliberately not
// repeated here.
func (c *consumer) handleMessage(msg bus.InboundMessage) {
	ctx := context.Background()

	agentID := routing.ResolveAgentRoute(bindingRules(c.cfg.Bindings), msg.Channel, msg.PeerKind, msg.ChatID, c.cfg.ResolveDefaultAgentID())

	peerKind := sessions.PeerKindFromGroup(msg.PeerKind == string(sessions.PeerGroup))
	sessionKey := sessions.BuildScopedSessionKey(agentID, msg.Channel, peerKind, msg.ChatID,
		c.cfg.Sessions.Scope, c.cfg.Sessions.DmScope, c.cfg.Sessions.MainKey)

	runID := fmt.Sprintf("%s:%s:%d", msg.Channel, msg.ChatID, time.Now().UnixNano())
	streaming := c.channelMgr.IsStreamingChannel(msg.Channel)
	if streaming {
		c.channelMgr.RegisterRun(runID, msg.Channel, msg.ChatID, 0)
		defer c.channelMgr.UnregisterRun(runID)
	}

	req := agent.RunRequest{
		SessionKey: sessionKey,
		Message:    msg.Content,
		Media:      msg.Media,
		Channel:    msg.Channel,
		ChatID:     msg.ChatID,
		PeerKind:   string(peerKind),
		RunID:      runID,
		SenderID:   msg.SenderID,
		Stream:     streaming,
	}

	runFn := func(ctx context.Context, req agent.RunRequest) (*agent.RunResult, error) {
		return c.router.Run(ctx, agentID, req)
	}

	result, err := scheduler.Schedule(ctx, c.sched, scheduler.LaneMain, req, runFn)
	if err != nil {
		slog.Error("agent run failed", "channel", msg.Channel, "chat_id", msg.ChatID, "error", err)
		return
	}

	c.publishReply(msg, result)
}

// publishReply pushes an agent's reply content and media onto the outbound
// bus, skipping entirely on a recognized silent-reply token (the agent's
// way of saying nothing should be sent for this turn).
func (c *consumer) publishReply(msg bus.InboundMessage, result *agent.RunResult) {
	if agent.IsSilentReply(result.Content) && len(result.Media) == 0 {
		return
	}

	out := bus.OutboundMessage{
		Channel: msg.Channel,
		ChatID:  msg.ChatID,
		Content: result.Content,
	}
	for _, m := range result.Media {
		out.Media = append(out.Media, bus.MediaAttachment{
			URL:         m.Path,
			ContentType: m.ContentType,
		})
	}
	c.msgBus.PublishOutbound(out)
}

// bindingRules converts the config's agent bindings into routing rules.
func bindingRules(bindings []config.AgentBinding) []routing.Rule {
	rules := make([]routing.Rule, 0, len(bindings))
	for _, b := range bindings {
		r := routing.Rule{Channel: b.Match.Channel, AgentID: b.AgentID}
		if b.Match.Peer != nil {
			r.PeerKind = b.Match.Peer.Kind
			r.ChatID = b.Match.Peer.ID
		}
		rules = append(rules, r)
	}
	return rules
}
