// Package heartbeat runs each agent's periodic "are you still there"
// check-in turn: a quiet-hours gate, an empty-workspace-file fast path,
// a HEARTBEAT_OK suppression convention, and a same-text duplicate
// suppression window, all ahead of handing the turn to the agent router
// and routing its reply to the resolved delivery target.
//
// Grounded on internal/cron.Scheduler's re-arming timer loop and
// cmd/gateway_cron.go's makeCronJobHandler/deliverCronResult delivery
// pattern — a heartbeat is, at the dispatch level, a cron job with one
// fixed fire reason ("interval") instead of a cron expression.
package heartbeat

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/goclaw/gateway/internal/agent"
	"github.com/goclaw/gateway/internal/bus"
	"github.com/goclaw/gateway/internal/channels"
	"github.com/goclaw/gateway/internal/config"
	"github.com/goclaw/gateway/internal/sessions"
)

// CheckInterval is how often the runner wakes to evaluate every agent's
// heartbeat due-ness. Individual agents fire at most once per their own
// configured Every interval regardless of how often the runner wakes.
const CheckInterval = time.Minute

// DuplicateSuppressionWindow is how long an identical heartbeat body is
// suppressed from re-sending.
const DuplicateSuppressionWindow = 24 * time.Hour

// okToken is the agent's convention for "nothing to report" — a
// heartbeat reply that is exactly this token (after trimming) is
// suppressed rather than delivered, unless the reply carries more than
// AckMaxChars of trailing reasoning content.
const okToken = "HEARTBEAT_OK"

// Runner fires one agent turn per configured agent on its own heartbeat
// interval, applying the ordered skip checks before ever invoking the
// agent.
type Runner struct {
	cfg        *config.Config
	sessionMgr *sessions.Manager
	channelMgr *channels.Manager
	router     *agent.Router
	msgBus     *bus.MessageBus
	agentIDs   []string

	mu      sync.Mutex
	stopped chan struct{}

	// nowFunc is overridable in tests; defaults to time.Now.
	nowFunc func() time.Time
}

// NewRunner builds a heartbeat runner over the given agent IDs (typically
// every key in cfg.Agents.List plus the default agent).
func NewRunner(cfg *config.Config, sessionMgr *sessions.Manager, channelMgr *channels.Manager, router *agent.Router, msgBus *bus.MessageBus, agentIDs []string) *Runner {
	return &Runner{
		cfg:        cfg,
		sessionMgr: sessionMgr,
		channelMgr: channelMgr,
		router:     router,
		msgBus:     msgBus,
		agentIDs:   agentIDs,
		stopped:    make(chan struct{}),
		nowFunc:    time.Now,
	}
}

// Start launches the check loop in the background until ctx is canceled
// or Stop is called.
func (r *Runner) Start(ctx context.Context) {
	go r.loop(ctx)
}

// Stop ends the check loop.
func (r *Runner) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	select {
	case <-r.stopped:
	default:
		close(r.stopped)
	}
}

func (r *Runner) loop(ctx context.Context) {
	ticker := time.NewTicker(CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopped:
			return
		case <-ticker.C:
			for _, id := range r.agentIDs {
				r.tick(ctx, id)
			}
		}
	}
}

// tick evaluates one agent's heartbeat due-ness and, if due, runs it. The
// checks run in spec order: disabled → not-due → quiet-hours →
// empty-heartbeat-file → HEARTBEAT_OK suppression → duplicate suppression.
func (r *Runner) tick(ctx context.Context, agentID string) {
	defaults := r.cfg.ResolveAgent(agentID)
	hb := defaults.Heartbeat
	if hb == nil {
		return
	}
	everyStr := hb.Every
	if everyStr == "" {
		everyStr = "30m"
	}
	every, err := time.ParseDuration(everyStr)
	if err != nil || every <= 0 {
		return // "0m" or unparsable means disabled
	}

	sessionKey := r.resolveSessionKey(agentID, hb)
	now := r.nowFunc()

	if lastText, lastSentMs := r.sessionMgr.HeartbeatInfo(sessionKey); lastSentMs > 0 {
		lastSent := time.UnixMilli(lastSentMs)
		if now.Sub(lastSent) < every {
			return
		}
		_ = lastText
	}

	if hb.ActiveHours != nil && !withinActiveHours(*hb.ActiveHours, now) {
		slog.Debug("heartbeat skipped: quiet hours", "agent", agentID)
		return
	}

	if r.isEmptyHeartbeatFile(defaults) {
		slog.Debug("heartbeat skipped: empty heartbeat file", "agent", agentID)
		return
	}

	target, ok := r.resolveDeliveryTarget(agentID, sessionKey, hb)
	if !ok && hb.Target != "none" {
		slog.Debug("heartbeat skipped: no delivery target resolved", "agent", agentID)
		return
	}

	prompt := hb.Prompt
	if prompt == "" {
		prompt = "Heartbeat check-in: report anything worth surfacing, or reply exactly \"" + okToken + "\" if there is nothing to report."
	}

	runID := fmt.Sprintf("heartbeat:%s:%d", agentID, now.UnixNano())
	result, err := r.router.Run(ctx, agentID, agent.RunRequest{
		SessionKey: sessionKey,
		Message:    prompt,
		RunID:      runID,
		Stream:     false,
		TraceTags:  []string{"heartbeat", agentID},
	})
	if err != nil {
		slog.Error("heartbeat run failed", "agent", agentID, "error", err)
		return
	}

	content := strings.TrimSpace(result.Content)
	ackMax := hb.AckMaxChars
	if ackMax <= 0 {
		ackMax = 300
	}
	if content == okToken || (strings.HasPrefix(content, okToken) && len(content) <= len(okToken)+ackMax) {
		slog.Debug("heartbeat suppressed: HEARTBEAT_OK", "agent", agentID)
		return
	}

	if lastText, lastSentMs := r.sessionMgr.HeartbeatInfo(sessionKey); lastSentMs > 0 && lastText == content {
		if now.Sub(time.UnixMilli(lastSentMs)) < DuplicateSuppressionWindow {
			slog.Debug("heartbeat suppressed: duplicate within 24h", "agent", agentID)
			return
		}
	}

	if hb.Target != "none" && ok {
		r.msgBus.PublishOutbound(bus.OutboundMessage{
			Channel: target.Channel,
			ChatID:  target.ChatID,
			Content: content,
		})
	}

	r.sessionMgr.RecordHeartbeat(sessionKey, content, now.UnixMilli())
}

func (r *Runner) resolveSessionKey(agentID string, hb *config.HeartbeatConfig) string {
	if hb.Session != "" && hb.Session != "main" {
		return hb.Session
	}
	return sessions.BuildAgentMainSessionKey(agentID, r.cfg.Sessions.MainKey)
}

// deliveryTarget names where a heartbeat's reply should be routed.
type deliveryTarget struct {
	Channel string
	ChatID  string
}

// resolveDeliveryTarget implements resolveHeartbeatDeliveryTarget: an
// explicit target always wins; "last" consults the session's last known
// outbound route (skipping webchat, which has no durable destination to
// re-open); "none" always honors silence. Explicit targets must name a
// channel the manager has registered and pass that channel's allowlist.
func (r *Runner) resolveDeliveryTarget(agentID, sessionKey string, hb *config.HeartbeatConfig) (deliveryTarget, bool) {
	if hb.Target == "none" {
		return deliveryTarget{}, false
	}

	if hb.Target != "" && hb.Target != "last" {
		chatID := hb.To
		if chatID == "" {
			return deliveryTarget{}, false
		}
		chatID = normalizeForChannel(hb.Target, chatID)
		if !r.allowed(hb.Target, chatID) {
			return deliveryTarget{}, false
		}
		return deliveryTarget{Channel: hb.Target, ChatID: chatID}, true
	}

	// target == "last" (default).
	channel, _, to, _, has := r.sessionMgr.LastRoute(sessionKey)
	if !has || channel == "" || channel == "webchat" {
		return deliveryTarget{}, false
	}
	if hb.To != "" {
		to = hb.To
	}
	to = normalizeForChannel(channel, to)
	if !r.allowed(channel, to) {
		return deliveryTarget{}, false
	}
	return deliveryTarget{Channel: channel, ChatID: to}, true
}

func (r *Runner) allowed(channelName, chatID string) bool {
	ch, ok := r.channelMgr.GetChannel(channelName)
	if !ok {
		return false
	}
	return ch.IsAllowed(chatID)
}

// normalizeForChannel applies per-channel chat-ID quirks to an explicit
// or last-route heartbeat target: Telegram's "chatId:topicId" form keeps
// only the chat ID (a heartbeat isn't scoped to one forum topic), and
// WhatsApp JIDs are lowercased and stripped of a "whatsapp:" prefix to
// match the form the adapter expects.
func normalizeForChannel(channel, chatID string) string {
	switch channel {
	case "telegram":
		if idx := strings.Index(chatID, ":"); idx >= 0 {
			return chatID[:idx]
		}
	case "whatsapp":
		chatID = strings.ToLower(chatID)
		chatID = strings.TrimPrefix(chatID, "whatsapp:")
	}
	return chatID
}

// withinActiveHours reports whether now falls inside the configured
// [Start, End) window in the configured (or local) timezone. A window
// that wraps past midnight (End <= Start) is treated as spanning to the
// next day.
func withinActiveHours(hours config.ActiveHoursConfig, now time.Time) bool {
	if hours.Start == "" || hours.End == "" {
		return true
	}
	loc := time.Local
	if hours.Timezone != "" {
		if l, err := time.LoadLocation(hours.Timezone); err == nil {
			loc = l
		}
	}
	local := now.In(loc)
	startMin, okStart := parseClock(hours.Start)
	endMin, okEnd := parseClock(hours.End)
	if !okStart || !okEnd {
		return true
	}
	nowMin := local.Hour()*60 + local.Minute()

	if endMin <= startMin {
		return nowMin >= startMin || nowMin < endMin
	}
	return nowMin >= startMin && nowMin < endMin
}

func parseClock(hhmm string) (int, bool) {
	var h, m int
	if _, err := fmt.Sscanf(hhmm, "%d:%d", &h, &m); err != nil {
		return 0, false
	}
	return h*60 + m, true
}

// isEmptyHeartbeatFile implements the "reason=interval AND empty
// HEARTBEAT.md AND no pending tagged events" fast path: when the
// workspace carries a HEARTBEAT.md and it is empty or whitespace-only,
// there is nothing queued worth waking the agent for.
func (r *Runner) isEmptyHeartbeatFile(defaults config.AgentDefaults) bool {
	if defaults.Workspace == "" {
		return false
	}
	path := filepath.Join(config.ExpandHome(defaults.Workspace), "HEARTBEAT.md")
	data, err := os.ReadFile(path)
	if err != nil {
		// Missing file: nothing queued either, same fast path applies.
		return os.IsNotExist(err)
	}
	return strings.TrimSpace(string(data)) == ""
}
