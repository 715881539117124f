// Package routing resolves which agent and which session a given inbound
// message belongs to (spec §4.7), and enforces cross-context policy when
// an agent turn wants to address a different channel/chat than the one it
// was invoked from.
package routing

import (
	"fmt"
	"strings"

	"github.com/goclaw/gateway/internal/sessions"
)

// Rule is one explicit agent-binding rule (config-driven), matched in
// order before falling back to the default agent.
type Rule struct {
	Channel  string // empty = any
	PeerKind string // empty = any; "direct" | "group"
	ChatID   string // empty = any
	AgentID  string
}

// ResolveAgentRoute picks the agent ID for an inbound message: the first
// matching explicit rule, else defaultAgentID.
func ResolveAgentRoute(rules []Rule, channel, peerKind, chatID, defaultAgentID string) string {
	for _, r := range rules {
		if r.Channel != "" && r.Channel != channel {
			continue
		}
		if r.PeerKind != "" && r.PeerKind != peerKind {
			continue
		}
		if r.ChatID != "" && r.ChatID != chatID {
			continue
		}
		return r.AgentID
	}
	return defaultAgentID
}

// SessionRouteInput bundles what ResolveOutboundSessionRoute needs to
// normalize a channel-specific scope into the session-key algebra's
// canonical chatID, applying each channel's own routing quirks.
type SessionRouteInput struct {
	Channel  string
	ChatID   string
	PeerKind sessions.PeerKind

	// Slack: thread_ts for thread-scoped replies; IsMpim flips a multi-
	// person DM into a group-scoped session ("mpim promotion").
	SlackThreadTS string
	SlackIsMpim   bool

	// Telegram: forum topic ID, folded into the :topic: suffix.
	TelegramTopicID int

	// BlueBubbles: raw chat_guid, normalized to lowercase with its
	// "iMessage;-;" / "iMessage;+;" service prefix stripped.
	BlueBubblesChatGuid string
}

// ResolveOutboundSessionRoute normalizes a channel's addressing quirks into
// the (channel, peerKind, chatID) triad the session-key algebra expects.
func ResolveOutboundSessionRoute(in SessionRouteInput) (channel string, peerKind sessions.PeerKind, chatID string) {
	channel = in.Channel
	peerKind = in.PeerKind
	chatID = in.ChatID

	switch in.Channel {
	case "slack":
		if in.SlackIsMpim {
			// mpim promotion: a multi-person DM behaves like a group.
			peerKind = sessions.PeerGroup
		}
		if in.SlackThreadTS != "" {
			chatID = fmt.Sprintf("%s:thread:%s", chatID, in.SlackThreadTS)
		}
	case "telegram":
		if in.TelegramTopicID != 0 {
			chatID = fmt.Sprintf("%s:topic:%d", chatID, in.TelegramTopicID)
		}
	case "bluebubbles":
		if in.BlueBubblesChatGuid != "" {
			chatID = normalizeBlueBubblesChatGuid(in.BlueBubblesChatGuid)
		}
	}

	return channel, peerKind, chatID
}

// normalizeBlueBubblesChatGuid strips the iMessage service prefix
// ("iMessage;-;" for DMs, "iMessage;+;" for groups) and lowercases the
// remainder, matching how the iMessage bridge reports chat_guid.
func normalizeBlueBubblesChatGuid(guid string) string {
	trimmed := guid
	for _, prefix := range []string{"iMessage;-;", "iMessage;+;", "SMS;-;", "SMS;+;"} {
		if strings.HasPrefix(trimmed, prefix) {
			trimmed = trimmed[len(prefix):]
			break
		}
	}
	return strings.ToLower(trimmed)
}

// CrossContextPolicy controls whether an agent turn running in one
// session's context may address a different channel/chat than it was
// invoked from (e.g. a cron job announcing into a channel, or a subagent
// replying into its parent's chat).
type CrossContextPolicy struct {
	// AllowCrossChannel permits any target other than the origin; when
	// false, only the origin channel and chat itself may be addressed.
	AllowCrossChannel bool
	DisclosureMarker  string // prefixed onto content when crossing contexts, if non-empty
}

// EnforceCrossContextPolicy validates that an agent turn invoked with
// originChannel/originChatID may address targetChannel/targetChatID,
// returning the (possibly disclosure-annotated) content to send, or an
// error if the combination isn't allowed.
func EnforceCrossContextPolicy(policy CrossContextPolicy, originChannel, originChatID, targetChannel, targetChatID, content string) (string, error) {
	sameContext := originChannel == targetChannel && originChatID == targetChatID
	if sameContext {
		return content, nil
	}
	if !policy.AllowCrossChannel {
		return "", fmt.Errorf("cross-context delivery disallowed: origin=%s:%s target=%s:%s", originChannel, originChatID, targetChannel, targetChatID)
	}
	if policy.DisclosureMarker != "" {
		return policy.DisclosureMarker + "\n" + content, nil
	}
	return content, nil
}
