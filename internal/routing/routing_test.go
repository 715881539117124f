package routing

import (
	"testing"

	"github.com/goclaw/gateway/internal/sessions"
)

func TestResolveAgentRouteExplicitRuleWins(t *testing.T) {
	rules := []Rule{
		{Channel: "telegram", AgentID: "support"},
	}
	got := ResolveAgentRoute(rules, "telegram", "direct", "chat1", "default")
	if got != "support" {
		t.Fatalf("ResolveAgentRoute() = %q, want support", got)
	}
}

func TestResolveAgentRouteFallsBackToDefault(t *testing.T) {
	got := ResolveAgentRoute(nil, "discord", "direct", "chat1", "default")
	if got != "default" {
		t.Fatalf("ResolveAgentRoute() = %q, want default", got)
	}
}

func TestResolveOutboundSessionRouteSlackMpimPromotion(t *testing.T) {
	_, peerKind, _ := ResolveOutboundSessionRoute(SessionRouteInput{
		Channel: "slack", ChatID: "C123", PeerKind: sessions.PeerDirect, SlackIsMpim: true,
	})
	if peerKind != sessions.PeerGroup {
		t.Fatalf("expected mpim promotion to group, got %v", peerKind)
	}
}

func TestResolveOutboundSessionRouteTelegramTopic(t *testing.T) {
	_, _, chatID := ResolveOutboundSessionRoute(SessionRouteInput{
		Channel: "telegram", ChatID: "-100123", PeerKind: sessions.PeerGroup, TelegramTopicID: 99,
	})
	if chatID != "-100123:topic:99" {
		t.Fatalf("unexpected chatID: %q", chatID)
	}
}

func TestResolveOutboundSessionRouteBlueBubblesNormalization(t *testing.T) {
	_, _, chatID := ResolveOutboundSessionRoute(SessionRouteInput{
		Channel: "bluebubbles", BlueBubblesChatGuid: "iMessage;-;+1ABC@Example.com",
	})
	if chatID != "+1abc@example.com" {
		t.Fatalf("unexpected normalized chat guid: %q", chatID)
	}
}

func TestEnforceCrossContextPolicy(t *testing.T) {
	_, err := EnforceCrossContextPolicy(CrossContextPolicy{AllowCrossChannel: false}, "cron", "main", "telegram", "chat1", "hi")
	if err == nil {
		t.Fatalf("expected disallowed cross-context delivery to error")
	}

	out, err := EnforceCrossContextPolicy(CrossContextPolicy{AllowCrossChannel: true, DisclosureMarker: "[cron]"}, "cron", "main", "telegram", "chat1", "hi")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != "[cron]\nhi" {
		t.Fatalf("expected disclosure marker prefixed, got %q", out)
	}
}
