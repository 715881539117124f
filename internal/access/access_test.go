package access

import (
	"regexp"
	"testing"
)

type fakePairing struct{ paired map[string]bool }

func (f fakePairing) IsPaired(senderID, channel string) bool { return f.paired[senderID] }

func TestResolveDMGroupAccessDecision_DisabledAlwaysBlocks(t *testing.T) {
	r := ResolveDMGroupAccessDecision(Input{PeerKind: "direct", DMPolicy: PolicyDisabled})
	if r.Decision != Block {
		t.Fatalf("expected Block, got %v", r.Decision)
	}
}

func TestResolveDMGroupAccessDecision_PairingRequiresPairOrAllowlist(t *testing.T) {
	r := ResolveDMGroupAccessDecision(Input{
		PeerKind: "direct", DMPolicy: PolicyPairing, SenderID: "u1",
		Pairing: fakePairing{paired: map[string]bool{}},
	})
	if r.Decision != Pairing {
		t.Fatalf("expected Pairing, got %v", r.Decision)
	}

	r2 := ResolveDMGroupAccessDecision(Input{
		PeerKind: "direct", DMPolicy: PolicyPairing, SenderID: "u1",
		Pairing: fakePairing{paired: map[string]bool{"u1": true}},
	})
	if r2.Decision != Allow {
		t.Fatalf("expected Allow once paired, got %v", r2.Decision)
	}
}

func TestResolveDMGroupAccessDecision_GroupRequiresMentionUnlessCommandAuthorized(t *testing.T) {
	re := regexp.MustCompile(`(?i)@bot`)

	blocked := ResolveDMGroupAccessDecision(Input{
		PeerKind: "group", GroupPolicy: PolicyOpen,
		MentionRegex: re, MessageMentions: false,
	})
	if blocked.Decision != Block || blocked.Reason != "mention_required" {
		t.Fatalf("expected mention_required block, got %+v", blocked)
	}

	allowedByCommand := ResolveDMGroupAccessDecision(Input{
		PeerKind: "group", GroupPolicy: PolicyOpen,
		MentionRegex: re, MessageMentions: false, CommandAuthorized: true,
	})
	if allowedByCommand.Decision != Allow {
		t.Fatalf("expected command bypass to allow, got %+v", allowedByCommand)
	}
}

func TestResolveControlCommandGate(t *testing.T) {
	notCommand := ResolveControlCommandGate("hello there", "u1", nil)
	if notCommand.CommandAuthorized || notCommand.ShouldBlock {
		t.Fatalf("plain text should never be a control command: %+v", notCommand)
	}

	openGate := ResolveControlCommandGate("/reset", "u1", nil)
	if !openGate.CommandAuthorized || openGate.ShouldBlock {
		t.Fatalf("expected open authorization with empty allowlist: %+v", openGate)
	}

	restricted := ResolveControlCommandGate("/reset", "intruder", []string{"owner"})
	if restricted.CommandAuthorized || !restricted.ShouldBlock {
		t.Fatalf("expected restricted sender to be blocked: %+v", restricted)
	}
}
