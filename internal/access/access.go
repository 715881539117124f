// Package access implements the gateway's DM/Group access-control decision
// (spec §4.4): pairing handshake, allowlist/open/disabled policies,
// mention-gating for groups, and control-command authorization gating.
package access

import (
	"regexp"
	"strings"
)

// Decision is the outcome of an access-control evaluation.
type Decision string

const (
	Allow   Decision = "allow"
	Pairing Decision = "pairing"
	Block   Decision = "block"
)

// Result carries the decision plus a reason string for logging/telemetry
// (spec's exact-log-snippet end-to-end scenario references this reason).
type Result struct {
	Decision Decision
	Reason   string
}

// Policy is a per-channel DM or Group policy value.
type Policy string

const (
	PolicyPairing   Policy = "pairing"
	PolicyAllowlist Policy = "allowlist"
	PolicyOpen      Policy = "open"
	PolicyDisabled  Policy = "disabled"
)

// PairingChecker reports whether a sender is already paired for a channel.
type PairingChecker interface {
	IsPaired(senderID, channel string) bool
}

// Input bundles everything ResolveDMGroupAccessDecision needs to evaluate
// one inbound message.
type Input struct {
	PeerKind    string // "direct" or "group"
	SenderID    string
	DMPolicy    Policy
	GroupPolicy Policy
	InAllowlist bool
	Pairing     PairingChecker
	Channel     string

	// Group-only fields.
	MentionRegex     *regexp.Regexp
	MessageMentions  bool // true if MentionRegex already matched (or N/A)
	CommandAuthorized bool
}

// ResolveDMGroupAccessDecision evaluates the DM/Group access policy for an
// inbound message, following spec §4.4: disabled always blocks; allowlist
// blocks unless the sender is listed; pairing blocks (with Decision=Pairing)
// unless already paired or allowlisted; open always allows. Group messages
// additionally require a mention match or a command-authorized bypass.
func ResolveDMGroupAccessDecision(in Input) Result {
	policy := in.DMPolicy
	if in.PeerKind == "group" {
		policy = in.GroupPolicy
	}
	if policy == "" {
		policy = PolicyOpen
	}

	switch policy {
	case PolicyDisabled:
		return Result{Decision: Block, Reason: "policy_disabled"}
	case PolicyAllowlist:
		if !in.InAllowlist {
			return Result{Decision: Block, Reason: "not_in_allowlist"}
		}
	case PolicyPairing:
		paired := in.Pairing != nil && in.Pairing.IsPaired(in.SenderID, in.Channel)
		if !paired && !in.InAllowlist {
			return Result{Decision: Pairing, Reason: "pairing_required"}
		}
	}

	if in.PeerKind == "group" {
		if gate := resolveMentionGate(in); gate.Decision != Allow {
			return gate
		}
	}

	return Result{Decision: Allow, Reason: "ok"}
}

func resolveMentionGate(in Input) Result {
	if in.CommandAuthorized {
		return Result{Decision: Allow, Reason: "command_authorized"}
	}
	if in.MentionRegex == nil {
		return Result{Decision: Allow, Reason: "no_mention_requirement"}
	}
	if in.MessageMentions {
		return Result{Decision: Allow, Reason: "mentioned"}
	}
	return Result{Decision: Block, Reason: "mention_required"}
}

// ControlCommandGate is the outcome of resolveControlCommandGate.
type ControlCommandGate struct {
	CommandAuthorized bool
	ShouldBlock       bool
}

// ResolveControlCommandGate evaluates whether text is a recognized control
// command (e.g. "/reset", "/pair") and whether senderID is authorized to
// invoke control commands on this channel. Unrecognized text is never a
// control command and never blocks.
func ResolveControlCommandGate(text string, senderID string, authorizedSenders []string) ControlCommandGate {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "/") {
		return ControlCommandGate{}
	}

	authorized := len(authorizedSenders) == 0
	for _, id := range authorizedSenders {
		if id == senderID {
			authorized = true
			break
		}
	}

	return ControlCommandGate{
		CommandAuthorized: authorized,
		ShouldBlock:       !authorized,
	}
}

// MatchesMention reports whether text mentions the bot, per a compiled
// mention regex (e.g. `(?i)\bbot-?name\b` or a Telegram `@botusername`
// pattern assembled by the caller).
func MatchesMention(re *regexp.Regexp, text string) bool {
	if re == nil {
		return true
	}
	return re.MatchString(text)
}
