package protocol

// ProtocolVersion identifies the shape of the event/payload constants
// below, surfaced in startup logs and the version command.
const ProtocolVersion = 1

// Internal bus event names. These are not pushed over any wire protocol —
// the gateway has no WS/RPC client surface — but channels.Manager and the
// agent run loop share them as the vocabulary for run-lifecycle forwarding.
const (
	EventAgent    = "agent"
	EventShutdown = "shutdown"
)

// Agent event subtypes (in payload.type)
const (
	AgentEventRunStarted   = "run.started"
	AgentEventRunCompleted = "run.completed"
	AgentEventRunFailed    = "run.failed"
	AgentEventRunRetrying  = "run.retrying"
	AgentEventToolCall     = "tool.call"
	AgentEventToolResult   = "tool.result"
)

// Chat event subtypes (in payload.type)
const (
	ChatEventChunk    = "chunk"
	ChatEventMessage  = "message"
	ChatEventThinking = "thinking"
)
