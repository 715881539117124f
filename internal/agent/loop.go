package agent

import (
	"context"
	"fmt"

	"github.com/goclaw/gateway/internal/bus"
	"github.com/goclaw/gateway/internal/providers"
	"github.com/goclaw/gateway/internal/sessions"
	"github.com/goclaw/gateway/pkg/protocol"
)

// AgentEvent is the payload carried on a protocol.EventAgent bus event,
// forwarded to channels.Manager.HandleAgentEvent for streaming/reaction
// delivery.
type AgentEvent struct {
	Type    string
	RunID   string
	Payload interface{}
}

// LoopConfig is the subset of per-agent defaults a Loop needs to drive one
// provider call.
type LoopConfig struct {
	Model        string
	MaxTokens    int
	Temperature  float64
	SystemPrompt string
}

// Loop is a deliberately thin Agent: one provider call per turn against the
// session's message history, no tool execution. It is the gateway's
// reasoning-engine stand-in, not a reimplementation of one — everything
// around it (routing, delivery, session persistence, streaming) is real.
type Loop struct {
	AgentID  string
	Cfg      LoopConfig
	Provider providers.Provider
	Sessions *sessions.Manager
	Bus      *bus.MessageBus // optional; nil disables lifecycle/streaming events
}

var _ Agent = (*Loop)(nil)

// NewLoop builds a Loop bound to one agent's provider and config.
func NewLoop(agentID string, cfg LoopConfig, provider providers.Provider, sessionMgr *sessions.Manager, msgBus *bus.MessageBus) *Loop {
	return &Loop{AgentID: agentID, Cfg: cfg, Provider: provider, Sessions: sessionMgr, Bus: msgBus}
}

// Run assembles the session's history plus req.Message into one ChatRequest,
// calls the provider once (streamed if req.Stream asks for it), persists
// both sides of the turn to the session, and reports the reply.
func (l *Loop) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	l.publish(protocol.AgentEventRunStarted, req.RunID, nil)

	messages := l.buildMessages(req)

	chatReq := providers.ChatRequest{
		Messages: messages,
		Model:    l.Cfg.Model,
		Options: map[string]interface{}{
			"max_tokens":  l.Cfg.MaxTokens,
			"temperature": l.Cfg.Temperature,
		},
	}

	resp, err := l.callProvider(ctx, req, chatReq)
	if err != nil {
		l.publish(protocol.AgentEventRunFailed, req.RunID, map[string]string{"error": err.Error()})
		return nil, fmt.Errorf("agent: %s chat: %w", l.Provider.Name(), err)
	}

	l.Sessions.AddMessage(req.SessionKey, providers.Message{Role: "user", Content: req.Message})
	l.Sessions.AddMessage(req.SessionKey, providers.Message{Role: "assistant", Content: resp.Content})
	l.Sessions.UpdateMetadata(req.SessionKey, l.Cfg.Model, l.Provider.Name(), req.Channel)
	if resp.Usage != nil {
		l.Sessions.AccumulateTokens(req.SessionKey, int64(resp.Usage.PromptTokens), int64(resp.Usage.CompletionTokens))
	}

	l.publish(protocol.AgentEventRunCompleted, req.RunID, nil)

	return &RunResult{
		Content:    resp.Content,
		RunID:      req.RunID,
		Iterations: 1,
		Usage:      resp.Usage,
	}, nil
}

// buildMessages prepends the configured system prompt (extended by the
// request's ExtraSystemPrompt, e.g. cron/heartbeat framing) to the
// session's prior history and the new user turn.
func (l *Loop) buildMessages(req RunRequest) []providers.Message {
	history := l.Sessions.GetHistory(req.SessionKey)
	if req.HistoryLimit > 0 && len(history) > req.HistoryLimit {
		history = history[len(history)-req.HistoryLimit:]
	}

	messages := make([]providers.Message, 0, len(history)+2)

	sys := l.Cfg.SystemPrompt
	if req.ExtraSystemPrompt != "" {
		if sys != "" {
			sys = sys + "\n\n" + req.ExtraSystemPrompt
		} else {
			sys = req.ExtraSystemPrompt
		}
	}
	if sys != "" {
		messages = append(messages, providers.Message{Role: "system", Content: sys})
	}

	messages = append(messages, history...)
	messages = append(messages, providers.Message{Role: "user", Content: req.Message})
	return messages
}

func (l *Loop) callProvider(ctx context.Context, req RunRequest, chatReq providers.ChatRequest) (*providers.ChatResponse, error) {
	if !req.Stream {
		return l.Provider.Chat(ctx, chatReq)
	}
	return l.Provider.ChatStream(ctx, chatReq, func(chunk providers.StreamChunk) {
		if chunk.Content == "" {
			return
		}
		l.publish(protocol.ChatEventChunk, req.RunID, map[string]string{"content": chunk.Content})
	})
}

func (l *Loop) publish(eventType, runID string, payload interface{}) {
	if l.Bus == nil {
		return
	}
	l.Bus.Broadcast(bus.Event{
		Name:    protocol.EventAgent,
		Payload: AgentEvent{Type: eventType, RunID: runID, Payload: payload},
	})
}
