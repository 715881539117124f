// Package agent defines the narrow contract the messaging gateway uses
// to hand an inbound message to whatever runs the actual LLM turn, and to
// get a reply back. The turn's own internals (tool execution, model
// selection, context assembly) live outside this module's scope; this
// package only carries the request/response shapes and the per-agent
// resolver/cache the gateway's dispatch paths depend on.
package agent

import (
	"context"
	"fmt"
	"sync"

	"github.com/goclaw/gateway/internal/providers"
)

// RunRequest is the input for processing one message through an agent.
type RunRequest struct {
	SessionKey        string   // composite key: agent:{agentID}:{channel}:{peerKind}:{chatID}
	Message           string   // user message text
	Media             []string // local file paths to attachments, already downloaded/sanitized
	Channel           string   // source channel name
	ChatID            string   // source chat ID
	PeerKind          string   // "direct" or "group"
	RunID             string   // unique run identifier, used for trace/log correlation
	SenderID          string   // original individual sender (preserved in group chats)
	Stream            bool     // whether the agent should emit incremental chunks
	ExtraSystemPrompt string   // additional system-prompt content (e.g. cron/heartbeat framing)
	HistoryLimit      int      // max prior turns to include (0 = unlimited)
	TraceTags         []string // free-form tags surfaced in logs (e.g. "cron", "heartbeat")
}

// RunResult is the output of a completed agent run.
type RunResult struct {
	Content    string           `json:"content"`
	RunID      string           `json:"runId"`
	Iterations int              `json:"iterations"`
	Usage      *providers.Usage `json:"usage,omitempty"`
	Media      []MediaResult    `json:"media,omitempty"`
}

// MediaResult is a media file produced during an agent run, to be
// delivered to the user alongside (or instead of) RunResult.Content.
type MediaResult struct {
	Path        string `json:"path"`
	ContentType string `json:"content_type,omitempty"`
	AsVoice     bool   `json:"as_voice,omitempty"`
}

// Agent runs one RunRequest to completion.
type Agent interface {
	Run(ctx context.Context, req RunRequest) (*RunResult, error)
}

// ResolverFunc looks up (or lazily builds) the Agent for a given agent
// key, returning an error if the key is unknown or misconfigured.
type ResolverFunc func(agentKey string) (Agent, error)

// Router caches resolved agents by key so a ResolverFunc that builds an
// expensive Agent (loads config, constructs a provider client, etc.) only
// pays that cost once per key.
type Router struct {
	resolve ResolverFunc

	mu     sync.RWMutex
	agents map[string]Agent
}

// NewRouter wraps resolve with a per-key cache.
func NewRouter(resolve ResolverFunc) *Router {
	return &Router{resolve: resolve, agents: make(map[string]Agent)}
}

// Resolve returns the cached Agent for agentKey, resolving and caching it
// on first use.
func (r *Router) Resolve(agentKey string) (Agent, error) {
	r.mu.RLock()
	if ag, ok := r.agents[agentKey]; ok {
		r.mu.RUnlock()
		return ag, nil
	}
	r.mu.RUnlock()

	if r.resolve == nil {
		return nil, fmt.Errorf("agent: no resolver configured")
	}
	ag, err := r.resolve(agentKey)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.agents[agentKey] = ag
	r.mu.Unlock()
	return ag, nil
}

// Run resolves agentKey and runs req against it in one call.
func (r *Router) Run(ctx context.Context, agentKey string, req RunRequest) (*RunResult, error) {
	ag, err := r.Resolve(agentKey)
	if err != nil {
		return nil, err
	}
	return ag.Run(ctx, req)
}

// InvalidateAgent removes an agent from the router cache, forcing
// re-resolution on its next use (e.g. after a config reload).
func (r *Router) InvalidateAgent(agentKey string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.agents, agentKey)
}

// InvalidateAll clears the entire agent cache.
func (r *Router) InvalidateAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents = make(map[string]Agent)
}
