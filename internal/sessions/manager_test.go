package sessions

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestManagerSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir)

	key := SessionKey("agent1", "telegram:direct:123")
	m.GetOrCreate(key)
	m.UpdateRoute(key, "telegram", "acct1", "123", "openai")
	m.RecordHeartbeat(key, "all quiet", 1000)

	if err := m.Save(key); err != nil {
		t.Fatalf("Save: %v", err)
	}

	m2 := NewManager(dir)
	channel, accountID, to, provider, ok := m2.LastRoute(key)
	if !ok {
		t.Fatalf("expected last route to be persisted")
	}
	if channel != "telegram" || accountID != "acct1" || to != "123" || provider != "openai" {
		t.Fatalf("unexpected route: %s %s %s %s", channel, accountID, to, provider)
	}

	text, sentAt := m2.HeartbeatInfo(key)
	if text != "all quiet" || sentAt != 1000 {
		t.Fatalf("unexpected heartbeat info: %q %d", text, sentAt)
	}
}

func TestManagerStaleRunningAtClearedOnLoad(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir)
	key := SessionKey("agent1", "main")
	s := m.GetOrCreate(key)
	s.RunningAtMs = time.Now().UnixMilli()
	if err := m.Save(key); err != nil {
		t.Fatalf("Save: %v", err)
	}

	m2 := NewManager(dir)
	s2 := m2.GetOrCreate(key)
	if s2.RunningAtMs != 0 {
		t.Fatalf("expected RunningAtMs cleared on load, got %d", s2.RunningAtMs)
	}
}

func TestAppendTranscript(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir)
	key := SessionKey("agent1", "main")
	m.GetOrCreate(key)
	m.AppendTranscript(key, "user: hello")
	m.AppendTranscript(key, "assistant: hi")

	path := filepath.Join(dir, sanitizeFilename(key)+".transcript.log")
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("expected transcript mirror file: %v", err)
	}
	if info.Size() == 0 {
		t.Fatalf("expected non-empty transcript mirror")
	}
}

func TestResolveStorePath(t *testing.T) {
	got := ResolveStorePath("/var/lib/goclaw/sessions/{agentId}", "main")
	want := "/var/lib/goclaw/sessions/main"
	if got != want {
		t.Fatalf("ResolveStorePath() = %q, want %q", got, want)
	}
}
