package pairing

import (
	"path/filepath"
	"testing"
)

func TestRequestPairingExactlyOnceOnCreation(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(filepath.Join(dir, "pairing.json"))

	code1, created1, err := s.RequestPairing("user1", "whatsapp", "chat1", "main")
	if err != nil {
		t.Fatalf("RequestPairing: %v", err)
	}
	if !created1 {
		t.Fatalf("expected first request to report created=true")
	}

	code2, created2, err := s.RequestPairing("user1", "whatsapp", "chat1", "main")
	if err != nil {
		t.Fatalf("RequestPairing (repeat): %v", err)
	}
	if created2 {
		t.Fatalf("expected repeat request to report created=false")
	}
	if code1 != code2 {
		t.Fatalf("expected repeat request to reuse the original code: %s != %s", code1, code2)
	}
}

func TestApproveMakesPaired(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(filepath.Join(dir, "pairing.json"))

	code, _, _ := s.RequestPairing("user1", "whatsapp", "chat1", "main")
	if s.IsPaired("user1", "whatsapp") {
		t.Fatalf("should not be paired before approval")
	}

	if err := s.Approve(code); err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if !s.IsPaired("user1", "whatsapp") {
		t.Fatalf("should be paired after approval")
	}
}

func TestStorePersistsAcrossReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pairing.json")
	s := NewStore(path)
	code, _, _ := s.RequestPairing("user1", "telegram", "chat1", "main")
	_ = s.Approve(code)

	s2 := NewStore(path)
	if !s2.IsPaired("user1", "telegram") {
		t.Fatalf("expected pairing approval to persist across reload")
	}
}
