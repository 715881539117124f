// Package pairing implements the one-time pairing handshake used by DM
// policies of kind "pairing" (spec §4.4, glossary "Pairing"): an unknown
// sender is issued a short code to give to the bot owner, who approves it
// out of band through Store.Approve (no CLI command for it is registered in
// this tree).
package pairing

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Request is one pending or approved pairing request.
type Request struct {
	Code      string    `json:"code"`
	SenderID  string    `json:"senderId"`
	Channel   string    `json:"channel"`
	ChatID    string    `json:"chatId"`
	AgentID   string    `json:"agentId"`
	CreatedAt time.Time `json:"createdAt"`
	Approved  bool      `json:"approved"`
	ApprovedAt time.Time `json:"approvedAt,omitempty"`
}

const codeAlphabet = "23456789ABCDEFGHJKLMNPQRSTUVWXYZ" // no 0/O/1/I ambiguity

// Store persists pairing requests and approvals to a single JSON file,
// following the teacher's atomic-write idiom used elsewhere in this repo.
type Store struct {
	mu       sync.Mutex
	path     string
	requests map[string]*Request // code -> request
	paired   map[string]bool     // "channel:senderID" -> true
}

// NewStore loads (or initializes) a pairing store backed by path.
func NewStore(path string) *Store {
	s := &Store{
		path:     path,
		requests: make(map[string]*Request),
		paired:   make(map[string]bool),
	}
	s.load()
	return s
}

func (s *Store) load() {
	if s.path == "" {
		return
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		return
	}
	var requests []*Request
	if err := json.Unmarshal(data, &requests); err != nil {
		return
	}
	for _, r := range requests {
		s.requests[r.Code] = r
		if r.Approved {
			s.paired[pairKey(r.Channel, r.SenderID)] = true
		}
	}
}

func (s *Store) saveLocked() error {
	if s.path == "" {
		return nil
	}
	list := make([]*Request, 0, len(s.requests))
	for _, r := range s.requests {
		list = append(list, r)
	}
	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), "pairing-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	tmp.Close()
	return os.Rename(tmpPath, s.path)
}

func pairKey(channel, senderID string) string { return channel + ":" + senderID }

// IsPaired reports whether senderID has an approved pairing on channel.
func (s *Store) IsPaired(senderID, channel string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paired[pairKey(channel, senderID)]
}

// RequestPairing issues a pairing code for (senderID, channel). If a
// request already exists for this sender+channel (regardless of approval
// state), its existing code is returned and created=false — the spec
// requires the pairing reply to fire exactly once on the request-creation
// event only; callers use `created` to decide whether to actually send a
// reply, not the mere act of calling RequestPairing again.
func (s *Store) RequestPairing(senderID, channel, chatID, agentID string) (code string, created bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range s.requests {
		if r.SenderID == senderID && r.Channel == channel {
			return r.Code, false, nil
		}
	}

	code, err = generateCode()
	if err != nil {
		return "", false, err
	}

	s.requests[code] = &Request{
		Code:      code,
		SenderID:  senderID,
		Channel:   channel,
		ChatID:    chatID,
		AgentID:   agentID,
		CreatedAt: time.Now(),
	}
	if err := s.saveLocked(); err != nil {
		return "", false, err
	}
	return code, true, nil
}

// Approve marks a pending code as approved, making IsPaired true for its
// sender+channel going forward.
func (s *Store) Approve(code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.requests[code]
	if !ok {
		return fmt.Errorf("unknown pairing code %q", code)
	}
	r.Approved = true
	r.ApprovedAt = time.Now()
	s.paired[pairKey(r.Channel, r.SenderID)] = true
	return s.saveLocked()
}

// List returns all pairing requests, pending and approved.
func (s *Store) List() []*Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := make([]*Request, 0, len(s.requests))
	for _, r := range s.requests {
		list = append(list, r)
	}
	return list
}

func generateCode() (string, error) {
	const length = 6
	b := make([]byte, length)
	for i := range b {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(codeAlphabet))))
		if err != nil {
			return "", err
		}
		b[i] = codeAlphabet[n.Int64()]
	}
	return string(b), nil
}
