package replycache

import (
	"strconv"
	"testing"
)

func TestRememberIdempotent(t *testing.T) {
	c := New()
	e := Entry{UUID: "msg-1", Body: "hello"}

	id1 := c.Remember("acct1", e)
	id2 := c.Remember("acct1", e)

	if id1 != id2 {
		t.Fatalf("Remember should be idempotent by UUID, got %d then %d", id1, id2)
	}
	if c.Size("acct1") != 1 {
		t.Fatalf("expected exactly one entry, got %d", c.Size("acct1"))
	}
}

func TestShortIDUUIDRoundTrip(t *testing.T) {
	c := New()
	id := c.Remember("acct1", Entry{UUID: "msg-1"})

	got, ok := c.ShortIDForUUID("acct1", "msg-1")
	if !ok || got != id {
		t.Fatalf("ShortIDForUUID() = %d, %v; want %d, true", got, ok, id)
	}

	entry, ok := c.Resolve("acct1", id, true)
	if !ok || entry.UUID != "msg-1" {
		t.Fatalf("Resolve() = %+v, %v; want uuid msg-1", entry, ok)
	}
}

func TestLRUEviction(t *testing.T) {
	c := New()
	for i := 0; i < MaxEntries+10; i++ {
		c.Remember("acct1", Entry{UUID: strconv.Itoa(i) + "-msg"})
	}
	if c.Size("acct1") > MaxEntries {
		t.Fatalf("cache exceeded MaxEntries: %d", c.Size("acct1"))
	}
}

func TestRequireKnownShortIDRejectsNeverIssued(t *testing.T) {
	c := New()
	c.Remember("acct1", Entry{UUID: "msg-1"})

	_, ok := c.Resolve("acct1", 999999, true)
	if ok {
		t.Fatalf("expected unknown short id to fail resolution")
	}
}

func TestAccountsAreIsolated(t *testing.T) {
	c := New()
	id1 := c.Remember("acct1", Entry{UUID: "msg-1"})
	id2 := c.Remember("acct2", Entry{UUID: "msg-1"})

	if id1 != id2 {
		t.Fatalf("separate accounts should allocate independent short id sequences starting at 1, got %d and %d", id1, id2)
	}
	if c.Size("acct1") != 1 || c.Size("acct2") != 1 {
		t.Fatalf("expected isolated per-account sizes")
	}
}
