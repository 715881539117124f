package gwerrors

import (
	"errors"
	"testing"
)

func TestWrapAndIs(t *testing.T) {
	base := errors.New("boom")
	err := Wrap(TransientDeliveryFailure, "send failed", base)

	if !Is(err, TransientDeliveryFailure) {
		t.Fatalf("expected Is() to match wrapped kind")
	}
	if Is(err, Aborted) {
		t.Fatalf("Is() matched wrong kind")
	}
	if !errors.Is(err, base) {
		t.Fatalf("expected Unwrap to expose base error to errors.Is")
	}
}

func TestKindOf(t *testing.T) {
	err := New(AccessDenied, "not allowed")
	kind, ok := KindOf(err)
	if !ok || kind != AccessDenied {
		t.Fatalf("KindOf() = %v, %v; want AccessDenied, true", kind, ok)
	}

	_, ok = KindOf(errors.New("plain"))
	if ok {
		t.Fatalf("expected KindOf to reject plain errors")
	}
}
