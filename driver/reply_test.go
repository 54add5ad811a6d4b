package driver

import "testing"

func TestReplyRegistryAtMostOneSlotPerResponderSerial(t *testing.T) {
	r := NewReplyRegistry()
	waiter := newPeer(1, Identity{}, nil)
	responder := newPeer(2, Identity{}, nil)

	if _, err := r.Register(waiter, responder, 7); err != nil {
		t.Fatalf("first Register failed: %v", err)
	}

	otherWaiter := newPeer(3, Identity{}, nil)
	_, err := r.Register(otherWaiter, responder, 7)
	if err == nil {
		t.Fatalf("second Register for the same (responder, serial) pair should have failed")
	}
	de, ok := err.(*Error)
	if !ok || de.Kind != KindExpectedReplyExists {
		t.Fatalf("got error %v, want KindExpectedReplyExists", err)
	}
}

func TestReplyRegistryResolveRoutesToWaiter(t *testing.T) {
	r := NewReplyRegistry()
	waiter := newPeer(1, Identity{}, nil)
	responder := newPeer(2, Identity{}, nil)

	r.Register(waiter, responder, 42)

	got := r.Resolve(responder, 42)
	if got != waiter {
		t.Fatalf("Resolve returned %v, want waiter", got)
	}

	// The slot is consumed: resolving again must find nothing.
	if got := r.Resolve(responder, 42); got != nil {
		t.Fatalf("Resolve after consumption returned %v, want nil", got)
	}
}

func TestReplyRegistryResolveRejectsUnexpectedReply(t *testing.T) {
	r := NewReplyRegistry()
	responder := newPeer(2, Identity{}, nil)

	if got := r.Resolve(responder, 999); got != nil {
		t.Fatalf("Resolve for a serial nobody registered returned %v, want nil", got)
	}
}

func TestCancelForResponderFreesSlotsAndReturnsWaiters(t *testing.T) {
	r := NewReplyRegistry()
	waiterA := newPeer(1, Identity{}, nil)
	waiterB := newPeer(2, Identity{}, nil)
	responder := newPeer(3, Identity{}, nil)

	r.Register(waiterA, responder, 1)
	r.Register(waiterB, responder, 2)

	cancelled := r.CancelForResponder(responder)
	if len(cancelled) != 2 {
		t.Fatalf("got %d cancelled slots, want 2", len(cancelled))
	}

	if got := r.Resolve(responder, 1); got != nil {
		t.Fatalf("slot 1 should have been removed by CancelForResponder")
	}
	if got := r.Resolve(responder, 2); got != nil {
		t.Fatalf("slot 2 should have been removed by CancelForResponder")
	}
}

func TestCancelForWaiterFreesSlotsSilently(t *testing.T) {
	r := NewReplyRegistry()
	waiter := newPeer(1, Identity{}, nil)
	responder := newPeer(2, Identity{}, nil)

	r.Register(waiter, responder, 5)
	r.CancelForWaiter(waiter)

	if got := r.Resolve(responder, 5); got != nil {
		t.Fatalf("Resolve after CancelForWaiter returned %v, want nil", got)
	}
}
