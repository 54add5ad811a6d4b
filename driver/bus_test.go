package driver

import (
	"context"
	"testing"

	dbus "github.com/aviral14112001/dbus-broker"
)

// fakeSender records every message handed to it, for assertions, and
// never errors: quota-exhaustion behavior is exercised separately via
// Quotas directly.
type fakeSender struct {
	typed        []any
	raw          [][]byte
	disconnected string
}

func (s *fakeSender) Enqueue(hdr *dbus.Header, body any) error {
	s.typed = append(s.typed, body)
	return nil
}

func (s *fakeSender) EnqueueRaw(hdr *dbus.Header, rawBody []byte) error {
	s.raw = append(s.raw, rawBody)
	return nil
}

func (s *fakeSender) Disconnect(reason string) {
	s.disconnected = reason
}

func newTestBus() *Bus {
	return NewBus(Config{})
}

func connectTestPeer(b *Bus) (*Peer, *fakeSender) {
	s := &fakeSender{}
	p := b.Connect(Identity{}, s)
	return p, s
}

func hello(t *testing.T, b *Bus, p *Peer) {
	t.Helper()
	hdr := &dbus.Header{
		Type:        dbus.MsgTypeCall,
		Serial:      1,
		Path:        driverPath,
		Interface:   driverInterface,
		Member:      "Hello",
		Destination: driverName,
	}
	if err := b.Dispatch(context.Background(), p, InboundMessage{Header: hdr}); err != nil {
		t.Fatalf("Hello dispatch failed: %v", err)
	}
	if p.State != PeerRegistered {
		t.Fatalf("peer not registered after Hello")
	}
}

func TestHelloRegistersPeerAndRepliesUniqueName(t *testing.T) {
	b := newTestBus()
	p, s := connectTestPeer(b)

	hello(t, b, p)

	if len(s.typed) == 0 {
		t.Fatalf("Hello produced no reply")
	}
	if got := s.typed[0]; got != p.UniqueName() {
		t.Fatalf("Hello reply body = %v, want %s", got, p.UniqueName())
	}
}

func TestHelloTwiceIsRejected(t *testing.T) {
	b := newTestBus()
	p, _ := connectTestPeer(b)
	hello(t, b, p)

	hdr := &dbus.Header{
		Type:        dbus.MsgTypeCall,
		Serial:      2,
		Path:        driverPath,
		Interface:   driverInterface,
		Member:      "Hello",
		Destination: driverName,
	}
	if err := b.Dispatch(context.Background(), p, InboundMessage{Header: hdr}); err != nil {
		t.Fatalf("unexpected protocol violation: %v", err)
	}
}

func TestDispatchBeforeHelloIsRejected(t *testing.T) {
	b := newTestBus()
	p, s := connectTestPeer(b)

	hdr := &dbus.Header{
		Type:        dbus.MsgTypeCall,
		Serial:      1,
		Path:        "/com/example/Object",
		Interface:   "com.example.Iface",
		Member:      "DoThing",
		Destination: ":1.999",
	}
	err := b.Dispatch(context.Background(), p, InboundMessage{Header: hdr})
	if de, ok := err.(*Error); !ok || de.Kind != KindProtocolViolation {
		t.Fatalf("got error %v, want KindProtocolViolation", err)
	}
	if len(s.typed) != 0 {
		t.Fatalf("unexpected reply to an unregistered peer: %v", s.typed)
	}
}

func TestUnicastRoutingDeliversRawBodyToDestination(t *testing.T) {
	b := newTestBus()
	caller, callerSender := connectTestPeer(b)
	callee, calleeSender := connectTestPeer(b)
	hello(t, b, caller)
	hello(t, b, callee)

	body := []byte{1, 2, 3, 4}
	hdr := &dbus.Header{
		Type:        dbus.MsgTypeCall,
		Serial:      5,
		Flags:       dbus.FlagNoReplyExpected,
		Path:        "/com/example/Object",
		Interface:   "com.example.Iface",
		Member:      "DoThing",
		Destination: callee.UniqueName(),
	}
	if err := b.Dispatch(context.Background(), caller, InboundMessage{Header: hdr, Body: body}); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}

	if len(calleeSender.raw) != 1 {
		t.Fatalf("callee got %d raw messages, want 1", len(calleeSender.raw))
	}
	got := calleeSender.raw[0]
	if len(got) != len(body) {
		t.Fatalf("forwarded body = %v, want %v", got, body)
	}
	for i := range body {
		if got[i] != body[i] {
			t.Fatalf("forwarded body = %v, want %v", got, body)
		}
	}
	_ = callerSender
}

func TestUnicastToUnknownDestinationIsAnError(t *testing.T) {
	b := newTestBus()
	caller, _ := connectTestPeer(b)
	hello(t, b, caller)

	hdr := &dbus.Header{
		Type:        dbus.MsgTypeCall,
		Serial:      5,
		Path:        "/com/example/Object",
		Interface:   "com.example.Iface",
		Member:      "DoThing",
		Destination: ":1.9999",
	}
	if err := b.Dispatch(context.Background(), caller, InboundMessage{Header: hdr}); err != nil {
		t.Fatalf("unexpected protocol violation: %v", err)
	}
}

func TestReplyRoutingRequiresARegisteredSlot(t *testing.T) {
	b := newTestBus()
	caller, callerSender := connectTestPeer(b)
	callee, _ := connectTestPeer(b)
	hello(t, b, caller)
	hello(t, b, callee)

	callHdr := &dbus.Header{
		Type:        dbus.MsgTypeCall,
		Serial:      5,
		Path:        "/com/example/Object",
		Interface:   "com.example.Iface",
		Member:      "DoThing",
		Destination: callee.UniqueName(),
	}
	if err := b.Dispatch(context.Background(), caller, InboundMessage{Header: callHdr}); err != nil {
		t.Fatalf("call dispatch failed: %v", err)
	}

	replyHdr := &dbus.Header{
		Type:        dbus.MsgTypeReturn,
		Serial:      1,
		ReplySerial: 5,
		Destination: caller.UniqueName(),
	}
	if err := b.Dispatch(context.Background(), callee, InboundMessage{Header: replyHdr, Body: []byte("ok")}); err != nil {
		t.Fatalf("reply dispatch failed: %v", err)
	}
	if len(callerSender.raw) != 1 {
		t.Fatalf("caller got %d raw messages, want 1", len(callerSender.raw))
	}
}

func TestForgedReplyIsAProtocolViolation(t *testing.T) {
	b := newTestBus()
	callee, _ := connectTestPeer(b)
	hello(t, b, callee)

	replyHdr := &dbus.Header{
		Type:        dbus.MsgTypeReturn,
		Serial:      1,
		ReplySerial: 999,
		Destination: ":1.1",
	}
	err := b.Dispatch(context.Background(), callee, InboundMessage{Header: replyHdr})
	if err == nil {
		t.Fatalf("expected a protocol violation for an unexpected reply")
	}
	de, ok := err.(*Error)
	if !ok || de.Kind != KindProtocolViolation {
		t.Fatalf("got error %v, want KindProtocolViolation", err)
	}
}

func TestRequestNameThroughDriverAnnouncesNameAcquired(t *testing.T) {
	b := newTestBus()
	p, s := connectTestPeer(b)
	hello(t, b, p)

	before := len(s.typed)
	hdr := &dbus.Header{
		Type:        dbus.MsgTypeCall,
		Serial:      2,
		Path:        driverPath,
		Interface:   driverInterface,
		Member:      "RequestName",
		Destination: driverName,
	}
	body, _, err := dbus.EncodeBody(context.Background(), hdr.Order.Order(), struct {
		Name  string
		Flags uint32
	}{"com.example.Test", 0})
	if err != nil {
		t.Fatalf("EncodeBody failed: %v", err)
	}
	if err := b.Dispatch(context.Background(), p, InboundMessage{Header: hdr, Body: body}); err != nil {
		t.Fatalf("RequestName dispatch failed: %v", err)
	}

	if b.Names.Owner("com.example.Test") != p {
		t.Fatalf("RequestName did not record ownership")
	}
	// RequestName's own reply, plus the unicast NameAcquired signal.
	if len(s.typed) != before+2 {
		t.Fatalf("got %d new messages, want a RequestName reply and a NameAcquired signal", len(s.typed)-before)
	}
	if got, want := s.typed[len(s.typed)-1], (dbus.NameAcquired{Name: "com.example.Test"}); got != want {
		t.Fatalf("last message = %#v, want %#v", got, want)
	}
}
