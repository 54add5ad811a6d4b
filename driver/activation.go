package driver

import dbus "github.com/aviral14112001/dbus-broker"

// activationRequest is a captured StartServiceByName call awaiting
// the outcome of activation.
type activationRequest struct {
	sender   *Peer
	serial   uint32
	wantReply bool
}

// activationMessage is a message captured because its destination
// name is activatable but currently has no owner. The sender is held
// by reference: no copy of its identity, names or policy is taken at
// capture time, so delivery sees the sender as it is when the name is
// claimed.
type activationMessage struct {
	hdr    *dbus.Header
	body   []byte
	sender *Peer
}

// activation is the bookkeeping record for an on-demand service name.
type activation struct {
	name       string
	registered bool // declared activatable via MarkActivatable; keeps the name entry alive while it has no owner
	requested  bool // a start request is currently in flight
	requests   []activationRequest
	messages   []activationMessage
}

// markRequested marks the activation as having an in-flight start
// request, returning false if one was already in flight (so the
// caller can avoid asking the controller twice).
func (a *activation) markRequested() bool {
	if a.requested {
		return false
	}
	a.requested = true
	return true
}

func (a *activation) reset() {
	a.requested = false
}

// drain removes and returns every queued request/message, in FIFO
// capture order preserved separately for each kind, as needed by the
// notifier (§4.D) on successful activation, or to fail them out on
// activation failure.
func (a *activation) drain() ([]activationRequest, []activationMessage) {
	reqs := a.requests
	msgs := a.messages
	a.requests = nil
	a.messages = nil
	return reqs, msgs
}
