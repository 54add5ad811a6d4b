package driver

// ReplySlot records that waiter is awaiting a reply with the given
// serial from responder. At most one slot may exist for a given
// (responder, serial) pair (§3).
type ReplySlot struct {
	waiter    *Peer
	responder *Peer
	serial    uint32
}

// ReplyRegistry indexes in-flight reply slots by (responder, serial)
// for routing an incoming reply. Each responder's owedReplies set lets
// CancelForResponder find its slots without a scan; CancelForWaiter
// scans every slot in the registry.
type ReplyRegistry struct {
	bySerial map[replyKey]*ReplySlot
}

func NewReplyRegistry() *ReplyRegistry {
	return &ReplyRegistry{bySerial: make(map[replyKey]*ReplySlot)}
}

// Register creates a reply slot for a call from waiter to responder
// with the given serial. It fails if a slot already exists for that
// (responder, serial) pair, per the at-most-one invariant.
func (r *ReplyRegistry) Register(waiter, responder *Peer, serial uint32) (*ReplySlot, error) {
	k := replyKey{responder: responder.ID, serial: serial}
	if _, exists := r.bySerial[k]; exists {
		return nil, newErr(KindExpectedReplyExists, "a reply is already expected from %s with serial %d", responder.UniqueName(), serial)
	}
	slot := &ReplySlot{waiter: waiter, responder: responder, serial: serial}
	r.bySerial[k] = slot
	waiter.outstanding.Add(serial)
	responder.owedReplies.Add(k)
	return slot, nil
}

// Resolve consumes the reply slot matching a reply arriving from
// responder with the given replySerial, returning the waiter it
// should be delivered to. It returns nil if no such slot exists
// (forged or stale reply).
func (r *ReplyRegistry) Resolve(responder *Peer, replySerial uint32) *Peer {
	k := replyKey{responder: responder.ID, serial: replySerial}
	slot, ok := r.bySerial[k]
	if !ok {
		return nil
	}
	delete(r.bySerial, k)
	slot.waiter.outstanding.Discard(replySerial)
	responder.owedReplies.Discard(k)
	return slot.waiter
}

// CancelForWaiter removes every slot for which p was the waiter,
// without producing anything to deliver: p is the one disconnecting,
// so nothing is owed to it anymore.
func (r *ReplyRegistry) CancelForWaiter(p *Peer) {
	for k, slot := range r.bySerial {
		if slot.waiter != p {
			continue
		}
		delete(r.bySerial, k)
		slot.responder.owedReplies.Discard(k)
		p.outstanding.Discard(slot.serial)
	}
}

// CancelForResponder removes every slot for which p was the
// responder, returning the cancelled slots so the caller can tell
// each waiter NoReply.
func (r *ReplyRegistry) CancelForResponder(p *Peer) []*ReplySlot {
	var cancelled []*ReplySlot
	owed := p.owedReplies.Clone()
	for k := range owed {
		slot, ok := r.bySerial[k]
		if !ok {
			continue
		}
		delete(r.bySerial, k)
		slot.waiter.outstanding.Discard(k.serial)
		cancelled = append(cancelled, slot)
		p.owedReplies.Discard(k)
	}
	return cancelled
}
