package driver

import (
	"context"

	dbus "github.com/aviral14112001/dbus-broker"
)

// Goodbye tears down p's bus-level state, per §4.H. It does not touch
// the transport; the caller (disconnectPeer, or BecomeMonitor turning
// a peer silently into a monitor) is responsible for that.
//
// The six steps, in order:
//  1. every match rule p owns is removed, so it stops receiving
//     anything further;
//  2. every reply slot p is waiting on is freed, so a late reply from
//     the original responder is dropped rather than misdelivered;
//  3. (folded into step 1: the match registry has no separate
//     sender-side index to flush)
//  4. every name p owns or has queued for is released, notifying the
//     new primary owner (if any) via the usual NameOwnerChanged
//     machinery;
//  5. if p was registered, a final NameOwnerChanged(unique, "") is
//     broadcast and p is marked unregistered and dropped from the
//     monitor set;
//  6. every reply p owed to some other peer is cancelled and, unless
//     silent, that peer is sent a NoReply error, so its wait resolves
//     rather than hanging forever.
func (b *Bus) Goodbye(ctx context.Context, p *Peer, silent bool) {
	b.Matches.RemoveOwner(p)

	b.Replies.CancelForWaiter(p)

	for _, change := range b.Names.ReleaseAll(p) {
		if !silent {
			b.notifyExcept(ctx, change, p)
		}
	}

	if !silent && p.State == PeerRegistered {
		// Broadcast directly rather than through notify: p is
		// disconnecting, so it must not be sent its own NameLost.
		b.broadcastNameOwnerChanged(nameChange{name: p.UniqueName(), old: p, new: nil})
	}
	p.State = PeerUnregistered
	b.monitors.Discard(p.ID)

	for _, slot := range b.Replies.CancelForResponder(p) {
		if _, alive := b.peers[slot.waiter.ID]; silent || !alive {
			continue
		}
		b.send(slot.waiter, &dbus.Header{
			Type:        dbus.MsgTypeError,
			ReplySerial: slot.serial,
			ErrName:     errorName(KindNoReply),
			Destination: slot.waiter.UniqueName(),
		}, "Remote peer disconnected")
	}
}
