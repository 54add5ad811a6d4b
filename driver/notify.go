package driver

import (
	"context"

	dbus "github.com/aviral14112001/dbus-broker"
)

// notify applies a nameChange: emits NameLost/NameOwnerChanged/
// NameAcquired in the order required by §4.D and §8 invariant 5, then
// drains any activation queued against the name if it gained an
// owner.
func (b *Bus) notify(ctx context.Context, change nameChange) {
	b.notifyExcept(ctx, change, nil)
}

// notifyExcept applies change like notify, but never sends NameLost
// to exclude: used while tearing down exclude itself, where a
// NameLost to the disconnecting peer would be undeliverable and risks
// re-entering teardown if its send queue is already draining.
func (b *Bus) notifyExcept(ctx context.Context, change nameChange, exclude *Peer) {
	if change.old != nil && change.old != exclude {
		b.send(change.old, &dbus.Header{
			Type:        dbus.MsgTypeSignal,
			Path:        driverPath,
			Interface:   driverInterface,
			Member:      "NameLost",
			Destination: change.old.UniqueName(),
		}, dbus.NameLost{Name: change.name})
	}

	b.broadcastNameOwnerChanged(change)

	if change.new != nil {
		b.send(change.new, &dbus.Header{
			Type:        dbus.MsgTypeSignal,
			Path:        driverPath,
			Interface:   driverInterface,
			Member:      "NameAcquired",
			Destination: change.new.UniqueName(),
		}, dbus.NameAcquired{Name: change.name})

		if act := b.Names.get(change.name); act != nil && act.activation != nil {
			b.drainActivation(ctx, act.activation, change.new)
		}
	}
}

func uniqueOrEmpty(p *Peer) string {
	if p == nil {
		return ""
	}
	return p.UniqueName()
}

func (b *Bus) broadcastNameOwnerChanged(change nameChange) {
	body := dbus.NameOwnerChanged{
		Name: change.name,
		Old:  uniqueOrEmpty(change.old),
		New:  uniqueOrEmpty(change.new),
	}

	fields := MatchFields{
		Type:      dbus.MsgTypeSignal,
		Sender:    driverName,
		Path:      driverPath,
		Interface: driverInterface,
		Member:    "NameOwnerChanged",
		Arg0:      change.name,
	}
	for _, sub := range b.Matches.Subscribers(fields) {
		if !b.Policy.CanReceive(sub.Identity, fields) {
			continue
		}
		b.send(sub, &dbus.Header{
			Type:        dbus.MsgTypeSignal,
			Path:        driverPath,
			Interface:   driverInterface,
			Member:      "NameOwnerChanged",
			Destination: sub.UniqueName(),
		}, body)
	}
}

// drainActivation delivers every queued ActivationRequest and
// ActivationMessage now that newOwner has taken the activatable name,
// in FIFO order, using each message's sender as it is at delivery
// time.
func (b *Bus) drainActivation(ctx context.Context, act *activation, newOwner *Peer) {
	act.reset()
	reqs, msgs := act.drain()

	for _, req := range reqs {
		if req.sender == nil || !req.wantReply {
			continue
		}
		if _, alive := b.peers[req.sender.ID]; !alive {
			continue
		}
		b.send(req.sender, &dbus.Header{
			Type:        dbus.MsgTypeReturn,
			ReplySerial: req.serial,
			Destination: req.sender.UniqueName(),
		}, uint32(startReplySuccess))
	}

	for _, m := range msgs {
		err := b.deliverUnicast(m.sender, newOwner, m.hdr, m.body)
		if err != nil && m.sender != nil {
			if _, alive := b.peers[m.sender.ID]; alive && m.hdr.WantReply() {
				b.send(m.sender, &dbus.Header{
					Type:        dbus.MsgTypeError,
					ReplySerial: m.hdr.Serial,
					ErrName:     errorName(mapActivationDeliveryErr(err)),
					Destination: m.sender.UniqueName(),
				}, "delivery of queued activation message failed")
			}
		}
	}
}

func mapActivationDeliveryErr(err error) Kind {
	de, ok := err.(*Error)
	if !ok {
		return KindSendDenied
	}
	switch de.Kind {
	case KindQuota:
		return KindQuota
	case KindExpectedReplyExists:
		return KindSendDenied
	default:
		return KindSendDenied
	}
}
