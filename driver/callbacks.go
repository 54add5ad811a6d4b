package driver

import (
	"context"

	dbus "github.com/aviral14112001/dbus-broker"
)

// ActivationSucceeded acknowledges that the controller has finished
// launching the service it was asked to start for correlation (see
// Controller.StartService). The activated process is expected to
// claim its name itself, via the usual Hello/RequestName path; this
// callback only clears the in-flight bookkeeping so a later
// StartServiceByName for the same name can ask the controller again
// if needed.
func (b *Bus) ActivationSucceeded(correlation uint64) {
	name, ok := b.pendingStart[correlation]
	if !ok {
		return
	}
	delete(b.pendingStart, correlation)
	if e := b.Names.get(name); e != nil && e.activation != nil {
		e.activation.reset()
	}
}

// ActivationFailed reports that activation requested under correlation
// could not be completed. Every StartServiceByName caller receives
// ServiceUnknown and every queued message's sender receives
// NameHasNoOwner, per §4.D; reason is logged but never put on the
// wire, since §8 scenario 3/4 fix the reply bodies to specific
// human-readable strings regardless of why the controller failed.
func (b *Bus) ActivationFailed(ctx context.Context, correlation uint64, reason string) {
	name, ok := b.pendingStart[correlation]
	if !ok {
		return
	}
	delete(b.pendingStart, correlation)
	b.Log.Warn("activation failed", "name", name, "reason", reason)

	act := b.Names.get(name)
	if act == nil || act.activation == nil {
		return
	}
	act.activation.reset()
	reqs, msgs := act.activation.drain()

	for _, req := range reqs {
		if req.sender == nil || !req.wantReply {
			continue
		}
		if _, alive := b.peers[req.sender.ID]; !alive {
			continue
		}
		b.send(req.sender, &dbus.Header{
			Type:        dbus.MsgTypeError,
			ReplySerial: req.serial,
			ErrName:     errorName(KindNameNotActivatable),
			Destination: req.sender.UniqueName(),
		}, "The name was not provided by any .service files")
	}

	for _, m := range msgs {
		if m.sender == nil || !m.hdr.WantReply() {
			continue
		}
		if _, alive := b.peers[m.sender.ID]; !alive {
			continue
		}
		b.send(m.sender, &dbus.Header{
			Type:        dbus.MsgTypeError,
			ReplySerial: m.hdr.Serial,
			ErrName:     errorName(KindDestinationNotFound),
			Destination: m.sender.UniqueName(),
		}, "The name does not have an owner")
	}
}

// ConfigReloaded replies to the ReloadConfig caller identified by
// correlation with an empty success reply.
func (b *Bus) ConfigReloaded(correlation uint64) {
	p, serial, ok := b.takePendingReload(correlation)
	if !ok {
		return
	}
	b.replyTo(&dbus.Header{Type: dbus.MsgTypeCall, Serial: serial, Flags: 0}, p, struct{}{})
}

// ConfigReloadFailed replies to the ReloadConfig caller identified by
// correlation with reason as an error.
func (b *Bus) ConfigReloadFailed(correlation uint64, reason string) {
	p, serial, ok := b.takePendingReload(correlation)
	if !ok {
		return
	}
	b.replyErr(&dbus.Header{Type: dbus.MsgTypeCall, Serial: serial, Flags: 0}, p, newErr(KindConfigReloadFailed, "%s", reason))
}

func (b *Bus) takePendingReload(correlation uint64) (*Peer, uint32, bool) {
	p, ok := b.pendingReload[correlation]
	if !ok {
		return nil, 0, false
	}
	serial := b.pendingReloadSerial[correlation]
	delete(b.pendingReload, correlation)
	delete(b.pendingReloadSerial, correlation)
	if _, alive := b.peers[p.ID]; !alive {
		return nil, 0, false
	}
	return p, serial, true
}
