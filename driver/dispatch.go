package driver

import (
	"context"
	"fmt"

	dbus "github.com/aviral14112001/dbus-broker"
)

const peerInterface = "org.freedesktop.DBus.Peer"

// InboundMessage is a fully-decoded message header plus its
// not-yet-unmarshaled body, as produced by the (out-of-scope)
// transport/codec layer at the edge of the event loop.
type InboundMessage struct {
	Header *dbus.Header
	Body   []byte // raw wire bytes matching Header.Signature/Length
}

// Dispatch routes one inbound message from p, per the eleven-step
// algorithm in SPEC_FULL.md §4.F. A non-nil error of Kind
// KindProtocolViolation (or an error not of type *Error) means the
// caller must drop p's transport; any other error has already been
// turned into a wire reply to p (or silently dropped, if the inbound
// message had NO_REPLY_EXPECTED set) and requires no further action.
func (b *Bus) Dispatch(ctx context.Context, p *Peer, msg InboundMessage) error {
	hdr := msg.Header

	if p.State == PeerMonitor {
		return &Error{Kind: KindProtocolViolation, Detail: "monitor peer attempted to send a message"}
	}
	if err := hdr.Valid(); err != nil {
		return &Error{Kind: KindProtocolViolation, Detail: err.Error()}
	}

	// Clients cannot forge their sender identity.
	hdr.Sender = p.UniqueName()

	if !b.Quotas.AllowMessage(p.ID) {
		err := newErr(KindQuota, "message rate limit exceeded")
		b.replyErr(hdr, p, err)
		return nil
	}

	b.mirrorToMonitors(hdr, msg.Body)

	if hdr.Destination == "" && hdr.Type == dbus.MsgTypeCall {
		return b.dispatchPeerInterfaceOnly(hdr, p)
	}

	if hdr.Destination == driverName {
		return b.dispatchToDriver(ctx, hdr, p, msg.Body)
	}

	if p.State != PeerRegistered {
		return &Error{Kind: KindProtocolViolation, Detail: "Hello() was not yet called"}
	}

	switch {
	case hdr.Destination == "" && hdr.Type == dbus.MsgTypeSignal:
		b.broadcast(hdr, p, msg.Body)
		return nil
	case hdr.Destination == "":
		err := newErr(KindUnexpectedMessageType, "messages without a destination must be signals")
		b.replyErr(hdr, p, err)
		return nil
	case hdr.Type == dbus.MsgTypeSignal, hdr.Type == dbus.MsgTypeCall:
		return b.routeUnicast(hdr, p, msg.Body)
	case hdr.Type == dbus.MsgTypeReturn, hdr.Type == dbus.MsgTypeError:
		return b.routeReply(hdr, p, msg.Body)
	default:
		err := newErr(KindUnexpectedMessageType, "unknown message type %d", hdr.Type)
		b.replyErr(hdr, p, err)
		return nil
	}
}

// dispatchPeerInterfaceOnly handles calls with no Destination: only
// org.freedesktop.DBus.Peer (Ping, GetMachineId) is reachable this
// way (§4.F step 5).
func (b *Bus) dispatchPeerInterfaceOnly(hdr *dbus.Header, p *Peer) error {
	if hdr.Interface != "" && hdr.Interface != peerInterface {
		b.replyErr(hdr, p, newErr(KindUnexpectedMethod, "no destination: only %s is reachable", peerInterface))
		return nil
	}
	switch hdr.Member {
	case "Ping":
		b.replyTo(hdr, p, struct{}{})
	case "GetMachineId":
		b.replyTo(hdr, p, b.MachineID)
	default:
		b.replyErr(hdr, p, newErr(KindUnexpectedMethod, "unknown method %q", hdr.Member))
	}
	return nil
}

func (b *Bus) fieldsOf(hdr *dbus.Header, body []byte) MatchFields {
	return MatchFields{
		Type:      hdr.Type,
		Sender:    hdr.Sender,
		Path:      hdr.Path,
		Interface: hdr.Interface,
		Member:    hdr.Member,
		Arg0:      firstStringArg(hdr, body),
	}
}

// firstStringArg would decode arg0 for arg0-based match filtering on
// arbitrary client signals. This module's scope only requires arg0
// filtering to work for the driver's own NameOwnerChanged, which is
// matched directly in notify.go without going through the dispatcher,
// so forwarded client signals never get arg0 filtering.
func firstStringArg(hdr *dbus.Header, body []byte) string {
	return ""
}

func (b *Bus) mirrorToMonitors(hdr *dbus.Header, body []byte) {
	if b.monitors.Len() == 0 {
		return
	}
	fields := b.fieldsOf(hdr, body)
	for _, sub := range b.Matches.Subscribers(fields) {
		if !b.monitors.Has(sub.ID) {
			continue
		}
		if err := sub.Sender.EnqueueRaw(hdr, body); err != nil {
			b.Log.Warn("disconnecting over-quota monitor", "peer", sub.UniqueName())
			b.disconnectPeer(sub, "monitor send queue quota exceeded")
		}
	}
}

// broadcast fans a signal with no Destination out to every subscribed
// peer, applying send- then receive-policy per recipient (§4.F step
// 8). A receive-quota failure disconnects that one receiver; it never
// aborts the rest of the fan-out.
func (b *Bus) broadcast(hdr *dbus.Header, sender *Peer, body []byte) {
	fields := b.fieldsOf(hdr, body)
	if !b.Policy.CanSend(sender.Identity, fields) {
		return
	}
	for _, sub := range b.Matches.Subscribers(fields) {
		if sub.ID == sender.ID {
			continue
		}
		if !b.Policy.CanReceive(sub.Identity, fields) {
			continue
		}
		if err := sub.Sender.EnqueueRaw(hdr, body); err != nil {
			b.disconnectPeer(sub, "send queue quota exceeded")
		}
	}
}

// routeUnicast forwards a call or signal with an explicit Destination
// (§4.F step 9): direct delivery if the destination peer is live,
// activation capture if the destination is an unowned activatable
// name, else DestinationNotFound.
func (b *Bus) routeUnicast(hdr *dbus.Header, sender *Peer, body []byte) error {
	if !b.Policy.CanSend(sender.Identity, b.fieldsOf(hdr, body)) {
		b.replyErr(hdr, sender, newErr(KindSendDenied, "send denied by policy"))
		return nil
	}

	dest := b.resolveDestination(hdr.Destination)
	if dest != nil {
		if err := b.deliverUnicast(sender, dest, hdr, body); err != nil {
			b.replyErr(hdr, sender, err)
		}
		return nil
	}

	if b.Names.Activatable(hdr.Destination) {
		if hdr.Flags&dbus.FlagNoAutoStart != 0 {
			b.replyErr(hdr, sender, newErr(KindDestinationNotFound, "name %q has no owner", hdr.Destination))
			return nil
		}
		b.captureForActivation(hdr, sender, body)
		return nil
	}

	b.replyErr(hdr, sender, newErr(KindDestinationNotFound, "name %q has no owner", hdr.Destination))
	return nil
}

// deliverUnicast applies receive-policy, registers a reply slot if
// needed, and forwards the raw body to dest. sender may be nil only
// when replaying a captured activation message whose original
// sender has since disconnected (the reply-slot registration is then
// skipped, since nothing is waiting).
func (b *Bus) deliverUnicast(sender, dest *Peer, hdr *dbus.Header, body []byte) error {
	fields := b.fieldsOf(hdr, body)
	if !b.Policy.CanReceive(dest.Identity, fields) {
		return newErr(KindReceiveDenied, "receive denied by policy")
	}

	if hdr.Type == dbus.MsgTypeCall && hdr.WantReply() && sender != nil {
		if _, err := b.Replies.Register(sender, dest, hdr.Serial); err != nil {
			return err
		}
	}

	if err := dest.Sender.EnqueueRaw(hdr, body); err != nil {
		return newErr(KindQuota, "destination send queue full")
	}
	return nil
}

// routeReply handles an incoming METHOD_RETURN/ERROR: it must match a
// previously registered reply slot, or the message is a forged/stale
// reply and is rejected (§4.F step 10, §8 invariant 1).
func (b *Bus) routeReply(hdr *dbus.Header, responder *Peer, body []byte) error {
	waiter := b.Replies.Resolve(responder, hdr.ReplySerial)
	if waiter == nil {
		return &Error{Kind: KindProtocolViolation, Detail: fmt.Sprintf("unexpected reply with serial %d from %s", hdr.ReplySerial, responder.UniqueName())}
	}
	if err := waiter.Sender.EnqueueRaw(hdr, body); err != nil {
		b.disconnectPeer(waiter, "send queue quota exceeded")
	}
	return nil
}

// captureForActivation queues a message bound for an unowned
// activatable name, requesting activation from the controller if one
// isn't already in flight (§3, Activation; §4.D).
func (b *Bus) captureForActivation(hdr *dbus.Header, sender *Peer, body []byte) {
	act := b.Names.RegisterActivation(hdr.Destination)
	queued := 0
	for _, m := range act.messages {
		if m.sender == sender {
			queued++
		}
	}
	if queued >= b.Quotas.MaxActivations {
		b.replyErr(hdr, sender, newErr(KindQuota, "too many queued messages for activatable name %q", hdr.Destination))
		return
	}
	act.messages = append(act.messages, activationMessage{hdr: hdr, body: body, sender: sender})
	if act.markRequested() {
		corr := b.nextCorrelationID()
		b.pendingStart[corr] = hdr.Destination
		b.Controller.StartService(hdr.Destination, corr)
	}
}
