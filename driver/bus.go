package driver

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/creachadair/mds/mapset"

	dbus "github.com/aviral14112001/dbus-broker"
)

const (
	driverName      = "org.freedesktop.DBus"
	driverPath      = dbus.ObjectPath("/org/freedesktop/DBus")
	driverInterface = "org.freedesktop.DBus"
)

// Bus is the bus driver: the central object gluing together the name
// registry, match registry, reply tracking, quotas, and the
// connected-peer table, and implementing the org.freedesktop.DBus
// endpoint on top of them.
//
// A Bus is not safe for concurrent use. It is meant to be driven
// entirely from a single event loop goroutine, per SPEC_FULL.md §5.
type Bus struct {
	Log        *slog.Logger
	Names      *NameRegistry
	Matches    MatchRegistry
	Replies    *ReplyRegistry
	Quotas     *Quotas
	Policy     Policy
	Controller Controller

	GUID      string
	MachineID string

	peers      map[uint64]*Peer
	nextPeerID uint64
	monitors   mapset.Set[uint64]

	nextCorrelation      uint64
	pendingStart         map[uint64]string
	pendingReload        map[uint64]*Peer
	pendingReloadSerial  map[uint64]uint32
}

// Config bundles a Bus's external collaborators.
type Config struct {
	Log        *slog.Logger
	Policy     Policy
	Controller Controller
	Quotas     *Quotas
	GUID       string
	MachineID  string
}

// NewBus constructs a Bus. If cfg leaves a field unset, a reasonable
// bundled default is used (AllowAllPolicy, DefaultQuotas, a no-op
// Controller, a discarding logger).
func NewBus(cfg Config) *Bus {
	if cfg.Log == nil {
		cfg.Log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.Policy == nil {
		cfg.Policy = AllowAllPolicy{}
	}
	if cfg.Quotas == nil {
		cfg.Quotas = DefaultQuotas()
	}
	if cfg.Controller == nil {
		cfg.Controller = noopController{}
	}
	return &Bus{
		Log:                 cfg.Log,
		Names:               NewNameRegistry(),
		Matches:             NewMatchRegistry(),
		Replies:             NewReplyRegistry(),
		Quotas:              cfg.Quotas,
		Policy:              cfg.Policy,
		Controller:          cfg.Controller,
		GUID:                cfg.GUID,
		MachineID:           cfg.MachineID,
		peers:               make(map[uint64]*Peer),
		monitors:            mapset.New[uint64](),
		pendingStart:        make(map[uint64]string),
		pendingReload:       make(map[uint64]*Peer),
		pendingReloadSerial: make(map[uint64]uint32),
	}
}

type noopController struct{}

func (noopController) StartService(string, uint64)               {}
func (noopController) ReloadConfig(uint64)                        {}
func (noopController) UpdateActivationEnvironment(map[string]string) {}

// Connect registers a newly-accepted, authenticated transport as a
// bus peer in the unregistered state. The peer must call Hello before
// doing anything else (§3).
func (b *Bus) Connect(identity Identity, sender Sender) *Peer {
	b.nextPeerID++
	p := newPeer(b.nextPeerID, identity, sender)
	b.peers[p.ID] = p
	return p
}

// PeerByUniqueName looks up a connected peer by its ":1.N" address.
func (b *Bus) PeerByUniqueName(n string) *Peer {
	var id uint64
	if _, err := fmt.Sscanf(n, ":1.%d", &id); err != nil {
		return nil
	}
	return b.peers[id]
}

// RegisterActivatableName declares n as backed by an on-demand
// service, so that StartServiceByName, ListActivatableNames, and
// message-triggered activation (Component D) can find it. The caller
// (typically startup code reading an activation directory of service
// descriptions) is responsible for deciding which names are
// activatable; the driver only tracks the resulting state.
func (b *Bus) RegisterActivatableName(n string) error {
	if err := validateWellKnownName(n); err != nil {
		return err
	}
	b.Names.MarkActivatable(n)
	return nil
}

// resolveDestination maps a destination name (unique or well-known)
// to the live peer that currently owns it, if any.
func (b *Bus) resolveDestination(dest string) *Peer {
	if dest == driverName {
		return nil // the driver itself is handled separately, never as a Peer
	}
	if len(dest) > 0 && dest[0] == ':' {
		return b.PeerByUniqueName(dest)
	}
	return b.Names.Owner(dest)
}

func (b *Bus) nextCorrelationID() uint64 {
	b.nextCorrelation++
	return b.nextCorrelation
}

// send delivers body to p with a freshly allocated header, used for
// bus-originated unicast signals (NameAcquired, NameLost) and for
// method-return/error replies.
func (b *Bus) send(p *Peer, hdr *dbus.Header, body any) {
	hdr.Version = 1
	hdr.Serial = p.NextSerial()
	hdr.Sender = driverName
	if err := p.Sender.Enqueue(hdr, body); err != nil {
		b.Log.Warn("dropping message to over-quota peer", "peer", p.UniqueName(), "err", err)
		b.disconnectPeer(p, "send queue quota exceeded")
	}
}

func (b *Bus) replyTo(callHdr *dbus.Header, caller *Peer, body any) {
	if !callHdr.WantReply() {
		return
	}
	hdr := &dbus.Header{
		Type:        dbus.MsgTypeReturn,
		ReplySerial: callHdr.Serial,
		Destination: caller.UniqueName(),
	}
	b.send(caller, hdr, body)
}

func (b *Bus) replyErr(callHdr *dbus.Header, caller *Peer, err error) {
	if !callHdr.WantReply() {
		return
	}
	de, ok := err.(*Error)
	if !ok {
		de = newErr(KindForwardFailed, "%s", err.Error())
	}
	hdr := &dbus.Header{
		Type:        dbus.MsgTypeError,
		ReplySerial: callHdr.Serial,
		ErrName:     errorName(de.Kind),
		Destination: caller.UniqueName(),
	}
	b.send(caller, hdr, de.Detail)
}

// disconnectPeer runs Goodbye (teardown) and tells the transport to
// close the connection.
func (b *Bus) disconnectPeer(p *Peer, reason string) {
	b.Goodbye(context.Background(), p, false)
	delete(b.peers, p.ID)
	b.Quotas.Forget(p.ID)
	p.Sender.Disconnect(reason)
}

// Disconnect is the transport-facing entry point for ending a peer's
// connection: call it when the underlying transport breaks (read
// error, protocol violation) to run Goodbye and tear the peer down.
func (b *Bus) Disconnect(p *Peer, reason string) {
	b.disconnectPeer(p, reason)
}

// TriggerConfigReload asks the controller to reload configuration
// with no caller awaiting a reply, for use by a file watcher or other
// out-of-band trigger rather than a client's ReloadConfig call.
func (b *Bus) TriggerConfigReload() {
	b.Controller.ReloadConfig(0)
}
