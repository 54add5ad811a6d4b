// Package driver implements the bus driver: the reserved
// org.freedesktop.DBus endpoint, and the message dispatcher that
// routes every other message between connected peers.
package driver

import (
	"fmt"

	"github.com/creachadair/mds/mapset"

	dbus "github.com/aviral14112001/dbus-broker"
)

// PeerState is the lifecycle state of a connected peer.
type PeerState int

const (
	// PeerUnregistered is a connected peer that has not yet called Hello.
	PeerUnregistered PeerState = iota
	// PeerRegistered is a normal, addressable peer.
	PeerRegistered
	// PeerMonitor is a peer that has called BecomeMonitor: it receives
	// mirrored traffic and may not send anything itself.
	PeerMonitor
)

// Identity is the authenticated identity of a connected peer, as
// established by the (out of scope) transport/auth layer.
type Identity struct {
	UID           uint32
	PID           uint32
	SecurityLabel []byte // optional, nil if not available (e.g. no SELinux)
}

// Sender is the outbound half of a connected peer: something that can
// be handed a fully-formed message to deliver, and disconnected.
//
// The transport layer implements this; the driver never touches a
// socket directly.
type Sender interface {
	// Enqueue marshals body (a typed Go value) and queues the
	// resulting message for delivery to the peer. Used for
	// driver-originated messages: method replies, errors, and the
	// NameOwnerChanged/NameLost/NameAcquired signals. It returns an
	// error if the peer's send queue is over quota; the caller must
	// then apply the driver's quota policy (drop and disconnect, for
	// broadcast/signal fan-out, or report LimitsExceeded to the
	// caller, for unicast calls).
	Enqueue(hdr *dbus.Header, body any) error
	// EnqueueRaw queues a message whose body is already-encoded wire
	// bytes matching hdr.Signature/hdr.Length, forwarding it verbatim
	// without re-marshaling. Used when routing a message between two
	// other peers: the driver never decodes a body it doesn't need to
	// inspect.
	EnqueueRaw(hdr *dbus.Header, rawBody []byte) error
	// Disconnect tears down the peer's transport. It is called after
	// Goodbye has released the peer's bus-level state.
	Disconnect(reason string)
}

// Peer is a single connection to the bus.
type Peer struct {
	ID       uint64 // allocated at connect time, never reused
	Identity Identity
	Sender   Sender

	State PeerState

	// Names is the set of well-known names this peer became primary
	// owner of through its own RequestName calls, less those it gave
	// up with ReleaseName. It is not updated when the peer is queued,
	// moves up from a queue, or is displaced by a replacement.
	Names mapset.Set[string]

	// Matches is the set of match rule IDs this peer has registered,
	// whether for ordinary subscriptions or (while a monitor) for
	// mirrored traffic.
	Matches mapset.Set[uint64]

	// outstanding is this peer's side of the reply-slot index: serials
	// this peer is waiting on a reply for, destined to arrive from
	// some other peer.
	outstanding mapset.Set[uint32]

	// owedReplies is the reply-slot index seen from the responder
	// side: serials other peers expect this peer to eventually reply
	// to (or that get cancelled with NoReply on disconnect).
	owedReplies mapset.Set[replyKey]

	lastSerial uint32
}

type replyKey struct {
	responder uint64
	serial    uint32
}

// UniqueName returns the peer's bus address, e.g. ":1.42".
func (p *Peer) UniqueName() string {
	return fmt.Sprintf(":1.%d", p.ID)
}

// NextSerial returns the next serial this peer (the bus, acting as
// sender) should use when it addresses a message to this peer, e.g.
// a unicast NameAcquired signal.
func (p *Peer) NextSerial() uint32 {
	p.lastSerial++
	return p.lastSerial
}

func newPeer(id uint64, identity Identity, sender Sender) *Peer {
	return &Peer{
		ID:          id,
		Identity:    identity,
		Sender:      sender,
		State:       PeerUnregistered,
		Names:       mapset.New[string](),
		Matches:     mapset.New[uint64](),
		outstanding: mapset.New[uint32](),
		owedReplies: mapset.New[replyKey](),
	}
}
