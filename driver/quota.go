package driver

import (
	"golang.org/x/time/rate"
)

// Quotas bounds the resources a single peer may consume: how many
// match rules it may register, and how fast it may push messages
// through the dispatcher; a message over the rate is answered with
// LimitsExceeded and the peer stays connected. The hard match-count
// cap is a simple counter
// (matchQuota); the message-rate cap is a token bucket, so that a
// peer's legitimate bursty traffic (e.g. replaying a backlog after
// reconnecting) isn't penalized the same as a sustained flood.
type Quotas struct {
	MaxMatches     int
	MessageRate    rate.Limit
	MessageBurst   int
	MaxActivations int // max queued ActivationMessages per (sender, name)

	matches  *matchQuota
	limiters map[uint64]*rate.Limiter
}

// DefaultQuotas returns reasonable limits for a local bus instance.
func DefaultQuotas() *Quotas {
	return NewQuotas(200, 1000, 2000, 64)
}

func NewQuotas(maxMatches int, messageRate rate.Limit, messageBurst, maxActivations int) *Quotas {
	return &Quotas{
		MaxMatches:     maxMatches,
		MessageRate:    messageRate,
		MessageBurst:   messageBurst,
		MaxActivations: maxActivations,
		matches:        newMatchQuota(maxMatches),
		limiters:       make(map[uint64]*rate.Limiter),
	}
}

func (q *Quotas) limiterFor(peerID uint64) *rate.Limiter {
	l, ok := q.limiters[peerID]
	if !ok {
		l = rate.NewLimiter(q.MessageRate, q.MessageBurst)
		q.limiters[peerID] = l
	}
	return l
}

// AllowMessage reports whether peerID may send one more message right
// now, consuming one token if so. It never blocks: a single-threaded
// event loop cannot afford to wait for a token to refill.
func (q *Quotas) AllowMessage(peerID uint64) bool {
	return q.limiterFor(peerID).Allow()
}

// AllowMatch reports whether peerID may register one more match rule,
// consuming one slot of its match quota if so.
func (q *Quotas) AllowMatch(peerID uint64) bool {
	return q.matches.tryAdd(peerID)
}

// ReleaseMatch returns one match-quota slot to peerID.
func (q *Quotas) ReleaseMatch(peerID uint64) {
	q.matches.remove(peerID)
}

// Forget releases all quota state for a disconnected peer.
func (q *Quotas) Forget(peerID uint64) {
	q.matches.clear(peerID)
	delete(q.limiters, peerID)
}
