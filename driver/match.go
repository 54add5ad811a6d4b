package driver

import (
	"strings"

	dbus "github.com/aviral14112001/dbus-broker"
)

// MatchFields is the subset of a message's metadata a match rule can
// filter on. It is the in-scope surface the (out-of-scope) match-rule
// parser and policy evaluator both key off.
type MatchFields struct {
	Type      dbus.MsgType
	Sender    string
	Path      dbus.ObjectPath
	Interface string
	Member    string
	Arg0      string
	Eavesdrop bool
}

// MatchRule is a parsed match expression, as registered via AddMatch.
// This module defines the interface; production deployments supply a
// parser for the full org.freedesktop.DBus match-rule grammar. The
// default implementation below (equalityRule) covers equality matching on
// every field the driver itself needs to filter on.
type MatchRule interface {
	// Match reports whether m satisfies the rule.
	Match(m MatchFields) bool
	// String renders the rule back to its match-rule text form, as
	// required by error messages and introspection.
	String() string
}

// MatchRegistry indexes match rules so the dispatcher can cheaply find
// every peer subscribed to a given message, without scanning every
// connected peer for every message.
type MatchRegistry interface {
	// Add registers rule under owner, returning the id it is recorded
	// under in owner.Matches. ruleText is the original match-rule
	// string, needed because RemoveMatch identifies rules by exact
	// text, not by id.
	Add(owner *Peer, ruleText string, rule MatchRule) (id uint64, err error)
	// Remove un-registers the rule with the given original text that
	// was registered by owner. It returns an error if no such rule
	// exists.
	Remove(owner *Peer, ruleText string) error
	// RemoveOwner removes every rule owned by owner, used by Goodbye.
	RemoveOwner(owner *Peer)
	// Subscribers returns every peer whose registered rules match m.
	// A peer subscribed with multiple matching rules appears once.
	Subscribers(m MatchFields) []*Peer
}

// equalityRule matches each populated field by exact equality, per
// the simplest rule shape the DBus match-rule grammar supports.
// path_namespace and arg0namespace are parsed into the path and arg0
// fields and also compared by exact equality, not as prefixes;
// eavesdrop is recorded but not consulted by Match.
type equalityRule struct {
	text      string
	hasType   bool
	typ       dbus.MsgType
	sender    string
	path      dbus.ObjectPath
	iface     string
	member    string
	arg0      string
	eavesdrop bool
}

func (r *equalityRule) String() string { return r.text }

func (r *equalityRule) Match(m MatchFields) bool {
	if r.hasType && r.typ != m.Type {
		return false
	}
	if r.sender != "" && r.sender != m.Sender {
		return false
	}
	if r.path != "" && r.path != m.Path {
		return false
	}
	if r.iface != "" && r.iface != m.Interface {
		return false
	}
	if r.member != "" && r.member != m.Member {
		return false
	}
	if r.arg0 != "" && r.arg0 != m.Arg0 {
		return false
	}
	return true
}

// ParseMatchRule parses the comma-separated key='value' match-rule
// grammar (type=, sender=, path=, interface=, member=, arg0=,
// eavesdrop=) into a MatchRule. It is the default, minimal parser;
// nothing prevents a deployment from supplying a more complete one to
// satisfy the MatchRule interface instead.
func ParseMatchRule(text string) (MatchRule, error) {
	r := &equalityRule{text: text}
	if text == "" {
		return r, nil
	}
	for _, kv := range strings.Split(text, ",") {
		kv = strings.TrimSpace(kv)
		if kv == "" {
			continue
		}
		eq := strings.IndexByte(kv, '=')
		if eq < 0 {
			return nil, newErr(KindMatchInvalid, "malformed match rule clause %q", kv)
		}
		key := kv[:eq]
		val := strings.Trim(kv[eq+1:], "'")
		switch key {
		case "type":
			switch val {
			case "signal":
				r.typ, r.hasType = dbus.MsgTypeSignal, true
			case "method_call":
				r.typ, r.hasType = dbus.MsgTypeCall, true
			case "method_return":
				r.typ, r.hasType = dbus.MsgTypeReturn, true
			case "error":
				r.typ, r.hasType = dbus.MsgTypeError, true
			default:
				return nil, newErr(KindMatchInvalid, "unknown match type %q", val)
			}
		case "sender":
			r.sender = val
		case "path", "path_namespace":
			r.path = dbus.ObjectPath(val)
		case "interface":
			r.iface = val
		case "member":
			r.member = val
		case "arg0", "arg0namespace":
			r.arg0 = val
		case "eavesdrop":
			r.eavesdrop = val == "true"
		case "destination":
			// Destination is handled by delivery addressing, not
			// match filtering; accepted for grammar compatibility.
		default:
			return nil, newErr(KindMatchInvalid, "unknown match rule key %q", key)
		}
	}
	return r, nil
}

type registeredRule struct {
	id    uint64
	owner *Peer
	text  string
	rule  MatchRule
}

// defaultMatchRegistry is the bundled MatchRegistry implementation: a
// flat slice scanned linearly on every lookup. It is correct and
// simple; a production deployment with many peers and high broadcast
// volume would index by interface/member the way the real bus does,
// but nothing in this module's scope requires that optimization.
type defaultMatchRegistry struct {
	nextID uint64
	rules  []*registeredRule
}

// NewMatchRegistry returns the bundled default MatchRegistry.
func NewMatchRegistry() MatchRegistry {
	return &defaultMatchRegistry{}
}

func (r *defaultMatchRegistry) Add(owner *Peer, ruleText string, rule MatchRule) (uint64, error) {
	r.nextID++
	id := r.nextID
	r.rules = append(r.rules, &registeredRule{id: id, owner: owner, text: ruleText, rule: rule})
	owner.Matches.Add(id)
	return id, nil
}

func (r *defaultMatchRegistry) Remove(owner *Peer, ruleText string) error {
	for i, rr := range r.rules {
		if rr.owner == owner && rr.text == ruleText {
			owner.Matches.Discard(rr.id)
			r.rules = append(r.rules[:i], r.rules[i+1:]...)
			return nil
		}
	}
	return newErr(KindMatchNotFound, "no matching rule %q registered", ruleText)
}

func (r *defaultMatchRegistry) RemoveOwner(owner *Peer) {
	kept := r.rules[:0]
	for _, rr := range r.rules {
		if rr.owner == owner {
			owner.Matches.Discard(rr.id)
			continue
		}
		kept = append(kept, rr)
	}
	r.rules = kept
}

func (r *defaultMatchRegistry) Subscribers(m MatchFields) []*Peer {
	seen := make(map[uint64]bool)
	var out []*Peer
	for _, rr := range r.rules {
		if seen[rr.owner.ID] {
			continue
		}
		if rr.rule.Match(m) {
			seen[rr.owner.ID] = true
			out = append(out, rr.owner)
		}
	}
	return out
}

// matchQuota counts the number of match rules registered per-id and
// enforces the quota described in §4.C ("AddMatch ... quota-counted").
type matchQuota struct {
	max    int
	counts map[uint64]int
}

func newMatchQuota(max int) *matchQuota {
	return &matchQuota{max: max, counts: make(map[uint64]int)}
}

func (q *matchQuota) tryAdd(peerID uint64) bool {
	if q.counts[peerID] >= q.max {
		return false
	}
	q.counts[peerID]++
	return true
}

func (q *matchQuota) remove(peerID uint64) {
	if q.counts[peerID] > 0 {
		q.counts[peerID]--
	}
}

func (q *matchQuota) clear(peerID uint64) {
	delete(q.counts, peerID)
}
