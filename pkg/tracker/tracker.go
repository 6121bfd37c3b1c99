package tracker

import (
	"context"
	"sort"
	"strings"

	"github.com/godbus/dbus/v5"
	"github.com/mpris-proxy/pkg/bus"
	"github.com/mpris-proxy/pkg/logging"
	"github.com/mpris-proxy/pkg/protocol"
	"github.com/mpris-proxy/pkg/types"
)

// Kind tells an appear from a vanish.
type Kind int

const (
	Appeared Kind = iota + 1
	Vanished
)

func (k Kind) String() string {
	switch k {
	case Appeared:
		return "appeared"
	case Vanished:
		return "vanished"
	default:
		return "unknown"
	}
}

// Event reports one player coming or going.
type Event struct {
	Kind Kind
	Peer types.PeerIdentity
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithExclude skips every name whose local id matches fn.
func WithExclude(fn func(localID string) bool) Option {
	return func(t *Tracker) {
		t.exclude = fn
	}
}

// Tracker keeps the list of MPRIS players present on one or more buses,
// most recently appeared first. It is not safe for concurrent use.
type Tracker struct {
	exclude func(string) bool
	peers   []types.PeerIdentity
}

func New(opts ...Option) *Tracker {
	t := &Tracker{}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// MatchOptions returns the match rule for NameOwnerChanged on the bus daemon.
func MatchOptions() []dbus.MatchOption {
	return []dbus.MatchOption{
		dbus.WithMatchSender(protocol.BusDaemonName),
		dbus.WithMatchObjectPath(protocol.BusDaemonPath),
		dbus.WithMatchInterface(protocol.BusDaemonInterface),
		dbus.WithMatchMember(protocol.NameOwnerChanged),
		dbus.WithMatchArg0Namespace(strings.TrimSuffix(types.MprisPrefix, ".")),
	}
}

// Start enumerates the players already present on every connection and
// returns one Appeared event per player, in insertion order. A nil entry
// or a failing enumeration leaves that scope without players.
func (t *Tracker) Start(ctx context.Context, conns map[types.BusScope]bus.Conn) []Event {
	var events []Event
	for _, scope := range types.AllScopes {
		conn, ok := conns[scope]
		if !ok || conn == nil {
			continue
		}
		events = append(events, t.enumerate(ctx, scope, conn)...)
	}
	return events
}

func (t *Tracker) enumerate(ctx context.Context, scope types.BusScope, conn bus.Conn) []Event {
	names, err := conn.ListNames(ctx)
	if err != nil {
		logging.Warnf("[tracker] %s bus unavailable, no players from it: %v", scope, err)
		return nil
	}
	sort.Strings(names)

	// Insert in reverse so the first listed name ends up at the head.
	var events []Event
	for i := len(names) - 1; i >= 0; i-- {
		id, ok := protocol.LocalIDFromBusName(names[i])
		if !ok || t.excluded(id) {
			continue
		}
		owner, err := conn.GetNameOwner(ctx, names[i])
		if err != nil {
			logging.Debugf("[tracker] %s vanished during enumeration: %v", names[i], err)
			continue
		}
		if ev, ok := t.appear(types.PeerIdentity{LocalID: id, Source: scope, Owner: owner}); ok {
			events = append(events, ev)
		}
	}
	return events
}

// HandleNameOwnerChanged classifies one NameOwnerChanged signal received on
// scope. ok is false when nothing changed.
func (t *Tracker) HandleNameOwnerChanged(scope types.BusScope, sig *dbus.Signal) (Event, bool) {
	if sig == nil || sig.Name != protocol.BusDaemonInterface+"."+protocol.NameOwnerChanged {
		return Event{}, false
	}
	if len(sig.Body) != 3 {
		logging.Debugf("[tracker] ignoring NameOwnerChanged with %d arguments", len(sig.Body))
		return Event{}, false
	}
	name, ok1 := sig.Body[0].(string)
	prev, ok2 := sig.Body[1].(string)
	next, ok3 := sig.Body[2].(string)
	if !ok1 || !ok2 || !ok3 {
		logging.Debugf("[tracker] ignoring NameOwnerChanged with unexpected payload %v", sig.Body)
		return Event{}, false
	}

	id, ok := protocol.LocalIDFromBusName(name)
	if !ok || t.excluded(id) {
		return Event{}, false
	}
	peer := types.PeerIdentity{LocalID: id, Source: scope, Owner: next}

	switch {
	case prev == "" && next != "":
		return t.appear(peer)
	case prev != "" && next == "":
		return t.vanish(peer)
	case prev != "" && next != "":
		t.handover(peer)
	}
	return Event{}, false
}

func (t *Tracker) excluded(id string) bool {
	return t.exclude != nil && t.exclude(id)
}

func (t *Tracker) index(p types.PeerIdentity) int {
	for i, existing := range t.peers {
		if existing.Equal(p) {
			return i
		}
	}
	return -1
}

func (t *Tracker) appear(p types.PeerIdentity) (Event, bool) {
	if t.index(p) >= 0 {
		return Event{}, false
	}
	t.peers = append([]types.PeerIdentity{p}, t.peers...)
	logging.Debugf("[tracker] appeared %s owner=%s", p, p.Owner)
	return Event{Kind: Appeared, Peer: p}, true
}

func (t *Tracker) vanish(p types.PeerIdentity) (Event, bool) {
	i := t.index(p)
	if i < 0 {
		return Event{}, false
	}
	gone := t.peers[i]
	t.peers = append(t.peers[:i], t.peers[i+1:]...)
	logging.Debugf("[tracker] vanished %s owner=%s", gone, gone.Owner)
	return Event{Kind: Vanished, Peer: gone}, true
}

// handover records a new owner for a name that moved between connections
// without an intermediate vanish.
func (t *Tracker) handover(p types.PeerIdentity) {
	i := t.index(p)
	if i < 0 {
		return
	}
	logging.Debugf("[tracker] %s changed owner %s -> %s", p, t.peers[i].Owner, p.Owner)
	t.peers[i].Owner = p.Owner
}

// Players returns the tracked players, most recently appeared first.
func (t *Tracker) Players() []types.PeerIdentity {
	out := make([]types.PeerIdentity, len(t.peers))
	copy(out, t.peers)
	return out
}

// Lookup returns the tracked copy of p, which carries the current owner.
func (t *Tracker) Lookup(p types.PeerIdentity) (types.PeerIdentity, bool) {
	i := t.index(p)
	if i < 0 {
		return types.PeerIdentity{}, false
	}
	return t.peers[i], true
}

// LookupOwner finds the player whose current owner on scope is owner.
func (t *Tracker) LookupOwner(scope types.BusScope, owner string) (types.PeerIdentity, bool) {
	if owner == "" {
		return types.PeerIdentity{}, false
	}
	for _, p := range t.peers {
		if p.Source == scope && p.Owner == owner {
			return p, true
		}
	}
	return types.PeerIdentity{}, false
}
