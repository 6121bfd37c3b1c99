package server

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/mpris-proxy/pkg/bus"
	"github.com/mpris-proxy/pkg/config"
	"github.com/mpris-proxy/pkg/metrics"
	"github.com/mpris-proxy/pkg/ownership"
	"github.com/mpris-proxy/pkg/protocol"
	"github.com/mpris-proxy/pkg/routing"
	"github.com/mpris-proxy/pkg/tracker"
	"github.com/mpris-proxy/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
)

// ProxyServer proxy server
//
// Everything below the channels is owned by the goroutine running Run and
// is never touched from anywhere else.
type ProxyServer struct {
	conn      bus.Conn
	desc      *protocol.Description
	registry  *prometheus.Registry
	collector *metrics.Collector

	events   chan event
	signals  chan *dbus.Signal
	ready    chan struct{}
	stopped  chan struct{}
	snapshot atomic.Value // Snapshot

	cfg                 *config.Config
	forwardTimeout      time.Duration
	failPendingOnVanish bool

	tracker *tracker.Tracker
	queue   *routing.Queue
	owner   *ownership.Manager
	pending map[string]*PendingInvocation
	// props caches the last known properties per player and interface.
	props map[string]map[string]map[string]dbus.Variant

	serving   bool
	active    types.PeerIdentity
	hasActive bool
}

// PendingInvocation is one call forwarded to a player and not yet answered.
type PendingInvocation struct {
	ID         string
	Invocation *bus.Invocation
	Target     types.PeerIdentity
	Started    time.Time

	cancel context.CancelFunc
}

// Snapshot is the read-only view of the daemon published after every change.
type Snapshot struct {
	Players []types.PeerIdentity // queue order, head first
	ownership.Claim
	Pending int
}

// OnFallback reports whether the daemon serves under its fallback name.
func (s Snapshot) OnFallback() bool {
	return s.Held != "" && s.Held != s.Canonical
}

// Active returns the head of the queue.
func (s Snapshot) Active() (types.PeerIdentity, bool) {
	if len(s.Players) == 0 {
		return types.PeerIdentity{}, false
	}
	return s.Players[0], true
}

type event interface {
	isEvent()
}

type invocationEvent struct {
	inv *bus.Invocation
}

type forwardDone struct {
	pending *PendingInvocation
	call    *dbus.Call
}

type refreshDone struct {
	peer  types.PeerIdentity
	iface string
	call  *dbus.Call
}

type reloadEvent struct {
	cfg *config.Config
}

func (invocationEvent) isEvent() {}
func (forwardDone) isEvent()     {}
func (refreshDone) isEvent()     {}
func (reloadEvent) isEvent()     {}
