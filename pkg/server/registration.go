package server

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/mpris-proxy/pkg/logging"
	"github.com/mpris-proxy/pkg/protocol"
	"github.com/mpris-proxy/pkg/tracker"
	"github.com/mpris-proxy/pkg/types"
)

const refreshTimeout = 5 * time.Second

// handlePlayerEvent keeps the queue in step with the tracker.
func (s *ProxyServer) handlePlayerEvent(ctx context.Context, ev tracker.Event) {
	switch ev.Kind {
	case tracker.Appeared:
		s.queue.Insert(ev.Peer)
		s.collector.RecordPlayerEvent("appeared")
		logging.Logf("[tracker] player appeared %s owner=%s", ev.Peer, ev.Peer.Owner)
		s.refreshProperties(ctx, ev.Peer)
	case tracker.Vanished:
		s.queue.Remove(ev.Peer)
		delete(s.props, ev.Peer.String())
		s.collector.RecordPlayerEvent("vanished")
		logging.Logf("[tracker] player vanished %s owner=%s", ev.Peer, ev.Peer.Owner)
		if s.failPendingOnVanish {
			s.failPending(ev.Peer)
		}
	}
	s.logPlayersTable()
}

// refreshProperties asks peer for all root and player properties.
func (s *ProxyServer) refreshProperties(ctx context.Context, peer types.PeerIdentity) {
	for _, iface := range []string{protocol.RootInterface, protocol.PlayerInterface} {
		callCtx, cancel := context.WithTimeout(ctx, refreshTimeout)
		done := make(chan *dbus.Call, 1)
		call := s.conn.Go(callCtx, peer.Owner, protocol.MprisPath,
			protocol.PropertiesInterface+"."+protocol.PropertiesGetAll, done, iface)

		iface := iface
		go func() {
			defer cancel()
			s.post(refreshDone{peer: peer, iface: iface, call: <-call.Done})
		}()
	}
}

func (s *ProxyServer) completeRefresh(ev refreshDone) {
	current, ok := s.tracker.Lookup(ev.peer)
	if !ok || current.Owner != ev.peer.Owner {
		return
	}
	if ev.call.Err != nil {
		logging.Debugf("[props] GetAll %s from %s failed: %v", ev.iface, ev.peer, ev.call.Err)
		return
	}
	var props map[string]dbus.Variant
	if err := dbus.Store(ev.call.Body, &props); err != nil {
		logging.Debugf("[props] GetAll %s from %s returned %v: %v", ev.iface, ev.peer, ev.call.Body, err)
		return
	}
	s.peerProps(ev.peer)[ev.iface] = props

	if s.serving && s.hasActive && s.active.Equal(ev.peer) {
		s.emitProperties(ev.iface, props, nil)
	}
}

func (s *ProxyServer) peerProps(peer types.PeerIdentity) map[string]map[string]dbus.Variant {
	key := peer.String()
	m, ok := s.props[key]
	if !ok {
		m = make(map[string]map[string]dbus.Variant)
		s.props[key] = m
	}
	return m
}

// mergeProperties applies a PropertiesChanged body to the cache.
func (s *ProxyServer) mergeProperties(peer types.PeerIdentity, body []interface{}) {
	if len(body) != 3 {
		return
	}
	iface, ok1 := body[0].(string)
	changed, ok2 := body[1].(map[string]dbus.Variant)
	invalidated, ok3 := body[2].([]string)
	if !ok1 || !ok2 || !ok3 {
		logging.Debugf("[props] ignoring PropertiesChanged from %s with payload %v", peer, body)
		return
	}
	all := s.peerProps(peer)
	props, ok := all[iface]
	if !ok {
		props = make(map[string]dbus.Variant, len(changed))
		all[iface] = props
	}
	for name, v := range changed {
		props[name] = v
	}
	for _, name := range invalidated {
		delete(props, name)
	}
}

// playersTableLines returns the queue in order, head first.
func (s *ProxyServer) playersTableLines() []string {
	players := s.queue.Snapshot()
	if len(players) == 0 {
		return []string{"players=[]"}
	}
	items := make([]string, 0, len(players))
	for _, p := range players {
		owner := p.Owner
		if tracked, ok := s.tracker.Lookup(p); ok {
			owner = tracked.Owner
		}
		items = append(items, fmt.Sprintf("%s(%s)", p, owner))
	}
	return []string{fmt.Sprintf("players=[%s]", strings.Join(items, ","))}
}

// logPlayersTable prints the queue only in debug mode.
func (s *ProxyServer) logPlayersTable() {
	if !logging.IsDebug() {
		return
	}
	s.printPlayersTable()
}

// printPlayersTable prints the queue regardless of log level.
func (s *ProxyServer) printPlayersTable() {
	logging.Logf("[queue] instance=%s %s", logging.GetInstanceID(), strings.Join(s.playersTableLines(), ""))
}
