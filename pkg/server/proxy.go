package server

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/godbus/dbus/v5"
	"github.com/mpris-proxy/pkg/bus"
	"github.com/mpris-proxy/pkg/config"
	"github.com/mpris-proxy/pkg/logging"
	"github.com/mpris-proxy/pkg/protocol"
	"github.com/mpris-proxy/pkg/proxy"
	"github.com/mpris-proxy/pkg/routing"
	"github.com/mpris-proxy/pkg/tracker"
	"github.com/mpris-proxy/pkg/types"
)

var errConnClosed = errors.New("bus connection closed")

// Run registers the MPRIS object, enumerates players, claims the daemon's
// name and then serves until ctx is done. It must be called once.
func (s *ProxyServer) Run(ctx context.Context) error {
	defer close(s.stopped)

	s.conn.Route(protocol.MprisPath, s.desc, s.handleInvocation)
	logging.Debugf("[listen] routing %s at %s", strings.Join(s.desc.Names(), ","), protocol.MprisPath)
	if err := s.conn.AddMatchSignal(tracker.MatchOptions()...); err != nil {
		return fmt.Errorf("subscribe to name changes: %w", err)
	}
	if err := s.conn.AddMatchSignal(dbus.WithMatchObjectPath(protocol.MprisPath)); err != nil {
		return fmt.Errorf("subscribe to player signals: %w", err)
	}
	s.conn.Signal(s.signals)
	defer s.conn.RemoveSignal(s.signals)

	conns := map[types.BusScope]bus.Conn{s.conn.Scope(): s.conn}
	for _, ev := range s.tracker.Start(ctx, conns) {
		s.handlePlayerEvent(ctx, ev)
	}

	held, err := s.owner.Acquire()
	if err != nil {
		return fmt.Errorf("acquire bus name: %w", err)
	}
	logging.Logf("[owner] serving %s on %s bus unique=%s", held, s.conn.Scope(), s.conn.UniqueName())
	s.printPlayersTable()

	s.serving = true
	s.checkActive()
	s.publish()
	close(s.ready)

	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return nil
		case sig, ok := <-s.signals:
			if !ok {
				s.shutdown()
				return errConnClosed
			}
			s.handleSignal(ctx, sig)
		case ev := <-s.events:
			s.handleEvent(ctx, ev)
		}
		s.checkActive()
		s.publish()
	}
}

// post delivers ev to the event loop, or drops it once the loop is gone.
func (s *ProxyServer) post(ev event) {
	select {
	case s.events <- ev:
	case <-s.stopped:
	}
}

// handleInvocation runs on the bus library's per-call goroutine.
func (s *ProxyServer) handleInvocation(inv *bus.Invocation) {
	select {
	case s.events <- invocationEvent{inv: inv}:
	case <-s.stopped:
		proxy.Shutdown().Deliver(inv)
	}
}

func (s *ProxyServer) handleEvent(ctx context.Context, ev event) {
	switch ev := ev.(type) {
	case invocationEvent:
		s.dispatch(ctx, ev.inv)
	case forwardDone:
		s.completeForward(ev)
	case refreshDone:
		s.completeRefresh(ev)
	case reloadEvent:
		s.applyReload(ev.cfg)
	}
}

func (s *ProxyServer) handleSignal(ctx context.Context, sig *dbus.Signal) {
	if sig == nil {
		return
	}
	if sig.Sender == protocol.BusDaemonName {
		switch sig.Name {
		case protocol.BusDaemonInterface + "." + protocol.NameOwnerChanged:
			if ev, ok := s.tracker.HandleNameOwnerChanged(s.conn.Scope(), sig); ok {
				s.handlePlayerEvent(ctx, ev)
			}
		case protocol.NameLostSignal, protocol.NameAcquiredSignal:
			if s.owner.HandleSignal(sig) {
				logging.Logf("[owner] now holding %q", s.owner.Held())
			}
		}
		return
	}
	if sig.Path != protocol.MprisPath {
		return
	}
	s.relaySignal(sig)
}

// relaySignal promotes the player that emitted sig and re-emits it under
// the daemon's name.
func (s *ProxyServer) relaySignal(sig *dbus.Signal) {
	peer, ok := s.tracker.LookupOwner(s.conn.Scope(), sig.Sender)
	if !ok {
		return
	}
	iface, member := protocol.SplitMember(sig.Name)
	if !protocol.RelaysSignal(iface) {
		return
	}
	if iface == protocol.PropertiesInterface && member == protocol.PropertiesChanged {
		s.mergeProperties(peer, sig.Body)
	}

	if head, ok := s.queue.Head(); !ok || !head.Equal(peer) {
		s.queue.PromoteToHead(peer)
		s.collector.RecordPlayerEvent("promoted")
		logging.Debugf("[queue] promoted %s after %s", peer, sig.Name)
	}
	s.checkActive()

	if err := s.conn.Emit(sig.Path, sig.Name, sig.Body...); err != nil {
		logging.Warnf("[signal] re-emit %s from %s failed: %v", sig.Name, peer, err)
		return
	}
	s.collector.RecordSignal(peer.String(), iface)
}

func (s *ProxyServer) applyReload(next *config.Config) {
	if next == nil {
		return
	}
	if changed := s.cfg.RestartRequired(next); len(changed) > 0 {
		logging.Warnf("[config] changes to %v need a restart to apply", changed)
	}
	if next.Log.Level != s.cfg.Log.Level {
		if err := logging.SetLevel(next.Log.Level); err != nil {
			logging.Warnf("[config] %v", err)
		}
	}
	if next.Daemon.Priority != s.cfg.Daemon.Priority {
		s.queue.SetComparator(routing.ParsePriority(next.Daemon.Priority))
		logging.Logf("[queue] priority set to %q", next.Daemon.Priority)
	}
	s.forwardTimeout = next.GetForwardTimeout()
	s.failPendingOnVanish = next.Daemon.FailPendingOnVanish

	s.cfg.Log.Level = next.Log.Level
	s.cfg.Daemon.Priority = next.Daemon.Priority
	s.cfg.Daemon.ForwardTimeout = next.Daemon.ForwardTimeout
	s.cfg.Daemon.FailPendingOnVanish = next.Daemon.FailPendingOnVanish
}

func (s *ProxyServer) shutdown() {
	for id, p := range s.pending {
		delete(s.pending, id)
		p.cancel()
		s.finish(p, proxy.Shutdown())
	}
	s.owner.Release()
	s.publish()
	logging.Logf("[owner] daemon stopped")
}
