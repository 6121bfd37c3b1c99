package server

import (
	"context"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/mpris-proxy/pkg/bus"
	"github.com/mpris-proxy/pkg/logging"
	"github.com/mpris-proxy/pkg/protocol"
	"github.com/mpris-proxy/pkg/proxy"
	"github.com/mpris-proxy/pkg/types"
)

// dispatch answers calls on the daemon interface locally and forwards
// everything else to the active player.
func (s *ProxyServer) dispatch(ctx context.Context, inv *bus.Invocation) {
	logging.Debugf("[forward] call_id=%s %s from %s", inv.ID, inv.Method(), inv.Sender)

	switch {
	case inv.Interface == protocol.DaemonInterface:
		s.handleDaemonCall(inv)
	case inv.Interface == protocol.PropertiesInterface && propertiesInterface(inv) == protocol.DaemonInterface:
		s.handleDaemonProperties(inv)
	default:
		s.forward(ctx, inv)
	}
}

// propertiesInterface returns the interface a Properties call is about.
func propertiesInterface(inv *bus.Invocation) string {
	if len(inv.Body) == 0 {
		return ""
	}
	iface, _ := inv.Body[0].(string)
	return iface
}

// forward sends a copy of the call to the current owner of the queue head.
// The reply arrives later as a forwardDone event.
func (s *ProxyServer) forward(ctx context.Context, inv *bus.Invocation) {
	head, ok := s.queue.Head()
	if !ok {
		s.reject(inv, proxy.NoActivePlayer())
		return
	}
	target := head
	if tracked, ok := s.tracker.Lookup(head); ok {
		target = tracked
	}

	msg, err := proxy.CopyCall(inv.Msg, target.Owner)
	if err != nil {
		logging.Warnf("[forward] call_id=%s cannot copy %s for %s: %v", inv.ID, inv.Method(), target, err)
		s.finish(&PendingInvocation{ID: inv.ID, Invocation: inv, Target: target, Started: time.Now()}, proxy.CopyFailed(err))
		return
	}

	var (
		callCtx context.Context
		cancel  context.CancelFunc
	)
	if s.forwardTimeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, s.forwardTimeout)
	} else {
		callCtx, cancel = context.WithCancel(ctx)
	}
	p := &PendingInvocation{
		ID:         inv.ID,
		Invocation: inv,
		Target:     target,
		Started:    time.Now(),
		cancel:     cancel,
	}
	s.pending[p.ID] = p

	done := make(chan *dbus.Call, 1)
	call := s.conn.SendWithContext(callCtx, msg, done)
	s.collector.RecordForward(target.String(), inv.Interface)
	logging.Debugf("[forward] call_id=%s %s -> %s owner=%s", p.ID, inv.Method(), target, target.Owner)

	// Calls sent without expecting a reply complete on their own channel.
	go func() {
		s.post(forwardDone{pending: p, call: <-call.Done})
	}()
}

func (s *ProxyServer) completeForward(ev forwardDone) {
	p, ok := s.pending[ev.pending.ID]
	if !ok {
		logging.Debugf("[forward] call_id=%s late completion ignored", ev.pending.ID)
		return
	}
	delete(s.pending, p.ID)
	p.cancel()
	s.finish(p, proxy.Translate(ev.call))
}

// failPending completes every call still waiting on peer.
func (s *ProxyServer) failPending(peer types.PeerIdentity) {
	for id, p := range s.pending {
		if !p.Target.Equal(peer) {
			continue
		}
		delete(s.pending, id)
		p.cancel()
		s.finish(p, proxy.Vanished())
	}
}

// finish replies to the caller and records the outcome.
func (s *ProxyServer) finish(p *PendingInvocation, out proxy.Outcome) {
	out.Deliver(p.Invocation)
	elapsed := time.Since(p.Started)
	s.collector.RecordForwardResult(p.Target.String(), out.Reason, elapsed)
	if out.Failed() {
		logging.Debugf("[forward] call_id=%s %s failed reason=%s err=%s: %s duration=%s",
			p.ID, p.Invocation.Method(), out.Reason, out.ErrName, out.ErrMessage, elapsed)
		return
	}
	logging.Debugf("[forward] call_id=%s %s done duration=%s", p.ID, p.Invocation.Method(), elapsed)
}

// reject answers a call that was never forwarded.
func (s *ProxyServer) reject(inv *bus.Invocation, out proxy.Outcome) {
	out.Deliver(inv)
	s.collector.RecordForwardError("", out.Reason)
	logging.Debugf("[forward] call_id=%s %s rejected: %s", inv.ID, inv.Method(), out.ErrMessage)
}
