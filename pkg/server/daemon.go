package server

import (
	"fmt"

	"github.com/godbus/dbus/v5"
	"github.com/mpris-proxy/pkg/bus"
	"github.com/mpris-proxy/pkg/logging"
	"github.com/mpris-proxy/pkg/protocol"
	"github.com/mpris-proxy/pkg/proxy"
)

func (s *ProxyServer) handleDaemonCall(inv *bus.Invocation) {
	switch inv.Member {
	case protocol.MethodShift:
		s.rotate(inv, s.queue.Rotate)
	case protocol.MethodUnshift:
		s.rotate(inv, s.queue.Unrotate)
	default:
		inv.ReturnError(protocol.ErrInvalidMethod, fmt.Sprintf("Unknown method %s", inv.Member))
		s.collector.RecordForwardError("", "invalid_method")
	}
}

// rotate moves the queue with move and replies with the new head.
func (s *ProxyServer) rotate(inv *bus.Invocation, move func() bool) {
	if s.queue.Len() == 0 {
		s.reject(inv, proxy.NoActivePlayer())
		return
	}
	move()
	head, _ := s.queue.Head()
	logging.Debugf("[queue] %s by %s, active is %s", inv.Member, inv.Sender, head)
	s.checkActive()
	inv.Return(head.BusName())
}

func (s *ProxyServer) handleDaemonProperties(inv *bus.Invocation) {
	name := ""
	if len(inv.Body) > 1 {
		name, _ = inv.Body[1].(string)
	}

	switch inv.Member {
	case protocol.PropertiesGetAll:
		inv.Return(s.daemonProperties())
	case protocol.PropertiesGet:
		if v, ok := s.daemonProperties()[name]; ok {
			inv.Return(v)
			return
		}
		inv.ReturnError(protocol.ErrUnknownProp, fmt.Sprintf("Unknown property %s", name))
	case protocol.PropertiesSet:
		if _, ok := s.desc.Property(protocol.DaemonInterface, name); ok {
			inv.ReturnError(protocol.ErrPropReadOnly, fmt.Sprintf("Property %s is read-only", name))
			return
		}
		inv.ReturnError(protocol.ErrUnknownProp, fmt.Sprintf("Unknown property %s", name))
	default:
		inv.ReturnError(protocol.ErrInvalidMethod, fmt.Sprintf("Unknown method %s", inv.Member))
	}
}

func (s *ProxyServer) daemonProperties() map[string]dbus.Variant {
	return map[string]dbus.Variant{
		protocol.PropertyPlayerNames: dbus.MakeVariant(s.playerNames()),
	}
}

// playerNames lists the queued bus names, head first.
func (s *ProxyServer) playerNames() []string {
	players := s.queue.Snapshot()
	names := make([]string, 0, len(players))
	for _, p := range players {
		names = append(names, p.BusName())
	}
	return names
}

// checkActive announces a new queue head. Nothing is emitted before the
// daemon owns its name.
func (s *ProxyServer) checkActive() {
	head, ok := s.queue.Head()
	if ok == s.hasActive && (!ok || head.Equal(s.active)) {
		return
	}
	s.active, s.hasActive = head, ok
	if !s.serving {
		return
	}
	s.emitActiveChanged()
}

// emitActiveChanged brackets the property state of the new active player
// between ActivePlayerChangeBegin and ActivePlayerChangeEnd. With no active
// player the MPRIS properties are invalidated instead.
func (s *ProxyServer) emitActiveChanged() {
	name := ""
	if s.hasActive {
		name = s.active.BusName()
		logging.Logf("[queue] active player is now %s", s.active)
	} else {
		logging.Logf("[queue] no active player")
	}

	s.emit(protocol.DaemonInterface, protocol.SignalChangeBegin, name)
	for _, iface := range []string{protocol.PlayerInterface, protocol.RootInterface} {
		if !s.hasActive {
			s.emitProperties(iface, map[string]dbus.Variant{}, s.desc.PropertyNames(iface))
			continue
		}
		if props := s.props[s.active.String()][iface]; len(props) > 0 {
			changed, invalidated := replayable(iface, props)
			s.emitProperties(iface, changed, invalidated)
		}
	}
	s.emitProperties(protocol.DaemonInterface, s.daemonProperties(), nil)
	s.emit(protocol.DaemonInterface, protocol.SignalChangeEnd, name)
}

// replayable drops Position from cached player properties, since it went
// stale the moment it was cached, and invalidates it instead.
func replayable(iface string, props map[string]dbus.Variant) (map[string]dbus.Variant, []string) {
	if _, ok := props[protocol.PropertyPosition]; !ok || iface != protocol.PlayerInterface {
		return props, nil
	}
	changed := make(map[string]dbus.Variant, len(props)-1)
	for k, v := range props {
		if k != protocol.PropertyPosition {
			changed[k] = v
		}
	}
	return changed, []string{protocol.PropertyPosition}
}

func (s *ProxyServer) emitProperties(iface string, changed map[string]dbus.Variant, invalidated []string) {
	if invalidated == nil {
		invalidated = []string{}
	}
	s.emit(protocol.PropertiesInterface, protocol.PropertiesChanged, iface, changed, invalidated)
}

func (s *ProxyServer) emit(iface, member string, values ...interface{}) {
	if err := s.conn.Emit(protocol.MprisPath, iface+"."+member, values...); err != nil {
		logging.Warnf("[signal] emit %s.%s failed: %v", iface, member, err)
	}
}
