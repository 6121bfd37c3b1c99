package ownership

import (
	"fmt"

	"github.com/godbus/dbus/v5"
	"github.com/mpris-proxy/pkg/bus"
	"github.com/mpris-proxy/pkg/logging"
	"github.com/mpris-proxy/pkg/protocol"
)

// Claim is a snapshot of the names the daemon tries to own.
type Claim struct {
	Canonical string
	Fallback  string
	Held      string
}

// Manager owns the daemon's well-known name. Not safe for concurrent use.
type Manager struct {
	conn      bus.Conn
	canonical string
	fallback  string
	replace   bool
	held      string

	// OnAcquired is called with every name successfully acquired.
	OnAcquired func(name string)
}

// New prepares a manager for the aggregator suffix. pid picks the fallback name.
func New(conn bus.Conn, aggregator string, pid int, replace bool) *Manager {
	return &Manager{
		conn:      conn,
		canonical: protocol.CanonicalName(aggregator),
		fallback:  protocol.FallbackName(aggregator, pid),
		replace:   replace,
	}
}

func (m *Manager) flags(name string) dbus.RequestNameFlags {
	flags := dbus.NameFlagDoNotQueue | dbus.NameFlagAllowReplacement
	if m.replace && name == m.canonical {
		flags |= dbus.NameFlagReplaceExisting
	}
	return flags
}

// Acquire claims the canonical name, or the fallback if another instance
// holds it, and returns the name now held.
func (m *Manager) Acquire() (string, error) {
	ok, err := m.request(m.canonical)
	if err != nil {
		return "", err
	}
	if ok {
		return m.held, nil
	}

	logging.Logf("[owner] %s is taken, falling back to %s", m.canonical, m.fallback)
	ok, err = m.request(m.fallback)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("bus name %s is already taken", m.fallback)
	}
	return m.held, nil
}

// request asks for name; ok is false when another connection owns it.
func (m *Manager) request(name string) (bool, error) {
	reply, err := m.conn.RequestName(name, m.flags(name))
	if err != nil {
		return false, fmt.Errorf("request bus name %s: %w", name, err)
	}
	switch reply {
	case dbus.RequestNameReplyPrimaryOwner, dbus.RequestNameReplyAlreadyOwner:
		m.held = name
		logging.Logf("[owner] acquired %s", name)
		if m.OnAcquired != nil {
			m.OnAcquired(name)
		}
		return true, nil
	case dbus.RequestNameReplyExists, dbus.RequestNameReplyInQueue:
		return false, nil
	default:
		return false, fmt.Errorf("request bus name %s: unexpected reply %d", name, reply)
	}
}

// HandleSignal reacts to NameLost for the held name by claiming the
// fallback name. It reports whether sig was a loss of the held name.
func (m *Manager) HandleSignal(sig *dbus.Signal) bool {
	if sig == nil || len(sig.Body) != 1 {
		return false
	}
	name, ok := sig.Body[0].(string)
	if !ok {
		return false
	}

	switch sig.Name {
	case protocol.NameAcquiredSignal:
		logging.Debugf("[owner] bus confirmed ownership of %s", name)
		return false
	case protocol.NameLostSignal:
	default:
		return false
	}
	if name != m.held {
		return false
	}

	logging.Warnf("[owner] lost %s", name)
	m.held = ""
	if name == m.fallback {
		// Nothing left to fall back to.
		return true
	}
	ok, err := m.request(m.fallback)
	if err != nil || !ok {
		logging.Errorf("[owner] could not re-acquire a name after losing %s: ok=%t err=%v", name, ok, err)
	}
	return true
}

// Release gives up the held name.
func (m *Manager) Release() {
	if m.held == "" {
		return
	}
	if err := m.conn.ReleaseName(m.held); err != nil {
		logging.Warnf("[owner] release %s: %v", m.held, err)
	} else {
		logging.Logf("[owner] released %s", m.held)
	}
	m.held = ""
}

// Held returns the name currently owned, or "".
func (m *Manager) Held() string {
	return m.held
}

func (m *Manager) Claim() Claim {
	return Claim{Canonical: m.canonical, Fallback: m.fallback, Held: m.held}
}
