package ownership

import (
	"errors"
	"testing"

	"github.com/godbus/dbus/v5"
	"github.com/mpris-proxy/pkg/bus/bustest"
	"github.com/mpris-proxy/pkg/protocol"
	"github.com/mpris-proxy/pkg/types"
)

const (
	canonical = "org.mpris.MediaPlayer2.mprisproxy"
	fallback  = "org.mpris.MediaPlayer2.mprisproxy.instance321"
)

func nameLost(name string) *dbus.Signal {
	return &dbus.Signal{Sender: protocol.BusDaemonName, Name: protocol.NameLostSignal, Body: []interface{}{name}}
}

func TestAcquireCanonical(t *testing.T) {
	conn := bustest.New(types.ScopeSession, ":1.1")
	var acquired []string
	m := New(conn, "mprisproxy", 321, false)
	m.OnAcquired = func(name string) { acquired = append(acquired, name) }

	held, err := m.Acquire()
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if held != canonical || m.Held() != canonical {
		t.Fatalf("held = %q", held)
	}
	reqs := conn.Requests()
	if len(reqs) != 1 || reqs[0].Flags&dbus.NameFlagDoNotQueue == 0 || reqs[0].Flags&dbus.NameFlagReplaceExisting != 0 {
		t.Fatalf("requests = %+v", reqs)
	}
	if len(acquired) != 1 || acquired[0] != canonical {
		t.Fatalf("OnAcquired calls = %v", acquired)
	}
}

func TestAcquireFallsBackWhenTaken(t *testing.T) {
	conn := bustest.New(types.ScopeSession, ":1.1")
	conn.RequestReplies[canonical] = dbus.RequestNameReplyExists

	m := New(conn, "mprisproxy", 321, false)
	held, err := m.Acquire()
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if held != fallback {
		t.Fatalf("held = %q, want %q", held, fallback)
	}
	claim := m.Claim()
	if claim.Canonical != canonical || claim.Fallback != fallback || claim.Held != fallback {
		t.Fatalf("claim = %+v", claim)
	}
}

func TestAcquireErrors(t *testing.T) {
	conn := bustest.New(types.ScopeSession, ":1.1")
	conn.RequestErr = errors.New("bus gone")
	if _, err := New(conn, "mprisproxy", 321, false).Acquire(); err == nil {
		t.Fatalf("expected error when the bus fails")
	}

	conn = bustest.New(types.ScopeSession, ":1.1")
	conn.RequestReplies[canonical] = dbus.RequestNameReplyExists
	conn.RequestReplies[fallback] = dbus.RequestNameReplyExists
	if _, err := New(conn, "mprisproxy", 321, false).Acquire(); err == nil {
		t.Fatalf("expected error when both names are taken")
	}
}

func TestReplaceFlag(t *testing.T) {
	conn := bustest.New(types.ScopeSession, ":1.1")
	if _, err := New(conn, "mprisproxy", 321, true).Acquire(); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if reqs := conn.Requests(); reqs[0].Flags&dbus.NameFlagReplaceExisting == 0 {
		t.Fatalf("replace should request ReplaceExisting, got %+v", reqs)
	}
}

func TestReacquireAfterLoss(t *testing.T) {
	conn := bustest.New(types.ScopeSession, ":1.1")
	m := New(conn, "mprisproxy", 321, false)
	if _, err := m.Acquire(); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	if m.HandleSignal(nameLost("org.example.Other")) {
		t.Fatalf("loss of an unrelated name should be ignored")
	}
	if !m.HandleSignal(nameLost(canonical)) {
		t.Fatalf("loss of the held name should be handled")
	}
	if m.Held() != fallback {
		t.Fatalf("held after loss = %q, want %q", m.Held(), fallback)
	}

	if !m.HandleSignal(nameLost(fallback)) {
		t.Fatalf("loss of the fallback should be handled")
	}
	if m.Held() != "" {
		t.Fatalf("held after losing the fallback = %q", m.Held())
	}
	acquired := &dbus.Signal{Name: protocol.NameAcquiredSignal, Body: []interface{}{canonical}}
	if m.HandleSignal(acquired) {
		t.Fatalf("NameAcquired is not a loss")
	}
}

func TestRelease(t *testing.T) {
	conn := bustest.New(types.ScopeSession, ":1.1")
	m := New(conn, "mprisproxy", 321, false)
	if _, err := m.Acquire(); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	m.Release()
	m.Release()
	if got := conn.Released(); len(got) != 1 || got[0] != canonical {
		t.Fatalf("released = %v", got)
	}
	if m.Held() != "" {
		t.Fatalf("held after release = %q", m.Held())
	}
}
