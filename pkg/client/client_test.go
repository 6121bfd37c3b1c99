package client

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/mpris-proxy/pkg/bus"
	"github.com/mpris-proxy/pkg/bus/bustest"
	"github.com/mpris-proxy/pkg/protocol"
	"github.com/mpris-proxy/pkg/types"
)

const canonical = "org.mpris.MediaPlayer2.mprisproxy"

func TestShiftAndUnshift(t *testing.T) {
	conn := bustest.New(types.ScopeSession, ":1.9")
	var methods []string
	conn.CallHandler = func(dest string, path dbus.ObjectPath, method string, args []interface{}) ([]interface{}, error) {
		if dest != canonical || path != protocol.MprisPath {
			t.Errorf("call went to %s %s", dest, path)
		}
		methods = append(methods, method)
		return []interface{}{"org.mpris.MediaPlayer2.vlc"}, nil
	}

	active, err := Shift(context.Background(), conn, canonical)
	if err != nil || active != "org.mpris.MediaPlayer2.vlc" {
		t.Fatalf("Shift = %q, %v", active, err)
	}
	if _, err := Unshift(context.Background(), conn, canonical); err != nil {
		t.Fatalf("Unshift: %v", err)
	}

	want := []string{protocol.DaemonInterface + ".Shift", protocol.DaemonInterface + ".Unshift"}
	if len(methods) != 2 || methods[0] != want[0] || methods[1] != want[1] {
		t.Errorf("methods = %v, want %v", methods, want)
	}
}

func TestShiftErrors(t *testing.T) {
	conn := bustest.New(types.ScopeSession, ":1.9")
	conn.CallHandler = func(string, dbus.ObjectPath, string, []interface{}) ([]interface{}, error) {
		return nil, dbus.Error{Name: protocol.ErrNoActivePlayer, Body: []interface{}{"nothing"}}
	}
	_, err := Shift(context.Background(), conn, canonical)
	if err == nil || !strings.Contains(err.Error(), protocol.NoActivePlayerMessage) {
		t.Errorf("Shift error = %v", err)
	}

	for _, reply := range [][]interface{}{{uint32(3)}, {}, {"a", "b"}, {dbus.MakeVariant("vlc")}} {
		reply := reply
		conn.CallHandler = func(string, dbus.ObjectPath, string, []interface{}) ([]interface{}, error) {
			return reply, nil
		}
		if active, err := Shift(context.Background(), conn, canonical); err == nil {
			t.Errorf("reply %v: expected an error, got %q", reply, active)
		}
	}

	// No daemon at all.
	conn.CallHandler = nil
	if _, err := Unshift(context.Background(), conn, canonical); err == nil {
		t.Errorf("expected an error without a daemon")
	}
}

func TestActivate(t *testing.T) {
	conn := bustest.New(types.ScopeSession, ":1.9")

	running, err := Activate(context.Background(), conn, canonical)
	if err != nil || running {
		t.Fatalf("Activate = %t, %v", running, err)
	}

	conn.SetOwner(canonical, ":1.2")
	running, err = Activate(context.Background(), conn, canonical)
	if err != nil || !running {
		t.Fatalf("Activate on running daemon = %t, %v", running, err)
	}
	if got := conn.Started(); len(got) != 2 || got[0] != canonical {
		t.Errorf("started = %v", got)
	}
}

func TestListPlayers(t *testing.T) {
	session := bustest.New(types.ScopeSession, ":1.9")
	session.SetOwner("org.mpris.MediaPlayer2.vlc", ":1.20")
	session.SetOwner("org.mpris.MediaPlayer2.mpd", ":1.21")
	session.SetOwner(canonical, ":1.2")
	session.SetOwner(canonical+".instance77", ":1.3")
	system := bustest.New(types.ScopeSystem, ":1.40")
	system.SetOwner("org.mpris.MediaPlayer2.mopidy", ":1.41")

	conns := map[types.BusScope]bus.Conn{
		types.ScopeSession: session,
		types.ScopeSystem:  system,
	}
	got := ListPlayers(context.Background(), conns, "")

	want := []string{"mopidy@system", "mpd@session", "vlc@session"}
	if len(got) != len(want) {
		t.Fatalf("players = %v, want %v", got, want)
	}
	for i := range want {
		if got[i].String() != want[i] {
			t.Errorf("players[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestListPlayersSkipsUnavailableBus(t *testing.T) {
	session := bustest.New(types.ScopeSession, ":1.9")
	session.SetOwner("org.mpris.MediaPlayer2.vlc", ":1.20")
	system := bustest.New(types.ScopeSystem, ":1.40")
	system.ListErr = dbus.ErrClosed

	got := ListPlayers(context.Background(), map[types.BusScope]bus.Conn{
		types.ScopeSession: session,
		types.ScopeSystem:  system,
	}, "")
	if len(got) != 1 || got[0].LocalID != "vlc" {
		t.Errorf("players = %v", got)
	}
}

func nameOwnerChanged(name, prev, next string) *dbus.Signal {
	return &dbus.Signal{
		Sender: protocol.BusDaemonName,
		Path:   protocol.BusDaemonPath,
		Name:   protocol.BusDaemonInterface + "." + protocol.NameOwnerChanged,
		Body:   []interface{}{name, prev, next},
	}
}

func TestWatch(t *testing.T) {
	conn := bustest.New(types.ScopeSession, ":1.9")
	conn.SetOwner("org.mpris.MediaPlayer2.vlc", ":1.20")

	updates := make(chan []types.PeerIdentity, 8)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, map[types.BusScope]bus.Conn{types.ScopeSession: conn}, "", func(players []types.PeerIdentity) {
			updates <- players
		})
	}()

	next := func() []types.PeerIdentity {
		t.Helper()
		select {
		case players := <-updates:
			return players
		case <-time.After(2 * time.Second):
			t.Fatalf("no update")
			return nil
		}
	}

	if got := next(); len(got) != 1 || got[0].LocalID != "vlc" {
		t.Fatalf("initial players = %v", got)
	}
	if conn.Matches() != 1 {
		t.Errorf("matches = %d, want 1", conn.Matches())
	}

	conn.Deliver(nameOwnerChanged("org.mpris.MediaPlayer2.spotify", "", ":1.30"))
	if got := next(); len(got) != 2 || got[0].LocalID != "spotify" {
		t.Fatalf("after appear = %v", got)
	}

	// Ignored: the daemon itself and an owner handover.
	conn.Deliver(nameOwnerChanged(canonical, "", ":1.2"))
	conn.Deliver(nameOwnerChanged("org.mpris.MediaPlayer2.spotify", ":1.30", ":1.31"))

	conn.Deliver(nameOwnerChanged("org.mpris.MediaPlayer2.vlc", ":1.20", ""))
	if got := next(); len(got) != 1 || got[0].LocalID != "spotify" {
		t.Fatalf("after vanish = %v", got)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Watch returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Watch did not return")
	}
}
