// Package client implements the one-shot commands that talk to a running
// daemon or list the players on the bus.
package client

import (
	"context"
	"errors"
	"fmt"

	"github.com/godbus/dbus/v5"
	"github.com/mpris-proxy/pkg/bus"
	"github.com/mpris-proxy/pkg/logging"
	"github.com/mpris-proxy/pkg/protocol"
	"github.com/mpris-proxy/pkg/routing"
	"github.com/mpris-proxy/pkg/tracker"
	"github.com/mpris-proxy/pkg/types"
)

// Shift asks the daemon owning name to make the next player active and
// returns the new active player's bus name.
func Shift(ctx context.Context, conn bus.Conn, name string) (string, error) {
	return rotate(ctx, conn, name, protocol.MethodShift)
}

// Unshift asks the daemon to make the previous player active.
func Unshift(ctx context.Context, conn bus.Conn, name string) (string, error) {
	return rotate(ctx, conn, name, protocol.MethodUnshift)
}

func rotate(ctx context.Context, conn bus.Conn, name, method string) (string, error) {
	body, err := conn.Call(ctx, name, protocol.MprisPath, protocol.DaemonInterface+"."+method)
	if err != nil {
		if errorName(err) == protocol.ErrNoActivePlayer {
			return "", fmt.Errorf("%s: %s", method, protocol.NoActivePlayerMessage)
		}
		return "", fmt.Errorf("%s on %s: %w", method, name, err)
	}
	if len(body) != 1 {
		return "", fmt.Errorf("%s on %s: unexpected reply %v", method, name, body)
	}
	active, ok := body[0].(string)
	if !ok {
		return "", fmt.Errorf("%s on %s: unexpected reply %v", method, name, body)
	}
	return active, nil
}

func errorName(err error) string {
	var val dbus.Error
	if errors.As(err, &val) {
		return val.Name
	}
	var ptr *dbus.Error
	if errors.As(err, &ptr) && ptr != nil {
		return ptr.Name
	}
	return ""
}

// Activate starts the daemon through bus activation. It reports whether
// the daemon was already running.
func Activate(ctx context.Context, conn bus.Conn, name string) (bool, error) {
	code, err := conn.StartServiceByName(ctx, name)
	if err != nil {
		return false, err
	}
	switch code {
	case 1:
		logging.Logf("[activate] started %s", name)
		return false, nil
	case 2:
		logging.Logf("[activate] %s is already running", name)
		return true, nil
	default:
		return false, fmt.Errorf("start %s: unexpected reply %d", name, code)
	}
}

func newTracker(aggregator string) *tracker.Tracker {
	return tracker.New(tracker.WithExclude(func(localID string) bool {
		return protocol.IsAggregatorName(localID, aggregator)
	}))
}

// ListPlayers returns the players present on conns, most recently seen
// first. A scope without a connection contributes nothing.
func ListPlayers(ctx context.Context, conns map[types.BusScope]bus.Conn, aggregator string) []types.PeerIdentity {
	t := newTracker(aggregator)
	t.Start(ctx, conns)
	return t.Players()
}

type scopedSignal struct {
	scope types.BusScope
	sig   *dbus.Signal
}

// Watch lists the players on conns and calls onChange with the new order
// every time a player appears or vanishes, until ctx is done.
func Watch(ctx context.Context, conns map[types.BusScope]bus.Conn, aggregator string, onChange func([]types.PeerIdentity)) error {
	t := newTracker(aggregator)
	queue := routing.NewQueue(nil)

	in := make(chan scopedSignal)
	closed := make(chan types.BusScope, len(conns))
	for scope, conn := range conns {
		if conn == nil {
			continue
		}
		if err := conn.AddMatchSignal(tracker.MatchOptions()...); err != nil {
			logging.Warnf("[tracker] cannot watch %s bus: %v", scope, err)
			continue
		}
		ch := make(chan *dbus.Signal, 16)
		conn.Signal(ch)
		defer conn.RemoveSignal(ch)

		go func(scope types.BusScope, ch <-chan *dbus.Signal) {
			for {
				select {
				case sig, ok := <-ch:
					if !ok {
						closed <- scope
						return
					}
					select {
					case in <- scopedSignal{scope: scope, sig: sig}:
					case <-ctx.Done():
						return
					}
				case <-ctx.Done():
					return
				}
			}
		}(scope, ch)
	}

	for _, ev := range t.Start(ctx, conns) {
		queue.Insert(ev.Peer)
	}
	onChange(queue.Snapshot())

	for {
		select {
		case <-ctx.Done():
			return nil
		case scope := <-closed:
			return fmt.Errorf("%s bus connection closed", scope)
		case s := <-in:
			ev, ok := t.HandleNameOwnerChanged(s.scope, s.sig)
			if !ok {
				continue
			}
			switch ev.Kind {
			case tracker.Appeared:
				queue.Insert(ev.Peer)
			case tracker.Vanished:
				queue.Remove(ev.Peer)
			}
			onChange(queue.Snapshot())
		}
	}
}
