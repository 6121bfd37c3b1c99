package bus

import (
	"context"
	"errors"
	"fmt"

	"github.com/godbus/dbus/v5"
	"github.com/mpris-proxy/pkg/protocol"
	"github.com/mpris-proxy/pkg/types"
)

var errNoMessage = errors.New("routed call without message")

// Conn is the part of a message bus connection the daemon relies on.
type Conn interface {
	Scope() types.BusScope
	UniqueName() string

	ListNames(ctx context.Context) ([]string, error)
	GetNameOwner(ctx context.Context, name string) (string, error)
	RequestName(name string, flags dbus.RequestNameFlags) (dbus.RequestNameReply, error)
	ReleaseName(name string) error
	StartServiceByName(ctx context.Context, name string) (uint32, error)

	AddMatchSignal(options ...dbus.MatchOption) error
	Signal(ch chan<- *dbus.Signal)
	RemoveSignal(ch chan<- *dbus.Signal)
	Emit(path dbus.ObjectPath, name string, values ...interface{}) error

	// SendWithContext sends msg; for method calls the reply is delivered on ch.
	SendWithContext(ctx context.Context, msg *dbus.Message, ch chan *dbus.Call) *dbus.Call
	// Go calls a method asynchronously; the result is delivered on ch.
	Go(ctx context.Context, dest string, path dbus.ObjectPath, method string, ch chan *dbus.Call, args ...interface{}) *dbus.Call
	// Call calls a method and waits for its reply.
	Call(ctx context.Context, dest string, path dbus.ObjectPath, method string, args ...interface{}) ([]interface{}, error)

	// Route serves the interfaces of desc at path through h.
	Route(path dbus.ObjectPath, desc *protocol.Description, h Handler)

	Close() error
}

// DBusConn is a Conn backed by a godbus connection.
type DBusConn struct {
	scope  types.BusScope
	conn   *dbus.Conn
	router *Router
}

// Connect opens a private connection to the bus for scope. Calls routed
// with Route are released with an error once ctx is done.
func Connect(ctx context.Context, scope types.BusScope) (*DBusConn, error) {
	router := NewRouter(ctx)

	var (
		conn *dbus.Conn
		err  error
	)
	switch scope {
	case types.ScopeSession:
		conn, err = dbus.ConnectSessionBus(dbus.WithHandler(router))
	case types.ScopeSystem:
		conn, err = dbus.ConnectSystemBus(dbus.WithHandler(router))
	default:
		return nil, fmt.Errorf("cannot connect to %s bus", scope)
	}
	if err != nil {
		return nil, fmt.Errorf("connect to %s bus: %w", scope, err)
	}
	return &DBusConn{scope: scope, conn: conn, router: router}, nil
}

func (c *DBusConn) Scope() types.BusScope {
	return c.scope
}

func (c *DBusConn) UniqueName() string {
	names := c.conn.Names()
	if len(names) == 0 {
		return ""
	}
	return names[0]
}

func (c *DBusConn) ListNames(ctx context.Context) ([]string, error) {
	var names []string
	err := c.conn.BusObject().CallWithContext(ctx, protocol.BusDaemonInterface+".ListNames", 0).Store(&names)
	if err != nil {
		return nil, fmt.Errorf("list names on %s bus: %w", c.scope, err)
	}
	return names, nil
}

func (c *DBusConn) GetNameOwner(ctx context.Context, name string) (string, error) {
	var owner string
	err := c.conn.BusObject().CallWithContext(ctx, protocol.BusDaemonInterface+".GetNameOwner", 0, name).Store(&owner)
	if err != nil {
		return "", fmt.Errorf("get owner of %s: %w", name, err)
	}
	return owner, nil
}

func (c *DBusConn) RequestName(name string, flags dbus.RequestNameFlags) (dbus.RequestNameReply, error) {
	return c.conn.RequestName(name, flags)
}

func (c *DBusConn) ReleaseName(name string) error {
	_, err := c.conn.ReleaseName(name)
	return err
}

func (c *DBusConn) StartServiceByName(ctx context.Context, name string) (uint32, error) {
	var code uint32
	err := c.conn.BusObject().CallWithContext(ctx, protocol.BusDaemonInterface+".StartServiceByName", 0, name, uint32(0)).Store(&code)
	if err != nil {
		return 0, fmt.Errorf("start service %s: %w", name, err)
	}
	return code, nil
}

func (c *DBusConn) AddMatchSignal(options ...dbus.MatchOption) error {
	return c.conn.AddMatchSignal(options...)
}

func (c *DBusConn) Signal(ch chan<- *dbus.Signal) {
	c.conn.Signal(ch)
}

func (c *DBusConn) RemoveSignal(ch chan<- *dbus.Signal) {
	c.conn.RemoveSignal(ch)
}

func (c *DBusConn) Emit(path dbus.ObjectPath, name string, values ...interface{}) error {
	return c.conn.Emit(path, name, values...)
}

func (c *DBusConn) SendWithContext(ctx context.Context, msg *dbus.Message, ch chan *dbus.Call) *dbus.Call {
	return c.conn.SendWithContext(ctx, msg, ch)
}

func (c *DBusConn) Go(ctx context.Context, dest string, path dbus.ObjectPath, method string, ch chan *dbus.Call, args ...interface{}) *dbus.Call {
	return c.conn.Object(dest, path).GoWithContext(ctx, method, 0, ch, args...)
}

func (c *DBusConn) Call(ctx context.Context, dest string, path dbus.ObjectPath, method string, args ...interface{}) ([]interface{}, error) {
	call := c.conn.Object(dest, path).CallWithContext(ctx, method, 0, args...)
	if call.Err != nil {
		return nil, call.Err
	}
	return call.Body, nil
}

func (c *DBusConn) Route(path dbus.ObjectPath, desc *protocol.Description, h Handler) {
	c.router.Route(path, desc, h)
}

func (c *DBusConn) Close() error {
	return c.conn.Close()
}
