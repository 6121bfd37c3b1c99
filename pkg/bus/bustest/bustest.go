// Package bustest provides an in-memory bus.Conn for tests.
package bustest

import (
	"context"
	"errors"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/mpris-proxy/pkg/bus"
	"github.com/mpris-proxy/pkg/protocol"
	"github.com/mpris-proxy/pkg/types"
)

// ErrClosed is returned by a closed fake connection.
var ErrClosed = errors.New("bustest: connection closed")

// NameRequest records one RequestName call.
type NameRequest struct {
	Name  string
	Flags dbus.RequestNameFlags
}

// Emission records one emitted signal.
type Emission struct {
	Path dbus.ObjectPath
	Name string
	Body []interface{}
}

// Outbound records one asynchronous call made through the connection.
// Msg is set for SendWithContext and nil for Go.
type Outbound struct {
	Call *dbus.Call
	Msg  *dbus.Message
}

// Conn is a fake bus.Conn. The zero value is not usable; call New.
type Conn struct {
	mu       sync.Mutex
	scope    types.BusScope
	unique   string
	owners   map[string]string
	closed   bool
	sigChans []chan<- *dbus.Signal
	emitted  []Emission
	outbound []Outbound
	finished map[*dbus.Call]bool
	routes   map[dbus.ObjectPath]bus.Handler
	requests []NameRequest
	released []string
	started  []string
	matches  int

	// ListErr makes ListNames fail.
	ListErr error
	// RequestReplies overrides the RequestName reply per name. Unlisted
	// names get RequestNameReplyPrimaryOwner.
	RequestReplies map[string]dbus.RequestNameReply
	// RequestErr makes RequestName fail.
	RequestErr error
	// CallHandler answers synchronous Call requests.
	CallHandler func(dest string, path dbus.ObjectPath, method string, args []interface{}) ([]interface{}, error)
}

var _ bus.Conn = (*Conn)(nil)

// New returns a fake connection whose unique name is unique.
func New(scope types.BusScope, unique string) *Conn {
	return &Conn{
		scope:          scope,
		unique:         unique,
		owners:         make(map[string]string),
		finished:       make(map[*dbus.Call]bool),
		routes:         make(map[dbus.ObjectPath]bus.Handler),
		RequestReplies: make(map[string]dbus.RequestNameReply),
	}
}

// SetOwner makes name visible to ListNames and GetNameOwner. An empty owner
// removes it.
func (c *Conn) SetOwner(name, owner string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if owner == "" {
		delete(c.owners, name)
		return
	}
	c.owners[name] = owner
}

func (c *Conn) Scope() types.BusScope {
	return c.scope
}

func (c *Conn) UniqueName() string {
	return c.unique
}

func (c *Conn) ListNames(ctx context.Context) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ListErr != nil {
		return nil, c.ListErr
	}
	names := []string{protocol.BusDaemonName, c.unique}
	for name := range c.owners {
		names = append(names, name)
	}
	return names, nil
}

func (c *Conn) GetNameOwner(ctx context.Context, name string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	owner, ok := c.owners[name]
	if !ok {
		return "", dbus.Error{Name: "org.freedesktop.DBus.Error.NameHasNoOwner", Body: []interface{}{"no owner for " + name}}
	}
	return owner, nil
}

func (c *Conn) RequestName(name string, flags dbus.RequestNameFlags) (dbus.RequestNameReply, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = append(c.requests, NameRequest{Name: name, Flags: flags})
	if c.RequestErr != nil {
		return 0, c.RequestErr
	}
	if reply, ok := c.RequestReplies[name]; ok {
		return reply, nil
	}
	c.owners[name] = c.unique
	return dbus.RequestNameReplyPrimaryOwner, nil
}

func (c *Conn) ReleaseName(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.released = append(c.released, name)
	if c.owners[name] == c.unique {
		delete(c.owners, name)
	}
	return nil
}

func (c *Conn) StartServiceByName(ctx context.Context, name string) (uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.started = append(c.started, name)
	if _, ok := c.owners[name]; ok {
		return 2, nil
	}
	return 1, nil
}

func (c *Conn) AddMatchSignal(options ...dbus.MatchOption) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.matches++
	return nil
}

func (c *Conn) Signal(ch chan<- *dbus.Signal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sigChans = append(c.sigChans, ch)
}

func (c *Conn) RemoveSignal(ch chan<- *dbus.Signal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, existing := range c.sigChans {
		if existing == ch {
			c.sigChans = append(c.sigChans[:i], c.sigChans[i+1:]...)
			return
		}
	}
}

func (c *Conn) Emit(path dbus.ObjectPath, name string, values ...interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	c.emitted = append(c.emitted, Emission{Path: path, Name: name, Body: values})
	return nil
}

func (c *Conn) SendWithContext(ctx context.Context, msg *dbus.Message, ch chan *dbus.Call) *dbus.Call {
	dest, _ := headerString(msg, dbus.FieldDestination)
	iface, _ := headerString(msg, dbus.FieldInterface)
	member, _ := headerString(msg, dbus.FieldMember)
	path, _ := msg.Headers[dbus.FieldPath].Value().(dbus.ObjectPath)

	call := &dbus.Call{
		Destination: dest,
		Path:        path,
		Method:      iface + "." + member,
		Args:        msg.Body,
		Done:        ch,
	}
	c.track(ctx, Outbound{Call: call, Msg: msg})
	if msg.Flags&dbus.FlagNoReplyExpected != 0 {
		c.finish(call, nil, nil)
	}
	return call
}

func (c *Conn) Go(ctx context.Context, dest string, path dbus.ObjectPath, method string, ch chan *dbus.Call, args ...interface{}) *dbus.Call {
	call := &dbus.Call{
		Destination: dest,
		Path:        path,
		Method:      method,
		Args:        args,
		Done:        ch,
	}
	c.track(ctx, Outbound{Call: call})
	return call
}

func (c *Conn) track(ctx context.Context, out Outbound) {
	c.mu.Lock()
	closed := c.closed
	c.outbound = append(c.outbound, out)
	c.mu.Unlock()

	if closed {
		c.finish(out.Call, nil, ErrClosed)
		return
	}
	if ctx.Done() != nil {
		go func() {
			<-ctx.Done()
			c.finish(out.Call, nil, ctx.Err())
		}()
	}
}

func (c *Conn) Call(ctx context.Context, dest string, path dbus.ObjectPath, method string, args ...interface{}) ([]interface{}, error) {
	if c.CallHandler == nil {
		return nil, dbus.Error{Name: "org.freedesktop.DBus.Error.ServiceUnknown", Body: []interface{}{dest}}
	}
	return c.CallHandler(dest, path, method, args)
}

func (c *Conn) Route(path dbus.ObjectPath, desc *protocol.Description, h bus.Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.routes[path] = h
}

func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// Deliver hands sig to every channel registered with Signal.
func (c *Conn) Deliver(sig *dbus.Signal) {
	c.mu.Lock()
	chans := append([]chan<- *dbus.Signal(nil), c.sigChans...)
	c.mu.Unlock()
	for _, ch := range chans {
		ch <- sig
	}
}

// Reply completes an outbound call with a result body.
func (c *Conn) Reply(call *dbus.Call, body ...interface{}) bool {
	return c.finish(call, body, nil)
}

// Fail completes an outbound call with err.
func (c *Conn) Fail(call *dbus.Call, err error) bool {
	return c.finish(call, nil, err)
}

func (c *Conn) finish(call *dbus.Call, body []interface{}, err error) bool {
	c.mu.Lock()
	if c.finished[call] {
		c.mu.Unlock()
		return false
	}
	c.finished[call] = true
	c.mu.Unlock()

	call.Body = body
	call.Err = err
	if call.Done != nil {
		call.Done <- call
	}
	return true
}

// Invoke delivers a method call to the handler routed at path and returns
// the invocation without waiting for it to complete.
func (c *Conn) Invoke(path dbus.ObjectPath, iface, member, sender string, body ...interface{}) *bus.Invocation {
	c.mu.Lock()
	h := c.routes[path]
	c.mu.Unlock()

	msg := NewCall(path, iface, member, body...)
	msg.Headers[dbus.FieldSender] = dbus.MakeVariant(sender)
	inv := bus.NewInvocation(msg)
	if h != nil {
		h(inv)
	}
	return inv
}

// NewCall builds a method call message the way a client would send it.
func NewCall(path dbus.ObjectPath, iface, member string, body ...interface{}) *dbus.Message {
	msg := &dbus.Message{
		Type:    dbus.TypeMethodCall,
		Headers: make(map[dbus.HeaderField]dbus.Variant),
		Body:    body,
	}
	msg.Headers[dbus.FieldPath] = dbus.MakeVariant(path)
	msg.Headers[dbus.FieldInterface] = dbus.MakeVariant(iface)
	msg.Headers[dbus.FieldMember] = dbus.MakeVariant(member)
	if len(body) > 0 {
		msg.Headers[dbus.FieldSignature] = dbus.MakeVariant(dbus.SignatureOf(body...))
	}
	return msg
}

// Routed reports whether a handler is routed at path.
func (c *Conn) Routed(path dbus.ObjectPath) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.routes[path]
	return ok
}

func (c *Conn) Outbound() []Outbound {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Outbound(nil), c.outbound...)
}

func (c *Conn) Emitted() []Emission {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Emission(nil), c.emitted...)
}

// ResetEmitted forgets recorded emissions.
func (c *Conn) ResetEmitted() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.emitted = nil
}

func (c *Conn) Requests() []NameRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]NameRequest(nil), c.requests...)
}

func (c *Conn) Released() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.released...)
}

func (c *Conn) Started() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.started...)
}

func (c *Conn) Matches() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.matches
}

func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func headerString(msg *dbus.Message, field dbus.HeaderField) (string, bool) {
	v, ok := msg.Headers[field]
	if !ok {
		return "", false
	}
	s, ok := v.Value().(string)
	return s, ok
}
