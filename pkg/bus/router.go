package bus

import (
	"context"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"
	"github.com/mpris-proxy/pkg/protocol"
)

// Handler receives every routed call. It must arrange for the invocation
// to be completed; the calling goroutine blocks until then.
type Handler func(inv *Invocation)

// Router is a dbus.Handler that hands calls on routed objects to a Handler
// as Invocations instead of decoding them into typed Go methods. The raw
// message is kept so it can be forwarded unchanged.
type Router struct {
	ctx     context.Context
	mu      sync.RWMutex
	objects map[dbus.ObjectPath]*routedObject
}

type routedObject struct {
	router  *Router
	desc    *protocol.Description
	handler Handler
}

type routedInterface struct {
	obj   *routedObject
	iface *introspect.Interface
}

// routedMethod decodes its own arguments: Call receives the raw message
// and nothing else. inArgs < 0 skips the argument count check.
type routedMethod struct {
	obj    *routedObject
	inArgs int
	out    int
}

var _ dbus.ArgumentDecoder = (*routedMethod)(nil)

type introspectMethod struct {
	xml string
}

// NewRouter returns a router. Waiting callers are released with an error
// once ctx is done.
func NewRouter(ctx context.Context) *Router {
	return &Router{ctx: ctx, objects: make(map[dbus.ObjectPath]*routedObject)}
}

// Route serves every interface in desc at path through h.
func (r *Router) Route(path dbus.ObjectPath, desc *protocol.Description, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.objects[path] = &routedObject{router: r, desc: desc, handler: h}
}

// LookupObject implements dbus.Handler.
func (r *Router) LookupObject(path dbus.ObjectPath) (dbus.ServerObject, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	obj, ok := r.objects[path]
	if !ok {
		return nil, false
	}
	return obj, true
}

func (o *routedObject) LookupInterface(name string) (dbus.Interface, bool) {
	iface, ok := o.desc.Interface(name)
	if !ok {
		return nil, false
	}
	return &routedInterface{obj: o, iface: iface}, true
}

func (i *routedInterface) LookupMethod(name string) (dbus.Method, bool) {
	if i.iface.Name == protocol.IntrospectableInterface {
		if name != "Introspect" {
			return nil, false
		}
		return &introspectMethod{xml: i.obj.desc.XML()}, true
	}
	for _, m := range i.iface.Methods {
		if m.Name == name {
			in := protocol.InArgs(m)
			return &routedMethod{obj: i.obj, inArgs: in, out: len(m.Args) - in}, true
		}
	}
	if i.iface.Name == protocol.DaemonInterface {
		// Undeclared daemon methods reach the handler, which rejects them.
		return &routedMethod{obj: i.obj, inArgs: -1}, true
	}
	return nil, false
}

// DecodeArguments implements dbus.ArgumentDecoder.
func (m *routedMethod) DecodeArguments(conn *dbus.Conn, sender string, msg *dbus.Message, args []interface{}) ([]interface{}, error) {
	if msg == nil {
		return nil, dbus.MakeFailedError(errNoMessage)
	}
	if m.inArgs >= 0 && len(args) != m.inArgs {
		return nil, dbus.ErrMsgInvalidArg
	}
	return []interface{}{msg}, nil
}

func (m *routedMethod) Call(args ...interface{}) ([]interface{}, error) {
	if len(args) == 0 {
		return nil, dbus.MakeFailedError(errNoMessage)
	}
	msg, ok := args[0].(*dbus.Message)
	if !ok || msg == nil {
		return nil, dbus.MakeFailedError(errNoMessage)
	}
	inv := NewInvocation(msg)
	m.obj.handler(inv)
	return inv.Wait(m.obj.router.ctx)
}

func (m *routedMethod) NumArguments() int {
	return 1
}

func (m *routedMethod) NumReturns() int {
	return m.out
}

func (m *routedMethod) ArgumentValue(position int) interface{} {
	return &dbus.Message{}
}

func (m *routedMethod) ReturnValue(position int) interface{} {
	return dbus.Variant{}
}

func (m *introspectMethod) Call(args ...interface{}) ([]interface{}, error) {
	return []interface{}{m.xml}, nil
}

func (m *introspectMethod) NumArguments() int { return 0 }

func (m *introspectMethod) NumReturns() int { return 1 }

func (m *introspectMethod) ArgumentValue(position int) interface{} { return nil }

func (m *introspectMethod) ReturnValue(position int) interface{} { return "" }
