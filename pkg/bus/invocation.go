package bus

import (
	"context"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/google/uuid"
	"github.com/mpris-proxy/pkg/protocol"
)

// Invocation is one incoming method call waiting for its reply. It is
// completed exactly once, by Return or ReturnError; later completions are
// ignored.
type Invocation struct {
	ID        string
	Msg       *dbus.Message
	Sender    string
	Path      dbus.ObjectPath
	Interface string
	Member    string
	Body      []interface{}

	once   sync.Once
	result chan invocationResult
}

type invocationResult struct {
	body []interface{}
	err  *dbus.Error
}

// NewInvocation wraps msg, reading the routing headers once.
func NewInvocation(msg *dbus.Message) *Invocation {
	inv := &Invocation{
		ID:     uuid.NewString(),
		Msg:    msg,
		Body:   msg.Body,
		result: make(chan invocationResult, 1),
	}
	inv.Sender, _ = header(msg, dbus.FieldSender).(string)
	inv.Path, _ = header(msg, dbus.FieldPath).(dbus.ObjectPath)
	inv.Interface, _ = header(msg, dbus.FieldInterface).(string)
	inv.Member, _ = header(msg, dbus.FieldMember).(string)
	return inv
}

func header(msg *dbus.Message, field dbus.HeaderField) interface{} {
	v, ok := msg.Headers[field]
	if !ok {
		return nil
	}
	return v.Value()
}

// Method renders "interface.Member".
func (inv *Invocation) Method() string {
	return inv.Interface + "." + inv.Member
}

// Return completes the invocation with a result body.
func (inv *Invocation) Return(body ...interface{}) bool {
	return inv.complete(invocationResult{body: body})
}

// ReturnError completes the invocation with a named error and message.
func (inv *Invocation) ReturnError(name, message string) bool {
	return inv.complete(invocationResult{err: dbus.NewError(name, []interface{}{message})})
}

func (inv *Invocation) complete(r invocationResult) bool {
	done := false
	inv.once.Do(func() {
		inv.result <- r
		done = true
	})
	return done
}

// Wait blocks until the invocation is completed or ctx is done.
func (inv *Invocation) Wait(ctx context.Context) ([]interface{}, error) {
	select {
	case r := <-inv.result:
		if r.err != nil {
			return nil, *r.err
		}
		return r.body, nil
	case <-ctx.Done():
		return nil, *dbus.NewError(protocol.ErrFailed, []interface{}{"daemon shutting down"})
	}
}
