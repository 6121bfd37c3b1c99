package proxy

import (
	"context"
	"errors"
	"fmt"

	"github.com/godbus/dbus/v5"
	"github.com/mpris-proxy/pkg/bus"
	"github.com/mpris-proxy/pkg/protocol"
)

// Error reasons, low cardinality, used as metric labels.
const (
	ReasonNoActivePlayer = "no_active_player"
	ReasonCopyFailed     = "copy_failed"
	ReasonBackendError   = "backend_error"
	ReasonTransportError = "transport_error"
	ReasonTimeout        = "timeout"
	ReasonVanished       = "vanished"
	ReasonShutdown       = "shutdown"
)

// CopyCall clones an incoming method call for dest. Type, flags, routing
// headers, signature and body are kept; the sender, destination and serial
// bookkeeping of the original are dropped.
func CopyCall(msg *dbus.Message, dest string) (*dbus.Message, error) {
	if msg == nil {
		return nil, errors.New("no message to copy")
	}
	if msg.Type != dbus.TypeMethodCall {
		return nil, fmt.Errorf("cannot forward message of type %v", msg.Type)
	}
	if dest == "" {
		return nil, errors.New("player has no owner")
	}

	out := &dbus.Message{
		Type:    msg.Type,
		Flags:   msg.Flags,
		Headers: make(map[dbus.HeaderField]dbus.Variant, len(msg.Headers)),
		Body:    append([]interface{}(nil), msg.Body...),
	}
	for field, v := range msg.Headers {
		switch field {
		case dbus.FieldSender, dbus.FieldDestination, dbus.FieldReplySerial, dbus.FieldUnixFDs:
			continue
		}
		out.Headers[field] = v
	}
	out.Headers[dbus.FieldDestination] = dbus.MakeVariant(dest)

	if err := out.IsValid(); err != nil {
		return nil, fmt.Errorf("copy %s call for %s: %w", member(msg), dest, err)
	}
	return out, nil
}

func member(msg *dbus.Message) string {
	iface, _ := msg.Headers[dbus.FieldInterface].Value().(string)
	name, _ := msg.Headers[dbus.FieldMember].Value().(string)
	return iface + "." + name
}

// Outcome is what the original caller gets for one forwarded call.
type Outcome struct {
	Body       []interface{}
	ErrName    string
	ErrMessage string
	// Reason is empty on success.
	Reason string
}

// Failed reports whether the caller gets an error reply.
func (o Outcome) Failed() bool {
	return o.ErrName != ""
}

// Deliver completes inv with the outcome.
func (o Outcome) Deliver(inv *bus.Invocation) bool {
	if o.Failed() {
		return inv.ReturnError(o.ErrName, o.ErrMessage)
	}
	return inv.Return(o.Body...)
}

// Translate maps a completed call to the reply for the original caller.
// Player errors keep their name; the message is the first body element if
// it is a string. Local failures become Timeout or Failed.
func Translate(call *dbus.Call) Outcome {
	if call.Err == nil {
		return Outcome{Body: call.Body}
	}

	var dbusErr dbus.Error
	var dbusErrPtr *dbus.Error
	switch {
	case errors.As(call.Err, &dbusErr):
		return backendError(dbusErr)
	case errors.As(call.Err, &dbusErrPtr) && dbusErrPtr != nil:
		return backendError(*dbusErrPtr)
	case errors.Is(call.Err, context.DeadlineExceeded):
		return Outcome{ErrName: protocol.ErrTimeout, ErrMessage: "Player did not reply in time", Reason: ReasonTimeout}
	default:
		return Outcome{ErrName: protocol.ErrFailed, ErrMessage: call.Err.Error(), Reason: ReasonTransportError}
	}
}

func backendError(e dbus.Error) Outcome {
	msg := protocol.FallbackErrorMessage
	if len(e.Body) > 0 {
		if s, ok := e.Body[0].(string); ok {
			msg = s
		}
	}
	name := e.Name
	if name == "" {
		name = protocol.ErrFailed
	}
	return Outcome{ErrName: name, ErrMessage: msg, Reason: ReasonBackendError}
}

// NoActivePlayer is the outcome of a call made while no player is queued.
func NoActivePlayer() Outcome {
	return Outcome{ErrName: protocol.ErrNoActivePlayer, ErrMessage: protocol.NoActivePlayerMessage, Reason: ReasonNoActivePlayer}
}

// CopyFailed is the outcome of a call that could not be copied.
func CopyFailed(err error) Outcome {
	return Outcome{ErrName: protocol.ErrFailed, ErrMessage: err.Error(), Reason: ReasonCopyFailed}
}

// Vanished is the outcome of a pending call whose player went away.
func Vanished() Outcome {
	return Outcome{ErrName: protocol.ErrNoReply, ErrMessage: "Player vanished before replying", Reason: ReasonVanished}
}

// Shutdown is the outcome of a pending call when the daemon stops.
func Shutdown() Outcome {
	return Outcome{ErrName: protocol.ErrFailed, ErrMessage: "daemon shutting down", Reason: ReasonShutdown}
}
