package proxy

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/godbus/dbus/v5"
	"github.com/mpris-proxy/pkg/bus"
	"github.com/mpris-proxy/pkg/bus/bustest"
	"github.com/mpris-proxy/pkg/protocol"
)

func TestCopyCallRewritesDestination(t *testing.T) {
	msg := bustest.NewCall(protocol.MprisPath, protocol.PlayerInterface, "Seek", int64(5000000))
	msg.Flags = dbus.FlagNoAutoStart
	msg.Headers[dbus.FieldSender] = dbus.MakeVariant(":1.9")
	msg.Headers[dbus.FieldDestination] = dbus.MakeVariant("org.mpris.MediaPlayer2.mprisproxy")

	out, err := CopyCall(msg, ":1.42")
	if err != nil {
		t.Fatalf("CopyCall: %v", err)
	}
	if got := out.Headers[dbus.FieldDestination].Value(); got != ":1.42" {
		t.Fatalf("destination = %v", got)
	}
	if _, ok := out.Headers[dbus.FieldSender]; ok {
		t.Fatalf("sender header should be dropped")
	}
	if out.Flags != dbus.FlagNoAutoStart || out.Type != dbus.TypeMethodCall {
		t.Fatalf("type/flags not kept: %v %v", out.Type, out.Flags)
	}
	for _, field := range []dbus.HeaderField{dbus.FieldPath, dbus.FieldInterface, dbus.FieldMember, dbus.FieldSignature} {
		if !reflect.DeepEqual(out.Headers[field], msg.Headers[field]) {
			t.Fatalf("header %v changed: %v -> %v", field, msg.Headers[field], out.Headers[field])
		}
	}
	if !reflect.DeepEqual(out.Body, msg.Body) {
		t.Fatalf("body = %v", out.Body)
	}
	if got := msg.Headers[dbus.FieldDestination].Value(); got != "org.mpris.MediaPlayer2.mprisproxy" {
		t.Fatalf("original message was modified: %v", got)
	}
}

func TestCopyCallErrors(t *testing.T) {
	if _, err := CopyCall(nil, ":1.2"); err == nil {
		t.Fatalf("expected error for nil message")
	}
	msg := bustest.NewCall(protocol.MprisPath, protocol.PlayerInterface, "Play")
	if _, err := CopyCall(msg, ""); err == nil {
		t.Fatalf("expected error for empty destination")
	}

	broken := bustest.NewCall(protocol.MprisPath, protocol.PlayerInterface, "Seek", int64(1))
	delete(broken.Headers, dbus.FieldSignature)
	if _, err := CopyCall(broken, ":1.2"); err == nil {
		t.Fatalf("expected validation error for body without signature")
	}

	signal := bustest.NewCall(protocol.MprisPath, protocol.PlayerInterface, "Seeked")
	signal.Type = dbus.TypeSignal
	if _, err := CopyCall(signal, ":1.2"); err == nil {
		t.Fatalf("expected error for a signal")
	}
}

func TestTranslate(t *testing.T) {
	tests := []struct {
		name string
		call *dbus.Call
		want Outcome
	}{
		{
			name: "result",
			call: &dbus.Call{Body: []interface{}{"Playing"}},
			want: Outcome{Body: []interface{}{"Playing"}},
		},
		{
			name: "error with message",
			call: &dbus.Call{Err: dbus.Error{Name: "com.example.Busy", Body: []interface{}{"try later"}}},
			want: Outcome{ErrName: "com.example.Busy", ErrMessage: "try later", Reason: ReasonBackendError},
		},
		{
			name: "error without message",
			call: &dbus.Call{Err: dbus.Error{Name: "com.example.Busy"}},
			want: Outcome{ErrName: "com.example.Busy", ErrMessage: protocol.FallbackErrorMessage, Reason: ReasonBackendError},
		},
		{
			name: "error with non-string body",
			call: &dbus.Call{Err: &dbus.Error{Name: "com.example.Busy", Body: []interface{}{uint32(3)}}},
			want: Outcome{ErrName: "com.example.Busy", ErrMessage: protocol.FallbackErrorMessage, Reason: ReasonBackendError},
		},
		{
			name: "deadline",
			call: &dbus.Call{Err: context.DeadlineExceeded},
			want: Outcome{ErrName: protocol.ErrTimeout, ErrMessage: "Player did not reply in time", Reason: ReasonTimeout},
		},
		{
			name: "transport",
			call: &dbus.Call{Err: errors.New("dbus: connection closed by user")},
			want: Outcome{ErrName: protocol.ErrFailed, ErrMessage: "dbus: connection closed by user", Reason: ReasonTransportError},
		},
	}
	for _, tt := range tests {
		got := Translate(tt.call)
		if !reflect.DeepEqual(got, tt.want) {
			t.Fatalf("%s: got %+v, want %+v", tt.name, got, tt.want)
		}
	}
}

func TestOutcomeDeliver(t *testing.T) {
	inv := bustestInvocation()
	if !NoActivePlayer().Deliver(inv) {
		t.Fatalf("first delivery should complete the invocation")
	}
	if (Outcome{Body: []interface{}{"x"}}).Deliver(inv) {
		t.Fatalf("second delivery should be ignored")
	}
	_, err := inv.Wait(context.Background())
	var dbusErr dbus.Error
	if !errors.As(err, &dbusErr) || dbusErr.Name != protocol.ErrNoActivePlayer {
		t.Fatalf("err = %v", err)
	}
	if dbusErr.Body[0] != protocol.NoActivePlayerMessage {
		t.Fatalf("message = %v", dbusErr.Body)
	}
}

func bustestInvocation() *bus.Invocation {
	return bus.NewInvocation(bustest.NewCall(protocol.MprisPath, protocol.PlayerInterface, "PlayPause"))
}
