package session

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/chaz8081/clocklink/internal/ble"
)

type transportErr struct{ code int }

func (e *transportErr) Error() string { return fmt.Sprintf("transport code %d", e.code) }

func TestErrorIsMatchesKind(t *testing.T) {
	err := channelError(KindChannelMissing, "timer start", ble.ChannelTimer, nil)
	if !errors.Is(err, ErrChannelMissing) {
		t.Error("errors.Is(ChannelMissing) = false, want true")
	}
	if errors.Is(err, ErrNotConnected) {
		t.Error("errors.Is(NotConnected) = true, want false")
	}
	wrapped := fmt.Errorf("api: %w", err)
	if KindOf(wrapped) != KindChannelMissing {
		t.Errorf("KindOf(wrapped) = %v, want ChannelMissing", KindOf(wrapped))
	}
	if KindOf(errors.New("plain")) != KindUnknown {
		t.Error("KindOf(plain) should be Unknown")
	}
}

func TestErrorMessage(t *testing.T) {
	err := channelError(KindWriteFailed, "set volume", ble.ChannelBuzzer, errors.New("att error 0x03"))
	want := "session: set volume [buzzer]: WriteFailed: att error 0x03"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
	if got := newError(KindNotConnected, "", nil).Error(); got != "session: NotConnected" {
		t.Errorf("Error() = %q", got)
	}
}

func TestTransportErrorTypesDoNotLeak(t *testing.T) {
	err := newError(KindWriteFailed, "write", &transportErr{code: 14})
	var te *transportErr
	if errors.As(err, &te) {
		t.Error("transport error type should not be reachable")
	}
	if !strings.Contains(err.Error(), "transport code 14") {
		t.Errorf("Error() = %q, should keep the message", err.Error())
	}
}

func TestKindText(t *testing.T) {
	tests := []struct {
		kind Kind
		want string
	}{
		{KindTransportUnavailable, "TransportUnavailable"},
		{KindDisconnectedWithError, "DisconnectedWithError"},
		{KindUploadInProgress, "UploadInProgress"},
		{Kind(99), "Kind(99)"},
	}
	for _, tt := range tests {
		b, _ := tt.kind.MarshalText()
		if string(b) != tt.want {
			t.Errorf("Kind(%d).MarshalText() = %q, want %q", int(tt.kind), b, tt.want)
		}
	}
}

func TestStateString(t *testing.T) {
	if StateDiscovering.String() != "Discovering" {
		t.Errorf("StateDiscovering = %q", StateDiscovering.String())
	}
	if State(42).String() != "State(42)" {
		t.Errorf("State(42) = %q", State(42).String())
	}
}
