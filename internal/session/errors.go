package session

import (
	"errors"
	"fmt"

	"github.com/chaz8081/clocklink/internal/ble"
)

// Kind classifies session failures independently of the transport in use.
type Kind int

const (
	KindUnknown Kind = iota
	// KindTransportUnavailable: radio off or unauthorized. Not retried.
	KindTransportUnavailable
	// KindNotConnected: no active link. The operation did nothing.
	KindNotConnected
	// KindChannelMissing: the characteristic was never discovered.
	KindChannelMissing
	// KindWriteFailed: the transport rejected a write. Not retried.
	KindWriteFailed
	// KindDisconnectedWithError: link lost; a reconnect is under way.
	KindDisconnectedWithError
	// KindStorageCorrupt: persisted data could not be decoded.
	KindStorageCorrupt
	// KindUploadInProgress: another upload owns the channel.
	KindUploadInProgress
)

var kindNames = map[Kind]string{
	KindUnknown:               "Unknown",
	KindTransportUnavailable:  "TransportUnavailable",
	KindNotConnected:          "NotConnected",
	KindChannelMissing:        "ChannelMissing",
	KindWriteFailed:           "WriteFailed",
	KindDisconnectedWithError: "DisconnectedWithError",
	KindStorageCorrupt:        "StorageCorrupt",
	KindUploadInProgress:      "UploadInProgress",
}

func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// Sentinels for errors.Is. Every *Error matches the sentinel of its kind.
var (
	ErrTransportUnavailable  = &Error{Kind: KindTransportUnavailable}
	ErrNotConnected          = &Error{Kind: KindNotConnected}
	ErrChannelMissing        = &Error{Kind: KindChannelMissing}
	ErrWriteFailed           = &Error{Kind: KindWriteFailed}
	ErrDisconnectedWithError = &Error{Kind: KindDisconnectedWithError}
	ErrStorageCorrupt        = &Error{Kind: KindStorageCorrupt}
	ErrUploadInProgress      = &Error{Kind: KindUploadInProgress}
)

// errClosed is returned by operations issued after Close.
var errClosed = errors.New("session: closed")

// Error is the only error type operations of a Session return. The
// underlying transport error, if any, is kept as text in Err and is not
// reachable through errors.As.
type Error struct {
	Kind    Kind
	Op      string
	Channel *ble.Channel
	Err     error
}

func (e *Error) Error() string {
	msg := "session"
	if e.Op != "" {
		msg += ": " + e.Op
	}
	if e.Channel != nil {
		msg += " [" + e.Channel.String() + "]"
	}
	msg += ": " + e.Kind.String()
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Is matches any *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// KindOf returns the kind of err, or KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

func newError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: detach(err)}
}

func channelError(kind Kind, op string, ch ble.Channel, err error) *Error {
	return &Error{Kind: kind, Op: op, Channel: &ch, Err: detach(err)}
}

// detach flattens err to its message so transport error types do not leak
// to callers.
func detach(err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return errors.New(err.Error())
}
