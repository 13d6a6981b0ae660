package domain

import (
	"errors"
	"fmt"
)

// ErrorKind categorizes engine failures for callers and the control API.
type ErrorKind string

const (
	KindTransport      ErrorKind = "transport"
	KindAuthentication ErrorKind = "authentication"
	KindProtocol       ErrorKind = "protocol"
	KindSession        ErrorKind = "session"
	KindConflict       ErrorKind = "conflict"
	KindResolution     ErrorKind = "resolution"
	KindNotFound       ErrorKind = "not_found"
	KindValidation     ErrorKind = "validation"
	KindInternal       ErrorKind = "internal"
)

var (
	ErrDeviceNotFound     = errors.New("device not found")
	ErrPairingNotFound    = errors.New("pairing not found")
	ErrSessionNotFound    = errors.New("sync session not found")
	ErrConflictNotFound   = errors.New("conflict not found")
	ErrSecretNotFound     = errors.New("pairing secret not found")
	ErrNotPaired          = errors.New("device is not paired")
	ErrNotConnected       = errors.New("device is not connected")
	ErrSessionActive      = errors.New("a sync session is already active")
	ErrPairingExpired     = errors.New("pairing code expired")
	ErrPairingClosed      = errors.New("pairing code already used")
	ErrInvalidCode        = errors.New("invalid pairing code")
	ErrSignatureInvalid   = errors.New("message signature invalid")
	ErrNoTransport        = errors.New("no usable transport for device")
	ErrChannelClosed      = errors.New("channel closed")
	ErrPeerRejected       = errors.New("peer rejected sync request")
	ErrInvalidTransition  = errors.New("invalid state transition")
	ErrUnsupportedPolicy  = errors.New("resolution policy not valid for conflict type")
	ErrResolutionRequired = errors.New("manual resolution requires a concrete policy")
)

// Error carries a kind and the failing operation alongside a readable message.
type Error struct {
	Kind    ErrorKind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	if e.Op != "" {
		return fmt.Sprintf("%s %s: %s", e.Op, e.Kind, msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func E(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func Errorf(kind ErrorKind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

// KindOf returns the kind of the outermost *Error in the chain, or
// KindInternal when err carries none.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}
