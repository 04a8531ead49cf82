package transport

import (
	"errors"
	"fmt"
)

// Kind classifies a transport error into the unified taxonomy shared by all
// adapters. Roles branch on kind, never on adapter-specific error types.
type Kind int

const (
	KindConnect Kind = iota
	KindPublish
	KindSubscribe
	KindRequest
	KindTimeout
	KindDisconnected
	KindConfig
	KindOther
)

func (k Kind) String() string {
	switch k {
	case KindConnect:
		return "connect"
	case KindPublish:
		return "publish"
	case KindSubscribe:
		return "subscribe"
	case KindRequest:
		return "request"
	case KindTimeout:
		return "timeout"
	case KindDisconnected:
		return "disconnected"
	case KindConfig:
		return "config"
	default:
		return "other"
	}
}

// Error is the adapter error envelope. Timeout and Disconnected are
// recoverable; the caller decides retry policy. Adapters never retry
// internally beyond the documented connect backoff.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Recoverable reports whether the caller may usefully retry.
func (e *Error) Recoverable() bool {
	return e.Kind == KindTimeout || e.Kind == KindDisconnected
}

// Errf builds a transport error of the given kind.
func Errf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// Wrap attaches a kind to err. A nil err returns nil; an err that already
// carries a kind is returned unchanged so the original classification wins.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	var te *Error
	if errors.As(err, &te) {
		return err
	}
	return &Error{Kind: kind, Err: err}
}

// KindOf extracts the kind of err, defaulting to Other for foreign errors.
func KindOf(err error) Kind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return KindOther
}

// IsRecoverable reports whether err is a recoverable transport error.
func IsRecoverable(err error) bool {
	var te *Error
	return errors.As(err, &te) && te.Recoverable()
}
