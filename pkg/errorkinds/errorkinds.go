// Package errorkinds holds the error kinds every session operation reports.
// Match them with errors.Is; the ftag kind is attached for callers that
// classify errors generically.
package errorkinds

import (
	"context"
	"errors"

	"github.com/Southclaws/fault"
	"github.com/Southclaws/fault/fctx"
	"github.com/Southclaws/fault/fmsg"
	"github.com/Southclaws/fault/ftag"
)

const (
	KindDeviceUnavailable    ftag.Kind = "DEVICE_UNAVAILABLE"
	KindInvalidConfiguration ftag.Kind = "INVALID_CONFIGURATION"
	KindDeviceBusy           ftag.Kind = "DEVICE_BUSY"
	KindDisconnected         ftag.Kind = "DISCONNECTED"
)

var (
	// ErrDeviceUnavailable is returned when a device is not found or already claimed.
	ErrDeviceUnavailable = errors.New("device unavailable")
	// ErrInvalidConfiguration is returned for unsupported channels, modes or rates.
	ErrInvalidConfiguration = errors.New("invalid configuration")
	// ErrDeviceBusy is returned when an operation is not allowed in the current state.
	ErrDeviceBusy = errors.New("device busy")
	// ErrDisconnected is fatal: the device went away mid-session.
	ErrDisconnected = errors.New("device disconnected")
)

var kinds = map[error]ftag.Kind{
	ErrDeviceUnavailable:    KindDeviceUnavailable,
	ErrInvalidConfiguration: KindInvalidConfiguration,
	ErrDeviceBusy:           KindDeviceBusy,
	ErrDisconnected:         KindDisconnected,
}

// New wraps one of the sentinel kinds with an operation name and a message.
func New(kind error, op, msg string) error {
	return Wrap(kind, kind, op, msg)
}

// Wrap decorates cause so that errors.Is(err, kind) holds. When cause already
// is the kind it is wrapped directly, otherwise both are chained.
func Wrap(cause, kind error, op, msg string) error {
	if cause == nil {
		cause = kind
	}
	err := cause
	if cause != kind {
		err = &kindError{kind: kind, cause: cause}
	}

	tag, ok := kinds[kind]
	if !ok {
		tag = ftag.Internal
	}

	return fault.Wrap(err,
		fctx.With(context.Background(), "error_at", op),
		ftag.With(tag),
		fmsg.With(msg),
	)
}

// Kind returns the ftag kind attached to err, or an empty kind.
func Kind(err error) ftag.Kind {
	if err == nil {
		return ""
	}
	for sentinel, kind := range kinds {
		if errors.Is(err, sentinel) {
			return kind
		}
	}
	return ftag.Get(err)
}

// IsFatal reports whether err ends the session.
func IsFatal(err error) bool {
	return errors.Is(err, ErrDisconnected)
}

type kindError struct {
	kind  error
	cause error
}

func (k *kindError) Error() string {
	return k.kind.Error() + ": " + k.cause.Error()
}

func (k *kindError) Is(target error) bool {
	return target == k.kind
}

func (k *kindError) Unwrap() error {
	return k.cause
}
