package device

import (
	"context"

	"github.com/norasector/smu/pkg/smu/calibration"
	"github.com/norasector/smu/pkg/types"
)

// Driver enumerates and opens units of one kind of hardware.
type Driver interface {
	// Name identifies the backend in logs and metrics.
	Name() string
	// Scan returns descriptors for every unit currently attached.
	Scan() ([]types.Descriptor, error)
	// Open acquires a handle on the unit. The handle is exclusive to the caller
	// until it is closed.
	Open(desc types.Descriptor) (Device, error)
	Close() error
}

// Device is an open handle on one unit.
type Device interface {
	Descriptor() types.Descriptor
	// Configure sets the mode of a channel. It is only called while not streaming.
	Configure(channel int, mode types.Mode) error
	// SetSampleRate applies the closest supported rate and returns it.
	SetSampleRate(rate int) (int, error)
	// Stream runs the transfer loop until ctx is cancelled or the transport fails.
	// It returns ctx.Err() on cancellation and an ErrDisconnected kind when the
	// unit goes away.
	Stream(ctx context.Context, io SampleIO) error
	Calibration() (calibration.Table, error)
	WriteCalibration(table calibration.Table) error
	Close() error
}

// SampleIO is the session side of a running transfer loop.
type SampleIO interface {
	// Pull fills dst with frames to be sourced and returns how many were
	// available. The device holds the last set point for the remainder.
	Pull(dst []types.Frame) int
	// Push hands measured frames to the session. Ownership of src passes to
	// the session.
	Push(src []types.Frame)
}

// LEDSetter is implemented by devices with user-controllable LEDs.
type LEDSetter interface {
	SetLED(mask uint8) error
}

// Bootloader is implemented by devices that can reboot into their firmware
// update monitor.
type Bootloader interface {
	EnterBootloader() error
}
