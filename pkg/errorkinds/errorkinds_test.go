package errorkinds

import (
	"errors"
	"io"
	"testing"
)

func TestNewMatchesSentinel(t *testing.T) {
	tests := []struct {
		name string
		kind error
	}{
		{"unavailable", ErrDeviceUnavailable},
		{"invalid", ErrInvalidConfiguration},
		{"busy", ErrDeviceBusy},
		{"disconnected", ErrDisconnected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := New(tt.kind, "test-op", "something went wrong")
			if !errors.Is(err, tt.kind) {
				t.Fatalf("errors.Is(%v, %v) = false", err, tt.kind)
			}
			if Kind(err) != kinds[tt.kind] {
				t.Fatalf("Kind() = %q, want %q", Kind(err), kinds[tt.kind])
			}
		})
	}
}

func TestWrapKeepsCause(t *testing.T) {
	err := Wrap(io.ErrUnexpectedEOF, ErrDisconnected, "stream", "transfer failed")
	if !errors.Is(err, ErrDisconnected) {
		t.Fatalf("expected disconnected kind")
	}
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("expected cause to be preserved")
	}
	if !IsFatal(err) {
		t.Fatalf("disconnected errors are fatal")
	}
	if IsFatal(New(ErrDeviceBusy, "op", "busy")) {
		t.Fatalf("busy errors are not fatal")
	}
}

func TestKindOfPlainError(t *testing.T) {
	if Kind(nil) != "" {
		t.Fatalf("nil error should have no kind")
	}
	if Kind(errors.New("plain")) != "" {
		t.Fatalf("plain error should have no kind")
	}
}
