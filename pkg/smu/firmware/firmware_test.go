package firmware

import (
	"bytes"
	"context"
	"errors"
	"strconv"
	"strings"
	"testing"
)

// fakeMonitor answers the SAM-BA commands the flasher issues.
type fakeMonitor struct {
	commands []string
	pages    map[int][]byte
	pending  int
	addr     int
	busy     int
	status   uint32
	resp     bytes.Buffer
}

func newFakeMonitor() *fakeMonitor {
	return &fakeMonitor{pages: make(map[int][]byte), status: fsrReady}
}

func (m *fakeMonitor) Write(b []byte) (int, error) {
	if m.pending > 0 {
		m.pages[m.addr] = append([]byte(nil), b...)
		m.pending = 0
		return len(b), nil
	}

	cmd := string(b)
	m.commands = append(m.commands, cmd)
	switch {
	case cmd == "N#":
		m.resp.WriteString("\n\r")
	case strings.HasPrefix(cmd, "S"):
		parts := strings.Split(strings.TrimSuffix(cmd[1:], "#"), ",")
		addr, _ := strconv.ParseInt(parts[0], 16, 64)
		n, _ := strconv.ParseInt(parts[1], 16, 64)
		m.addr, m.pending = int(addr), int(n)
	case strings.HasPrefix(cmd, "w"):
		status := m.status
		if m.busy > 0 {
			m.busy--
			status = 0
		}
		m.resp.Write([]byte{byte(status), byte(status >> 8), byte(status >> 16), byte(status >> 24)})
	}
	return len(b), nil
}

func (m *fakeMonitor) Read(b []byte) (int, error) {
	return m.resp.Read(b)
}

func TestFlash(t *testing.T) {
	image := bytes.Repeat([]byte{0xAB}, PageSize+10)
	mon := newFakeMonitor()
	mon.busy = 2

	var progress []Progress
	f := NewFlasher(mon, WithProgress(func(p Progress) { progress = append(progress, p) }))
	if err := f.Flash(context.Background(), image); err != nil {
		t.Fatalf("flash: %v", err)
	}

	if len(mon.pages) != 2 {
		t.Fatalf("expected 2 pages, got %d", len(mon.pages))
	}
	second := mon.pages[FlashBase+PageSize]
	if len(second) != PageSize || second[9] != 0xAB || second[10] != 0xFF {
		t.Fatalf("second page not padded with 0xFF")
	}

	want := []string{
		"N#",
		"S00080000,100#",
		"W400E0804,5A000003#",
		"w400E0808,4#",
		"w400E0808,4#",
		"w400E0808,4#",
		"S00080100,100#",
		"W400E0804,5A000103#",
		"w400E0808,4#",
		"W400E0804,5A00010B#",
		"w400E0808,4#",
		"W400E1400,A500000D#",
	}
	if strings.Join(mon.commands, " ") != strings.Join(want, " ") {
		t.Fatalf("commands\n%v\nwant\n%v", mon.commands, want)
	}

	if len(progress) != 2 || progress[1] != (Progress{Page: 2, Pages: 2}) {
		t.Fatalf("unexpected progress %v", progress)
	}
}

func TestFlashRejectsImages(t *testing.T) {
	tests := []struct {
		name  string
		image []byte
	}{
		{"empty", nil},
		{"too large", make([]byte, FlashSize+1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mon := newFakeMonitor()
			if err := NewFlasher(mon).Flash(context.Background(), tt.image); err == nil {
				t.Fatalf("expected error")
			}
			if len(mon.commands) != 0 {
				t.Fatalf("commands sent for a rejected image: %v", mon.commands)
			}
		})
	}
}

func TestFlashControllerError(t *testing.T) {
	mon := newFakeMonitor()
	mon.status = fsrReady | 0x4
	if err := NewFlasher(mon).Flash(context.Background(), []byte{1, 2, 3}); err == nil {
		t.Fatalf("expected flash controller error")
	}
}

func TestFlashCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := NewFlasher(newFakeMonitor()).Flash(ctx, []byte{1})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
}
