package file

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/norasector/smu/pkg/types"
)

func testFrames(n int) []types.Frame {
	frames := make([]types.Frame, n)
	for i := range frames {
		frames[i] = types.Frame{
			{SetPoint: float32(i), Voltage: float32(i) + 0.5, Current: 0.001 * float32(i)},
			{SetPoint: 0, Voltage: -float32(i), Current: 0},
		}
	}
	return frames
}

func writeRecording(t *testing.T, name string, frames []types.Frame) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	rec, err := NewRecorder(path, 2, 1000)
	if err != nil {
		t.Fatalf("recorder: %v", err)
	}
	if err := rec.Write(frames); err != nil {
		t.Fatalf("write: %v", err)
	}
	if rec.Frames() != int64(len(frames)) {
		t.Fatalf("recorder counted %d frames", rec.Frames())
	}
	if err := rec.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	return path
}

func TestRecordAndReadAll(t *testing.T) {
	frames := testFrames(25)
	path := writeRecording(t, "unit.smu", frames)

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if want := headerSize + 25*2*sampleSize; len(data) != want {
		t.Fatalf("file is %d bytes, want %d", len(data), want)
	}

	h, got, err := ReadAll(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("read all: %v", err)
	}
	if h.Channels != 2 || h.SampleRate != 1000 {
		t.Fatalf("header = %+v", h)
	}
	if !reflect.DeepEqual(got, frames) {
		t.Fatalf("frames differ after round trip")
	}
}

func TestRecorderRejectsWrongWidth(t *testing.T) {
	rec, err := NewRecorder(filepath.Join(t.TempDir(), "x.smu"), 2, 1000)
	if err != nil {
		t.Fatalf("recorder: %v", err)
	}
	defer rec.Close()
	if err := rec.Write([]types.Frame{types.NewFrame(3)}); err == nil {
		t.Fatalf("expected width error")
	}
}

func TestReadHeaderErrors(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"short", []byte("SMU")},
		{"bad magic", []byte("ABCD\x01\x00\x02\x00\xe8\x03\x00\x00")},
		{"bad version", []byte("SMUR\x09\x00\x02\x00\xe8\x03\x00\x00")},
		{"no channels", []byte("SMUR\x01\x00\x00\x00\xe8\x03\x00\x00")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ReadHeader(bytes.NewReader(tt.data)); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

type collectIO struct {
	mu     sync.Mutex
	frames []types.Frame
}

func (c *collectIO) Pull(dst []types.Frame) int { return 0 }

func (c *collectIO) Push(src []types.Frame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, src...)
}

func TestReplay(t *testing.T) {
	frames := testFrames(25)
	path := writeRecording(t, "LOOPREC.smu", frames)

	d := NewDriver([]string{path, filepath.Join(t.TempDir(), "missing.smu")}, time.Millisecond, false)
	descs, err := d.Scan()
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(descs) != 1 || descs[0].Serial != "LOOPREC" || descs[0].DefaultRate != 1000 {
		t.Fatalf("unexpected descriptors %+v", descs)
	}

	dev, err := d.Open(descs[0])
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer dev.Close()

	if _, err := dev.SetSampleRate(2000); err == nil {
		t.Fatalf("expected fixed sample rate")
	}

	sio := &collectIO{}
	if err := dev.Stream(context.Background(), sio); err != nil {
		t.Fatalf("stream: %v", err)
	}
	if !reflect.DeepEqual(sio.frames, frames) {
		t.Fatalf("replayed %d frames, want %d identical frames", len(sio.frames), len(frames))
	}
}

func TestReplayLoopStopsOnCancel(t *testing.T) {
	path := writeRecording(t, "loop.smu", testFrames(3))
	d := NewDriver([]string{path}, time.Millisecond, true)
	descs, _ := d.Scan()
	dev, err := d.Open(descs[0])
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer dev.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	sio := &collectIO{}
	if err := dev.Stream(ctx, sio); err != context.DeadlineExceeded {
		t.Fatalf("expected deadline, got %v", err)
	}
	if len(sio.frames) <= 3 {
		t.Fatalf("expected looped replay, got %d frames", len(sio.frames))
	}
}

type stopAfterIO struct {
	collectIO
	limit  int
	cancel context.CancelFunc
}

func (s *stopAfterIO) Push(src []types.Frame) {
	s.collectIO.Push(src)
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.frames) >= s.limit {
		s.cancel()
	}
}

func TestReplayResumesAfterRestart(t *testing.T) {
	frames := testFrames(2000)
	path := writeRecording(t, "resume.smu", frames)
	d := NewDriver([]string{path}, time.Millisecond, false)
	descs, _ := d.Scan()
	dev, err := d.Open(descs[0])
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer dev.Close()

	var got []types.Frame
	for _, limit := range []int{30, 10} {
		ctx, cancel := context.WithCancel(context.Background())
		sio := &stopAfterIO{limit: limit, cancel: cancel}
		if err := dev.Stream(ctx, sio); err != context.Canceled {
			t.Fatalf("expected cancel, got %v", err)
		}
		cancel()
		got = append(got, sio.frames...)
	}

	if len(got) < 40 {
		t.Fatalf("replayed only %d frames", len(got))
	}
	if !reflect.DeepEqual(got, frames[:len(got)]) {
		t.Fatalf("replay is not contiguous across restart")
	}
}

func TestReplayLoopRewindsAfterRestartAtEnd(t *testing.T) {
	frames := testFrames(3)
	path := writeRecording(t, "tail.smu", frames)
	d := NewDriver([]string{path}, time.Millisecond, true)
	descs, _ := d.Scan()
	dev, err := d.Open(descs[0])
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer dev.Close()

	var got []types.Frame
	for i := 0; i < 2; i++ {
		ctx, cancel := context.WithCancel(context.Background())
		sio := &stopAfterIO{limit: 3, cancel: cancel}
		if err := dev.Stream(ctx, sio); err != context.Canceled {
			t.Fatalf("pass %d: expected cancel, got %v", i, err)
		}
		cancel()
		got = append(got, sio.frames...)
	}
	if len(got) < 6 {
		t.Fatalf("replayed only %d frames", len(got))
	}
	for j, f := range got {
		if !reflect.DeepEqual(f, frames[j%3]) {
			t.Fatalf("frame %d = %v", j, f)
		}
	}
}
