package output

import (
	"bytes"
	"context"
	"errors"
	"net"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/norasector/smu/pkg/smu/config"
	"github.com/norasector/smu/pkg/types"
	"github.com/norasector/smu/pkg/util"
)

func testBatch(n int) *Batch {
	frames := make([]types.Frame, n)
	for i := range frames {
		frames[i] = types.Frame{
			{SetPoint: 1, Voltage: 1.001 * float32(i), Current: 0.01},
			{SetPoint: 0, Voltage: 2.5, Current: -0.002 * float32(i)},
		}
	}
	return &Batch{Serial: "2032205054", SampleRate: 100000, Start: 42, Frames: frames}
}

func TestPacketRoundTrip(t *testing.T) {
	b := testBatch(30)
	encoded, err := MarshalPacket(b)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	decoded, err := UnmarshalPacket(encoded)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !reflect.DeepEqual(decoded, b) {
		t.Fatalf("decoded %+v, want %+v", decoded, b)
	}
}

func TestUnmarshalSkipsUnknownFields(t *testing.T) {
	encoded, _ := MarshalPacket(testBatch(1))
	encoded = protowire.AppendTag(encoded, 99, protowire.VarintType)
	encoded = protowire.AppendVarint(encoded, 7)

	decoded, err := UnmarshalPacket(encoded)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(decoded.Frames) != 1 {
		t.Fatalf("expected 1 frame, got %d", len(decoded.Frames))
	}
}

func TestUnmarshalErrors(t *testing.T) {
	encoded, _ := MarshalPacket(testBatch(2))

	tests := []struct {
		name string
		buf  []byte
	}{
		{"truncated", encoded[:len(encoded)-3]},
		{"bad tag", []byte{0xff}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := UnmarshalPacket(tt.buf); err == nil {
				t.Fatalf("expected error")
			}
		})
	}

	if _, err := MarshalPacket(&Batch{Frames: []types.Frame{types.NewFrame(2), types.NewFrame(1)}}); err == nil {
		t.Fatalf("expected ragged batch to be rejected")
	}
}

func TestSplitBatch(t *testing.T) {
	b := testBatch(200)
	parts := SplitBatch(b, MaxPayload)
	if len(parts) < 2 {
		t.Fatalf("expected batch to be split, got %d parts", len(parts))
	}

	total := 0
	for i, p := range parts {
		encoded, err := MarshalPacket(p)
		if err != nil {
			t.Fatalf("marshal part %d: %v", i, err)
		}
		if len(encoded) > MaxPayload {
			t.Fatalf("part %d is %d bytes", i, len(encoded))
		}
		if p.Start != b.Start+uint64(total) {
			t.Fatalf("part %d starts at %d, want %d", i, p.Start, b.Start+uint64(total))
		}
		total += len(p.Frames)
	}
	if total != 200 {
		t.Fatalf("parts hold %d frames", total)
	}
}

func TestFrameUnframe(t *testing.T) {
	msg, err := Frame([]byte("hello"))
	if err != nil {
		t.Fatalf("frame: %v", err)
	}
	if !bytes.Equal(msg[:2], []byte{5, 0}) {
		t.Fatalf("unexpected prefix % x", msg[:2])
	}
	payload, err := Unframe(msg)
	if err != nil || string(payload) != "hello" {
		t.Fatalf("unframe: %q %v", payload, err)
	}
	if _, err := Unframe(msg[:4]); err == nil {
		t.Fatalf("expected short datagram error")
	}
	if _, err := Frame(make([]byte, 70000)); err == nil {
		t.Fatalf("expected oversize error")
	}
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}

func TestTextOutput(t *testing.T) {
	var buf syncBuffer
	out := NewTextOutput(&buf, true)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- out.Start(ctx) }()

	out.Receive() <- &Batch{Start: 7, Frames: []types.Frame{{{SetPoint: 1, Voltage: 0.5, Current: 0.25}}}}

	want := "index\tA_set\tA_v\tA_i\n7\t1.000000\t0.500000\t0.250000\n"
	deadline := time.Now().Add(time.Second)
	for buf.String() != want && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("unexpected exit %v", err)
	}
	if got := buf.String(); got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestUDPOutput(t *testing.T) {
	listener, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer listener.Close()
	port := listener.LocalAddr().(*net.UDPAddr).Port

	metrics := &util.RecordingWriteAPI{}
	out := NewUDPOutput([]config.OutputDestination{{Host: "127.0.0.1", Port: port}}, metrics)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go out.Start(ctx)

	b := testBatch(3)
	out.Receive() <- b

	listener.SetReadDeadline(time.Now().Add(2 * time.Second))
	datagram := make([]byte, 2048)
	n, _, err := listener.ReadFromUDP(datagram)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	payload, err := Unframe(datagram[:n])
	if err != nil {
		t.Fatalf("unframe: %v", err)
	}
	got, err := UnmarshalPacket(payload)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !reflect.DeepEqual(got, b) {
		t.Fatalf("received %+v, want %+v", got, b)
	}

	deadline := time.Now().Add(time.Second)
	for len(metrics.Points("udp.sent_packet")) == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if len(metrics.Points("udp.sent_packet")) == 0 {
		t.Fatalf("no metrics point written")
	}
}

func TestHeaderRow(t *testing.T) {
	if got := headerRow(2); !strings.HasPrefix(got, "index\tA_set") || !strings.Contains(got, "B_i") {
		t.Fatalf("unexpected header %q", got)
	}
}
