package smu

import (
	"testing"

	"github.com/norasector/smu/pkg/types"
)

func frameWith(v float32) types.Frame {
	return types.Frame{{SetPoint: v}}
}

func TestFrameQueueOrderAndBackpressure(t *testing.T) {
	q := newFrameQueue(3)

	n := q.Offer([]types.Frame{frameWith(1), frameWith(2), frameWith(3), frameWith(4)})
	if n != 3 {
		t.Fatalf("expected 3 accepted frames, got %d", n)
	}
	if q.Offer([]types.Frame{frameWith(5)}) != 0 {
		t.Fatalf("full queue should accept nothing")
	}

	first := q.Drain(1)
	if len(first) != 1 || first[0][0].SetPoint != 1 {
		t.Fatalf("unexpected first drain %v", first)
	}

	if q.Offer([]types.Frame{frameWith(5)}) != 1 {
		t.Fatalf("expected room after drain")
	}

	rest := q.Drain(0)
	want := []float32{2, 3, 5}
	if len(rest) != len(want) {
		t.Fatalf("expected %d frames, got %d", len(want), len(rest))
	}
	for i, v := range want {
		if rest[i][0].SetPoint != v {
			t.Fatalf("frame %d = %v, want %v", i, rest[i][0].SetPoint, v)
		}
	}
	if q.Len() != 0 || q.Drain(10) != nil {
		t.Fatalf("queue should be empty")
	}
}

func TestFrameQueueOfferCopies(t *testing.T) {
	q := newFrameQueue(2)
	f := frameWith(1)
	q.Offer([]types.Frame{f})
	f[0].SetPoint = 9

	got := q.Drain(1)
	if got[0][0].SetPoint != 1 {
		t.Fatalf("queued frame aliases caller memory")
	}
}

func TestFrameQueueOverwriteDropsOldest(t *testing.T) {
	q := newFrameQueue(2)

	dropped := q.Overwrite([]types.Frame{frameWith(1), frameWith(2), frameWith(3)})
	if dropped != 1 {
		t.Fatalf("expected 1 dropped frame, got %d", dropped)
	}

	dst := make([]types.Frame, 4)
	n := q.DrainInto(dst)
	if n != 2 || dst[0][0].SetPoint != 2 || dst[1][0].SetPoint != 3 {
		t.Fatalf("unexpected drain %d %v", n, dst[:n])
	}
}

func TestFrameQueueReset(t *testing.T) {
	q := newFrameQueue(4)
	q.Offer([]types.Frame{frameWith(1), frameWith(2)})
	q.Reset()
	if q.Len() != 0 {
		t.Fatalf("expected empty queue after reset")
	}
	if q.Cap() != 4 {
		t.Fatalf("capacity changed after reset")
	}
}
