package smu

import (
	"sync"

	"github.com/norasector/smu/pkg/types"
)

// frameQueue is a bounded FIFO of frames shared between the caller and the
// transfer loop.
type frameQueue struct {
	mu   sync.Mutex
	buf  []types.Frame
	head int
	size int
}

func newFrameQueue(capacity int) *frameQueue {
	if capacity < 1 {
		capacity = 1
	}
	return &frameQueue{buf: make([]types.Frame, capacity)}
}

// Offer copies as many frames as fit and returns how many were accepted.
func (q *frameQueue) Offer(frames []types.Frame) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.buf) - q.size
	if len(frames) < n {
		n = len(frames)
	}
	for i := 0; i < n; i++ {
		q.buf[(q.head+q.size)%len(q.buf)] = frames[i].Clone()
		q.size++
	}
	return n
}

// Overwrite appends every frame, dropping the oldest queued frames when full.
// It returns the number of frames dropped.
func (q *frameQueue) Overwrite(frames []types.Frame) (dropped int) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, f := range frames {
		if q.size == len(q.buf) {
			q.buf[q.head] = nil
			q.head = (q.head + 1) % len(q.buf)
			q.size--
			dropped++
		}
		q.buf[(q.head+q.size)%len(q.buf)] = f
		q.size++
	}
	return dropped
}

// Drain removes up to max frames (all of them when max <= 0).
func (q *frameQueue) Drain(max int) []types.Frame {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := q.size
	if max > 0 && max < n {
		n = max
	}
	if n == 0 {
		return nil
	}

	out := make([]types.Frame, n)
	q.drainLocked(out)
	return out
}

// DrainInto fills dst from the front of the queue and returns the count.
func (q *frameQueue) DrainInto(dst []types.Frame) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := q.size
	if len(dst) < n {
		n = len(dst)
	}
	q.drainLocked(dst[:n])
	return n
}

func (q *frameQueue) drainLocked(dst []types.Frame) {
	for i := range dst {
		dst[i] = q.buf[q.head]
		q.buf[q.head] = nil
		q.head = (q.head + 1) % len(q.buf)
	}
	q.size -= len(dst)
}

func (q *frameQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

func (q *frameQueue) Cap() int {
	return len(q.buf)
}

func (q *frameQueue) Reset() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.buf {
		q.buf[i] = nil
	}
	q.head = 0
	q.size = 0
}
