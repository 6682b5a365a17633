package output

import (
	"context"

	"github.com/norasector/smu/pkg/types"
)

// Batch is a run of consecutive frames read from one session.
type Batch struct {
	Serial     string
	SampleRate int
	// Start is the index of the first frame since streaming began.
	Start  uint64
	Frames []types.Frame
}

// FrameOutput consumes batches of measured frames.
type FrameOutput interface {
	// Start receives a context and runs until ctx is done or the output fails.
	Start(ctx context.Context) error
	// Receive returns the channel batches are delivered on.
	Receive() chan<- *Batch
}
