package m1000

import (
	"testing"

	"github.com/norasector/smu/pkg/types"
)

func TestFillSetPointsHoldsAcrossPackets(t *testing.T) {
	m := &Device{held: types.NewFrame(Channels)}

	frames := make([]types.Frame, SamplesPerPacket)
	frames[0] = types.Frame{{SetPoint: 1.5}, {SetPoint: 0.25}}
	frames[1] = types.Frame{{SetPoint: 2.5}, {SetPoint: 0.5}}
	m.fillSetPoints(frames, 2)
	if frames[0][0].SetPoint != 1.5 || frames[1][0].SetPoint != 2.5 {
		t.Fatalf("pulled set points not kept: %v %v", frames[0], frames[1])
	}
	for i := 2; i < len(frames); i++ {
		if frames[i][0].SetPoint != 2.5 || frames[i][1].SetPoint != 0.5 {
			t.Fatalf("frame %d = %v, want last set point", i, frames[i])
		}
	}

	// a later packet with nothing queued, as after a stream restart
	next := make([]types.Frame, SamplesPerPacket)
	m.fillSetPoints(next, 0)
	for i, f := range next {
		if f[0].SetPoint != 2.5 || f[1].SetPoint != 0.5 {
			t.Fatalf("frame %d = %v, want held set point", i, f)
		}
	}

	next[0][0].SetPoint = 9
	if m.held[0].SetPoint != 2.5 {
		t.Fatalf("held frame aliased by packet")
	}
}
