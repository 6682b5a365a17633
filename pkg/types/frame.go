package types

// Sample is one channel's values for a single timestep.
type Sample struct {
	SetPoint float32 `json:"set_point"`
	Voltage  float32 `json:"voltage"`
	Current  float32 `json:"current"`
}

// Frame holds one timestep across every channel of a device. Its width always
// equals the channel count of the device that produced or will consume it.
type Frame []Sample

// NewFrame returns a zeroed frame of the given width.
func NewFrame(channels int) Frame {
	return make(Frame, channels)
}

// Clone returns a copy that does not share backing storage with f.
func (f Frame) Clone() Frame {
	ret := make(Frame, len(f))
	copy(ret, f)
	return ret
}

// SetPoints builds frames from per-channel set point sequences. Channels with
// shorter sequences hold their final value; a nil sequence yields zeroes.
func SetPoints(channels int, points ...[]float32) []Frame {
	n := 0
	for _, p := range points {
		if len(p) > n {
			n = len(p)
		}
	}

	ret := make([]Frame, n)
	for i := 0; i < n; i++ {
		f := NewFrame(channels)
		for ch := 0; ch < channels && ch < len(points); ch++ {
			p := points[ch]
			switch {
			case len(p) == 0:
			case i < len(p):
				f[ch].SetPoint = p[i]
			default:
				f[ch].SetPoint = p[len(p)-1]
			}
		}
		ret[i] = f
	}
	return ret
}

// Channel extracts one channel's samples from a sequence of frames.
func Channel(frames []Frame, ch int) []Sample {
	ret := make([]Sample, 0, len(frames))
	for _, f := range frames {
		if ch < len(f) {
			ret = append(ret, f[ch])
		}
	}
	return ret
}
