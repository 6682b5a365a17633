package util

import (
	"sync"

	"github.com/influxdata/influxdb-client-go/api/write"
)

// NopWriteAPI discards every point. It stands in for an InfluxDB write API when
// no metrics backend is configured.
type NopWriteAPI struct{}

func (m *NopWriteAPI) WriteRecord(line string)       {}
func (m *NopWriteAPI) WritePoint(point *write.Point) {}
func (m *NopWriteAPI) Flush()                        {}
func (m *NopWriteAPI) Close()                        {}
func (m *NopWriteAPI) Errors() <-chan error          { return nil }

// RecordingWriteAPI keeps every point written to it, for tests.
type RecordingWriteAPI struct {
	NopWriteAPI

	mu     sync.Mutex
	points []*write.Point
}

func (r *RecordingWriteAPI) WritePoint(point *write.Point) {
	r.mu.Lock()
	r.points = append(r.points, point)
	r.mu.Unlock()
}

// Points returns the points written so far with the given measurement name.
func (r *RecordingWriteAPI) Points(measurement string) []*write.Point {
	r.mu.Lock()
	defer r.mu.Unlock()

	var ret []*write.Point
	for _, p := range r.points {
		if p.Name() == measurement {
			ret = append(ret, p)
		}
	}
	return ret
}
