package smu

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector exports the counters of every open session of a manager.
type Collector struct {
	m *Manager

	framesIn  *prometheus.Desc
	framesOut *prometheus.Desc
	overflows *prometheus.Desc
	underruns *prometheus.Desc
	queued    *prometheus.Desc
	capacity  *prometheus.Desc
	state     *prometheus.Desc
	sessions  *prometheus.Desc
}

func NewCollector(m *Manager) *Collector {
	labels := []string{"serial", "session_id"}
	return &Collector{
		m:         m,
		framesIn:  prometheus.NewDesc("smu_frames_in_total", "Measured frames received from the device.", labels, nil),
		framesOut: prometheus.NewDesc("smu_frames_out_total", "Set point frames sent to the device.", labels, nil),
		overflows: prometheus.NewDesc("smu_input_overflows_total", "Measured frames dropped because the input queue was full.", labels, nil),
		underruns: prometheus.NewDesc("smu_output_underruns_total", "Frames sourced while the output queue was empty.", labels, nil),
		queued:    prometheus.NewDesc("smu_queue_length", "Frames waiting in a session queue.", append(labels, "queue"), nil),
		capacity:  prometheus.NewDesc("smu_queue_capacity", "Frames a session queue can hold.", append(labels, "queue"), nil),
		state:     prometheus.NewDesc("smu_session_state", "Current session state, 1 for the active state.", append(labels, "state"), nil),
		sessions:  prometheus.NewDesc("smu_sessions_open", "Number of open sessions.", nil, nil),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.framesIn
	ch <- c.framesOut
	ch <- c.overflows
	ch <- c.underruns
	ch <- c.queued
	ch <- c.capacity
	ch <- c.state
	ch <- c.sessions
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	sessions := c.m.Sessions()
	ch <- prometheus.MustNewConstMetric(c.sessions, prometheus.GaugeValue, float64(len(sessions)))

	for _, s := range sessions {
		serial, id := s.Descriptor().Serial, s.ID()
		stats := s.Stats()

		ch <- prometheus.MustNewConstMetric(c.framesIn, prometheus.CounterValue, float64(stats.FramesIn), serial, id)
		ch <- prometheus.MustNewConstMetric(c.framesOut, prometheus.CounterValue, float64(stats.FramesOut), serial, id)
		ch <- prometheus.MustNewConstMetric(c.overflows, prometheus.CounterValue, float64(stats.Overflows), serial, id)
		ch <- prometheus.MustNewConstMetric(c.underruns, prometheus.CounterValue, float64(stats.Underruns), serial, id)
		ch <- prometheus.MustNewConstMetric(c.queued, prometheus.GaugeValue, float64(stats.InputQueued), serial, id, "input")
		ch <- prometheus.MustNewConstMetric(c.queued, prometheus.GaugeValue, float64(stats.OutputQueued), serial, id, "output")
		ch <- prometheus.MustNewConstMetric(c.capacity, prometheus.GaugeValue, float64(stats.InputCap), serial, id, "input")
		ch <- prometheus.MustNewConstMetric(c.capacity, prometheus.GaugeValue, float64(stats.OutputCap), serial, id, "output")

		current := s.State()
		for _, st := range []State{StateConfigured, StateStreaming, StateDisconnected} {
			v := 0.0
			if st == current {
				v = 1
			}
			ch <- prometheus.MustNewConstMetric(c.state, prometheus.GaugeValue, v, serial, id, st.String())
		}
	}
}
