package smu

import (
	"time"

	"github.com/influxdata/influxdb-client-go/api"
	"github.com/rs/zerolog"
)

// Version of the library and the smu tool.
const Version = "1.0.0"

const (
	DefaultQueueCapacity   = 100000
	DefaultStatsInterval   = time.Second
	DefaultHotplugInterval = 500 * time.Millisecond
)

type Option func(m *Manager) error

func WithInfluxDB(writeAPI api.WriteAPI) Option {
	return func(m *Manager) error {
		m.writeAPI = writeAPI
		return nil
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(m *Manager) error {
		m.logger = logger
		return nil
	}
}

func WithHotplugInterval(interval time.Duration) Option {
	return func(m *Manager) error {
		if interval > 0 {
			m.hotplugInterval = interval
		}
		return nil
	}
}

type SessionOption func(s *Session)

// WithQueueCapacity sizes the input (measured) and output (set point) queues
// in frames.
func WithQueueCapacity(input, output int) SessionOption {
	return func(s *Session) {
		if input > 0 {
			s.in = newFrameQueue(input)
		}
		if output > 0 {
			s.out = newFrameQueue(output)
		}
	}
}

// WithStatsInterval sets how often stream counters are written to InfluxDB.
func WithStatsInterval(interval time.Duration) SessionOption {
	return func(s *Session) {
		if interval > 0 {
			s.statsInterval = interval
		}
	}
}
