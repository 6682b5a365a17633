package smu

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cskr/pubsub/v2"
	"github.com/google/uuid"
	"github.com/influxdata/influxdb-client-go/api"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/norasector/smu/pkg/errorkinds"
	"github.com/norasector/smu/pkg/smu/device"
	"github.com/norasector/smu/pkg/types"
	"github.com/norasector/smu/pkg/util"
)

const hotplugTopic = "hotplug"

type EventKind int

const (
	EventAttached EventKind = iota
	EventDetached
)

func (k EventKind) String() string {
	if k == EventAttached {
		return "attached"
	}
	return "detached"
}

// Event reports a device appearing on or leaving the bus.
type Event struct {
	Kind       EventKind        `json:"-"`
	Descriptor types.Descriptor `json:"device"`
	At         time.Time        `json:"at"`
}

// Subscription delivers hotplug events until Cancel is called.
type Subscription struct {
	C      <-chan Event
	cancel func()
	once   sync.Once
}

func (s *Subscription) Cancel() {
	s.once.Do(s.cancel)
}

// Manager enumerates devices through a driver and hands out exclusive
// sessions.
type Manager struct {
	driver device.Driver
	logger zerolog.Logger

	writeAPI        api.WriteAPI
	hotplugInterval time.Duration

	claims   *xsync.MapOf[string, struct{}]
	sessions *xsync.MapOf[string, *Session]
	events   *pubsub.PubSub[string, Event]

	scanMu sync.Mutex
	known  map[string]types.Descriptor

	// closeMu guards the event bus against use after Shutdown.
	closeMu   sync.RWMutex
	closed    bool
	closeOnce sync.Once
}

func NewManager(driver device.Driver, opts ...Option) (*Manager, error) {
	m := &Manager{
		driver:          driver,
		logger:          log.Logger,
		writeAPI:        &util.NopWriteAPI{},
		hotplugInterval: DefaultHotplugInterval,
		claims:          xsync.NewMapOf[string, struct{}](),
		sessions:        xsync.NewMapOf[string, *Session](),
		events:          pubsub.New[string, Event](16),
		known:           make(map[string]types.Descriptor),
	}

	for _, opt := range opts {
		if err := opt(m); err != nil {
			return nil, err
		}
	}
	m.logger = m.logger.With().Str("driver", driver.Name()).Logger()

	return m, nil
}

// Scan enumerates attached devices. Differences from the previous scan are
// published as hotplug events, and sessions on devices that went away are
// moved to StateDisconnected.
func (m *Manager) Scan() ([]types.Descriptor, error) {
	descs, err := m.driver.Scan()
	if err != nil {
		return nil, errorkinds.Wrap(err, errorkinds.ErrDeviceUnavailable, "scan", "failed to enumerate devices")
	}
	sort.Slice(descs, func(i, j int) bool { return descs[i].Serial < descs[j].Serial })

	m.scanMu.Lock()
	current := make(map[string]types.Descriptor, len(descs))
	var attached, detached []types.Descriptor
	for _, d := range descs {
		current[d.Serial] = d
		if _, ok := m.known[d.Serial]; !ok {
			attached = append(attached, d)
		}
	}
	for serial, d := range m.known {
		if _, ok := current[serial]; !ok {
			detached = append(detached, d)
		}
	}
	m.known = current
	m.scanMu.Unlock()

	now := time.Now()
	for _, d := range detached {
		m.logger.Info().Str("serial", d.Serial).Msg("device detached")
		if s, ok := m.sessions.Load(d.Serial); ok {
			s.disconnect(errorkinds.New(errorkinds.ErrDisconnected, "scan", "device removed from bus"))
		}
		m.publish(Event{Kind: EventDetached, Descriptor: d, At: now})
	}
	for _, d := range attached {
		m.logger.Info().Str("serial", d.Serial).Str("model", d.Model).Msg("device attached")
		m.publish(Event{Kind: EventAttached, Descriptor: d, At: now})
	}

	return descs, nil
}

func (m *Manager) publish(ev Event) {
	m.closeMu.RLock()
	defer m.closeMu.RUnlock()
	if m.closed {
		return
	}
	m.events.TryPub(ev, hotplugTopic)
}

// Open claims the device with the given serial and returns a session in
// StateConfigured. An empty serial picks the first unclaimed device.
func (m *Manager) Open(serial string, opts ...SessionOption) (*Session, error) {
	const op = "open"

	descs, err := m.Scan()
	if err != nil {
		return nil, err
	}

	var desc types.Descriptor
	found := false
	for _, d := range descs {
		if serial == "" {
			if _, claimed := m.claims.Load(d.Serial); claimed {
				continue
			}
		} else if d.Serial != serial {
			continue
		}
		desc, found = d, true
		break
	}
	if !found {
		if serial == "" {
			return nil, errorkinds.New(errorkinds.ErrDeviceUnavailable, op, "no unclaimed device attached")
		}
		return nil, errorkinds.New(errorkinds.ErrDeviceUnavailable, op, "device "+serial+" not attached")
	}

	if _, loaded := m.claims.LoadOrStore(desc.Serial, struct{}{}); loaded {
		return nil, errorkinds.New(errorkinds.ErrDeviceUnavailable, op, "device "+desc.Serial+" already claimed")
	}

	dev, err := m.driver.Open(desc)
	if err != nil {
		m.claims.Delete(desc.Serial)
		return nil, errorkinds.Wrap(err, errorkinds.ErrDeviceUnavailable, op, "failed to open device "+desc.Serial)
	}

	release := func() {
		m.sessions.Delete(desc.Serial)
		m.claims.Delete(desc.Serial)
	}

	s := newSession(uuid.NewString(), dev, m.logger, m.writeAPI, release, opts...)
	m.sessions.Store(desc.Serial, s)

	s.logger.Info().Str("model", desc.Model).Str("firmware", desc.FirmwareVersion).Msg("session opened")
	return s, nil
}

// Session returns the open session on a device, if any.
func (m *Manager) Session(serial string) (*Session, bool) {
	return m.sessions.Load(serial)
}

// Sessions returns every open session ordered by serial.
func (m *Manager) Sessions() []*Session {
	var out []*Session
	m.sessions.Range(func(_ string, s *Session) bool {
		out = append(out, s)
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].desc.Serial < out[j].desc.Serial })
	return out
}

// Subscribe returns a subscription to hotplug events. After Close the
// subscription's channel is already closed.
func (m *Manager) Subscribe() *Subscription {
	m.closeMu.RLock()
	defer m.closeMu.RUnlock()
	if m.closed {
		ch := make(chan Event)
		close(ch)
		return &Subscription{C: ch, cancel: func() {}}
	}

	ch := m.events.Sub(hotplugTopic)
	return &Subscription{
		C: ch,
		cancel: func() {
			go func() {
				m.closeMu.RLock()
				defer m.closeMu.RUnlock()
				if !m.closed {
					m.events.Unsub(ch, hotplugTopic)
				}
			}()
		},
	}
}

// Watch rescans on the hotplug interval until ctx is done.
func (m *Manager) Watch(ctx context.Context) error {
	ticker := time.NewTicker(m.hotplugInterval)
	defer ticker.Stop()

	if _, err := m.Scan(); err != nil {
		m.logger.Warn().Err(err).Msg("scan failed")
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := m.Scan(); err != nil {
				m.logger.Warn().Err(err).Msg("scan failed")
			}
		}
	}
}

// Close closes every session and the driver.
func (m *Manager) Close() error {
	var err error
	m.closeOnce.Do(func() {
		for _, s := range m.Sessions() {
			s.Close()
		}
		m.closeMu.Lock()
		m.closed = true
		m.events.Shutdown()
		m.closeMu.Unlock()
		err = m.driver.Close()
	})
	return err
}
