// Package connectivity tracks whether the device is online, how good the
// connection is, and whether the user asked to save data.
package connectivity

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/prudhvinik1/mealstock/internal/logger"
	"github.com/prudhvinik1/mealstock/internal/metrics"
	"github.com/prudhvinik1/mealstock/internal/models"
	"github.com/prudhvinik1/mealstock/internal/subscription"
	"github.com/robfig/cron/v3"
)

// PreferenceStore persists the low-bandwidth preference across restarts.
type PreferenceStore interface {
	LowBandwidthMode(ctx context.Context) (bool, error)
	SetLowBandwidthMode(ctx context.Context, enabled bool) error
}

type Listener = func(models.ConnectivityState)

type listenerEntry struct {
	id uint64
	fn Listener
}

type Options struct {
	// ProbeInterval of zero disables periodic estimates.
	ProbeInterval time.Duration
	NetworkInfo   NetworkInfo
}

// Monitor is the single writer of ConnectivityState.
type Monitor struct {
	mu        sync.Mutex
	state     models.ConnectivityState
	listeners []listenerEntry
	nextID    uint64

	prober    Prober
	netInfo   NetworkInfo
	prefs     PreferenceStore
	interval  time.Duration
	scheduler *cron.Cron
	log       logger.Logger
	now       func() time.Time
}

func NewMonitor(prober Prober, prefs PreferenceStore, opts Options, log logger.Logger) *Monitor {
	return &Monitor{
		state: models.ConnectivityState{
			IsOnline: true,
			Quality:  models.QualityGood,
		},
		prober:   prober,
		netInfo:  opts.NetworkInfo,
		prefs:    prefs,
		interval: opts.ProbeInterval,
		log:      log.WithFields(map[string]interface{}{"component": "connectivity"}),
		now:      time.Now,
	}
}

// Init loads the persisted preference, takes a first estimate and starts the
// periodic probe.
func (m *Monitor) Init(ctx context.Context) error {
	enabled, err := m.prefs.LowBandwidthMode(ctx)
	if err != nil {
		m.log.Warn("failed to load low bandwidth preference", map[string]interface{}{"error": err.Error()})
	} else {
		m.mu.Lock()
		m.state.LowBandwidthMode = enabled
		m.mu.Unlock()
	}

	m.EstimateQuality(ctx)

	if m.interval <= 0 {
		return nil
	}
	scheduler := cron.New()
	_, err = scheduler.AddFunc(fmt.Sprintf("@every %s", m.interval), func() {
		probeCtx, cancel := context.WithTimeout(context.Background(), m.interval)
		defer cancel()
		m.EstimateQuality(probeCtx)
	})
	if err != nil {
		return fmt.Errorf("failed to schedule quality probe: %w", err)
	}
	scheduler.Start()

	m.mu.Lock()
	m.scheduler = scheduler
	m.mu.Unlock()
	return nil
}

// Dispose stops the periodic probe and waits for a running one to finish.
func (m *Monitor) Dispose() {
	m.mu.Lock()
	scheduler := m.scheduler
	m.scheduler = nil
	m.listeners = nil
	m.mu.Unlock()

	if scheduler != nil {
		<-scheduler.Stop().Done()
	}
}

func (m *Monitor) State() models.ConnectivityState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

// Subscribe registers fn for every state change. fn runs outside the
// monitor's lock and may call back into it.
func (m *Monitor) Subscribe(fn Listener) subscription.Disposable {
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.listeners = append(m.listeners, listenerEntry{id: id, fn: fn})
	m.mu.Unlock()

	return subscription.Func(func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, l := range m.listeners {
			if l.id == id {
				m.listeners = append(m.listeners[:i], m.listeners[i+1:]...)
				return
			}
		}
	})
}

// OnNetworkChange records a platform online/offline event. Every transition
// into online triggers exactly one fresh estimate; repeated events with the
// same value are ignored.
func (m *Monitor) OnNetworkChange(ctx context.Context, online bool) {
	m.mu.Lock()
	if m.state.IsOnline == online {
		m.mu.Unlock()
		return
	}
	m.state.IsOnline = online
	if online {
		now := m.now()
		m.state.LastOnlineAt = &now
	}
	snapshot := m.snapshotLocked()
	m.mu.Unlock()

	metrics.ConnectivityTransitions.WithLabelValues(strconv.FormatBool(online)).Inc()
	m.log.Info("network state changed", map[string]interface{}{"online": online})
	m.notify(snapshot)

	if online {
		m.EstimateQuality(ctx)
	}
}

// OnVisibilityRegained re-estimates when the UI comes back to the foreground.
func (m *Monitor) OnVisibilityRegained(ctx context.Context) {
	m.EstimateQuality(ctx)
}

// EstimateQuality measures the connection and stores the bucket. It never
// fails: a probe error counts as poor. While offline nothing is measured and
// poor is returned.
func (m *Monitor) EstimateQuality(ctx context.Context) models.Quality {
	m.mu.Lock()
	online := m.state.IsOnline
	m.mu.Unlock()
	if !online {
		return models.QualityPoor
	}

	quality := m.measure(ctx)
	metrics.QualityEstimates.WithLabelValues(string(quality)).Inc()

	m.mu.Lock()
	if !m.state.IsOnline {
		// Went offline while measuring; the result is stale.
		m.mu.Unlock()
		return quality
	}
	changed := m.state.Quality != quality
	m.state.Quality = quality
	snapshot := m.snapshotLocked()
	m.mu.Unlock()

	if changed {
		m.log.Debug("connection quality changed", map[string]interface{}{"quality": string(quality)})
		m.notify(snapshot)
	}
	return quality
}

func (m *Monitor) measure(ctx context.Context) models.Quality {
	if m.netInfo != nil {
		if conn, ok := m.netInfo.Effective(); ok {
			if quality, ok := QualityFromEffectiveType(conn); ok {
				return quality
			}
		}
	}

	elapsed, err := m.prober.Probe(ctx)
	if err != nil {
		m.log.Debug("quality probe failed", map[string]interface{}{"error": err.Error()})
		return models.QualityPoor
	}
	metrics.QualityProbeDuration.Observe(elapsed.Seconds())
	return QualityFromLatency(elapsed)
}

// SetLowBandwidthMode applies the preference immediately and persists it. A
// storage failure is logged; the preference still holds for this run.
func (m *Monitor) SetLowBandwidthMode(ctx context.Context, enabled bool) {
	if err := m.prefs.SetLowBandwidthMode(ctx, enabled); err != nil {
		m.log.Warn("failed to persist low bandwidth preference", map[string]interface{}{"error": err.Error()})
	}

	m.mu.Lock()
	if m.state.LowBandwidthMode == enabled {
		m.mu.Unlock()
		return
	}
	m.state.LowBandwidthMode = enabled
	snapshot := m.snapshotLocked()
	m.mu.Unlock()

	m.notify(snapshot)
}

func (m *Monitor) snapshotLocked() models.ConnectivityState {
	s := m.state
	if s.LastOnlineAt != nil {
		t := *s.LastOnlineAt
		s.LastOnlineAt = &t
	}
	return s
}

func (m *Monitor) notify(state models.ConnectivityState) {
	m.mu.Lock()
	listeners := make([]Listener, len(m.listeners))
	for i, l := range m.listeners {
		listeners[i] = l.fn
	}
	m.mu.Unlock()

	for _, fn := range listeners {
		fn(state)
	}
}
