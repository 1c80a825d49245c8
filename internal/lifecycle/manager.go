// Package lifecycle keeps the coordinator alive. The coordinator itself is
// volatile and initializes on demand; the manager adds the recurring
// keepalive probe and watches the durable backend for writes performed
// outside the protocol, forcing a reinitialize so external edits become
// visible without a restart.
package lifecycle

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/confsync/confsync/internal/backend"
	"github.com/confsync/confsync/internal/coordinator"
)

const (
	// DefaultKeepalive is how often the manager probes coordinator liveness.
	DefaultKeepalive = 30 * time.Second

	// DefaultDebounce is how long the manager waits after an external
	// backend write before reinitializing. Bulk edits tend to arrive as
	// bursts of change notifications; one reinitialize covers them all.
	DefaultDebounce = 500 * time.Millisecond
)

// Options configures a Manager.
type Options struct {
	Keepalive time.Duration
	Debounce  time.Duration
	Logger    *logrus.Logger

	// OnReinit is invoked after every successful reinitialize with the
	// reason that triggered it ("external_change" or "keepalive"). May be
	// nil.
	OnReinit func(reason string)
}

// Manager supervises a Coordinator over a backend Store.
type Manager struct {
	coord     *coordinator.Coordinator
	store     backend.Store
	log       *logrus.Entry
	keepalive time.Duration
	debounce  time.Duration
	onReinit  func(reason string)

	mu      sync.Mutex
	timer   *time.Timer
	started bool

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewManager wires a Manager around coord and its backing store.
func NewManager(coord *coordinator.Coordinator, store backend.Store, opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	keepalive := opts.Keepalive
	if keepalive <= 0 {
		keepalive = DefaultKeepalive
	}
	debounce := opts.Debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	return &Manager{
		coord:     coord,
		store:     store,
		log:       logger.WithField("component", "lifecycle"),
		keepalive: keepalive,
		debounce:  debounce,
		onReinit:  opts.OnReinit,
		stop:      make(chan struct{}),
	}
}

// Start performs the initial initialization (with retry), subscribes to
// backend change notifications when the engine supports them and launches
// the keepalive loop.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = true
	m.mu.Unlock()

	policy := backoff.WithContext(backoff.NewExponentialBackOff(), ctx)
	if err := backoff.Retry(func() error {
		return m.coord.Initialize(ctx)
	}, policy); err != nil {
		return err
	}

	if watcher, ok := m.store.(backend.Watcher); ok {
		if err := watcher.Watch(ctx, m.handleExternalChange); err != nil {
			m.log.WithError(err).Warn("Backend watch unavailable; external edits require a restart to surface")
		} else {
			m.log.Debug("Watching backend for external changes")
		}
	}

	m.wg.Add(1)
	go m.keepaliveLoop(ctx)
	return nil
}

// Stop halts the keepalive loop and any pending debounced reinitialize.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.started = false
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.mu.Unlock()

	close(m.stop)
	m.wg.Wait()
}

// EnsureReady brings the coordinator to Ready if it is not already. This is
// the on-demand path: every request that needs coordinator state calls it
// first, so losing the coordinator between requests is invisible to clients.
func (m *Manager) EnsureReady(ctx context.Context) error {
	if m.coord.State() == coordinator.StateReady {
		return nil
	}
	return m.coord.Initialize(ctx)
}

// Invalidate discards coordinator state. The next EnsureReady rebuilds it.
func (m *Manager) Invalidate() {
	m.coord.Invalidate()
}

// handleExternalChange debounces backend change notifications into a single
// reinitialize. The store holds only protocol-owned data, so any external
// write can stale the in-memory map.
func (m *Manager) handleExternalChange(changedKeys []string) {
	m.log.WithField("keys", len(changedKeys)).Debug("External backend change detected")

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return
	}
	if m.timer != nil {
		m.timer.Stop()
	}
	m.timer = time.AfterFunc(m.debounce, func() {
		m.reinitialize("external_change")
	})
}

// reinitialize drops coordinator state and rebuilds it from the backend.
func (m *Manager) reinitialize(reason string) {
	select {
	case <-m.stop:
		return
	default:
	}

	m.coord.Invalidate()
	if err := m.coord.Initialize(context.Background()); err != nil {
		m.log.WithError(err).WithField("reason", reason).Error("Reinitialize failed")
		return
	}

	m.log.WithField("reason", reason).Info("Coordinator reinitialized")
	if m.onReinit != nil {
		m.onReinit(reason)
	}
}

// keepaliveLoop periodically probes the coordinator and revives it when a
// probe finds it down. It is a liveness signal, not a freshness mechanism;
// freshness is event-driven.
func (m *Manager) keepaliveLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.keepalive)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			state := m.coord.State()
			m.log.WithField("state", state).Debug("Keepalive probe")
			if state != coordinator.StateReady {
				if err := m.coord.Initialize(ctx); err != nil {
					m.log.WithError(err).Warn("Keepalive revival failed")
					continue
				}
				m.log.Info("Keepalive revived coordinator")
				if m.onReinit != nil {
					m.onReinit("keepalive")
				}
			}
		case <-m.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}
