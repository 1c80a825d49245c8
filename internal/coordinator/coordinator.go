// Package coordinator owns the canonical settings map. It validates every
// write, applies batches atomically, persists through a durable backend and
// hands applied changes to the broadcast router. The coordinator keeps no
// durable memory of its own: losing the process and first boot are the same
// code path through Initialize.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/looplab/fsm"
	"github.com/sirupsen/logrus"

	"github.com/confsync/confsync/internal/backend"
	"github.com/confsync/confsync/internal/schema"
	"github.com/confsync/confsync/internal/validate"
)

// Coordinator states
const (
	StateUninitialized = "uninitialized"
	StateInitializing  = "initializing"
	StateReady         = "ready"
)

// FSM events
const (
	eventBeginInit  = "begin_init"
	eventInitOK     = "init_ok"
	eventInitFail   = "init_fail"
	eventInvalidate = "invalidate"
)

// Common errors
var (
	// ErrNotFound means the key is absent from the schema.
	ErrNotFound = errors.New("setting not found")

	// ErrUnavailable means the coordinator is not Ready and initialization
	// has exhausted its fallback chain.
	ErrUnavailable = errors.New("coordinator unavailable")

	// ErrNothingToImport means zero keys of an import payload validated.
	ErrNothingToImport = errors.New("no importable settings in payload")

	// ErrEnvelopeVersion means the export payload is from a newer format.
	ErrEnvelopeVersion = errors.New("unsupported export envelope version")
)

const storagePrefix = "setting:"

// quotaWarningPercent is the usage level above which QuotaStatus flags a
// warning. It is a signal, not a hard failure.
const quotaWarningPercent = 80.0

// ChangeBroadcaster receives the applied changes of successful mutations.
// The coordinator never touches the transport directly.
type ChangeBroadcaster interface {
	SettingsChanged(origin string, changed map[string]*schema.Record)
	SettingsImported(origin string, applied int)
	SettingsReset(origin string, count int)
}

// QuotaStatus reports backend storage consumption.
type QuotaStatus struct {
	BytesUsed  int64   `json:"bytes_used"`
	QuotaBytes int64   `json:"quota_bytes"`
	Percent    float64 `json:"percent"`
	Warning    bool    `json:"warning"`
}

// Options configures a Coordinator.
type Options struct {
	Broadcaster ChangeBroadcaster // may be nil
	Logger      *logrus.Logger
}

// Coordinator is the authoritative settings store. All operations are
// serialized: mutations are applied in arrival order, and no other component
// ever mutates the settings map.
type Coordinator struct {
	registry    *schema.Registry
	store       backend.Store
	broadcaster ChangeBroadcaster
	log         *logrus.Entry

	mu       sync.Mutex
	machine  *fsm.FSM
	settings map[string]*schema.Record
}

// New constructs an uninitialized Coordinator. Callers must run Initialize
// (usually via the lifecycle manager) before issuing operations.
func New(registry *schema.Registry, store backend.Store, opts Options) *Coordinator {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	log := logger.WithField("component", "coordinator")

	machine := fsm.NewFSM(
		StateUninitialized,
		fsm.Events{
			{Name: eventBeginInit, Src: []string{StateUninitialized}, Dst: StateInitializing},
			{Name: eventInitOK, Src: []string{StateInitializing}, Dst: StateReady},
			{Name: eventInitFail, Src: []string{StateInitializing}, Dst: StateUninitialized},
			{Name: eventInvalidate, Src: []string{StateReady, StateInitializing}, Dst: StateUninitialized},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				log.WithFields(logrus.Fields{
					"from": e.Src,
					"to":   e.Dst,
				}).Debug("Coordinator state changed")
			},
		},
	)

	return &Coordinator{
		registry:    registry,
		store:       store,
		broadcaster: opts.Broadcaster,
		log:         log,
		machine:     machine,
	}
}

// State returns the current lifecycle state.
func (c *Coordinator) State() string {
	return c.machine.Current()
}

// Invalidate drops the coordinator back to Uninitialized, discarding all
// in-memory state. It models process suspension: the next Initialize
// reconstructs everything from the durable backend.
func (c *Coordinator) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.machine.Current() == StateUninitialized {
		return
	}
	c.settings = nil
	if err := c.machine.Event(context.Background(), eventInvalidate); err != nil {
		c.log.WithError(err).Warn("Invalidate transition failed")
	}
}

// Close discards in-memory state. The backing store belongs to the caller
// and is closed separately.
func (c *Coordinator) Close() {
	c.Invalidate()
}

// Initialize loads defaults from the schema registry, overlays persisted
// values from the durable backend and moves the coordinator to Ready. If the
// backend read fails it falls over to embedded defaults; if that also fails
// the coordinator stays Uninitialized and callers must retry.
func (c *Coordinator) Initialize(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.machine.Current() == StateReady {
		return nil
	}
	if err := c.machine.Event(ctx, eventBeginInit); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	defaults := c.registry.Defaults(time.Now())

	// Leftovers from older schema versions are purged, best-effort.
	if deprecated := c.registry.Deprecated(); len(deprecated) > 0 {
		keys := make([]string, len(deprecated))
		for i, k := range deprecated {
			keys[i] = storageKey(k)
		}
		if err := c.store.Remove(ctx, keys); err != nil {
			c.log.WithError(err).Warn("Failed to remove deprecated settings")
		}
	}

	persisted, err := c.store.Get(ctx, c.storageKeys())
	if err != nil {
		c.log.WithError(err).Warn("Backend read failed; falling back to embedded defaults")
		return c.initializeWithEmbeddedDefaultsLocked(ctx, defaults)
	}

	loaded := 0
	for _, key := range c.registry.Keys() {
		raw, ok := persisted[storageKey(key)]
		if !ok {
			continue
		}

		var rec schema.Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			c.log.WithError(err).WithField("key", key).Warn("Dropping undecodable persisted setting")
			continue
		}

		entry, _ := c.registry.Lookup(key)
		if err := validate.Validate(entry, rec.Value); err != nil {
			c.log.WithError(err).WithField("key", key).Warn("Dropping invalid persisted setting")
			continue
		}

		// Schema metadata always comes from the registry; only the value and
		// its timestamp survive from disk.
		defaults[key] = &schema.Record{
			Key:         entry.Key,
			Type:        entry.Type,
			Value:       rec.Value,
			Description: entry.Description,
			Constraints: entry.Constraints,
			UpdatedAt:   rec.UpdatedAt,
		}
		loaded++
	}

	c.settings = defaults
	if err := c.machine.Event(ctx, eventInitOK); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	c.log.WithFields(logrus.Fields{
		"keys":      len(c.settings),
		"persisted": loaded,
	}).Info("Coordinator initialized")
	return nil
}

// initializeWithEmbeddedDefaultsLocked serves the fallback chain: when the
// backend is unreadable the coordinator still comes up on schema defaults,
// without persisting anything.
func (c *Coordinator) initializeWithEmbeddedDefaultsLocked(ctx context.Context, defaults map[string]*schema.Record) error {
	if len(defaults) == 0 {
		if err := c.machine.Event(ctx, eventInitFail); err != nil {
			c.log.WithError(err).Warn("Fallback failure transition failed")
		}
		return fmt.Errorf("%w: no embedded defaults available", ErrUnavailable)
	}

	c.settings = defaults
	if err := c.machine.Event(ctx, eventInitOK); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	c.log.WithField("keys", len(defaults)).Warn("Coordinator initialized with embedded defaults")
	return nil
}

// Get returns the current record for key.
func (c *Coordinator) Get(ctx context.Context, key string) (*schema.Record, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.requireReadyLocked(); err != nil {
		return nil, err
	}

	rec, ok := c.settings[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return rec.Clone(), nil
}

// GetMany returns the records for the requested keys. Unknown keys are
// simply absent from the result.
func (c *Coordinator) GetMany(ctx context.Context, keys []string) (map[string]*schema.Record, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.requireReadyLocked(); err != nil {
		return nil, err
	}

	out := make(map[string]*schema.Record, len(keys))
	for _, key := range keys {
		if rec, ok := c.settings[key]; ok {
			out[key] = rec.Clone()
		}
	}
	return out, nil
}

// GetAll returns a copy of the full settings map. O(map size); callers
// should prefer GetMany.
func (c *Coordinator) GetAll(ctx context.Context) (map[string]*schema.Record, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.requireReadyLocked(); err != nil {
		return nil, err
	}
	return c.copySettingsLocked(), nil
}

// QuotaStatus reports backend usage against quota.
func (c *Coordinator) QuotaStatus(ctx context.Context) (QuotaStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.requireReadyLocked(); err != nil {
		return QuotaStatus{}, err
	}

	usage, err := c.store.Usage(ctx)
	if err != nil {
		return QuotaStatus{}, fmt.Errorf("failed to read backend usage: %w", err)
	}

	status := QuotaStatus{BytesUsed: usage.BytesUsed, QuotaBytes: usage.QuotaBytes}
	if usage.QuotaBytes > 0 {
		status.Percent = float64(usage.BytesUsed) / float64(usage.QuotaBytes) * 100
		status.Warning = status.Percent >= quotaWarningPercent
	}
	return status, nil
}

func (c *Coordinator) requireReadyLocked() error {
	if state := c.machine.Current(); state != StateReady {
		return fmt.Errorf("%w: coordinator is %s", ErrUnavailable, state)
	}
	return nil
}

func (c *Coordinator) copySettingsLocked() map[string]*schema.Record {
	out := make(map[string]*schema.Record, len(c.settings))
	for k, rec := range c.settings {
		out[k] = rec.Clone()
	}
	return out
}

func (c *Coordinator) storageKeys() []string {
	keys := c.registry.Keys()
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = storageKey(k)
	}
	return out
}

func storageKey(key string) string {
	return storagePrefix + key
}
