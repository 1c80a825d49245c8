// Package client is the cache-side of the protocol: a local settings view
// that answers fresh reads without a round-trip, falls back to the live path
// when an entry is unknown and keeps itself current from change broadcasts.
// Staleness is event-driven; entries never expire on a clock.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/confsync/confsync/internal/schema"
	"github.com/confsync/confsync/internal/transport"
)

// Freshness classifies a cache entry. Fresh entries are served locally;
// Unknown entries force a live round-trip but remain usable as a stale
// fallback when the live path is down.
type Freshness int

const (
	Unknown Freshness = iota
	Fresh
)

func (f Freshness) String() string {
	if f == Fresh {
		return "fresh"
	}
	return "unknown"
}

const (
	// DefaultTimeout bounds one live round-trip.
	DefaultTimeout = 5 * time.Second

	// DefaultMaxRetries is how many times a timed-out or unreachable
	// request is retried before giving up. Remote rejections are never
	// retried.
	DefaultMaxRetries = 2

	retryInterval = 200 * time.Millisecond
)

// RemoteError is a failure reported by the coordinator side, carried back in
// the response envelope. It is terminal: retrying would yield the same
// answer.
type RemoteError struct {
	Msg string
}

func (e *RemoteError) Error() string { return e.Msg }

// Requester is the transport slice a Cache needs. *transport.Endpoint
// satisfies it for the in-process bus; the httprpc client satisfies it
// across processes.
type Requester interface {
	ID() string
	Request(ctx context.Context, msg transport.Message) (transport.Response, error)
	OnBroadcast(fn func(transport.Broadcast)) (remove func())
	Close()
}

// CacheObserver receives cache effectiveness events. Used for metrics.
type CacheObserver interface {
	CacheHit()
	CacheMiss()
}

// Options configures a Cache.
type Options struct {
	Timeout    time.Duration
	MaxRetries uint64
	Logger     *logrus.Logger
	Observer   CacheObserver // may be nil
}

type entry struct {
	record    *schema.Record
	freshness Freshness
}

// Cache is one client context's settings view.
type Cache struct {
	ep       Requester
	log      *logrus.Entry
	timeout  time.Duration
	retries  uint64
	observer CacheObserver

	mu      sync.RWMutex
	entries map[string]*entry

	listenerMu    sync.Mutex
	listeners     map[int]func(changedKeys []string)
	nextListener  int
	removeBcast   func()
	closed        bool
}

// New creates a Cache over the given requester and subscribes it to change
// broadcasts.
func New(ep Requester, opts Options) *Cache {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	retries := opts.MaxRetries
	if retries == 0 {
		retries = DefaultMaxRetries
	}

	c := &Cache{
		ep:       ep,
		log:      logger.WithFields(logrus.Fields{"component": "cache", "client": ep.ID()}),
		timeout:  timeout,
		retries:  retries,
		observer: opts.Observer,
		entries:  make(map[string]*entry),
		listeners: make(map[int]func(changedKeys []string)),
	}
	c.removeBcast = ep.OnBroadcast(c.handleBroadcast)
	return c
}

// Close unsubscribes from broadcasts and closes the underlying endpoint.
func (c *Cache) Close() {
	c.listenerMu.Lock()
	if c.closed {
		c.listenerMu.Unlock()
		return
	}
	c.closed = true
	c.listeners = make(map[int]func([]string))
	c.listenerMu.Unlock()

	c.removeBcast()
	c.ep.Close()
}

// Peek returns the cached record and its freshness without any live
// traffic. ok is false when the key was never seen.
func (c *Cache) Peek(key string) (rec *schema.Record, freshness Freshness, ok bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, found := c.entries[key]
	if !found {
		return nil, Unknown, false
	}
	return e.record.Clone(), e.freshness, true
}

// Get returns the setting for key, served locally when the cached entry is
// fresh. On a live-path failure a stale cached entry is returned rather than
// the error; the error surfaces only when there is nothing to fall back to.
func (c *Cache) Get(ctx context.Context, key string) (*schema.Record, error) {
	c.mu.RLock()
	if e, ok := c.entries[key]; ok && e.freshness == Fresh {
		rec := e.record.Clone()
		c.mu.RUnlock()
		if c.observer != nil {
			c.observer.CacheHit()
		}
		return rec, nil
	}
	c.mu.RUnlock()

	if c.observer != nil {
		c.observer.CacheMiss()
	}

	resp, err := c.roundTrip(ctx, transport.MsgGetSetting, transport.GetSettingRequest{Key: key})
	if err != nil {
		c.markUnknown(key)
		var remote *RemoteError
		if errors.As(err, &remote) {
			return nil, err
		}
		// Transport-level failure: fall back to whatever we have.
		c.mu.RLock()
		e, ok := c.entries[key]
		c.mu.RUnlock()
		if ok && e.record != nil {
			c.log.WithError(err).WithField("key", key).Warn("Live path down; serving stale cached value")
			return e.record.Clone(), nil
		}
		return nil, err
	}

	var out transport.SettingResponse
	if err := json.Unmarshal(resp.Payload, &out); err != nil {
		return nil, fmt.Errorf("malformed response: %w", err)
	}
	c.store(map[string]*schema.Record{key: out.Setting})
	return out.Setting, nil
}

// GetMany fetches several keys in one round-trip and refreshes the cache
// with the result. Unknown keys are absent from the returned map.
func (c *Cache) GetMany(ctx context.Context, keys []string) (map[string]*schema.Record, error) {
	resp, err := c.roundTrip(ctx, transport.MsgGetSettings, transport.GetSettingsRequest{Keys: keys})
	if err != nil {
		c.markUnknown(keys...)
		return nil, err
	}

	var out transport.SettingsResponse
	if err := json.Unmarshal(resp.Payload, &out); err != nil {
		return nil, fmt.Errorf("malformed response: %w", err)
	}
	c.store(out.Settings)
	return out.Settings, nil
}

// GetAll fetches the full settings map and replaces the cache contents.
func (c *Cache) GetAll(ctx context.Context) (map[string]*schema.Record, error) {
	resp, err := c.roundTrip(ctx, transport.MsgGetAllSettings, nil)
	if err != nil {
		c.invalidateAll()
		return nil, err
	}

	var out transport.SettingsResponse
	if err := json.Unmarshal(resp.Payload, &out); err != nil {
		return nil, fmt.Errorf("malformed response: %w", err)
	}

	c.mu.Lock()
	c.entries = make(map[string]*entry, len(out.Settings))
	for key, rec := range out.Settings {
		c.entries[key] = &entry{record: rec.Clone(), freshness: Fresh}
	}
	c.mu.Unlock()
	return out.Settings, nil
}

// Update validates-and-applies one setting on the coordinator. On success
// the cache is patched with the applied record.
func (c *Cache) Update(ctx context.Context, key string, value any) (*schema.Record, error) {
	resp, err := c.roundTrip(ctx, transport.MsgUpdateSetting, transport.UpdateSettingRequest{Key: key, Value: value})
	if err != nil {
		c.markUnknown(key)
		return nil, err
	}

	var out transport.SettingResponse
	if err := json.Unmarshal(resp.Payload, &out); err != nil {
		return nil, fmt.Errorf("malformed response: %w", err)
	}
	c.store(map[string]*schema.Record{key: out.Setting})
	return out.Setting, nil
}

// UpdateMany applies an atomic batch. Either every update is applied or
// none; on rejection the cache keeps its previous values.
func (c *Cache) UpdateMany(ctx context.Context, updates map[string]any) (map[string]*schema.Record, error) {
	resp, err := c.roundTrip(ctx, transport.MsgUpdateSettings, transport.UpdateSettingsRequest{Updates: updates})
	if err != nil {
		var remote *RemoteError
		if !errors.As(err, &remote) {
			// A timed-out batch may or may not have been applied; the
			// touched keys cannot be trusted anymore.
			keys := make([]string, 0, len(updates))
			for k := range updates {
				keys = append(keys, k)
			}
			c.markUnknown(keys...)
		}
		return nil, err
	}

	var out transport.SettingsResponse
	if err := json.Unmarshal(resp.Payload, &out); err != nil {
		return nil, fmt.Errorf("malformed response: %w", err)
	}
	c.store(out.Settings)
	return out.Settings, nil
}

// Export snapshots the full settings map into a portable envelope.
func (c *Cache) Export(ctx context.Context) (schema.Envelope, error) {
	resp, err := c.roundTrip(ctx, transport.MsgExportSettings, nil)
	if err != nil {
		return schema.Envelope{}, err
	}

	var env schema.Envelope
	if err := json.Unmarshal(resp.Payload, &env); err != nil {
		return schema.Envelope{}, fmt.Errorf("malformed response: %w", err)
	}
	return env, nil
}

// Import merges an envelope into the authoritative map. The local cache is
// invalidated wholesale; the coordinator's IMPORTED broadcast does the same
// for everyone else.
func (c *Cache) Import(ctx context.Context, env schema.Envelope) (applied int, skipped []string, err error) {
	resp, err := c.roundTrip(ctx, transport.MsgImportSettings, transport.ImportSettingsRequest{Data: env})
	if err != nil {
		return 0, nil, err
	}

	var out transport.ImportResponse
	if err := json.Unmarshal(resp.Payload, &out); err != nil {
		return 0, nil, fmt.Errorf("malformed response: %w", err)
	}
	c.invalidateAll()
	return out.Applied, out.Skipped, nil
}

// Reset restores every setting to its schema default.
func (c *Cache) Reset(ctx context.Context) (int, error) {
	resp, err := c.roundTrip(ctx, transport.MsgResetSettings, nil)
	if err != nil {
		return 0, err
	}

	var out transport.ResetResponse
	if err := json.Unmarshal(resp.Payload, &out); err != nil {
		return 0, fmt.Errorf("malformed response: %w", err)
	}
	c.invalidateAll()
	return out.Count, nil
}

// Ping probes coordinator-side liveness.
func (c *Cache) Ping(ctx context.Context) error {
	_, err := c.roundTrip(ctx, transport.MsgPing, nil)
	return err
}

// OnChange registers fn for change notifications. changedKeys lists the
// patched keys for incremental changes and is nil for wholesale
// invalidations (import, reset), meaning "assume everything changed".
func (c *Cache) OnChange(fn func(changedKeys []string)) (remove func()) {
	c.listenerMu.Lock()
	defer c.listenerMu.Unlock()

	id := c.nextListener
	c.nextListener++
	c.listeners[id] = fn

	return func() {
		c.listenerMu.Lock()
		defer c.listenerMu.Unlock()
		delete(c.listeners, id)
	}
}

// roundTrip sends one request with the configured timeout, retrying only
// transport-level failures. An error reported by the coordinator side comes
// back as a terminal *RemoteError.
func (c *Cache) roundTrip(ctx context.Context, msgType transport.MessageType, payload any) (transport.Response, error) {
	var raw json.RawMessage
	if payload != nil {
		var err error
		raw, err = json.Marshal(payload)
		if err != nil {
			return transport.Response{}, fmt.Errorf("failed to encode request: %w", err)
		}
	}

	attempt := func() (transport.Response, error) {
		callCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		resp, err := c.ep.Request(callCtx, transport.Message{Type: msgType, Payload: raw})
		if err != nil {
			if errors.Is(err, transport.ErrTimeout) || errors.Is(err, transport.ErrUnreachable) {
				return transport.Response{}, err // retryable
			}
			return transport.Response{}, backoff.Permanent(err)
		}
		if resp.Error != "" {
			return transport.Response{}, backoff.Permanent(&RemoteError{Msg: resp.Error})
		}
		return resp, nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(retryInterval), c.retries),
		ctx,
	)
	resp, err := backoff.RetryWithData(attempt, policy)
	if err != nil {
		c.log.WithError(err).WithField("type", msgType).Debug("Round-trip failed")
		return transport.Response{}, err
	}
	return resp, nil
}

// handleBroadcast keeps the cache current. CHANGED carries full records and
// patches entries in place; IMPORTED and RESET invalidate everything.
func (c *Cache) handleBroadcast(bc transport.Broadcast) {
	switch bc.Type {
	case transport.BroadcastChanged:
		var payload transport.ChangedBroadcast
		if err := json.Unmarshal(bc.Payload, &payload); err != nil {
			c.log.WithError(err).Warn("Undecodable change broadcast; invalidating cache")
			c.invalidateAll()
			c.notify(nil)
			return
		}
		c.store(payload.Changes)

		keys := make([]string, 0, len(payload.Changes))
		for k := range payload.Changes {
			keys = append(keys, k)
		}
		c.notify(keys)

	case transport.BroadcastImported, transport.BroadcastReset:
		c.invalidateAll()
		c.notify(nil)

	default:
		c.log.WithField("type", bc.Type).Debug("Ignoring unknown broadcast type")
	}
}

func (c *Cache) notify(changedKeys []string) {
	c.listenerMu.Lock()
	fns := make([]func([]string), 0, len(c.listeners))
	for _, fn := range c.listeners {
		fns = append(fns, fn)
	}
	c.listenerMu.Unlock()

	for _, fn := range fns {
		fn(changedKeys)
	}
}

// store records fresh values. Nil records are skipped.
func (c *Cache) store(records map[string]*schema.Record) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, rec := range records {
		if rec == nil {
			continue
		}
		c.entries[key] = &entry{record: rec.Clone(), freshness: Fresh}
	}
}

// markUnknown demotes entries to Unknown, keeping the stale record around as
// a fallback.
func (c *Cache) markUnknown(keys ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, key := range keys {
		if e, ok := c.entries[key]; ok {
			e.freshness = Unknown
		} else {
			c.entries[key] = &entry{freshness: Unknown}
		}
	}
}

func (c *Cache) invalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.entries {
		e.freshness = Unknown
	}
}
