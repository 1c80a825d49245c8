package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/confsync/confsync/internal/schema"
	"github.com/confsync/confsync/internal/validate"
)

// UpdateMany validates every entry against its schema before applying any.
// The first failure aborts the whole batch, identifying the failing key; on
// success all records are persisted in one backend batch, the map is updated
// and the exact changed set is handed to the broadcaster. Calls are
// serialized, so overlapping batches resolve last-applied-wins in queue
// order.
func (c *Coordinator) UpdateMany(ctx context.Context, origin string, updates map[string]any) (map[string]*schema.Record, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.requireReadyLocked(); err != nil {
		return nil, err
	}

	// Deterministic order so the reported failing key is stable.
	keys := make([]string, 0, len(updates))
	for k := range updates {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	// Phase 1: validate everything. Nothing is applied past this point
	// unless the whole batch passes.
	normalized := make(map[string]any, len(updates))
	for _, key := range keys {
		entry, ok := c.registry.Lookup(key)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		if err := validate.Validate(entry, updates[key]); err != nil {
			return nil, err
		}
		value, err := normalizeValue(entry, updates[key])
		if err != nil {
			return nil, &validate.RejectedError{Key: key, Reason: err.Error()}
		}
		normalized[key] = value
	}

	// Phase 2: persist, then apply.
	now := time.Now().UnixMilli()
	changed := make(map[string]*schema.Record, len(keys))
	for _, key := range keys {
		entry, _ := c.registry.Lookup(key)
		changed[key] = &schema.Record{
			Key:         entry.Key,
			Type:        entry.Type,
			Value:       normalized[key],
			Description: entry.Description,
			Constraints: entry.Constraints,
			UpdatedAt:   now,
		}
	}

	if err := c.persistLocked(ctx, changed); err != nil {
		return nil, err
	}
	for key, rec := range changed {
		c.settings[key] = rec
	}

	c.log.WithFields(logrus.Fields{
		"keys":   keys,
		"origin": origin,
	}).Info("Settings updated")

	out := make(map[string]*schema.Record, len(changed))
	for k, rec := range changed {
		out[k] = rec.Clone()
	}
	if c.broadcaster != nil {
		c.broadcaster.SettingsChanged(origin, out)
	}
	return out, nil
}

// ExportAll returns a snapshot envelope of the full settings map.
func (c *Coordinator) ExportAll(ctx context.Context) (schema.Envelope, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.requireReadyLocked(); err != nil {
		return schema.Envelope{}, err
	}

	return schema.Envelope{
		Version:    schema.EnvelopeVersion,
		ExportedAt: time.Now().UnixMilli(),
		Settings:   c.copySettingsLocked(),
	}, nil
}

// ImportAll merges an export envelope into the settings map. Keys unknown to
// the current schema and values failing validation are skipped with a
// warning; the call fails only when zero keys validate. Importing an
// envelope produced by ExportAll immediately before is a no-op on the map
// contents.
func (c *Coordinator) ImportAll(ctx context.Context, origin string, env schema.Envelope) (int, []string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.requireReadyLocked(); err != nil {
		return 0, nil, err
	}

	if env.Version > schema.EnvelopeVersion {
		return 0, nil, fmt.Errorf("%w: %d", ErrEnvelopeVersion, env.Version)
	}

	keys := make([]string, 0, len(env.Settings))
	for k := range env.Settings {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	now := time.Now().UnixMilli()
	applied := make(map[string]*schema.Record)
	var skipped []string

	for _, key := range keys {
		rec := env.Settings[key]
		entry, ok := c.registry.Lookup(key)
		if !ok {
			c.log.WithField("key", key).Warn("Import: skipping key absent from schema")
			skipped = append(skipped, key)
			continue
		}

		var value any
		if rec != nil {
			value = rec.Value
		}
		if err := validate.Validate(entry, value); err != nil {
			c.log.WithError(err).WithField("key", key).Warn("Import: skipping invalid value")
			skipped = append(skipped, key)
			continue
		}
		value, err := normalizeValue(entry, value)
		if err != nil {
			skipped = append(skipped, key)
			continue
		}

		applied[key] = &schema.Record{
			Key:         entry.Key,
			Type:        entry.Type,
			Value:       value,
			Description: entry.Description,
			Constraints: entry.Constraints,
			UpdatedAt:   now,
		}
	}

	if len(applied) == 0 {
		return 0, skipped, ErrNothingToImport
	}

	if err := c.persistLocked(ctx, applied); err != nil {
		return 0, skipped, err
	}
	for key, rec := range applied {
		c.settings[key] = rec
	}

	c.log.WithFields(logrus.Fields{
		"applied": len(applied),
		"skipped": len(skipped),
		"origin":  origin,
	}).Info("Settings imported")

	if c.broadcaster != nil {
		c.broadcaster.SettingsImported(origin, len(applied))
	}
	return len(applied), skipped, nil
}

// ResetToDefaults restores every key to its schema default and persists the
// result.
func (c *Coordinator) ResetToDefaults(ctx context.Context, origin string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.requireReadyLocked(); err != nil {
		return 0, err
	}

	defaults := c.registry.Defaults(time.Now())
	if err := c.persistLocked(ctx, defaults); err != nil {
		return 0, err
	}
	c.settings = defaults

	c.log.WithFields(logrus.Fields{
		"keys":   len(defaults),
		"origin": origin,
	}).Info("Settings reset to defaults")

	if c.broadcaster != nil {
		c.broadcaster.SettingsReset(origin, len(defaults))
	}
	return len(defaults), nil
}

// persistLocked writes the given records to the backend in one batch.
func (c *Coordinator) persistLocked(ctx context.Context, records map[string]*schema.Record) error {
	entries := make(map[string][]byte, len(records))
	for key, rec := range records {
		raw, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to encode %q: %w", key, err)
		}
		entries[storageKey(key)] = raw
	}

	if err := c.store.Set(ctx, entries); err != nil {
		return fmt.Errorf("failed to persist settings: %w", err)
	}
	return nil
}

// normalizeValue re-encodes values through JSON so the in-memory form
// matches what a reload from the backend would produce: numbers become
// float64 and json-typed values stop aliasing caller-owned maps.
func normalizeValue(entry schema.Entry, value any) (any, error) {
	switch entry.Type {
	case schema.TypeNumber, schema.TypeJSON:
		raw, err := json.Marshal(value)
		if err != nil {
			return nil, err
		}
		var out any
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, err
		}
		return out, nil
	default:
		return value, nil
	}
}
