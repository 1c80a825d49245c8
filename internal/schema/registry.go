package schema

import (
	"fmt"
	"sort"
	"time"
)

// Registry is the immutable set of recognized setting keys. It is built once
// at startup; lookups are safe for concurrent use.
type Registry struct {
	entries    map[string]Entry
	keys       []string
	deprecated []string
}

// NewRegistry builds a registry from the given entries. Duplicate keys,
// empty keys and unknown types are rejected. deprecated lists keys from
// older versions whose persisted values should be removed at initialization.
func NewRegistry(entries []Entry, deprecated []string) (*Registry, error) {
	r := &Registry{
		entries:    make(map[string]Entry, len(entries)),
		deprecated: append([]string(nil), deprecated...),
	}

	for _, e := range entries {
		if e.Key == "" {
			return nil, fmt.Errorf("schema entry with empty key")
		}
		if !e.Type.Valid() {
			return nil, fmt.Errorf("schema entry %s: unknown type %q", e.Key, e.Type)
		}
		if _, exists := r.entries[e.Key]; exists {
			return nil, fmt.Errorf("duplicate schema entry: %s", e.Key)
		}
		r.entries[e.Key] = e
		r.keys = append(r.keys, e.Key)
	}

	sort.Strings(r.keys)
	return r, nil
}

// Lookup returns the entry for key.
func (r *Registry) Lookup(key string) (Entry, bool) {
	e, ok := r.entries[key]
	return e, ok
}

// Keys returns all recognized keys in deterministic (sorted) order.
func (r *Registry) Keys() []string {
	return append([]string(nil), r.keys...)
}

// Len returns the number of recognized keys.
func (r *Registry) Len() int {
	return len(r.entries)
}

// Deprecated returns keys whose persisted values are stale leftovers from
// older versions.
func (r *Registry) Deprecated() []string {
	return append([]string(nil), r.deprecated...)
}

// Defaults materializes a record for every entry using its default value.
func (r *Registry) Defaults(now time.Time) map[string]*Record {
	out := make(map[string]*Record, len(r.entries))
	ts := now.UnixMilli()
	for key, e := range r.entries {
		out[key] = &Record{
			Key:         e.Key,
			Type:        e.Type,
			Value:       e.Default,
			Description: e.Description,
			Constraints: e.Constraints,
			UpdatedAt:   ts,
		}
	}
	return out
}

// Builtin returns the embedded default catalog used by the binary and by the
// embedded-defaults fallback path.
func Builtin() *Registry {
	entries := []Entry{
		{
			Key:         "refresh_interval",
			Type:        TypeNumber,
			Description: "Background refresh interval in seconds",
			Default:     float64(300),
			Constraints: Constraints{Min: FloatPtr(1), Max: FloatPtr(3600)},
		},
		{
			Key:         "api_endpoint",
			Type:        TypeText,
			Description: "Base URL of the upstream API",
			Default:     "https://api.example.com",
			Constraints: Constraints{MaxLength: IntPtr(2048)},
		},
		{
			Key:         "api_token",
			Type:        TypeText,
			Description: "Bearer token for the upstream API",
			Default:     "",
			Constraints: Constraints{MaxLength: IntPtr(512)},
		},
		{
			Key:         "notifications_enabled",
			Type:        TypeBoolean,
			Description: "Show desktop notifications for updates",
			Default:     true,
		},
		{
			Key:         "theme",
			Type:        TypeText,
			Description: "UI theme (light, dark or system)",
			Default:     "system",
			Constraints: Constraints{MaxLength: IntPtr(32)},
		},
		{
			Key:         "display_name",
			Type:        TypeText,
			Description: "Name shown in shared views",
			Default:     "",
			Constraints: Constraints{MaxLength: IntPtr(128)},
		},
		{
			Key:         "custom_css",
			Type:        TypeLongText,
			Description: "Custom stylesheet applied on top of the theme",
			Default:     "",
			Constraints: Constraints{MaxLength: IntPtr(65536)},
		},
		{
			Key:         "filter_rules",
			Type:        TypeJSON,
			Description: "Content filter rules evaluated in order",
			Default:     map[string]any{"rules": []any{}},
		},
		{
			Key:         "sync_batch_size",
			Type:        TypeNumber,
			Description: "Maximum number of items fetched per sync batch",
			Default:     float64(50),
			Constraints: Constraints{Min: FloatPtr(1), Max: FloatPtr(500)},
		},
		{
			Key:         "debug_mode",
			Type:        TypeBoolean,
			Description: "Enable verbose diagnostic logging",
			Default:     false,
		},
	}

	deprecated := []string{
		"legacy_poll_interval", // replaced by refresh_interval
		"use_dark_mode",        // replaced by theme
	}

	r, err := NewRegistry(entries, deprecated)
	if err != nil {
		// The builtin catalog is static; a construction failure is a bug.
		panic(err)
	}
	return r
}
