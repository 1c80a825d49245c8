// Package validate checks candidate setting values against their schema
// entries. Validation is pure: it never touches storage or the transport.
package validate

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/confsync/confsync/internal/schema"
)

// ErrRejected is the class of all validation failures. Callers use
// errors.Is(err, ErrRejected) to distinguish deterministic rejections from
// transient failures; rejections must never be retried.
var ErrRejected = errors.New("value rejected")

// RejectedError identifies the failing key and the reason the value was
// rejected.
type RejectedError struct {
	Key    string
	Reason string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("invalid value for %s: %s", e.Key, e.Reason)
}

func (e *RejectedError) Unwrap() error { return ErrRejected }

func reject(key, format string, args ...any) error {
	return &RejectedError{Key: key, Reason: fmt.Sprintf(format, args...)}
}

// Validate checks value against the entry's type and constraints. It returns
// nil when the value is acceptable and a *RejectedError otherwise.
func Validate(entry schema.Entry, value any) error {
	switch entry.Type {
	case schema.TypeBoolean:
		if _, ok := value.(bool); !ok {
			return reject(entry.Key, "expected boolean, got %T", value)
		}
		return nil

	case schema.TypeText, schema.TypeLongText:
		s, ok := value.(string)
		if !ok {
			return reject(entry.Key, "expected string, got %T", value)
		}
		if max := entry.Constraints.MaxLength; max != nil && len(s) > *max {
			return reject(entry.Key, "length %d exceeds maximum %d", len(s), *max)
		}
		return nil

	case schema.TypeNumber:
		n, ok := asNumber(value)
		if !ok {
			return reject(entry.Key, "expected number, got %T", value)
		}
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return reject(entry.Key, "number must be finite")
		}
		if min := entry.Constraints.Min; min != nil && n < *min {
			return reject(entry.Key, "%v is below minimum %v", n, *min)
		}
		if max := entry.Constraints.Max; max != nil && n > *max {
			return reject(entry.Key, "%v is above maximum %v", n, *max)
		}
		return nil

	case schema.TypeJSON:
		// The value must survive a serialize/deserialize cycle. This rejects
		// cyclic structures and anything not representable as JSON.
		raw, err := json.Marshal(value)
		if err != nil {
			return reject(entry.Key, "not JSON-serializable: %v", err)
		}
		var roundTrip any
		if err := json.Unmarshal(raw, &roundTrip); err != nil {
			return reject(entry.Key, "does not round-trip through JSON: %v", err)
		}
		return nil

	default:
		return reject(entry.Key, "unknown schema type %q", entry.Type)
	}
}

// asNumber widens the numeric types a value can arrive as. Values decoded
// from JSON come in as float64; in-process callers may pass Go ints.
func asNumber(value any) (float64, bool) {
	switch n := value.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
