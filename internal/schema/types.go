package schema

// Type is the data type of a setting
type Type string

const (
	TypeBoolean  Type = "boolean"
	TypeText     Type = "text"
	TypeLongText Type = "longtext"
	TypeNumber   Type = "number"
	TypeJSON     Type = "json"
)

// Valid reports whether t is one of the recognized setting types.
func (t Type) Valid() bool {
	switch t {
	case TypeBoolean, TypeText, TypeLongText, TypeNumber, TypeJSON:
		return true
	}
	return false
}

// Constraints holds the type-specific limits for a setting.
// MaxLength applies to text/longtext (in bytes); Min/Max apply to number.
// Nil means the constraint is not set.
type Constraints struct {
	MaxLength *int     `json:"max_length,omitempty"`
	Min       *float64 `json:"min,omitempty"`
	Max       *float64 `json:"max,omitempty"`
}

// Entry declares one recognized setting key: its type, default value,
// description and constraints. Entries are immutable at runtime and define
// the universe of valid keys.
type Entry struct {
	Key         string      `json:"key"`
	Type        Type        `json:"type"`
	Description string      `json:"description"`
	Default     any         `json:"default"`
	Constraints Constraints `json:"constraints"`
}

// Record is the materialized, currently-stored instance of a schema entry.
// Value must satisfy the entry's constraints at all times.
type Record struct {
	Key         string      `json:"key"`
	Type        Type        `json:"type"`
	Value       any         `json:"value"`
	Description string      `json:"description"`
	Constraints Constraints `json:"constraints"`
	UpdatedAt   int64       `json:"updated_at"` // unix milliseconds
}

// Clone returns a deep-enough copy of the record. Value is copied by
// reference for scalars; json-typed values are re-encoded by callers that
// hand records across ownership boundaries.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	return &c
}

// IntPtr and FloatPtr are small helpers for declaring constraints inline.
func IntPtr(v int) *int           { return &v }
func FloatPtr(v float64) *float64 { return &v }
