package schema

// EnvelopeVersion is the current export file format version.
const EnvelopeVersion = 1

// Envelope is a serialized snapshot of the settings map. It is the only
// persisted artifact treated as a stable, versioned wire format: exports are
// written as this JSON structure and imports consume it.
type Envelope struct {
	Version    int                `json:"version"`
	ExportedAt int64              `json:"exported_at"` // unix milliseconds
	Settings   map[string]*Record `json:"settings"`
}
