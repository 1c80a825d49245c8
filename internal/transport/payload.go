package transport

import (
	"github.com/confsync/confsync/internal/schema"
)

// Request payloads

type GetSettingRequest struct {
	Key string `json:"key"`
}

type GetSettingsRequest struct {
	Keys []string `json:"keys"`
}

type UpdateSettingRequest struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
}

type UpdateSettingsRequest struct {
	Updates map[string]any `json:"updates"`
}

type ImportSettingsRequest struct {
	Data schema.Envelope `json:"data"`
}

// Response payloads

type PongResponse struct {
	Pong      bool  `json:"pong"`
	Timestamp int64 `json:"timestamp"` // unix milliseconds
}

type SettingResponse struct {
	Setting *schema.Record `json:"setting"`
}

type SettingsResponse struct {
	Settings map[string]*schema.Record `json:"settings"`
}

type ImportResponse struct {
	Applied int      `json:"applied"`
	Skipped []string `json:"skipped,omitempty"`
}

type ResetResponse struct {
	Count int `json:"count"`
}

// Broadcast payloads. CHANGED carries the full changed records so receivers
// can patch their caches without a refetch; IMPORTED/RESET deliberately do
// not enumerate keys (the affected set is unbounded), so receivers clear and
// refetch lazily.

type ChangedBroadcast struct {
	Changes map[string]*schema.Record `json:"changes"`
}

type ImportedBroadcast struct {
	Applied int `json:"applied"`
}

type ResetBroadcast struct {
	Count int `json:"count"`
}
