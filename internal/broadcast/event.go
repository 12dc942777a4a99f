package broadcast

import "encoding/json"

// Event types published by the session mutation paths.
const (
	EventSessionUpdated = "session-updated"
	EventVersionSaved   = "version-saved"
)

// Event is the ephemeral fact fanned out to every interested viewer.
// Timestamp is the producer's clock in milliseconds and is advisory
// only: it supports "have I seen this already" filtering, not causal
// ordering. SourceInstanceID identifies the producing process so a
// consumer never re-applies its own writes.
type Event struct {
	Type             string          `json:"type"`
	Data             json.RawMessage `json:"data"`
	Timestamp        int64           `json:"timestamp"`
	SourceInstanceID string          `json:"sourceInstanceId"`
}
