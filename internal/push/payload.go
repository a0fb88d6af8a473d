package push

import (
	"hoymiles-bridge/internal/health"
	"hoymiles-bridge/internal/storage"
)

// Message is the wire envelope on both push directions. Control frames
// carry only a type; update frames carry a payload.
type Message struct {
	Type string         `json:"type"`
	Data *UpdatePayload `json:"data,omitempty"`
}

const (
	TypeUpdate = "update"
	TypePing   = "ping"
	TypePong   = "pong"
)

// UpdatePayload is the full state snapshot pushed after each successful
// polling cycle. Receivers get everything the HTTP frontend would serve,
// in one frame.
type UpdatePayload struct {
	Health    health.Snapshot            `json:"health"`
	Stats     *storage.Stats             `json:"stats,omitempty"`
	Inverters []storage.EnrichedInverter `json:"inverters"`
}
