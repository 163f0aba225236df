// Package messaging carries the platform's event vocabulary and the bus the
// core components publish on. The WebSocket hub subscribes to every event
// type and fans the envelope out to connected clients verbatim.
package messaging

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event types broadcast to clients.
const (
	EventNewRequest       = "new_request"
	EventMatchFound       = "match_found"
	EventProviderAdded    = "provider_added"
	EventEnergyUpdate     = "energy_update"
	EventEnergyDataUpdate = "energy_data_update"
)

// EventTypes lists every type the platform emits, in the order the hub
// subscribes to them.
var EventTypes = []string{
	EventNewRequest,
	EventMatchFound,
	EventProviderAdded,
	EventEnergyUpdate,
	EventEnergyDataUpdate,
}

// Envelope is the wire format: one JSON object per event.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Event is an envelope plus delivery metadata kept off the wire.
type Event struct {
	ID        uuid.UUID
	Type      string
	Data      json.RawMessage
	Timestamp time.Time
}

// NewEvent marshals data into an event of the given type.
func NewEvent(eventType string, data interface{}) (Event, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Event{}, err
	}
	return Event{
		ID:        uuid.New(),
		Type:      eventType,
		Data:      raw,
		Timestamp: time.Now(),
	}, nil
}

// Envelope returns the client-facing representation.
func (e Event) Envelope() Envelope {
	return Envelope{Type: e.Type, Data: e.Data}
}

// MatchFoundData is the match_found payload.
type MatchFoundData struct {
	RequestID   int64       `json:"requestId"`
	ProviderID  int64       `json:"providerId"`
	Transaction interface{} `json:"transaction"`
}

// EnergyUpdateData is the energy_update payload emitted on manual provider
// updates.
type EnergyUpdateData struct {
	ProviderID        int64  `json:"providerId"`
	CurrentProduction string `json:"currentProduction"`
	AvailableEnergy   string `json:"availableEnergy"`
}

// EnergyDataUpdateData is the per-tick aggregate payload.
type EnergyDataUpdateData struct {
	TotalProduction string `json:"totalProduction"`
	TotalAvailable  string `json:"totalAvailable"`
	ActiveProviders int    `json:"activeProviders"`
}
