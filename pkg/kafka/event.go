package kafka

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EnvelopeVersion is the version stamped on events this module publishes.
const EnvelopeVersion = 1

// ErrInvalidEnvelope marks a message that is JSON but not a usable event.
var ErrInvalidEnvelope = errors.New("invalid event envelope")

// Event is the envelope of saga lifecycle and participant events. SagaID
// is the partition key, so the events of one saga stay ordered.
type Event struct {
	EventID       string            `json:"event_id"`
	EventType     string            `json:"event_type"`
	SagaID        string            `json:"saga_id,omitempty"`
	Version       int               `json:"version"`
	Timestamp     time.Time         `json:"timestamp"`
	Source        string            `json:"source"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	Data          json.RawMessage   `json:"data"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// NewEvent builds an envelope with a fresh id around data.
func NewEvent(eventType, sagaID, source string, data any) (*Event, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode %s data: %w", eventType, err)
	}
	return &Event{
		EventID:   uuid.NewString(),
		EventType: eventType,
		SagaID:    sagaID,
		Version:   EnvelopeVersion,
		Timestamp: time.Now().UTC(),
		Source:    source,
		Data:      raw,
		Metadata:  map[string]string{},
	}, nil
}

func (e *Event) WithCorrelationID(id string) *Event {
	e.CorrelationID = id
	return e
}

func (e *Event) WithMetadata(key, value string) *Event {
	if e.Metadata == nil {
		e.Metadata = map[string]string{}
	}
	e.Metadata[key] = value
	return e
}

func (e *Event) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// UnmarshalEvent decodes an envelope. Participants may omit everything but
// event_type; a missing payload decodes as an empty object.
func UnmarshalEvent(data []byte) (*Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	if e.EventType == "" {
		return nil, fmt.Errorf("%w: event_type is required", ErrInvalidEnvelope)
	}
	if len(e.Data) == 0 || string(e.Data) == "null" {
		e.Data = json.RawMessage("{}")
	}
	return &e, nil
}

// UnmarshalData decodes the payload into target.
func (e *Event) UnmarshalData(target any) error {
	return json.Unmarshal(e.Data, target)
}
