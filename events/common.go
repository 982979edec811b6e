package events

import (
	"encoding/json"
	"errors"

	nanoid "github.com/matoous/go-nanoid/v2"
)

// ErrMissingType marks an inbound message without a type discriminator.
var ErrMissingType = errors.New("events: message has no type field")

type BaseEvent struct {
	EventID        string  `json:"event_id"`
	Type           string  `json:"type"`
	PreviousItemID *string `json:"previous_item_id,omitempty"`
}

func NewBaseEvent(eventType string) BaseEvent {
	id, err := nanoid.New()
	if err != nil {
		panic(err)
	}
	return BaseEvent{
		EventID: id,
		Type:    eventType,
	}
}

// Envelope is the minimally decoded form of an inbound message: the type tag
// used for dispatch, the server event id, and the raw body kept around for a
// second, type-specific decode.
type Envelope struct {
	Type    string
	EventID string
	Raw     json.RawMessage
}

func Decode(data []byte) (*Envelope, error) {
	var head struct {
		Type    string `json:"type"`
		EventID string `json:"event_id"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, err
	}
	if head.Type == "" {
		return nil, ErrMissingType
	}
	raw := make(json.RawMessage, len(data))
	copy(raw, data)
	return &Envelope{Type: head.Type, EventID: head.EventID, Raw: raw}, nil
}

func Parse[T any](data []byte) (*T, error) {
	var x T
	if err := json.Unmarshal(data, &x); err != nil {
		return nil, err
	}
	return &x, nil
}
