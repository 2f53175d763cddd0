package events

import (
	"encoding/json"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// EventType discriminates the JSON encoding of events on the wire.
type EventType string

const (
	// EventTypeStart opens one streamed reply.
	EventTypeStart EventType = "start"
	// EventTypePartial carries one non-empty reply fragment.
	EventTypePartial EventType = "partial"
	// EventTypeFinal closes a streamed reply, success or failure alike.
	EventTypeFinal EventType = "final"
	// EventTypeTitle announces a regenerated conversation title.
	EventTypeTitle EventType = "title"
	// EventTypeSuggestions announces a refreshed suggestion set.
	EventTypeSuggestions EventType = "suggestions"
)

// EventMetadata identifies which session, conversation and generation attempt
// an event belongs to. StreamID changes on every generation attempt; stale
// events are filtered on it.
type EventMetadata struct {
	ID        uuid.UUID `json:"id"`
	SessionID string    `json:"session_id,omitempty"`
	ConvID    string    `json:"conv_id,omitempty"`
	StreamID  string    `json:"stream_id,omitempty"`
}

type Event interface {
	Type() EventType
	Metadata() EventMetadata
}

type EventStart struct {
	Type_     EventType     `json:"type"`
	Metadata_ EventMetadata `json:"meta"`
}

func NewStartEvent(md EventMetadata) *EventStart {
	return &EventStart{Type_: EventTypeStart, Metadata_: md}
}

func (e *EventStart) Type() EventType         { return e.Type_ }
func (e *EventStart) Metadata() EventMetadata { return e.Metadata_ }

type EventPartial struct {
	Type_     EventType     `json:"type"`
	Metadata_ EventMetadata `json:"meta"`
	// Delta is the new fragment; Completion the concatenation so far.
	Delta      string `json:"delta"`
	Completion string `json:"completion"`
}

func NewPartialEvent(md EventMetadata, delta, completion string) *EventPartial {
	return &EventPartial{Type_: EventTypePartial, Metadata_: md, Delta: delta, Completion: completion}
}

func (e *EventPartial) Type() EventType         { return e.Type_ }
func (e *EventPartial) Metadata() EventMetadata { return e.Metadata_ }

type EventFinal struct {
	Type_     EventType     `json:"type"`
	Metadata_ EventMetadata `json:"meta"`
	Text      string        `json:"text"`
}

func NewFinalEvent(md EventMetadata, text string) *EventFinal {
	return &EventFinal{Type_: EventTypeFinal, Metadata_: md, Text: text}
}

func (e *EventFinal) Type() EventType         { return e.Type_ }
func (e *EventFinal) Metadata() EventMetadata { return e.Metadata_ }

type EventTitle struct {
	Type_     EventType     `json:"type"`
	Metadata_ EventMetadata `json:"meta"`
	Title     string        `json:"title"`
}

func NewTitleEvent(md EventMetadata, title string) *EventTitle {
	return &EventTitle{Type_: EventTypeTitle, Metadata_: md, Title: title}
}

func (e *EventTitle) Type() EventType         { return e.Type_ }
func (e *EventTitle) Metadata() EventMetadata { return e.Metadata_ }

type EventSuggestions struct {
	Type_     EventType     `json:"type"`
	Metadata_ EventMetadata `json:"meta"`
	Questions []string      `json:"questions"`
}

func NewSuggestionsEvent(md EventMetadata, questions []string) *EventSuggestions {
	return &EventSuggestions{Type_: EventTypeSuggestions, Metadata_: md, Questions: questions}
}

func (e *EventSuggestions) Type() EventType         { return e.Type_ }
func (e *EventSuggestions) Metadata() EventMetadata { return e.Metadata_ }

// NewEventFromJSON decodes an event published by a Sink.
func NewEventFromJSON(b []byte) (Event, error) {
	var peek struct {
		Type EventType `json:"type"`
	}
	if err := json.Unmarshal(b, &peek); err != nil {
		return nil, errors.Wrap(err, "peek event type")
	}
	var e Event
	switch peek.Type {
	case EventTypeStart:
		e = &EventStart{}
	case EventTypePartial:
		e = &EventPartial{}
	case EventTypeFinal:
		e = &EventFinal{}
	case EventTypeTitle:
		e = &EventTitle{}
	case EventTypeSuggestions:
		e = &EventSuggestions{}
	default:
		return nil, errors.Errorf("unknown event type %q", peek.Type)
	}
	if err := json.Unmarshal(b, e); err != nil {
		return nil, errors.Wrapf(err, "decode %s event", peek.Type)
	}
	return e, nil
}
