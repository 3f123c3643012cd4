package lifecycle

import (
	"fmt"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/google/uuid"
)

// EventSource is the CloudEvents source of every transition event.
const EventSource = "modsandbox/lifecycle"

// EventTypePrefix prefixes the lowercase state name in event types, e.g.
// "com.modsandbox.lifecycle.live".
const EventTypePrefix = "com.modsandbox.lifecycle."

// Transition is the data payload of a transition event.
type Transition struct {
	From     string `json:"from"`
	To       string `json:"to"`
	SetID    string `json:"setId,omitempty"`
	TrackID  string `json:"trackId,omitempty"`
	Token    string `json:"token,omitempty"`
	Previous string `json:"previousToken,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// Observer receives transition events synchronously, in order. It must not
// call back into the Coordinator.
type Observer func(cloudevents.Event)

func newTransitionEvent(t Transition, generation uint64) (cloudevents.Event, error) {
	event := cloudevents.NewEvent()
	event.SetID(eventID())
	event.SetSource(EventSource)
	event.SetType(EventTypePrefix + t.To)
	event.SetTime(time.Now())
	event.SetSpecVersion(cloudevents.VersionV1)
	event.SetExtension("generation", int32(generation))
	if err := event.SetData(cloudevents.ApplicationJSON, t); err != nil {
		return event, fmt.Errorf("encode transition %s: %w", event.ID(), err)
	}
	return event, nil
}

func eventID() string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return id.String()
}
