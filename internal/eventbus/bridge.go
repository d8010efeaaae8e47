package eventbus

import (
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
)

// NATS subject layout for mirrored events:
//
//	stories.{story_id}.{event_type}
//
// External collaborators (status notifiers, SSE streams) subscribe to
// stories.{story_id}.* to observe one story, or stories.> for all.
const subjectPrefix = "stories"

// Subject returns the NATS subject an event is mirrored to.
func Subject(storyID string, t Type) string {
	return fmt.Sprintf("%s.%s.%s", subjectPrefix, storyID, t)
}

// SubjectFor returns the wildcard subject covering all events of one
// story.
func SubjectFor(storyID string) string {
	return fmt.Sprintf("%s.%s.*", subjectPrefix, storyID)
}

// Bridge mirrors every bus event onto NATS so external collaborators
// can observe progress without coupling to engine internals. Publish
// failures are reported through the error callback and never block the
// engine.
type Bridge struct {
	nc    *nats.Conn
	onErr func(Event, error)
}

// NewBridge creates a bridge over an established NATS connection.
// onErr may be nil.
func NewBridge(nc *nats.Conn, onErr func(Event, error)) *Bridge {
	return &Bridge{nc: nc, onErr: onErr}
}

// Attach subscribes the bridge to all bus events.
func (br *Bridge) Attach(bus *Bus) {
	bus.SubscribeAll(br.publish)
}

func (br *Bridge) publish(e Event) {
	data, err := json.Marshal(e)
	if err != nil {
		br.report(e, fmt.Errorf("marshal event: %w", err))
		return
	}
	if err := br.nc.Publish(Subject(e.StoryID, e.Type), data); err != nil {
		br.report(e, fmt.Errorf("publish event: %w", err))
	}
}

func (br *Bridge) report(e Event, err error) {
	if br.onErr != nil {
		br.onErr(e, err)
	}
}
