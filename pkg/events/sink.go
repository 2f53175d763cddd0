package events

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Sink receives events produced during a generation attempt.
type Sink interface {
	PublishEvent(e Event) error
}

// WatermillSink publishes events as JSON messages on a watermill topic.
type WatermillSink struct {
	publisher message.Publisher
	topic     string
}

func NewWatermillSink(publisher message.Publisher, topic string) *WatermillSink {
	return &WatermillSink{publisher: publisher, topic: topic}
}

func (s *WatermillSink) PublishEvent(e Event) error {
	b, err := json.Marshal(e)
	if err != nil {
		return errors.Wrap(err, "marshal event")
	}
	msg := message.NewMessage(watermill.NewUUID(), b)
	return errors.Wrapf(s.publisher.Publish(s.topic, msg), "publish to %s", s.topic)
}

type sinksKey struct{}

// WithSinks attaches sinks to the context so producers deep inside an engine
// can publish without threading a sink parameter through every call.
func WithSinks(ctx context.Context, sinks ...Sink) context.Context {
	existing, _ := ctx.Value(sinksKey{}).([]Sink)
	return context.WithValue(ctx, sinksKey{}, append(append([]Sink(nil), existing...), sinks...))
}

// PublishToContext publishes to every sink attached to the context. Sink
// failures are logged, not propagated: a broken relay must not abort the
// producing generation.
func PublishToContext(ctx context.Context, e Event) {
	sinks, _ := ctx.Value(sinksKey{}).([]Sink)
	for _, s := range sinks {
		if err := s.PublishEvent(e); err != nil {
			log.Warn().Err(err).Str("event_type", string(e.Type())).Msg("event sink publish failed")
		}
	}
}

// CollectorSink records every published event. Test helper.
type CollectorSink struct {
	mu     sync.Mutex
	events []Event
}

func NewCollectorSink() *CollectorSink { return &CollectorSink{} }

func (c *CollectorSink) PublishEvent(e Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
	return nil
}

func (c *CollectorSink) Events() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event(nil), c.events...)
}
