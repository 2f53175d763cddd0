package session

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/aqyn/pkg/events"
)

// Relay sits between a generation backend and the event sink and enforces
// the streaming contract for one generation attempt: exactly one start,
// only non-empty ordered fragments, exactly one final — even when the
// backend fails or misbehaves.
type Relay struct {
	sink events.Sink
	meta events.EventMetadata

	mu       sync.Mutex
	started  bool
	finished bool
}

var _ events.Sink = &Relay{}

func NewRelay(sink events.Sink, meta events.EventMetadata) *Relay {
	return &Relay{sink: sink, meta: meta}
}

// PublishEvent filters events the backend produces while streaming.
// Duplicate starts and empty deltas are dropped; a delta before any start
// gets a start synthesized in front of it. Final events are dropped here —
// the turn owner closes the stream via Finish or Fail.
func (r *Relay) PublishEvent(e events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finished {
		return nil
	}
	switch ev := e.(type) {
	case *events.EventStart:
		if r.started {
			log.Debug().Str("stream_id", r.meta.StreamID).Msg("dropping duplicate stream start")
			return nil
		}
		r.started = true
		return r.sink.PublishEvent(ev)
	case *events.EventPartial:
		if ev.Delta == "" {
			return nil
		}
		if err := r.ensureStartedLocked(); err != nil {
			return err
		}
		return r.sink.PublishEvent(ev)
	case *events.EventFinal:
		log.Debug().Str("stream_id", r.meta.StreamID).Msg("dropping backend final event, relay owns stream end")
		return nil
	default:
		return r.sink.PublishEvent(e)
	}
}

// Finish closes the stream successfully with the full reply text.
func (r *Relay) Finish(text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finished {
		return
	}
	if err := r.ensureStartedLocked(); err != nil {
		log.Warn().Err(err).Str("stream_id", r.meta.StreamID).Msg("relay finish publish failed")
	}
	r.finished = true
	if err := r.sink.PublishEvent(events.NewFinalEvent(r.meta, text)); err != nil {
		log.Warn().Err(err).Str("stream_id", r.meta.StreamID).Msg("relay final publish failed")
	}
}

// Fail closes the stream after a backend failure, streaming the localized
// error text through the normal protocol so the client always observes a
// terminal end signal. The start is only synthesized when the backend never
// emitted one.
func (r *Relay) Fail(errText string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finished {
		return
	}
	if err := r.ensureStartedLocked(); err != nil {
		log.Warn().Err(err).Str("stream_id", r.meta.StreamID).Msg("relay fail publish failed")
	}
	if err := r.sink.PublishEvent(events.NewPartialEvent(r.meta, errText, errText)); err != nil {
		log.Warn().Err(err).Str("stream_id", r.meta.StreamID).Msg("relay error chunk publish failed")
	}
	r.finished = true
	if err := r.sink.PublishEvent(events.NewFinalEvent(r.meta, errText)); err != nil {
		log.Warn().Err(err).Str("stream_id", r.meta.StreamID).Msg("relay final publish failed")
	}
}

func (r *Relay) ensureStartedLocked() error {
	if r.started {
		return nil
	}
	r.started = true
	return r.sink.PublishEvent(events.NewStartEvent(r.meta))
}
