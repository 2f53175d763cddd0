package webchat

import (
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/rs/zerolog"

	"github.com/go-go-golems/aqyn/pkg/events"
	"github.com/go-go-golems/aqyn/pkg/session"
)

// Forwarder drains one session's event topic and translates events into
// client frames. It is the single place where late or stale pipeline output
// is filtered: stream events from a superseded generation attempt and
// enrichment results for a conversation the user has left are dropped here.
type Forwarder struct {
	sess    *session.Session
	emitter session.Emitter
	logger  zerolog.Logger
}

func NewForwarder(sess *session.Session, emitter session.Emitter, logger zerolog.Logger) *Forwarder {
	return &Forwarder{sess: sess, emitter: emitter, logger: logger}
}

// Run consumes the subscription channel until it closes. Every message is
// acked, including undecodable ones; redelivery cannot fix a bad payload.
func (f *Forwarder) Run(msgs <-chan *message.Message) {
	for msg := range msgs {
		ev, err := events.NewEventFromJSON(msg.Payload)
		if err != nil {
			f.logger.Warn().Err(err).Str("message_id", msg.UUID).Msg("dropping undecodable event")
			msg.Ack()
			continue
		}
		f.handle(ev)
		msg.Ack()
	}
}

func (f *Forwarder) handle(ev events.Event) {
	md := ev.Metadata()
	switch e := ev.(type) {
	case *events.EventStart:
		if !f.liveStream(md) {
			return
		}
		f.emitter.Emit(session.Frame{Type: session.FrameStreamStart, Payload: session.StreamPayload{ConvID: md.ConvID}})
	case *events.EventPartial:
		if !f.liveStream(md) {
			return
		}
		f.emitter.Emit(session.Frame{Type: session.FrameStreamChunk, Payload: session.StreamPayload{ConvID: md.ConvID, Content: e.Delta}})
	case *events.EventFinal:
		if !f.liveStream(md) {
			f.logger.Debug().Str("conv_id", md.ConvID).Str("stream_id", md.StreamID).Msg("dropping stale stream end")
			return
		}
		f.emitter.Emit(session.Frame{Type: session.FrameStreamEnd, Payload: session.StreamPayload{ConvID: md.ConvID, Content: e.Text}})
	case *events.EventTitle:
		if !f.activeConversation(md) {
			return
		}
		f.emitter.Emit(session.Frame{Type: session.FrameTitleUpdated, Payload: session.TitleUpdatedPayload{ConvID: md.ConvID, Title: e.Title}})
	case *events.EventSuggestions:
		if !f.activeConversation(md) {
			f.logger.Debug().Str("conv_id", md.ConvID).Msg("dropping suggestions for inactive conversation")
			return
		}
		f.emitter.Emit(session.Frame{Type: session.FrameSuggestions, Payload: session.SuggestionsPayload{ConvID: md.ConvID, Questions: e.Questions}})
	default:
		f.logger.Debug().Str("event_type", string(ev.Type())).Msg("ignoring unhandled event type")
	}
}

// liveStream reports whether a stream event belongs to the generation
// attempt the client is currently watching.
func (f *Forwarder) liveStream(md events.EventMetadata) bool {
	return md.ConvID == f.sess.ActiveConversationID() && md.StreamID == f.sess.CurrentStreamID()
}

func (f *Forwarder) activeConversation(md events.EventMetadata) bool {
	return md.ConvID == f.sess.ActiveConversationID()
}
