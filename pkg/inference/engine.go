package inference

import (
	"context"

	"github.com/go-go-golems/aqyn/pkg/chat"
	"github.com/go-go-golems/aqyn/pkg/events"
)

// Request is one generation attempt: the conversation so far (ending with the
// user's new message) plus the metadata stamped onto every streamed event.
type Request struct {
	Language chat.Language
	System   string
	Messages []*chat.Message
	Meta     events.EventMetadata
}

// Engine produces one assistant reply per request. Implementations publish a
// start event followed by partial events to the context sinks while
// streaming, and return the full reply text. The final event is the
// caller's responsibility (the relay emits it exactly once, success or
// failure).
type Engine interface {
	RunInference(ctx context.Context, req Request) (string, error)
}

// Completer is the one-shot, non-streaming surface used by enrichment.
type Completer interface {
	Complete(ctx context.Context, system, prompt string) (string, error)
}
