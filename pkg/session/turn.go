package session

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/go-go-golems/aqyn/pkg/chat"
	"github.com/go-go-golems/aqyn/pkg/events"
	"github.com/go-go-golems/aqyn/pkg/inference"
)

const (
	// historyWindow is how many trailing messages feed the generation and
	// suggestion prompts.
	historyWindow = 8

	generationTimeout = 2 * time.Minute
	enrichTimeout     = 30 * time.Second
)

// SubmitMessage runs one turn: persist the user message, then stream the
// assistant reply in a background goroutine. The call returns as soon as the
// turn is accepted; progress reaches the client through the event pipeline.
//
// Submissions are ignored while a previous turn is still streaming, when the
// text is empty, and when the target is not the active conversation (an
// empty conversation id coerces to the active one).
func (s *Session) SubmitMessage(ctx context.Context, convID, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	s.mu.Lock()
	if s.state == StateStreaming {
		s.mu.Unlock()
		s.logger.Debug().Str("conv_id", convID).Msg("ignoring submit while streaming")
		return nil
	}
	if s.activeConv == "" {
		s.mu.Unlock()
		s.logger.Debug().Msg("ignoring submit without active conversation")
		return nil
	}
	if convID == "" {
		convID = s.activeConv
	}
	if convID != s.activeConv {
		// A submit targets the conversation in view; anything else would
		// occupy the streaming slot on a turn whose output the delivery
		// guards then drop.
		active := s.activeConv
		s.mu.Unlock()
		s.logger.Warn().Str("conv_id", convID).Str("active_conv", active).Msg("ignoring submit for non-active conversation")
		return nil
	}
	lang := s.lang
	s.mu.Unlock()

	if _, err := s.store.GetConversation(ctx, convID); err != nil {
		if errors.Is(err, chat.ErrConversationNotFound) {
			return s.invalidConversation(ctx, convID)
		}
		return errors.Wrap(err, "load conversation")
	}

	if _, err := s.store.AppendMessage(ctx, convID, chat.RoleUser, text); err != nil {
		// The turn still has to close over the stream protocol so the
		// client is not left with a hanging spinner.
		s.logger.Error().Err(err).Str("conv_id", convID).Msg("persisting user message failed")
		failID := uuid.NewString()
		s.mu.Lock()
		s.streamID = failID
		s.mu.Unlock()
		relay := NewRelay(s.sink, s.newMeta(convID, failID))
		relay.Fail(chat.ErrorReply(lang))
		return nil
	}
	count, err := s.store.CountMessages(ctx, convID)
	if err != nil {
		s.logger.Warn().Err(err).Str("conv_id", convID).Msg("counting messages failed")
	}
	firstTurn := count == 1

	s.mu.Lock()
	s.state = StateStreaming
	s.streamID = uuid.NewString()
	streamID := s.streamID
	s.mu.Unlock()

	go s.runTurn(streamID, convID, lang, text, firstTurn)
	return nil
}

// runTurn is the streaming half of a turn. It runs detached from the
// websocket request so a dropped connection does not abort generation.
func (s *Session) runTurn(streamID, convID string, lang chat.Language, userText string, firstTurn bool) {
	meta := s.newMeta(convID, streamID)
	relay := NewRelay(s.sink, meta)

	ctx, cancel := context.WithTimeout(s.baseCtx, generationTimeout)
	defer cancel()
	runCtx := events.WithSinks(ctx, relay)

	history, err := s.store.TailMessages(ctx, convID, historyWindow)
	if err != nil {
		s.logger.Warn().Err(err).Str("conv_id", convID).Msg("loading history failed, prompting with latest message only")
		history = []*chat.Message{{ConversationID: convID, Role: chat.RoleUser, Content: userText}}
	}

	reply, err := s.engine.RunInference(runCtx, inference.Request{
		Language: lang,
		System:   s.systemPrompt,
		Messages: history,
		Meta:     meta,
	})
	if err != nil || strings.TrimSpace(reply) == "" {
		if err != nil {
			s.logger.Warn().Err(err).Str("conv_id", convID).Str("stream_id", streamID).Msg("generation failed")
		} else {
			s.logger.Warn().Str("conv_id", convID).Str("stream_id", streamID).Msg("generation returned empty reply")
		}
		reply = chat.ErrorReply(lang)
		relay.Fail(reply)
	} else {
		relay.Finish(reply)
	}

	// Persistence happens regardless of whether the client is still looking
	// at this conversation.
	persistCtx, cancelPersist := context.WithTimeout(s.baseCtx, enrichTimeout)
	defer cancelPersist()
	if _, err := s.store.AppendMessage(persistCtx, convID, chat.RoleAssistant, reply); err != nil {
		s.logger.Error().Err(err).Str("conv_id", convID).Msg("persisting assistant message failed")
	}
	if err := s.store.TouchConversation(persistCtx, convID); err != nil {
		s.logger.Warn().Err(err).Str("conv_id", convID).Msg("touching conversation failed")
	}

	s.mu.Lock()
	if s.streamID == streamID {
		s.state = StateAwaitingInput
	}
	s.mu.Unlock()

	if firstTurn {
		go s.refreshTitle(convID, userText, lang)
	}
	go s.refreshSuggestions(convID, lang)
}

// refreshTitle regenerates the conversation title from the first user
// message. The persisted rename always happens; the push is routed through
// the event pipeline where stale deliveries are filtered out.
func (s *Session) refreshTitle(convID, firstText string, lang chat.Language) {
	ctx, cancel := context.WithTimeout(s.baseCtx, enrichTimeout)
	defer cancel()

	title := s.titles.Generate(ctx, firstText, lang)
	if err := s.store.RenameConversation(ctx, convID, title); err != nil {
		s.logger.Warn().Err(err).Str("conv_id", convID).Msg("persisting generated title failed")
		return
	}
	if s.sink != nil {
		if err := s.sink.PublishEvent(events.NewTitleEvent(s.newMeta(convID, ""), title)); err != nil {
			s.logger.Warn().Err(err).Str("conv_id", convID).Msg("publishing title event failed")
		}
	}
	if err := s.emitConversations(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("refreshing conversation list failed")
	}
}

// refreshSuggestions regenerates and caches the follow-up question set, then
// publishes it; the forwarder drops the push when the user has moved on.
func (s *Session) refreshSuggestions(convID string, lang chat.Language) {
	ctx, cancel := context.WithTimeout(s.baseCtx, enrichTimeout)
	defer cancel()

	tail, err := s.store.TailMessages(ctx, convID, historyWindow)
	if err != nil {
		s.logger.Warn().Err(err).Str("conv_id", convID).Msg("loading tail for suggestions failed")
		return
	}
	questions := s.suggestions.Generate(ctx, tail, lang)
	if len(questions) == 0 {
		return
	}
	if err := s.store.SaveSuggestions(ctx, convID, questions); err != nil {
		s.logger.Warn().Err(err).Str("conv_id", convID).Msg("caching suggestions failed")
	}
	if s.sink != nil {
		if err := s.sink.PublishEvent(events.NewSuggestionsEvent(s.newMeta(convID, ""), questions)); err != nil {
			s.logger.Warn().Err(err).Str("conv_id", convID).Msg("publishing suggestions event failed")
		}
	}
}

func (s *Session) newMeta(convID, streamID string) events.EventMetadata {
	return events.EventMetadata{
		ID:        uuid.New(),
		SessionID: s.id,
		ConvID:    convID,
		StreamID:  streamID,
	}
}
