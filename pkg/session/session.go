package session

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/aqyn/pkg/chat"
	"github.com/go-go-golems/aqyn/pkg/enrich"
	"github.com/go-go-golems/aqyn/pkg/events"
	"github.com/go-go-golems/aqyn/pkg/inference"
)

// State is the session's position in the conversational loop.
type State int

const (
	// StateIdle is the state before Connect has run.
	StateIdle State = iota
	// StateAwaitingInput means an active conversation is loaded and the
	// session accepts a new user message.
	StateAwaitingInput
	// StateStreaming means a generation attempt is in flight; further
	// submissions are ignored until it closes.
	StateStreaming
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingInput:
		return "awaiting-input"
	case StateStreaming:
		return "streaming"
	default:
		return "unknown"
	}
}

// Config assembles a Session's collaborators.
type Config struct {
	// ID identifies the session; it doubles as the event topic suffix.
	// A fresh uuid is used when empty.
	ID     string
	UserID string

	Store       chat.Store
	Engine      inference.Engine
	Titles      *enrich.TitleGenerator
	Suggestions *enrich.SuggestionGenerator

	// Sink receives the session's stream and enrichment events; the
	// forwarder on the other end turns them into client frames.
	Sink    events.Sink
	Emitter Emitter

	SystemPrompt string
	Language     chat.Language

	// BaseContext bounds background work (generation, enrichment) so it
	// stops with the server rather than with the websocket request.
	BaseContext context.Context
}

// Session orchestrates one client connection: it owns the active
// conversation pointer, runs the submit→stream→persist→enrich loop and keeps
// the client's view consistent with the store. Client operations arrive
// sequentially from the websocket read loop; background goroutines re-enter
// through the mutex.
type Session struct {
	id     string
	userID string

	store       chat.Store
	engine      inference.Engine
	titles      *enrich.TitleGenerator
	suggestions *enrich.SuggestionGenerator
	sink        events.Sink
	emitter     Emitter

	systemPrompt string
	baseCtx      context.Context
	logger       zerolog.Logger

	mu         sync.Mutex
	lang       chat.Language
	state      State
	activeConv string
	streamID   string
}

func New(cfg Config) *Session {
	id := cfg.ID
	if id == "" {
		id = uuid.NewString()
	}
	lang := cfg.Language
	if lang == "" {
		lang = chat.DefaultLanguage
	}
	baseCtx := cfg.BaseContext
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	return &Session{
		id:           id,
		userID:       cfg.UserID,
		store:        cfg.Store,
		engine:       cfg.Engine,
		titles:       cfg.Titles,
		suggestions:  cfg.Suggestions,
		sink:         cfg.Sink,
		emitter:      cfg.Emitter,
		systemPrompt: cfg.SystemPrompt,
		baseCtx:      baseCtx,
		logger:       log.With().Str("session_id", id).Str("user_id", cfg.UserID).Logger(),
		lang:         lang,
		state:        StateIdle,
	}
}

func (s *Session) ID() string     { return s.id }
func (s *Session) UserID() string { return s.userID }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Language() chat.Language {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lang
}

// ActiveConversationID returns the conversation the client is looking at.
// The forwarder consults it to drop pushes for conversations the user has
// already left.
func (s *Session) ActiveConversationID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeConv
}

// CurrentStreamID returns the id of the latest generation attempt; events
// stamped with any other stream id are stale.
func (s *Session) CurrentStreamID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streamID
}

// Connect runs the attach sequence: ensure the user exists, send the sidebar
// list, then load the most recent conversation (creating one for first-time
// users).
func (s *Session) Connect(ctx context.Context) error {
	if err := s.store.EnsureUser(ctx, s.userID); err != nil {
		return errors.Wrap(err, "ensure user")
	}
	if err := s.emitConversations(ctx); err != nil {
		return err
	}
	return s.reconcile(ctx)
}

// SelectLanguage switches the session language. Unknown codes are logged and
// ignored; the session keeps its current language.
func (s *Session) SelectLanguage(code string) {
	lang, ok := chat.ParseLanguage(code)
	if !ok {
		s.logger.Warn().Str("code", code).Msg("ignoring unknown language code")
		return
	}
	s.mu.Lock()
	s.lang = lang
	s.mu.Unlock()
	s.logger.Debug().Str("lang", string(lang)).Msg("language selected")
}

// NewConversation creates an empty conversation and makes it active.
func (s *Session) NewConversation(ctx context.Context) error {
	return s.createAndActivate(ctx)
}

// SwitchConversation makes an existing conversation active. An unknown id
// triggers the self-heal path: the client is told the selection is invalid
// and the session falls back to the most recent conversation.
func (s *Session) SwitchConversation(ctx context.Context, convID string) error {
	if _, err := s.store.GetConversation(ctx, convID); err != nil {
		if errors.Is(err, chat.ErrConversationNotFound) {
			return s.invalidConversation(ctx, convID)
		}
		return errors.Wrap(err, "load conversation")
	}
	return s.activate(ctx, convID)
}

// RenameConversation stores a user-chosen title and refreshes the sidebar.
func (s *Session) RenameConversation(ctx context.Context, convID, title string) error {
	title = strings.TrimSpace(title)
	if convID == "" || title == "" {
		return nil
	}
	if err := s.store.RenameConversation(ctx, convID, title); err != nil {
		if errors.Is(err, chat.ErrConversationNotFound) {
			return s.invalidConversation(ctx, convID)
		}
		return errors.Wrap(err, "rename conversation")
	}
	return s.emitConversations(ctx)
}

// DeleteConversation removes a conversation. Deleting the last remaining
// conversation is rejected with a localized reason; deleting the active one
// moves the session to the most recent survivor.
func (s *Session) DeleteConversation(ctx context.Context, convID string) error {
	err := s.store.DeleteConversation(ctx, s.userID, convID)
	switch {
	case errors.Is(err, chat.ErrLastConversation):
		s.emit(Frame{Type: FrameDeleteRejected, Payload: ReasonPayload{Reason: chat.LastConversationReason(s.Language())}})
		return nil
	case errors.Is(err, chat.ErrConversationNotFound):
		return s.invalidConversation(ctx, convID)
	case err != nil:
		return errors.Wrap(err, "delete conversation")
	}

	s.emit(Frame{Type: FrameConversationDeleted, Payload: ConversationDeletedPayload{ConvID: convID}})
	if err := s.emitConversations(ctx); err != nil {
		return err
	}
	if s.ActiveConversationID() == convID {
		return s.reconcile(ctx)
	}
	return nil
}

// reconcile points the session at the user's most recent conversation,
// creating a fresh one when none exists.
func (s *Session) reconcile(ctx context.Context) error {
	conv, err := s.store.MostRecentConversation(ctx, s.userID)
	if errors.Is(err, chat.ErrConversationNotFound) {
		return s.createAndActivate(ctx)
	}
	if err != nil {
		return errors.Wrap(err, "load most recent conversation")
	}
	return s.activate(ctx, conv.ID)
}

func (s *Session) createAndActivate(ctx context.Context) error {
	conv, err := s.store.CreateConversation(ctx, s.userID, chat.DefaultTitle(s.Language()))
	if err != nil {
		return errors.Wrap(err, "create conversation")
	}
	s.emit(Frame{Type: FrameNewConversation, Payload: NewConversationPayload{ConvID: conv.ID}})
	if err := s.emitConversations(ctx); err != nil {
		return err
	}
	return s.activate(ctx, conv.ID)
}

// activate switches the active pointer and replays the conversation to the
// client. Rotating the stream id here makes any in-flight generation stale:
// it keeps running and persists its reply, but nothing of it reaches the
// client anymore.
func (s *Session) activate(ctx context.Context, convID string) error {
	msgs, err := s.store.ListMessages(ctx, convID)
	if err != nil {
		return errors.Wrap(err, "load messages")
	}

	s.mu.Lock()
	s.activeConv = convID
	s.streamID = ""
	s.state = StateAwaitingInput
	lang := s.lang
	s.mu.Unlock()

	payload := ChatLoadedPayload{ConvID: convID, Messages: make([]MessagePayload, 0, len(msgs))}
	for _, m := range msgs {
		payload.Messages = append(payload.Messages, MessagePayload{
			Role:      string(m.Role),
			Content:   m.Content,
			Timestamp: m.Timestamp,
		})
	}
	s.emit(Frame{Type: FrameChatLoaded, Payload: payload})

	if len(msgs) == 0 {
		return nil
	}
	questions, err := s.store.LoadSuggestions(ctx, convID)
	if err != nil {
		s.logger.Warn().Err(err).Str("conv_id", convID).Msg("loading cached suggestions failed")
		return nil
	}
	if len(questions) > 0 {
		s.emit(Frame{Type: FrameSuggestions, Payload: SuggestionsPayload{ConvID: convID, Questions: questions}})
		return nil
	}
	go s.refreshSuggestions(convID, lang)
	return nil
}

func (s *Session) invalidConversation(ctx context.Context, convID string) error {
	s.logger.Warn().Str("conv_id", convID).Msg("client referenced unknown conversation")
	s.emit(Frame{Type: FrameConversationInvalid, Payload: ReasonPayload{Reason: chat.InvalidConversationReason(s.Language())}})
	return s.reconcile(ctx)
}

func (s *Session) emitConversations(ctx context.Context) error {
	convs, err := s.store.ListConversations(ctx, s.userID)
	if err != nil {
		return errors.Wrap(err, "list conversations")
	}
	payload := ConversationsListPayload{Conversations: make([]ConversationSummary, 0, len(convs))}
	for _, c := range convs {
		payload.Conversations = append(payload.Conversations, ConversationSummary{
			ID:        c.ID,
			Title:     c.Title,
			UpdatedAt: c.UpdatedAt,
		})
	}
	s.emit(Frame{Type: FrameConversationsList, Payload: payload})
	return nil
}

func (s *Session) emit(frame Frame) {
	if s.emitter == nil {
		return
	}
	s.emitter.Emit(frame)
}
