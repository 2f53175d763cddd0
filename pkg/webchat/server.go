package webchat

import (
	"context"
	"embed"
	"encoding/json"
	"net/http"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/aqyn/pkg/chat"
	"github.com/go-go-golems/aqyn/pkg/enrich"
	"github.com/go-go-golems/aqyn/pkg/events"
	"github.com/go-go-golems/aqyn/pkg/inference"
	"github.com/go-go-golems/aqyn/pkg/session"
)

//go:embed static
var staticFS embed.FS

// SubscribeFunc opens the event subscription for one session's forwarder.
// The release func tears down whatever the subscription allocated beyond the
// context (e.g. a dedicated Redis subscriber).
type SubscribeFunc func(ctx context.Context, sessionID, topic string) (<-chan *message.Message, func(), error)

// Config assembles the server's collaborators.
type Config struct {
	Addr string

	Store       chat.Store
	Engine      inference.Engine
	Titles      *enrich.TitleGenerator
	Suggestions *enrich.SuggestionGenerator
	Router      *events.EventRouter

	// Subscribe overrides how session forwarders attach to their topic.
	// Defaults to the router's shared subscriber; the Redis transport
	// installs per-session consumer groups here.
	Subscribe SubscribeFunc

	SystemPrompt    string
	DefaultLanguage chat.Language
}

// Server terminates websocket connections and runs one session per
// connection. All streaming output reaches clients through the event router;
// direct frames (lists, loads, rejections) go straight to the connection.
type Server struct {
	cfg      Config
	httpSrv  *http.Server
	upgrader websocket.Upgrader

	// baseCtx bounds session background work; set once in Run before the
	// listener starts accepting.
	baseCtx context.Context
}

func NewServer(cfg Config) *Server {
	s := &Server{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		baseCtx: context.Background(),
	}
	if s.cfg.Subscribe == nil {
		s.cfg.Subscribe = func(ctx context.Context, _, topic string) (<-chan *message.Message, func(), error) {
			msgs, err := cfg.Router.Subscriber.Subscribe(ctx, topic)
			return msgs, func() {}, err
		}
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleIndex)
	mux.Handle("/static/", http.FileServer(http.FS(staticFS)))
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	s.httpSrv = &http.Server{Addr: cfg.Addr, Handler: mux}
	return s
}

// Handler exposes the mux, mainly for httptest.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// Run serves until the context is cancelled, then shuts the listener down
// gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.baseCtx = ctx

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return s.cfg.Router.Run(ctx)
	})
	select {
	case <-s.cfg.Router.Running():
	case <-ctx.Done():
		return ctx.Err()
	}

	eg.Go(func() error {
		log.Info().Str("addr", s.cfg.Addr).Msg("listening")
		if err := s.httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "http serve")
		}
		return nil
	})
	eg.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpSrv.Shutdown(shutdownCtx)
	})
	return eg.Wait()
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	b, err := staticFS.ReadFile("static/index.html")
	if err != nil {
		http.Error(w, "index unavailable", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(b)
}

func sessionTopic(sessionID string) string {
	return "session:" + sessionID
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		userID = uuid.NewString()
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	sessionID := uuid.NewString()
	logger := log.With().Str("session_id", sessionID).Str("user_id", userID).Logger()

	connCtx, cancel := context.WithCancel(s.baseCtx)
	defer cancel()

	// Subscribe before Connect so no stream event can slip past the
	// forwarder.
	msgs, release, err := s.cfg.Subscribe(connCtx, sessionID, sessionTopic(sessionID))
	if err != nil {
		logger.Error().Err(err).Msg("subscribing session topic failed")
		_ = conn.Close()
		return
	}
	defer release()

	emitter := newQueuedEmitter(conn, logger)
	defer emitter.Close()
	defer func() { _ = conn.Close() }()

	sess := session.New(session.Config{
		ID:           sessionID,
		UserID:       userID,
		Store:        s.cfg.Store,
		Engine:       s.cfg.Engine,
		Titles:       s.cfg.Titles,
		Suggestions:  s.cfg.Suggestions,
		Sink:         events.NewWatermillSink(s.cfg.Router.Publisher, sessionTopic(sessionID)),
		Emitter:      emitter,
		SystemPrompt: s.cfg.SystemPrompt,
		Language:     s.cfg.DefaultLanguage,
		BaseContext:  s.baseCtx,
	})
	go NewForwarder(sess, emitter, logger).Run(msgs)

	if err := sess.Connect(connCtx); err != nil {
		logger.Error().Err(err).Msg("session attach failed")
		return
	}
	logger.Info().Msg("session connected")
	s.readLoop(connCtx, conn, sess, logger)
	logger.Info().Msg("session disconnected")
}

type clientFrame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Client→server frame types.
const (
	frameSelectLanguage     = "select-language"
	frameNewConversation    = "new-conversation"
	frameSwitchConversation = "switch-conversation"
	frameSubmitMessage      = "submit-message"
	frameRenameConversation = "rename-conversation"
	frameDeleteConversation = "delete-conversation"
)

type selectLanguagePayload struct {
	Code string `json:"code"`
}

type convRefPayload struct {
	ConvID string `json:"conv_id"`
}

type submitPayload struct {
	ConvID string `json:"conv_id"`
	Text   string `json:"text"`
}

type renamePayload struct {
	ConvID string `json:"conv_id"`
	Title  string `json:"title"`
}

func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn, sess *session.Session, logger zerolog.Logger) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug().Err(err).Msg("websocket read failed")
			}
			return
		}
		var frame clientFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			logger.Warn().Err(err).Msg("ignoring malformed client frame")
			continue
		}
		if err := s.dispatch(ctx, sess, frame); err != nil {
			logger.Error().Err(err).Str("frame_type", frame.Type).Msg("client operation failed")
		}
	}
}

func (s *Server) dispatch(ctx context.Context, sess *session.Session, frame clientFrame) error {
	switch frame.Type {
	case frameSelectLanguage:
		var p selectLanguagePayload
		if err := json.Unmarshal(frame.Payload, &p); err != nil {
			return errors.Wrap(err, "decode select-language")
		}
		sess.SelectLanguage(p.Code)
		return nil
	case frameNewConversation:
		return sess.NewConversation(ctx)
	case frameSwitchConversation:
		var p convRefPayload
		if err := json.Unmarshal(frame.Payload, &p); err != nil {
			return errors.Wrap(err, "decode switch-conversation")
		}
		return sess.SwitchConversation(ctx, p.ConvID)
	case frameSubmitMessage:
		var p submitPayload
		if err := json.Unmarshal(frame.Payload, &p); err != nil {
			return errors.Wrap(err, "decode submit-message")
		}
		return sess.SubmitMessage(ctx, p.ConvID, p.Text)
	case frameRenameConversation:
		var p renamePayload
		if err := json.Unmarshal(frame.Payload, &p); err != nil {
			return errors.Wrap(err, "decode rename-conversation")
		}
		return sess.RenameConversation(ctx, p.ConvID, p.Title)
	case frameDeleteConversation:
		var p convRefPayload
		if err := json.Unmarshal(frame.Payload, &p); err != nil {
			return errors.Wrap(err, "decode delete-conversation")
		}
		return sess.DeleteConversation(ctx, p.ConvID)
	default:
		log.Debug().Str("frame_type", frame.Type).Msg("ignoring unknown client frame")
		return nil
	}
}
