package session

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/aqyn/pkg/chat"
	"github.com/go-go-golems/aqyn/pkg/enrich"
	"github.com/go-go-golems/aqyn/pkg/events"
	"github.com/go-go-golems/aqyn/pkg/inference"
)

type frameRecorder struct {
	mu     sync.Mutex
	frames []Frame
}

func (r *frameRecorder) Emit(f Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, f)
}

func (r *frameRecorder) Frames() []Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Frame(nil), r.frames...)
}

func (r *frameRecorder) byType(frameType string) []Frame {
	var out []Frame
	for _, f := range r.Frames() {
		if f.Type == frameType {
			out = append(out, f)
		}
	}
	return out
}

// scriptEngine streams a fixed delta sequence to the context sinks and then
// returns its scripted outcome. When gate is set, it blocks after streaming
// until the gate closes, which lets tests hold a generation in flight.
type scriptEngine struct {
	mu     sync.Mutex
	calls  int
	deltas []string
	reply  string
	err    error
	gate   chan struct{}
}

func (e *scriptEngine) RunInference(ctx context.Context, req inference.Request) (string, error) {
	e.mu.Lock()
	e.calls++
	e.mu.Unlock()

	events.PublishToContext(ctx, events.NewStartEvent(req.Meta))
	var completion strings.Builder
	for _, d := range e.deltas {
		completion.WriteString(d)
		events.PublishToContext(ctx, events.NewPartialEvent(req.Meta, d, completion.String()))
	}
	if e.gate != nil {
		select {
		case <-e.gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if e.err != nil {
		return "", e.err
	}
	if e.reply != "" {
		return e.reply, nil
	}
	return completion.String(), nil
}

func (e *scriptEngine) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

type completerFunc func(ctx context.Context, system, prompt string) (string, error)

func (f completerFunc) Complete(ctx context.Context, system, prompt string) (string, error) {
	return f(ctx, system, prompt)
}

type testRig struct {
	sess     *Session
	store    chat.Store
	engine   *scriptEngine
	recorder *frameRecorder
	sink     *events.CollectorSink
}

func newTestRig(t *testing.T, engine *scriptEngine, titles *enrich.TitleGenerator) *testRig {
	t.Helper()
	dsn, err := chat.SQLiteDSNForFile(filepath.Join(t.TempDir(), "chat.db"))
	require.NoError(t, err)
	store, err := chat.NewSQLiteStore(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	pool, err := enrich.NewDefaultQuestionPool()
	require.NoError(t, err)
	if titles == nil {
		titles = enrich.NewTitleGenerator(nil)
	}

	recorder := &frameRecorder{}
	sink := events.NewCollectorSink()
	sess := New(Config{
		ID:          "sess-test",
		UserID:      "user-1",
		Store:       store,
		Engine:      engine,
		Titles:      titles,
		Suggestions: enrich.NewSuggestionGenerator(nil, pool),
		Sink:        sink,
		Emitter:     recorder,
		Language:    chat.LangRussian,
	})
	return &testRig{sess: sess, store: store, engine: engine, recorder: recorder, sink: sink}
}

func (r *testRig) connect(t *testing.T) {
	t.Helper()
	require.NoError(t, r.sess.Connect(context.Background()))
}

// waitTurn waits until the streaming half of a turn has closed and the
// assistant message is durable.
func (r *testRig) waitTurn(t *testing.T, convID string, wantMessages int) {
	t.Helper()
	require.Eventually(t, func() bool {
		n, err := r.store.CountMessages(context.Background(), convID)
		return err == nil && n >= wantMessages && r.sess.State() == StateAwaitingInput
	}, 5*time.Second, 10*time.Millisecond)
}

func streamEvents(sink *events.CollectorSink) []events.Event {
	var out []events.Event
	for _, e := range sink.Events() {
		switch e.Type() {
		case events.EventTypeStart, events.EventTypePartial, events.EventTypeFinal:
			out = append(out, e)
		}
	}
	return out
}

func TestConnect_FirstTimeUserGetsFreshConversation(t *testing.T) {
	rig := newTestRig(t, &scriptEngine{}, nil)
	rig.connect(t)

	require.Equal(t, StateAwaitingInput, rig.sess.State())
	require.NotEmpty(t, rig.sess.ActiveConversationID())

	require.Len(t, rig.recorder.byType(FrameNewConversation), 1)
	loaded := rig.recorder.byType(FrameChatLoaded)
	require.Len(t, loaded, 1)
	require.Empty(t, loaded[0].Payload.(ChatLoadedPayload).Messages)

	lists := rig.recorder.byType(FrameConversationsList)
	require.Len(t, lists, 2, "one empty list on attach, one after the implicit create")
	require.Len(t, lists[1].Payload.(ConversationsListPayload).Conversations, 1)
}

func TestConnect_ReturningUserResumesMostRecent(t *testing.T) {
	rig := newTestRig(t, &scriptEngine{}, nil)
	ctx := context.Background()
	require.NoError(t, rig.store.EnsureUser(ctx, "user-1"))
	older, err := rig.store.CreateConversation(ctx, "user-1", "Старый чат")
	require.NoError(t, err)
	newer, err := rig.store.CreateConversation(ctx, "user-1", "Свежий чат")
	require.NoError(t, err)
	_, err = rig.store.AppendMessage(ctx, newer.ID, chat.RoleUser, "Привет")
	require.NoError(t, err)
	require.NoError(t, rig.store.TouchConversation(ctx, newer.ID))

	rig.connect(t)

	require.Equal(t, newer.ID, rig.sess.ActiveConversationID())
	require.NotEqual(t, older.ID, rig.sess.ActiveConversationID())
	require.Empty(t, rig.recorder.byType(FrameNewConversation))

	loaded := rig.recorder.byType(FrameChatLoaded)
	require.Len(t, loaded, 1)
	payload := loaded[0].Payload.(ChatLoadedPayload)
	require.Equal(t, newer.ID, payload.ConvID)
	require.Len(t, payload.Messages, 1)
	require.Equal(t, "Привет", payload.Messages[0].Content)
}

func TestSubmitMessage_StreamsAndPersistsTurn(t *testing.T) {
	engine := &scriptEngine{deltas: []string{"Абай ", "Кунанбаев — ", "поэт."}}
	rig := newTestRig(t, engine, nil)
	rig.connect(t)
	convID := rig.sess.ActiveConversationID()

	require.NoError(t, rig.sess.SubmitMessage(context.Background(), convID, "Кто такой Абай?"))
	rig.waitTurn(t, convID, 2)

	msgs, err := rig.store.ListMessages(context.Background(), convID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, chat.RoleUser, msgs[0].Role)
	require.Equal(t, "Кто такой Абай?", msgs[0].Content)
	require.Equal(t, chat.RoleAssistant, msgs[1].Role)
	require.Equal(t, "Абай Кунанбаев — поэт.", msgs[1].Content)

	evs := streamEvents(rig.sink)
	require.Equal(t, []events.EventType{
		events.EventTypeStart,
		events.EventTypePartial,
		events.EventTypePartial,
		events.EventTypePartial,
		events.EventTypeFinal,
	}, eventTypes(evs))

	var rebuilt strings.Builder
	streamID := evs[0].Metadata().StreamID
	require.NotEmpty(t, streamID)
	for _, e := range evs {
		require.Equal(t, streamID, e.Metadata().StreamID)
		require.Equal(t, convID, e.Metadata().ConvID)
		if p, ok := e.(*events.EventPartial); ok {
			require.NotEmpty(t, p.Delta)
			rebuilt.WriteString(p.Delta)
		}
	}
	require.Equal(t, "Абай Кунанбаев — поэт.", rebuilt.String())
	require.Equal(t, "Абай Кунанбаев — поэт.", evs[len(evs)-1].(*events.EventFinal).Text)
}

func TestSubmitMessage_IgnoredWhileStreaming(t *testing.T) {
	gate := make(chan struct{})
	engine := &scriptEngine{deltas: []string{"думаю..."}, gate: gate}
	rig := newTestRig(t, engine, nil)
	rig.connect(t)
	convID := rig.sess.ActiveConversationID()
	ctx := context.Background()

	require.NoError(t, rig.sess.SubmitMessage(ctx, convID, "Первый вопрос?"))
	require.Eventually(t, func() bool { return rig.sess.State() == StateStreaming }, time.Second, 5*time.Millisecond)

	require.NoError(t, rig.sess.SubmitMessage(ctx, convID, "Второй вопрос, пока идёт первый?"))
	n, err := rig.store.CountMessages(ctx, convID)
	require.NoError(t, err)
	require.Equal(t, 1, n, "second submit must not persist while streaming")

	close(gate)
	rig.waitTurn(t, convID, 2)
	require.Equal(t, 1, engine.callCount())
}

func TestSubmitMessage_BackendFailureClosesStreamWithLocalizedError(t *testing.T) {
	engine := &scriptEngine{err: errors.New("backend down")}
	rig := newTestRig(t, engine, nil)
	rig.connect(t)
	convID := rig.sess.ActiveConversationID()

	require.NoError(t, rig.sess.SubmitMessage(context.Background(), convID, "Вопрос без ответа?"))
	rig.waitTurn(t, convID, 2)

	msgs, err := rig.store.ListMessages(context.Background(), convID)
	require.NoError(t, err)
	require.Len(t, msgs, 2, "user message stays durable on failure")
	require.Equal(t, "Вопрос без ответа?", msgs[0].Content)
	require.Equal(t, chat.ErrorReply(chat.LangRussian), msgs[1].Content)

	evs := streamEvents(rig.sink)
	require.Equal(t, []events.EventType{
		events.EventTypeStart,
		events.EventTypePartial,
		events.EventTypeFinal,
	}, eventTypes(evs))
	require.Equal(t, chat.ErrorReply(chat.LangRussian), evs[1].(*events.EventPartial).Delta)
	require.Equal(t, chat.ErrorReply(chat.LangRussian), evs[2].(*events.EventFinal).Text)
}

func TestSubmitMessage_EmptyReplyTreatedAsFailure(t *testing.T) {
	engine := &scriptEngine{reply: "   "}
	rig := newTestRig(t, engine, nil)
	rig.sess.SelectLanguage("kk")
	rig.connect(t)
	convID := rig.sess.ActiveConversationID()

	require.NoError(t, rig.sess.SubmitMessage(context.Background(), convID, "Абай туралы айтып бересің бе?"))
	rig.waitTurn(t, convID, 2)

	msgs, err := rig.store.ListMessages(context.Background(), convID)
	require.NoError(t, err)
	require.Equal(t, chat.ErrorReply(chat.LangKazakh), msgs[1].Content)
}

func TestSubmitMessage_IgnoresEmptyText(t *testing.T) {
	engine := &scriptEngine{}
	rig := newTestRig(t, engine, nil)
	rig.connect(t)

	require.NoError(t, rig.sess.SubmitMessage(context.Background(), rig.sess.ActiveConversationID(), "   \n\t"))
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 0, engine.callCount())
	require.Equal(t, StateAwaitingInput, rig.sess.State())
}

func TestSubmitMessage_IgnoredForNonActiveConversation(t *testing.T) {
	engine := &scriptEngine{deltas: []string{"ответ"}}
	rig := newTestRig(t, engine, nil)
	rig.connect(t)
	ctx := context.Background()
	active := rig.sess.ActiveConversationID()

	other, err := rig.store.CreateConversation(ctx, "user-1", "Другой чат")
	require.NoError(t, err)

	require.NoError(t, rig.sess.SubmitMessage(ctx, other.ID, "Вопрос мимо открытого чата?"))
	time.Sleep(50 * time.Millisecond)

	require.Equal(t, 0, engine.callCount())
	require.Equal(t, StateAwaitingInput, rig.sess.State())
	require.Equal(t, active, rig.sess.ActiveConversationID())
	for _, convID := range []string{active, other.ID} {
		n, err := rig.store.CountMessages(ctx, convID)
		require.NoError(t, err)
		require.Equal(t, 0, n)
	}
}

// appendFailStore simulates a store that can no longer write messages.
type appendFailStore struct {
	chat.Store
}

func (s *appendFailStore) AppendMessage(context.Context, string, chat.Role, string) (*chat.Message, error) {
	return nil, errors.New("disk full")
}

func TestSubmitMessage_PersistFailureStillClosesStream(t *testing.T) {
	dsn, err := chat.SQLiteDSNForFile(filepath.Join(t.TempDir(), "chat.db"))
	require.NoError(t, err)
	store, err := chat.NewSQLiteStore(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	pool, err := enrich.NewDefaultQuestionPool()
	require.NoError(t, err)
	engine := &scriptEngine{deltas: []string{"недостижимый ответ"}}
	sink := events.NewCollectorSink()
	sess := New(Config{
		ID:          "sess-fail",
		UserID:      "user-1",
		Store:       &appendFailStore{Store: store},
		Engine:      engine,
		Titles:      enrich.NewTitleGenerator(nil),
		Suggestions: enrich.NewSuggestionGenerator(nil, pool),
		Sink:        sink,
		Emitter:     &frameRecorder{},
		Language:    chat.LangRussian,
	})
	ctx := context.Background()
	require.NoError(t, sess.Connect(ctx))
	convID := sess.ActiveConversationID()

	require.NoError(t, sess.SubmitMessage(ctx, convID, "Вопрос, который не сохранится?"))

	// the failure path is synchronous: the turn closes over the stream
	// protocol without ever reaching the engine
	require.Equal(t, 0, engine.callCount())
	require.Equal(t, StateAwaitingInput, sess.State())

	errText := chat.ErrorReply(chat.LangRussian)
	evs := streamEvents(sink)
	require.Equal(t, []events.EventType{
		events.EventTypeStart,
		events.EventTypePartial,
		events.EventTypeFinal,
	}, eventTypes(evs))
	require.Equal(t, errText, evs[1].(*events.EventPartial).Delta)
	require.Equal(t, errText, evs[2].(*events.EventFinal).Text)

	// events carry the session's current stream id, so delivery is not
	// filtered as stale
	require.NotEmpty(t, sess.CurrentStreamID())
	for _, e := range evs {
		require.Equal(t, sess.CurrentStreamID(), e.Metadata().StreamID)
		require.Equal(t, convID, e.Metadata().ConvID)
	}

	n, err := store.CountMessages(ctx, convID)
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestSwitchConversation_MidStreamMakesOldStreamStale(t *testing.T) {
	gate := make(chan struct{})
	engine := &scriptEngine{deltas: []string{"долгий ответ"}, gate: gate}
	rig := newTestRig(t, engine, nil)
	rig.connect(t)
	ctx := context.Background()
	firstConv := rig.sess.ActiveConversationID()

	require.NoError(t, rig.sess.SubmitMessage(ctx, firstConv, "Медленный вопрос про Абая?"))
	require.Eventually(t, func() bool { return rig.sess.State() == StateStreaming }, time.Second, 5*time.Millisecond)
	oldStream := rig.sess.CurrentStreamID()
	require.NotEmpty(t, oldStream)

	require.NoError(t, rig.sess.NewConversation(ctx))
	secondConv := rig.sess.ActiveConversationID()
	require.NotEqual(t, firstConv, secondConv)
	require.Equal(t, StateAwaitingInput, rig.sess.State())
	require.NotEqual(t, oldStream, rig.sess.CurrentStreamID())

	close(gate)
	require.Eventually(t, func() bool {
		n, err := rig.store.CountMessages(ctx, firstConv)
		return err == nil && n == 2
	}, 5*time.Second, 10*time.Millisecond)

	// the finished stream still carries its original id, so any forwarder
	// comparing against the session's current id drops it
	evs := streamEvents(rig.sink)
	final := evs[len(evs)-1].(*events.EventFinal)
	require.Equal(t, oldStream, final.Metadata().StreamID)
	require.NotEqual(t, rig.sess.CurrentStreamID(), final.Metadata().StreamID)
	require.Equal(t, StateAwaitingInput, rig.sess.State())
}

func TestSwitchConversation_UnknownIDSelfHeals(t *testing.T) {
	rig := newTestRig(t, &scriptEngine{}, nil)
	rig.connect(t)
	home := rig.sess.ActiveConversationID()

	require.NoError(t, rig.sess.SwitchConversation(context.Background(), "no-such-conversation"))

	invalid := rig.recorder.byType(FrameConversationInvalid)
	require.Len(t, invalid, 1)
	require.Equal(t, chat.InvalidConversationReason(chat.LangRussian), invalid[0].Payload.(ReasonPayload).Reason)
	require.Equal(t, home, rig.sess.ActiveConversationID())
	require.Equal(t, StateAwaitingInput, rig.sess.State())
}

func TestDeleteConversation_LastOneIsRejected(t *testing.T) {
	rig := newTestRig(t, &scriptEngine{}, nil)
	rig.connect(t)
	ctx := context.Background()
	convID := rig.sess.ActiveConversationID()

	require.NoError(t, rig.sess.DeleteConversation(ctx, convID))

	rejected := rig.recorder.byType(FrameDeleteRejected)
	require.Len(t, rejected, 1)
	require.Equal(t, chat.LastConversationReason(chat.LangRussian), rejected[0].Payload.(ReasonPayload).Reason)
	require.Empty(t, rig.recorder.byType(FrameConversationDeleted))

	_, err := rig.store.GetConversation(ctx, convID)
	require.NoError(t, err)
	require.Equal(t, convID, rig.sess.ActiveConversationID())
}

func TestDeleteConversation_ActiveFallsBackToMostRecent(t *testing.T) {
	rig := newTestRig(t, &scriptEngine{}, nil)
	rig.connect(t)
	ctx := context.Background()
	first := rig.sess.ActiveConversationID()

	require.NoError(t, rig.sess.NewConversation(ctx))
	second := rig.sess.ActiveConversationID()
	require.NotEqual(t, first, second)

	require.NoError(t, rig.sess.DeleteConversation(ctx, second))

	deleted := rig.recorder.byType(FrameConversationDeleted)
	require.Len(t, deleted, 1)
	require.Equal(t, second, deleted[0].Payload.(ConversationDeletedPayload).ConvID)
	require.Equal(t, first, rig.sess.ActiveConversationID())
	require.Equal(t, StateAwaitingInput, rig.sess.State())

	_, err := rig.store.GetConversation(ctx, second)
	require.ErrorIs(t, err, chat.ErrConversationNotFound)
}

func TestRenameConversation_UpdatesSidebar(t *testing.T) {
	rig := newTestRig(t, &scriptEngine{}, nil)
	rig.connect(t)
	ctx := context.Background()
	convID := rig.sess.ActiveConversationID()

	before := len(rig.recorder.byType(FrameConversationsList))
	require.NoError(t, rig.sess.RenameConversation(ctx, convID, "  Абай и его эпоха  "))

	conv, err := rig.store.GetConversation(ctx, convID)
	require.NoError(t, err)
	require.Equal(t, "Абай и его эпоха", conv.Title)

	lists := rig.recorder.byType(FrameConversationsList)
	require.Len(t, lists, before+1)
	require.Equal(t, "Абай и его эпоха", lists[len(lists)-1].Payload.(ConversationsListPayload).Conversations[0].Title)
}

func TestTitle_GeneratedExactlyOnceOnFirstTurn(t *testing.T) {
	var titleCalls int
	var titleMu sync.Mutex
	titles := enrich.NewTitleGenerator(completerFunc(func(context.Context, string, string) (string, error) {
		titleMu.Lock()
		titleCalls++
		titleMu.Unlock()
		return "Жизнь и стихи Абая", nil
	}))

	engine := &scriptEngine{deltas: []string{"ответ про Абая"}}
	rig := newTestRig(t, engine, titles)
	rig.connect(t)
	ctx := context.Background()
	convID := rig.sess.ActiveConversationID()

	require.NoError(t, rig.sess.SubmitMessage(ctx, convID, "Расскажи о жизни Абая?"))
	rig.waitTurn(t, convID, 2)
	require.Eventually(t, func() bool {
		conv, err := rig.store.GetConversation(ctx, convID)
		return err == nil && conv.Title == "Жизнь и стихи Абая"
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, rig.sess.SubmitMessage(ctx, convID, "А что он писал о дружбе?"))
	rig.waitTurn(t, convID, 4)
	require.Eventually(t, func() bool {
		qs, err := rig.store.LoadSuggestions(ctx, convID)
		return err == nil && len(qs) == chat.SuggestionCount
	}, 5*time.Second, 10*time.Millisecond)

	titleMu.Lock()
	defer titleMu.Unlock()
	require.Equal(t, 1, titleCalls, "title generation runs only for the first turn")

	countTitleEvents := func() int {
		n := 0
		for _, e := range rig.sink.Events() {
			if e.Type() == events.EventTypeTitle {
				require.Equal(t, "Жизнь и стихи Абая", e.(*events.EventTitle).Title)
				n++
			}
		}
		return n
	}
	require.Eventually(t, func() bool { return countTitleEvents() >= 1 }, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, 1, countTitleEvents())
}

func TestSuggestions_CachedAfterEveryTurnWithFourQuestions(t *testing.T) {
	engine := &scriptEngine{deltas: []string{"ответ"}}
	rig := newTestRig(t, engine, nil)
	rig.connect(t)
	ctx := context.Background()
	convID := rig.sess.ActiveConversationID()

	require.NoError(t, rig.sess.SubmitMessage(ctx, convID, "Какие стихи написал Абай?"))
	rig.waitTurn(t, convID, 2)

	require.Eventually(t, func() bool {
		qs, err := rig.store.LoadSuggestions(ctx, convID)
		return err == nil && len(qs) == chat.SuggestionCount
	}, 5*time.Second, 10*time.Millisecond)

	var suggested *events.EventSuggestions
	require.Eventually(t, func() bool {
		for _, e := range rig.sink.Events() {
			if s, ok := e.(*events.EventSuggestions); ok {
				suggested = s
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)
	require.Len(t, suggested.Questions, chat.SuggestionCount)
	require.Equal(t, convID, suggested.Metadata().ConvID)
}

func TestActivate_ReplaysCachedSuggestions(t *testing.T) {
	rig := newTestRig(t, &scriptEngine{}, nil)
	rig.connect(t)
	ctx := context.Background()
	convID := rig.sess.ActiveConversationID()

	_, err := rig.store.AppendMessage(ctx, convID, chat.RoleUser, "Привет")
	require.NoError(t, err)
	cached := []string{
		"Что Абай писал о воспитании?",
		"Какие песни сочинил Абай?",
		"Чем известны «Слова назидания»?",
		"Как Абай относился к науке?",
	}
	require.NoError(t, rig.store.SaveSuggestions(ctx, convID, cached))

	require.NoError(t, rig.sess.SwitchConversation(ctx, convID))

	frames := rig.recorder.byType(FrameSuggestions)
	require.NotEmpty(t, frames)
	last := frames[len(frames)-1].Payload.(SuggestionsPayload)
	require.Equal(t, convID, last.ConvID)
	require.Equal(t, cached, last.Questions)
}

func TestSelectLanguage_UnknownCodeIgnored(t *testing.T) {
	rig := newTestRig(t, &scriptEngine{}, nil)
	require.Equal(t, chat.LangRussian, rig.sess.Language())

	rig.sess.SelectLanguage("kk")
	require.Equal(t, chat.LangKazakh, rig.sess.Language())

	rig.sess.SelectLanguage("zz")
	require.Equal(t, chat.LangKazakh, rig.sess.Language())
}
