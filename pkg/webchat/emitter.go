package webchat

import (
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/go-go-golems/aqyn/pkg/session"
)

const sendQueueSize = 256

// queuedEmitter serializes all writes to one websocket connection through a
// single writer goroutine. Gorilla connections allow only one concurrent
// writer, while frames arrive from the read loop, the forwarder and
// background enrichment at once.
type queuedEmitter struct {
	conn   *websocket.Conn
	out    chan session.Frame
	done   chan struct{}
	closed sync.Once
	logger zerolog.Logger
}

var _ session.Emitter = &queuedEmitter{}

func newQueuedEmitter(conn *websocket.Conn, logger zerolog.Logger) *queuedEmitter {
	e := &queuedEmitter{
		conn:   conn,
		out:    make(chan session.Frame, sendQueueSize),
		done:   make(chan struct{}),
		logger: logger,
	}
	go e.writeLoop()
	return e
}

// Emit enqueues a frame for delivery. A slow client eventually fills the
// queue; further frames are dropped rather than blocking the pipeline.
func (e *queuedEmitter) Emit(f session.Frame) {
	select {
	case <-e.done:
	case e.out <- f:
	default:
		e.logger.Warn().Str("frame_type", f.Type).Msg("send queue full, dropping frame")
	}
}

func (e *queuedEmitter) writeLoop() {
	for {
		select {
		case <-e.done:
			return
		case f := <-e.out:
			if err := e.conn.WriteJSON(f); err != nil {
				e.logger.Debug().Err(err).Msg("websocket write failed, stopping writer")
				e.Close()
				return
			}
		}
	}
}

// Close stops the writer goroutine. Safe to call more than once.
func (e *queuedEmitter) Close() {
	e.closed.Do(func() { close(e.done) })
}
