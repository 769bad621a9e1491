package server

import (
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// pushChannel wraps one WebSocket connection attached to a session.
// A dedicated writer goroutine owns all writes, so outbound messages
// leave in exactly the order they were enqueued and callers never block
// on network I/O.
type pushChannel struct {
	conn    *websocket.Conn
	session *Session

	out    chan pushMessage
	done   chan struct{}
	closed atomic.Bool

	// closeOnce guards conn teardown; close may be reached from the
	// reader, the writer, and a replacing Attach concurrently.
	closeOnce sync.Once

	config *SessionConfig
	logger *slog.Logger
}

func newPushChannel(conn *websocket.Conn, session *Session, config *SessionConfig, logger *slog.Logger) *pushChannel {
	queue := config.MaxSendQueue
	if queue <= 0 {
		queue = 256
	}
	return &pushChannel{
		conn:    conn,
		session: session,
		out:     make(chan pushMessage, queue),
		done:    make(chan struct{}),
		config:  config,
		logger:  logger.With("component", "push_channel"),
	}
}

// start launches the read and write loops.
func (ch *pushChannel) start() {
	go ch.readLoop()
	go ch.writeLoop()
}

// enqueue adds a message to the ordered write queue. Returns false when
// the channel is closed or the queue is full (slow consumer).
func (ch *pushChannel) enqueue(msg pushMessage) bool {
	if ch.closed.Load() {
		return false
	}
	select {
	case ch.out <- msg:
		return true
	default:
		return false
	}
}

// readLoop continuously reads control messages from the client: an
// invalid-target report carries a target id, a reload acknowledgment
// carries nothing. It blocks until the connection closes or errors.
func (ch *pushChannel) readLoop() {
	defer ch.close()

	ch.conn.SetReadLimit(ch.config.MaxMessageSize)

	for {
		ch.conn.SetReadDeadline(time.Now().Add(ch.config.ReadTimeout))

		_, data, err := ch.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				ch.logger.Error("read error", "error", err)
			}
			return
		}

		var msg inboundMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			ch.logger.Warn("inbound decode error", "error", err)
			continue
		}

		ch.session.handleInbound(msg)
	}
}

// writeLoop drains the outbound queue and sends periodic heartbeat
// pings. It exits when the channel closes.
func (ch *pushChannel) writeLoop() {
	ticker := time.NewTicker(ch.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case msg := <-ch.out:
			if err := ch.write(msg); err != nil {
				ch.logger.Debug("write error", "error", err)
				ch.close()
				return
			}

		case <-ticker.C:
			ch.conn.SetWriteDeadline(time.Now().Add(ch.config.WriteTimeout))
			if err := ch.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				ch.close()
				return
			}

		case <-ch.done:
			return
		}
	}
}

func (ch *pushChannel) write(msg pushMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	ch.conn.SetWriteDeadline(time.Now().Add(ch.config.WriteTimeout))
	return ch.conn.WriteMessage(websocket.TextMessage, data)
}

// close tears down the connection and clears the session's channel slot
// if this channel still occupies it. No target cancellations fire here:
// a dropped transport says nothing about DOM state.
func (ch *pushChannel) close() {
	ch.closeOnce.Do(func() {
		ch.closed.Store(true)
		close(ch.done)
		ch.conn.Close()
		ch.session.detachChannel(ch)
	})
}
