package mockserver

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// session is one connected client. Writes are serialized through the send
// channel and writePump.
type session struct {
	id     string
	conn   *websocket.Conn
	send   chan []byte
	logger *zap.Logger

	mu     sync.Mutex
	groups map[string]bool
	closed bool
}

// shutdown stops accepting messages and releases the write pump.
func (sess *session) shutdown() {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.closed {
		return
	}
	sess.closed = true
	close(sess.send)
}

func (sess *session) setGroups(groups map[string]bool) {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.groups = groups
}

func (sess *session) subscribed(group string) bool {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.groups[group]
}

// enqueue hands a message to the write pump, dropping it if the session is
// too far behind.
func (sess *session) enqueue(data []byte) {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.closed {
		return
	}
	select {
	case sess.send <- data:
	default:
		sess.logger.Warn("session send buffer full, dropping message",
			zap.String("session", sess.id),
		)
	}
}

func (sess *session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		sess.conn.Close()
	}()

	for {
		select {
		case message, ok := <-sess.send:
			sess.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				sess.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := sess.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				sess.logger.Debug("write error",
					zap.String("session", sess.id),
					zap.Error(err),
				)
				return
			}

		case <-ticker.C:
			sess.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := sess.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
