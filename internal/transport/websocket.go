// Package transport provides the WebSocket implementation of the engine's
// duplex connection contract.
package transport

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/dgnsrekt/streamsync/internal/stream"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 512 * 1024 // 512KB

	defaultHandshakeTimeout = 10 * time.Second
)

// WebSocket dials one stream server URL. It implements stream.Transport.
type WebSocket struct {
	url    string
	logger *zap.Logger
	dialer *websocket.Dialer
}

func NewWebSocket(url string, handshakeTimeout time.Duration, logger *zap.Logger) *WebSocket {
	if logger == nil {
		logger = zap.NewNop()
	}
	if handshakeTimeout <= 0 {
		handshakeTimeout = defaultHandshakeTimeout
	}
	return &WebSocket{
		url:    url,
		logger: logger,
		dialer: &websocket.Dialer{
			HandshakeTimeout: handshakeTimeout,
		},
	}
}

// Dial connects and runs the read pump in a transport-owned goroutine.
// Lifecycle is reported through the handler; HandleClosed fires exactly once
// per Dial.
func (t *WebSocket) Dial(ctx context.Context, h stream.TransportHandler) {
	go func() {
		conn, _, err := t.dialer.DialContext(ctx, t.url, nil)
		if err != nil {
			t.logger.Debug("dial failed", zap.String("url", t.url), zap.Error(err))
			h.HandleClosed(err)
			return
		}

		wc := newWSConn(conn)
		go wc.pingLoop()
		h.HandleOpen(wc)

		conn.SetReadLimit(maxMessageSize)
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(pongWait))
			return nil
		})

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					t.logger.Debug("read error", zap.Error(err))
				}
				wc.shutdown()
				h.HandleClosed(err)
				return
			}
			h.HandleMessage(data)
		}
	}()
}

// wsConn serializes writes; Send, pings, and Close come from different
// goroutines.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
	done chan struct{}
	once sync.Once
}

func newWSConn(conn *websocket.Conn) *wsConn {
	return &wsConn{conn: conn, done: make(chan struct{})}
}

func (c *wsConn) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return c.conn.Close()
}

func (c *wsConn) shutdown() {
	c.once.Do(func() { close(c.done) })
}

func (c *wsConn) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.mu.Lock()
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := c.conn.WriteMessage(websocket.PingMessage, nil)
			c.mu.Unlock()
			if err != nil {
				return
			}
		}
	}
}
