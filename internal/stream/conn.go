package stream

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Conn is one established duplex connection to the stream server.
type Conn interface {
	// Send transmits one message. A failed send is not retried here; the
	// transport reports the failure through HandleClosed and recovery
	// happens on reconnect.
	Send(data []byte) error

	// Close tears the connection down. HandleClosed still fires.
	Close() error
}

// Transport establishes connections on behalf of the engine. Dial returns
// immediately; connection lifecycle is reported through the handler from a
// transport-owned goroutine.
type Transport interface {
	Dial(ctx context.Context, h TransportHandler)
}

// TransportHandler receives connection lifecycle events. All methods may be
// called from any goroutine.
type TransportHandler interface {
	// HandleOpen reports a successfully established connection.
	HandleOpen(c Conn)

	// HandleMessage reports one inbound message, in receipt order.
	HandleMessage(data []byte)

	// HandleClosed reports that the connection is gone, whether the dial
	// failed, the peer hung up, or Close was called. Terminal per dial.
	HandleClosed(err error)
}

// DefaultBackoff is the reconnect schedule: the Nth consecutive disconnect
// waits the Nth entry before redialing, and running past the end is fatal.
var DefaultBackoff = []time.Duration{
	0,
	1 * time.Second,
	2 * time.Second,
	4 * time.Second,
	8 * time.Second,
	10 * time.Second,
	10 * time.Second,
	10 * time.Second,
	15 * time.Second,
}

type connPhase int

const (
	phaseAbsent connPhase = iota
	phaseConnecting
	phaseOpen
	phaseClosing
	phaseBackoff
)

// connHandler forwards transport events into the engine loop, tagged with
// the dial generation so events from an abandoned dial are ignored.
type connHandler struct {
	e   *Engine
	gen int
}

func (h connHandler) HandleOpen(c Conn) {
	h.e.post(openEvent{gen: h.gen, conn: c})
}

func (h connHandler) HandleMessage(data []byte) {
	h.e.post(messageEvent{gen: h.gen, data: data})
}

func (h connHandler) HandleClosed(err error) {
	h.e.post(closedEvent{gen: h.gen, err: err})
}

// handleClosed folds any transport error into the close path: void the
// outstanding send, then either finish shutdown, schedule the next backoff
// slot, or give up for good.
func (e *Engine) handleClosed(err error) error {
	e.conn = nil
	e.syncSent = ""

	if e.closing {
		e.phase = phaseAbsent
		return nil
	}

	if e.retries >= len(e.backoff) {
		e.phase = phaseAbsent
		e.logger.Error("giving up on reconnect",
			zap.Int("attempts", e.retries),
			zap.Error(err),
		)
		return ErrBackoffExhausted
	}

	delay := e.backoff[e.retries]
	e.retries++
	e.phase = phaseBackoff

	e.logger.Info("connection lost, reconnect scheduled",
		zap.Duration("delay", delay),
		zap.Int("attempt", e.retries),
		zap.Error(err),
	)

	gen := e.dialGen
	e.afterFunc(delay, func() {
		e.post(timerEvent{gen: gen})
	})
	return nil
}
