// Package stream implements the client-side subscription synchronization
// engine: it keeps one logical subscription state in step with a server that
// streams incremental upserts and deletes, and recovers from disconnects
// without losing or duplicating updates.
package stream

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/dgnsrekt/streamsync/internal/keycache"
)

// Callbacks are invoked from the engine goroutine, in message order. They
// must not block for long; the engine makes no progress while one runs.
type Callbacks struct {
	// OnUpsert receives the whole message containing an upserted entity.
	OnUpsert func(msg Message)

	// OnDelete receives the group and the decoded deleted keys.
	OnDelete func(group string, keys []int64)

	// OnLoaded reports that the subscriptions carrying the given labels
	// have finished their initial backfill. Optional.
	OnLoaded func(labels []string)
}

// Config carries the engine knobs. The zero value is usable.
type Config struct {
	// Backoff overrides DefaultBackoff; mainly for tests.
	Backoff []time.Duration

	// Routes maps inbound entity field names to group names. Fields not
	// present route to the group of the same name.
	Routes map[string]string
}

type activeEntry struct {
	spec  Spec
	cache *keycache.Cache
}

// change is one queued subscription-change request.
type change struct {
	specs  map[string]Spec
	labels []string
}

type event interface{}

type (
	subscribeEvent struct{ ch change }
	closeEvent     struct{}
	openEvent      struct {
		gen  int
		conn Conn
	}
	closedEvent struct {
		gen int
		err error
	}
	messageEvent struct {
		gen  int
		data []byte
	}
	timerEvent struct{ gen int }
)

// Engine drives the subscription protocol. All state below the events
// channel is owned by the Run goroutine; external events are posted onto the
// channel and each one triggers a single advance pass.
type Engine struct {
	transport Transport
	cb        Callbacks
	backoff   []time.Duration
	routes    map[string]string
	logger    *zap.Logger

	events  chan event
	stopped chan struct{}

	// afterFunc schedules backoff timers; tests substitute it.
	afterFunc func(d time.Duration, f func())

	phase   connPhase
	conn    Conn
	dialGen int
	retries int
	closing bool

	inbound [][]byte
	queue   []change
	active  map[string]activeEntry

	nextSync       uint64
	syncSent       string
	syncStarted    string
	syncComplete   string
	inflightLabels []string
}

func New(transport Transport, cb Callbacks, cfg Config, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	backoff := cfg.Backoff
	if len(backoff) == 0 {
		backoff = DefaultBackoff
	}

	return &Engine{
		transport: transport,
		cb:        cb,
		backoff:   backoff,
		routes:    cfg.Routes,
		logger:    logger,
		events:    make(chan event, 64),
		stopped:   make(chan struct{}),
		afterFunc: func(d time.Duration, f func()) { time.AfterFunc(d, f) },
		active:    make(map[string]activeEntry),
	}
}

// Subscribe enqueues a subscription change for the given specs, at most one
// spec per group. The label, if non-empty, is echoed through OnLoaded once
// the change's initial backfill completes. Non-blocking.
func (e *Engine) Subscribe(label string, specs ...Spec) {
	ch := change{specs: make(map[string]Spec, len(specs))}
	if label != "" {
		ch.labels = []string{label}
	}
	for _, s := range specs {
		ch.specs[s.Group()] = s
	}
	e.post(subscribeEvent{ch: ch})
}

// Close requests a graceful shutdown. Idempotent and non-blocking; the next
// advance pass closes the connection and Run returns nil.
func (e *Engine) Close() {
	e.post(closeEvent{})
}

// post delivers an event to the Run goroutine, dropping it once Run has
// returned so late transport callbacks never block.
func (e *Engine) post(ev event) {
	select {
	case e.events <- ev:
	case <-e.stopped:
	}
}

// Run executes the engine loop until the context is canceled, Close
// completes, or a fatal fault occurs (exhausted backoff table, undecodable
// inbound message).
func (e *Engine) Run(ctx context.Context) error {
	defer close(e.stopped)
	defer func() {
		if e.conn != nil {
			e.conn.Close()
		}
	}()

	if err := e.advance(ctx); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-e.events:
			if err := e.handleEvent(ev); err != nil {
				return err
			}
			if err := e.advance(ctx); err != nil {
				return err
			}
			if e.closing && e.phase == phaseAbsent {
				e.logger.Info("engine closed")
				return nil
			}
		}
	}
}

// handleEvent applies one external event to the engine state. State machine
// work happens in the advance pass that follows.
func (e *Engine) handleEvent(ev event) error {
	switch ev := ev.(type) {
	case subscribeEvent:
		if e.closing {
			return nil
		}
		e.queue = append(e.queue, ev.ch)

	case closeEvent:
		e.closing = true

	case openEvent:
		if ev.gen != e.dialGen {
			ev.conn.Close()
			return nil
		}
		e.conn = ev.conn
		e.phase = phaseOpen
		e.retries = 0
		e.logger.Info("connected")

	case closedEvent:
		if ev.gen != e.dialGen {
			return nil
		}
		return e.handleClosed(ev.err)

	case timerEvent:
		if ev.gen != e.dialGen || e.phase != phaseBackoff {
			return nil
		}
		e.phase = phaseAbsent

	case messageEvent:
		if ev.gen != e.dialGen {
			return nil
		}
		e.inbound = append(e.inbound, ev.data)
	}
	return nil
}

// advance is the single driver of state transitions: ensure the connection
// is where it should be, drain pending messages, then work the subscription
// queue.
func (e *Engine) advance(ctx context.Context) error {
	if e.closing {
		switch e.phase {
		case phaseOpen, phaseClosing:
			e.phase = phaseClosing
			if e.conn != nil {
				e.conn.Close()
				e.conn = nil
			}
		case phaseConnecting, phaseBackoff:
			// Orphan the dial or the timer; their events are stale now.
			e.dialGen++
			e.phase = phaseAbsent
		}
		return nil
	}

	if e.phase == phaseAbsent {
		e.phase = phaseConnecting
		e.dialGen++
		e.logger.Debug("dialing", zap.Int("attempt", e.retries))
		e.transport.Dial(ctx, connHandler{e: e, gen: e.dialGen})
	}

	if err := e.processInbound(); err != nil {
		return err
	}
	e.processQueue()
	return nil
}
