package stream

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"
)

type fakeTransport struct {
	mu      sync.Mutex
	dials   int
	handler TransportHandler

	// onDial, when set, runs synchronously inside Dial.
	onDial func(h TransportHandler)
}

func (t *fakeTransport) Dial(ctx context.Context, h TransportHandler) {
	t.mu.Lock()
	t.dials++
	t.handler = h
	onDial := t.onDial
	t.mu.Unlock()

	if onDial != nil {
		onDial(h)
	}
}

func (t *fakeTransport) dialCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dials
}

type fakeConn struct {
	mu     sync.Mutex
	sent   [][]byte
	closed bool

	// onSend, when set, runs synchronously inside Send.
	onSend func(data []byte)
}

func (c *fakeConn) Send(data []byte) error {
	c.mu.Lock()
	c.sent = append(c.sent, data)
	onSend := c.onSend
	c.mu.Unlock()

	if onSend != nil {
		onSend(data)
	}
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) sentCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

type deleteCall struct {
	group string
	keys  []int64
}

// harness drives the engine state machine one event at a time, the same
// sequence Run performs, but synchronously for deterministic assertions.
type harness struct {
	t    *testing.T
	e    *Engine
	tr   *fakeTransport
	conn *fakeConn

	upserts []Message
	deletes []deleteCall
	loaded  [][]string
	delays  []time.Duration
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()

	h := &harness{t: t, tr: &fakeTransport{}}
	cb := Callbacks{
		OnUpsert: func(msg Message) { h.upserts = append(h.upserts, msg) },
		OnDelete: func(group string, keys []int64) {
			h.deletes = append(h.deletes, deleteCall{group: group, keys: keys})
		},
		OnLoaded: func(labels []string) { h.loaded = append(h.loaded, labels) },
	}
	h.e = New(h.tr, cb, cfg, nil)
	h.e.afterFunc = func(d time.Duration, f func()) {
		h.delays = append(h.delays, d)
	}
	return h
}

// start runs the initial advance (which dials) and completes the open.
func (h *harness) start() {
	h.t.Helper()
	if err := h.e.advance(context.Background()); err != nil {
		h.t.Fatalf("initial advance: %v", err)
	}
	h.open()
}

func (h *harness) open() {
	h.t.Helper()
	h.conn = &fakeConn{}
	h.step(openEvent{gen: h.e.dialGen, conn: h.conn})
}

func (h *harness) step(ev event) {
	h.t.Helper()
	if err := h.stepErr(ev); err != nil {
		h.t.Fatalf("step %T: %v", ev, err)
	}
}

func (h *harness) stepErr(ev event) error {
	if err := h.e.handleEvent(ev); err != nil {
		return err
	}
	return h.e.advance(context.Background())
}

func (h *harness) subscribe(label string, specs ...Spec) {
	h.t.Helper()
	ch := change{specs: make(map[string]Spec, len(specs))}
	if label != "" {
		ch.labels = []string{label}
	}
	for _, s := range specs {
		ch.specs[s.Group()] = s
	}
	h.step(subscribeEvent{ch: ch})
}

func (h *harness) deliver(msg string) {
	h.t.Helper()
	h.step(messageEvent{gen: h.e.dialGen, data: []byte(msg)})
}

func (h *harness) lastSent() subscribePayload {
	h.t.Helper()
	h.conn.mu.Lock()
	defer h.conn.mu.Unlock()
	if len(h.conn.sent) == 0 {
		h.t.Fatal("nothing sent")
	}
	var p subscribePayload
	if err := json.Unmarshal(h.conn.sent[len(h.conn.sent)-1], &p); err != nil {
		h.t.Fatalf("unmarshal sent payload: %v", err)
	}
	return p
}

func trialsSpec(filter map[string]any) CollectionSpec {
	return CollectionSpec{Collection: "trials", Filter: filter}
}
