package mockserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dgnsrekt/streamsync/internal/stream"
	"github.com/dgnsrekt/streamsync/internal/transport"
)

// TestEngineAgainstServer runs the real engine over a real websocket against
// the mock server: catch-up, live upsert, live delete.
func TestEngineAgainstServer(t *testing.T) {
	store := NewStore()
	store.Upsert("trials", 1, map[string]any{"state": "running"})
	store.Upsert("trials", 2, map[string]any{"state": "done"})

	srv := New(store, Config{}, nil)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/stream"
	ws := transport.NewWebSocket(url, time.Second, nil)

	upserts := make(chan stream.Message, 16)
	deletes := make(chan []int64, 16)
	loaded := make(chan []string, 4)
	cb := stream.Callbacks{
		OnUpsert: func(msg stream.Message) { upserts <- msg },
		OnDelete: func(group string, keys []int64) {
			if group != "trials" {
				t.Errorf("delete for group %q", group)
			}
			deletes <- keys
		},
		OnLoaded: func(labels []string) { loaded <- labels },
	}

	e := stream.New(ws, cb, stream.Config{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- e.Run(ctx) }()

	e.Subscribe("boot", stream.CollectionSpec{Collection: "trials"})

	// Catch-up: both stored entities, then the loaded resolution.
	for i := 0; i < 2; i++ {
		msg := waitMessage(t, upserts)
		var rec struct {
			ID  int64 `json:"id"`
			Seq int64 `json:"seq"`
		}
		if err := json.Unmarshal(msg["trials"], &rec); err != nil {
			t.Fatalf("catch-up message %d: %v", i, err)
		}
		if rec.Seq != int64(i+1) {
			t.Errorf("catch-up out of order: seq %d at position %d", rec.Seq, i)
		}
	}
	select {
	case labels := <-loaded:
		if !reflect.DeepEqual(labels, []string{"boot"}) {
			t.Errorf("loaded = %v, want [boot]", labels)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("loaded never fired")
	}

	// Live update and live delete flow through after catch-up.
	srv.Publish("trials", 3, map[string]any{"state": "running"})
	msg := waitMessage(t, upserts)
	if _, ok := msg["trials"]; !ok {
		t.Errorf("live update missing trials field: %v", msg)
	}

	srv.Remove("trials", []int64{1})
	select {
	case keys := <-deletes:
		if !reflect.DeepEqual(keys, []int64{1}) {
			t.Errorf("deleted keys = %v, want [1]", keys)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("delete never arrived")
	}

	cancel()
	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Errorf("Run returned %v", err)
	}
}

// TestServerReplaysOnlyDelta drives the wire protocol directly: a client
// whose cursors already cover the store receives only markers and the
// deletions of keys it still holds.
func TestServerReplaysOnlyDelta(t *testing.T) {
	store := NewStore()
	store.Upsert("trials", 1, map[string]any{"state": "running"}) // seq 1
	store.Upsert("trials", 2, map[string]any{"state": "done"})    // seq 2
	store.Delete("trials", []int64{2})                            // seq 3

	srv := New(store, Config{ReplayRate: 1000}, nil)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	// The client claims it saw everything through seq 2 and holds both keys.
	payload := `{"sync_id": "9", "known": {"trials": "1-2"},` +
		` "subscribe": {"trials": {"collection": "trials", "since": 2}}}`
	if err := conn.WriteMessage(websocket.TextMessage, []byte(payload)); err != nil {
		t.Fatal(err)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	want := []string{
		`{"complete":false,"sync_id":"9"}`,
		`{"trials_deleted":"2"}`,
		`{"complete":true,"sync_id":"9"}`,
	}
	for i, w := range want {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("reading message %d: %v", i, err)
		}
		if string(data) != w {
			t.Errorf("message %d = %s, want %s", i, data, w)
		}
	}
}

func waitMessage(t *testing.T, ch chan stream.Message) stream.Message {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal("message never arrived")
		return nil
	}
}
