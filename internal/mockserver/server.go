package mockserver

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/dgnsrekt/streamsync/internal/keycache"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512 * 1024
	sendBufferSize = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true }, // dev server
}

type Config struct {
	// ReplayRate throttles catch-up replay, in messages per second per
	// session. Zero means unlimited.
	ReplayRate float64
}

// Server speaks the server half of the subscription protocol.
type Server struct {
	store  *Store
	cfg    Config
	logger *zap.Logger

	mu       sync.Mutex
	sessions map[*session]struct{}
}

func New(store *Store, cfg Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		store:    store,
		cfg:      cfg,
		logger:   logger,
		sessions: make(map[*session]struct{}),
	}
}

// Router returns the HTTP surface: health, stats, and the stream endpoint.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Get("/status", s.handleStatus)
	r.Get("/stream", s.handleStream)
	return r
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	sessions := len(s.sessions)
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"sessions": sessions,
		"groups":   s.store.Stats(),
	})
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", zap.Error(err))
		return
	}

	sess := &session{
		id:     uuid.New().String(),
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
		groups: make(map[string]bool),
		logger: s.logger,
	}

	s.mu.Lock()
	s.sessions[sess] = struct{}{}
	s.mu.Unlock()

	s.logger.Info("session connected",
		zap.String("session", sess.id),
		zap.String("remote_addr", r.RemoteAddr),
	)

	go sess.writePump()
	s.readPump(r, sess)

	s.mu.Lock()
	delete(s.sessions, sess)
	s.mu.Unlock()
	sess.shutdown()

	s.logger.Info("session disconnected", zap.String("session", sess.id))
}

// subscribeRequest is the client-to-server subscription envelope.
type subscribeRequest struct {
	SyncID    string                     `json:"sync_id"`
	Known     map[string]string          `json:"known"`
	Subscribe map[string]json.RawMessage `json:"subscribe"`
}

// subscribeSpec is the slice of a spec's wire form the server needs.
type subscribeSpec struct {
	Since int64 `json:"since"`
}

func (s *Server) readPump(r *http.Request, sess *session) {
	defer sess.conn.Close()

	sess.conn.SetReadLimit(maxMessageSize)
	sess.conn.SetReadDeadline(time.Now().Add(pongWait))
	sess.conn.SetPongHandler(func(string) error {
		sess.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	var limiter *rate.Limiter
	if s.cfg.ReplayRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(s.cfg.ReplayRate), 1)
	}

	for {
		_, data, err := sess.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				sess.logger.Debug("read error",
					zap.String("session", sess.id),
					zap.Error(err),
				)
			}
			return
		}

		var req subscribeRequest
		if err := json.Unmarshal(data, &req); err != nil {
			sess.logger.Warn("bad subscription payload",
				zap.String("session", sess.id),
				zap.Error(err),
			)
			return
		}
		if err := s.serveCatchUp(r, sess, &req, limiter); err != nil {
			return
		}
	}
}

// serveCatchUp answers one subscription: start marker, per-group deltas
// against the client's cursors, complete marker. The subscription replaces
// the session's previous one.
func (s *Server) serveCatchUp(r *http.Request, sess *session, req *subscribeRequest, limiter *rate.Limiter) error {
	groups := make(map[string]bool, len(req.Subscribe))
	for group := range req.Subscribe {
		groups[group] = true
	}
	sess.setGroups(groups)

	sess.enqueue(marker(req.SyncID, false))

	for group, rawSpec := range req.Subscribe {
		var spec subscribeSpec
		if err := json.Unmarshal(rawSpec, &spec); err != nil {
			sess.logger.Warn("bad spec",
				zap.String("session", sess.id),
				zap.String("group", group),
				zap.Error(err),
			)
			continue
		}
		known, err := keycache.DecodeKeys(req.Known[group])
		if err != nil {
			sess.logger.Warn("bad known-key set",
				zap.String("session", sess.id),
				zap.String("group", group),
				zap.Error(err),
			)
			continue
		}

		upserts, deleted := s.store.Since(group, spec.Since, known)
		if len(deleted) > 0 {
			msg, _ := json.Marshal(map[string]string{
				group + "_deleted": keycache.EncodeKeys(deleted),
			})
			sess.enqueue(msg)
		}
		for _, body := range upserts {
			if limiter != nil {
				if err := limiter.Wait(r.Context()); err != nil {
					return err
				}
			}
			msg, _ := json.Marshal(map[string]json.RawMessage{group: body})
			sess.enqueue(msg)
		}

		sess.logger.Debug("catch-up served",
			zap.String("session", sess.id),
			zap.String("group", group),
			zap.String("sync_id", req.SyncID),
			zap.Int("upserts", len(upserts)),
			zap.Int("deleted", len(deleted)),
		)
	}

	sess.enqueue(marker(req.SyncID, true))
	return nil
}

// Publish stores the entity and broadcasts it to subscribed sessions.
func (s *Server) Publish(group string, id int64, fields map[string]any) {
	body := s.store.Upsert(group, id, fields)
	msg, _ := json.Marshal(map[string]json.RawMessage{group: body})
	s.broadcast(group, msg)
}

// Remove tombstones the ids and broadcasts the deletion.
func (s *Server) Remove(group string, ids []int64) {
	s.store.Delete(group, ids)
	msg, _ := json.Marshal(map[string]string{
		group + "_deleted": keycache.EncodeKeys(ids),
	})
	s.broadcast(group, msg)
}

func (s *Server) broadcast(group string, data []byte) {
	s.mu.Lock()
	sessions := make([]*session, 0, len(s.sessions))
	for sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		if !sess.subscribed(group) {
			continue
		}
		sess.enqueue(data)
	}
}

func marker(syncID string, complete bool) []byte {
	msg, _ := json.Marshal(map[string]any{
		"sync_id":  syncID,
		"complete": complete,
	})
	return msg
}
