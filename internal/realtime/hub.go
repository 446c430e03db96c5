// Package realtime pushes committed task and escrow events to connected
// clients over WebSocket. Delivery is scoped to the task's parties; a
// client never sees events for tasks it is not on.
package realtime

import (
	"log"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hustlexp/backend/internal/events"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second // must be < pongWait
	writeWait  = 10 * time.Second
	maxMsgSize = 4 * 1024
	sendBuffer = 64
)

// Session is one connected client device. All writes to the connection
// go through the send channel and writePump; readPump only consumes
// pongs and close frames.
type Session struct {
	hub    *Hub
	UserID string
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
	once   sync.Once
}

// Hub tracks open sessions per user. A user may hold several sessions
// (phone and web at once); delivery goes to all of them.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string][]*Session
	upgrader websocket.Upgrader
	logger   *log.Logger
}

func NewHub() *Hub {
	return &Hub{
		sessions: make(map[string][]*Session),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     buildCheckOrigin(),
		},
		logger: log.New(log.Writer(), "[REALTIME] ", log.LstdFlags),
	}
}

// buildCheckOrigin validates origins against HX_ALLOWED_ORIGINS in
// production and allows everything elsewhere.
func buildCheckOrigin() func(r *http.Request) bool {
	env := os.Getenv("HX_ENV")
	allowedRaw := os.Getenv("HX_ALLOWED_ORIGINS")

	if env == "production" && allowedRaw != "" {
		allowed := make(map[string]bool)
		for _, origin := range strings.Split(allowedRaw, ",") {
			allowed[strings.TrimSpace(origin)] = true
		}
		return func(r *http.Request) bool {
			return allowed[r.Header.Get("Origin")]
		}
	}
	return func(r *http.Request) bool { return true }
}

// HandleWebSocket upgrades the request and registers a session for the
// authenticated user. Identity arrives from the auth middleware in the
// X-User-ID header; an unauthenticated request never reaches here.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get("X-User-ID")
	if userID == "" {
		http.Error(w, "missing identity", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Printf("upgrade failed for %s: %v", userID, err)
		return
	}

	s := &Session{
		hub:    h,
		UserID: userID,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
	}
	h.register(s)

	go s.writePump()
	go s.readPump()
}

func (h *Hub) register(s *Session) {
	h.mu.Lock()
	h.sessions[s.UserID] = append(h.sessions[s.UserID], s)
	n := len(h.sessions[s.UserID])
	h.mu.Unlock()
	h.logger.Printf("session opened for %s (%d active)", s.UserID, n)
}

func (h *Hub) unregister(s *Session) {
	h.mu.Lock()
	subs := h.sessions[s.UserID]
	filtered := subs[:0]
	for _, other := range subs {
		if other != s {
			filtered = append(filtered, other)
		}
	}
	if len(filtered) == 0 {
		delete(h.sessions, s.UserID)
	} else {
		h.sessions[s.UserID] = filtered
	}
	h.mu.Unlock()
}

// Deliver pushes an event to every open session of the named recipients.
// A session whose buffer is full is closed; the client reconnects and
// resyncs rather than receiving a gapped stream.
func (h *Hub) Deliver(event *events.CloudEvent, recipients ...string) {
	payload, err := event.JSON()
	if err != nil {
		h.logger.Printf("marshal event %s: %v", event.ID, err)
		return
	}

	h.mu.RLock()
	var stale []*Session
	for _, userID := range recipients {
		for _, s := range h.sessions[userID] {
			select {
			case s.send <- payload:
			default:
				stale = append(stale, s)
			}
		}
	}
	h.mu.RUnlock()

	for _, s := range stale {
		h.logger.Printf("session for %s fell behind, closing", s.UserID)
		s.close()
	}
}

// Connected reports how many sessions a user has open.
func (h *Hub) Connected(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[userID])
}

func (s *Session) close() {
	s.once.Do(func() {
		close(s.done)
		s.hub.unregister(s)
		s.conn.Close()
	})
}

// writePump owns all writes: outbound events, pings, and the close frame.
func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.close()
	}()

	for {
		select {
		case payload := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.done:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			s.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// readPump consumes pongs and detects the client going away. Inbound
// frames are ignored; the stream is one-way.
func (s *Session) readPump() {
	defer s.close()

	s.conn.SetReadLimit(maxMsgSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			return
		}
	}
}
