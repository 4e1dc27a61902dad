package ws

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/ModuleRuntime/backend/internal/shared/id"
)

// Notice kinds streamed to watchers
const (
	NoticeState  = "state"
	NoticeReady  = "ready"
	NoticeError  = "error"
	NoticeResize = "resize"
	NoticeUI     = "ui"
)

// Notice is one session event forwarded to the page embedding the module
type Notice struct {
	Kind      string `json:"kind"`
	SessionID string `json:"sessionId"`
	Data      any    `json:"data,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

const watcherBuffer = 32

type watcher struct {
	notices chan Notice
}

// Hub fans session notices out to websocket watchers. Publishing never
// blocks: a watcher that falls behind loses notices.
type Hub struct {
	mu       sync.RWMutex
	watchers map[id.SessionID]map[*watcher]struct{}
	upgrader websocket.Upgrader
	log      *zap.Logger
}

// NewHub creates an empty hub
func NewHub(log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		watchers: make(map[id.SessionID]map[*watcher]struct{}),
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		log:      log.Named("watch"),
	}
}

// Publish delivers a notice to the session's watchers
func (h *Hub) Publish(sessionID id.SessionID, kind string, data any) {
	n := Notice{Kind: kind, SessionID: sessionID.String(), Data: data, Timestamp: time.Now().UnixMilli()}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for w := range h.watchers[sessionID] {
		select {
		case w.notices <- n:
		default:
			h.log.Debug("Dropped notice for slow watcher", zap.String("session_id", n.SessionID))
		}
	}
}

// Watchers returns the number of watchers of a session
func (h *Hub) Watchers(sessionID id.SessionID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.watchers[sessionID])
}

func (h *Hub) add(sessionID id.SessionID) *watcher {
	w := &watcher{notices: make(chan Notice, watcherBuffer)}
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.watchers[sessionID]
	if !ok {
		set = make(map[*watcher]struct{})
		h.watchers[sessionID] = set
	}
	set[w] = struct{}{}
	return w
}

func (h *Hub) remove(sessionID id.SessionID, w *watcher) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.watchers[sessionID], w)
	if len(h.watchers[sessionID]) == 0 {
		delete(h.watchers, sessionID)
	}
}

// Serve upgrades the request and streams the session's notices until the
// client disconnects. The caller checks the session exists.
func (h *Hub) Serve(c *gin.Context, sessionID id.SessionID) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	w := h.add(sessionID)
	defer h.remove(sessionID, w)

	// the read loop only notices the client going away
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()
	for {
		select {
		case n := <-w.notices:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(n); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-gone:
			return
		case <-c.Request.Context().Done():
			return
		}
	}
}
