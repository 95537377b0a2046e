package hub

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"proctorhub/internal/websocket"
	"proctorhub/pkg/interfaces"
)

// Hub fans broadcast frames out to exam rooms and individual users.
// Delivery is fire-and-forget: a slow or full connection drops the
// frame, it never back-pressures the detection pipeline.
type Hub struct {
	registry *websocket.Registry
	logger   *slog.Logger

	delivered atomic.Int64
	dropped   atomic.Int64

	running bool
	mu      sync.RWMutex
}

// frame is the wire shape of every outbound broadcast.
type frame struct {
	Event     string                 `json:"event"`
	Payload   map[string]interface{} `json:"payload"`
	Timestamp time.Time              `json:"timestamp"`
}

func NewHub(registry *websocket.Registry, logger *slog.Logger) *Hub {
	return &Hub{
		registry: registry,
		logger:   logger,
	}
}

func (h *Hub) Start() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.running {
		return ErrHubAlreadyRunning
	}
	h.running = true
	h.logger.Info("broadcast hub started")
	return nil
}

func (h *Hub) Stop() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.running {
		return ErrHubNotRunning
	}
	h.running = false
	h.logger.Info("broadcast hub stopped",
		"delivered", h.delivered.Load(),
		"dropped", h.dropped.Load())
	return nil
}

func (h *Hub) isRunning() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.running
}

// PublishToExam delivers a named event to every connection in the exam
// room. Frames that cannot be queued are dropped and counted.
func (h *Hub) PublishToExam(examID, event string, payload map[string]interface{}) {
	if !h.isRunning() {
		return
	}

	msg := frame{Event: event, Payload: payload, Timestamp: time.Now().UTC()}
	for _, conn := range h.registry.GetRoomConnections(examID) {
		if conn.TrySend(msg) {
			h.delivered.Add(1)
		} else {
			h.dropped.Add(1)
			h.logger.Warn("broadcast frame dropped",
				"exam_id", examID, "event", event, "user_id", conn.GetUserID())
		}
	}
}

// PublishToUser delivers a named event to a single user. Returns false
// when the user has no connection or the frame was dropped.
func (h *Hub) PublishToUser(userID, event string, payload map[string]interface{}) bool {
	if !h.isRunning() {
		return false
	}

	conn, ok := h.registry.GetUserConnection(userID)
	if !ok {
		return false
	}

	msg := frame{Event: event, Payload: payload, Timestamp: time.Now().UTC()}
	if !conn.TrySend(msg) {
		h.dropped.Add(1)
		h.logger.Warn("direct frame dropped", "user_id", userID, "event", event)
		return false
	}
	h.delivered.Add(1)
	return true
}

// GetStats reports delivery counters plus registry state for the
// health endpoint.
func (h *Hub) GetStats() map[string]int64 {
	stats := map[string]int64{
		"frames_delivered": h.delivered.Load(),
		"frames_dropped":   h.dropped.Load(),
	}
	for k, v := range h.registry.GetStats() {
		stats[k] = int64(v)
	}
	return stats
}

var _ interfaces.Publisher = (*Hub)(nil)
