package websocket

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"proctorhub/internal/config"
	"proctorhub/pkg/types"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// Origin checking is delegated to the deployment's proxy.
		return true
	},
	HandshakeTimeout: 10 * time.Second,
}

// Handler upgrades monitoring clients onto the registry. Validation
// runs before the upgrade so rejections arrive as plain HTTP errors.
type Handler struct {
	registry *Registry
	cfg      config.HubConfig
	logger   *slog.Logger
}

func NewHandler(registry *Registry, cfg config.HubConfig, logger *slog.Logger) *Handler {
	return &Handler{
		registry: registry,
		cfg:      cfg,
		logger:   logger,
	}
}

// clientCommand is the single inbound message shape: a request to
// switch the watched exam room.
type clientCommand struct {
	Action string `json:"action"`
	ExamID string `json:"exam_id"`
}

func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	role := r.URL.Query().Get("role")
	examID := r.URL.Query().Get("exam_id")
	token := r.URL.Query().Get("token")

	if userID == "" || role == "" || examID == "" {
		http.Error(w, "Missing required query parameters: user_id, role, exam_id", http.StatusBadRequest)
		return
	}
	if !types.IsValidUserID(userID) {
		http.Error(w, "Invalid user_id format", http.StatusBadRequest)
		return
	}
	if !types.IsValidExamID(examID) {
		http.Error(w, "Invalid exam_id format", http.StatusBadRequest)
		return
	}
	if !types.IsValidRole(role) {
		http.Error(w, "Invalid role", http.StatusBadRequest)
		return
	}
	if h.cfg.JoinSecret != "" && !VerifyJoinToken(h.cfg.JoinSecret, userID, role, examID, token) {
		http.Error(w, "Invalid join token", http.StatusForbidden)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "user_id", userID, "error", err)
		return
	}

	wsConn := NewConnection(conn, h.cfg.WriteBuffer, h.cfg.WriteTimeout)
	wsConn.SetCredentials(userID, role, examID)

	if err := h.registry.RegisterConnection(wsConn); err != nil {
		h.logger.Error("failed to register connection", "user_id", userID, "error", err)
		_ = wsConn.Close()
		return
	}

	h.logger.Info("monitoring client connected",
		"user_id", userID, "role", role, "exam_id", examID)

	go h.handleConnection(wsConn)
}

// handleConnection owns the read side: ping/pong liveness plus room
// switch commands. Exiting for any reason unregisters and closes.
func (h *Handler) handleConnection(conn *Connection) {
	defer func() {
		h.registry.UnregisterConnection(conn)
		_ = conn.Close()
		h.logger.Info("monitoring client disconnected", "user_id", conn.GetUserID())
	}()

	readTimeout := h.cfg.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = 60 * time.Second
	}
	pingInterval := h.cfg.PingInterval
	if pingInterval <= 0 {
		pingInterval = 30 * time.Second
	}

	if err := conn.conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
		return
	}
	conn.conn.SetPongHandler(func(string) error {
		return conn.conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	go func() {
		for {
			select {
			case <-ticker.C:
				if err := conn.conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(10*time.Second)); err != nil {
					return
				}
			case <-conn.ctx.Done():
				return
			}
		}
	}()

	for {
		messageType, data, err := conn.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Warn("websocket read error", "user_id", conn.GetUserID(), "error", err)
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var cmd clientCommand
		if err := json.Unmarshal(data, &cmd); err != nil {
			h.logger.Warn("malformed client command", "user_id", conn.GetUserID())
			continue
		}
		if cmd.Action == "join" && types.IsValidExamID(cmd.ExamID) {
			if err := h.registry.JoinRoom(conn, cmd.ExamID); err != nil {
				h.logger.Warn("room join failed",
					"user_id", conn.GetUserID(), "exam_id", cmd.ExamID, "error", err)
			}
		}
	}
}
