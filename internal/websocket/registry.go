package websocket

import (
	"log/slog"
	"sync"
)

// Registry tracks monitoring connections: a global userID index for
// direct delivery, and per-exam rooms for broadcast fan-out. A
// connection belongs to at most one room at a time.
type Registry struct {
	mu        sync.RWMutex
	userConns map[string]*Connection            // userID -> Connection
	examRooms map[string]map[string]*Connection // examID -> userID -> Connection
	logger    *slog.Logger
}

func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		userConns: make(map[string]*Connection),
		examRooms: make(map[string]map[string]*Connection),
		logger:    logger,
	}
}

// RegisterConnection adds an authenticated connection to the user index
// and its exam room. A second connection for the same user replaces the
// first; the old one is closed asynchronously to avoid holding the
// registry lock across a Close.
func (r *Registry) RegisterConnection(conn *Connection) error {
	if conn == nil {
		return ErrNilConnection
	}
	if !conn.IsAuthenticated() {
		return ErrConnectionNotAuthenticated
	}

	userID := conn.GetUserID()
	examID := conn.GetExamID()

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.userConns[userID]; ok {
		r.removeFromRoomLocked(existing)
		go func() {
			if err := existing.Close(); err != nil {
				r.logger.Warn("failed to close replaced connection", "user_id", userID, "error", err)
			}
		}()
	}

	r.userConns[userID] = conn
	r.addToRoomLocked(conn, examID)

	return nil
}

// UnregisterConnection removes a connection. Idempotent, and a stale
// connection never evicts the newer one registered for the same user.
func (r *Registry) UnregisterConnection(conn *Connection) {
	if conn == nil {
		return
	}

	userID := conn.GetUserID()

	r.mu.Lock()
	defer r.mu.Unlock()

	registered, ok := r.userConns[userID]
	if !ok || registered != conn {
		return
	}

	delete(r.userConns, userID)
	r.removeFromRoomLocked(conn)
}

// JoinRoom moves a connection into the given exam room, leaving its
// current room first.
func (r *Registry) JoinRoom(conn *Connection, examID string) error {
	if conn == nil {
		return ErrNilConnection
	}
	if !conn.IsAuthenticated() {
		return ErrConnectionNotAuthenticated
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if registered, ok := r.userConns[conn.GetUserID()]; !ok || registered != conn {
		return ErrConnectionClosed
	}

	r.removeFromRoomLocked(conn)
	conn.setExamID(examID)
	r.addToRoomLocked(conn, examID)

	return nil
}

func (r *Registry) addToRoomLocked(conn *Connection, examID string) {
	if examID == "" {
		return
	}
	room := r.examRooms[examID]
	if room == nil {
		room = make(map[string]*Connection)
		r.examRooms[examID] = room
	}
	room[conn.GetUserID()] = conn
}

func (r *Registry) removeFromRoomLocked(conn *Connection) {
	examID := conn.GetExamID()
	room, ok := r.examRooms[examID]
	if !ok {
		return
	}
	if room[conn.GetUserID()] == conn {
		delete(room, conn.GetUserID())
		if len(room) == 0 {
			delete(r.examRooms, examID)
		}
	}
}

// GetUserConnection returns the current connection for a user.
func (r *Registry) GetUserConnection(userID string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, ok := r.userConns[userID]
	return conn, ok
}

// GetRoomConnections returns all connections in an exam room.
func (r *Registry) GetRoomConnections(examID string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	room, ok := r.examRooms[examID]
	if !ok {
		return nil
	}
	connections := make([]*Connection, 0, len(room))
	for _, conn := range room {
		connections = append(connections, conn)
	}
	return connections
}

// GetStats reports connection and room counts for health reporting.
func (r *Registry) GetStats() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return map[string]int{
		"total_connections": len(r.userConns),
		"active_rooms":      len(r.examRooms),
	}
}
