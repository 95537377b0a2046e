package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Connection wraps a websocket connection with a single writer
// goroutine. All outbound frames go through writeCh; gorilla/websocket
// does not allow concurrent writers.
type Connection struct {
	conn          *websocket.Conn
	writeCh       chan []byte
	writeTimeout  time.Duration
	userID        string
	role          string
	examID        string
	authenticated bool
	ctx           context.Context
	cancel        context.CancelFunc
	closeOnce     sync.Once
	mu            sync.RWMutex
}

// NewConnection creates a connection wrapper and starts its writer.
// buffer is the outbound frame queue size; broadcasts that find the
// queue full are dropped rather than blocking the sender.
func NewConnection(conn *websocket.Conn, buffer int, writeTimeout time.Duration) *Connection {
	if buffer <= 0 {
		buffer = 100
	}
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		conn:         conn,
		writeCh:      make(chan []byte, buffer),
		writeTimeout: writeTimeout,
		ctx:          ctx,
		cancel:       cancel,
	}

	go c.writeLoop()

	return c
}

// writeLoop is the single writer. writeCh is never closed: when the
// loop exits (write error or Close) it cancels the connection context
// instead, so senders observe ctx.Done rather than a closed channel.
func (c *Connection) writeLoop() {
	defer c.cancel()

	for {
		select {
		case data := <-c.writeCh:
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-c.ctx.Done():
			return
		}
	}
}

// WriteJSON queues a message, waiting up to the write timeout for
// buffer space. Used for direct, must-arrive messages.
func (c *Connection) WriteJSON(v interface{}) error {
	select {
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
	}

	data, err := json.Marshal(v)
	if err != nil {
		return ErrInvalidJSON
	}

	select {
	case c.writeCh <- data:
		return nil
	case <-time.After(c.writeTimeout):
		return ErrWriteTimeout
	case <-c.ctx.Done():
		return ErrConnectionClosed
	}
}

// TrySend queues a message without blocking. Returns false when the
// connection is closed or its buffer is full; broadcast fan-out treats
// a false as a dropped frame, never an error.
func (c *Connection) TrySend(v interface{}) bool {
	select {
	case <-c.ctx.Done():
		return false
	default:
	}

	data, err := json.Marshal(v)
	if err != nil {
		return false
	}

	select {
	case c.writeCh <- data:
		return true
	default:
		return false
	}
}

func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		if c.conn != nil {
			err = c.conn.Close()
		}
	})
	return err
}

func (c *Connection) SetCredentials(userID, role, examID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.userID = userID
	c.role = role
	c.examID = examID
	c.authenticated = true
}

func (c *Connection) IsAuthenticated() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.authenticated
}

func (c *Connection) GetUserID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

func (c *Connection) GetRole() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.role
}

func (c *Connection) GetExamID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.examID
}

func (c *Connection) setExamID(examID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.examID = examID
}
