package realtime

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ConnState is the lifecycle state of a connection.
type ConnState int

const (
	StateConnecting ConnState = iota
	StateAuthenticated
	StateActive
	StateDisconnected
)

func (state ConnState) String() string {
	switch state {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateActive:
		return "active"
	case StateDisconnected:
		return "disconnected"
	default:
		return "invalid"
	}
}

func (state ConnState) validateTransitionTo(next ConnState) error {
	switch state {
	case StateConnecting:
		if next == StateAuthenticated || next == StateDisconnected {
			return nil
		}
	case StateAuthenticated:
		if next == StateActive || next == StateDisconnected {
			return nil
		}
	case StateActive:
		if next == StateActive || next == StateDisconnected {
			return nil
		}
	}
	return fmt.Errorf("invalid connection transition from %v to %v", state, next)
}

// Identity is the authenticated user behind a connection.
type Identity struct {
	UserID string
	Name   string
	Email  string
	Avatar string
}

// Conn is one client connection. Outbound messages go through a bounded
// queue drained by the write pump; a full queue drops the message.
type Conn struct {
	id       string
	identity Identity
	ws       *websocket.Conn
	send     chan []byte
	done     chan struct{}

	mu        sync.Mutex
	state     ConnState
	rooms     map[string]struct{}
	closeOnce sync.Once
}

func newConn(id string, identity Identity, ws *websocket.Conn, buffer int) *Conn {
	return &Conn{
		id:       id,
		identity: identity,
		ws:       ws,
		send:     make(chan []byte, buffer),
		done:     make(chan struct{}),
		state:    StateConnecting,
		rooms:    make(map[string]struct{}),
	}
}

func (c *Conn) ID() string {
	return c.id
}

func (c *Conn) UserID() string {
	return c.identity.UserID
}

func (c *Conn) Identity() Identity {
	return c.identity
}

func (c *Conn) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Conn) transitionTo(next ConnState) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.state.validateTransitionTo(next); err != nil {
		return err
	}
	c.state = next
	return nil
}

// InRoom reports whether the connection is subscribed to room.
func (c *Conn) InRoom(room string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.rooms[room]
	return ok
}

// Rooms returns the rooms the connection is subscribed to, sorted.
func (c *Conn) Rooms() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	rooms := make([]string, 0, len(c.rooms))
	for room := range c.rooms {
		rooms = append(rooms, room)
	}
	sort.Strings(rooms)
	return rooms
}

// Boards returns the ids of the board rooms the connection is in.
func (c *Conn) Boards() []string {
	boards := make([]string, 0)
	for _, room := range c.Rooms() {
		if strings.HasPrefix(room, boardRoomPrefix) {
			boards = append(boards, strings.TrimPrefix(room, boardRoomPrefix))
		}
	}
	return boards
}

func (c *Conn) addRoom(room string) {
	c.mu.Lock()
	c.rooms[room] = struct{}{}
	c.mu.Unlock()
}

func (c *Conn) removeRoom(room string) {
	c.mu.Lock()
	delete(c.rooms, room)
	c.mu.Unlock()
}

// enqueue queues an encoded frame. It reports false when the queue is full or
// the connection is closed.
func (c *Conn) enqueue(message []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- message:
		return true
	default:
		return false
	}
}

func (c *Conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.ws != nil {
			_ = c.ws.Close()
		}
	})
}

func (c *Conn) writePump(pingPeriod time.Duration, writeWait time.Duration) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()
	for {
		select {
		case message := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}
