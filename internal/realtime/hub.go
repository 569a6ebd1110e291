package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MarcoPoloResearchLab/corkboard/backend/internal/events"
	"github.com/MarcoPoloResearchLab/corkboard/backend/internal/presence"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	boardRoomPrefix    = "board:"
	documentRoomPrefix = "document:"
	userRoomPrefix     = "user:"

	defaultSendBuffer      = 256
	defaultWriteWait       = 10 * time.Second
	defaultPongWait        = 60 * time.Second
	defaultMaxMessageBytes = 1 << 20
	cleanupTimeout         = 5 * time.Second
)

func BoardRoom(boardID string) string {
	return boardRoomPrefix + boardID
}

func DocumentRoom(documentID string) string {
	return documentRoomPrefix + documentID
}

func UserRoom(userID string) string {
	return userRoomPrefix + userID
}

// DocumentFromRoom extracts the document id from a document room name.
func DocumentFromRoom(room string) (string, bool) {
	if !strings.HasPrefix(room, documentRoomPrefix) {
		return "", false
	}
	return strings.TrimPrefix(room, documentRoomPrefix), true
}

// Authenticator resolves the identity behind an upgrade request.
type Authenticator interface {
	Authenticate(r *http.Request) (Identity, error)
}

// PresenceStore is the subset of the presence tracker the hub drives.
type PresenceStore interface {
	JoinBoard(ctx context.Context, boardID string, user presence.User) error
	LeaveBoard(ctx context.Context, boardID string, userID string) error
	UpdateActivity(ctx context.Context, boardID string, userID string) error
	GetActiveUsers(ctx context.Context, boardID string) ([]presence.ActiveUser, error)
	StartTyping(ctx context.Context, typing presence.Typing) error
	StopTyping(ctx context.Context, cardID string, userID string) error
	CleanupUser(ctx context.Context, userID string) ([]string, error)
}

// BoardAccess answers board membership questions.
type BoardAccess interface {
	CanAccessBoard(ctx context.Context, userID string, boardID string) (bool, error)
	BoardForCard(ctx context.Context, cardID string) (string, error)
}

// CommandHandler processes one client command. Errors wrapping
// ErrInvalidCommand or ErrAccessDenied are reported to the client verbatim.
type CommandHandler func(ctx context.Context, conn *Conn, data json.RawMessage) error

// DisconnectHook runs after a connection has left every room. rooms lists the
// rooms it was subscribed to.
type DisconnectHook func(ctx context.Context, conn *Conn, rooms []string)

// HubConfig wires the hub dependencies.
type HubConfig struct {
	Authenticator   Authenticator
	Presence        PresenceStore
	Access          BoardAccess
	Logger          *zap.Logger
	AllowedOrigins  []string
	SendBuffer      int
	WriteWait       time.Duration
	PongWait        time.Duration
	MaxMessageBytes int64
}

// Hub owns the live connections and their room memberships.
type Hub struct {
	auth     Authenticator
	presence PresenceStore
	access   BoardAccess
	logger   *zap.Logger
	upgrader websocket.Upgrader

	sendBuffer      int
	writeWait       time.Duration
	pongWait        time.Duration
	maxMessageBytes int64

	mu       sync.RWMutex
	rooms    map[string]map[*Conn]struct{}
	conns    map[string]*Conn
	handlers map[string]CommandHandler
	hooks    []DisconnectHook

	dropped atomic.Int64
}

// NewHub validates the configuration and registers the board commands.
func NewHub(cfg HubConfig) (*Hub, error) {
	if cfg.Presence == nil {
		return nil, errors.New("realtime: presence store required")
	}
	if cfg.Access == nil {
		return nil, errors.New("realtime: access checker required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	hub := &Hub{
		auth:            cfg.Authenticator,
		presence:        cfg.Presence,
		access:          cfg.Access,
		logger:          logger,
		sendBuffer:      cfg.SendBuffer,
		writeWait:       cfg.WriteWait,
		pongWait:        cfg.PongWait,
		maxMessageBytes: cfg.MaxMessageBytes,
		rooms:           make(map[string]map[*Conn]struct{}),
		conns:           make(map[string]*Conn),
		handlers:        make(map[string]CommandHandler),
	}
	if hub.sendBuffer <= 0 {
		hub.sendBuffer = defaultSendBuffer
	}
	if hub.writeWait <= 0 {
		hub.writeWait = defaultWriteWait
	}
	if hub.pongWait <= 0 {
		hub.pongWait = defaultPongWait
	}
	if hub.maxMessageBytes <= 0 {
		hub.maxMessageBytes = defaultMaxMessageBytes
	}
	hub.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     originChecker(cfg.AllowedOrigins),
	}

	hub.Handle(EventJoinBoard, hub.handleJoinBoard)
	hub.Handle(EventLeaveBoard, hub.handleLeaveBoard)
	hub.Handle(EventTypingStart, hub.handleTypingStart)
	hub.Handle(EventTypingStop, hub.handleTypingStop)
	return hub, nil
}

func originChecker(allowed []string) func(*http.Request) bool {
	set := make(map[string]struct{}, len(allowed))
	for _, origin := range allowed {
		if origin == "*" {
			return func(*http.Request) bool { return true }
		}
		set[origin] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || len(set) == 0 {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}

// Handle registers the handler for a client event name, replacing any previous one.
func (h *Hub) Handle(event string, handler CommandHandler) {
	h.mu.Lock()
	h.handlers[event] = handler
	h.mu.Unlock()
}

// OnDisconnect registers a hook run after each connection closes.
func (h *Hub) OnDisconnect(hook DisconnectHook) {
	h.mu.Lock()
	h.hooks = append(h.hooks, hook)
	h.mu.Unlock()
}

// ServeWS authenticates the request, upgrades it and runs the connection
// until the client goes away.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	if h.auth == nil {
		http.Error(w, "authentication unavailable", http.StatusUnauthorized)
		return
	}
	identity, err := h.auth.Authenticate(r)
	if err != nil || identity.UserID == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	conn := newConn(uuid.NewString(), identity, ws, h.sendBuffer)
	h.attach(conn)
	h.logger.Info("connection opened",
		zap.String("connection_id", conn.ID()),
		zap.String("user_id", conn.UserID()))

	go conn.writePump(h.pingPeriod(), h.writeWait)
	h.readPump(r.Context(), conn)
	h.disconnect(context.WithoutCancel(r.Context()), conn)
}

func (h *Hub) pingPeriod() time.Duration {
	return h.pongWait * 9 / 10
}

// attach registers an authenticated connection and subscribes it to its user room.
func (h *Hub) attach(conn *Conn) {
	if err := conn.transitionTo(StateAuthenticated); err != nil {
		h.logger.Warn("connection state", zap.String("connection_id", conn.ID()), zap.Error(err))
	}
	h.mu.Lock()
	h.conns[conn.ID()] = conn
	h.mu.Unlock()
	h.JoinRoom(UserRoom(conn.UserID()), conn)
}

func (h *Hub) readPump(ctx context.Context, conn *Conn) {
	conn.ws.SetReadLimit(h.maxMessageBytes)
	_ = conn.ws.SetReadDeadline(time.Now().Add(h.pongWait))
	conn.ws.SetPongHandler(func(string) error {
		return conn.ws.SetReadDeadline(time.Now().Add(h.pongWait))
	})
	for {
		_, message, err := conn.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("connection read failed", zap.String("connection_id", conn.ID()), zap.Error(err))
			}
			return
		}
		_ = conn.ws.SetReadDeadline(time.Now().Add(h.pongWait))
		h.dispatch(ctx, conn, message)
	}
}

// dispatch decodes one inbound frame and runs its handler. Commands from a
// single connection are processed in arrival order.
func (h *Hub) dispatch(ctx context.Context, conn *Conn, message []byte) {
	var frame Frame
	if err := json.Unmarshal(message, &frame); err != nil || frame.Event == "" {
		h.sendError(conn, "malformed message")
		return
	}
	h.mu.RLock()
	handler, ok := h.handlers[frame.Event]
	h.mu.RUnlock()
	if !ok {
		h.sendError(conn, "unknown event: "+frame.Event)
		return
	}
	if err := handler(ctx, conn, frame.Data); err != nil {
		if errors.Is(err, ErrInvalidCommand) || errors.Is(err, ErrAccessDenied) {
			h.sendError(conn, err.Error())
			return
		}
		h.logger.Error("command failed",
			zap.String("event", frame.Event),
			zap.String("connection_id", conn.ID()),
			zap.Error(err))
		h.sendError(conn, "request failed")
	}
}

// disconnect removes the connection from every room, repairs presence and
// runs the disconnect hooks. Safe to call more than once.
func (h *Hub) disconnect(ctx context.Context, conn *Conn) {
	if err := conn.transitionTo(StateDisconnected); err != nil {
		return
	}
	conn.close()

	rooms := conn.Rooms()
	boards := conn.Boards()
	for _, room := range rooms {
		h.LeaveRoom(room, conn)
	}
	h.mu.Lock()
	delete(h.conns, conn.ID())
	h.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, cleanupTimeout)
	defer cancel()
	h.repairPresence(ctx, conn, boards)

	h.mu.RLock()
	hooks := append([]DisconnectHook(nil), h.hooks...)
	h.mu.RUnlock()
	for _, hook := range hooks {
		hook(ctx, conn, rooms)
	}
	h.logger.Info("connection closed",
		zap.String("connection_id", conn.ID()),
		zap.String("user_id", conn.UserID()))
}

// repairPresence clears the departing user's presence. When the same user
// still has other connections, only the boards none of them hold are left.
func (h *Hub) repairPresence(ctx context.Context, conn *Conn, boards []string) {
	userID := conn.UserID()
	remaining := h.userConns(userID)

	affected := make(map[string]struct{}, len(boards))
	if len(remaining) == 0 {
		cleaned, err := h.presence.CleanupUser(ctx, userID)
		if err != nil {
			h.logger.Error("presence cleanup failed", zap.String("user_id", userID), zap.Error(err))
		}
		for _, boardID := range cleaned {
			affected[boardID] = struct{}{}
		}
		for _, boardID := range boards {
			affected[boardID] = struct{}{}
		}
	} else {
		for _, boardID := range boards {
			if anyInRoom(remaining, BoardRoom(boardID)) {
				continue
			}
			if err := h.presence.LeaveBoard(ctx, boardID, userID); err != nil {
				h.logger.Error("presence leave failed",
					zap.String("user_id", userID), zap.String("board_id", boardID), zap.Error(err))
			}
			affected[boardID] = struct{}{}
		}
	}
	for boardID := range affected {
		h.broadcastPresence(ctx, boardID)
	}
}

func anyInRoom(conns []*Conn, room string) bool {
	for _, other := range conns {
		if other.InRoom(room) {
			return true
		}
	}
	return false
}

func (h *Hub) userConns(userID string) []*Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	members := h.rooms[UserRoom(userID)]
	conns := make([]*Conn, 0, len(members))
	for conn := range members {
		conns = append(conns, conn)
	}
	return conns
}

// Shutdown closes every live connection. Each read loop then runs its normal
// disconnect path.
func (h *Hub) Shutdown() {
	h.mu.RLock()
	conns := make([]*Conn, 0, len(h.conns))
	for _, conn := range h.conns {
		conns = append(conns, conn)
	}
	h.mu.RUnlock()
	for _, conn := range conns {
		conn.close()
	}
}

// ConnectionCount reports the number of live connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Dropped reports messages discarded because a connection queue was full.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}

// JoinRoom subscribes conn to room.
func (h *Hub) JoinRoom(room string, conn *Conn) {
	h.mu.Lock()
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[*Conn]struct{})
		h.rooms[room] = members
	}
	members[conn] = struct{}{}
	h.mu.Unlock()
	conn.addRoom(room)
}

// LeaveRoom unsubscribes conn from room. Empty rooms are discarded.
func (h *Hub) LeaveRoom(room string, conn *Conn) {
	h.mu.Lock()
	if members, ok := h.rooms[room]; ok {
		delete(members, conn)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	h.mu.Unlock()
	conn.removeRoom(room)
}

// RoomSize reports the number of connections in room.
func (h *Hub) RoomSize(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

// Send delivers one frame to a single connection.
func (h *Hub) Send(conn *Conn, event string, data any) {
	message, err := encodeFrame(event, data)
	if err != nil {
		h.logger.Error("encode frame failed", zap.String("event", event), zap.Error(err))
		return
	}
	h.deliver(conn, event, message)
}

// BroadcastRoom delivers one frame to every connection in room.
func (h *Hub) BroadcastRoom(room string, event string, data any) {
	h.BroadcastRoomExcept(room, event, data, "")
}

// BroadcastRoomExcept delivers one frame to every connection in room other
// than excludeConnID. The frame is encoded once.
func (h *Hub) BroadcastRoomExcept(room string, event string, data any, excludeConnID string) {
	message, err := encodeFrame(event, data)
	if err != nil {
		h.logger.Error("encode frame failed", zap.String("event", event), zap.Error(err))
		return
	}
	h.broadcastEncoded(room, event, message, excludeConnID)
}

func (h *Hub) broadcastEncoded(room string, event string, message []byte, excludeConnID string) {
	h.mu.RLock()
	members := make([]*Conn, 0, len(h.rooms[room]))
	for conn := range h.rooms[room] {
		if conn.ID() != excludeConnID {
			members = append(members, conn)
		}
	}
	h.mu.RUnlock()
	for _, conn := range members {
		h.deliver(conn, event, message)
	}
}

func (h *Hub) deliver(conn *Conn, event string, message []byte) {
	if conn.enqueue(message) {
		return
	}
	h.dropped.Add(1)
	h.logger.Warn("dropping message for slow connection",
		zap.String("event", event),
		zap.String("connection_id", conn.ID()),
		zap.String("user_id", conn.UserID()))
}

// BroadcastToBoard delivers a domain event to every connection on the board.
func (h *Hub) BroadcastToBoard(boardID string, event events.Event) {
	h.BroadcastRoomExcept(BoardRoom(boardID), EventDomain, event, "")
}

// BroadcastToBoardExcept delivers a domain event to the board, skipping the
// originating connection.
func (h *Hub) BroadcastToBoardExcept(boardID string, event events.Event, excludeConnID string) {
	h.BroadcastRoomExcept(BoardRoom(boardID), EventDomain, event, excludeConnID)
}

// SendToUser delivers a domain event to every connection of userID.
func (h *Hub) SendToUser(userID string, event events.Event) {
	h.BroadcastRoomExcept(UserRoom(userID), EventDomain, event, "")
}

func (h *Hub) sendError(conn *Conn, message string) {
	h.Send(conn, EventError, ErrorMessage{Message: message})
}
