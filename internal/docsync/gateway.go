package docsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/corkboard/backend/internal/realtime"
	"go.uber.org/zap"
)

// Client <-> server document events.
const (
	EventJoin       = "document:join"
	EventLeave      = "document:leave"
	EventUpdate     = "document:yjs:update"
	EventAwareness  = "document:awareness"
	EventSync       = "document:sync"
	EventUserJoined = "document:user:joined"
	EventUserLeft   = "document:user:left"
)

// DocumentAccess decides whether a user may edit a document.
type DocumentAccess interface {
	CanAccessDocument(ctx context.Context, userID string, documentID string, workspaceID string) (bool, error)
}

type joinCommand struct {
	DocumentID  string `json:"documentId"`
	WorkspaceID string `json:"workspaceId"`
}

type documentCommand struct {
	DocumentID string `json:"documentId"`
}

type updateCommand struct {
	DocumentID string `json:"documentId"`
	Update     []byte `json:"update"`
}

type awarenessCommand struct {
	DocumentID string          `json:"documentId"`
	Cursor     json.RawMessage `json:"cursor,omitempty"`
	Selection  json.RawMessage `json:"selection,omitempty"`
}

// SyncMessage carries a full document state or a single delta. Update is
// base64 in JSON.
type SyncMessage struct {
	DocumentID string `json:"documentId"`
	Update     []byte `json:"update"`
}

// MemberMessage announces a user joining or leaving a document.
type MemberMessage struct {
	DocumentID string `json:"documentId"`
	UserID     string `json:"userId"`
	UserName   string `json:"userName,omitempty"`
}

// AwarenessMessage relays cursor and selection state.
type AwarenessMessage struct {
	DocumentID string          `json:"documentId"`
	UserID     string          `json:"userId"`
	Cursor     json.RawMessage `json:"cursor,omitempty"`
	Selection  json.RawMessage `json:"selection,omitempty"`
}

// GatewayConfig wires the document gateway.
type GatewayConfig struct {
	Hub    *realtime.Hub
	Arena  *Arena
	Access DocumentAccess
	Logger *zap.Logger
}

// Gateway binds document commands to the hub and keeps arena references in
// step with document room membership.
type Gateway struct {
	hub    *realtime.Hub
	arena  *Arena
	access DocumentAccess
	logger *zap.Logger
}

// NewGateway registers the document commands and the disconnect hook on the hub.
func NewGateway(cfg GatewayConfig) (*Gateway, error) {
	if cfg.Hub == nil || cfg.Arena == nil || cfg.Access == nil {
		return nil, errors.New("docsync: hub, arena and access are required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	gateway := &Gateway{hub: cfg.Hub, arena: cfg.Arena, access: cfg.Access, logger: logger}
	cfg.Hub.Handle(EventJoin, gateway.handleJoin)
	cfg.Hub.Handle(EventLeave, gateway.handleLeave)
	cfg.Hub.Handle(EventUpdate, gateway.handleUpdate)
	cfg.Hub.Handle(EventAwareness, gateway.handleAwareness)
	cfg.Hub.OnDisconnect(gateway.handleDisconnect)
	return gateway, nil
}

func (g *Gateway) handleJoin(ctx context.Context, conn *realtime.Conn, data json.RawMessage) error {
	var command joinCommand
	if err := realtime.DecodeData(data, &command); err != nil {
		return err
	}
	documentID := strings.TrimSpace(command.DocumentID)
	if documentID == "" {
		return fmt.Errorf("%w: documentId required", realtime.ErrInvalidCommand)
	}
	room := realtime.DocumentRoom(documentID)

	if !conn.InRoom(room) {
		allowed, err := g.access.CanAccessDocument(ctx, conn.UserID(), documentID, command.WorkspaceID)
		if err != nil {
			return fmt.Errorf("document access check: %w", err)
		}
		if !allowed {
			return fmt.Errorf("%w to document %s", realtime.ErrAccessDenied, documentID)
		}
		if _, err := g.arena.Acquire(ctx, documentID); err != nil {
			return err
		}
		g.hub.JoinRoom(room, conn)
		g.hub.BroadcastRoomExcept(room, EventUserJoined, MemberMessage{
			DocumentID: documentID,
			UserID:     conn.UserID(),
			UserName:   conn.Identity().Name,
		}, conn.ID())
	}

	state, err := g.arena.State(documentID)
	if err != nil {
		return err
	}
	g.hub.Send(conn, EventSync, SyncMessage{DocumentID: documentID, Update: state})
	return nil
}

func (g *Gateway) handleLeave(ctx context.Context, conn *realtime.Conn, data json.RawMessage) error {
	var command documentCommand
	if err := realtime.DecodeData(data, &command); err != nil {
		return err
	}
	documentID := strings.TrimSpace(command.DocumentID)
	if documentID == "" {
		return fmt.Errorf("%w: documentId required", realtime.ErrInvalidCommand)
	}
	room := realtime.DocumentRoom(documentID)
	if !conn.InRoom(room) {
		return nil
	}
	g.hub.LeaveRoom(room, conn)
	g.leave(ctx, conn, documentID)
	return nil
}

func (g *Gateway) handleUpdate(ctx context.Context, conn *realtime.Conn, data json.RawMessage) error {
	var command updateCommand
	if err := realtime.DecodeData(data, &command); err != nil {
		return err
	}
	documentID := strings.TrimSpace(command.DocumentID)
	if documentID == "" || len(command.Update) == 0 {
		return fmt.Errorf("%w: documentId and update required", realtime.ErrInvalidCommand)
	}
	room := realtime.DocumentRoom(documentID)
	if !conn.InRoom(room) {
		return fmt.Errorf("%w: document %s not joined", realtime.ErrAccessDenied, documentID)
	}
	if _, err := g.arena.Apply(ctx, documentID, command.Update, conn.UserID()); err != nil {
		if errors.Is(err, ErrInvalidUpdate) {
			return fmt.Errorf("%w: %v", realtime.ErrInvalidCommand, err)
		}
		return err
	}
	g.hub.BroadcastRoomExcept(room, EventUpdate, data, conn.ID())
	return nil
}

func (g *Gateway) handleAwareness(_ context.Context, conn *realtime.Conn, data json.RawMessage) error {
	var command awarenessCommand
	if err := realtime.DecodeData(data, &command); err != nil {
		return err
	}
	documentID := strings.TrimSpace(command.DocumentID)
	if documentID == "" {
		return fmt.Errorf("%w: documentId required", realtime.ErrInvalidCommand)
	}
	room := realtime.DocumentRoom(documentID)
	if !conn.InRoom(room) {
		return fmt.Errorf("%w: document %s not joined", realtime.ErrAccessDenied, documentID)
	}
	g.hub.BroadcastRoomExcept(room, EventAwareness, AwarenessMessage{
		DocumentID: documentID,
		UserID:     conn.UserID(),
		Cursor:     command.Cursor,
		Selection:  command.Selection,
	}, conn.ID())
	return nil
}

func (g *Gateway) handleDisconnect(ctx context.Context, conn *realtime.Conn, rooms []string) {
	for _, room := range rooms {
		if documentID, ok := realtime.DocumentFromRoom(room); ok {
			g.leave(ctx, conn, documentID)
		}
	}
}

// leave releases the arena reference and tells the remaining members. The
// connection must already have left the room.
func (g *Gateway) leave(ctx context.Context, conn *realtime.Conn, documentID string) {
	g.arena.Release(ctx, documentID)
	g.hub.BroadcastRoom(realtime.DocumentRoom(documentID), EventUserLeft, MemberMessage{
		DocumentID: documentID,
		UserID:     conn.UserID(),
		UserName:   conn.Identity().Name,
	})
}
