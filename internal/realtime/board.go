package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/corkboard/backend/internal/presence"
	"go.uber.org/zap"
)

func (h *Hub) handleJoinBoard(ctx context.Context, conn *Conn, data json.RawMessage) error {
	var command boardCommand
	if err := DecodeData(data, &command); err != nil {
		return err
	}
	boardID := strings.TrimSpace(command.BoardID)
	if boardID == "" {
		return fmt.Errorf("%w: boardId required", ErrInvalidCommand)
	}

	allowed, err := h.access.CanAccessBoard(ctx, conn.UserID(), boardID)
	if err != nil {
		return fmt.Errorf("board access check: %w", err)
	}
	if !allowed {
		return fmt.Errorf("%w to board %s", ErrAccessDenied, boardID)
	}

	h.JoinRoom(BoardRoom(boardID), conn)
	if err := conn.transitionTo(StateActive); err != nil {
		h.logger.Warn("connection state", zap.String("connection_id", conn.ID()), zap.Error(err))
	}

	identity := conn.Identity()
	err = h.presence.JoinBoard(ctx, boardID, presence.User{
		ID:     identity.UserID,
		Name:   identity.Name,
		Email:  identity.Email,
		Avatar: identity.Avatar,
	})
	if err != nil {
		h.logger.Error("presence join failed",
			zap.String("board_id", boardID), zap.String("user_id", identity.UserID), zap.Error(err))
	}

	users := h.activeUsers(ctx, boardID)
	h.BroadcastRoom(BoardRoom(boardID), EventPresenceUsers, PresenceUsersMessage{BoardID: boardID, Users: users})
	h.Send(conn, EventJoinedBoard, PresenceUsersMessage{BoardID: boardID, Users: users})
	return nil
}

func (h *Hub) handleLeaveBoard(ctx context.Context, conn *Conn, data json.RawMessage) error {
	var command boardCommand
	if err := DecodeData(data, &command); err != nil {
		return err
	}
	boardID := strings.TrimSpace(command.BoardID)
	if boardID == "" {
		return fmt.Errorf("%w: boardId required", ErrInvalidCommand)
	}
	if !conn.InRoom(BoardRoom(boardID)) {
		return nil
	}
	h.LeaveRoom(BoardRoom(boardID), conn)

	if !anyInRoom(h.userConns(conn.UserID()), BoardRoom(boardID)) {
		if err := h.presence.LeaveBoard(ctx, boardID, conn.UserID()); err != nil {
			h.logger.Error("presence leave failed",
				zap.String("board_id", boardID), zap.String("user_id", conn.UserID()), zap.Error(err))
		}
	}
	h.broadcastPresence(ctx, boardID)
	return nil
}

func (h *Hub) handleTypingStart(ctx context.Context, conn *Conn, data json.RawMessage) error {
	cardID, boardID, err := h.resolveTyping(ctx, conn, data)
	if err != nil {
		return err
	}
	identity := conn.Identity()
	err = h.presence.StartTyping(ctx, presence.Typing{
		CardID:   cardID,
		BoardID:  boardID,
		UserID:   identity.UserID,
		UserName: identity.Name,
	})
	if err != nil {
		return fmt.Errorf("start typing: %w", err)
	}
	if err := h.presence.UpdateActivity(ctx, boardID, identity.UserID); err != nil && !errors.Is(err, presence.ErrNotActive) {
		h.logger.Warn("presence activity update failed",
			zap.String("board_id", boardID), zap.String("user_id", identity.UserID), zap.Error(err))
	}
	h.BroadcastRoomExcept(BoardRoom(boardID), EventTypingStarted, TypingMessage{
		CardID:   cardID,
		UserID:   identity.UserID,
		UserName: identity.Name,
	}, conn.ID())
	return nil
}

func (h *Hub) handleTypingStop(ctx context.Context, conn *Conn, data json.RawMessage) error {
	cardID, boardID, err := h.resolveTyping(ctx, conn, data)
	if err != nil {
		return err
	}
	if err := h.presence.StopTyping(ctx, cardID, conn.UserID()); err != nil {
		return fmt.Errorf("stop typing: %w", err)
	}
	h.BroadcastRoomExcept(BoardRoom(boardID), EventTypingStopped, TypingMessage{
		CardID: cardID,
		UserID: conn.UserID(),
	}, conn.ID())
	return nil
}

// resolveTyping finds the board a typing command belongs to. The domain
// service is asked first; without an answer the client hint is used, then the
// only board the connection has joined. The connection must be in that board.
func (h *Hub) resolveTyping(ctx context.Context, conn *Conn, data json.RawMessage) (string, string, error) {
	var command typingCommand
	if err := DecodeData(data, &command); err != nil {
		return "", "", err
	}
	cardID := strings.TrimSpace(command.CardID)
	if cardID == "" {
		return "", "", fmt.Errorf("%w: cardId required", ErrInvalidCommand)
	}

	boardID, err := h.access.BoardForCard(ctx, cardID)
	if err != nil {
		h.logger.Warn("card board lookup failed", zap.String("card_id", cardID), zap.Error(err))
		boardID = ""
	}
	if boardID == "" {
		boardID = strings.TrimSpace(command.BoardID)
	}
	if boardID == "" {
		if boards := conn.Boards(); len(boards) == 1 {
			boardID = boards[0]
		}
	}
	if boardID == "" {
		return "", "", fmt.Errorf("%w: cannot resolve board for card %s", ErrInvalidCommand, cardID)
	}
	if !conn.InRoom(BoardRoom(boardID)) {
		return "", "", fmt.Errorf("%w: board %s not joined", ErrAccessDenied, boardID)
	}
	return cardID, boardID, nil
}

func (h *Hub) activeUsers(ctx context.Context, boardID string) []presence.ActiveUser {
	users, err := h.presence.GetActiveUsers(ctx, boardID)
	if err != nil {
		h.logger.Error("presence lookup failed", zap.String("board_id", boardID), zap.Error(err))
		return []presence.ActiveUser{}
	}
	if users == nil {
		return []presence.ActiveUser{}
	}
	return users
}

func (h *Hub) broadcastPresence(ctx context.Context, boardID string) {
	if h.RoomSize(BoardRoom(boardID)) == 0 {
		return
	}
	users := h.activeUsers(ctx, boardID)
	h.BroadcastRoom(BoardRoom(boardID), EventPresenceUsers, PresenceUsersMessage{BoardID: boardID, Users: users})
}
