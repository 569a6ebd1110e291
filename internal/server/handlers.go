package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/corkboard/backend/internal/events"
	"github.com/MarcoPoloResearchLab/corkboard/backend/internal/presence"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	defaultHistoryLimit = 50
	streamEventName     = "event"
	streamHeartbeatName = "heartbeat"
)

var errInvalidPage = errors.New("limit and offset must be non-negative integers")

type presenceResponse struct {
	BoardID string                `json:"boardId"`
	Users   []presence.ActiveUser `json:"users"`
}

type typingResponse struct {
	CardID string                     `json:"cardId"`
	Users  []presence.TypingIndicator `json:"users"`
}

type eventsResponse struct {
	Events []events.Event `json:"events"`
	Limit  int            `json:"limit"`
	Offset int            `json:"offset"`
}

type emitRequestPayload struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
	Scope   events.Scope    `json:"scope"`
}

type snapshotPayload struct {
	ID          int64  `json:"id"`
	DocumentID  string `json:"documentId"`
	AuthorID    string `json:"authorId"`
	CreatedAtMs int64  `json:"createdAtMs"`
	SizeBytes   int    `json:"sizeBytes"`
	Metadata    any    `json:"metadata"`
}

type healthResponse struct {
	Status      string                 `json:"status"`
	Connections int                    `json:"connections"`
	Dropped     int64                  `json:"droppedMessages"`
	SideEffects events.SideEffectStats `json:"sideEffects"`
	Fanout      any                    `json:"fanout,omitempty"`
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	response := healthResponse{
		Status:      "ok",
		Connections: h.hub.ConnectionCount(),
		Dropped:     h.hub.Dropped(),
		SideEffects: h.events.Stats(),
	}
	if h.fanout != nil {
		health := h.fanout.Health()
		response.Fanout = health
		if health.Circuit != "closed" {
			response.Status = "degraded"
		}
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleBoardPresence(c *gin.Context) {
	boardID := c.Param("boardId")
	if !h.requireBoardAccess(c, boardID) {
		return
	}
	users, err := h.presence.GetActiveUsers(c.Request.Context(), boardID)
	if err != nil {
		h.logger.Error("failed to read presence", zap.String("board_id", boardID), zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "presence_unavailable"})
		return
	}
	if users == nil {
		users = []presence.ActiveUser{}
	}
	c.JSON(http.StatusOK, presenceResponse{BoardID: boardID, Users: users})
}

func (h *httpHandler) handleBoardPresenceStats(c *gin.Context) {
	boardID := c.Param("boardId")
	if !h.requireBoardAccess(c, boardID) {
		return
	}
	stats, err := h.presence.GetStats(c.Request.Context(), boardID)
	if err != nil {
		h.logger.Error("failed to read presence stats", zap.String("board_id", boardID), zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "presence_unavailable"})
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (h *httpHandler) handleCardTyping(c *gin.Context) {
	cardID := c.Param("cardId")
	if !h.requireCardAccess(c, cardID) {
		return
	}
	indicators, err := h.presence.GetTypingUsers(c.Request.Context(), cardID)
	if err != nil {
		h.logger.Error("failed to read typing state", zap.String("card_id", cardID), zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "presence_unavailable"})
		return
	}
	if indicators == nil {
		indicators = []presence.TypingIndicator{}
	}
	c.JSON(http.StatusOK, typingResponse{CardID: cardID, Users: indicators})
}

func (h *httpHandler) handleBoardEvents(c *gin.Context) {
	boardID := c.Param("boardId")
	page, err := h.parsePage(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_page"})
		return
	}
	if !h.requireBoardAccess(c, boardID) {
		return
	}
	history, err := h.events.ListByBoard(c.Request.Context(), boardID, page)
	h.writeHistory(c, history, page, err)
}

func (h *httpHandler) handleCardEvents(c *gin.Context) {
	cardID := c.Param("cardId")
	page, err := h.parsePage(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_page"})
		return
	}
	if !h.requireCardAccess(c, cardID) {
		return
	}
	history, err := h.events.ListByCard(c.Request.Context(), cardID, page)
	h.writeHistory(c, history, page, err)
}

func (h *httpHandler) writeHistory(c *gin.Context, history []events.Event, page events.Page, err error) {
	if err != nil {
		h.logger.Error("failed to read event history", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "history_failed"})
		return
	}
	if history == nil {
		history = []events.Event{}
	}
	c.JSON(http.StatusOK, eventsResponse{Events: history, Limit: page.Limit, Offset: page.Offset})
}

// parsePage reads limit/offset, applying the service default and cap.
func (h *httpHandler) parsePage(c *gin.Context) (events.Page, error) {
	page := events.Page{}
	if raw := strings.TrimSpace(c.Query("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			return events.Page{}, errInvalidPage
		}
		page.Limit = limit
	}
	if raw := strings.TrimSpace(c.Query("offset")); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil || offset < 0 {
			return events.Page{}, errInvalidPage
		}
		page.Offset = offset
	}
	if page.Limit == 0 {
		page.Limit = defaultHistoryLimit
	}
	if maxLimit := h.events.MaxPageLimit(); page.Limit > maxLimit {
		page.Limit = maxLimit
	}
	return page, nil
}

func (h *httpHandler) handleBoardStream(c *gin.Context) {
	boardID := c.Param("boardId")
	if !h.requireBoardAccess(c, boardID) {
		return
	}

	ctx := c.Request.Context()
	stream, cleanup := h.events.Dispatcher().Subscribe(ctx, boardID)
	defer cleanup()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	c.Stream(func(io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case event := <-stream:
			c.SSEvent(streamEventName, event)
			return true
		case tick := <-heartbeat.C:
			c.SSEvent(streamHeartbeatName, gin.H{"timestampMs": tick.UnixMilli()})
			return true
		}
	})
}

func (h *httpHandler) handleDocumentSnapshots(c *gin.Context) {
	documentID := c.Param("documentId")
	page, err := h.parsePage(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_page"})
		return
	}
	userID := c.GetString(userIDContextKey)
	allowed, err := h.access.CanAccessDocument(c.Request.Context(), userID, documentID, c.Query("workspaceId"))
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "access_unavailable"})
		return
	}
	if !allowed {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}

	records, err := h.snapshots.List(c.Request.Context(), documentID, page.Limit, page.Offset)
	if err != nil {
		h.logger.Error("failed to list snapshots", zap.String("document_id", documentID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "snapshots_failed"})
		return
	}
	response := make([]snapshotPayload, 0, len(records))
	for _, record := range records {
		metadata, err := record.Metadata()
		if err != nil {
			h.logger.Warn("snapshot metadata unreadable", zap.Int64("snapshot_id", record.ID), zap.Error(err))
		}
		response = append(response, snapshotPayload{
			ID:          record.ID,
			DocumentID:  record.DocumentID,
			AuthorID:    record.AuthorID,
			CreatedAtMs: record.CreatedAtMs,
			SizeBytes:   len(record.BinaryState),
			Metadata:    metadata,
		})
	}
	c.JSON(http.StatusOK, gin.H{"documentId": documentID, "snapshots": response})
}

func (h *httpHandler) handleEmit(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	var request emitRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Type) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	eventType := events.Type(strings.TrimSpace(request.Type))
	payload, err := events.DecodePayload(eventType, request.Payload)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_event", "detail": err.Error()})
		return
	}

	// The payload's board is authoritative: it is the board the event is
	// recorded against in history.
	scope := request.Scope
	if payloadBoard := payload.Refs().BoardID; payloadBoard != "" {
		if scope.BoardID != "" && scope.BoardID != payloadBoard {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_scope", "detail": "scope board does not match payload board"})
			return
		}
		scope.BoardID = payloadBoard
	}
	if scope.TargetUserID != "" && scope.TargetUserID != userID {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "detail": "events may only target the caller"})
		return
	}
	if scope.BoardID != "" && !h.requireBoardAccess(c, scope.BoardID) {
		return
	}

	event, err := h.events.Emit(c.Request.Context(), events.EmitRequest{
		Type:    eventType,
		Payload: payload,
		ActorID: userID,
		Scope:   scope,
	})
	if err != nil {
		if errors.Is(err, events.ErrInvalidEvent) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_event", "detail": err.Error()})
			return
		}
		h.logger.Error("failed to emit event", zap.String("type", eventType.String()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "emit_failed"})
		return
	}
	c.JSON(http.StatusCreated, event)
}

func (h *httpHandler) requireBoardAccess(c *gin.Context, boardID string) bool {
	userID := c.GetString(userIDContextKey)
	allowed, err := h.access.CanAccessBoard(c.Request.Context(), userID, boardID)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "access_unavailable"})
		return false
	}
	if !allowed {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return false
	}
	return true
}

// requireCardAccess checks the owning board when the domain service knows it.
func (h *httpHandler) requireCardAccess(c *gin.Context, cardID string) bool {
	boardID, err := h.access.BoardForCard(c.Request.Context(), cardID)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "access_unavailable"})
		return false
	}
	if boardID == "" {
		return true
	}
	return h.requireBoardAccess(c, boardID)
}
