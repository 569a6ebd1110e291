package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/corkboard/backend/internal/access"
	"github.com/MarcoPoloResearchLab/corkboard/backend/internal/docsync"
	"github.com/MarcoPoloResearchLab/corkboard/backend/internal/events"
	"github.com/MarcoPoloResearchLab/corkboard/backend/internal/fanout"
	"github.com/MarcoPoloResearchLab/corkboard/backend/internal/presence"
	"github.com/MarcoPoloResearchLab/corkboard/backend/internal/realtime"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const defaultStreamHeartbeat = 25 * time.Second

var (
	errMissingAuthenticator = errors.New("authenticator dependency required")
	errMissingEvents        = errors.New("events service dependency required")
	errMissingPresence      = errors.New("presence dependency required")
	errMissingSnapshots     = errors.New("snapshot store dependency required")
	errMissingAccess        = errors.New("access checker dependency required")
	errMissingHub           = errors.New("hub dependency required")
)

// PresenceReader exposes the presence queries served over HTTP.
type PresenceReader interface {
	GetActiveUsers(ctx context.Context, boardID string) ([]presence.ActiveUser, error)
	GetStats(ctx context.Context, boardID string) (presence.Stats, error)
	GetTypingUsers(ctx context.Context, cardID string) ([]presence.TypingIndicator, error)
}

// HealthReporter reports the cross-instance fan-out state.
type HealthReporter interface {
	Health() fanout.Health
}

type Dependencies struct {
	Authenticator   *SessionAuthenticator
	Events          *events.Service
	Presence        PresenceReader
	Snapshots       *docsync.SnapshotStore
	Access          access.Checker
	Hub             *realtime.Hub
	Fanout          HealthReporter
	AllowedOrigins  []string
	StreamHeartbeat time.Duration
	Logger          *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	switch {
	case deps.Authenticator == nil:
		return nil, errMissingAuthenticator
	case deps.Events == nil:
		return nil, errMissingEvents
	case deps.Presence == nil:
		return nil, errMissingPresence
	case deps.Snapshots == nil:
		return nil, errMissingSnapshots
	case deps.Access == nil:
		return nil, errMissingAccess
	case deps.Hub == nil:
		return nil, errMissingHub
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	heartbeat := deps.StreamHeartbeat
	if heartbeat <= 0 {
		heartbeat = defaultStreamHeartbeat
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		authenticator: deps.Authenticator,
		events:        deps.Events,
		presence:      deps.Presence,
		snapshots:     deps.Snapshots,
		access:        deps.Access,
		hub:           deps.Hub,
		fanout:        deps.Fanout,
		heartbeat:     heartbeat,
		logger:        logger,
	}

	router.GET("/healthz", handler.handleHealth)
	router.GET("/ws", gin.WrapF(deps.Hub.ServeWS))

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/boards/:boardId/presence", handler.handleBoardPresence)
	protected.GET("/boards/:boardId/presence/stats", handler.handleBoardPresenceStats)
	protected.GET("/boards/:boardId/events", handler.handleBoardEvents)
	protected.GET("/boards/:boardId/events/stream", handler.handleBoardStream)
	protected.GET("/cards/:cardId/typing", handler.handleCardTyping)
	protected.GET("/cards/:cardId/events", handler.handleCardEvents)
	protected.GET("/documents/:documentId/snapshots", handler.handleDocumentSnapshots)
	protected.POST("/events", handler.handleEmit)

	return router, nil
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	allowAll := len(allowedOrigins) == 0
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		if origin == "*" {
			allowAll = true
		}
		allowed[origin] = struct{}{}
	}
	return cors.New(cors.Config{
		AllowOriginFunc: func(origin string) bool {
			if allowAll {
				return true
			}
			_, ok := allowed[origin]
			return ok
		},
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", "Last-Event-ID"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	})
}

type httpHandler struct {
	authenticator *SessionAuthenticator
	events        *events.Service
	presence      PresenceReader
	snapshots     *docsync.SnapshotStore
	access        access.Checker
	hub           *realtime.Hub
	fanout        HealthReporter
	heartbeat     time.Duration
	logger        *zap.Logger
}
