package server

import (
	"errors"
	"net/http"

	"github.com/MarcoPoloResearchLab/corkboard/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/corkboard/backend/internal/realtime"
	"github.com/MarcoPoloResearchLab/corkboard/backend/internal/users"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	userIDContextKey  = "corkboard_user_id"
	profileContextKey = "corkboard_profile"
)

var errMissingAuthenticatorDeps = errors.New("session validator and user resolver are required")

// SessionValidator validates the session carried by a request.
type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

// ProfileResolver maps session claims onto the canonical user profile.
type ProfileResolver interface {
	ResolveProfile(claims auth.SessionClaims) (users.Profile, error)
}

// SessionAuthenticator resolves request identities for both the REST surface
// and the WebSocket handshake.
type SessionAuthenticator struct {
	sessions SessionValidator
	users    ProfileResolver
	logger   *zap.Logger
}

func NewSessionAuthenticator(sessions SessionValidator, resolver ProfileResolver, logger *zap.Logger) (*SessionAuthenticator, error) {
	if sessions == nil || resolver == nil {
		return nil, errMissingAuthenticatorDeps
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionAuthenticator{sessions: sessions, users: resolver, logger: logger}, nil
}

// Profile validates the request session and returns the caller's profile.
func (a *SessionAuthenticator) Profile(r *http.Request) (users.Profile, error) {
	claims, err := a.sessions.ValidateRequest(r)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredSessionToken) || errors.Is(err, auth.ErrMissingSessionToken) {
			a.logger.Info("session validation failed", zap.Error(err))
		} else {
			a.logger.Warn("session validation failed", zap.Error(err))
		}
		return users.Profile{}, err
	}
	profile, err := a.users.ResolveProfile(claims)
	if err != nil {
		a.logger.Error("failed to resolve user profile", zap.Error(err))
		return users.Profile{}, err
	}
	return profile, nil
}

// Authenticate implements realtime.Authenticator.
func (a *SessionAuthenticator) Authenticate(r *http.Request) (realtime.Identity, error) {
	profile, err := a.Profile(r)
	if err != nil {
		return realtime.Identity{}, err
	}
	return realtime.Identity{
		UserID: profile.UserID,
		Name:   profile.Name,
		Email:  profile.Email,
		Avatar: profile.Avatar,
	}, nil
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	profile, err := h.authenticator.Profile(c.Request)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, profile.UserID)
	c.Set(profileContextKey, profile)
	c.Next()
}
