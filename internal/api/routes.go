package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/DoHungMinh/website-hoc-tieng-anh-sub004/domain/repositories"
	"github.com/DoHungMinh/website-hoc-tieng-anh-sub004/internal/auth"
	"github.com/DoHungMinh/website-hoc-tieng-anh-sub004/internal/websocket"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100

	userIDKey = "userID"
)

// SessionCounter reports the number of live relay sessions
type SessionCounter interface {
	ActiveSessions() int
}

// Dependencies wires the HTTP surface
type Dependencies struct {
	Hub      *websocket.Hub
	Sessions SessionCounter
	Archive  repositories.SessionRepository
	// Auth validates bearer tokens; nil disables authentication entirely
	Auth *auth.Authenticator
	// AuthRequired rejects websocket upgrades that carry no token
	AuthRequired bool
	Logger       *zap.Logger
}

// InitRoutes initializes all API routes
func InitRoutes(e *echo.Echo, deps Dependencies) {
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, HealthResponse{
			Status:         "ok",
			Service:        "voice-relay",
			ActiveSessions: deps.Sessions.ActiveSessions(),
			Clients:        deps.Hub.ClientCount(),
		})
	})

	// WebSocket endpoint with optional JWT validation
	e.GET("/ws", func(c echo.Context) error {
		return websocketWithAuth(c, deps)
	})

	v1 := e.Group("/api/v1", requireUser(deps.Auth, deps.Logger))
	v1.GET("/sessions", func(c echo.Context) error {
		return listSessions(c, deps)
	})
	v1.GET("/sessions/:id", func(c echo.Context) error {
		return getSession(c, deps)
	})
}

// requireUser authenticates the request and stores the user id in the context
func requireUser(authenticator *auth.Authenticator, logger *zap.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if authenticator == nil {
				return c.JSON(http.StatusUnauthorized, ErrorResponse{
					Error:   "auth_disabled",
					Message: "Authentication is not configured on this server",
				})
			}

			token, err := auth.TokenFromRequest(c.Request())
			if err != nil {
				return c.JSON(http.StatusUnauthorized, ErrorResponse{
					Error:   "missing_token",
					Message: err.Error(),
				})
			}

			claims, err := authenticator.ValidateToken(token)
			if err != nil {
				logger.Warn("Request rejected: invalid token", zap.Error(err))
				return c.JSON(http.StatusUnauthorized, ErrorResponse{
					Error:   "invalid_token",
					Message: "Invalid or expired JWT token",
				})
			}

			c.Set(userIDKey, claims.UserID)
			return next(c)
		}
	}
}

func listSessions(c echo.Context, deps Dependencies) error {
	userID, _ := c.Get(userIDKey).(string)

	limit := defaultListLimit
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return c.JSON(http.StatusBadRequest, ErrorResponse{
				Error:   "invalid_limit",
				Message: "limit must be a positive integer",
			})
		}
		limit = min(n, maxListLimit)
	}

	sessions, err := deps.Archive.ListByUser(c.Request().Context(), userID, limit)
	if err != nil {
		deps.Logger.Error("Failed to list sessions", zap.String("userID", userID), zap.Error(err))
		return c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "internal_error",
			Message: "Failed to load session history",
		})
	}

	return c.JSON(http.StatusOK, SessionListResponse{
		Sessions: sessions,
		Count:    len(sessions),
	})
}

func getSession(c echo.Context, deps Dependencies) error {
	userID, _ := c.Get(userIDKey).(string)

	session, err := deps.Archive.GetByID(c.Request().Context(), c.Param("id"))
	if err != nil && !errors.Is(err, repositories.ErrSessionNotFound) {
		deps.Logger.Error("Failed to load session", zap.String("sessionID", c.Param("id")), zap.Error(err))
		return c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "internal_error",
			Message: "Failed to load session",
		})
	}
	// sessions of other users are reported as missing
	if session == nil || session.UserID != userID {
		return c.JSON(http.StatusNotFound, ErrorResponse{
			Error:   "not_found",
			Message: "Session not found",
		})
	}
	return c.JSON(http.StatusOK, session)
}

// websocketWithAuth binds the connection to the token's user when one is
// presented. Anonymous connections are allowed unless AuthRequired is set.
func websocketWithAuth(c echo.Context, deps Dependencies) error {
	userID := ""

	if deps.Auth != nil {
		token, err := auth.TokenFromRequest(c.Request())
		switch {
		case errors.Is(err, auth.ErrMissingToken) && !deps.AuthRequired:
		case err != nil:
			deps.Logger.Warn("WebSocket connection rejected", zap.Error(err))
			return c.JSON(http.StatusUnauthorized, ErrorResponse{
				Error:   "missing_token",
				Message: "JWT token is required in the Authorization header or token parameter",
			})
		default:
			claims, err := deps.Auth.ValidateToken(token)
			if err != nil {
				deps.Logger.Warn("WebSocket connection rejected: invalid token", zap.Error(err))
				return c.JSON(http.StatusUnauthorized, ErrorResponse{
					Error:   "invalid_token",
					Message: "Invalid or expired JWT token",
				})
			}
			userID = claims.UserID
		}
	}

	deps.Logger.Info("WebSocket connection accepted", zap.String("userID", userID))
	return deps.Hub.ServeWS(c, userID)
}
