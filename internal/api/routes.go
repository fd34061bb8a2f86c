package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/satriahrh/voicechat/adapters/tts"
	"github.com/satriahrh/voicechat/domain/entities"
	"github.com/satriahrh/voicechat/domain/repositories"
	"github.com/satriahrh/voicechat/internal/auth"
	"github.com/satriahrh/voicechat/internal/websocket"
	"github.com/satriahrh/voicechat/usecase"
)

const claimsKey = "claims"

// SessionServer opens voice sessions over websocket. *websocket.Hub implements it.
type SessionServer interface {
	ServeClient(c echo.Context, projectID string, settings entities.VoiceSettings) error
	Count() int
}

// ConversationReader exposes a project's stored conversations. *usecase.ChatService implements it.
type ConversationReader interface {
	Conversations(ctx context.Context, projectID string, limit int) ([]*entities.Conversation, error)
	Conversation(ctx context.Context, projectID, conversationID string) (*entities.Conversation, error)
}

// VoiceCatalog lists the synthesis voices
type VoiceCatalog interface {
	ListVoices(ctx context.Context) ([]tts.Voice, error)
}

// ChunkReader serves stored audio chunks by key
type ChunkReader interface {
	Get(ctx context.Context, key string) ([]byte, string, error)
}

var (
	_ SessionServer      = (*websocket.Hub)(nil)
	_ ConversationReader = (*usecase.ChatService)(nil)
)

// Dependencies holds what the routes need. Voices and Chunks are optional.
type Dependencies struct {
	Issuer        *auth.Issuer
	Projects      repositories.ProjectRepository
	Conversations ConversationReader
	Voices        VoiceCatalog
	Chunks        ChunkReader
	Sessions      SessionServer
}

type handler struct {
	deps   Dependencies
	logger *zap.Logger
}

// InitRoutes initializes all API routes
func InitRoutes(e *echo.Echo, deps Dependencies, logger *zap.Logger) {
	h := &handler{deps: deps, logger: logger}

	// Health check
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, HealthResponse{
			Status:   "ok",
			Service:  "voicechat-server",
			Sessions: deps.Sessions.Count(),
		})
	})

	// API v1 routes
	v1 := e.Group("/api/v1")
	v1.POST("/widget/token", h.widgetToken)

	widget := v1.Group("", h.requireWidget)
	widget.GET("/conversations", h.listConversations)
	widget.GET("/conversations/:id", h.getConversation)
	widget.GET("/voices", h.listVoices)
	widget.GET("/chunks/*", h.getChunk)

	// WebSocket endpoint with JWT validation
	e.GET("/ws", h.openSession, h.requireWidget)
}

func (h *handler) widgetToken(c echo.Context) error {
	var req WidgetTokenRequest

	// Bind and validate request
	if err := c.Bind(&req); err != nil {
		h.logger.Error("Failed to bind widget token request", zap.Error(err))
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_request",
			Message: "Invalid request format",
		})
	}

	if req.ProjectID == "" || req.WidgetKey == "" {
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "missing_fields",
			Message: "Project ID and widget key are required",
		})
	}

	project, err := h.deps.Projects.ValidateWidgetKey(c.Request().Context(), req.ProjectID, req.WidgetKey)
	if err != nil {
		h.logger.Warn("Widget authentication failed",
			zap.String("projectID", req.ProjectID),
			zap.Error(err))
		return c.JSON(http.StatusUnauthorized, ErrorResponse{
			Error:   "authentication_failed",
			Message: "Invalid project credentials",
		})
	}

	token, expiresAt, err := h.deps.Issuer.GenerateWidgetToken(project.ID)
	if err != nil {
		h.logger.Error("Failed to generate widget token",
			zap.String("projectID", project.ID),
			zap.Error(err))
		return c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "token_generation_failed",
			Message: "Failed to generate authentication token",
		})
	}

	h.logger.Info("Widget authenticated", zap.String("projectID", project.ID))

	return c.JSON(http.StatusOK, WidgetTokenResponse{
		Token:     token,
		ExpiresAt: expiresAt,
		ProjectID: project.ID,
		Voice:     project.Voice,
	})
}

// requireWidget accepts a widget token from the Authorization header or, for
// browser websocket and audio element requests, the token query parameter.
func (h *handler) requireWidget(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		token := c.QueryParam("token")
		if authHeader := c.Request().Header.Get("Authorization"); strings.HasPrefix(authHeader, "Bearer ") {
			token = strings.TrimPrefix(authHeader, "Bearer ")
		}
		if token == "" {
			h.logger.Warn("Request rejected: missing token", zap.String("path", c.Path()))
			return c.JSON(http.StatusUnauthorized, ErrorResponse{
				Error:   "missing_token",
				Message: "Widget token is required",
			})
		}

		claims, err := h.deps.Issuer.ValidateToken(token)
		if err != nil {
			h.logger.Warn("Request rejected: invalid token", zap.Error(err))
			return c.JSON(http.StatusUnauthorized, ErrorResponse{
				Error:   "invalid_token",
				Message: "Invalid or expired widget token",
			})
		}

		c.Set(claimsKey, claims)
		return next(c)
	}
}

func projectID(c echo.Context) string {
	claims, _ := c.Get(claimsKey).(*auth.JWTClaims)
	if claims == nil {
		return ""
	}
	return claims.ProjectID
}

func (h *handler) listConversations(c echo.Context) error {
	limit := 20
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 100 {
			return c.JSON(http.StatusBadRequest, ErrorResponse{
				Error:   "invalid_limit",
				Message: "limit must be between 1 and 100",
			})
		}
		limit = n
	}

	conversations, err := h.deps.Conversations.Conversations(c.Request().Context(), projectID(c), limit)
	if err != nil {
		h.logger.Error("Failed to list conversations", zap.String("projectID", projectID(c)), zap.Error(err))
		return c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "internal_error",
			Message: "Failed to list conversations",
		})
	}
	if conversations == nil {
		conversations = []*entities.Conversation{}
	}
	return c.JSON(http.StatusOK, ConversationListResponse{Conversations: conversations})
}

func (h *handler) getConversation(c echo.Context) error {
	conversation, err := h.deps.Conversations.Conversation(c.Request().Context(), projectID(c), c.Param("id"))
	if err != nil {
		return h.conversationError(c, err)
	}
	return c.JSON(http.StatusOK, conversation)
}

func (h *handler) conversationError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, repositories.ErrNotFound), errors.Is(err, usecase.ErrForbidden):
		// another project's conversation is reported as missing
		return c.JSON(http.StatusNotFound, ErrorResponse{
			Error:   "not_found",
			Message: "Conversation not found",
		})
	default:
		h.logger.Error("Failed to load conversation", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "internal_error",
			Message: "Failed to load conversation",
		})
	}
}

func (h *handler) listVoices(c echo.Context) error {
	if h.deps.Voices == nil {
		return c.JSON(http.StatusOK, VoiceListResponse{Voices: []tts.Voice{}})
	}
	voices, err := h.deps.Voices.ListVoices(c.Request().Context())
	if err != nil {
		h.logger.Error("Failed to list voices", zap.Error(err))
		return c.JSON(http.StatusBadGateway, ErrorResponse{
			Error:   "upstream_error",
			Message: "Failed to list voices",
		})
	}
	return c.JSON(http.StatusOK, VoiceListResponse{Voices: voices})
}

// getChunk serves a stored chunk. Keys start with the conversation id, which
// must belong to the caller's project.
func (h *handler) getChunk(c echo.Context) error {
	key := c.Param("*")
	conversationID, _, ok := strings.Cut(key, "/")
	if h.deps.Chunks == nil || !ok || conversationID == "" {
		return c.JSON(http.StatusNotFound, ErrorResponse{Error: "not_found", Message: "Chunk not found"})
	}

	ctx := c.Request().Context()
	if _, err := h.deps.Conversations.Conversation(ctx, projectID(c), conversationID); err != nil {
		return h.conversationError(c, err)
	}

	data, contentType, err := h.deps.Chunks.Get(ctx, key)
	if errors.Is(err, repositories.ErrNotFound) {
		return c.JSON(http.StatusNotFound, ErrorResponse{Error: "not_found", Message: "Chunk not found"})
	}
	if err != nil {
		h.logger.Error("Failed to read chunk", zap.String("key", key), zap.Error(err))
		return c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "internal_error",
			Message: "Failed to read chunk",
		})
	}
	if contentType == "" {
		contentType = echo.MIMEOctetStream
	}
	return c.Blob(http.StatusOK, contentType, data)
}

// openSession opens a voice session with the project's stored voice settings.
func (h *handler) openSession(c echo.Context) error {
	id := projectID(c)
	project, err := h.deps.Projects.GetByID(c.Request().Context(), id)
	if err != nil {
		h.logger.Warn("WebSocket connection rejected: unknown project", zap.String("projectID", id), zap.Error(err))
		return c.JSON(http.StatusForbidden, ErrorResponse{
			Error:   "unknown_project",
			Message: "Project not found",
		})
	}

	h.logger.Info("WebSocket connection authenticated", zap.String("projectID", id))
	return h.deps.Sessions.ServeClient(c, project.ID, project.Voice)
}
