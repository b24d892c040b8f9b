// Package server exposes the remote flashdeck tables over HTTP.
package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/flashdeck/internal/auth"
	"github.com/MarcoPoloResearchLab/flashdeck/internal/cloudstore"
	"github.com/MarcoPoloResearchLab/flashdeck/internal/remote"
	"github.com/MarcoPoloResearchLab/flashdeck/internal/users"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

const userIDContextKey = "flashdeck_user_id"

var (
	errMissingTokenValidator = errors.New("token validator dependency required")
	errMissingUserResolver   = errors.New("user resolver dependency required")
	errMissingBackend        = errors.New("backend dependency required")
	errInvalidAuthorization  = errors.New("authorization header missing or invalid")
)

type TokenValidator interface {
	Validate(token string) (auth.Claims, error)
}

type UserResolver interface {
	ResolveCanonicalUserID(claims auth.Claims) (string, error)
}

type Dependencies struct {
	Tokens  TokenValidator
	Users   UserResolver
	Backend remote.Backend
	// Realtime receives an announcement for every accepted write. A
	// dispatcher is created when nil.
	Realtime          *RealtimeDispatcher
	AllowedOrigins    []string
	HeartbeatInterval time.Duration
	Logger            *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Tokens == nil {
		return nil, errMissingTokenValidator
	}
	if deps.Users == nil {
		return nil, errMissingUserResolver
	}
	if deps.Backend == nil {
		return nil, errMissingBackend
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	realtime := deps.Realtime
	if realtime == nil {
		realtime = NewRealtimeDispatcher()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		tokens:    deps.Tokens,
		users:     deps.Users,
		backend:   deps.Backend,
		realtime:  realtime,
		heartbeat: heartbeat,
		logger:    logger,
	}

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	protected := router.Group("/v1")
	protected.Use(handler.authorizeRequest)
	protected.GET("/decks", handler.handlePullDecks)
	protected.GET("/decks/all", handler.handleListDecks)
	protected.POST("/decks", handler.handleUpsertDecks)
	protected.POST("/decks/delete", handler.handleDeleteDecks)
	protected.GET("/cards", handler.handleCards)
	protected.POST("/cards", handler.handleUpsertCards)
	protected.POST("/cards/delete", handler.handleDeleteCards)
	protected.GET("/stats", handler.handleGetStats)
	protected.PUT("/stats", handler.handlePutStats)
	protected.GET("/events", handler.handleEvents)

	return router, nil
}

func corsMiddleware(origins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowHeaders:  []string{"Authorization", "Content-Type", "Accept", "Last-Event-ID"},
		ExposeHeaders: []string{"Content-Type"},
		MaxAge:        12 * time.Hour,
	}
	if len(origins) == 0 || lo.Contains(origins, "*") {
		config.AllowAllOrigins = true
	} else {
		config.AllowOrigins = origins
		config.AllowCredentials = true
	}
	return cors.New(config)
}

type httpHandler struct {
	tokens    TokenValidator
	users     UserResolver
	backend   remote.Backend
	realtime  *RealtimeDispatcher
	heartbeat time.Duration
	logger    *zap.Logger
}

type rowsPayload[T any] struct {
	Rows []T `json:"rows"`
}

type conflictsPayload[T any] struct {
	Conflicts []T `json:"conflicts"`
}

type idsPayload struct {
	IDs []string `json:"ids"`
}

type statsPayload struct {
	Stats remote.StatsRow `json:"stats"`
}

func (h *httpHandler) handlePullDecks(c *gin.Context) {
	since, limit, ok := pullParameters(c)
	if !ok {
		return
	}
	rows, err := h.backend.PullDecks(c.Request.Context(), c.GetString(userIDContextKey), since, limit)
	if err != nil {
		h.respondError(c, "pull decks", err)
		return
	}
	c.JSON(http.StatusOK, rowsPayload[remote.DeckRow]{Rows: nonNil(rows)})
}

func (h *httpHandler) handleListDecks(c *gin.Context) {
	rows, err := h.backend.ListDecks(c.Request.Context(), c.GetString(userIDContextKey))
	if err != nil {
		h.respondError(c, "list decks", err)
		return
	}
	c.JSON(http.StatusOK, rowsPayload[remote.DeckRow]{Rows: nonNil(rows)})
}

func (h *httpHandler) handleUpsertDecks(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	var request rowsPayload[remote.DeckRow]
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_payload"})
		return
	}
	conflicts, err := h.backend.UpsertDecks(c.Request.Context(), userID, request.Rows)
	if err != nil {
		h.respondError(c, "upsert decks", err)
		return
	}
	h.announce(userID, remote.CollectionDecks, acceptedIDs(request.Rows, conflicts, func(row remote.DeckRow) string { return row.ID }))
	c.JSON(http.StatusOK, conflictsPayload[remote.DeckRow]{Conflicts: nonNil(conflicts)})
}

func (h *httpHandler) handleDeleteDecks(c *gin.Context) {
	h.handleDelete(c, remote.CollectionDecks, h.backend.DeleteDecks)
}

// handleCards serves both the incremental pull and, with deck_id, the
// listing of one deck's cards.
func (h *httpHandler) handleCards(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	if deckID, ok := c.GetQuery("deck_id"); ok {
		if strings.TrimSpace(deckID) == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_deck_id"})
			return
		}
		rows, err := h.backend.ListCards(c.Request.Context(), userID, deckID)
		if err != nil {
			h.respondError(c, "list cards", err)
			return
		}
		c.JSON(http.StatusOK, rowsPayload[remote.CardRow]{Rows: nonNil(rows)})
		return
	}

	since, limit, ok := pullParameters(c)
	if !ok {
		return
	}
	rows, err := h.backend.PullCards(c.Request.Context(), userID, since, limit)
	if err != nil {
		h.respondError(c, "pull cards", err)
		return
	}
	c.JSON(http.StatusOK, rowsPayload[remote.CardRow]{Rows: nonNil(rows)})
}

func (h *httpHandler) handleUpsertCards(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	var request rowsPayload[remote.CardRow]
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_payload"})
		return
	}
	conflicts, err := h.backend.UpsertCards(c.Request.Context(), userID, request.Rows)
	if err != nil {
		h.respondError(c, "upsert cards", err)
		return
	}
	h.announce(userID, remote.CollectionCards, acceptedIDs(request.Rows, conflicts, func(row remote.CardRow) string { return row.ID }))
	c.JSON(http.StatusOK, conflictsPayload[remote.CardRow]{Conflicts: nonNil(conflicts)})
}

func (h *httpHandler) handleDeleteCards(c *gin.Context) {
	h.handleDelete(c, remote.CollectionCards, h.backend.DeleteCards)
}

func (h *httpHandler) handleDelete(c *gin.Context, collection string, remove func(ctx context.Context, userID string, ids []string) error) {
	userID := c.GetString(userIDContextKey)
	var request idsPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_payload"})
		return
	}
	if err := remove(c.Request.Context(), userID, request.IDs); err != nil {
		h.respondError(c, "delete "+collection, err)
		return
	}
	h.announce(userID, collection, request.IDs)
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleGetStats(c *gin.Context) {
	row, found, err := h.backend.GetStats(c.Request.Context(), c.GetString(userIDContextKey))
	if err != nil {
		h.respondError(c, "get stats", err)
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	c.JSON(http.StatusOK, statsPayload{Stats: row})
}

func (h *httpHandler) handlePutStats(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	var request statsPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_payload"})
		return
	}
	merged, err := h.backend.PutStats(c.Request.Context(), userID, request.Stats)
	if err != nil {
		h.respondError(c, "put stats", err)
		return
	}
	h.announce(userID, remote.CollectionStats, nil)
	c.JSON(http.StatusOK, statsPayload{Stats: merged})
}

// handleEvents streams change announcements as server-sent events until the
// client disconnects.
func (h *httpHandler) handleEvents(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	ctx := c.Request.Context()
	messages, cleanup := h.realtime.Subscribe(ctx, userID)
	defer cleanup()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			c.SSEvent(realtimeEventHeartbeat, gin.H{"timestamp": time.Now().UTC()})
			c.Writer.Flush()
		case message, ok := <-messages:
			if !ok {
				return
			}
			c.SSEvent(remote.EventChange, remote.Change{Collection: message.Collection, IDs: message.IDs})
			c.Writer.Flush()
		}
	}
}

func (h *httpHandler) announce(userID, collection string, ids []string) {
	if collection != remote.CollectionStats && len(ids) == 0 {
		return
	}
	h.realtime.Publish(RealtimeMessage{UserID: userID, Collection: collection, IDs: ids})
}

func (h *httpHandler) respondError(c *gin.Context, action string, err error) {
	if errors.Is(err, cloudstore.ErrInvalidRow) {
		h.logger.Info("rejected invalid rows", zap.String("action", action), zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_row", "message": err.Error()})
		return
	}
	fields := []zap.Field{zap.String("action", action), zap.Error(err)}
	var serviceErr *cloudstore.ServiceError
	if errors.As(err, &serviceErr) {
		fields = append(fields, zap.String("code", serviceErr.Code()))
	}
	h.logger.Error("request failed", fields...)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "storage_failed"})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	token, ok := bearerToken(c)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	claims, err := h.tokens.Validate(token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	userID, err := h.users.ResolveCanonicalUserID(claims)
	if err != nil {
		if errors.Is(err, users.ErrInvalidIdentity) {
			h.logger.Warn("token carries no usable identity", zap.Error(err))
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		h.logger.Error("user resolution failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "user_resolution_failed"})
		return
	}
	c.Set(userIDContextKey, userID)
	c.Next()
}

// bearerToken reads the Authorization header. The event stream also accepts
// an access_token query parameter because browser EventSource cannot set
// headers.
func bearerToken(c *gin.Context) (string, bool) {
	header := c.GetHeader("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
		return token, token != ""
	}
	if header == "" && strings.HasSuffix(c.Request.URL.Path, "/events") {
		token := strings.TrimSpace(c.Query("access_token"))
		return token, token != ""
	}
	return "", false
}

func pullParameters(c *gin.Context) (time.Time, int, bool) {
	var since time.Time
	if raw := strings.TrimSpace(c.Query("since")); raw != "" {
		parsed, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_since"})
			return time.Time{}, 0, false
		}
		since = parsed
	}
	limit := 0
	if raw := strings.TrimSpace(c.Query("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit"})
			return time.Time{}, 0, false
		}
		limit = parsed
	}
	return since, limit, true
}

// acceptedIDs returns the ids of rows that are not among conflicts.
func acceptedIDs[R any](rows, conflicts []R, id func(R) string) []string {
	rejected := lo.Associate(conflicts, func(row R) (string, struct{}) {
		return id(row), struct{}{}
	})
	return lo.FilterMap(rows, func(row R, _ int) (string, bool) {
		_, lost := rejected[id(row)]
		return id(row), !lost
	})
}

func nonNil[T any](rows []T) []T {
	if rows == nil {
		return []T{}
	}
	return rows
}
