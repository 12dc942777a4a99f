package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/sparkpadlab/sparkpad/internal/broadcast"
	"github.com/sparkpadlab/sparkpad/internal/bundler"
	"github.com/sparkpadlab/sparkpad/internal/cache"
	"github.com/sparkpadlab/sparkpad/internal/session"
	"github.com/sparkpadlab/sparkpad/internal/template"
	"go.uber.org/zap"
)

var (
	errMissingStore       = errors.New("session store dependency required")
	errMissingBroadcaster = errors.New("broadcaster dependency required")
	errMissingBundler     = errors.New("bundler dependency required")
)

// bundleCacheTTL bounds how long a built bundle is served from cache.
// The cache key includes the content hash, so any session change
// rotates the key regardless of TTL.
const bundleCacheTTL = 10 * time.Minute

// Dependencies carries everything the HTTP surface needs.
type Dependencies struct {
	Store       *session.Store
	Broadcaster *broadcast.Broadcaster
	Bundler     *bundler.Bundler
	Cache       session.Cache
	Logger      *zap.Logger
}

// NewHTTPHandler builds the gin router for the session API.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Store == nil {
		return nil, errMissingStore
	}
	if deps.Broadcaster == nil {
		return nil, errMissingBroadcaster
	}
	if deps.Bundler == nil {
		return nil, errMissingBundler
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		store:       deps.Store,
		broadcaster: deps.Broadcaster,
		bundler:     deps.Bundler,
		cache:       deps.Cache,
		logger:      logger,
	}

	api := router.Group("/api")
	api.GET("/sessions/:codespace", handler.handleGetSession)
	api.PUT("/sessions/:codespace", handler.handleUpdateSession)
	api.POST("/sessions/:codespace/versions", handler.handleSaveVersion)
	api.GET("/sessions/:codespace/versions", handler.handleListVersions)
	api.GET("/sessions/:codespace/versions/:number", handler.handleGetVersion)
	api.POST("/sessions/:codespace/bundle", handler.handleBundle)
	api.GET("/sessions/:codespace/preview", handler.handlePreview)
	api.GET("/sessions/:codespace/events", handler.handleSessionEvents)

	return router, nil
}

type httpHandler struct {
	store       *session.Store
	broadcaster *broadcast.Broadcaster
	bundler     *bundler.Bundler
	cache       session.Cache
	logger      *zap.Logger
}

func (h *httpHandler) codeSpaceParam(c *gin.Context) (session.CodeSpaceID, bool) {
	codeSpace, err := session.NewCodeSpaceID(c.Param("codespace"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_code_space"})
		return "", false
	}
	return codeSpace, true
}

func (h *httpHandler) handleGetSession(c *gin.Context) {
	codeSpace, ok := h.codeSpaceParam(c)
	if !ok {
		return
	}

	stored, err := h.store.GetOrCreate(c.Request.Context(), codeSpace)
	if err != nil {
		h.logger.Error("failed to load session", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "session_load_failed"})
		return
	}
	c.JSON(http.StatusOK, stored)
}

type updateRequestPayload struct {
	Code         string `json:"code"`
	Transpiled   string `json:"transpiled"`
	HTML         string `json:"html"`
	CSS          string `json:"css"`
	ExpectedHash string `json:"expectedHash"`
}

type updateEventPayload struct {
	CodeSpace   string `json:"codeSpace"`
	ContentHash string `json:"contentHash"`
}

func (h *httpHandler) handleUpdateSession(c *gin.Context) {
	codeSpace, ok := h.codeSpaceParam(c)
	if !ok {
		return
	}

	var request updateRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if request.ExpectedHash == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing_expected_hash"})
		return
	}

	content := session.Content{
		Code:       request.Code,
		Transpiled: request.Transpiled,
		HTML:       request.HTML,
		CSS:        request.CSS,
	}

	updated, err := h.store.Update(c.Request.Context(), codeSpace, content, request.ExpectedHash)
	if err != nil {
		var conflict *session.ConflictError
		if errors.As(err, &conflict) {
			// Expected under concurrent editing; the caller re-fetches
			// and retries with the returned hash.
			c.JSON(http.StatusConflict, gin.H{
				"error":       "hash_conflict",
				"currentHash": conflict.CurrentHash,
			})
			return
		}
		h.logger.Error("failed to update session", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "session_update_failed"})
		return
	}

	h.publishEvent(c, codeSpace.String(), broadcast.EventSessionUpdated, updateEventPayload{
		CodeSpace:   updated.CodeSpace,
		ContentHash: updated.ContentHash,
	})
	c.JSON(http.StatusOK, updated)
}

func (h *httpHandler) handleSaveVersion(c *gin.Context) {
	codeSpace, ok := h.codeSpaceParam(c)
	if !ok {
		return
	}

	version, err := h.store.SaveVersion(c.Request.Context(), codeSpace)
	if err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session_not_found"})
			return
		}
		h.logger.Error("failed to save version", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "version_save_failed"})
		return
	}

	h.publishEvent(c, codeSpace.String(), broadcast.EventVersionSaved, version)
	c.JSON(http.StatusCreated, version)
}

func (h *httpHandler) handleListVersions(c *gin.Context) {
	codeSpace, ok := h.codeSpaceParam(c)
	if !ok {
		return
	}

	summaries, err := h.store.ListVersions(c.Request.Context(), codeSpace)
	if err != nil {
		h.logger.Error("failed to list versions", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "version_list_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"versions": summaries})
}

func (h *httpHandler) handleGetVersion(c *gin.Context) {
	codeSpace, ok := h.codeSpaceParam(c)
	if !ok {
		return
	}

	rawNumber, err := strconv.ParseInt(c.Param("number"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_version_number"})
		return
	}
	number, err := session.NewVersionNumber(rawNumber)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_version_number"})
		return
	}

	version, err := h.store.GetVersion(c.Request.Context(), codeSpace, number)
	if err != nil {
		if errors.Is(err, session.ErrVersionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "version_not_found"})
			return
		}
		h.logger.Error("failed to load version", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "version_load_failed"})
		return
	}
	c.JSON(http.StatusOK, version)
}

func (h *httpHandler) handleBundle(c *gin.Context) {
	codeSpace, ok := h.codeSpaceParam(c)
	if !ok {
		return
	}

	output, err := h.bundleSession(c, codeSpace)
	if err != nil {
		var buildErr *bundler.BuildError
		if errors.As(err, &buildErr) {
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "build_failed",
				"message": buildErr.Message,
			})
			return
		}
		h.logger.Error("failed to bundle session", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "bundle_failed"})
		return
	}
	c.JSON(http.StatusOK, output)
}

func (h *httpHandler) handlePreview(c *gin.Context) {
	codeSpace, ok := h.codeSpaceParam(c)
	if !ok {
		return
	}

	stored, err := h.store.GetOrCreate(c.Request.Context(), codeSpace)
	if err != nil {
		h.logger.Error("failed to load session", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "session_load_failed"})
		return
	}

	output, err := h.bundleSession(c, codeSpace)
	if err != nil {
		h.logger.Error("failed to bundle session for preview", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "bundle_failed"})
		return
	}

	document := template.Render(template.Page{
		Script:     output.Script,
		Stylesheet: output.Stylesheet,
		HTML:       stored.HTML,
		CodeSpace:  stored.CodeSpace,
	})
	c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(document))
}

// bundleSession builds (or serves from cache) the bundle for the
// session's current content. The cache key carries the content hash, so
// stale bundles fall out automatically when the session changes.
func (h *httpHandler) bundleSession(c *gin.Context, codeSpace session.CodeSpaceID) (bundler.Output, error) {
	stored, err := h.store.GetOrCreate(c.Request.Context(), codeSpace)
	if err != nil {
		return bundler.Output{}, err
	}

	cacheKey := cache.BundleKey(stored.CodeSpace, stored.ContentHash)
	if h.cache != nil {
		if payload, cacheErr := h.cache.Get(c.Request.Context(), cacheKey); cacheErr == nil {
			var cached bundler.Output
			if unmarshalErr := json.Unmarshal(payload, &cached); unmarshalErr == nil {
				return cached, nil
			}
		}
	}

	output, err := h.bundler.Bundle(c.Request.Context(), bundler.Input{
		Transpiled: stored.Transpiled,
		CodeSpace:  stored.CodeSpace,
	})
	if err != nil {
		return bundler.Output{}, err
	}

	if h.cache != nil {
		if payload, marshalErr := json.Marshal(output); marshalErr == nil {
			if cacheErr := h.cache.Set(c.Request.Context(), cacheKey, payload, bundleCacheTTL); cacheErr != nil {
				h.logger.Warn("bundle cache populate failed",
					zap.String("code_space", stored.CodeSpace), zap.Error(cacheErr))
			}
		}
	}
	return output, nil
}

func (h *httpHandler) publishEvent(c *gin.Context, topic, eventType string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		h.logger.Warn("event payload marshal failed",
			zap.String("topic", topic), zap.Error(err))
		return
	}
	h.broadcaster.Publish(c.Request.Context(), topic, eventType, data)
}
