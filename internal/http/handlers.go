package http

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/randallgann/chat-copilot/internal/config"
	"github.com/randallgann/chat-copilot/internal/configstore"
	"github.com/randallgann/chat-copilot/internal/tenant"
)

// HealthResponse is the response body for GET /healthz.
type HealthResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
}

// CreateResourceRequest is the request body for POST /resource/create.
type CreateResourceRequest struct {
	UserID            string             `json:"userId"`
	ContextID         string             `json:"contextId,omitempty"`
	CompletionOptions *config.LLMOptions `json:"completionOptions,omitempty"`
	EmbeddingOptions  *config.LLMOptions `json:"embeddingOptions,omitempty"`
	EnabledPlugins    []string           `json:"enabledPlugins,omitempty"`
	Settings          map[string]string  `json:"settings,omitempty"`
}

// CollectionsResponse is the response body for GET /collections.
type CollectionsResponse struct {
	Collections []string `json:"collections"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok", Service: "copilotd"})
}

// handleSnapshot lists every cached handle.
func (s *Server) handleSnapshot(c echo.Context) error {
	return c.JSON(http.StatusOK, s.manager.Snapshot())
}

// handleGetResource returns info for one cached handle, or 404.
func (s *Server) handleGetResource(c echo.Context) error {
	key, err := tenant.NewKey(c.Param("userID"), c.Param("contextID"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "user ID is required")
	}
	info, ok := s.manager.Lookup(key)
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "no cached resource for tenant")
	}
	return c.JSON(http.StatusOK, info)
}

// handleCreateResource provisions tenant configuration and forces a rebuild
// of the cached runtime.
func (s *Server) handleCreateResource(c echo.Context) error {
	var req CreateResourceRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn("invalid create request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	key, err := tenant.NewKey(req.UserID, req.ContextID)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "user ID is required")
	}

	cfg := &configstore.TenantConfig{
		UserID:         key.UserID,
		ContextID:      key.ContextID,
		EnabledPlugins: req.EnabledPlugins,
		Settings:       req.Settings,
	}
	if req.CompletionOptions != nil {
		cfg.CompletionOptions = *req.CompletionOptions
	}
	if req.EmbeddingOptions != nil {
		cfg.EmbeddingOptions = *req.EmbeddingOptions
	}
	if err := s.configs.Upsert(c.Request().Context(), cfg); err != nil {
		s.logger.Error("failed to persist tenant config", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to persist configuration")
	}

	// Force a rebuild so the new configuration takes effect immediately.
	s.manager.Release(key.UserID, key.ContextID, false)
	handle, err := s.manager.GetOrCreate(c.Request().Context(), key)
	if err != nil {
		s.logger.Error("failed to build runtime", zap.Error(err))
		return echo.NewHTTPError(http.StatusServiceUnavailable, "resource unavailable")
	}

	info, _ := s.manager.Lookup(handle.Key())
	return c.JSON(http.StatusOK, info)
}

// handleReleaseResource drops cached handles for a user.
func (s *Server) handleReleaseResource(c echo.Context) error {
	userID := c.Param("userID")
	if userID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "user ID is required")
	}
	releaseAll, _ := strconv.ParseBool(c.QueryParam("releaseAll"))
	s.manager.Release(userID, c.QueryParam("contextId"), releaseAll)
	return c.NoContent(http.StatusNoContent)
}

// handleClearAll empties the whole cache (maintenance mode).
func (s *Server) handleClearAll(c echo.Context) error {
	s.manager.ClearAll()
	return c.NoContent(http.StatusNoContent)
}

// handleListCollections lists collections on the vector store.
func (s *Server) handleListCollections(c echo.Context) error {
	names, err := s.collections.List(c.Request().Context())
	if err != nil {
		s.logger.Error("failed to list collections", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadGateway, "vector store unavailable")
	}
	return c.JSON(http.StatusOK, CollectionsResponse{Collections: names})
}

// handleDeleteCollections deletes a user's backing collections. This is the
// only path that ever destroys vector data; eviction and release never do.
func (s *Server) handleDeleteCollections(c echo.Context) error {
	userID := c.Param("userID")
	if userID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "user ID is required")
	}
	deleteAll, _ := strconv.ParseBool(c.QueryParam("deleteAll"))
	contextID := c.QueryParam("contextId")

	// Drop cached runtimes first so nothing holds the doomed collections.
	s.manager.Release(userID, contextID, deleteAll)

	var doomed []string
	if deleteAll {
		names, err := s.collections.List(c.Request().Context())
		if err != nil {
			s.logger.Error("failed to list collections", zap.Error(err))
			return echo.NewHTTPError(http.StatusBadGateway, "vector store unavailable")
		}
		normalized := tenant.Normalize(userID)
		for _, name := range names {
			if parsed, ok := tenant.TryParse(name); ok && parsed.UserID == normalized {
				doomed = append(doomed, name)
			}
		}
	} else {
		key, err := tenant.NewKey(userID, contextID)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "user ID is required")
		}
		doomed = append(doomed, tenant.Collection(key, tenant.DefaultKind).String())
	}

	for _, name := range doomed {
		if err := s.collections.Delete(c.Request().Context(), name); err != nil {
			s.logger.Error("failed to delete collection",
				zap.String("collection", name), zap.Error(err))
			return echo.NewHTTPError(http.StatusBadGateway, "failed to delete collection")
		}
	}
	return c.NoContent(http.StatusNoContent)
}
