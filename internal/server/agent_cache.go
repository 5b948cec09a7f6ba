package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/MarcoPoloResearchLab/sitesync/internal/cache"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ProjectDirectory caches the projects visible to each user.
type ProjectDirectory interface {
	Put(ctx context.Context, userID string, projects []cache.Project) error
	Get(ctx context.Context, userID string) ([]cache.Project, bool, error)
	Invalidate(ctx context.Context, userID string) error
}

// TeamDirectory caches project rosters.
type TeamDirectory interface {
	Put(ctx context.Context, projectID string, members []cache.TeamMember) error
	Get(ctx context.Context, projectID string) ([]cache.TeamMember, bool, error)
	Invalidate(ctx context.Context, projectID string) error
}

type projectsRequest struct {
	Projects []cache.Project `json:"projects"`
}

type teamRequest struct {
	Members []cache.TeamMember `json:"members"`
}

type cacheHandler struct {
	projects ProjectDirectory
	teams    TeamDirectory
	logger   *zap.Logger
}

func registerCacheRoutes(router gin.IRouter, projects ProjectDirectory, teams TeamDirectory, logger *zap.Logger) {
	handler := &cacheHandler{projects: projects, teams: teams, logger: logger}
	group := router.Group("/cache")
	if projects != nil {
		group.GET("/projects/:id", handler.handleGetProjects)
		group.PUT("/projects/:id", handler.handlePutProjects)
		group.DELETE("/projects/:id", handler.handleInvalidateProjects)
	}
	if teams != nil {
		group.GET("/teams/:id", handler.handleGetTeam)
		group.PUT("/teams/:id", handler.handlePutTeam)
		group.DELETE("/teams/:id", handler.handleInvalidateTeam)
	}
}

func (h *cacheHandler) handleGetProjects(c *gin.Context) {
	userID, ok := cacheKeyParam(c)
	if !ok {
		return
	}
	projects, found, err := h.projects.Get(c.Request.Context(), userID)
	if err != nil {
		h.respondCacheError(c, "projects", err)
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "cache_miss"})
		return
	}
	c.JSON(http.StatusOK, projectsRequest{Projects: projects})
}

func (h *cacheHandler) handlePutProjects(c *gin.Context) {
	userID, ok := cacheKeyParam(c)
	if !ok {
		return
	}
	var request projectsRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if err := h.projects.Put(c.Request.Context(), userID, request.Projects); err != nil {
		h.respondCacheError(c, "projects", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *cacheHandler) handleInvalidateProjects(c *gin.Context) {
	userID, ok := cacheKeyParam(c)
	if !ok {
		return
	}
	if err := h.projects.Invalidate(c.Request.Context(), userID); err != nil {
		h.respondCacheError(c, "projects", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *cacheHandler) handleGetTeam(c *gin.Context) {
	projectID, ok := cacheKeyParam(c)
	if !ok {
		return
	}
	members, found, err := h.teams.Get(c.Request.Context(), projectID)
	if err != nil {
		h.respondCacheError(c, "team", err)
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "cache_miss"})
		return
	}
	c.JSON(http.StatusOK, teamRequest{Members: members})
}

func (h *cacheHandler) handlePutTeam(c *gin.Context) {
	projectID, ok := cacheKeyParam(c)
	if !ok {
		return
	}
	var request teamRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if err := h.teams.Put(c.Request.Context(), projectID, request.Members); err != nil {
		h.respondCacheError(c, "team", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *cacheHandler) handleInvalidateTeam(c *gin.Context) {
	projectID, ok := cacheKeyParam(c)
	if !ok {
		return
	}
	if err := h.teams.Invalidate(c.Request.Context(), projectID); err != nil {
		h.respondCacheError(c, "team", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *cacheHandler) respondCacheError(c *gin.Context, scope string, err error) {
	h.logger.Error("cache request failed",
		zap.String("scope", scope),
		zap.String("method", c.Request.Method),
		zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "cache_unavailable"})
}

func cacheKeyParam(c *gin.Context) (string, bool) {
	key := strings.TrimSpace(c.Param("id"))
	if key == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_cache_key"})
		return "", false
	}
	return key, true
}
