package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/sitesync/internal/documents"
	"github.com/MarcoPoloResearchLab/sitesync/internal/remote"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const writerContextKey = "sitesync_writer"

var (
	errMissingTokenManager    = errors.New("token manager dependency required")
	errMissingDocumentService = errors.New("document service dependency required")
	errInvalidAuthorization   = errors.New("authorization header missing or invalid")
	errInvalidDocumentPath    = errors.New("document path must name a collection and a document id")
)

// TokenValidator resolves a bearer token to the writer it was issued for.
type TokenValidator interface {
	ValidateToken(token string) (string, error)
}

// DocumentService is the storage behind the document API.
type DocumentService interface {
	Get(ctx context.Context, key documents.Key) (documents.Record, error)
	Create(ctx context.Context, writer string, key documents.Key, fields map[string]any) (documents.Record, error)
	Update(ctx context.Context, writer string, key documents.Key, fields map[string]any) (documents.Record, error)
	Delete(ctx context.Context, writer string, key documents.Key) error
}

type Dependencies struct {
	TokenManager TokenValidator
	Documents    DocumentService
	Logger       *zap.Logger
}

// NewHTTPHandler builds the document server router.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}
	if deps.Documents == nil {
		return nil, errMissingDocumentService
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		tokens:    deps.TokenManager,
		documents: deps.Documents,
		logger:    logger,
	}

	router.GET("/healthz", handleHealth)

	protected := router.Group("/v1/documents")
	protected.Use(handler.authorizeRequest)
	protected.GET("/*path", handler.handleGetDocument)
	protected.PUT("/*path", handler.handleCreateDocument)
	protected.PATCH("/*path", handler.handleUpdateDocument)
	protected.DELETE("/*path", handler.handleDeleteDocument)

	return router, nil
}

type httpHandler struct {
	tokens    TokenValidator
	documents DocumentService
	logger    *zap.Logger
}

func handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handleGetDocument(c *gin.Context) {
	key, ok := h.documentKey(c)
	if !ok {
		return
	}
	record, err := h.documents.Get(c.Request.Context(), key)
	if err != nil {
		h.respondError(c, "get", key, err)
		return
	}
	c.JSON(http.StatusOK, documentPayload(record))
}

func (h *httpHandler) handleCreateDocument(c *gin.Context) {
	h.handleWrite(c, "create", h.documents.Create)
}

func (h *httpHandler) handleUpdateDocument(c *gin.Context) {
	h.handleWrite(c, "update", h.documents.Update)
}

func (h *httpHandler) handleWrite(c *gin.Context, action string, write func(context.Context, string, documents.Key, map[string]any) (documents.Record, error)) {
	key, ok := h.documentKey(c)
	if !ok {
		return
	}
	var request remote.WriteRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if request.Fields == nil {
		request.Fields = map[string]any{}
	}
	record, err := write(c.Request.Context(), c.GetString(writerContextKey), key, request.Fields)
	if err != nil {
		h.respondError(c, action, key, err)
		return
	}
	c.JSON(http.StatusOK, documentPayload(record))
}

func (h *httpHandler) handleDeleteDocument(c *gin.Context) {
	key, ok := h.documentKey(c)
	if !ok {
		return
	}
	if err := h.documents.Delete(c.Request.Context(), c.GetString(writerContextKey), key); err != nil {
		h.respondError(c, "delete", key, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) documentKey(c *gin.Context) (documents.Key, bool) {
	key, err := parseDocumentPath(c.Param("path"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_document_path"})
		return documents.Key{}, false
	}
	return key, true
}

func (h *httpHandler) respondError(c *gin.Context, action string, key documents.Key, err error) {
	switch {
	case errors.Is(err, documents.ErrDocumentNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": remote.ErrorCodeNotFound})
	case errors.Is(err, documents.ErrInvalidCollectionPath), errors.Is(err, documents.ErrInvalidDocumentID):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_document_path"})
	default:
		h.logger.Error("document request failed",
			zap.String("action", action),
			zap.String("collection_path", key.Collection.String()),
			zap.String("document_id", key.ID.String()),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "document_" + action + "_failed"})
	}
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	writer, err := h.tokens.ValidateToken(token)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(writerContextKey, writer)
	c.Next()
}

// parseDocumentPath splits "/<collection segments>/<document id>" into a key.
func parseDocumentPath(raw string) (documents.Key, error) {
	trimmed := strings.Trim(raw, "/")
	separator := strings.LastIndex(trimmed, "/")
	if separator <= 0 || separator == len(trimmed)-1 {
		return documents.Key{}, errInvalidDocumentPath
	}
	return documents.NewKey(trimmed[:separator], trimmed[separator+1:])
}

func documentPayload(record documents.Record) remote.DocumentPayload {
	return remote.DocumentPayload{
		CollectionPath:  record.Key.Collection.String(),
		DocumentID:      record.Key.ID.String(),
		Fields:          record.Fields,
		CreatedAtMillis: record.CreatedAt.UnixMilli(),
		UpdatedAtMillis: record.UpdatedAt.UnixMilli(),
		Version:         record.Version,
	}
}
