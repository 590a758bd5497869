package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/inkwell-labs/inkwell/internal/auth"
	"github.com/inkwell-labs/inkwell/internal/document"
	"github.com/inkwell-labs/inkwell/internal/gateway"
	"github.com/inkwell-labs/inkwell/internal/metadata"
	"go.uber.org/zap"
)

const principalContextKey = "inkwell_principal"

var (
	errMissingSessionValidator = errors.New("session validator dependency required")
	errMissingMetadataService  = errors.New("metadata service dependency required")
	errMissingGateway          = errors.New("gateway dependency required")
	errMissingRegistry         = errors.New("room registry dependency required")
)

// SessionValidator extracts the opaque principal from a request.
type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.Principal, error)
}

// Dependencies wires the HTTP surface to the collaboration core.
type Dependencies struct {
	SessionValidator SessionValidator
	Metadata         *metadata.Service
	Gateway          *gateway.Gateway
	Rooms            *document.Registry
	Logger           *zap.Logger
}

// NewHTTPHandler builds the gin router: metadata document API, websocket
// endpoint, and health check.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.SessionValidator == nil {
		return nil, errMissingSessionValidator
	}
	if deps.Metadata == nil {
		return nil, errMissingMetadataService
	}
	if deps.Gateway == nil {
		return nil, errMissingGateway
	}
	if deps.Rooms == nil {
		return nil, errMissingRegistry
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(logger))
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		validator: deps.SessionValidator,
		metadata:  deps.Metadata,
		gateway:   deps.Gateway,
		rooms:     deps.Rooms,
		logger:    logger,
	}

	router.GET("/healthz", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/ws", handler.handleWebsocket)

	documents := protected.Group("/api/documents")
	documents.POST("", handler.handleCreate)
	documents.GET("", handler.handleList)
	documents.GET("/metadata/:documentID", handler.handleGetMetadata)
	documents.PATCH("/update-title", handler.handleUpdateTitle)
	documents.DELETE("/:documentID", handler.handleDelete)

	return router, nil
}

type httpHandler struct {
	validator SessionValidator
	metadata  *metadata.Service
	gateway   *gateway.Gateway
	rooms     *document.Registry
	logger    *zap.Logger
}

type documentPayload struct {
	DocumentID       string `json:"document_id"`
	OwnerID          string `json:"owner_id"`
	Title            string `json:"title"`
	CreatedAtSeconds int64  `json:"created_at_s"`
	UpdatedAtSeconds int64  `json:"updated_at_s"`
}

type createRequestPayload struct {
	DocumentID string `json:"document_id"`
	Title      string `json:"title"`
}

type updateTitleRequestPayload struct {
	DocumentID string `json:"document_id"`
	Title      string `json:"title"`
}

func toDocumentPayload(record metadata.Record) documentPayload {
	return documentPayload{
		DocumentID:       record.DocumentID,
		OwnerID:          record.OwnerID,
		Title:            record.Title,
		CreatedAtSeconds: record.CreatedAtSeconds,
		UpdatedAtSeconds: record.UpdatedAtSeconds,
	}
}

func (h *httpHandler) handleCreate(c *gin.Context) {
	principal := h.principal(c)
	var request createRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.DocumentID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	record, err := h.metadata.Create(c.Request.Context(), request.DocumentID, principal.Subject, request.Title)
	if err != nil {
		if errors.Is(err, metadata.ErrMetadataConflict) {
			c.JSON(http.StatusConflict, gin.H{"error": "metadata_conflict"})
			return
		}
		h.logger.Error("document create failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create_failed"})
		return
	}
	c.JSON(http.StatusCreated, toDocumentPayload(record))
}

func (h *httpHandler) handleList(c *gin.Context) {
	principal := h.principal(c)
	records, err := h.metadata.List(c.Request.Context(), principal.Subject)
	if err != nil {
		h.logger.Error("document list failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list_failed"})
		return
	}
	documents := make([]documentPayload, 0, len(records))
	for _, record := range records {
		documents = append(documents, toDocumentPayload(record))
	}
	c.JSON(http.StatusOK, gin.H{"documents": documents})
}

func (h *httpHandler) handleGetMetadata(c *gin.Context) {
	documentID := c.Param("documentID")
	record, err := h.metadata.Get(c.Request.Context(), documentID)
	if err != nil {
		h.logger.Error("metadata lookup failed",
			zap.String("document_id", documentID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup_failed"})
		return
	}
	c.JSON(http.StatusOK, toDocumentPayload(record))
}

func (h *httpHandler) handleUpdateTitle(c *gin.Context) {
	var request updateTitleRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.DocumentID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	record, err := h.metadata.UpdateTitle(c.Request.Context(), request.DocumentID, request.Title)
	if err != nil {
		h.logger.Error("title update failed",
			zap.String("document_id", request.DocumentID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "update_failed"})
		return
	}
	c.JSON(http.StatusOK, toDocumentPayload(record))
}

func (h *httpHandler) handleDelete(c *gin.Context) {
	principal := h.principal(c)
	documentID := c.Param("documentID")

	// Ownership is settled before the live room is touched so a refused
	// caller cannot disturb a collaboration in flight.
	if err := h.metadata.VerifyOwner(c.Request.Context(), documentID, principal.Subject); err != nil {
		if errors.Is(err, metadata.ErrNotOwner) {
			c.JSON(http.StatusForbidden, gin.H{"error": "not_owner"})
			return
		}
		h.logger.Error("document delete failed",
			zap.String("document_id", documentID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "delete_failed"})
		return
	}

	// Drop the live room before the durable delete so a pending checkpoint
	// cannot resurrect the state record afterwards.
	h.rooms.Discard(documentID)

	if err := h.metadata.Delete(c.Request.Context(), documentID, principal.Subject); err != nil {
		if errors.Is(err, metadata.ErrNotOwner) {
			c.JSON(http.StatusForbidden, gin.H{"error": "not_owner"})
			return
		}
		h.logger.Error("document delete failed",
			zap.String("document_id", documentID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "delete_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": documentID})
}

func (h *httpHandler) handleWebsocket(c *gin.Context) {
	h.gateway.HandleConnection(c.Writer, c.Request, h.principal(c))
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	principal, err := h.validator.ValidateRequest(c.Request)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return
	}
	c.Set(principalContextKey, principal)
	c.Next()
}

func (h *httpHandler) principal(c *gin.Context) auth.Principal {
	value, ok := c.Get(principalContextKey)
	if !ok {
		return auth.Principal{}
	}
	principal, ok := value.(auth.Principal)
	if !ok {
		return auth.Principal{}
	}
	return principal
}

// requestLogger records method, path, status, and duration per request.
func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("request handled",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)))
	}
}
