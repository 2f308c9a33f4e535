package snapshotserver

import (
	"crypto/subtle"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/MarcoPoloResearchLab/kiosk/internal/catalog"
	"github.com/MarcoPoloResearchLab/kiosk/internal/storage"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	// DefaultPath is where the snapshot is served when none is configured.
	DefaultPath = "/kiosk-data"

	maxSnapshotBytes = 32 << 20
)

var errMissingStore = errors.New("snapshot store dependency required")

type Config struct {
	Store Store
	Path  string
	// APIKey guards both methods. Empty serves an open shared URL.
	APIKey string
	Logger *zap.Logger
}

// NewHandler serves exactly GET and POST on the configured path. GET answers
// 404 until the first snapshot is pushed; POST rejects documents without
// brands, products or settings.
func NewHandler(cfg Config) (http.Handler, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	path := "/" + strings.Trim(strings.TrimSpace(cfg.Path), "/")
	if path == "/" {
		path = DefaultPath
	}

	handler := &snapshotHandler{store: cfg.Store, apiKey: cfg.APIKey, logger: logger}
	router := gin.New()
	router.Use(gin.Recovery())
	router.GET(path, handler.requireAPIKey, handler.handleGet)
	router.POST(path, handler.requireAPIKey, handler.handlePost)
	return router, nil
}

type snapshotHandler struct {
	store  Store
	apiKey string
	logger *zap.Logger
}

func (h *snapshotHandler) requireAPIKey(c *gin.Context) {
	if h.apiKey == "" {
		c.Next()
		return
	}
	presented := c.GetHeader(storage.APIKeyHeader)
	if subtle.ConstantTimeCompare([]byte(presented), []byte(h.apiKey)) != 1 {
		h.logger.Info("snapshot request rejected", zap.String("method", c.Request.Method), zap.String("remote", c.ClientIP()))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Next()
}

func (h *snapshotHandler) handleGet(c *gin.Context) {
	document, found, err := h.store.Load(c.Request.Context())
	if err != nil {
		h.logger.Error("snapshot load failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "load_failed"})
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	c.Header("Cache-Control", "no-store")
	c.Data(http.StatusOK, "application/json", document)
}

func (h *snapshotHandler) handlePost(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxSnapshotBytes+1))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if len(body) > maxSnapshotBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "snapshot_too_large"})
		return
	}
	snapshot, err := catalog.DecodeSnapshot(body)
	if err != nil {
		h.logger.Info("snapshot rejected", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed_snapshot"})
		return
	}
	document, err := catalog.EncodeSnapshot(snapshot)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed_snapshot"})
		return
	}
	if err := h.store.Save(c.Request.Context(), document); err != nil {
		h.logger.Error("snapshot save failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "save_failed"})
		return
	}
	h.logger.Info("snapshot stored",
		zap.Int64("last_updated", snapshot.Settings.LastUpdated),
		zap.Int("bytes", len(document)))
	c.JSON(http.StatusOK, gin.H{"lastUpdated": snapshot.Settings.LastUpdated})
}
