package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/kiosk/internal/auth"
	"github.com/MarcoPoloResearchLab/kiosk/internal/catalog"
	"github.com/MarcoPoloResearchLab/kiosk/internal/kiosk"
	"github.com/MarcoPoloResearchLab/kiosk/internal/storage"
	"github.com/MarcoPoloResearchLab/kiosk/internal/syncengine"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	claimsContextKey = "kiosk_session_claims"

	// DefaultSessionCookie carries the admin session for browser clients.
	DefaultSessionCookie = "kiosk_session"

	defaultHeartbeat   = 25 * time.Second
	maxUploadBytes     = 64 << 20
	backupDownloadName = "kiosk-backup.json"
)

var (
	errMissingApp          = errors.New("kiosk app dependency required")
	errMissingTokenManager = errors.New("token manager dependency required")
)

// SessionTokenManager issues and validates admin session tokens.
type SessionTokenManager interface {
	IssueSessionToken(ctx context.Context, admin catalog.AdminUser) (string, int64, error)
	ValidateToken(token string) (auth.SessionClaims, error)
}

type Dependencies struct {
	App            *kiosk.App
	TokenManager   SessionTokenManager
	Realtime       *RealtimeDispatcher
	AllowedOrigins []string
	SessionCookie  string
	Heartbeat      time.Duration
	Logger         *zap.Logger
}

// NewHTTPHandler exposes the kiosk to the UI shell and the admin panel.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.App == nil {
		return nil, errMissingApp
	}
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	realtime := deps.Realtime
	if realtime == nil {
		realtime = NewRealtimeDispatcher()
	}
	heartbeat := deps.Heartbeat
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeat
	}
	cookieName := strings.TrimSpace(deps.SessionCookie)
	if cookieName == "" {
		cookieName = DefaultSessionCookie
	}

	handler := &httpHandler{
		app:       deps.App,
		tokens:    deps.TokenManager,
		sessions:  auth.NewSessionValidator(deps.TokenManager, cookieName),
		realtime:  realtime,
		heartbeat: heartbeat,
		logger:    logger,
	}
	deps.App.OnEvent(handler.broadcast)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	router.GET("/catalog", handler.handleCatalog)
	router.GET("/catalog/brands", handler.handleBrands)
	router.GET("/catalog/brands/:id/products", handler.handleBrandProducts)
	router.POST("/catalog/views/:kind/:id", handler.handleRecordView)
	router.GET("/assets/resolve", handler.handleResolveAsset)
	blobs := gin.WrapH(deps.App.Assets)
	router.GET(deps.App.Assets.Prefix()+"/:token", blobs)
	router.HEAD(deps.App.Assets.Prefix()+"/:token", blobs)
	router.POST("/kiosk/visible", handler.handleVisible)
	router.GET("/session", handler.handleSession)
	router.GET("/events", handler.handleEvents)
	router.GET("/sync/status", handler.handleSyncStatus)
	router.GET("/metrics", gin.WrapH(deps.App.Metrics.Handler()))
	router.POST("/auth/login", handler.handleLogin)
	router.POST("/auth/logout", handler.handleLogout)

	admin := router.Group("/admin")
	admin.Use(handler.authorizeRequest)
	admin.GET("/collections/:collection", handler.handleListEntities)
	admin.POST("/collections/:collection", handler.handleAddEntity)
	admin.PUT("/collections/:collection/:id", handler.handleUpdateEntity)
	admin.DELETE("/collections/:collection/:id", handler.handleSoftDelete)
	admin.POST("/collections/:collection/:id/restore", handler.handleRestoreEntity)
	admin.DELETE("/collections/:collection/:id/permanent", handler.handlePermanentDelete)
	admin.GET("/trash", handler.handleTrash)
	admin.DELETE("/trash", handler.handleEmptyTrash)
	admin.POST("/import", handler.handleImport)
	admin.GET("/settings", handler.handleGetSettings)
	admin.PUT("/settings", handler.handleUpdateSettings)
	admin.POST("/assets", handler.handleUploadAsset)
	admin.POST("/storage/connect", handler.handleConnectStorage)
	admin.POST("/storage/disconnect", handler.handleDisconnectStorage)
	admin.POST("/sync/push", handler.handlePush)
	admin.POST("/sync/pull", handler.handlePull)
	admin.GET("/backup", handler.handleBackup)
	admin.POST("/restore", handler.handleRestore)
	admin.POST("/setup/complete", handler.handleCompleteSetup)

	return router, nil
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", "Last-Event-ID"},
		ExposeHeaders:    []string{"Content-Disposition"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(allowedOrigins) == 0 {
		config.AllowOriginFunc = func(string) bool { return true }
	} else {
		config.AllowOrigins = allowedOrigins
	}
	return cors.New(config)
}

type httpHandler struct {
	app       *kiosk.App
	tokens    SessionTokenManager
	sessions  *auth.SessionValidator
	realtime  *RealtimeDispatcher
	heartbeat time.Duration
	logger    *zap.Logger
}

func (h *httpHandler) broadcast(event kiosk.Event) {
	h.realtime.Publish(RealtimeMessage{
		Channel:   RealtimeChannelKiosk,
		EventType: event.Type,
		Payload:   event,
		Timestamp: time.UnixMilli(event.Timestamp),
	})
}

// catalogView is the public catalogue: hidden records, admin accounts and
// credentials are left out.
type catalogView struct {
	Settings       catalog.Settings        `json:"settings"`
	Brands         []catalog.Brand         `json:"brands"`
	Products       []catalog.Product       `json:"products"`
	Catalogues     []catalog.Catalogue     `json:"catalogues"`
	Pamphlets      []catalog.Pamphlet      `json:"pamphlets"`
	ScreensaverAds []catalog.ScreensaverAd `json:"screensaverAds"`
	TvContent      []catalog.TvContent     `json:"tvContent"`
	Categories     []catalog.Category      `json:"categories"`
}

func (h *httpHandler) handleCatalog(c *gin.Context) {
	snapshot := h.app.Catalog.Snapshot()
	settings := snapshot.Settings
	settings.CustomAPIKey = ""
	c.JSON(http.StatusOK, catalogView{
		Settings:       settings,
		Brands:         snapshot.VisibleBrands(),
		Products:       snapshot.VisibleProducts(""),
		Catalogues:     h.app.Catalog.Catalogues.List(),
		Pamphlets:      h.app.Catalog.Pamphlets.List(),
		ScreensaverAds: h.app.Catalog.ScreensaverAds.List(),
		TvContent:      h.app.Catalog.TvContent.List(),
		Categories:     h.app.Catalog.Categories.List(),
	})
}

func (h *httpHandler) handleBrands(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"brands": h.app.Catalog.Snapshot().VisibleBrands()})
}

func (h *httpHandler) handleBrandProducts(c *gin.Context) {
	brandID := c.Param("id")
	brand, ok := h.app.Catalog.Brands.Get(brandID)
	if !ok || brand.IsDeleted {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"brand": brand, "products": h.app.Catalog.Snapshot().VisibleProducts(brandID)})
}

func (h *httpHandler) handleRecordView(c *gin.Context) {
	if err := h.app.Catalog.RecordView(c.Param("kind"), c.Param("id")); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleResolveAsset(c *gin.Context) {
	url, err := h.app.Assets.Resolve(c.Request.Context(), c.Query("ref"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"url": url})
}

func (h *httpHandler) handleVisible(c *gin.Context) {
	outcome, err := h.app.Sync.NotifyVisible(c.Request.Context())
	if err != nil {
		h.logger.Info("pull on visibility failed", zap.Error(err))
	}
	c.JSON(http.StatusOK, gin.H{"outcome": outcome, "status": h.app.Sync.Status()})
}

func (h *httpHandler) handleSession(c *gin.Context) {
	c.JSON(http.StatusOK, h.app.Session())
}

func (h *httpHandler) handleSyncStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.app.Sync.Status())
}

func (h *httpHandler) handleEvents(c *gin.Context) {
	ctx := c.Request.Context()
	stream, cleanup := h.realtime.Subscribe(ctx, RealtimeChannelKiosk)
	defer cleanup()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)
	c.SSEvent(kiosk.EventSyncStatus, kiosk.Event{
		Type:      kiosk.EventSyncStatus,
		Status:    statusPointer(h.app.Sync.Status()),
		Timestamp: time.Now().UnixMilli(),
	})
	c.Writer.Flush()

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()
	c.Stream(func(io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case message, ok := <-stream:
			if !ok {
				return false
			}
			c.SSEvent(message.EventType, message.Payload)
			return true
		case now := <-heartbeat.C:
			c.SSEvent(realtimeEventHeartbeat, gin.H{"timestamp": now.UnixMilli()})
			return true
		}
	})
}

func statusPointer(report syncengine.StatusReport) *syncengine.StatusReport {
	return &report
}

type loginRequestPayload struct {
	Name string `json:"name"`
	PIN  string `json:"pin"`
}

type loginResponsePayload struct {
	AccessToken string        `json:"access_token"`
	ExpiresIn   int64         `json:"expires_in"`
	TokenType   string        `json:"token_type"`
	Admin       kiosk.Admin   `json:"admin"`
	Session     kiosk.Session `json:"session"`
}

func (h *httpHandler) handleLogin(c *gin.Context) {
	var request loginRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Name) == "" || request.PIN == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	admin, err := h.app.Login(c.Request.Context(), request.Name, request.PIN)
	if err != nil {
		h.logger.Info("admin login rejected", zap.String("name", request.Name), zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_credentials"})
		return
	}

	token, expiresIn, err := h.tokens.IssueSessionToken(c.Request.Context(), admin)
	if err != nil {
		h.logger.Error("failed to issue session token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}
	c.SetSameSite(http.SameSiteStrictMode)
	c.SetCookie(h.sessions.CookieName(), token, int(expiresIn), "/", "", false, true)

	c.JSON(http.StatusOK, loginResponsePayload{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
		Admin:       kiosk.Admin{ID: admin.ID, Name: admin.Name, Role: admin.Role},
		Session:     h.app.Session(),
	})
}

func (h *httpHandler) handleLogout(c *gin.Context) {
	h.app.Logout()
	c.SetCookie(h.sessions.CookieName(), "", -1, "/", "", false, true)
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrMissingSessionToken):
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		case errors.Is(err, auth.ErrExpiredSessionToken):
			h.logger.Info("token validation failed", zap.Error(err))
		default:
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(claimsContextKey, claims)
	c.Next()
}

func sessionClaims(c *gin.Context) auth.SessionClaims {
	value, ok := c.Get(claimsContextKey)
	if !ok {
		return auth.SessionClaims{}
	}
	claims, _ := value.(auth.SessionClaims)
	return claims
}

// collection resolves the :collection parameter. Admin accounts may only
// be changed by elevated sessions.
func (h *httpHandler) collection(c *gin.Context, mutating bool) (catalog.Entities, bool) {
	name := c.Param("collection")
	entities, ok := h.app.Catalog.Collection(name)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown_collection"})
		return nil, false
	}
	if mutating && name == catalog.KeyAdminUsers && !sessionClaims(c).Elevated() {
		c.JSON(http.StatusForbidden, gin.H{"error": "permission_denied"})
		return nil, false
	}
	return entities, true
}

func (h *httpHandler) handleListEntities(c *gin.Context) {
	entities, ok := h.collection(c, false)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": entities.ListAny()})
}

func (h *httpHandler) handleAddEntity(c *gin.Context) {
	entities, ok := h.collection(c, true)
	if !ok {
		return
	}
	body, err := c.GetRawData()
	if err != nil || len(body) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	item, err := entities.AddJSON(c.Request.Context(), body)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, item)
}

func (h *httpHandler) handleUpdateEntity(c *gin.Context) {
	entities, ok := h.collection(c, true)
	if !ok {
		return
	}
	body, err := c.GetRawData()
	if err != nil || len(body) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	item, err := entities.UpdateJSON(c.Request.Context(), c.Param("id"), body)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, item)
}

func (h *httpHandler) handleSoftDelete(c *gin.Context) {
	h.mutateEntity(c, catalog.Entities.SoftDelete)
}

func (h *httpHandler) handleRestoreEntity(c *gin.Context) {
	h.mutateEntity(c, catalog.Entities.Restore)
}

func (h *httpHandler) handlePermanentDelete(c *gin.Context) {
	h.mutateEntity(c, catalog.Entities.PermanentlyDelete)
}

func (h *httpHandler) mutateEntity(c *gin.Context, mutate func(catalog.Entities, context.Context, string) error) {
	entities, ok := h.collection(c, true)
	if !ok {
		return
	}
	if err := mutate(entities, c.Request.Context(), c.Param("id")); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleTrash(c *gin.Context) {
	c.JSON(http.StatusOK, h.app.Catalog.Trash())
}

func (h *httpHandler) handleEmptyTrash(c *gin.Context) {
	purged, err := h.app.Catalog.EmptyTrash(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"purged": purged})
}

type importRequestPayload struct {
	Brands     []catalog.Brand     `json:"brands"`
	Products   []catalog.Product   `json:"products"`
	Catalogues []catalog.Catalogue `json:"catalogues"`
	Pamphlets  []catalog.Pamphlet  `json:"pamphlets"`
	Categories []catalog.Category  `json:"categories"`
	Clients    []catalog.Client    `json:"clients"`
}

func (h *httpHandler) handleImport(c *gin.Context) {
	var request importRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	result, err := h.app.Catalog.Import(c.Request.Context(), catalog.ImportBatch{
		Brands:     request.Brands,
		Products:   request.Products,
		Catalogues: request.Catalogues,
		Pamphlets:  request.Pamphlets,
		Categories: request.Categories,
		Clients:    request.Clients,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"created": result.Created, "replaced": result.Replaced})
}

func (h *httpHandler) handleGetSettings(c *gin.Context) {
	c.JSON(http.StatusOK, h.app.Catalog.Settings())
}

// handleUpdateSettings overlays the request on the current settings, so
// absent fields keep their values.
func (h *httpHandler) handleUpdateSettings(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	settings, err := catalog.OverlaySettings(h.app.Catalog.Settings(), body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if err := h.app.Catalog.UpdateSettings(c.Request.Context(), settings); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.app.Catalog.Settings())
}

func (h *httpHandler) handleUploadAsset(c *gin.Context) {
	header, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if header.Size > maxUploadBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "upload_too_large"})
		return
	}
	file, err := header.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	defer file.Close()
	data, err := io.ReadAll(io.LimitReader(file, maxUploadBytes))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	var segments []string
	for _, segment := range strings.Split(c.PostForm("path"), "/") {
		if strings.TrimSpace(segment) != "" {
			segments = append(segments, segment)
		}
	}
	ref, err := h.app.SaveAsset(c.Request.Context(), storage.Upload{
		Name:        header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Data:        data,
	}, segments...)
	if err != nil {
		h.writeError(c, err)
		return
	}
	url, err := h.app.Assets.Resolve(c.Request.Context(), ref)
	if err != nil {
		h.logger.Info("uploaded asset not resolvable", zap.String("ref", ref), zap.Error(err))
	}
	c.JSON(http.StatusCreated, gin.H{"ref": ref, "url": url})
}

func (h *httpHandler) handleConnectStorage(c *gin.Context) {
	var request kiosk.ConnectRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	connected, err := h.app.ConnectStorage(c.Request.Context(), request, sessionClaims(c).Role)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"connected": connected, "session": h.app.Session()})
}

func (h *httpHandler) handleDisconnectStorage(c *gin.Context) {
	h.app.DisconnectStorage(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"session": h.app.Session()})
}

func (h *httpHandler) handlePush(c *gin.Context) {
	if err := h.app.Sync.PushNow(c.Request.Context()); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.app.Sync.Status())
}

func (h *httpHandler) handlePull(c *gin.Context) {
	if _, err := h.app.Sync.PullNow(c.Request.Context()); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.app.Sync.Status())
}

func (h *httpHandler) handleBackup(c *gin.Context) {
	data, err := h.app.Backup()
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.Header("Content-Disposition", `attachment; filename="`+backupDownloadName+`"`)
	c.Data(http.StatusOK, "application/json", data)
}

func (h *httpHandler) handleRestore(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	fallbacks, err := h.app.Restore(c.Request.Context(), body)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if fallbacks == nil {
		fallbacks = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"fallbacks": fallbacks})
}

func (h *httpHandler) handleCompleteSetup(c *gin.Context) {
	if err := h.app.CompleteSetup(c.Request.Context()); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.app.Session())
}
