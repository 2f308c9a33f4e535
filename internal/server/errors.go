package server

import (
	"errors"
	"net/http"

	"github.com/MarcoPoloResearchLab/kiosk/internal/auth"
	"github.com/MarcoPoloResearchLab/kiosk/internal/catalog"
	"github.com/MarcoPoloResearchLab/kiosk/internal/storage"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type errorMapping struct {
	target error
	status int
	code   string
}

var errorMappings = []errorMapping{
	{catalog.ErrEntityNotFound, http.StatusNotFound, "not_found"},
	{catalog.ErrInvalidEntity, http.StatusBadRequest, "invalid_entity"},
	{catalog.ErrDuplicateEntity, http.StatusConflict, "duplicate_entity"},
	{catalog.ErrMalformedSnapshot, http.StatusBadRequest, "malformed_snapshot"},
	{auth.ErrInvalidCredentials, http.StatusUnauthorized, "invalid_credentials"},
	{storage.ErrInvalidConfiguration, http.StatusBadRequest, "invalid_configuration"},
	{storage.ErrNotConnected, http.StatusConflict, "not_connected"},
	{storage.ErrReadOnlyConnection, http.StatusForbidden, "read_only"},
	{storage.ErrPermissionDenied, http.StatusForbidden, "permission_denied"},
	{storage.ErrUnsupportedEnvironment, http.StatusBadRequest, "unsupported_environment"},
	{storage.ErrLockContention, http.StatusConflict, "sync_busy"},
	{storage.ErrOperationInProgress, http.StatusConflict, "sync_busy"},
	{storage.ErrSnapshotNotFound, http.StatusNotFound, "snapshot_not_found"},
	{storage.ErrPushRejected, http.StatusBadGateway, "push_rejected"},
	{storage.ErrUnreachable, http.StatusBadGateway, "unreachable"},
	{storage.ErrNotLocal, http.StatusConflict, "not_local"},
	{storage.ErrAssetIO, http.StatusInternalServerError, "asset_io_failed"},
}

type codedError interface {
	Code() string
}

// writeError maps a component error onto a status and a stable error code.
func (h *httpHandler) writeError(c *gin.Context, err error) {
	status, code := http.StatusInternalServerError, "internal_error"
	for _, mapping := range errorMappings {
		if errors.Is(err, mapping.target) {
			status, code = mapping.status, mapping.code
			break
		}
	}
	body := gin.H{"error": code}
	var coded codedError
	if errors.As(err, &coded) {
		body["code"] = coded.Code()
	}

	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	} else {
		h.logger.Info("request rejected", zap.String("path", c.FullPath()), zap.String("error_code", code), zap.Error(err))
	}
	c.JSON(status, body)
}
