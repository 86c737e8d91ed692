package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	commonauth "extapi/server/common/auth"
	"extapi/server/common/infra/mq"
	commonlog "extapi/server/common/log"
	"extapi/server/common/middleware"
	"extapi/server/common/tenant"
	"extapi/server/common/transport/httpresp"
	"extapi/server/scanman/domain"
	"extapi/server/scanman/repository"
	"extapi/server/scanman/service"
)

type ScanService interface {
	RequestScan(ctx context.Context, fileID string) (domain.ScanStatusRecord, error)
	Status(ctx context.Context, fileID string) (domain.ScanStatusRecord, error)
}

type TenantInvalidator interface {
	Invalidate(tenantID string) error
}

type ReadinessProbe interface {
	Ready() bool
	RunningTenants() []string
}

type StatusStreamer interface {
	HandleWS(c *gin.Context, tenantID string)
}

type Handler struct {
	scans       ScanService
	tenants     TenantInvalidator
	consumers   ReadinessProbe
	feed        StatusStreamer
	registry    tenant.Registry
	auth        *commonauth.Service
	metrics     http.Handler
	internalKey string
}

func NewHandler(scans ScanService, tenants TenantInvalidator, consumers ReadinessProbe, feed StatusStreamer, registry tenant.Registry, auth *commonauth.Service, metrics http.Handler, internalKeyHash string) *Handler {
	return &Handler{
		scans:       scans,
		tenants:     tenants,
		consumers:   consumers,
		feed:        feed,
		registry:    registry,
		auth:        auth,
		metrics:     metrics,
		internalKey: strings.TrimSpace(internalKeyHash),
	}
}

func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, httpresp.NewStatusResponse("ok"))
	})
	r.GET("/health/live", func(c *gin.Context) {
		c.JSON(http.StatusOK, httpresp.NewStatusResponse("ok"))
	})
	r.GET("/health/ready", h.ready)
	if h.metrics != nil {
		r.GET("/metrics", gin.WrapH(h.metrics))
	}
	r.GET("/ws/scan-status", h.scanStatusWS)

	api := r.Group("/api/v1")
	api.Use(middleware.AuthRequired(h.auth), middleware.TenantScope(h.registry))
	{
		api.POST("/files/:file_id/scan", h.requestScan)
		api.GET("/files/:file_id/scan-status", h.scanStatus)
	}

	if h.internalKey == "" {
		commonlog.Warnf("event=routes action=register status=skipped group=/api/internal/v1 reason=missing_internal_key_hash")
		return
	}
	internal := r.Group("/api/internal/v1")
	internal.Use(middleware.InternalKeyRequired(h.internalKey))
	{
		internal.POST("/tenants/invalidate", h.invalidateTenant)
	}
}

func (h *Handler) ready(c *gin.Context) {
	if h.consumers == nil || !h.consumers.Ready() {
		c.JSON(http.StatusServiceUnavailable, httpresp.NewErrorResponse(httpresp.ErrConsumersNotReady))
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready", "tenants": h.consumers.RunningTenants()})
}

func (h *Handler) requestScan(c *gin.Context) {
	rec, err := h.scans.RequestScan(c.Request.Context(), c.Param("file_id"))
	if err != nil {
		writeScanError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, rec)
}

func (h *Handler) scanStatus(c *gin.Context) {
	rec, err := h.scans.Status(c.Request.Context(), c.Param("file_id"))
	if err != nil {
		writeScanError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

// scanStatusWS authenticates from the access_token query parameter since
// browsers cannot set headers on a websocket handshake.
func (h *Handler) scanStatusWS(c *gin.Context) {
	token := strings.TrimSpace(c.Query("access_token"))
	if token == "" {
		token = strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
	}
	if token == "" {
		c.JSON(http.StatusUnauthorized, httpresp.NewErrorResponse(httpresp.ErrMissingBearerToken))
		return
	}
	_, tenantID, _, err := h.auth.ParseAuthContext(token)
	if err != nil || tenantID == "" {
		c.JSON(http.StatusUnauthorized, httpresp.NewErrorResponse(httpresp.ErrInvalidToken))
		return
	}
	if _, err := h.registry.GetTenant(c.Request.Context(), tenantID); err != nil {
		if errors.Is(err, tenant.ErrTenantNotFound) {
			c.JSON(http.StatusNotFound, httpresp.NewErrorResponse(httpresp.ErrTenantNotFound))
			return
		}
		c.JSON(http.StatusServiceUnavailable, httpresp.NewErrorResponse(httpresp.ErrTenantUnavailable))
		return
	}
	h.feed.HandleWS(c, tenantID)
}

func (h *Handler) invalidateTenant(c *gin.Context) {
	var req struct {
		TenantID string `json:"tenant_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, httpresp.NewErrorResponse(httpresp.ErrTenantIDRequired))
		return
	}
	if err := h.tenants.Invalidate(req.TenantID); err != nil {
		if errors.Is(err, service.ErrTenantIDRequired) {
			c.JSON(http.StatusBadRequest, httpresp.NewErrorResponse(httpresp.ErrTenantIDRequired))
			return
		}
		c.JSON(http.StatusInternalServerError, httpresp.NewErrorResponse(err.Error()))
		return
	}
	c.JSON(http.StatusOK, httpresp.NewOKResponse())
}

func writeScanError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, domain.ErrFileNotFound):
		c.JSON(http.StatusNotFound, httpresp.NewErrorResponse(httpresp.ErrFileNotFound))
	case errors.Is(err, repository.ErrScanStatusNotFound):
		c.JSON(http.StatusNotFound, httpresp.NewErrorResponse(httpresp.ErrScanStatusNotFound))
	case errors.Is(err, mq.ErrNoTenantContext):
		c.JSON(http.StatusUnauthorized, httpresp.NewErrorResponse(httpresp.ErrUnauthorized))
	case errors.Is(err, service.ErrScanPublishFailed):
		commonlog.Errorf("event=scan_request status=publish_failed error=%v", err)
		c.JSON(http.StatusBadGateway, httpresp.NewErrorResponse(httpresp.ErrScanRequestFailed))
	default:
		commonlog.Errorf("event=scan_request status=failed error=%v", err)
		c.JSON(http.StatusInternalServerError, httpresp.NewErrorResponse(httpresp.ErrInternal))
	}
}
