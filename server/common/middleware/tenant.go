package middleware

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	commonlog "extapi/server/common/log"
	"extapi/server/common/tenant"
	"extapi/server/common/transport/httpresp"
)

// TenantScope loads the configuration of the authenticated tenant and
// attaches it to the request context. It must run after AuthRequired.
func TenantScope(registry tenant.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantID := c.GetString("auth_tenant_id")
		if tenantID == "" {
			c.AbortWithStatusJSON(http.StatusForbidden, httpresp.NewErrorResponse(httpresp.ErrForbidden))
			return
		}
		cfg, err := registry.GetTenant(c.Request.Context(), tenantID)
		if err != nil {
			if errors.Is(err, tenant.ErrTenantNotFound) {
				c.AbortWithStatusJSON(http.StatusNotFound, httpresp.NewErrorResponse(httpresp.ErrTenantNotFound))
				return
			}
			commonlog.Errorf("event=tenant_scope status=failed tenant_id=%s error=%v", tenantID, err)
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, httpresp.NewErrorResponse(httpresp.ErrTenantUnavailable))
			return
		}
		c.Request = c.Request.WithContext(tenant.WithTenant(c.Request.Context(), cfg))
		c.Next()
	}
}
