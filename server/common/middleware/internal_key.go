package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"

	"extapi/server/common/transport/httpresp"
)

const InternalKeyHeader = "X-Internal-Key"

// InternalKeyRequired admits callers whose X-Internal-Key header matches the
// bcrypt hash.
func InternalKeyRequired(hash string) gin.HandlerFunc {
	hashed := []byte(strings.TrimSpace(hash))
	return func(c *gin.Context) {
		key := strings.TrimSpace(c.GetHeader(InternalKeyHeader))
		if key == "" || bcrypt.CompareHashAndPassword(hashed, []byte(key)) != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpresp.NewErrorResponse(httpresp.ErrInvalidInternalKey))
			return
		}
		c.Next()
	}
}
