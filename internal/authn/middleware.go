package authn

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/nexdesk/trustplane/internal/models"
	"github.com/nexdesk/trustplane/internal/security"
	"github.com/nexdesk/trustplane/internal/session"
	"gorm.io/gorm"
)

// Context keys set by Middleware.
const (
	ctxUserKey    = "authn.user"
	ctxSessionKey = "authn.sessionID"
)

// Middleware validates the bearer token, checks the bound session is still
// active, loads the principal, and fires a best-effort last-seen touch.
// Revoking a session therefore cuts access immediately, before the token
// expires.
func Middleware(db *gorm.DB, registry *session.Registry, jwtSecret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing authorization header", "code": "authentication_failed"})
			return
		}
		token := strings.TrimPrefix(authHeader, "Bearer ")
		if token == authHeader || strings.TrimSpace(token) == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid authorization format", "code": "authentication_failed"})
			return
		}

		claims, errParse := security.ParseSessionToken(jwtSecret, strings.TrimSpace(token))
		if errParse != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token", "code": "authentication_failed"})
			return
		}

		if _, errSession := registry.Get(c.Request.Context(), claims.SessionID); errSession != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "session revoked or expired", "code": "authentication_failed"})
			return
		}

		var user models.User
		if errFind := db.WithContext(c.Request.Context()).First(&user, claims.UserID).Error; errFind != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "principal not found", "code": "authentication_failed"})
			return
		}
		if !user.Active || user.Disabled {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "account disabled", "code": "authentication_failed"})
			return
		}

		registry.Touch(claims.SessionID)

		SetCurrentPrincipal(c, &user, claims.SessionID)
		c.Next()
	}
}

// SetCurrentPrincipal stashes the authenticated user and session id on the
// request context. Middleware calls it after validation; handler tests use
// it directly.
func SetCurrentPrincipal(c *gin.Context, user *models.User, sessionID string) {
	c.Set(ctxUserKey, user)
	c.Set(ctxSessionKey, sessionID)
}

// CurrentPrincipal returns the authenticated user and session id set by
// Middleware.
func CurrentPrincipal(c *gin.Context) (*models.User, string, bool) {
	value, ok := c.Get(ctxUserKey)
	if !ok {
		return nil, "", false
	}
	user, ok := value.(*models.User)
	if !ok || user == nil {
		return nil, "", false
	}
	sessionID := c.GetString(ctxSessionKey)
	return user, sessionID, true
}
