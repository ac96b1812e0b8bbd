// Package portal registers the portal API routes.
package portal

import (
	"github.com/gin-gonic/gin"
	"github.com/nexdesk/trustplane/internal/audit"
	"github.com/nexdesk/trustplane/internal/authn"
	"github.com/nexdesk/trustplane/internal/broker"
	"github.com/nexdesk/trustplane/internal/config"
	handlers "github.com/nexdesk/trustplane/internal/http/api/portal/handlers"
	"github.com/nexdesk/trustplane/internal/quota"
	"github.com/nexdesk/trustplane/internal/reauth"
	"github.com/nexdesk/trustplane/internal/session"
	"gorm.io/gorm"
)

// Deps bundles the wired components the routes depend on.
type Deps struct {
	DB       *gorm.DB
	JWT      config.JWTConfig
	Service  *authn.Service
	Registry *session.Registry
	Gate     *reauth.Gate
	Store    *audit.Store
	Recorder *audit.Recorder
	Broker   *broker.Broker
	Guard    *quota.Guard
}

// RegisterRoutes registers portal routes, middleware, and handlers.
func RegisterRoutes(r *gin.Engine, deps Deps) {
	if r == nil || deps.DB == nil {
		return
	}

	healthHandler := handlers.NewHealthHandler(deps.DB)
	r.GET("/healthz", healthHandler.Healthz)

	api := r.Group("/api")

	authHandler := handlers.NewAuthHandler(deps.Service, deps.Gate)
	api.POST("/auth/login", authHandler.Login)

	authed := api.Group("")
	authed.Use(authn.Middleware(deps.DB, deps.Registry, deps.JWT.Secret))

	authed.POST("/auth/logout", authHandler.Logout)
	authed.GET("/auth/me", authHandler.Me)
	authed.POST("/auth/mfa/enroll", authHandler.EnrollMFA)
	authed.POST("/auth/mfa/confirm", authHandler.ConfirmMFA)
	authed.POST("/auth/mfa/disable", authHandler.DisableMFA)
	authed.POST("/auth/password", authHandler.ChangePassword)

	sessionHandler := handlers.NewSessionHandler(deps.Registry, deps.Gate)
	authed.POST("/sessions/list", sessionHandler.List)
	authed.POST("/sessions/:id/revoke", sessionHandler.Revoke)
	authed.POST("/sessions/revoke-others", sessionHandler.RevokeOthers)

	auditHandler := handlers.NewAuditHandler(deps.Store, deps.Recorder, deps.Broker, deps.Guard, deps.Gate)
	authed.GET("/audit", auditHandler.Query)
	authed.GET("/audit/stream", auditHandler.Stream)
	authed.POST("/audit/:id/export", auditHandler.Export)
	authed.GET("/quota/export", auditHandler.QuotaPeek)
	authed.POST("/events", auditHandler.RecordEvent)
}
