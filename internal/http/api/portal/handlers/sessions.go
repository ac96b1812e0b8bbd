package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/nexdesk/trustplane/internal/authn"
	"github.com/nexdesk/trustplane/internal/reauth"
	"github.com/nexdesk/trustplane/internal/session"
)

// sessionsAdminPermission allows revoking other principals' sessions.
const sessionsAdminPermission = "sessions_admin"

// SessionHandler serves the session management endpoints. Every endpoint is
// re-auth gated: enumerating or cutting device trust is itself sensitive.
type SessionHandler struct {
	registry *session.Registry
	gate     *reauth.Gate
}

// NewSessionHandler constructs a SessionHandler.
func NewSessionHandler(registry *session.Registry, gate *reauth.Gate) *SessionHandler {
	return &SessionHandler{registry: registry, gate: gate}
}

// List returns the principal's sessions grouped by device.
func (h *SessionHandler) List(c *gin.Context) {
	user, sessionID, ok := authn.CurrentPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "not authenticated", "code": "authentication_failed"})
		return
	}
	var body proofRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if !VerifyProof(c, h.gate, user, body.Proof) {
		return
	}

	devices, errList := h.registry.List(c.Request.Context(), user.ID)
	if errList != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list sessions failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"devices": devices, "current_session_id": sessionID})
}

// Revoke invalidates one session. The owner can revoke their own; holders
// of the admin permission can revoke anyone's.
func (h *SessionHandler) Revoke(c *gin.Context) {
	user, _, ok := authn.CurrentPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "not authenticated", "code": "authentication_failed"})
		return
	}
	targetID := strings.TrimSpace(c.Param("id"))
	if targetID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing session id"})
		return
	}
	var body proofRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if !VerifyProof(c, h.gate, user, body.Proof) {
		return
	}

	target, errGet := h.registry.Get(c.Request.Context(), targetID)
	if errGet != nil {
		if errors.Is(errGet, session.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "load session failed"})
		return
	}
	if target.UserID != user.ID && !user.HasPermission(sessionsAdminPermission) {
		c.JSON(http.StatusForbidden, gin.H{"error": "not your session", "code": "permission_denied"})
		return
	}

	if errRevoke := h.registry.Invalidate(c.Request.Context(), targetID, user.ID); errRevoke != nil {
		if errors.Is(errRevoke, session.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "revoke failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// RevokeOthers invalidates every session of the principal except the
// current one, for the device-limit recovery flow.
func (h *SessionHandler) RevokeOthers(c *gin.Context) {
	user, sessionID, ok := authn.CurrentPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "not authenticated", "code": "authentication_failed"})
		return
	}
	var body proofRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if !VerifyProof(c, h.gate, user, body.Proof) {
		return
	}

	revoked, errRevoke := h.registry.InvalidateAllExcept(c.Request.Context(), user.ID, sessionID)
	if errRevoke != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "revoke failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "revoked": revoked})
}
