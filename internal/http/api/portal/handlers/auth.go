// Package handlers implements the portal API endpoint handlers.
package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/nexdesk/trustplane/internal/authn"
	"github.com/nexdesk/trustplane/internal/models"
	"github.com/nexdesk/trustplane/internal/reauth"
	"github.com/nexdesk/trustplane/internal/session"
)

// AuthHandler serves login, logout, MFA, and password endpoints.
type AuthHandler struct {
	service *authn.Service
	gate    *reauth.Gate
}

// NewAuthHandler constructs an AuthHandler.
func NewAuthHandler(service *authn.Service, gate *reauth.Gate) *AuthHandler {
	return &AuthHandler{service: service, gate: gate}
}

// loginRequest defines the request body for login.
type loginRequest struct {
	Username    string         `json:"username"`
	Password    string         `json:"password"`
	Code        string         `json:"code"`
	Fingerprint map[string]any `json:"fingerprint"`
}

// Login authenticates a credential pair and issues a session token.
func (h *AuthHandler) Login(c *gin.Context) {
	var body loginRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}

	result, errLogin := h.service.Login(c.Request.Context(), authn.LoginRequest{
		Username:  body.Username,
		Password:  body.Password,
		Code:      body.Code,
		UserAgent: c.GetHeader("User-Agent"),
		RemoteIP:  c.ClientIP(),
		Meta:      body.Fingerprint,
	})
	if errLogin != nil {
		writeLoginError(c, errLogin)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"token":      result.Token,
		"expires_at": result.ExpiresAt,
		"user": gin.H{
			"id":          result.User.ID,
			"username":    result.User.Username,
			"name":        result.User.Name,
			"mfa_enabled": result.User.MFAEnabled,
		},
		"session": gin.H{
			"id":             result.Session.ID,
			"device_summary": result.Session.DeviceSummary,
		},
	})
}

// writeLoginError maps authentication failures onto machine-readable
// payloads without leaking whether the identifier or the secret was wrong.
func writeLoginError(c *gin.Context, err error) {
	var (
		lockedErr  *authn.LockedError
		limitedErr *authn.RateLimitedError
		deviceErr  *session.DeviceLimitError
	)
	switch {
	case errors.As(err, &limitedErr):
		c.JSON(http.StatusTooManyRequests, gin.H{
			"error":               "too many attempts",
			"code":                "rate_limited",
			"retry_after_seconds": int64(limitedErr.RetryAfter.Seconds()),
		})
	case errors.As(err, &lockedErr):
		c.JSON(http.StatusForbidden, gin.H{
			"error":        "account temporarily locked",
			"code":         "account_locked",
			"locked_until": lockedErr.Until,
		})
	case errors.As(err, &deviceErr):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "active device limit reached",
			"code":    "device_limit_exceeded",
			"cap":     deviceErr.Cap,
			"devices": deviceErr.Devices,
		})
	case errors.Is(err, authn.ErrMFARequired):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "totp code required", "code": "mfa_required"})
	case errors.Is(err, authn.ErrInvalidCredentials):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials", "code": "authentication_failed"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "login failed"})
	}
}

// Logout revokes the current session.
func (h *AuthHandler) Logout(c *gin.Context) {
	user, sessionID, ok := authn.CurrentPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "not authenticated", "code": "authentication_failed"})
		return
	}
	if errLogout := h.service.Logout(c.Request.Context(), user, sessionID); errLogout != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "logout failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Me returns the current principal.
func (h *AuthHandler) Me(c *gin.Context) {
	user, sessionID, ok := authn.CurrentPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "not authenticated", "code": "authentication_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"id":          user.ID,
		"username":    user.Username,
		"name":        user.Name,
		"email":       user.Email,
		"mfa_enabled": user.MFAEnabled,
		"session_id":  sessionID,
	})
}

// EnrollMFA provisions a TOTP secret for the current principal.
func (h *AuthHandler) EnrollMFA(c *gin.Context) {
	user, _, ok := authn.CurrentPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "not authenticated", "code": "authentication_failed"})
		return
	}
	enrollment, errEnroll := h.service.EnrollMFA(c.Request.Context(), user)
	if errEnroll != nil {
		if errors.Is(errEnroll, authn.ErrMFAAlreadyEnabled) {
			c.JSON(http.StatusConflict, gin.H{"error": "totp already enabled"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "enrollment failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"secret": enrollment.Secret, "url": enrollment.URL})
}

// confirmMFARequest defines the request body for TOTP confirmation.
type confirmMFARequest struct {
	Code string `json:"code"`
}

// ConfirmMFA enables TOTP after a first valid code.
func (h *AuthHandler) ConfirmMFA(c *gin.Context) {
	user, _, ok := authn.CurrentPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "not authenticated", "code": "authentication_failed"})
		return
	}
	var body confirmMFARequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil || strings.TrimSpace(body.Code) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing code"})
		return
	}
	if errConfirm := h.service.ConfirmMFA(c.Request.Context(), user, body.Code); errConfirm != nil {
		switch {
		case errors.Is(errConfirm, authn.ErrMFANotEnrolled):
			c.JSON(http.StatusBadRequest, gin.H{"error": "totp not enrolled"})
		case errors.Is(errConfirm, authn.ErrInvalidCredentials):
			c.JSON(http.StatusUnauthorized, gin.H{"error": "wrong code", "code": "authentication_failed"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "confirmation failed"})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// proofRequest embeds the re-auth proof carried by gated requests.
type proofRequest struct {
	Proof reauth.Proof `json:"proof"`
}

// DisableMFA clears TOTP after a fresh re-auth proof.
func (h *AuthHandler) DisableMFA(c *gin.Context) {
	user, _, ok := authn.CurrentPrincipal(c)
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
	if errDisable := h.service.DisableMFA(c.Request.Context(), user); errDisable != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "disable failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// changePasswordRequest defines the request body for password changes.
type changePasswordRequest struct {
	NewPassword string       `json:"new_password"`
	Proof       reauth.Proof `json:"proof"`
}

// ChangePassword rehashes the password after a fresh re-auth proof. Every
// session is revoked; the client must log in again.
func (h *AuthHandler) ChangePassword(c *gin.Context) {
	user, _, ok := authn.CurrentPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "not authenticated", "code": "authentication_failed"})
		return
	}
	var body changePasswordRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if strings.TrimSpace(body.NewPassword) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing new password"})
		return
	}
	if !VerifyProof(c, h.gate, user, body.Proof) {
		return
	}
	if errChange := h.service.ChangePassword(c.Request.Context(), user, body.NewPassword); errChange != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "password change failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// VerifyProof checks a re-auth proof and writes the failure response itself.
// Returns whether the caller may proceed.
func VerifyProof(c *gin.Context, gate *reauth.Gate, user *models.User, proof reauth.Proof) bool {
	errVerify := gate.Verify(c.Request.Context(), user, proof)
	if errVerify == nil {
		return true
	}
	switch {
	case errors.Is(errVerify, reauth.ErrLocked):
		c.JSON(http.StatusForbidden, gin.H{"error": "account temporarily locked", "code": "account_locked"})
	case errors.Is(errVerify, reauth.ErrProofRequired), errors.Is(errVerify, reauth.ErrInvalidProof):
		c.JSON(http.StatusForbidden, gin.H{"error": "re-authentication required", "code": "reauthentication_failed"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "verification failed"})
	}
	return false
}
