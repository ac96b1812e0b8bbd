package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nexdesk/trustplane/internal/audit"
	"github.com/nexdesk/trustplane/internal/authn"
	"github.com/nexdesk/trustplane/internal/broker"
	"github.com/nexdesk/trustplane/internal/quota"
	"github.com/nexdesk/trustplane/internal/reauth"
	"gorm.io/datatypes"
)

// Audit permissions.
const (
	viewDecryptedPermission   = "view_audit_decrypted"
	exportDecryptedPermission = "export_audit_decrypted"
)

// AuditHandler serves audit query, streaming, export, and the event intake
// boundary used by resource controllers.
type AuditHandler struct {
	store    *audit.Store
	recorder *audit.Recorder
	broker   *broker.Broker
	guard    *quota.Guard
	gate     *reauth.Gate
}

// NewAuditHandler constructs an AuditHandler.
func NewAuditHandler(store *audit.Store, recorder *audit.Recorder, b *broker.Broker, guard *quota.Guard, gate *reauth.Gate) *AuditHandler {
	return &AuditHandler{store: store, recorder: recorder, broker: b, guard: guard, gate: gate}
}

// Query returns a filtered page of audit records, newest first.
func (h *AuditHandler) Query(c *gin.Context) {
	user, _, ok := authn.CurrentPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "not authenticated", "code": "authentication_failed"})
		return
	}

	filters := audit.Filters{
		Action: c.Query("action"),
		User:   c.Query("user"),
		Module: c.Query("module"),
		IP:     c.Query("ip"),
	}
	if from := strings.TrimSpace(c.Query("from")); from != "" {
		parsed, errParse := time.Parse(time.RFC3339, from)
		if errParse != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid from timestamp"})
			return
		}
		filters.From = parsed
	}
	if to := strings.TrimSpace(c.Query("to")); to != "" {
		parsed, errParse := time.Parse(time.RFC3339, to)
		if errParse != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid to timestamp"})
			return
		}
		filters.To = parsed
	}
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))

	decrypted := user.HasPermission(viewDecryptedPermission)
	records, totalPages, errQuery := h.store.Query(c.Request.Context(), filters, page, pageSize, decrypted)
	if errQuery != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"records":     records,
		"page":        page,
		"total_pages": totalPages,
		"decrypted":   decrypted,
	})
}

// Stream pushes live audit events over SSE. Clients that fall behind are
// disconnected and reconcile through Query; the stream carries redacted
// payloads only.
func (h *AuditHandler) Stream(c *gin.Context) {
	if _, _, ok := authn.CurrentPrincipal(c); !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "not authenticated", "code": "authentication_failed"})
		return
	}

	sub := h.broker.Subscribe()
	defer sub.Cancel()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Writer.Flush()

	keepalive := time.NewTicker(30 * time.Second)
	defer keepalive.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case event, open := <-sub.C:
			if !open {
				// Dropped for falling behind; the client must backfill.
				return false
			}
			payload, errMarshal := json.Marshal(event.Payload)
			if errMarshal != nil {
				return true
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Kind, payload)
			return true
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

// exportRequest defines the request body for a record export.
type exportRequest struct {
	Format string       `json:"format"`
	Proof  reauth.Proof `json:"proof"`
}

// Export renders one audit record as a download. Re-auth gated and counted
// against the principal's daily export quota; the quota is only consumed
// after the proof passes and the record exists.
func (h *AuditHandler) Export(c *gin.Context) {
	user, sessionID, ok := authn.CurrentPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "not authenticated", "code": "authentication_failed"})
		return
	}
	id, errParse := strconv.ParseUint(strings.TrimSpace(c.Param("id")), 10, 64)
	if errParse != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid record id"})
		return
	}
	var body exportRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	format := strings.ToLower(strings.TrimSpace(body.Format))
	if format == "" {
		format = audit.FormatJSON
	}
	if format != audit.FormatJSON && format != audit.FormatCSV {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported format"})
		return
	}
	if !VerifyProof(c, h.gate, user, body.Proof) {
		return
	}

	decrypted := user.HasPermission(exportDecryptedPermission)

	// Render before spending quota: a missing record must not burn one of
	// the day's slots.
	export, errExport := h.store.ExportRecord(c.Request.Context(), id, format, decrypted)
	if errExport != nil {
		if errors.Is(errExport, audit.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "record not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "export failed"})
		return
	}

	result, errQuota := h.guard.CheckAndIncrement(c.Request.Context(), user.ID)
	if errQuota != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "quota check failed"})
		return
	}
	if !result.Allowed {
		c.JSON(http.StatusTooManyRequests, gin.H{
			"error":               "daily export quota exhausted",
			"code":                "quota_exceeded",
			"used":                result.Used,
			"limit":               result.Limit,
			"retry_after_seconds": result.RetryAfterSeconds,
		})
		return
	}

	details := "redacted"
	if decrypted {
		details = "decrypted"
	}
	h.recorder.Record(audit.Event{
		UserID:       &user.ID,
		Username:     user.Username,
		Action:       "audit.export",
		Module:       "audit",
		ResourceType: "audit_log",
		ResourceID:   strconv.FormatUint(id, 10),
		Details:      details + " " + format + " export",
		UserAgent:    c.GetHeader("User-Agent"),
		IP:           c.ClientIP(),
		SessionID:    sessionID,
	})

	c.Header("Content-Disposition", `attachment; filename="`+export.Filename+`"`)
	c.Data(http.StatusOK, export.ContentType, export.Data)
}

// QuotaPeek reports the principal's remaining export allowance.
func (h *AuditHandler) QuotaPeek(c *gin.Context) {
	user, _, ok := authn.CurrentPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "not authenticated", "code": "authentication_failed"})
		return
	}
	result, errPeek := h.guard.Peek(c.Request.Context(), user.ID)
	if errPeek != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "quota peek failed"})
		return
	}
	c.JSON(http.StatusOK, result)
}

// recordEventRequest is the intake shape used by resource controllers.
type recordEventRequest struct {
	Action       string         `json:"action"`
	Module       string         `json:"module"`
	ResourceType string         `json:"resource_type"`
	ResourceID   string         `json:"resource_id"`
	Details      string         `json:"details"`
	Status       string         `json:"status"`
	MAC          string         `json:"mac"`
	Meta         map[string]any `json:"meta"`
}

// RecordEvent accepts an audit event from a resource controller acting for
// the current principal. Identity and network fields come from the request
// context, never from the body.
func (h *AuditHandler) RecordEvent(c *gin.Context) {
	user, sessionID, ok := authn.CurrentPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "not authenticated", "code": "authentication_failed"})
		return
	}
	var body recordEventRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if strings.TrimSpace(body.Action) == "" || strings.TrimSpace(body.Module) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing action or module"})
		return
	}

	var meta datatypes.JSON
	if len(body.Meta) > 0 {
		raw, errMarshal := json.Marshal(body.Meta)
		if errMarshal != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid meta"})
			return
		}
		meta = datatypes.JSON(raw)
	}

	h.recorder.Record(audit.Event{
		UserID:       &user.ID,
		Username:     user.Username,
		Action:       strings.TrimSpace(body.Action),
		Module:       strings.TrimSpace(body.Module),
		ResourceType: strings.TrimSpace(body.ResourceType),
		ResourceID:   strings.TrimSpace(body.ResourceID),
		Details:      body.Details,
		Status:       strings.TrimSpace(body.Status),
		UserAgent:    c.GetHeader("User-Agent"),
		IP:           c.ClientIP(),
		MAC:          strings.TrimSpace(body.MAC),
		Meta:         meta,
		SessionID:    sessionID,
	})
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}
