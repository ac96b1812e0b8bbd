// Package audit implements the encrypted audit trail: recording, querying,
// exporting, live fan-out, and best-effort geo enrichment.
package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/nexdesk/trustplane/internal/broker"
	"github.com/nexdesk/trustplane/internal/models"
	"github.com/nexdesk/trustplane/internal/vault"
	log "github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Event is one raw audit event before encryption. PII fields carry
// plaintext and are never persisted as-is.
type Event struct {
	UserID       *uint64        // Acting user, nil for anonymous actions.
	Username     string         // Username snapshot.
	Action       string         // Action name, e.g. "login.success".
	Module       string         // Originating module.
	ResourceType string         // Affected resource type.
	ResourceID   string         // Affected resource id.
	Details      string         // Free-text details.
	Status       string         // Outcome status; defaults to "ok".
	UserAgent    string         // Raw user agent (PII).
	IP           string         // Raw source IP (PII).
	MAC          string         // Raw MAC address when reported (PII).
	Meta         datatypes.JSON // Opaque client metadata bag.
	SessionID    string         // Originating session id.
}

// Recorder encrypts and persists audit events, then fans them out to live
// subscribers. Record is fire-and-forget through a bounded queue consumed by
// a single writer goroutine so callers never pay persistence or encryption
// cost; RecordSync writes in-line for paths that must not race their own
// response.
type Recorder struct {
	db     *gorm.DB
	vault  *vault.Vault
	broker *broker.Broker

	queue chan Event
	done  chan struct{}
}

// NewRecorder constructs a Recorder with the given queue capacity.
func NewRecorder(db *gorm.DB, v *vault.Vault, b *broker.Broker, queueSize int) *Recorder {
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Recorder{
		db:     db,
		vault:  v,
		broker: b,
		queue:  make(chan Event, queueSize),
		done:   make(chan struct{}),
	}
}

// Start launches the writer goroutine.
func (r *Recorder) Start() {
	go r.run()
}

// Stop drains the queue and stops the writer. Record calls after Stop fall
// back to synchronous writes.
func (r *Recorder) Stop() {
	close(r.queue)
	<-r.done
}

// Record enqueues an event for asynchronous persistence. Errors never reach
// the caller: the audit trail must not fail the triggering operation. When
// the queue is full the event is written synchronously instead of dropped,
// since the trail is the compliance record.
func (r *Recorder) Record(event Event) {
	if r == nil {
		return
	}
	defer func() {
		if recovered := recover(); recovered != nil {
			// Queue closed during shutdown; write in-line.
			r.writeAndPublish(context.Background(), event)
		}
	}()
	select {
	case r.queue <- event:
	default:
		r.writeAndPublish(context.Background(), event)
	}
}

// RecordSync persists an event in-line and returns the stored record.
func (r *Recorder) RecordSync(ctx context.Context, event Event) (*models.AuditLog, error) {
	return r.write(ctx, event)
}

// run consumes the queue until it closes.
func (r *Recorder) run() {
	defer close(r.done)
	for event := range r.queue {
		r.writeAndPublish(context.Background(), event)
	}
}

// writeTimeout bounds one audit persistence attempt.
const writeTimeout = 5 * time.Second

// writeAndPublish persists an event and logs failures.
func (r *Recorder) writeAndPublish(ctx context.Context, event Event) {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if _, errWrite := r.write(ctx, event); errWrite != nil {
		log.WithError(errWrite).WithField("action", event.Action).Error("audit: write failed")
	}
}

// write encrypts the event's PII fields, persists one row, and publishes
// the redacted record to live subscribers after the insert committed. A
// cipher column and its hash column are always written together or both
// left empty.
func (r *Recorder) write(ctx context.Context, event Event) (*models.AuditLog, error) {
	if r == nil || r.db == nil {
		return nil, fmt.Errorf("audit: recorder not initialized")
	}

	status := event.Status
	if status == "" {
		status = "ok"
	}

	row := models.AuditLog{
		UserID:       event.UserID,
		Username:     event.Username,
		Action:       event.Action,
		Module:       event.Module,
		ResourceType: event.ResourceType,
		ResourceID:   event.ResourceID,
		Details:      event.Details,
		Status:       status,
		Meta:         event.Meta,
		SessionID:    event.SessionID,
		CreatedAt:    time.Now().UTC(),
	}

	if event.UserAgent != "" {
		cipher, errEncrypt := r.vault.Encrypt(event.UserAgent)
		if errEncrypt != nil {
			return nil, fmt.Errorf("audit: encrypt user agent: %w", errEncrypt)
		}
		row.UserAgentCipher = cipher
		row.UserAgentHash = r.vault.Hash(event.UserAgent)
	}
	if event.IP != "" {
		cipher, errEncrypt := r.vault.Encrypt(event.IP)
		if errEncrypt != nil {
			return nil, fmt.Errorf("audit: encrypt ip: %w", errEncrypt)
		}
		row.IPCipher = cipher
		row.IPHash = r.vault.Hash(event.IP)
	}
	if event.MAC != "" {
		cipher, errEncrypt := r.vault.Encrypt(event.MAC)
		if errEncrypt != nil {
			return nil, fmt.Errorf("audit: encrypt mac: %w", errEncrypt)
		}
		row.MACCipher = cipher
		row.MACHash = r.vault.Hash(event.MAC)
	}

	if errCreate := r.db.WithContext(ctx).Create(&row).Error; errCreate != nil {
		return nil, fmt.Errorf("audit: insert: %w", errCreate)
	}

	// Publish after commit only, never inside an open transaction.
	if r.broker != nil {
		r.broker.Publish(broker.Event{
			Kind:    broker.KindCreated,
			Payload: redactedPayload(&row),
		})
	}
	return &row, nil
}

// redactedPayload renders a record for broadcast with PII omitted.
func redactedPayload(row *models.AuditLog) map[string]any {
	return map[string]any{
		"id":            row.ID,
		"user_id":       row.UserID,
		"username":      row.Username,
		"action":        row.Action,
		"module":        row.Module,
		"resource_type": row.ResourceType,
		"resource_id":   row.ResourceID,
		"details":       row.Details,
		"status":        row.Status,
		"session_id":    row.SessionID,
		"geo_country":   row.GeoCountry,
		"geo_city":      row.GeoCity,
		"created_at":    row.CreatedAt,
	}
}
