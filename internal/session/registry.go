// Package session implements the device-bound session registry: creation
// under the per-device cap, listing grouped by device, and invalidation.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nexdesk/trustplane/internal/audit"
	dbutil "github.com/nexdesk/trustplane/internal/db"
	"github.com/nexdesk/trustplane/internal/fingerprint"
	"github.com/nexdesk/trustplane/internal/locker"
	"github.com/nexdesk/trustplane/internal/models"
	internalsettings "github.com/nexdesk/trustplane/internal/settings"
	"github.com/nexdesk/trustplane/internal/vault"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrNotFound indicates the session does not exist or is already inactive.
var ErrNotFound = errors.New("session: not found")

// DeviceInfo describes one active device for limit errors and listings.
type DeviceInfo struct {
	Fingerprint string    `json:"fingerprint"`
	Summary     string    `json:"summary"`
	LastSeenAt  time.Time `json:"last_seen_at"`
}

// DeviceLimitError reports that a principal's distinct active device count
// is at the cap. It carries the active device summaries so clients can offer
// revoking other devices and retrying.
type DeviceLimitError struct {
	Cap     int
	Devices []DeviceInfo
}

// Error implements the error interface.
func (e *DeviceLimitError) Error() string {
	return fmt.Sprintf("session: device limit reached (%d active devices, cap %d)", len(e.Devices), e.Cap)
}

// Device is one fingerprint group in a session listing.
type Device struct {
	Fingerprint string `json:"fingerprint"`
	Summary     string `json:"summary"`
	Sessions    []Info `json:"sessions"`
}

// Info is one session in a listing. IP is decrypted for the owner's own
// view; blank when the ciphertext cannot be read.
type Info struct {
	ID         string    `json:"id"`
	IP         string    `json:"ip"`
	Active     bool      `json:"active"`
	LastSeenAt time.Time `json:"last_seen_at"`
	CreatedAt  time.Time `json:"created_at"`
}

// Registry manages device-bound sessions for all principals.
type Registry struct {
	db       *gorm.DB
	vault    *vault.Vault
	settings *internalsettings.Loader
	recorder *audit.Recorder
	locks    *locker.Keyed
}

// NewRegistry constructs a Registry.
func NewRegistry(db *gorm.DB, v *vault.Vault, loader *internalsettings.Loader, recorder *audit.Recorder) *Registry {
	return &Registry{
		db:       db,
		vault:    v,
		settings: loader,
		recorder: recorder,
		locks:    locker.NewKeyed(),
	}
}

// Create opens a session for the principal. Distinct active fingerprints are
// counted excluding the incoming one; at or above the cap no row is created
// and a DeviceLimitError carries the active device summaries. The
// check-then-insert runs under a per-principal lock, with a row lock on the
// principal on Postgres for multi-node deployments.
func (r *Registry) Create(ctx context.Context, principalID uint64, fp fingerprint.Resolved, userAgent, remoteIP string) (*models.Session, error) {
	unlock := r.locks.Lock(principalID)
	defer unlock()

	var created *models.Session
	errTx := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if dbutil.IsPostgres(tx) {
			var owner models.User
			if errLock := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
				Select("id").First(&owner, principalID).Error; errLock != nil {
				return fmt.Errorf("lock principal: %w", errLock)
			}
		}

		var others []models.Session
		if errFind := tx.Where("user_id = ? AND active = ? AND fingerprint <> ?",
			principalID, true, fp.Key).
			Order("last_seen_at DESC").
			Find(&others).Error; errFind != nil {
			return fmt.Errorf("count devices: %w", errFind)
		}
		devices := groupDevices(others)
		limit := r.deviceCap()
		if len(devices) >= limit {
			return &DeviceLimitError{Cap: limit, Devices: devices}
		}

		row := models.Session{
			ID:            uuid.NewString(),
			UserID:        principalID,
			Fingerprint:   fp.Key,
			DeviceSummary: fp.Summary,
			Active:        true,
			LastSeenAt:    time.Now().UTC(),
		}
		if userAgent != "" {
			cipher, errEncrypt := r.vault.Encrypt(userAgent)
			if errEncrypt != nil {
				return fmt.Errorf("encrypt user agent: %w", errEncrypt)
			}
			row.UserAgentCipher = cipher
			row.UserAgentHash = r.vault.Hash(userAgent)
		}
		if remoteIP != "" {
			cipher, errEncrypt := r.vault.Encrypt(remoteIP)
			if errEncrypt != nil {
				return fmt.Errorf("encrypt ip: %w", errEncrypt)
			}
			row.IPCipher = cipher
			row.IPHash = r.vault.Hash(remoteIP)
		}
		if errCreate := tx.Create(&row).Error; errCreate != nil {
			return fmt.Errorf("insert session: %w", errCreate)
		}
		created = &row
		return nil
	})
	if errTx != nil {
		var limitErr *DeviceLimitError
		if errors.As(errTx, &limitErr) {
			return nil, limitErr
		}
		return nil, fmt.Errorf("session: create: %w", errTx)
	}
	return created, nil
}

// List returns the principal's sessions grouped by fingerprint, active
// first, most recently seen first within each group.
func (r *Registry) List(ctx context.Context, principalID uint64) ([]Device, error) {
	var rows []models.Session
	if errFind := r.db.WithContext(ctx).
		Where("user_id = ? AND active = ?", principalID, true).
		Order("last_seen_at DESC").
		Find(&rows).Error; errFind != nil {
		return nil, fmt.Errorf("session: list: %w", errFind)
	}

	grouped := make(map[string]*Device)
	order := make([]string, 0)
	for i := range rows {
		row := &rows[i]
		device, ok := grouped[row.Fingerprint]
		if !ok {
			device = &Device{Fingerprint: row.Fingerprint, Summary: row.DeviceSummary}
			grouped[row.Fingerprint] = device
			order = append(order, row.Fingerprint)
		}
		info := Info{
			ID:         row.ID,
			Active:     row.Active,
			LastSeenAt: row.LastSeenAt,
			CreatedAt:  row.CreatedAt,
		}
		if len(row.IPCipher) > 0 {
			ip, errDecrypt := r.vault.Decrypt(row.IPCipher)
			if errDecrypt != nil {
				// A marker keeps decrypt failure distinct from "no data".
				ip = audit.Unavailable
			}
			info.IP = ip
		}
		device.Sessions = append(device.Sessions, info)
	}

	devices := make([]Device, 0, len(order))
	for _, key := range order {
		devices = append(devices, *grouped[key])
	}
	return devices, nil
}

// Invalidate marks one session inactive and audits whether the owner or an
// administrator revoked it.
func (r *Registry) Invalidate(ctx context.Context, sessionID string, byPrincipalID uint64) error {
	var row models.Session
	if errFind := r.db.WithContext(ctx).
		Where("id = ? AND active = ?", sessionID, true).
		First(&row).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("session: load: %w", errFind)
	}

	now := time.Now().UTC()
	if errUpdate := r.db.WithContext(ctx).Model(&models.Session{}).
		Where("id = ? AND active = ?", sessionID, true).
		Updates(map[string]any{
			"active":     false,
			"revoked_at": now,
			"revoked_by": byPrincipalID,
		}).Error; errUpdate != nil {
		return fmt.Errorf("session: invalidate: %w", errUpdate)
	}

	details := "revoked by owner"
	if byPrincipalID != row.UserID {
		details = fmt.Sprintf("revoked by administrator %d", byPrincipalID)
	}
	r.record(audit.Event{
		UserID:       &row.UserID,
		Action:       "session.revoke",
		Module:       "sessions",
		ResourceType: "session",
		ResourceID:   row.ID,
		Details:      details,
		SessionID:    row.ID,
	})
	return nil
}

// InvalidateAllExcept revokes every other active session of the principal in
// one transaction, under the same per-principal exclusion as Create.
func (r *Registry) InvalidateAllExcept(ctx context.Context, principalID uint64, keepID string) (int64, error) {
	unlock := r.locks.Lock(principalID)
	defer unlock()

	now := time.Now().UTC()
	result := r.db.WithContext(ctx).Model(&models.Session{}).
		Where("user_id = ? AND active = ? AND id <> ?", principalID, true, keepID).
		Updates(map[string]any{
			"active":     false,
			"revoked_at": now,
			"revoked_by": principalID,
		})
	if result.Error != nil {
		return 0, fmt.Errorf("session: invalidate others: %w", result.Error)
	}
	if result.RowsAffected > 0 {
		r.record(audit.Event{
			UserID:    &principalID,
			Action:    "session.revoke_others",
			Module:    "sessions",
			Details:   fmt.Sprintf("revoked %d other sessions", result.RowsAffected),
			SessionID: keepID,
		})
	}
	return result.RowsAffected, nil
}

// InvalidateAll revokes every active session of the principal. Used for
// trust resets on password change and MFA disable.
func (r *Registry) InvalidateAll(ctx context.Context, principalID uint64, reason string) (int64, error) {
	unlock := r.locks.Lock(principalID)
	defer unlock()

	now := time.Now().UTC()
	result := r.db.WithContext(ctx).Model(&models.Session{}).
		Where("user_id = ? AND active = ?", principalID, true).
		Updates(map[string]any{
			"active":     false,
			"revoked_at": now,
			"revoked_by": principalID,
		})
	if result.Error != nil {
		return 0, fmt.Errorf("session: invalidate all: %w", result.Error)
	}
	if result.RowsAffected > 0 {
		r.record(audit.Event{
			UserID:  &principalID,
			Action:  "session.revoke_all",
			Module:  "sessions",
			Details: strings.TrimSpace("trust reset: " + reason),
		})
	}
	return result.RowsAffected, nil
}

// Get loads one active session by id.
func (r *Registry) Get(ctx context.Context, sessionID string) (*models.Session, error) {
	var row models.Session
	if errFind := r.db.WithContext(ctx).
		Where("id = ? AND active = ?", sessionID, true).
		First(&row).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("session: load: %w", errFind)
	}
	return &row, nil
}

// Touch updates a session's last-seen timestamp in the background. Errors
// are dropped; last-seen is advisory display state only.
func (r *Registry) Touch(sessionID string) {
	if r == nil || sessionID == "" {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if errUpdate := r.db.WithContext(ctx).Model(&models.Session{}).
			Where("id = ? AND active = ?", sessionID, true).
			Update("last_seen_at", time.Now().UTC()).Error; errUpdate != nil {
			log.WithError(errUpdate).WithField("session_id", sessionID).Debug("session: touch dropped")
		}
	}()
}

// deviceCap reads the configured cap with a sane floor.
func (r *Registry) deviceCap() int {
	limit := internalsettings.DefaultDeviceCap
	if r.settings != nil {
		limit = r.settings.Int(internalsettings.DeviceCapKey, internalsettings.DefaultDeviceCap)
	}
	if limit < 1 {
		limit = 1
	}
	return limit
}

// record forwards to the audit recorder when one is attached.
func (r *Registry) record(event audit.Event) {
	if r.recorder != nil {
		r.recorder.Record(event)
	}
}

// groupDevices collapses sessions into one entry per fingerprint, keeping
// the most recent summary and last-seen per device.
func groupDevices(rows []models.Session) []DeviceInfo {
	seen := make(map[string]bool, len(rows))
	devices := make([]DeviceInfo, 0, len(rows))
	for i := range rows {
		row := &rows[i]
		if seen[row.Fingerprint] {
			continue
		}
		seen[row.Fingerprint] = true
		devices = append(devices, DeviceInfo{
			Fingerprint: row.Fingerprint,
			Summary:     row.DeviceSummary,
			LastSeenAt:  row.LastSeenAt,
		})
	}
	return devices
}
