package audit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	dbutil "github.com/nexdesk/trustplane/internal/db"
	"github.com/nexdesk/trustplane/internal/models"
	"github.com/nexdesk/trustplane/internal/vault"
	"gorm.io/gorm"
)

// Markers rendered in place of PII values.
const (
	// Redacted replaces PII for viewers without the decrypted-view permission.
	Redacted = "[redacted]"
	// Unavailable replaces PII whose ciphertext could not be decrypted.
	// Distinct from blank so operators do not mistake it for an empty field.
	Unavailable = "[unavailable]"
)

// ErrNotFound indicates the requested audit record does not exist.
var ErrNotFound = errors.New("audit: record not found")

// Filters narrows an audit query. Action, User, and Module match
// case-insensitively against plaintext columns; IP matches through the
// deterministic hash of the normalized input and never decrypts rows.
type Filters struct {
	Action string
	User   string
	Module string
	IP     string
	From   time.Time
	To     time.Time
}

// Record is a rendered audit row. PII fields hold the decrypted plaintext,
// the Redacted marker, or the Unavailable marker.
type Record struct {
	ID           uint64     `json:"id"`
	UserID       *uint64    `json:"user_id"`
	Username     string     `json:"username"`
	Action       string     `json:"action"`
	Module       string     `json:"module"`
	ResourceType string     `json:"resource_type"`
	ResourceID   string     `json:"resource_id"`
	Details      string     `json:"details"`
	Status       string     `json:"status"`
	UserAgent    string     `json:"user_agent"`
	IP           string     `json:"ip"`
	MAC          string     `json:"mac"`
	GeoCountry   string     `json:"geo_country"`
	GeoCity      string     `json:"geo_city"`
	GeoISP       string     `json:"geo_isp"`
	SessionID    string     `json:"session_id"`
	CreatedAt    time.Time  `json:"created_at"`
	EnrichedAt   *time.Time `json:"enriched_at"`
}

// Store serves historical audit queries and single-record reads.
type Store struct {
	db    *gorm.DB
	vault *vault.Vault
}

// NewStore constructs a Store.
func NewStore(db *gorm.DB, v *vault.Vault) *Store {
	return &Store{db: db, vault: v}
}

// Query returns a page of audit records matching the filters, newest first,
// plus the total page count. Decrypted controls whether PII fields hold
// plaintext or the Redacted marker; decrypt failures render Unavailable and
// never fail the query.
func (s *Store) Query(ctx context.Context, filters Filters, page, pageSize int, decrypted bool) ([]Record, int64, error) {
	if s == nil || s.db == nil {
		return nil, 0, fmt.Errorf("audit: store not initialized")
	}
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 200 {
		pageSize = 20
	}

	q := s.db.WithContext(ctx).Model(&models.AuditLog{})
	if action := strings.TrimSpace(filters.Action); action != "" {
		pattern := dbutil.NormalizeLikePattern(s.db, "%"+action+"%")
		q = q.Where(dbutil.CaseInsensitiveLikeExpr(s.db, "action"), pattern)
	}
	if user := strings.TrimSpace(filters.User); user != "" {
		pattern := dbutil.NormalizeLikePattern(s.db, "%"+user+"%")
		q = q.Where(dbutil.CaseInsensitiveLikeExpr(s.db, "username"), pattern)
	}
	if module := strings.TrimSpace(filters.Module); module != "" {
		pattern := dbutil.NormalizeLikePattern(s.db, "%"+module+"%")
		q = q.Where(dbutil.CaseInsensitiveLikeExpr(s.db, "module"), pattern)
	}
	if ip := strings.TrimSpace(filters.IP); ip != "" {
		q = q.Where("ip_hash = ?", s.vault.Hash(ip))
	}
	if !filters.From.IsZero() {
		q = q.Where("created_at >= ?", filters.From)
	}
	if !filters.To.IsZero() {
		q = q.Where("created_at <= ?", filters.To)
	}

	var total int64
	if errCount := q.Count(&total).Error; errCount != nil {
		return nil, 0, fmt.Errorf("audit: count: %w", errCount)
	}

	var rows []models.AuditLog
	if errFind := q.Order("created_at DESC, id DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&rows).Error; errFind != nil {
		return nil, 0, fmt.Errorf("audit: query: %w", errFind)
	}

	records := make([]Record, 0, len(rows))
	for i := range rows {
		records = append(records, s.render(&rows[i], decrypted))
	}

	totalPages := total / int64(pageSize)
	if total%int64(pageSize) != 0 {
		totalPages++
	}
	return records, totalPages, nil
}

// Get returns a single rendered record by id.
func (s *Store) Get(ctx context.Context, id uint64, decrypted bool) (*Record, error) {
	row, errLoad := s.load(ctx, id)
	if errLoad != nil {
		return nil, errLoad
	}
	record := s.render(row, decrypted)
	return &record, nil
}

// load fetches a raw audit row by id.
func (s *Store) load(ctx context.Context, id uint64) (*models.AuditLog, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("audit: store not initialized")
	}
	var row models.AuditLog
	if errFind := s.db.WithContext(ctx).First(&row, id).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("audit: load: %w", errFind)
	}
	return &row, nil
}

// render converts a stored row into a viewer-facing record, decrypting PII
// per-field when requested. A failed decrypt marks only that field
// unavailable; the rest of the record still renders.
func (s *Store) render(row *models.AuditLog, decrypted bool) Record {
	record := Record{
		ID:           row.ID,
		UserID:       row.UserID,
		Username:     row.Username,
		Action:       row.Action,
		Module:       row.Module,
		ResourceType: row.ResourceType,
		ResourceID:   row.ResourceID,
		Details:      row.Details,
		Status:       row.Status,
		GeoCountry:   row.GeoCountry,
		GeoCity:      row.GeoCity,
		GeoISP:       row.GeoISP,
		SessionID:    row.SessionID,
		CreatedAt:    row.CreatedAt,
		EnrichedAt:   row.EnrichedAt,
	}
	record.UserAgent = s.renderPII(row.UserAgentCipher, decrypted)
	record.IP = s.renderPII(row.IPCipher, decrypted)
	record.MAC = s.renderPII(row.MACCipher, decrypted)
	return record
}

// renderPII renders one encrypted column for a viewer.
func (s *Store) renderPII(cipher []byte, decrypted bool) string {
	if len(cipher) == 0 {
		return ""
	}
	if !decrypted {
		return Redacted
	}
	plaintext, errDecrypt := s.vault.Decrypt(cipher)
	if errDecrypt != nil {
		return Unavailable
	}
	return plaintext
}
