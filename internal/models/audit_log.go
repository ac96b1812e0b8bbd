package models

import (
	"time"

	"gorm.io/datatypes"
)

// AuditLog is an append-only record of a sensitive action.
//
// PII columns (user agent, IP, MAC) are stored as vault ciphertext paired
// with a deterministic hash column; a cipher and its hash are always written
// together or both left null. Geo fields are filled once by best-effort
// asynchronous enrichment; everything else is immutable after creation.
type AuditLog struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	UserID   *uint64 `gorm:"index"`                            // Acting user ID, nil for anonymous actions.
	Username string  `gorm:"type:text;not null;index"`         // Username snapshot at record time.
	Action   string  `gorm:"type:varchar(128);not null;index"` // Action name, e.g. "login.success".
	Module   string  `gorm:"type:varchar(64);not null;index"`  // Originating module, e.g. "sessions".

	ResourceType string `gorm:"type:varchar(64)"` // Affected resource type.
	ResourceID   string `gorm:"type:varchar(64)"` // Affected resource id.
	Details      string `gorm:"type:text"`        // Free-text details.
	Status       string `gorm:"type:varchar(32);not null;default:'ok'"` // Outcome status.

	UserAgentCipher []byte `gorm:"type:bytea"`       // Encrypted user agent.
	UserAgentHash   string `gorm:"type:varchar(64)"` // Deterministic hash of the user agent.
	IPCipher        []byte `gorm:"type:bytea"`       // Encrypted source IP.
	IPHash          string `gorm:"type:varchar(64);index"` // Deterministic hash of the source IP.
	MACCipher       []byte `gorm:"type:bytea"`       // Encrypted MAC address, when reported.
	MACHash         string `gorm:"type:varchar(64)"` // Deterministic hash of the MAC address.

	// Meta retains the raw client metadata bag for audit and debugging only.
	// It is never parsed into typed fields.
	Meta datatypes.JSON `gorm:"type:jsonb"`

	GeoCountry string   `gorm:"type:varchar(64)"` // Enriched country name.
	GeoCity    string   `gorm:"type:varchar(64)"` // Enriched city name.
	GeoISP     string   `gorm:"type:varchar(128)"` // Enriched ISP name.
	GeoLat     *float64 `gorm:"type:decimal(9,6)"` // Enriched latitude.
	GeoLon     *float64 `gorm:"type:decimal(9,6)"` // Enriched longitude.
	EnrichedAt *time.Time ``                       // When enrichment completed.

	SessionID string `gorm:"type:varchar(36);index"` // Originating session id.

	CreatedAt time.Time `gorm:"not null;autoCreateTime;index"` // Creation timestamp.
}
