package models

import "time"

// Session records one authenticated device-bound login.
//
// A "device" is not stored: it is the set of sessions sharing a fingerprint
// key. Encrypted columns are opaque vault blobs paired with fixed-width
// deterministic hash columns used only for equality search.
type Session struct {
	ID string `gorm:"type:varchar(36);primaryKey"` // Opaque session id (UUID).

	UserID uint64 `gorm:"not null;index"`    // Owning user ID.
	User   User   `gorm:"foreignKey:UserID"` // Owning user record.

	Fingerprint   string `gorm:"type:varchar(64);not null;index"` // Device fingerprint key.
	DeviceSummary string `gorm:"type:text"`                       // Human-readable device description.

	UserAgentCipher []byte `gorm:"type:bytea"`          // Encrypted user agent.
	UserAgentHash   string `gorm:"type:varchar(64)"`    // Deterministic hash of the user agent.
	IPCipher        []byte `gorm:"type:bytea"`          // Encrypted source IP.
	IPHash          string `gorm:"type:varchar(64);index"` // Deterministic hash of the source IP.

	Active    bool       `gorm:"not null;default:true;index"` // Whether the session is live.
	RevokedAt *time.Time ``                                   // Invalidation timestamp.
	RevokedBy *uint64    ``                                   // User who invalidated the session.

	LastSeenAt time.Time `gorm:"not null"`                // Last authenticated request (best-effort).
	CreatedAt  time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
}
