package models

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
)

// User represents a credential holder stored in the database.
type User struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	Username string `gorm:"type:text;not null;uniqueIndex"` // Unique login name.
	Name     string `gorm:"type:text"`                      // Display name.
	Email    string `gorm:"type:text;uniqueIndex"`          // Email address.
	Password string `gorm:"type:text;not null"`             // Hashed password.

	// Permissions holds permission tokens as a JSON array, e.g.
	// "export_audit_decrypted" or "sessions_admin".
	Permissions datatypes.JSON `gorm:"type:jsonb;not null;default:'[]'"`

	MFASecret  string `gorm:"type:text"`              // TOTP secret, vault-encrypted at rest.
	MFAEnabled bool   `gorm:"not null;default:false"` // Whether TOTP is confirmed and required.

	FailedLogins int        `gorm:"not null;default:0"` // Consecutive failed authentications.
	LockedUntil  *time.Time `gorm:"index"`              // Lockout end; blocks auth while set and in the future.

	Active   bool `gorm:"not null;default:true"`  // Whether the user can sign in.
	Disabled bool `gorm:"not null;default:false"` // Explicit disable flag.

	Sessions []Session `gorm:"foreignKey:UserID"` // Related sessions.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}

// HasPermission reports whether the user's permission list contains the
// given token. Malformed permission JSON grants nothing.
func (u *User) HasPermission(name string) bool {
	if len(u.Permissions) == 0 {
		return false
	}
	var tokens []string
	if errUnmarshal := json.Unmarshal(u.Permissions, &tokens); errUnmarshal != nil {
		return false
	}
	for _, token := range tokens {
		if token == name {
			return true
		}
	}
	return false
}
