package models

import (
	"encoding/json"
	"time"
)

// Setting stores a runtime-tunable configuration value as JSON.
type Setting struct {
	Key   string          `gorm:"type:varchar(128);primaryKey"` // Setting key.
	Value json.RawMessage `gorm:"type:jsonb"`                   // JSON-encoded value.

	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}
