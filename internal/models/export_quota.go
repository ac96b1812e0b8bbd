package models

import "time"

// ExportQuota counts export operations per user per calendar day.
//
// The day string is YYYY-MM-DD in the deployment's reference timezone; the
// composite key makes date rollover an implicit reset.
type ExportQuota struct {
	UserID uint64 `gorm:"primaryKey;autoIncrement:false"` // Counted user ID.
	Day    string `gorm:"type:varchar(10);primaryKey"`    // Calendar day, YYYY-MM-DD.

	Count int `gorm:"not null;default:0"` // Exports performed on the day.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}

// TableName overrides the default table name. The inflection used by gorm's
// naming strategy treats "quota" as uncountable and would produce
// "export_quota", which the raw index DDL does not target.
func (ExportQuota) TableName() string {
	return "export_quotas"
}
