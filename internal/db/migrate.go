package db

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nexdesk/trustplane/internal/models"
	internalsettings "github.com/nexdesk/trustplane/internal/settings"
	"gorm.io/gorm"
)

// Migrate runs database migrations for the current dialect.
func Migrate(conn *gorm.DB) error {
	if conn == nil {
		return fmt.Errorf("db: nil connection")
	}
	switch DialectName(conn) {
	case DialectSQLite:
		return migrateSQLite(conn)
	case DialectPostgres, "":
		return migratePostgres(conn)
	default:
		return fmt.Errorf("db: unsupported dialect: %s", DialectName(conn))
	}
}

// autoMigrateModels lists every persisted model in dependency order.
func autoMigrateModels(conn *gorm.DB) error {
	return conn.AutoMigrate(
		&models.User{},
		&models.Session{},
		&models.AuditLog{},
		&models.ExportQuota{},
		&models.Setting{},
	)
}

// migratePostgres applies PostgreSQL-specific schema updates and indexes.
func migratePostgres(conn *gorm.DB) error {
	if errAutoMigrate := autoMigrateModels(conn); errAutoMigrate != nil {
		return fmt.Errorf("db: migrate: %w", errAutoMigrate)
	}
	if errSeed := ensureDefaultSettings(conn); errSeed != nil {
		return errSeed
	}

	_ = conn.Exec(`CREATE EXTENSION IF NOT EXISTS pg_trgm`).Error

	// ddl defines an index or DDL statement to apply.
	type ddl struct {
		name string // Human-readable name for error reporting.
		sql  string // SQL to execute.
	}
	ddls := []ddl{
		{
			name: "idx_sessions_user_id_active",
			sql: `
				CREATE INDEX IF NOT EXISTS idx_sessions_user_id_active
				ON sessions (user_id, fingerprint)
				WHERE active = true
			`,
		},
		{
			name: "idx_sessions_last_seen_at",
			sql: `
				CREATE INDEX IF NOT EXISTS idx_sessions_last_seen_at
				ON sessions (last_seen_at DESC)
			`,
		},
		{
			name: "idx_audit_logs_created_at_id",
			sql: `
				CREATE INDEX IF NOT EXISTS idx_audit_logs_created_at_id
				ON audit_logs (created_at DESC, id DESC)
			`,
		},
		{
			name: "idx_audit_logs_user_id_created_at",
			sql: `
				CREATE INDEX IF NOT EXISTS idx_audit_logs_user_id_created_at
				ON audit_logs (user_id, created_at DESC)
			`,
		},
		{
			name: "idx_audit_logs_action_created_at",
			sql: `
				CREATE INDEX IF NOT EXISTS idx_audit_logs_action_created_at
				ON audit_logs (action, created_at DESC)
			`,
		},
		{
			name: "idx_audit_logs_pending_enrichment",
			sql: `
				CREATE INDEX IF NOT EXISTS idx_audit_logs_pending_enrichment
				ON audit_logs (id)
				WHERE enriched_at IS NULL AND ip_cipher IS NOT NULL
			`,
		},
		{
			name: "idx_export_quotas_day",
			sql: `
				CREATE INDEX IF NOT EXISTS idx_export_quotas_day
				ON export_quotas (day)
			`,
		},
	}
	for _, item := range ddls {
		if errDDL := conn.Exec(item.sql).Error; errDDL != nil {
			return fmt.Errorf("db: create index %s: %w", item.name, errDDL)
		}
	}

	// trgmIndex defines trigram and fallback index statements.
	type trgmIndex struct {
		name     string // Logical index name.
		trgmSQL  string // Trigram index SQL.
		lowerSQL string // Lowercase fallback index SQL.
	}
	trgmIndexes := []trgmIndex{
		{
			name: "idx_users_username",
			trgmSQL: `
				CREATE INDEX IF NOT EXISTS idx_users_username_trgm
				ON users USING gin (username gin_trgm_ops)
			`,
			lowerSQL: `
				CREATE INDEX IF NOT EXISTS idx_users_username_lower
				ON users (LOWER(username))
			`,
		},
		{
			name: "idx_audit_logs_username",
			trgmSQL: `
				CREATE INDEX IF NOT EXISTS idx_audit_logs_username_trgm
				ON audit_logs USING gin (username gin_trgm_ops)
			`,
			lowerSQL: `
				CREATE INDEX IF NOT EXISTS idx_audit_logs_username_lower
				ON audit_logs (LOWER(username))
			`,
		},
		{
			name: "idx_audit_logs_details",
			trgmSQL: `
				CREATE INDEX IF NOT EXISTS idx_audit_logs_details_trgm
				ON audit_logs USING gin (details gin_trgm_ops)
			`,
			lowerSQL: `
				CREATE INDEX IF NOT EXISTS idx_audit_logs_details_lower
				ON audit_logs (LOWER(details))
			`,
		},
	}
	for _, item := range trgmIndexes {
		if errIdx := conn.Exec(item.trgmSQL).Error; errIdx != nil {
			if errLower := conn.Exec(item.lowerSQL).Error; errLower != nil {
				return fmt.Errorf("db: create index %s: %w", item.name, errLower)
			}
		}
	}

	return nil
}

// migrateSQLite applies SQLite-specific schema updates and indexes.
func migrateSQLite(conn *gorm.DB) error {
	if errAutoMigrate := autoMigrateModels(conn); errAutoMigrate != nil {
		return fmt.Errorf("db: migrate: %w", errAutoMigrate)
	}
	if errSeed := ensureDefaultSettings(conn); errSeed != nil {
		return errSeed
	}

	// ddl defines an index or DDL statement to apply.
	type ddl struct {
		name string // Human-readable name for error reporting.
		sql  string // SQL to execute.
	}
	ddls := []ddl{
		{
			name: "idx_sessions_user_id_active",
			sql: `
				CREATE INDEX IF NOT EXISTS idx_sessions_user_id_active
				ON sessions (user_id, fingerprint)
				WHERE active = true
			`,
		},
		{
			name: "idx_audit_logs_created_at_id",
			sql: `
				CREATE INDEX IF NOT EXISTS idx_audit_logs_created_at_id
				ON audit_logs (created_at DESC, id DESC)
			`,
		},
		{
			name: "idx_audit_logs_user_id_created_at",
			sql: `
				CREATE INDEX IF NOT EXISTS idx_audit_logs_user_id_created_at
				ON audit_logs (user_id, created_at DESC)
			`,
		},
		{
			name: "idx_audit_logs_action_created_at",
			sql: `
				CREATE INDEX IF NOT EXISTS idx_audit_logs_action_created_at
				ON audit_logs (action, created_at DESC)
			`,
		},
		{
			name: "idx_export_quotas_day",
			sql: `
				CREATE INDEX IF NOT EXISTS idx_export_quotas_day
				ON export_quotas (day)
			`,
		},
	}
	for _, item := range ddls {
		if errDDL := conn.Exec(item.sql).Error; errDDL != nil {
			return fmt.Errorf("db: create index %s: %w", item.name, errDDL)
		}
	}

	return nil
}

// ensureDefaultSettings seeds tunable settings rows when missing.
func ensureDefaultSettings(conn *gorm.DB) error {
	if errEnsure := ensureIntSetting(conn, internalsettings.DeviceCapKey, internalsettings.DefaultDeviceCap); errEnsure != nil {
		return errEnsure
	}
	if errEnsure := ensureIntSetting(conn, internalsettings.ExportDailyLimitKey, internalsettings.DefaultExportDailyLimit); errEnsure != nil {
		return errEnsure
	}
	if errEnsure := ensureIntSetting(conn, internalsettings.LoginRateLimitKey, internalsettings.DefaultLoginRateLimit); errEnsure != nil {
		return errEnsure
	}
	return nil
}

// ensureIntSetting ensures an integer setting exists and defaults when empty.
func ensureIntSetting(conn *gorm.DB, key string, value int) error {
	payload, errMarshal := json.Marshal(value)
	if errMarshal != nil {
		return fmt.Errorf("db: marshal %s setting: %w", key, errMarshal)
	}
	rawValue := json.RawMessage(payload)

	var existing models.Setting
	if errFind := conn.Where("key = ?", key).First(&existing).Error; errFind == nil {
		trimmed := strings.TrimSpace(string(existing.Value))
		if len(existing.Value) == 0 || trimmed == "" || trimmed == "null" {
			if errUpdate := conn.Model(&existing).Updates(map[string]any{
				"value":      rawValue,
				"updated_at": time.Now().UTC(),
			}).Error; errUpdate != nil {
				return fmt.Errorf("db: update %s setting: %w", key, errUpdate)
			}
		}
		return nil
	} else if !errors.Is(errFind, gorm.ErrRecordNotFound) {
		return fmt.Errorf("db: query %s setting: %w", key, errFind)
	}

	setting := models.Setting{
		Key:       key,
		Value:     rawValue,
		UpdatedAt: time.Now().UTC(),
	}
	if errCreate := conn.Create(&setting).Error; errCreate != nil {
		return fmt.Errorf("db: create %s setting: %w", key, errCreate)
	}
	return nil
}
