package db

import (
	"path/filepath"
	"testing"

	"github.com/nexdesk/trustplane/internal/models"
	internalsettings "github.com/nexdesk/trustplane/internal/settings"
)

func TestMigrate_SeedsDefaultSettings(t *testing.T) {
	conn, err := Open("file:" + filepath.Join(t.TempDir(), "portal-test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if errMigrate := Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}

	for _, key := range []string{
		internalsettings.DeviceCapKey,
		internalsettings.ExportDailyLimitKey,
		internalsettings.LoginRateLimitKey,
	} {
		var row models.Setting
		if errFind := conn.Where("key = ?", key).First(&row).Error; errFind != nil {
			t.Fatalf("expected seeded setting %s: %v", key, errFind)
		}
	}

	// Re-running migrations is a no-op for seeded values.
	if errMigrate := Migrate(conn); errMigrate != nil {
		t.Fatalf("second migrate: %v", errMigrate)
	}
}

func TestMigrate_TableNamesMatchRawDDL(t *testing.T) {
	conn, err := Open("file:" + filepath.Join(t.TempDir(), "portal-test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if errMigrate := Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}

	// The raw index DDL names tables directly, so every model must map to
	// the plural table the DDL targets. export_quotas is the trap: the
	// default naming strategy pluralizes "quota" to itself.
	for _, table := range []string{"users", "sessions", "audit_logs", "export_quotas", "settings"} {
		if !conn.Migrator().HasTable(table) {
			t.Fatalf("expected table %q after migrate", table)
		}
	}

	quota := models.ExportQuota{UserID: 1, Day: "2026-05-04", Count: 1}
	if errCreate := conn.Create(&quota).Error; errCreate != nil {
		t.Fatalf("create quota row: %v", errCreate)
	}
	var count int64
	if errCount := conn.Table("export_quotas").Count(&count).Error; errCount != nil {
		t.Fatalf("count export_quotas: %v", errCount)
	}
	if count != 1 {
		t.Fatalf("expected 1 row in export_quotas, got %d", count)
	}
}
