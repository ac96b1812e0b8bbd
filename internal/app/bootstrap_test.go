package app

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/nexdesk/trustplane/internal/config"
	"github.com/nexdesk/trustplane/internal/db"
	"github.com/nexdesk/trustplane/internal/models"
	"github.com/nexdesk/trustplane/internal/security"
	"gorm.io/gorm"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	conn, err := db.Open(BuildSQLiteDSN(filepath.Join(t.TempDir(), "app.db")))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate db: %v", errMigrate)
	}
	return conn
}

func TestWriteConfigFile_Roundtrip(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	if ConfigExists(configPath) {
		t.Fatalf("config should not exist yet")
	}

	dsn := BuildSQLiteDSN(filepath.Join(t.TempDir(), "portal.db"))
	if err := WriteConfigFile(configPath, dsn, 8318); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if !ConfigExists(configPath) {
		t.Fatalf("config should exist after write")
	}

	loadedDSN, errDSN := config.LoadDatabaseDSN(configPath)
	if errDSN != nil {
		t.Fatalf("load dsn: %v", errDSN)
	}
	if loadedDSN != dsn {
		t.Fatalf("expected dsn=%q, got %q", dsn, loadedDSN)
	}

	jwtCfg, errJWT := config.LoadJWTConfig(configPath)
	if errJWT != nil {
		t.Fatalf("load jwt config: %v", errJWT)
	}
	if jwtCfg.Secret == "" {
		t.Fatalf("expected generated jwt secret")
	}
	if jwtCfg.Expiry != 24*time.Hour {
		t.Fatalf("expected 24h expiry, got %s", jwtCfg.Expiry)
	}

	vaultCfg, errVault := config.LoadVaultConfig(configPath)
	if errVault != nil {
		t.Fatalf("load vault config: %v", errVault)
	}
	if len(vaultCfg.Keys[vaultCfg.ActiveID]) != 32 {
		t.Fatalf("expected 32-byte active key, got %d bytes", len(vaultCfg.Keys[vaultCfg.ActiveID]))
	}
	if len(vaultCfg.HashKey) != 32 {
		t.Fatalf("expected 32-byte hash key, got %d bytes", len(vaultCfg.HashKey))
	}

	securityCfg, errSecurity := config.LoadSecurityConfig(configPath)
	if errSecurity != nil {
		t.Fatalf("load security config: %v", errSecurity)
	}
	if securityCfg.DeviceCap != 3 || securityCfg.ExportDailyLimit != 5 {
		t.Fatalf("unexpected security settings: %+v", securityCfg)
	}
	if securityCfg.LockoutDuration != 30*time.Minute {
		t.Fatalf("expected 30m lockout, got %s", securityCfg.LockoutDuration)
	}
}

func TestCreateInitialUser(t *testing.T) {
	conn := newTestDB(t)

	initialized, err := HasUserInitialized(conn)
	if err != nil {
		t.Fatalf("has user initialized: %v", err)
	}
	if initialized {
		t.Fatalf("fresh database should have no users")
	}

	if errCreate := CreateInitialUserWithConn(conn, "admin", "s3cret"); errCreate != nil {
		t.Fatalf("create initial user: %v", errCreate)
	}

	initialized, err = HasUserInitialized(conn)
	if err != nil {
		t.Fatalf("has user initialized: %v", err)
	}
	if !initialized {
		t.Fatalf("expected user table to be initialized")
	}

	var user models.User
	if errFind := conn.Where("username = ?", "admin").First(&user).Error; errFind != nil {
		t.Fatalf("load user: %v", errFind)
	}
	if !security.CheckPassword(user.Password, "s3cret") {
		t.Fatalf("password hash does not verify")
	}
	for _, permission := range initialPermissions {
		if !user.HasPermission(permission) {
			t.Fatalf("expected permission %q on initial user", permission)
		}
	}
}

func TestCreateInitialUser_Validation(t *testing.T) {
	conn := newTestDB(t)
	if err := CreateInitialUserWithConn(conn, "  ", "pw"); err == nil {
		t.Fatalf("expected error for blank username")
	}
	if err := CreateInitialUserWithConn(conn, "admin", ""); err == nil {
		t.Fatalf("expected error for blank password")
	}
}

func TestBootstrapFromEnv(t *testing.T) {
	conn := newTestDB(t)

	t.Setenv(EnvAdminUsername, "")
	t.Setenv(EnvAdminPassword, "")
	if err := BootstrapFromEnv(conn); err != nil {
		t.Fatalf("bootstrap with unset env: %v", err)
	}
	if initialized, _ := HasUserInitialized(conn); initialized {
		t.Fatalf("unset env should not create a user")
	}

	t.Setenv(EnvAdminUsername, "root")
	t.Setenv(EnvAdminPassword, "hunter2")
	if err := BootstrapFromEnv(conn); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	if initialized, _ := HasUserInitialized(conn); !initialized {
		t.Fatalf("expected seeded user")
	}

	// A populated table leaves the database untouched on later boots.
	if err := BootstrapFromEnv(conn); err != nil {
		t.Fatalf("second bootstrap: %v", err)
	}
	var count int64
	if errCount := conn.Model(&models.User{}).Count(&count).Error; errCount != nil {
		t.Fatalf("count users: %v", errCount)
	}
	if count != 1 {
		t.Fatalf("expected 1 user, got %d", count)
	}
}
