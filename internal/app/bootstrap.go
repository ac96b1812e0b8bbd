package app

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/nexdesk/trustplane/internal/db"
	"github.com/nexdesk/trustplane/internal/models"
	"github.com/nexdesk/trustplane/internal/security"
	"gopkg.in/yaml.v3"
	"gorm.io/gorm"
)

// EnvAdminUsername and EnvAdminPassword seed the first account when the
// user table is empty at startup.
const (
	EnvAdminUsername = "ADMIN_USERNAME"
	EnvAdminPassword = "ADMIN_PASSWORD"
)

// initialPermissions grants the first account every portal permission.
var initialPermissions = []string{
	"view_audit_decrypted",
	"export_audit_decrypted",
	"sessions_admin",
}

// ConfigExists reports whether the config file exists at the path.
func ConfigExists(configPath string) bool {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return false
	}
	return true
}

// defaultSQLitePath is the default SQLite database file name.
const defaultSQLitePath = "trustplane.db"

// BuildSQLiteDSN constructs a SQLite DSN with default parameters.
func BuildSQLiteDSN(path string) string {
	dsn := strings.TrimSpace(path)
	if dsn == "" {
		dsn = defaultSQLitePath
	}
	if !strings.HasPrefix(strings.ToLower(dsn), "file:") {
		dsn = "file:" + dsn
	}
	separator := "?"
	if strings.Contains(dsn, "?") {
		separator = "&"
	}
	return dsn + separator + strings.Join([]string{
		"_busy_timeout=5000",
		"_journal_mode=WAL",
		"_foreign_keys=on",
		"_synchronous=NORMAL",
	}, "&")
}

// configFile maps YAML fields for the generated config file.
type configFile struct {
	Host        string      `yaml:"host"`
	Port        int         `yaml:"port"`
	DatabaseDSN string      `yaml:"database-dsn"`
	JWT         jwtCfg      `yaml:"jwt"`
	Vault       vaultCfg    `yaml:"vault"`
	Security    securityCfg `yaml:"security"`
}

// jwtCfg holds JWT settings for the generated config file.
type jwtCfg struct {
	Secret string `yaml:"secret"`
	Expiry string `yaml:"expiry"`
}

// vaultCfg holds vault key material for the generated config file.
type vaultCfg struct {
	Keys      map[int]string `yaml:"keys"`
	ActiveKey int            `yaml:"active-key"`
	HashKey   string         `yaml:"hash-key"`
}

// securityCfg holds trust policy settings for the generated config file.
type securityCfg struct {
	DeviceCap        int    `yaml:"device-cap"`
	ExportDailyLimit int    `yaml:"export-daily-limit"`
	LockoutThreshold int    `yaml:"lockout-threshold"`
	LockoutDuration  string `yaml:"lockout-duration"`
	QuotaTimezone    string `yaml:"quota-timezone"`
}

// generateJWTSecret creates a random JWT secret string.
func generateJWTSecret() string {
	secret, err := security.GenerateRandomString(32)
	if err != nil {
		return "change-me-to-a-secure-random-string"
	}
	return secret
}

// generateVaultKey creates a random base64-encoded 32-byte key.
func generateVaultKey() (string, error) {
	key, err := security.GenerateRandomBytes(32)
	if err != nil {
		return "", fmt.Errorf("generate vault key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}

// WriteConfigFile writes the initial config file to disk with freshly
// generated JWT and vault key material.
func WriteConfigFile(configPath string, dsn string, port int) error {
	vaultKey, errKey := generateVaultKey()
	if errKey != nil {
		return errKey
	}
	hashKey, errHash := generateVaultKey()
	if errHash != nil {
		return errHash
	}

	cfg := configFile{
		Host:        "",
		Port:        port,
		DatabaseDSN: dsn,
		JWT: jwtCfg{
			Secret: generateJWTSecret(),
			Expiry: "24h",
		},
		Vault: vaultCfg{
			Keys:      map[int]string{1: vaultKey},
			ActiveKey: 1,
			HashKey:   hashKey,
		},
		Security: securityCfg{
			DeviceCap:        3,
			ExportDailyLimit: 5,
			LockoutThreshold: 5,
			LockoutDuration:  "30m",
			QuotaTimezone:    "UTC",
		},
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	dir := filepath.Dir(configPath)
	if errMkdir := os.MkdirAll(dir, 0755); errMkdir != nil {
		return fmt.Errorf("create config dir: %w", errMkdir)
	}

	if errWrite := os.WriteFile(configPath, data, 0600); errWrite != nil {
		return fmt.Errorf("write config file: %w", errWrite)
	}

	return nil
}

// HasUserInitialized reports whether any user account exists.
func HasUserInitialized(conn *gorm.DB) (bool, error) {
	if conn == nil {
		return false, fmt.Errorf("nil database connection")
	}
	var count int64
	if err := conn.Model(&models.User{}).Count(&count).Error; err != nil {
		return false, fmt.Errorf("count users: %w", err)
	}
	return count > 0, nil
}

// CreateInitialUser creates the first account with every permission.
func CreateInitialUser(dsn string, username, password string) error {
	conn, err := db.Open(dsn)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		return fmt.Errorf("migrate database: %w", errMigrate)
	}
	return CreateInitialUserWithConn(conn, username, password)
}

// CreateInitialUserWithConn creates the first account with every permission.
func CreateInitialUserWithConn(conn *gorm.DB, username, password string) error {
	if conn == nil {
		return fmt.Errorf("open database: nil connection")
	}
	username = strings.TrimSpace(username)
	if username == "" {
		return fmt.Errorf("username is required")
	}
	if password == "" {
		return fmt.Errorf("password is required")
	}

	hashedPassword, errHash := security.HashPassword(password)
	if errHash != nil {
		return fmt.Errorf("hash password: %w", errHash)
	}

	permissions, errMarshal := json.Marshal(initialPermissions)
	if errMarshal != nil {
		return fmt.Errorf("marshal permissions: %w", errMarshal)
	}

	now := time.Now().UTC()
	user := models.User{
		Username:    username,
		Name:        username,
		Email:       username + "@localhost",
		Password:    hashedPassword,
		Permissions: permissions,
		Active:      true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if errCreate := conn.Create(&user).Error; errCreate != nil {
		return fmt.Errorf("create user: %w", errCreate)
	}
	return nil
}

// BootstrapFromEnv seeds the first account from ADMIN_USERNAME and
// ADMIN_PASSWORD when the user table is empty. A populated table or unset
// environment leaves the database untouched.
func BootstrapFromEnv(conn *gorm.DB) error {
	initialized, err := HasUserInitialized(conn)
	if err != nil {
		return err
	}
	if initialized {
		return nil
	}

	username := strings.TrimSpace(os.Getenv(EnvAdminUsername))
	password := os.Getenv(EnvAdminPassword)
	if username == "" || password == "" {
		return nil
	}
	return CreateInitialUserWithConn(conn, username, password)
}
