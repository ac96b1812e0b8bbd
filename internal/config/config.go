package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	EnvConfigPath   = "CONFIG_PATH"
	EnvDBConnection = "DB_CONNECTION"
	EnvJWTSecret    = "JWT_SECRET"
	EnvJWTExpiry    = "JWT_EXPIRY"
	EnvVaultKey     = "VAULT_KEY"
	EnvVaultHashKey = "VAULT_HASH_KEY"
)

// AppConfig holds resolved application configuration values.
type AppConfig struct {
	ConfigPath string
}

// LoadFromEnv loads app config from environment variables.
func LoadFromEnv() (AppConfig, error) {
	return AppConfig{ConfigPath: ResolveConfigPath(os.Getenv(EnvConfigPath))}, nil
}

// ResolveConfigPath normalizes the config path and applies defaults.
func ResolveConfigPath(p string) string {
	trimmed := strings.TrimSpace(p)
	if trimmed == "" {
		trimmed = "./config.yaml"
	}
	if abs, err := filepath.Abs(trimmed); err == nil {
		return abs
	}
	return trimmed
}

// ErrMissingDatabaseDSN indicates no database DSN is present in the config file.
var ErrMissingDatabaseDSN = errors.New("missing database dsn (set `database-dsn` or `database.dsn` in config file)")

// ErrMissingVaultKey indicates no vault encryption key is configured.
var ErrMissingVaultKey = errors.New("missing vault key (set `vault.keys` in config file or env VAULT_KEY)")

// JWTConfig holds JWT secret and expiry settings.
type JWTConfig struct {
	Secret string
	Expiry time.Duration
}

// LoadDatabaseDSN reads the database DSN from the YAML config file.
func LoadDatabaseDSN(configPath string) (string, error) {
	if dsn := strings.TrimSpace(os.Getenv(EnvDBConnection)); dsn != "" {
		return dsn, nil
	}

	// fileConfig maps the YAML fields needed for DSN resolution.
	type fileConfig struct {
		DatabaseDSN string `yaml:"database-dsn"`
		Database    struct {
			DSN string `yaml:"dsn"`
		} `yaml:"database"`
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return "", fmt.Errorf("read config file: %w", err)
	}

	var cfg fileConfig
	if errUnmarshal := yaml.Unmarshal(data, &cfg); errUnmarshal != nil {
		return "", fmt.Errorf("parse config file: %w", errUnmarshal)
	}

	if dsn := strings.TrimSpace(cfg.DatabaseDSN); dsn != "" {
		return dsn, nil
	}
	if dsn := strings.TrimSpace(cfg.Database.DSN); dsn != "" {
		return dsn, nil
	}
	return "", ErrMissingDatabaseDSN
}

// defaultJWTExpiry is used when the config omits or invalidates JWT expiry.
const defaultJWTExpiry = 24 * time.Hour

// LoadJWTConfig loads JWT settings from the YAML config file.
func LoadJWTConfig(configPath string) (JWTConfig, error) {
	// fileConfig maps the YAML fields needed for JWT settings. Expiry is
	// a Go duration string such as "24h".
	type fileConfig struct {
		JWT struct {
			Secret string `yaml:"secret"`
			Expiry string `yaml:"expiry"`
		} `yaml:"jwt"`
	}

	result := JWTConfig{Expiry: defaultJWTExpiry}

	data, errRead := os.ReadFile(configPath)
	if errRead == nil {
		var cfg fileConfig
		if errUnmarshal := yaml.Unmarshal(data, &cfg); errUnmarshal == nil {
			result.Secret = cfg.JWT.Secret
			if expiry, errParse := time.ParseDuration(strings.TrimSpace(cfg.JWT.Expiry)); errParse == nil && expiry > 0 {
				result.Expiry = expiry
			}
		}
	}

	if secret := strings.TrimSpace(os.Getenv(EnvJWTSecret)); secret != "" {
		result.Secret = secret
	}
	if expiryRaw := strings.TrimSpace(os.Getenv(EnvJWTExpiry)); expiryRaw != "" {
		if expiry, errParse := time.ParseDuration(expiryRaw); errParse == nil && expiry > 0 {
			result.Expiry = expiry
		}
	}

	if result.Expiry <= 0 {
		result.Expiry = defaultJWTExpiry
	}
	return result, nil
}

// VaultConfig holds decoded vault key material.
type VaultConfig struct {
	Keys     map[byte][]byte // Encryption keys by key id.
	ActiveID byte            // Key id used for new ciphertexts.
	HashKey  []byte          // Deterministic-hash key.
}

// LoadVaultConfig loads vault key material from the YAML config file with
// environment overrides. Keys are base64-encoded 32-byte values; the env
// override VAULT_KEY installs a single key with id 1.
func LoadVaultConfig(configPath string) (VaultConfig, error) {
	// fileConfig maps the YAML fields needed for vault settings.
	type fileConfig struct {
		Vault struct {
			Keys      map[int]string `yaml:"keys"`
			ActiveKey int            `yaml:"active-key"`
			HashKey   string         `yaml:"hash-key"`
		} `yaml:"vault"`
	}

	result := VaultConfig{Keys: map[byte][]byte{}}

	data, errRead := os.ReadFile(configPath)
	if errRead == nil {
		var cfg fileConfig
		if errUnmarshal := yaml.Unmarshal(data, &cfg); errUnmarshal != nil {
			return VaultConfig{}, fmt.Errorf("parse config file: %w", errUnmarshal)
		}
		ids := make([]int, 0, len(cfg.Vault.Keys))
		for id := range cfg.Vault.Keys {
			ids = append(ids, id)
		}
		sort.Ints(ids)
		for _, id := range ids {
			if id < 1 || id > 255 {
				return VaultConfig{}, fmt.Errorf("vault key id out of range: %d", id)
			}
			decoded, errDecode := base64.StdEncoding.DecodeString(strings.TrimSpace(cfg.Vault.Keys[id]))
			if errDecode != nil {
				return VaultConfig{}, fmt.Errorf("decode vault key %d: %w", id, errDecode)
			}
			result.Keys[byte(id)] = decoded
		}
		if cfg.Vault.ActiveKey >= 1 && cfg.Vault.ActiveKey <= 255 {
			result.ActiveID = byte(cfg.Vault.ActiveKey)
		}
		if hashKey := strings.TrimSpace(cfg.Vault.HashKey); hashKey != "" {
			decoded, errDecode := base64.StdEncoding.DecodeString(hashKey)
			if errDecode != nil {
				return VaultConfig{}, fmt.Errorf("decode vault hash key: %w", errDecode)
			}
			result.HashKey = decoded
		}
	}

	if raw := strings.TrimSpace(os.Getenv(EnvVaultKey)); raw != "" {
		decoded, errDecode := base64.StdEncoding.DecodeString(raw)
		if errDecode != nil {
			return VaultConfig{}, fmt.Errorf("decode env vault key: %w", errDecode)
		}
		result.Keys[1] = decoded
		result.ActiveID = 1
	}
	if raw := strings.TrimSpace(os.Getenv(EnvVaultHashKey)); raw != "" {
		decoded, errDecode := base64.StdEncoding.DecodeString(raw)
		if errDecode != nil {
			return VaultConfig{}, fmt.Errorf("decode env vault hash key: %w", errDecode)
		}
		result.HashKey = decoded
	}

	if len(result.Keys) == 0 {
		return VaultConfig{}, ErrMissingVaultKey
	}
	if result.ActiveID == 0 {
		ids := make([]int, 0, len(result.Keys))
		for id := range result.Keys {
			ids = append(ids, int(id))
		}
		sort.Ints(ids)
		result.ActiveID = byte(ids[len(ids)-1])
	}
	if len(result.HashKey) == 0 {
		return VaultConfig{}, fmt.Errorf("missing vault hash key (set `vault.hash-key` or env %s)", EnvVaultHashKey)
	}
	return result, nil
}

// Security policy defaults.
const (
	DefaultDeviceCap        = 3
	DefaultExportDailyLimit = 5
	DefaultLockoutThreshold = 5
	DefaultLockoutDuration  = 30 * time.Minute
	DefaultQuotaTimezone    = "UTC"
	DefaultAuditQueueSize   = 256
	DefaultGeoLookupTimeout = 5 * time.Second
)

// SecurityConfig holds trust and quota policy settings.
type SecurityConfig struct {
	DeviceCap        int
	ExportDailyLimit int
	LockoutThreshold int
	LockoutDuration  time.Duration
	// QuotaTimezone is the single reference timezone defining the export
	// quota day boundary for the whole deployment.
	QuotaTimezone string
	// GeoEndpoint is an optional ip-api style URL for audit geo enrichment.
	GeoEndpoint string
}

// LoadSecurityConfig loads security policy from the YAML config file,
// applying defaults for anything unset.
func LoadSecurityConfig(configPath string) (SecurityConfig, error) {
	// fileConfig maps the YAML fields needed for security settings.
	// LockoutDuration is a Go duration string such as "30m".
	type fileConfig struct {
		Security struct {
			DeviceCap        int    `yaml:"device-cap"`
			ExportDailyLimit int    `yaml:"export-daily-limit"`
			LockoutThreshold int    `yaml:"lockout-threshold"`
			LockoutDuration  string `yaml:"lockout-duration"`
			QuotaTimezone    string `yaml:"quota-timezone"`
			GeoEndpoint      string `yaml:"geo-endpoint"`
		} `yaml:"security"`
	}

	result := SecurityConfig{}
	data, errRead := os.ReadFile(configPath)
	if errRead == nil {
		var cfg fileConfig
		if errUnmarshal := yaml.Unmarshal(data, &cfg); errUnmarshal == nil {
			result.DeviceCap = cfg.Security.DeviceCap
			result.ExportDailyLimit = cfg.Security.ExportDailyLimit
			result.LockoutThreshold = cfg.Security.LockoutThreshold
			result.QuotaTimezone = cfg.Security.QuotaTimezone
			result.GeoEndpoint = cfg.Security.GeoEndpoint
			if duration, errParse := time.ParseDuration(strings.TrimSpace(cfg.Security.LockoutDuration)); errParse == nil && duration > 0 {
				result.LockoutDuration = duration
			}
		}
	}

	if result.DeviceCap <= 0 {
		result.DeviceCap = DefaultDeviceCap
	}
	if result.ExportDailyLimit <= 0 {
		result.ExportDailyLimit = DefaultExportDailyLimit
	}
	if result.LockoutThreshold <= 0 {
		result.LockoutThreshold = DefaultLockoutThreshold
	}
	if result.LockoutDuration <= 0 {
		result.LockoutDuration = DefaultLockoutDuration
	}
	if strings.TrimSpace(result.QuotaTimezone) == "" {
		result.QuotaTimezone = DefaultQuotaTimezone
	}
	if _, errLoad := time.LoadLocation(result.QuotaTimezone); errLoad != nil {
		return SecurityConfig{}, fmt.Errorf("invalid quota timezone %q: %w", result.QuotaTimezone, errLoad)
	}
	return result, nil
}
