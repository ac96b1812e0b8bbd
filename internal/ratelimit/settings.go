package ratelimit

import (
	"strings"

	internalsettings "github.com/nexdesk/trustplane/internal/settings"
)

// SettingsConfig captures rate limit settings stored in DB config.
type SettingsConfig struct {
	Limit         int
	RedisEnabled  bool
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string
}

// LoadSettingsConfig loads the current rate limit settings snapshot from the
// settings loader.
func LoadSettingsConfig(loader *internalsettings.Loader) SettingsConfig {
	cfg := SettingsConfig{
		Limit:       internalsettings.DefaultLoginRateLimit,
		RedisPrefix: internalsettings.DefaultRateLimitRedisPrefix,
	}
	if loader == nil {
		return cfg
	}

	cfg.Limit = loader.Int(internalsettings.LoginRateLimitKey, cfg.Limit)
	cfg.RedisEnabled = loader.Bool(internalsettings.RateLimitRedisEnabledKey, false)
	cfg.RedisAddr = strings.TrimSpace(loader.String(internalsettings.RateLimitRedisAddrKey, ""))
	cfg.RedisPassword = strings.TrimSpace(loader.String(internalsettings.RateLimitRedisPasswordKey, ""))
	cfg.RedisDB = loader.Int(internalsettings.RateLimitRedisDBKey, 0)
	cfg.RedisPrefix = strings.TrimSpace(loader.String(internalsettings.RateLimitRedisPrefixKey, cfg.RedisPrefix))

	if cfg.RedisPrefix == "" {
		cfg.RedisPrefix = internalsettings.DefaultRateLimitRedisPrefix
	}
	if cfg.RedisDB < 0 {
		cfg.RedisDB = 0
	}
	if cfg.Limit < 0 {
		cfg.Limit = 0
	}
	return cfg
}
