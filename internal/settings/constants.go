package settings

// DB config keys and defaults for settings.
const (
	// DeviceCapKey controls the max distinct active devices per user.
	DeviceCapKey = "DEVICE_CAP"
	// ExportDailyLimitKey controls the per-user daily export ceiling.
	ExportDailyLimitKey = "EXPORT_DAILY_LIMIT"
	// LoginRateLimitKey controls login attempts per second per key.
	LoginRateLimitKey = "LOGIN_RATE_LIMIT"
	// RateLimitRedisEnabledKey toggles Redis-backed rate limiting.
	RateLimitRedisEnabledKey = "RATE_LIMIT_REDIS_ENABLED"
	// RateLimitRedisAddrKey defines the Redis address for rate limiting.
	RateLimitRedisAddrKey = "RATE_LIMIT_REDIS_ADDR"
	// RateLimitRedisPasswordKey defines the Redis password for rate limiting.
	RateLimitRedisPasswordKey = "RATE_LIMIT_REDIS_PASSWORD"
	// RateLimitRedisDBKey defines the Redis DB index for rate limiting.
	RateLimitRedisDBKey = "RATE_LIMIT_REDIS_DB"
	// RateLimitRedisPrefixKey defines the Redis key prefix for rate limiting.
	RateLimitRedisPrefixKey = "RATE_LIMIT_REDIS_PREFIX"

	// DefaultDeviceCap is the fallback device cap.
	DefaultDeviceCap = 3
	// DefaultExportDailyLimit is the fallback daily export ceiling.
	DefaultExportDailyLimit = 5
	// DefaultLoginRateLimit is the fallback login rate limit (0 disables).
	DefaultLoginRateLimit = 10
	// DefaultRateLimitRedisPrefix is the fallback Redis key prefix.
	DefaultRateLimitRedisPrefix = "portal:rl"
)
