package settings

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/nexdesk/trustplane/internal/models"
	"gorm.io/gorm"
)

// cacheTTL bounds how stale a cached setting may be.
const cacheTTL = 30 * time.Second

type cachedValue struct {
	raw    json.RawMessage
	ok     bool
	loaded time.Time
}

// Loader reads settings rows with a short-lived cache so operators can tune
// values at runtime without a restart and without a query per request.
type Loader struct {
	db *gorm.DB

	mu    sync.Mutex
	cache map[string]cachedValue
	nowFn func() time.Time
}

// NewLoader constructs a Loader.
func NewLoader(db *gorm.DB) *Loader {
	return &Loader{db: db, cache: make(map[string]cachedValue), nowFn: time.Now}
}

// Int returns an integer setting, falling back when the row is missing or
// not a number.
func (l *Loader) Int(key string, fallback int) int {
	raw, ok := l.load(key)
	if !ok {
		return fallback
	}
	var value int
	if errUnmarshal := json.Unmarshal(raw, &value); errUnmarshal != nil {
		return fallback
	}
	return value
}

// Bool returns a boolean setting with a fallback.
func (l *Loader) Bool(key string, fallback bool) bool {
	raw, ok := l.load(key)
	if !ok {
		return fallback
	}
	var value bool
	if errUnmarshal := json.Unmarshal(raw, &value); errUnmarshal != nil {
		return fallback
	}
	return value
}

// String returns a string setting with a fallback.
func (l *Loader) String(key string, fallback string) string {
	raw, ok := l.load(key)
	if !ok {
		return fallback
	}
	var value string
	if errUnmarshal := json.Unmarshal(raw, &value); errUnmarshal != nil {
		return fallback
	}
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}

// load fetches a setting row, consulting the cache first.
func (l *Loader) load(key string) (json.RawMessage, bool) {
	if l == nil || l.db == nil {
		return nil, false
	}
	now := l.nowFn()

	l.mu.Lock()
	if cached, ok := l.cache[key]; ok && now.Sub(cached.loaded) < cacheTTL {
		l.mu.Unlock()
		return cached.raw, cached.ok
	}
	l.mu.Unlock()

	var row models.Setting
	errFind := l.db.Where("key = ?", key).First(&row).Error

	entry := cachedValue{loaded: now}
	if errFind == nil && len(row.Value) > 0 && strings.TrimSpace(string(row.Value)) != "null" {
		entry.raw = row.Value
		entry.ok = true
	}

	l.mu.Lock()
	l.cache[key] = entry
	l.mu.Unlock()
	return entry.raw, entry.ok
}
