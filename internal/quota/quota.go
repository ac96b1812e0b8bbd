// Package quota enforces the per-principal daily export allowance.
package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	dbutil "github.com/nexdesk/trustplane/internal/db"
	"github.com/nexdesk/trustplane/internal/locker"
	"github.com/nexdesk/trustplane/internal/models"
	internalsettings "github.com/nexdesk/trustplane/internal/settings"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// dayLayout formats the counter's calendar-day key.
const dayLayout = "2006-01-02"

// Result reports one quota decision or snapshot.
type Result struct {
	Allowed           bool  `json:"allowed"`
	Used              int   `json:"used"`
	Remaining         int   `json:"remaining"`
	Limit             int   `json:"limit"`
	RetryAfterSeconds int64 `json:"retry_after_seconds,omitempty"`
}

// Guard counts exports per principal per calendar day. The day boundary is
// computed in one fixed deployment timezone so every caller sees the same
// rollover instant.
type Guard struct {
	db       *gorm.DB
	settings *internalsettings.Loader
	location *time.Location
	locks    *locker.Keyed
	nowFn    func() time.Time
}

// NewGuard constructs a Guard. A nil location means UTC.
func NewGuard(db *gorm.DB, loader *internalsettings.Loader, location *time.Location) *Guard {
	if location == nil {
		location = time.UTC
	}
	return &Guard{
		db:       db,
		settings: loader,
		location: location,
		locks:    locker.NewKeyed(),
		nowFn:    time.Now,
	}
}

// CheckAndIncrement consumes one export from the principal's daily
// allowance. The read-check-write runs under a per-principal lock and a
// transaction, with a row lock on the counter on Postgres, so concurrent
// exports never push the counter past the limit. At the limit the counter is
// untouched and RetryAfterSeconds points at the next day boundary.
func (g *Guard) CheckAndIncrement(ctx context.Context, principalID uint64) (Result, error) {
	unlock := g.locks.Lock(principalID)
	defer unlock()

	now := g.nowFn().In(g.location)
	day := now.Format(dayLayout)
	limit := g.limit()

	var result Result
	errTx := g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, errLoad := loadCounter(tx, principalID, day)
		if errLoad != nil {
			return errLoad
		}
		if row.Count >= limit {
			result = Result{
				Allowed:           false,
				Used:              row.Count,
				Remaining:         0,
				Limit:             limit,
				RetryAfterSeconds: secondsUntilNextDay(now),
			}
			return nil
		}
		row.Count++
		if errSave := tx.Model(&models.ExportQuota{}).
			Where("user_id = ? AND day = ?", principalID, day).
			Update("count", row.Count).Error; errSave != nil {
			return fmt.Errorf("increment counter: %w", errSave)
		}
		result = Result{
			Allowed:   true,
			Used:      row.Count,
			Remaining: limit - row.Count,
			Limit:     limit,
		}
		return nil
	})
	if errTx != nil {
		return Result{}, fmt.Errorf("quota: check: %w", errTx)
	}
	return result, nil
}

// Peek reports the principal's current allowance without consuming any.
func (g *Guard) Peek(ctx context.Context, principalID uint64) (Result, error) {
	now := g.nowFn().In(g.location)
	day := now.Format(dayLayout)
	limit := g.limit()

	var row models.ExportQuota
	errFind := g.db.WithContext(ctx).
		Where("user_id = ? AND day = ?", principalID, day).
		First(&row).Error
	if errFind != nil && !errors.Is(errFind, gorm.ErrRecordNotFound) {
		return Result{}, fmt.Errorf("quota: peek: %w", errFind)
	}

	result := Result{
		Allowed:   row.Count < limit,
		Used:      row.Count,
		Remaining: limit - row.Count,
		Limit:     limit,
	}
	if result.Remaining < 0 {
		result.Remaining = 0
	}
	if !result.Allowed {
		result.RetryAfterSeconds = secondsUntilNextDay(now)
	}
	return result, nil
}

// limit reads the configured daily limit with a floor of 1.
func (g *Guard) limit() int {
	limit := internalsettings.DefaultExportDailyLimit
	if g.settings != nil {
		limit = g.settings.Int(internalsettings.ExportDailyLimitKey, internalsettings.DefaultExportDailyLimit)
	}
	if limit < 1 {
		limit = 1
	}
	return limit
}

// loadCounter fetches or creates the day's counter row inside the
// transaction, row-locked on Postgres.
func loadCounter(tx *gorm.DB, principalID uint64, day string) (*models.ExportQuota, error) {
	query := tx.Where("user_id = ? AND day = ?", principalID, day)
	if dbutil.IsPostgres(tx) {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}

	var row models.ExportQuota
	errFind := query.First(&row).Error
	if errFind == nil {
		return &row, nil
	}
	if !errors.Is(errFind, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("load counter: %w", errFind)
	}

	row = models.ExportQuota{UserID: principalID, Day: day, Count: 0}
	if errCreate := tx.Create(&row).Error; errCreate != nil {
		if dbutil.IsUniqueViolation(errCreate) {
			// Lost a create race with another node; reload the winner's row.
			if errReload := query.First(&row).Error; errReload != nil {
				return nil, fmt.Errorf("reload counter: %w", errReload)
			}
			return &row, nil
		}
		return nil, fmt.Errorf("create counter: %w", errCreate)
	}
	return &row, nil
}

// secondsUntilNextDay computes the wait until the next calendar-day boundary
// in now's location, DST transitions included.
func secondsUntilNextDay(now time.Time) int64 {
	next := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location()).AddDate(0, 0, 1)
	seconds := int64(next.Sub(now) / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	return seconds
}
