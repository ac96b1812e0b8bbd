package security

import (
	"context"
	"fmt"
	"time"

	"github.com/nexdesk/trustplane/internal/models"
	"gorm.io/gorm"
)

// LockoutPolicy defines when repeated authentication failures lock an
// account. Login and re-auth failures feed the same counter.
type LockoutPolicy struct {
	Threshold int           // Consecutive failures before locking.
	Duration  time.Duration // How long the lock holds.
}

// IsLocked reports whether the user is locked out at the given instant.
func IsLocked(user *models.User, now time.Time) bool {
	return user.LockedUntil != nil && user.LockedUntil.After(now)
}

// RegisterFailure increments the user's failed-authentication counter and
// applies the lock when the threshold is reached. Returns whether the
// account is now locked.
func RegisterFailure(ctx context.Context, db *gorm.DB, userID uint64, policy LockoutPolicy) (bool, error) {
	locked := false
	errTx := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var user models.User
		if errFind := tx.First(&user, userID).Error; errFind != nil {
			return fmt.Errorf("load user: %w", errFind)
		}
		user.FailedLogins++
		updates := map[string]any{"failed_logins": user.FailedLogins}
		if user.FailedLogins >= policy.Threshold {
			until := time.Now().UTC().Add(policy.Duration)
			updates["locked_until"] = until
			locked = true
		}
		if errSave := tx.Model(&models.User{}).Where("id = ?", userID).
			Updates(updates).Error; errSave != nil {
			return fmt.Errorf("store failure count: %w", errSave)
		}
		return nil
	})
	if errTx != nil {
		return false, fmt.Errorf("security: register failure: %w", errTx)
	}
	return locked, nil
}

// ResetFailures clears the failure counter and any lock after a successful
// authentication.
func ResetFailures(ctx context.Context, db *gorm.DB, userID uint64) error {
	if errUpdate := db.WithContext(ctx).Model(&models.User{}).
		Where("id = ?", userID).
		Updates(map[string]any{"failed_logins": 0, "locked_until": nil}).Error; errUpdate != nil {
		return fmt.Errorf("security: reset failures: %w", errUpdate)
	}
	return nil
}
