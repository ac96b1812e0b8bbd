package session

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/nexdesk/trustplane/internal/audit"
	dbutil "github.com/nexdesk/trustplane/internal/db"
	"github.com/nexdesk/trustplane/internal/fingerprint"
	"github.com/nexdesk/trustplane/internal/models"
	internalsettings "github.com/nexdesk/trustplane/internal/settings"
	"github.com/nexdesk/trustplane/internal/vault"
	"gorm.io/gorm"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	conn, err := dbutil.Open("file:" + filepath.Join(t.TempDir(), "session-test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if errMigrate := dbutil.Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}
	return conn
}

func newTestVault(t *testing.T) *vault.Vault {
	t.Helper()
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i + 100)
	}
	v, err := vault.New(map[byte][]byte{1: key}, 1, []byte("session-test-hash-key-01"))
	if err != nil {
		t.Fatalf("new vault: %v", err)
	}
	return v
}

func newTestUser(t *testing.T, conn *gorm.DB, username string) *models.User {
	t.Helper()
	user := models.User{Username: username, Name: username, Password: "x", Active: true}
	if errCreate := conn.Create(&user).Error; errCreate != nil {
		t.Fatalf("create user: %v", errCreate)
	}
	return &user
}

func newTestRegistry(t *testing.T, conn *gorm.DB) *Registry {
	t.Helper()
	return NewRegistry(conn, newTestVault(t), internalsettings.NewLoader(conn), nil)
}

func fp(seed string) fingerprint.Resolved {
	return fingerprint.Resolve(map[string]any{
		"canvas_hash": seed,
		"platform":    "Linux x86_64",
		"timezone":    "Europe/Berlin",
	}, "Mozilla/5.0 (X11; Linux x86_64) Chrome/125.0", "203.0.113.9")
}

func TestRegistry_CreateEnforcesDeviceCap(t *testing.T) {
	conn := newTestDB(t)
	registry := newTestRegistry(t, conn)
	user := newTestUser(t, conn, "alice")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := registry.Create(ctx, user.ID, fp(fmt.Sprintf("device-%d", i)), "UA", "203.0.113.9"); err != nil {
			t.Fatalf("create session %d: %v", i, err)
		}
	}

	_, err := registry.Create(ctx, user.ID, fp("device-3"), "UA", "203.0.113.9")
	var limitErr *DeviceLimitError
	if !errors.As(err, &limitErr) {
		t.Fatalf("expected DeviceLimitError, got %v", err)
	}
	if limitErr.Cap != 3 || len(limitErr.Devices) != 3 {
		t.Fatalf("limit error cap=%d devices=%d", limitErr.Cap, len(limitErr.Devices))
	}
	for _, device := range limitErr.Devices {
		if device.Summary == "" {
			t.Fatalf("device summary missing in limit error")
		}
	}

	var count int64
	if errCount := conn.Model(&models.Session{}).Where("user_id = ?", user.ID).Count(&count).Error; errCount != nil {
		t.Fatalf("count: %v", errCount)
	}
	if count != 3 {
		t.Fatalf("rejected create must not insert a row, have %d", count)
	}
}

func TestRegistry_CreateSameFingerprintBypassesCap(t *testing.T) {
	conn := newTestDB(t)
	registry := newTestRegistry(t, conn)
	user := newTestUser(t, conn, "alice")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := registry.Create(ctx, user.ID, fp(fmt.Sprintf("device-%d", i)), "UA", "203.0.113.9"); err != nil {
			t.Fatalf("create session %d: %v", i, err)
		}
	}

	// A repeat login from an already-active device is not a new device.
	if _, err := registry.Create(ctx, user.ID, fp("device-0"), "UA", "203.0.113.9"); err != nil {
		t.Fatalf("same-fingerprint create should pass: %v", err)
	}
}

func TestRegistry_CreateConcurrent(t *testing.T) {
	conn := newTestDB(t)
	registry := newTestRegistry(t, conn)
	user := newTestUser(t, conn, "alice")

	const attempts = 10
	var wg sync.WaitGroup
	results := make(chan error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := registry.Create(context.Background(), user.ID, fp(fmt.Sprintf("device-%d", i)), "UA", "203.0.113.9")
			results <- err
		}(i)
	}
	wg.Wait()
	close(results)

	succeeded, limited := 0, 0
	for err := range results {
		switch {
		case err == nil:
			succeeded++
		default:
			var limitErr *DeviceLimitError
			if !errors.As(err, &limitErr) {
				t.Fatalf("unexpected error: %v", err)
			}
			limited++
		}
	}
	if succeeded != 3 || limited != attempts-3 {
		t.Fatalf("expected exactly 3 successes, got %d successes / %d limited", succeeded, limited)
	}
}

func TestRegistry_ListGroupsByFingerprint(t *testing.T) {
	conn := newTestDB(t)
	registry := newTestRegistry(t, conn)
	user := newTestUser(t, conn, "alice")
	ctx := context.Background()

	if _, err := registry.Create(ctx, user.ID, fp("laptop"), "UA", "203.0.113.9"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := registry.Create(ctx, user.ID, fp("laptop"), "UA", "203.0.113.9"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := registry.Create(ctx, user.ID, fp("phone"), "UA", "198.51.100.7"); err != nil {
		t.Fatalf("create: %v", err)
	}

	devices, err := registry.List(ctx, user.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(devices) != 2 {
		t.Fatalf("expected 2 devices, got %d", len(devices))
	}
	total := 0
	for _, device := range devices {
		total += len(device.Sessions)
		for _, info := range device.Sessions {
			if info.IP == "" {
				t.Fatalf("owner listing should show decrypted ip")
			}
		}
	}
	if total != 3 {
		t.Fatalf("expected 3 sessions across devices, got %d", total)
	}
}

func TestRegistry_ListMarksUndecryptableIP(t *testing.T) {
	conn := newTestDB(t)
	registry := newTestRegistry(t, conn)
	user := newTestUser(t, conn, "alice")
	ctx := context.Background()

	created, err := registry.Create(ctx, user.ID, fp("laptop"), "UA", "203.0.113.9")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if errCorrupt := conn.Model(&models.Session{}).Where("id = ?", created.ID).
		Update("ip_cipher", []byte("garbage")).Error; errCorrupt != nil {
		t.Fatalf("corrupt cipher: %v", errCorrupt)
	}

	devices, errList := registry.List(ctx, user.ID)
	if errList != nil {
		t.Fatalf("list: %v", errList)
	}
	if len(devices) != 1 || len(devices[0].Sessions) != 1 {
		t.Fatalf("unexpected listing shape: %+v", devices)
	}
	if got := devices[0].Sessions[0].IP; got != audit.Unavailable {
		t.Fatalf("decrypt failure should render %q, got %q", audit.Unavailable, got)
	}
}

func TestRegistry_InvalidateLifecycle(t *testing.T) {
	conn := newTestDB(t)
	registry := newTestRegistry(t, conn)
	user := newTestUser(t, conn, "alice")
	ctx := context.Background()

	first, err := registry.Create(ctx, user.ID, fp("laptop"), "UA", "203.0.113.9")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	second, err := registry.Create(ctx, user.ID, fp("phone"), "UA", "203.0.113.9")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	third, err := registry.Create(ctx, user.ID, fp("tablet"), "UA", "203.0.113.9")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if errRevoke := registry.Invalidate(ctx, first.ID, user.ID); errRevoke != nil {
		t.Fatalf("invalidate: %v", errRevoke)
	}
	if errRevoke := registry.Invalidate(ctx, first.ID, user.ID); errRevoke != ErrNotFound {
		t.Fatalf("double invalidate should be ErrNotFound, got %v", errRevoke)
	}

	var stored models.Session
	if errFind := conn.First(&stored, "id = ?", first.ID).Error; errFind != nil {
		t.Fatalf("reload: %v", errFind)
	}
	if stored.Active || stored.RevokedAt == nil || stored.RevokedBy == nil || *stored.RevokedBy != user.ID {
		t.Fatalf("revocation fields not set: %+v", stored)
	}

	revoked, errOthers := registry.InvalidateAllExcept(ctx, user.ID, second.ID)
	if errOthers != nil {
		t.Fatalf("invalidate others: %v", errOthers)
	}
	if revoked != 1 {
		t.Fatalf("expected 1 other session revoked, got %d", revoked)
	}
	if _, errGet := registry.Get(ctx, second.ID); errGet != nil {
		t.Fatalf("kept session should stay active: %v", errGet)
	}
	if _, errGet := registry.Get(ctx, third.ID); errGet != ErrNotFound {
		t.Fatalf("other session should be inactive, got %v", errGet)
	}

	if _, errAll := registry.InvalidateAll(ctx, user.ID, "password change"); errAll != nil {
		t.Fatalf("invalidate all: %v", errAll)
	}
	devices, errList := registry.List(ctx, user.ID)
	if errList != nil {
		t.Fatalf("list: %v", errList)
	}
	if len(devices) != 0 {
		t.Fatalf("expected no active devices after trust reset, got %d", len(devices))
	}
}

func TestRegistry_TouchUpdatesLastSeen(t *testing.T) {
	conn := newTestDB(t)
	registry := newTestRegistry(t, conn)
	user := newTestUser(t, conn, "alice")
	ctx := context.Background()

	created, err := registry.Create(ctx, user.ID, fp("laptop"), "UA", "203.0.113.9")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	before := created.LastSeenAt

	// Backdate so the async update is observable.
	if errUpdate := conn.Model(&models.Session{}).Where("id = ?", created.ID).
		Update("last_seen_at", before.Add(-time.Hour)).Error; errUpdate != nil {
		t.Fatalf("backdate: %v", errUpdate)
	}

	registry.Touch(created.ID)

	deadline := time.Now().Add(2 * time.Second)
	for {
		var stored models.Session
		if errFind := conn.First(&stored, "id = ?", created.ID).Error; errFind != nil {
			t.Fatalf("reload: %v", errFind)
		}
		if !stored.LastSeenAt.Before(before) {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("touch did not update last_seen_at")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
