package authn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/nexdesk/trustplane/internal/config"
	dbutil "github.com/nexdesk/trustplane/internal/db"
	"github.com/nexdesk/trustplane/internal/models"
	"github.com/nexdesk/trustplane/internal/security"
	"github.com/nexdesk/trustplane/internal/session"
	internalsettings "github.com/nexdesk/trustplane/internal/settings"
	"github.com/nexdesk/trustplane/internal/vault"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"gorm.io/gorm"
)

type testEnv struct {
	db       *gorm.DB
	vault    *vault.Vault
	registry *session.Registry
	service  *Service
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	conn, err := dbutil.Open("file:" + filepath.Join(t.TempDir(), "authn-test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if errMigrate := dbutil.Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}

	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i + 7)
	}
	v, errVault := vault.New(map[byte][]byte{1: key}, 1, []byte("authn-test-hash-key-0123"))
	if errVault != nil {
		t.Fatalf("new vault: %v", errVault)
	}

	loader := internalsettings.NewLoader(conn)
	registry := session.NewRegistry(conn, v, loader, nil)
	service := NewService(conn, v, registry, nil, loader,
		config.JWTConfig{Secret: "test-secret", Expiry: time.Hour},
		security.LockoutPolicy{Threshold: 5, Duration: 30 * time.Minute})
	return &testEnv{db: conn, vault: v, registry: registry, service: service}
}

func (env *testEnv) createUser(t *testing.T, username, password string) *models.User {
	t.Helper()
	hash, errHash := security.HashPassword(password)
	if errHash != nil {
		t.Fatalf("hash password: %v", errHash)
	}
	user := models.User{
		Username: username,
		Name:     username,
		Email:    username + "@example.com",
		Password: hash,
		Active:   true,
	}
	if errCreate := env.db.Create(&user).Error; errCreate != nil {
		t.Fatalf("create user: %v", errCreate)
	}
	return &user
}

func loginReq(username, password, seed string) LoginRequest {
	return LoginRequest{
		Username:  username,
		Password:  password,
		UserAgent: "Mozilla/5.0 (X11; Linux x86_64) Chrome/125.0",
		RemoteIP:  "203.0.113.9",
		Meta: map[string]any{
			"canvas_hash": seed,
			"platform":    "Linux x86_64",
			"timezone":    "Europe/Berlin",
		},
	}
}

func TestService_LoginSuccess(t *testing.T) {
	env := newTestEnv(t)
	env.createUser(t, "alice", "correct horse")
	ctx := context.Background()

	result, err := env.service.Login(ctx, loginReq("alice", "correct horse", "laptop"))
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if result.Token == "" || result.Session == nil {
		t.Fatalf("incomplete result: %+v", result)
	}

	claims, errParse := security.ParseSessionToken("test-secret", result.Token)
	if errParse != nil {
		t.Fatalf("parse token: %v", errParse)
	}
	if claims.SessionID != result.Session.ID || claims.Username != "alice" {
		t.Fatalf("claims do not match session: %+v", claims)
	}

	if _, errGet := env.registry.Get(ctx, result.Session.ID); errGet != nil {
		t.Fatalf("session should be active: %v", errGet)
	}
}

func TestService_LoginInvalidCredentials(t *testing.T) {
	env := newTestEnv(t)
	user := env.createUser(t, "alice", "correct horse")
	ctx := context.Background()

	if _, err := env.service.Login(ctx, loginReq("alice", "wrong", "laptop")); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("wrong password: expected ErrInvalidCredentials, got %v", err)
	}
	if _, err := env.service.Login(ctx, loginReq("nobody", "whatever", "laptop")); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("unknown user: expected the same ErrInvalidCredentials, got %v", err)
	}

	var stored models.User
	if errFind := env.db.First(&stored, user.ID).Error; errFind != nil {
		t.Fatalf("reload: %v", errFind)
	}
	if stored.FailedLogins != 1 {
		t.Fatalf("failed counter = %d", stored.FailedLogins)
	}
}

func TestService_LockoutThenRecovery(t *testing.T) {
	env := newTestEnv(t)
	user := env.createUser(t, "alice", "correct horse")
	ctx := context.Background()

	var lockedErr *LockedError
	for i := 0; i < 5; i++ {
		_, err := env.service.Login(ctx, loginReq("alice", "wrong", "laptop"))
		if i < 4 && !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("failure %d: expected ErrInvalidCredentials, got %v", i, err)
		}
		if i == 4 && !errors.As(err, &lockedErr) {
			t.Fatalf("failure %d: expected LockedError, got %v", i, err)
		}
	}
	if lockedErr.Until.Before(time.Now().UTC().Add(29 * time.Minute)) {
		t.Fatalf("lock duration too short: %v", lockedErr.Until)
	}

	// Correct credentials are refused while the lock holds.
	if _, err := env.service.Login(ctx, loginReq("alice", "correct horse", "laptop")); !errors.As(err, &lockedErr) {
		t.Fatalf("expected LockedError for correct credentials while locked, got %v", err)
	}

	// After expiry a correct login succeeds and clears the counter.
	past := time.Now().UTC().Add(-time.Minute)
	if errUpdate := env.db.Model(&models.User{}).Where("id = ?", user.ID).
		Update("locked_until", past).Error; errUpdate != nil {
		t.Fatalf("expire lock: %v", errUpdate)
	}
	if _, err := env.service.Login(ctx, loginReq("alice", "correct horse", "laptop")); err != nil {
		t.Fatalf("login after expiry: %v", err)
	}

	var stored models.User
	if errFind := env.db.First(&stored, user.ID).Error; errFind != nil {
		t.Fatalf("reload: %v", errFind)
	}
	if stored.FailedLogins != 0 || stored.LockedUntil != nil {
		t.Fatalf("success should reset lockout state: %+v", stored)
	}
}

func TestService_LoginMFAFlow(t *testing.T) {
	env := newTestEnv(t)
	user := env.createUser(t, "alice", "correct horse")
	ctx := context.Background()

	enrollment, errEnroll := env.service.EnrollMFA(ctx, user)
	if errEnroll != nil {
		t.Fatalf("enroll: %v", errEnroll)
	}
	if enrollment.Secret == "" || enrollment.URL == "" {
		t.Fatalf("incomplete enrollment: %+v", enrollment)
	}

	// Enrollment alone does not require a code at login.
	if _, err := env.service.Login(ctx, loginReq("alice", "correct horse", "laptop")); err != nil {
		t.Fatalf("login before confirmation: %v", err)
	}

	reloaded := reloadUser(t, env.db, user.ID)
	code, errCode := totp.GenerateCodeCustom(enrollment.Secret, time.Now().UTC(), totp.ValidateOpts{
		Period: 30, Skew: 1, Digits: otp.DigitsSix,
	})
	if errCode != nil {
		t.Fatalf("generate code: %v", errCode)
	}
	if errConfirm := env.service.ConfirmMFA(ctx, reloaded, code); errConfirm != nil {
		t.Fatalf("confirm: %v", errConfirm)
	}

	// Now the code step is mandatory.
	if _, err := env.service.Login(ctx, loginReq("alice", "correct horse", "phone")); !errors.Is(err, ErrMFARequired) {
		t.Fatalf("expected ErrMFARequired, got %v", err)
	}

	wrong := loginReq("alice", "correct horse", "phone")
	wrong.Code = "000000"
	if _, err := env.service.Login(ctx, wrong); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for wrong code, got %v", err)
	}

	good := loginReq("alice", "correct horse", "phone")
	good.Code, errCode = totp.GenerateCodeCustom(enrollment.Secret, time.Now().UTC(), totp.ValidateOpts{
		Period: 30, Skew: 1, Digits: otp.DigitsSix,
	})
	if errCode != nil {
		t.Fatalf("generate code: %v", errCode)
	}
	if _, err := env.service.Login(ctx, good); err != nil {
		t.Fatalf("login with code: %v", err)
	}

	// Disabling MFA revokes every session.
	if errDisable := env.service.DisableMFA(ctx, reloadUser(t, env.db, user.ID)); errDisable != nil {
		t.Fatalf("disable: %v", errDisable)
	}
	devices, errList := env.registry.List(ctx, user.ID)
	if errList != nil {
		t.Fatalf("list: %v", errList)
	}
	if len(devices) != 0 {
		t.Fatalf("expected trust reset after mfa disable, %d devices remain", len(devices))
	}
	if stored := reloadUser(t, env.db, user.ID); stored.MFAEnabled || stored.MFASecret != "" {
		t.Fatalf("mfa state not cleared: %+v", stored)
	}
}

func TestService_LoginDeviceLimit(t *testing.T) {
	env := newTestEnv(t)
	env.createUser(t, "alice", "correct horse")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := env.service.Login(ctx, loginReq("alice", "correct horse", fmt.Sprintf("device-%d", i))); err != nil {
			t.Fatalf("login %d: %v", i, err)
		}
	}

	_, err := env.service.Login(ctx, loginReq("alice", "correct horse", "device-3"))
	var limitErr *session.DeviceLimitError
	if !errors.As(err, &limitErr) {
		t.Fatalf("expected DeviceLimitError, got %v", err)
	}
	if len(limitErr.Devices) != 3 {
		t.Fatalf("limit error should list the active devices, got %d", len(limitErr.Devices))
	}

	// A repeat login from a known device still works.
	if _, errRepeat := env.service.Login(ctx, loginReq("alice", "correct horse", "device-0")); errRepeat != nil {
		t.Fatalf("repeat device login: %v", errRepeat)
	}
}

func TestService_LoginRateLimited(t *testing.T) {
	env := newTestEnv(t)
	env.createUser(t, "alice", "correct horse")
	ctx := context.Background()

	// Pin the clock so the slow bcrypt compares cannot straddle a limiter
	// window boundary.
	now := time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)
	env.service.nowFn = func() time.Time { return now }

	// Tighten the window before the settings loader first reads it.
	value, _ := json.Marshal(2)
	if errSave := env.db.Model(&models.Setting{}).
		Where("key = ?", internalsettings.LoginRateLimitKey).
		Update("value", json.RawMessage(value)).Error; errSave != nil {
		t.Fatalf("tune setting: %v", errSave)
	}

	for i := 0; i < 2; i++ {
		if _, err := env.service.Login(ctx, loginReq("alice", "wrong", "laptop")); !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("attempt %d: %v", i, err)
		}
	}

	_, err := env.service.Login(ctx, loginReq("alice", "correct horse", "laptop"))
	var limited *RateLimitedError
	if !errors.As(err, &limited) {
		t.Fatalf("expected RateLimitedError, got %v", err)
	}
	if limited.RetryAfter < time.Second {
		t.Fatalf("retry after too small: %v", limited.RetryAfter)
	}
}

func TestService_ChangePasswordResetsTrust(t *testing.T) {
	env := newTestEnv(t)
	user := env.createUser(t, "alice", "correct horse")
	ctx := context.Background()

	if _, err := env.service.Login(ctx, loginReq("alice", "correct horse", "laptop")); err != nil {
		t.Fatalf("login: %v", err)
	}
	if errChange := env.service.ChangePassword(ctx, user, "new password"); errChange != nil {
		t.Fatalf("change password: %v", errChange)
	}

	devices, errList := env.registry.List(ctx, user.ID)
	if errList != nil {
		t.Fatalf("list: %v", errList)
	}
	if len(devices) != 0 {
		t.Fatalf("expected all sessions revoked, %d devices remain", len(devices))
	}

	if _, err := env.service.Login(ctx, loginReq("alice", "correct horse", "laptop")); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("old password should fail, got %v", err)
	}
	if _, err := env.service.Login(ctx, loginReq("alice", "new password", "laptop")); err != nil {
		t.Fatalf("new password: %v", err)
	}
}

func reloadUser(t *testing.T, conn *gorm.DB, id uint64) *models.User {
	t.Helper()
	var user models.User
	if errFind := conn.First(&user, id).Error; errFind != nil {
		t.Fatalf("reload user: %v", errFind)
	}
	return &user
}
