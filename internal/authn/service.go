// Package authn implements credential authentication: login with device
// binding, TOTP enrollment, and the password lifecycle.
package authn

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nexdesk/trustplane/internal/audit"
	"github.com/nexdesk/trustplane/internal/config"
	"github.com/nexdesk/trustplane/internal/fingerprint"
	"github.com/nexdesk/trustplane/internal/models"
	"github.com/nexdesk/trustplane/internal/ratelimit"
	"github.com/nexdesk/trustplane/internal/security"
	"github.com/nexdesk/trustplane/internal/session"
	internalsettings "github.com/nexdesk/trustplane/internal/settings"
	"github.com/nexdesk/trustplane/internal/vault"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"gorm.io/gorm"
)

// totpIssuer names the service in authenticator apps.
const totpIssuer = "TrustPlane"

// Authentication errors. Invalid username and invalid password are not
// distinguished anywhere, including audit details.
var (
	ErrInvalidCredentials = errors.New("authn: invalid credentials")
	ErrMFARequired        = errors.New("authn: totp code required")
	ErrMFANotEnrolled     = errors.New("authn: totp not enrolled")
	ErrMFAAlreadyEnabled  = errors.New("authn: totp already enabled")
)

// LockedError reports an account lockout and when it ends.
type LockedError struct {
	Until time.Time
}

// Error implements the error interface.
func (e *LockedError) Error() string {
	return fmt.Sprintf("authn: account locked until %s", e.Until.Format(time.RFC3339))
}

// RateLimitedError reports a throttled login attempt.
type RateLimitedError struct {
	RetryAfter time.Duration
}

// Error implements the error interface.
func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("authn: rate limited, retry in %s", e.RetryAfter)
}

// LoginRequest carries one login attempt.
type LoginRequest struct {
	Username  string
	Password  string
	Code      string
	UserAgent string
	RemoteIP  string
	Meta      map[string]any
}

// LoginResult is a successful authentication.
type LoginResult struct {
	Token     string
	ExpiresAt time.Time
	User      *models.User
	Session   *models.Session
}

// Service authenticates principals and manages their credentials.
type Service struct {
	db       *gorm.DB
	vault    *vault.Vault
	registry *session.Registry
	recorder *audit.Recorder
	limiter  *ratelimit.Manager
	settings *internalsettings.Loader
	jwt      config.JWTConfig
	policy   security.LockoutPolicy
	nowFn    func() time.Time
}

// NewService constructs a Service.
func NewService(db *gorm.DB, v *vault.Vault, registry *session.Registry, recorder *audit.Recorder, loader *internalsettings.Loader, jwtCfg config.JWTConfig, policy security.LockoutPolicy) *Service {
	s := &Service{
		db:       db,
		vault:    v,
		registry: registry,
		recorder: recorder,
		settings: loader,
		jwt:      jwtCfg,
		policy:   policy,
		nowFn:    time.Now,
	}
	// The limiter shares the service clock so the whole login path moves
	// on one time source.
	s.limiter = ratelimit.NewManager(
		func() ratelimit.SettingsConfig { return ratelimit.LoadSettingsConfig(loader) },
		func() time.Time { return s.nowFn() },
		nil,
	)
	return s
}

// Login authenticates a credential pair, binds the session to the client's
// device fingerprint, and issues a session token. Hitting the device cap is
// not an authentication failure: the DeviceLimitError carries the active
// device summaries so the client can revoke one and retry.
func (s *Service) Login(ctx context.Context, req LoginRequest) (*LoginResult, error) {
	username := strings.TrimSpace(req.Username)
	if username == "" || req.Password == "" {
		return nil, ErrInvalidCredentials
	}

	if errLimit := s.checkRateLimit(ctx, username, req.RemoteIP); errLimit != nil {
		return nil, errLimit
	}

	var user models.User
	if errFind := s.db.WithContext(ctx).
		Where("username = ?", username).
		First(&user).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			s.auditFailure(nil, username, req, "unknown identifier or wrong secret")
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("authn: load user: %w", errFind)
	}
	if !user.Active || user.Disabled {
		s.auditFailure(&user.ID, username, req, "account not usable")
		return nil, ErrInvalidCredentials
	}

	now := s.nowFn().UTC()
	if security.IsLocked(&user, now) {
		s.auditFailure(&user.ID, username, req, "attempt while locked")
		return nil, &LockedError{Until: user.LockedUntil.UTC()}
	}

	if !security.CheckPassword(user.Password, req.Password) {
		return nil, s.registerFailure(ctx, &user, req, "unknown identifier or wrong secret")
	}

	if user.MFAEnabled {
		if strings.TrimSpace(req.Code) == "" {
			return nil, ErrMFARequired
		}
		ok, errCheck := s.validateTOTP(&user, req.Code, now)
		if errCheck != nil {
			return nil, errCheck
		}
		if !ok {
			return nil, s.registerFailure(ctx, &user, req, "wrong totp code")
		}
	}

	if errReset := security.ResetFailures(ctx, s.db, user.ID); errReset != nil {
		return nil, errReset
	}

	resolved := fingerprint.Resolve(req.Meta, req.UserAgent, req.RemoteIP)
	created, errCreate := s.registry.Create(ctx, user.ID, resolved, req.UserAgent, req.RemoteIP)
	if errCreate != nil {
		var limitErr *session.DeviceLimitError
		if errors.As(errCreate, &limitErr) {
			s.record(audit.Event{
				UserID:    &user.ID,
				Username:  user.Username,
				Action:    "login.device_limit",
				Module:    "authn",
				Details:   fmt.Sprintf("device cap %d reached", limitErr.Cap),
				Status:    "denied",
				UserAgent: req.UserAgent,
				IP:        req.RemoteIP,
				Meta:      resolved.Raw,
			})
			return nil, limitErr
		}
		return nil, errCreate
	}

	token, expiresAt, errToken := security.GenerateSessionToken(s.jwt.Secret, user.ID, user.Username, created.ID, s.jwt.Expiry)
	if errToken != nil {
		return nil, errToken
	}

	s.record(audit.Event{
		UserID:    &user.ID,
		Username:  user.Username,
		Action:    "login.success",
		Module:    "authn",
		Details:   "device " + created.DeviceSummary,
		UserAgent: req.UserAgent,
		IP:        req.RemoteIP,
		Meta:      resolved.Raw,
		SessionID: created.ID,
	})

	return &LoginResult{Token: token, ExpiresAt: expiresAt, User: &user, Session: created}, nil
}

// Logout revokes the current session.
func (s *Service) Logout(ctx context.Context, user *models.User, sessionID string) error {
	if errRevoke := s.registry.Invalidate(ctx, sessionID, user.ID); errRevoke != nil && !errors.Is(errRevoke, session.ErrNotFound) {
		return errRevoke
	}
	s.record(audit.Event{
		UserID:    &user.ID,
		Username:  user.Username,
		Action:    "logout",
		Module:    "authn",
		SessionID: sessionID,
	})
	return nil
}

// Enrollment holds a provisioned but unconfirmed TOTP secret.
type Enrollment struct {
	Secret string `json:"secret"`
	URL    string `json:"url"`
}

// EnrollMFA provisions a TOTP secret for the user. The secret is stored
// vault-encrypted and stays inert until ConfirmMFA sees a valid code.
func (s *Service) EnrollMFA(ctx context.Context, user *models.User) (*Enrollment, error) {
	if user.MFAEnabled {
		return nil, ErrMFAAlreadyEnabled
	}
	key, errGenerate := totp.Generate(totp.GenerateOpts{
		Issuer:      totpIssuer,
		AccountName: user.Username,
	})
	if errGenerate != nil {
		return nil, fmt.Errorf("authn: generate totp secret: %w", errGenerate)
	}
	encrypted, errEncrypt := s.vault.EncryptString(key.Secret())
	if errEncrypt != nil {
		return nil, fmt.Errorf("authn: encrypt totp secret: %w", errEncrypt)
	}
	if errSave := s.db.WithContext(ctx).Model(&models.User{}).
		Where("id = ?", user.ID).
		Updates(map[string]any{"mfa_secret": encrypted, "mfa_enabled": false}).Error; errSave != nil {
		return nil, fmt.Errorf("authn: store totp secret: %w", errSave)
	}
	return &Enrollment{Secret: key.Secret(), URL: key.URL()}, nil
}

// ConfirmMFA flips MFA on after the user proves possession of the secret
// with a first valid code.
func (s *Service) ConfirmMFA(ctx context.Context, user *models.User, code string) error {
	if user.MFASecret == "" {
		return ErrMFANotEnrolled
	}
	ok, errCheck := s.validateTOTP(user, code, s.nowFn().UTC())
	if errCheck != nil {
		return errCheck
	}
	if !ok {
		return ErrInvalidCredentials
	}
	if errSave := s.db.WithContext(ctx).Model(&models.User{}).
		Where("id = ?", user.ID).
		Update("mfa_enabled", true).Error; errSave != nil {
		return fmt.Errorf("authn: enable mfa: %w", errSave)
	}
	s.record(audit.Event{
		UserID:   &user.ID,
		Username: user.Username,
		Action:   "mfa.enabled",
		Module:   "authn",
	})
	return nil
}

// DisableMFA clears the TOTP secret and resets device trust by revoking
// every session. The handler enforces a fresh re-auth proof first.
func (s *Service) DisableMFA(ctx context.Context, user *models.User) error {
	if errSave := s.db.WithContext(ctx).Model(&models.User{}).
		Where("id = ?", user.ID).
		Updates(map[string]any{"mfa_secret": "", "mfa_enabled": false}).Error; errSave != nil {
		return fmt.Errorf("authn: disable mfa: %w", errSave)
	}
	if _, errRevoke := s.registry.InvalidateAll(ctx, user.ID, "mfa disabled"); errRevoke != nil {
		return errRevoke
	}
	s.record(audit.Event{
		UserID:   &user.ID,
		Username: user.Username,
		Action:   "mfa.disabled",
		Module:   "authn",
	})
	return nil
}

// ChangePassword rehashes the password and resets device trust. The handler
// enforces a fresh re-auth proof first.
func (s *Service) ChangePassword(ctx context.Context, user *models.User, newPassword string) error {
	hash, errHash := security.HashPassword(newPassword)
	if errHash != nil {
		return errHash
	}
	if errSave := s.db.WithContext(ctx).Model(&models.User{}).
		Where("id = ?", user.ID).
		Update("password", hash).Error; errSave != nil {
		return fmt.Errorf("authn: store password: %w", errSave)
	}
	if _, errRevoke := s.registry.InvalidateAll(ctx, user.ID, "password change"); errRevoke != nil {
		return errRevoke
	}
	s.record(audit.Event{
		UserID:   &user.ID,
		Username: user.Username,
		Action:   "password.changed",
		Module:   "authn",
	})
	return nil
}

// checkRateLimit throttles attempts per username and source IP.
func (s *Service) checkRateLimit(ctx context.Context, username, remoteIP string) error {
	limit := ratelimit.LoadSettingsConfig(s.settings).Limit
	result, errAllow := s.limiter.Allow(ctx, ratelimit.LoginKey(username, remoteIP), limit)
	if errAllow != nil {
		// The limiter is protective, not authoritative; on backend failure
		// the lockout policy still applies.
		return nil
	}
	if !result.Allowed {
		retry := time.Until(result.Reset)
		if retry < time.Second {
			retry = time.Second
		}
		return &RateLimitedError{RetryAfter: retry}
	}
	return nil
}

// validateTOTP checks a code against the user's decrypted secret.
func (s *Service) validateTOTP(user *models.User, code string, now time.Time) (bool, error) {
	secret, errDecrypt := s.vault.DecryptString(user.MFASecret)
	if errDecrypt != nil {
		return false, fmt.Errorf("authn: decrypt totp secret: %w", errDecrypt)
	}
	ok, errValidate := totp.ValidateCustom(strings.TrimSpace(code), secret, now, totp.ValidateOpts{
		Period: 30,
		Skew:   1,
		Digits: otp.DigitsSix,
	})
	if errValidate != nil {
		return false, fmt.Errorf("authn: validate totp: %w", errValidate)
	}
	return ok, nil
}

// registerFailure counts one failed attempt, audits it, and reports the
// resulting error.
func (s *Service) registerFailure(ctx context.Context, user *models.User, req LoginRequest, details string) error {
	locked, errRegister := security.RegisterFailure(ctx, s.db, user.ID, s.policy)
	if errRegister != nil {
		return errRegister
	}
	s.auditFailure(&user.ID, user.Username, req, details)
	if locked {
		return &LockedError{Until: s.nowFn().UTC().Add(s.policy.Duration)}
	}
	return ErrInvalidCredentials
}

// auditFailure records a failed attempt without blocking the response.
func (s *Service) auditFailure(userID *uint64, username string, req LoginRequest, details string) {
	s.record(audit.Event{
		UserID:    userID,
		Username:  username,
		Action:    "login.failed",
		Module:    "authn",
		Details:   details,
		Status:    "denied",
		UserAgent: req.UserAgent,
		IP:        req.RemoteIP,
	})
}

// record forwards to the audit recorder when one is attached.
func (s *Service) record(event audit.Event) {
	if s.recorder != nil {
		s.recorder.Record(event)
	}
}
