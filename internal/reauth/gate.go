// Package reauth implements the step-up verification gate in front of
// sensitive operations: session management, MFA disable, decrypted audit
// exports, and permanent deletions.
package reauth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nexdesk/trustplane/internal/models"
	"github.com/nexdesk/trustplane/internal/security"
	"github.com/nexdesk/trustplane/internal/vault"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"gorm.io/gorm"
)

// Gate errors. Handlers map these onto machine-readable response codes.
var (
	// ErrProofRequired indicates the request carried no usable proof.
	ErrProofRequired = errors.New("reauth: proof required")
	// ErrInvalidProof indicates the supplied password or code was wrong.
	ErrInvalidProof = errors.New("reauth: invalid proof")
	// ErrLocked indicates the account is locked out from repeated failures.
	ErrLocked = errors.New("reauth: account locked")
)

// Proof carries one fresh verification secret. Exactly one field is used;
// a password takes precedence when both are set.
type Proof struct {
	Password string `json:"password"`
	Code     string `json:"code"`
}

// totpPeriod and totpSkew define the accepted TOTP window: the current
// 30-second step plus one step either side.
const (
	totpPeriod = 30 * time.Second
	totpSkew   = 1
)

// replayWindow is how long an accepted code stays rejectable. A code remains
// valid for up to period*(skew+1) after its step starts, so entries must
// outlive that span.
const replayWindow = totpPeriod * (totpSkew + 2)

// Gate verifies fresh proofs against the principal's password or TOTP
// secret. Proofs are never cached: every gated call supplies a new one. The
// only state kept is the set of recently accepted TOTP codes per principal,
// so a sniffed code cannot be replayed inside its validity window even while
// a newer code has also been accepted. Failures feed the same lockout
// counter as login failures.
type Gate struct {
	db     *gorm.DB
	vault  *vault.Vault
	policy security.LockoutPolicy

	mu        sync.Mutex
	usedCodes map[uint64]map[string]time.Time

	nowFn func() time.Time
}

// NewGate constructs a Gate.
func NewGate(db *gorm.DB, v *vault.Vault, policy security.LockoutPolicy) *Gate {
	return &Gate{
		db:        db,
		vault:     v,
		policy:    policy,
		usedCodes: make(map[uint64]map[string]time.Time),
		nowFn:     time.Now,
	}
}

// Verify checks one proof for the user. A correct proof resets the shared
// failure counter; a wrong one increments it and may lock the account, in
// which case ErrLocked is returned even for this attempt's response.
func (g *Gate) Verify(ctx context.Context, user *models.User, proof Proof) error {
	now := g.nowFn().UTC()
	if security.IsLocked(user, now) {
		return ErrLocked
	}

	var verified bool
	switch {
	case proof.Password != "":
		verified = security.CheckPassword(user.Password, proof.Password)
	case proof.Code != "":
		if !user.MFAEnabled || user.MFASecret == "" {
			return ErrProofRequired
		}
		ok, errCheck := g.checkTOTP(user, proof.Code, now)
		if errCheck != nil {
			return errCheck
		}
		verified = ok
	default:
		return ErrProofRequired
	}

	if !verified {
		locked, errRegister := security.RegisterFailure(ctx, g.db, user.ID, g.policy)
		if errRegister != nil {
			return errRegister
		}
		if locked {
			return ErrLocked
		}
		return ErrInvalidProof
	}

	if errReset := security.ResetFailures(ctx, g.db, user.ID); errReset != nil {
		return errReset
	}
	return nil
}

// checkTOTP validates a TOTP code against the user's decrypted secret. Every
// accepted code is remembered for the replay window, so with skew the older
// of two concurrently valid codes cannot verify a second time. Expired
// entries are pruned on each check.
func (g *Gate) checkTOTP(user *models.User, code string, now time.Time) (bool, error) {
	secret, errDecrypt := g.vault.DecryptString(user.MFASecret)
	if errDecrypt != nil {
		return false, fmt.Errorf("reauth: decrypt totp secret: %w", errDecrypt)
	}

	if g.isReplay(user.ID, code, now) {
		return false, nil
	}

	ok, errValidate := totp.ValidateCustom(code, secret, now, totp.ValidateOpts{
		Period: uint(totpPeriod / time.Second),
		Skew:   totpSkew,
		Digits: otp.DigitsSix,
	})
	if errValidate != nil {
		return false, fmt.Errorf("reauth: validate totp: %w", errValidate)
	}
	if ok {
		g.rememberCode(user.ID, code, now)
	}
	return ok, nil
}

// isReplay reports whether the code was already accepted for the user inside
// the replay window, pruning expired entries along the way.
func (g *Gate) isReplay(userID uint64, code string, now time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	codes := g.usedCodes[userID]
	for used, acceptedAt := range codes {
		if now.Sub(acceptedAt) > replayWindow {
			delete(codes, used)
		}
	}
	if len(codes) == 0 {
		delete(g.usedCodes, userID)
		return false
	}
	_, replayed := codes[code]
	return replayed
}

// rememberCode records an accepted code for replay rejection.
func (g *Gate) rememberCode(userID uint64, code string, now time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.usedCodes[userID] == nil {
		g.usedCodes[userID] = make(map[string]time.Time)
	}
	g.usedCodes[userID][code] = now
}
