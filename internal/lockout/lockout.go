package lockout

import (
	"time"

	"mediconnect-auth/internal/models"
)

const (
	ReasonBruteForce = "too many failed login attempts"
	ReasonAdmin      = "locked by administrator"
)

// Decision summarizes what a recorded failure did to the account.
type Decision struct {
	Locked            bool
	LockedThisAttempt bool
	RemainingAttempts int
	LockExpiresAt     *time.Time
}

// RecordFailure applies one failed attempt to the account state. When
// the failure count reaches the threshold the account transitions to
// locked with a bounded expiry. The caller persists the mutated account;
// these transitions never touch storage themselves.
func RecordFailure(acc *models.Account, now time.Time, threshold int, duration time.Duration) Decision {
	acc.FailedLoginAttempts++
	acc.LastFailedLogin = &now

	if acc.FailedLoginAttempts >= threshold && !acc.IsLocked {
		expiry := now.Add(duration)
		acc.IsLocked = true
		acc.LockReason = ReasonBruteForce
		acc.LockExpiresAt = &expiry

		return Decision{
			Locked:            true,
			LockedThisAttempt: true,
			RemainingAttempts: 0,
			LockExpiresAt:     &expiry,
		}
	}

	remaining := threshold - acc.FailedLoginAttempts
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Locked:            acc.IsLocked,
		RemainingAttempts: remaining,
		LockExpiresAt:     acc.LockExpiresAt,
	}
}

// RecordSuccess resets the failure state after a completed login.
func RecordSuccess(acc *models.Account, now time.Time) {
	acc.FailedLoginAttempts = 0
	acc.LastSuccessfulLogin = &now
	clearLock(acc)
}

// ResolveExpiredLock clears a lock whose expiry has passed. It reports
// whether the account changed so the caller knows to persist.
func ResolveExpiredLock(acc *models.Account, now time.Time) bool {
	if !acc.IsLocked || acc.LockExpiresAt == nil {
		return false
	}
	if now.Before(*acc.LockExpiresAt) {
		return false
	}
	acc.FailedLoginAttempts = 0
	clearLock(acc)
	return true
}

// Unlock force-clears the lock and failure counter (admin path).
func Unlock(acc *models.Account) {
	acc.FailedLoginAttempts = 0
	clearLock(acc)
}

// Lock applies an indefinite administrative lock.
func Lock(acc *models.Account, reason string) {
	acc.IsLocked = true
	acc.LockReason = reason
	acc.LockExpiresAt = nil
}

func clearLock(acc *models.Account) {
	acc.IsLocked = false
	acc.LockReason = ""
	acc.LockExpiresAt = nil
}
