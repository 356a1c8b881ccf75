package otp

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"time"

	"mediconnect-auth/internal/models"
)

var (
	ErrCodeNotIssued = errors.New("no verification code issued")
	ErrCodeExpired   = errors.New("verification code expired")
	ErrCodeMismatch  = errors.New("verification code mismatch")
)

// GenerateCode produces a 6-digit numeric one-time code.
func GenerateCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1000000))
	if err != nil {
		return "", fmt.Errorf("failed to generate verification code: %w", err)
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

// HashCode returns the digest stored in place of the plain code.
func HashCode(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}

// Issue stamps a fresh code digest and expiry onto the account. The
// plain code is returned for delivery and never persisted.
func Issue(acc *models.Account, now time.Time, validity time.Duration) (string, error) {
	code, err := GenerateCode()
	if err != nil {
		return "", err
	}
	expiry := now.Add(validity)
	acc.OTPHash = HashCode(code)
	acc.OTPExpiresAt = &expiry
	return code, nil
}

// Consume verifies a submitted code against the stored digest and clears
// it on success, so a code can only ever be used once. Expired or
// mismatched codes leave the stored state untouched except that an
// expired code is also cleared.
func Consume(acc *models.Account, submitted string, now time.Time) error {
	if acc.OTPHash == "" || acc.OTPExpiresAt == nil {
		return ErrCodeNotIssued
	}
	if now.After(*acc.OTPExpiresAt) {
		clearCode(acc)
		return ErrCodeExpired
	}
	if subtle.ConstantTimeCompare([]byte(HashCode(submitted)), []byte(acc.OTPHash)) != 1 {
		return ErrCodeMismatch
	}
	clearCode(acc)
	return nil
}

func clearCode(acc *models.Account) {
	acc.OTPHash = ""
	acc.OTPExpiresAt = nil
}
