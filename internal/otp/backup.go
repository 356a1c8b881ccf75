package otp

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"mediconnect-auth/internal/models"
)

const (
	backupCodeCount = 8
	backupCodeBytes = 4 // 8 hex characters
)

var ErrBackupCodeInvalid = errors.New("backup code invalid or already used")

// GenerateBackupCodes produces the plain codes handed to the user once,
// plus the digests that get stored.
func GenerateBackupCodes() (codes []string, hashes []string, err error) {
	codes = make([]string, 0, backupCodeCount)
	hashes = make([]string, 0, backupCodeCount)

	for i := 0; i < backupCodeCount; i++ {
		raw := make([]byte, backupCodeBytes)
		if _, err := rand.Read(raw); err != nil {
			return nil, nil, fmt.Errorf("failed to generate backup code: %w", err)
		}
		code := strings.ToUpper(hex.EncodeToString(raw))
		codes = append(codes, code)
		hashes = append(hashes, HashBackupCode(code))
	}

	return codes, hashes, nil
}

func HashBackupCode(code string) string {
	sum := sha256.Sum256([]byte(strings.ToUpper(strings.TrimSpace(code))))
	return hex.EncodeToString(sum[:])
}

// ConsumeBackupCode marks a matching unused backup code as spent. Each
// code works exactly once.
func ConsumeBackupCode(mfa *models.MFASettings, submitted string) error {
	digest := HashBackupCode(submitted)

	for _, used := range mfa.UsedBackupCodeHashes {
		if used == digest {
			return ErrBackupCodeInvalid
		}
	}

	for _, h := range mfa.BackupCodeHashes {
		if h == digest {
			mfa.UsedBackupCodeHashes = append(mfa.UsedBackupCodeHashes, digest)
			return nil
		}
	}

	return ErrBackupCodeInvalid
}

// RemainingBackupCodes counts codes not yet spent.
func RemainingBackupCodes(mfa *models.MFASettings) int {
	remaining := 0
	for _, h := range mfa.BackupCodeHashes {
		spent := false
		for _, used := range mfa.UsedBackupCodeHashes {
			if used == h {
				spent = true
				break
			}
		}
		if !spent {
			remaining++
		}
	}
	return remaining
}
