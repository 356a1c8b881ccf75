package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"mediconnect-auth/internal/audit"
	"mediconnect-auth/internal/models"
	"mediconnect-auth/internal/otp"
	"mediconnect-auth/internal/repository"
	"mediconnect-auth/internal/util"
)

// SetupMFA generates a TOTP secret and provisioning URL for the account.
// MFA stays disabled until the first code verifies; an abandoned setup
// leaves login behavior unchanged.
func (s *AuthService) SetupMFA(ctx context.Context, accountID string, meta RequestMeta) *Result {
	acc, err := s.repo.GetByID(ctx, accountID)
	if err != nil {
		if errors.Is(err, repository.ErrAccountNotFound) {
			return unauthorized("unknown_account", "account not found")
		}
		util.Error("mfa setup lookup failed", zap.Error(err))
		return serverError()
	}

	if acc.MFA.Enabled {
		return conflict("mfa_enabled", "multi-factor authentication is already enabled")
	}

	secret, url, err := s.totp.GenerateSecret(acc.Email)
	if err != nil {
		util.Error("mfa secret generation failed", zap.Error(err))
		return serverError()
	}

	err = s.withAccountRetry(ctx, acc, func(a *models.Account) (*Result, error) {
		a.MFA = models.MFASettings{
			PendingSetup: true,
			TOTPSecret:   secret,
		}
		return nil, nil
	})
	if err != nil {
		util.Error("mfa setup failed", zap.String("account_id", accountID), zap.Error(err))
		return serverError()
	}

	return success("scan the code with an authenticator app, then verify", map[string]interface{}{
		"secret":           secret,
		"provisioning_url": url,
	})
}

// VerifyMFASetup confirms the authenticator works and enables MFA,
// handing out single-use backup codes exactly once.
func (s *AuthService) VerifyMFASetup(ctx context.Context, accountID, code string, meta RequestMeta) *Result {
	acc, err := s.repo.GetByID(ctx, accountID)
	if err != nil {
		if errors.Is(err, repository.ErrAccountNotFound) {
			return unauthorized("unknown_account", "account not found")
		}
		util.Error("mfa verify lookup failed", zap.Error(err))
		return serverError()
	}

	if !acc.MFA.PendingSetup || acc.MFA.TOTPSecret == "" {
		return invalidInput("no_pending_setup", "no multi-factor setup in progress")
	}

	now := time.Now().UTC()
	if err := s.totp.Validate(code, acc.MFA.TOTPSecret, now); err != nil {
		s.recordAudit(&models.AuditRecord{
			AccountID: accountID,
			Action:    models.ActionMFAFailed,
			Details:   audit.EncodeDetails(audit.MFADetails{Method: "totp"}),
		}, meta)
		return unauthorized("invalid_mfa", "authenticator code invalid")
	}

	codes, hashes, err := otp.GenerateBackupCodes()
	if err != nil {
		util.Error("backup code generation failed", zap.Error(err))
		return serverError()
	}

	err = s.withAccountRetry(ctx, acc, func(a *models.Account) (*Result, error) {
		a.MFA.Enabled = true
		a.MFA.PendingSetup = false
		a.MFA.BackupCodeHashes = hashes
		a.MFA.UsedBackupCodeHashes = nil
		a.MFA.LastAttempt = &now
		return nil, nil
	})
	if err != nil {
		util.Error("mfa enable failed", zap.String("account_id", accountID), zap.Error(err))
		return serverError()
	}

	s.recordAudit(&models.AuditRecord{
		AccountID: accountID,
		Action:    models.ActionMFAEnabled,
		Details:   audit.EncodeDetails(audit.MFADetails{Method: "totp", BackupCodesLeft: len(codes)}),
	}, meta)

	return success("multi-factor authentication enabled, store these backup codes safely", map[string]interface{}{
		"backup_codes": codes,
	})
}

// DisableMFA turns MFA off after password re-authentication.
func (s *AuthService) DisableMFA(ctx context.Context, accountID, currentPassword string, meta RequestMeta) *Result {
	acc, err := s.repo.GetByID(ctx, accountID)
	if err != nil {
		if errors.Is(err, repository.ErrAccountNotFound) {
			return unauthorized("unknown_account", "account not found")
		}
		util.Error("mfa disable lookup failed", zap.Error(err))
		return serverError()
	}

	if !acc.MFA.Enabled && !acc.MFA.PendingSetup {
		return invalidInput("mfa_not_enabled", "multi-factor authentication is not enabled")
	}
	if !s.policy.Verify(acc.PasswordHash, currentPassword) {
		return unauthorized("invalid_credentials", "password is incorrect")
	}

	err = s.withAccountRetry(ctx, acc, func(a *models.Account) (*Result, error) {
		a.MFA = models.MFASettings{}
		return nil, nil
	})
	if err != nil {
		util.Error("mfa disable failed", zap.String("account_id", accountID), zap.Error(err))
		return serverError()
	}

	s.recordAudit(&models.AuditRecord{
		AccountID: accountID,
		Action:    models.ActionMFADisabled,
	}, meta)

	return success("multi-factor authentication disabled", nil)
}
