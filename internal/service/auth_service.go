package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"go.uber.org/zap"

	"mediconnect-auth/internal/audit"
	"mediconnect-auth/internal/client"
	"mediconnect-auth/internal/config"
	"mediconnect-auth/internal/encryption"
	"mediconnect-auth/internal/lockout"
	"mediconnect-auth/internal/models"
	"mediconnect-auth/internal/otp"
	"mediconnect-auth/internal/password"
	"mediconnect-auth/internal/repository"
	"mediconnect-auth/internal/session"
	"mediconnect-auth/internal/util"
)

const (
	loginHistoryLimit = 50
	casRetryLimit     = 3
)

var errRetriesExhausted = errors.New("account update retries exhausted")

// AuthService orchestrates the full account-security flow: registration,
// login with lockout and throttling, OTP and MFA verification, sessions,
// password lifecycle and auditing.
type AuthService struct {
	repo     repository.AccountRepository
	policy   *password.Policy
	limiter  *lockout.AddressLimiter
	totp     *otp.TOTPVerifier
	sessions *session.Manager
	audits   *audit.Logger
	enc      *encryption.Manager
	sms      *client.SMSClient
	security config.SecurityConfig
}

func NewAuthService(
	repo repository.AccountRepository,
	policy *password.Policy,
	limiter *lockout.AddressLimiter,
	totpVerifier *otp.TOTPVerifier,
	sessions *session.Manager,
	audits *audit.Logger,
	enc *encryption.Manager,
	sms *client.SMSClient,
	security config.SecurityConfig,
) *AuthService {
	return &AuthService{
		repo:     repo,
		policy:   policy,
		limiter:  limiter,
		totp:     totpVerifier,
		sessions: sessions,
		audits:   audits,
		enc:      enc,
		sms:      sms,
		security: security,
	}
}

type RegisterRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Phone    string `json:"phone"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

type LoginRequest struct {
	Email     string `json:"email"`
	Password  string `json:"password"`
	MFACode   string `json:"mfa_code,omitempty"`
	Federated bool   `json:"-"`
}

// Register creates an unverified account and dispatches the first
// verification code. Re-registering over an unverified account with the
// same email supersedes it; a verified account is a hard conflict.
func (s *AuthService) Register(ctx context.Context, req RegisterRequest, meta RequestMeta) *Result {
	name := util.SanitizeInput(req.Name)
	email := util.NormalizeEmail(req.Email)
	phone := util.NormalizePhone(req.Phone)

	if util.ContainsSuspicious(req.Name) || util.ContainsSuspicious(req.Email) {
		s.recordAudit(&models.AuditRecord{
			Action:       models.ActionSuspiciousRequest,
			IsSuspicious: true,
			Details:      audit.EncodeDetails(audit.SuspiciousDetails{Field: "registration"}),
		}, meta)
		return invalidInput("suspicious_input", "input contains disallowed content")
	}
	if !util.IsValidEmail(email) {
		return invalidInput("invalid_email", "email address is not valid")
	}
	if name == "" {
		return invalidInput("missing_name", "name is required")
	}
	role := models.Role(req.Role)
	if role == "" {
		role = models.RolePatient
	}
	if role != models.RolePatient && role != models.RoleDoctor {
		return invalidInput("invalid_role", "role must be patient or doctor")
	}

	if err := s.policy.Validate(req.Password); err != nil {
		return invalidInput("weak_password", err.Error())
	}

	// A verified holder keeps the address; an unverified one is evicted.
	if existing, err := s.repo.GetByEmail(ctx, email); err == nil {
		if existing.IsVerified {
			return conflict("email_taken", "an account with this email already exists")
		}
		if err := s.repo.Delete(ctx, existing); err != nil {
			util.Error("failed to supersede unverified account", zap.Error(err))
			return serverError()
		}
	} else if !errors.Is(err, repository.ErrAccountNotFound) {
		util.Error("registration email lookup failed", zap.Error(err))
		return serverError()
	}

	var phoneHash string
	if phone != "" {
		phoneHash = digest(phone)
		if existing, err := s.repo.GetByPhoneHash(ctx, phoneHash); err == nil {
			if existing.IsVerified {
				return conflict("phone_taken", "an account with this phone already exists")
			}
			if err := s.repo.Delete(ctx, existing); err != nil {
				util.Error("failed to supersede unverified account", zap.Error(err))
				return serverError()
			}
		} else if !errors.Is(err, repository.ErrAccountNotFound) {
			util.Error("registration phone lookup failed", zap.Error(err))
			return serverError()
		}
	}

	hash, err := s.policy.Hash(req.Password)
	if err != nil {
		util.Error("password hashing failed", zap.Error(err))
		return serverError()
	}

	now := time.Now().UTC()
	expiry := now.Add(s.security.PasswordExpiry)
	acc := &models.Account{
		Name:              name,
		Email:             email,
		PhoneHash:         phoneHash,
		Role:              role,
		PasswordHash:      hash,
		PasswordHistory:   []models.PasswordHistoryEntry{{Hash: hash, ChangedAt: now}},
		PasswordChangedAt: &now,
		PasswordExpiresAt: &expiry,
		IsActive:          true,
	}

	if phone != "" && s.enc != nil {
		sealed, err := s.enc.EncryptField(ctx, phone)
		if err != nil {
			util.Error("phone encryption failed", zap.Error(err))
			return serverError()
		}
		acc.PhoneEncrypted = []byte(sealed.EncryptedValue)
		acc.PhoneDEK = sealed.EncryptedDEK
		acc.PhoneKeyID = sealed.KeyID
	}

	code, err := otp.Issue(acc, now, s.security.OTPValidity)
	if err != nil {
		util.Error("failed to issue verification code", zap.Error(err))
		return serverError()
	}

	if err := s.repo.Create(ctx, acc); err != nil {
		switch {
		case errors.Is(err, repository.ErrDuplicateEmail):
			return conflict("email_taken", "an account with this email already exists")
		case errors.Is(err, repository.ErrDuplicatePhone):
			return conflict("phone_taken", "an account with this phone already exists")
		}
		util.Error("account creation failed", zap.Error(err))
		return serverError()
	}

	s.deliverCode(ctx, acc, phone, code, "registration", meta)
	s.recordAudit(&models.AuditRecord{
		AccountID: acc.ID,
		Action:    models.ActionRegister,
	}, meta)

	return success("account created, verification code sent", map[string]interface{}{
		"account_id": acc.ID,
	})
}

// RequestOTP issues a fresh verification code for an account that has
// not completed verification yet.
func (s *AuthService) RequestOTP(ctx context.Context, email string, meta RequestMeta) *Result {
	email = util.NormalizeEmail(email)

	acc, err := s.repo.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, repository.ErrAccountNotFound) {
			// Same answer as success so the endpoint cannot be used to
			// probe which emails exist.
			return success("if the account exists, a code has been sent", nil)
		}
		util.Error("otp request lookup failed", zap.Error(err))
		return serverError()
	}

	var code string
	err = s.withAccountRetry(ctx, acc, func(a *models.Account) (*Result, error) {
		var issueErr error
		code, issueErr = otp.Issue(a, time.Now().UTC(), s.security.OTPValidity)
		return nil, issueErr
	})
	if err != nil {
		util.Error("failed to issue verification code", zap.Error(err))
		return serverError()
	}

	s.deliverCode(ctx, acc, "", code, "verification", meta)
	return success("if the account exists, a code has been sent", nil)
}

// VerifyOTP consumes a verification code and marks the account verified.
func (s *AuthService) VerifyOTP(ctx context.Context, email, code string, meta RequestMeta) *Result {
	email = util.NormalizeEmail(email)

	acc, err := s.repo.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, repository.ErrAccountNotFound) {
			return unauthorized("invalid_code", "verification failed")
		}
		util.Error("otp verification lookup failed", zap.Error(err))
		return serverError()
	}

	var verifyErr error
	err = s.withAccountRetry(ctx, acc, func(a *models.Account) (*Result, error) {
		verifyErr = otp.Consume(a, code, time.Now().UTC())
		if verifyErr != nil && !errors.Is(verifyErr, otp.ErrCodeExpired) {
			// Mismatch/not-issued leaves the account unchanged; skip the write.
			return &Result{}, nil
		}
		if verifyErr == nil {
			a.IsVerified = true
		}
		return nil, nil
	})
	if err != nil {
		util.Error("otp verification update failed", zap.Error(err))
		return serverError()
	}

	if verifyErr != nil {
		s.recordAudit(&models.AuditRecord{
			AccountID: acc.ID,
			Action:    models.ActionOTPFailed,
			Details:   audit.EncodeDetails(audit.OTPDetails{Channel: "sms", Purpose: "verification"}),
		}, meta)
		switch {
		case errors.Is(verifyErr, otp.ErrCodeExpired):
			return unauthorized("code_expired", "verification code expired, request a new one")
		case errors.Is(verifyErr, otp.ErrCodeNotIssued):
			return unauthorized("no_code", "no verification code outstanding")
		default:
			return unauthorized("invalid_code", "verification failed")
		}
	}

	s.recordAudit(&models.AuditRecord{
		AccountID: acc.ID,
		Action:    models.ActionOTPVerified,
		Details:   audit.EncodeDetails(audit.OTPDetails{Channel: "sms", Purpose: "verification"}),
	}, meta)

	return success("account verified", nil)
}

// Login runs the full authentication pipeline: address throttle, lock
// check, credential verification, MFA, session issue. Failures that
// reveal account existence collapse into one generic answer.
func (s *AuthService) Login(ctx context.Context, req LoginRequest, meta RequestMeta) *Result {
	email := util.NormalizeEmail(req.Email)

	// Malformed requests are rejected before any throttle or storage work.
	if !util.IsValidEmail(email) {
		return invalidInput("invalid_email", "email address is not valid")
	}
	if req.Password == "" {
		return invalidInput("missing_password", "password is required")
	}

	if !s.limiter.Allow(ctx, meta.IPAddress) {
		s.recordAudit(&models.AuditRecord{
			Action:       models.ActionRateLimited,
			IsSuspicious: true,
		}, meta)
		return throttled("too many attempts from this address, try again later",
			s.limiter.RetryAfter(ctx, meta.IPAddress))
	}

	acc, err := s.repo.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, repository.ErrAccountNotFound) {
			s.limiter.RecordFailure(ctx, meta.IPAddress)
			return unauthorized("invalid_credentials", "invalid email or password")
		}
		util.Error("login lookup failed", zap.Error(err))
		return serverError()
	}

	var (
		res       *Result
		token     string
		sess      models.Session
		mfaMethod string
	)

	err = s.withAccountRetry(ctx, acc, func(a *models.Account) (*Result, error) {
		now := time.Now().UTC()

		// Expired locks resolve on the next attempt.
		lockout.ResolveExpiredLock(a, now)

		if a.LockedNow(now) {
			res = lockedResult("account is locked", lockData(a, now))
			a.AppendLoginRecord(models.LoginRecord{
				Timestamp: now, IPAddress: meta.IPAddress, UserAgent: meta.UserAgent,
			}, loginHistoryLimit)
			return nil, nil
		}

		if !a.IsActive {
			res = unauthorized("account_disabled", "account is disabled")
			return &Result{}, nil
		}
		if !a.IsVerified {
			res = unauthorized("not_verified", "account is not verified")
			return &Result{}, nil
		}

		if !s.policy.Verify(a.PasswordHash, req.Password) {
			decision := lockout.RecordFailure(a, now, s.security.LockoutThreshold, s.security.LockoutDuration)
			a.AppendLoginRecord(models.LoginRecord{
				Timestamp: now, IPAddress: meta.IPAddress, UserAgent: meta.UserAgent,
			}, loginHistoryLimit)

			if decision.LockedThisAttempt {
				data := lockData(a, now)
				data["locked_now"] = true
				res = lockedResult("account locked after repeated failures", data)
			} else {
				res = unauthorized("invalid_credentials", "invalid email or password")
				res.Data = map[string]interface{}{"remaining_attempts": decision.RemainingAttempts}
			}
			return nil, nil
		}

		if a.MFA.Enabled {
			if req.MFACode == "" {
				res = &Result{Status: StatusMFARequired, Reason: "mfa_required", Message: "authenticator code required"}
				return &Result{}, nil
			}
			method, mfaErr := s.verifyMFACode(a, req.MFACode, now)
			if mfaErr != nil {
				decision := lockout.RecordFailure(a, now, s.security.LockoutThreshold, s.security.LockoutDuration)
				a.AppendLoginRecord(models.LoginRecord{
					Timestamp: now, IPAddress: meta.IPAddress, UserAgent: meta.UserAgent,
				}, loginHistoryLimit)

				if decision.LockedThisAttempt {
					data := lockData(a, now)
					data["locked_now"] = true
					res = lockedResult("account locked after repeated failures", data)
				} else {
					res = unauthorized("invalid_mfa", "authenticator code invalid")
				}
				return nil, nil
			}
			mfaMethod = method
		}

		lockout.RecordSuccess(a, now)
		a.AppendLoginRecord(models.LoginRecord{
			Timestamp: now, IPAddress: meta.IPAddress, UserAgent: meta.UserAgent, Success: true,
		}, loginHistoryLimit)

		var issueErr error
		token, sess, issueErr = s.sessions.Issue(a, meta.IPAddress, meta.UserAgent, now, req.Federated)
		if issueErr != nil {
			return nil, issueErr
		}

		data := map[string]interface{}{
			"token":      token,
			"session_id": sess.ID,
			"expires_at": sess.ExpiresAt,
			"account": map[string]interface{}{
				"id":    a.ID,
				"name":  a.Name,
				"email": a.Email,
				"role":  a.Role,
			},
		}
		if a.PasswordExpired(now) {
			data["password_expired"] = true
		}
		res = success("login successful", data)
		return nil, nil
	})
	if err != nil {
		util.Error("login failed", zap.String("account_id", acc.ID), zap.Error(err))
		return serverError()
	}

	s.auditLogin(acc, res, mfaMethod, meta)
	return res
}

// auditLogin emits the audit trail matching the login outcome, after the
// durable state change has been persisted.
func (s *AuthService) auditLogin(acc *models.Account, res *Result, mfaMethod string, meta RequestMeta) {
	ctx := context.Background()
	switch res.Status {
	case StatusSuccess:
		s.limiter.Reset(ctx, meta.IPAddress)
		if mfaMethod != "" {
			s.recordAudit(&models.AuditRecord{
				AccountID: acc.ID,
				Action:    models.ActionMFAVerified,
				Details:   audit.EncodeDetails(audit.MFADetails{Method: mfaMethod}),
			}, meta)
		}
		sessionID, _ := res.Data["session_id"].(string)
		s.recordAudit(&models.AuditRecord{
			AccountID: acc.ID,
			Action:    models.ActionLoginSuccess,
			SessionID: sessionID,
		}, meta)

	case StatusLocked:
		s.limiter.RecordFailure(ctx, meta.IPAddress)
		s.recordAudit(&models.AuditRecord{
			AccountID: acc.ID,
			Action:    models.ActionLoginFailed,
			Details:   audit.EncodeDetails(audit.LoginFailedDetails{Reason: res.Reason}),
		}, meta)
		if lockedNow, _ := res.Data["locked_now"].(bool); lockedNow {
			expires, _ := res.Data["lock_expires_at"].(string)
			s.recordAudit(&models.AuditRecord{
				AccountID:    acc.ID,
				Action:       models.ActionAccountLocked,
				IsSuspicious: true,
				Details:      audit.EncodeDetails(audit.LockDetails{Reason: lockout.ReasonBruteForce, ExpiresAt: expires}),
			}, meta)
		}

	case StatusUnauthorized, StatusMFARequired:
		s.limiter.RecordFailure(ctx, meta.IPAddress)
		if res.Status == StatusUnauthorized {
			remaining, _ := res.Data["remaining_attempts"].(int)
			action := models.ActionLoginFailed
			if res.Reason == "invalid_mfa" {
				action = models.ActionMFAFailed
			}
			s.recordAudit(&models.AuditRecord{
				AccountID: acc.ID,
				Action:    action,
				Details:   audit.EncodeDetails(audit.LoginFailedDetails{Reason: res.Reason, RemainingAttempts: remaining}),
			}, meta)
		}
	}
}

// ChangePassword rotates the credential after re-authentication and
// revokes every session.
func (s *AuthService) ChangePassword(ctx context.Context, accountID, current, next string, meta RequestMeta) *Result {
	acc, err := s.repo.GetByID(ctx, accountID)
	if err != nil {
		if errors.Is(err, repository.ErrAccountNotFound) {
			return unauthorized("unknown_account", "account not found")
		}
		util.Error("change password lookup failed", zap.Error(err))
		return serverError()
	}

	var res *Result
	err = s.withAccountRetry(ctx, acc, func(a *models.Account) (*Result, error) {
		if !s.policy.Verify(a.PasswordHash, current) {
			res = unauthorized("invalid_credentials", "current password is incorrect")
			return &Result{}, nil
		}
		if err := s.policy.Validate(next); err != nil {
			res = invalidInput("weak_password", err.Error())
			return &Result{}, nil
		}
		if err := s.policy.CheckHistory(next, a.PasswordHash, a.PasswordHistory); err != nil {
			res = invalidInput("password_reused", "password was used recently, choose a different one")
			return &Result{}, nil
		}

		hash, err := s.policy.Hash(next)
		if err != nil {
			return nil, err
		}

		now := time.Now().UTC()
		expiry := now.Add(s.security.PasswordExpiry)
		// The outgoing hash may already be the newest entry (seeded at
		// registration); never record it twice in a row.
		if n := len(a.PasswordHistory); n == 0 || a.PasswordHistory[n-1].Hash != a.PasswordHash {
			a.PasswordHistory = s.policy.PushHistory(a.PasswordHistory, models.PasswordHistoryEntry{
				Hash: a.PasswordHash, ChangedAt: now,
			})
		}
		a.PasswordHash = hash
		a.PasswordChangedAt = &now
		a.PasswordExpiresAt = &expiry
		session.RevokeAll(a)

		res = success("password changed, all sessions revoked", nil)
		return nil, nil
	})
	if err != nil {
		util.Error("change password failed", zap.String("account_id", accountID), zap.Error(err))
		return serverError()
	}

	if res.Status == StatusSuccess {
		s.recordAudit(&models.AuditRecord{
			AccountID: accountID,
			Action:    models.ActionPasswordChanged,
		}, meta)
	}
	return res
}

// Logout revokes one session.
func (s *AuthService) Logout(ctx context.Context, accountID, sessionID string, meta RequestMeta) *Result {
	acc, err := s.repo.GetByID(ctx, accountID)
	if err != nil {
		if errors.Is(err, repository.ErrAccountNotFound) {
			return unauthorized("unknown_account", "account not found")
		}
		util.Error("logout lookup failed", zap.Error(err))
		return serverError()
	}

	revoked := false
	err = s.withAccountRetry(ctx, acc, func(a *models.Account) (*Result, error) {
		revoked = session.Revoke(a, sessionID)
		if !revoked {
			return &Result{}, nil
		}
		return nil, nil
	})
	if err != nil {
		util.Error("logout failed", zap.String("account_id", accountID), zap.Error(err))
		return serverError()
	}

	if revoked {
		s.recordAudit(&models.AuditRecord{
			AccountID: accountID,
			Action:    models.ActionLogout,
			SessionID: sessionID,
		}, meta)
	}
	return success("logged out", nil)
}

// ValidateSession checks a bearer token against its stored session row.
// A token whose session has been revoked or expired is rejected even if
// the signature is still good.
func (s *AuthService) ValidateSession(ctx context.Context, token string) (*session.Claims, *models.Account, error) {
	claims, err := s.sessions.Validate(token)
	if err != nil {
		return nil, nil, err
	}

	acc, err := s.repo.GetByID(ctx, claims.Subject)
	if err != nil {
		return nil, nil, session.ErrSessionNotFound
	}

	now := time.Now().UTC()
	if acc.LockedNow(now) || !acc.IsActive {
		return nil, nil, session.ErrSessionRevoked
	}

	stored := acc.SessionByID(claims.SessionID)
	if stored == nil {
		return nil, nil, session.ErrSessionRevoked
	}
	if stored.Expired(now) {
		return nil, nil, session.ErrTokenExpired
	}

	// Activity refresh is best effort; a lost race costs nothing.
	if session.Touch(acc, claims.SessionID, now) {
		if err := s.repo.Update(ctx, acc); err != nil && !errors.Is(err, repository.ErrVersionConflict) {
			util.Warn("failed to touch session", zap.Error(err))
		}
	}

	return claims, acc, nil
}

type ProfileUpdateRequest struct {
	Name             *string                  `json:"name,omitempty"`
	EmergencyContact *models.EmergencyContact `json:"emergency_contact,omitempty"`
	Address          *models.Address          `json:"address,omitempty"`
}

// UpdateProfile applies the explicit allow-list of editable fields.
// Identity and security fields are never touched here.
func (s *AuthService) UpdateProfile(ctx context.Context, accountID string, req ProfileUpdateRequest, meta RequestMeta) *Result {
	acc, err := s.repo.GetByID(ctx, accountID)
	if err != nil {
		if errors.Is(err, repository.ErrAccountNotFound) {
			return unauthorized("unknown_account", "account not found")
		}
		util.Error("profile lookup failed", zap.Error(err))
		return serverError()
	}

	var fields []string
	err = s.withAccountRetry(ctx, acc, func(a *models.Account) (*Result, error) {
		fields = fields[:0]
		if req.Name != nil {
			name := util.SanitizeInput(*req.Name)
			if name == "" {
				return nil, nil
			}
			a.Name = name
			fields = append(fields, "name")
		}
		if req.EmergencyContact != nil {
			a.EmergencyContact = req.EmergencyContact
			fields = append(fields, "emergency_contact")
		}
		if req.Address != nil {
			a.Address = req.Address
			fields = append(fields, "address")
		}
		if len(fields) == 0 {
			return &Result{}, nil
		}
		return nil, nil
	})
	if err != nil {
		util.Error("profile update failed", zap.String("account_id", accountID), zap.Error(err))
		return serverError()
	}

	if len(fields) == 0 {
		return invalidInput("no_fields", "no editable fields supplied")
	}

	s.recordAudit(&models.AuditRecord{
		AccountID: accountID,
		Action:    models.ActionProfileUpdated,
		Details:   audit.EncodeDetails(audit.ProfileDetails{Fields: fields}),
	}, meta)

	return success("profile updated", map[string]interface{}{"fields": fields})
}

// UnlockAccount force-clears a lock (admin operation).
func (s *AuthService) UnlockAccount(ctx context.Context, accountID string, meta RequestMeta) *Result {
	acc, err := s.repo.GetByID(ctx, accountID)
	if err != nil {
		if errors.Is(err, repository.ErrAccountNotFound) {
			return unauthorized("unknown_account", "account not found")
		}
		util.Error("unlock lookup failed", zap.Error(err))
		return serverError()
	}

	err = s.withAccountRetry(ctx, acc, func(a *models.Account) (*Result, error) {
		lockout.Unlock(a)
		return nil, nil
	})
	if err != nil {
		util.Error("unlock failed", zap.String("account_id", accountID), zap.Error(err))
		return serverError()
	}

	s.recordAudit(&models.AuditRecord{
		AccountID: accountID,
		Action:    models.ActionAccountUnlocked,
	}, meta)

	return success("account unlocked", nil)
}

// LockAccount applies an indefinite administrative lock and revokes all
// sessions.
func (s *AuthService) LockAccount(ctx context.Context, accountID, reason string, meta RequestMeta) *Result {
	acc, err := s.repo.GetByID(ctx, accountID)
	if err != nil {
		if errors.Is(err, repository.ErrAccountNotFound) {
			return unauthorized("unknown_account", "account not found")
		}
		util.Error("lock lookup failed", zap.Error(err))
		return serverError()
	}

	if reason == "" {
		reason = lockout.ReasonAdmin
	}
	err = s.withAccountRetry(ctx, acc, func(a *models.Account) (*Result, error) {
		lockout.Lock(a, reason)
		session.RevokeAll(a)
		return nil, nil
	})
	if err != nil {
		util.Error("lock failed", zap.String("account_id", accountID), zap.Error(err))
		return serverError()
	}

	s.recordAudit(&models.AuditRecord{
		AccountID:    accountID,
		Action:       models.ActionAccountLocked,
		IsSuspicious: true,
		Details:      audit.EncodeDetails(audit.LockDetails{Reason: reason}),
	}, meta)

	return success("account locked", nil)
}

// SecurityStatus reports the account's security posture.
func (s *AuthService) SecurityStatus(ctx context.Context, accountID string) *Result {
	acc, err := s.repo.GetByID(ctx, accountID)
	if err != nil {
		if errors.Is(err, repository.ErrAccountNotFound) {
			return unauthorized("unknown_account", "account not found")
		}
		util.Error("security status lookup failed", zap.Error(err))
		return serverError()
	}

	now := time.Now().UTC()
	recent := acc.LoginHistory
	if len(recent) > 10 {
		recent = recent[len(recent)-10:]
	}

	data := map[string]interface{}{
		"is_verified":           acc.IsVerified,
		"is_locked":             acc.LockedNow(now),
		"failed_login_attempts": acc.FailedLoginAttempts,
		"password_expired":      acc.PasswordExpired(now),
		"password_expires_at":   acc.PasswordExpiresAt,
		"mfa_enabled":           acc.MFA.Enabled,
		"active_sessions":       len(acc.ActiveSessions),
		"recent_logins":         recent,
	}
	if acc.MFA.Enabled {
		data["backup_codes_left"] = otp.RemainingBackupCodes(&acc.MFA)
	}
	if acc.LockExpiresAt != nil {
		data["lock_expires_at"] = acc.LockExpiresAt
	}

	return success("security status", data)
}

// withAccountRetry runs fn against a fresh copy of the account and
// persists the mutation with compare-and-set, re-reading and retrying on
// version conflicts. fn returning a non-nil *Result means "no write
// needed"; returning an error aborts.
func (s *AuthService) withAccountRetry(ctx context.Context, acc *models.Account, fn func(*models.Account) (*Result, error)) error {
	current := acc
	for attempt := 0; attempt < casRetryLimit; attempt++ {
		skip, err := fn(current)
		if err != nil {
			return err
		}
		if skip != nil {
			*acc = *current
			return nil
		}

		err = s.repo.Update(ctx, current)
		if err == nil {
			*acc = *current
			return nil
		}
		if !errors.Is(err, repository.ErrVersionConflict) {
			return err
		}

		fresh, err := s.repo.GetByID(ctx, acc.ID)
		if err != nil {
			return err
		}
		current = fresh
	}
	return errRetriesExhausted
}

func (s *AuthService) verifyMFACode(acc *models.Account, code string, now time.Time) (string, error) {
	if err := s.totp.Validate(code, acc.MFA.TOTPSecret, now); err == nil {
		acc.MFA.LastAttempt = &now
		return "totp", nil
	}
	if err := otp.ConsumeBackupCode(&acc.MFA, code); err == nil {
		acc.MFA.LastAttempt = &now
		return "backup_code", nil
	}
	return "", otp.ErrTOTPInvalid
}

func (s *AuthService) deliverCode(ctx context.Context, acc *models.Account, phone, code, purpose string, meta RequestMeta) {
	if s.sms != nil && phone != "" {
		if err := s.sms.SendCode(ctx, phone, code); err != nil {
			util.Warn("verification code delivery failed",
				zap.String("account_id", acc.ID),
				zap.Error(err))
		}
	}
	s.recordAudit(&models.AuditRecord{
		AccountID: acc.ID,
		Action:    models.ActionOTPSent,
		Details:   audit.EncodeDetails(audit.OTPDetails{Channel: "sms", Purpose: purpose}),
	}, meta)
}

func (s *AuthService) recordAudit(rec *models.AuditRecord, meta RequestMeta) {
	if s.audits == nil {
		return
	}
	rec.IPAddress = meta.IPAddress
	rec.UserAgent = meta.UserAgent
	rec.RequestMethod = meta.Method
	rec.RequestPath = meta.Path
	s.audits.Record(rec)
}

func lockData(a *models.Account, now time.Time) map[string]interface{} {
	data := map[string]interface{}{"reason": a.LockReason}
	if a.LockExpiresAt != nil {
		data["lock_expires_at"] = a.LockExpiresAt.Format(time.RFC3339)
		remaining := a.LockExpiresAt.Sub(now)
		if remaining < 0 {
			remaining = 0
		}
		data["remaining_seconds"] = int(remaining.Round(time.Second).Seconds())
	}
	return data
}

func digest(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}
