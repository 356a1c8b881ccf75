package models

import "time"

type Role string

const (
	RolePatient Role = "patient"
	RoleDoctor  Role = "doctor"
	RoleAdmin   Role = "admin"
)

// PasswordHistoryEntry is one prior credential hash, kept so a password
// cannot be reused within the configured history depth.
type PasswordHistoryEntry struct {
	Hash      string    `json:"hash"`
	ChangedAt time.Time `json:"changed_at"`
}

// LoginRecord is one entry of the bounded per-account login log.
type LoginRecord struct {
	Timestamp time.Time `json:"timestamp"`
	IPAddress string    `json:"ip_address"`
	UserAgent string    `json:"user_agent"`
	Success   bool      `json:"success"`
}

// Session is a live authenticated context bound to one account.
type Session struct {
	ID           string    `json:"id"`
	IPAddress    string    `json:"ip_address"`
	UserAgent    string    `json:"user_agent"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
	ExpiresAt    time.Time `json:"expires_at"`
}

func (s Session) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// MFASettings holds the optional TOTP configuration of an account. The
// secret is generated at setup but Enabled only flips after the first
// successful verification.
type MFASettings struct {
	Enabled              bool       `json:"enabled"`
	PendingSetup         bool       `json:"pending_setup"`
	TOTPSecret           string     `json:"totp_secret,omitempty"`
	BackupCodeHashes     []string   `json:"backup_code_hashes,omitempty"`
	UsedBackupCodeHashes []string   `json:"used_backup_code_hashes,omitempty"`
	LastAttempt          *time.Time `json:"last_attempt,omitempty"`
}

// EmergencyContact and Address are the profile fields a patient may edit
// through the explicit allow-list update path.
type EmergencyContact struct {
	Name         string `json:"name"`
	Phone        string `json:"phone"`
	Relationship string `json:"relationship"`
}

type Address struct {
	Street  string `json:"street"`
	City    string `json:"city"`
	State   string `json:"state"`
	ZipCode string `json:"zip_code"`
	Country string `json:"country"`
}

// Account is the identity plus full security state of one user.
type Account struct {
	Bucket int    `db:"account_bucket"`
	ID     string `db:"account_id"`

	Name           string `db:"name"`
	Email          string `db:"email"`
	PhoneHash      string `db:"phone_hash"`
	PhoneEncrypted []byte `db:"phone_encrypted"`
	PhoneDEK       string `db:"phone_dek"`
	PhoneKeyID     string `db:"phone_key_id"`
	Role           Role   `db:"role"`

	PasswordHash      string                 `db:"password_hash"`
	PasswordHistory   []PasswordHistoryEntry `db:"password_history"`
	PasswordChangedAt *time.Time             `db:"password_changed_at"`
	PasswordExpiresAt *time.Time             `db:"password_expires_at"`

	IsVerified    bool       `db:"is_verified"`
	IsActive      bool       `db:"is_active"`
	IsLocked      bool       `db:"is_locked"`
	LockReason    string     `db:"lock_reason"`
	LockExpiresAt *time.Time `db:"lock_expires_at"`

	FailedLoginAttempts int           `db:"failed_login_attempts"`
	LastFailedLogin     *time.Time    `db:"last_failed_login"`
	LastSuccessfulLogin *time.Time    `db:"last_successful_login"`
	LoginHistory        []LoginRecord `db:"login_history"`

	ActiveSessions []Session `db:"active_sessions"`

	OTPHash      string     `db:"otp_hash"`
	OTPExpiresAt *time.Time `db:"otp_expires_at"`

	MFA MFASettings `db:"mfa"`

	EmergencyContact *EmergencyContact `db:"emergency_contact"`
	Address          *Address          `db:"address"`

	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`

	// Version backs the optimistic compare-and-set update; every
	// persisted mutation bumps it by one.
	Version int64 `db:"version"`
}

// LockedNow reports whether the account lock is still in force. An
// expired lock is a transient state the next read resolves to unlocked.
func (a *Account) LockedNow(now time.Time) bool {
	if !a.IsLocked {
		return false
	}
	if a.LockExpiresAt == nil {
		return true // permanent lock
	}
	return now.Before(*a.LockExpiresAt)
}

// PasswordExpired reports whether the credential is past its expiry.
func (a *Account) PasswordExpired(now time.Time) bool {
	if a.PasswordExpiresAt == nil {
		return false
	}
	return now.After(*a.PasswordExpiresAt)
}

// AppendLoginRecord adds a login attempt to the bounded history log.
func (a *Account) AppendLoginRecord(rec LoginRecord, limit int) {
	a.LoginHistory = append(a.LoginHistory, rec)
	if len(a.LoginHistory) > limit {
		a.LoginHistory = a.LoginHistory[len(a.LoginHistory)-limit:]
	}
}

// SessionByID returns the stored session with the given id, or nil.
func (a *Account) SessionByID(sessionID string) *Session {
	for i := range a.ActiveSessions {
		if a.ActiveSessions[i].ID == sessionID {
			return &a.ActiveSessions[i]
		}
	}
	return nil
}
