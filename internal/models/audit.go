package models

import "time"

// AuditAction is the closed set of recordable security events.
type AuditAction string

const (
	ActionLoginSuccess      AuditAction = "LOGIN_SUCCESS"
	ActionLoginFailed       AuditAction = "LOGIN_FAILED"
	ActionLogout            AuditAction = "LOGOUT"
	ActionRegister          AuditAction = "REGISTER"
	ActionOTPSent           AuditAction = "OTP_SENT"
	ActionOTPVerified       AuditAction = "OTP_VERIFIED"
	ActionOTPFailed         AuditAction = "OTP_FAILED"
	ActionPasswordChanged   AuditAction = "PASSWORD_CHANGED"
	ActionPasswordExpired   AuditAction = "PASSWORD_EXPIRED"
	ActionAccountLocked     AuditAction = "ACCOUNT_LOCKED"
	ActionAccountUnlocked   AuditAction = "ACCOUNT_UNLOCKED"
	ActionMFAEnabled        AuditAction = "MFA_ENABLED"
	ActionMFADisabled       AuditAction = "MFA_DISABLED"
	ActionMFAVerified       AuditAction = "MFA_VERIFIED"
	ActionMFAFailed         AuditAction = "MFA_FAILED"
	ActionSessionRevoked    AuditAction = "SESSION_REVOKED"
	ActionProfileUpdated    AuditAction = "PROFILE_UPDATED"
	ActionSuspiciousRequest AuditAction = "SUSPICIOUS_REQUEST"
	ActionRateLimited       AuditAction = "RATE_LIMIT_EXCEEDED"
)

// ValidAction reports whether a is part of the closed action set.
func ValidAction(a AuditAction) bool {
	switch a {
	case ActionLoginSuccess, ActionLoginFailed, ActionLogout, ActionRegister,
		ActionOTPSent, ActionOTPVerified, ActionOTPFailed,
		ActionPasswordChanged, ActionPasswordExpired,
		ActionAccountLocked, ActionAccountUnlocked,
		ActionMFAEnabled, ActionMFADisabled, ActionMFAVerified, ActionMFAFailed,
		ActionSessionRevoked, ActionProfileUpdated, ActionSuspiciousRequest,
		ActionRateLimited:
		return true
	}
	return false
}

// RiskLevel classifies how alarming an audit record is.
type RiskLevel string

const (
	RiskLow      RiskLevel = "LOW"
	RiskMedium   RiskLevel = "MEDIUM"
	RiskHigh     RiskLevel = "HIGH"
	RiskCritical RiskLevel = "CRITICAL"
)

// AuditRecord is one immutable security event. Details is a JSON blob
// whose shape depends on Action; audit.Details* types produce it.
type AuditRecord struct {
	ID            string      `json:"id"`
	Bucket        int         `json:"bucket"`
	AccountID     string      `json:"account_id"`
	Action        AuditAction `json:"action"`
	IPAddress     string      `json:"ip_address"`
	UserAgent     string      `json:"user_agent"`
	RequestMethod string      `json:"request_method,omitempty"`
	RequestPath   string      `json:"request_path,omitempty"`
	SessionID     string      `json:"session_id,omitempty"`
	Details       string      `json:"details,omitempty"`
	IsSuspicious  bool        `json:"is_suspicious"`
	RiskLevel     RiskLevel   `json:"risk_level"`
	Timestamp     time.Time   `json:"timestamp"`
}
