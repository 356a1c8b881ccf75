package audit

import (
	"encoding/json"

	"mediconnect-auth/internal/models"
)

// Typed detail payloads. Each serializes into AuditRecord.Details so
// downstream consumers get a stable shape per action.

type LoginFailedDetails struct {
	Reason            string `json:"reason"`
	RemainingAttempts int    `json:"remaining_attempts"`
}

type LockDetails struct {
	Reason    string `json:"reason"`
	ExpiresAt string `json:"expires_at,omitempty"`
}

type OTPDetails struct {
	Channel string `json:"channel"`
	Purpose string `json:"purpose"`
}

type MFADetails struct {
	Method          string `json:"method"`
	BackupCodesLeft int    `json:"backup_codes_left,omitempty"`
}

type SessionDetails struct {
	SessionID string `json:"session_id"`
	Cause     string `json:"cause,omitempty"`
}

type ProfileDetails struct {
	Fields []string `json:"fields"`
}

type SuspiciousDetails struct {
	Field string `json:"field"`
}

// EncodeDetails marshals a typed detail payload for storage. A payload
// that will not marshal is a programming error; it degrades to empty.
func EncodeDetails(v interface{}) string {
	if v == nil {
		return ""
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(raw)
}

// RiskFor assigns the default risk level per action.
func RiskFor(action models.AuditAction) models.RiskLevel {
	switch action {
	case models.ActionAccountLocked, models.ActionSuspiciousRequest:
		return models.RiskHigh
	case models.ActionLoginFailed, models.ActionOTPFailed, models.ActionMFAFailed,
		models.ActionAccountUnlocked, models.ActionMFADisabled,
		models.ActionRateLimited:
		return models.RiskMedium
	default:
		return models.RiskLow
	}
}
