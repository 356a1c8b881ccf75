package service

import "time"

// Status is the outcome category of a service operation. Handlers map
// these onto HTTP codes; the service layer never speaks HTTP.
type Status string

const (
	StatusSuccess      Status = "success"
	StatusInvalidInput Status = "invalid_input"
	StatusUnauthorized Status = "unauthorized"
	StatusLocked       Status = "locked"
	StatusThrottled    Status = "throttled"
	StatusConflict     Status = "conflict"
	StatusMFARequired  Status = "mfa_required"
	StatusServerError  Status = "server_error"
)

// Result is the uniform response of every auth operation. Reason is a
// stable machine-readable code; Message is for humans.
type Result struct {
	Status  Status                 `json:"status"`
	Reason  string                 `json:"reason,omitempty"`
	Message string                 `json:"message"`
	Data    map[string]interface{} `json:"data,omitempty"`
}

func success(message string, data map[string]interface{}) *Result {
	return &Result{Status: StatusSuccess, Message: message, Data: data}
}

func invalidInput(reason, message string) *Result {
	return &Result{Status: StatusInvalidInput, Reason: reason, Message: message}
}

func unauthorized(reason, message string) *Result {
	return &Result{Status: StatusUnauthorized, Reason: reason, Message: message}
}

func lockedResult(message string, data map[string]interface{}) *Result {
	return &Result{Status: StatusLocked, Reason: "account_locked", Message: message, Data: data}
}

func throttled(message string, retryAfter time.Duration) *Result {
	res := &Result{Status: StatusThrottled, Reason: "too_many_attempts", Message: message}
	if retryAfter > 0 {
		res.Data = map[string]interface{}{
			"retry_after_seconds": int(retryAfter.Round(time.Second).Seconds()),
		}
	}
	return res
}

func conflict(reason, message string) *Result {
	return &Result{Status: StatusConflict, Reason: reason, Message: message}
}

func serverError() *Result {
	return &Result{Status: StatusServerError, Reason: "internal", Message: "something went wrong, try again later"}
}

// RequestMeta carries the transport context every operation audits.
type RequestMeta struct {
	IPAddress string
	UserAgent string
	Method    string
	Path      string
}
