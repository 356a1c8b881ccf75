package otp

import (
	"errors"
	"fmt"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

var ErrTOTPInvalid = errors.New("authenticator code invalid")

// TOTPVerifier wraps time-based code generation and validation for the
// authenticator-app flow.
type TOTPVerifier struct {
	issuer string
	skew   uint
}

func NewTOTPVerifier(issuer string, skewSteps uint) *TOTPVerifier {
	return &TOTPVerifier{issuer: issuer, skew: skewSteps}
}

// GenerateSecret creates a new shared secret for an account. The
// returned URL is the otpauth:// provisioning URI shown as a QR code.
func (v *TOTPVerifier) GenerateSecret(accountEmail string) (secret, url string, err error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      v.issuer,
		AccountName: accountEmail,
		Period:      30,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return "", "", fmt.Errorf("failed to generate totp secret: %w", err)
	}
	return key.Secret(), key.URL(), nil
}

// Validate checks a submitted authenticator code against the secret,
// accepting codes within the configured step skew on either side.
func (v *TOTPVerifier) Validate(code, secret string, at time.Time) error {
	ok, err := totp.ValidateCustom(code, secret, at, totp.ValidateOpts{
		Period:    30,
		Skew:      v.skew,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	if err != nil {
		return fmt.Errorf("totp validation failed: %w", err)
	}
	if !ok {
		return ErrTOTPInvalid
	}
	return nil
}
