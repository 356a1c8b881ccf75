package password

import (
	"errors"
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/crypto/bcrypt"

	"mediconnect-auth/internal/models"
)

var (
	ErrPasswordTooWeak = errors.New("password does not meet strength requirements")
	ErrPasswordReused  = errors.New("password was used recently")
)

// Strength labels returned by Assess.
type Strength string

const (
	StrengthWeak   Strength = "weak"
	StrengthFair   Strength = "fair"
	StrengthStrong Strength = "strong"
)

// Common passwords are rejected outright via a score penalty. The list is
// deliberately small; the scoring rules do most of the work.
var commonPasswords = map[string]struct{}{
	"password":    {},
	"password1":   {},
	"password123": {},
	"12345678":    {},
	"123456789":   {},
	"qwerty123":   {},
	"letmein":     {},
	"welcome1":    {},
	"admin123":    {},
	"iloveyou":    {},
}

// Assessment is the full result of scoring a candidate password.
type Assessment struct {
	Score      int      `json:"score"`
	Strength   Strength `json:"strength"`
	Acceptable bool     `json:"acceptable"`
	Issues     []string `json:"issues,omitempty"`
}

// Policy scores, hashes and verifies passwords.
type Policy struct {
	cost         int
	historyDepth int
}

func NewPolicy(bcryptCost, historyDepth int) *Policy {
	if bcryptCost < bcrypt.MinCost || bcryptCost > bcrypt.MaxCost {
		bcryptCost = bcrypt.DefaultCost
	}
	return &Policy{cost: bcryptCost, historyDepth: historyDepth}
}

// Assess scores a candidate password. Points accrue for length and
// character classes; a dictionary hit or heavy repetition subtracts.
// The score never goes below zero, and a score of 4 or more is
// acceptable.
func (p *Policy) Assess(candidate string) Assessment {
	var score int
	var issues []string

	if len(candidate) >= 8 {
		score++
	} else {
		issues = append(issues, "must be at least 8 characters")
	}
	if len(candidate) >= 12 {
		score++
	}

	var hasUpper, hasLower, hasDigit, hasSpecial bool
	for _, r := range candidate {
		switch {
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsLower(r):
			hasLower = true
		case unicode.IsDigit(r):
			hasDigit = true
		default:
			hasSpecial = true
		}
	}

	if hasUpper {
		score++
	} else {
		issues = append(issues, "needs an uppercase letter")
	}
	if hasLower {
		score++
	} else {
		issues = append(issues, "needs a lowercase letter")
	}
	if hasDigit {
		score++
	} else {
		issues = append(issues, "needs a digit")
	}
	if hasSpecial {
		score++
	} else {
		issues = append(issues, "needs a special character")
	}

	if _, found := commonPasswords[strings.ToLower(candidate)]; found {
		score -= 2
		issues = append(issues, "too common")
	}
	if hasLongRun(candidate, 4) {
		score--
		issues = append(issues, "contains repeated characters")
	}

	if score < 0 {
		score = 0
	}

	strength := StrengthWeak
	switch {
	case score >= 6:
		strength = StrengthStrong
	case score >= 4:
		strength = StrengthFair
	}

	return Assessment{
		Score:      score,
		Strength:   strength,
		Acceptable: score >= 4,
		Issues:     issues,
	}
}

// Validate returns ErrPasswordTooWeak with the scoring issues attached
// when the candidate falls below the acceptance threshold.
func (p *Policy) Validate(candidate string) error {
	a := p.Assess(candidate)
	if !a.Acceptable {
		return fmt.Errorf("%w: %s", ErrPasswordTooWeak, strings.Join(a.Issues, ", "))
	}
	return nil
}

// Hash produces a bcrypt digest at the configured cost.
func (p *Policy) Hash(candidate string) (string, error) {
	digest, err := bcrypt.GenerateFromPassword([]byte(candidate), p.cost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(digest), nil
}

// Verify reports whether candidate matches the stored digest.
func (p *Policy) Verify(hash, candidate string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(candidate)) == nil
}

// CheckHistory returns ErrPasswordReused when the candidate matches the
// current hash or any retained prior hash.
func (p *Policy) CheckHistory(candidate, currentHash string, history []models.PasswordHistoryEntry) error {
	if currentHash != "" && p.Verify(currentHash, candidate) {
		return ErrPasswordReused
	}
	start := 0
	if len(history) > p.historyDepth {
		start = len(history) - p.historyDepth
	}
	for _, entry := range history[start:] {
		if p.Verify(entry.Hash, candidate) {
			return ErrPasswordReused
		}
	}
	return nil
}

// PushHistory appends the outgoing hash and trims to the retention depth.
func (p *Policy) PushHistory(history []models.PasswordHistoryEntry, entry models.PasswordHistoryEntry) []models.PasswordHistoryEntry {
	history = append(history, entry)
	if len(history) > p.historyDepth {
		history = history[len(history)-p.historyDepth:]
	}
	return history
}

// hasLongRun reports a run of n or more identical consecutive characters.
func hasLongRun(s string, n int) bool {
	run := 0
	var prev rune
	for i, r := range s {
		if i > 0 && r == prev {
			run++
		} else {
			run = 1
		}
		if run >= n {
			return true
		}
		prev = r
	}
	return false
}
