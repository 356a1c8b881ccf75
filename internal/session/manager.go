package session

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"mediconnect-auth/internal/models"
)

var (
	ErrTokenInvalid    = errors.New("session token invalid")
	ErrTokenExpired    = errors.New("session token expired")
	ErrSessionRevoked  = errors.New("session revoked")
	ErrSessionNotFound = errors.New("session not found")
)

// Claims carried inside every session token.
type Claims struct {
	Role      string `json:"role"`
	SessionID string `json:"sid"`
	jwt.RegisteredClaims
}

// Manager issues and validates session tokens and maintains the bounded
// per-account session list. A token is only as alive as its stored
// session row; revoking the row kills the token before its expiry.
type Manager struct {
	secret       []byte
	ttl          time.Duration
	federatedTTL time.Duration
	maxSessions  int
}

func NewManager(secret string, ttl, federatedTTL time.Duration, maxSessions int) *Manager {
	return &Manager{
		secret:       []byte(secret),
		ttl:          ttl,
		federatedTTL: federatedTTL,
		maxSessions:  maxSessions,
	}
}

// Issue creates a session on the account and returns the signed token.
// Federated (OAuth) logins get the longer TTL. When the account is at
// its session cap the oldest session is evicted first.
func (m *Manager) Issue(acc *models.Account, ipAddress, userAgent string, now time.Time, federated bool) (string, models.Session, error) {
	ttl := m.ttl
	if federated {
		ttl = m.federatedTTL
	}

	sess := models.Session{
		ID:           uuid.New().String(),
		IPAddress:    ipAddress,
		UserAgent:    userAgent,
		CreatedAt:    now,
		LastActivity: now,
		ExpiresAt:    now.Add(ttl),
	}

	PruneExpired(acc, now)
	acc.ActiveSessions = append(acc.ActiveSessions, sess)
	m.evictOverCap(acc)

	claims := Claims{
		Role:      string(acc.Role),
		SessionID: sess.ID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   acc.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(sess.ExpiresAt),
		},
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", models.Session{}, fmt.Errorf("failed to sign session token: %w", err)
	}

	return token, sess, nil
}

// Validate parses and verifies a token signature and expiry. The caller
// still has to check the session row is live on the account.
func (m *Manager) Validate(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	if !token.Valid {
		return nil, ErrTokenInvalid
	}
	return claims, nil
}

// Revoke removes one session from the account. Reports whether a row
// was actually removed.
func Revoke(acc *models.Account, sessionID string) bool {
	for i, s := range acc.ActiveSessions {
		if s.ID == sessionID {
			acc.ActiveSessions = append(acc.ActiveSessions[:i], acc.ActiveSessions[i+1:]...)
			return true
		}
	}
	return false
}

// RevokeAll drops every session (password change, admin lock).
func RevokeAll(acc *models.Account) int {
	n := len(acc.ActiveSessions)
	acc.ActiveSessions = nil
	return n
}

// Touch refreshes a session's last-activity timestamp.
func Touch(acc *models.Account, sessionID string, now time.Time) bool {
	if s := acc.SessionByID(sessionID); s != nil {
		s.LastActivity = now
		return true
	}
	return false
}

// PruneExpired drops sessions past their expiry and reports how many.
func PruneExpired(acc *models.Account, now time.Time) int {
	kept := acc.ActiveSessions[:0]
	dropped := 0
	for _, s := range acc.ActiveSessions {
		if s.Expired(now) {
			dropped++
			continue
		}
		kept = append(kept, s)
	}
	acc.ActiveSessions = kept
	return dropped
}

// evictOverCap removes the oldest sessions until the cap holds.
func (m *Manager) evictOverCap(acc *models.Account) {
	if m.maxSessions <= 0 || len(acc.ActiveSessions) <= m.maxSessions {
		return
	}
	sort.SliceStable(acc.ActiveSessions, func(i, j int) bool {
		return acc.ActiveSessions[i].CreatedAt.Before(acc.ActiveSessions[j].CreatedAt)
	})
	acc.ActiveSessions = acc.ActiveSessions[len(acc.ActiveSessions)-m.maxSessions:]
}
