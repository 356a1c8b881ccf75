package session

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mediconnect-auth/internal/models"
)

const testSecret = "test-signing-secret"

func newTestManager() *Manager {
	return NewManager(testSecret, time.Hour, 8*time.Hour, 5)
}

func testAccount() *models.Account {
	return &models.Account{ID: "acc-1", Role: models.RolePatient}
}

func TestIssueAndValidate(t *testing.T) {
	m := newTestManager()
	acc := testAccount()
	now := time.Now().UTC()

	token, sess, err := m.Issue(acc, "10.0.0.1", "test-agent", now, false)
	require.NoError(t, err)
	require.Len(t, acc.ActiveSessions, 1)
	assert.Equal(t, now.Add(time.Hour), sess.ExpiresAt)

	claims, err := m.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, "acc-1", claims.Subject)
	assert.Equal(t, string(models.RolePatient), claims.Role)
	assert.Equal(t, sess.ID, claims.SessionID)
}

func TestFederatedSessionGetsLongerTTL(t *testing.T) {
	m := newTestManager()
	acc := testAccount()
	now := time.Now().UTC()

	_, sess, err := m.Issue(acc, "10.0.0.1", "test-agent", now, true)
	require.NoError(t, err)
	assert.Equal(t, now.Add(8*time.Hour), sess.ExpiresAt)
}

func TestValidateRejectsTamperedToken(t *testing.T) {
	m := newTestManager()
	acc := testAccount()

	token, _, err := m.Issue(acc, "10.0.0.1", "test-agent", time.Now().UTC(), false)
	require.NoError(t, err)

	other := NewManager("different-secret", time.Hour, 8*time.Hour, 5)
	_, err = other.Validate(token)
	assert.ErrorIs(t, err, ErrTokenInvalid)

	_, err = m.Validate(token + "x")
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestValidateRejectsExpiredToken(t *testing.T) {
	m := NewManager(testSecret, -time.Minute, 8*time.Hour, 5)
	acc := testAccount()

	token, _, err := m.Issue(acc, "10.0.0.1", "test-agent", time.Now().UTC(), false)
	require.NoError(t, err)

	_, err = m.Validate(token)
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func TestSessionCapEvictsOldest(t *testing.T) {
	m := newTestManager()
	acc := testAccount()
	base := time.Now().UTC()

	var firstID string
	for i := 0; i < 6; i++ {
		_, sess, err := m.Issue(acc, "10.0.0.1", fmt.Sprintf("agent-%d", i), base.Add(time.Duration(i)*time.Minute), false)
		require.NoError(t, err)
		if i == 0 {
			firstID = sess.ID
		}
	}

	require.Len(t, acc.ActiveSessions, 5)
	assert.Nil(t, acc.SessionByID(firstID), "oldest session should have been evicted")
}

func TestIssuePrunesExpiredBeforeCapCheck(t *testing.T) {
	m := newTestManager()
	acc := testAccount()
	now := time.Now().UTC()

	// Five dead sessions should not cause a live one to be evicted.
	for i := 0; i < 5; i++ {
		acc.ActiveSessions = append(acc.ActiveSessions, models.Session{
			ID:        fmt.Sprintf("dead-%d", i),
			CreatedAt: now.Add(-2 * time.Hour),
			ExpiresAt: now.Add(-time.Hour),
		})
	}

	_, sess, err := m.Issue(acc, "10.0.0.1", "test-agent", now, false)
	require.NoError(t, err)
	require.Len(t, acc.ActiveSessions, 1)
	assert.Equal(t, sess.ID, acc.ActiveSessions[0].ID)
}

func TestRevoke(t *testing.T) {
	m := newTestManager()
	acc := testAccount()
	now := time.Now().UTC()

	_, s1, err := m.Issue(acc, "10.0.0.1", "a", now, false)
	require.NoError(t, err)
	_, s2, err := m.Issue(acc, "10.0.0.1", "b", now, false)
	require.NoError(t, err)

	assert.True(t, Revoke(acc, s1.ID))
	assert.False(t, Revoke(acc, s1.ID))
	require.Len(t, acc.ActiveSessions, 1)
	assert.Equal(t, s2.ID, acc.ActiveSessions[0].ID)

	assert.Equal(t, 1, RevokeAll(acc))
	assert.Empty(t, acc.ActiveSessions)
}

func TestTouch(t *testing.T) {
	m := newTestManager()
	acc := testAccount()
	now := time.Now().UTC()

	_, sess, err := m.Issue(acc, "10.0.0.1", "a", now, false)
	require.NoError(t, err)

	later := now.Add(10 * time.Minute)
	assert.True(t, Touch(acc, sess.ID, later))
	assert.Equal(t, later, acc.SessionByID(sess.ID).LastActivity)

	assert.False(t, Touch(acc, "missing", later))
}
