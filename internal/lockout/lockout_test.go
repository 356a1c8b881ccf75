package lockout

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mediconnect-auth/internal/models"
)

func TestRecordFailureLocksAtThreshold(t *testing.T) {
	acc := &models.Account{}
	now := time.Now().UTC()

	for i := 1; i < 5; i++ {
		d := RecordFailure(acc, now, 5, 15*time.Minute)
		assert.False(t, d.Locked, "attempt %d should not lock", i)
		assert.Equal(t, 5-i, d.RemainingAttempts)
	}

	d := RecordFailure(acc, now, 5, 15*time.Minute)
	assert.True(t, d.Locked)
	assert.True(t, d.LockedThisAttempt)
	assert.Equal(t, 0, d.RemainingAttempts)
	require.NotNil(t, d.LockExpiresAt)
	assert.Equal(t, now.Add(15*time.Minute), *d.LockExpiresAt)

	assert.True(t, acc.IsLocked)
	assert.Equal(t, ReasonBruteForce, acc.LockReason)
	assert.True(t, acc.LockedNow(now))
}

func TestRecordFailureBeyondThresholdStaysLocked(t *testing.T) {
	acc := &models.Account{}
	now := time.Now().UTC()

	for i := 0; i < 7; i++ {
		RecordFailure(acc, now, 5, 15*time.Minute)
	}

	d := RecordFailure(acc, now, 5, 15*time.Minute)
	assert.True(t, d.Locked)
	assert.False(t, d.LockedThisAttempt)
	assert.Equal(t, 8, acc.FailedLoginAttempts)
}

func TestRecordSuccessClearsState(t *testing.T) {
	acc := &models.Account{}
	now := time.Now().UTC()

	RecordFailure(acc, now, 5, 15*time.Minute)
	RecordFailure(acc, now, 5, 15*time.Minute)
	RecordSuccess(acc, now)

	assert.Equal(t, 0, acc.FailedLoginAttempts)
	assert.False(t, acc.IsLocked)
	require.NotNil(t, acc.LastSuccessfulLogin)
	assert.Equal(t, now, *acc.LastSuccessfulLogin)
}

func TestResolveExpiredLock(t *testing.T) {
	now := time.Now().UTC()
	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)

	t.Run("expired lock clears", func(t *testing.T) {
		acc := &models.Account{IsLocked: true, LockReason: ReasonBruteForce, LockExpiresAt: &past, FailedLoginAttempts: 5}
		assert.True(t, ResolveExpiredLock(acc, now))
		assert.False(t, acc.IsLocked)
		assert.Equal(t, 0, acc.FailedLoginAttempts)
	})

	t.Run("active lock holds", func(t *testing.T) {
		acc := &models.Account{IsLocked: true, LockExpiresAt: &future}
		assert.False(t, ResolveExpiredLock(acc, now))
		assert.True(t, acc.IsLocked)
	})

	t.Run("permanent lock never expires", func(t *testing.T) {
		acc := &models.Account{IsLocked: true, LockReason: ReasonAdmin}
		assert.False(t, ResolveExpiredLock(acc, now))
		assert.True(t, acc.IsLocked)
		assert.True(t, acc.LockedNow(now.Add(24*time.Hour)))
	})
}

func TestAdminLockUnlock(t *testing.T) {
	acc := &models.Account{}
	Lock(acc, ReasonAdmin)
	assert.True(t, acc.IsLocked)
	assert.Nil(t, acc.LockExpiresAt)

	Unlock(acc)
	assert.False(t, acc.IsLocked)
	assert.Empty(t, acc.LockReason)
}

type fakeStore struct {
	accounts []*models.Account
	updated  []string
	failFor  map[string]error
}

func (f *fakeStore) ListLocked(ctx context.Context) ([]*models.Account, error) {
	return f.accounts, nil
}

func (f *fakeStore) Update(ctx context.Context, acc *models.Account) error {
	if err, ok := f.failFor[acc.ID]; ok {
		return err
	}
	f.updated = append(f.updated, acc.ID)
	return nil
}

func TestSweeperClearsOnlyExpiredLocks(t *testing.T) {
	now := time.Now().UTC()
	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)

	store := &fakeStore{
		accounts: []*models.Account{
			{ID: "expired", IsLocked: true, LockExpiresAt: &past},
			{ID: "active", IsLocked: true, LockExpiresAt: &future},
			{ID: "permanent", IsLocked: true},
		},
	}

	s := NewSweeper(store, time.Minute)
	s.sweep(context.Background())

	assert.Equal(t, []string{"expired"}, store.updated)
	assert.False(t, store.accounts[0].IsLocked)
	assert.True(t, store.accounts[1].IsLocked)
	assert.True(t, store.accounts[2].IsLocked)
}
