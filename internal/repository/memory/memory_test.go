package memory

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mediconnect-auth/internal/models"
	"mediconnect-auth/internal/repository"
)

func newAccount(email, phoneHash string) *models.Account {
	return &models.Account{
		Email:     email,
		PhoneHash: phoneHash,
		Role:      models.RolePatient,
		IsActive:  true,
	}
}

func TestCreateAndLookups(t *testing.T) {
	r := NewAccountRepository()
	ctx := context.Background()

	acc := newAccount("a@example.com", "ph-1")
	require.NoError(t, r.Create(ctx, acc))
	require.NotEmpty(t, acc.ID)
	assert.Equal(t, int64(1), acc.Version)

	byID, err := r.GetByID(ctx, acc.ID)
	require.NoError(t, err)
	assert.Equal(t, "a@example.com", byID.Email)

	byEmail, err := r.GetByEmail(ctx, "a@example.com")
	require.NoError(t, err)
	assert.Equal(t, acc.ID, byEmail.ID)

	byPhone, err := r.GetByPhoneHash(ctx, "ph-1")
	require.NoError(t, err)
	assert.Equal(t, acc.ID, byPhone.ID)

	_, err = r.GetByEmail(ctx, "missing@example.com")
	assert.ErrorIs(t, err, repository.ErrAccountNotFound)
}

func TestCreateDuplicates(t *testing.T) {
	r := NewAccountRepository()
	ctx := context.Background()

	require.NoError(t, r.Create(ctx, newAccount("a@example.com", "ph-1")))

	assert.ErrorIs(t, r.Create(ctx, newAccount("a@example.com", "ph-2")), repository.ErrDuplicateEmail)
	assert.ErrorIs(t, r.Create(ctx, newAccount("b@example.com", "ph-1")), repository.ErrDuplicatePhone)
}

func TestUpdateVersionConflict(t *testing.T) {
	r := NewAccountRepository()
	ctx := context.Background()

	acc := newAccount("a@example.com", "ph-1")
	require.NoError(t, r.Create(ctx, acc))

	first, err := r.GetByID(ctx, acc.ID)
	require.NoError(t, err)
	second, err := r.GetByID(ctx, acc.ID)
	require.NoError(t, err)

	first.Name = "winner"
	require.NoError(t, r.Update(ctx, first))
	assert.Equal(t, int64(2), first.Version)

	second.Name = "loser"
	assert.ErrorIs(t, r.Update(ctx, second), repository.ErrVersionConflict)

	stored, err := r.GetByID(ctx, acc.ID)
	require.NoError(t, err)
	assert.Equal(t, "winner", stored.Name)
}

func TestGetReturnsCopy(t *testing.T) {
	r := NewAccountRepository()
	ctx := context.Background()

	acc := newAccount("a@example.com", "")
	require.NoError(t, r.Create(ctx, acc))

	got, err := r.GetByID(ctx, acc.ID)
	require.NoError(t, err)
	got.Name = "mutated locally"

	again, err := r.GetByID(ctx, acc.ID)
	require.NoError(t, err)
	assert.Empty(t, again.Name)
}

func TestDelete(t *testing.T) {
	r := NewAccountRepository()
	ctx := context.Background()

	acc := newAccount("a@example.com", "ph-1")
	require.NoError(t, r.Create(ctx, acc))
	require.NoError(t, r.Delete(ctx, acc))

	_, err := r.GetByID(ctx, acc.ID)
	assert.ErrorIs(t, err, repository.ErrAccountNotFound)

	// Lookups are released: the address is reusable.
	assert.NoError(t, r.Create(ctx, newAccount("a@example.com", "ph-1")))
}

func TestListLocked(t *testing.T) {
	r := NewAccountRepository()
	ctx := context.Background()

	locked := newAccount("locked@example.com", "")
	locked.IsLocked = true
	require.NoError(t, r.Create(ctx, locked))
	require.NoError(t, r.Create(ctx, newAccount("open@example.com", "")))

	got, err := r.ListLocked(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "locked@example.com", got[0].Email)
}

// Concurrent conditional updates on one account must apply exactly once
// per version; every loser sees a conflict rather than silent overwrite.
func TestConcurrentUpdatesSerialize(t *testing.T) {
	r := NewAccountRepository()
	ctx := context.Background()

	acc := newAccount("a@example.com", "")
	require.NoError(t, r.Create(ctx, acc))

	const workers = 16
	var wg sync.WaitGroup
	conflicts := make([]int, workers)

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for {
				cur, err := r.GetByID(ctx, acc.ID)
				if err != nil {
					return
				}
				cur.FailedLoginAttempts++
				err = r.Update(ctx, cur)
				if err == nil {
					return
				}
				if err == repository.ErrVersionConflict {
					conflicts[w]++
					continue
				}
				return
			}
		}(w)
	}
	wg.Wait()

	final, err := r.GetByID(ctx, acc.ID)
	require.NoError(t, err)
	assert.Equal(t, workers, final.FailedLoginAttempts)
	assert.Equal(t, int64(workers+1), final.Version)
}
