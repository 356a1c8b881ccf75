package memory

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"mediconnect-auth/internal/models"
	"mediconnect-auth/internal/repository"
)

// AccountRepository is an in-memory implementation with the same
// compare-and-set semantics as the Scylla one. It backs the service
// tests and local development without a cluster.
type AccountRepository struct {
	mu      sync.RWMutex
	byID    map[string]*models.Account
	byEmail map[string]string
	byPhone map[string]string
}

func NewAccountRepository() *AccountRepository {
	return &AccountRepository{
		byID:    make(map[string]*models.Account),
		byEmail: make(map[string]string),
		byPhone: make(map[string]string),
	}
}

func (r *AccountRepository) Create(ctx context.Context, acc *models.Account) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if acc.ID == "" {
		acc.ID = uuid.New().String()
	}
	if _, taken := r.byEmail[acc.Email]; taken {
		return repository.ErrDuplicateEmail
	}
	if acc.PhoneHash != "" {
		if _, taken := r.byPhone[acc.PhoneHash]; taken {
			return repository.ErrDuplicatePhone
		}
	}

	now := time.Now().UTC()
	acc.CreatedAt = now
	acc.UpdatedAt = now
	acc.Version = 1

	r.byID[acc.ID] = clone(acc)
	r.byEmail[acc.Email] = acc.ID
	if acc.PhoneHash != "" {
		r.byPhone[acc.PhoneHash] = acc.ID
	}
	return nil
}

func (r *AccountRepository) GetByID(ctx context.Context, accountID string) (*models.Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	acc, ok := r.byID[accountID]
	if !ok {
		return nil, repository.ErrAccountNotFound
	}
	return clone(acc), nil
}

func (r *AccountRepository) GetByEmail(ctx context.Context, email string) (*models.Account, error) {
	r.mu.RLock()
	id, ok := r.byEmail[email]
	r.mu.RUnlock()
	if !ok {
		return nil, repository.ErrAccountNotFound
	}
	return r.GetByID(ctx, id)
}

func (r *AccountRepository) GetByPhoneHash(ctx context.Context, phoneHash string) (*models.Account, error) {
	r.mu.RLock()
	id, ok := r.byPhone[phoneHash]
	r.mu.RUnlock()
	if !ok {
		return nil, repository.ErrAccountNotFound
	}
	return r.GetByID(ctx, id)
}

func (r *AccountRepository) Update(ctx context.Context, acc *models.Account) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.byID[acc.ID]
	if !ok {
		return repository.ErrAccountNotFound
	}
	if stored.Version != acc.Version {
		return repository.ErrVersionConflict
	}

	acc.Version++
	acc.UpdatedAt = time.Now().UTC()
	r.byID[acc.ID] = clone(acc)
	return nil
}

func (r *AccountRepository) Delete(ctx context.Context, acc *models.Account) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.byID[acc.ID]
	if !ok {
		return repository.ErrAccountNotFound
	}
	delete(r.byID, stored.ID)
	delete(r.byEmail, stored.Email)
	if stored.PhoneHash != "" {
		delete(r.byPhone, stored.PhoneHash)
	}
	return nil
}

func (r *AccountRepository) ListLocked(ctx context.Context) ([]*models.Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var locked []*models.Account
	for _, acc := range r.byID {
		if acc.IsLocked {
			locked = append(locked, clone(acc))
		}
	}
	return locked, nil
}

// clone deep-copies through JSON so callers never alias stored state.
func clone(acc *models.Account) *models.Account {
	raw, err := json.Marshal(acc)
	if err != nil {
		panic("account not serializable: " + err.Error())
	}
	out := &models.Account{}
	if err := json.Unmarshal(raw, out); err != nil {
		panic("account not deserializable: " + err.Error())
	}
	return out
}
