package repository

import (
	"context"
	"errors"

	"mediconnect-auth/internal/models"
)

var (
	ErrAccountNotFound = errors.New("account not found")
	ErrDuplicateEmail  = errors.New("email already registered")
	ErrDuplicatePhone  = errors.New("phone already registered")

	// ErrVersionConflict signals a lost optimistic-concurrency race: the
	// account changed between read and write. Callers re-read and retry.
	ErrVersionConflict = errors.New("account version conflict")
)

// AccountRepository is the persistence contract for accounts. Update is
// a compare-and-set on Account.Version: it only applies when the stored
// version still matches, and bumps the version on success.
type AccountRepository interface {
	Create(ctx context.Context, acc *models.Account) error
	GetByID(ctx context.Context, accountID string) (*models.Account, error)
	GetByEmail(ctx context.Context, email string) (*models.Account, error)
	GetByPhoneHash(ctx context.Context, phoneHash string) (*models.Account, error)
	Update(ctx context.Context, acc *models.Account) error
	Delete(ctx context.Context, acc *models.Account) error
	ListLocked(ctx context.Context) ([]*models.Account, error)
}
