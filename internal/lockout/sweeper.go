package lockout

import (
	"context"
	"time"

	"go.uber.org/zap"

	"mediconnect-auth/internal/models"
	"mediconnect-auth/internal/util"
)

// LockedAccountStore is the slice of the account repository the sweeper
// needs: enumerate locked accounts and persist unlock transitions.
type LockedAccountStore interface {
	ListLocked(ctx context.Context) ([]*models.Account, error)
	Update(ctx context.Context, acc *models.Account) error
}

// Sweeper clears expired locks in the background so accounts unlock even
// when the owner never attempts another login.
type Sweeper struct {
	store    LockedAccountStore
	interval time.Duration
	done     chan struct{}
}

func NewSweeper(store LockedAccountStore, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Sweeper{
		store:    store,
		interval: interval,
		done:     make(chan struct{}),
	}
}

// Start runs the sweep loop until ctx is cancelled or Stop is called.
func (s *Sweeper) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-s.done:
				return
			case <-ticker.C:
				s.sweep(ctx)
			}
		}
	}()

	util.Info("lock sweeper started", zap.Duration("interval", s.interval))
}

func (s *Sweeper) Stop() {
	close(s.done)
}

// sweep is one pass; a panic here must not take the process down.
func (s *Sweeper) sweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			util.Error("lock sweeper pass panicked", zap.Any("panic", r))
		}
	}()

	accounts, err := s.store.ListLocked(ctx)
	if err != nil {
		util.Error("lock sweeper failed to list locked accounts", zap.Error(err))
		return
	}

	now := time.Now().UTC()
	cleared := 0
	for _, acc := range accounts {
		if !ResolveExpiredLock(acc, now) {
			continue
		}
		if err := s.store.Update(ctx, acc); err != nil {
			// A version conflict means someone else already mutated the
			// account; the next pass or the login path will resolve it.
			util.Debug("lock sweeper skipped account",
				zap.String("account_id", acc.ID),
				zap.Error(err))
			continue
		}
		cleared++
	}

	if cleared > 0 {
		util.Info("lock sweeper cleared expired locks", zap.Int("count", cleared))
	}
}
