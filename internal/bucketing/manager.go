package bucketing

import (
	"hash"
	"sync"
	"time"

	"github.com/spaolacci/murmur3"

	"mediconnect-auth/internal/config"
)

// Manager assigns stable partition buckets. Account rows are spread over
// a fixed bucket count so no single Scylla partition grows unbounded;
// audit rows get a coarser event bucket plus a date bucket.
type Manager struct {
	accountBuckets int
	eventBuckets   int
	hasherPool     sync.Pool
}

func NewManager(cfg *config.Config) *Manager {
	bm := &Manager{
		accountBuckets: cfg.Bucketing.AccountBuckets,
		eventBuckets:   cfg.Bucketing.EventBuckets,
	}

	// Pool of hashers to avoid allocation on the hot path
	bm.hasherPool = sync.Pool{
		New: func() interface{} {
			return murmur3.New64()
		},
	}

	return bm
}

// AccountBucket returns the consistent bucket for an account key
// (0 to accountBuckets-1). The same key always lands in the same bucket.
func (bm *Manager) AccountBucket(key string) int {
	return bm.getBucket(key, bm.accountBuckets)
}

// EventBucket returns the bucket for audit/event partitioning.
func (bm *Manager) EventBucket(identifier string) int {
	return bm.getBucket(identifier, bm.eventBuckets)
}

// DateBucket returns the UTC date partition for audit rows.
func (bm *Manager) DateBucket(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

func (bm *Manager) AccountBuckets() int {
	return bm.accountBuckets
}

func (bm *Manager) EventBuckets() int {
	return bm.eventBuckets
}

func (bm *Manager) getBucket(key string, numBuckets int) int {
	h := bm.getHash(key)
	return int(h % uint64(numBuckets))
}

func (bm *Manager) getHash(key string) uint64 {
	hasher := bm.hasherPool.Get().(hash.Hash64)
	defer bm.hasherPool.Put(hasher)

	hasher.Reset()
	hasher.Write([]byte(key))
	return hasher.Sum64()
}
