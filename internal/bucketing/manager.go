package bucketing

import (
	"hash"
	"sync"
	"time"

	"github.com/spaolacci/murmur3"

	"abuse-guard/internal/config"
)

// BucketingManager spreads keys over a fixed number of partitions with
// murmur3. Bucket counts must not change once data has been written.
type BucketingManager struct {
	recordBuckets int
	eventBuckets  int
	hasherPool    sync.Pool
}

func NewBucketingManager(cfg *config.Config) *BucketingManager {
	return New(cfg.Bucketing.RecordBuckets, cfg.Bucketing.EventBuckets)
}

func New(recordBuckets, eventBuckets int) *BucketingManager {
	if recordBuckets <= 0 {
		recordBuckets = 1
	}
	if eventBuckets <= 0 {
		eventBuckets = 1
	}
	return &BucketingManager{
		recordBuckets: recordBuckets,
		eventBuckets:  eventBuckets,
		hasherPool: sync.Pool{
			New: func() interface{} {
				return murmur3.New64()
			},
		},
	}
}

// GetRecordBucket returns the partition for a rate record key (0 to recordBuckets-1).
func (bm *BucketingManager) GetRecordBucket(key string) int {
	return bm.getBucket(key, bm.recordBuckets)
}

// GetEventBucket returns the partition for security events of an identity hash.
func (bm *BucketingManager) GetEventBucket(identityHash string) int {
	return bm.getBucket(identityHash, bm.eventBuckets)
}

// GetDateBucket returns the UTC day of t.
func (bm *BucketingManager) GetDateBucket(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

func (bm *BucketingManager) RecordBuckets() int {
	return bm.recordBuckets
}

func (bm *BucketingManager) EventBuckets() int {
	return bm.eventBuckets
}

func (bm *BucketingManager) getBucket(key string, numBuckets int) int {
	return int(bm.getHash(key) % uint64(numBuckets))
}

func (bm *BucketingManager) getHash(key string) uint64 {
	hasher := bm.hasherPool.Get().(hash.Hash64)
	defer bm.hasherPool.Put(hasher)

	hasher.Reset()
	_, _ = hasher.Write([]byte(key))
	return hasher.Sum64()
}
