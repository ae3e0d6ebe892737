package bucketing

import (
	"fmt"
	"testing"
	"time"

	"github.com/spaolacci/murmur3"
	"github.com/stretchr/testify/assert"
)

func TestGetRecordBucket_StableAndInRange(t *testing.T) {
	bm := New(64, 16)
	for i := 0; i < 1000; i++ {
		key := fmt.Sprintf("user-%d_login", i)
		b := bm.GetRecordBucket(key)
		assert.GreaterOrEqual(t, b, 0)
		assert.Less(t, b, 64)
		assert.Equal(t, b, bm.GetRecordBucket(key))
	}
}

func TestGetRecordBucket_MatchesMurmur3(t *testing.T) {
	bm := New(64, 16)
	key := "alice_password-reset"
	assert.Equal(t, int(murmur3.Sum64([]byte(key))%64), bm.GetRecordBucket(key))
}

func TestGetEventBucket_Spreads(t *testing.T) {
	bm := New(64, 8)
	seen := map[int]bool{}
	for i := 0; i < 500; i++ {
		seen[bm.GetEventBucket(fmt.Sprintf("hash-%d", i))] = true
	}
	assert.Len(t, seen, 8)
}

func TestNew_ClampsBucketCounts(t *testing.T) {
	bm := New(0, -3)
	assert.Equal(t, 1, bm.RecordBuckets())
	assert.Equal(t, 1, bm.EventBuckets())
	assert.Equal(t, 0, bm.GetRecordBucket("anything"))
}

func TestGetDateBucket(t *testing.T) {
	bm := New(1, 1)
	ts := time.Date(2026, 5, 6, 23, 30, 0, 0, time.FixedZone("X", -2*3600))
	assert.Equal(t, "2026-05-07", bm.GetDateBucket(ts))
}
