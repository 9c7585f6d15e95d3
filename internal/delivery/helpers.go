package delivery

import (
	"fmt"
	"strconv"
	"time"
)

// windowEnd returns the close time of the shard-key window: the bucket's
// start plus its configured duration.
func windowEnd(shardKey string, duration time.Duration) time.Time {
	startMs, _ := strconv.ParseInt(shardKey, 10, 64)
	return time.UnixMilli(startMs + duration.Milliseconds())
}

// nextBucket advances an L2 bucket key by one window.
func nextBucket(bucket string, duration time.Duration) string {
	startMs, _ := strconv.ParseInt(bucket, 10, 64)
	return fmt.Sprintf("%020d", startMs+duration.Milliseconds())
}

// bucketTime parses a shard-index bucket key back into the time its window
// starts at, so a finer bucket key can be re-bucketed at a coarser level.
func bucketTime(bucket string) time.Time {
	startMs, _ := strconv.ParseInt(bucket, 10, 64)
	return time.UnixMilli(startMs)
}
