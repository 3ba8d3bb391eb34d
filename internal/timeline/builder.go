// Package timeline maintains the (camera, date, hour) coverage buckets used
// by scrubber UIs, so a client can ask "what hours have footage" without
// scanning the full segment table.
package timeline

import (
	"context"
	"fmt"
	"time"

	"github.com/nvrcore/nvrcore/internal/index"
)

// store is the subset of *index.Store the builder depends on.
type store interface {
	UpsertTimelineBucket(index.TimelineBucket)
	ReplaceTimelineBucket(index.TimelineBucket)
	SegmentsInRange(ctx context.Context, cameraID string, t0, t1 time.Time) ([]index.Segment, error)
	TimelineBucketsInRange(ctx context.Context, cameraID, fromDate, toDate string) ([]index.TimelineBucket, error)
}

// TimelineBuilder keeps the timeline_index table in sync with ingested
// segments, either incrementally as each segment arrives or by rebuilding a
// date range wholesale (used by the supervisor at startup, after retention
// sweeps, and after the Orphan Reconciler inserts recovered segments out of
// band).
type TimelineBuilder struct {
	store store
}

// New creates a TimelineBuilder over the given index store.
func New(s store) *TimelineBuilder {
	return &TimelineBuilder{store: s}
}

// OnSegmentIngested folds one newly-ingested segment into its (date, hour)
// bucket. Safe to call once per segment, in any order relative to other
// cameras.
func (b *TimelineBuilder) OnSegmentIngested(seg index.Segment) {
	start := time.UnixMilli(seg.StartTimeMs).UTC()
	bucket := index.TimelineBucket{
		CameraID:         seg.CameraID,
		Date:             start.Format("2006-01-02"),
		Hour:             start.Hour(),
		TotalDurationMs:  seg.DurationMs,
		TotalSizeBytes:   seg.FileSize,
		FirstSegmentTime: start,
		LastSegmentTime:  start,
	}
	b.store.UpsertTimelineBucket(bucket)
}

// Rebuild recomputes every (date, hour) bucket for a camera across
// [fromDate, toDate] (inclusive, YYYY-MM-DD) directly from the segment
// table, overwriting whatever is currently stored. Used after orphan
// recovery inserts segments the incremental path never saw.
func (b *TimelineBuilder) Rebuild(ctx context.Context, cameraID string, fromDate, toDate time.Time) error {
	segments, err := b.store.SegmentsInRange(ctx, cameraID, fromDate, toDate.AddDate(0, 0, 1))
	if err != nil {
		return fmt.Errorf("loading segments for rebuild: %w", err)
	}

	buckets := make(map[string]*index.TimelineBucket)
	for _, seg := range segments {
		start := time.UnixMilli(seg.StartTimeMs).UTC()
		key := fmt.Sprintf("%s|%02d", start.Format("2006-01-02"), start.Hour())

		bucket, ok := buckets[key]
		if !ok {
			bucket = &index.TimelineBucket{
				CameraID:         cameraID,
				Date:             start.Format("2006-01-02"),
				Hour:             start.Hour(),
				FirstSegmentTime: start,
				LastSegmentTime:  start,
			}
			buckets[key] = bucket
		}

		bucket.SegmentCount++
		bucket.TotalDurationMs += seg.DurationMs
		bucket.TotalSizeBytes += seg.FileSize
		if start.Before(bucket.FirstSegmentTime) {
			bucket.FirstSegmentTime = start
		}
		if start.After(bucket.LastSegmentTime) {
			bucket.LastSegmentTime = start
		}
	}

	for _, bucket := range buckets {
		b.store.ReplaceTimelineBucket(*bucket)
	}
	return nil
}

// BucketsInRange returns the stored coverage buckets for a camera across a
// date range.
func (b *TimelineBuilder) BucketsInRange(ctx context.Context, cameraID, fromDate, toDate string) ([]index.TimelineBucket, error) {
	return b.store.TimelineBucketsInRange(ctx, cameraID, fromDate, toDate)
}
