package index

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/nvrcore/nvrcore/internal/database"
)

func newTestStore(t *testing.T) (*Store, context.Context, context.CancelFunc) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")

	db, err := database.Open(&database.Config{Path: dbPath, MaxOpenConns: 25, MaxIdleConns: 5, ConnMaxLifetime: 5 * time.Minute})
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	migrator := database.NewMigrator(db)
	if err := migrator.Run(context.Background()); err != nil {
		t.Fatalf("failed to run migrations: %v", err)
	}

	store := New(db.DB)
	ctx, cancel := context.WithCancel(context.Background())
	store.Start(ctx)
	t.Cleanup(func() {
		cancel()
		store.Wait()
	})

	return store, ctx, cancel
}

func TestStore_InsertAndQuerySegment(t *testing.T) {
	store, ctx, _ := newTestStore(t)

	base := time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)
	seg := Segment{
		CameraID:    "cam-1",
		CameraName:  "Front Door",
		FilePath:    "/data/recordings/cam-1/2026-01-15/10-00-00-000_abc123.mp4",
		StartTimeMs: base.UnixMilli(),
		DurationMs:  3000,
		FileSize:    123456,
	}
	store.InsertSegment(seg)
	store.Flush()

	segs, err := store.SegmentsInRange(ctx, "cam-1", base.Add(-time.Minute), base.Add(time.Minute))
	if err != nil {
		t.Fatalf("SegmentsInRange failed: %v", err)
	}
	if len(segs) != 1 {
		t.Fatalf("expected 1 segment, got %d", len(segs))
	}
	if segs[0].FilePath != seg.FilePath {
		t.Errorf("expected file_path %q, got %q", seg.FilePath, segs[0].FilePath)
	}
	if !segs[0].IsValid {
		t.Error("expected newly inserted segment to be valid")
	}
}

func TestStore_InsertSegment_DuplicateDropped(t *testing.T) {
	store, ctx, _ := newTestStore(t)

	base := time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)
	seg := Segment{CameraID: "cam-1", CameraName: "Front Door", FilePath: "/data/a.mp4", StartTimeMs: base.UnixMilli(), DurationMs: 3000, FileSize: 10}
	dup := Segment{CameraID: "cam-1", CameraName: "Front Door", FilePath: "/data/b.mp4", StartTimeMs: base.UnixMilli(), DurationMs: 3000, FileSize: 20}

	store.InsertSegment(seg)
	store.Flush()
	store.InsertSegment(dup)
	store.Flush()

	segs, err := store.SegmentsInRange(ctx, "cam-1", base.Add(-time.Minute), base.Add(time.Minute))
	if err != nil {
		t.Fatalf("SegmentsInRange failed: %v", err)
	}
	if len(segs) != 1 {
		t.Fatalf("expected duplicate insert to be dropped, got %d segments", len(segs))
	}
	if segs[0].FilePath != seg.FilePath {
		t.Errorf("expected original segment to survive, got %q", segs[0].FilePath)
	}
}

func TestStore_SegmentAt(t *testing.T) {
	store, ctx, _ := newTestStore(t)

	base := time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)
	store.InsertSegment(Segment{CameraID: "cam-1", CameraName: "c", FilePath: "/a.mp4", StartTimeMs: base.UnixMilli(), DurationMs: 3000, FileSize: 1})
	store.Flush()

	got, err := store.SegmentAt(ctx, "cam-1", base.Add(1500*time.Millisecond))
	if err != nil {
		t.Fatalf("SegmentAt failed: %v", err)
	}
	if got == nil {
		t.Fatal("expected a segment to be found")
	}

	miss, err := store.SegmentAt(ctx, "cam-1", base.Add(-time.Hour))
	if err != nil {
		t.Fatalf("SegmentAt failed: %v", err)
	}
	if miss != nil {
		t.Error("expected no segment outside range")
	}
}

func TestStore_MarkInvalid(t *testing.T) {
	store, ctx, _ := newTestStore(t)

	base := time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)
	store.InsertSegment(Segment{CameraID: "cam-1", CameraName: "c", FilePath: "/a.mp4", StartTimeMs: base.UnixMilli(), DurationMs: 3000, FileSize: 1})
	store.Flush()

	store.MarkInvalid("/a.mp4")
	store.Flush()

	segs, err := store.SegmentsInRange(ctx, "cam-1", base.Add(-time.Minute), base.Add(time.Minute))
	if err != nil {
		t.Fatalf("SegmentsInRange failed: %v", err)
	}
	if len(segs) != 0 {
		t.Fatalf("expected invalidated segment to be excluded, got %d", len(segs))
	}
}

func TestStore_DeleteSegmentsBatch(t *testing.T) {
	store, ctx, _ := newTestStore(t)

	base := time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		store.InsertSegment(Segment{
			CameraID:    "cam-1",
			CameraName:  "c",
			FilePath:    filepath.Join("/data", string(rune('a'+i))+".mp4"),
			StartTimeMs: base.Add(time.Duration(i) * time.Second).UnixMilli(),
			DurationMs:  1000,
			FileSize:    1,
		})
	}
	store.Flush()

	store.DeleteSegmentsBatch([]string{"/data/a.mp4", "/data/b.mp4"})
	store.Flush()

	paths, err := store.AllFilePaths(ctx)
	if err != nil {
		t.Fatalf("AllFilePaths failed: %v", err)
	}
	if len(paths) != 1 {
		t.Fatalf("expected 1 remaining path, got %d", len(paths))
	}
	if !paths["/data/c.mp4"] {
		t.Error("expected /data/c.mp4 to survive the batch delete")
	}
}

func TestStore_RetentionPolicyRoundTrip(t *testing.T) {
	store, ctx, _ := newTestStore(t)

	store.UpsertRetentionPolicy(RetentionPolicy{CameraID: "cam-1", RetentionDays: 14, MinFreeSpaceGB: 100, EmergencyCleanupThreshold: 0.9})
	store.Flush()

	policies, err := store.RetentionPolicies(ctx)
	if err != nil {
		t.Fatalf("RetentionPolicies failed: %v", err)
	}
	if len(policies) != 1 || policies[0].RetentionDays != 14 {
		t.Fatalf("expected one policy with retention_days=14, got %+v", policies)
	}

	store.UpsertRetentionPolicy(RetentionPolicy{CameraID: "cam-1", RetentionDays: 30, MinFreeSpaceGB: 100, EmergencyCleanupThreshold: 0.9})
	store.Flush()

	policies, err = store.RetentionPolicies(ctx)
	if err != nil {
		t.Fatalf("RetentionPolicies failed: %v", err)
	}
	if len(policies) != 1 || policies[0].RetentionDays != 30 {
		t.Fatalf("expected upsert to overwrite retention_days to 30, got %+v", policies)
	}
}

func TestStore_CameraStats(t *testing.T) {
	store, ctx, _ := newTestStore(t)

	base := time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)
	store.InsertSegment(Segment{CameraID: "cam-1", CameraName: "c", FilePath: "/a.mp4", StartTimeMs: base.UnixMilli(), DurationMs: 3000, FileSize: 1000})
	store.InsertSegment(Segment{CameraID: "cam-1", CameraName: "c", FilePath: "/b.mp4", StartTimeMs: base.Add(3 * time.Second).UnixMilli(), DurationMs: 3000, FileSize: 2000})
	store.Flush()

	stats, err := store.CameraStats(ctx, "cam-1")
	if err != nil {
		t.Fatalf("CameraStats failed: %v", err)
	}
	if stats.TotalSegments != 2 {
		t.Errorf("expected 2 segments, got %d", stats.TotalSegments)
	}
	if stats.TotalSize != 3000 {
		t.Errorf("expected total size 3000, got %d", stats.TotalSize)
	}
}

func TestStore_TimelineBucketUpsert(t *testing.T) {
	store, ctx, _ := newTestStore(t)

	bucket := TimelineBucket{
		CameraID:         "cam-1",
		Date:             "2026-01-15",
		Hour:             10,
		TotalDurationMs:  3000,
		TotalSizeBytes:   1000,
		FirstSegmentTime: time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC),
		LastSegmentTime:  time.Date(2026, 1, 15, 10, 0, 3, 0, time.UTC),
	}
	store.UpsertTimelineBucket(bucket)
	store.Flush()
	store.UpsertTimelineBucket(bucket)
	store.Flush()

	buckets, err := store.TimelineBucketsInRange(ctx, "cam-1", "2026-01-15", "2026-01-15")
	if err != nil {
		t.Fatalf("TimelineBucketsInRange failed: %v", err)
	}
	if len(buckets) != 1 {
		t.Fatalf("expected 1 bucket, got %d", len(buckets))
	}
	if buckets[0].SegmentCount != 2 {
		t.Errorf("expected segment_count to accumulate to 2, got %d", buckets[0].SegmentCount)
	}
	if buckets[0].TotalDurationMs != 6000 {
		t.Errorf("expected total_duration_ms to accumulate to 6000, got %d", buckets[0].TotalDurationMs)
	}
}

func TestStore_WriterDrainsQueueOnShutdown(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := database.Open(&database.Config{Path: dbPath, MaxOpenConns: 25, MaxIdleConns: 5, ConnMaxLifetime: 5 * time.Minute})
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	if err := database.NewMigrator(db).Run(context.Background()); err != nil {
		t.Fatalf("failed to run migrations: %v", err)
	}

	store := New(db.DB)
	ctx, cancel := context.WithCancel(context.Background())
	store.Start(ctx)

	base := time.Now()
	store.InsertSegment(Segment{CameraID: "cam-1", CameraName: "c", FilePath: "/drain.mp4", StartTimeMs: base.UnixMilli(), DurationMs: 1000, FileSize: 1})

	cancel()
	store.Wait()

	paths, err := store.AllFilePaths(context.Background())
	if err != nil {
		t.Fatalf("AllFilePaths failed: %v", err)
	}
	if !paths["/drain.mp4"] {
		t.Error("expected queued write to be applied during shutdown drain")
	}
}
