package index

import (
	"context"
	"database/sql"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// writerQueueCapacity bounds the single-writer queue. A full queue blocks
// the enqueuing caller; that backpressure is deliberate.
const writerQueueCapacity = 10000

type writeOp struct {
	label string
	exec  func(*sql.DB) error
}

// Store is the process-wide segment index. All mutating operations are
// serialized through one writer goroutine reading from a bounded channel;
// reads run directly against the database and may proceed concurrently with
// the writer and with each other.
type Store struct {
	db      *sql.DB
	logger  *slog.Logger
	queue   chan writeOp
	pending sync.WaitGroup
	wg      sync.WaitGroup
}

// New wraps an already-migrated *sql.DB as a Store. Call Start to launch the
// writer goroutine before issuing any mutating call.
func New(db *sql.DB) *Store {
	return &Store{
		db:     db,
		logger: slog.Default().With("component", "index"),
		queue:  make(chan writeOp, writerQueueCapacity),
	}
}

// Start launches the single writer goroutine and returns immediately. The
// goroutine exits after ctx is canceled and the queue has drained; Wait
// blocks until it has.
func (s *Store) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.writerLoop(ctx)
}

// Wait blocks until the writer goroutine has exited (i.e. after Start's ctx
// is canceled and the queue has drained).
func (s *Store) Wait() {
	s.wg.Wait()
}

// Flush blocks until every operation enqueued so far has been applied.
// Intended for tests and for callers that need read-your-writes visibility.
func (s *Store) Flush() {
	s.pending.Wait()
}

func (s *Store) writerLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case op := <-s.queue:
			s.run(op)
		case <-ctx.Done():
			s.drain()
			return
		}
	}
}

// drain applies everything already queued without waiting for more.
func (s *Store) drain() {
	for {
		select {
		case op := <-s.queue:
			s.run(op)
		default:
			return
		}
	}
}

func (s *Store) run(op writeOp) {
	defer s.pending.Done()
	if err := op.exec(s.db); err != nil {
		s.logger.Error("index write failed", "op", op.label, "error", err)
	}
}

func (s *Store) enqueue(op writeOp) {
	s.pending.Add(1)
	s.queue <- op
}

// InsertSegment queues a new segment record. On a (camera_id, start_time_ms)
// or file_path conflict the record is dropped and logged, not retried;
// the Orphan Reconciler will pick the file up on its next pass if it is
// genuinely missing from the index.
func (s *Store) InsertSegment(seg Segment) {
	s.enqueue(writeOp{
		label: "insert_segment",
		exec: func(db *sql.DB) error {
			endTime := seg.StartTimeMs + seg.DurationMs
			_, err := db.Exec(`
				INSERT INTO recordings (
					camera_id, camera_name, file_path, start_time_ms, end_time_ms,
					duration_ms, file_size, codec, resolution, bitrate_kbps,
					keyframe_count, is_valid, created_at_ms
				) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?)
			`,
				seg.CameraID, seg.CameraName, seg.FilePath, seg.StartTimeMs, endTime,
				seg.DurationMs, seg.FileSize, nullableString(seg.Codec), nullableString(seg.Resolution),
				nullableInt(seg.BitrateKbps), nullableInt(seg.KeyframeCount), time.Now().UnixMilli(),
			)
			if err != nil && isUniqueConstraintErr(err) {
				s.logger.Warn("dropped duplicate segment insert", "camera_id", seg.CameraID, "file_path", seg.FilePath)
				return nil
			}
			return err
		},
	})
}

// MarkInvalid flags a segment invalid by file path (Orphan Reconciler use).
func (s *Store) MarkInvalid(path string) {
	s.enqueue(writeOp{
		label: "mark_invalid",
		exec: func(db *sql.DB) error {
			_, err := db.Exec(`UPDATE recordings SET is_valid = 0 WHERE file_path = ?`, path)
			return err
		},
	})
}

// DeleteSegment removes one segment record by file path.
func (s *Store) DeleteSegment(path string) {
	s.enqueue(writeOp{
		label: "delete_segment",
		exec: func(db *sql.DB) error {
			_, err := db.Exec(`DELETE FROM recordings WHERE file_path = ?`, path)
			return err
		},
	})
}

// DeleteSegmentsBatch removes many segment records in one transaction.
// Preferred over DeleteSegment when there are more than ~100 paths.
func (s *Store) DeleteSegmentsBatch(paths []string) {
	if len(paths) == 0 {
		return
	}
	batch := make([]string, len(paths))
	copy(batch, paths)
	s.enqueue(writeOp{
		label: "delete_segments_batch",
		exec: func(db *sql.DB) error {
			tx, err := db.Begin()
			if err != nil {
				return err
			}
			stmt, err := tx.Prepare(`DELETE FROM recordings WHERE file_path = ?`)
			if err != nil {
				_ = tx.Rollback()
				return err
			}
			defer stmt.Close()
			for _, p := range batch {
				if _, err := stmt.Exec(p); err != nil {
					_ = tx.Rollback()
					return err
				}
			}
			return tx.Commit()
		},
	})
}

// UpsertRetentionPolicy creates or updates a camera's retention policy.
func (s *Store) UpsertRetentionPolicy(p RetentionPolicy) {
	s.enqueue(writeOp{
		label: "upsert_retention_policy",
		exec: func(db *sql.DB) error {
			_, err := db.Exec(`
				INSERT INTO retention_policies (camera_id, retention_days, min_free_space_gb, emergency_cleanup_threshold, updated_at_ms)
				VALUES (?, ?, ?, ?, ?)
				ON CONFLICT(camera_id) DO UPDATE SET
					retention_days = excluded.retention_days,
					min_free_space_gb = excluded.min_free_space_gb,
					emergency_cleanup_threshold = excluded.emergency_cleanup_threshold,
					updated_at_ms = excluded.updated_at_ms
			`, p.CameraID, p.RetentionDays, p.MinFreeSpaceGB, p.EmergencyCleanupThreshold, time.Now().UnixMilli())
			return err
		},
	})
}

// InsertCleanupRecord appends one cleanup_history row.
func (s *Store) InsertCleanupRecord(rec CleanupRecord) {
	s.enqueue(writeOp{
		label: "insert_cleanup_record",
		exec: func(db *sql.DB) error {
			_, err := db.Exec(`
				INSERT INTO cleanup_history (camera_id, deleted_segments, freed_bytes, cleanup_type, timestamp_ms)
				VALUES (?, ?, ?, ?, ?)
			`, rec.CameraID, rec.DeletedSegments, rec.FreedBytes, string(rec.Type), rec.Timestamp.UnixMilli())
			return err
		},
	})
}

// InsertRecoveryEvent appends one recovery_log row.
func (s *Store) InsertRecoveryEvent(ev RecoveryEvent) {
	s.enqueue(writeOp{
		label: "insert_recovery_event",
		exec: func(db *sql.DB) error {
			var recoveryTs sql.NullInt64
			if ev.Recovered {
				recoveryTs = sql.NullInt64{Int64: ev.RecoveryTime.UnixMilli(), Valid: true}
			}
			_, err := db.Exec(`
				INSERT INTO recovery_log (camera_id, error_type, message, recovered, error_ts_ms, recovery_ts_ms)
				VALUES (?, ?, ?, ?, ?, ?)
			`, ev.CameraID, string(ev.ErrorType), ev.Message, boolToInt(ev.Recovered), ev.ErrorTime.UnixMilli(), recoveryTs)
			return err
		},
	})
}

// UpsertTimelineBucket increments one (camera, date, hour) aggregate.
func (s *Store) UpsertTimelineBucket(b TimelineBucket) {
	s.enqueue(writeOp{
		label: "upsert_timeline_bucket",
		exec: func(db *sql.DB) error {
			_, err := db.Exec(`
				INSERT INTO timeline_index (camera_id, date, hour, segment_count, total_duration_ms, total_size_bytes, first_segment_time_ms, last_segment_time_ms)
				VALUES (?, ?, ?, 1, ?, ?, ?, ?)
				ON CONFLICT(camera_id, date, hour) DO UPDATE SET
					segment_count = segment_count + 1,
					total_duration_ms = total_duration_ms + excluded.total_duration_ms,
					total_size_bytes = total_size_bytes + excluded.total_size_bytes,
					first_segment_time_ms = MIN(first_segment_time_ms, excluded.first_segment_time_ms),
					last_segment_time_ms = MAX(last_segment_time_ms, excluded.last_segment_time_ms)
			`, b.CameraID, b.Date, b.Hour, b.TotalDurationMs, b.TotalSizeBytes,
				b.FirstSegmentTime.UnixMilli(), b.LastSegmentTime.UnixMilli())
			return err
		},
	})
}

// ReplaceTimelineBucket overwrites one bucket's aggregate outright, used by
// bulk timeline rebuilds rather than incremental upserts.
func (s *Store) ReplaceTimelineBucket(b TimelineBucket) {
	s.enqueue(writeOp{
		label: "replace_timeline_bucket",
		exec: func(db *sql.DB) error {
			_, err := db.Exec(`
				INSERT INTO timeline_index (camera_id, date, hour, segment_count, total_duration_ms, total_size_bytes, first_segment_time_ms, last_segment_time_ms)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT(camera_id, date, hour) DO UPDATE SET
					segment_count = excluded.segment_count,
					total_duration_ms = excluded.total_duration_ms,
					total_size_bytes = excluded.total_size_bytes,
					first_segment_time_ms = excluded.first_segment_time_ms,
					last_segment_time_ms = excluded.last_segment_time_ms
			`, b.CameraID, b.Date, b.Hour, b.SegmentCount, b.TotalDurationMs, b.TotalSizeBytes,
				b.FirstSegmentTime.UnixMilli(), b.LastSegmentTime.UnixMilli())
			return err
		},
	})
}

// --- read path: no queue involved ---

// SegmentsInRange returns valid segments with start_time in [t0, t1),
// ordered ascending.
func (s *Store) SegmentsInRange(ctx context.Context, cameraID string, t0, t1 time.Time) ([]Segment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+segmentColumns+`
		FROM recordings
		WHERE camera_id = ? AND is_valid = 1 AND start_time_ms >= ? AND start_time_ms < ?
		ORDER BY start_time_ms ASC
	`, cameraID, t0.UnixMilli(), t1.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSegments(rows)
}

// SegmentAt returns the valid segment whose [start,end) window contains t,
// if any.
func (s *Store) SegmentAt(ctx context.Context, cameraID string, t time.Time) (*Segment, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+segmentColumns+`
		FROM recordings
		WHERE camera_id = ? AND is_valid = 1 AND start_time_ms <= ? AND end_time_ms > ?
		ORDER BY start_time_ms DESC
		LIMIT 1
	`, cameraID, t.UnixMilli(), t.UnixMilli())
	seg, err := scanSegment(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return seg, err
}

// OldSegments returns segments (valid or not) with start_time before
// `before`, ordered ascending. If cameraID is empty, all cameras are returned.
func (s *Store) OldSegments(ctx context.Context, before time.Time, cameraID string) ([]Segment, error) {
	var rows *sql.Rows
	var err error
	if cameraID != "" {
		rows, err = s.db.QueryContext(ctx, `
			SELECT `+segmentColumns+` FROM recordings
			WHERE camera_id = ? AND start_time_ms < ?
			ORDER BY start_time_ms ASC
		`, cameraID, before.UnixMilli())
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT `+segmentColumns+` FROM recordings
			WHERE start_time_ms < ?
			ORDER BY start_time_ms ASC
		`, before.UnixMilli())
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSegments(rows)
}

// AllFilePaths returns every indexed file path, used by the Orphan
// Reconciler to decide which on-disk files are unindexed.
func (s *Store) AllFilePaths(ctx context.Context) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT file_path FROM recordings`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	paths := make(map[string]bool)
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		paths[p] = true
	}
	return paths, rows.Err()
}

// ValidSegmentPaths returns the file path of every segment currently
// flagged valid, used by the Orphan Reconciler's missing-file and
// integrity passes.
func (s *Store) ValidSegmentPaths(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT file_path FROM recordings WHERE is_valid = 1`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		paths = append(paths, p)
	}
	return paths, rows.Err()
}

// CameraStats summarizes a camera's valid footage.
func (s *Store) CameraStats(ctx context.Context, cameraID string) (CameraStats, error) {
	var stats CameraStats
	var earliest, latest, totalDuration sql.NullInt64
	var totalSize sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), SUM(file_size), MIN(start_time_ms), MAX(end_time_ms), SUM(duration_ms)
		FROM recordings WHERE camera_id = ? AND is_valid = 1
	`, cameraID).Scan(&stats.TotalSegments, &totalSize, &earliest, &latest, &totalDuration)
	if err != nil {
		return stats, err
	}
	stats.TotalSize = totalSize.Int64
	if earliest.Valid {
		stats.Earliest = time.UnixMilli(earliest.Int64)
	}
	if latest.Valid {
		stats.Latest = time.UnixMilli(latest.Int64)
	}
	stats.TotalDurationMs = totalDuration.Int64
	return stats, nil
}

// RetentionPolicies returns all configured policies.
func (s *Store) RetentionPolicies(ctx context.Context) ([]RetentionPolicy, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT camera_id, retention_days, min_free_space_gb, emergency_cleanup_threshold
		FROM retention_policies
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RetentionPolicy
	for rows.Next() {
		var p RetentionPolicy
		if err := rows.Scan(&p.CameraID, &p.RetentionDays, &p.MinFreeSpaceGB, &p.EmergencyCleanupThreshold); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// TimelineBucketsInRange returns buckets for a camera across a date range,
// ordered by date then hour.
func (s *Store) TimelineBucketsInRange(ctx context.Context, cameraID, fromDate, toDate string) ([]TimelineBucket, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT camera_id, date, hour, segment_count, total_duration_ms, total_size_bytes, first_segment_time_ms, last_segment_time_ms
		FROM timeline_index
		WHERE camera_id = ? AND date >= ? AND date <= ?
		ORDER BY date ASC, hour ASC
	`, cameraID, fromDate, toDate)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TimelineBucket
	for rows.Next() {
		var b TimelineBucket
		var first, last sql.NullInt64
		if err := rows.Scan(&b.CameraID, &b.Date, &b.Hour, &b.SegmentCount, &b.TotalDurationMs, &b.TotalSizeBytes, &first, &last); err != nil {
			return nil, err
		}
		if first.Valid {
			b.FirstSegmentTime = time.UnixMilli(first.Int64)
		}
		if last.Valid {
			b.LastSegmentTime = time.UnixMilli(last.Int64)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

const segmentColumns = `id, camera_id, camera_name, file_path, start_time_ms, end_time_ms, duration_ms, file_size, codec, resolution, bitrate_kbps, keyframe_count, is_valid, created_at_ms`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSegment(row scanner) (*Segment, error) {
	var seg Segment
	var startMs, endMs, createdMs int64
	var isValid int
	var codec, resolution sql.NullString
	var bitrate, keyframes sql.NullInt64
	if err := row.Scan(
		&seg.ID, &seg.CameraID, &seg.CameraName, &seg.FilePath, &startMs, &endMs,
		&seg.DurationMs, &seg.FileSize, &codec, &resolution, &bitrate, &keyframes,
		&isValid, &createdMs,
	); err != nil {
		return nil, err
	}
	seg.StartTimeMs = startMs
	seg.StartTime = time.UnixMilli(startMs)
	seg.EndTime = time.UnixMilli(endMs)
	seg.IsValid = isValid == 1
	seg.Codec = codec.String
	seg.Resolution = resolution.String
	seg.BitrateKbps = int(bitrate.Int64)
	seg.KeyframeCount = int(keyframes.Int64)
	seg.CreatedAt = time.UnixMilli(createdMs)
	return &seg, nil
}

func scanSegments(rows *sql.Rows) ([]Segment, error) {
	var out []Segment
	for rows.Next() {
		seg, err := scanSegment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *seg)
	}
	return out, rows.Err()
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullableInt(i int) interface{} {
	if i == 0 {
		return nil
	}
	return i
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueConstraintErr(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
