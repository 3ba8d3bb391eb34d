// Package retention implements the scheduled Retention Engine and the
// disk-pressure Emergency Cleanup task.
package retention

import (
	"context"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/nvrcore/nvrcore/internal/index"
)

const (
	// MinRetentionDays is the floor of a camera's configured retention
	// policy. Distinct from the emergency halving floor below, which
	// governs the same value once disk pressure starts halving it.
	MinRetentionDays = 7

	// minEmergencyRetentionDays is the floor an emergency sweep's halved
	// effective retention is never allowed to drop below. Flooring at
	// MinRetentionDays here would make a camera already at the 7-day
	// config minimum contribute nothing to emergency relief.
	minEmergencyRetentionDays = 1

	defaultStartupDelay = 5 * time.Minute
	defaultBatchSize    = 1000

	emergencyPollInterval   = 30 * time.Second
	emergencyHighWatermark  = 0.90
	emergencyLowWatermark   = 0.85
	emergencyCameraCooldown = 5 * time.Minute
)

// store is the subset of *index.Store the engine depends on.
type store interface {
	RetentionPolicies(ctx context.Context) ([]index.RetentionPolicy, error)
	OldSegments(ctx context.Context, before time.Time, cameraID string) ([]index.Segment, error)
	DeleteSegmentsBatch(paths []string)
	InsertCleanupRecord(index.CleanupRecord)
}

// Engine runs the scheduled retention sweep and the emergency cleanup task.
type Engine struct {
	store       store
	storageRoot string
	logger      *slog.Logger

	cleanupInterval time.Duration
	startupDelay    time.Duration
	batchSize       int
	sampleDiskUsage func(path string) (used, total uint64, err error)

	mu               sync.Mutex
	running          bool
	stopCh           chan struct{}
	emergencyCooldown map[string]time.Time

	// onCleanup, if set, is invoked after every completed sweep. It lets a
	// caller (the supervisor, wiring the event bus) observe cleanups without
	// this package depending on the events package.
	onCleanup func(index.CleanupRecord)
}

// OnCleanup registers a callback invoked after every completed sweep,
// scheduled or emergency. It replaces any previously registered callback.
func (e *Engine) OnCleanup(fn func(index.CleanupRecord)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onCleanup = fn
}

// New creates a retention Engine. cleanupIntervalHours defaults to 1 if <= 0.
func New(s store, storageRoot string, cleanupIntervalHours int) *Engine {
	if cleanupIntervalHours <= 0 {
		cleanupIntervalHours = 1
	}
	return &Engine{
		store:             s,
		storageRoot:       storageRoot,
		logger:            slog.Default().With("component", "retention"),
		cleanupInterval:   time.Duration(cleanupIntervalHours) * time.Hour,
		startupDelay:      defaultStartupDelay,
		batchSize:         defaultBatchSize,
		sampleDiskUsage:   diskUsage,
		emergencyCooldown: make(map[string]time.Time),
	}
}

// Start launches the scheduled sweep loop and the emergency cleanup loop as
// background goroutines.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return
	}
	e.running = true
	e.stopCh = make(chan struct{})
	e.mu.Unlock()

	go e.runScheduledLoop(ctx)
	go e.runEmergencyLoop(ctx)
}

// Stop ends both background loops.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return
	}
	close(e.stopCh)
	e.running = false
}

func (e *Engine) runScheduledLoop(ctx context.Context) {
	select {
	case <-time.After(e.startupDelay):
	case <-ctx.Done():
		return
	case <-e.stopCh:
		return
	}

	if err := e.RunScheduledSweep(ctx); err != nil {
		e.logger.Error("scheduled retention sweep failed", "error", err)
	}

	ticker := time.NewTicker(e.cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case <-ticker.C:
			if err := e.RunScheduledSweep(ctx); err != nil {
				e.logger.Error("scheduled retention sweep failed", "error", err)
			}
		}
	}
}

// RunScheduledSweep deletes segments older than each camera's configured
// retention_days, recording one cleanup_history row per camera swept.
func (e *Engine) RunScheduledSweep(ctx context.Context) error {
	policies, err := e.store.RetentionPolicies(ctx)
	if err != nil {
		return err
	}

	now := time.Now()
	for _, p := range policies {
		cutoff := now.AddDate(0, 0, -p.RetentionDays)
		e.sweepCamera(ctx, p.CameraID, cutoff, index.CleanupScheduled)
	}
	return nil
}

func (e *Engine) runEmergencyLoop(ctx context.Context) {
	ticker := time.NewTicker(emergencyPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.checkEmergency(ctx)
		}
	}
}

func (e *Engine) checkEmergency(ctx context.Context) {
	used, total, err := e.sampleDiskUsage(e.storageRoot)
	if err != nil {
		e.logger.Error("failed to sample disk usage", "error", err)
		return
	}
	if total == 0 {
		return
	}
	ratio := float64(used) / float64(total)
	if ratio < emergencyHighWatermark {
		return
	}

	e.logger.Warn("emergency cleanup triggered", "usage_ratio", ratio)
	e.runEmergencySweep(ctx)
}

func (e *Engine) runEmergencySweep(ctx context.Context) {
	policies, err := e.store.RetentionPolicies(ctx)
	if err != nil {
		e.logger.Error("failed to load retention policies", "error", err)
		return
	}
	sort.Slice(policies, func(i, j int) bool {
		return policies[i].RetentionDays > policies[j].RetentionDays
	})

	now := time.Now()
	for _, p := range policies {
		e.mu.Lock()
		last, onCooldown := e.emergencyCooldown[p.CameraID]
		e.mu.Unlock()
		if onCooldown && now.Sub(last) < emergencyCameraCooldown {
			continue
		}

		effectiveDays := p.RetentionDays / 2
		if effectiveDays < minEmergencyRetentionDays {
			effectiveDays = minEmergencyRetentionDays
		}
		cutoff := now.AddDate(0, 0, -effectiveDays)
		e.sweepCamera(ctx, p.CameraID, cutoff, index.CleanupEmergency)

		e.mu.Lock()
		e.emergencyCooldown[p.CameraID] = now
		e.mu.Unlock()

		used, total, err := e.sampleDiskUsage(e.storageRoot)
		if err == nil && total > 0 && float64(used)/float64(total) < emergencyLowWatermark {
			return
		}
	}
}

// sweepCamera deletes every segment for cameraID with start_time before
// cutoff, oldest first, batching index deletes at e.batchSize and recording
// one cleanup_history row for the whole sweep. Shutdown is honored between
// batches only; the row then reflects what was actually deleted.
func (e *Engine) sweepCamera(ctx context.Context, cameraID string, cutoff time.Time, cleanupType index.CleanupType) {
	segments, err := e.store.OldSegments(ctx, cutoff, cameraID)
	if err != nil {
		e.logger.Error("failed to list old segments", "camera_id", cameraID, "error", err)
		return
	}
	if len(segments) == 0 {
		return
	}

	var deleted int
	var freedBytes int64
	stopped := false
	batch := make([]string, 0, e.batchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		e.store.DeleteSegmentsBatch(batch)
		deleted += len(batch)
		batch = batch[:0]
	}

	for _, seg := range segments {
		if err := os.Remove(seg.FilePath); err != nil && !os.IsNotExist(err) {
			e.logger.Warn("failed to remove segment file", "path", seg.FilePath, "error", err)
		}
		freedBytes += seg.FileSize
		batch = append(batch, seg.FilePath)
		if len(batch) >= e.batchSize {
			flush()
			e.logger.Info("retention sweep progress", "camera_id", cameraID, "deleted", deleted, "total", len(segments))
			select {
			case <-ctx.Done():
				stopped = true
			case <-e.stopCh:
				stopped = true
			default:
			}
			if stopped && cleanupType == index.CleanupScheduled {
				break
			}
		}
	}
	flush()

	record := index.CleanupRecord{
		CameraID:        cameraID,
		DeletedSegments: deleted,
		FreedBytes:      freedBytes,
		Type:            cleanupType,
		Timestamp:       time.Now(),
	}
	e.store.InsertCleanupRecord(record)

	e.logger.Info("retention sweep completed", "camera_id", cameraID, "deleted", deleted, "freed_bytes", freedBytes, "type", cleanupType)

	e.mu.Lock()
	cb := e.onCleanup
	e.mu.Unlock()
	if cb != nil {
		cb(record)
	}
}
