// Package supervisor owns every long-lived goroutine in the system and
// gives the entrypoint a single Start/Stop surface.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/nvrcore/nvrcore/internal/config"
	"github.com/nvrcore/nvrcore/internal/events"
	"github.com/nvrcore/nvrcore/internal/index"
	"github.com/nvrcore/nvrcore/internal/ingest"
	"github.com/nvrcore/nvrcore/internal/playback"
	"github.com/nvrcore/nvrcore/internal/reconcile"
	"github.com/nvrcore/nvrcore/internal/recovery"
	"github.com/nvrcore/nvrcore/internal/retention"
	"github.com/nvrcore/nvrcore/internal/scanner"
	"github.com/nvrcore/nvrcore/internal/timeline"
)

// Supervisor wires and runs every component: one Segment Writer per enabled
// camera, the Index Store's writer goroutine, the Retention Engine and its
// emergency watchdog, the Orphan Reconciler's periodic pass, and the
// External Index Scanner.
type Supervisor struct {
	mu      sync.RWMutex
	config  *config.Config
	store   *index.Store
	tracker *recovery.Tracker
	bus     *events.Bus

	Timeline  *timeline.TimelineBuilder
	Retention *retention.Engine
	Reconcile *reconcile.Reconciler
	Playback  *playback.Resolver
	Scanner   *scanner.Scanner

	writers map[string]*ingest.Writer

	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	logger  *slog.Logger

	reconcileInterval time.Duration
}

// New builds a Supervisor around an already-open Index Store.
func New(cfg *config.Config, store *index.Store) *Supervisor {
	storageRoot := cfg.System.StoragePath
	tracker := recovery.New(store)

	return &Supervisor{
		config:            cfg,
		store:             store,
		tracker:           tracker,
		Timeline:          timeline.New(store),
		Retention:         retention.New(store, storageRoot, 1),
		Reconcile:         reconcile.New(store, storageRoot),
		Playback:          playback.New(store, storageRoot),
		Scanner:           scanner.New(store, cfg.System.ExternalRecordingsPath),
		writers:           make(map[string]*ingest.Writer),
		logger:            slog.Default().With("component", "supervisor"),
		reconcileInterval: time.Hour,
	}
}

// SetBus wires an event bus into the supervisor's components, so that
// recovery triggers, completed cleanups and reconciliation findings are
// published for any subscriber. It must be called before Start.
func (sv *Supervisor) SetBus(bus *events.Bus) {
	sv.mu.Lock()
	defer sv.mu.Unlock()

	sv.bus = bus
	sv.tracker.OnTrigger(func(cameraID string, errType index.ErrorType) {
		if err := bus.Publish(events.SubjectRecoveryTriggered, events.NewRecoveryTriggeredEvent(cameraID, string(errType), time.Now())); err != nil {
			sv.logger.Warn("failed to publish recovery event", "error", err)
		}
	})
}

// onCleanup runs after every retention sweep, scheduled or emergency: the
// swept camera's timeline buckets are rebuilt so deleted segments drop out
// of the scrubber aggregates, then the cleanup is published for
// subscribers.
func (sv *Supervisor) onCleanup(rec index.CleanupRecord) {
	sv.mu.RLock()
	ctx := sv.ctx
	bus := sv.bus
	sv.mu.RUnlock()

	sv.rebuildTimeline(ctx, rec.CameraID)

	if bus != nil {
		if err := bus.Publish(events.SubjectCleanupCompleted, events.NewCleanupCompletedEvent(rec.CameraID, string(rec.Type), rec.DeletedSegments, rec.FreedBytes, rec.Timestamp)); err != nil {
			sv.logger.Warn("failed to publish cleanup event", "error", err)
		}
	}
}

// Start launches every component. It blocks on nothing; all work happens in
// background goroutines tied to the supervisor's context.
func (sv *Supervisor) Start(ctx context.Context) error {
	sv.mu.Lock()
	defer sv.mu.Unlock()

	if sv.running {
		return nil
	}
	sv.ctx, sv.cancel = context.WithCancel(ctx)

	sv.store.Start(sv.ctx)

	for _, cam := range sv.config.Cameras {
		if !cam.Enabled {
			continue
		}
		if err := sv.startWriterLocked(cam); err != nil {
			sv.logger.Error("failed to start segment writer", "camera", cam.ID, "error", err)
		}
	}

	sv.Retention.OnCleanup(sv.onCleanup)
	sv.Retention.Start(sv.ctx)
	if sv.config.System.ExternalRecordingsPath != "" {
		sv.Scanner.Start(sv.ctx)
	}
	go sv.runReconcileLoop(sv.ctx)

	go func(ctx context.Context, cameras []config.CameraConfig) {
		for _, cam := range cameras {
			if ctx.Err() != nil {
				return
			}
			sv.rebuildTimeline(ctx, cam.ID)
		}
	}(sv.ctx, sv.config.Cameras)

	sv.config.OnChange(sv.onConfigChange)

	sv.running = true
	sv.logger.Info("supervisor started", "cameras", len(sv.writers))
	return nil
}

// Stop signals every component to shut down and waits for the Index Store's
// writer goroutine to drain its queue.
func (sv *Supervisor) Stop() {
	sv.mu.Lock()
	defer sv.mu.Unlock()

	if !sv.running {
		return
	}

	sv.Retention.Stop()
	if sv.cancel != nil {
		sv.cancel()
	}
	sv.store.Wait()

	sv.running = false
	sv.logger.Info("supervisor stopped")
}

// runReconcileLoop runs the Orphan Reconciler's three passes once at
// startup and then on a fixed interval, independent of the Retention
// Engine's own schedule.
func (sv *Supervisor) runReconcileLoop(ctx context.Context) {
	sv.runReconcileOnce(ctx)

	ticker := time.NewTicker(sv.reconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sv.runReconcileOnce(ctx)
		}
	}
}

func (sv *Supervisor) runReconcileOnce(ctx context.Context) {
	findings, err := sv.Reconcile.Run(ctx)
	if err != nil {
		sv.logger.Error("reconciliation pass failed", "error", err)
		return
	}
	if len(findings) > 0 {
		sv.logger.Info("reconciliation pass complete", "findings", len(findings))
	}

	// Orphan recovery inserts segments the incremental timeline path never
	// saw; rebuild the affected cameras' buckets from the segment table.
	recovered := make(map[string]bool)
	for _, ev := range findings {
		if ev.Type == reconcile.EventOrphanFound && ev.CameraID != "" {
			recovered[ev.CameraID] = true
		}
	}
	for cameraID := range recovered {
		sv.rebuildTimeline(ctx, cameraID)
	}

	sv.mu.RLock()
	bus := sv.bus
	sv.mu.RUnlock()
	if bus != nil {
		for _, ev := range findings {
			if err := bus.Publish(events.SubjectReconcileFinding, events.NewReconcileFindingEvent(string(ev.Type), ev.Path, ev.CameraID, time.Now())); err != nil {
				sv.logger.Warn("failed to publish reconcile finding", "error", err)
			}
		}
	}
}

// rebuildTimeline recomputes a camera's timeline buckets from the segment
// table across its retention window. Pending index writes are flushed first
// so segments inserted just before the rebuild (orphan recovery, the
// external scanner) are visible to it.
func (sv *Supervisor) rebuildTimeline(ctx context.Context, cameraID string) {
	if ctx == nil || ctx.Err() != nil {
		return
	}

	days := 30
	if cam := sv.config.GetCamera(cameraID); cam != nil && cam.Retention.RetentionDays > 0 {
		days = cam.Retention.RetentionDays
	}

	sv.store.Flush()
	to := time.Now()
	from := to.AddDate(0, 0, -days)
	if err := sv.Timeline.Rebuild(ctx, cameraID, from, to); err != nil {
		sv.logger.Error("timeline rebuild failed", "camera", cameraID, "error", err)
	}
}

// startWriterLocked starts a Segment Writer for camera. Callers must hold sv.mu.
func (sv *Supervisor) startWriterLocked(cam config.CameraConfig) error {
	if _, exists := sv.writers[cam.ID]; exists {
		return nil
	}

	segmentDuration := cam.Recording.SegmentDurationMs
	if segmentDuration <= 0 {
		segmentDuration = 3000
	}

	w := ingest.New(ingest.Config{
		CameraID:          cam.ID,
		CameraName:        cam.Name,
		GatewayHost:       sv.config.System.GatewayHost,
		Username:          cam.Stream.Username,
		Password:          cam.Stream.Password,
		StorageRoot:       sv.config.System.StoragePath,
		SegmentDurationMs: segmentDuration,
		Tracker:           sv.tracker,
		Store:             sv.store,
	})
	w.OnSegmentWritten(func(seg index.Segment) {
		sv.Timeline.OnSegmentIngested(seg)
		sv.mu.Lock()
		bus := sv.bus
		sv.mu.Unlock()
		if bus != nil {
			ev := events.NewSegmentIngestedEvent(seg.CameraID, seg.FilePath, seg.StartTimeMs, seg.DurationMs, time.Now())
			if err := bus.Publish(events.SubjectSegmentIngested, ev); err != nil {
				sv.logger.Warn("failed to publish segment ingested event", "error", err)
			}
		}
	})
	w.Start(sv.ctx)

	sv.writers[cam.ID] = w
	sv.logger.Info("segment writer started", "camera", cam.ID)

	if cam.Retention.RetentionDays > 0 {
		sv.store.UpsertRetentionPolicy(index.RetentionPolicy{
			CameraID:                  cam.ID,
			RetentionDays:             cam.Retention.RetentionDays,
			MinFreeSpaceGB:            cam.Retention.MinFreeSpaceGB,
			EmergencyCleanupThreshold: cam.Retention.EmergencyCleanupThreshold,
		})
	}

	return nil
}

// StopCamera removes cameraID's writer, if any, from the supervisor's
// bookkeeping. The writer's poll goroutine is not stopped: it keeps running
// until the supervisor's context is canceled.
func (sv *Supervisor) StopCamera(cameraID string) error {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	return sv.stopWriterLocked(cameraID)
}

func (sv *Supervisor) stopWriterLocked(cameraID string) error {
	_, exists := sv.writers[cameraID]
	if !exists {
		return nil
	}
	// The Segment Writer has no independent Stop: it is tied to the
	// supervisor's context. Removing it here only affects bookkeeping;
	// a future per-camera cancellation would need its own context.
	delete(sv.writers, cameraID)
	return nil
}

// StartCamera starts a writer for an already-configured camera.
func (sv *Supervisor) StartCamera(cameraID string) error {
	sv.mu.Lock()
	defer sv.mu.Unlock()

	cam := sv.config.GetCamera(cameraID)
	if cam == nil {
		return fmt.Errorf("camera not found: %s", cameraID)
	}
	return sv.startWriterLocked(*cam)
}

// WriterStatus returns the live status of a camera's Segment Writer.
func (sv *Supervisor) WriterStatus(cameraID string) (ingest.WriterStatus, bool) {
	sv.mu.RLock()
	defer sv.mu.RUnlock()
	w, exists := sv.writers[cameraID]
	if !exists {
		return ingest.WriterStatus{}, false
	}
	return w.Status(), true
}

// AllWriterStatus returns the live status of every running Segment Writer.
func (sv *Supervisor) AllWriterStatus() map[string]ingest.WriterStatus {
	sv.mu.RLock()
	defer sv.mu.RUnlock()

	out := make(map[string]ingest.WriterStatus, len(sv.writers))
	for id, w := range sv.writers {
		out[id] = w.Status()
	}
	return out
}

// onConfigChange reconciles running writers against a reloaded config,
// starting writers for newly enabled cameras. Existing writers are left
// running even if their settings changed, since a Segment Writer has no
// in-place reconfiguration; removing one requires a process restart today.
func (sv *Supervisor) onConfigChange(cfg *config.Config) {
	sv.mu.Lock()
	sv.config = cfg
	for _, cam := range cfg.Cameras {
		if !cam.Enabled {
			continue
		}
		if err := sv.startWriterLocked(cam); err != nil {
			sv.logger.Error("failed to start segment writer on config change", "camera", cam.ID, "error", err)
		}
	}
	gateway := cfg.System.GatewayHost
	sv.mu.Unlock()

	sv.reloadGatewayPaths(gateway)
}

// reloadGatewayPaths asks the media gateway to re-read its path
// configuration, so cameras added to this process's config start streaming
// without a gateway restart.
func (sv *Supervisor) reloadGatewayPaths(gatewayHost string) {
	url := fmt.Sprintf("http://%s/v3/config/paths/reload", gatewayHost)
	req, err := http.NewRequest(http.MethodPost, url, nil)
	if err != nil {
		return
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		sv.logger.Warn("gateway path reload failed", "error", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		sv.logger.Warn("gateway path reload rejected", "status", resp.StatusCode)
	}
}
