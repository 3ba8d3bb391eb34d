// Package reconcile implements the Orphan Reconciler: three passes that
// keep the on-disk archive and the segment index consistent with each
// other: missing files, corrupted files, and on-disk files the index
// never learned about.
package reconcile

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/nvrcore/nvrcore/internal/index"
)

const (
	defaultOrphanBatchSize = 100
	orphanBatchPause       = 100 * time.Millisecond
)

// EventType names one reconciliation finding, mirroring what a monitoring
// consumer would subscribe to.
type EventType string

const (
	EventMissingFile EventType = "MISSING_FILE"
	EventCorruptFile EventType = "CORRUPTED_FILE"
	EventOrphanFound EventType = "ORPHAN_FOUND"
)

// Event is one finding from a reconciliation pass.
type Event struct {
	Type     EventType
	Path     string
	CameraID string
}

// store is the subset of *index.Store the reconciler depends on.
type store interface {
	ValidSegmentPaths(ctx context.Context) ([]string, error)
	AllFilePaths(ctx context.Context) (map[string]bool, error)
	MarkInvalid(path string)
	InsertSegment(seg index.Segment)
}

// Reconciler walks the archive and the index looking for divergence.
type Reconciler struct {
	store       store
	storageRoot string
	logger      *slog.Logger
	batchSize   int
}

// New creates a Reconciler rooted at storageRoot.
func New(s store, storageRoot string) *Reconciler {
	return &Reconciler{
		store:       s,
		storageRoot: storageRoot,
		logger:      slog.Default().With("component", "reconcile"),
		batchSize:   defaultOrphanBatchSize,
	}
}

// Run executes all three passes in sequence: missing-file, integrity, then
// orphan discovery. It returns every finding across all three passes.
func (r *Reconciler) Run(ctx context.Context) ([]Event, error) {
	var events []Event

	missing, err := r.MissingFilePass(ctx)
	if err != nil {
		return events, err
	}
	events = append(events, missing...)

	corrupt, err := r.IntegrityPass(ctx)
	if err != nil {
		return events, err
	}
	events = append(events, corrupt...)

	orphans, err := r.OrphanPass(ctx)
	if err != nil {
		return events, err
	}
	events = append(events, orphans...)

	return events, nil
}

// MissingFilePass flags every indexed-valid segment whose file no longer
// exists on disk.
func (r *Reconciler) MissingFilePass(ctx context.Context) ([]Event, error) {
	paths, err := r.store.ValidSegmentPaths(ctx)
	if err != nil {
		return nil, err
	}

	var events []Event
	for _, p := range paths {
		if _, err := os.Stat(p); os.IsNotExist(err) {
			r.store.MarkInvalid(p)
			r.logger.Warn("segment file missing", "path", p)
			events = append(events, Event{Type: EventMissingFile, Path: p, CameraID: cameraIDFromPath(r.storageRoot, p)})
		}
	}
	return events, nil
}

// IntegrityPass flags every indexed-valid segment whose file header doesn't
// look like a recognizable fMP4 or MPEG-TS container. A file already caught
// by MissingFilePass is naturally skipped here too, since os.Open fails the
// same way.
func (r *Reconciler) IntegrityPass(ctx context.Context) ([]Event, error) {
	paths, err := r.store.ValidSegmentPaths(ctx)
	if err != nil {
		return nil, err
	}

	var events []Event
	for _, p := range paths {
		ok, err := hasValidHeader(p)
		if err != nil {
			continue // already reported by MissingFilePass, or a transient read error
		}
		if !ok {
			r.store.MarkInvalid(p)
			r.logger.Warn("segment file corrupted", "path", p)
			events = append(events, Event{Type: EventCorruptFile, Path: p, CameraID: cameraIDFromPath(r.storageRoot, p)})
		}
	}
	return events, nil
}

// OrphanPass walks the archive for .mp4 files the index has no record of at
// all, and inserts a best-effort record for each: start_time from the
// file's mtime, a fixed nominal duration since the real duration can't be
// recovered from the file alone. Processing stops once r.batchSize orphans
// have been inserted in this call, leaving any remainder for the next
// invocation. The pass competes for the single index writer with live
// ingest and must not try to reconcile the whole filesystem in one go.
func (r *Reconciler) OrphanPass(ctx context.Context) ([]Event, error) {
	indexed, err := r.store.AllFilePaths(ctx)
	if err != nil {
		return nil, err
	}

	onDisk, err := walkMP4Files(r.storageRoot)
	if err != nil {
		return nil, err
	}
	sort.Strings(onDisk)

	var events []Event
	processed := 0
	for _, p := range onDisk {
		if processed >= r.batchSize {
			break
		}
		if ctx.Err() != nil {
			return events, ctx.Err()
		}
		if indexed[p] {
			continue
		}

		info, err := os.Stat(p)
		if err != nil {
			continue
		}

		cameraID := cameraIDFromPath(r.storageRoot, p)
		seg := index.Segment{
			CameraID:    cameraID,
			CameraName:  cameraID,
			FilePath:    p,
			StartTimeMs: info.ModTime().UnixMilli(),
			DurationMs:  3000,
			FileSize:    info.Size(),
		}
		r.store.InsertSegment(seg)
		events = append(events, Event{Type: EventOrphanFound, Path: p, CameraID: cameraID})

		processed++
		time.Sleep(orphanBatchPause)
	}
	return events, nil
}

// walkMP4Files recursively lists .mp4 files under root using os.ReadDir
// rather than filepath.WalkDir.
func walkMP4Files(root string) ([]string, error) {
	var files []string
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return files, nil
		}
		return nil, err
	}

	for _, entry := range entries {
		path := filepath.Join(root, entry.Name())
		if entry.IsDir() {
			sub, err := walkMP4Files(path)
			if err != nil {
				return nil, err
			}
			files = append(files, sub...)
			continue
		}
		if strings.HasSuffix(entry.Name(), ".mp4") {
			files = append(files, path)
		}
	}
	return files, nil
}

// cameraIDFromPath infers the camera_id from a segment path's first
// component under storageRoot: <storageRoot>/<camera_id>/<date>/<file>.
func cameraIDFromPath(storageRoot, path string) string {
	rel, err := filepath.Rel(storageRoot, path)
	if err != nil {
		return ""
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) == 0 {
		return ""
	}
	return parts[0]
}

var mp4Boxes = [][]byte{[]byte("ftyp"), []byte("moof"), []byte("mdat"), []byte("free")}

// hasValidHeader reports whether a file's first bytes look like a valid
// fMP4 box header or an MPEG-TS sync byte.
func hasValidHeader(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()

	buf := make([]byte, 8)
	n, err := f.Read(buf)
	if err != nil || n < 8 {
		return false, nil
	}

	if buf[0] == 0x47 {
		return true, nil
	}
	boxType := buf[4:8]
	for _, box := range mp4Boxes {
		if bytes.Equal(boxType, box) {
			return true, nil
		}
	}
	return false, nil
}
