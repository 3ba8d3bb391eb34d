// Package scanner implements the External Index Scanner: a periodic sweep
// of the gateway's own recording output directory, for deployments where
// segments land on disk from a process other than this module's own
// Segment Writer (e.g. the media gateway recording directly to disk).
package scanner

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nvrcore/nvrcore/internal/index"
)

const defaultScanInterval = 30 * time.Second

// store is the subset of *index.Store the scanner depends on.
type store interface {
	InsertSegment(seg index.Segment)
}

// Scanner walks a gateway's recording tree (<root>/<camera_id>/<date>/*.mp4)
// and indexes any file it hasn't seen before. It does not verify file
// integrity; that is the Orphan Reconciler's job.
type Scanner struct {
	store  store
	root   string
	logger *slog.Logger

	scanInterval time.Duration

	mu      sync.Mutex
	indexed map[string]bool
}

// New creates a Scanner rooted at root, scanning every 30 seconds.
func New(s store, root string) *Scanner {
	return &Scanner{
		store:        s,
		root:         root,
		logger:       slog.Default().With("component", "scanner"),
		scanInterval: defaultScanInterval,
		indexed:      make(map[string]bool),
	}
}

// Start launches the periodic scan loop in the background.
func (s *Scanner) Start(ctx context.Context) {
	go s.scanLoop(ctx)
}

func (s *Scanner) scanLoop(ctx context.Context) {
	s.Scan()
	ticker := time.NewTicker(s.scanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Scan()
		}
	}
}

// Scan walks the tree once, indexing any not-yet-seen .mp4 file.
func (s *Scanner) Scan() {
	cameraDirs, err := os.ReadDir(s.root)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Error("failed to read root directory", "path", s.root, "error", err)
		}
		return
	}

	for _, cameraDir := range cameraDirs {
		if !cameraDir.IsDir() {
			continue
		}
		s.scanCamera(cameraDir.Name(), filepath.Join(s.root, cameraDir.Name()))
	}
}

func (s *Scanner) scanCamera(cameraID, cameraPath string) {
	dateDirs, err := os.ReadDir(cameraPath)
	if err != nil {
		s.logger.Error("failed to read camera directory", "camera_id", cameraID, "error", err)
		return
	}

	for _, dateDir := range dateDirs {
		if !dateDir.IsDir() {
			continue
		}
		datePath := filepath.Join(cameraPath, dateDir.Name())
		entries, err := os.ReadDir(datePath)
		if err != nil {
			s.logger.Error("failed to read date directory", "path", datePath, "error", err)
			continue
		}

		for _, entry := range entries {
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".mp4") {
				continue
			}
			filePath := filepath.Join(datePath, entry.Name())

			s.mu.Lock()
			seen := s.indexed[filePath]
			s.mu.Unlock()
			if seen {
				continue
			}

			if s.indexFile(cameraID, dateDir.Name(), filePath) {
				s.mu.Lock()
				s.indexed[filePath] = true
				s.mu.Unlock()
			}
		}
	}
}

// indexFile parses a gateway-produced filename of the form
// HH-MM-SS-mmm_SEQ.mp4 within a YYYY-MM-DD directory and inserts a segment
// record using a fixed nominal duration, since the gateway's own fMP4
// output accumulates multiple fragments and can't be probed for the
// individual segment's real duration.
func (s *Scanner) indexFile(cameraID, dateStr, filePath string) bool {
	stem := strings.TrimSuffix(filepath.Base(filePath), ".mp4")
	parts := strings.SplitN(stem, "_", 2)
	if len(parts) < 2 {
		s.logger.Warn("unrecognized segment filename", "path", filePath)
		return false
	}

	timeParts := strings.Split(parts[0], "-")
	if len(timeParts) != 4 {
		s.logger.Warn("unrecognized segment time component", "path", filePath)
		return false
	}
	hour, err1 := strconv.Atoi(timeParts[0])
	minute, err2 := strconv.Atoi(timeParts[1])
	second, err3 := strconv.Atoi(timeParts[2])
	millis, err4 := strconv.Atoi(timeParts[3])
	if err1 != nil || err2 != nil || err3 != nil || err4 != nil {
		s.logger.Warn("non-numeric segment time component", "path", filePath)
		return false
	}

	date, err := time.ParseInLocation("2006-01-02", dateStr, time.Local)
	if err != nil {
		s.logger.Warn("unrecognized date directory", "date", dateStr)
		return false
	}

	startTime := time.Date(date.Year(), date.Month(), date.Day(), hour, minute, second, millis*int(time.Millisecond), time.Local)

	info, err := os.Stat(filePath)
	if err != nil {
		s.logger.Warn("failed to stat discovered segment", "path", filePath, "error", err)
		return false
	}

	s.store.InsertSegment(index.Segment{
		CameraID:    cameraID,
		CameraName:  titleCase(strings.ReplaceAll(cameraID, "_", " ")),
		FilePath:    filePath,
		StartTimeMs: startTime.UnixMilli(),
		DurationMs:  3000,
		FileSize:    info.Size(),
	})
	return true
}

// titleCase upper-cases the first letter of each whitespace-separated word.
func titleCase(s string) string {
	words := strings.Fields(s)
	for i, w := range words {
		if w == "" {
			continue
		}
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}
