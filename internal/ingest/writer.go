// Package ingest implements the per-camera Segment Writer: it polls a
// camera's HLS stream off the media gateway, stitches each new fragment
// onto its init segment, and hands the combined file to the index store.
package ingest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/nvrcore/nvrcore/internal/index"
	"github.com/nvrcore/nvrcore/internal/recovery"
)

const (
	minPollInterval   = 500 * time.Millisecond
	recoverySleep     = 5 * time.Second
	httpClientTimeout = 10 * time.Second
)

// Config configures one camera's Segment Writer.
type Config struct {
	CameraID          string
	CameraName        string
	GatewayHost       string // host:port of the HLS media gateway
	Username          string
	Password          string
	StorageRoot       string
	SegmentDurationMs int

	Tracker *recovery.Tracker
	Store   *index.Store
}

// Writer continuously ingests one camera's HLS stream into the archive.
type Writer struct {
	cfg     Config
	client  *http.Client
	limiter *rate.Limiter
	tracker *recovery.Tracker
	store   *index.Store
	logger  *slog.Logger

	mu            sync.RWMutex
	state         WriterState
	startTime     time.Time
	segmentsCount int
	bytesWritten  int64
	lastError     string
	lastErrorTime time.Time

	cacheMu         sync.Mutex
	initSeg         map[string][]byte // init segment URL -> bytes
	lastURLs        map[string]bool   // segment URLs seen on the previous poll
	recoveryPending bool              // set by attemptRecovery, cleared on the next successful write

	onSegment func(index.Segment)
}

// OnSegmentWritten registers a callback invoked after every successful
// segment write and index enqueue. Must be called before Start.
func (w *Writer) OnSegmentWritten(fn func(index.Segment)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onSegment = fn
}

// New creates a Segment Writer. Call Start to begin polling.
func New(cfg Config) *Writer {
	poll := time.Duration(cfg.SegmentDurationMs) * time.Millisecond / 3
	if poll < minPollInterval {
		poll = minPollInterval
	}

	return &Writer{
		cfg:      cfg,
		client:   &http.Client{Timeout: httpClientTimeout},
		limiter:  rate.NewLimiter(rate.Every(poll), 1),
		tracker:  cfg.Tracker,
		store:    cfg.Store,
		logger:   slog.Default().With("component", "ingest", "camera", cfg.CameraID),
		initSeg:  make(map[string][]byte),
		lastURLs: make(map[string]bool),
	}
}

// Start begins the poll loop in a background goroutine. It returns
// immediately; cancel ctx to end ingestion.
func (w *Writer) Start(ctx context.Context) {
	w.mu.Lock()
	if w.state == WriterRunning || w.state == WriterStarting {
		w.mu.Unlock()
		return
	}
	w.state = WriterStarting
	w.startTime = time.Now()
	w.mu.Unlock()

	go w.run(ctx)
}

// Status returns a snapshot of the writer's current state.
func (w *Writer) Status() WriterStatus {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return WriterStatus{
		CameraID:      w.cfg.CameraID,
		State:         w.state,
		SegmentsCount: w.segmentsCount,
		BytesWritten:  w.bytesWritten,
		LastError:     w.lastError,
		LastErrorTime: w.lastErrorTime,
		StartTime:     w.startTime,
	}
}

func (w *Writer) run(ctx context.Context) {
	w.mu.Lock()
	w.state = WriterRunning
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		w.state = WriterIdle
		w.mu.Unlock()
	}()

	for {
		if ctx.Err() != nil {
			return
		}
		if err := w.limiter.Wait(ctx); err != nil {
			return
		}

		if err := w.pollOnce(ctx); err != nil {
			w.handlePollError(ctx, err)
			continue
		}
		w.clearError()
	}
}

func (w *Writer) handlePollError(ctx context.Context, err error) {
	errType, backoff := classifyError(err)
	w.setError(err)

	shouldRecover := w.tracker.RecordError(w.cfg.CameraID, errType, err.Error())
	if shouldRecover {
		w.attemptRecovery(ctx)
	}

	select {
	case <-time.After(backoff):
	case <-ctx.Done():
	}
}

// attemptRecovery evicts the cached init segment so the next poll re-fetches
// it from scratch, then pauses briefly before resuming. The tracker is only
// told the recovery worked once the next segment write actually succeeds.
func (w *Writer) attemptRecovery(ctx context.Context) {
	w.logger.Warn("attempting recovery", "camera_id", w.cfg.CameraID)
	w.cacheMu.Lock()
	w.initSeg = make(map[string][]byte)
	w.recoveryPending = true
	w.cacheMu.Unlock()

	select {
	case <-time.After(recoverySleep):
	case <-ctx.Done():
	}
}

func (w *Writer) pollOnce(ctx context.Context) error {
	playlistURL := w.playlistURL()
	base, err := url.Parse(playlistURL)
	if err != nil {
		return fmt.Errorf("parsing playlist URL: %w", err)
	}

	pl, err := w.fetchPlaylist(ctx, base)
	if err != nil {
		return fmt.Errorf("fetching playlist: %w", err)
	}

	if pl.IsMaster {
		if len(pl.Variants) == 0 {
			return fmt.Errorf("master playlist for %s has no variant streams", w.cfg.CameraID)
		}
		variantURL, err := url.Parse(pl.Variants[0])
		if err != nil {
			return fmt.Errorf("parsing variant playlist URL: %w", err)
		}
		pl, err = w.fetchPlaylist(ctx, variantURL)
		if err != nil {
			return fmt.Errorf("fetching variant playlist: %w", err)
		}
	}

	var initBytes []byte
	if pl.InitURL != "" {
		initBytes, err = w.initSegment(ctx, pl.InitURL)
		if err != nil {
			return fmt.Errorf("fetching init segment: %w", err)
		}
	}

	current := make(map[string]bool, len(pl.Segments))
	for _, segURL := range pl.Segments {
		current[segURL] = true
	}

	w.cacheMu.Lock()
	previous := w.lastURLs
	w.cacheMu.Unlock()

	for _, segURL := range pl.Segments {
		if previous[segURL] {
			continue
		}
		if !isRecordableSegment(segURL) {
			continue
		}
		if err := w.downloadAndProcessSegment(ctx, segURL, initBytes); err != nil {
			return fmt.Errorf("processing segment %s: %w", segURL, err)
		}
	}

	w.cacheMu.Lock()
	w.lastURLs = current
	w.cacheMu.Unlock()

	return nil
}

func (w *Writer) initSegment(ctx context.Context, initURL string) ([]byte, error) {
	w.cacheMu.Lock()
	cached, ok := w.initSeg[initURL]
	w.cacheMu.Unlock()
	if ok {
		return cached, nil
	}

	data, err := w.fetchBytes(ctx, initURL)
	if err != nil {
		return nil, err
	}

	w.cacheMu.Lock()
	w.initSeg[initURL] = data
	w.cacheMu.Unlock()
	return data, nil
}

func (w *Writer) downloadAndProcessSegment(ctx context.Context, segURL string, initBytes []byte) error {
	frag, err := w.fetchBytes(ctx, segURL)
	if err != nil {
		return err
	}

	combined := make([]byte, 0, len(initBytes)+len(frag))
	combined = append(combined, initBytes...)
	combined = append(combined, frag...)

	now := time.Now()
	dateDir := now.Format("2006-01-02")
	timePart := now.Format("15-04-05") + fmt.Sprintf("-%03d", now.Nanosecond()/1_000_000)
	filename := fmt.Sprintf("%s_%s.mp4", timePart, gatewayToken(segURL))

	dir := filepath.Join(w.cfg.StorageRoot, w.cfg.CameraID, dateDir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return &os.PathError{Op: "mkdir", Path: dir, Err: err}
	}

	fullPath := filepath.Join(dir, filename)
	tmpPath := fullPath + ".tmp"
	if err := os.WriteFile(tmpPath, combined, 0644); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, fullPath); err != nil {
		return err
	}

	seg := index.Segment{
		CameraID:    w.cfg.CameraID,
		CameraName:  w.cfg.CameraName,
		FilePath:    fullPath,
		StartTimeMs: now.UnixMilli(),
		DurationMs:  int64(w.cfg.SegmentDurationMs),
		FileSize:    int64(len(combined)),
	}
	w.store.InsertSegment(seg)

	w.cacheMu.Lock()
	// Remember the URL right away so a failure later in the same tick can't
	// cause this segment to be downloaded and written a second time.
	w.lastURLs[segURL] = true
	recovered := w.recoveryPending
	w.recoveryPending = false
	w.cacheMu.Unlock()
	if recovered {
		w.tracker.MarkRecovered(w.cfg.CameraID)
	}

	w.mu.Lock()
	w.segmentsCount++
	w.bytesWritten += seg.FileSize
	onSegment := w.onSegment
	w.mu.Unlock()

	if onSegment != nil {
		onSegment(seg)
	}

	w.logger.Debug("segment ingested", "path", fullPath, "size", seg.FileSize)
	return nil
}

func (w *Writer) fetchPlaylist(ctx context.Context, u *url.URL) (*Playlist, error) {
	body, err := w.fetchBytes(ctx, u.String())
	if err != nil {
		return nil, err
	}
	return parsePlaylist(string(body), u)
}

func (w *Writer) fetchBytes(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	if w.cfg.Username != "" {
		req.SetBasicAuth(w.cfg.Username, w.cfg.Password)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d fetching %s", resp.StatusCode, sanitizeURLForLog(rawURL))
	}

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, resp.Body); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (w *Writer) playlistURL() string {
	return fmt.Sprintf("http://%s/%s/index.m3u8", w.cfg.GatewayHost, w.cfg.CameraID)
}

func (w *Writer) setError(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastError = err.Error()
	w.lastErrorTime = time.Now()
}

func (w *Writer) clearError() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastError = ""
}

// sanitizeURLForLog strips embedded credentials before a URL is logged.
func sanitizeURLForLog(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	if u.User != nil {
		u.User = url.UserPassword("***", "***")
	}
	return u.String()
}

// classifyError maps an ingest error to the taxonomy the Recovery Tracker
// and recovery_log schema use, along with the backoff to apply before the
// next poll attempt.
func classifyError(err error) (index.ErrorType, time.Duration) {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return index.ErrorTimeout, 2 * time.Second
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return index.ErrorTimeout, 2 * time.Second
	}

	var pathErr *os.PathError
	if errors.As(err, &pathErr) || errors.Is(err, os.ErrPermission) {
		if strings.Contains(err.Error(), "lock") {
			return index.ErrorFileLock, 1 * time.Second
		}
		return index.ErrorWriteFailure, 1 * time.Second
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return index.ErrorStreamDisconnect, 3 * time.Second
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || strings.Contains(err.Error(), "connection refused") {
		return index.ErrorStreamDisconnect, 3 * time.Second
	}

	return index.ErrorUnknown, 1 * time.Second
}
