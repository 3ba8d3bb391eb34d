// Package playback implements the Playback Resolver: given a camera and a
// half-open time range, it produces a VOD HLS playlist over the already
// recorded segments, and resolves playlist entries back to safe on-disk
// paths for serving.
package playback

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/nvrcore/nvrcore/internal/index"
)

// ResolverError is a sentinel error identifying a class of playback request
// failure.
type ResolverError string

func (e ResolverError) Error() string { return string(e) }

const (
	// ErrRangeTooLarge is returned when the requested [t0, t1) window spans
	// more than maxRangeDuration.
	ErrRangeTooLarge = ResolverError("requested range exceeds the 24 hour maximum")
	// ErrInvalidRange is returned when t1 does not come after t0.
	ErrInvalidRange = ResolverError("end time must be after start time")
	// ErrPathEscape is returned when a resolved file path would escape the
	// storage root.
	ErrPathEscape = ResolverError("resolved path escapes the storage root")
)

const (
	maxRangeDuration = 24 * time.Hour
	targetDuration   = 4 // seconds, per #EXT-X-TARGETDURATION
)

// store is the subset of *index.Store the resolver depends on.
type store interface {
	SegmentsInRange(ctx context.Context, cameraID string, t0, t1 time.Time) ([]index.Segment, error)
}

// Resolver turns an indexed camera/time range into a playable VOD playlist.
type Resolver struct {
	store       store
	storageRoot string
}

// New creates a Resolver rooted at storageRoot for path-safety checks.
func New(s store, storageRoot string) *Resolver {
	return &Resolver{store: s, storageRoot: storageRoot}
}

// PlaybackInfo is the consumer-facing summary of a time-range playback
// request: how many segments, how long the playback runs, how many bytes
// it spans, the ordered segments themselves, and a URL for the
// synthesized playlist.
type PlaybackInfo struct {
	SegmentCount    int
	TotalDurationMs int64
	TotalSizeBytes  int64
	Segments        []index.Segment
	PlaylistURL     string
}

func validateRange(t0, t1 time.Time) error {
	if !t1.After(t0) {
		return ErrInvalidRange
	}
	if t1.Sub(t0) > maxRangeDuration {
		return ErrRangeTooLarge
	}
	return nil
}

// Segments returns the ordered, valid segment list for cameraID across
// [t0, t1). A range entirely in the future is a legal query: it yields an
// empty result and a nil error; only an invalid or oversized range is an
// error.
func (r *Resolver) Segments(ctx context.Context, cameraID string, t0, t1 time.Time) ([]index.Segment, error) {
	if err := validateRange(t0, t1); err != nil {
		return nil, err
	}
	return r.store.SegmentsInRange(ctx, cameraID, t0, t1)
}

// GetPlaybackInfo resolves [t0, t1) to the full consumer-facing summary:
// segment count, gap-corrected total duration, total bytes, the ordered
// segment list, and the playlist's URL. An empty result set is legal and
// returned without error, with every field zeroed except PlaylistURL.
func (r *Resolver) GetPlaybackInfo(ctx context.Context, cameraID string, t0, t1 time.Time) (PlaybackInfo, error) {
	segments, err := r.Segments(ctx, cameraID, t0, t1)
	if err != nil {
		return PlaybackInfo{}, err
	}

	info := PlaybackInfo{
		SegmentCount: len(segments),
		Segments:     segments,
		PlaylistURL:  playlistURL(cameraID, t0, t1),
	}
	if len(segments) == 0 {
		return info, nil
	}

	first, last := segments[0], segments[len(segments)-1]
	info.TotalDurationMs = last.StartTimeMs + last.DurationMs - first.StartTimeMs
	for _, seg := range segments {
		info.TotalSizeBytes += seg.FileSize
	}
	return info, nil
}

func playlistURL(cameraID string, t0, t1 time.Time) string {
	return fmt.Sprintf("playlist/%s?t0=%d&t1=%d", cameraID, t0.UnixMilli(), t1.UnixMilli())
}

// GeneratePlaylist returns a version-3 VOD HLS playlist covering every
// segment in [t0, t1) for cameraID. Segment durations are derived from the
// gap to the next segment's start time rather than the segment's own
// nominal duration, except for the final segment, which has no "next" to
// measure against and falls back to its nominal duration. A range with no
// segments (e.g. entirely in the future) is legal and yields a playlist
// with no segment entries, not an error.
func (r *Resolver) GeneratePlaylist(ctx context.Context, cameraID string, t0, t1 time.Time) (string, error) {
	segments, err := r.Segments(ctx, cameraID, t0, t1)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:3\n")
	fmt.Fprintf(&b, "#EXT-X-TARGETDURATION:%d\n", targetDuration)
	b.WriteString("#EXT-X-MEDIA-SEQUENCE:0\n")
	b.WriteString("#EXT-X-PLAYLIST-TYPE:VOD\n")

	for i, seg := range segments {
		var durationSeconds float64
		if i < len(segments)-1 {
			gapMs := segments[i+1].StartTimeMs - seg.StartTimeMs
			durationSeconds = float64(gapMs) / 1000.0
		} else {
			durationSeconds = float64(seg.DurationMs) / 1000.0
		}
		fmt.Fprintf(&b, "#EXTINF:%.3f,\n", durationSeconds)
		b.WriteString(segmentURI(r.storageRoot, cameraID, seg.FilePath))
		b.WriteString("\n")
	}

	b.WriteString("#EXT-X-ENDLIST\n")
	return b.String(), nil
}

// segmentURI renders seg's playback-resolver URL:
// segment/<camera_id>/<relative-path-from-camera-root>, forward-slash
// separated regardless of host OS, so it round-trips through
// ResolveSegmentPath once an external HTTP layer splits the relative path
// back into its date directory and filename.
func segmentURI(storageRoot, cameraID, filePath string) string {
	return fmt.Sprintf("segment/%s/%s", cameraID, cameraRelativePath(storageRoot, cameraID, filePath))
}

func cameraRelativePath(storageRoot, cameraID, filePath string) string {
	rel, err := filepath.Rel(filepath.Join(storageRoot, cameraID), filePath)
	if err != nil {
		return filepath.ToSlash(filepath.Base(filePath))
	}
	return filepath.ToSlash(rel)
}

// ResolveSegmentPath joins a playlist entry's relative name back onto the
// storage root and refuses to serve anything that would resolve outside it.
func (r *Resolver) ResolveSegmentPath(cameraID, dateDir, filename string) (string, error) {
	joined := filepath.Join(r.storageRoot, cameraID, dateDir, filename)
	cleanRoot := filepath.Clean(r.storageRoot)

	rel, err := filepath.Rel(cleanRoot, joined)
	if err != nil {
		return "", ErrPathEscape
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", ErrPathEscape
	}

	return joined, nil
}
