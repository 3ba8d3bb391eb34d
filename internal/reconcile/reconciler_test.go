package reconcile

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/nvrcore/nvrcore/internal/index"
)

type fakeStore struct {
	valid    []string
	all      map[string]bool
	invalid  []string
	inserted []index.Segment
}

func (f *fakeStore) ValidSegmentPaths(ctx context.Context) ([]string, error) { return f.valid, nil }
func (f *fakeStore) AllFilePaths(ctx context.Context) (map[string]bool, error) {
	return f.all, nil
}
func (f *fakeStore) MarkInvalid(path string)         { f.invalid = append(f.invalid, path) }
func (f *fakeStore) InsertSegment(seg index.Segment) { f.inserted = append(f.inserted, seg) }

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("mkdir failed: %v", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("write failed: %v", err)
	}
}

func TestMissingFilePass_FlagsDeletedFiles(t *testing.T) {
	root := t.TempDir()
	present := filepath.Join(root, "cam-1", "2026-01-15", "present.mp4")
	missing := filepath.Join(root, "cam-1", "2026-01-15", "missing.mp4")
	writeFile(t, present, []byte("data"))

	fs := &fakeStore{valid: []string{present, missing}}
	r := New(fs, root)

	events, err := r.MissingFilePass(context.Background())
	if err != nil {
		t.Fatalf("MissingFilePass failed: %v", err)
	}
	if len(events) != 1 || events[0].Path != missing {
		t.Fatalf("expected 1 missing-file event for %q, got %+v", missing, events)
	}
	if len(fs.invalid) != 1 || fs.invalid[0] != missing {
		t.Errorf("expected MarkInvalid called for %q, got %v", missing, fs.invalid)
	}
}

func mp4Header() []byte {
	return []byte{0x00, 0x00, 0x00, 0x18, 'f', 't', 'y', 'p', 0, 0, 0, 0}
}

func TestIntegrityPass_FlagsCorruptedFiles(t *testing.T) {
	root := t.TempDir()
	good := filepath.Join(root, "cam-1", "2026-01-15", "good.mp4")
	bad := filepath.Join(root, "cam-1", "2026-01-15", "bad.mp4")
	writeFile(t, good, mp4Header())
	writeFile(t, bad, []byte("not a real container"))

	fs := &fakeStore{valid: []string{good, bad}}
	r := New(fs, root)

	events, err := r.IntegrityPass(context.Background())
	if err != nil {
		t.Fatalf("IntegrityPass failed: %v", err)
	}
	if len(events) != 1 || events[0].Path != bad {
		t.Fatalf("expected 1 corruption event for %q, got %+v", bad, events)
	}
}

func TestIntegrityPass_AcceptsMPEGTSSync(t *testing.T) {
	root := t.TempDir()
	ts := filepath.Join(root, "cam-1", "2026-01-15", "stream.mp4")
	writeFile(t, ts, append([]byte{0x47}, make([]byte, 16)...))

	fs := &fakeStore{valid: []string{ts}}
	r := New(fs, root)

	events, err := r.IntegrityPass(context.Background())
	if err != nil {
		t.Fatalf("IntegrityPass failed: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected MPEG-TS sync byte to be accepted as valid, got %+v", events)
	}
}

func TestOrphanPass_FindsUnindexedFiles(t *testing.T) {
	root := t.TempDir()
	orphan := filepath.Join(root, "cam-2", "2026-01-15", "orphan.mp4")
	indexed := filepath.Join(root, "cam-2", "2026-01-15", "known.mp4")
	writeFile(t, orphan, mp4Header())
	writeFile(t, indexed, mp4Header())

	fs := &fakeStore{all: map[string]bool{indexed: true}}
	r := New(fs, root)

	events, err := r.OrphanPass(context.Background())
	if err != nil {
		t.Fatalf("OrphanPass failed: %v", err)
	}
	if len(events) != 1 || events[0].Path != orphan {
		t.Fatalf("expected 1 orphan event for %q, got %+v", orphan, events)
	}
	if len(fs.inserted) != 1 {
		t.Fatalf("expected 1 segment inserted, got %d", len(fs.inserted))
	}
	if fs.inserted[0].CameraID != "cam-2" {
		t.Errorf("expected camera_id inferred as cam-2, got %q", fs.inserted[0].CameraID)
	}
	if fs.inserted[0].DurationMs != 3000 {
		t.Errorf("expected nominal duration 3000ms, got %d", fs.inserted[0].DurationMs)
	}
}

func TestOrphanPass_CapsAtBatchSizePerInvocation(t *testing.T) {
	root := t.TempDir()
	for i := 0; i < 5; i++ {
		writeFile(t, filepath.Join(root, "cam-3", "2026-01-15", fmt.Sprintf("orphan-%d.mp4", i)), mp4Header())
	}

	fs := &fakeStore{all: map[string]bool{}}
	r := New(fs, root)
	r.batchSize = 2

	events, err := r.OrphanPass(context.Background())
	if err != nil {
		t.Fatalf("OrphanPass failed: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected exactly 2 orphan events for a batch size of 2, got %d: %+v", len(events), events)
	}
	if len(fs.inserted) != 2 {
		t.Fatalf("expected exactly 2 segments inserted for a batch size of 2, got %d", len(fs.inserted))
	}
}

func TestCameraIDFromPath(t *testing.T) {
	root := "/data/recordings"
	path := "/data/recordings/cam-7/2026-01-15/10-00-00-000_abc.mp4"
	if got := cameraIDFromPath(root, path); got != "cam-7" {
		t.Errorf("expected cam-7, got %q", got)
	}
}

func TestWalkMP4Files_IgnoresNonMP4(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "cam-1", "a.mp4"), []byte("x"))
	writeFile(t, filepath.Join(root, "cam-1", "thumb.jpg"), []byte("x"))

	files, err := walkMP4Files(root)
	if err != nil {
		t.Fatalf("walkMP4Files failed: %v", err)
	}
	if len(files) != 1 {
		t.Fatalf("expected 1 mp4 file, got %d: %v", len(files), files)
	}
}
