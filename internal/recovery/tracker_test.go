package recovery

import (
	"testing"
	"time"

	"github.com/nvrcore/nvrcore/internal/index"
)

type fakeEventLog struct {
	events []index.RecoveryEvent
}

func (f *fakeEventLog) InsertRecoveryEvent(e index.RecoveryEvent) {
	f.events = append(f.events, e)
}

func TestTracker_RecordError_BelowThreshold(t *testing.T) {
	tr := New(nil)

	for i := 0; i < errorThreshold-1; i++ {
		if got := tr.RecordError("cam-1", index.ErrorTimeout, "timed out"); got {
			t.Fatalf("iteration %d: expected no recovery below threshold, got true", i)
		}
	}

	status := tr.Status("cam-1")
	if status.ErrorCount != errorThreshold-1 {
		t.Errorf("expected error count %d, got %d", errorThreshold-1, status.ErrorCount)
	}
	if status.IsHealthy {
		t.Error("expected camera to be unhealthy once errors have been recorded")
	}
}

func TestTracker_RecordError_TriggersAtThreshold(t *testing.T) {
	tr := New(nil)

	var lastResult bool
	for i := 0; i < errorThreshold; i++ {
		lastResult = tr.RecordError("cam-1", index.ErrorWriteFailure, "disk full")
	}
	if !lastResult {
		t.Fatal("expected recovery to trigger once the error threshold is reached")
	}

	status := tr.Status("cam-1")
	if status.RecoveryCount != 1 {
		t.Errorf("expected recovery count 1, got %d", status.RecoveryCount)
	}
}

func TestTracker_RecordError_CooldownSuppressesRepeatRecovery(t *testing.T) {
	tr := New(nil)

	for i := 0; i < errorThreshold; i++ {
		tr.RecordError("cam-1", index.ErrorStreamDisconnect, "disconnected")
	}
	// Error count is already >= threshold; another error immediately after
	// should not retrigger recovery because of the cooldown.
	if got := tr.RecordError("cam-1", index.ErrorStreamDisconnect, "disconnected again"); got {
		t.Error("expected recovery cooldown to suppress an immediate second trigger")
	}
}

func TestTracker_MarkRecovered_ResetsErrorCount(t *testing.T) {
	tr := New(nil)

	for i := 0; i < errorThreshold; i++ {
		tr.RecordError("cam-1", index.ErrorUnknown, "boom")
	}
	tr.MarkRecovered("cam-1")

	status := tr.Status("cam-1")
	if status.ErrorCount != 0 {
		t.Errorf("expected error count reset to 0, got %d", status.ErrorCount)
	}
	if !status.IsHealthy {
		t.Error("expected camera to be healthy after recovery")
	}
}

func TestTracker_PersistsEventsToStore(t *testing.T) {
	log := &fakeEventLog{}
	tr := New(log)

	tr.RecordError("cam-1", index.ErrorTimeout, "slow write")
	if len(log.events) != 1 {
		t.Fatalf("expected 1 persisted event, got %d", len(log.events))
	}
	if log.events[0].CameraID != "cam-1" {
		t.Errorf("expected camera_id cam-1, got %q", log.events[0].CameraID)
	}
}

func TestTracker_History_FiltersByCameraAndLimit(t *testing.T) {
	tr := New(nil)

	tr.RecordError("cam-1", index.ErrorTimeout, "a")
	tr.RecordError("cam-2", index.ErrorTimeout, "b")
	tr.RecordError("cam-1", index.ErrorTimeout, "c")

	history := tr.History("cam-1", 10)
	if len(history) != 2 {
		t.Fatalf("expected 2 events for cam-1, got %d", len(history))
	}
	// Most recent first.
	if history[0].Message != "c" {
		t.Errorf("expected most recent event first, got %q", history[0].Message)
	}

	limited := tr.History("", 1)
	if len(limited) != 1 {
		t.Fatalf("expected limit to cap results to 1, got %d", len(limited))
	}
}

func TestRing_OverwritesOldestWhenFull(t *testing.T) {
	r := newRing(2)
	r.push(index.RecoveryEvent{CameraID: "a"})
	r.push(index.RecoveryEvent{CameraID: "b"})
	r.push(index.RecoveryEvent{CameraID: "c"})

	items := r.items()
	if len(items) != 2 {
		t.Fatalf("expected ring capped at 2 items, got %d", len(items))
	}
	if items[0].CameraID != "b" || items[1].CameraID != "c" {
		t.Errorf("expected oldest entry evicted, got %+v", items)
	}
}

func TestRing_MarkLastUnrecoveredMarksMostRecentMatch(t *testing.T) {
	r := newRing(10)
	r.push(index.RecoveryEvent{CameraID: "cam-1", Message: "first"})
	r.push(index.RecoveryEvent{CameraID: "cam-1", Message: "second"})

	now := time.Now()
	if !r.markLastUnrecovered("cam-1", now) {
		t.Fatal("expected to find an unrecovered event")
	}

	items := r.items()
	if !items[1].Recovered || items[0].Recovered {
		t.Errorf("expected only the most recent event marked recovered, got %+v", items)
	}
}
