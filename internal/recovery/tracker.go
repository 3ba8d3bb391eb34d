// Package recovery implements the sliding-window error tracker that decides
// when a camera's Segment Writer should be recycled.
package recovery

import (
	"log/slog"
	"sync"
	"time"

	"github.com/nvrcore/nvrcore/internal/index"
)

const (
	errorThreshold     = 5
	errorWindow        = 60 * time.Second
	recoveryCooldown   = 30 * time.Second
	defaultHistorySize = 1000
)

// eventLog is the subset of *index.Store the tracker needs to persist
// recovery events. Kept as an interface so tests can run without a database.
type eventLog interface {
	InsertRecoveryEvent(index.RecoveryEvent)
}

type cameraState struct {
	errorCount       int
	recoveryCount    int
	lastErrorTime    time.Time
	lastRecoveryTime time.Time
}

// Tracker records per-camera ingest errors and decides when enough errors
// have accumulated in a short enough window to warrant auto-recovery.
//
// RecordError intentionally measures the window gap against the error time
// recorded by the *previous* call, not the one being recorded now.
// Computing it against the just-written current timestamp would make the
// window check unsatisfiable.
type Tracker struct {
	mu      sync.Mutex
	logger  *slog.Logger
	store   eventLog
	state   map[string]*cameraState
	history *ring

	// onTrigger, if set, is invoked whenever RecordError decides recovery
	// should fire. It lets a caller (the supervisor, wiring the event bus)
	// observe triggers without this package depending on the events package.
	onTrigger func(cameraID string, errType index.ErrorType)
}

// OnTrigger registers a callback invoked whenever auto-recovery is
// triggered for a camera. It replaces any previously registered callback.
func (t *Tracker) OnTrigger(fn func(cameraID string, errType index.ErrorType)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onTrigger = fn
}

// New creates a Tracker. store may be nil if recovery events don't need to
// be persisted (e.g. in tests).
func New(store eventLog) *Tracker {
	return &Tracker{
		logger:  slog.Default().With("component", "recovery"),
		store:   store,
		state:   make(map[string]*cameraState),
		history: newRing(defaultHistorySize),
	}
}

// RecordError records one ingest error for a camera and reports whether
// auto-recovery should now be triggered.
func (t *Tracker) RecordError(cameraID string, errType index.ErrorType, message string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	st, ok := t.state[cameraID]
	if !ok {
		st = &cameraState{}
		t.state[cameraID] = st
	}

	hadPriorError := !st.lastErrorTime.IsZero()
	withinWindow := hadPriorError && now.Sub(st.lastErrorTime) <= errorWindow
	if withinWindow {
		st.errorCount++
	} else {
		st.errorCount = 1
	}
	st.lastErrorTime = now

	ev := index.RecoveryEvent{
		CameraID:  cameraID,
		ErrorType: errType,
		Message:   message,
		ErrorTime: now,
	}
	t.history.push(ev)

	shouldRecover := false
	if st.errorCount >= errorThreshold {
		inCooldown := !st.lastRecoveryTime.IsZero() && now.Sub(st.lastRecoveryTime) < recoveryCooldown
		if !inCooldown {
			shouldRecover = true
			st.recoveryCount++
			st.lastRecoveryTime = now
		}
	}

	if shouldRecover {
		t.logger.Warn("triggering auto-recovery", "camera_id", cameraID, "error_type", errType, "message", message)
	} else {
		t.logger.Info("error recorded", "camera_id", cameraID, "error_type", errType, "count", st.errorCount, "threshold", errorThreshold)
	}

	if t.store != nil {
		t.store.InsertRecoveryEvent(ev)
	}

	if shouldRecover && t.onTrigger != nil {
		t.onTrigger(cameraID, errType)
	}

	return shouldRecover
}

// MarkRecovered marks the most recent unrecovered error for a camera as
// recovered and resets its error count.
func (t *Tracker) MarkRecovered(cameraID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	t.history.markLastUnrecovered(cameraID, now)

	if st, ok := t.state[cameraID]; ok {
		st.errorCount = 0
	}

	t.logger.Info("recovery successful, error count reset", "camera_id", cameraID)
}

// CameraStatus is a point-in-time snapshot of a camera's recovery health.
type CameraStatus struct {
	CameraID      string
	ErrorCount    int
	RecoveryCount int
	LastErrorTime time.Time
	IsHealthy     bool
}

// Status returns the current snapshot for one camera.
func (t *Tracker) Status(cameraID string) CameraStatus {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.state[cameraID]
	if !ok {
		return CameraStatus{CameraID: cameraID, IsHealthy: true}
	}
	return CameraStatus{
		CameraID:      cameraID,
		ErrorCount:    st.errorCount,
		RecoveryCount: st.recoveryCount,
		LastErrorTime: st.lastErrorTime,
		IsHealthy:     st.errorCount == 0,
	}
}

// AllStatus returns a snapshot for every camera seen so far.
func (t *Tracker) AllStatus() map[string]CameraStatus {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[string]CameraStatus, len(t.state))
	for id, st := range t.state {
		out[id] = CameraStatus{
			CameraID:      id,
			ErrorCount:    st.errorCount,
			RecoveryCount: st.recoveryCount,
			LastErrorTime: st.lastErrorTime,
			IsHealthy:     st.errorCount == 0,
		}
	}
	return out
}

// History returns up to limit recovery events, most recent first, optionally
// filtered to one camera.
func (t *Tracker) History(cameraID string, limit int) []index.RecoveryEvent {
	t.mu.Lock()
	defer t.mu.Unlock()

	events := t.history.items()
	var filtered []index.RecoveryEvent
	for i := len(events) - 1; i >= 0; i-- {
		if cameraID != "" && events[i].CameraID != cameraID {
			continue
		}
		filtered = append(filtered, events[i])
		if limit > 0 && len(filtered) >= limit {
			break
		}
	}
	return filtered
}
