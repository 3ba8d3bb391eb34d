package ingest

import "time"

// WriterState is the lifecycle state of a per-camera Segment Writer.
type WriterState int

const (
	WriterIdle WriterState = iota
	WriterStarting
	WriterRunning
	WriterStopping
	WriterError
)

func (s WriterState) String() string {
	switch s {
	case WriterIdle:
		return "idle"
	case WriterStarting:
		return "starting"
	case WriterRunning:
		return "running"
	case WriterStopping:
		return "stopping"
	case WriterError:
		return "error"
	default:
		return "unknown"
	}
}

// WriterStatus is a point-in-time snapshot of a Segment Writer.
type WriterStatus struct {
	CameraID      string
	State         WriterState
	SegmentsCount int
	BytesWritten  int64
	LastError     string
	LastErrorTime time.Time
	StartTime     time.Time
}
