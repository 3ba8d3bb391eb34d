// Package events provides pub/sub notifications over an embedded NATS
// server, for consumers (a UI, an alerting rule, another plugin) that want
// to react to reconciliation findings, recovery triggers and cleanup runs
// without polling the Index Store.
package events

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

// Subjects published by this module's components.
const (
	SubjectSegmentIngested   = "nvrcore.segment.ingested"
	SubjectRecoveryTriggered = "nvrcore.recovery.triggered"
	SubjectCleanupCompleted  = "nvrcore.cleanup.completed"
	SubjectReconcileFinding  = "nvrcore.reconcile.finding"
	SubjectCameraWriterError = "nvrcore.writer.error"
)

// Bus wraps an embedded NATS server for in-process and same-host pub/sub.
type Bus struct {
	server *server.Server
	conn   *nats.Conn
	logger *slog.Logger

	subsMu sync.RWMutex
	subs   map[string][]*nats.Subscription
}

// Config configures the embedded NATS server. Port 0 lets the OS assign an
// ephemeral port, which is the default for single-process deployments that
// have no need for a fixed, discoverable address.
type Config struct {
	Host            string
	Port            int
	EnableJetStream bool
	StoreDir        string
}

// New starts an embedded NATS server and connects a client to it.
func New(cfg Config, logger *slog.Logger) (*Bus, error) {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == 0 {
		cfg.Port = server.RANDOM_PORT
	}

	opts := &server.Options{
		Host:   cfg.Host,
		Port:   cfg.Port,
		NoSigs: true,
		NoLog:  true,
	}
	if cfg.EnableJetStream {
		opts.JetStream = true
		if cfg.StoreDir != "" {
			opts.StoreDir = cfg.StoreDir
		}
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create embedded NATS server: %w", err)
	}
	go ns.Start()

	if !ns.ReadyForConnections(2 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("NATS server not ready after 2 seconds")
	}

	nc, err := nats.Connect(ns.ClientURL())
	if err != nil {
		ns.Shutdown()
		return nil, fmt.Errorf("failed to connect to embedded NATS: %w", err)
	}

	b := &Bus{
		server: ns,
		conn:   nc,
		logger: logger.With("component", "events"),
		subs:   make(map[string][]*nats.Subscription),
	}
	b.logger.Info("event bus started", "url", ns.ClientURL(), "jetstream", cfg.EnableJetStream)
	return b, nil
}

// ClientURL returns the NATS client URL other in-process components (or a
// local debugging client) can connect to.
func (b *Bus) ClientURL() string { return b.server.ClientURL() }

// Publish marshals data as JSON and publishes it to subject.
func (b *Bus) Publish(subject string, data interface{}) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	return b.conn.Publish(subject, payload)
}

// Subscribe registers handler for every message published to subject.
func (b *Bus) Subscribe(subject string, handler func(*nats.Msg)) (*nats.Subscription, error) {
	sub, err := b.conn.Subscribe(subject, handler)
	if err != nil {
		return nil, err
	}
	b.subsMu.Lock()
	b.subs[subject] = append(b.subs[subject], sub)
	b.subsMu.Unlock()
	return sub, nil
}

// Unsubscribe cancels every subscription registered for subject.
func (b *Bus) Unsubscribe(subject string) {
	b.subsMu.Lock()
	defer b.subsMu.Unlock()
	for _, sub := range b.subs[subject] {
		_ = sub.Unsubscribe()
	}
	delete(b.subs, subject)
}

// Stop drains the client connection and shuts down the embedded server.
func (b *Bus) Stop() {
	_ = b.conn.Drain()
	b.server.Shutdown()
	b.logger.Info("event bus stopped")
}

// SegmentIngestedEvent is published whenever the Segment Writer writes a
// segment to disk and indexes it. Segments indexed by the External Index
// Scanner are not announced; the Orphan Reconciler's orphan pass reports
// its inserts as ReconcileFindingEvent instead.
type SegmentIngestedEvent struct {
	EventID     string    `json:"event_id"`
	CameraID    string    `json:"camera_id"`
	FilePath    string    `json:"file_path"`
	StartTimeMs int64     `json:"start_time_ms"`
	DurationMs  int64     `json:"duration_ms"`
	Timestamp   time.Time `json:"timestamp"`
}

// NewSegmentIngestedEvent stamps a fresh correlation ID onto the event.
func NewSegmentIngestedEvent(cameraID, filePath string, startTimeMs, durationMs int64, ts time.Time) SegmentIngestedEvent {
	return SegmentIngestedEvent{
		EventID:     uuid.NewString(),
		CameraID:    cameraID,
		FilePath:    filePath,
		StartTimeMs: startTimeMs,
		DurationMs:  durationMs,
		Timestamp:   ts,
	}
}

// RecoveryTriggeredEvent is published when the Recovery Tracker crosses its
// error threshold for a camera and initiates recovery.
type RecoveryTriggeredEvent struct {
	EventID   string    `json:"event_id"`
	CameraID  string    `json:"camera_id"`
	ErrorType string    `json:"error_type"`
	Timestamp time.Time `json:"timestamp"`
}

// NewRecoveryTriggeredEvent stamps a fresh correlation ID onto the event.
func NewRecoveryTriggeredEvent(cameraID, errorType string, ts time.Time) RecoveryTriggeredEvent {
	return RecoveryTriggeredEvent{EventID: uuid.NewString(), CameraID: cameraID, ErrorType: errorType, Timestamp: ts}
}

// CleanupCompletedEvent is published after a retention sweep (scheduled or
// emergency) finishes.
type CleanupCompletedEvent struct {
	EventID      string    `json:"event_id"`
	CameraID     string    `json:"camera_id"`
	Type         string    `json:"type"`
	FilesDeleted int       `json:"files_deleted"`
	BytesFreed   int64     `json:"bytes_freed"`
	Timestamp    time.Time `json:"timestamp"`
}

// NewCleanupCompletedEvent stamps a fresh correlation ID onto the event.
func NewCleanupCompletedEvent(cameraID, cleanupType string, filesDeleted int, bytesFreed int64, ts time.Time) CleanupCompletedEvent {
	return CleanupCompletedEvent{
		EventID:      uuid.NewString(),
		CameraID:     cameraID,
		Type:         cleanupType,
		FilesDeleted: filesDeleted,
		BytesFreed:   bytesFreed,
		Timestamp:    ts,
	}
}

// ReconcileFindingEvent is published for every finding from an Orphan
// Reconciler pass.
type ReconcileFindingEvent struct {
	EventID   string    `json:"event_id"`
	Type      string    `json:"type"`
	Path      string    `json:"path"`
	CameraID  string    `json:"camera_id"`
	Timestamp time.Time `json:"timestamp"`
}

// NewReconcileFindingEvent stamps a fresh correlation ID onto the event.
func NewReconcileFindingEvent(findingType, path, cameraID string, ts time.Time) ReconcileFindingEvent {
	return ReconcileFindingEvent{EventID: uuid.NewString(), Type: findingType, Path: path, CameraID: cameraID, Timestamp: ts}
}
