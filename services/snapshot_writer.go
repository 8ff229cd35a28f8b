package services

import (
	"context"
	"sort"
	"sync"
	"time"

	"ppgtriage/config"
	"ppgtriage/models"

	"go.uber.org/zap"
)

// SnapshotSink persists or republishes patient snapshots.
type SnapshotSink interface {
	Name() string
	WriteSnapshots(ctx context.Context, snapshots []*models.PatientSnapshot) error
}

// SnapshotWriter keeps the latest snapshot per patient and flushes them to
// every sink on a timer. Submit never blocks the analysis loop.
type SnapshotWriter struct {
	sinks         []SnapshotSink
	logger        *zap.Logger
	flushInterval time.Duration
	maxRetries    int
	retryDelay    time.Duration

	mu      sync.Mutex
	pending map[string]*models.PatientSnapshot

	shutdownChan chan bool
}

// NewSnapshotWriter creates a writer flushing to sinks every
// cfg.SnapshotFlushInterval.
func NewSnapshotWriter(cfg *config.Config, logger *zap.Logger, sinks ...SnapshotSink) *SnapshotWriter {
	return &SnapshotWriter{
		sinks:         sinks,
		logger:        logger,
		flushInterval: cfg.SnapshotFlushInterval,
		maxRetries:    3,
		retryDelay:    time.Second,
		pending:       make(map[string]*models.PatientSnapshot),
		shutdownChan:  make(chan bool, 1),
	}
}

// Submit queues snapshot, replacing any unflushed one for the same patient.
func (w *SnapshotWriter) Submit(snapshot *models.PatientSnapshot) {
	if snapshot == nil {
		return
	}
	w.mu.Lock()
	w.pending[snapshot.PatientID] = snapshot
	w.mu.Unlock()
}

// Start flushes on every interval until ctx is cancelled, then flushes once
// more and signals WaitForShutdown.
func (w *SnapshotWriter) Start(ctx context.Context) {
	w.logger.Info("Starting snapshot writer",
		zap.Int("sinks", len(w.sinks)),
		zap.Duration("flush_interval", w.flushInterval))

	interval := w.flushInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Snapshot writer received shutdown signal")
			// the run context is gone; give the last flush its own deadline
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			w.Flush(flushCtx)
			cancel()
			w.shutdownChan <- true
			return
		case <-ticker.C:
			w.Flush(ctx)
		}
	}
}

// Flush writes all pending snapshots to every sink.
func (w *SnapshotWriter) Flush(ctx context.Context) {
	w.mu.Lock()
	if len(w.pending) == 0 {
		w.mu.Unlock()
		return
	}
	batch := make([]*models.PatientSnapshot, 0, len(w.pending))
	for _, s := range w.pending {
		batch = append(batch, s)
	}
	w.pending = make(map[string]*models.PatientSnapshot)
	w.mu.Unlock()

	sort.Slice(batch, func(i, j int) bool { return batch[i].PatientID < batch[j].PatientID })

	for _, sink := range w.sinks {
		w.writeWithRetry(ctx, sink, batch)
	}
}

func (w *SnapshotWriter) writeWithRetry(ctx context.Context, sink SnapshotSink, batch []*models.PatientSnapshot) {
	var err error
	for attempt := 1; attempt <= w.maxRetries; attempt++ {
		err = sink.WriteSnapshots(ctx, batch)
		if err == nil {
			w.logger.Debug("Flushed snapshots",
				zap.String("sink", sink.Name()),
				zap.Int("batch_size", len(batch)))
			return
		}

		w.logger.Error("Failed to flush snapshots",
			zap.String("sink", sink.Name()),
			zap.Int("attempt", attempt),
			zap.Int("max_retries", w.maxRetries),
			zap.Int("batch_size", len(batch)),
			zap.Error(err))

		if attempt < w.maxRetries && !sleepContext(ctx, time.Duration(attempt)*w.retryDelay) {
			break
		}
	}

	// not requeued; the next cycle supersedes it
	w.logger.Error("Failed to flush snapshots after all retries, batch dropped",
		zap.String("sink", sink.Name()),
		zap.Int("batch_size", len(batch)),
		zap.Error(err))
}

// WaitForShutdown waits for the final flush after Start returns.
func (w *SnapshotWriter) WaitForShutdown(timeout time.Duration) bool {
	select {
	case <-w.shutdownChan:
		return true
	case <-time.After(timeout):
		return false
	}
}

// PendingCount returns the number of patients waiting to be flushed.
func (w *SnapshotWriter) PendingCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}
