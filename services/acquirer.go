package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"ppgtriage/config"
	"ppgtriage/models"

	"go.uber.org/zap"
)

// LinkNotifier receives sustained outage and recovery events.
type LinkNotifier interface {
	NotifyLink(ctx context.Context, event models.LinkEvent) error
}

// Acquirer owns the device of one patient. It keeps a channel open,
// reconnecting with backoff, and appends every sample to the buffer.
type Acquirer struct {
	config    *config.Config
	buffer    *SignalBuffer
	options   ChannelOptions
	logger    *zap.Logger
	notifiers []LinkNotifier
	now       func() time.Time

	mu        sync.RWMutex
	stats     models.AcquisitionStats
	downSince time.Time
	alerted   bool
}

// NewAcquirer creates the acquisition task for cfg.PatientID on
// cfg.SerialEndpoint. opts.Clock must be the clock the buffer uses.
func NewAcquirer(cfg *config.Config, buffer *SignalBuffer, opts ChannelOptions, logger *zap.Logger) *Acquirer {
	if opts.OpenTimeout <= 0 {
		opts.OpenTimeout = cfg.OpenTimeout
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = cfg.ReadTimeout
	}
	if opts.SettleDelay <= 0 {
		opts.SettleDelay = cfg.SettleDelay
	}
	logger = logger.With(zap.String("patient_id", cfg.PatientID))
	if opts.Logger == nil {
		// the channel adds the endpoint field itself
		opts.Logger = logger
	}
	logger = logger.With(zap.String("endpoint", cfg.SerialEndpoint))
	return &Acquirer{
		config:  cfg,
		buffer:  buffer,
		options: opts,
		logger:  logger,
		now:     time.Now,
		stats:   models.AcquisitionStats{Link: models.LinkConnecting},
	}
}

// AddNotifier registers a receiver for link events.
func (a *Acquirer) AddNotifier(n LinkNotifier) {
	a.notifiers = append(a.notifiers, n)
}

// PatientID returns the patient whose device this task reads.
func (a *Acquirer) PatientID() string {
	return a.config.PatientID
}

// Stats returns a copy of the current counters.
func (a *Acquirer) Stats() models.AcquisitionStats {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.stats
}

// Run blocks until ctx is cancelled.
func (a *Acquirer) Run(ctx context.Context) {
	a.logger.Info("Starting acquisition",
		zap.Int("baud", a.config.SerialBaud),
		zap.Duration("open_timeout", a.options.OpenTimeout))

	bo := newBackoff(a.config.BackoffInitial, a.config.BackoffMax)
	a.mu.Lock()
	a.downSince = a.now()
	a.mu.Unlock()

	for {
		if ctx.Err() != nil {
			a.logger.Info("Acquisition stopped")
			return
		}

		ch, err := Open(ctx, a.config.SerialEndpoint, a.config.SerialBaud, a.options)
		if err == nil {
			bo.Reset()
			a.connected(ctx)
			err = a.consume(ctx, ch)
			ch.Close()
			if err == nil {
				a.logger.Info("Acquisition stopped")
				return
			}
			a.mu.Lock()
			a.stats.Reconnects++
			a.mu.Unlock()
		}

		wait := bo.Next()
		a.failed(ctx, err, bo.Attempts(), wait)
		if !sleepContext(ctx, wait) {
			a.logger.Info("Acquisition stopped")
			return
		}
	}
}

// consume drains ch until it fails. It returns nil when ctx is cancelled.
func (a *Acquirer) consume(ctx context.Context, ch *Channel) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		sample, ok, err := ch.ReadSample()
		if err != nil {
			var frameErr *FrameError
			if errors.As(err, &frameErr) {
				a.mu.Lock()
				a.stats.FrameErrors++
				a.mu.Unlock()
				a.logger.Debug("Skipping malformed frame", zap.String("line", frameErr.Line), zap.String("reason", frameErr.Reason))
				continue
			}
			return err
		}
		if ok {
			if err := a.buffer.Append(a.config.PatientID, sample); err != nil {
				a.mu.Lock()
				a.stats.Dropped++
				a.mu.Unlock()
				a.logger.Debug("Dropping sample", zap.Float64("timestamp", sample.Timestamp), zap.Error(err))
				continue
			}
			a.mu.Lock()
			a.stats.Frames++
			a.mu.Unlock()
			continue
		}

		if !sleepContext(ctx, a.config.PollInterval) {
			return nil
		}
	}
}

func (a *Acquirer) connected(ctx context.Context) {
	now := a.now()

	a.mu.Lock()
	wasAlerted := a.alerted
	downtime := now.Sub(a.downSince)
	a.alerted = false
	a.downSince = time.Time{}
	a.stats.Link = models.LinkConnected
	a.stats.LastError = ""
	a.mu.Unlock()

	a.logger.Info("Device connected")

	// Only outages that were reported get a recovery event
	if wasAlerted {
		a.logger.Info("Device recovered from sustained outage", zap.Duration("down_duration", downtime))
		a.notify(ctx, models.LinkEvent{
			PatientID: a.config.PatientID,
			Endpoint:  a.config.SerialEndpoint,
			Status:    models.LinkConnected,
			Since:     now,
			Downtime:  downtime,
		})
	}
}

func (a *Acquirer) failed(ctx context.Context, err error, attempt int, wait time.Duration) {
	now := a.now()

	a.mu.Lock()
	if a.downSince.IsZero() {
		a.downSince = now
	}
	since := a.downSince
	a.stats.LastError = err.Error()
	if a.stats.Link != models.LinkDisconnected {
		a.stats.Link = models.LinkReconnecting
	}
	raise := !a.alerted && now.Sub(since) >= a.config.DisconnectAlertAfter
	if raise {
		a.alerted = true
		a.stats.Link = models.LinkDisconnected
	}
	a.mu.Unlock()

	a.logger.Warn("Device unavailable, retrying",
		zap.Int("attempt", attempt),
		zap.Duration("backoff", wait),
		zap.Error(err))

	if raise {
		a.logger.Error("Device disconnected",
			zap.Time("since", since),
			zap.Duration("down_duration", now.Sub(since)))
		a.notify(ctx, models.LinkEvent{
			PatientID: a.config.PatientID,
			Endpoint:  a.config.SerialEndpoint,
			Status:    models.LinkDisconnected,
			Since:     since,
			Downtime:  now.Sub(since),
			LastError: err.Error(),
		})
	}
}

func (a *Acquirer) notify(ctx context.Context, event models.LinkEvent) {
	for _, n := range a.notifiers {
		if err := n.NotifyLink(ctx, event); err != nil {
			a.logger.Error("Failed to send link alert",
				zap.String("status", string(event.Status)),
				zap.Error(err))
		}
	}
}
