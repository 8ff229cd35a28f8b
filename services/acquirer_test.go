package services

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"ppgtriage/config"
	"ppgtriage/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingLinkNotifier struct {
	mu     sync.Mutex
	events []models.LinkEvent
}

func (r *recordingLinkNotifier) NotifyLink(_ context.Context, event models.LinkEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *recordingLinkNotifier) statuses() []models.LinkStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.LinkStatus, len(r.events))
	for i, e := range r.events {
		out[i] = e.Status
	}
	return out
}

func acquirerConfig(t *testing.T) *config.Config {
	cfg := testConfig(t)
	cfg.PatientID = "bed-4"
	cfg.SerialEndpoint = "tcp://device"
	cfg.PollInterval = time.Millisecond
	cfg.BackoffInitial = time.Millisecond
	cfg.BackoffMax = 5 * time.Millisecond
	cfg.DisconnectAlertAfter = 20 * time.Millisecond
	return cfg
}

// pipeDialer hands out a fresh pipe per dial and sends the device end on
// devices.
func pipeDialer(devices chan<- net.Conn) DialFunc {
	return func(context.Context, string, int) (io.ReadWriteCloser, error) {
		client, server := net.Pipe()
		devices <- server
		return client, nil
	}
}

func runAcquirer(t *testing.T, a *Acquirer) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		a.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("acquirer did not stop")
		}
	})
	return cancel
}

func TestAcquirer_StreamsSamplesIntoBuffer(t *testing.T) {
	cfg := acquirerConfig(t)
	clock := NewMonotonicClock()
	buffer := NewSignalBuffer(cfg.BufferCapacity, clock)
	devices := make(chan net.Conn, 4)

	a := NewAcquirer(cfg, buffer, ChannelOptions{Clock: clock, Dial: pipeDialer(devices)}, zap.NewNop())
	runAcquirer(t, a)

	device := <-devices
	defer device.Close()
	for i := 0; i < 40; i++ {
		write(t, device, "512,36.6\n")
	}
	write(t, device, "garbage\n")

	require.Eventually(t, func() bool {
		return buffer.Len("bed-4") == 40 && a.Stats().FrameErrors == 1
	}, 2*time.Second, 5*time.Millisecond)

	stats := a.Stats()
	assert.Equal(t, models.LinkConnected, stats.Link)
	assert.Equal(t, int64(40), stats.Frames)
	assert.Zero(t, stats.Reconnects)
}

func TestAcquirer_ReconnectsAfterDeviceLoss(t *testing.T) {
	cfg := acquirerConfig(t)
	clock := NewMonotonicClock()
	buffer := NewSignalBuffer(cfg.BufferCapacity, clock)
	devices := make(chan net.Conn, 4)

	a := NewAcquirer(cfg, buffer, ChannelOptions{Clock: clock, Dial: pipeDialer(devices)}, zap.NewNop())
	runAcquirer(t, a)

	first := <-devices
	write(t, first, "500,36.6\n")
	require.NoError(t, first.Close())

	var second net.Conn
	select {
	case second = <-devices:
	case <-time.After(2 * time.Second):
		t.Fatal("acquirer did not reconnect")
	}
	defer second.Close()
	write(t, second, "510,36.6\n")

	require.Eventually(t, func() bool {
		return buffer.Len("bed-4") == 2
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(1), a.Stats().Reconnects)

	samples := buffer.Window("bed-4", time.Hour)
	assert.Less(t, samples[0].Timestamp, samples[1].Timestamp)
}

func TestAcquirer_ReportsSustainedOutageAndRecovery(t *testing.T) {
	cfg := acquirerConfig(t)
	clock := NewMonotonicClock()
	buffer := NewSignalBuffer(cfg.BufferCapacity, clock)
	devices := make(chan net.Conn, 4)
	healthy := pipeDialer(devices)

	var failing atomic.Bool
	failing.Store(true)
	dial := func(ctx context.Context, endpoint string, baud int) (io.ReadWriteCloser, error) {
		if failing.Load() {
			return nil, errors.New("no such device")
		}
		return healthy(ctx, endpoint, baud)
	}

	notifier := &recordingLinkNotifier{}
	a := NewAcquirer(cfg, buffer, ChannelOptions{Clock: clock, Dial: dial}, zap.NewNop())
	a.AddNotifier(notifier)
	runAcquirer(t, a)

	require.Eventually(t, func() bool {
		return len(notifier.statuses()) == 1
	}, 2*time.Second, 2*time.Millisecond)
	assert.Equal(t, []models.LinkStatus{models.LinkDisconnected}, notifier.statuses())
	assert.Equal(t, models.LinkDisconnected, a.Stats().Link)
	assert.Contains(t, a.Stats().LastError, "no such device")

	failing.Store(false)
	device := <-devices
	defer device.Close()

	require.Eventually(t, func() bool {
		return len(notifier.statuses()) == 2
	}, 2*time.Second, 2*time.Millisecond)
	assert.Equal(t, []models.LinkStatus{models.LinkDisconnected, models.LinkConnected}, notifier.statuses())
	assert.Equal(t, models.LinkConnected, a.Stats().Link)

	notifier.mu.Lock()
	recovery := notifier.events[1]
	notifier.mu.Unlock()
	assert.GreaterOrEqual(t, recovery.Downtime, cfg.DisconnectAlertAfter)
}

func TestBackoff_DoublesUpToLimit(t *testing.T) {
	b := newBackoff(250*time.Millisecond, time.Second)

	assert.Equal(t, 250*time.Millisecond, b.Next())
	assert.Equal(t, 500*time.Millisecond, b.Next())
	assert.Equal(t, time.Second, b.Next())
	assert.Equal(t, time.Second, b.Next())
	assert.Equal(t, 4, b.Attempts())

	b.Reset()
	assert.Equal(t, 250*time.Millisecond, b.Next())
}
