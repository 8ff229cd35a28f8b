package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"ppgtriage/models"

	"go.bug.st/serial"
	"go.uber.org/zap"
)

var (
	// ErrChannelClosed is returned by ReadSample after Close.
	ErrChannelClosed = errors.New("acquisition channel closed")
	// ErrReadTimeout means the device sent nothing for the read timeout.
	ErrReadTimeout = errors.New("no data from device within read timeout")
)

// ConnectionError reports a device that cannot be opened or has stopped
// delivering data. The channel must be reopened.
type ConnectionError struct {
	Endpoint string
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("device %s: %v", e.Endpoint, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// DialFunc opens the raw byte stream behind an endpoint.
type DialFunc func(ctx context.Context, endpoint string, baud int) (io.ReadWriteCloser, error)

// ChannelOptions tune Open. Zero values fall back to the defaults.
type ChannelOptions struct {
	OpenTimeout time.Duration
	ReadTimeout time.Duration
	SettleDelay time.Duration
	Clock       Clock
	Dial        DialFunc
	Logger      *zap.Logger
}

const (
	defaultOpenTimeout = 5 * time.Second
	defaultReadTimeout = 5 * time.Second
	// serial reads return at least this often so the reader notices Close
	serialPollTimeout = 100 * time.Millisecond
	frameQueueSize    = 1024
)

// DefaultDial opens "tcp://host:port" endpoints over TCP and anything else
// as a serial device path.
func DefaultDial(ctx context.Context, endpoint string, baud int) (io.ReadWriteCloser, error) {
	if addr, ok := strings.CutPrefix(endpoint, "tcp://"); ok {
		var d net.Dialer
		return d.DialContext(ctx, "tcp", addr)
	}
	return openSerial(ctx, endpoint, baud)
}

func openSerial(ctx context.Context, path string, baud int) (io.ReadWriteCloser, error) {
	type result struct {
		port serial.Port
		err  error
	}
	done := make(chan result, 1)
	go func() {
		port, err := serial.Open(path, &serial.Mode{BaudRate: baud})
		done <- result{port: port, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, r.err
		}
		if err := r.port.SetReadTimeout(serialPollTimeout); err != nil {
			r.port.Close()
			return nil, err
		}
		return r.port, nil
	case <-ctx.Done():
		// close the port if the open completes after we gave up
		go func() {
			if r := <-done; r.port != nil {
				r.port.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

// inputResetter is implemented by serial ports.
type inputResetter interface {
	ResetInputBuffer() error
}

type frame struct {
	sample models.Sample
	err    error
}

// Channel reads line frames from one device. A background reader splits the
// byte stream; ReadSample never blocks.
type Channel struct {
	endpoint    string
	conn        io.ReadWriteCloser
	clock       Clock
	readTimeout time.Duration
	logger      *zap.Logger

	frames    chan frame
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error

	mu       sync.Mutex
	failure  error
	lastData float64

	// only touched by the reader goroutine
	lastTimestamp float64
}

// Open connects to endpoint within opts.OpenTimeout. Serial ports are given
// opts.SettleDelay to reset and their input is flushed before reading.
func Open(ctx context.Context, endpoint string, baud int, opts ChannelOptions) (*Channel, error) {
	if opts.OpenTimeout <= 0 {
		opts.OpenTimeout = defaultOpenTimeout
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = defaultReadTimeout
	}
	if opts.Clock == nil {
		opts.Clock = NewMonotonicClock()
	}
	if opts.Dial == nil {
		opts.Dial = DefaultDial
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	openCtx, cancel := context.WithTimeout(ctx, opts.OpenTimeout)
	defer cancel()

	conn, err := opts.Dial(openCtx, endpoint, baud)
	if err != nil {
		return nil, &ConnectionError{Endpoint: endpoint, Err: err}
	}

	if resetter, ok := conn.(inputResetter); ok {
		if opts.SettleDelay > 0 {
			select {
			case <-time.After(opts.SettleDelay):
			case <-ctx.Done():
				conn.Close()
				return nil, &ConnectionError{Endpoint: endpoint, Err: ctx.Err()}
			}
		}
		if err := resetter.ResetInputBuffer(); err != nil {
			conn.Close()
			return nil, &ConnectionError{Endpoint: endpoint, Err: fmt.Errorf("failed to flush input: %w", err)}
		}
	}

	c := &Channel{
		endpoint:    endpoint,
		conn:        conn,
		clock:       opts.Clock,
		readTimeout: opts.ReadTimeout,
		logger:      opts.Logger.With(zap.String("endpoint", endpoint)),
		frames:      make(chan frame, frameQueueSize),
		done:        make(chan struct{}),
		lastData:    opts.Clock(),
	}
	go c.readLoop()

	c.logger.Info("Acquisition channel opened", zap.Int("baud", baud))
	return c, nil
}

// Endpoint returns the endpoint the channel was opened with.
func (c *Channel) Endpoint() string {
	return c.endpoint
}

func (c *Channel) readLoop() {
	buf := make([]byte, 256)
	pending := make([]byte, 0, maxFrameLen)
	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			c.touch()
			pending = append(pending, buf[:n]...)
			if !c.split(&pending) {
				return
			}
		}
		if err != nil {
			select {
			case <-c.done:
			default:
				c.fail(err)
			}
			return
		}
		select {
		case <-c.done:
			return
		default:
		}
	}
}

// split emits every complete line in pending and keeps the remainder. It
// returns false once the channel is closed.
func (c *Channel) split(pending *[]byte) bool {
	for {
		idx := bytes.IndexByte(*pending, '\n')
		if idx < 0 {
			break
		}
		line := string((*pending)[:idx])
		*pending = append((*pending)[:0], (*pending)[idx+1:]...)
		if !c.emit(line) {
			return false
		}
	}
	if len(*pending) > maxFrameLen {
		line := string(*pending)
		*pending = (*pending)[:0]
		return c.send(frame{err: &FrameError{Line: line, Reason: "line too long"}})
	}
	return true
}

func (c *Channel) emit(line string) bool {
	ts := c.clock()
	if ts <= c.lastTimestamp {
		ts = c.lastTimestamp + 1e-6
	}
	sample, ok, err := ParseFrame(line, ts)
	if err != nil {
		return c.send(frame{err: err})
	}
	if !ok {
		return true
	}
	c.lastTimestamp = ts
	return c.send(frame{sample: sample})
}

func (c *Channel) send(f frame) bool {
	select {
	case c.frames <- f:
		return true
	case <-c.done:
		return false
	}
}

func (c *Channel) touch() {
	c.mu.Lock()
	c.lastData = c.clock()
	c.mu.Unlock()
}

func (c *Channel) fail(err error) {
	c.mu.Lock()
	if c.failure == nil {
		c.failure = err
	}
	c.mu.Unlock()
	c.logger.Warn("Device read failed", zap.Error(err))
}

// ReadSample returns the next parsed sample if one is ready. ok is false
// when no complete frame is waiting. A *FrameError leaves the channel
// usable; a *ConnectionError or ErrChannelClosed does not.
func (c *Channel) ReadSample() (models.Sample, bool, error) {
	select {
	case <-c.done:
		return models.Sample{}, false, ErrChannelClosed
	default:
	}

	select {
	case f := <-c.frames:
		if f.err != nil {
			return models.Sample{}, false, f.err
		}
		return f.sample, true, nil
	default:
	}

	c.mu.Lock()
	failure, lastData := c.failure, c.lastData
	c.mu.Unlock()

	if failure != nil {
		return models.Sample{}, false, &ConnectionError{Endpoint: c.endpoint, Err: failure}
	}
	if c.clock()-lastData > c.readTimeout.Seconds() {
		return models.Sample{}, false, &ConnectionError{Endpoint: c.endpoint, Err: ErrReadTimeout}
	}
	return models.Sample{}, false, nil
}

// Close releases the device. It is safe to call more than once.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.closeErr = c.conn.Close()
		c.logger.Info("Acquisition channel closed")
	})
	return c.closeErr
}
