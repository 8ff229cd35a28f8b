package services

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"ppgtriage/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// manualClock is a Clock the test advances by hand.
type manualClock struct {
	mu  sync.Mutex
	now float64
}

func (c *manualClock) Now() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(seconds float64) {
	c.mu.Lock()
	c.now += seconds
	c.mu.Unlock()
}

func openPipe(t *testing.T, opts ChannelOptions) (*Channel, net.Conn) {
	t.Helper()
	client, server := net.Pipe()
	opts.Dial = func(context.Context, string, int) (io.ReadWriteCloser, error) {
		return client, nil
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	ch, err := Open(context.Background(), "pipe", 9600, opts)
	require.NoError(t, err)
	t.Cleanup(func() {
		ch.Close()
		server.Close()
	})
	return ch, server
}

func write(t *testing.T, conn net.Conn, data string) {
	t.Helper()
	_, err := conn.Write([]byte(data))
	require.NoError(t, err)
}

// next polls ch until it yields a sample or an error.
func next(t *testing.T, ch *Channel) (models.Sample, error) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		sample, ok, err := ch.ReadSample()
		if err != nil || ok {
			return sample, err
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("no frame within 2s")
	return models.Sample{}, nil
}

func TestChannel_ReassemblesPartialFrames(t *testing.T) {
	clock := &manualClock{now: 10}
	ch, server := openPipe(t, ChannelOptions{Clock: clock.Now})

	write(t, server, "51")
	_, ok, err := ch.ReadSample()
	require.NoError(t, err)
	assert.False(t, ok)

	write(t, server, "2.5,36.6\n600\n")

	first, err := next(t, ch)
	require.NoError(t, err)
	assert.Equal(t, 512.5, first.PPG)
	assert.InDelta(t, 36.6, first.Temperature, 1e-9)

	second, err := next(t, ch)
	require.NoError(t, err)
	assert.Equal(t, 600.0, second.PPG)
	assert.False(t, second.HasTemperature())
	assert.Greater(t, second.Timestamp, first.Timestamp)
}

func TestChannel_MalformedFramesAreRecoverable(t *testing.T) {
	ch, server := openPipe(t, ChannelOptions{})

	write(t, server, "abc,def\n1,2,3\n\n700,37\n")

	var frameErr *FrameError
	_, err := next(t, ch)
	assert.True(t, errors.As(err, &frameErr))
	_, err = next(t, ch)
	assert.True(t, errors.As(err, &frameErr))

	sample, err := next(t, ch)
	require.NoError(t, err)
	assert.Equal(t, 700.0, sample.PPG)
}

func TestChannel_DiscardsOverlongLine(t *testing.T) {
	ch, server := openPipe(t, ChannelOptions{})

	write(t, server, strings.Repeat("9", 200))
	_, err := next(t, ch)
	var frameErr *FrameError
	require.True(t, errors.As(err, &frameErr))
	assert.Equal(t, "line too long", frameErr.Reason)

	write(t, server, "\n512\n")
	sample, err := next(t, ch)
	require.NoError(t, err)
	assert.Equal(t, 512.0, sample.PPG)
}

func TestChannel_ReadTimeout(t *testing.T) {
	clock := &manualClock{}
	ch, _ := openPipe(t, ChannelOptions{Clock: clock.Now, ReadTimeout: time.Second})

	_, ok, err := ch.ReadSample()
	require.NoError(t, err)
	assert.False(t, ok)

	clock.Advance(1.5)
	_, _, err = ch.ReadSample()
	var connErr *ConnectionError
	require.True(t, errors.As(err, &connErr))
	assert.ErrorIs(t, err, ErrReadTimeout)
}

func TestChannel_PeerCloseIsConnectionError(t *testing.T) {
	ch, server := openPipe(t, ChannelOptions{})

	require.NoError(t, server.Close())

	_, err := next(t, ch)
	var connErr *ConnectionError
	require.True(t, errors.As(err, &connErr))
	assert.Equal(t, "pipe", connErr.Endpoint)
}

func TestChannel_CloseIsIdempotent(t *testing.T) {
	ch, _ := openPipe(t, ChannelOptions{})

	assert.NoError(t, ch.Close())
	assert.NoError(t, ch.Close())

	_, _, err := ch.ReadSample()
	assert.ErrorIs(t, err, ErrChannelClosed)
}

func TestOpen_TimesOut(t *testing.T) {
	dial := func(ctx context.Context, _ string, _ int) (io.ReadWriteCloser, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	start := time.Now()
	_, err := Open(context.Background(), "/dev/ttyUSB9", 9600, ChannelOptions{
		OpenTimeout: 50 * time.Millisecond,
		Dial:        dial,
	})
	var connErr *ConnectionError
	require.True(t, errors.As(err, &connErr))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

func TestOpen_TCPEndpoint(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		conn.Write([]byte("512,36.7\n"))
		time.Sleep(500 * time.Millisecond)
	}()

	ch, err := Open(context.Background(), "tcp://"+ln.Addr().String(), 9600, ChannelOptions{})
	require.NoError(t, err)
	defer ch.Close()

	sample, err := next(t, ch)
	require.NoError(t, err)
	assert.Equal(t, 512.0, sample.PPG)
}

type fakeSerialPort struct {
	net.Conn
	resets atomic.Int32
}

func (p *fakeSerialPort) ResetInputBuffer() error {
	p.resets.Add(1)
	return nil
}

func TestOpen_SerialPortIsSettledAndFlushed(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()
	port := &fakeSerialPort{Conn: client}

	ch, err := Open(context.Background(), "/dev/ttyACM0", 115200, ChannelOptions{
		SettleDelay: 10 * time.Millisecond,
		Dial: func(context.Context, string, int) (io.ReadWriteCloser, error) {
			return port, nil
		},
	})
	require.NoError(t, err)
	defer ch.Close()

	assert.Equal(t, int32(1), port.resets.Load())
}
