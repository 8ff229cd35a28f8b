package services

import (
	"math"
	"sync"
	"testing"
	"time"

	"ppgtriage/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedClock(now *float64) Clock {
	return func() float64 { return *now }
}

func sampleAt(ts float64) models.Sample {
	return models.Sample{Timestamp: ts, PPG: ts * 10, Temperature: 36.6}
}

func TestSignalBuffer_EvictsOldestAtCapacity(t *testing.T) {
	now := 100.0
	buf := NewSignalBuffer(5, fixedClock(&now))

	for i := 1; i <= 8; i++ {
		require.NoError(t, buf.Append("p1", sampleAt(float64(i))))
		assert.LessOrEqual(t, buf.Len("p1"), 5)
	}

	got := buf.Window("p1", time.Hour)
	require.Len(t, got, 5)
	for i, s := range got {
		assert.Equal(t, float64(i+4), s.Timestamp)
	}
}

func TestSignalBuffer_RejectsNonIncreasingTimestamps(t *testing.T) {
	now := 10.0
	buf := NewSignalBuffer(10, fixedClock(&now))

	require.NoError(t, buf.Append("p1", sampleAt(1)))
	err := buf.Append("p1", sampleAt(1))
	assert.ErrorIs(t, err, ErrOutOfOrder)
	err = buf.Append("p1", sampleAt(0.5))
	assert.ErrorIs(t, err, ErrOutOfOrder)
	assert.Equal(t, 1, buf.Len("p1"))
}

func TestSignalBuffer_WindowCutoff(t *testing.T) {
	now := 10.0
	buf := NewSignalBuffer(100, fixedClock(&now))
	for i := 0; i <= 10; i++ {
		require.NoError(t, buf.Append("p1", sampleAt(float64(i))))
	}

	got := buf.Window("p1", 3*time.Second)
	require.Len(t, got, 4)
	assert.Equal(t, 7.0, got[0].Timestamp)
	assert.Equal(t, 10.0, got[3].Timestamp)

	now = 100
	assert.Empty(t, buf.Window("p1", 3*time.Second))
	assert.NotNil(t, buf.Window("unknown", time.Second))
	assert.Empty(t, buf.Window("unknown", time.Second))
}

func TestSignalBuffer_WindowAfterWrapAround(t *testing.T) {
	now := 20.0
	buf := NewSignalBuffer(4, fixedClock(&now))
	for i := 1; i <= 20; i++ {
		require.NoError(t, buf.Append("p1", sampleAt(float64(i))))
	}

	got := buf.Window("p1", 2*time.Second)
	require.Len(t, got, 3)
	assert.Equal(t, []float64{18, 19, 20}, []float64{got[0].Timestamp, got[1].Timestamp, got[2].Timestamp})
}

func TestSignalBuffer_WindowIsACopy(t *testing.T) {
	now := 5.0
	buf := NewSignalBuffer(10, fixedClock(&now))
	require.NoError(t, buf.Append("p1", sampleAt(1)))

	got := buf.Window("p1", time.Minute)
	got[0].PPG = math.Inf(1)

	again := buf.Window("p1", time.Minute)
	assert.Equal(t, 10.0, again[0].PPG)
}

func TestSignalBuffer_LatestAndPatients(t *testing.T) {
	now := 5.0
	buf := NewSignalBuffer(10, fixedClock(&now))
	for i := 1; i <= 4; i++ {
		require.NoError(t, buf.Append("b", sampleAt(float64(i))))
	}
	require.NoError(t, buf.Append("a", sampleAt(1)))

	latest := buf.Latest("b", 2)
	require.Len(t, latest, 2)
	assert.Equal(t, 3.0, latest[0].Timestamp)
	assert.Len(t, buf.Latest("b", 50), 4)
	assert.Equal(t, []string{"a", "b"}, buf.Patients())
}

func TestSignalBuffer_ConcurrentReadersSeeOrderedSnapshots(t *testing.T) {
	now := 1e9
	buf := NewSignalBuffer(256, fixedClock(&now))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 1; i <= 5000; i++ {
			_ = buf.Append("p1", sampleAt(float64(i)))
		}
	}()

	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				got := buf.Window("p1", time.Duration(math.MaxInt64))
				assert.LessOrEqual(t, len(got), 256)
				for j := 1; j < len(got); j++ {
					if got[j].Timestamp <= got[j-1].Timestamp {
						t.Errorf("snapshot out of order at %d", j)
						return
					}
				}
			}
		}()
	}
	wg.Wait()
}
