package services

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"ppgtriage/models"
)

// ErrOutOfOrder is returned when a sample does not advance the stream time.
var ErrOutOfOrder = errors.New("sample timestamp not after previous sample")

// SignalBuffer keeps a fixed-capacity ring of samples per patient. Each
// patient has one writer; readers get copies and never hold the lock longer
// than the copy takes.
type SignalBuffer struct {
	capacity int
	clock    Clock

	mu      sync.RWMutex
	streams map[string]*stream
}

type stream struct {
	mu   sync.RWMutex
	ring []models.Sample
	head int // index of the oldest sample
	size int
}

// NewSignalBuffer creates a buffer holding at most capacity samples per
// patient. Window cut-offs are measured against clock.
func NewSignalBuffer(capacity int, clock Clock) *SignalBuffer {
	if capacity <= 0 {
		capacity = 1
	}
	return &SignalBuffer{
		capacity: capacity,
		clock:    clock,
		streams:  make(map[string]*stream),
	}
}

// Capacity returns the per-patient limit.
func (b *SignalBuffer) Capacity() int {
	return b.capacity
}

func (b *SignalBuffer) stream(patientID string, create bool) *stream {
	b.mu.RLock()
	s, ok := b.streams[patientID]
	b.mu.RUnlock()
	if ok || !create {
		return s
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok = b.streams[patientID]; ok {
		return s
	}
	s = &stream{ring: make([]models.Sample, b.capacity)}
	b.streams[patientID] = s
	return s
}

// Append stores sample, evicting the oldest sample when the stream is full.
func (b *SignalBuffer) Append(patientID string, sample models.Sample) error {
	s := b.stream(patientID, true)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.size > 0 {
		last := s.ring[(s.head+s.size-1)%len(s.ring)]
		if sample.Timestamp <= last.Timestamp {
			return fmt.Errorf("%w: %.6f <= %.6f", ErrOutOfOrder, sample.Timestamp, last.Timestamp)
		}
	}

	if s.size < len(s.ring) {
		s.ring[(s.head+s.size)%len(s.ring)] = sample
		s.size++
		return nil
	}
	s.ring[s.head] = sample
	s.head = (s.head + 1) % len(s.ring)
	return nil
}

// at returns the i-th oldest sample. Caller holds s.mu.
func (s *stream) at(i int) models.Sample {
	return s.ring[(s.head+i)%len(s.ring)]
}

// copyFrom copies samples [from, size) in order. Caller holds s.mu.
func (s *stream) copyFrom(from int) []models.Sample {
	out := make([]models.Sample, 0, s.size-from)
	for i := from; i < s.size; i++ {
		out = append(out, s.at(i))
	}
	return out
}

// Window returns the samples with Timestamp >= now - duration, oldest first.
func (b *SignalBuffer) Window(patientID string, duration time.Duration) []models.Sample {
	s := b.stream(patientID, false)
	if s == nil {
		return []models.Sample{}
	}
	cutoff := b.clock() - duration.Seconds()

	s.mu.RLock()
	defer s.mu.RUnlock()

	from := sort.Search(s.size, func(i int) bool {
		return s.at(i).Timestamp >= cutoff
	})
	return s.copyFrom(from)
}

// Latest returns up to n of the newest samples, oldest first.
func (b *SignalBuffer) Latest(patientID string, n int) []models.Sample {
	s := b.stream(patientID, false)
	if s == nil || n <= 0 {
		return []models.Sample{}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	from := s.size - n
	if from < 0 {
		from = 0
	}
	return s.copyFrom(from)
}

// Len returns the number of samples held for patientID.
func (b *SignalBuffer) Len(patientID string) int {
	s := b.stream(patientID, false)
	if s == nil {
		return 0
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.size
}

// Patients lists the patients with a stream, sorted.
func (b *SignalBuffer) Patients() []string {
	b.mu.RLock()
	ids := make([]string, 0, len(b.streams))
	for id := range b.streams {
		ids = append(ids, id)
	}
	b.mu.RUnlock()
	sort.Strings(ids)
	return ids
}
