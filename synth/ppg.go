// Package synth generates synthetic PPG streams with known beat times for
// tests and the device simulator. The waveform is not clinical: a baseline
// with slow wander, a gaussian systolic peak and a smaller dicrotic wave.
package synth

import (
	"math"
	"math/rand"
	"sort"

	"ppgtriage/models"
)

// HeartRateFunc returns the heart rate in bpm at time t (seconds).
type HeartRateFunc func(t float64) float64

// ConstantRate returns a fixed heart rate.
func ConstantRate(bpm float64) HeartRateFunc {
	return func(float64) float64 { return bpm }
}

// Ramp moves linearly from one rate to another between start and end and
// holds the end values outside that span.
func Ramp(from, to, start, end float64) HeartRateFunc {
	return func(t float64) float64 {
		switch {
		case t <= start:
			return from
		case t >= end:
			return to
		default:
			return from + (to-from)*(t-start)/(end-start)
		}
	}
}

// PPGSim produces samples at a nominal rate fs.
type PPGSim struct {
	fs          float64
	hr          HeartRateFunc
	rng         *rand.Rand
	baseline    float64
	amplitude   float64
	wander      float64
	noise       float64
	jitter      float64
	artifacts   []models.Segment
	artifactAmp float64
	temperature func(t float64) float64
	ppgOnly     bool

	beats []float64
	next  int
}

// NewPPGSim returns a simulator with ADC-like defaults (baseline 512,
// pulse amplitude 100). seed makes noise reproducible.
func NewPPGSim(fs float64, hr HeartRateFunc, seed int64) *PPGSim {
	return &PPGSim{
		fs:          fs,
		hr:          hr,
		rng:         rand.New(rand.NewSource(seed)),
		baseline:    512,
		amplitude:   100,
		wander:      15,
		noise:       1,
		artifactAmp: 400,
		temperature: func(float64) float64 { return 36.8 },
		beats:       []float64{0.3},
	}
}

// WithNoise sets the uniform noise half-range in ADC units.
func (s *PPGSim) WithNoise(n float64) *PPGSim {
	s.noise = n
	return s
}

// WithAmplitude sets the systolic pulse height.
func (s *PPGSim) WithAmplitude(a float64) *PPGSim {
	s.amplitude = a
	return s
}

// WithJitter displaces each timestamp by up to ±frac/2 of a sample period.
func (s *PPGSim) WithJitter(frac float64) *PPGSim {
	s.jitter = frac
	return s
}

// WithArtifact replaces the waveform inside seg with high-variance noise.
func (s *PPGSim) WithArtifact(seg models.Segment) *PPGSim {
	s.artifacts = append(s.artifacts, seg)
	return s
}

// WithTemperature sets the temperature curve.
func (s *PPGSim) WithTemperature(f func(t float64) float64) *PPGSim {
	s.temperature = f
	return s
}

// PPGOnly makes samples carry no temperature, like the PPG-only firmware.
func (s *PPGSim) PPGOnly() *PPGSim {
	s.ppgOnly = true
	return s
}

func (s *PPGSim) ensureBeats(until float64) {
	for last := s.beats[len(s.beats)-1]; last < until; last = s.beats[len(s.beats)-1] {
		s.beats = append(s.beats, last+60/s.hr(last))
	}
}

// Beats returns the ground-truth beat times in [start, end).
func (s *PPGSim) Beats(start, end float64) []float64 {
	s.ensureBeats(end + 2)
	var out []float64
	for _, b := range s.beats {
		if b >= start && b < end {
			out = append(out, b)
		}
	}
	return out
}

func (s *PPGSim) inArtifact(t float64) bool {
	for _, a := range s.artifacts {
		if t >= a.Start && t < a.End {
			return true
		}
	}
	return false
}

func gauss(x, mu, sigma float64) float64 {
	z := (x - mu) / sigma
	return math.Exp(-0.5 * z * z)
}

// Value returns the noiseless waveform at t.
func (s *PPGSim) Value(t float64) float64 {
	s.ensureBeats(t + 2)
	v := s.baseline + s.wander*math.Sin(2*math.Pi*0.2*t)

	lo := sort.SearchFloat64s(s.beats, t-1.5)
	for i := lo; i < len(s.beats) && s.beats[i] <= t+0.5; i++ {
		b := s.beats[i]
		period := 60 / s.hr(b)
		v += s.amplitude * gauss(t, b, 0.05)
		v += 0.3 * s.amplitude * gauss(t, b+0.3*period, 0.08)
	}
	return v
}

// Sample returns the sample for index i of the nominal grid. It consumes
// noise from the generator, so repeated calls differ.
func (s *PPGSim) Sample(i int) models.Sample {
	t := float64(i) / s.fs
	if s.jitter > 0 {
		t += (s.rng.Float64() - 0.5) * s.jitter / s.fs
	}

	ppg := s.Value(t) + (s.rng.Float64()*2-1)*s.noise
	if s.inArtifact(t) {
		ppg = s.baseline + (s.rng.Float64()*2-1)*s.artifactAmp
	}

	temp := math.NaN()
	if !s.ppgOnly {
		temp = s.temperature(t)
	}
	return models.Sample{Timestamp: t, PPG: ppg, Temperature: temp}
}

// Next returns the next sample of the stream.
func (s *PPGSim) Next() models.Sample {
	sample := s.Sample(s.next)
	s.next++
	return sample
}

// Generate returns all grid samples with start <= t < end.
func (s *PPGSim) Generate(start, end float64) []models.Sample {
	first := int(math.Ceil(start * s.fs))
	last := int(math.Ceil(end*s.fs)) - 1
	out := make([]models.Sample, 0, last-first+1)
	for i := first; i <= last; i++ {
		out = append(out, s.Sample(i))
	}
	return out
}
