package services

import (
	"math"
	"sort"

	"ppgtriage/config"
	"ppgtriage/models"

	"go.uber.org/zap"
)

// Detection is the outcome of one processing pass over a window.
type Detection struct {
	Beats     []models.BeatEvent
	Artifacts []models.Segment
}

// SignalProcessor turns a raw PPG window into beat timestamps.
type SignalProcessor struct {
	config *config.Config
	logger *zap.Logger
}

func NewSignalProcessor(cfg *config.Config, logger *zap.Logger) *SignalProcessor {
	return &SignalProcessor{
		config: cfg,
		logger: logger,
	}
}

type peak struct {
	t      float64
	height float64
}

type segmentStats struct {
	count    int
	min, max float64
	sum      float64
	sumSq    float64
	artifact bool

	// smoothed extrema over usable samples, for the local threshold
	hasUsable            bool
	usableMin, usableMax float64
}

func (s *segmentStats) rng() float64 {
	if s.count == 0 {
		return 0
	}
	return s.max - s.min
}

func (s *segmentStats) variance() float64 {
	if s.count == 0 {
		return 0
	}
	mean := s.sum / float64(s.count)
	return s.sumSq/float64(s.count) - mean*mean
}

// Detect finds pulse peaks in samples, which must be time ordered. Noisy or
// unusable input yields fewer beats, never an error.
func (p *SignalProcessor) Detect(samples []models.Sample) Detection {
	n := len(samples)
	if n < 3 {
		return Detection{}
	}

	ts := make([]float64, n)
	raw := make([]float64, n)
	for i, s := range samples {
		ts[i] = s.Timestamp
		raw[i] = s.PPG
	}

	segLen := p.config.SegmentSeconds
	if segLen <= 0 {
		segLen = ts[n-1] - ts[0] + 1
	}
	seg := make([]int, n)
	for i := range ts {
		seg[i] = int((ts[i] - ts[0]) / segLen)
	}
	stats := make([]segmentStats, seg[n-1]+1)
	for i, k := range seg {
		st := &stats[k]
		v := raw[i]
		if st.count == 0 || v < st.min {
			st.min = v
		}
		if st.count == 0 || v > st.max {
			st.max = v
		}
		st.count++
		st.sum += v
		st.sumSq += v * v
	}
	p.markArtifacts(stats)

	clean := make([]float64, n)
	flagged := make([]float64, n)
	for i, k := range seg {
		if stats[k].artifact {
			flagged[i] = 1
		} else {
			clean[i] = 1
		}
	}

	// The baseline only averages clean samples so bursts do not leak into
	// neighbouring segments.
	baseline := weightedMovingAverage(ts, raw, clean, 0.5/p.config.HighPassHz)
	detrended := make([]float64, n)
	for i := range raw {
		detrended[i] = raw[i] - baseline[i]
	}
	smoothHalf := 0.5 / p.config.LowPassHz
	smoothed := movingAverage(ts, detrended, smoothHalf)

	// A sample is unusable if the smoothing window reaches into an artifact.
	reach := movingSum(ts, flagged, smoothHalf)
	usable := make([]bool, n)
	for i := range usable {
		usable[i] = reach[i] == 0
	}

	for i, k := range seg {
		if !usable[i] {
			continue
		}
		st := &stats[k]
		if !st.hasUsable || smoothed[i] < st.usableMin {
			st.usableMin = smoothed[i]
		}
		if !st.hasUsable || smoothed[i] > st.usableMax {
			st.usableMax = smoothed[i]
		}
		st.hasUsable = true
	}
	thresholds := p.localThresholds(stats)

	var accepted []peak
	refractory := p.config.Refractory.Seconds()
	for i := 1; i < n-1; i++ {
		if !usable[i] || !usable[i-1] || !usable[i+1] {
			continue
		}
		y0, y1, y2 := smoothed[i-1], smoothed[i], smoothed[i+1]
		if !(y1 > y0 && y1 >= y2) {
			continue
		}
		thr, ok := thresholds[seg[i]]
		if !ok || y1 <= thr {
			continue
		}

		c := refinePeak(ts, i, y0, y1, y2)
		if last := len(accepted) - 1; last >= 0 && c.t-accepted[last].t < refractory {
			if c.height > accepted[last].height {
				accepted[last] = c
			}
			continue
		}
		accepted = append(accepted, c)
	}

	det := Detection{
		Beats:     make([]models.BeatEvent, 0, len(accepted)),
		Artifacts: artifactSpans(stats, ts[0], ts[n-1], segLen),
	}
	for _, c := range accepted {
		det.Beats = append(det.Beats, models.BeatEvent{Timestamp: c.t})
	}

	if len(det.Artifacts) > 0 {
		p.logger.Debug("Artifact segments rejected",
			zap.Int("segments", len(det.Artifacts)),
			zap.Float64("window_start", ts[0]),
			zap.Float64("window_end", ts[n-1]),
		)
	}
	return det
}

// markArtifacts flags segments whose raw amplitude range or variance is not
// physiologically plausible.
func (p *SignalProcessor) markArtifacts(stats []segmentStats) {
	ranges := make([]float64, 0, len(stats))
	for i := range stats {
		r := stats[i].rng()
		if stats[i].count >= 2 && r >= p.config.ArtifactMinRange {
			ranges = append(ranges, r)
		}
	}
	median := 0.0
	if len(ranges) > 0 {
		sort.Float64s(ranges)
		median = ranges[len(ranges)/2]
	}

	for i := range stats {
		st := &stats[i]
		if st.count == 0 {
			continue
		}
		r := st.rng()
		switch {
		case st.count < 2 || r < p.config.ArtifactMinRange:
			st.artifact = true
		case p.config.ArtifactMaxRange > 0 && r > p.config.ArtifactMaxRange:
			st.artifact = true
		case p.config.ArtifactRelativeRange > 0 && median > 0 && r > p.config.ArtifactRelativeRange*median:
			st.artifact = true
		case p.config.ArtifactMaxVariance > 0 && st.variance() > p.config.ArtifactMaxVariance:
			st.artifact = true
		}
	}
}

// localThresholds computes, per segment, a fraction of the smoothed range
// over the usable samples of the neighbouring segments.
func (p *SignalProcessor) localThresholds(stats []segmentStats) map[int]float64 {
	span := p.config.ThresholdSpanSegments
	if span < 0 {
		span = 0
	}
	out := make(map[int]float64, len(stats))
	for k := range stats {
		if stats[k].artifact || !stats[k].hasUsable {
			continue
		}
		lo, hi, found := 0.0, 0.0, false
		for j := k - span; j <= k+span; j++ {
			if j < 0 || j >= len(stats) || stats[j].artifact || !stats[j].hasUsable {
				continue
			}
			if !found || stats[j].usableMin < lo {
				lo = stats[j].usableMin
			}
			if !found || stats[j].usableMax > hi {
				hi = stats[j].usableMax
			}
			found = true
		}
		if found && hi > lo {
			out[k] = lo + p.config.ThresholdFraction*(hi-lo)
		}
	}
	return out
}

// refinePeak fits a parabola through three samples around a local maximum.
func refinePeak(ts []float64, i int, y0, y1, y2 float64) peak {
	c := peak{t: ts[i], height: y1}
	denom := y0 - 2*y1 + y2
	if denom >= 0 {
		return c
	}
	offset := 0.5 * (y0 - y2) / denom
	offset = math.Max(-0.5, math.Min(0.5, offset))
	if offset > 0 {
		c.t += offset * (ts[i+1] - ts[i])
	} else {
		c.t += offset * (ts[i] - ts[i-1])
	}
	c.height = y1 - 0.25*(y0-y2)*offset
	return c
}

func artifactSpans(stats []segmentStats, start, end, segLen float64) []models.Segment {
	var spans []models.Segment
	for k := range stats {
		if !stats[k].artifact {
			continue
		}
		s := models.Segment{Start: start + float64(k)*segLen, End: math.Min(start+float64(k+1)*segLen, end)}
		if last := len(spans) - 1; last >= 0 && spans[last].End >= s.Start {
			spans[last].End = s.End
			continue
		}
		spans = append(spans, s)
	}
	return spans
}

// movingSum sums values whose timestamp lies within ±half of each sample.
// Timestamps may be irregular but must be sorted.
func movingSum(ts, values []float64, half float64) []float64 {
	n := len(ts)
	prefix := make([]float64, n+1)
	for i, v := range values {
		prefix[i+1] = prefix[i] + v
	}
	out := make([]float64, n)
	lo, hi := 0, 0
	for i := 0; i < n; i++ {
		for lo < n && ts[lo] < ts[i]-half {
			lo++
		}
		for hi < n && ts[hi] <= ts[i]+half {
			hi++
		}
		out[i] = prefix[hi] - prefix[lo]
	}
	return out
}

// weightedMovingAverage is movingAverage restricted to samples with a
// non-zero weight. Where no weighted sample is in reach the value itself is
// returned.
func weightedMovingAverage(ts, values, weights []float64, half float64) []float64 {
	n := len(ts)
	weighted := make([]float64, n)
	for i := range values {
		weighted[i] = values[i] * weights[i]
	}
	sums := movingSum(ts, weighted, half)
	counts := movingSum(ts, weights, half)
	out := make([]float64, n)
	for i := range out {
		if counts[i] > 0 {
			out[i] = sums[i] / counts[i]
		} else {
			out[i] = values[i]
		}
	}
	return out
}

// movingAverage is the centred time-based boxcar mean over ±half seconds.
func movingAverage(ts, values []float64, half float64) []float64 {
	n := len(ts)
	prefix := make([]float64, n+1)
	for i, v := range values {
		prefix[i+1] = prefix[i] + v
	}
	out := make([]float64, n)
	lo, hi := 0, 0
	for i := 0; i < n; i++ {
		for lo < n && ts[lo] < ts[i]-half {
			lo++
		}
		for hi < n && ts[hi] <= ts[i]+half {
			hi++
		}
		out[i] = (prefix[hi] - prefix[lo]) / float64(hi-lo)
	}
	return out
}
