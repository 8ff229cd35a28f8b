package services

import (
	"errors"
	"math"

	"ppgtriage/config"
	"ppgtriage/models"

	"go.uber.org/zap"
)

// ErrInsufficientData means a window has fewer than two valid intervals.
var ErrInsufficientData = errors.New("insufficient valid intervals for HRV")

type HRVAnalyzer struct {
	minIBIMs float64
	maxIBIMs float64
	logger   *zap.Logger
}

func NewHRVAnalyzer(cfg *config.Config, logger *zap.Logger) *HRVAnalyzer {
	return &HRVAnalyzer{
		minIBIMs: float64(cfg.IBIMin.Milliseconds()),
		maxIBIMs: float64(cfg.IBIMax.Milliseconds()),
		logger:   logger,
	}
}

// Intervals pairs consecutive beats. Intervals outside the physiological
// bound are kept but marked invalid so that they break successive pairs.
func (a *HRVAnalyzer) Intervals(beats []models.BeatEvent) []models.IBI {
	if len(beats) < 2 {
		return nil
	}
	out := make([]models.IBI, 0, len(beats)-1)
	for i := 1; i < len(beats); i++ {
		ms := (beats[i].Timestamp - beats[i-1].Timestamp) * 1000
		out = append(out, models.IBI{
			Start:      beats[i-1].Timestamp,
			End:        beats[i].Timestamp,
			DurationMs: ms,
			Valid:      ms >= a.minIBIMs && ms <= a.maxIBIMs,
		})
	}
	return out
}

// Summarize computes time-domain HRV over ibis. When fewer than two
// intervals are valid it still returns the counts, with nil metrics and
// ErrInsufficientData.
func (a *HRVAnalyzer) Summarize(ibis []models.IBI, windowStart, windowEnd float64) (models.HRVSummary, error) {
	summary := models.HRVSummary{
		WindowStart: windowStart,
		WindowEnd:   windowEnd,
		Status:      models.HRVInsufficientData,
	}

	valid := make([]float64, 0, len(ibis))
	for _, ibi := range ibis {
		if ibi.Valid {
			valid = append(valid, ibi.DurationMs)
		} else {
			summary.Gaps++
		}
	}
	summary.ValidIBIs = len(valid)
	if len(valid) < 2 {
		return summary, ErrInsufficientData
	}

	mean := 0.0
	for _, d := range valid {
		mean += d
	}
	mean /= float64(len(valid))

	variance := 0.0
	for _, d := range valid {
		variance += (d - mean) * (d - mean)
	}
	variance /= float64(len(valid))

	summary.MeanHR = models.Float64Ptr(60000 / mean)
	summary.SDNN = models.Float64Ptr(math.Sqrt(variance))
	summary.Status = models.HRVOK

	// Successive differences only across two valid intervals in a row.
	sumSq := 0.0
	over50 := 0
	for i := 1; i < len(ibis); i++ {
		if !ibis[i-1].Valid || !ibis[i].Valid {
			continue
		}
		diff := ibis[i].DurationMs - ibis[i-1].DurationMs
		sumSq += diff * diff
		if math.Abs(diff) > 50 {
			over50++
		}
		summary.Pairs++
	}
	if summary.Pairs > 0 {
		summary.RMSSD = models.Float64Ptr(math.Sqrt(sumSq / float64(summary.Pairs)))
		summary.PNN50 = models.Float64Ptr(float64(over50) / float64(summary.Pairs))
	}

	return summary, nil
}

// Analyze runs Intervals and Summarize over one detection window.
func (a *HRVAnalyzer) Analyze(beats []models.BeatEvent, windowStart, windowEnd float64) (models.HRVSummary, []models.IBI, error) {
	ibis := a.Intervals(beats)
	summary, err := a.Summarize(ibis, windowStart, windowEnd)
	if summary.Gaps > 0 {
		a.logger.Debug("Intervals outside physiological bound",
			zap.Int("gaps", summary.Gaps),
			zap.Int("valid_ibis", summary.ValidIBIs),
		)
	}
	return summary, ibis, err
}

// HeartRate is the rate implied by the last recent valid intervals, or nil
// when there are none.
func HeartRate(ibis []models.IBI, recent int) *float64 {
	if recent <= 0 {
		recent = 1
	}
	sum, n := 0.0, 0
	for i := len(ibis) - 1; i >= 0 && n < recent; i-- {
		if ibis[i].Valid {
			sum += ibis[i].DurationMs
			n++
		}
	}
	if n == 0 {
		return nil
	}
	return models.Float64Ptr(60000 / (sum / float64(n)))
}

// MeanTemperature averages the last n samples that carried a temperature.
func MeanTemperature(samples []models.Sample, n int) *float64 {
	if n <= 0 {
		n = 1
	}
	sum, count := 0.0, 0
	for i := len(samples) - 1; i >= 0 && count < n; i-- {
		if samples[i].HasTemperature() {
			sum += samples[i].Temperature
			count++
		}
	}
	if count == 0 {
		return nil
	}
	return models.Float64Ptr(sum / float64(count))
}
