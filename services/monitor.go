package services

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"ppgtriage/config"
	"ppgtriage/models"

	"go.uber.org/zap"
)

// TriageNotifier receives triage state changes and held escalations.
type TriageNotifier interface {
	NotifyTriage(ctx context.Context, event models.TriageEvent) error
}

// StatsSource reports acquisition counters for one patient.
type StatsSource interface {
	PatientID() string
	Stats() models.AcquisitionStats
}

// SnapshotSubmitter accepts snapshots for asynchronous export.
type SnapshotSubmitter interface {
	Submit(snapshot *models.PatientSnapshot)
}

// Monitor runs the analysis cycle over every buffered patient and keeps the
// latest snapshot for readers.
type Monitor struct {
	config     *config.Config
	buffer     *SignalBuffer
	processor  *SignalProcessor
	analyzer   *HRVAnalyzer
	classifier *TriageClassifier
	logger     *zap.Logger
	now        func() time.Time

	notifiers []TriageNotifier
	submitter SnapshotSubmitter
	sources   map[string]StatsSource

	mu         sync.RWMutex
	snapshots  map[string]*models.PatientSnapshot
	suppressed map[string]models.TriageState
}

func NewMonitor(cfg *config.Config, buffer *SignalBuffer, processor *SignalProcessor, analyzer *HRVAnalyzer, classifier *TriageClassifier, logger *zap.Logger) *Monitor {
	return &Monitor{
		config:     cfg,
		buffer:     buffer,
		processor:  processor,
		analyzer:   analyzer,
		classifier: classifier,
		logger:     logger,
		now:        time.Now,
		sources:    make(map[string]StatsSource),
		snapshots:  make(map[string]*models.PatientSnapshot),
		suppressed: make(map[string]models.TriageState),
	}
}

// AddNotifier registers n for triage events. Call before Start.
func (m *Monitor) AddNotifier(n TriageNotifier) {
	m.notifiers = append(m.notifiers, n)
}

// SetSnapshotSubmitter sets where every cycle's snapshots go. Call before Start.
func (m *Monitor) SetSnapshotSubmitter(s SnapshotSubmitter) {
	m.submitter = s
}

// AddStatsSource attaches acquisition counters to a patient's snapshots.
// Call before Start.
func (m *Monitor) AddStatsSource(s StatsSource) {
	m.sources[s.PatientID()] = s
}

// Start runs RunCycle every AnalysisInterval until ctx is cancelled.
func (m *Monitor) Start(ctx context.Context) {
	m.logger.Info("Starting triage monitor",
		zap.Duration("analysis_interval", m.config.AnalysisInterval),
		zap.Duration("analysis_window", m.config.AnalysisWindow))

	ticker := time.NewTicker(m.config.AnalysisInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Triage monitor stopped")
			return
		case <-ticker.C:
			m.RunCycle(ctx)
		}
	}
}

// RunCycle analyses the current window of every patient once.
func (m *Monitor) RunCycle(ctx context.Context) {
	for _, patientID := range m.buffer.Patients() {
		if ctx.Err() != nil {
			return
		}
		m.analyze(ctx, patientID)
	}
}

func (m *Monitor) analyze(ctx context.Context, patientID string) {
	window := m.buffer.Window(patientID, m.config.AnalysisWindow)

	var start, end float64
	if len(window) > 0 {
		start, end = window[0].Timestamp, window[len(window)-1].Timestamp
	}

	detection := m.processor.Detect(window)
	hrv, ibis, err := m.analyzer.Analyze(detection.Beats, start, end)
	if err != nil && !errors.Is(err, ErrInsufficientData) {
		m.logger.Error("HRV analysis failed", zap.String("patient_id", patientID), zap.Error(err))
	}

	vitals := models.Vitals{
		HeartRate:   HeartRate(ibis, m.config.RecentIBIs),
		Temperature: MeanTemperature(window, m.config.TempAverageN),
	}
	decision := m.classifier.Classify(patientID, vitals, hrv)

	snapshot := &models.PatientSnapshot{
		PatientID: patientID,
		HRV:       hrv,
		Vitals:    vitals,
		Triage:    decision.Status,
		Artifacts: detection.Artifacts,
		Beats:     len(detection.Beats),
		Window:    displayTail(window, m.config.DisplayWindow),
		UpdatedAt: m.now(),
	}
	if src, ok := m.sources[patientID]; ok {
		snapshot.Stats = src.Stats()
	}

	m.mu.Lock()
	m.snapshots[patientID] = snapshot
	emitSuppressed := false
	if decision.Suppressed {
		last, seen := m.suppressed[patientID]
		emitSuppressed = !seen || last != decision.Status.Candidate
		m.suppressed[patientID] = decision.Status.Candidate
	} else {
		delete(m.suppressed, patientID)
	}
	m.mu.Unlock()

	m.logger.Debug("Analysis cycle complete",
		zap.String("patient_id", patientID),
		zap.Int("samples", len(window)),
		zap.Int("beats", len(detection.Beats)),
		zap.Int("valid_ibis", hrv.ValidIBIs),
		zap.String("hrv_status", string(hrv.Status)),
		zap.String("state", decision.Status.State.String()),
		zap.String("candidate", decision.Status.Candidate.String()))

	if m.submitter != nil {
		m.submitter.Submit(copySnapshot(snapshot))
	}

	if decision.Changed || emitSuppressed {
		m.dispatch(ctx, models.TriageEvent{
			PatientID:  patientID,
			From:       decision.Previous,
			To:         decision.Status.State,
			Candidate:  decision.Status.Candidate,
			Reason:     decision.Status.Reason,
			Confidence: decision.Status.Confidence,
			Automatic:  true,
			Override:   decision.Status.Override,
			Suppressed: emitSuppressed,
			Timestamp:  snapshot.UpdatedAt,
		})
	}
}

// displayTail copies the samples of the last d seconds of window.
func displayTail(window []models.Sample, d time.Duration) []models.Sample {
	if len(window) == 0 {
		return []models.Sample{}
	}
	cutoff := window[len(window)-1].Timestamp - d.Seconds()
	i := sort.Search(len(window), func(i int) bool { return window[i].Timestamp >= cutoff })
	out := make([]models.Sample, len(window)-i)
	copy(out, window[i:])
	return out
}

func (m *Monitor) dispatch(ctx context.Context, event models.TriageEvent) {
	for _, n := range m.notifiers {
		if err := n.NotifyTriage(ctx, event); err != nil {
			m.logger.Error("Failed to deliver triage event",
				zap.String("patient_id", event.PatientID),
				zap.String("to", event.To.String()),
				zap.Error(err))
		}
	}
}

// Snapshot returns a copy of the latest snapshot for patientID.
func (m *Monitor) Snapshot(patientID string) (*models.PatientSnapshot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.snapshots[patientID]
	if !ok {
		return nil, false
	}
	return copySnapshot(s), true
}

// Snapshots returns copies of every patient's latest snapshot, sorted by
// patient ID.
func (m *Monitor) Snapshots() []*models.PatientSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*models.PatientSnapshot, 0, len(m.snapshots))
	for _, s := range m.snapshots {
		out = append(out, copySnapshot(s))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PatientID < out[j].PatientID })
	return out
}

func copySnapshot(s *models.PatientSnapshot) *models.PatientSnapshot {
	c := *s
	c.Window = append([]models.Sample(nil), s.Window...)
	c.Artifacts = append([]models.Segment(nil), s.Artifacts...)
	c.HRV.MeanHR = copyFloat(s.HRV.MeanHR)
	c.HRV.SDNN = copyFloat(s.HRV.SDNN)
	c.HRV.RMSSD = copyFloat(s.HRV.RMSSD)
	c.HRV.PNN50 = copyFloat(s.HRV.PNN50)
	c.Vitals.HeartRate = copyFloat(s.Vitals.HeartRate)
	c.Vitals.Temperature = copyFloat(s.Vitals.Temperature)
	return &c
}

func copyFloat(p *float64) *float64 {
	if p == nil {
		return nil
	}
	return models.Float64Ptr(*p)
}

// TriageState returns the state the indicator should show: the automatic
// state, or the override when one is set.
func (m *Monitor) TriageState(patientID string) (models.TriageState, bool) {
	status, ok := m.classifier.Status(patientID)
	if !ok {
		return models.Green, false
	}
	return status.State, true
}

// SetOverride pins a patient's state and notifies collaborators.
func (m *Monitor) SetOverride(ctx context.Context, patientID string, state models.TriageState, note string) error {
	decision, err := m.classifier.SetOverride(patientID, state, note)
	if err != nil {
		return err
	}
	m.dispatch(ctx, models.TriageEvent{
		PatientID:  patientID,
		From:       decision.Previous,
		To:         decision.Status.State,
		Candidate:  decision.Status.Candidate,
		Reason:     "manual override: " + note,
		Confidence: decision.Status.Confidence,
		Override:   true,
		Timestamp:  m.now(),
	})
	return nil
}

// ClearOverride returns a patient to automatic classification.
func (m *Monitor) ClearOverride(ctx context.Context, patientID string) {
	decision := m.classifier.ClearOverride(patientID)

	m.mu.Lock()
	delete(m.suppressed, patientID)
	m.mu.Unlock()

	m.dispatch(ctx, models.TriageEvent{
		PatientID:  patientID,
		From:       decision.Previous,
		To:         decision.Status.State,
		Candidate:  decision.Status.Candidate,
		Reason:     "manual override cleared",
		Confidence: decision.Status.Confidence,
		Timestamp:  m.now(),
	})
}
