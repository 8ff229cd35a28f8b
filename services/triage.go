package services

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"ppgtriage/config"
	"ppgtriage/models"

	"go.uber.org/zap"
)

const reasonNoVitals = "no_vitals"

// TriageClassifier maps vitals and HRV onto a triage state per patient.
// Escalation is applied at once; a downgrade needs the candidate to stay
// lower for DowngradeCycles consecutive cycles. A manual override holds the
// state until cleared.
type TriageClassifier struct {
	config *config.Config
	logger *zap.Logger
	now    func() time.Time

	mu       sync.Mutex
	patients map[string]*patientTriage
}

type patientTriage struct {
	status models.TriageStatus
	// lower candidates seen in a row and the most severe of them
	streak      int
	streakLevel models.TriageState
}

func NewTriageClassifier(cfg *config.Config, logger *zap.Logger) *TriageClassifier {
	return &TriageClassifier{
		config:   cfg,
		logger:   logger,
		now:      time.Now,
		patients: make(map[string]*patientTriage),
	}
}

func (c *TriageClassifier) patient(patientID string) *patientTriage {
	p, ok := c.patients[patientID]
	if !ok {
		p = &patientTriage{status: models.TriageStatus{PatientID: patientID, State: models.Green, Candidate: models.Green}}
		c.patients[patientID] = p
	}
	return p
}

// Candidate evaluates the rule table without touching any patient state.
// current is returned as the candidate when no vitals are available.
func (c *TriageClassifier) Candidate(vitals models.Vitals, hrv models.HRVSummary, current models.TriageState) (models.TriageState, string, float64) {
	confidence := c.confidence(vitals, hrv)
	if vitals.HeartRate == nil && vitals.Temperature == nil {
		return current, reasonNoVitals, confidence
	}

	candidate := models.Green
	var reasons []string
	raise := func(level models.TriageState, reason string) {
		if level > candidate {
			candidate = level
			reasons = reasons[:0]
		}
		if level == candidate {
			reasons = append(reasons, reason)
		}
	}

	if hr := vitals.HeartRate; hr != nil {
		if level, reason, hit := c.heartRateLevel(*hr); hit {
			raise(level, reason)
		}
	}
	if temp := vitals.Temperature; temp != nil {
		if level, reason, hit := c.temperatureLevel(*temp); hit {
			raise(level, reason)
		}
	}

	if candidate > models.Green && candidate < models.Orange && c.hrvDepressed(hrv) {
		candidate++
		reasons = append(reasons, "depressed HRV")
	}

	if len(reasons) == 0 {
		return candidate, "vitals within normal limits", confidence
	}
	return candidate, strings.Join(reasons, "; "), confidence
}

type levelBand struct {
	level models.TriageState
	band  config.Band
}

// bands lists the limits from most to least severe.
func (c *TriageClassifier) bands() []levelBand {
	return []levelBand{
		{models.Gray, c.config.GrayBand},
		{models.Orange, c.config.OrangeBand},
		{models.Yellow, c.config.YellowBand},
	}
}

func (c *TriageClassifier) heartRateLevel(hr float64) (models.TriageState, string, bool) {
	for _, b := range c.bands() {
		if b.band.HRHigh > 0 && hr >= b.band.HRHigh {
			return b.level, fmt.Sprintf("Heart rate %.0f bpm at or above %s limit of %.0f bpm", hr, b.level, b.band.HRHigh), true
		}
		if b.band.HRLow > 0 && hr < b.band.HRLow {
			return b.level, fmt.Sprintf("Heart rate %.0f bpm below %s limit of %.0f bpm", hr, b.level, b.band.HRLow), true
		}
	}
	return models.Green, "", false
}

func (c *TriageClassifier) temperatureLevel(temp float64) (models.TriageState, string, bool) {
	for _, b := range c.bands() {
		if b.band.TempHigh > 0 && temp >= b.band.TempHigh {
			return b.level, fmt.Sprintf("Temperature %.1f°C at or above %s limit of %.1f°C", temp, b.level, b.band.TempHigh), true
		}
		if b.band.TempLow > 0 && temp < b.band.TempLow {
			return b.level, fmt.Sprintf("Temperature %.1f°C below %s limit of %.1f°C", temp, b.level, b.band.TempLow), true
		}
	}
	return models.Green, "", false
}

func (c *TriageClassifier) hrvDepressed(hrv models.HRVSummary) bool {
	if !hrv.Sufficient() {
		return false
	}
	if hrv.RMSSD != nil && c.config.RMSSDDepressed > 0 && *hrv.RMSSD < c.config.RMSSDDepressed {
		return true
	}
	return hrv.SDNN != nil && c.config.SDNNDepressed > 0 && *hrv.SDNN < c.config.SDNNDepressed
}

func (c *TriageClassifier) confidence(vitals models.Vitals, hrv models.HRVSummary) float64 {
	switch {
	case vitals.HeartRate != nil && vitals.Temperature != nil && hrv.Sufficient():
		return 1.0
	case vitals.HeartRate != nil && vitals.Temperature != nil:
		return 0.8
	case vitals.HeartRate != nil || vitals.Temperature != nil:
		return 0.6
	default:
		return 0
	}
}

// Classify runs one cycle for patientID and applies hysteresis.
func (c *TriageClassifier) Classify(patientID string, vitals models.Vitals, hrv models.HRVSummary) models.Decision {
	c.mu.Lock()
	defer c.mu.Unlock()

	p := c.patient(patientID)
	previous := p.status.State
	candidate, reason, confidence := c.Candidate(vitals, hrv, previous)

	p.status.Candidate = candidate
	p.status.Reason = reason
	p.status.Confidence = confidence
	p.status.UpdatedAt = c.now()

	decision := models.Decision{Previous: previous}

	switch {
	case p.status.Override:
		p.streak = 0
		decision.Suppressed = candidate > previous
	case candidate > previous:
		p.status.State = candidate
		p.streak = 0
	case candidate < previous:
		if p.streak == 0 || candidate > p.streakLevel {
			p.streakLevel = candidate
		}
		p.streak++
		if p.streak >= c.config.DowngradeCycles {
			p.status.State = p.streakLevel
			p.streak = 0
		}
	default:
		p.streak = 0
	}
	p.status.PendingDowngrade = p.streak

	decision.Status = p.status
	decision.Changed = p.status.State != previous

	if decision.Changed {
		c.logger.Info("Triage state changed",
			zap.String("patient_id", patientID),
			zap.String("from", previous.String()),
			zap.String("to", p.status.State.String()),
			zap.String("reason", reason),
			zap.Float64("confidence", confidence),
		)
	} else if decision.Suppressed {
		c.logger.Warn("Escalation held by manual override",
			zap.String("patient_id", patientID),
			zap.String("state", previous.String()),
			zap.String("candidate", candidate.String()),
			zap.String("reason", reason),
		)
	}
	return decision
}

// SetOverride pins patientID to state until ClearOverride.
func (c *TriageClassifier) SetOverride(patientID string, state models.TriageState, note string) (models.Decision, error) {
	if !state.Valid() {
		return models.Decision{}, fmt.Errorf("invalid override state %d", int(state))
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	p := c.patient(patientID)
	previous := p.status.State
	p.status.State = state
	p.status.Override = true
	p.status.OverrideNote = note
	p.status.PendingDowngrade = 0
	p.status.UpdatedAt = c.now()
	p.streak = 0

	c.logger.Info("Manual triage override set",
		zap.String("patient_id", patientID),
		zap.String("from", previous.String()),
		zap.String("to", state.String()),
		zap.String("note", note),
	)
	return models.Decision{Status: p.status, Previous: previous, Changed: previous != state}, nil
}

// ClearOverride hands the state back to the rules. The current state is
// kept; the next cycle escalates or starts a downgrade streak from it.
func (c *TriageClassifier) ClearOverride(patientID string) models.Decision {
	c.mu.Lock()
	defer c.mu.Unlock()

	p := c.patient(patientID)
	p.status.Override = false
	p.status.OverrideNote = ""
	p.status.UpdatedAt = c.now()
	p.streak = 0

	c.logger.Info("Manual triage override cleared",
		zap.String("patient_id", patientID),
		zap.String("state", p.status.State.String()),
	)
	return models.Decision{Status: p.status, Previous: p.status.State}
}

// Status returns the last status for patientID.
func (c *TriageClassifier) Status(patientID string) (models.TriageStatus, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.patients[patientID]
	if !ok {
		return models.TriageStatus{}, false
	}
	return p.status, true
}
