package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// TriageState is a clinical severity level. The numeric order is the
// severity order: Green < Yellow < Orange < Gray.
type TriageState int

const (
	Green TriageState = iota
	Yellow
	Orange
	Gray
)

var triageNames = [...]string{"green", "yellow", "orange", "gray"}

func (s TriageState) String() string {
	if s < Green || s > Gray {
		return fmt.Sprintf("unknown(%d)", int(s))
	}
	return triageNames[s]
}

// Valid reports whether s is one of the defined levels.
func (s TriageState) Valid() bool {
	return s >= Green && s <= Gray
}

// MoreSevereThan reports whether s ranks above other.
func (s TriageState) MoreSevereThan(other TriageState) bool {
	return s > other
}

// ParseTriageState accepts the lowercase names produced by String.
func ParseTriageState(name string) (TriageState, error) {
	for i, n := range triageNames {
		if strings.EqualFold(name, n) {
			return TriageState(i), nil
		}
	}
	return Green, fmt.Errorf("unknown triage state %q", name)
}

func (s TriageState) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *TriageState) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	parsed, err := ParseTriageState(name)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// GetStatusEmoji returns the indicator used in clinician messages.
func (s TriageState) GetStatusEmoji() string {
	switch s {
	case Green:
		return "🟢"
	case Yellow:
		return "🟡"
	case Orange:
		return "🟠"
	case Gray:
		return "⚫"
	default:
		return "⚪"
	}
}

// TriageStatus is the per-patient classifier state as seen by readers.
type TriageStatus struct {
	PatientID        string      `json:"patient_id"`
	State            TriageState `json:"state"`
	Candidate        TriageState `json:"candidate"`
	Reason           string      `json:"reason"`
	Confidence       float64     `json:"confidence"`
	Override         bool        `json:"override"`
	OverrideNote     string      `json:"override_note,omitempty"`
	PendingDowngrade int         `json:"pending_downgrade"`
	UpdatedAt        time.Time   `json:"updated_at"`
}

// Decision is the outcome of one classification cycle.
type Decision struct {
	Status     TriageStatus
	Previous   TriageState
	Changed    bool
	Suppressed bool // candidate was more severe but an override held the state
}

// TriageEvent is emitted to collaborators when the state changes or an
// escalation is held back by an override.
type TriageEvent struct {
	PatientID  string      `json:"patient_id"`
	From       TriageState `json:"from"`
	To         TriageState `json:"to"`
	Candidate  TriageState `json:"candidate"`
	Reason     string      `json:"reason"`
	Confidence float64     `json:"confidence"`
	Automatic  bool        `json:"automatic"`
	Override   bool        `json:"override"`
	Suppressed bool        `json:"suppressed"`
	Timestamp  time.Time   `json:"timestamp"`
}

// IsEscalation reports whether the event raised severity.
func (e TriageEvent) IsEscalation() bool {
	return e.To.MoreSevereThan(e.From)
}
