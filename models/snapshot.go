package models

import "time"

// PatientSnapshot is the read-only view handed to dashboard and export
// collaborators.
type PatientSnapshot struct {
	PatientID string           `json:"patient_id"`
	HRV       HRVSummary       `json:"hrv"`
	Vitals    Vitals           `json:"vitals"`
	Triage    TriageStatus     `json:"triage"`
	Artifacts []Segment        `json:"artifacts,omitempty"`
	Beats     int              `json:"beats"`
	Window    []Sample         `json:"window"`
	Stats     AcquisitionStats `json:"stats"`
	UpdatedAt time.Time        `json:"updated_at"`
}
