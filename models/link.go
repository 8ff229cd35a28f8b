package models

import "time"

// LinkStatus is the acquisition link state of a patient device.
type LinkStatus string

const (
	LinkConnecting   LinkStatus = "connecting"
	LinkConnected    LinkStatus = "connected"
	LinkReconnecting LinkStatus = "reconnecting"
	LinkDisconnected LinkStatus = "disconnected" // sustained outage, surfaced to users
)

// LinkEvent is emitted when an outage becomes sustained and when the device
// comes back after one.
type LinkEvent struct {
	PatientID string        `json:"patient_id"`
	Endpoint  string        `json:"endpoint"`
	Status    LinkStatus    `json:"status"`
	Since     time.Time     `json:"since"`
	Downtime  time.Duration `json:"downtime"`
	LastError string        `json:"last_error,omitempty"`
}

// AcquisitionStats are counters kept by the acquisition task.
type AcquisitionStats struct {
	Link        LinkStatus `json:"link"`
	Frames      int64      `json:"frames"`
	FrameErrors int64      `json:"frame_errors"`
	Dropped     int64      `json:"dropped"`
	Reconnects  int64      `json:"reconnects"`
	LastError   string     `json:"last_error,omitempty"`
}
