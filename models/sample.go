package models

import (
	"encoding/json"
	"math"
)

// Sample is one parsed frame from the acquisition device. Timestamp is in
// monotonic seconds; Temperature is NaN when the frame carried PPG only.
type Sample struct {
	Timestamp   float64
	PPG         float64
	Temperature float64
}

// HasTemperature reports whether the frame carried a temperature reading.
func (s Sample) HasTemperature() bool {
	return !math.IsNaN(s.Temperature)
}

type sampleJSON struct {
	Timestamp   float64  `json:"timestamp"`
	PPG         float64  `json:"ppg"`
	Temperature *float64 `json:"temperature"`
}

// MarshalJSON encodes a missing temperature as null; encoding/json rejects NaN.
func (s Sample) MarshalJSON() ([]byte, error) {
	out := sampleJSON{Timestamp: s.Timestamp, PPG: s.PPG}
	if s.HasTemperature() {
		out.Temperature = &s.Temperature
	}
	return json.Marshal(out)
}

func (s *Sample) UnmarshalJSON(data []byte) error {
	var in sampleJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	s.Timestamp = in.Timestamp
	s.PPG = in.PPG
	s.Temperature = math.NaN()
	if in.Temperature != nil {
		s.Temperature = *in.Temperature
	}
	return nil
}

// BeatEvent is a detected pulse peak.
type BeatEvent struct {
	Timestamp float64 `json:"timestamp"`
}

// Segment is a time span of the analysed window, in the sample time base.
type Segment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// Duration returns the span length in seconds.
func (s Segment) Duration() float64 {
	return s.End - s.Start
}
