package models

// IBI is the interval between two consecutive beats. Valid is false when the
// duration falls outside the physiological bound; such an interval is a gap.
type IBI struct {
	Start      float64 `json:"start"`
	End        float64 `json:"end"`
	DurationMs float64 `json:"duration_ms"`
	Valid      bool    `json:"valid"`
}

// HRVStatus tells callers whether the summary metrics can be used.
type HRVStatus string

const (
	HRVOK               HRVStatus = "ok"
	HRVInsufficientData HRVStatus = "insufficient_data"
)

// HRVSummary holds the statistics of the valid IBIs in a window. Metric
// pointers are nil when there is not enough data to compute them.
type HRVSummary struct {
	MeanHR      *float64  `json:"mean_hr"`
	SDNN        *float64  `json:"sdnn"`
	RMSSD       *float64  `json:"rmssd"`
	PNN50       *float64  `json:"pnn50"`
	WindowStart float64   `json:"window_start"`
	WindowEnd   float64   `json:"window_end"`
	ValidIBIs   int       `json:"n_valid_ibis"`
	Gaps        int       `json:"gaps"`
	Pairs       int       `json:"pairs"`
	Status      HRVStatus `json:"status"`
}

// Sufficient reports whether MeanHR and SDNN are populated.
func (h HRVSummary) Sufficient() bool {
	return h.Status == HRVOK
}

// Vitals are the latest point values used by the triage rules.
type Vitals struct {
	HeartRate   *float64 `json:"heart_rate"`
	Temperature *float64 `json:"temperature"`
}

// Float64Ptr returns a pointer to v.
func Float64Ptr(v float64) *float64 {
	return &v
}
