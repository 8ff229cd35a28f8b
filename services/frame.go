package services

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode/utf8"

	"ppgtriage/models"
)

// maxFrameLen bounds a line without a terminator before it is discarded.
const maxFrameLen = 128

// FrameError reports a line that could not be parsed. The stream stays usable.
type FrameError struct {
	Line   string
	Reason string
}

func (e *FrameError) Error() string {
	return fmt.Sprintf("malformed frame %q: %s", e.Line, e.Reason)
}

// ParseFrame decodes one line of the device protocol, "ppg,temperature" or
// "ppg" alone. ok is false for blank lines, which are not an error.
func ParseFrame(line string, timestamp float64) (sample models.Sample, ok bool, err error) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return models.Sample{}, false, nil
	}
	if !utf8.ValidString(trimmed) {
		return models.Sample{}, false, &FrameError{Line: trimmed, Reason: "not valid text"}
	}

	fields := strings.Split(trimmed, ",")
	if len(fields) > 2 {
		return models.Sample{}, false, &FrameError{Line: trimmed, Reason: fmt.Sprintf("expected 1 or 2 fields, got %d", len(fields))}
	}

	values := make([]float64, len(fields))
	for i, f := range fields {
		v, perr := strconv.ParseFloat(strings.TrimSpace(f), 64)
		if perr != nil {
			return models.Sample{}, false, &FrameError{Line: trimmed, Reason: fmt.Sprintf("field %d is not a number", i+1)}
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return models.Sample{}, false, &FrameError{Line: trimmed, Reason: fmt.Sprintf("field %d is not finite", i+1)}
		}
		values[i] = v
	}

	sample = models.Sample{Timestamp: timestamp, PPG: values[0], Temperature: math.NaN()}
	if len(values) == 2 {
		sample.Temperature = values[1]
	}
	return sample, true, nil
}
