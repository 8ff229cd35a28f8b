package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"ppgtriage/models"

	"go.uber.org/zap"
)

// HardwareStatusService drives the bedside indicator over its HTTP API.
type HardwareStatusService struct {
	logger     *zap.Logger
	apiURL     string
	httpClient *http.Client
}

// HardwareStatusPayload represents the payload sent to the indicator API
type HardwareStatusPayload struct {
	PatientID string `json:"patient_id"`
	State     string `json:"state"`
	Override  bool   `json:"override"`
	Blink     bool   `json:"blink"`
	Reason    string `json:"reason"`
	Timestamp string `json:"timestamp"`
}

// NewHardwareStatusService creates a new indicator client
func NewHardwareStatusService(logger *zap.Logger, apiURL string) *HardwareStatusService {
	return &HardwareStatusService{
		logger: logger,
		apiURL: strings.TrimRight(apiURL, "/"),
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// NotifyTriage pushes the state the indicator must show. A held escalation
// keeps the override colour and blinks.
func (h *HardwareStatusService) NotifyTriage(ctx context.Context, event models.TriageEvent) error {
	payload := HardwareStatusPayload{
		PatientID: event.PatientID,
		State:     event.To.String(),
		Override:  event.Override,
		Blink:     event.Suppressed,
		Reason:    event.Reason,
		Timestamp: event.Timestamp.UTC().Format(time.RFC3339),
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	endpoint := fmt.Sprintf("%s/api/v1/triage-status", h.apiURL)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewBuffer(jsonData))
	if err != nil {
		h.logger.Error("Failed to create HTTP request",
			zap.Error(err),
			zap.String("url", endpoint),
		)
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "PPG-Triage-Monitor/1.0")

	resp, err := h.httpClient.Do(req)
	if err != nil {
		h.logger.Error("Failed to send indicator update",
			zap.Error(err),
			zap.String("patient_id", event.PatientID),
			zap.String("url", endpoint),
		)
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		h.logger.Info("Indicator updated",
			zap.String("patient_id", event.PatientID),
			zap.String("state", payload.State),
			zap.Bool("blink", payload.Blink),
			zap.Int("status_code", resp.StatusCode),
		)
		return nil
	}

	h.logger.Error("Indicator API returned error",
		zap.String("patient_id", event.PatientID),
		zap.Int("status_code", resp.StatusCode),
		zap.String("status", resp.Status),
	)
	return fmt.Errorf("indicator API error: %s", resp.Status)
}
