package services

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"ppgtriage/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestHardwareStatus_PostsState(t *testing.T) {
	var (
		got    HardwareStatusPayload
		path   string
		header http.Header
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		header = r.Header.Clone()
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	h := NewHardwareStatusService(zap.NewNop(), server.URL+"/")
	event := models.TriageEvent{
		PatientID:  "bed-9",
		From:       models.Yellow,
		To:         models.Yellow,
		Candidate:  models.Gray,
		Override:   true,
		Suppressed: true,
		Reason:     "Temperature 40.5°C at or above gray limit of 40.0°C",
		Timestamp:  time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}

	require.NoError(t, h.NotifyTriage(context.Background(), event))
	assert.Equal(t, "/api/v1/triage-status", path)
	assert.Equal(t, "application/json", header.Get("Content-Type"))
	assert.Equal(t, "bed-9", got.PatientID)
	assert.Equal(t, "yellow", got.State)
	assert.True(t, got.Override)
	assert.True(t, got.Blink)
	assert.Equal(t, "2026-03-01T10:00:00Z", got.Timestamp)
}

func TestHardwareStatus_ErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	h := NewHardwareStatusService(zap.NewNop(), server.URL)
	err := h.NotifyTriage(context.Background(), models.TriageEvent{PatientID: "bed-9", To: models.Orange})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}
