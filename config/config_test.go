package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_DefaultValues(t *testing.T) {
	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, "patient-1", cfg.PatientID)
	assert.Equal(t, 9600, cfg.SerialBaud)
	assert.Equal(t, 5*time.Second, cfg.OpenTimeout)
	assert.Equal(t, 250*time.Millisecond, cfg.BackoffInitial)
	assert.Equal(t, 4*time.Second, cfg.BackoffMax)
	assert.Equal(t, 18000, cfg.BufferCapacity)
	assert.Equal(t, 0.5, cfg.HighPassHz)
	assert.Equal(t, 8.0, cfg.LowPassHz)
	assert.Equal(t, 300*time.Millisecond, cfg.Refractory)
	assert.Equal(t, 300*time.Millisecond, cfg.IBIMin)
	assert.Equal(t, 2000*time.Millisecond, cfg.IBIMax)
	assert.Equal(t, 3, cfg.DowngradeCycles)
	assert.Equal(t, 130.0, cfg.OrangeBand.HRHigh)
	assert.Equal(t, 35.0, cfg.GrayBand.TempLow)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Empty(t, cfg.MQTTBroker)
	assert.Empty(t, cfg.RedisAddr)
}

func TestLoadConfig_EnvironmentVariables(t *testing.T) {
	t.Setenv("PATIENT_ID", "bed-7")
	t.Setenv("SERIAL_ENDPOINT", "tcp://127.0.0.1:7000")
	t.Setenv("SERIAL_BAUD", "19200")
	t.Setenv("RECONNECT_BACKOFF_MAX", "2s")
	t.Setenv("ORANGE_HR_HIGH", "125")
	t.Setenv("TRIAGE_DOWNGRADE_CYCLES", "5")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "bed-7", cfg.PatientID)
	assert.Equal(t, "tcp://127.0.0.1:7000", cfg.SerialEndpoint)
	assert.Equal(t, 19200, cfg.SerialBaud)
	assert.Equal(t, 2*time.Second, cfg.BackoffMax)
	assert.Equal(t, 125.0, cfg.OrangeBand.HRHigh)
	assert.Equal(t, 5, cfg.DowngradeCycles)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadConfig_InvalidValueFallsBackToDefault(t *testing.T) {
	t.Setenv("SERIAL_BAUD", "fast")
	t.Setenv("ANALYSIS_INTERVAL", "soon")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, 9600, cfg.SerialBaud)
	assert.Equal(t, 3*time.Second, cfg.AnalysisInterval)
}

func TestLoadConfig_RejectsInvertedBands(t *testing.T) {
	t.Setenv("GRAY_HR_HIGH", "110")

	_, err := LoadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "heart rate high limits")
}

func TestValidate(t *testing.T) {
	cfg, err := LoadConfig()
	require.NoError(t, err)

	cfg.LowPassHz = 0.2
	assert.Error(t, cfg.Validate())

	cfg.LowPassHz = 8
	cfg.DowngradeCycles = 0
	assert.Error(t, cfg.Validate())

	cfg.DowngradeCycles = 3
	cfg.IBIMax = cfg.IBIMin
	assert.Error(t, cfg.Validate())
}

func TestValidate_RejectsNonPositiveTimings(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"poll interval", func(c *Config) { c.PollInterval = 0 }, "DEVICE_POLL_INTERVAL"},
		{"negative poll interval", func(c *Config) { c.PollInterval = -time.Millisecond }, "DEVICE_POLL_INTERVAL"},
		{"refractory", func(c *Config) { c.Refractory = 0 }, "REFRACTORY"},
		{"segment length", func(c *Config) { c.SegmentSeconds = 0 }, "ARTIFACT_SEGMENT_SECONDS"},
		{"negative segment length", func(c *Config) { c.SegmentSeconds = -1 }, "ARTIFACT_SEGMENT_SECONDS"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := LoadConfig()
			require.NoError(t, err)

			tt.mutate(cfg)
			err = cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadConfig_RejectsZeroPollInterval(t *testing.T) {
	t.Setenv("DEVICE_POLL_INTERVAL", "0s")

	_, err := LoadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DEVICE_POLL_INTERVAL")
}

func TestGetEnv(t *testing.T) {
	assert.Equal(t, "default-value", getEnv("PPGTRIAGE_TEST_KEY", "default-value"))

	t.Setenv("PPGTRIAGE_TEST_KEY", "env-value")
	assert.Equal(t, "env-value", getEnv("PPGTRIAGE_TEST_KEY", "default-value"))
}
