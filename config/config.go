package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Band holds the heart rate and temperature limits that put a patient into
// one triage level. A zero limit disables that rule.
type Band struct {
	HRHigh   float64
	HRLow    float64
	TempHigh float64
	TempLow  float64
}

type Config struct {
	// Acquisition
	PatientID            string
	SerialEndpoint       string
	SerialBaud           int
	OpenTimeout          time.Duration
	ReadTimeout          time.Duration
	SettleDelay          time.Duration
	PollInterval         time.Duration
	BackoffInitial       time.Duration
	BackoffMax           time.Duration
	DisconnectAlertAfter time.Duration

	// Signal buffer
	BufferCapacity int

	// Signal processing
	HighPassHz            float64
	LowPassHz             float64
	ThresholdFraction     float64
	ThresholdSpanSegments int
	Refractory            time.Duration
	SegmentSeconds        float64
	ArtifactMinRange      float64
	ArtifactMaxRange      float64
	ArtifactRelativeRange float64
	ArtifactMaxVariance   float64

	// HRV
	IBIMin         time.Duration
	IBIMax         time.Duration
	RecentIBIs     int
	TempAverageN   int
	AnalysisWindow time.Duration
	DisplayWindow  time.Duration

	// Triage
	AnalysisInterval time.Duration
	DowngradeCycles  int
	YellowBand       Band
	OrangeBand       Band
	GrayBand         Band
	RMSSDDepressed   float64
	SDNNDepressed    float64

	// Collaborators (all optional)
	MQTTBroker                 string
	MQTTClientID               string
	MQTTUsername               string
	MQTTPassword               string
	MQTTTopicPrefix            string
	HardwareAlertURL           string
	TelegramBotToken           string
	TelegramChatID             string
	RabbitMQURL                string
	RabbitMQExchange           string
	RabbitMQRoutingKey         string
	RedisAddr                  string
	RedisPassword              string
	RedisDB                    int
	RedisKeyPrefix             string
	SnapshotTTL                time.Duration
	FirebaseDbUrl              string
	FirebaseServiceAccountJSON string
	SnapshotFlushInterval      time.Duration

	LogLevel  string
	LogFormat string
}

func LoadConfig() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	config := &Config{
		PatientID:            getEnv("PATIENT_ID", "patient-1"),
		SerialEndpoint:       getEnv("SERIAL_ENDPOINT", "/dev/ttyUSB0"),
		SerialBaud:           getEnvInt("SERIAL_BAUD", 9600),
		OpenTimeout:          getEnvDuration("DEVICE_OPEN_TIMEOUT", 5*time.Second),
		ReadTimeout:          getEnvDuration("DEVICE_READ_TIMEOUT", 5*time.Second),
		SettleDelay:          getEnvDuration("DEVICE_SETTLE_DELAY", 2*time.Second),
		PollInterval:         getEnvDuration("DEVICE_POLL_INTERVAL", 10*time.Millisecond),
		BackoffInitial:       getEnvDuration("RECONNECT_BACKOFF_INITIAL", 250*time.Millisecond),
		BackoffMax:           getEnvDuration("RECONNECT_BACKOFF_MAX", 4*time.Second),
		DisconnectAlertAfter: getEnvDuration("DISCONNECT_ALERT_AFTER", 10*time.Second),

		BufferCapacity: getEnvInt("BUFFER_CAPACITY", 18000),

		HighPassHz:            getEnvFloat("HIGHPASS_CUTOFF_HZ", 0.5),
		LowPassHz:             getEnvFloat("LOWPASS_CUTOFF_HZ", 8.0),
		ThresholdFraction:     getEnvFloat("PEAK_THRESHOLD_FRACTION", 0.5),
		ThresholdSpanSegments: getEnvInt("PEAK_THRESHOLD_SPAN_SEGMENTS", 2),
		Refractory:            getEnvDuration("REFRACTORY", 300*time.Millisecond),
		SegmentSeconds:        getEnvFloat("ARTIFACT_SEGMENT_SECONDS", 1.0),
		ArtifactMinRange:      getEnvFloat("ARTIFACT_MIN_RANGE", 5),
		ArtifactMaxRange:      getEnvFloat("ARTIFACT_MAX_RANGE", 600),
		ArtifactRelativeRange: getEnvFloat("ARTIFACT_RELATIVE_RANGE", 3.0),
		ArtifactMaxVariance:   getEnvFloat("ARTIFACT_MAX_VARIANCE", 0),

		IBIMin:         getEnvDuration("IBI_MIN", 300*time.Millisecond),
		IBIMax:         getEnvDuration("IBI_MAX", 2000*time.Millisecond),
		RecentIBIs:     getEnvInt("RECENT_IBIS", 5),
		TempAverageN:   getEnvInt("TEMPERATURE_AVERAGE_SAMPLES", 10),
		AnalysisWindow: getEnvDuration("ANALYSIS_WINDOW", 30*time.Second),
		DisplayWindow:  getEnvDuration("DISPLAY_WINDOW", 10*time.Second),

		AnalysisInterval: getEnvDuration("ANALYSIS_INTERVAL", 3*time.Second),
		DowngradeCycles:  getEnvInt("TRIAGE_DOWNGRADE_CYCLES", 3),
		// Default bands are placeholders pending clinical validation.
		YellowBand: Band{
			HRHigh:   getEnvFloat("YELLOW_HR_HIGH", 100),
			HRLow:    getEnvFloat("YELLOW_HR_LOW", 50),
			TempHigh: getEnvFloat("YELLOW_TEMP_HIGH", 38.0),
			TempLow:  getEnvFloat("YELLOW_TEMP_LOW", 0),
		},
		OrangeBand: Band{
			HRHigh:   getEnvFloat("ORANGE_HR_HIGH", 130),
			HRLow:    getEnvFloat("ORANGE_HR_LOW", 45),
			TempHigh: getEnvFloat("ORANGE_TEMP_HIGH", 39.0),
			TempLow:  getEnvFloat("ORANGE_TEMP_LOW", 0),
		},
		GrayBand: Band{
			HRHigh:   getEnvFloat("GRAY_HR_HIGH", 150),
			HRLow:    getEnvFloat("GRAY_HR_LOW", 40),
			TempHigh: getEnvFloat("GRAY_TEMP_HIGH", 40.0),
			TempLow:  getEnvFloat("GRAY_TEMP_LOW", 35.0),
		},
		RMSSDDepressed: getEnvFloat("HRV_RMSSD_DEPRESSED", 15),
		SDNNDepressed:  getEnvFloat("HRV_SDNN_DEPRESSED", 20),

		MQTTBroker:      getEnv("MQTT_BROKER", ""),
		MQTTClientID:    getEnv("MQTT_CLIENT_ID", "ppgtriage"),
		MQTTUsername:    getEnv("MQTT_USERNAME", ""),
		MQTTPassword:    getEnv("MQTT_PASSWORD", ""),
		MQTTTopicPrefix: getEnv("MQTT_TOPIC_PREFIX", "triage"),

		HardwareAlertURL: getEnv("HARDWARE_ALERT_URL", ""),
		TelegramBotToken: getEnv("TELEGRAM_BOT_TOKEN", ""),
		TelegramChatID:   getEnv("TELEGRAM_CHAT_ID", ""),

		RabbitMQURL:        getEnv("RABBITMQ_URL", ""),
		RabbitMQExchange:   getEnv("RABBITMQ_EXCHANGE", "triage.events"),
		RabbitMQRoutingKey: getEnv("RABBITMQ_ROUTING_KEY", "triage.state"),

		RedisAddr:      getEnv("REDIS_ADDR", ""),
		RedisPassword:  getEnv("REDIS_PASSWORD", ""),
		RedisDB:        getEnvInt("REDIS_DB", 0),
		RedisKeyPrefix: getEnv("REDIS_KEY_PREFIX", "triage:patient:"),
		SnapshotTTL:    getEnvDuration("SNAPSHOT_TTL", 30*time.Second),

		FirebaseDbUrl:              getEnv("FIREBASE_DB_URL", ""),
		FirebaseServiceAccountJSON: getEnv("FIREBASE_SERVICE_ACCOUNT_JSON", ""),
		SnapshotFlushInterval:      getEnvDuration("SNAPSHOT_FLUSH_INTERVAL", 2*time.Second),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate rejects settings the pipeline cannot run with.
func (c *Config) Validate() error {
	if c.PatientID == "" {
		return fmt.Errorf("PATIENT_ID must not be empty")
	}
	if c.SerialBaud <= 0 {
		return fmt.Errorf("SERIAL_BAUD must be positive, got %d", c.SerialBaud)
	}
	if c.BufferCapacity <= 0 {
		return fmt.Errorf("BUFFER_CAPACITY must be positive, got %d", c.BufferCapacity)
	}
	if c.HighPassHz <= 0 || c.LowPassHz <= c.HighPassHz {
		return fmt.Errorf("filter cutoffs must satisfy 0 < highpass (%.2f) < lowpass (%.2f)", c.HighPassHz, c.LowPassHz)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("DEVICE_POLL_INTERVAL must be positive, got %s", c.PollInterval)
	}
	if c.Refractory <= 0 {
		return fmt.Errorf("REFRACTORY must be positive, got %s", c.Refractory)
	}
	if c.SegmentSeconds <= 0 {
		return fmt.Errorf("ARTIFACT_SEGMENT_SECONDS must be positive, got %.2f", c.SegmentSeconds)
	}
	if c.ThresholdFraction <= 0 || c.ThresholdFraction >= 1 {
		return fmt.Errorf("PEAK_THRESHOLD_FRACTION must be in (0,1), got %.2f", c.ThresholdFraction)
	}
	if c.IBIMin <= 0 || c.IBIMax <= c.IBIMin {
		return fmt.Errorf("IBI bounds must satisfy 0 < min (%s) < max (%s)", c.IBIMin, c.IBIMax)
	}
	if c.DowngradeCycles < 1 {
		return fmt.Errorf("TRIAGE_DOWNGRADE_CYCLES must be at least 1, got %d", c.DowngradeCycles)
	}
	if c.AnalysisInterval <= 0 || c.AnalysisWindow <= 0 {
		return fmt.Errorf("analysis interval and window must be positive")
	}
	if c.BackoffInitial <= 0 || c.BackoffMax < c.BackoffInitial {
		return fmt.Errorf("reconnect backoff must satisfy 0 < initial (%s) <= max (%s)", c.BackoffInitial, c.BackoffMax)
	}
	if c.OrangeBand.HRHigh < c.YellowBand.HRHigh || c.GrayBand.HRHigh < c.OrangeBand.HRHigh {
		return fmt.Errorf("heart rate high limits must increase from yellow to gray")
	}
	if c.OrangeBand.HRLow > c.YellowBand.HRLow || c.GrayBand.HRLow > c.OrangeBand.HRLow {
		return fmt.Errorf("heart rate low limits must decrease from yellow to gray")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go duration strings ("250ms", "5s").
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
