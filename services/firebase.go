package services

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"ppgtriage/config"
	"ppgtriage/models"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/db"
	"go.uber.org/zap"
	"google.golang.org/api/option"
)

const firebasePatientsPath = "patients"

// FirebaseService mirrors the latest snapshot of every patient into the
// Realtime Database for the remote ward view. The waveform is left out.
type FirebaseService struct {
	client *db.Client
	config *config.Config
	logger *zap.Logger
}

func NewFirebaseService(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*FirebaseService, error) {
	// Parse the service account JSON from environment variable
	serviceAccountJSON := []byte(cfg.FirebaseServiceAccountJSON)

	// Initialize Firebase app
	conf := &firebase.Config{
		DatabaseURL: cfg.FirebaseDbUrl,
	}

	opt := option.WithCredentialsJSON(serviceAccountJSON)
	app, err := firebase.NewApp(ctx, conf, opt)
	if err != nil {
		return nil, fmt.Errorf("error initializing firebase app: %w", err)
	}

	// Get database client
	client, err := app.Database(ctx)
	if err != nil {
		return nil, fmt.Errorf("error getting database client: %w", err)
	}

	fs := &FirebaseService{
		client: client,
		config: cfg,
		logger: logger,
	}

	// Test Firebase connection with retry
	if err := fs.testConnection(ctx); err != nil {
		logger.Error("Firebase connection test failed", zap.Error(err))
		return nil, fmt.Errorf("firebase connection test failed: %w", err)
	}

	return fs, nil
}

// testConnection tests Firebase connection with retry logic
func (fs *FirebaseService) testConnection(ctx context.Context) error {
	maxRetries := 3

	for attempt := 1; attempt <= maxRetries; attempt++ {
		fs.logger.Info("Testing Firebase connection", zap.Int("attempt", attempt), zap.Int("max_retries", maxRetries))

		ref := fs.client.NewRef(firebasePatientsPath)
		var data interface{}
		err := ref.Get(ctx, &data)

		if err == nil {
			fs.logger.Info("Firebase connection successful")
			return nil
		}

		fs.logger.Warn("Firebase connection failed",
			zap.Int("attempt", attempt),
			zap.Int("max_retries", maxRetries),
			zap.Error(err))

		if attempt < maxRetries {
			time.Sleep(time.Duration(attempt) * time.Second)
		}
	}

	return fmt.Errorf("failed to connect to Firebase after %d attempts", maxRetries)
}

func (fs *FirebaseService) Name() string {
	return "firebase"
}

// firebaseKey replaces the characters Realtime Database forbids in keys.
func firebaseKey(patientID string) string {
	return strings.NewReplacer(".", "_", "#", "_", "$", "_", "[", "_", "]", "_", "/", "_").Replace(patientID)
}

// firebaseRecords keys snapshots by patient and drops the waveform.
func firebaseRecords(snapshots []*models.PatientSnapshot) map[string]interface{} {
	records := make(map[string]interface{}, len(snapshots))
	for _, s := range snapshots {
		record := *s
		record.Window = nil
		records[firebaseKey(s.PatientID)] = &record
	}
	return records
}

// WriteSnapshots updates every patient node in one multi-path write.
func (fs *FirebaseService) WriteSnapshots(ctx context.Context, snapshots []*models.PatientSnapshot) error {
	if len(snapshots) == 0 {
		return nil
	}

	ref := fs.client.NewRef(firebasePatientsPath)
	if err := ref.Update(ctx, firebaseRecords(snapshots)); err != nil {
		return fmt.Errorf("error updating patient snapshots: %w", err)
	}

	fs.logger.Debug("Wrote snapshots to Firebase", zap.Int("count", len(snapshots)))
	return nil
}

// GetSnapshots reads back every stored patient snapshot, sorted by patient ID.
func (fs *FirebaseService) GetSnapshots(ctx context.Context) ([]*models.PatientSnapshot, error) {
	ref := fs.client.NewRef(firebasePatientsPath)

	var data map[string]*models.PatientSnapshot
	if err := ref.Get(ctx, &data); err != nil {
		return nil, fmt.Errorf("error getting patient snapshots: %w", err)
	}

	out := make([]*models.PatientSnapshot, 0, len(data))
	for key, s := range data {
		if s == nil {
			fs.logger.Warn("Invalid snapshot record", zap.String("record_id", key))
			continue
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PatientID < out[j].PatientID })
	return out, nil
}

// Close closes the Firebase connection
func (fs *FirebaseService) Close() error {
	fs.logger.Info("Closing Firebase service")
	// Firebase client doesn't require explicit closing but we log it
	return nil
}
