package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"ppgtriage/config"
	"ppgtriage/log"
	"ppgtriage/models"
	"ppgtriage/services"

	"go.uber.org/zap"
)

var (
	patient = flag.String("patient", "", "Only print this patient ID")
	asJSON  = flag.Bool("json", false, "Print raw JSON instead of a summary")
)

func formatOptional(v *float64, format string) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf(format, *v)
}

func printSummary(s *models.PatientSnapshot) {
	fmt.Printf("Patient: %s\n", s.PatientID)
	fmt.Printf("Triage:  %s %s", s.Triage.State.GetStatusEmoji(), s.Triage.State)
	if s.Triage.Override {
		fmt.Printf(" (override, rules say %s)", s.Triage.Candidate)
	}
	fmt.Printf("\nReason:  %s\n", s.Triage.Reason)
	fmt.Printf("HR:      %s bpm   Temp: %s °C\n",
		formatOptional(s.Vitals.HeartRate, "%.0f"),
		formatOptional(s.Vitals.Temperature, "%.1f"))
	fmt.Printf("HRV:     %s  SDNN %s ms  RMSSD %s ms  pNN50 %s\n",
		s.HRV.Status,
		formatOptional(s.HRV.SDNN, "%.1f"),
		formatOptional(s.HRV.RMSSD, "%.1f"),
		formatOptional(s.HRV.PNN50, "%.2f"))
	fmt.Printf("Link:    %s  frames %d  errors %d\n", s.Stats.Link, s.Stats.Frames, s.Stats.FrameErrors)
	fmt.Printf("Updated: %s\n", s.UpdatedAt.Format(time.RFC3339))
	fmt.Println("---")
}

func main() {
	flag.Parse()

	logger := log.Init("warn", "console")
	defer logger.Sync()

	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err))
	}

	// Validate environment variables
	if cfg.FirebaseServiceAccountJSON == "" {
		logger.Fatal("FIREBASE_SERVICE_ACCOUNT_JSON environment variable is not set")
	}
	if cfg.FirebaseDbUrl == "" {
		logger.Fatal("FIREBASE_DB_URL environment variable is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	firebaseService, err := services.NewFirebaseService(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize Firebase service", zap.Error(err))
	}
	defer firebaseService.Close()

	snapshots, err := firebaseService.GetSnapshots(ctx)
	if err != nil {
		logger.Fatal("Error reading patient snapshots", zap.Error(err))
	}

	fmt.Printf("Total patients found: %d\n", len(snapshots))

	for _, s := range snapshots {
		if *patient != "" && s.PatientID != *patient {
			continue
		}
		if *asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(s); err != nil {
				logger.Error("Failed to encode snapshot", zap.String("patient_id", s.PatientID), zap.Error(err))
			}
			continue
		}
		printSummary(s)
	}
}
