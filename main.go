package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"ppgtriage/config"
	"ppgtriage/log"
	"ppgtriage/services"

	"go.uber.org/zap"
)

func main() {
	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.GetInstance().Fatal("Failed to load config", zap.Error(err))
	}

	// Initialize structured logger
	logger := log.Init(cfg.LogLevel, cfg.LogFormat)
	defer logger.Sync()

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// acquisition and buffer share one clock
	clock := services.NewMonotonicClock()
	buffer := services.NewSignalBuffer(cfg.BufferCapacity, clock)

	acquirer := services.NewAcquirer(cfg, buffer, services.ChannelOptions{Clock: clock}, logger)
	monitor := services.NewMonitor(cfg, buffer,
		services.NewSignalProcessor(cfg, logger),
		services.NewHRVAnalyzer(cfg, logger),
		services.NewTriageClassifier(cfg, logger),
		logger)
	monitor.AddStatsSource(acquirer)

	var sinks []services.SnapshotSink
	var closers []func()

	// Optional collaborators; each is enabled by its configuration.
	if cfg.HardwareAlertURL != "" {
		monitor.AddNotifier(services.NewHardwareStatusService(logger, cfg.HardwareAlertURL))
		logger.Info("Hardware status service initialized", zap.String("url", cfg.HardwareAlertURL))
	}

	if cfg.TelegramBotToken != "" && cfg.TelegramChatID != "" {
		telegramService, err := services.NewTelegramService(cfg, logger)
		if err != nil {
			logger.Error("Failed to initialize Telegram service, alerts disabled", zap.Error(err))
		} else {
			monitor.AddNotifier(telegramService)
			acquirer.AddNotifier(telegramService)
			if err := telegramService.SendStartupMessage(cfg.PatientID, cfg.SerialEndpoint); err != nil {
				logger.Warn("Failed to send startup message", zap.Error(err))
			}
		}
	}

	if cfg.MQTTBroker != "" {
		statusPublisher, err := services.NewStatusPublisher(cfg, logger)
		if err != nil {
			logger.Error("Failed to initialize MQTT status publisher", zap.Error(err))
		} else {
			monitor.AddNotifier(statusPublisher)
			acquirer.AddNotifier(statusPublisher)
			closers = append(closers, statusPublisher.Close)
		}
	}

	if cfg.RabbitMQURL != "" {
		rabbit, err := services.NewRabbitMQPublisher(cfg, logger)
		if err != nil {
			logger.Error("Failed to initialize RabbitMQ publisher", zap.Error(err))
		} else {
			monitor.AddNotifier(rabbit)
			closers = append(closers, func() { rabbit.Close() })
		}
	}

	if cfg.RedisAddr != "" {
		redisClient, err := services.NewRedisClient(ctx, cfg)
		if err != nil {
			logger.Error("Failed to initialize Redis snapshot store", zap.Error(err))
		} else {
			sinks = append(sinks, services.NewRedisSnapshotStore(cfg, redisClient, logger))
			closers = append(closers, func() { redisClient.Close() })
		}
	}

	if cfg.FirebaseDbUrl != "" && cfg.FirebaseServiceAccountJSON != "" {
		firebaseService, err := services.NewFirebaseService(ctx, cfg, logger)
		if err != nil {
			logger.Error("Failed to initialize Firebase service", zap.Error(err))
		} else {
			sinks = append(sinks, firebaseService)
			closers = append(closers, func() { firebaseService.Close() })
		}
	}

	var writer *services.SnapshotWriter
	if len(sinks) > 0 {
		writer = services.NewSnapshotWriter(cfg, logger, sinks...)
		monitor.SetSnapshotSubmitter(writer)
	}

	logger.Info("PPG triage monitor started",
		zap.String("patient_id", cfg.PatientID),
		zap.String("endpoint", cfg.SerialEndpoint),
		zap.Int("baud", cfg.SerialBaud),
		zap.Duration("analysis_window", cfg.AnalysisWindow),
		zap.Duration("analysis_interval", cfg.AnalysisInterval),
		zap.Int("downgrade_cycles", cfg.DowngradeCycles),
		zap.Int("snapshot_sinks", len(sinks)),
	)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		acquirer.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		monitor.Start(ctx)
	}()
	if writer != nil {
		go writer.Start(ctx)
	}

	// Set up graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("Shutdown signal received, stopping services")

	// Cancel context to stop all goroutines
	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		logger.Warn("Acquisition or analysis did not stop in time")
	}

	if writer != nil && !writer.WaitForShutdown(10*time.Second) {
		logger.Warn("Snapshot writer shutdown timeout, pending snapshots lost",
			zap.Int("pending", writer.PendingCount()))
	}

	for i := len(closers) - 1; i >= 0; i-- {
		closers[i]()
	}

	logger.Info("PPG triage monitor stopped")
}
