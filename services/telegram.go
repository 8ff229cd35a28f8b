package services

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"ppgtriage/config"
	"ppgtriage/models"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
)

// telegramSender is the part of *tgbotapi.BotAPI the service uses.
type telegramSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramService posts clinician alerts for escalations to orange or gray,
// manual overrides and device outages.
type TelegramService struct {
	bot            telegramSender
	chatID         int64
	logger         *zap.Logger
	throttle       time.Duration
	mu             sync.Mutex
	lastAlertTimes map[string]time.Time // last alert per patient and state
	now            func() time.Time
}

func NewTelegramService(cfg *config.Config, logger *zap.Logger) (*TelegramService, error) {
	bot, err := tgbotapi.NewBotAPI(cfg.TelegramBotToken)
	if err != nil {
		return nil, fmt.Errorf("error creating telegram bot: %w", err)
	}

	chatID, err := strconv.ParseInt(cfg.TelegramChatID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("error parsing chat ID: %w", err)
	}

	logger.Info("Telegram bot authorized", zap.String("username", bot.Self.UserName))

	ts := newTelegramService(bot, chatID, logger)

	// Test Telegram connection with retry
	if err := ts.testConnection(bot); err != nil {
		logger.Error("Telegram connection test failed", zap.Error(err))
		return nil, fmt.Errorf("telegram connection test failed: %w", err)
	}

	return ts, nil
}

func newTelegramService(bot telegramSender, chatID int64, logger *zap.Logger) *TelegramService {
	return &TelegramService{
		bot:            bot,
		chatID:         chatID,
		logger:         logger,
		throttle:       15 * time.Second,
		lastAlertTimes: make(map[string]time.Time),
		now:            time.Now,
	}
}

// testConnection tests Telegram connection with retry logic
func (ts *TelegramService) testConnection(bot *tgbotapi.BotAPI) error {
	maxRetries := 3

	for attempt := 1; attempt <= maxRetries; attempt++ {
		ts.logger.Info("Testing Telegram connection", zap.Int("attempt", attempt), zap.Int("max_retries", maxRetries))

		_, err := bot.GetMe()
		if err == nil {
			ts.logger.Info("Telegram connection successful")
			return nil
		}

		ts.logger.Warn("Telegram connection failed",
			zap.Int("attempt", attempt),
			zap.Int("max_retries", maxRetries),
			zap.Error(err))

		if attempt < maxRetries {
			time.Sleep(time.Duration(attempt) * time.Second)
		}
	}

	return fmt.Errorf("failed to connect to Telegram after %d attempts", maxRetries)
}

// shouldAlert decides which triage events reach the chat.
func shouldAlert(event models.TriageEvent) bool {
	if event.Suppressed || (event.Override && !event.Automatic) {
		return true
	}
	return event.IsEscalation() && event.To >= models.Orange
}

// NotifyTriage sends an alert for serious escalations. A repeat of the same
// state for a patient within the throttle window is dropped; a higher
// state is always sent.
func (ts *TelegramService) NotifyTriage(_ context.Context, event models.TriageEvent) error {
	if !shouldAlert(event) {
		return nil
	}

	key := event.PatientID + "/" + event.To.String()
	if event.Suppressed {
		key += "/held/" + event.Candidate.String()
	}

	ts.mu.Lock()
	last, seen := ts.lastAlertTimes[key]
	if seen && ts.now().Sub(last) < ts.throttle {
		ts.mu.Unlock()
		ts.logger.Debug("Throttling triage alert", zap.String("patient_id", event.PatientID), zap.String("state", event.To.String()))
		return nil
	}
	ts.lastAlertTimes[key] = ts.now()
	ts.mu.Unlock()

	if err := ts.send(formatTriageMessage(event)); err != nil {
		return fmt.Errorf("error sending triage alert: %w", err)
	}

	ts.logger.Info("Sent triage alert",
		zap.String("patient_id", event.PatientID),
		zap.String("from", event.From.String()),
		zap.String("to", event.To.String()),
		zap.Bool("suppressed", event.Suppressed))
	return nil
}

// NotifyLink sends device outage and recovery alerts.
func (ts *TelegramService) NotifyLink(_ context.Context, event models.LinkEvent) error {
	if err := ts.send(formatLinkMessage(event)); err != nil {
		return fmt.Errorf("error sending link alert: %w", err)
	}

	ts.logger.Info("Sent link alert",
		zap.String("patient_id", event.PatientID),
		zap.String("status", string(event.Status)),
		zap.Duration("downtime", event.Downtime))
	return nil
}

// SendStartupMessage sends a message when the service starts
func (ts *TelegramService) SendStartupMessage(patientID, endpoint string) error {
	message := "🟢 <b>Triage Monitor Started</b>\n\n" +
		fmt.Sprintf("🛏️ <b>Patient:</b> %s\n", patientID) +
		fmt.Sprintf("🔌 <b>Device:</b> <code>%s</code>\n\n", endpoint) +
		"✅ Monitoring pulse and temperature."
	return ts.send(message)
}

func (ts *TelegramService) send(text string) error {
	msg := tgbotapi.NewMessage(ts.chatID, text)
	msg.ParseMode = "HTML"
	msg.DisableWebPagePreview = true

	_, err := ts.bot.Send(msg)
	return err
}

// formatTriageMessage creates a mobile-friendly alert for a triage event
func formatTriageMessage(event models.TriageEvent) string {
	var sb strings.Builder

	if event.Suppressed {
		sb.WriteString("⚠️ <b>ESCALATION HELD BY OVERRIDE</b> ⚠️\n\n")
	} else if event.Override && !event.Automatic {
		sb.WriteString("✋ <b>MANUAL TRIAGE OVERRIDE</b>\n\n")
	} else {
		sb.WriteString(fmt.Sprintf("🚨 <b>TRIAGE %s</b> 🚨\n\n", strings.ToUpper(event.To.String())))
	}

	sb.WriteString(fmt.Sprintf("🛏️ <b>Patient:</b> %s\n", event.PatientID))
	sb.WriteString(fmt.Sprintf("🕐 <b>Time:</b> %s\n\n", event.Timestamp.Format("2006-01-02 15:04:05")))

	sb.WriteString(fmt.Sprintf("%s %s → %s %s\n",
		event.From.GetStatusEmoji(), event.From, event.To.GetStatusEmoji(), event.To))
	if event.Suppressed {
		sb.WriteString(fmt.Sprintf("🔒 Rules suggest %s %s; manual state kept\n",
			event.Candidate.GetStatusEmoji(), event.Candidate))
	}
	sb.WriteString(fmt.Sprintf("   └ %s\n", event.Reason))
	sb.WriteString(fmt.Sprintf("📈 <b>Confidence:</b> %.0f%%\n\n", event.Confidence*100))

	sb.WriteString("💡 <b>Recommended Action:</b>\n")
	if event.Suppressed {
		sb.WriteString("Review the patient and confirm or clear the manual triage state.")
	} else if event.Override && !event.Automatic {
		sb.WriteString("Automatic escalation is paused for this patient until the override is cleared.")
	} else {
		sb.WriteString("Assess the patient at the bedside.")
	}
	return sb.String()
}

// formatLinkMessage creates an outage or recovery alert
func formatLinkMessage(event models.LinkEvent) string {
	var sb strings.Builder

	if event.Status == models.LinkDisconnected {
		sb.WriteString("⚠️ <b>MONITOR DISCONNECTED</b> ⚠️\n\n")
		sb.WriteString(fmt.Sprintf("🛏️ <b>Patient:</b> %s\n", event.PatientID))
		sb.WriteString(fmt.Sprintf("🔌 <b>Device:</b> <code>%s</code>\n", event.Endpoint))
		sb.WriteString(fmt.Sprintf("🕐 <b>Down Since:</b> %s\n", event.Since.Format("2006-01-02 15:04:05")))
		sb.WriteString(fmt.Sprintf("⏱️ <b>Downtime:</b> %s\n", formatDuration(event.Downtime)))
		if event.LastError != "" {
			sb.WriteString(fmt.Sprintf("❌ <b>Last Error:</b> %s\n", event.LastError))
		}
		sb.WriteString("\n💡 <b>Action Required:</b>\nCheck the sensor cable and device power. Triage is not updating.\n\n")
		sb.WriteString("🔴 <b>Status:</b> NO SIGNAL")
		return sb.String()
	}

	sb.WriteString("✅ <b>MONITOR RECONNECTED</b> ✅\n\n")
	sb.WriteString(fmt.Sprintf("🛏️ <b>Patient:</b> %s\n", event.PatientID))
	sb.WriteString(fmt.Sprintf("🔌 <b>Device:</b> <code>%s</code>\n", event.Endpoint))
	sb.WriteString(fmt.Sprintf("⏱️ <b>Downtime:</b> %s\n\n", formatDuration(event.Downtime)))
	sb.WriteString("🟢 <b>Status:</b> SIGNAL RESTORED")
	return sb.String()
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%.0f seconds", d.Seconds())
	} else if d < time.Hour {
		minutes := int(d.Minutes())
		seconds := int(d.Seconds()) % 60
		return fmt.Sprintf("%d min %d sec", minutes, seconds)
	} else if d < 24*time.Hour {
		hours := int(d.Hours())
		minutes := int(d.Minutes()) % 60
		return fmt.Sprintf("%d hr %d min", hours, minutes)
	}
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	return fmt.Sprintf("%d days %d hr", days, hours)
}
