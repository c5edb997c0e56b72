package services

import (
	"fmt"
	"html"
	"strconv"
	"strings"
	"sync"
	"time"

	"camsync/config"
	"camsync/models"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
)

const alertThrottle = 15 * time.Second

// messageSender is the part of the bot API the notifier uses.
type messageSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramNotifier sends device alerts to a Telegram chat.
type TelegramNotifier struct {
	bot            messageSender
	chatID         int64
	deviceName     string
	logger         *zap.Logger
	now            func() time.Time
	mu             sync.Mutex
	lastAlertTimes map[models.AlertType]time.Time // Track last alert time per alert type
}

func NewTelegramNotifier(cfg *config.Config, logger *zap.Logger) (*TelegramNotifier, error) {
	bot, err := tgbotapi.NewBotAPI(cfg.TelegramBotToken)
	if err != nil {
		return nil, fmt.Errorf("error creating telegram bot: %w", err)
	}

	chatID, err := strconv.ParseInt(cfg.TelegramChatID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("error parsing chat ID: %w", err)
	}

	logger.Info("Telegram bot authorized", zap.String("username", bot.Self.UserName))

	tn := newTelegramNotifier(bot, chatID, cfg.DeviceName, logger)

	// Test Telegram connection with retry
	if err := tn.testConnection(bot); err != nil {
		logger.Error("Telegram connection test failed", zap.Error(err))
		return nil, fmt.Errorf("telegram connection test failed: %w", err)
	}

	return tn, nil
}

func newTelegramNotifier(bot messageSender, chatID int64, deviceName string, logger *zap.Logger) *TelegramNotifier {
	return &TelegramNotifier{
		bot:            bot,
		chatID:         chatID,
		deviceName:     deviceName,
		logger:         logger,
		now:            time.Now,
		lastAlertTimes: make(map[models.AlertType]time.Time),
	}
}

// testConnection tests Telegram connection with retry logic
func (tn *TelegramNotifier) testConnection(bot *tgbotapi.BotAPI) error {
	maxRetries := 3

	for attempt := 1; attempt <= maxRetries; attempt++ {
		tn.logger.Info("Testing Telegram connection", zap.Int("attempt", attempt), zap.Int("max_retries", maxRetries))

		_, err := bot.GetMe()
		if err == nil {
			tn.logger.Info("Telegram connection successful")
			return nil
		}

		tn.logger.Warn("Telegram connection failed",
			zap.Int("attempt", attempt),
			zap.Int("max_retries", maxRetries),
			zap.Error(err))

		if attempt < maxRetries {
			time.Sleep(time.Duration(attempt) * time.Second)
		}
	}

	return fmt.Errorf("failed to connect to Telegram after %d attempts", maxRetries)
}

func (tn *TelegramNotifier) send(text string) error {
	msg := tgbotapi.NewMessage(tn.chatID, text)
	msg.ParseMode = "HTML"
	msg.DisableWebPagePreview = true

	_, err := tn.bot.Send(msg)
	return err
}

// label is escaped for HTML parse mode, like every device-supplied string.
func (tn *TelegramNotifier) label(deviceID string) string {
	if tn.deviceName != "" {
		return html.EscapeString(fmt.Sprintf("%s (%s)", tn.deviceName, deviceID))
	}
	return html.EscapeString(deviceID)
}

// SendDeviceAlert reports battery and network conditions. Each alert type is sent
// at most once per throttle window.
func (tn *TelegramNotifier) SendDeviceAlert(alerts []*models.Alert, snap *models.StatusSnapshot) error {
	alerts = tn.unthrottled(alerts)
	if len(alerts) == 0 {
		return nil
	}

	var sb strings.Builder
	sb.WriteString("🚨 <b>CAMERA ALERT</b> 🚨\n\n")
	sb.WriteString(fmt.Sprintf("📱 <b>Device:</b> %s\n", tn.label(alerts[0].DeviceID)))
	sb.WriteString(fmt.Sprintf("🕐 <b>Time:</b> %s\n\n", alerts[0].Timestamp.Format("2006-01-02 15:04:05")))

	if snap != nil {
		sb.WriteString("📊 <b>Current Status:</b>\n")
		sb.WriteString(fmt.Sprintf("🎥 State: %s\n", html.EscapeString(snap.State)))
		sb.WriteString(fmt.Sprintf("🔋 Battery: %s\n", html.EscapeString(formatBattery(snap.Battery))))
		sb.WriteString(fmt.Sprintf("📶 Network: %s\n\n", html.EscapeString(snap.Network.Health)))
	}

	sb.WriteString("⚠️ <b>Detected Issues:</b>\n")
	for i, alert := range alerts {
		sb.WriteString(fmt.Sprintf("%s %s <b>%s</b>\n",
			alert.GetSeverityColor(),
			alert.GetAlertEmoji(),
			alertTitle(alert)))
		sb.WriteString(fmt.Sprintf("   └ %s\n", html.EscapeString(alert.Description)))

		if i < len(alerts)-1 {
			sb.WriteString("\n")
		}
	}

	if err := tn.send(sb.String()); err != nil {
		return fmt.Errorf("error sending telegram message: %w", err)
	}

	tn.logger.Info("Sent device alert",
		zap.String("device_id", alerts[0].DeviceID),
		zap.Int("alert_count", len(alerts)))
	return nil
}

// unthrottled drops alerts whose type was already sent within the throttle
// window and stamps the ones that remain.
func (tn *TelegramNotifier) unthrottled(alerts []*models.Alert) []*models.Alert {
	tn.mu.Lock()
	defer tn.mu.Unlock()

	now := tn.now()
	var out []*models.Alert
	for _, alert := range alerts {
		if last, ok := tn.lastAlertTimes[alert.Type]; ok && now.Sub(last) < alertThrottle {
			tn.logger.Debug("Throttling alert", zap.String("type", string(alert.Type)))
			continue
		}
		tn.lastAlertTimes[alert.Type] = now
		out = append(out, alert)
	}
	return out
}

func alertTitle(alert *models.Alert) string {
	switch alert.Type {
	case models.BatteryLow:
		return "Low Battery"
	case models.BatteryCritical:
		return "Battery Critical"
	case models.NetworkPoor:
		return "Poor Network"
	case models.DeviceWarning:
		return "Device Warning"
	default:
		return "Device Alert"
	}
}

// SendOfflineAlert reports a device that stopped producing fresh status.
func (tn *TelegramNotifier) SendOfflineAlert(deviceID string, lastSeen time.Time, offlineFor time.Duration, last *models.StatusSnapshot) error {
	var sb strings.Builder

	sb.WriteString("⚠️ <b>CAMERA OFFLINE</b> ⚠️\n\n")
	sb.WriteString(fmt.Sprintf("📱 <b>Device:</b> %s\n", tn.label(deviceID)))
	sb.WriteString(fmt.Sprintf("🕐 <b>Last Seen:</b> %s\n", lastSeen.Format("2006-01-02 15:04:05")))
	sb.WriteString(fmt.Sprintf("⏱️ <b>Offline For:</b> %s\n\n", formatDuration(offlineFor)))

	if last != nil && last.Message != "" {
		sb.WriteString(fmt.Sprintf("💬 <b>Reason:</b> %s\n\n", html.EscapeString(last.Message)))
	}

	sb.WriteString("💡 <b>Action Required:</b>\n")
	sb.WriteString("The camera may have lost power or connectivity. Please check the device.\n\n")
	sb.WriteString("🔴 <b>Status:</b> DEVICE OFFLINE")

	if err := tn.send(sb.String()); err != nil {
		return fmt.Errorf("error sending offline alert: %w", err)
	}

	tn.logger.Info("Sent offline alert",
		zap.String("device_id", deviceID),
		zap.Duration("offline_for", offlineFor))
	return nil
}

// SendRecoveryAlert reports a device that is producing fresh status again.
func (tn *TelegramNotifier) SendRecoveryAlert(deviceID string, downDuration time.Duration) error {
	var sb strings.Builder

	sb.WriteString("✅ <b>CAMERA RECOVERED</b> ✅\n\n")
	sb.WriteString(fmt.Sprintf("📱 <b>Device:</b> %s\n", tn.label(deviceID)))
	sb.WriteString(fmt.Sprintf("🕐 <b>Recovery Time:</b> %s\n", tn.now().Format("2006-01-02 15:04:05")))
	sb.WriteString(fmt.Sprintf("⏱️ <b>Downtime:</b> %s\n\n", formatDuration(downDuration)))
	sb.WriteString("🟢 <b>Status:</b> DEVICE ONLINE")

	if err := tn.send(sb.String()); err != nil {
		return fmt.Errorf("error sending recovery alert: %w", err)
	}

	tn.logger.Info("Sent recovery alert",
		zap.String("device_id", deviceID),
		zap.Duration("down_duration", downDuration))
	return nil
}

func formatBattery(b models.Battery) string {
	if b.Percent < 0 {
		return "unknown"
	}
	if b.Status != "" && b.Status != models.StateUnknown {
		return fmt.Sprintf("%d%% (%s)", b.Percent, b.Status)
	}
	return fmt.Sprintf("%d%%", b.Percent)
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
