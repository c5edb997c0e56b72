package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	QueueBackendRelay    = "relay"
	QueueBackendFirebase = "firebase"
)

type Config struct {
	LogLevel       string
	LogDevelopment bool

	// Browsing context
	Hostname       string
	LocalDeviceURL string
	RelayURL       string
	CloudHosts     []string

	// Device session, empty DeviceID means not yet authenticated
	DeviceID          string
	UserID            string
	StreamAccessToken string
	DeviceName        string
	SessionTTL        time.Duration

	// Realtime channel
	MQTTBrokerURL     string
	MQTTUsername      string
	MQTTPassword      string
	MQTTTopicPrefix   string
	CommandAckTimeout time.Duration

	// Cross-tab broadcast, empty URL selects the in-process hub
	RabbitMQURL      string
	RabbitMQExchange string

	// Command queue
	QueueBackend               string
	FirebaseDbUrl              string
	FirebaseServiceAccountJSON string

	TelegramBotToken string
	TelegramChatID   string

	PollInterval         time.Duration
	LeaderActivityWindow time.Duration
	TabVisible           bool
	HTTPTimeout          time.Duration
	ListenAddr           string

	// Playback tuning
	MaxBufferLength    time.Duration
	MaxMaxBufferLength time.Duration
	LiveSyncCount      int
	MaxLatency         time.Duration
	RecoveryCooldown   time.Duration
	MaxMediaRecoveries int
	RebuildDelay       time.Duration

	// Thresholds for device alerts
	BatteryWarnPercent int
	OfflineAlertAfter  time.Duration
}

func LoadConfig() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	pollInterval := getEnvDuration("POLL_INTERVAL", 2*time.Second)
	httpTimeout := getEnvDuration("HTTP_TIMEOUT", 10*time.Second)

	config := &Config{
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		LogDevelopment: getEnvBool("LOG_DEVELOPMENT", false),

		Hostname:       getEnv("DASHBOARD_HOST", "localhost"),
		LocalDeviceURL: getEnv("LOCAL_DEVICE_URL", "http://localhost:8080"),
		RelayURL:       getEnv("RELAY_URL", "https://live.fadseclab.com:8443"),
		CloudHosts:     getEnvList("CLOUD_HOSTS", []string{"fadcam.fadseclab.com"}),

		DeviceID:          getEnv("DEVICE_ID", ""),
		UserID:            getEnv("USER_ID", ""),
		StreamAccessToken: getEnv("STREAM_ACCESS_TOKEN", ""),
		DeviceName:        getEnv("DEVICE_NAME", ""),
		SessionTTL:        getEnvDuration("SESSION_TTL", 0),

		MQTTBrokerURL:     getEnv("MQTT_BROKER_URL", ""),
		MQTTUsername:      getEnv("MQTT_USERNAME", ""),
		MQTTPassword:      getEnv("MQTT_PASSWORD", ""),
		MQTTTopicPrefix:   getEnv("MQTT_TOPIC_PREFIX", "device"),
		CommandAckTimeout: getEnvDuration("COMMAND_ACK_TIMEOUT", 3*time.Second),

		RabbitMQURL:      getEnv("RABBITMQ_URL", ""),
		RabbitMQExchange: getEnv("RABBITMQ_EXCHANGE", "camsync.dashboard_sync"),

		QueueBackend:               getEnv("QUEUE_BACKEND", QueueBackendRelay),
		FirebaseDbUrl:              getEnv("FIREBASE_DB_URL", ""),
		FirebaseServiceAccountJSON: getEnv("FIREBASE_SERVICE_ACCOUNT_JSON", ""),

		TelegramBotToken: getEnv("TELEGRAM_BOT_TOKEN", ""),
		TelegramChatID:   getEnv("TELEGRAM_CHAT_ID", ""),

		PollInterval:         pollInterval,
		LeaderActivityWindow: getEnvDuration("LEADER_ACTIVITY_WINDOW", defaultActivityWindow(pollInterval, httpTimeout)),
		TabVisible:           getEnvBool("TAB_VISIBLE", true),
		HTTPTimeout:          httpTimeout,
		ListenAddr:           getEnv("LISTEN_ADDR", ":8090"),

		// Default buffer policy favors stability over latency
		MaxBufferLength:    getEnvDuration("HLS_MAX_BUFFER", 12*time.Second),
		MaxMaxBufferLength: getEnvDuration("HLS_MAX_MAX_BUFFER", 15*time.Second),
		LiveSyncCount:      getEnvInt("HLS_LIVE_SYNC_COUNT", 2),
		MaxLatency:         getEnvDuration("HLS_MAX_LATENCY", 60*time.Second),
		RecoveryCooldown:   getEnvDuration("HLS_RECOVERY_COOLDOWN", 5*time.Second),
		MaxMediaRecoveries: getEnvInt("HLS_MAX_MEDIA_RECOVERIES", 3),
		RebuildDelay:       getEnvDuration("HLS_REBUILD_DELAY", time.Second),

		BatteryWarnPercent: getEnvInt("BATTERY_WARN_PERCENT", 20),
		OfflineAlertAfter:  getEnvDuration("OFFLINE_ALERT_AFTER", 30*time.Second),
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate checks combinations that cannot be defaulted.
func (c *Config) Validate() error {
	if c.PollInterval <= 0 {
		return errors.New("POLL_INTERVAL must be positive")
	}
	if c.CommandAckTimeout <= 0 {
		return errors.New("COMMAND_ACK_TIMEOUT must be positive")
	}
	if c.DeviceID != "" && c.UserID == "" {
		return errors.New("USER_ID is required when DEVICE_ID is set")
	}
	switch c.QueueBackend {
	case QueueBackendRelay:
	case QueueBackendFirebase:
		if c.FirebaseDbUrl == "" || c.FirebaseServiceAccountJSON == "" {
			return errors.New("firebase queue backend requires FIREBASE_DB_URL and FIREBASE_SERVICE_ACCOUNT_JSON")
		}
	default:
		return fmt.Errorf("unknown QUEUE_BACKEND %q", c.QueueBackend)
	}
	// a leader stuck in one slow poll must not look absent to its followers
	if c.LeaderActivityWindow > 0 && c.LeaderActivityWindow < c.HTTPTimeout+c.PollInterval {
		return fmt.Errorf("LEADER_ACTIVITY_WINDOW %s is shorter than HTTP_TIMEOUT + POLL_INTERVAL (%s)",
			c.LeaderActivityWindow, c.HTTPTimeout+c.PollInterval)
	}
	if c.MaxMediaRecoveries < 0 {
		return errors.New("HLS_MAX_MEDIA_RECOVERIES must not be negative")
	}
	return nil
}

// defaultActivityWindow is three poll intervals, stretched to cover one poll
// that runs into the HTTP timeout.
func defaultActivityWindow(pollInterval, httpTimeout time.Duration) time.Duration {
	return max(3*pollInterval, httpTimeout+pollInterval)
}

// TelegramEnabled reports whether operator alerts are configured.
func (c *Config) TelegramEnabled() bool {
	return c.TelegramBotToken != "" && c.TelegramChatID != ""
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
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

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("2s") or bare milliseconds ("2000").
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if ms, err := strconv.Atoi(value); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var items []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, strings.ToLower(item))
		}
	}
	if len(items) == 0 {
		return defaultValue
	}
	return items
}
