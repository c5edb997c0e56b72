package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("DEVICE_ID", "")
	t.Setenv("POLL_INTERVAL", "")
	t.Setenv("QUEUE_BACKEND", "")
	t.Setenv("HTTP_TIMEOUT", "")
	t.Setenv("LEADER_ACTIVITY_WINDOW", "")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Equal(t, 2*time.Second, cfg.PollInterval)
	require.Equal(t, 10*time.Second, cfg.HTTPTimeout)
	require.Equal(t, 12*time.Second, cfg.LeaderActivityWindow)
	require.Equal(t, 12*time.Second, cfg.MaxBufferLength)
	require.Equal(t, 60*time.Second, cfg.MaxLatency)
	require.Equal(t, 3, cfg.MaxMediaRecoveries)
	require.Equal(t, QueueBackendRelay, cfg.QueueBackend)
}

func TestLoadConfigOverrides(t *testing.T) {
	t.Setenv("POLL_INTERVAL", "500")
	t.Setenv("CLOUD_HOSTS", " Dash.Example.com ,, relay.example.org")
	t.Setenv("TAB_VISIBLE", "false")
	t.Setenv("HLS_MAX_LATENCY", "45s")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Equal(t, 500*time.Millisecond, cfg.PollInterval)
	require.Equal(t, []string{"dash.example.com", "relay.example.org"}, cfg.CloudHosts)
	require.False(t, cfg.TabVisible)
	require.Equal(t, 45*time.Second, cfg.MaxLatency)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{PollInterval: time.Second, CommandAckTimeout: time.Second, QueueBackend: QueueBackendRelay}
	}

	require.NoError(t, base().Validate())

	cfg := base()
	cfg.DeviceID = "dev-1"
	require.Error(t, cfg.Validate())

	cfg = base()
	cfg.QueueBackend = QueueBackendFirebase
	require.Error(t, cfg.Validate())
	cfg.FirebaseDbUrl = "https://x.firebaseio.com"
	cfg.FirebaseServiceAccountJSON = "{}"
	require.NoError(t, cfg.Validate())

	cfg = base()
	cfg.QueueBackend = "s3"
	require.Error(t, cfg.Validate())

	cfg = base()
	cfg.HTTPTimeout = 10 * time.Second
	cfg.LeaderActivityWindow = 6 * time.Second
	require.Error(t, cfg.Validate())
	cfg.LeaderActivityWindow = 11 * time.Second
	require.NoError(t, cfg.Validate())
}

func TestActivityWindowOutlastsSlowPoll(t *testing.T) {
	t.Setenv("DEVICE_ID", "")
	t.Setenv("QUEUE_BACKEND", "")
	t.Setenv("POLL_INTERVAL", "")
	t.Setenv("HTTP_TIMEOUT", "")
	t.Setenv("LEADER_ACTIVITY_WINDOW", "")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.GreaterOrEqual(t, cfg.LeaderActivityWindow, cfg.HTTPTimeout+cfg.PollInterval)

	t.Setenv("POLL_INTERVAL", "5s")
	t.Setenv("HTTP_TIMEOUT", "2s")
	cfg, err = LoadConfig()
	require.NoError(t, err)
	require.Equal(t, 15*time.Second, cfg.LeaderActivityWindow)

	t.Setenv("LEADER_ACTIVITY_WINDOW", "4s")
	_, err = LoadConfig()
	require.Error(t, err)
}
