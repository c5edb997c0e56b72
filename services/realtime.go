package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"camsync/config"
	"camsync/models"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SendResult is the outcome of one realtime publish.
type SendResult struct {
	Success bool
	Latency time.Duration
	Err     error
}

// ClientFactory builds the MQTT client; tests replace it with a fake.
type ClientFactory func(opts *mqtt.ClientOptions) mqtt.Client

// RealtimeChannelClient owns the single MQTT connection and subscription of a
// device session. It never reconnects by itself: Connect is called on session
// setup and again by the dispatcher when a cloud command finds it disconnected.
type RealtimeChannelClient struct {
	brokerURL  string
	username   string
	password   string
	topic      string
	ackTimeout time.Duration
	logger     *zap.Logger
	factory    ClientFactory
	now        func() time.Time

	mu     sync.Mutex
	client mqtt.Client
	state  models.ConnectionState
}

func NewRealtimeChannelClient(cfg *config.Config, session *models.DeviceSession, logger *zap.Logger) *RealtimeChannelClient {
	deviceID := ""
	if session != nil {
		deviceID = session.DeviceID
	}
	return &RealtimeChannelClient{
		brokerURL:  cfg.MQTTBrokerURL,
		username:   cfg.MQTTUsername,
		password:   cfg.MQTTPassword,
		topic:      CommandTopic(cfg.MQTTTopicPrefix, deviceID),
		ackTimeout: cfg.CommandAckTimeout,
		logger:     logger,
		factory:    mqtt.NewClient,
		now:        time.Now,
		state:      models.ConnectionDisconnected,
	}
}

// CommandTopic is the per-device topic commands are published on.
func CommandTopic(prefix, deviceID string) string {
	return fmt.Sprintf("%s/%s/commands", prefix, deviceID)
}

func (r *RealtimeChannelClient) Topic() string { return r.topic }

func (r *RealtimeChannelClient) State() models.ConnectionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// IsReady reports whether commands can be published right now.
func (r *RealtimeChannelClient) IsReady() bool {
	return r.State() == models.ConnectionConnected
}

func (r *RealtimeChannelClient) setState(state models.ConnectionState) {
	r.mu.Lock()
	prev := r.state
	r.state = state
	r.mu.Unlock()

	if prev != state {
		r.logger.Info("Realtime channel state changed",
			zap.String("from", string(prev)),
			zap.String("to", string(state)),
			zap.String("topic", r.topic))
	}
}

// Connect opens the connection and subscribes to the device topic. The channel is
// connected only once the subscription is acknowledged.
func (r *RealtimeChannelClient) Connect(ctx context.Context) error {
	r.mu.Lock()
	if r.state == models.ConnectionConnected || r.state == models.ConnectionConnecting {
		r.mu.Unlock()
		return nil
	}
	r.state = models.ConnectionConnecting
	r.mu.Unlock()

	r.logger.Info("Connecting realtime channel", zap.String("broker", r.brokerURL), zap.String("topic", r.topic))

	opts := mqtt.NewClientOptions()
	opts.AddBroker(r.brokerURL)
	opts.SetClientID("camsync-dashboard-" + uuid.NewString()[:8])
	opts.SetUsername(r.username)
	opts.SetPassword(r.password)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetConnectTimeout(10 * time.Second)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(false)
	opts.SetConnectRetry(false)

	// Connection lost handler
	opts.OnConnectionLost = func(client mqtt.Client, err error) {
		r.logger.Warn("Realtime channel connection lost", zap.Error(err))
		r.setState(models.ConnectionDisconnected)
	}

	client := r.factory(opts)
	if err := waitToken(ctx, client.Connect(), 0); err != nil {
		// a connect still pending on ctx end may complete later
		client.Disconnect(250)
		r.setState(models.ConnectionErrored)
		return fmt.Errorf("realtime connect failed: %w", err)
	}

	if err := waitToken(ctx, client.Subscribe(r.topic, 1, r.onMessage), 0); err != nil {
		client.Disconnect(250)
		r.setState(models.ConnectionErrored)
		return fmt.Errorf("realtime subscribe failed: %w", err)
	}

	r.mu.Lock()
	r.client = client
	r.mu.Unlock()
	r.setState(models.ConnectionConnected)
	return nil
}

// onMessage sees every command on the device topic, including those sent by other
// dashboards.
func (r *RealtimeChannelClient) onMessage(_ mqtt.Client, msg mqtt.Message) {
	var payload models.RealtimePayload
	if err := json.Unmarshal(msg.Payload(), &payload); err != nil {
		r.logger.Debug("Ignoring non-command payload", zap.String("topic", msg.Topic()))
		return
	}
	r.logger.Debug("Command observed on device topic",
		zap.String("action", payload.Action),
		zap.String("command_id", payload.CommandID),
		zap.String("source", payload.Source))
}

// SendCommand publishes the command with QoS 1 and waits for the broker
// acknowledgement, bounded by the ack timeout.
func (r *RealtimeChannelClient) SendCommand(ctx context.Context, cmd *models.Command) SendResult {
	r.mu.Lock()
	client := r.client
	ready := r.state == models.ConnectionConnected
	r.mu.Unlock()

	if !ready || client == nil {
		return SendResult{Err: ErrChannelNotReady}
	}

	payload, err := json.Marshal(models.RealtimePayload{
		Action:    cmd.Action,
		Params:    cmd.Params,
		Timestamp: cmd.Timestamp,
		Source:    cmd.Source,
		CommandID: cmd.ID,
	})
	if err != nil {
		return SendResult{Err: fmt.Errorf("failed to marshal command: %w", err)}
	}

	start := r.now()
	if err := waitToken(ctx, client.Publish(r.topic, 1, false, payload), r.ackTimeout); err != nil {
		if !client.IsConnectionOpen() {
			r.setState(models.ConnectionDisconnected)
		}
		return SendResult{Err: err}
	}

	return SendResult{Success: true, Latency: r.now().Sub(start)}
}

// Close disconnects and leaves the channel disconnected.
func (r *RealtimeChannelClient) Close() {
	r.mu.Lock()
	client := r.client
	r.client = nil
	r.mu.Unlock()

	if client != nil {
		client.Disconnect(250)
	}
	r.setState(models.ConnectionDisconnected)
}

// waitToken waits for an MQTT token. A zero timeout waits until ctx ends.
func waitToken(ctx context.Context, token mqtt.Token, timeout time.Duration) error {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case <-token.Done():
		return token.Error()
	case <-expired:
		return ErrAckTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}
