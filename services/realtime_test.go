package services

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"camsync/config"
	"camsync/models"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeToken struct {
	done chan struct{}
	err  error
}

func completedToken(err error) *fakeToken {
	t := &fakeToken{done: make(chan struct{}), err: err}
	close(t.done)
	return t
}

func pendingToken() *fakeToken {
	return &fakeToken{done: make(chan struct{})}
}

func (t *fakeToken) Wait() bool {
	<-t.done
	return true
}

func (t *fakeToken) WaitTimeout(d time.Duration) bool {
	select {
	case <-t.done:
		return true
	case <-time.After(d):
		return false
	}
}

func (t *fakeToken) Done() <-chan struct{} { return t.done }
func (t *fakeToken) Error() error          { return t.err }

type publishedMessage struct {
	topic   string
	qos     byte
	payload []byte
}

type fakeMQTTClient struct {
	mu           sync.Mutex
	connectErr   error
	subscribeErr error
	hangPublish  bool
	hangConnect  bool
	open         bool
	subscribed   []string
	published    []publishedMessage
	disconnects  int
}

func (f *fakeMQTTClient) IsConnected() bool { return f.IsConnectionOpen() }

func (f *fakeMQTTClient) IsConnectionOpen() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open
}

func (f *fakeMQTTClient) Connect() mqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.hangConnect {
		return pendingToken()
	}
	if f.connectErr == nil {
		f.open = true
	}
	return completedToken(f.connectErr)
}

func (f *fakeMQTTClient) Disconnect(uint) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.open = false
	f.disconnects++
}

func (f *fakeMQTTClient) Publish(topic string, qos byte, _ bool, payload interface{}) mqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, publishedMessage{topic: topic, qos: qos, payload: payload.([]byte)})
	if f.hangPublish {
		return pendingToken()
	}
	return completedToken(nil)
}

func (f *fakeMQTTClient) Subscribe(topic string, _ byte, _ mqtt.MessageHandler) mqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribed = append(f.subscribed, topic)
	return completedToken(f.subscribeErr)
}

func (f *fakeMQTTClient) SubscribeMultiple(map[string]byte, mqtt.MessageHandler) mqtt.Token {
	return completedToken(nil)
}

func (f *fakeMQTTClient) Unsubscribe(...string) mqtt.Token { return completedToken(nil) }

func (f *fakeMQTTClient) AddRoute(string, mqtt.MessageHandler) {}

func (f *fakeMQTTClient) OptionsReader() mqtt.ClientOptionsReader {
	return mqtt.ClientOptionsReader{}
}

func newTestRealtime(fake *fakeMQTTClient) (*RealtimeChannelClient, **mqtt.ClientOptions) {
	cfg := &config.Config{
		MQTTBrokerURL:     "tcp://broker:1883",
		MQTTTopicPrefix:   "device",
		CommandAckTimeout: 50 * time.Millisecond,
	}
	rt := NewRealtimeChannelClient(cfg, &models.DeviceSession{DeviceID: "dev-1", UserID: "u"}, zap.NewNop())
	var captured *mqtt.ClientOptions
	rt.factory = func(opts *mqtt.ClientOptions) mqtt.Client {
		captured = opts
		return fake
	}
	return rt, &captured
}

func TestRealtimeStartsDisconnected(t *testing.T) {
	rt, _ := newTestRealtime(&fakeMQTTClient{})
	require.Equal(t, models.ConnectionDisconnected, rt.State())
	require.False(t, rt.IsReady())

	res := rt.SendCommand(context.Background(), &models.Command{ID: "c1", Action: "torch_toggle"})
	require.False(t, res.Success)
	require.ErrorIs(t, res.Err, ErrChannelNotReady)
}

func TestRealtimeConnectSubscribesDeviceTopic(t *testing.T) {
	fake := &fakeMQTTClient{}
	rt, opts := newTestRealtime(fake)

	require.NoError(t, rt.Connect(context.Background()))
	require.Equal(t, models.ConnectionConnected, rt.State())
	require.True(t, rt.IsReady())
	require.Equal(t, []string{"device/dev-1/commands"}, fake.subscribed)
	require.False(t, (*opts).AutoReconnect)
}

func TestRealtimeConnectFailureIsErrored(t *testing.T) {
	fake := &fakeMQTTClient{connectErr: errors.New("not authorized")}
	rt, _ := newTestRealtime(fake)

	err := rt.Connect(context.Background())
	require.Error(t, err)
	require.Equal(t, models.ConnectionErrored, rt.State())
	require.Equal(t, 1, fake.disconnects)
}

func TestRealtimeAbandonedConnectIsDisconnected(t *testing.T) {
	fake := &fakeMQTTClient{hangConnect: true}
	rt, _ := newTestRealtime(fake)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	require.ErrorIs(t, rt.Connect(ctx), context.DeadlineExceeded)
	require.Equal(t, models.ConnectionErrored, rt.State())
	require.Equal(t, 1, fake.disconnects)
	require.False(t, rt.IsReady())
}

func TestRealtimeSubscribeFailureDisconnects(t *testing.T) {
	fake := &fakeMQTTClient{subscribeErr: errors.New("topic denied")}
	rt, _ := newTestRealtime(fake)

	require.Error(t, rt.Connect(context.Background()))
	require.Equal(t, models.ConnectionErrored, rt.State())
	require.Equal(t, 1, fake.disconnects)
}

func TestRealtimeSendCommandPayload(t *testing.T) {
	fake := &fakeMQTTClient{}
	rt, _ := newTestRealtime(fake)
	require.NoError(t, rt.Connect(context.Background()))

	cmd := &models.Command{
		ID:        "0190-abc",
		Action:    "audio_volume",
		Params:    map[string]any{"level": 7},
		Timestamp: 1700000000000,
		Source:    models.CommandSourceDashboard,
	}
	res := rt.SendCommand(context.Background(), cmd)
	require.True(t, res.Success)
	require.NoError(t, res.Err)

	require.Len(t, fake.published, 1)
	msg := fake.published[0]
	require.Equal(t, "device/dev-1/commands", msg.topic)
	require.Equal(t, byte(1), msg.qos)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(msg.payload, &payload))
	require.Equal(t, "audio_volume", payload["action"])
	require.Equal(t, "dashboard", payload["source"])
	require.Equal(t, "0190-abc", payload["command_id"])
	require.EqualValues(t, 1700000000000, payload["timestamp"])
	require.Equal(t, map[string]any{"level": float64(7)}, payload["params"])
}

func TestRealtimeAckTimeout(t *testing.T) {
	fake := &fakeMQTTClient{hangPublish: true}
	rt, _ := newTestRealtime(fake)
	require.NoError(t, rt.Connect(context.Background()))

	start := time.Now()
	res := rt.SendCommand(context.Background(), &models.Command{ID: "c1", Action: "alarm_ring"})
	require.False(t, res.Success)
	require.ErrorIs(t, res.Err, ErrAckTimeout)
	require.Less(t, time.Since(start), time.Second)
}

func TestRealtimeConnectionLostNeedsExplicitReconnect(t *testing.T) {
	fake := &fakeMQTTClient{}
	rt, opts := newTestRealtime(fake)
	require.NoError(t, rt.Connect(context.Background()))

	(*opts).OnConnectionLost(fake, errors.New("EOF"))
	require.Equal(t, models.ConnectionDisconnected, rt.State())

	res := rt.SendCommand(context.Background(), &models.Command{ID: "c2", Action: "torch_toggle"})
	require.ErrorIs(t, res.Err, ErrChannelNotReady)

	require.NoError(t, rt.Connect(context.Background()))
	require.True(t, rt.IsReady())
}
