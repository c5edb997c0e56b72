package services

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"camsync/models"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

type fakeRealtime struct {
	mu       sync.Mutex
	state    models.ConnectionState
	result   SendResult
	sent     []*models.Command
	connects atomic.Int32
}

func (f *fakeRealtime) IsReady() bool { return f.State() == models.ConnectionConnected }

func (f *fakeRealtime) State() models.ConnectionState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeRealtime) Connect(context.Context) error {
	f.connects.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = models.ConnectionConnected
	return nil
}

func (f *fakeRealtime) SendCommand(_ context.Context, cmd *models.Command) SendResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, cmd)
	return f.result
}

type fakeQueue struct {
	mu     sync.Mutex
	err    error
	queued []*models.Command
}

func (f *fakeQueue) Enqueue(_ context.Context, cmd *models.Command) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.queued = append(f.queued, cmd)
	return nil
}

func cloudContext() *models.SessionContext {
	return &models.SessionContext{
		Mode:     models.ModeCloud,
		Session:  &models.DeviceSession{DeviceID: "dev-1", UserID: "user-1", StreamAccessToken: "tok"},
		RelayURL: "http://relay.invalid",
	}
}

func newCloudDispatcher(t *testing.T, rt RealtimeSender, queue CommandQueue) (*CommandDispatcher, *[]models.CommandCompleted) {
	bus := NewEventBus(zaptest.NewLogger(t))
	var events []models.CommandCompleted
	On(bus, func(e models.CommandCompleted) { events = append(events, e) })
	return NewCommandDispatcher(cloudContext(), nil, queue, rt, bus, zaptest.NewLogger(t)), &events
}

func TestDispatchInstantWhenRealtimeAcks(t *testing.T) {
	rt := &fakeRealtime{state: models.ConnectionConnected, result: SendResult{Success: true, Latency: 42 * time.Millisecond}}
	queue := &fakeQueue{}
	d, events := newCloudDispatcher(t, rt, queue)

	res, err := d.Dispatch(context.Background(), "torch_toggle", nil)
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Equal(t, models.ChannelInstant, res.Channel)
	require.Equal(t, int64(42), res.LatencyMs)
	require.Empty(t, queue.queued)
	require.Len(t, rt.sent, 1)
	require.Equal(t, rt.sent[0].ID, res.CommandID)

	require.Len(t, *events, 1)
	require.Equal(t, "torch_toggle", (*events)[0].Action)
	require.Empty(t, (*events)[0].Error)
}

func TestDispatchQueuesWithFreshIDAfterAckTimeout(t *testing.T) {
	rt := &fakeRealtime{state: models.ConnectionConnected, result: SendResult{Err: ErrAckTimeout}}
	queue := &fakeQueue{}
	d, _ := newCloudDispatcher(t, rt, queue)

	res, err := d.Dispatch(context.Background(), "alarm_ring", map[string]any{"sound": "siren"})
	require.NoError(t, err)
	require.Equal(t, models.ChannelQueued, res.Channel)
	require.Zero(t, res.LatencyMs)

	require.Len(t, rt.sent, 1)
	require.Len(t, queue.queued, 1)
	require.NotEqual(t, rt.sent[0].ID, queue.queued[0].ID)
	require.Equal(t, queue.queued[0].ID, res.CommandID)
	require.Equal(t, "siren", queue.queued[0].Params["sound"])
	require.Equal(t, models.CommandSourceDashboard, queue.queued[0].Source)
}

func TestDispatchQueuesAndReconnectsWhenDisconnected(t *testing.T) {
	rt := &fakeRealtime{state: models.ConnectionDisconnected}
	queue := &fakeQueue{}
	d, _ := newCloudDispatcher(t, rt, queue)

	res, err := d.Dispatch(context.Background(), "recording_toggle", nil)
	require.NoError(t, err)
	require.Equal(t, models.ChannelQueued, res.Channel)
	require.Empty(t, rt.sent)

	require.Eventually(t, func() bool { return rt.IsReady() }, time.Second, 5*time.Millisecond)
	require.Equal(t, int32(1), rt.connects.Load())

	res, err = d.Dispatch(context.Background(), "recording_toggle", nil)
	require.NoError(t, err)
	require.Equal(t, models.ChannelInstant, res.Channel)
}

func TestDispatchWithoutRealtimeQueues(t *testing.T) {
	queue := &fakeQueue{}
	d, _ := newCloudDispatcher(t, nil, queue)

	res, err := d.Dispatch(context.Background(), "torch_toggle", nil)
	require.NoError(t, err)
	require.Equal(t, models.ChannelQueued, res.Channel)
	require.Len(t, queue.queued, 1)
}

func TestDispatchMintsDistinctOrderedIDs(t *testing.T) {
	queue := &fakeQueue{}
	d, _ := newCloudDispatcher(t, nil, queue)

	first, err := d.Dispatch(context.Background(), "torch_toggle", nil)
	require.NoError(t, err)
	second, err := d.Dispatch(context.Background(), "torch_toggle", nil)
	require.NoError(t, err)

	require.NotEqual(t, first.CommandID, second.CommandID)
	require.Less(t, first.CommandID, second.CommandID)
}

func TestDispatchRequiresSession(t *testing.T) {
	bus := NewEventBus(zap.NewNop())

	pending := NewCommandDispatcher(&models.SessionContext{Mode: models.ModePending}, nil, &fakeQueue{}, nil, bus, zap.NewNop())
	_, err := pending.Dispatch(context.Background(), "torch_toggle", nil)
	require.ErrorIs(t, err, ErrNotAuthenticated)

	sc := cloudContext()
	sc.Session = &models.DeviceSession{DeviceID: "dev-1", UserID: "u", ExpiresAt: time.Now().Add(-time.Minute)}
	expired := NewCommandDispatcher(sc, nil, &fakeQueue{}, nil, bus, zap.NewNop())
	_, err = expired.Dispatch(context.Background(), "torch_toggle", nil)
	require.ErrorIs(t, err, ErrNotAuthenticated)
}

func TestDispatchLocal(t *testing.T) {
	var gotPath string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.Method + " " + r.URL.Path
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &gotBody)
		switch r.URL.Path {
		case "/torch/toggle", "/audio/volume":
			w.WriteHeader(http.StatusOK)
		case "/alarm/ring":
			w.WriteHeader(http.StatusUnauthorized)
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	sc := &models.SessionContext{Mode: models.ModeLocal, LocalURL: srv.URL}
	device := NewDeviceClient(NewEndpoints(sc), time.Second, zaptest.NewLogger(t))
	d := NewCommandDispatcher(sc, device, nil, nil, NewEventBus(zap.NewNop()), zaptest.NewLogger(t))

	res, err := d.Dispatch(context.Background(), "audio_volume", map[string]any{"volume": 5})
	require.NoError(t, err)
	require.Equal(t, models.ChannelDirect, res.Channel)
	require.Equal(t, "POST /audio/volume", gotPath)
	require.Equal(t, float64(5), gotBody["volume"])

	_, err = d.Dispatch(context.Background(), "alarm_ring", nil)
	require.ErrorIs(t, err, ErrNotAuthenticated)

	_, err = d.Dispatch(context.Background(), "config_videoCodec", nil)
	require.ErrorIs(t, err, ErrDeviceRejected)

	srv.Close()
	_, err = d.Dispatch(context.Background(), "torch_toggle", nil)
	require.ErrorIs(t, err, ErrNoNetwork)
}

func TestRelayQueueContract(t *testing.T) {
	var mu sync.Mutex
	var paths []string
	var record map[string]any
	status := http.StatusCreated
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		paths = append(paths, r.Method+" "+r.URL.Path+"?token="+r.URL.Query().Get("token"))
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &record)
		w.WriteHeader(status)
	}))
	defer srv.Close()

	sc := cloudContext()
	sc.RelayURL = srv.URL
	relay := NewRelayClient(sc, time.Second, zaptest.NewLogger(t))
	d := NewCommandDispatcher(sc, nil, relay, nil, NewEventBus(zap.NewNop()), zaptest.NewLogger(t))

	res, err := d.Dispatch(context.Background(), "config_streamQuality", map[string]any{"quality": "high"})
	require.NoError(t, err)
	require.Equal(t, models.ChannelQueued, res.Channel)

	mu.Lock()
	require.Equal(t, []string{"PUT /api/command/user-1/dev-1/" + res.CommandID + ".json?token=tok"}, paths)
	require.Equal(t, "config_streamQuality", record["action"])
	require.Equal(t, res.CommandID, record["command_id"])
	require.Equal(t, "dev-1", record["device_id"])
	require.Equal(t, "dashboard", record["source"])
	status = http.StatusForbidden
	mu.Unlock()

	_, err = d.Dispatch(context.Background(), "torch_toggle", nil)
	require.ErrorIs(t, err, ErrNotAuthenticated)

	mu.Lock()
	status = http.StatusBadGateway
	mu.Unlock()
	_, err = d.Dispatch(context.Background(), "torch_toggle", nil)
	require.ErrorIs(t, err, ErrRelayRejected)
	require.NotContains(t, err.Error(), "token=tok")
}

func TestRelayListQueued(t *testing.T) {
	var gotPath, gotToken string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath, gotToken = r.URL.Path, r.URL.Query().Get("token")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`["a.json","b.json","x.txt"]`))
	}))
	defer srv.Close()

	sc := cloudContext()
	sc.RelayURL = srv.URL
	relay := NewRelayClient(sc, time.Second, zaptest.NewLogger(t))

	ids, err := relay.ListQueued(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, ids)
	require.Equal(t, "/api/command/user-1/dev-1/", gotPath)
	require.Equal(t, "tok", gotToken)

	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"not":"a list"}`))
	}))
	defer bad.Close()
	sc.RelayURL = bad.URL
	_, err = NewRelayClient(sc, time.Second, zaptest.NewLogger(t)).ListQueued(context.Background())
	require.Error(t, err)

	_, err = NewRelayClient(&models.SessionContext{Mode: models.ModeCloud}, time.Second, zaptest.NewLogger(t)).ListQueued(context.Background())
	require.ErrorIs(t, err, ErrNotAuthenticated)
}

func TestRelayPlaylistAvailable(t *testing.T) {
	var mu sync.Mutex
	var method, path string
	status := http.StatusOK
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		method, path = r.Method, r.URL.Path
		w.WriteHeader(status)
	}))
	defer srv.Close()

	sc := cloudContext()
	sc.RelayURL = srv.URL
	relay := NewRelayClient(sc, time.Second, zaptest.NewLogger(t))

	ok, err := relay.PlaylistAvailable(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	mu.Lock()
	require.Equal(t, http.MethodHead, method)
	require.Equal(t, "/stream/user-1/dev-1/live.m3u8", path)
	status = http.StatusNotFound
	mu.Unlock()

	ok, err = relay.PlaylistAvailable(context.Background())
	require.NoError(t, err)
	require.False(t, ok)

	mu.Lock()
	status = http.StatusUnauthorized
	mu.Unlock()
	ok, err = relay.PlaylistAvailable(context.Background())
	require.ErrorIs(t, err, ErrNotAuthenticated)
	require.False(t, ok)

	mu.Lock()
	status = http.StatusServiceUnavailable
	mu.Unlock()
	_, err = relay.PlaylistAvailable(context.Background())
	require.ErrorIs(t, err, ErrRelayRejected)
}
