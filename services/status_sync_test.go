package services

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"camsync/models"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeSource struct {
	delay    time.Duration
	err      error
	inFlight atomic.Int32
	maxSeen  atomic.Int32
	calls    atomic.Int32
	release  chan struct{}
	ctxErr   atomic.Value
}

func (f *fakeSource) FetchStatus(ctx context.Context) (*models.StatusSnapshot, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		seen := f.maxSeen.Load()
		if n <= seen || f.maxSeen.CompareAndSwap(seen, n) {
			break
		}
	}
	f.calls.Add(1)

	if f.release != nil {
		<-f.release
	}
	time.Sleep(f.delay)
	if err := ctx.Err(); err != nil {
		f.ctxErr.Store(err)
	}
	if f.err != nil {
		return nil, f.err
	}
	return &models.StatusSnapshot{State: "idle", ReceivedAt: time.Now()}, nil
}

func TestPollOnceFailureYieldsOfflineSnapshot(t *testing.T) {
	source := &fakeSource{err: errors.Join(ErrNoNetwork, errors.New("dial tcp: connection refused"))}
	poller := NewStatusSynchronizer(source, time.Second, true, zaptest.NewLogger(t))

	snap := poller.PollOnce(context.Background())
	require.True(t, snap.Synthetic)
	require.True(t, snap.CloudMode)
	require.Equal(t, models.StateOffline, snap.State)
	require.Equal(t, "Device unreachable", snap.Message)
	require.NotContains(t, snap.Message, "refused")
	require.Equal(t, models.StalenessOffline, snap.Staleness(time.Now()))
}

func TestStatusSyncPollsImmediately(t *testing.T) {
	source := &fakeSource{}
	poller := NewStatusSynchronizer(source, time.Hour, false, zaptest.NewLogger(t))

	got := make(chan *models.StatusSnapshot, 1)
	poller.Start(context.Background(), func(s *models.StatusSnapshot) { got <- s })
	defer func() {
		poller.Stop()
		poller.Wait()
	}()

	select {
	case snap := <-got:
		require.Equal(t, "idle", snap.State)
	case <-time.After(2 * time.Second):
		t.Fatal("first poll did not run immediately")
	}
}

func TestStatusSyncNeverOverlapsAcrossRestarts(t *testing.T) {
	source := &fakeSource{delay: 20 * time.Millisecond}
	poller := NewStatusSynchronizer(source, time.Millisecond, false, zaptest.NewLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for i := 0; i < 10; i++ {
		poller.Start(ctx, func(*models.StatusSnapshot) {})
		time.Sleep(5 * time.Millisecond)
		poller.Stop()
	}
	poller.Start(ctx, func(*models.StatusSnapshot) {})
	time.Sleep(100 * time.Millisecond)
	poller.Stop()
	poller.Wait()

	require.Equal(t, int32(1), source.maxSeen.Load())
	require.Positive(t, source.calls.Load())
}

func TestStatusSyncStopDoesNotCancelInFlightPoll(t *testing.T) {
	source := &fakeSource{release: make(chan struct{})}
	poller := NewStatusSynchronizer(source, time.Hour, false, zaptest.NewLogger(t))

	var mu sync.Mutex
	var delivered []*models.StatusSnapshot
	poller.Start(context.Background(), func(s *models.StatusSnapshot) {
		mu.Lock()
		delivered = append(delivered, s)
		mu.Unlock()
	})

	require.Eventually(t, func() bool { return source.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	poller.Stop()
	require.False(t, poller.Running())
	close(source.release)
	poller.Wait()

	require.Nil(t, source.ctxErr.Load())
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, delivered, 1)
	require.False(t, delivered[0].Synthetic)
}

func TestStatusSyncAgainstDeviceServer(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/status" {
			http.NotFound(w, r)
			return
		}
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"state":"streaming","streaming":true,"lastUpdated":` + strconv.FormatInt(time.Now().UnixMilli(), 10) + `}`))
	}))
	defer srv.Close()

	sc := &models.SessionContext{Mode: models.ModeLocal, LocalURL: srv.URL}
	client := NewDeviceClient(NewEndpoints(sc), time.Second, zaptest.NewLogger(t))
	poller := NewStatusSynchronizer(client, 20*time.Millisecond, false, zaptest.NewLogger(t))

	var latest atomic.Pointer[models.StatusSnapshot]
	poller.Start(context.Background(), func(s *models.StatusSnapshot) { latest.Store(s) })
	require.Eventually(t, func() bool { return hits.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	poller.Stop()
	poller.Wait()

	snap := latest.Load()
	require.NotNil(t, snap)
	require.True(t, snap.Streaming)
	require.Equal(t, models.StalenessFresh, snap.Staleness(time.Now()))
}
