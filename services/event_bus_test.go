package services

import (
	"testing"

	"camsync/models"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestEventBusFiltersByKind(t *testing.T) {
	bus := NewEventBus(zaptest.NewLogger(t))

	var all, statusOnly []models.EventKind
	bus.Subscribe(func(e models.Event) { all = append(all, e.Kind()) })
	bus.Subscribe(func(e models.Event) { statusOnly = append(statusOnly, e.Kind()) }, models.EventStatusUpdated)

	bus.Publish(models.StatusUpdated{Snapshot: &models.StatusSnapshot{}})
	bus.Publish(models.StreamReady{URL: "http://x/live.m3u8"})

	require.Equal(t, []models.EventKind{models.EventStatusUpdated, models.EventStreamReady}, all)
	require.Equal(t, []models.EventKind{models.EventStatusUpdated}, statusOnly)
}

func TestEventBusTypedHandlerAndUnsubscribe(t *testing.T) {
	bus := NewEventBus(zaptest.NewLogger(t))

	var reloads []string
	unsubscribe := On(bus, func(e models.StreamReload) { reloads = append(reloads, e.URL) })

	bus.Publish(models.StreamReload{URL: "a"})
	bus.Publish(models.StreamReady{URL: "ignored"})
	unsubscribe()
	bus.Publish(models.StreamReload{URL: "b"})

	require.Equal(t, []string{"a"}, reloads)
}

func TestEventBusSurvivesPanickingSubscriber(t *testing.T) {
	bus := NewEventBus(zaptest.NewLogger(t))

	delivered := false
	bus.Subscribe(func(models.Event) { panic("boom") })
	bus.Subscribe(func(models.Event) { delivered = true })

	require.NotPanics(t, func() { bus.Publish(models.StreamRecovery{Attempt: 1}) })
	require.True(t, delivered)
}
