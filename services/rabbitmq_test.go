package services

import (
	"encoding/json"
	"testing"
	"time"

	"camsync/models"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRabbitPortStopsDeliveringAfterStop(t *testing.T) {
	port := &rabbitPort{
		tabID:  "tab-a",
		out:    make(chan models.TabMessage, 1),
		done:   make(chan struct{}),
		logger: zap.NewNop(),
	}
	msgs := make(chan amqp.Delivery, 4)
	for _, id := range []string{"tab-b", "tab-c", "tab-d"} {
		body, err := json.Marshal(models.ClaimLeadership(id, false, time.Now()))
		require.NoError(t, err)
		msgs <- amqp.Delivery{Body: body}
	}
	msgs <- amqp.Delivery{Body: []byte("not json")}
	close(msgs)

	finished := make(chan struct{})
	go func() {
		port.consume(msgs)
		close(finished)
	}()

	// nobody reads past the first message; the consumer must not stay blocked
	port.stop()
	port.stop()
	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("consumer still blocked after stop")
	}

	var got []string
	for msg := range port.Messages() {
		got = append(got, msg.TabID)
	}
	require.LessOrEqual(t, len(got), 1)
}

func TestRabbitPortDeliversDecodedMessages(t *testing.T) {
	port := &rabbitPort{
		tabID:  "tab-a",
		out:    make(chan models.TabMessage, portBuffer),
		done:   make(chan struct{}),
		logger: zap.NewNop(),
	}
	msgs := make(chan amqp.Delivery, 2)
	body, err := json.Marshal(models.ClaimLeadership("tab-b", true, time.Now()))
	require.NoError(t, err)
	msgs <- amqp.Delivery{Body: []byte("{")}
	msgs <- amqp.Delivery{Body: body}
	close(msgs)

	port.consume(msgs)

	msg, ok := <-port.Messages()
	require.True(t, ok)
	require.Equal(t, models.KindClaimLeadership, msg.Kind)
	require.Equal(t, "tab-b", msg.TabID)
	require.True(t, msg.Hidden)
	_, ok = <-port.Messages()
	require.False(t, ok)
}
