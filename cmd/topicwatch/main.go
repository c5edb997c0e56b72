package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"camsync/models"
	"camsync/services"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

var (
	deviceID   = flag.String("device", "", "Device ID whose command topic to watch")
	prefix     = flag.String("prefix", "device", "Command topic prefix")
	mqttBroker = flag.String("broker", "localhost:1883", "MQTT broker address (host:port)")
	mqttUser   = flag.String("user", "", "MQTT username")
	mqttPass   = flag.String("pass", "", "MQTT password")
)

// topicwatch plays the device end of the realtime channel: it subscribes to the
// command topic and prints every command the dashboard publishes.
func main() {
	flag.Parse()

	// Initialize logger
	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	if *deviceID == "" {
		logger.Fatal("-device is required")
	}
	topic := services.CommandTopic(*prefix, *deviceID)

	logger.Info("Command topic watcher started",
		zap.String("mqtt_broker", *mqttBroker),
		zap.String("topic", topic))
	logger.Info("Press Ctrl+C to stop gracefully")

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s", *mqttBroker))
	opts.SetClientID(fmt.Sprintf("%s-watch-%d", *deviceID, time.Now().UnixNano()))
	opts.SetUsername(*mqttUser)
	opts.SetPassword(*mqttPass)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetAutoReconnect(true)

	received := make(chan models.RealtimePayload, 64)

	opts.OnConnect = func(client mqtt.Client) {
		logger.Info("Connected to MQTT broker", zap.String("broker", *mqttBroker))
		// subscribe again on every reconnect
		token := client.Subscribe(topic, 1, func(_ mqtt.Client, msg mqtt.Message) {
			var payload models.RealtimePayload
			if err := json.Unmarshal(msg.Payload(), &payload); err != nil {
				logger.Warn("Malformed command payload", zap.Error(err), zap.ByteString("payload", msg.Payload()))
				return
			}
			received <- payload
		})
		if token.Wait() && token.Error() != nil {
			logger.Error("Failed to subscribe", zap.String("topic", topic), zap.Error(token.Error()))
		}
	}

	opts.OnConnectionLost = func(client mqtt.Client, err error) {
		logger.Error("MQTT connection lost", zap.Error(err))
	}

	mqttClient := mqtt.NewClient(opts)
	if token := mqttClient.Connect(); token.Wait() && token.Error() != nil {
		logger.Fatal("Failed to connect to MQTT broker", zap.Error(token.Error()))
	}
	defer mqttClient.Disconnect(250)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		logger.Info("Shutdown signal received, stopping watcher")
		cancel()
	}()

	commandCount := 0
	actions := make(map[string]int)
	startTime := time.Now()

	statsTicker := time.NewTicker(60 * time.Second)
	defer statsTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("Shutting down",
				zap.Int("total_commands", commandCount),
				zap.Any("by_action", actions),
				zap.Duration("total_uptime", time.Since(startTime)))
			return

		case payload := <-received:
			commandCount++
			actions[payload.Action]++

			// end-to-end delay from the dashboard clock to this process
			var delay time.Duration
			if payload.Timestamp > 0 {
				delay = time.Since(time.UnixMilli(payload.Timestamp))
			}
			logger.Info("Command received",
				zap.String("command_id", payload.CommandID),
				zap.String("action", payload.Action),
				zap.Any("params", payload.Params),
				zap.String("source", payload.Source),
				zap.Duration("delay", delay))

		case <-statsTicker.C:
			logger.Info("Watcher statistics",
				zap.Int("total_commands", commandCount),
				zap.Int("distinct_actions", len(actions)),
				zap.Duration("uptime", time.Since(startTime)))
		}
	}
}
