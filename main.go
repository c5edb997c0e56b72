package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"camsync/api"
	"camsync/config"
	"camsync/log"
	"camsync/models"
	"camsync/services"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func main() {
	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		panic("Failed to load config: " + err.Error())
	}

	// Initialize structured logger
	logger, err := log.New(cfg.LogLevel, cfg.LogDevelopment)
	if err != nil {
		panic(err.Error())
	}
	defer logger.Sync()

	// Resolve the session context once; everything below receives it
	selector := services.NewTransportSelector(cfg, logger)
	sc := selector.Resolve(cfg.Hostname, sessionFromConfig(cfg, time.Now()))
	endpoints := services.NewEndpoints(sc)
	cloud := sc.Mode == models.ModeCloud

	bus := services.NewEventBus(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Status source for the mode
	var source services.StatusSource
	var device services.DeviceCommander
	var relay *services.RelayClient
	if sc.Mode == models.ModeLocal {
		client := services.NewDeviceClient(endpoints, cfg.HTTPTimeout, logger)
		source, device = client, client
	} else {
		relay = services.NewRelayClient(sc, cfg.HTTPTimeout, logger)
		source = relay
	}
	poller := services.NewStatusSynchronizer(source, cfg.PollInterval, cloud, logger)

	// Cross-tab broadcast
	var broadcaster services.Broadcaster
	if cfg.RabbitMQURL != "" {
		rabbit, err := services.NewRabbitMQBroadcaster(cfg, logger)
		if err != nil {
			logger.Warn("RabbitMQ unavailable, using in-process broadcast", zap.Error(err))
			broadcaster = services.NewMemoryBroadcastHub(logger)
		} else {
			defer rabbit.Close()
			broadcaster = rabbit
		}
	} else {
		broadcaster = services.NewMemoryBroadcastHub(logger)
	}

	tabs := services.NewTabCoordinator(broadcaster, poller, bus, services.TabOptions{
		Visible:        cfg.TabVisible,
		ActivityWindow: cfg.LeaderActivityWindow,
	}, logger)

	// Command paths
	var realtime services.RealtimeSender
	var queue services.CommandQueue
	if cloud {
		if cfg.MQTTBrokerURL != "" {
			channel := services.NewRealtimeChannelClient(cfg, sc.Session, logger)
			if err := channel.Connect(ctx); err != nil {
				logger.Warn("Realtime channel not connected, commands will be queued", zap.Error(err))
			}
			defer channel.Close()
			realtime = channel
		}

		queue = relay
		if cfg.QueueBackend == config.QueueBackendFirebase {
			fq, err := services.NewFirebaseCommandQueue(cfg, sc.Session, logger)
			if err != nil {
				logger.Fatal("Failed to initialize Firebase command queue", zap.Error(err))
			}
			defer fq.Close()
			queue = fq
		}
	}
	dispatcher := services.NewCommandDispatcher(sc, device, queue, realtime, bus, logger)

	// Operator alerts
	var notifier services.Notifier
	if cfg.TelegramEnabled() {
		tn, err := services.NewTelegramNotifier(cfg, logger)
		if err != nil {
			logger.Warn("Telegram notifier disabled", zap.Error(err))
		} else {
			notifier = tn
		}
	}
	watcher := services.NewStalenessWatcher(sc.DeviceID(), cfg.OfflineAlertAfter, notifier,
		services.NewAlertDetector(cfg, sc.DeviceID()), logger)
	watcher.Start(ctx, bus)

	// Live stream
	var playback *services.StreamPlaybackClient
	streamURL := endpoints.StreamURL()
	if streamURL != "" {
		factory := services.NewHLSEngineFactory(endpoints, services.EngineConfig{
			MaxBufferLength:    cfg.MaxBufferLength,
			MaxMaxBufferLength: cfg.MaxMaxBufferLength,
			LiveSyncCount:      cfg.LiveSyncCount,
			HTTPTimeout:        cfg.HTTPTimeout,
		}, logger)
		playback = services.NewStreamPlaybackClient(streamURL, services.NewBufferSurface(), factory, bus, services.PlaybackOptions{
			MaxLatency:         cfg.MaxLatency,
			RecoveryCooldown:   cfg.RecoveryCooldown,
			MaxMediaRecoveries: cfg.MaxMediaRecoveries,
			RebuildDelay:       cfg.RebuildDelay,
		}, logger)
		playback.Load(ctx)
	}

	// UI bridge
	hub := api.NewWebSocketHub(tabs, logger)
	go hub.Run(ctx)
	unsubscribe := bus.Subscribe(hub.BroadcastEvent)
	defer unsubscribe()

	handlers := &api.Handlers{
		Mode:      sc.Mode,
		Status:    tabs,
		Commands:  dispatcher,
		StreamURL: streamURL,
		Hub:       hub,
	}
	if playback != nil {
		handlers.Stream = playback
	}

	if !cfg.LogDevelopment {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	api.SetupRoutes(router, handlers)

	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: router,
	}

	tabs.Start(ctx)

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	logger.Info("camsync dashboard started",
		zap.String("mode", string(sc.Mode)),
		zap.String("device_id", sc.DeviceID()),
		zap.String("listen_addr", cfg.ListenAddr),
		zap.Duration("poll_interval", cfg.PollInterval),
		zap.Bool("realtime", realtime != nil),
		zap.Bool("alerts", notifier != nil),
	)

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("Shutdown signal received, stopping services")

	// Perform cleanup
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP server shutdown incomplete", zap.Error(err))
	}

	// release leadership before the broadcast transport goes away
	tabs.Close()
	if playback != nil {
		playback.Destroy()
	}
	cancel()

	logger.Info("camsync dashboard stopped")
}

// sessionFromConfig returns the configured device session, or nil when the
// dashboard has not been authenticated for a device.
func sessionFromConfig(cfg *config.Config, now time.Time) *models.DeviceSession {
	if cfg.DeviceID == "" {
		return nil
	}
	session := &models.DeviceSession{
		DeviceID:          cfg.DeviceID,
		UserID:            cfg.UserID,
		StreamAccessToken: cfg.StreamAccessToken,
		DeviceName:        cfg.DeviceName,
	}
	if cfg.SessionTTL > 0 {
		session.ExpiresAt = now.Add(cfg.SessionTTL)
	}
	return session
}
