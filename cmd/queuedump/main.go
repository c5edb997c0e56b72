package main

import (
	"context"
	"flag"
	"fmt"
	"strings"
	"time"

	"camsync/config"
	"camsync/models"
	"camsync/services"

	"go.uber.org/zap"
)

var (
	removeID     = flag.String("remove", "", "Remove one queued command by id (firebase backend only)")
	purgeExpired = flag.Bool("purge-expired", false, "Remove commands past their expiry (firebase backend only)")
)

// queuedump lists the commands waiting in a device's queue.
func main() {
	flag.Parse()

	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err))
	}
	if cfg.DeviceID == "" {
		logger.Fatal("DEVICE_ID and USER_ID are required")
	}

	session := &models.DeviceSession{
		DeviceID:          cfg.DeviceID,
		UserID:            cfg.UserID,
		StreamAccessToken: cfg.StreamAccessToken,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if cfg.QueueBackend != config.QueueBackendFirebase {
		if *removeID != "" || *purgeExpired {
			logger.Fatal("The relay queue is append-only, removal needs QUEUE_BACKEND=firebase")
		}
		dumpRelay(ctx, cfg, session, logger)
		return
	}

	queue, err := services.NewFirebaseCommandQueue(cfg, session, logger)
	if err != nil {
		logger.Fatal("Failed to initialize Firebase command queue", zap.Error(err))
	}
	defer queue.Close()

	if *removeID != "" {
		if err := queue.Remove(ctx, *removeID); err != nil {
			logger.Fatal("Failed to remove command", zap.Error(err))
		}
		fmt.Printf("Removed %s\n", *removeID)
		return
	}

	commands, err := queue.ListQueued(ctx)
	if err != nil {
		logger.Fatal("Error reading command queue", zap.Error(err))
	}

	fmt.Printf("Total queued commands: %d\n", len(commands))
	now := time.Now()
	removed := 0
	for _, cmd := range commands {
		expired := cmd.ExpiresAt > 0 && now.After(time.UnixMilli(cmd.ExpiresAt))
		fmt.Printf("ID: %s\n", cmd.ID)
		fmt.Printf("Action: %s %v\n", cmd.Action, cmd.Params)
		fmt.Printf("Queued: %s (expired: %t)\n", time.UnixMilli(cmd.Timestamp).Format(time.RFC3339), expired)
		fmt.Println("---")

		if expired && *purgeExpired {
			if err := queue.Remove(ctx, cmd.ID); err != nil {
				logger.Warn("Failed to remove expired command", zap.String("command_id", cmd.ID), zap.Error(err))
				continue
			}
			removed++
		}
	}
	if *purgeExpired {
		fmt.Printf("Removed %d expired commands\n", removed)
	}
}

func dumpRelay(ctx context.Context, cfg *config.Config, session *models.DeviceSession, logger *zap.Logger) {
	sc := &models.SessionContext{
		Mode:     models.ModeCloud,
		Session:  session,
		RelayURL: strings.TrimRight(cfg.RelayURL, "/"),
	}
	relay := services.NewRelayClient(sc, cfg.HTTPTimeout, logger)

	ids, err := relay.ListQueued(ctx)
	if err != nil {
		logger.Fatal("Error listing relay queue", zap.Error(err))
	}
	fmt.Printf("Total queued commands: %d\n", len(ids))
	for _, id := range ids {
		fmt.Println(id)
	}

	available, err := relay.PlaylistAvailable(ctx)
	if err != nil {
		logger.Warn("Could not check live playlist", zap.Error(err))
		return
	}
	fmt.Printf("Live playlist available: %t\n", available)
}
