package services

import (
	"context"
	"fmt"
	"sort"
	"time"

	"camsync/config"
	"camsync/models"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/db"
	"go.uber.org/zap"
	"google.golang.org/api/option"
)

// FirebaseCommandQueue keeps the cloud command queue in the Firebase Realtime
// Database, under commands/{user}/{device}/{command_id}. The device polls the
// same node and removes records after executing them.
type FirebaseCommandQueue struct {
	client     *db.Client
	session    *models.DeviceSession
	logger     *zap.Logger
	commandTTL time.Duration
	now        func() time.Time
}

func NewFirebaseCommandQueue(cfg *config.Config, session *models.DeviceSession, logger *zap.Logger) (*FirebaseCommandQueue, error) {
	if session == nil || session.DeviceID == "" {
		return nil, ErrNotAuthenticated
	}
	ctx := context.Background()

	conf := &firebase.Config{
		DatabaseURL: cfg.FirebaseDbUrl,
	}

	opt := option.WithCredentialsJSON([]byte(cfg.FirebaseServiceAccountJSON))
	app, err := firebase.NewApp(ctx, conf, opt)
	if err != nil {
		return nil, fmt.Errorf("error initializing firebase app: %w", err)
	}

	client, err := app.Database(ctx)
	if err != nil {
		return nil, fmt.Errorf("error getting database client: %w", err)
	}

	q := &FirebaseCommandQueue{
		client:     client,
		session:    session,
		logger:     logger,
		commandTTL: 5 * time.Minute,
		now:        time.Now,
	}

	if err := q.testConnection(ctx); err != nil {
		logger.Error("Firebase connection test failed", zap.Error(err))
		return nil, fmt.Errorf("firebase connection test failed: %w", err)
	}

	return q, nil
}

// testConnection reads the device's queue node with a short linear retry
func (q *FirebaseCommandQueue) testConnection(ctx context.Context) error {
	maxRetries := 3

	for attempt := 1; attempt <= maxRetries; attempt++ {
		q.logger.Info("Testing Firebase connection", zap.Int("attempt", attempt), zap.Int("max_retries", maxRetries))

		var data interface{}
		err := q.deviceRef().Get(ctx, &data)
		if err == nil {
			q.logger.Info("Firebase connection successful")
			return nil
		}

		q.logger.Warn("Firebase connection failed",
			zap.Int("attempt", attempt),
			zap.Int("max_retries", maxRetries),
			zap.Error(err))

		if attempt < maxRetries {
			time.Sleep(time.Duration(attempt) * time.Second)
		}
	}

	return fmt.Errorf("failed to connect to Firebase after %d attempts", maxRetries)
}

func (q *FirebaseCommandQueue) deviceRef() *db.Ref {
	return q.client.NewRef(queuePath(q.session))
}

// queuePath is the database node holding one device's pending commands.
func queuePath(session *models.DeviceSession) string {
	return fmt.Sprintf("commands/%s/%s", session.UserID, session.DeviceID)
}

// Enqueue writes the command under its own id so a retried write is idempotent.
func (q *FirebaseCommandQueue) Enqueue(ctx context.Context, cmd *models.Command) error {
	record := models.QueuedCommand{
		Command:   *cmd,
		DeviceID:  q.session.DeviceID,
		ExpiresAt: q.now().Add(q.commandTTL).UnixMilli(),
	}
	if err := q.deviceRef().Child(cmd.ID).Set(ctx, record); err != nil {
		return fmt.Errorf("%w: firebase write: %v", ErrRelayRejected, err)
	}

	q.logger.Info("Command queued in Firebase",
		zap.String("device_id", q.session.DeviceID),
		zap.String("command_id", cmd.ID),
		zap.String("action", cmd.Action))
	return nil
}

// ListQueued returns the commands still waiting, oldest first.
func (q *FirebaseCommandQueue) ListQueued(ctx context.Context) ([]models.QueuedCommand, error) {
	var data map[string]models.QueuedCommand
	if err := q.deviceRef().Get(ctx, &data); err != nil {
		return nil, fmt.Errorf("error reading command queue: %w", err)
	}

	commands := make([]models.QueuedCommand, 0, len(data))
	for id, record := range data {
		if record.ID == "" {
			record.ID = id
		}
		commands = append(commands, record)
	}
	sort.Slice(commands, func(i, j int) bool { return commands[i].ID < commands[j].ID })
	return commands, nil
}

// Remove deletes one queued command. Used by operator tooling to drop expired
// records the device never picked up.
func (q *FirebaseCommandQueue) Remove(ctx context.Context, commandID string) error {
	if err := q.deviceRef().Child(commandID).Delete(ctx); err != nil {
		return fmt.Errorf("error removing command %s: %w", commandID, err)
	}
	return nil
}

// Close closes the Firebase connection
func (q *FirebaseCommandQueue) Close() error {
	q.logger.Info("Closing Firebase command queue")
	// Firebase client doesn't require explicit closing but we log it
	return nil
}
