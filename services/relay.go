package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"camsync/models"

	"go.uber.org/zap"
)

// RelayClient reaches the device through the cloud relay. Every call carries the
// stream access token as a query parameter.
type RelayClient struct {
	logger     *zap.Logger
	endpoints  *Endpoints
	session    *models.DeviceSession
	httpClient *http.Client
	commandTTL time.Duration
	now        func() time.Time
}

func NewRelayClient(sc *models.SessionContext, timeout time.Duration, logger *zap.Logger) *RelayClient {
	return &RelayClient{
		logger:     logger,
		endpoints:  NewEndpoints(sc),
		session:    sc.Session,
		httpClient: &http.Client{Timeout: timeout},
		commandTTL: 5 * time.Minute,
		now:        time.Now,
	}
}

// FetchStatus reads the last status document the device pushed to the relay.
func (r *RelayClient) FetchStatus(ctx context.Context) (*models.StatusSnapshot, error) {
	if r.session == nil {
		return nil, ErrNotAuthenticated
	}
	body, err := doRequest(ctx, r.httpClient, http.MethodGet, r.endpoints.StatusURL(), nil, maxStatusBody, ErrRelayRejected)
	if err != nil {
		return nil, err
	}
	return NormalizeStatus(body, true, r.now())
}

// Enqueue appends the command to the relay queue. The queue is append-only and
// the device removes records after executing them.
func (r *RelayClient) Enqueue(ctx context.Context, cmd *models.Command) error {
	if r.session == nil {
		return ErrNotAuthenticated
	}

	record := models.QueuedCommand{
		Command:   *cmd,
		DeviceID:  r.session.DeviceID,
		ExpiresAt: r.now().Add(r.commandTTL).UnixMilli(),
	}
	body, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal command record: %w", err)
	}

	if _, err := doRequest(ctx, r.httpClient, http.MethodPut, r.endpoints.QueueURL(cmd.ID), body, maxStatusBody, ErrRelayRejected); err != nil {
		return err
	}

	r.logger.Info("Command queued on relay",
		zap.String("device_id", r.session.DeviceID),
		zap.String("command_id", cmd.ID),
		zap.String("action", cmd.Action))
	return nil
}

// ListQueued returns the command ids still waiting in the relay queue.
func (r *RelayClient) ListQueued(ctx context.Context) ([]string, error) {
	if r.session == nil {
		return nil, ErrNotAuthenticated
	}
	body, err := doRequest(ctx, r.httpClient, http.MethodGet, r.endpoints.QueueListURL(), nil, maxStatusBody, ErrRelayRejected)
	if err != nil {
		return nil, err
	}

	var files []string
	if err := json.Unmarshal(body, &files); err != nil {
		return nil, fmt.Errorf("malformed queue listing: %w", err)
	}

	ids := make([]string, 0, len(files))
	for _, f := range files {
		if id, ok := strings.CutSuffix(f, ".json"); ok {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// PlaylistAvailable checks the live playlist with HEAD so the UI can tell "device
// not streaming" apart from a playback failure.
func (r *RelayClient) PlaylistAvailable(ctx context.Context) (bool, error) {
	if r.session == nil {
		return false, ErrNotAuthenticated
	}
	url := r.endpoints.DecorateMediaURL(r.endpoints.StreamURL(), r.now())
	_, err := doRequest(ctx, r.httpClient, http.MethodHead, url, nil, maxStatusBody, ErrRelayRejected)
	if err == nil {
		return true, nil
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusNotFound {
		return false, nil
	}
	return false, err
}
