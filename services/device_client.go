package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"camsync/models"

	"go.uber.org/zap"
)

const userAgent = "camsync-dashboard/1.0"

const (
	// maxStatusBody bounds status documents and queue listings.
	maxStatusBody = 1 << 20
	// maxMediaBody bounds one playlist or media segment.
	maxMediaBody = 64 << 20
)

// DeviceClient talks to the device's own HTTP server on the local network
type DeviceClient struct {
	logger     *zap.Logger
	endpoints  *Endpoints
	httpClient *http.Client
	now        func() time.Time
}

// NewDeviceClient creates a client for local mode
func NewDeviceClient(endpoints *Endpoints, timeout time.Duration, logger *zap.Logger) *DeviceClient {
	return &DeviceClient{
		logger:    logger,
		endpoints: endpoints,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		now: time.Now,
	}
}

// FetchStatus reads GET /status and normalizes it
func (d *DeviceClient) FetchStatus(ctx context.Context) (*models.StatusSnapshot, error) {
	body, err := doRequest(ctx, d.httpClient, http.MethodGet, d.endpoints.StatusURL(), nil, maxStatusBody, ErrDeviceRejected)
	if err != nil {
		return nil, err
	}
	return NormalizeStatus(body, false, d.now())
}

// SendCommand posts the command params to the device endpoint for the action
func (d *DeviceClient) SendCommand(ctx context.Context, cmd *models.Command) error {
	params := cmd.Params
	if params == nil {
		params = map[string]any{}
	}

	jsonData, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("failed to marshal command params: %w", err)
	}

	endpoint := d.endpoints.CommandURL(cmd.Action)
	if _, err := doRequest(ctx, d.httpClient, http.MethodPost, endpoint, jsonData, maxStatusBody, ErrDeviceRejected); err != nil {
		d.logger.Error("Device command failed",
			zap.String("action", cmd.Action),
			zap.String("command_id", cmd.ID),
			zap.Error(err))
		return err
	}

	d.logger.Info("Device command accepted",
		zap.String("action", cmd.Action),
		zap.String("command_id", cmd.ID))
	return nil
}

// doRequest sends one request and returns the body of a 2xx response. Transport
// failures wrap ErrNoNetwork, other statuses are classified by classifyStatus.
// A body longer than limit is an error, never silently truncated.
func doRequest(ctx context.Context, client *http.Client, method, endpoint string, body []byte, limit int64, rejected error) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %v", ErrNoNetwork, method, redactToken(endpoint), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, classifyStatus(endpoint, resp.StatusCode, rejected)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", ErrNoNetwork, redactToken(endpoint), err)
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("%w: %s exceeds %d bytes", ErrBodyTooLarge, redactToken(endpoint), limit)
	}
	return data, nil
}
