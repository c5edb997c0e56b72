package services

import (
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"camsync/config"
	"camsync/models"

	"go.uber.org/zap"
)

// TransportSelector decides whether the dashboard talks to the device directly or
// through the cloud relay. Classification is a pure function of hostname and session.
type TransportSelector struct {
	cloudHosts []string
	localURL   string
	relayURL   string
	logger     *zap.Logger
}

func NewTransportSelector(cfg *config.Config, logger *zap.Logger) *TransportSelector {
	hosts := make([]string, 0, len(cfg.CloudHosts))
	for _, h := range cfg.CloudHosts {
		hosts = append(hosts, strings.ToLower(strings.TrimSuffix(h, ".")))
	}
	return &TransportSelector{
		cloudHosts: hosts,
		localURL:   strings.TrimRight(cfg.LocalDeviceURL, "/"),
		relayURL:   strings.TrimRight(cfg.RelayURL, "/"),
		logger:     logger,
	}
}

// Classify returns the transport mode for a hostname. A cloud hostname without a
// session is pending, never local.
func (t *TransportSelector) Classify(hostname string, session *models.DeviceSession) models.Mode {
	host := hostOnly(hostname)
	if isPrivateHost(host) {
		return models.ModeLocal
	}
	if t.isCloudHost(host) {
		if session != nil && session.DeviceID != "" {
			return models.ModeCloud
		}
		return models.ModePending
	}
	return models.ModeLocal
}

// Resolve builds the SessionContext injected into the rest of the application.
func (t *TransportSelector) Resolve(hostname string, session *models.DeviceSession) *models.SessionContext {
	mode := t.Classify(hostname, session)
	t.logger.Info("Transport mode resolved",
		zap.String("hostname", hostname),
		zap.String("mode", string(mode)),
		zap.Bool("has_session", session != nil))

	return &models.SessionContext{
		Hostname: hostname,
		Mode:     mode,
		Session:  session,
		LocalURL: t.localURL,
		RelayURL: t.relayURL,
	}
}

func (t *TransportSelector) isCloudHost(host string) bool {
	for _, cloud := range t.cloudHosts {
		if host == cloud || strings.HasSuffix(host, "."+cloud) {
			return true
		}
	}
	return false
}

func hostOnly(hostname string) string {
	host := strings.ToLower(strings.TrimSpace(hostname))
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.TrimPrefix(strings.TrimSuffix(host, "]"), "[")
	return strings.TrimSuffix(host, ".")
}

func isPrivateHost(host string) bool {
	if host == "" || host == "localhost" || strings.HasSuffix(host, ".localhost") || strings.HasSuffix(host, ".local") {
		return true
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	return ip.IsPrivate() || ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsUnspecified()
}

// Endpoints exposes the mode-appropriate URLs for one session.
type Endpoints struct {
	sc *models.SessionContext
}

func NewEndpoints(sc *models.SessionContext) *Endpoints {
	return &Endpoints{sc: sc}
}

func (e *Endpoints) Mode() models.Mode { return e.sc.Mode }

func (e *Endpoints) token() string {
	if e.sc.Session == nil {
		return ""
	}
	return e.sc.Session.StreamAccessToken
}

func (e *Endpoints) relayPath(prefix string) string {
	s := e.sc.Session
	return e.sc.RelayURL + prefix + "/" + url.PathEscape(s.UserID) + "/" + url.PathEscape(s.DeviceID)
}

// StatusURL is the status document endpoint, or "" while pending.
func (e *Endpoints) StatusURL() string {
	switch e.sc.Mode {
	case models.ModeLocal:
		return e.sc.LocalURL + "/status"
	case models.ModeCloud:
		return withToken(e.relayPath("/api/status"), e.token())
	default:
		return ""
	}
}

// CommandURL is the local device endpoint for an action.
func (e *Endpoints) CommandURL(action string) string {
	return e.sc.LocalURL + models.EndpointFromAction(action)
}

// QueueURL is the relay queue resource for one command record.
func (e *Endpoints) QueueURL(commandID string) string {
	return withToken(e.relayPath("/api/command")+"/"+url.PathEscape(commandID)+".json", e.token())
}

// QueueListURL lists pending command records for the device.
func (e *Endpoints) QueueListURL() string {
	return withToken(e.relayPath("/api/command")+"/", e.token())
}

// StreamURL is the live playlist for the current mode, or "" while pending.
func (e *Endpoints) StreamURL() string {
	switch e.sc.Mode {
	case models.ModeLocal:
		return e.sc.LocalURL + "/live.m3u8"
	case models.ModeCloud:
		return withToken(e.relayPath("/stream")+"/live.m3u8", e.token())
	default:
		return ""
	}
}

// DecorateMediaURL prepares a playlist or segment URL for fetching. Cloud requests
// carry the token in the query string; playlists get a cache-busting parameter.
func (e *Endpoints) DecorateMediaURL(raw string, now time.Time) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	q := u.Query()
	if e.sc.Mode == models.ModeCloud && e.token() != "" && q.Get("token") == "" {
		q.Set("token", e.token())
	}
	if strings.HasSuffix(u.Path, ".m3u8") {
		q.Set("_t", strconv.FormatInt(now.UnixMilli(), 10))
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func withToken(raw, token string) string {
	if token == "" {
		return raw
	}
	return raw + "?token=" + url.QueryEscape(token)
}

// redactToken hides the access token before a URL reaches the logs.
func redactToken(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	q := u.Query()
	if q.Get("token") == "" {
		return raw
	}
	q.Set("token", "redacted")
	u.RawQuery = q.Encode()
	return u.String()
}

// RedactToken is redactToken for callers outside the package.
func RedactToken(raw string) string { return redactToken(raw) }
