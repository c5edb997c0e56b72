package services

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"camsync/models"
)

// NormalizeStatus converts a raw status document from the device or relay into a
// snapshot. Missing or mistyped fields fall back to neutral defaults; only a body
// that is not a JSON object is an error.
func NormalizeStatus(body []byte, cloud bool, receivedAt time.Time) (*models.StatusSnapshot, error) {
	var raw map[string]any
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("malformed status document: %w", err)
	}
	if raw == nil {
		return nil, fmt.Errorf("malformed status document: not an object")
	}

	// relay documents may nest the device payload under "status"
	if inner, ok := raw["status"].(map[string]any); ok {
		for _, key := range []string{"lastUpdated", "cloudViewers", "cloudMode"} {
			if _, has := inner[key]; !has {
				if v, ok := raw[key]; ok {
					inner[key] = v
				}
			}
		}
		raw = inner
	}

	snap := &models.StatusSnapshot{
		Streaming:   asBool(raw["streaming"]) || asBool(raw["isStreaming"]),
		Recording:   asBool(raw["isRecording"]) || asBool(raw["recording"]),
		Paused:      asBool(raw["isPaused"]),
		TorchOn:     asBool(raw["torchState"]),
		UptimeStart: asTime(nested(raw, "uptimeDetails", "startTimestamp")),
		Battery:     normalizeBattery(raw),
		Network:     normalizeNetwork(raw["networkHealth"]),
		Message:     asString(raw["message"]),
		CloudMode:   cloud || asBool(raw["cloudMode"]),
		GeneratedAt: asTime(raw["lastUpdated"]),
		ReceivedAt:  receivedAt,
	}

	snap.State = asString(raw["state"])
	if snap.State == "" {
		switch {
		case snap.Recording:
			snap.State = "recording"
		case snap.Streaming:
			snap.State = "streaming"
		default:
			snap.State = "idle"
		}
	}

	snap.ConnectedClients = countOf(raw["activeConnections"])
	snap.CloudViewers = countOf(raw["cloudViewers"])
	snap.ConnectedClients += snap.CloudViewers

	return snap, nil
}

func normalizeBattery(raw map[string]any) models.Battery {
	battery := models.Battery{Percent: -1, Status: models.StateUnknown}

	if details, ok := raw["batteryDetails"].(map[string]any); ok {
		if p, ok := asFloat(details["percent"]); ok {
			battery.Percent = clampPercent(p)
		}
		if s := asString(details["status"]); s != "" {
			battery.Status = s
		}
		battery.Warning = asString(details["warning"])
		return battery
	}

	if p, ok := asFloat(raw["battery"]); ok {
		battery.Percent = clampPercent(p)
	}
	return battery
}

func normalizeNetwork(v any) models.Network {
	network := models.Network{Health: models.StateUnknown}
	switch n := v.(type) {
	case string:
		if n != "" {
			network.Health = strings.ToLower(n)
		}
	case map[string]any:
		if s := asString(n["status"]); s != "" {
			network.Health = strings.ToLower(s)
		}
		network.DownloadMbps, _ = asFloat(firstOf(n, "downloadMbps", "download_mbps", "downloadSpeed"))
		network.UploadMbps, _ = asFloat(firstOf(n, "uploadMbps", "upload_mbps", "uploadSpeed"))
		if l, ok := asFloat(firstOf(n, "latencyMs", "latency_ms", "latency")); ok {
			network.LatencyMs = int(l)
		}
	}
	return network
}

func nested(raw map[string]any, keys ...string) any {
	var cur any = raw
	for _, k := range keys {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = m[k]
	}
	return cur
}

func firstOf(m map[string]any, keys ...string) any {
	for _, k := range keys {
		if v, ok := m[k]; ok && v != nil {
			return v
		}
	}
	return nil
}

func asString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case json.Number:
		return s.String()
	default:
		return ""
	}
}

func asBool(v any) bool {
	switch b := v.(type) {
	case bool:
		return b
	case string:
		parsed, err := strconv.ParseBool(strings.ToLower(b))
		return err == nil && parsed || strings.EqualFold(b, "on")
	case json.Number:
		f, err := b.Float64()
		return err == nil && f != 0
	default:
		return false
	}
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case float64:
		return n, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSuffix(strings.TrimSpace(n), "%"), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// countOf accepts either a number or a list of connection records.
func countOf(v any) int {
	if list, ok := v.([]any); ok {
		return len(list)
	}
	if f, ok := asFloat(v); ok && f > 0 {
		return int(f)
	}
	return 0
}

// asTime accepts epoch milliseconds, epoch seconds or RFC 3339 strings.
// Zero and unparseable values yield the zero time.
func asTime(v any) time.Time {
	if s, ok := v.(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t
		}
	}
	f, ok := asFloat(v)
	if !ok || f <= 0 {
		return time.Time{}
	}
	if f < 1e11 {
		return time.Unix(0, int64(f*float64(time.Second)))
	}
	return time.UnixMilli(int64(f))
}

func clampPercent(p float64) int {
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	default:
		return int(p)
	}
}
