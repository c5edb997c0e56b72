package services

import (
	"context"
	"sync"
	"time"

	"camsync/models"

	"go.uber.org/zap"
)

// PlaybackOptions tunes the client-side playback policies.
type PlaybackOptions struct {
	MaxLatency         time.Duration
	RecoveryCooldown   time.Duration
	MaxMediaRecoveries int
	RebuildDelay       time.Duration
}

// LatencyInfo is a point-in-time view of how far playback trails the live edge.
type LatencyInfo struct {
	Latency          time.Duration `json:"latency"`
	MaxLatency       time.Duration `json:"maxLatency"`
	LiveSyncPosition time.Duration `json:"liveSyncPosition"`
	CurrentTime      time.Duration `json:"currentTime"`
	PlaybackRate     float64       `json:"playbackRate"`
}

// StreamPlaybackClient binds the session's stream URL to a surface and keeps it
// near the live edge. Network errors are left to the engine's own retries; media
// errors get a few in-place recoveries and then a full rebuild.
type StreamPlaybackClient struct {
	url     string
	surface PlaybackSurface
	factory EngineFactory
	bus     Publisher
	opts    PlaybackOptions
	logger  *zap.Logger
	now     func() time.Time

	mu           sync.Mutex
	ctx          context.Context
	engine       Engine
	ready        bool
	listeners    map[int]func(models.Event)
	nextListener int
	recoveries   int
	lastRecovery time.Time
	rebuilding   bool
	rebuilds     int
	destroyed    bool
}

// NewStreamPlaybackClient creates the client. bus may be nil when only local
// listeners are used.
func NewStreamPlaybackClient(url string, surface PlaybackSurface, factory EngineFactory, bus Publisher, opts PlaybackOptions, logger *zap.Logger) *StreamPlaybackClient {
	return &StreamPlaybackClient{
		url:       url,
		surface:   surface,
		factory:   factory,
		bus:       bus,
		opts:      opts,
		logger:    logger,
		now:       time.Now,
		listeners: make(map[int]func(models.Event)),
	}
}

// Load starts playback.
func (c *StreamPlaybackClient) Load(ctx context.Context) {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	c.ctx = ctx
	c.resetLocked()
	c.mu.Unlock()

	c.start(ctx)
}

func (c *StreamPlaybackClient) resetLocked() {
	c.recoveries = 0
	c.lastRecovery = time.Time{}
	c.ready = false
}

func (c *StreamPlaybackClient) start(ctx context.Context) {
	c.logger.Info("Loading stream", zap.String("url", redactToken(c.url)))
	engine := c.factory(ctx, c.url, c.surface, c)

	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		engine.Destroy()
		return
	}
	c.engine = engine
	c.mu.Unlock()
}

// OnEvent registers a listener for stream events. Listeners survive pipeline
// rebuilds and are only dropped by Destroy.
func (c *StreamPlaybackClient) OnEvent(fn func(models.Event)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextListener
	c.nextListener++
	c.listeners[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.listeners, id)
	}
}

func (c *StreamPlaybackClient) emit(event models.Event) {
	c.mu.Lock()
	listeners := make([]func(models.Event), 0, len(c.listeners))
	for _, fn := range c.listeners {
		listeners = append(listeners, fn)
	}
	c.mu.Unlock()

	for _, fn := range listeners {
		fn(event)
	}
	if c.bus != nil {
		c.bus.Publish(event)
	}
}

func (c *StreamPlaybackClient) currentEngine() Engine {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.engine
}

// OnManifestParsed implements EngineListener.
func (c *StreamPlaybackClient) OnManifestParsed(variants int) {
	c.mu.Lock()
	c.ready = true
	c.mu.Unlock()

	c.logger.Info("Stream manifest parsed", zap.Int("variants", variants))
	c.emit(models.StreamReady{URL: redactToken(c.url)})
}

// OnLevelLoaded implements EngineListener. Every playlist refresh pins the rate
// to 1.0 and checks the hard latency bound.
func (c *StreamPlaybackClient) OnLevelLoaded(live bool) {
	if rate := c.surface.PlaybackRate(); rate != 1.0 {
		c.logger.Debug("Resetting playback rate", zap.Float64("rate", rate))
		c.surface.SetPlaybackRate(1.0)
	}
	if live {
		c.enforceLatencyBound()
	}
}

func (c *StreamPlaybackClient) enforceLatencyBound() {
	engine := c.currentEngine()
	if engine == nil {
		return
	}
	latency := engine.Latency()
	if latency <= c.opts.MaxLatency {
		return
	}
	target, ok := engine.LiveSyncPosition()
	if !ok {
		return
	}

	c.logger.Warn("Far behind live edge, seeking to live",
		zap.Duration("latency", latency),
		zap.Duration("live_sync_position", target))
	c.seekTo(target, latency)
}

func (c *StreamPlaybackClient) seekTo(target, latency time.Duration) {
	from := c.surface.CurrentTime()
	c.surface.Seek(target)

	c.emit(models.StreamSeekToLive{From: from, To: target, Latency: latency})
}

// SeekToLive jumps to the live sync position. It reports false when the position
// is not known yet.
func (c *StreamPlaybackClient) SeekToLive() bool {
	engine := c.currentEngine()
	if engine == nil {
		c.logger.Warn("Cannot seek to live: stream not loaded")
		return false
	}
	target, ok := engine.LiveSyncPosition()
	if !ok {
		c.logger.Warn("Cannot seek to live: live sync position unknown")
		return false
	}
	c.seekTo(target, target-c.surface.CurrentTime())
	return true
}

// LatencyInfo reports the current latency, or false when no stream is loaded.
func (c *StreamPlaybackClient) LatencyInfo() (LatencyInfo, bool) {
	engine := c.currentEngine()
	if engine == nil {
		return LatencyInfo{}, false
	}
	info := LatencyInfo{
		Latency:      engine.Latency(),
		MaxLatency:   c.opts.MaxLatency,
		CurrentTime:  c.surface.CurrentTime(),
		PlaybackRate: c.surface.PlaybackRate(),
	}
	info.LiveSyncPosition, _ = engine.LiveSyncPosition()
	return info, true
}

// OnError implements EngineListener.
func (c *StreamPlaybackClient) OnError(e models.StreamError, err error) {
	if e.Fatal {
		c.logger.Error("Fatal stream error",
			zap.String("type", string(e.Type)),
			zap.String("details", e.Details),
			zap.Error(err))
	} else {
		c.logger.Warn("Stream error",
			zap.String("type", string(e.Type)),
			zap.String("details", e.Details),
			zap.Error(err))
	}
	c.emit(e)

	if e.Fatal && e.Type == models.StreamErrorMedia {
		c.handleMediaError(e.Details)
	}
}

// handleMediaError recovers in place at most MaxMediaRecoveries times, spaced by
// the cooldown. Once they are used up the next media error rebuilds the pipeline.
func (c *StreamPlaybackClient) handleMediaError(details string) {
	c.mu.Lock()
	if c.destroyed || c.rebuilding || c.engine == nil {
		c.mu.Unlock()
		return
	}

	now := c.now()
	if c.recoveries >= c.opts.MaxMediaRecoveries {
		c.mu.Unlock()
		c.logger.Error("Media error recoveries exhausted, rebuilding pipeline",
			zap.Int("max_recoveries", c.opts.MaxMediaRecoveries))
		c.rebuild("media recovery exhausted")
		return
	}
	if !c.lastRecovery.IsZero() && now.Sub(c.lastRecovery) < c.opts.RecoveryCooldown {
		since := now.Sub(c.lastRecovery)
		c.mu.Unlock()
		c.logger.Warn("Skipping media recovery during cooldown", zap.Duration("since_last", since))
		return
	}

	c.recoveries++
	c.lastRecovery = now
	attempt := c.recoveries
	engine := c.engine
	c.mu.Unlock()

	c.logger.Info("Attempting media error recovery",
		zap.Int("attempt", attempt),
		zap.Int("max_recoveries", c.opts.MaxMediaRecoveries),
		zap.String("details", details))
	engine.RecoverMediaError()
	c.emit(models.StreamRecovery{Attempt: attempt})
}

// rebuild tears the engine down and loads the same URL again after the rebuild
// delay. Listeners are untouched.
func (c *StreamPlaybackClient) rebuild(reason string) {
	c.mu.Lock()
	if c.rebuilding || c.destroyed {
		c.mu.Unlock()
		return
	}
	c.rebuilding = true
	c.rebuilds++
	engine := c.engine
	c.engine = nil
	c.ready = false
	c.mu.Unlock()

	c.emit(models.StreamReload{URL: redactToken(c.url), Reason: reason})
	if engine != nil {
		engine.Destroy()
	}

	time.AfterFunc(c.opts.RebuildDelay, func() {
		c.mu.Lock()
		c.rebuilding = false
		ctx := c.ctx
		if c.destroyed || ctx == nil || ctx.Err() != nil {
			c.mu.Unlock()
			return
		}
		c.resetLocked()
		c.mu.Unlock()

		c.logger.Info("Rebuilding playback pipeline")
		c.start(ctx)
	})
}

// Ready reports whether the current pipeline has parsed its manifest.
func (c *StreamPlaybackClient) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}

// Rebuilds counts full pipeline rebuilds.
func (c *StreamPlaybackClient) Rebuilds() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rebuilds
}

// Destroy stops playback and drops all listeners.
func (c *StreamPlaybackClient) Destroy() {
	c.mu.Lock()
	c.destroyed = true
	engine := c.engine
	c.engine = nil
	c.ready = false
	c.listeners = make(map[int]func(models.Event))
	c.mu.Unlock()

	if engine != nil {
		engine.Destroy()
	}
}
