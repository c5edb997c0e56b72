package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"camsync/models"

	"github.com/cenkalti/backoff/v4"
	"github.com/grafov/m3u8"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"
)

// EngineListener receives pipeline events. Calls come from the engine goroutine
// and must not block on the engine.
type EngineListener interface {
	OnManifestParsed(variants int)
	OnLevelLoaded(live bool)
	OnError(e models.StreamError, err error)
}

// Engine is one HLS pipeline instance bound to a surface.
type Engine interface {
	LiveSyncPosition() (time.Duration, bool)
	Latency() time.Duration
	RecoverMediaError()
	Destroy()
}

// EngineFactory builds and starts an engine for url.
type EngineFactory func(ctx context.Context, url string, surface PlaybackSurface, listener EngineListener) Engine

type EngineConfig struct {
	MaxBufferLength    time.Duration
	MaxMaxBufferLength time.Duration
	LiveSyncCount      int
	MaxFetchRetries    uint64
	MaxRetryInterval   time.Duration
	HTTPTimeout        time.Duration
}

type segmentRef struct {
	seq      uint64
	uri      string
	start    time.Duration
	duration time.Duration
}

func (s segmentRef) end() time.Duration { return s.start + s.duration }

// HLSEngine loads a live HLS stream into a PlaybackSurface: it picks the highest
// bandwidth variant, keeps a timeline of the sliding playlist window and appends
// segments until the configured buffer is full.
type HLSEngine struct {
	cfg      EngineConfig
	client   *http.Client
	decorate func(raw string) string
	rejected error
	surface  PlaybackSurface
	listener EngineListener
	logger   *zap.Logger

	// segments already in the surface buffer, seq -> timeline start
	appended *expirable.LRU[uint64, time.Duration]

	cancel context.CancelFunc
	done   chan struct{}
	wake   chan struct{}

	mu             sync.Mutex
	window         []segmentRef
	target         time.Duration
	live           bool
	loaded         bool
	liveEdge       time.Duration
	initURI        string
	initLoaded     bool
	nextSeq        uint64
	started        bool
	mediaFailed    bool
	recoverPending bool
}

// NewHLSEngineFactory returns a factory whose engines fetch through endpoints:
// every request gets the session token in cloud mode and playlists get a cache
// buster.
func NewHLSEngineFactory(endpoints *Endpoints, cfg EngineConfig, logger *zap.Logger) EngineFactory {
	rejected := ErrDeviceRejected
	if endpoints.Mode() == models.ModeCloud {
		rejected = ErrRelayRejected
	}
	decorate := func(raw string) string { return endpoints.DecorateMediaURL(raw, time.Now()) }

	return func(ctx context.Context, url string, surface PlaybackSurface, listener EngineListener) Engine {
		e := newHLSEngine(cfg, decorate, rejected, surface, listener, logger)
		e.start(ctx, url)
		return e
	}
}

func newHLSEngine(cfg EngineConfig, decorate func(string) string, rejected error, surface PlaybackSurface, listener EngineListener, logger *zap.Logger) *HLSEngine {
	if cfg.LiveSyncCount <= 0 {
		cfg.LiveSyncCount = 2
	}
	if cfg.MaxFetchRetries == 0 {
		cfg.MaxFetchRetries = 4
	}
	if cfg.MaxRetryInterval <= 0 {
		cfg.MaxRetryInterval = 8 * time.Second
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 10 * time.Second
	}
	return &HLSEngine{
		cfg:      cfg,
		client:   &http.Client{Timeout: cfg.HTTPTimeout},
		decorate: decorate,
		rejected: rejected,
		surface:  surface,
		listener: listener,
		logger:   logger,
		appended: expirable.NewLRU[uint64, time.Duration](256, nil, 10*time.Minute),
		done:     make(chan struct{}),
		wake:     make(chan struct{}, 1),
	}
}

func (e *HLSEngine) start(ctx context.Context, manifestURL string) {
	ctx, e.cancel = context.WithCancel(ctx)
	go e.run(ctx, manifestURL)
}

// Destroy stops the engine. It does not wait, so it is safe to call from a
// listener callback.
func (e *HLSEngine) Destroy() {
	if e.cancel != nil {
		e.cancel()
	}
}

// Wait blocks until the engine goroutine has exited.
func (e *HLSEngine) Wait() {
	<-e.done
}

// RecoverMediaError resets the surface and resumes from the current playhead.
func (e *HLSEngine) RecoverMediaError() {
	e.mu.Lock()
	e.recoverPending = true
	e.mu.Unlock()

	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// LiveSyncPosition is LiveSyncCount target durations behind the live edge. It is
// only known for a loaded live playlist.
func (e *HLSEngine) LiveSyncPosition() (time.Duration, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.loaded || !e.live {
		return 0, false
	}
	pos := e.liveEdge - time.Duration(e.cfg.LiveSyncCount)*e.target
	if pos < 0 {
		pos = 0
	}
	return pos, true
}

// Latency is how far the playhead is behind the live edge.
func (e *HLSEngine) Latency() time.Duration {
	e.mu.Lock()
	edge, loaded := e.liveEdge, e.loaded
	e.mu.Unlock()
	if !loaded {
		return 0
	}
	latency := edge - e.surface.CurrentTime()
	if latency < 0 {
		return 0
	}
	return latency
}

func (e *HLSEngine) run(ctx context.Context, manifestURL string) {
	defer close(e.done)

	mediaURL, variants, err := e.resolveManifest(ctx, manifestURL)
	for err != nil {
		if ctx.Err() != nil {
			return
		}
		e.listener.OnError(models.StreamError{Type: models.StreamErrorNetwork, Fatal: true, Details: "manifestLoadError"}, err)
		if !e.sleep(ctx, 2*time.Second) {
			return
		}
		mediaURL, variants, err = e.resolveManifest(ctx, manifestURL)
	}
	e.listener.OnManifestParsed(variants)

	for {
		refresh := 2 * time.Second
		playlist, err := e.fetchMediaPlaylist(ctx, mediaURL)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			e.listener.OnError(models.StreamError{Type: models.StreamErrorNetwork, Details: "levelLoadError"}, err)
		} else {
			live := e.updateTimeline(mediaURL, playlist)
			e.listener.OnLevelLoaded(live)
			e.fill(ctx)
			if target := e.targetDuration(); target > 0 {
				refresh = target
			}
		}

		if !e.sleep(ctx, refresh) {
			return
		}
		// a recovery nudge skips the refresh and goes straight to filling
		e.fill(ctx)
	}
}

// sleep waits for d or a wake nudge. It reports false once ctx is done.
func (e *HLSEngine) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
	case <-e.wake:
	}
	return true
}

func (e *HLSEngine) targetDuration() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.target
}

// resolveManifest loads the entry playlist. A master playlist resolves to its
// highest bandwidth variant.
func (e *HLSEngine) resolveManifest(ctx context.Context, manifestURL string) (string, int, error) {
	data, err := e.fetch(ctx, manifestURL)
	if err != nil {
		return "", 0, err
	}
	playlist, listType, err := m3u8.DecodeFrom(bytes.NewReader(data), false)
	if err != nil {
		return "", 0, fmt.Errorf("manifest parse failed: %w", err)
	}
	if listType != m3u8.MASTER {
		return manifestURL, 1, nil
	}

	master := playlist.(*m3u8.MasterPlaylist)
	var best *m3u8.Variant
	for _, v := range master.Variants {
		if v == nil {
			continue
		}
		if best == nil || v.Bandwidth > best.Bandwidth {
			best = v
		}
	}
	if best == nil {
		return "", 0, errors.New("master playlist has no variants")
	}

	mediaURL, err := resolveURI(manifestURL, best.URI)
	if err != nil {
		return "", 0, err
	}
	e.logger.Info("HLS variant selected",
		zap.Int("variants", len(master.Variants)),
		zap.Uint32("bandwidth", best.Bandwidth),
		zap.String("uri", best.URI))
	return mediaURL, len(master.Variants), nil
}

func (e *HLSEngine) fetchMediaPlaylist(ctx context.Context, mediaURL string) (*m3u8.MediaPlaylist, error) {
	data, err := e.fetch(ctx, mediaURL)
	if err != nil {
		return nil, err
	}
	playlist, listType, err := m3u8.DecodeFrom(bytes.NewReader(data), false)
	if err != nil {
		return nil, fmt.Errorf("playlist parse failed: %w", err)
	}
	if listType != m3u8.MEDIA {
		return nil, errors.New("expected a media playlist")
	}
	return playlist.(*m3u8.MediaPlaylist), nil
}

// updateTimeline places the playlist window on the playback timeline. Segments
// seen in the previous window keep their position; a window with no overlap
// continues from the previous live edge.
func (e *HLSEngine) updateTimeline(mediaURL string, pl *m3u8.MediaPlaylist) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	known := make(map[uint64]time.Duration, len(e.window))
	for _, ref := range e.window {
		known[ref.seq] = ref.start
	}

	var refs []segmentRef
	var offset time.Duration
	base, anchored := e.liveEdge, false
	initURI := ""
	if pl.Map != nil {
		initURI = pl.Map.URI
	}

	for i, seg := range pl.Segments {
		if seg == nil {
			break
		}
		seq := pl.SeqNo + uint64(i)
		if !anchored {
			if start, ok := known[seq]; ok {
				base, anchored = start-offset, true
			}
		}
		if initURI == "" && seg.Map != nil {
			initURI = seg.Map.URI
		}
		uri, err := resolveURI(mediaURL, seg.URI)
		if err != nil {
			e.logger.Warn("Skipping segment with bad URI", zap.String("uri", seg.URI), zap.Error(err))
			continue
		}
		duration := seconds(seg.Duration)
		refs = append(refs, segmentRef{seq: seq, uri: uri, start: offset, duration: duration})
		offset += duration
	}
	for i := range refs {
		refs[i].start += base
	}

	if initURI != "" {
		if resolved, err := resolveURI(mediaURL, initURI); err == nil && resolved != e.initURI {
			e.initURI = resolved
			e.initLoaded = false
		}
	}

	e.window = refs
	e.target = seconds(float64(pl.TargetDuration))
	e.live = !pl.Closed
	e.loaded = true
	if len(refs) > 0 {
		e.liveEdge = refs[len(refs)-1].end()
	}

	if len(refs) == 0 {
		return e.live
	}
	if !e.started {
		e.started = true
		e.nextSeq = refs[0].seq
		startPos := refs[0].start
		if e.live {
			syncPos := e.liveEdge - time.Duration(e.cfg.LiveSyncCount)*e.target
			for _, ref := range refs {
				if ref.end() > syncPos {
					e.nextSeq, startPos = ref.seq, ref.start
					break
				}
			}
		}
		e.surface.Seek(startPos)
	} else if e.nextSeq < refs[0].seq {
		e.logger.Warn("Playback fell behind the playlist window",
			zap.Uint64("next_seq", e.nextSeq),
			zap.Uint64("window_start", refs[0].seq))
		e.nextSeq = refs[0].seq
	}
	return e.live
}

// fill appends segments until the buffer target is reached or the window is
// exhausted.
func (e *HLSEngine) fill(ctx context.Context) {
	for ctx.Err() == nil {
		e.mu.Lock()
		if e.recoverPending {
			e.resetForRecoveryLocked()
		}
		if e.mediaFailed {
			e.mu.Unlock()
			return
		}

		ref, ok := e.segmentLocked(e.nextSeq)
		if !ok {
			e.mu.Unlock()
			return
		}
		ahead := e.surface.BufferedEnd() - e.surface.CurrentTime()
		if ahead >= e.cfg.MaxBufferLength || (ahead > 0 && ahead+ref.duration > e.cfg.MaxMaxBufferLength) {
			e.mu.Unlock()
			return
		}
		initURI, needInit := e.initURI, e.initURI != "" && !e.initLoaded
		e.mu.Unlock()

		if needInit {
			data, err := e.fetch(ctx, initURI)
			if err != nil {
				e.reportNetwork(ctx, "fragLoadError", err)
				return
			}
			if err := e.surface.AppendInit(data); err != nil {
				e.reportMedia(err)
				return
			}
			e.mu.Lock()
			e.initLoaded = true
			e.mu.Unlock()
		}

		if e.appended.Contains(ref.seq) {
			e.advance(ref.seq)
			continue
		}

		data, err := e.fetch(ctx, ref.uri)
		if err != nil {
			e.reportNetwork(ctx, "fragLoadError", err)
			return
		}
		if err := e.surface.AppendSegment(ref.start, ref.duration, data); err != nil {
			e.reportMedia(err)
			return
		}
		e.appended.Add(ref.seq, ref.start)
		e.advance(ref.seq)

		e.logger.Debug("Segment appended",
			zap.Uint64("seq", ref.seq),
			zap.Duration("start", ref.start),
			zap.Duration("duration", ref.duration))
	}
}

func (e *HLSEngine) advance(seq uint64) {
	e.mu.Lock()
	if e.nextSeq == seq {
		e.nextSeq = seq + 1
	}
	e.mu.Unlock()
}

func (e *HLSEngine) segmentLocked(seq uint64) (segmentRef, bool) {
	for _, ref := range e.window {
		if ref.seq == seq {
			return ref, true
		}
	}
	return segmentRef{}, false
}

// resetForRecoveryLocked drops the surface buffer and restarts appending from
// the segment under the playhead.
func (e *HLSEngine) resetForRecoveryLocked() {
	e.recoverPending = false
	e.mediaFailed = false
	e.initLoaded = false
	e.appended.Purge()

	pos := e.surface.CurrentTime()
	e.surface.Reset()
	for _, ref := range e.window {
		if ref.end() > pos {
			e.nextSeq = ref.seq
			break
		}
	}
	e.logger.Info("Media pipeline reset for recovery", zap.Duration("position", pos), zap.Uint64("next_seq", e.nextSeq))
}

func (e *HLSEngine) reportMedia(err error) {
	e.mu.Lock()
	e.mediaFailed = true
	e.mu.Unlock()

	details := "bufferAppendError"
	var mediaErr *MediaError
	if errors.As(err, &mediaErr) {
		details = mediaErr.Details
	}
	e.listener.OnError(models.StreamError{Type: models.StreamErrorMedia, Fatal: true, Details: details}, err)
}

func (e *HLSEngine) reportNetwork(ctx context.Context, details string, err error) {
	if ctx.Err() != nil {
		return
	}
	e.listener.OnError(models.StreamError{Type: models.StreamErrorNetwork, Details: details}, err)
}

// fetch GETs a playlist or segment, retrying transport failures with capped
// exponential backoff. A refused token or an oversized body is not retried.
func (e *HLSEngine) fetch(ctx context.Context, raw string) ([]byte, error) {
	var body []byte
	op := func() error {
		data, err := doRequest(ctx, e.client, http.MethodGet, e.decorate(raw), nil, maxMediaBody, e.rejected)
		if err != nil {
			if errors.Is(err, ErrNotAuthenticated) || errors.Is(err, ErrBodyTooLarge) {
				return backoff.Permanent(err)
			}
			return err
		}
		body = data
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.MaxInterval = e.cfg.MaxRetryInterval
	b.MaxElapsedTime = 0
	if b.InitialInterval > b.MaxInterval {
		b.InitialInterval = b.MaxInterval
	}

	notify := func(err error, wait time.Duration) {
		e.logger.Debug("Media fetch failed, retrying",
			zap.String("url", redactToken(raw)),
			zap.Duration("wait", wait),
			zap.Error(err))
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(b, e.cfg.MaxFetchRetries), ctx)
	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		return nil, err
	}
	return body, nil
}

// resolveURI resolves a playlist reference against the playlist URL. Query
// parameters of the base are not inherited.
func resolveURI(base, ref string) (string, error) {
	b, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	r, err := url.Parse(ref)
	if err != nil {
		return "", err
	}
	return b.ResolveReference(r).String(), nil
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
