package services

import (
	"context"
	"encoding/binary"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"camsync/models"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func mp4Box(boxType string, payload []byte) []byte {
	out := make([]byte, 8+len(payload))
	binary.BigEndian.PutUint32(out, uint32(len(out)))
	copy(out[4:], boxType)
	copy(out[8:], payload)
	return out
}

func initSegment() []byte {
	return append(mp4Box("ftyp", []byte("iso6")), mp4Box("moov", make([]byte, 16))...)
}

func mediaSegment() []byte {
	return mediaSegmentSized(64)
}

func mediaSegmentSized(mdat int) []byte {
	return append(mp4Box("moof", make([]byte, 8)), mp4Box("mdat", make([]byte, mdat))...)
}

const masterPlaylist = `#EXTM3U
#EXT-X-VERSION:7
#EXT-X-STREAM-INF:BANDWIDTH=800000,RESOLUTION=640x360
lo/live.m3u8
#EXT-X-STREAM-INF:BANDWIDTH=2500000,RESOLUTION=1280x720
hi/live.m3u8
`

func mediaPlaylist(firstSeq, count int) string {
	var sb strings.Builder
	sb.WriteString("#EXTM3U\n#EXT-X-VERSION:7\n#EXT-X-TARGETDURATION:2\n")
	sb.WriteString(fmt.Sprintf("#EXT-X-MEDIA-SEQUENCE:%d\n", firstSeq))
	sb.WriteString("#EXT-X-MAP:URI=\"init.mp4\"\n")
	for i := 0; i < count; i++ {
		sb.WriteString(fmt.Sprintf("#EXTINF:2.000,\nseg%d.m4s\n", firstSeq+i))
	}
	return sb.String()
}

type hlsServer struct {
	mu       sync.Mutex
	requests map[string]int
	corrupt  map[string]int
	status   int
	mdatSize int
}

func newHLSServer() *hlsServer {
	return &hlsServer{requests: make(map[string]int), corrupt: make(map[string]int)}
}

func (s *hlsServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.requests[r.URL.Path]++
	status := s.status
	mdatSize := s.mdatSize
	corrupt := s.corrupt[r.URL.Path] > 0
	if corrupt {
		s.corrupt[r.URL.Path]--
	}
	s.mu.Unlock()

	if status != 0 {
		w.WriteHeader(status)
		return
	}

	switch {
	case r.URL.Path == "/live.m3u8":
		_, _ = w.Write([]byte(masterPlaylist))
	case strings.HasSuffix(r.URL.Path, "/live.m3u8"):
		_, _ = w.Write([]byte(mediaPlaylist(100, 10)))
	case strings.HasSuffix(r.URL.Path, "/init.mp4"):
		_, _ = w.Write(initSegment())
	case strings.HasSuffix(r.URL.Path, ".m4s"):
		if corrupt {
			_, _ = w.Write([]byte("definitely not a fragment"))
			return
		}
		if mdatSize > 0 {
			_, _ = w.Write(mediaSegmentSized(mdatSize))
			return
		}
		_, _ = w.Write(mediaSegment())
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (s *hlsServer) count(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[path]
}

type recordingListener struct {
	mu       sync.Mutex
	variants int
	levels   int
	errors   []models.StreamError
}

func (l *recordingListener) OnManifestParsed(variants int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.variants = variants
}

func (l *recordingListener) OnLevelLoaded(bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.levels++
}

func (l *recordingListener) OnError(e models.StreamError, _ error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errors = append(l.errors, e)
}

func (l *recordingListener) errorCount(t models.StreamErrorType) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.errors {
		if e.Type == t {
			n++
		}
	}
	return n
}

func startTestEngine(t *testing.T, srv *httptest.Server, surface PlaybackSurface, listener EngineListener) *HLSEngine {
	e := newHLSEngine(EngineConfig{
		MaxBufferLength:    12 * time.Second,
		MaxMaxBufferLength: 15 * time.Second,
		LiveSyncCount:      2,
		MaxFetchRetries:    1,
		MaxRetryInterval:   20 * time.Millisecond,
	}, func(raw string) string { return raw }, ErrRelayRejected, surface, listener, zap.NewNop())
	e.start(context.Background(), srv.URL+"/live.m3u8")
	t.Cleanup(func() {
		e.Destroy()
		e.Wait()
	})
	return e
}

func appendedSegments(s *BufferSurface) int {
	n, _ := s.Stats()
	return n
}

func TestEngineStartsAtLiveSyncOnBestVariant(t *testing.T) {
	server := newHLSServer()
	srv := httptest.NewServer(server)
	defer srv.Close()

	surface := NewBufferSurface()
	listener := &recordingListener{}
	e := startTestEngine(t, srv, surface, listener)

	require.Eventually(t, func() bool { return appendedSegments(surface) == 2 }, 2*time.Second, 5*time.Millisecond)

	listener.mu.Lock()
	require.Equal(t, 2, listener.variants)
	require.Positive(t, listener.levels)
	listener.mu.Unlock()

	require.Positive(t, server.count("/hi/live.m3u8"))
	require.Zero(t, server.count("/lo/live.m3u8"))
	require.Equal(t, 1, server.count("/hi/init.mp4"))
	require.Equal(t, 1, server.count("/hi/seg108.m4s"))
	require.Equal(t, 1, server.count("/hi/seg109.m4s"))
	require.Zero(t, server.count("/hi/seg107.m4s"))

	pos, ok := e.LiveSyncPosition()
	require.True(t, ok)
	require.Equal(t, 16*time.Second, pos)
	require.Equal(t, 20*time.Second, surface.BufferedEnd())
	require.LessOrEqual(t, e.Latency(), 4*time.Second)
}

func TestEngineAppendsMultiMegabyteFragments(t *testing.T) {
	server := newHLSServer()
	server.mdatSize = 2 << 20
	srv := httptest.NewServer(server)
	defer srv.Close()

	surface := NewBufferSurface()
	listener := &recordingListener{}
	startTestEngine(t, srv, surface, listener)

	require.Eventually(t, func() bool { return appendedSegments(surface) == 2 }, 5*time.Second, 5*time.Millisecond)
	require.Zero(t, listener.errorCount(models.StreamErrorMedia))

	_, size := surface.Stats()
	require.Greater(t, size, int64(2*(2<<20)))
}

func TestDoRequestRejectsOversizedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(make([]byte, 64))
	}))
	defer srv.Close()

	_, err := doRequest(context.Background(), srv.Client(), http.MethodGet, srv.URL, nil, 32, ErrRelayRejected)
	require.ErrorIs(t, err, ErrBodyTooLarge)

	body, err := doRequest(context.Background(), srv.Client(), http.MethodGet, srv.URL, nil, 64, ErrRelayRejected)
	require.NoError(t, err)
	require.Len(t, body, 64)
}

func TestEngineRecoversFromCorruptFragment(t *testing.T) {
	server := newHLSServer()
	server.corrupt["/hi/seg108.m4s"] = 1
	srv := httptest.NewServer(server)
	defer srv.Close()

	surface := NewBufferSurface()
	listener := &recordingListener{}
	e := startTestEngine(t, srv, surface, listener)

	require.Eventually(t, func() bool { return listener.errorCount(models.StreamErrorMedia) == 1 }, 2*time.Second, 5*time.Millisecond)
	require.Zero(t, appendedSegments(surface))
	require.Zero(t, server.count("/hi/seg109.m4s"))

	e.RecoverMediaError()

	require.Eventually(t, func() bool { return appendedSegments(surface) == 2 }, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, 2, server.count("/hi/init.mp4"))
	require.Equal(t, 2, server.count("/hi/seg108.m4s"))
	require.Equal(t, 1, listener.errorCount(models.StreamErrorMedia))
}

func TestEngineDoesNotRetryRefusedToken(t *testing.T) {
	server := newHLSServer()
	server.status = http.StatusUnauthorized
	srv := httptest.NewServer(server)
	defer srv.Close()

	listener := &recordingListener{}
	startTestEngine(t, srv, NewBufferSurface(), listener)

	require.Eventually(t, func() bool { return listener.errorCount(models.StreamErrorNetwork) == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, 1, server.count("/live.m3u8"))

	listener.mu.Lock()
	require.True(t, listener.errors[0].Fatal)
	require.Equal(t, "manifestLoadError", listener.errors[0].Details)
	listener.mu.Unlock()
}

func TestEngineRetriesServerErrors(t *testing.T) {
	server := newHLSServer()
	server.status = http.StatusServiceUnavailable
	srv := httptest.NewServer(server)
	defer srv.Close()

	listener := &recordingListener{}
	startTestEngine(t, srv, NewBufferSurface(), listener)

	require.Eventually(t, func() bool { return listener.errorCount(models.StreamErrorNetwork) == 1 }, time.Second, 5*time.Millisecond)
	// one attempt plus one retry
	require.Equal(t, 2, server.count("/live.m3u8"))
}

func TestResolveURI(t *testing.T) {
	got, err := resolveURI("https://relay.example/stream/u/d/live.m3u8?token=abc&_t=1", "hi/seg1.m4s")
	require.NoError(t, err)
	require.Equal(t, "https://relay.example/stream/u/d/hi/seg1.m4s", got)

	got, err = resolveURI("https://relay.example/stream/u/d/live.m3u8", "https://cdn.example/seg2.ts")
	require.NoError(t, err)
	require.Equal(t, "https://cdn.example/seg2.ts", got)
}
