package services

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"
)

// PlaybackSurface is where the HLS engine appends media and where playback
// position lives.
type PlaybackSurface interface {
	AppendInit(data []byte) error
	AppendSegment(start, duration time.Duration, data []byte) error
	CurrentTime() time.Duration
	BufferedEnd() time.Duration
	Seek(pos time.Duration)
	PlaybackRate() float64
	SetPlaybackRate(rate float64)
	Reset()
}

const tsPacketSize = 188

// BufferSurface is a headless surface. It checks container framing the way a
// media source buffer would reject garbage, and advances the playhead with the
// clock while media is buffered.
type BufferSurface struct {
	now func() time.Time

	mu          sync.Mutex
	hasInit     bool
	bufStart    time.Duration
	bufEnd      time.Duration
	position    time.Duration
	anchor      time.Time
	rate        float64
	appended    int
	appendBytes int64
}

func NewBufferSurface() *BufferSurface {
	return &BufferSurface{now: time.Now, rate: 1.0}
}

// AppendInit accepts an fMP4 initialization segment (ftyp + moov).
func (s *BufferSurface) AppendInit(data []byte) error {
	boxes, err := topLevelBoxes(data)
	if err != nil {
		return &MediaError{Details: "bufferAppendError", Err: err}
	}
	if !boxes["ftyp"] || !boxes["moov"] {
		return &MediaError{Details: "bufferAppendError", Err: fmt.Errorf("init segment without ftyp/moov")}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.hasInit = true
	return nil
}

// AppendSegment accepts an fMP4 fragment (moof + mdat, after an init segment) or
// an MPEG-TS segment.
func (s *BufferSurface) AppendSegment(start, duration time.Duration, data []byte) error {
	s.mu.Lock()
	hasInit := s.hasInit
	s.mu.Unlock()

	if !isTransportStream(data) {
		if !hasInit {
			return &MediaError{Details: "bufferAppendError", Err: fmt.Errorf("fragment appended before init segment")}
		}
		boxes, err := topLevelBoxes(data)
		if err != nil {
			return &MediaError{Details: "fragParsingError", Err: err}
		}
		if !boxes["moof"] || !boxes["mdat"] {
			return &MediaError{Details: "fragParsingError", Err: fmt.Errorf("fragment without moof/mdat")}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// rebase the playhead so time spent stalled is not counted
	current := s.currentLocked()
	s.position = current
	s.anchor = s.now()
	if s.appended == 0 || start > s.bufEnd {
		// first append or a gap: playback continues from the new range
		s.bufStart = start
		if current < start {
			s.position = start
		}
	}
	if end := start + duration; end > s.bufEnd {
		s.bufEnd = end
	}
	s.appended++
	s.appendBytes += int64(len(data))
	return nil
}

func (s *BufferSurface) currentLocked() time.Duration {
	if s.anchor.IsZero() {
		return s.position
	}
	elapsed := time.Duration(float64(s.now().Sub(s.anchor)) * s.rate)
	pos := s.position + elapsed
	// stall at the end of the buffer
	if pos > s.bufEnd {
		pos = s.bufEnd
	}
	if pos < s.position {
		pos = s.position
	}
	return pos
}

func (s *BufferSurface) CurrentTime() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentLocked()
}

func (s *BufferSurface) BufferedEnd() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bufEnd
}

// BufferedAhead is how much media is buffered past the playhead.
func (s *BufferSurface) BufferedAhead() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	ahead := s.bufEnd - s.currentLocked()
	if ahead < 0 {
		return 0
	}
	return ahead
}

func (s *BufferSurface) Seek(pos time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.position = pos
	s.anchor = s.now()
}

func (s *BufferSurface) PlaybackRate() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rate
}

func (s *BufferSurface) SetPlaybackRate(rate float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.position = s.currentLocked()
	if !s.anchor.IsZero() {
		s.anchor = s.now()
	}
	s.rate = rate
}

// Reset drops buffered media and the init segment. The playhead is kept.
func (s *BufferSurface) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.position = s.currentLocked()
	s.anchor = time.Time{}
	s.hasInit = false
	s.bufStart = s.position
	s.bufEnd = s.position
	s.appended = 0
}

// Stats reports appended segment count and bytes.
func (s *BufferSurface) Stats() (segments int, bytes int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appended, s.appendBytes
}

func isTransportStream(data []byte) bool {
	return len(data) >= tsPacketSize && len(data)%tsPacketSize == 0 && data[0] == 0x47
}

// topLevelBoxes walks ISO BMFF boxes and returns the set of top-level box types.
func topLevelBoxes(data []byte) (map[string]bool, error) {
	boxes := make(map[string]bool)
	for off := 0; off < len(data); {
		if len(data)-off < 8 {
			return nil, fmt.Errorf("truncated box header at offset %d", off)
		}
		size := uint64(binary.BigEndian.Uint32(data[off:]))
		boxType := string(data[off+4 : off+8])
		header := uint64(8)

		switch size {
		case 0:
			size = uint64(len(data) - off)
		case 1:
			if len(data)-off < 16 {
				return nil, fmt.Errorf("truncated largesize box %q", boxType)
			}
			size = binary.BigEndian.Uint64(data[off+8:])
			header = 16
		}
		if size < header || size > uint64(len(data)-off) {
			return nil, fmt.Errorf("box %q size %d out of range", boxType, size)
		}

		boxes[boxType] = true
		off += int(size)
	}
	if len(boxes) == 0 {
		return nil, fmt.Errorf("empty segment")
	}
	return boxes, nil
}
