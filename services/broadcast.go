package services

import (
	"context"
	"errors"
	"sync"

	"camsync/models"

	"go.uber.org/zap"
)

// Broadcaster connects the tabs of one origin. Messages posted on a port reach
// every other joined port; whether the sender also receives its own message is
// transport-specific, so receivers filter by tab id.
type Broadcaster interface {
	Join(ctx context.Context, tabID string) (BroadcastPort, error)
}

// BroadcastPort is one tab's end of the broadcast channel. Messages is closed when
// the port or the underlying transport goes away.
type BroadcastPort interface {
	Post(ctx context.Context, msg models.TabMessage) error
	Messages() <-chan models.TabMessage
	Close() error
}

var errPortClosed = errors.New("broadcast port closed")

const portBuffer = 256

// MemoryBroadcastHub is an in-process broadcaster for tabs that share a process,
// such as the tab simulator and tests.
type MemoryBroadcastHub struct {
	mu     sync.Mutex
	ports  map[*memoryPort]bool
	logger *zap.Logger
}

func NewMemoryBroadcastHub(logger *zap.Logger) *MemoryBroadcastHub {
	return &MemoryBroadcastHub{
		ports:  make(map[*memoryPort]bool),
		logger: logger,
	}
}

func (h *MemoryBroadcastHub) Join(_ context.Context, tabID string) (BroadcastPort, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	p := &memoryPort{hub: h, tabID: tabID, ch: make(chan models.TabMessage, portBuffer)}
	h.ports[p] = true
	return p, nil
}

func (h *MemoryBroadcastHub) deliver(from *memoryPort, msg models.TabMessage) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.ports[from] {
		return errPortClosed
	}

	for p := range h.ports {
		if p == from {
			continue
		}
		// every receiver gets its own copy of the snapshot
		out := msg
		if msg.Snapshot != nil {
			snap := *msg.Snapshot
			out.Snapshot = &snap
		}
		select {
		case p.ch <- out:
		default:
			h.logger.Warn("Dropping tab message for slow receiver",
				zap.String("tab_id", p.tabID),
				zap.String("kind", string(msg.Kind)))
		}
	}
	return nil
}

func (h *MemoryBroadcastHub) leave(p *memoryPort) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ports[p] {
		delete(h.ports, p)
		close(p.ch)
	}
}

type memoryPort struct {
	hub   *MemoryBroadcastHub
	tabID string
	ch    chan models.TabMessage
}

func (p *memoryPort) Post(_ context.Context, msg models.TabMessage) error {
	return p.hub.deliver(p, msg)
}

func (p *memoryPort) Messages() <-chan models.TabMessage { return p.ch }

func (p *memoryPort) Close() error {
	p.hub.leave(p)
	return nil
}
