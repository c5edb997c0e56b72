package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"camsync/models"

	"go.uber.org/zap"
)

// StatusSource fetches and normalizes one status document.
type StatusSource interface {
	FetchStatus(ctx context.Context) (*models.StatusSnapshot, error)
}

// StatusSynchronizer polls a StatusSource at a fixed interval. Polls never overlap:
// the next one is scheduled only after the previous one has completed, and a
// restarted loop waits for the old loop to finish its in-flight poll.
type StatusSynchronizer struct {
	source   StatusSource
	interval time.Duration
	cloud    bool
	logger   *zap.Logger
	now      func() time.Time

	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}
}

func NewStatusSynchronizer(source StatusSource, interval time.Duration, cloud bool, logger *zap.Logger) *StatusSynchronizer {
	return &StatusSynchronizer{
		source:   source,
		interval: interval,
		cloud:    cloud,
		logger:   logger,
		now:      time.Now,
	}
}

// Start begins polling immediately and hands every snapshot to sink. Calling Start
// on a running synchronizer does nothing. ctx bounds the whole loop including
// in-flight fetches; Stop does not.
func (s *StatusSynchronizer) Start(ctx context.Context, sink func(*models.StatusSnapshot)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stop != nil {
		return
	}

	previous := s.done
	stop := make(chan struct{})
	done := make(chan struct{})
	s.stop = stop
	s.done = done

	go s.run(ctx, previous, stop, done, sink)
}

// Stop ends the loop after the in-flight poll, if any, completes.
func (s *StatusSynchronizer) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stop != nil {
		close(s.stop)
		s.stop = nil
	}
}

// Running reports whether a loop has been started and not stopped.
func (s *StatusSynchronizer) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stop != nil
}

// Wait blocks until the most recent loop has exited.
func (s *StatusSynchronizer) Wait() {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done != nil {
		<-done
	}
}

func (s *StatusSynchronizer) run(ctx context.Context, previous <-chan struct{}, stop <-chan struct{}, done chan<- struct{}, sink func(*models.StatusSnapshot)) {
	defer close(done)

	if previous != nil {
		select {
		case <-previous:
		case <-stop:
			return
		case <-ctx.Done():
			return
		}
	}

	s.logger.Info("Status polling started", zap.Duration("interval", s.interval))
	defer s.logger.Info("Status polling stopped")

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		select {
		case <-stop:
			return
		default:
		}

		// A stopped loop still delivers the poll it already started. Snapshot
		// application is an overwrite, so the next leader's poll supersedes it.
		sink(s.PollOnce(ctx))
		timer.Reset(s.interval)
	}
}

// PollOnce fetches one snapshot. Failures become a synthetic offline snapshot.
func (s *StatusSynchronizer) PollOnce(ctx context.Context) *models.StatusSnapshot {
	snap, err := s.source.FetchStatus(ctx)
	if err == nil {
		return snap
	}

	s.logger.Warn("Status poll failed", zap.Bool("cloud", s.cloud), zap.Error(err))
	return models.OfflineSnapshot(offlineReason(err), s.cloud, s.now())
}

func offlineReason(err error) string {
	switch {
	case errors.Is(err, ErrNotAuthenticated):
		return "Session expired, sign in again"
	case errors.Is(err, ErrNoNetwork):
		return "Device unreachable"
	case errors.Is(err, ErrRelayRejected):
		return "Relay unavailable"
	default:
		return "Status unavailable"
	}
}
