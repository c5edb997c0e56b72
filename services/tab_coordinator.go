package services

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"camsync/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Poller is the polling loop the leader tab owns.
type Poller interface {
	Start(ctx context.Context, sink func(*models.StatusSnapshot))
	Stop()
}

type TabOptions struct {
	// Visible is the visibility at construction.
	Visible bool
	// ActivityWindow is how long a follower tolerates silence from the leader.
	ActivityWindow time.Duration
	// PostTimeout bounds a single broadcast.
	PostTimeout time.Duration
}

// TabCoordinator elects one polling tab among the tabs of an origin. All election
// state belongs to the goroutine started by Start; other goroutines talk to it
// through channels and read the published leader flag and snapshot.
//
// Leadership rules:
//   - a visible tab at start claims, a hidden one follows
//   - a leader that becomes hidden announces a release but keeps polling until
//     another tab claims, so a hidden origin still has one poller
//   - a visible follower claims on a release or when the leader has been silent
//   - any follower claims when the leader has been silent for ActivityWindow
//   - competing leaders keep the visible one, then the lowest tab id
//   - without a broadcast transport every tab leads
type TabCoordinator struct {
	tabID       string
	broadcaster Broadcaster
	poller      Poller
	bus         Publisher
	opts        TabOptions
	logger      *zap.Logger
	now         func() time.Time

	visibility chan bool
	snapshots  chan *models.StatusSnapshot
	closing    chan struct{}
	done       chan struct{}
	startOnce  sync.Once
	closeOnce  sync.Once

	leader atomic.Bool
	solo   atomic.Bool
	latest atomic.Pointer[models.StatusSnapshot]
}

// NewTabCoordinator creates a coordinator with a fresh random tab id. broadcaster
// may be nil when no cross-tab transport exists.
func NewTabCoordinator(broadcaster Broadcaster, poller Poller, bus Publisher, opts TabOptions, logger *zap.Logger) *TabCoordinator {
	if opts.ActivityWindow <= 0 {
		opts.ActivityWindow = 6 * time.Second
	}
	if opts.PostTimeout <= 0 {
		opts.PostTimeout = 2 * time.Second
	}
	tabID := uuid.NewString()
	return &TabCoordinator{
		tabID:       tabID,
		broadcaster: broadcaster,
		poller:      poller,
		bus:         bus,
		opts:        opts,
		logger:      logger.With(zap.String("tab_id", tabID)),
		now:         time.Now,
		visibility:  make(chan bool, 8),
		snapshots:   make(chan *models.StatusSnapshot, 8),
		closing:     make(chan struct{}),
		done:        make(chan struct{}),
	}
}

func (c *TabCoordinator) TabID() string { return c.tabID }

// IsLeader reports the leader flag as last published by the election loop.
func (c *TabCoordinator) IsLeader() bool { return c.leader.Load() }

// Solo reports whether the tab runs without a broadcast transport.
func (c *TabCoordinator) Solo() bool { return c.solo.Load() }

// Latest is the last snapshot applied by this tab, polled or received.
func (c *TabCoordinator) Latest() *models.StatusSnapshot { return c.latest.Load() }

// Start joins the broadcast channel and runs the election loop until ctx ends or
// Close is called.
func (c *TabCoordinator) Start(ctx context.Context) {
	c.startOnce.Do(func() {
		var port BroadcastPort
		if c.broadcaster != nil {
			p, err := c.broadcaster.Join(ctx, c.tabID)
			if err != nil {
				c.logger.Warn("Broadcast unavailable, tab will poll on its own", zap.Error(err))
			} else {
				port = p
			}
		}
		go c.run(ctx, port)
	})
}

// SetVisible reports a visibility change of the tab.
func (c *TabCoordinator) SetVisible(visible bool) {
	select {
	case c.visibility <- visible:
	case <-c.done:
	}
}

// Close releases leadership and stops polling, as on page unload.
func (c *TabCoordinator) Close() {
	// never started: nothing to release
	c.startOnce.Do(func() { close(c.done) })
	c.closeOnce.Do(func() { close(c.closing) })
	<-c.done
}

type tabState struct {
	port            BroadcastPort
	visible         bool
	leader          bool
	releasing       bool
	knownLeader     string
	leaderReleasing bool
	lastActivity    time.Time
}

func (c *TabCoordinator) run(ctx context.Context, port BroadcastPort) {
	defer close(c.done)

	st := &tabState{port: port, visible: c.opts.Visible, lastActivity: c.now()}

	var messages <-chan models.TabMessage
	if port != nil {
		messages = port.Messages()
	}

	switch {
	case port == nil:
		c.goSolo(ctx, st)
	case st.visible:
		c.becomeLeader(ctx, st, "visible at start")
	default:
		c.logger.Info("Tab started hidden, following")
		c.publishLeadership(false)
	}

	watchdog := time.NewTicker(c.opts.ActivityWindow / 2)
	defer watchdog.Stop()

	for {
		select {
		case <-ctx.Done():
			c.shutdown(st)
			return

		case <-c.closing:
			c.shutdown(st)
			return

		case visible := <-c.visibility:
			c.onVisibility(ctx, st, visible)

		case msg, ok := <-messages:
			if !ok {
				messages = nil
				st.port = nil
				c.logger.Warn("Broadcast channel closed, tab will poll on its own")
				c.goSolo(ctx, st)
				continue
			}
			c.onMessage(ctx, st, msg)

		case snap := <-c.snapshots:
			c.onSnapshot(ctx, st, snap)

		case <-watchdog.C:
			if !st.leader && c.now().Sub(st.lastActivity) > c.opts.ActivityWindow {
				c.becomeLeader(ctx, st, "leader silent")
			}
		}
	}
}

func (c *TabCoordinator) goSolo(ctx context.Context, st *tabState) {
	c.solo.Store(true)
	if !st.leader {
		c.becomeLeader(ctx, st, "no broadcast transport")
	}
	st.releasing = false
}

func (c *TabCoordinator) onVisibility(ctx context.Context, st *tabState, visible bool) {
	if st.visible == visible {
		return
	}
	st.visible = visible
	c.logger.Debug("Tab visibility changed", zap.Bool("visible", visible))

	if st.port == nil {
		return
	}

	if visible {
		if st.leader {
			if st.releasing {
				st.releasing = false
				c.post(ctx, st, models.ClaimLeadership(c.tabID, false, c.now()))
			}
			return
		}
		silent := c.now().Sub(st.lastActivity) > c.opts.ActivityWindow
		if st.knownLeader == "" || st.leaderReleasing || silent {
			c.becomeLeader(ctx, st, "visible without active leader")
		}
		return
	}

	if st.leader && !st.releasing {
		st.releasing = true
		c.logger.Info("Tab hidden, offering leadership")
		c.post(ctx, st, models.ReleaseLeadership(c.tabID, c.now()))
	}
}

func (c *TabCoordinator) onMessage(ctx context.Context, st *tabState, msg models.TabMessage) {
	if msg.TabID == c.tabID {
		return
	}
	if !msg.Valid() {
		c.logger.Warn("Ignoring malformed tab message",
			zap.String("kind", string(msg.Kind)),
			zap.String("from", msg.TabID))
		return
	}

	st.lastActivity = c.now()

	switch msg.Kind {
	case models.KindClaimLeadership:
		if st.leader {
			if c.yieldsTo(st, msg.TabID, msg.Hidden) {
				c.stepDown(st, msg.TabID, "competing claim")
			} else {
				c.post(ctx, st, models.ClaimLeadership(c.tabID, st.releasing, c.now()))
			}
			return
		}
		st.knownLeader = msg.TabID
		st.leaderReleasing = msg.Hidden
		if msg.Hidden && st.visible {
			c.becomeLeader(ctx, st, "leader is hidden")
		}

	case models.KindReleaseLeadership:
		if st.knownLeader == "" || st.knownLeader == msg.TabID {
			st.knownLeader = msg.TabID
			st.leaderReleasing = true
		}
		if st.leader {
			// let the releasing tab see there is a leader to hand over to
			c.post(ctx, st, models.ClaimLeadership(c.tabID, st.releasing, c.now()))
			return
		}
		if st.visible {
			c.becomeLeader(ctx, st, "leader released")
		}

	case models.KindStatusPush:
		if st.leader {
			// another tab is still polling; re-assert so one of us yields
			c.post(ctx, st, models.ClaimLeadership(c.tabID, st.releasing, c.now()))
			return
		}
		if st.knownLeader == "" {
			st.knownLeader = msg.TabID
		}
		c.apply(msg.Snapshot, msg.TabID)
	}
}

// yieldsTo decides a leadership conflict. A visible leader beats a hidden one;
// between equals the lower tab id wins.
func (c *TabCoordinator) yieldsTo(st *tabState, other string, otherHidden bool) bool {
	if st.releasing != otherHidden {
		return st.releasing
	}
	return other < c.tabID
}

func (c *TabCoordinator) onSnapshot(ctx context.Context, st *tabState, snap *models.StatusSnapshot) {
	c.apply(snap, "")
	if st.leader && st.port != nil {
		c.post(ctx, st, models.StatusPush(c.tabID, snap, c.now()))
	}
}

func (c *TabCoordinator) apply(snap *models.StatusSnapshot, fromTab string) {
	c.latest.Store(snap)
	c.bus.Publish(models.StatusUpdated{Snapshot: snap, FromTab: fromTab})
}

func (c *TabCoordinator) becomeLeader(ctx context.Context, st *tabState, reason string) {
	st.leader = true
	st.releasing = !st.visible && st.port != nil
	st.knownLeader = c.tabID
	st.leaderReleasing = false
	c.leader.Store(true)

	c.logger.Info("Tab became leader", zap.String("reason", reason), zap.Bool("visible", st.visible))

	if st.port != nil {
		c.post(ctx, st, models.ClaimLeadership(c.tabID, st.releasing, c.now()))
	}
	c.poller.Start(ctx, c.deliverSnapshot)
	c.publishLeadership(true)
}

func (c *TabCoordinator) stepDown(st *tabState, newLeader, reason string) {
	st.leader = false
	st.releasing = false
	st.knownLeader = newLeader
	st.leaderReleasing = false
	st.lastActivity = c.now()
	c.leader.Store(false)

	c.poller.Stop()
	c.logger.Info("Tab stepped down", zap.String("reason", reason), zap.String("new_leader", newLeader))
	c.publishLeadership(false)
}

func (c *TabCoordinator) shutdown(st *tabState) {
	if st.leader {
		c.poller.Stop()
		if st.port != nil {
			ctx, cancel := context.WithTimeout(context.Background(), c.opts.PostTimeout)
			c.post(ctx, st, models.ReleaseLeadership(c.tabID, c.now()))
			cancel()
		}
		st.leader = false
		c.leader.Store(false)
		c.publishLeadership(false)
	}
	if st.port != nil {
		if err := st.port.Close(); err != nil {
			c.logger.Warn("Error closing broadcast port", zap.Error(err))
		}
	}
	c.logger.Info("Tab coordinator stopped")
}

// deliverSnapshot is the poller sink; it runs on the poller goroutine.
func (c *TabCoordinator) deliverSnapshot(snap *models.StatusSnapshot) {
	select {
	case c.snapshots <- snap:
	case <-c.done:
	}
}

func (c *TabCoordinator) post(ctx context.Context, st *tabState, msg models.TabMessage) {
	postCtx, cancel := context.WithTimeout(ctx, c.opts.PostTimeout)
	defer cancel()
	if err := st.port.Post(postCtx, msg); err != nil {
		c.logger.Warn("Failed to broadcast tab message",
			zap.String("kind", string(msg.Kind)),
			zap.Error(err))
	}
}

func (c *TabCoordinator) publishLeadership(leader bool) {
	c.bus.Publish(models.LeadershipChanged{TabID: c.tabID, Leader: leader})
}
