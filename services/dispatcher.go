package services

import (
	"context"
	"sync/atomic"
	"time"

	"camsync/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DeviceCommander sends a command straight to the device on the local network.
type DeviceCommander interface {
	SendCommand(ctx context.Context, cmd *models.Command) error
}

// CommandQueue appends a command for the device to pick up on its own schedule.
type CommandQueue interface {
	Enqueue(ctx context.Context, cmd *models.Command) error
}

// RealtimeSender is the instant command path. It is optional: a dispatcher built
// without one always queues in cloud mode.
type RealtimeSender interface {
	IsReady() bool
	State() models.ConnectionState
	Connect(ctx context.Context) error
	SendCommand(ctx context.Context, cmd *models.Command) SendResult
}

// CommandDispatcher delivers operator commands through the fastest ready path.
type CommandDispatcher struct {
	sc       *models.SessionContext
	device   DeviceCommander
	queue    CommandQueue
	realtime RealtimeSender
	bus      Publisher
	logger   *zap.Logger
	now      func() time.Time

	connectTimeout time.Duration
	reconnecting   atomic.Bool
}

// NewCommandDispatcher wires the dispatcher. device is used in local mode, queue
// and realtime in cloud mode; realtime may be nil.
func NewCommandDispatcher(sc *models.SessionContext, device DeviceCommander, queue CommandQueue, realtime RealtimeSender, bus Publisher, logger *zap.Logger) *CommandDispatcher {
	return &CommandDispatcher{
		sc:             sc,
		device:         device,
		queue:          queue,
		realtime:       realtime,
		bus:            bus,
		logger:         logger,
		now:            time.Now,
		connectTimeout: 15 * time.Second,
	}
}

// Dispatch sends one command. It always returns either a result or an error;
// errors wrap ErrNotAuthenticated, ErrNoNetwork, ErrRelayRejected or
// ErrDeviceRejected.
func (d *CommandDispatcher) Dispatch(ctx context.Context, action string, params map[string]any) (*models.CommandResult, error) {
	result, err := d.dispatch(ctx, action, params)

	event := models.CommandCompleted{Result: result, Action: action}
	if err != nil {
		event.Error = err.Error()
		d.logger.Warn("Command failed", zap.String("action", action), zap.Error(err))
	}
	d.bus.Publish(event)

	return result, err
}

func (d *CommandDispatcher) dispatch(ctx context.Context, action string, params map[string]any) (*models.CommandResult, error) {
	switch d.sc.Mode {
	case models.ModeLocal:
		return d.dispatchLocal(ctx, action, params)
	case models.ModeCloud:
		if !d.sc.Session.Usable(d.now()) {
			return nil, ErrNotAuthenticated
		}
		return d.dispatchCloud(ctx, action, params)
	default:
		return nil, ErrNotAuthenticated
	}
}

func (d *CommandDispatcher) dispatchLocal(ctx context.Context, action string, params map[string]any) (*models.CommandResult, error) {
	cmd := d.newCommand(action, params)
	start := d.now()
	if err := d.device.SendCommand(ctx, cmd); err != nil {
		return nil, err
	}
	return &models.CommandResult{
		CommandID: cmd.ID,
		Action:    action,
		Success:   true,
		Channel:   models.ChannelDirect,
		LatencyMs: d.now().Sub(start).Milliseconds(),
	}, nil
}

func (d *CommandDispatcher) dispatchCloud(ctx context.Context, action string, params map[string]any) (*models.CommandResult, error) {
	if d.realtime != nil {
		if d.realtime.IsReady() {
			cmd := d.newCommand(action, params)
			res := d.realtime.SendCommand(ctx, cmd)
			if res.Success {
				d.logger.Info("Command delivered instantly",
					zap.String("action", action),
					zap.String("command_id", cmd.ID),
					zap.Duration("latency", res.Latency))
				return &models.CommandResult{
					CommandID: cmd.ID,
					Action:    action,
					Success:   true,
					Channel:   models.ChannelInstant,
					LatencyMs: res.Latency.Milliseconds(),
				}, nil
			}
			d.logger.Warn("Realtime send failed, queueing command",
				zap.String("action", action),
				zap.String("command_id", cmd.ID),
				zap.Error(res.Err))
		} else {
			d.reconnectRealtime()
		}
	}

	// a queued attempt never reuses the id of a failed realtime attempt
	cmd := d.newCommand(action, params)
	if err := d.queue.Enqueue(ctx, cmd); err != nil {
		return nil, err
	}
	return &models.CommandResult{
		CommandID: cmd.ID,
		Action:    action,
		Success:   true,
		Channel:   models.ChannelQueued,
	}, nil
}

// reconnectRealtime starts one background Connect when the channel is down. The
// current command does not wait for it.
func (d *CommandDispatcher) reconnectRealtime() {
	switch d.realtime.State() {
	case models.ConnectionDisconnected, models.ConnectionErrored:
	default:
		return
	}
	if !d.reconnecting.CompareAndSwap(false, true) {
		return
	}

	go func() {
		defer d.reconnecting.Store(false)
		ctx, cancel := context.WithTimeout(context.Background(), d.connectTimeout)
		defer cancel()
		if err := d.realtime.Connect(ctx); err != nil {
			d.logger.Warn("Realtime channel re-initialization failed", zap.Error(err))
		}
	}()
}

func (d *CommandDispatcher) newCommand(action string, params map[string]any) *models.Command {
	return &models.Command{
		ID:        newCommandID(),
		Action:    action,
		Params:    params,
		Timestamp: d.now().UnixMilli(),
		Source:    models.CommandSourceDashboard,
	}
}

// newCommandID returns a time-ordered id; ids minted by one process sort in
// creation order.
func newCommandID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
