package services

import (
	"sync"

	"camsync/models"

	"go.uber.org/zap"
)

// Publisher is the narrow view components get of the bus.
type Publisher interface {
	Publish(event models.Event)
}

type subscription struct {
	id    uint64
	kinds map[models.EventKind]bool
	fn    func(models.Event)
}

// EventBus delivers typed events synchronously to subscribers. It is created by the
// application root and passed down; there is no package-level instance.
type EventBus struct {
	mu     sync.RWMutex
	nextID uint64
	subs   []subscription
	logger *zap.Logger
}

func NewEventBus(logger *zap.Logger) *EventBus {
	return &EventBus{logger: logger}
}

// Subscribe registers fn for the given kinds, or for every event when no kind is
// given. The returned function removes the subscription.
func (b *EventBus) Subscribe(fn func(models.Event), kinds ...models.EventKind) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := subscription{id: b.nextID, fn: fn}
	if len(kinds) > 0 {
		sub.kinds = make(map[models.EventKind]bool, len(kinds))
		for _, k := range kinds {
			sub.kinds[k] = true
		}
	}
	b.subs = append(b.subs, sub)

	id := sub.id
	return func() { b.unsubscribe(id) }
}

func (b *EventBus) unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s.id == id {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			return
		}
	}
}

// Publish calls matching subscribers in registration order. A panicking subscriber
// is logged and does not prevent delivery to the others.
func (b *EventBus) Publish(event models.Event) {
	b.mu.RLock()
	targets := make([]func(models.Event), 0, len(b.subs))
	for _, s := range b.subs {
		if s.kinds == nil || s.kinds[event.Kind()] {
			targets = append(targets, s.fn)
		}
	}
	b.mu.RUnlock()

	for _, fn := range targets {
		b.deliver(fn, event)
	}
}

func (b *EventBus) deliver(fn func(models.Event), event models.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Event subscriber panicked",
				zap.String("kind", string(event.Kind())),
				zap.Any("panic", r))
		}
	}()
	fn(event)
}

// On subscribes to a single event type with a typed handler.
func On[T models.Event](b *EventBus, fn func(T)) func() {
	var zero T
	return b.Subscribe(func(e models.Event) {
		if typed, ok := e.(T); ok {
			fn(typed)
		}
	}, zero.Kind())
}
