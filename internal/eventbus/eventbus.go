// Package eventbus fans engine events out to in-process subscribers such
// as the websocket stream and the audit log.
package eventbus

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// Type names an event stream.
type Type string

const (
	TerminalChunk  Type = "terminal_chunk"
	StateSnapshot  Type = "state_snapshot"
	AutopilotEvent Type = "autopilot_event"
	AutopilotState Type = "autopilot_status"
	ErrorEvent     Type = "error_event"
	RecoveryEvent  Type = "recovery_event"
	EvidenceEvent  Type = "evidence"

	// All subscribes to every event type.
	All Type = "*"
)

const queueSize = 1000

// Event is one published message.
type Event struct {
	Type Type      `json:"type"`
	Time time.Time `json:"ts"`
	Data any       `json:"data"`
}

// New stamps an event with the current time.
func New(t Type, data any) Event {
	return Event{Type: t, Time: time.Now().UTC(), Data: data}
}

// Subscription is a handle for a registered subscriber.
type Subscription struct {
	ID          string
	Type        Type
	Callback    func(Event)
	Filter      func(Event) bool
	Unsubscribe func()
}

// Bus distributes events to subscribers.
type Bus struct {
	subscribers  map[Type][]*Subscription
	mu           sync.RWMutex
	queue        chan Event
	ctx          context.Context
	cancel       context.CancelFunc
	done         chan struct{}
	shutdownOnce sync.Once
}

// NewBus creates a bus and starts its async dispatcher.
func NewBus() *Bus {
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bus{
		subscribers: make(map[Type][]*Subscription),
		queue:       make(chan Event, queueSize),
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
	}
	go b.processQueue()
	return b
}

// Subscribe registers callback for events of type t. Use All for every type.
func (b *Bus) Subscribe(t Type, callback func(Event)) *Subscription {
	return b.SubscribeWithFilter(t, callback, nil)
}

// SubscribeWithFilter registers a callback gated by an optional filter.
func (b *Bus) SubscribeWithFilter(t Type, callback func(Event), filter func(Event) bool) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &Subscription{
		ID:       uuid.NewString(),
		Type:     t,
		Callback: callback,
		Filter:   filter,
	}
	sub.Unsubscribe = func() { b.unsubscribe(sub) }
	b.subscribers[t] = append(b.subscribers[t], sub)
	return sub
}

func (b *Bus) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subscribers[sub.Type]
	for i, s := range subs {
		if s.ID == sub.ID {
			b.subscribers[sub.Type] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
}

// Publish delivers ev to all matching subscribers on the caller's goroutine.
func (b *Bus) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	b.mu.RLock()
	active := make([]*Subscription, 0, len(b.subscribers[ev.Type])+len(b.subscribers[All]))
	active = append(active, b.subscribers[ev.Type]...)
	if ev.Type != All {
		active = append(active, b.subscribers[All]...)
	}
	b.mu.RUnlock()

	for _, sub := range active {
		if sub.Filter != nil && !sub.Filter(ev) {
			continue
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Errorf("panic in event subscriber for %s: %v", ev.Type, r)
				}
			}()
			sub.Callback(ev)
		}()
	}
}

// PublishAsync queues ev for delivery. Events are dropped when the queue
// is full or the bus is shut down.
func (b *Bus) PublishAsync(ev Event) {
	if b.ctx.Err() != nil {
		return
	}
	select {
	case b.queue <- ev:
	default:
		log.Warnf("event queue full, dropping event: %s", ev.Type)
	}
}

// Emit is shorthand for PublishAsync(New(t, data)).
func (b *Bus) Emit(t Type, data any) {
	b.PublishAsync(New(t, data))
}

func (b *Bus) processQueue() {
	defer close(b.done)
	for {
		select {
		case <-b.ctx.Done():
			return
		case ev := <-b.queue:
			b.Publish(ev)
		}
	}
}

// Shutdown stops the dispatcher and waits for it to exit.
func (b *Bus) Shutdown() {
	b.shutdownOnce.Do(func() {
		b.cancel()
		<-b.done
	})
}
