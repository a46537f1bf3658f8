package event

import (
	"sync"
	"time"
)

// Event is the closed set of notifications the engine emits to the UI layer.
// Every variant lives in this package; nothing else implements the interface.
type Event interface {
	event()
}

type SyncStarted struct {
	Trigger string // online, interval, manual
	At      time.Time
}

type SyncProgress struct {
	Processed int
	Remaining int
}

type SyncCompleted struct {
	Synced    int
	Failed    int
	Remaining int
	Duration  time.Duration
}

type SyncFailed struct {
	Reason string
}

// MutationDropped fires exactly once when a queue item exhausts its retries
// or the remote backend rejects it permanently.
type MutationDropped struct {
	ItemID     string
	TargetType string
	TargetID   string
	RetryCount int
	Reason     string
}

type ConflictDetected struct {
	ConflictID string
	EntityType string
	EntityID   string
	Type       string
}

type ConflictResolved struct {
	ConflictID string
	EntityID   string
	Strategy   string
}

type EntitySaved struct {
	EntityType string
	EntityID   string
}

type ConnectionChanged struct {
	Online  bool
	Quality string
}

type SubscriptionState struct {
	Collection string
	State      string
	Attempt    int
}

// SubscriptionGaveUp is terminal: the subscriber stopped retrying and needs
// an explicit restart.
type SubscriptionGaveUp struct {
	Collection string
	Attempts   int
}

type Heartbeat struct {
	Collection string
	At         time.Time
}

func (SyncStarted) event()        {}
func (SyncProgress) event()       {}
func (SyncCompleted) event()      {}
func (SyncFailed) event()         {}
func (MutationDropped) event()    {}
func (ConflictDetected) event()   {}
func (ConflictResolved) event()   {}
func (EntitySaved) event()        {}
func (ConnectionChanged) event()  {}
func (SubscriptionState) event()  {}
func (SubscriptionGaveUp) event() {}
func (Heartbeat) event()          {}

// Handler receives every published event. Handlers run on the dispatcher
// goroutine and must not block for long.
type Handler func(Event)

// Bus delivers events over a single buffered channel consumed by one
// dispatcher loop. Publishers never see subscriber errors.
type Bus struct {
	ch       chan Event
	mu       sync.RWMutex
	handlers []Handler
	done     chan struct{}
	closeOne sync.Once
}

func NewBus() *Bus {
	b := &Bus{
		ch:   make(chan Event, 256),
		done: make(chan struct{}),
	}
	go b.dispatch()
	return b
}

// Subscribe registers a handler for all subsequent events.
func (b *Bus) Subscribe(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
}

// Publish enqueues an event for dispatch. It blocks only if the dispatch
// buffer is full, and drops the event once the bus is closed.
func (b *Bus) Publish(e Event) {
	select {
	case <-b.done:
	case b.ch <- e:
	}
}

func (b *Bus) dispatch() {
	for {
		select {
		case <-b.done:
			// Drain whatever was queued before close
			for {
				select {
				case e := <-b.ch:
					b.deliver(e)
				default:
					return
				}
			}
		case e := <-b.ch:
			b.deliver(e)
		}
	}
}

func (b *Bus) deliver(e Event) {
	b.mu.RLock()
	handlers := b.handlers
	b.mu.RUnlock()

	for _, h := range handlers {
		h(e)
	}
}

func (b *Bus) Close() {
	b.closeOne.Do(func() {
		close(b.done)
	})
}
