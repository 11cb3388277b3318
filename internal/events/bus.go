package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/ShayCichocki/colony/internal/logging"
)

// DefaultSendTimeout is how long Publish waits on a full subscriber buffer
// before dropping the event for that subscriber.
const DefaultSendTimeout = 100 * time.Millisecond

// Publisher is the narrow interface components use to emit events.
type Publisher interface {
	Publish(Event)
}

// Bus fans events out to subscribers with bounded buffers. A slow
// subscriber loses events; it never blocks the publisher for longer than
// the send timeout.
type Bus struct {
	mu          sync.RWMutex
	subs        map[uint64]chan Event
	nextID      uint64
	closed      bool
	sendTimeout time.Duration
	dropped     atomic.Uint64
	logger      *logging.Logger
}

// NewBus creates a bus. A nil logger disables drop warnings.
func NewBus(logger *logging.Logger) *Bus {
	return &Bus{
		subs:        make(map[uint64]chan Event),
		sendTimeout: DefaultSendTimeout,
		logger:      logger,
	}
}

// SetSendTimeout changes the per-subscriber wait on a full buffer.
func (b *Bus) SetSendTimeout(d time.Duration) {
	b.mu.Lock()
	b.sendTimeout = d
	b.mu.Unlock()
}

// Subscribe returns a channel receiving future events and a function that
// unsubscribes and closes it. The channel is also closed by Close.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 1
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
		})
	}
}

// Publish delivers an event to every subscriber.
func (b *Bus) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs {
		b.send(ch, ev)
	}
}

func (b *Bus) send(ch chan Event, ev Event) {
	select {
	case ch <- ev:
		return
	default:
	}

	if b.sendTimeout > 0 {
		timer := time.NewTimer(b.sendTimeout)
		defer timer.Stop()
		select {
		case ch <- ev:
			return
		case <-timer.C:
		}
	}

	count := b.dropped.Add(1)
	if count%10 == 1 {
		b.logger.Warnf("[events] subscriber buffer full, dropped event (total dropped: %d): type=%s", count, ev.Type)
	}
}

// Dropped returns how many deliveries have been dropped.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Close closes every subscriber channel. Later publishes are ignored.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		close(ch)
		delete(b.subs, id)
	}
}

// Discard is a Publisher that drops every event.
type Discard struct{}

// Publish implements Publisher.
func (Discard) Publish(Event) {}
