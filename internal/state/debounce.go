package state

import (
	"sync"
	"time"
)

// Debouncer coalesces bursts of writes per key. Trigger replaces the
// pending write for a key and restarts its timer; only the last write runs.
type Debouncer struct {
	mu      sync.Mutex
	delay   time.Duration
	pending map[string]*pendingWrite
	stopped bool
}

type pendingWrite struct {
	timer *time.Timer
	fn    func()
}

// NewDebouncer creates a debouncer. A zero delay runs writes synchronously.
func NewDebouncer(delay time.Duration) *Debouncer {
	return &Debouncer{delay: delay, pending: make(map[string]*pendingWrite)}
}

// Trigger schedules fn for key after the debounce delay.
func (d *Debouncer) Trigger(key string, fn func()) {
	d.mu.Lock()
	if d.stopped || d.delay <= 0 {
		d.mu.Unlock()
		fn()
		return
	}
	if p, ok := d.pending[key]; ok {
		p.timer.Stop()
	}
	p := &pendingWrite{fn: fn}
	p.timer = time.AfterFunc(d.delay, func() { d.fire(key, p) })
	d.pending[key] = p
	d.mu.Unlock()
}

func (d *Debouncer) fire(key string, p *pendingWrite) {
	d.mu.Lock()
	if d.pending[key] != p {
		d.mu.Unlock()
		return
	}
	delete(d.pending, key)
	d.mu.Unlock()
	p.fn()
}

// Flush runs the pending write for key immediately, if any.
func (d *Debouncer) Flush(key string) {
	d.mu.Lock()
	p, ok := d.pending[key]
	if ok {
		p.timer.Stop()
		delete(d.pending, key)
	}
	d.mu.Unlock()
	if ok {
		p.fn()
	}
}

// Stop flushes every pending write. Later triggers run synchronously.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	d.stopped = true
	pending := d.pending
	d.pending = make(map[string]*pendingWrite)
	d.mu.Unlock()

	for _, p := range pending {
		p.timer.Stop()
		p.fn()
	}
}
