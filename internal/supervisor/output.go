package supervisor

import "time"

// tailBuffer keeps the most recent max bytes of line output.
type tailBuffer struct {
	buf []byte
	max int
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

// WriteLine appends a line and a newline terminator.
func (b *tailBuffer) WriteLine(line string) {
	b.buf = append(b.buf, line...)
	b.buf = append(b.buf, '\n')
	// Trim lazily so appends stay amortized O(1).
	if b.max > 0 && len(b.buf) > 2*b.max {
		b.buf = append([]byte(nil), b.buf[len(b.buf)-b.max:]...)
	}
}

func (b *tailBuffer) String() string {
	if b.max > 0 && len(b.buf) > b.max {
		return string(b.buf[len(b.buf)-b.max:])
	}
	return string(b.buf)
}

// offer sends ev, waiting up to timeout when the channel is full. A closed
// channel counts as a drop.
func offer(ch chan Event, ev Event, timeout time.Duration) (sent bool) {
	defer func() {
		if recover() != nil {
			sent = false
		}
	}()
	select {
	case ch <- ev:
		return true
	default:
	}
	if timeout <= 0 {
		return false
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case ch <- ev:
		return true
	case <-timer.C:
		return false
	}
}

// deliverExit places ev on ch, evicting the oldest buffered event if the
// channel is full. The caller must be the only sender.
func deliverExit(ch chan Event, ev Event) {
	for {
		select {
		case ch <- ev:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}
