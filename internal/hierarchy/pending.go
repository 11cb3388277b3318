package hierarchy

import (
	"context"
	"sync"
	"time"
)

// Pending is a task sent to the orchestrator and not yet completed.
type Pending struct {
	TaskID string
	Text   string
	SentAt time.Time

	done    chan struct{}
	once    sync.Once
	summary string
	err     error
	timer   *time.Timer
}

func newPending(taskID, text string) *Pending {
	return &Pending{TaskID: taskID, Text: text, SentAt: time.Now(), done: make(chan struct{})}
}

// Done is closed when the task is resolved or rejected.
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Result returns the completion summary or the rejection. It is valid
// once Done is closed.
func (p *Pending) Result() (string, error) {
	<-p.done
	return p.summary, p.err
}

// Wait blocks until the task settles or ctx is done. Abandoning the wait
// does not cancel the task.
func (p *Pending) Wait(ctx context.Context) (string, error) {
	select {
	case <-p.done:
		return p.summary, p.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (p *Pending) resolve(summary string) {
	p.settle(summary, nil)
}

func (p *Pending) reject(err error) {
	p.settle("", err)
}

func (p *Pending) settle(summary string, err error) {
	p.once.Do(func() {
		if p.timer != nil {
			p.timer.Stop()
		}
		p.summary = summary
		p.err = err
		close(p.done)
	})
}
