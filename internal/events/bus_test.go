package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_FanOut(t *testing.T) {
	bus := NewBus(nil)
	a, cancelA := bus.Subscribe(4)
	b, cancelB := bus.Subscribe(4)
	defer cancelA()
	defer cancelB()

	bus.Publish(Event{Type: TypeTaskStarted, PlanID: "p1", Payload: SubtaskPayload{SubtaskID: "s1", Attempt: 1}})

	for _, ch := range []<-chan Event{a, b} {
		select {
		case ev := <-ch:
			assert.Equal(t, TypeTaskStarted, ev.Type)
			assert.False(t, ev.Timestamp.IsZero())
			p, ok := ev.Payload.(SubtaskPayload)
			require.True(t, ok)
			assert.Equal(t, "s1", p.SubtaskID)
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive event")
		}
	}
}

func TestBus_SlowSubscriberDrops(t *testing.T) {
	bus := NewBus(nil)
	bus.SetSendTimeout(time.Millisecond)
	ch, cancel := bus.Subscribe(1)
	defer cancel()

	start := time.Now()
	for i := 0; i < 5; i++ {
		bus.Publish(Event{Type: TypeMessageLog})
	}
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, uint64(4), bus.Dropped())
	assert.Len(t, ch, 1)
}

func TestBus_UnsubscribeAndClose(t *testing.T) {
	bus := NewBus(nil)
	ch, cancel := bus.Subscribe(1)
	cancel()
	cancel()

	_, open := <-ch
	assert.False(t, open, "channel should be closed after unsubscribe")

	other, _ := bus.Subscribe(1)
	bus.Close()
	bus.Close()
	_, open = <-other
	assert.False(t, open, "channel should be closed after Close")

	late, _ := bus.Subscribe(1)
	_, open = <-late
	assert.False(t, open, "subscribing to a closed bus yields a closed channel")

	bus.Publish(Event{Type: TypeTaskDone})
}
