package state

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestDebouncer_CoalescesBursts(t *testing.T) {
	d := NewDebouncer(20 * time.Millisecond)
	var calls, last atomic.Int32

	for i := 1; i <= 5; i++ {
		v := int32(i)
		d.Trigger("plan-1", func() {
			calls.Add(1)
			last.Store(v)
		})
	}

	deadline := time.Now().Add(time.Second)
	for calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(40 * time.Millisecond)

	if calls.Load() != 1 {
		t.Errorf("write ran %d times, want 1", calls.Load())
	}
	if last.Load() != 5 {
		t.Errorf("last write = %d, want 5", last.Load())
	}
}

func TestDebouncer_FlushAndStop(t *testing.T) {
	d := NewDebouncer(time.Hour)
	var calls atomic.Int32

	d.Trigger("a", func() { calls.Add(1) })
	d.Flush("a")
	if calls.Load() != 1 {
		t.Fatalf("Flush did not run pending write")
	}
	d.Flush("a")

	d.Trigger("b", func() { calls.Add(1) })
	d.Stop()
	if calls.Load() != 2 {
		t.Fatalf("Stop did not flush pending write")
	}

	d.Trigger("c", func() { calls.Add(1) })
	if calls.Load() != 3 {
		t.Errorf("trigger after Stop should run synchronously")
	}
}

func TestDebouncer_ZeroDelayIsSynchronous(t *testing.T) {
	d := NewDebouncer(0)
	ran := false
	d.Trigger("k", func() { ran = true })
	if !ran {
		t.Error("zero-delay debouncer should run immediately")
	}
}
