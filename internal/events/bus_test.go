package events

import (
	"sync"
	"testing"
	"time"
)

func receive(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case e, ok := <-ch:
		if !ok {
			t.Fatal("channel closed")
		}
		return e
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func TestNilBus(t *testing.T) {
	var b *Bus
	b.Emit(KindServerConnected, "demo", nil)
	if b.Dropped() != 0 {
		t.Error("nil bus reported state")
	}
}

func TestPublish_StampsTime(t *testing.T) {
	b := New()
	ch, cancel := b.Subscribe(4)
	defer cancel()

	before := time.Now()
	b.Emit(KindToolsChanged, "demo", map[string]any{"tools": 3})
	got := receive(t, ch)
	if got.Kind != KindToolsChanged || got.Server != "demo" || got.Data["tools"] != 3 {
		t.Errorf("event = %+v", got)
	}
	if got.Time.Before(before) {
		t.Errorf("Time = %v, want >= %v", got.Time, before)
	}

	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	b.Publish(Event{Time: fixed, Kind: KindHealth, Server: "demo"})
	if got := receive(t, ch); !got.Time.Equal(fixed) {
		t.Errorf("explicit Time overwritten: %v", got.Time)
	}
}

func TestSubscribe_KindFilter(t *testing.T) {
	b := New()
	calls, cancelCalls := b.Subscribe(4, KindToolCall)
	defer cancelCalls()
	all, cancelAll := b.Subscribe(4)
	defer cancelAll()

	b.Emit(KindServerConnected, "a", nil)
	b.Emit(KindToolCall, "a", map[string]any{"tool": "echo"})

	if got := receive(t, calls); got.Kind != KindToolCall {
		t.Errorf("filtered subscriber got %s", got.Kind)
	}
	if got := receive(t, all); got.Kind != KindServerConnected {
		t.Errorf("first unfiltered event = %s", got.Kind)
	}
	if got := receive(t, all); got.Kind != KindToolCall {
		t.Errorf("second unfiltered event = %s", got.Kind)
	}
	select {
	case e := <-calls:
		t.Errorf("filtered subscriber got extra event %+v", e)
	default:
	}
}

func TestPublish_DropsWhenFull(t *testing.T) {
	b := New()
	ch, cancel := b.Subscribe(1)
	defer cancel()

	b.Emit(KindHealth, "a", nil)
	b.Emit(KindHealth, "b", nil)

	if got := receive(t, ch); got.Server != "a" {
		t.Errorf("kept event for %q, want a", got.Server)
	}
	if b.Dropped() != 1 {
		t.Errorf("Dropped = %d, want 1", b.Dropped())
	}
}

func TestCancel(t *testing.T) {
	b := New()
	ch, cancel := b.Subscribe(1)
	if n := len(b.subs); n != 1 {
		t.Fatalf("subscribers = %d, want 1", n)
	}
	cancel()
	cancel()

	if _, ok := <-ch; ok {
		t.Error("channel still open after cancel")
	}
	if n := len(b.subs); n != 0 {
		t.Errorf("subscribers = %d after cancel", n)
	}
	b.Emit(KindHealth, "a", nil)
}

func TestConcurrentPublishCancel(t *testing.T) {
	b := New()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		ch, cancel := b.Subscribe(16)
		go func() {
			defer wg.Done()
			for range ch {
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				b.Emit(KindToolCall, "s", nil)
			}
			cancel()
		}()
	}
	wg.Wait()
	if n := len(b.subs); n != 0 {
		t.Errorf("subscribers = %d, want 0", n)
	}
}
