package events

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/vinayprograms/dispatchkit/tracker"
)

func recv(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		if !ok {
			t.Fatal("channel closed")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for event")
	}
	return Event{}
}

// --- Unit Tests ---

func TestBus_PublishSubscribe(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	sub := bus.Subscribe()
	if err := bus.Publish(Event{Kind: KindTransition, TaskID: "t1", Status: tracker.StatusSubmitted}); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	ev := recv(t, sub.Events())
	if ev.TaskID != "t1" || ev.Status != tracker.StatusSubmitted {
		t.Errorf("event = %+v", ev)
	}
}

func TestBus_FanOut(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	subs := []*Subscription{bus.Subscribe(), bus.Subscribe(), bus.Subscribe()}
	if bus.Subscribers() != 3 {
		t.Errorf("Subscribers() = %d, want 3", bus.Subscribers())
	}
	bus.Publish(Event{TaskID: "t1"})

	for i, sub := range subs {
		if ev := recv(t, sub.Events()); ev.TaskID != "t1" {
			t.Errorf("sub %d got %+v", i, ev)
		}
	}
}

func TestBus_NoReplay(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	bus.Publish(Event{TaskID: "early"})
	sub := bus.Subscribe()
	bus.Publish(Event{TaskID: "late"})

	if ev := recv(t, sub.Events()); ev.TaskID != "late" {
		t.Errorf("first event = %q, want late", ev.TaskID)
	}
}

func TestBus_OrderPreservedForSlowSubscriber(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	fast := bus.Subscribe()
	slow := bus.Subscribe()

	const n = 500
	for i := 0; i < n; i++ {
		bus.Publish(Event{Kind: KindChunk, TaskID: "t1", Chunk: fmt.Sprintf("c%d", i)})
	}

	var wg sync.WaitGroup
	check := func(name string, sub *Subscription, delay time.Duration) {
		defer wg.Done()
		for i := 0; i < n; i++ {
			ev := recv(t, sub.Events())
			if want := fmt.Sprintf("c%d", i); ev.Chunk != want {
				t.Errorf("%s: event %d = %q, want %q", name, i, ev.Chunk, want)
				return
			}
			if delay > 0 && i%100 == 0 {
				time.Sleep(delay)
			}
		}
	}
	wg.Add(2)
	go check("fast", fast, 0)
	go check("slow", slow, 10*time.Millisecond)
	wg.Wait()
}

func TestBus_PublishNeverBlocks(t *testing.T) {
	bus := NewBus()
	defer bus.Close()
	bus.Subscribe() // never read

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10000; i++ {
			bus.Publish(Event{TaskID: "t1"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Publish blocked on an idle subscriber")
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	sub := bus.Subscribe()
	bus.Unsubscribe(sub)
	bus.Unsubscribe(sub)

	select {
	case _, ok := <-sub.Events():
		if ok {
			t.Error("received event after Unsubscribe")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed after Unsubscribe")
	}
	if bus.Subscribers() != 0 {
		t.Errorf("Subscribers() = %d, want 0", bus.Subscribers())
	}
}

func TestBus_CloseDrainsQueued(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe()
	bus.Publish(Event{TaskID: "a"})
	bus.Publish(Event{TaskID: "b"})
	bus.Close()

	var got []string
	for ev := range sub.Events() {
		got = append(got, ev.TaskID)
	}
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("drained = %v, want [a b]", got)
	}

	if err := bus.Publish(Event{TaskID: "c"}); err != ErrClosed {
		t.Errorf("Publish after Close error = %v, want ErrClosed", err)
	}

	late := bus.Subscribe()
	if _, ok := <-late.Events(); ok {
		t.Error("subscription on closed bus should be closed")
	}
}

func TestSubscription_Filtered(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	sub := bus.Subscribe()
	ch := sub.Filtered(Filter{ConversationID: "c2"})

	bus.Publish(Event{TaskID: "t1", ConversationID: "c1"})
	bus.Publish(Event{TaskID: "t2", ConversationID: "c2"})
	bus.Publish(Event{TaskID: "t3", ConversationID: "c1"})
	bus.Publish(Event{TaskID: "t4", ConversationID: "c2"})

	if ev := recv(t, ch); ev.TaskID != "t2" {
		t.Errorf("first = %q, want t2", ev.TaskID)
	}
	if ev := recv(t, ch); ev.TaskID != "t4" {
		t.Errorf("second = %q, want t4", ev.TaskID)
	}

	bus.Unsubscribe(sub)
	select {
	case _, ok := <-ch:
		if ok {
			t.Error("filtered channel delivered after Unsubscribe")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("filtered channel not closed")
	}
}

func TestFilter_Match(t *testing.T) {
	ev := Event{Kind: KindChunk, TaskID: "t1", AgentID: "a1", InstanceID: "i1", ConversationID: "c1"}
	tests := []struct {
		name   string
		filter Filter
		want   bool
	}{
		{"empty", Filter{}, true},
		{"task", Filter{TaskID: "t1"}, true},
		{"other task", Filter{TaskID: "t2"}, false},
		{"instance", Filter{InstanceID: "i1"}, true},
		{"other instance", Filter{InstanceID: "i2"}, false},
		{"agent", Filter{AgentID: "a1"}, true},
		{"kind", Filter{Kinds: []Kind{KindTransition, KindChunk}}, true},
		{"other kind", Filter{Kinds: []Kind{KindTransition}}, false},
		{"combined", Filter{InstanceID: "i1", ConversationID: "c2"}, false},
	}
	for _, tt := range tests {
		if got := tt.filter.Match(ev); got != tt.want {
			t.Errorf("%s: Match() = %v, want %v", tt.name, got, tt.want)
		}
	}
}
