package notify

import "testing"

func TestStateReplaysCurrentValue(t *testing.T) {
	topic := NewState(3)
	topic.Publish(4)
	ch, cancel := topic.Subscribe(8)
	defer cancel()
	if got := <-ch; got != 4 {
		t.Fatalf("expected replay of 4, got %d", got)
	}
}

func TestStateConflatesForSlowSubscriber(t *testing.T) {
	topic := NewState("a")
	ch, cancel := topic.Subscribe(1)
	defer cancel()
	topic.Publish("b")
	topic.Publish("c")
	if got := <-ch; got != "c" {
		t.Fatalf("expected latest value c, got %q", got)
	}
	select {
	case v := <-ch:
		t.Fatalf("expected no more values, got %q", v)
	default:
	}
	if topic.Value() != "c" {
		t.Fatalf("expected value c, got %q", topic.Value())
	}
}

func TestStreamDropsWhenFull(t *testing.T) {
	topic := NewStream[int]()
	ch, cancel := topic.Subscribe(2)
	defer cancel()
	for i := 0; i < 5; i++ {
		topic.Publish(i)
	}
	if got := <-ch; got != 0 {
		t.Fatalf("expected first event 0, got %d", got)
	}
	if got := <-ch; got != 1 {
		t.Fatalf("expected second event 1, got %d", got)
	}
	if topic.Dropped() != 3 {
		t.Fatalf("expected 3 dropped events, got %d", topic.Dropped())
	}
}

func TestCancelAndCloseCloseChannels(t *testing.T) {
	topic := NewStream[int]()
	a, cancelA := topic.Subscribe(1)
	b, _ := topic.Subscribe(1)
	cancelA()
	cancelA()
	if _, ok := <-a; ok {
		t.Fatalf("expected cancelled channel to be closed")
	}
	topic.Close()
	if _, ok := <-b; ok {
		t.Fatalf("expected channel closed after topic close")
	}
	topic.Publish(1)
	late, _ := topic.Subscribe(1)
	if _, ok := <-late; ok {
		t.Fatalf("expected subscribe after close to return a closed channel")
	}
}
