package events

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	b := NewBus()
	ch, unsub := b.Subscribe(EventFillConfirmed, 1)
	defer unsub()

	b.Publish(EventFillConfirmed, Fill{Account: "a"})
	select {
	case v := <-ch:
		if v.(Fill).Account != "a" {
			t.Fatalf("payload = %+v", v)
		}
	case <-time.After(time.Second):
		t.Fatal("no delivery")
	}
}

func TestPublishNeverBlocks(t *testing.T) {
	b := NewBus()
	_, unsub := b.Subscribe(EventLoopState, 1)
	defer unsub()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			b.Publish(EventLoopState, StateChange{})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
	if b.Dropped() == 0 {
		t.Fatal("expected dropped deliveries to be counted")
	}
}

func TestUnsubscribeCloses(t *testing.T) {
	b := NewBus()
	ch, unsub := b.Subscribe(EventOrderRejected, 1)
	unsub()
	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed")
	}
	b.Publish(EventOrderRejected, Rejection{})
}
