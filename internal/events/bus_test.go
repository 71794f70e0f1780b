package events

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestPublishReachesAllSubscribers(t *testing.T) {
	b := NewBus(zerolog.Nop())
	defer b.Close()

	ch1, cancel1 := b.Subscribe()
	defer cancel1()
	ch2, cancel2 := b.Subscribe()
	defer cancel2()

	b.Publish(Event{Kind: KindStarted, PluginID: "uuid-1", ForgehookID: "math"})

	for _, ch := range []<-chan Event{ch1, ch2} {
		select {
		case ev := <-ch:
			if ev.Kind != KindStarted || ev.ForgehookID != "math" {
				t.Errorf("unexpected event: %+v", ev)
			}
			if ev.Timestamp.IsZero() {
				t.Error("timestamp not stamped")
			}
		case <-time.After(time.Second):
			t.Fatal("event not delivered")
		}
	}
}

func TestSlowSubscriberDisconnected(t *testing.T) {
	b := NewBus(zerolog.Nop())
	defer b.Close()

	ch, cancel := b.Subscribe()
	defer cancel()

	// Overflow the buffer without draining. The subscriber must be
	// closed rather than blocking the publisher.
	for i := 0; i < subscriberBuffer+1; i++ {
		b.Publish(Event{Kind: KindStopped, PluginID: "uuid-1"})
	}

	count := 0
	for range ch {
		count++
	}
	if count != subscriberBuffer {
		t.Errorf("drained %d events, want %d", count, subscriberBuffer)
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	b := NewBus(zerolog.Nop())
	defer b.Close()

	ch, cancel := b.Subscribe()
	cancel()
	cancel()

	if _, open := <-ch; open {
		t.Error("channel still open after cancel")
	}

	// Publishing after cancel must not panic.
	b.Publish(Event{Kind: KindUninstalled})
}

func TestCloseDisconnectsEveryone(t *testing.T) {
	b := NewBus(zerolog.Nop())
	ch, _ := b.Subscribe()
	b.Close()

	if _, open := <-ch; open {
		t.Error("channel still open after Close")
	}

	// Subscribe after Close yields a closed channel.
	ch2, _ := b.Subscribe()
	if _, open := <-ch2; open {
		t.Error("subscribe after Close returned open channel")
	}
}
