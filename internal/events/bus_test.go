package events_test

import (
	"fmt"
	"log/slog"
	"testing"

	"github.com/evetabi/crash/internal/domain"
	"github.com/evetabi/crash/internal/events"
)

func publishN(b *events.Bus, topic string, n int) {
	for i := 0; i < n; i++ {
		b.Publish(topic, events.KindMultiplierTick, events.MultiplierTick{M: fmt.Sprintf("%d", i)})
	}
}

// TestSubscribe_Replay: a client that reconnects with last_event_id inside
// the ring gets exactly the missed events, in order, before anything live.
func TestSubscribe_Replay(t *testing.T) {
	b := events.NewBus(64, slog.Default())
	publishN(b, events.TopicGlobal, 30)

	sub, err := b.Subscribe([]string{events.TopicGlobal}, 10)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Unsubscribe(sub)

	for want := uint64(11); want <= 30; want++ {
		e := <-sub.C
		if e.ID != want {
			t.Fatalf("replayed event id = %d, want %d", e.ID, want)
		}
	}
	select {
	case e := <-sub.C:
		t.Fatalf("unexpected extra event %d", e.ID)
	default:
	}
}

// TestSubscribe_ReplayThenLive: events published after subscription follow
// the backlog with no gap and no reorder.
func TestSubscribe_ReplayThenLive(t *testing.T) {
	b := events.NewBus(64, slog.Default())
	publishN(b, events.TopicGlobal, 20)

	sub, err := b.Subscribe([]string{events.TopicGlobal}, 15)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Unsubscribe(sub)
	publishN(b, events.TopicGlobal, 5)

	for want := uint64(16); want <= 25; want++ {
		e := <-sub.C
		if e.ID != want {
			t.Fatalf("event id = %d, want %d", e.ID, want)
		}
	}
}

// TestSubscribe_MergesTopics: the global id sequence makes one last_event_id
// a resume point across all subscribed topics at once.
func TestSubscribe_MergesTopics(t *testing.T) {
	b := events.NewBus(64, slog.Default())
	for i := 0; i < 10; i++ {
		b.Publish(events.TopicGlobal, events.KindMultiplierTick, nil)
		b.Publish(events.TopicRoom, events.KindChat, nil)
	}

	sub, err := b.Subscribe([]string{events.TopicGlobal, events.TopicRoom}, 5)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Unsubscribe(sub)

	prev := uint64(5)
	for i := 0; i < 15; i++ {
		e := <-sub.C
		if e.ID != prev+1 {
			t.Fatalf("event id = %d, want %d (strictly ordered merge)", e.ID, prev+1)
		}
		prev = e.ID
	}
}

// TestSubscribe_ResyncRequired: once the resume point falls off the ring the
// bus refuses to replay, rather than silently dropping the gap.
func TestSubscribe_ResyncRequired(t *testing.T) {
	b := events.NewBus(8, slog.Default())
	publishN(b, events.TopicGlobal, 50) // ring keeps only the last 8

	if _, err := b.Subscribe([]string{events.TopicGlobal}, 10); err != domain.ErrResyncRequired {
		t.Fatalf("err = %v, want ErrResyncRequired", err)
	}

	// Resuming from inside the retained window still works.
	sub, err := b.Subscribe([]string{events.TopicGlobal}, 45)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Unsubscribe(sub)
	if e := <-sub.C; e.ID != 46 {
		t.Fatalf("first replayed id = %d, want 46", e.ID)
	}
}

// TestSlowSubscriberDropped: a subscriber that never drains is closed rather
// than allowed to stall the publisher.
func TestSlowSubscriberDropped(t *testing.T) {
	b := events.NewBus(4, slog.Default())
	sub, err := b.Subscribe([]string{events.TopicGlobal}, 0)
	if err != nil {
		t.Fatal(err)
	}

	// Overrun the subscriber buffer (ring size + live slack) without reading.
	publishN(b, events.TopicGlobal, 600)

	if b.SubscriberCount() != 0 {
		t.Fatal("slow subscriber still registered")
	}
	// Channel must be closed so the session notices and resyncs.
	open := true
	for open {
		_, open = <-sub.C
	}
}

func TestLastEventID(t *testing.T) {
	b := events.NewBus(16, slog.Default())
	if b.LastEventID() != 0 {
		t.Fatal("fresh bus must start at id 0")
	}
	publishN(b, events.TopicGlobal, 3)
	if b.LastEventID() != 3 {
		t.Fatalf("LastEventID = %d, want 3", b.LastEventID())
	}
}
