package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/evetabi/crash/internal/domain"
	"github.com/google/uuid"
)

// ──────────────────────────────────────────────────────────────────────────────
// Replay ring
// ──────────────────────────────────────────────────────────────────────────────

// ring keeps the last N events of one topic and remembers the highest event
// id it has ever evicted, which decides resumability.
type ring struct {
	buf         []Event
	size        int
	lastEvicted uint64
}

func newRing(size int) *ring { return &ring{size: size} }

func (r *ring) push(e Event) {
	if len(r.buf) == r.size {
		r.lastEvicted = r.buf[0].ID
		copy(r.buf, r.buf[1:])
		r.buf = r.buf[:len(r.buf)-1]
	}
	r.buf = append(r.buf, e)
}

// after returns retained events with id > lastID, oldest first, and whether
// the resume point is still covered by the ring.
func (r *ring) after(lastID uint64) ([]Event, bool) {
	if r.lastEvicted > lastID {
		return nil, false
	}
	var out []Event
	for _, e := range r.buf {
		if e.ID > lastID {
			out = append(out, e)
		}
	}
	return out, true
}

// ──────────────────────────────────────────────────────────────────────────────
// Subscription
// ──────────────────────────────────────────────────────────────────────────────

// Subscription is one client session's ordered event feed.  Events arrive on
// C strictly ordered by id.  When the subscriber falls behind by more than
// its buffer the bus closes C; the session then resyncs from scratch.
type Subscription struct {
	C      chan Event
	topics map[string]struct{}
	id     uint64
	closed bool
}

// ──────────────────────────────────────────────────────────────────────────────
// Bus
// ──────────────────────────────────────────────────────────────────────────────

// Bus routes events to subscribers with per-subscriber total ordering and a
// bounded replay ring per topic.  A single global id sequence tags every
// event, so a client's last_event_id is a resume point across all of its
// topics at once.
type Bus struct {
	mu       sync.Mutex
	nextID   uint64
	ringSize int
	rings    map[string]*ring
	subs     map[uint64]*Subscription
	nextSub  uint64
	logger   *slog.Logger
}

// NewBus creates a Bus with the given per-topic replay capacity.
func NewBus(ringSize int, logger *slog.Logger) *Bus {
	if ringSize <= 0 {
		ringSize = 1024
	}
	return &Bus{
		ringSize: ringSize,
		rings:    make(map[string]*ring),
		subs:     make(map[uint64]*Subscription),
		logger:   logger,
	}
}

// Publish assigns the next event id, records the event in its topic ring,
// and fans it out.  Subscribers whose buffers are full are dropped — a
// deliberately lossy policy; the ring lets them resync.
func (b *Bus) Publish(topic string, kind Kind, payload interface{}) Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	e := Event{ID: b.nextID, Kind: kind, Topic: topic, Payload: payload, At: time.Now().UTC()}

	r, ok := b.rings[topic]
	if !ok {
		r = newRing(b.ringSize)
		b.rings[topic] = r
	}
	r.push(e)

	for id, sub := range b.subs {
		if _, want := sub.topics[topic]; !want {
			continue
		}
		select {
		case sub.C <- e:
		default:
			b.logger.Warn("subscriber fell behind, dropping", "sub", id, "topic", topic)
			b.dropLocked(id)
		}
	}
	return e
}

// PublishBalance implements service.BalancePublisher.
func (b *Bus) PublishBalance(userID uuid.UUID, balance domain.Balance) {
	b.Publish(UserTopic(userID), KindBalanceUpdate, BalanceUpdate{
		Available: balance.Available,
		Locked:    balance.Locked,
		Version:   balance.Version,
	})
}

// Subscribe registers a subscriber for the given topics and replays every
// retained event with id > lastEventID into its channel before any new
// event can arrive.  lastEventID 0 means "live only".  Returns
// domain.ErrResyncRequired when the resume point has been evicted from any
// requested topic's ring.
func (b *Bus) Subscribe(topics []string, lastEventID uint64) (*Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var backlog []Event
	if lastEventID > 0 {
		for _, topic := range topics {
			r, ok := b.rings[topic]
			if !ok {
				continue
			}
			missed, resumable := r.after(lastEventID)
			if !resumable {
				return nil, domain.ErrResyncRequired
			}
			backlog = append(backlog, missed...)
		}
		sortEvents(backlog)
	}

	b.nextSub++
	sub := &Subscription{
		// Buffer covers a full backlog plus live slack so the replay fits
		// without blocking under the bus lock.
		C:      make(chan Event, b.ringSize*len(topics)+256),
		topics: make(map[string]struct{}, len(topics)),
		id:     b.nextSub,
	}
	for _, t := range topics {
		sub.topics[t] = struct{}{}
	}
	for _, e := range backlog {
		sub.C <- e
	}
	b.subs[sub.id] = sub
	return sub, nil
}

// Unsubscribe removes the subscriber and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dropLocked(sub.id)
}

func (b *Bus) dropLocked(id uint64) {
	sub, ok := b.subs[id]
	if !ok || sub.closed {
		return
	}
	sub.closed = true
	delete(b.subs, id)
	close(sub.C)
}

// LastEventID returns the most recently assigned event id.
func (b *Bus) LastEventID() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nextID
}

// SubscriberCount returns the number of live subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// sortEvents orders a merged backlog by event id (insertion sort; backlogs
// are small and mostly ordered).
func sortEvents(evs []Event) {
	for i := 1; i < len(evs); i++ {
		for j := i; j > 0 && evs[j].ID < evs[j-1].ID; j-- {
			evs[j], evs[j-1] = evs[j-1], evs[j]
		}
	}
}
