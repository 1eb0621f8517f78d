package hub

import (
	"sync"

	"go.uber.org/zap"
)

// Subscription receives push events on C until Close is called.
type Subscription struct {
	C <-chan Event

	id        uint64
	ch        chan Event
	notifier  *Notifier
	closeOnce sync.Once
}

// Subscribe registers a new subscriber. Subscriptions survive reconnects.
func (n *Notifier) Subscribe() *Subscription {
	ch := make(chan Event, n.options.QueueSize)

	n.subMu.Lock()
	n.nextID++
	sub := &Subscription{C: ch, id: n.nextID, ch: ch, notifier: n}
	n.subs[sub.id] = sub
	n.subMu.Unlock()

	return sub
}

// Close unregisters the subscription and closes C. It is idempotent.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		s.notifier.subMu.Lock()
		delete(s.notifier.subs, s.id)
		close(s.ch)
		s.notifier.subMu.Unlock()
	})
}

// dispatch never blocks the read loop; a full subscriber loses the event.
func (n *Notifier) dispatch(event Event) {
	n.subMu.RLock()
	defer n.subMu.RUnlock()

	for id, sub := range n.subs {
		select {
		case sub.ch <- event:
		default:
			n.logger.Warn("subscriber queue full, dropping event",
				zap.Uint64("subscriber", id),
				zap.String("event", string(event.Type)),
				zap.Int64("message_id", event.MessageID),
			)
		}
	}
}

// Publish delivers event to local subscribers as if the hub had pushed it.
// Screens use it to echo their own successful edits and deletes before the
// server notification arrives; redelivery is harmless to a Feed.
func (n *Notifier) Publish(event Event) {
	n.dispatch(event)
}
