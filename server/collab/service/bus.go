package service

import (
	"sync"

	"collab_server/server/collab/domain"
	commonlog "collab_server/server/common/log"
)

const subscriberBufferSize = 256

// Bus is the per-document in-process broadcast channel. Channels are
// created lazily on first subscribe and torn down when the last
// subscriber leaves. Subscribers only ever see events published after
// they subscribed.
type Bus struct {
	mu        sync.RWMutex
	documents map[string]map[*Subscription]struct{}
}

type Subscription struct {
	documentID string
	events     chan domain.CollaborationEvent
	bus        *Bus
	once       sync.Once
}

func NewBus() *Bus {
	return &Bus{documents: map[string]map[*Subscription]struct{}{}}
}

func (b *Bus) Subscribe(documentID string) *Subscription {
	sub := &Subscription{
		documentID: documentID,
		events:     make(chan domain.CollaborationEvent, subscriberBufferSize),
		bus:        b,
	}
	b.mu.Lock()
	if _, ok := b.documents[documentID]; !ok {
		b.documents[documentID] = map[*Subscription]struct{}{}
	}
	b.documents[documentID][sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// Events yields this subscriber's live event stream, in the order each
// publisher published.
func (s *Subscription) Events() <-chan domain.CollaborationEvent {
	return s.events
}

// Close cancels the subscription. The event channel is closed so
// draining goroutines terminate. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		b := s.bus
		b.mu.Lock()
		if subs, ok := b.documents[s.documentID]; ok {
			delete(subs, s)
			if len(subs) == 0 {
				delete(b.documents, s.documentID)
			}
		}
		close(s.events)
		b.mu.Unlock()
	})
}

// Publish enqueues the event for every current subscriber of the
// document and returns the delivered count. A subscriber whose buffer
// is full has the event dropped; publishers never block on slow
// consumers.
func (b *Bus) Publish(documentID string, event domain.CollaborationEvent) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	delivered := 0
	for sub := range b.documents[documentID] {
		select {
		case sub.events <- event:
			delivered++
		default:
			commonlog.Warnf("event=doc_bus action=deliver status=dropped document_id=%s event_type=%s", documentID, event.Type)
		}
	}
	return delivered
}

func (b *Bus) SubscriberCount(documentID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.documents[documentID])
}
