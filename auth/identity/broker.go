package identity

import (
	"sync"
)

const subscriberBuffer = 8

// Broker fans session events out to subscribers. Events are state
// snapshots: when a subscriber's buffer is full its oldest pending event is
// dropped, so publishers never block and the newest state is never lost.
type Broker struct {
	mu      sync.Mutex
	current *Session
	subs    map[int]chan Event
	nextID  int
}

// NewBroker creates a broker whose initial state is signed out.
func NewBroker() *Broker {
	return &Broker{subs: make(map[int]chan Event)}
}

// Subscribe returns a channel primed with the current state.
func (b *Broker) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan Event, subscriberBuffer)
	ch <- b.eventLocked()
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
		})
	}
}

// Publish records s as the current state (nil means signed out) and
// notifies every subscriber.
func (b *Broker) Publish(s *Session) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.current = s
	ev := b.eventLocked()
	for _, ch := range b.subs {
		for {
			select {
			case ch <- ev:
			default:
				select {
				case <-ch:
				default:
				}
				continue
			}
			break
		}
	}
}

// Current returns the last published session.
func (b *Broker) Current() *Session {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current
}

func (b *Broker) eventLocked() Event {
	if b.current == nil {
		return Event{Kind: SignedOut}
	}
	s := *b.current
	return Event{Kind: SignedIn, Session: &s}
}
