package feed

import (
	"fmt"
	"sync"

	"github.com/koobs1993/mindwell/chat"
)

// Broker is an in-memory chat.Feed. Producers call Publish after a message
// commits; subscribers receive it synchronously on the publishing
// goroutine. Used by tests and by deployments that keep the engine and the
// store writer in one process.
type Broker struct {
	mu     sync.Mutex
	subs   map[int64]map[*brokerSub]struct{}
	closed bool
}

// NewBroker creates an empty Broker.
func NewBroker() *Broker {
	return &Broker{subs: make(map[int64]map[*brokerSub]struct{})}
}

// Subscribe registers fn for one session's messages.
func (b *Broker) Subscribe(sessionID int64, fn func(chat.Message)) (chat.Subscription, error) {
	if fn == nil {
		return nil, fmt.Errorf("callback is required")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("broker is closed")
	}
	sub := &brokerSub{
		broker:    b,
		sessionID: sessionID,
		fn:        fn,
		seen:      make(map[int64]struct{}),
	}
	set, ok := b.subs[sessionID]
	if !ok {
		set = make(map[*brokerSub]struct{})
		b.subs[sessionID] = set
	}
	set[sub] = struct{}{}
	return sub, nil
}

// Publish fans one message out to the subscriptions registered for its
// session. Messages for sessions with no subscribers are dropped.
func (b *Broker) Publish(msg chat.Message) {
	b.mu.Lock()
	set := b.subs[msg.SessionID]
	targets := make([]*brokerSub, 0, len(set))
	for sub := range set {
		targets = append(targets, sub)
	}
	b.mu.Unlock()

	for _, sub := range targets {
		sub.deliver(msg)
	}
}

// Close drops all subscriptions and rejects new ones.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subs = make(map[int64]map[*brokerSub]struct{})
}

type brokerSub struct {
	broker    *Broker
	sessionID int64
	fn        func(chat.Message)

	mu     sync.Mutex
	seen   map[int64]struct{}
	closed bool
}

func (s *brokerSub) deliver(msg chat.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if _, ok := s.seen[msg.ID]; ok {
		return
	}
	s.seen[msg.ID] = struct{}{}
	s.fn(msg)
}

func (s *brokerSub) Unsubscribe() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	b := s.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if set, ok := b.subs[s.sessionID]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(b.subs, s.sessionID)
		}
	}
}
