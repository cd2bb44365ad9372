// Package event implements a typed publish/subscribe bus. Producers send
// values into a Feed; each subscriber receives every value published after it
// subscribed, in publish order.
package event

import (
	"sync"
)

// Subscription represents a stream of events delivered to a channel. Call
// Unsubscribe to release the channel; pending sends are dropped.
type Subscription struct {
	feed *Feed
	ch   chan interface{}
	once sync.Once
}

// Chan returns the channel events are delivered on.
func (s *Subscription) Chan() <-chan interface{} {
	return s.ch
}

// Unsubscribe removes the subscription from its feed.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.feed.remove(s)
	})
}

// Feed implements one-to-many event subscriptions with per-subscriber FIFO
// ordering. A zero-value Feed is ready to use.
type Feed struct {
	lock sync.Mutex
	subs []*Subscription
}

// Subscribe registers a new subscriber with the given channel buffer size.
func (f *Feed) Subscribe(buffer int) *Subscription {
	f.lock.Lock()
	defer f.lock.Unlock()
	sub := &Subscription{feed: f, ch: make(chan interface{}, buffer)}
	f.subs = append(f.subs, sub)
	return sub
}

// Send delivers value to all current subscribers. Subscribers whose buffers
// are full miss the value rather than block the publisher; backpressure is a
// consumer concern.
func (f *Feed) Send(value interface{}) int {
	f.lock.Lock()
	defer f.lock.Unlock()
	delivered := 0
	for _, sub := range f.subs {
		select {
		case sub.ch <- value:
			delivered++
		default:
		}
	}
	return delivered
}

func (f *Feed) remove(sub *Subscription) {
	f.lock.Lock()
	defer f.lock.Unlock()
	for i, s := range f.subs {
		if s == sub {
			f.subs = append(f.subs[:i], f.subs[i+1:]...)
			close(sub.ch)
			return
		}
	}
}
