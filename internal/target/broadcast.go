package target

import (
	"sync"

	"sshconsole/internal/proto"
)

// Broadcaster fans a proto.ServiceEvent out to every subscriber. A slow
// subscriber whose buffer is full misses that event (non-blocking send)
// but stays subscribed; a control-plane reconnect re-delivers a fresh
// Snapshot first.
type Broadcaster struct {
	mu     sync.Mutex
	subs   map[int]chan proto.ServiceEvent
	nextID int
	closed bool
}

// NewBroadcaster builds an empty Broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[int]chan proto.ServiceEvent)}
}

// Subscribe registers a new buffered subscriber channel and returns it
// along with a token for Unsubscribe.
func (b *Broadcaster) Subscribe() (<-chan proto.ServiceEvent, int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		ch := make(chan proto.ServiceEvent)
		close(ch)
		return ch, -1
	}
	id := b.nextID
	b.nextID++
	ch := make(chan proto.ServiceEvent, 64)
	b.subs[id] = ch
	return ch, id
}

// Unsubscribe removes and closes the subscriber channel for token.
func (b *Broadcaster) Unsubscribe(token int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subs[token]; ok {
		delete(b.subs, token)
		close(ch)
	}
}

// Publish sends evt to every current subscriber, dropping it for any
// subscriber whose buffer is full.
func (b *Broadcaster) Publish(evt proto.ServiceEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- evt:
		default:
		}
	}
}

// Close shuts the broadcaster down, closing every subscriber channel.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs {
		close(ch)
	}
	b.closed = true
}
