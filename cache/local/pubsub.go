package local

import (
	"context"
	"sync"
	"sync/atomic"
)

// Message is an in-process pub/sub message.
type Message struct {
	Channel string
	Payload string
}

// LocalPubSub fans messages out to in-process subscribers. A subscriber
// whose buffer is full misses the message; Dropped counts those misses.
type LocalPubSub struct {
	mu      sync.RWMutex
	subs    map[string]map[chan *Message]struct{}
	bufSize int
	dropped atomic.Uint64
}

// NewPubSub creates a new LocalPubSub with the given per-subscriber buffer size.
func NewPubSub(bufSize int) *LocalPubSub {
	if bufSize <= 0 {
		bufSize = 256
	}
	return &LocalPubSub{
		subs:    make(map[string]map[chan *Message]struct{}),
		bufSize: bufSize,
	}
}

// Publish sends a message to all subscribers of the given channel.
func (ps *LocalPubSub) Publish(_ context.Context, channel, message string) error {
	msg := &Message{Channel: channel, Payload: message}
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	for ch := range ps.subs[channel] {
		select {
		case ch <- msg:
		default:
			ps.dropped.Add(1)
		}
	}
	return nil
}

// Subscribe returns one channel receiving messages from all given channels,
// and a cancel function that unsubscribes and closes it.
func (ps *LocalPubSub) Subscribe(_ context.Context, channels ...string) (<-chan *Message, func(), error) {
	ch := make(chan *Message, ps.bufSize)

	ps.mu.Lock()
	for _, c := range channels {
		set, ok := ps.subs[c]
		if !ok {
			set = make(map[chan *Message]struct{})
			ps.subs[c] = set
		}
		set[ch] = struct{}{}
	}
	ps.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			ps.mu.Lock()
			defer ps.mu.Unlock()
			for _, c := range channels {
				delete(ps.subs[c], ch)
				if len(ps.subs[c]) == 0 {
					delete(ps.subs, c)
				}
			}
			close(ch)
		})
	}
	return ch, cancel, nil
}

// Dropped reports how many deliveries were skipped because a subscriber was full.
func (ps *LocalPubSub) Dropped() uint64 {
	return ps.dropped.Load()
}
