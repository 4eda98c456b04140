package broadcast

import (
	"context"
	"sync"
)

// Hub is an in-process broadcaster. Each Channel behaves like one peer's
// endpoint: messages posted on any channel are delivered to every channel
// attached to the same hub.
type Hub struct {
	mu       sync.Mutex
	channels map[*Channel]struct{}
}

func NewHub() *Hub {
	return &Hub{channels: map[*Channel]struct{}{}}
}

// Channel returns a new endpoint attached to the hub.
func (h *Hub) Channel() *Channel {
	c := &Channel{hub: h, msgs: make(chan Message, 16)}
	h.mu.Lock()
	h.channels[c] = struct{}{}
	h.mu.Unlock()
	return c
}

func (h *Hub) post(msg Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.channels {
		select {
		case c.msgs <- msg:
		default:
			// A receiver that stopped draining loses events; it will
			// re-read the shared store on its next conflict check.
		}
	}
}

// Channel is one peer's endpoint on a Hub.
type Channel struct {
	hub  *Hub
	msgs chan Message

	closeOnce sync.Once
}

func (c *Channel) Post(_ context.Context, msg Message) error {
	c.hub.post(msg)
	return nil
}

func (c *Channel) Messages() <-chan Message {
	return c.msgs
}

func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		c.hub.mu.Lock()
		delete(c.hub.channels, c)
		c.hub.mu.Unlock()
		close(c.msgs)
	})
	return nil
}
