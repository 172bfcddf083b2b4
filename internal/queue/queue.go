// Package queue multiplexes named publish/subscribe queues over the shared
// "queue message" transport event.
package queue

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/gaspardpetit/dockshell/core/logx"
	"github.com/gaspardpetit/dockshell/internal/metrics"
	"github.com/gaspardpetit/dockshell/internal/transport"
	"github.com/gaspardpetit/dockshell/sdk/contracts/shell"
)

// Handler receives the data pushed to a queue.
type Handler func(data json.RawMessage)

type subscription struct {
	owner   string
	handler Handler
}

// Channel routes inbound queue messages to at most one handler per queue.
type Channel struct {
	conn transport.Conn

	mu   sync.RWMutex
	subs map[string]subscription
}

// New attaches a Channel to conn.
func New(conn transport.Conn) *Channel {
	c := &Channel{conn: conn, subs: make(map[string]subscription)}
	conn.On(shell.EventQueueMessage, c.dispatch)
	return c
}

// Register makes h the sole handler for queue, replacing any previous one.
func (c *Channel) Register(queue, owner string, h Handler) {
	c.mu.Lock()
	c.subs[queue] = subscription{owner: owner, handler: h}
	c.mu.Unlock()
}

// Announce tells the backend that the shell wants messages for queue.
func (c *Channel) Announce(ctx context.Context, queue string) error {
	return c.conn.Send(ctx, shell.EventQueueReceive, shell.QueueReceive{Queue: queue})
}

// Unregister removes the handler for queue. Later messages are dropped.
func (c *Channel) Unregister(queue string) {
	c.mu.Lock()
	delete(c.subs, queue)
	c.mu.Unlock()
}

// ReleaseOwner removes every handler registered by owner and returns how many
// were removed.
func (c *Channel) ReleaseOwner(owner string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for q, s := range c.subs {
		if s.owner == owner {
			delete(c.subs, q)
			n++
		}
	}
	return n
}

// Registered reports whether queue currently has a handler.
func (c *Channel) Registered(queue string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.subs[queue]
	return ok
}

// Send publishes payload on queue.
func (c *Channel) Send(ctx context.Context, queue string, payload json.RawMessage) error {
	if err := c.conn.Send(ctx, shell.EventQueueMessage, shell.QueueMessage{Queue: queue, Data: payload}); err != nil {
		return err
	}
	metrics.RecordQueueMessage("out")
	return nil
}

func (c *Channel) dispatch(raw json.RawMessage) {
	var msg shell.QueueMessage
	if err := json.Unmarshal(raw, &msg); err != nil || msg.Queue == "" {
		metrics.RecordDrop(metrics.DropMalformed)
		logx.Log.Debug().Err(err).Msg("dropping malformed queue message")
		return
	}
	c.mu.RLock()
	s, ok := c.subs[msg.Queue]
	c.mu.RUnlock()
	if !ok {
		metrics.RecordDrop(metrics.DropUnknownQueue)
		logx.Log.Debug().Str("queue", msg.Queue).Msg("no subscriber for queue")
		return
	}
	metrics.RecordQueueMessage("in")
	s.handler(msg.Data)
}
