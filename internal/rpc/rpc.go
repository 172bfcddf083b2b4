// Package rpc relays correlated remote calls over the shared "rpc" transport
// event.
package rpc

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gaspardpetit/dockshell/core/logx"
	"github.com/gaspardpetit/dockshell/internal/metrics"
	"github.com/gaspardpetit/dockshell/internal/transport"
	"github.com/gaspardpetit/dockshell/sdk/contracts/shell"
	"github.com/gaspardpetit/dockshell/sdk/corrid"
)

// Callback receives the result of one call.
type Callback func(result json.RawMessage)

type pendingCall struct {
	owner   string
	cb      Callback
	created time.Time
}

// Channel tracks outstanding calls and delivers each reply exactly once.
type Channel struct {
	conn transport.Conn
	ids  *corrid.Generator
	now  func() time.Time

	mu      sync.Mutex
	pending map[string]pendingCall
}

// New attaches a Channel to conn.
func New(conn transport.Conn) *Channel {
	c := &Channel{
		conn:    conn,
		ids:     corrid.New(),
		now:     time.Now,
		pending: make(map[string]pendingCall),
	}
	conn.On(shell.EventRPC, c.dispatch)
	return c
}

// Invoke sends request to the backend and stores cb until the reply with the
// same id arrives. id is used as-is unless it is empty or already pending, in
// which case a fresh one is generated. The effective id is returned.
func (c *Channel) Invoke(ctx context.Context, owner, id string, request json.RawMessage, cb Callback) (string, error) {
	c.mu.Lock()
	if id == "" {
		id = c.ids.Next()
	}
	for {
		if _, taken := c.pending[id]; !taken {
			break
		}
		id = c.ids.Next()
	}
	c.pending[id] = pendingCall{owner: owner, cb: cb, created: c.now()}
	n := len(c.pending)
	c.mu.Unlock()
	metrics.SetRPCPending(n)

	if err := c.conn.Send(ctx, shell.EventRPC, shell.RPCRequest{ID: id, RPC: request}); err != nil {
		c.remove(id)
		return "", err
	}
	metrics.RecordRPCCall()
	return id, nil
}

// Forget drops every pending call of owner without invoking it.
func (c *Channel) Forget(owner string) int {
	c.mu.Lock()
	n := 0
	for id, p := range c.pending {
		if p.owner == owner {
			delete(c.pending, id)
			n++
		}
	}
	left := len(c.pending)
	c.mu.Unlock()
	metrics.SetRPCPending(left)
	return n
}

// Prune drops pending calls older than maxAge.
func (c *Channel) Prune(maxAge time.Duration) int {
	cutoff := c.now().Add(-maxAge)
	c.mu.Lock()
	n := 0
	for id, p := range c.pending {
		if p.created.Before(cutoff) {
			delete(c.pending, id)
			n++
			metrics.RecordDrop(metrics.DropOrphanedCall)
		}
	}
	left := len(c.pending)
	c.mu.Unlock()
	metrics.SetRPCPending(left)
	return n
}

// RunPruner calls Prune every interval until ctx is done.
func (c *Channel) RunPruner(ctx context.Context, maxAge, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := c.Prune(maxAge); n > 0 {
				logx.Log.Info().Int("count", n).Dur("max_age", maxAge).Msg("pruned stale rpc calls")
			}
		}
	}
}

// Pending returns the number of outstanding calls.
func (c *Channel) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Channel) remove(id string) (pendingCall, bool) {
	c.mu.Lock()
	p, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	n := len(c.pending)
	c.mu.Unlock()
	metrics.SetRPCPending(n)
	return p, ok
}

func (c *Channel) dispatch(raw json.RawMessage) {
	var reply shell.RPCReply
	if err := json.Unmarshal(raw, &reply); err != nil || reply.ID == "" {
		metrics.RecordDrop(metrics.DropMalformed)
		logx.Log.Debug().Err(err).Msg("dropping malformed rpc reply")
		return
	}
	p, ok := c.remove(reply.ID)
	if !ok {
		metrics.RecordDrop(metrics.DropUnknownRPC)
		logx.Log.Debug().Str("rpc_id", reply.ID).Msg("no pending call for rpc reply")
		return
	}
	metrics.RecordRPCReply()
	p.cb(reply.Result)
}
