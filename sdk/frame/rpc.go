package frame

import (
	"context"
	"encoding/json"

	"github.com/gaspardpetit/dockshell/sdk/contracts/shell"
)

// Service is a remote procedure server from the service catalog.
type Service struct {
	client *Client
	desc   shell.RPCDescriptor
}

// API returns the named procedure, or nil when the server has none.
func (s *Service) API(name string) *Procedure {
	if s == nil {
		return nil
	}
	a, ok := s.desc.FindAPI(name)
	if !ok {
		return nil
	}
	return &Procedure{client: s.client, uri: s.desc.URI, api: a}
}

// Procedure is a callable remote procedure.
type Procedure struct {
	client *Client
	uri    string
	api    shell.APIDescriptor
}

// Call invokes the procedure. cb runs once with the result when the reply
// arrives; a call whose reply never comes never runs cb. The call id is
// returned. Callbacks run one at a time in arrival order, together with
// queue handlers, so they may call back into the client.
func (p *Procedure) Call(ctx context.Context, args []any, kwargs map[string]any, cb func(result json.RawMessage)) (string, error) {
	return p.call(ctx, args, kwargs, pendingCall{cb: cb})
}

func (p *Procedure) call(ctx context.Context, args []any, kwargs map[string]any, pc pendingCall) (string, error) {
	if p == nil {
		return "", ErrNoProcedure
	}
	req, err := json.Marshal(shell.RPCCall{Func: p.api.CallID(), URI: p.uri, Args: args, Kwargs: kwargs})
	if err != nil {
		return "", err
	}
	c := p.client
	id := c.ids.Next()
	c.mu.Lock()
	c.calls[id] = pc
	c.mu.Unlock()
	if err := c.send(ctx, shell.OpRPC, shell.RPCRequest{ID: id, RPC: req}); err != nil {
		c.mu.Lock()
		delete(c.calls, id)
		c.mu.Unlock()
		return "", err
	}
	return id, nil
}

// Invoke calls the procedure and waits for its result or for ctx to end.
// It is safe to use from queue handlers and Call callbacks.
func (p *Procedure) Invoke(ctx context.Context, args []any, kwargs map[string]any) (json.RawMessage, error) {
	ch := make(chan json.RawMessage, 1)
	id, err := p.call(ctx, args, kwargs, pendingCall{cb: func(r json.RawMessage) { ch <- r }, inline: true})
	if err != nil {
		return nil, err
	}
	select {
	case r := <-ch:
		return r, nil
	case <-p.client.done:
		return nil, ErrClosed
	case <-ctx.Done():
		p.client.mu.Lock()
		delete(p.client.calls, id)
		p.client.mu.Unlock()
		return nil, ctx.Err()
	}
}
