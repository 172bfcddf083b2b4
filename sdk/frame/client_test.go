package frame

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gaspardpetit/dockshell/internal/config"
	"github.com/gaspardpetit/dockshell/internal/server"
	"github.com/gaspardpetit/dockshell/internal/shell"
	"github.com/gaspardpetit/dockshell/internal/transport"
	contracts "github.com/gaspardpetit/dockshell/sdk/contracts/shell"
)

type sentEvent struct {
	event string
	data  json.RawMessage
}

// backend stands in for the coordinator behind the shell.
type backend struct {
	mu       sync.Mutex
	handlers map[string]transport.Handler
	sent     chan sentEvent
}

func (b *backend) Send(_ context.Context, event string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	b.sent <- sentEvent{event, raw}
	return nil
}

func (b *backend) On(event string, h transport.Handler) {
	b.mu.Lock()
	b.handlers[event] = h
	b.mu.Unlock()
}

func (b *backend) Close() error { return nil }

func (b *backend) push(event, data string) {
	b.mu.Lock()
	h := b.handlers[event]
	b.mu.Unlock()
	h(json.RawMessage(data))
}

func (b *backend) next(t *testing.T, event string) json.RawMessage {
	t.Helper()
	for {
		select {
		case e := <-b.sent:
			if e.event == event {
				return e.data
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("backend never received %q", event)
		}
	}
}

const listing = `{
	"billing": {
		"host": "billing-host",
		"apps": {"main": {"url": "http://app1.local:9000/"}},
		"rpcs": {"billing": {"name": "billing", "uri": "billing-uri", "apis": {"charge": {"name": "charge"}}}}
	}
}`

func startShell(t *testing.T) (*backend, string) {
	t.Helper()
	be := &backend{handlers: map[string]transport.Handler{}, sent: make(chan sentEvent, 64)}
	sh := shell.New(be, shell.Options{})
	be.push(contracts.EventAppListing, listing)
	if _, _, err := sh.Launch("billing", "main"); err != nil {
		t.Fatalf("launch: %v", err)
	}
	ts := httptest.NewServer(server.New(config.ShellConfig{Port: 1, FrameOrigins: []string{"*"}}, sh, nil, nil))
	t.Cleanup(ts.Close)
	return be, "ws" + strings.TrimPrefix(ts.URL, "http") + server.FramePath
}

func connect(t *testing.T, url, origin string) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := Connect(ctx, url, Options{Origin: origin})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestHandshakeReturnsInfo(t *testing.T) {
	_, url := startShell(t)
	c := connect(t, url, "http://app1.local:9000")
	info := c.Info()
	if info == nil || info.Host != "billing-host" {
		t.Fatalf("info = %+v", info)
	}
}

func TestUnregisteredOriginNeverCompletesHandshake(t *testing.T) {
	_, url := startShell(t)
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if _, err := Connect(ctx, url, Options{Origin: "http://evil.local:9000"}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v", err)
	}
}

func TestQueueRoundTrip(t *testing.T) {
	be, url := startShell(t)
	c := connect(t, url, "http://app1.local:9000")
	ctx := context.Background()

	got := make(chan string, 2)
	if err := c.Queue(ctx, "events", func(d json.RawMessage) { got <- string(d) }); err != nil {
		t.Fatalf("queue: %v", err)
	}
	if d := be.next(t, contracts.EventQueueReceive); string(d) != `{"queue":"billing/events"}` {
		t.Fatalf("announce = %s", d)
	}
	be.push(contracts.EventQueueMessage, `{"queue":"events","data":0}`)
	be.push(contracts.EventQueueMessage, `{"queue":"billing/events","data":{"x":1}}`)
	select {
	case d := <-got:
		if d != `{"x":1}` {
			t.Fatalf("handler got %s", d)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("handler not called")
	}

	if err := c.Publish(ctx, "cmd", map[string]int{"n": 1}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if d := be.next(t, contracts.EventQueueMessage); string(d) != `{"queue":"billing/cmd","data":{"n":1}}` {
		t.Fatalf("publish = %s", d)
	}
	if err := c.PublishAbsolute(ctx, "global", "hi"); err != nil {
		t.Fatalf("publish absolute: %v", err)
	}
	if d := be.next(t, contracts.EventQueueMessage); string(d) != `{"queue":"global","data":"hi"}` {
		t.Fatalf("publish absolute = %s", d)
	}
}

func TestRPCScenario(t *testing.T) {
	be, url := startShell(t)
	c := connect(t, url, "http://app1.local:9000")

	if c.RPC("unknownService") != nil {
		t.Fatalf("unknown service resolved")
	}
	svc := c.RPC("billing")
	if svc == nil {
		t.Fatalf("billing not found")
	}
	if svc.API("refund") != nil {
		t.Fatalf("unknown api resolved")
	}
	charge := svc.API("charge")

	results := make(chan string, 2)
	id, err := charge.Call(context.Background(), []any{100}, map[string]any{"currency": "usd"}, func(r json.RawMessage) {
		results <- string(r)
	})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	var req contracts.RPCRequest
	if err := json.Unmarshal(be.next(t, contracts.EventRPC), &req); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if req.ID != id || string(req.RPC) != `{"func":"charge","uri":"billing-uri","args":[100],"kwargs":{"currency":"usd"}}` {
		t.Fatalf("request = %+v %s", req, req.RPC)
	}
	be.push(contracts.EventRPC, `{"id":"`+id+`","result":{"status":"ok"}}`)
	be.push(contracts.EventRPC, `{"id":"`+id+`","result":{"status":"again"}}`)
	select {
	case r := <-results:
		if r != `{"status":"ok"}` {
			t.Fatalf("result = %s", r)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("callback not called")
	}
	select {
	case r := <-results:
		t.Fatalf("callback called twice: %s", r)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestInvokeHonoursContext(t *testing.T) {
	be, url := startShell(t)
	c := connect(t, url, "http://app1.local:9000")
	charge := c.RPC("billing").API("charge")

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if _, err := charge.Invoke(ctx, nil, nil); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v", err)
	}
	var req contracts.RPCRequest
	if err := json.Unmarshal(be.next(t, contracts.EventRPC), &req); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if string(req.RPC) != `{"func":"charge","uri":"billing-uri"}` {
		t.Fatalf("empty args not omitted: %s", req.RPC)
	}

	go func() {
		for e := range be.sent {
			if e.event != contracts.EventRPC {
				continue
			}
			var r contracts.RPCRequest
			_ = json.Unmarshal(e.data, &r)
			be.push(contracts.EventRPC, `{"id":"`+r.ID+`","result":42}`)
			return
		}
	}()
	res, err := charge.Invoke(context.Background(), nil, nil)
	if err != nil || string(res) != "42" {
		t.Fatalf("invoke = %s, %v", res, err)
	}
}

func TestClosedClient(t *testing.T) {
	_, url := startShell(t)
	c := connect(t, url, "http://app1.local:9000")
	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := c.Publish(context.Background(), "q", 1); !errors.Is(err, ErrClosed) {
		t.Fatalf("err = %v", err)
	}
}

func TestInvokeFromQueueHandler(t *testing.T) {
	be, url := startShell(t)
	c := connect(t, url, "http://app1.local:9000")
	charge := c.RPC("billing").API("charge")

	type outcome struct {
		res json.RawMessage
		err error
	}
	done := make(chan outcome, 1)
	err := c.Queue(context.Background(), "events", func(json.RawMessage) {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		res, err := charge.Invoke(ctx, []any{1}, nil)
		done <- outcome{res, err}
	})
	if err != nil {
		t.Fatalf("queue: %v", err)
	}
	be.next(t, contracts.EventQueueReceive)
	be.push(contracts.EventQueueMessage, `{"queue":"billing/events","data":1}`)

	var req contracts.RPCRequest
	if err := json.Unmarshal(be.next(t, contracts.EventRPC), &req); err != nil {
		t.Fatalf("decode: %v", err)
	}
	be.push(contracts.EventRPC, `{"id":"`+req.ID+`","result":"paid"}`)
	select {
	case o := <-done:
		if o.err != nil || string(o.res) != `"paid"` {
			t.Fatalf("invoke from handler = %s, %v", o.res, o.err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("handler never finished")
	}
}

func TestMissingProcedureCall(t *testing.T) {
	_, url := startShell(t)
	c := connect(t, url, "http://app1.local:9000")
	p := c.RPC("billing").API("refund")
	if _, err := p.Call(context.Background(), nil, nil, func(json.RawMessage) {}); !errors.Is(err, ErrNoProcedure) {
		t.Fatalf("call err = %v", err)
	}
	if _, err := c.RPC("nope").API("x").Invoke(context.Background(), nil, nil); !errors.Is(err, ErrNoProcedure) {
		t.Fatalf("invoke err = %v", err)
	}
}
