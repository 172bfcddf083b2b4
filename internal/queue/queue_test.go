package queue

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/gaspardpetit/dockshell/internal/transport"
)

type sent struct {
	event   string
	payload any
}

// fakeConn records sends and lets the test inject inbound events.
type fakeConn struct {
	mu       sync.Mutex
	handlers map[string]transport.Handler
	sent     []sent
	err      error
}

func newFakeConn() *fakeConn { return &fakeConn{handlers: map[string]transport.Handler{}} }

func (f *fakeConn) Send(_ context.Context, event string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, sent{event, payload})
	return nil
}

func (f *fakeConn) On(event string, h transport.Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[event] = h
}

func (f *fakeConn) Close() error { return nil }

func (f *fakeConn) push(t *testing.T, event string, payload any) {
	t.Helper()
	b, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	f.mu.Lock()
	h := f.handlers[event]
	f.mu.Unlock()
	if h == nil {
		t.Fatalf("no handler for %q", event)
	}
	h(b)
}

func TestDispatchToRegisteredQueue(t *testing.T) {
	fc := newFakeConn()
	ch := New(fc)
	var got []string
	ch.Register("svcA/events", "app1", func(d json.RawMessage) { got = append(got, string(d)) })

	fc.push(t, "queue message", map[string]any{"queue": "svcA/events", "data": map[string]int{"n": 1}})
	fc.push(t, "queue message", map[string]any{"queue": "svcB/events", "data": 2})

	if len(got) != 1 || got[0] != `{"n":1}` {
		t.Fatalf("got %v", got)
	}
}

func TestNoBufferingBeforeRegister(t *testing.T) {
	fc := newFakeConn()
	ch := New(fc)
	fc.push(t, "queue message", map[string]any{"queue": "q", "data": 1})

	calls := 0
	ch.Register("q", "a", func(json.RawMessage) { calls++ })
	if calls != 0 {
		t.Fatalf("message delivered before register")
	}
	fc.push(t, "queue message", map[string]any{"queue": "q", "data": 2})
	if calls != 1 {
		t.Fatalf("calls = %d", calls)
	}
}

func TestLastRegistrationWinsAndUnregister(t *testing.T) {
	fc := newFakeConn()
	ch := New(fc)
	first, second := 0, 0
	ch.Register("q", "a", func(json.RawMessage) { first++ })
	ch.Register("q", "a", func(json.RawMessage) { second++ })
	fc.push(t, "queue message", map[string]any{"queue": "q", "data": 1})
	if first != 0 || second != 1 {
		t.Fatalf("first=%d second=%d", first, second)
	}
	ch.Unregister("q")
	fc.push(t, "queue message", map[string]any{"queue": "q", "data": 1})
	if second != 1 {
		t.Fatalf("delivered after unregister")
	}
}

func TestReleaseOwner(t *testing.T) {
	fc := newFakeConn()
	ch := New(fc)
	ch.Register("a/1", "a", func(json.RawMessage) {})
	ch.Register("a/2", "a", func(json.RawMessage) {})
	ch.Register("b/1", "b", func(json.RawMessage) {})
	if n := ch.ReleaseOwner("a"); n != 2 {
		t.Fatalf("released %d", n)
	}
	if ch.Registered("a/1") || ch.Registered("a/2") || !ch.Registered("b/1") {
		t.Fatalf("wrong subscriptions after release")
	}
}

func TestSendAndAnnounce(t *testing.T) {
	fc := newFakeConn()
	ch := New(fc)
	if err := ch.Announce(context.Background(), "svcA/events"); err != nil {
		t.Fatalf("announce: %v", err)
	}
	if err := ch.Send(context.Background(), "svcA/cmd", json.RawMessage(`{"x":1}`)); err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(fc.sent) != 2 {
		t.Fatalf("sent %d", len(fc.sent))
	}
	if fc.sent[0].event != "queue receive" || fc.sent[1].event != "queue message" {
		t.Fatalf("events = %q, %q", fc.sent[0].event, fc.sent[1].event)
	}
	b, _ := json.Marshal(fc.sent[1].payload)
	if string(b) != `{"queue":"svcA/cmd","data":{"x":1}}` {
		t.Fatalf("payload = %s", b)
	}
}

func TestMalformedDropped(t *testing.T) {
	fc := newFakeConn()
	New(fc)
	fc.mu.Lock()
	h := fc.handlers["queue message"]
	fc.mu.Unlock()
	h(json.RawMessage(`"not an object"`))
	h(json.RawMessage(`{"data":1}`))
}
