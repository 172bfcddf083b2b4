// Package transport carries named events between the shell and the backend
// coordinator over one persistent connection per namespace.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gaspardpetit/dockshell/core/logx"
	"github.com/gaspardpetit/dockshell/core/reconnect"
	"github.com/gaspardpetit/dockshell/internal/metrics"
	"github.com/gaspardpetit/dockshell/sdk/contracts/shell"
)

var (
	// ErrClosed is returned by operations on a closed connection.
	ErrClosed = errors.New("transport: connection closed")
	// ErrNotConnected is returned by Send while no connection is established.
	ErrNotConnected = errors.New("transport: not connected")
)

// Handler receives the data of one inbound event.
type Handler func(data json.RawMessage)

// Conn is a connection to the backend coordinator. Each event name has at
// most one handler; registering again replaces the previous one.
type Conn interface {
	Send(ctx context.Context, event string, payload any) error
	On(event string, h Handler)
	Close() error
}

// Session is a Conn whose connection lifecycle can be driven by Run.
type Session interface {
	Conn
	// Serve establishes the connection and blocks until it ends. It reports
	// whether the connection was established.
	Serve(ctx context.Context) (bool, error)
}

// Options tunes a connection.
type Options struct {
	// ReadyEvent is sent with an empty payload right after every successful
	// establishment. Defaults to shell.EventReady.
	ReadyEvent string
	// OnConnect runs after the ready event has been queued.
	OnConnect func(ctx context.Context)
	// OnDisconnect runs when an established connection ends.
	OnDisconnect func(err error)
	// HTTPHeader is sent with websocket handshakes.
	HTTPHeader http.Header
	SendBuffer   int
	PingInterval time.Duration
	WriteTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.ReadyEvent == "" {
		o.ReadyEvent = shell.EventReady
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 64
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 30 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 5 * time.Second
	}
	return o
}

// Frame is the unit exchanged with the backend: an event name and its data.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// EncodeFrame marshals event and payload into a wire frame.
func EncodeFrame(event string, payload any) ([]byte, error) {
	var data json.RawMessage
	switch p := payload.(type) {
	case nil:
	case json.RawMessage:
		data = p
	default:
		b, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("encode %q: %w", event, err)
		}
		data = b
	}
	return json.Marshal(Frame{Event: event, Data: data})
}

type handlerTable struct {
	mu sync.RWMutex
	m  map[string]Handler
}

func (t *handlerTable) set(event string, h Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.m == nil {
		t.m = make(map[string]Handler)
	}
	if h == nil {
		delete(t.m, event)
		return
	}
	t.m[event] = h
}

func (t *handlerTable) dispatch(raw []byte) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil || f.Event == "" {
		metrics.RecordDrop(metrics.DropMalformed)
		logx.Log.Debug().Err(err).Msg("dropping malformed transport frame")
		return
	}
	t.mu.RLock()
	h := t.m[f.Event]
	t.mu.RUnlock()
	if h == nil {
		metrics.RecordDrop(metrics.DropUnknownEvent)
		logx.Log.Debug().Str("event", f.Event).Msg("no handler for transport event")
		return
	}
	h(f.Data)
}

// Dial returns a Session for backendURL. ws, wss, http and https URLs use a
// websocket connection; nats and tls URLs use a NATS connection.
func Dial(backendURL, namespace string, opts Options) (Session, error) {
	u, err := url.Parse(backendURL)
	if err != nil {
		return nil, fmt.Errorf("parse backend url: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "ws", "wss":
		return NewWebSocket(backendURL, namespace, opts), nil
	case "http":
		return NewWebSocket("ws"+strings.TrimPrefix(backendURL, u.Scheme), namespace, opts), nil
	case "https":
		return NewWebSocket("wss"+strings.TrimPrefix(backendURL, u.Scheme), namespace, opts), nil
	case "nats", "tls":
		return DialNATS(backendURL, namespace, opts)
	default:
		return nil, fmt.Errorf("unsupported backend scheme %q", u.Scheme)
	}
}

// Run drives s until ctx ends. When retry is set, a lost or failed
// connection is re-established following the reconnect schedule.
func Run(ctx context.Context, s Session, retry bool) error {
	return reconnect.Loop(ctx, retry, s.Serve, func(delay time.Duration, err error) {
		logx.Log.Warn().Dur("backoff", delay).Err(err).Msg("backend connection lost; retrying")
	})
}
