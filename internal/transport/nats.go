package transport

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/gaspardpetit/dockshell/core/logx"
)

// SubjectPrefix maps a namespace such as "/shell" to a NATS subject prefix.
func SubjectPrefix(namespace string) string {
	p := strings.Trim(namespace, "/")
	p = strings.ReplaceAll(p, "/", ".")
	if p == "" {
		return "shell"
	}
	return p
}

// ToBackendSubject is the subject the shell publishes on for namespace.
func ToBackendSubject(namespace string) string { return SubjectPrefix(namespace) + ".to-backend" }

// ToShellSubject is the subject the shell listens on for namespace.
func ToShellSubject(namespace string) string { return SubjectPrefix(namespace) + ".to-shell" }

// NATS is a Conn over a NATS connection. Both directions carry the same Frame
// encoding as the websocket transport, one subject per direction.
type NATS struct {
	nc      *nats.Conn
	ownsNC  bool
	out, in string
	opts    Options

	handlers handlerTable

	// readySent is reset on every disconnect so each connection epoch
	// announces itself exactly once.
	readySent atomic.Bool

	mu     sync.Mutex
	sub    *nats.Subscription
	closed bool
	done   chan struct{}
}

// DialNATS connects to url and returns a NATS transport owning the
// connection. The client keeps reconnecting on its own; every reconnect
// re-sends the ready event.
func DialNATS(url, namespace string, opts Options) (*NATS, error) {
	t := newNATS(namespace, opts)
	nc, err := nats.Connect(url,
		nats.Name("dockshell"),
		nats.Timeout(10*time.Second),
		nats.RetryOnFailedConnect(true),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
		nats.ConnectHandler(func(*nats.Conn) {
			t.ready(context.Background())
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			t.readySent.Store(false)
			logx.Log.Warn().Err(err).Msg("nats disconnected")
			if t.opts.OnDisconnect != nil {
				t.opts.OnDisconnect(err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logx.Log.Info().Str("url", nc.ConnectedUrl()).Msg("nats reconnected")
			t.ready(context.Background())
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			t.markClosed()
		}),
	)
	if err != nil {
		return nil, err
	}
	t.nc = nc
	t.ownsNC = true
	return t, nil
}

// NewNATS wraps an existing connection. Close does not close nc.
func NewNATS(nc *nats.Conn, namespace string, opts Options) *NATS {
	t := newNATS(namespace, opts)
	t.nc = nc
	return t
}

func newNATS(namespace string, opts Options) *NATS {
	return &NATS{
		out:  ToBackendSubject(namespace),
		in:   ToShellSubject(namespace),
		opts: opts.withDefaults(),
		done: make(chan struct{}),
	}
}

// On registers the handler for event, replacing any previous one.
func (t *NATS) On(event string, h Handler) { t.handlers.set(event, h) }

// Connect subscribes to the inbound subject and sends the ready event.
func (t *NATS) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	if t.sub == nil {
		sub, err := t.nc.Subscribe(t.in, func(m *nats.Msg) { t.handlers.dispatch(m.Data) })
		if err != nil {
			t.mu.Unlock()
			return err
		}
		t.sub = sub
	}
	t.mu.Unlock()
	if t.nc.IsConnected() {
		t.ready(ctx)
	}
	return nil
}

// Serve connects and blocks until the transport is closed or ctx is done.
func (t *NATS) Serve(ctx context.Context) (bool, error) {
	if err := t.Connect(ctx); err != nil {
		return false, err
	}
	select {
	case <-t.done:
		return true, ErrClosed
	case <-ctx.Done():
		return true, ctx.Err()
	}
}

func (t *NATS) ready(ctx context.Context) {
	t.mu.Lock()
	subscribed := t.sub != nil
	t.mu.Unlock()
	if !subscribed || !t.readySent.CompareAndSwap(false, true) {
		return
	}
	if err := t.Send(ctx, t.opts.ReadyEvent, struct{}{}); err != nil {
		t.readySent.Store(false)
		logx.Log.Warn().Err(err).Msg("send ready event")
		return
	}
	logx.Log.Info().Str("subject", t.out).Msg("connected to backend")
	if t.opts.OnConnect != nil {
		t.opts.OnConnect(ctx)
	}
}

// Send publishes event on the outbound subject.
func (t *NATS) Send(ctx context.Context, event string, payload any) error {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	b, err := EncodeFrame(event, payload)
	if err != nil {
		return err
	}
	if !t.nc.IsConnected() {
		return ErrNotConnected
	}
	return t.nc.Publish(t.out, b)
}

// Close unsubscribes and, when the transport owns it, closes the NATS
// connection.
func (t *NATS) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	sub := t.sub
	t.sub = nil
	t.mu.Unlock()
	var err error
	if sub != nil {
		err = sub.Unsubscribe()
	}
	if t.ownsNC {
		t.nc.Close()
	}
	t.markClosed()
	return err
}

func (t *NATS) markClosed() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.closed = true
		close(t.done)
	}
}
