// Package frame is the client a hosted application uses to reach the shell.
// It speaks the frame envelope protocol over the shell's frame websocket and
// exposes the queue, publish and rpc capabilities.
package frame

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/gaspardpetit/dockshell/sdk/contracts/shell"
	"github.com/gaspardpetit/dockshell/sdk/corrid"
)

// ErrClosed is returned by operations on a closed client.
var ErrClosed = errors.New("frame: client closed")

// ErrNoProcedure is returned when calling a procedure the catalog lacks.
var ErrNoProcedure = errors.New("frame: no such procedure")

// QueueHandler receives the data pushed to a queue.
type QueueHandler func(data json.RawMessage)

// Options configures Connect.
type Options struct {
	// Origin is sent as the Origin header; the shell routes by it.
	Origin string
	// HTTPHeader holds extra handshake headers.
	HTTPHeader   http.Header
	WriteTimeout time.Duration
}

// Client is a connected hosted application.
type Client struct {
	conn         *websocket.Conn
	ids          *corrid.Generator
	writeTimeout time.Duration
	writeMu      sync.Mutex

	mu     sync.Mutex
	queues map[string]QueueHandler
	calls  map[string]pendingCall
	info   *shell.ServiceDescriptor
	ready  chan struct{}
	closed bool

	// Handlers and callbacks run in arrival order on the dispatch
	// goroutine, never on the read loop.
	jobMu sync.Mutex
	jobs  []func()
	wake  chan struct{}

	cancel context.CancelFunc
	done   chan struct{}
}

type pendingCall struct {
	cb func(json.RawMessage)
	// inline callbacks must not block; they run on the read loop.
	inline bool
}

// Connect dials the shell frame endpoint and completes the app-info
// handshake. No capability is usable before it returns.
func Connect(ctx context.Context, shellURL string, opts Options) (*Client, error) {
	h := http.Header{}
	for k, v := range opts.HTTPHeader {
		h[k] = append([]string(nil), v...)
	}
	if opts.Origin != "" {
		h.Set("Origin", opts.Origin)
	}
	conn, _, err := websocket.Dial(ctx, shellURL, &websocket.DialOptions{HTTPHeader: h})
	if err != nil {
		return nil, fmt.Errorf("dial shell: %w", err)
	}
	conn.SetReadLimit(-1)
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	runCtx, cancel := context.WithCancel(context.Background())
	c := &Client{
		conn:         conn,
		ids:          corrid.New(),
		writeTimeout: opts.WriteTimeout,
		queues:       make(map[string]QueueHandler),
		calls:        make(map[string]pendingCall),
		ready:        make(chan struct{}),
		wake:         make(chan struct{}, 1),
		cancel:       cancel,
		done:         make(chan struct{}),
	}
	go c.readLoop(runCtx)
	go c.dispatchLoop()

	if err := c.send(ctx, shell.OpAppInfo, nil); err != nil {
		_ = c.Close()
		return nil, err
	}
	select {
	case <-c.ready:
		return c, nil
	case <-c.done:
		c.cancel()
		return nil, fmt.Errorf("handshake: %w", ErrClosed)
	case <-ctx.Done():
		_ = c.Close()
		return nil, fmt.Errorf("handshake: %w", ctx.Err())
	}
}

// Info returns the descriptor of the service that launched this
// application, or nil when the shell had none.
func (c *Client) Info() *shell.ServiceDescriptor {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.info
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} { return c.done }

// Queue registers h for queue name and asks the shell to subscribe.
func (c *Client) Queue(ctx context.Context, name string, h QueueHandler) error {
	c.mu.Lock()
	c.queues[name] = h
	c.mu.Unlock()
	return c.send(ctx, shell.OpQueueReceiveRegister, name)
}

// Unqueue drops the handler for name and unsubscribes.
func (c *Client) Unqueue(ctx context.Context, name string) error {
	c.mu.Lock()
	delete(c.queues, name)
	c.mu.Unlock()
	return c.send(ctx, shell.OpQueueReceiveUnregister, name)
}

// Publish sends message on queue, relative to the application's prefix.
func (c *Client) Publish(ctx context.Context, queue string, message any) error {
	return c.publish(ctx, queue, message, false)
}

// PublishAbsolute sends message on queue exactly as named.
func (c *Client) PublishAbsolute(ctx context.Context, queue string, message any) error {
	return c.publish(ctx, queue, message, true)
}

func (c *Client) publish(ctx context.Context, queue string, message any, absolute bool) error {
	b, err := json.Marshal(message)
	if err != nil {
		return err
	}
	return c.send(ctx, shell.OpQueueSend, shell.QueueSend{Queue: queue, Message: b, AbsoluteQueue: absolute})
}

// RPC returns the remote procedure server name from the service catalog, or
// nil when it is unknown.
func (c *Client) RPC(name string) *Service {
	info := c.Info()
	if info == nil {
		return nil
	}
	d, ok := info.FindRPC(name)
	if !ok {
		return nil
	}
	return &Service{client: c, desc: d}
}

// Close ends the connection. Pending calls never complete.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	err := c.conn.Close(websocket.StatusNormalClosure, "")
	c.cancel()
	<-c.done
	return err
}

func (c *Client) send(ctx context.Context, op string, payload any) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	env, err := shell.NewEnvelope(op, payload)
	if err != nil {
		return err
	}
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, c.writeTimeout)
	defer cancel()
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.Write(wctx, websocket.MessageText, b)
}

func (c *Client) readLoop(ctx context.Context) {
	defer close(c.done)
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			c.mu.Lock()
			c.closed = true
			c.mu.Unlock()
			return
		}
		var env shell.Envelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}
		switch env.Operation {
		case shell.OpAppInfo:
			c.handleInfo(env.Payload)
		case shell.OpQueueMessage:
			var msg shell.QueueMessage
			if json.Unmarshal(env.Payload, &msg) != nil {
				continue
			}
			c.mu.Lock()
			h := c.queues[msg.Queue]
			c.mu.Unlock()
			if h != nil {
				c.enqueue(func() { h(msg.Data) })
			}
		case shell.OpRPC:
			var reply shell.RPCReply
			if json.Unmarshal(env.Payload, &reply) != nil {
				continue
			}
			c.mu.Lock()
			pc, ok := c.calls[reply.ID]
			delete(c.calls, reply.ID)
			c.mu.Unlock()
			if !ok {
				continue
			}
			if pc.inline {
				pc.cb(reply.Result)
			} else {
				c.enqueue(func() { pc.cb(reply.Result) })
			}
		}
	}
}

func (c *Client) enqueue(job func()) {
	c.jobMu.Lock()
	c.jobs = append(c.jobs, job)
	c.jobMu.Unlock()
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Client) dispatchLoop() {
	for {
		select {
		case <-c.done:
			return
		case <-c.wake:
		}
		for {
			c.jobMu.Lock()
			if len(c.jobs) == 0 {
				c.jobMu.Unlock()
				break
			}
			job := c.jobs[0]
			c.jobs[0] = nil
			c.jobs = c.jobs[1:]
			c.jobMu.Unlock()
			job()
		}
	}
}

func (c *Client) handleInfo(raw json.RawMessage) {
	var info *shell.ServiceDescriptor
	if len(raw) > 0 && string(raw) != "null" {
		var d shell.ServiceDescriptor
		if err := json.Unmarshal(raw, &d); err == nil {
			info = &d
		}
	}
	c.mu.Lock()
	c.info = info
	select {
	case <-c.ready:
	default:
		close(c.ready)
	}
	c.mu.Unlock()
}
