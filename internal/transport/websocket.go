package transport

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/gaspardpetit/dockshell/core/logx"
)

// WebSocket is a Conn over a websocket to endpoint+namespace. Frames are
// JSON text messages. One goroutine reads and dispatches in arrival order,
// another serialises writes.
type WebSocket struct {
	url  string
	opts Options

	handlers handlerTable

	mu      sync.Mutex
	session *wsSession
	closed  bool
}

type wsSession struct {
	conn   *websocket.Conn
	send   chan []byte
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	once sync.Once
	err  error
}

// NewWebSocket returns an unconnected WebSocket. Register handlers with On
// before calling Connect or Serve so no early event is missed.
func NewWebSocket(endpoint, namespace string, opts Options) *WebSocket {
	u := strings.TrimRight(endpoint, "/")
	if namespace != "" {
		u += "/" + strings.TrimLeft(namespace, "/")
	}
	return &WebSocket{url: u, opts: opts.withDefaults()}
}

// URL returns the dialled address.
func (w *WebSocket) URL() string { return w.url }

// On registers the handler for event, replacing any previous one.
func (w *WebSocket) On(event string, h Handler) { w.handlers.set(event, h) }

// Connect dials the backend and returns once the connection is established
// and the ready event is queued. The connection outlives ctx.
func (w *WebSocket) Connect(ctx context.Context) error {
	_, err := w.connect(ctx)
	return err
}

// Serve connects and blocks until the connection ends or ctx is done.
func (w *WebSocket) Serve(ctx context.Context) (bool, error) {
	s, err := w.connect(ctx)
	if err != nil {
		return false, err
	}
	select {
	case <-s.done:
		return true, s.err
	case <-ctx.Done():
		s.finish(websocket.StatusGoingAway, ctx.Err())
		return true, ctx.Err()
	}
}

func (w *WebSocket) connect(ctx context.Context) (*wsSession, error) {
	w.mu.Lock()
	closed := w.closed
	w.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	conn, _, err := websocket.Dial(ctx, w.url, &websocket.DialOptions{HTTPHeader: w.opts.HTTPHeader})
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(-1)
	sctx, cancel := context.WithCancel(context.Background())
	s := &wsSession{
		conn:   conn,
		send:   make(chan []byte, w.opts.SendBuffer),
		ctx:    sctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	ready, err := EncodeFrame(w.opts.ReadyEvent, struct{}{})
	if err != nil {
		cancel()
		_ = conn.Close(websocket.StatusInternalError, "encode")
		return nil, err
	}
	s.send <- ready

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		s.finish(websocket.StatusNormalClosure, ErrClosed)
		return nil, ErrClosed
	}
	prev := w.session
	w.session = s
	w.mu.Unlock()
	if prev != nil {
		prev.finish(websocket.StatusNormalClosure, errors.New("replaced"))
	}

	go w.readLoop(s)
	go w.writeLoop(s)
	go w.pingLoop(s)

	logx.Log.Info().Str("url", w.url).Msg("connected to backend")
	if w.opts.OnConnect != nil {
		w.opts.OnConnect(sctx)
	}
	return s, nil
}

// Send queues event for delivery on the current connection.
func (w *WebSocket) Send(ctx context.Context, event string, payload any) error {
	w.mu.Lock()
	s, closed := w.session, w.closed
	w.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if s == nil {
		return ErrNotConnected
	}
	b, err := EncodeFrame(event, payload)
	if err != nil {
		return err
	}
	select {
	case s.send <- b:
		return nil
	case <-s.ctx.Done():
		return ErrNotConnected
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close terminates the connection. Subsequent operations return ErrClosed.
func (w *WebSocket) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	s := w.session
	w.session = nil
	w.mu.Unlock()
	if s != nil {
		s.finish(websocket.StatusNormalClosure, ErrClosed)
	}
	return nil
}

func (w *WebSocket) readLoop(s *wsSession) {
	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			s.finish(websocket.StatusNormalClosure, err)
			w.detach(s)
			return
		}
		w.handlers.dispatch(data)
	}
}

func (w *WebSocket) writeLoop(s *wsSession) {
	for {
		select {
		case b := <-s.send:
			ctx, cancel := context.WithTimeout(s.ctx, w.opts.WriteTimeout)
			err := s.conn.Write(ctx, websocket.MessageText, b)
			cancel()
			if err != nil {
				s.finish(websocket.StatusInternalError, err)
				w.detach(s)
				return
			}
		case <-s.ctx.Done():
			return
		}
	}
}

func (w *WebSocket) pingLoop(s *wsSession) {
	ticker := time.NewTicker(w.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			_ = s.conn.Ping(s.ctx)
		case <-s.ctx.Done():
			return
		}
	}
}

func (w *WebSocket) detach(s *wsSession) {
	w.mu.Lock()
	current := w.session == s
	if current {
		w.session = nil
	}
	w.mu.Unlock()
	if current {
		logx.Log.Warn().Err(s.err).Str("url", w.url).Msg("disconnected from backend")
		if w.opts.OnDisconnect != nil {
			w.opts.OnDisconnect(s.err)
		}
	}
}

func (s *wsSession) finish(code websocket.StatusCode, err error) {
	s.once.Do(func() {
		s.err = err
		s.cancel()
		_ = s.conn.Close(code, "closing")
		close(s.done)
	})
}
