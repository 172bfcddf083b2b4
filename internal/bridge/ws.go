package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/gaspardpetit/dockshell/core/logx"
	"github.com/gaspardpetit/dockshell/internal/metrics"
	"github.com/gaspardpetit/dockshell/internal/origin"
	"github.com/gaspardpetit/dockshell/sdk/contracts/shell"
)

// HandlerOptions configures the frame websocket endpoint.
type HandlerOptions struct {
	// OriginPatterns lists the host patterns frames may connect from.
	OriginPatterns []string
	// Draining refuses new frames while it reports true.
	Draining func() bool
	// SendBuffer is the per-frame outbound queue length.
	SendBuffer   int
	WriteTimeout time.Duration
	// ReadLimit is the largest message a frame may send; a larger one
	// closes the connection. Defaults to 1 MiB.
	ReadLimit int64
}

// wsFrame is a Frame backed by a websocket connection. A single writer
// goroutine drains send.
type wsFrame struct {
	conn   *websocket.Conn
	origin origin.Origin
	send   chan []byte

	once sync.Once
	done chan struct{}
}

func (f *wsFrame) Post(env shell.Envelope) bool {
	b, err := json.Marshal(env)
	if err != nil {
		return false
	}
	select {
	case <-f.done:
		return false
	default:
	}
	select {
	case f.send <- b:
		return true
	default:
		return false
	}
}

func (f *wsFrame) stop() { f.once.Do(func() { close(f.done) }) }

func (f *wsFrame) writeLoop(ctx context.Context, timeout time.Duration) {
	for {
		select {
		case <-f.done:
			return
		case b := <-f.send:
			wctx, cancel := context.WithTimeout(ctx, timeout)
			err := f.conn.Write(wctx, websocket.MessageText, b)
			cancel()
			if err != nil {
				logx.Log.Debug().Err(err).Str("origin", f.origin.String()).Msg("frame write failed")
				f.stop()
				return
			}
		}
	}
}

// WSHandler accepts hosted frame connections. The Origin header of the
// handshake identifies the frame; messages are fed to b.Dispatch in arrival
// order.
func WSHandler(b *Bridge, opts HandlerOptions) http.HandlerFunc {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 32
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = 1 << 20
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if opts.Draining != nil && opts.Draining() {
			http.Error(w, "draining", http.StatusServiceUnavailable)
			return
		}
		o, err := origin.FromURL(r.Header.Get("Origin"))
		if err != nil {
			http.Error(w, "origin required", http.StatusForbidden)
			return
		}
		c, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: opts.OriginPatterns})
		if err != nil {
			return
		}
		c.SetReadLimit(opts.ReadLimit)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		f := &wsFrame{conn: c, origin: o, send: make(chan []byte, opts.SendBuffer), done: make(chan struct{})}
		b.frames.Add(1)
		metrics.FrameConnected()
		logx.Log.Info().Str("origin", o.String()).Msg("frame connected")
		defer func() {
			f.stop()
			b.Detach(f)
			b.frames.Add(-1)
			metrics.FrameDisconnected()
			_ = c.Close(websocket.StatusNormalClosure, "")
		}()
		go f.writeLoop(ctx, opts.WriteTimeout)

		for {
			_, data, err := c.Read(ctx)
			if err != nil {
				var ce websocket.CloseError
				if errors.As(err, &ce) && ce.Code == websocket.StatusNormalClosure {
					logx.Log.Info().Str("origin", o.String()).Msg("frame disconnected")
				} else {
					logx.Log.Debug().Err(err).Str("origin", o.String()).Msg("frame disconnected")
				}
				return
			}
			b.Dispatch(ctx, o, f, data)
		}
	}
}
