// Package bridge relays envelopes between hosted frames and the shell's
// queue and rpc channels. A frame is trusted only through the origin it
// connects from: every operation resolves that origin to the application
// record launched there, and replies go to that record's frame alone.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gaspardpetit/dockshell/core/logx"
	"github.com/gaspardpetit/dockshell/internal/metrics"
	"github.com/gaspardpetit/dockshell/internal/origin"
	"github.com/gaspardpetit/dockshell/internal/queue"
	"github.com/gaspardpetit/dockshell/internal/rpc"
	"github.com/gaspardpetit/dockshell/sdk/contracts/shell"
)

// Frame is the live handle of a hosted frame. Post must not block; it
// reports false when the envelope could not be queued.
type Frame interface {
	Post(env shell.Envelope) bool
}

// Directory resolves an origin to the service that launched it.
type Directory interface {
	Lookup(o origin.Origin) (shell.ServiceDescriptor, bool)
}

// Record is a launched application.
type Record struct {
	ID          string        `json:"id"`
	URL         string        `json:"url"`
	Origin      origin.Origin `json:"origin"`
	QueuePrefix string        `json:"queue_prefix"`
	ServiceKey  string        `json:"service,omitempty"`
	AppKey      string        `json:"app,omitempty"`
	Active      bool          `json:"active"`

	frame Frame
}

// ErrInvalidRecord is returned by Register for records without an id or
// without a derivable origin.
var ErrInvalidRecord = errors.New("bridge: record needs an id and a url with a host")

// Bridge owns the application records.
type Bridge struct {
	queues *queue.Channel
	calls  *rpc.Channel
	dir    Directory

	frames atomic.Int64

	mu       sync.RWMutex
	records  map[string]*Record
	byOrigin map[origin.Origin]*Record
}

// New returns a Bridge dispatching to the given channels and directory.
func New(queues *queue.Channel, calls *rpc.Channel, dir Directory) *Bridge {
	return &Bridge{
		queues:   queues,
		calls:    calls,
		dir:      dir,
		records:  make(map[string]*Record),
		byOrigin: make(map[origin.Origin]*Record),
	}
}

// Register adds rec and makes it the target of every message from its
// origin, replacing any record previously registered there.
func (b *Bridge) Register(rec Record) (Record, error) {
	if rec.ID == "" {
		return Record{}, ErrInvalidRecord
	}
	o, err := origin.FromURL(rec.URL)
	if err != nil {
		return Record{}, ErrInvalidRecord
	}
	r := rec
	r.Origin = o
	r.Active = false
	r.frame = nil

	b.mu.Lock()
	if prev, ok := b.records[r.ID]; ok && prev.Origin != o && b.byOrigin[prev.Origin] == prev {
		delete(b.byOrigin, prev.Origin)
	}
	if prev, ok := b.byOrigin[o]; ok && prev.ID != r.ID {
		logx.Log.Info().Str("origin", o.String()).Str("app_id", r.ID).Str("replaced", prev.ID).Msg("origin re-registered")
	}
	b.records[r.ID] = &r
	b.byOrigin[o] = &r
	n := len(b.records)
	out := r
	b.mu.Unlock()
	metrics.SetApplications(n)
	logx.Log.Info().Str("app_id", r.ID).Str("origin", o.String()).Str("queue_prefix", r.QueuePrefix).Msg("application registered")
	return out, nil
}

// Close removes the record with id and releases its queue handlers and
// pending calls. It reports whether the record existed.
func (b *Bridge) Close(id string) bool {
	b.mu.Lock()
	r, ok := b.records[id]
	if ok {
		delete(b.records, id)
		if cur := b.byOrigin[r.Origin]; cur == r {
			delete(b.byOrigin, r.Origin)
		}
	}
	n := len(b.records)
	b.mu.Unlock()
	if !ok {
		return false
	}
	metrics.SetApplications(n)
	queues := b.queues.ReleaseOwner(id)
	calls := b.calls.Forget(id)
	logx.Log.Info().Str("app_id", id).Int("queues", queues).Int("pending_calls", calls).Msg("application closed")
	return true
}

// Record returns a copy of the record with id.
func (b *Bridge) Record(id string) (Record, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	r, ok := b.records[id]
	if !ok {
		return Record{}, false
	}
	return *r, true
}

// FindByApp returns the open record launched from serviceKey/appKey.
func (b *Bridge) FindByApp(serviceKey, appKey string) (Record, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, r := range b.records {
		if r.ServiceKey == serviceKey && r.AppKey == appKey {
			return *r, true
		}
	}
	return Record{}, false
}

// Records returns copies of all records ordered by id.
func (b *Bridge) Records() []Record {
	b.mu.RLock()
	out := make([]Record, 0, len(b.records))
	for _, r := range b.records {
		out = append(out, *r)
	}
	b.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Frames returns the number of connected frames.
func (b *Bridge) Frames() int64 { return b.frames.Load() }

// WaitIdle blocks until no frame is connected or ctx is done. It reports
// whether the bridge became idle.
func (b *Bridge) WaitIdle(ctx context.Context) bool {
	t := time.NewTicker(100 * time.Millisecond)
	defer t.Stop()
	for {
		if b.frames.Load() == 0 {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-t.C:
		}
	}
}

// Detach clears f from every record it is attached to.
func (b *Bridge) Detach(f Frame) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, r := range b.records {
		if r.frame == f {
			r.frame = nil
			r.Active = false
		}
	}
}

// resolve finds the record for o and attaches f as its frame.
func (b *Bridge) resolve(o origin.Origin, f Frame) (Record, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.byOrigin[o]
	if !ok {
		return Record{}, false
	}
	if f != nil && r.frame != f {
		r.frame = f
		r.Active = true
		logx.Log.Debug().Str("app_id", r.ID).Str("origin", o.String()).Msg("frame attached")
	}
	return *r, true
}

// post sends env to the current frame of record id.
func (b *Bridge) post(id string, env shell.Envelope) {
	b.mu.RLock()
	var f Frame
	if r, ok := b.records[id]; ok {
		f = r.frame
	}
	b.mu.RUnlock()
	if f == nil {
		metrics.RecordDrop(metrics.DropNoFrame)
		logx.Log.Debug().Str("app_id", id).Str("operation", env.Operation).Msg("no frame for reply")
		return
	}
	if !f.Post(env) {
		metrics.RecordDrop(metrics.DropFrameBackpressure)
		logx.Log.Warn().Str("app_id", id).Str("operation", env.Operation).Msg("frame outbound queue full; reply dropped")
	}
}

func (b *Bridge) reply(id, op string, payload any) {
	env, err := shell.NewEnvelope(op, payload)
	if err != nil {
		logx.Log.Error().Err(err).Str("app_id", id).Str("operation", op).Msg("encode reply")
		return
	}
	b.post(id, env)
}

// Dispatch handles one envelope received from frame f connected from o.
// Nothing is ever reported back to the frame on failure.
func (b *Bridge) Dispatch(ctx context.Context, o origin.Origin, f Frame, data []byte) {
	rec, ok := b.resolve(o, f)
	if !ok {
		metrics.RecordDrop(metrics.DropUnregisteredOrigin)
		logx.Log.Debug().Str("origin", o.String()).Msg("message from unregistered origin")
		return
	}
	var env shell.Envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Operation == "" {
		metrics.RecordDrop(metrics.DropMalformed)
		logx.Log.Debug().Err(err).Str("app_id", rec.ID).Msg("malformed envelope")
		return
	}
	log := logx.Log.With().Str("app_id", rec.ID).Str("operation", env.Operation).Logger()

	switch env.Operation {
	case shell.OpQueueReceiveRegister:
		name, ok := queueName(env.Payload)
		if !ok {
			b.dropMalformed(rec, env.Operation)
			return
		}
		full := rec.QueuePrefix + name
		id := rec.ID
		b.queues.Register(full, id, func(data json.RawMessage) {
			b.reply(id, shell.OpQueueMessage, shell.QueueMessage{Queue: name, Data: data})
		})
		if err := b.queues.Announce(ctx, full); err != nil {
			log.Warn().Err(err).Str("queue", full).Msg("announce queue")
		}
	case shell.OpQueueReceiveUnregister:
		name, ok := queueName(env.Payload)
		if !ok {
			b.dropMalformed(rec, env.Operation)
			return
		}
		b.queues.Unregister(rec.QueuePrefix + name)
	case shell.OpQueueSend:
		var qs shell.QueueSend
		if err := json.Unmarshal(env.Payload, &qs); err != nil || qs.Queue == "" {
			b.dropMalformed(rec, env.Operation)
			return
		}
		full := qs.Queue
		if !qs.AbsoluteQueue {
			full = rec.QueuePrefix + qs.Queue
		}
		if err := b.queues.Send(ctx, full, qs.Message); err != nil {
			log.Warn().Err(err).Str("queue", full).Msg("queue send")
		}
	case shell.OpRPC:
		var req shell.RPCRequest
		if err := json.Unmarshal(env.Payload, &req); err != nil {
			b.dropMalformed(rec, env.Operation)
			return
		}
		if !b.permitted(rec, req.RPC) {
			metrics.RecordDrop(metrics.DropForeignService)
			log.Warn().Str("rpc_id", req.ID).Msg("rpc outside the launching service")
			return
		}
		id, frameCallID := rec.ID, req.ID
		if _, err := b.calls.Invoke(ctx, id, req.ID, req.RPC, func(result json.RawMessage) {
			b.reply(id, shell.OpRPC, shell.RPCReply{ID: frameCallID, Result: result})
		}); err != nil {
			log.Warn().Err(err).Str("rpc_id", req.ID).Msg("rpc invoke")
		}
	case shell.OpAppInfo:
		var payload any
		if b.dir != nil {
			if svc, ok := b.dir.Lookup(rec.Origin); ok {
				payload = svc
			}
		}
		b.reply(rec.ID, shell.OpAppInfo, payload)
	default:
		metrics.RecordDrop(metrics.DropUnknownOperation)
		log.Debug().Msg("unknown operation")
		return
	}
	metrics.RecordOperation(env.Operation)
}

// permitted reports whether call targets a procedure of the service that
// launched rec.
func (b *Bridge) permitted(rec Record, call json.RawMessage) bool {
	if b.dir == nil {
		return false
	}
	svc, ok := b.dir.Lookup(rec.Origin)
	if !ok {
		return false
	}
	var c shell.RPCCall
	if err := json.Unmarshal(call, &c); err != nil {
		return false
	}
	fn := c.Func
	if fn == "" {
		fn = c.Command
	}
	return svc.Permits(c.URI, fn)
}

func (b *Bridge) dropMalformed(rec Record, op string) {
	metrics.RecordDrop(metrics.DropMalformed)
	logx.Log.Debug().Str("app_id", rec.ID).Str("operation", op).Msg("malformed payload")
}

// queueName accepts a bare JSON string or an object with a "queue" field.
func queueName(raw json.RawMessage) (string, bool) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, s != ""
	}
	var qr shell.QueueReceive
	if err := json.Unmarshal(raw, &qr); err == nil {
		return qr.Queue, qr.Queue != ""
	}
	return "", false
}
