// Package shell composes the backend transport, the queue and rpc channels,
// the service directory and the frame bridge into one running shell.
package shell

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/gaspardpetit/dockshell/core/logx"
	"github.com/gaspardpetit/dockshell/internal/bridge"
	"github.com/gaspardpetit/dockshell/internal/directory"
	"github.com/gaspardpetit/dockshell/internal/metrics"
	"github.com/gaspardpetit/dockshell/internal/queue"
	"github.com/gaspardpetit/dockshell/internal/rpc"
	"github.com/gaspardpetit/dockshell/internal/serverstate"
	"github.com/gaspardpetit/dockshell/internal/transport"
	contracts "github.com/gaspardpetit/dockshell/sdk/contracts/shell"
)

// Launch and close errors.
var (
	ErrUnknownService = errors.New("shell: unknown service")
	ErrUnknownApp     = errors.New("shell: unknown application")
	ErrUnknownRecord  = errors.New("shell: unknown application record")
)

// Options configures a Shell.
type Options struct {
	BackendURL string
	Namespace  string
	ReadyEvent string
	// Reconnect re-establishes the backend connection when it drops.
	Reconnect bool
	// PendingCallTTL drops rpc calls left unanswered for this long. Zero keeps
	// them until their application closes.
	PendingCallTTL time.Duration
	// Store persists directory snapshots. Optional.
	Store directory.Store
}

// Shell is the running brokering layer.
type Shell struct {
	conn   transport.Conn
	queues *queue.Channel
	calls  *rpc.Channel
	dir    *directory.Directory
	bridge *bridge.Bridge
	store  directory.Store
	opts   Options

	launchMu  sync.Mutex
	connected atomic.Bool

	// Snapshot saves run off the transport read goroutine; only the
	// latest listing waiting to be saved is kept.
	saveMu      sync.Mutex
	saveNext    contracts.Listing
	savePending bool
	saving      bool
	saves       sync.WaitGroup
}

// Open dials the backend described by opts and returns a Shell using it.
// The connection is established by Run.
func Open(opts Options) (*Shell, error) {
	var s *Shell
	conn, err := transport.Dial(opts.BackendURL, opts.Namespace, transport.Options{
		ReadyEvent:   opts.ReadyEvent,
		OnConnect:    func(ctx context.Context) { s.onConnect(ctx) },
		OnDisconnect: func(err error) { s.onDisconnect(err) },
	})
	if err != nil {
		return nil, fmt.Errorf("dial backend: %w", err)
	}
	s = New(conn, opts)
	return s, nil
}

// New returns a Shell over an existing connection. Callers that build conn
// themselves report connection changes through HandleConnect.
func New(conn transport.Conn, opts Options) *Shell {
	dir := directory.New()
	queues := queue.New(conn)
	calls := rpc.New(conn)
	s := &Shell{
		conn:   conn,
		queues: queues,
		calls:  calls,
		dir:    dir,
		bridge: bridge.New(queues, calls, dir),
		store:  opts.Store,
		opts:   opts,
	}
	conn.On(contracts.EventAppListing, s.onListing)
	return s
}

// Bridge returns the frame bridge.
func (s *Shell) Bridge() *bridge.Bridge { return s.bridge }

// Directory returns the service directory.
func (s *Shell) Directory() *directory.Directory { return s.dir }

// Calls returns the rpc channel.
func (s *Shell) Calls() *rpc.Channel { return s.calls }

// Restore loads the last directory snapshot, if a store is configured.
func (s *Shell) Restore(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	ok, err := directory.Restore(ctx, s.store, s.dir)
	if err != nil {
		return err
	}
	if ok {
		logx.Log.Info().Int("services", s.dir.Len()).Msg("restored directory snapshot")
	}
	return nil
}

// Run drives the backend connection until ctx is done.
func (s *Shell) Run(ctx context.Context) error {
	sess, ok := s.conn.(transport.Session)
	if !ok {
		return errors.New("shell: connection cannot be driven")
	}
	if ttl := s.opts.PendingCallTTL; ttl > 0 {
		interval := ttl / 2
		if interval < time.Second {
			interval = time.Second
		}
		go s.calls.RunPruner(ctx, ttl, interval)
	}
	return transport.Run(ctx, sess, s.opts.Reconnect)
}

// Close shuts the backend connection and waits for a snapshot save in
// flight.
func (s *Shell) Close() error {
	err := s.conn.Close()
	s.saves.Wait()
	return err
}

// HandleConnect marks the backend connected and requests a fresh listing.
func (s *Shell) HandleConnect(ctx context.Context) { s.onConnect(ctx) }

func (s *Shell) onConnect(ctx context.Context) {
	metrics.SetBackendConnected(true)
	serverstate.SetState(serverstate.StatusReady)
	s.connected.Store(true)
	if err := s.RequestListing(ctx); err != nil {
		logx.Log.Warn().Err(err).Msg("request app listing")
	}
}

func (s *Shell) onDisconnect(err error) {
	metrics.SetBackendConnected(false)
	serverstate.SetState(serverstate.StatusNotReady)
	s.connected.Store(false)
	logx.Log.Warn().Err(err).Msg("backend disconnected")
}

// BackendConnected reports whether the backend connection is up.
func (s *Shell) BackendConnected() bool {
	return s.connected.Load()
}

// RequestListing asks the backend to push its application listing.
func (s *Shell) RequestListing(ctx context.Context) error {
	return s.conn.Send(ctx, contracts.EventListApps, struct{}{})
}

func (s *Shell) onListing(raw json.RawMessage) {
	var l contracts.Listing
	if err := json.Unmarshal(raw, &l); err != nil {
		metrics.RecordDrop(metrics.DropMalformed)
		logx.Log.Warn().Err(err).Msg("dropping malformed app listing")
		return
	}
	s.dir.UpdateFromListing(l)
	logx.Log.Info().Int("services", len(l)).Msg("app listing updated")
	if s.store == nil {
		return
	}
	s.saveMu.Lock()
	s.saveNext, s.savePending = l, true
	if !s.saving {
		s.saving = true
		s.saves.Add(1)
		go s.saveLoop()
	}
	s.saveMu.Unlock()
}

func (s *Shell) saveLoop() {
	defer s.saves.Done()
	for {
		s.saveMu.Lock()
		if !s.savePending {
			s.saving = false
			s.saveMu.Unlock()
			return
		}
		l := s.saveNext
		s.saveNext, s.savePending = nil, false
		s.saveMu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := s.store.Save(ctx, l); err != nil {
			logx.Log.Warn().Err(err).Msg("save directory snapshot")
		}
		cancel()
	}
}

// Launch opens application appKey of service serviceKey. An application that
// is already open is returned as-is.
func (s *Shell) Launch(serviceKey, appKey string) (bridge.Record, bool, error) {
	svc, ok := s.dir.Service(serviceKey)
	if !ok {
		return bridge.Record{}, false, ErrUnknownService
	}
	app, ok := svc.Apps[appKey]
	if !ok {
		return bridge.Record{}, false, ErrUnknownApp
	}

	s.launchMu.Lock()
	defer s.launchMu.Unlock()
	if rec, ok := s.bridge.FindByApp(serviceKey, appKey); ok {
		return rec, false, nil
	}
	rec, err := s.bridge.Register(bridge.Record{
		ID:          uuid.NewString(),
		URL:         app.URL,
		QueuePrefix: QueuePrefix(serviceKey, svc),
		ServiceKey:  serviceKey,
		AppKey:      appKey,
	})
	if err != nil {
		return bridge.Record{}, false, fmt.Errorf("launch %s/%s: %w", serviceKey, appKey, err)
	}
	return rec, true, nil
}

// CloseApp closes the application record id.
func (s *Shell) CloseApp(id string) error {
	if !s.bridge.Close(id) {
		return ErrUnknownRecord
	}
	return nil
}

// Apps lists the open application records.
func (s *Shell) Apps() []bridge.Record { return s.bridge.Records() }

// QueuePrefix returns the prefix applied to queue names of applications
// launched from svc.
func QueuePrefix(serviceKey string, svc contracts.ServiceDescriptor) string {
	if svc.QueuePrefix != "" {
		return svc.QueuePrefix
	}
	return strings.TrimSuffix(serviceKey, "/") + "/"
}

// RegisterState adds the shell's sections to the state report.
func (s *Shell) RegisterState(reg *serverstate.Registry) {
	reg.Add(serverstate.Element{ID: "backend", Data: func() any {
		return map[string]any{"connected": s.BackendConnected(), "pending_calls": s.calls.Pending()}
	}})
	reg.Add(serverstate.Element{ID: "applications", Data: func() any { return s.bridge.Records() }})
	reg.Add(serverstate.Element{ID: "directory", Data: func() any {
		return map[string]any{"services": s.dir.Len()}
	}})
}
