package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/gaspardpetit/dockshell/internal/bridge"
	"github.com/gaspardpetit/dockshell/internal/serverstate"
	"github.com/gaspardpetit/dockshell/internal/shell"
	"github.com/gaspardpetit/dockshell/internal/transport"
	contracts "github.com/gaspardpetit/dockshell/sdk/contracts/shell"
)

type nopConn struct{ handlers map[string]transport.Handler }

func (c *nopConn) Send(context.Context, string, any) error { return nil }
func (c *nopConn) On(event string, h transport.Handler)    { c.handlers[event] = h }
func (c *nopConn) Close() error                            { return nil }

func newTestShell(t *testing.T) *shell.Shell {
	t.Helper()
	conn := &nopConn{handlers: map[string]transport.Handler{}}
	s := shell.New(conn, shell.Options{})
	conn.handlers[contracts.EventAppListing](json.RawMessage(`{"svcA":{"host":"a","apps":{"main":{"url":"http://app1.local:9000/"}}}}`))
	return s
}

func newRouter(s *shell.Shell) http.Handler {
	h := &AppsHandler{Launcher: s, Catalog: s.Directory()}
	r := chi.NewRouter()
	r.Get("/api/services", h.ListServices)
	r.Get("/api/apps", h.ListApps)
	r.Post("/api/apps", h.Launch)
	r.Delete("/api/apps/{id}", h.Close)
	return r
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	h.ServeHTTP(rr, req)
	return rr
}

func TestLaunchLifecycle(t *testing.T) {
	s := newTestShell(t)
	h := newRouter(s)

	rr := do(t, h, http.MethodPost, "/api/apps", `{"service":"svcA","app":"main"}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("launch status = %d: %s", rr.Code, rr.Body)
	}
	var rec bridge.Record
	if err := json.Unmarshal(rr.Body.Bytes(), &rec); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rec.ID == "" || rec.QueuePrefix != "svcA/" || rec.Origin != "app1.local:9000" {
		t.Fatalf("record = %+v", rec)
	}

	rr = do(t, h, http.MethodPost, "/api/apps", `{"service":"svcA","app":"main"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("relaunch status = %d", rr.Code)
	}

	rr = do(t, h, http.MethodGet, "/api/apps", "")
	var recs []bridge.Record
	if err := json.Unmarshal(rr.Body.Bytes(), &recs); err != nil || len(recs) != 1 {
		t.Fatalf("apps = %s (%v)", rr.Body, err)
	}

	if rr = do(t, h, http.MethodDelete, "/api/apps/"+rec.ID, ""); rr.Code != http.StatusNoContent {
		t.Fatalf("close status = %d", rr.Code)
	}
	if rr = do(t, h, http.MethodDelete, "/api/apps/"+rec.ID, ""); rr.Code != http.StatusNotFound {
		t.Fatalf("second close status = %d", rr.Code)
	}
}

func TestLaunchErrors(t *testing.T) {
	h := newRouter(newTestShell(t))
	cases := []struct {
		body string
		code int
	}{
		{`not json`, http.StatusBadRequest},
		{`{"service":"svcA"}`, http.StatusBadRequest},
		{`{"service":"nope","app":"main"}`, http.StatusNotFound},
		{`{"service":"svcA","app":"nope"}`, http.StatusNotFound},
	}
	for _, c := range cases {
		if rr := do(t, h, http.MethodPost, "/api/apps", c.body); rr.Code != c.code {
			t.Errorf("%s: status = %d; want %d", c.body, rr.Code, c.code)
		}
	}
}

func TestListServices(t *testing.T) {
	h := newRouter(newTestShell(t))
	rr := do(t, h, http.MethodGet, "/api/services", "")
	var l map[string]map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &l); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if l["svcA"]["host"] != "a" {
		t.Fatalf("listing = %s", rr.Body)
	}
}

func TestStateAndHealth(t *testing.T) {
	serverstate.UseStore(serverstate.NewMemoryStore())
	defer serverstate.UseStore(serverstate.NewMemoryStore())

	reg := serverstate.NewRegistry()
	reg.Add(serverstate.Element{ID: "x", Data: func() any { return 1 }})
	rr := httptest.NewRecorder()
	(&StateHandler{Registry: reg}).GetState(rr, httptest.NewRequest(http.MethodGet, "/api/state", nil))
	var resp struct {
		Status     string         `json:"status"`
		Components map[string]any `json:"components"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != serverstate.StatusNotReady || resp.Components["x"] != float64(1) {
		t.Fatalf("state = %s", rr.Body)
	}

	rr = httptest.NewRecorder()
	Healthz(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("healthz = %d", rr.Code)
	}
	serverstate.StartDrain()
	rr = httptest.NewRecorder()
	Healthz(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("healthz while draining = %d", rr.Code)
	}
}
