package httpserver

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	cfgpkg "github.com/histore/histore/internal/config"
	"github.com/histore/histore/internal/runtime"
	pebblestore "github.com/histore/histore/internal/storage/pebble"
	logpkg "github.com/histore/histore/pkg/log"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	rt, err := runtime.Open(runtime.Options{DataDir: t.TempDir(), Fsync: pebblestore.FsyncModeAlways, Config: cfgpkg.Default()})
	if err != nil {
		t.Fatalf("rt open: %v", err)
	}
	t.Cleanup(func() { _ = rt.Close() })
	return New(rt, logpkg.NewNopLogger())
}

func TestHealthHandler(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/healthz", nil)
	w := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(w, req)
	if w.Code != 200 {
		t.Fatalf("status: %d", w.Code)
	}
}

func TestRealmCreateAndList(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/v1/realms/create", strings.NewReader(`{"realm":"eu"}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(w, req)
	if w.Code != http.StatusCreated {
		t.Fatalf("create status: %d", w.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/realms", nil)
	w = httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(w, req)
	if w.Code != 200 || !strings.Contains(w.Body.String(), `"eu"`) {
		t.Fatalf("list: %d %s", w.Code, w.Body.String())
	}
}

func TestRealmCreateRejectsBadName(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/v1/realms/create", strings.NewReader(`{"realm":"Bad Name!"}`))
	w := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status: %d", w.Code)
	}
}

func TestAppendAndStatus(t *testing.T) {
	s := newTestServer(t)
	body := `{"realm":"eu","guildId":42,"category":1,"events":[` +
		`{"id":1,"tsMs":10,"payload":"YQ=="},{"id":3,"tsMs":30,"payload":"Yw=="},{"id":2,"tsMs":20,"payload":"Yg=="}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/history/append", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(w, req)
	if w.Code != http.StatusAccepted {
		t.Fatalf("append status: %d %s", w.Code, w.Body.String())
	}
	var res map[string]int
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res["linked"] != 2 || res["missed"] != 1 {
		t.Fatalf("append result: %v", res)
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/history/status?realm=eu&guild=42&categories=1", nil)
	w = httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(w, req)
	if w.Code != 200 {
		t.Fatalf("status: %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"count":3`) {
		t.Fatalf("status body: %s", w.Body.String())
	}
}

func TestSubscribeSSEReplaysStoredEvents(t *testing.T) {
	s := newTestServer(t)
	body := `{"realm":"eu","guildId":42,"category":1,"events":[{"id":1,"tsMs":10,"payload":"YQ=="},{"id":2,"tsMs":20,"payload":"Yg=="}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/history/append", strings.NewReader(body))
	w := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(w, req)
	if w.Code != http.StatusAccepted {
		t.Fatalf("append status: %d", w.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/history/subscribe?realm=eu&guild=42&categories=1&stopOnLast=true", nil)
	w = httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(w, req)
	out := w.Body.String()
	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type: %s", ct)
	}
	if strings.Count(out, "data: ") != 2 || !strings.Contains(out, `"id":1`) || !strings.Contains(out, `"id":2`) {
		t.Fatalf("sse body: %q", out)
	}
}

func TestSubscribeRequiresCategories(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/history/subscribe?realm=eu&guild=42", nil)
	w := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status: %d", w.Code)
	}
}
