package http_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	tesserahttp "github.com/aretw0/tessera/pkg/adapters/http"
	"github.com/aretw0/tessera/pkg/domain"
	"github.com/aretw0/tessera/pkg/orchestrator"
	"github.com/aretw0/tessera/pkg/ports"
	"github.com/aretw0/tessera/pkg/registry"
	"github.com/aretw0/tessera/pkg/session"
	"github.com/aretw0/tessera/pkg/statemachine"
	"github.com/aretw0/tessera/pkg/stream"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) (*tesserahttp.Server, http.Handler) {
	t.Helper()
	reg := registry.New()
	for _, c := range []domain.Capability{
		{Name: "weather.read", Risk: domain.RiskLow, Deadline: time.Second,
			Handler: func(context.Context, map[string]any) (any, error) {
				return []map[string]any{{"city": "Lisbon", "temp": 21}}, nil
			}},
		{Name: "mail.send", Risk: domain.RiskHigh, Deadline: time.Second,
			Handler: func(context.Context, map[string]any) (any, error) { return "sent", nil }},
	} {
		require.NoError(t, reg.Register(c))
	}

	streams := tesserahttp.NewStreamManager()
	mgr := session.NewManager(
		session.WithTransportFactory(func(string) stream.Transport { return streams }),
		session.WithBusyPolicy(statemachine.BusyReject),
	)
	parser := ports.ParserFunc(func(_ context.Context, text string, _ map[string]any) (domain.ResolvedIntent, error) {
		if strings.Contains(text, "mail") {
			return domain.ResolvedIntent{Tag: "mail.send"}, nil
		}
		return domain.ResolvedIntent{Tag: "weather.read"}, nil
	})
	orch, err := orchestrator.New(reg, mgr, orchestrator.WithParser(parser))
	require.NoError(t, err)

	srv := tesserahttp.NewServer(orch,
		tesserahttp.WithStreams(streams),
		tesserahttp.WithMetricsHandler(http.NotFoundHandler()),
		tesserahttp.WithKeepAlive(time.Hour),
	)
	return srv, srv.Router()
}

func do(t *testing.T, h http.Handler, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	var out map[string]any
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	}
	return w, out
}

func TestSessionLifecycle(t *testing.T) {
	_, h := newTestServer(t)

	w, body := do(t, h, http.MethodPost, "/sessions", map[string]string{"id": "s1", "tenant_id": "acme"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, "s1", body["session_id"])
	assert.Equal(t, "Idle", body["state"])

	w, _ = do(t, h, http.MethodPost, "/sessions", map[string]string{"id": "s1"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w, body = do(t, h, http.MethodGet, "/sessions", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []any{"s1"}, body["sessions"])

	w, body = do(t, h, http.MethodGet, "/sessions/s1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "acme", body["tenant_id"])

	w, _ = do(t, h, http.MethodDelete, "/sessions/s1", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w, body = do(t, h, http.MethodGet, "/sessions/s1", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, body["error"], "session not found")
}

func TestIntentAndConfirmation(t *testing.T) {
	_, h := newTestServer(t)
	do(t, h, http.MethodPost, "/sessions", map[string]string{"id": "s1"})

	w, body := do(t, h, http.MethodPost, "/sessions/s1/intents", map[string]string{"text": "weather in lisbon"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "Idle", body["state"])
	assert.Len(t, body["results"], 1)

	w, body = do(t, h, http.MethodPost, "/sessions/s1/intents", map[string]string{"text": "send the mail"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "AwaitingConfirmation", body["state"])
	planID, _ := body["plan_id"].(string)
	require.NotEmpty(t, planID)

	// The open confirmation is in focus on the flowchart.
	req := httptest.NewRequest(http.MethodGet, "/sessions/s1/graph.mmd", nil)
	mmd := httptest.NewRecorder()
	h.ServeHTTP(mmd, req)
	require.Equal(t, http.StatusOK, mmd.Code)
	assert.Contains(t, mmd.Body.String(), "graph TD")
	assert.Contains(t, mmd.Body.String(), "classDef focus")

	w, body = do(t, h, http.MethodPost, "/sessions/s1/confirm", map[string]string{"plan_id": "other"})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "AwaitingConfirmation", body["state"], "a refused action still reports the state")

	w, _ = do(t, h, http.MethodPost, "/sessions/s1/confirm", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, body = do(t, h, http.MethodPost, "/sessions/s1/confirm", map[string]string{"plan_id": planID})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "Idle", body["state"])

	w, _ = do(t, h, http.MethodPost, "/sessions/s1/reject", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestResolvedIntent(t *testing.T) {
	_, h := newTestServer(t)
	do(t, h, http.MethodPost, "/sessions", map[string]string{"id": "s1"})

	w, body := do(t, h, http.MethodPost, "/sessions/s1/intents", map[string]any{
		"intent": map[string]any{"intent_tag": "weather.read"},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "Idle", body["state"])

	w, _ = do(t, h, http.MethodPost, "/sessions/s1/intents", map[string]any{"intent": map[string]any{}})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestErrorStatuses(t *testing.T) {
	_, h := newTestServer(t)
	do(t, h, http.MethodPost, "/sessions", map[string]string{"id": "s1"})

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"unknown session", http.MethodPost, "/sessions/nope/intents", map[string]string{"text": "hi"}, http.StatusNotFound},
		{"empty text", http.MethodPost, "/sessions/s1/intents", map[string]string{"text": "  "}, http.StatusBadRequest},
		{"nothing to select", http.MethodPost, "/sessions/s1/select", map[string]string{"option_id": "a"}, http.StatusConflict},
		{"nothing to retry", http.MethodPost, "/sessions/s1/retry", map[string]string{"step_id": "x"}, http.StatusConflict},
		{"bad since", http.MethodGet, "/sessions/s1/graph?since=abc", nil, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, _ := do(t, h, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.want, w.Code, w.Body.String())
		})
	}

	req := httptest.NewRequest(http.MethodPost, "/sessions/s1/confirm", strings.NewReader("{not json"))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCancelOnIdleSessionIsNoop(t *testing.T) {
	_, h := newTestServer(t)
	do(t, h, http.MethodPost, "/sessions", map[string]string{"id": "s1"})

	w, body := do(t, h, http.MethodPost, "/sessions/s1/cancel", map[string]string{"reason": "changed my mind"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "Idle", body["state"])
}

func TestGetGraph(t *testing.T) {
	_, h := newTestServer(t)
	do(t, h, http.MethodPost, "/sessions", map[string]string{"id": "s1"})
	do(t, h, http.MethodPost, "/sessions/s1/intents", map[string]string{"text": "weather"})

	w, full := do(t, h, http.MethodGet, "/sessions/s1/graph", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, full["full"])
	assert.NotEmpty(t, full["nodes"])
	version := full["version"].(float64)
	require.Positive(t, version)

	w, diff := do(t, h, http.MethodGet, "/sessions/s1/graph?since=0", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, version, diff["version"])
	assert.NotEmpty(t, diff["operations"])

	w, diff = do(t, h, http.MethodGet, "/sessions/s1/graph?since=999", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, diff["operations"])
}

func TestSubscribeEvents(t *testing.T) {
	srv, h := newTestServer(t)
	ts := httptest.NewServer(h)
	defer ts.Close()
	do(t, h, http.MethodPost, "/sessions", map[string]string{"id": "s1"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/sessions/s1/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	lines := make(chan string, 64)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(resp.Body)
		sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()
	next := func() string {
		select {
		case l, ok := <-lines:
			require.True(t, ok, "stream closed early")
			return l
		case <-time.After(2 * time.Second):
			t.Fatal("no event received")
			return ""
		}
	}

	assert.Equal(t, "event: ping", next())
	assert.Contains(t, next(), `"state":"Idle"`)
	require.Eventually(t, func() bool { return srv.Streams.Subscribers("s1") == 1 }, time.Second, 10*time.Millisecond)

	w, _ := do(t, h, http.MethodPost, "/sessions/s1/intents", map[string]string{"text": "weather"})
	require.Equal(t, http.StatusOK, w.Code)

	for next() != "event: envelope" {
	}
	data := strings.TrimPrefix(next(), "data: ")
	var env stream.WireEnvelope
	require.NoError(t, json.Unmarshal([]byte(data), &env))
	assert.Equal(t, "s1", env.SessionID)
	assert.NotEmpty(t, env.RequestID)

	w, _ = do(t, h, http.MethodGet, "/sessions/nope/events", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestInfoAndSpec(t *testing.T) {
	_, h := newTestServer(t)

	w, body := do(t, h, http.MethodGet, "/info", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "tessera-http", body["app"])
	assert.Equal(t, "1.0.0", body["api_version"])
	assert.NotEmpty(t, body["version"])

	req := httptest.NewRequest(http.MethodGet, "/openapi.yaml", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "openapi: 3.0.3")
}

func TestCORSPreflight(t *testing.T) {
	handler := tesserahttp.NewHandler(nil, tesserahttp.WithMetricsHandler(http.NotFoundHandler()))

	req := httptest.NewRequest(http.MethodOptions, "/sessions", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

// Every documented operation has a route.
func TestRoutesMatchOpenAPI(t *testing.T) {
	srv, _ := newTestServer(t)
	swagger, err := tesserahttp.GetSwagger()
	require.NoError(t, err)

	routes := make(map[string]bool)
	err = chi.Walk(srv.Router(), func(method, route string, _ http.Handler, _ ...func(http.Handler) http.Handler) error {
		if len(route) > 1 {
			route = strings.TrimSuffix(route, "/")
		}
		routes[method+" "+route] = true
		return nil
	})
	require.NoError(t, err)

	for path, item := range swagger.Paths.Map() {
		for method := range item.Operations() {
			assert.True(t, routes[method+" "+path], "missing route %s %s", method, path)
		}
	}
}
