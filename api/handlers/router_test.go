package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/forgehook/forgehook/internal/auth"
	"github.com/forgehook/forgehook/internal/events"
	"github.com/forgehook/forgehook/internal/fhk"
	"github.com/forgehook/forgehook/internal/integrations"
	"github.com/forgehook/forgehook/internal/metrics"
	"github.com/forgehook/forgehook/internal/plugin"
	"github.com/forgehook/forgehook/internal/ports"
	"github.com/forgehook/forgehook/internal/registry"
	"github.com/forgehook/forgehook/internal/runtime/embedded"
	"github.com/forgehook/forgehook/internal/runtime/gateway"
	"github.com/forgehook/forgehook/internal/store"
)

func init() {
	embedded.Register("api-echo", embedded.NewModule("api-echo", map[string]embedded.Function{
		"echo": func(_ context.Context, input map[string]interface{}, _ map[string]interface{}) (interface{}, error) {
			return input, nil
		},
	}))
}

func newTestRouter(t *testing.T, production bool) (http.Handler, *auth.KeyService) {
	t.Helper()
	log := zerolog.Nop()

	st, err := store.NewFileStore(filepath.Join(t.TempDir(), "state.json"))
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	integrationSvc, err := integrations.NewService(context.Background(), st)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}

	host := embedded.NewHost(log)
	gw := gateway.NewDriver(log)
	agg := registry.NewAggregator(st, log)
	bus := events.NewBus(log)
	t.Cleanup(bus.Close)
	hub := events.NewHub(bus, log)
	t.Cleanup(func() { hub.Shutdown(context.Background()) })
	reg := prometheus.NewRegistry()
	met := metrics.New(reg)
	keys := auth.NewKeyService(st)

	manager := plugin.NewManager(plugin.Deps{
		Store:    st,
		Embedded: host,
		Gateway:  gw,
		Registry: agg,
		Codec:    fhk.NewCodec(),
		Bus:      bus,
		Metrics:  met,
		Ports:    ports.NewAllocator(43000, 43010),
		Log:      log,
	})
	invoker := plugin.NewInvoker(st, host, gw, met, log)

	router := Router{
		Manager:      manager,
		Invoker:      invoker,
		Registry:     agg,
		Integrations: integrationSvc,
		Keys:         keys,
		Hub:          hub,
		Gatherer:     reg,
		Production:   production,
		Version:      "test",
		Log:          log,
	}
	return router.Build(), keys
}

func doJSON(t *testing.T, h http.Handler, method, path, body string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	var parsed map[string]interface{}
	if len(w.Body.Bytes()) > 0 {
		if err := json.Unmarshal(w.Body.Bytes(), &parsed); err != nil {
			t.Fatalf("%s %s: non-JSON body %q", method, path, w.Body.String())
		}
	}
	return w, parsed
}

const echoManifest = `{
	"manifest": {
		"id": "api-test",
		"name": "API Test",
		"version": "1.0.0",
		"runtime": "embedded",
		"bundleUrl": "api-echo",
		"endpoints": [{"method": "POST", "path": "/echo"}]
	}
}`

func TestHealthEndpoints(t *testing.T) {
	h, _ := newTestRouter(t, false)

	for _, path := range []string{"/health", "/ready", "/live"} {
		w, _ := doJSON(t, h, http.MethodGet, path, "")
		if w.Code != http.StatusOK {
			t.Errorf("GET %s = %d", path, w.Code)
		}
	}

	w, body := doJSON(t, h, http.MethodGet, "/status", "")
	if w.Code != http.StatusOK {
		t.Fatalf("GET /status = %d", w.Code)
	}
	if body["version"] != "test" {
		t.Errorf("status version = %v", body["version"])
	}
}

func TestStatusHiddenInProduction(t *testing.T) {
	h, _ := newTestRouter(t, true)
	w, _ := doJSON(t, h, http.MethodGet, "/status", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("GET /status in production = %d, want 404", w.Code)
	}
}

func TestInstallInvokeUninstallOverHTTP(t *testing.T) {
	h, _ := newTestRouter(t, false)

	w, body := doJSON(t, h, http.MethodPost, "/api/v1/plugins/install", echoManifest)
	if w.Code != http.StatusCreated {
		t.Fatalf("install = %d: %v", w.Code, body)
	}
	p := body["plugin"].(map[string]interface{})
	if p["status"] != "running" {
		t.Fatalf("status after install = %v", p["status"])
	}

	w, body = doJSON(t, h, http.MethodPost, "/api/v1/plugins/api-test/invoke/echo", `{"msg":"hi"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("invoke = %d: %v", w.Code, body)
	}
	if body["success"] != true {
		t.Fatalf("invoke body = %v", body)
	}
	result := body["result"].(map[string]interface{})
	if result["msg"] != "hi" {
		t.Errorf("result = %v", result)
	}

	w, _ = doJSON(t, h, http.MethodDelete, "/api/v1/plugins/api-test", "")
	if w.Code != http.StatusOK {
		t.Fatalf("uninstall = %d", w.Code)
	}
	w, body = doJSON(t, h, http.MethodGet, "/api/v1/plugins/api-test", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("get after uninstall = %d: %v", w.Code, body)
	}
}

func TestErrorShape(t *testing.T) {
	h, _ := newTestRouter(t, false)

	w, body := doJSON(t, h, http.MethodGet, "/api/v1/plugins/nope", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d", w.Code)
	}
	errBody, ok := body["error"].(map[string]interface{})
	if !ok {
		t.Fatalf("body = %v", body)
	}
	if errBody["code"] != "PLUGIN_NOT_FOUND" {
		t.Errorf("code = %v", errBody["code"])
	}
	if errBody["message"] == "" {
		t.Error("message empty")
	}
}

func TestBootstrapModeEndsWithFirstKey(t *testing.T) {
	h, _ := newTestRouter(t, false)

	// No keys exist: unauthenticated requests pass.
	w, _ := doJSON(t, h, http.MethodGet, "/api/v1/plugins", "")
	if w.Code != http.StatusOK {
		t.Fatalf("bootstrap list = %d", w.Code)
	}

	w, body := doJSON(t, h, http.MethodPost, "/api/v1/api-keys", `{"name":"ci"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("create key = %d: %v", w.Code, body)
	}
	plaintext, _ := body["key"].(string)
	if !strings.HasPrefix(plaintext, "fhk_") {
		t.Fatalf("key = %q", plaintext)
	}

	// Bootstrap is over: anonymous requests are rejected.
	w, _ = doJSON(t, h, http.MethodGet, "/api/v1/plugins", "")
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous after first key = %d", w.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/plugins", nil)
	req.Header.Set("X-API-Key", plaintext)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("authenticated list = %d", rec.Code)
	}

	// The list response never includes the plaintext.
	req = httptest.NewRequest(http.MethodGet, "/api/v1/api-keys", nil)
	req.Header.Set("X-API-Key", plaintext)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if strings.Contains(rec.Body.String(), plaintext) {
		t.Error("plaintext key leaked in list response")
	}
}

func TestMetricsEndpointExposesCounters(t *testing.T) {
	h, _ := newTestRouter(t, false)

	if w, body := doJSON(t, h, http.MethodPost, "/api/v1/plugins/install", echoManifest); w.Code != http.StatusCreated {
		t.Fatalf("install = %d: %v", w.Code, body)
	}
	if w, body := doJSON(t, h, http.MethodPost, "/api/v1/plugins/api-test/invoke/echo", `{"n":1}`); w.Code != http.StatusOK {
		t.Fatalf("invoke = %d: %v", w.Code, body)
	}

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /metrics = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "forgehook_invocations_total") {
		t.Error("invocation counter missing from exposition")
	}
}

func TestUpdateFieldExclusivityOverHTTP(t *testing.T) {
	h, _ := newTestRouter(t, false)

	if w, body := doJSON(t, h, http.MethodPost, "/api/v1/plugins/install", echoManifest); w.Code != http.StatusCreated {
		t.Fatalf("install = %d: %v", w.Code, body)
	}

	payload := fmt.Sprintf(`{"imageTag": "v2", "bundleUrl": %q}`, "api-echo")
	w, body := doJSON(t, h, http.MethodPost, "/api/v1/plugins/api-test/update", payload)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("update = %d: %v", w.Code, body)
	}
	errBody := body["error"].(map[string]interface{})
	if errBody["code"] != "VALIDATION_ERROR" {
		t.Errorf("code = %v", errBody["code"])
	}
}
