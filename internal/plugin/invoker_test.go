package plugin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/forgehook/forgehook/internal/errdefs"
	"github.com/forgehook/forgehook/internal/manifest"
	"github.com/forgehook/forgehook/internal/metrics"
	"github.com/forgehook/forgehook/internal/runtime/embedded"
	"github.com/forgehook/forgehook/internal/runtime/gateway"
	"github.com/forgehook/forgehook/internal/store"
)

func newTestInvoker(t *testing.T) (*Invoker, store.Store, *embedded.Host) {
	t.Helper()
	st, err := store.NewFileStore(filepath.Join(t.TempDir(), "state.json"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	log := zerolog.Nop()
	host := embedded.NewHost(log)
	inv := NewInvoker(st, host, gateway.NewDriver(log), metrics.New(prometheus.NewRegistry()), log)
	return inv, st, host
}

func hostPortOf(t *testing.T, serverURL string) int {
	t.Helper()
	u, err := url.Parse(serverURL)
	if err != nil {
		t.Fatal(err)
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		t.Fatal(err)
	}
	return port
}

func saveRunning(t *testing.T, st store.Store, p *store.PluginInstance) {
	t.Helper()
	p.Status = store.StatusRunning
	if err := st.SavePlugin(context.Background(), p); err != nil {
		t.Fatal(err)
	}
}

func TestInvokeEmbedded(t *testing.T) {
	inv, st, host := newTestInvoker(t)
	ctx := context.Background()

	embedded.Register("inv-echo", embedded.NewModule("inv-echo",
		map[string]embedded.Function{
			"run": func(ctx context.Context, input, config map[string]interface{}) (interface{}, error) {
				return input["msg"], nil
			},
		}))

	p := &store.PluginInstance{
		ID:          "inv-1",
		ForgehookID: "inv-echo",
		Runtime:     manifest.RuntimeEmbedded,
		BundleURL:   "inv-echo",
		Manifest: &manifest.Manifest{
			ID: "inv-echo", Name: "Echo", Version: "1.0.0",
			Runtime: manifest.RuntimeEmbedded, BundleURL: "inv-echo",
		},
	}
	if err := host.Start(ctx, p); err != nil {
		t.Fatal(err)
	}
	saveRunning(t, st, p)

	res, err := inv.Invoke(ctx, "inv-echo", InvokeRequest{
		Function: "run",
		Input:    map[string]interface{}{"msg": "hello"},
	})
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
	if !res.Success || res.Result != "hello" || res.Runtime != "embedded" {
		t.Errorf("unexpected result: %+v", res)
	}

	metric, err := inv.Metrics(ctx, "inv-echo")
	if err != nil {
		t.Fatal(err)
	}
	if metric.InvocationCount != 1 || metric.ErrorCount != 0 {
		t.Errorf("unexpected metric: %+v", metric)
	}
}

func TestInvokeContainer(t *testing.T) {
	inv, st, _ := newTestInvoker(t)
	ctx := context.Background()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/add" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("X-Request-ID") != "req-42" {
			t.Errorf("missing request id header")
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]int{"sum": 5})
	}))
	defer server.Close()

	p := &store.PluginInstance{
		ID:          "inv-2",
		ForgehookID: "adder",
		Runtime:     manifest.RuntimeContainer,
		HostPort:    hostPortOf(t, server.URL),
		Manifest: &manifest.Manifest{
			ID: "adder", Name: "Adder", Version: "1.0.0",
			Runtime: manifest.RuntimeContainer, BasePath: "/api/v1",
			Endpoints: []manifest.Endpoint{{Method: "POST", Path: "/add"}},
		},
	}
	saveRunning(t, st, p)

	res, err := inv.Invoke(ctx, "adder", InvokeRequest{
		Function:  "add",
		Input:     map[string]interface{}{"a": 2, "b": 3},
		RequestID: "req-42",
	})
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
	body, ok := res.Result.(map[string]interface{})
	if !ok || body["sum"] != float64(5) {
		t.Errorf("unexpected result: %+v", res.Result)
	}
}

func TestInvokeContainerErrorPreservesPayload(t *testing.T) {
	inv, st, _ := newTestInvoker(t)
	ctx := context.Background()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		json.NewEncoder(w).Encode(map[string]string{"reason": "divide by zero"})
	}))
	defer server.Close()

	p := &store.PluginInstance{
		ID:          "inv-3",
		ForgehookID: "divider",
		Runtime:     manifest.RuntimeContainer,
		HostPort:    hostPortOf(t, server.URL),
		Manifest: &manifest.Manifest{
			ID: "divider", Name: "Divider", Version: "1.0.0",
			Runtime: manifest.RuntimeContainer, BasePath: "/api/v1",
			Endpoints: []manifest.Endpoint{{Method: "POST", Path: "/div"}},
		},
	}
	saveRunning(t, st, p)

	_, err := inv.Invoke(ctx, "divider", InvokeRequest{Function: "div"})
	if !errdefs.IsCode(err, errdefs.CodeContainerError) {
		t.Fatalf("expected CONTAINER_ERROR, got %v", err)
	}
	details := errdefs.AsError(err, errdefs.CodeInternal).Details
	response, ok := details["response"].(map[string]interface{})
	if !ok || response["reason"] != "divide by zero" {
		t.Errorf("downstream payload not preserved: %v", details)
	}
	if _, ok := details["executionTime"]; !ok {
		t.Error("invocation error is missing executionTime")
	}
}

func TestInvokeContainerTimeout(t *testing.T) {
	inv, st, _ := newTestInvoker(t)
	ctx := context.Background()

	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer server.Close()
	defer close(release)

	p := &store.PluginInstance{
		ID:          "inv-slow",
		ForgehookID: "slowpoke",
		Runtime:     manifest.RuntimeContainer,
		HostPort:    hostPortOf(t, server.URL),
		Manifest: &manifest.Manifest{
			ID: "slowpoke", Name: "Slowpoke", Version: "1.0.0",
			Runtime: manifest.RuntimeContainer, BasePath: "/api/v1",
			Endpoints: []manifest.Endpoint{{Method: "POST", Path: "/wait"}},
		},
	}
	saveRunning(t, st, p)

	_, err := inv.Invoke(ctx, "slowpoke", InvokeRequest{Function: "wait", TimeoutMS: 50})
	if !errdefs.IsCode(err, errdefs.CodeContainerUnavailable) {
		t.Fatalf("expected CONTAINER_UNAVAILABLE on timeout, got %v", err)
	}
	if _, ok := errdefs.AsError(err, errdefs.CodeInternal).Details["executionTime"]; !ok {
		t.Error("timeout error is missing executionTime")
	}
}

func TestInvokeGateway(t *testing.T) {
	inv, st, _ := newTestInvoker(t)
	ctx := context.Background()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"reply": "pong"})
	}))
	defer server.Close()

	p := &store.PluginInstance{
		ID:          "inv-4",
		ForgehookID: "pinger",
		Runtime:     manifest.RuntimeGateway,
		GatewayURL:  server.URL,
		Manifest: &manifest.Manifest{
			ID: "pinger", Name: "Pinger", Version: "1.0.0",
			Runtime:   manifest.RuntimeGateway,
			Gateway:   &manifest.GatewayConfig{BaseURL: server.URL, TimeoutMS: 5000},
			Endpoints: []manifest.Endpoint{{Method: "POST", Path: "/ping"}},
		},
	}
	saveRunning(t, st, p)

	res, err := inv.Invoke(ctx, "pinger", InvokeRequest{Function: "ping"})
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
	body, ok := res.Result.(map[string]interface{})
	if !ok || body["reply"] != "pong" {
		t.Errorf("unexpected result: %+v", res.Result)
	}
	if res.Runtime != "gateway" {
		t.Errorf("runtime = %s", res.Runtime)
	}
}

func TestInvokeResolutionErrors(t *testing.T) {
	inv, st, _ := newTestInvoker(t)
	ctx := context.Background()

	if _, err := inv.Invoke(ctx, "ghost", InvokeRequest{Function: "run"}); !errdefs.IsCode(err, errdefs.CodePluginNotFound) {
		t.Errorf("expected PLUGIN_NOT_FOUND, got %v", err)
	}

	p := &store.PluginInstance{
		ID:          "inv-5",
		ForgehookID: "sleeper",
		Runtime:     manifest.RuntimeContainer,
		Status:      store.StatusStopped,
		Manifest: &manifest.Manifest{
			ID: "sleeper", Name: "Sleeper", Version: "1.0.0",
			Runtime:   manifest.RuntimeContainer,
			Endpoints: []manifest.Endpoint{{Method: "POST", Path: "/work"}},
		},
	}
	if err := st.SavePlugin(ctx, p); err != nil {
		t.Fatal(err)
	}
	if _, err := inv.Invoke(ctx, "sleeper", InvokeRequest{Function: "work"}); !errdefs.IsCode(err, errdefs.CodePluginNotRunning) {
		t.Errorf("expected PLUGIN_NOT_RUNNING, got %v", err)
	}

	saveRunning(t, st, p)
	_, err := inv.Invoke(ctx, "sleeper", InvokeRequest{Function: "nope"})
	if !errdefs.IsCode(err, errdefs.CodeFunctionNotFound) {
		t.Fatalf("expected FUNCTION_NOT_FOUND, got %v", err)
	}
	details := errdefs.AsError(err, errdefs.CodeInternal).Details
	if _, ok := details["availableEndpoints"]; !ok {
		t.Errorf("missing availableEndpoints detail: %v", details)
	}
}

func TestProxyRejectsEmbedded(t *testing.T) {
	inv, st, host := newTestInvoker(t)
	ctx := context.Background()

	embedded.Register("inv-noop", embedded.NewModule("inv-noop", nil))
	p := &store.PluginInstance{
		ID:          "inv-6",
		ForgehookID: "inv-noop",
		Runtime:     manifest.RuntimeEmbedded,
		BundleURL:   "inv-noop",
		Manifest: &manifest.Manifest{
			ID: "inv-noop", Name: "Noop", Version: "1.0.0",
			Runtime: manifest.RuntimeEmbedded, BundleURL: "inv-noop",
		},
	}
	if err := host.Start(ctx, p); err != nil {
		t.Fatal(err)
	}
	saveRunning(t, st, p)

	_, err := inv.ProxyHandler(ctx, "inv-noop", "/api/v1/plugins/inv-noop/proxy")
	if !errdefs.IsCode(err, errdefs.CodeInvalidOperation) {
		t.Fatalf("expected INVALID_OPERATION, got %v", err)
	}
}

func TestContainerProxyForwards(t *testing.T) {
	inv, st, _ := newTestInvoker(t)
	ctx := context.Background()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("upstream:" + r.URL.Path))
	}))
	defer server.Close()

	p := &store.PluginInstance{
		ID:          "inv-7",
		ForgehookID: "passthru",
		Runtime:     manifest.RuntimeContainer,
		HostPort:    hostPortOf(t, server.URL),
		Manifest: &manifest.Manifest{
			ID: "passthru", Name: "Passthru", Version: "1.0.0",
			Runtime: manifest.RuntimeContainer,
		},
	}
	saveRunning(t, st, p)

	handler, err := inv.ProxyHandler(ctx, "passthru", "/proxy")
	if err != nil {
		t.Fatalf("ProxyHandler failed: %v", err)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/proxy/status", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "upstream:/status" {
		t.Errorf("proxy reply = %d %q", rec.Code, rec.Body.String())
	}
}
