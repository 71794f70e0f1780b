package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/forgehook/forgehook/internal/errdefs"
	"github.com/forgehook/forgehook/internal/manifest"
	"github.com/forgehook/forgehook/internal/store"
)

func gatewayPlugin(baseURL string) *store.PluginInstance {
	return &store.PluginInstance{
		ID:          "uuid-gw",
		ForgehookID: "llm",
		Runtime:     manifest.RuntimeGateway,
		Manifest: &manifest.Manifest{
			ID:      "llm",
			Name:    "LLM",
			Version: "1.0.0",
			Runtime: manifest.RuntimeGateway,
			Gateway: &manifest.GatewayConfig{
				BaseURL:     baseURL,
				HealthCheck: "/health",
				TimeoutMS:   2000,
			},
		},
	}
}

func TestResolveURL(t *testing.T) {
	t.Setenv("GW_PROC_HOST", "proc.example")

	cases := []struct {
		name string
		url  string
		env  map[string]string
		want string
	}{
		{
			name: "plugin env wins",
			url:  "http://${GW_PROC_HOST}:9000",
			env:  map[string]string{"GW_PROC_HOST": "plugin.example"},
			want: "http://plugin.example:9000",
		},
		{
			name: "process env second",
			url:  "http://${GW_PROC_HOST}:9000",
			want: "http://proc.example:9000",
		},
		{
			name: "literal default last",
			url:  "http://${GW_UNSET_HOST:-localhost}:11434",
			want: "http://localhost:11434",
		},
		{
			name: "unresolvable becomes empty",
			url:  "http://${GW_UNSET_HOST}:11434",
			want: "http://:11434",
		},
		{
			name: "multiple references",
			url:  "${GW_UNSET_SCHEME:-http}://${GW_UNSET_HOST:-localhost}",
			want: "http://localhost",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ResolveURL(tc.url, tc.env); got != tc.want {
				t.Errorf("ResolveURL(%q) = %q, want %q", tc.url, got, tc.want)
			}
		})
	}
}

func TestApplyDiscoveryPort(t *testing.T) {
	if got := applyDiscoveryPort("http://localhost", "ollama"); got != "http://localhost:11434" {
		t.Errorf("discovery port not applied: %s", got)
	}
	if got := applyDiscoveryPort("http://localhost:9999", "ollama"); got != "http://localhost:9999" {
		t.Errorf("existing port overwritten: %s", got)
	}
	if got := applyDiscoveryPort("http://localhost", "unknown-tag"); got != "http://localhost" {
		t.Errorf("unknown tag changed URL: %s", got)
	}
}

func TestInstallUnreachableServiceDoesNotFail(t *testing.T) {
	d := NewDriver(zerolog.Nop())
	// Reserved TEST-NET address, nothing listens there.
	p := gatewayPlugin("http://192.0.2.1:9")
	p.Manifest.Gateway.TimeoutMS = 200

	if err := d.Install(context.Background(), p); err != nil {
		t.Fatalf("Install failed hard: %v", err)
	}
	if p.Status != store.StatusStopped || p.Error == "" {
		t.Errorf("expected stopped with error, got status=%s error=%q", p.Status, p.Error)
	}
	if p.GatewayURL == "" {
		t.Error("GatewayURL not recorded")
	}
}

func TestInstallHealthyService(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	d := NewDriver(zerolog.Nop())
	p := gatewayPlugin(srv.URL)

	if err := d.Install(context.Background(), p); err != nil {
		t.Fatalf("Install failed: %v", err)
	}
	if p.HealthStatus != store.HealthHealthy || p.Error != "" {
		t.Errorf("expected healthy, got %s error=%q", p.HealthStatus, p.Error)
	}
}

func TestForwardClassifiesBodies(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/json":
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"ok":true}`))
		case "/text":
			w.Header().Set("Content-Type", "text/plain")
			w.Write([]byte("hello"))
		case "/bin":
			w.Header().Set("Content-Type", "application/octet-stream")
			w.Write([]byte{0x01, 0x02})
		}
	}))
	defer srv.Close()

	d := NewDriver(zerolog.Nop())
	p := gatewayPlugin(srv.URL)
	if err := d.Install(context.Background(), p); err != nil {
		t.Fatalf("Install failed: %v", err)
	}

	jsonRes, err := d.Forward(context.Background(), p, http.MethodGet, "/json", nil, nil, 0)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	body, ok := jsonRes.Body.(map[string]interface{})
	if !ok || body["ok"] != true {
		t.Errorf("json body not decoded: %v", jsonRes.Body)
	}

	textRes, _ := d.Forward(context.Background(), p, http.MethodGet, "/text", nil, nil, 0)
	if textRes.Body != "hello" {
		t.Errorf("text body = %v", textRes.Body)
	}

	binRes, _ := d.Forward(context.Background(), p, http.MethodGet, "/bin", nil, nil, 0)
	if binRes.Body != "AQI=" {
		t.Errorf("binary body not base64: %v", binRes.Body)
	}
}

func TestForwardHeaderMerge(t *testing.T) {
	var seen http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Clone()
	}))
	defer srv.Close()

	d := NewDriver(zerolog.Nop())
	p := gatewayPlugin(srv.URL)
	p.Manifest.Gateway.Headers = map[string]string{
		"Authorization": "Bearer manifest-token",
		"X-Source":      "manifest",
	}
	if err := d.Install(context.Background(), p); err != nil {
		t.Fatalf("Install failed: %v", err)
	}

	caller := http.Header{}
	caller.Set("Authorization", "Bearer caller-token")
	caller.Set("Connection", "close") // hop-by-hop, must not pass

	if _, err := d.Forward(context.Background(), p, http.MethodGet, "/x", caller, nil, 0); err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	if got := seen.Get("Authorization"); got != "Bearer caller-token" {
		t.Errorf("caller header did not win: %q", got)
	}
	if got := seen.Get("X-Source"); got != "manifest" {
		t.Errorf("manifest header missing: %q", got)
	}
}

func TestForwardTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
	}))
	defer srv.Close()

	d := NewDriver(zerolog.Nop())
	p := gatewayPlugin(srv.URL)
	if err := d.Install(context.Background(), p); err != nil {
		t.Fatalf("Install failed: %v", err)
	}

	_, err := d.Forward(context.Background(), p, http.MethodGet, "/slow", nil, nil, 50*time.Millisecond)
	if !errdefs.IsCode(err, errdefs.CodeGatewayTimeout) {
		t.Fatalf("expected GATEWAY_TIMEOUT, got %v", err)
	}
}

func TestProxyHandlerStripsPrefix(t *testing.T) {
	var seenPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenPath = r.URL.Path
	}))
	defer srv.Close()

	d := NewDriver(zerolog.Nop())
	p := gatewayPlugin(srv.URL)
	p.Manifest.Gateway.StripPrefix = true
	if err := d.Install(context.Background(), p); err != nil {
		t.Fatalf("Install failed: %v", err)
	}

	proxy, err := d.ProxyHandler(p, "/llm")
	if err != nil {
		t.Fatalf("ProxyHandler failed: %v", err)
	}
	front := httptest.NewServer(proxy)
	defer front.Close()

	resp, err := http.Get(front.URL + "/llm/api/tags")
	if err != nil {
		t.Fatalf("proxy request failed: %v", err)
	}
	resp.Body.Close()
	if !strings.HasSuffix(seenPath, "/api/tags") || strings.Contains(seenPath, "/llm/") {
		t.Errorf("prefix not stripped: %q", seenPath)
	}
}

func TestHealthRoundReportsFlips(t *testing.T) {
	healthy := true
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if healthy {
			w.WriteHeader(http.StatusOK)
		} else {
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	d := NewDriver(zerolog.Nop())
	sink := &recordingSink{}
	d.SetSink(sink)
	p := gatewayPlugin(srv.URL)
	if err := d.Install(context.Background(), p); err != nil {
		t.Fatalf("Install failed: %v", err)
	}
	if err := d.Start(context.Background(), p); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	d.healthRound(context.Background())
	if sink.last() == "" || !strings.Contains(sink.last(), "healthy") {
		t.Fatalf("expected healthy report, got %q", sink.last())
	}

	healthy = false
	d.healthRound(context.Background())
	if !strings.Contains(sink.last(), "unhealthy") {
		t.Errorf("expected unhealthy report, got %q", sink.last())
	}
}

type recordingSink struct {
	changes []string
}

func (r *recordingSink) OnRuntimeStateChange(pluginID string, status store.Status, health store.HealthStatus, errMsg string) {
	r.changes = append(r.changes, pluginID+"/"+string(status)+"/"+string(health))
}

func (r *recordingSink) last() string {
	if len(r.changes) == 0 {
		return ""
	}
	return r.changes[len(r.changes)-1]
}
