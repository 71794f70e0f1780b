// Package gateway fronts external HTTP services as plugins: it resolves
// their URLs from manifest and environment, probes their health and
// proxies requests to them.
package gateway

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/forgehook/forgehook/internal/errdefs"
	"github.com/forgehook/forgehook/internal/runtime"
	"github.com/forgehook/forgehook/internal/store"
)

// discoveryPorts maps known discovery tags to the default port used
// when the resolved URL does not carry one.
var discoveryPorts = map[string]int{
	"ollama":           11434,
	"llamacpp":         8080,
	"comfyui":          8188,
	"stable-diffusion": 7860,
}

// varPattern matches ${VAR} and ${VAR:-default} references.
var varPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-([^}]*))?\}`)

// ResolveURL substitutes variable references in baseURL. Lookup order:
// the plugin's environment map, the process environment, the literal
// default. Unresolvable references resolve to the empty string.
func ResolveURL(baseURL string, env map[string]string) string {
	return varPattern.ReplaceAllStringFunc(baseURL, func(match string) string {
		groups := varPattern.FindStringSubmatch(match)
		name, def := groups[1], groups[2]
		if v, ok := env[name]; ok && v != "" {
			return v
		}
		if v := os.Getenv(name); v != "" {
			return v
		}
		return def
	})
}

// applyDiscoveryPort appends the tag's default port when the URL has
// none.
func applyDiscoveryPort(rawURL, discovery string) string {
	port, ok := discoveryPorts[strings.ToLower(discovery)]
	if !ok {
		return rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" || u.Port() != "" {
		return rawURL
	}
	u.Host = fmt.Sprintf("%s:%d", u.Hostname(), port)
	return u.String()
}

// Driver implements the gateway runtime.
type Driver struct {
	client *http.Client
	sink   runtime.StateSink
	log    zerolog.Logger

	mu      sync.Mutex
	watched map[string]*store.PluginInstance // instance id -> record snapshot
	tick    chan struct{}
}

// NewDriver builds a gateway driver. The probe client enforces its own
// per-request timeouts from manifests.
func NewDriver(log zerolog.Logger) *Driver {
	return &Driver{
		client:  &http.Client{},
		sink:    nil,
		log:     log.With().Str("component", "gateway-driver").Logger(),
		watched: make(map[string]*store.PluginInstance),
		tick:    make(chan struct{}, 1),
	}
}

// SetSink attaches the lifecycle manager after construction.
func (d *Driver) SetSink(sink runtime.StateSink) {
	d.sink = sink
}

// Install resolves the URL and probes the service once. An unreachable
// service does not fail the install: the record is marked stopped with
// the probe error and the health loop keeps trying.
func (d *Driver) Install(ctx context.Context, p *store.PluginInstance) error {
	gw := p.Manifest.Gateway
	resolved := ResolveURL(gw.BaseURL, p.Environment)
	resolved = applyDiscoveryPort(resolved, gw.Discovery)

	if _, err := url.ParseRequestURI(resolved); err != nil {
		return errdefs.New(errdefs.CodeValidation,
			"gateway url %q does not resolve to a valid URL", gw.BaseURL).
			WithDetail("resolved", resolved)
	}

	p.GatewayURL = strings.TrimRight(resolved, "/")
	p.GatewayHealthPath = gw.HealthCheck

	if err := d.Probe(ctx, p); err != nil {
		p.Status = store.StatusStopped
		p.HealthStatus = store.HealthUnhealthy
		p.Error = err.Error()
	} else {
		p.HealthStatus = store.HealthHealthy
	}
	return nil
}

// Start marks the plugin watched by the health loop and probes it.
func (d *Driver) Start(ctx context.Context, p *store.PluginInstance) error {
	if err := d.Probe(ctx, p); err != nil {
		return errdefs.Wrap(errdefs.CodeGatewayUnavailable, err,
			"gateway service for %s is unreachable", p.ForgehookID)
	}
	d.watch(p)
	return nil
}

// Stop removes the plugin from the health loop. The external service
// itself is not ours to stop.
func (d *Driver) Stop(ctx context.Context, p *store.PluginInstance) error {
	d.unwatch(p.ID)
	return nil
}

// Uninstall clears gateway state from the record.
func (d *Driver) Uninstall(ctx context.Context, p *store.PluginInstance) error {
	d.unwatch(p.ID)
	p.GatewayURL = ""
	p.GatewayHealthPath = ""
	return nil
}

// CheckHealth probes the service once.
func (d *Driver) CheckHealth(ctx context.Context, p *store.PluginInstance) (store.HealthStatus, error) {
	if err := d.Probe(ctx, p); err != nil {
		return store.HealthUnhealthy, nil
	}
	return store.HealthHealthy, nil
}

// Probe issues one GET against the health path with the manifest
// timeout.
func (d *Driver) Probe(ctx context.Context, p *store.PluginInstance) error {
	timeout := 30 * time.Second
	if gw := p.Manifest.Gateway; gw != nil && gw.TimeoutMS > 0 {
		timeout = time.Duration(gw.TimeoutMS) * time.Millisecond
	}
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	target := p.GatewayURL + p.GatewayHealthPath
	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("invalid health check URL %q: %w", target, err)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed for %s: %w", target, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("health check for %s returned %d", target, resp.StatusCode)
	}
	return nil
}

func (d *Driver) watch(p *store.PluginInstance) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.watched[p.ID] = p.Clone()
}

func (d *Driver) unwatch(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.watched, id)
}

// TickNow triggers one health round without waiting for the timer.
func (d *Driver) TickNow() {
	select {
	case d.tick <- struct{}{}:
	default:
	}
}

// RunHealthLoop re-probes watched gateways every interval. Health flips
// are reported to the sink; the loop never stops a plugin the operator
// stopped.
func (d *Driver) RunHealthLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-d.tick:
		}
		d.healthRound(ctx)
	}
}

func (d *Driver) healthRound(ctx context.Context) {
	d.mu.Lock()
	snapshot := make([]*store.PluginInstance, 0, len(d.watched))
	for _, p := range d.watched {
		snapshot = append(snapshot, p)
	}
	d.mu.Unlock()

	for _, p := range snapshot {
		err := d.Probe(ctx, p)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			d.log.Debug().Str("plugin", p.ForgehookID).Err(err).Msg("gateway probe failed")
			if d.sink != nil {
				d.sink.OnRuntimeStateChange(p.ID, store.StatusStopped, store.HealthUnhealthy, err.Error())
			}
			continue
		}
		if d.sink != nil {
			d.sink.OnRuntimeStateChange(p.ID, store.StatusRunning, store.HealthHealthy, "")
		}
	}
}
