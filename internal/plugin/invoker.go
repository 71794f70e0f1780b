package plugin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/forgehook/forgehook/internal/errdefs"
	"github.com/forgehook/forgehook/internal/manifest"
	"github.com/forgehook/forgehook/internal/metrics"
	"github.com/forgehook/forgehook/internal/runtime/embedded"
	"github.com/forgehook/forgehook/internal/runtime/gateway"
	"github.com/forgehook/forgehook/internal/store"
)

// InvokeRequest is one plugin function call.
type InvokeRequest struct {
	Function  string
	Input     map[string]interface{}
	Headers   http.Header
	RequestID string
	ClientIP  string
	// TimeoutMS bounds the downstream call; the manifest value still
	// caps gateway requests.
	TimeoutMS int
}

// InvokeResult is the normalized reply envelope.
type InvokeResult struct {
	Success       bool        `json:"success"`
	Result        interface{} `json:"result,omitempty"`
	Error         interface{} `json:"error,omitempty"`
	ExecutionTime int64       `json:"executionTime"`
	Runtime       string      `json:"runtime"`
}

// Invoker routes plugin function calls to the right substrate and
// normalizes replies.
type Invoker struct {
	store    store.Store
	embedded *embedded.Host
	gateway  *gateway.Driver
	metrics  *metrics.Metrics
	client   *http.Client
	log      zerolog.Logger
}

// NewInvoker wires the router. The HTTP client carries no global
// timeout; each call gets a per-request context deadline.
func NewInvoker(st store.Store, emb *embedded.Host, gw *gateway.Driver, met *metrics.Metrics, log zerolog.Logger) *Invoker {
	return &Invoker{
		store:    st,
		embedded: emb,
		gateway:  gw,
		metrics:  met,
		client:   &http.Client{},
		log:      log.With().Str("component", "invoker").Logger(),
	}
}

const defaultInvokeTimeout = 30 * time.Second

// Invoke resolves the plugin, matches the function against its declared
// endpoints and dispatches by runtime.
func (v *Invoker) Invoke(ctx context.Context, forgehookID string, req InvokeRequest) (*InvokeResult, error) {
	p, err := v.store.GetPluginByForgehookID(ctx, forgehookID)
	if err != nil {
		if store.IsNotFound(err) {
			return nil, errdefs.New(errdefs.CodePluginNotFound, "plugin %s is not installed", forgehookID)
		}
		return nil, err
	}
	if p.Status != store.StatusRunning {
		return nil, errdefs.New(errdefs.CodePluginNotRunning,
			"plugin %s is %s, not running", forgehookID, p.Status).
			WithDetail("status", string(p.Status))
	}

	endpoint, ok := p.Manifest.FindEndpoint(req.Function)
	if !ok && p.Runtime != manifest.RuntimeEmbedded {
		return nil, errdefs.New(errdefs.CodeFunctionNotFound,
			"plugin %s has no endpoint %s", forgehookID, req.Function).
			WithDetail("availableEndpoints", p.Manifest.EndpointPaths())
	}

	started := time.Now()
	var (
		result interface{}
		callErr error
	)
	switch p.Runtime {
	case manifest.RuntimeEmbedded:
		result, callErr = v.embedded.Invoke(ctx, p, req.Function, req.Input)
	case manifest.RuntimeContainer:
		result, callErr = v.invokeContainer(ctx, p, endpoint, req)
	case manifest.RuntimeGateway:
		result, callErr = v.invokeGateway(ctx, p, endpoint, req)
	default:
		callErr = errdefs.New(errdefs.CodeValidation, "unknown runtime %q", p.Runtime)
	}
	elapsed := time.Since(started)

	v.record(ctx, p, elapsed, callErr)

	if callErr != nil {
		// Failed invocations still report how long the call took.
		return nil, errdefs.AsError(callErr, errdefs.CodeExecutionError).
			WithDetail("executionTime", elapsed.Milliseconds())
	}
	return &InvokeResult{
		Success:       true,
		Result:        result,
		ExecutionTime: elapsed.Milliseconds(),
		Runtime:       string(p.Runtime),
	}, nil
}

// invokeContainer posts the input to the container's endpoint over the
// published host port.
func (v *Invoker) invokeContainer(ctx context.Context, p *store.PluginInstance, ep *manifest.Endpoint, req InvokeRequest) (interface{}, error) {
	timeout := defaultInvokeTimeout
	if req.TimeoutMS > 0 {
		timeout = time.Duration(req.TimeoutMS) * time.Millisecond
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	path := ep.Path
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	target := fmt.Sprintf("http://127.0.0.1:%d%s%s", p.HostPort, p.Manifest.BasePath, path)

	var body io.Reader
	if req.Input != nil {
		data, err := json.Marshal(req.Input)
		if err != nil {
			return nil, errdefs.Wrap(errdefs.CodeValidation, err, "invalid input payload")
		}
		body = bytes.NewReader(data)
	}

	method := ep.Method
	if method == "" {
		method = http.MethodPost
	}
	httpReq, err := http.NewRequestWithContext(callCtx, method, target, body)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.CodeContainerError, err,
			"failed to build request for %s", p.ForgehookID)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if req.RequestID != "" {
		httpReq.Header.Set("X-Request-ID", req.RequestID)
	}
	if req.ClientIP != "" {
		httpReq.Header.Set("X-Forwarded-For", req.ClientIP)
	}

	resp, err := v.client.Do(httpReq)
	if err != nil {
		if callCtx.Err() == context.DeadlineExceeded {
			return nil, errdefs.New(errdefs.CodeContainerUnavailable,
				"call to %s timed out after %s", p.ForgehookID, timeout)
		}
		return nil, errdefs.Wrap(errdefs.CodeContainerUnavailable, err,
			"plugin container %s is unreachable", p.ForgehookID)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, errdefs.Wrap(errdefs.CodeContainerError, err,
			"failed to read response from %s", p.ForgehookID)
	}

	var payload interface{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &payload); err != nil {
			payload = string(raw)
		}
	}
	if resp.StatusCode >= 400 {
		return nil, errdefs.New(errdefs.CodeContainerError,
			"plugin %s returned status %d", p.ForgehookID, resp.StatusCode).
			WithDetail("status", resp.StatusCode).
			WithDetail("response", payload)
	}
	return payload, nil
}

// invokeGateway forwards the call through the gateway driver.
func (v *Invoker) invokeGateway(ctx context.Context, p *store.PluginInstance, ep *manifest.Endpoint, req InvokeRequest) (interface{}, error) {
	var body io.Reader
	if req.Input != nil {
		data, err := json.Marshal(req.Input)
		if err != nil {
			return nil, errdefs.Wrap(errdefs.CodeValidation, err, "invalid input payload")
		}
		body = bytes.NewReader(data)
	}

	headers := req.Headers
	if headers == nil {
		headers = http.Header{}
	}
	if headers.Get("Content-Type") == "" && req.Input != nil {
		headers = headers.Clone()
		headers.Set("Content-Type", "application/json")
	}

	method := ep.Method
	if method == "" {
		method = http.MethodPost
	}
	var override time.Duration
	if req.TimeoutMS > 0 {
		override = time.Duration(req.TimeoutMS) * time.Millisecond
	}

	res, err := v.gateway.Forward(ctx, p, method, ep.Path, headers, body, override)
	if err != nil {
		return nil, err
	}
	if res.Status >= 400 {
		return nil, errdefs.New(errdefs.CodeGatewayError,
			"gateway service for %s returned status %d", p.ForgehookID, res.Status).
			WithDetail("status", res.Status).
			WithDetail("response", res.Body)
	}
	return res.Body, nil
}

// ProxyHandler returns the raw passthrough handler for a running
// plugin. Embedded plugins have no network surface to proxy to.
func (v *Invoker) ProxyHandler(ctx context.Context, forgehookID, prefix string) (http.Handler, error) {
	p, err := v.store.GetPluginByForgehookID(ctx, forgehookID)
	if err != nil {
		if store.IsNotFound(err) {
			return nil, errdefs.New(errdefs.CodePluginNotFound, "plugin %s is not installed", forgehookID)
		}
		return nil, err
	}
	if p.Status != store.StatusRunning {
		return nil, errdefs.New(errdefs.CodePluginNotRunning,
			"plugin %s is %s, not running", forgehookID, p.Status)
	}

	switch p.Runtime {
	case manifest.RuntimeGateway:
		return v.gateway.ProxyHandler(p, prefix)
	case manifest.RuntimeContainer:
		return v.containerProxy(p, prefix)
	default:
		return nil, errdefs.New(errdefs.CodeInvalidOperation,
			"embedded plugins cannot be proxied")
	}
}

// containerProxy forwards raw requests to the container's host port.
func (v *Invoker) containerProxy(p *store.PluginInstance, prefix string) (http.Handler, error) {
	target := fmt.Sprintf("http://127.0.0.1:%d", p.HostPort)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := strings.TrimPrefix(r.URL.Path, prefix)
		if !strings.HasPrefix(path, "/") {
			path = "/" + path
		}
		proxied, err := http.NewRequestWithContext(r.Context(), r.Method, target+path, r.Body)
		if err != nil {
			writeProxyError(w, "failed to build upstream request")
			return
		}
		for k, vals := range r.Header {
			if strings.EqualFold(k, "Host") {
				continue
			}
			for _, val := range vals {
				proxied.Header.Add(k, val)
			}
		}
		resp, err := v.client.Do(proxied)
		if err != nil {
			writeProxyError(w, "plugin container unreachable")
			return
		}
		defer resp.Body.Close()
		for k, vals := range resp.Header {
			for _, val := range vals {
				w.Header().Add(k, val)
			}
		}
		w.WriteHeader(resp.StatusCode)
		io.Copy(w, resp.Body)
	}), nil
}

func writeProxyError(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadGateway)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]interface{}{
			"code":    string(errdefs.CodeProxyError),
			"message": message,
		},
	})
}

// record updates durable and Prometheus invocation accounting.
func (v *Invoker) record(ctx context.Context, p *store.PluginInstance, elapsed time.Duration, callErr error) {
	if err := v.store.RecordInvocation(ctx, p.ID, elapsed.Milliseconds(), callErr == nil); err != nil {
		v.log.Warn().Err(err).Str("plugin", p.ForgehookID).Msg("failed to record invocation")
	}
	if v.metrics == nil {
		return
	}
	rt := string(p.Runtime)
	v.metrics.Invocations.WithLabelValues(p.ForgehookID, rt).Inc()
	v.metrics.InvocationTime.WithLabelValues(p.ForgehookID, rt).Observe(elapsed.Seconds())
	if callErr != nil {
		v.metrics.InvocationErrors.WithLabelValues(p.ForgehookID, rt, string(errdefs.CodeOf(callErr))).Inc()
	}
}

// Metrics returns the durable invocation counters for one plugin.
func (v *Invoker) Metrics(ctx context.Context, forgehookID string) (*store.InvocationMetric, error) {
	p, err := v.store.GetPluginByForgehookID(ctx, forgehookID)
	if err != nil {
		if store.IsNotFound(err) {
			return nil, errdefs.New(errdefs.CodePluginNotFound, "plugin %s is not installed", forgehookID)
		}
		return nil, err
	}
	return v.store.GetInvocationMetric(ctx, p.ID)
}
