package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"github.com/forgehook/forgehook/internal/errdefs"
	"github.com/forgehook/forgehook/internal/manifest"
	"github.com/forgehook/forgehook/internal/store"
)

// Result is the classified reply from a forwarded gateway call.
type Result struct {
	Status      int
	ContentType string
	// Body is a decoded JSON value, a string for text types, or a
	// base64 string for anything else.
	Body interface{}
}

// hop-by-hop headers are never forwarded in either direction.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Forward sends one request to the gateway service and classifies the
// reply. The per-request timeout is the caller's override bounded by
// the manifest value.
func (d *Driver) Forward(ctx context.Context, p *store.PluginInstance, method, path string, callerHeaders http.Header, body io.Reader, timeoutOverride time.Duration) (*Result, error) {
	gw := p.Manifest.Gateway
	timeout := 30 * time.Second
	if gw != nil && gw.TimeoutMS > 0 {
		timeout = time.Duration(gw.TimeoutMS) * time.Millisecond
	}
	if timeoutOverride > 0 && timeoutOverride < timeout {
		timeout = timeoutOverride
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	target := p.GatewayURL + "/" + strings.TrimPrefix(path, "/")
	req, err := http.NewRequestWithContext(reqCtx, method, target, body)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.CodeGatewayError, err,
			"failed to build gateway request for %s", p.ForgehookID)
	}
	mergeHeaders(req.Header, gw, callerHeaders)

	resp, err := d.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || reqCtx.Err() == context.DeadlineExceeded {
			return nil, errdefs.New(errdefs.CodeGatewayTimeout,
				"gateway request to %s timed out after %s", p.ForgehookID, timeout)
		}
		return nil, errdefs.Wrap(errdefs.CodeGatewayUnavailable, err,
			"gateway service for %s is unreachable", p.ForgehookID)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, errdefs.Wrap(errdefs.CodeGatewayError, err,
			"failed to read gateway response from %s", p.ForgehookID)
	}
	return classify(resp.StatusCode, resp.Header.Get("Content-Type"), raw), nil
}

// classify decodes the body by content type: json is decoded, text is
// passed as a string, anything else is base64 encoded.
func classify(status int, contentType string, raw []byte) *Result {
	r := &Result{Status: status, ContentType: contentType}
	switch {
	case strings.Contains(contentType, "application/json"):
		var v interface{}
		if err := json.Unmarshal(raw, &v); err == nil {
			r.Body = v
		} else {
			r.Body = string(raw)
		}
	case strings.HasPrefix(contentType, "text/"):
		r.Body = string(raw)
	case len(raw) == 0:
		r.Body = nil
	default:
		r.Body = base64.StdEncoding.EncodeToString(raw)
	}
	return r
}

// mergeHeaders overlays manifest-declared headers with the caller's.
// The caller wins on conflicts except for Host, which always follows
// the target service.
func mergeHeaders(dst http.Header, gw *manifest.GatewayConfig, caller http.Header) {
	if gw != nil {
		for k, v := range gw.Headers {
			dst.Set(k, v)
		}
	}
	for k, vals := range caller {
		if isHopHeader(k) || strings.EqualFold(k, "Host") {
			continue
		}
		dst.Del(k)
		for _, v := range vals {
			dst.Add(k, v)
		}
	}
}

func isHopHeader(name string) bool {
	for _, h := range hopHeaders {
		if strings.EqualFold(h, name) {
			return true
		}
	}
	return false
}

// ProxyHandler returns a raw reverse proxy to the gateway service,
// used by the /proxy/* passthrough. prefix is stripped from incoming
// paths when the manifest asks for it.
func (d *Driver) ProxyHandler(p *store.PluginInstance, prefix string) (http.Handler, error) {
	target, err := url.Parse(p.GatewayURL)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.CodeGatewayError, err,
			"gateway URL for %s is invalid", p.ForgehookID)
	}
	gw := p.Manifest.Gateway

	proxy := httputil.NewSingleHostReverseProxy(target)
	baseDirector := proxy.Director
	proxy.Director = func(req *http.Request) {
		baseDirector(req)
		if gw != nil && gw.StripPrefix && prefix != "" {
			req.URL.Path = strings.TrimPrefix(req.URL.Path, prefix)
			if !strings.HasPrefix(req.URL.Path, "/") {
				req.URL.Path = "/" + req.URL.Path
			}
		}
		if gw != nil {
			for k, v := range gw.Headers {
				if req.Header.Get(k) == "" {
					req.Header.Set(k, v)
				}
			}
		}
		req.Host = target.Host
	}
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		d.log.Warn().Str("plugin", p.ForgehookID).Err(err).Msg("gateway proxy error")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadGateway)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"error": map[string]interface{}{
				"code":    string(errdefs.CodeProxyError),
				"message": "gateway service unreachable",
			},
		})
	}
	return proxy, nil
}
