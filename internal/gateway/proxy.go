package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/deploybay/engine/pkg/logger"
)

// maxReplayBytes bounds how much request body the proxy buffers to keep a
// request replayable for the single post-failure retry. Bigger bodies are
// streamed and get no second attempt.
const maxReplayBytes = 1 << 20

// hop-by-hop headers are stripped before forwarding.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// ProxyOptions tunes forwarding.
type ProxyOptions struct {
	ForwardTimeout time.Duration
}

// Proxy is the dispatcher's front door: it resolves the Host header to the
// tenant's current execution unit and streams the exchange through, adding
// only diagnostic headers. It holds no per-request state beyond the resolver
// caches.
type Proxy struct {
	resolver  *Resolver
	transport http.RoundTripper
	timeout   time.Duration
}

func NewProxy(resolver *Resolver, transport http.RoundTripper, opts ProxyOptions) *Proxy {
	if transport == nil {
		transport = http.DefaultTransport
	}
	if opts.ForwardTimeout <= 0 {
		opts.ForwardTimeout = 30 * time.Second
	}
	return &Proxy{resolver: resolver, transport: transport, timeout: opts.ForwardTimeout}
}

func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := r.Header.Get("X-Request-ID")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	w.Header().Set("X-Request-ID", requestID)

	log := logger.Named("dispatch").With(
		zap.String("request_id", requestID),
		zap.String("host", r.Host),
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
	)

	entry, err := p.resolver.ResolveHost(r.Context(), r.Host)
	if err != nil {
		p.writeResolutionError(w, log, err, "host")
		return
	}
	log = log.With(zap.String("project_id", entry.projectID.String()))

	route, err := p.resolver.ResolveRoute(r.Context(), entry, false)
	if err != nil {
		p.writeResolutionError(w, log, err, "route")
		return
	}

	// Buffer small bodies so a transport failure can be retried against a
	// freshly resolved route.
	var replay []byte
	replayable := true
	if r.Body != nil && r.Body != http.NoBody {
		if r.ContentLength >= 0 && r.ContentLength <= maxReplayBytes {
			replay, err = io.ReadAll(io.LimitReader(r.Body, maxReplayBytes+1))
			if err != nil {
				http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
				return
			}
			if int64(len(replay)) > maxReplayBytes {
				replayable = false
			}
		} else {
			replayable = false
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), p.timeout)
	defer cancel()

	resp, err := p.forward(ctx, r, route, replay, replayable)
	if err != nil {
		if !replayable {
			log.Warn("dispatch upstream failed, request not replayable", zap.Error(err))
			p.writeJSON(w, http.StatusBadGateway, "upstream unreachable")
			return
		}

		// One cache-bypassing re-resolution and retry: this self-heals the
		// window right after an activation swapped units underneath us.
		fresh, rerr := p.resolver.ResolveRoute(ctx, entry, true)
		if rerr != nil {
			p.writeResolutionError(w, log, rerr, "route")
			return
		}
		log.Info("dispatch retry against fresh route",
			zap.String("deployment_id", fresh.DeploymentID.String()))
		resp, err = p.forward(ctx, r, fresh, replay, replayable)
		if err != nil {
			log.Warn("dispatch retry failed", zap.Error(err))
			p.writeJSON(w, http.StatusBadGateway, "upstream unreachable")
			return
		}
		route = fresh
	}
	defer resp.Body.Close()

	for _, h := range hopHeaders {
		resp.Header.Del(h)
	}
	for k, vv := range resp.Header {
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	w.Header().Set("X-Deploybay-Deployment", route.DeploymentID.String())
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)

	log.Info("dispatch",
		zap.String("deployment_id", route.DeploymentID.String()),
		zap.Int("status", resp.StatusCode),
	)
}

func (p *Proxy) forward(ctx context.Context, r *http.Request, route Route, replay []byte, buffered bool) (*http.Response, error) {
	target := strings.TrimSuffix(route.Endpoint, "/") + r.URL.RequestURI()
	var body io.Reader
	if buffered {
		body = bytes.NewReader(replay)
	} else {
		// Anything already pulled into the replay buffer goes first.
		body = io.MultiReader(bytes.NewReader(replay), r.Body)
	}

	out, err := http.NewRequestWithContext(ctx, r.Method, target, body)
	if err != nil {
		return nil, err
	}
	out.Header = r.Header.Clone()
	for _, h := range hopHeaders {
		out.Header.Del(h)
	}
	out.Header.Set("X-Forwarded-Host", r.Host)
	out.Header.Set("X-Forwarded-Proto", forwardedProto(r))
	if r.RemoteAddr != "" {
		out.Header.Set("X-Forwarded-For", r.RemoteAddr)
	}

	return p.transport.RoundTrip(out)
}

func forwardedProto(r *http.Request) string {
	if r.TLS != nil {
		return "https"
	}
	return "http"
}

func (p *Proxy) writeResolutionError(w http.ResponseWriter, log *zap.Logger, err error, stage string) {
	switch {
	case errors.Is(err, ErrHostNotBound):
		log.Info("dispatch unresolved hostname")
		p.writeJSON(w, http.StatusNotFound, "unknown domain")
	case errors.Is(err, ErrNotDeployed):
		log.Info("dispatch target not deployed")
		p.writeJSON(w, http.StatusServiceUnavailable, "not deployed")
	default:
		log.Warn("dispatch resolution unavailable", zap.String("stage", stage), zap.Error(err))
		p.writeJSON(w, http.StatusServiceUnavailable, "temporarily unavailable")
	}
}

func (p *Proxy) writeJSON(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
