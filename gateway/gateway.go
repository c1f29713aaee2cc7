package gateway

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/revoagent/fabric/core"
	"github.com/revoagent/fabric/kv"
)

// integration bundles one registered IntegrationConfig with its live
// rate limiter, circuit breaker, and metrics.
type integration struct {
	cfg     IntegrationConfig
	limiter *limiter
	breaker *circuitBreaker

	mu      sync.Mutex
	metrics IntegrationMetrics
}

// Gateway is the public contract for C6, matching spec §4.5.
type Gateway struct {
	mu           sync.RWMutex
	integrations map[string]*integration
	cache        *responseCache
	client       *http.Client
	logger       core.Logger
	telemetry    core.Telemetry
}

// NewGateway constructs a Gateway backed by store for response caching
// and logger for structured diagnostics. The outbound client is wrapped
// with otelhttp so every call to an integration carries a span even
// before SetTelemetry installs a real tracer — the teacher's own
// otelhttp-wrapped client does the same, exporting to a no-op provider
// until one is configured.
func NewGateway(store kv.Store, logger core.Logger) *Gateway {
	if logger == nil {
		logger = core.NewProductionLogger(core.DefaultLoggingConfig(), "gateway")
	}
	return &Gateway{
		integrations: make(map[string]*integration),
		cache:        newResponseCache(store),
		client:       &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
		logger:       logger,
		telemetry:    &core.NoOpTelemetry{},
	}
}

// SetTelemetry installs a real Telemetry implementation (e.g. one built
// by core.NewOtelProvider). Safe to call before or after integrations
// are registered.
func (g *Gateway) SetTelemetry(t core.Telemetry) {
	if t == nil {
		t = &core.NoOpTelemetry{}
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.telemetry = t
}

// RegisterIntegration records cfg and (re)initializes its rate limiter
// and circuit breaker.
func (g *Gateway) RegisterIntegration(cfg IntegrationConfig) error {
	if cfg.Kind == "" {
		return core.NewFrameworkError("gateway.RegisterIntegration", "gateway", core.ErrInvalidConfiguration)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.integrations[cfg.Kind] = &integration{
		cfg:     cfg,
		limiter: newLimiter(cfg.RateLimit),
		breaker: newCircuitBreaker(cfg.CircuitBreaker),
	}
	return nil
}

func (g *Gateway) get(kind string) (*integration, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	in, ok := g.integrations[kind]
	if !ok {
		return nil, core.NewFrameworkError("gateway.MakeRequest", "gateway", core.ErrInvalidConfiguration)
	}
	return in, nil
}

// MakeRequest implements spec §4.5: cache lookup, rate limiting, circuit
// breaking, and retry around a single outbound HTTP call. The gateway
// never raises on a 4xx response — those come back as a normal Response.
func (g *Gateway) MakeRequest(ctx context.Context, kind string, req *Request) (*Response, error) {
	in, err := g.get(kind)
	if err != nil {
		return nil, err
	}

	g.mu.RLock()
	telemetry := g.telemetry
	g.mu.RUnlock()
	ctx, span := telemetry.StartSpan(ctx, "gateway.MakeRequest")
	span.SetAttribute("integration", kind)
	span.SetAttribute("http.method", req.Method)
	span.SetAttribute("http.path", req.Path)
	defer span.End()

	key := cacheKey(kind, req)
	if cached, ok := g.cache.get(ctx, key); ok {
		span.SetAttribute("cache.hit", true)
		return cached, nil
	}

	if err := in.limiter.acquireOrError(time.Now()); err != nil {
		span.RecordError(err)
		return nil, err
	}

	resp, err := g.doWithRetry(ctx, kind, in, req)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttribute("http.status_code", resp.StatusCode)

	if resp.StatusCode < 400 {
		ttl := req.TTL
		if ttl <= 0 {
			ttl = in.cfg.CacheTTL
		}
		if ttl > 0 {
			g.cache.put(ctx, key, resp, ttl)
		}
	}
	return resp, nil
}

func (g *Gateway) doWithRetry(ctx context.Context, kind string, in *integration, req *Request) (*Response, error) {
	attempts := maxAttempts(in.cfg.Retry)
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if !in.breaker.CanExecute() {
			return nil, core.NewFrameworkError("gateway.MakeRequest", "gateway", core.ErrCircuitOpen)
		}

		start := time.Now()
		resp, httpErr := g.doOnce(ctx, in, req)
		duration := time.Since(start)

		statusCode := 0
		if resp != nil {
			statusCode = resp.StatusCode
		}
		success := httpErr == nil && statusCode < 500
		in.breaker.record(success)
		g.recordMetrics(in, duration, httpErr == nil && statusCode < 400)

		if httpErr == nil && statusCode < 500 {
			return resp, nil
		}

		lastErr = httpErr
		if lastErr == nil {
			lastErr = core.NewFrameworkError("gateway.MakeRequest", "gateway", core.ErrUpstreamServerError)
		}
		if !shouldRetry(statusCode, httpErr) || attempt == attempts-1 {
			break
		}

		delay := retryDelay(in.cfg.Retry, attempt)
		if delay > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}
	}

	if httpTimeoutErr(lastErr) {
		return nil, core.NewFrameworkError("gateway.MakeRequest", "gateway", core.ErrTimeout)
	}
	return nil, core.NewFrameworkError("gateway.MakeRequest", "gateway", core.ErrUpstreamServerError)
}

func httpTimeoutErr(err error) bool {
	type timeouter interface{ Timeout() bool }
	te, ok := err.(timeouter)
	return ok && te.Timeout()
}

func (g *Gateway) doOnce(ctx context.Context, in *integration, req *Request) (*Response, error) {
	timeout := in.cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	u, err := url.Parse(in.cfg.BaseURL + req.Path)
	if err != nil {
		return nil, core.NewFrameworkError("gateway.MakeRequest", "gateway", core.ErrInvalidConfiguration)
	}
	q := u.Query()
	for k, v := range req.Query {
		q.Set(k, v)
	}
	u.RawQuery = q.Encode()

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(callCtx, req.Method, u.String(), body)
	if err != nil {
		return nil, err
	}
	for k, v := range in.cfg.AuthHeaders {
		httpReq.Header.Set(k, v)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	start := time.Now()
	httpResp, err := g.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, err
	}
	return &Response{
		StatusCode: httpResp.StatusCode,
		Headers:    httpResp.Header,
		Body:       data,
		Duration:   time.Since(start),
	}, nil
}

func (g *Gateway) recordMetrics(in *integration, duration time.Duration, success bool) {
	in.mu.Lock()
	defer in.mu.Unlock()

	in.metrics.TotalRequests++
	if success {
		in.metrics.TotalSuccesses++
	} else {
		in.metrics.TotalErrors++
	}
	in.metrics.TotalDuration += duration
	in.metrics.AverageResponseTime = in.metrics.TotalDuration / time.Duration(in.metrics.TotalRequests)
	if in.metrics.TotalRequests > 0 {
		in.metrics.ErrorRate = float64(in.metrics.TotalErrors) / float64(in.metrics.TotalRequests)
	}
	in.metrics.TokensRemaining = in.limiter.tokensRemaining()
	in.metrics.CircuitState = in.breaker.GetState()
}

// GetIntegrationHealth returns the structured metrics snapshot for one
// integration.
func (g *Gateway) GetIntegrationHealth(kind string) (IntegrationMetrics, error) {
	in, err := g.get(kind)
	if err != nil {
		return IntegrationMetrics{}, err
	}
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.metrics, nil
}

// GetSystemHealth snapshots every registered integration.
func (g *Gateway) GetSystemHealth() map[string]IntegrationMetrics {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make(map[string]IntegrationMetrics, len(g.integrations))
	for kind, in := range g.integrations {
		in.mu.Lock()
		out[kind] = in.metrics
		in.mu.Unlock()
	}
	return out
}
