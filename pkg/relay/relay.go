// Package relay forwards public webhook deliveries to upstream processors.
// Each named route relays the raw request body unchanged and returns the
// upstream status and body verbatim.
package relay

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tribebuild/tribehooks/pkg/access"
	"github.com/tribebuild/tribehooks/pkg/billing"
)

const (
	// DefaultTimeout bounds a single upstream call
	DefaultTimeout = 15 * time.Second

	// DefaultBodyLimit caps relayed payloads
	DefaultBodyLimit = 1 << 20

	metricsProvider = "relay"
)

// forwardedHeaders are the provider authentication headers copied upstream.
var forwardedHeaders = []string{"Stripe-Signature", "X-HOTMART-HOTTOK"}

// DefaultRouteNames are the routes served when no explicit routes are configured.
var DefaultRouteNames = []string{"hotmart", "kiwify", "stripe"}

// DefaultRoutes maps every default route name to "<base>/<name>-webhook".
func DefaultRoutes(base string) map[string]string {
	base = strings.TrimRight(base, "/")
	routes := make(map[string]string, len(DefaultRouteNames))
	for _, name := range DefaultRouteNames {
		routes[name] = base + "/" + name + "-webhook"
	}
	return routes
}

// Config configures a Relay.
type Config struct {
	// Routes maps route names to upstream URLs (required)
	Routes map[string]string

	// Timeout for upstream calls (default 15s); ignored when HTTPClient is set
	Timeout time.Duration

	// HTTPClient overrides the outbound client
	HTTPClient *http.Client

	// BodyLimit caps the relayed body size (default 1MB)
	BodyLimit int64

	Metrics billing.Metrics
	Logger  access.Logger
}

// Relay is an http.Handler serving POST|OPTIONS /{name}.
type Relay struct {
	routes    map[string]string
	client    *http.Client
	bodyLimit int64
	metrics   billing.Metrics
	logger    access.Logger
	router    chi.Router
}

// New creates a Relay.
func New(config Config) (*Relay, error) {
	if len(config.Routes) == 0 {
		return nil, errors.New("relay: at least one route is required")
	}
	routes := make(map[string]string, len(config.Routes))
	for name, upstream := range config.Routes {
		u, err := url.Parse(upstream)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return nil, fmt.Errorf("relay: invalid upstream for route %q: %s", name, upstream)
		}
		routes[name] = upstream
	}

	client := config.HTTPClient
	if client == nil {
		timeout := config.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		client = &http.Client{Timeout: timeout}
	}
	if config.BodyLimit <= 0 {
		config.BodyLimit = DefaultBodyLimit
	}
	if config.Metrics == nil {
		config.Metrics = &billing.NoopMetrics{}
	}
	if config.Logger == nil {
		config.Logger = &access.NoopLogger{}
	}

	r := &Relay{
		routes:    routes,
		client:    client,
		bodyLimit: config.BodyLimit,
		metrics:   config.Metrics,
		logger:    config.Logger,
	}

	router := chi.NewRouter()
	router.Use(CORS)
	router.Post("/{name}", r.forward)
	router.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "Method Not Allowed"})
	})
	router.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "Unknown relay route"})
	})
	r.router = router

	return r, nil
}

// Routes returns a copy of the configured routes.
func (r *Relay) Routes() map[string]string {
	out := make(map[string]string, len(r.routes))
	for k, v := range r.routes {
		out[k] = v
	}
	return out
}

// ServeHTTP implements http.Handler.
func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.router.ServeHTTP(w, req)
}

func (r *Relay) forward(w http.ResponseWriter, req *http.Request) {
	name := chi.URLParam(req, "name")
	upstream, ok := r.routes[name]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "Unknown relay route"})
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, req.Body, r.bodyLimit))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "Payload too large"})
			return
		}
		r.fail(w, name, fmt.Errorf("failed to read request body: %w", err))
		return
	}

	out, err := http.NewRequestWithContext(req.Context(), http.MethodPost, upstream, bytes.NewReader(body))
	if err != nil {
		r.fail(w, name, err)
		return
	}
	out.Header.Set("Content-Type", "application/json")
	for _, h := range forwardedHeaders {
		if v := req.Header.Get(h); v != "" {
			out.Header.Set(h, v)
		}
	}

	start := time.Now()
	resp, err := r.client.Do(out)
	r.metrics.RecordAPICallDuration(metricsProvider, name, time.Since(start))
	if err != nil {
		r.fail(w, name, err)
		return
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		r.fail(w, name, fmt.Errorf("failed to read upstream response: %w", err))
		return
	}

	r.metrics.RecordAPICall(metricsProvider, name, strconv.Itoa(resp.StatusCode))
	r.logger.Info("webhook relayed", access.F("route", name), access.F("status", resp.StatusCode))

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(data)
}

func (r *Relay) fail(w http.ResponseWriter, name string, err error) {
	r.metrics.RecordAPICall(metricsProvider, name, "error")
	r.logger.Error("relay failed", access.F("route", name), access.F("error", err))
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Proxy error"})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
