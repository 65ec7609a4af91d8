// Package server wires the webhook processors, the edge relay, health and
// metrics endpoints into HTTP servers.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/netip"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/tribebuild/tribehooks/internal/logging"
	"github.com/tribebuild/tribehooks/pkg/billing"
	"github.com/tribebuild/tribehooks/pkg/relay"
)

const (
	readTimeout     = 15 * time.Second
	writeTimeout    = 30 * time.Second
	idleTimeout     = 60 * time.Second
	shutdownTimeout = 10 * time.Second
	healthTimeout   = 2 * time.Second
)

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context) error

// Ping implements Pinger.
func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

// Config lists the handlers mounted on the public router. Nil entries are
// not mounted.
type Config struct {
	Hotmart billing.Provider
	Stripe  billing.Provider
	Relay   http.Handler

	// Checks are consulted by GET /healthz
	Checks map[string]Pinger

	// TrustedProxies are the peers whose forwarding headers set the client
	// address. Forwarding headers from any other peer are ignored.
	TrustedProxies []netip.Prefix

	Logger zerolog.Logger
}

// NewRouter builds the public router:
//
//	POST /webhooks/hotmart
//	POST /webhooks/stripe
//	POST|OPTIONS /relay/{name}
//	GET /healthz
func NewRouter(cfg Config) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(TrustedRealIP(cfg.TrustedProxies))
	r.Use(logging.AccessLog(cfg.Logger))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", healthHandler(cfg.Checks))

	r.Route("/webhooks", func(r chi.Router) {
		r.Use(relay.CORS)
		for _, p := range []billing.Provider{cfg.Hotmart, cfg.Stripe} {
			if p == nil {
				continue
			}
			r.Handle("/"+p.Name(), p.WebhookHandler())
		}
	})

	if cfg.Relay != nil {
		r.Mount("/relay", cfg.Relay)
	}

	return r
}

// TrustedRealIP applies middleware.RealIP only to requests whose direct peer
// is inside one of the trusted prefixes.
func TrustedRealIP(trusted []netip.Prefix) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if len(trusted) == 0 {
			return next
		}
		withRealIP := middleware.RealIP(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if peerTrusted(r.RemoteAddr, trusted) {
				withRealIP.ServeHTTP(w, r)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func peerTrusted(remoteAddr string, trusted []netip.Prefix) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, prefix := range trusted {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

// NewMetricsRouter serves GET /metrics from gatherer.
func NewMetricsRouter(gatherer prometheus.Gatherer) http.Handler {
	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	return r
}

// NewHTTPServer returns an http.Server with the service timeouts.
func NewHTTPServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadTimeout:       readTimeout,
		ReadHeaderTimeout: readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
	}
}

// Run serves every server until ctx is canceled or one of them fails, then
// shuts all of them down gracefully.
func Run(ctx context.Context, logger zerolog.Logger, servers ...*http.Server) error {
	g, gctx := errgroup.WithContext(ctx)

	for _, srv := range servers {
		g.Go(func() error {
			logger.Info().Str("addr", srv.Addr).Msg("http server listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		var errs []error
		for _, srv := range servers {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				errs = append(errs, err)
			}
		}
		logger.Info().Msg("http servers stopped")
		return errors.Join(errs...)
	})

	return g.Wait()
}

type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

func healthHandler(checks map[string]Pinger) http.HandlerFunc {
	names := make([]string, 0, len(checks))
	for name := range checks {
		names = append(names, name)
	}
	sort.Strings(names)

	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
		defer cancel()

		resp := healthResponse{Status: "ok"}
		code := http.StatusOK
		for _, name := range names {
			if err := checks[name].Ping(ctx); err != nil {
				if resp.Checks == nil {
					resp.Checks = map[string]string{}
				}
				resp.Checks[name] = err.Error()
				resp.Status = "unavailable"
				code = http.StatusServiceUnavailable
			}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(resp)
	}
}
