package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tracklore/gateway/internal/config"
	"github.com/tracklore/gateway/internal/credential"
	"github.com/tracklore/gateway/internal/health"
	"github.com/tracklore/gateway/internal/logging"
	"github.com/tracklore/gateway/internal/metrics"
	"github.com/tracklore/gateway/internal/mw"
	"github.com/tracklore/gateway/internal/proxy"
	"github.com/tracklore/gateway/internal/registry"
	"github.com/tracklore/gateway/internal/wsbridge"
)

func buildVersion() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "unknown"
	}
	return info.Main.Version
}

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", os.Getenv("CONFIG_PATH"), "path to yaml config")
	flag.Parse()
	if configPath == "" {
		configPath = "./config/config.example.yaml"
	}

	log := logging.New()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	reg, err := registry.New(cfg.Services, cfg.BreakerFailureThreshold, time.Duration(cfg.BreakerTimeout*float64(time.Second)))
	if err != nil {
		log.Error("failed to build registry", slog.String("error", err.Error()))
		os.Exit(1)
	}

	verifier := credential.New(cfg.JWTSecretKey)
	table := proxy.NewDefaultTable()

	transport := proxy.NewTransport(proxy.TransportConfig{
		ConnectTimeout:    time.Duration(cfg.ConnectTimeout * float64(time.Second)),
		MaxConnectionPool: cfg.MaxConnectionPoolSize,
		MaxKeepaliveConns: cfg.MaxKeepaliveConns,
		KeepaliveExpiry:   time.Duration(cfg.KeepaliveExpiry * float64(time.Second)),
	})
	client := proxy.NewClient(transport, time.Duration(cfg.RequestTimeout*float64(time.Second)))
	engine := proxy.NewEngine(client, cfg.MaxRequestSize)

	bridge := wsbridge.New(verifier, reg, log)

	promReg := prometheus.NewRegistry()
	m := metrics.New(promReg)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
	mux.Handle("/health", health.Handler(reg, buildVersion()))
	mux.Handle("/", gatewayHandler(table, engine, reg, bridge, verifier))

	var h http.Handler = mux
	h = metrics.Instrument(m, h)
	h = mw.AccessLog(log, h)
	h = tagService(table, h)
	h = mw.RequestID(h)
	h = mw.Recover(h)
	h = mw.CORS(cfg.AllowedOrigins, h)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go observeBreakersPeriodically(m, reg)

	go func() {
		log.Info("gateway listening", slog.String("addr", cfg.ListenAddr), slog.String("app", cfg.AppName))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", slog.String("error", err.Error()))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
	transport.CloseIdleConnections()
	log.Info("shutdown complete")
}

// observeBreakersPeriodically keeps the breaker-state gauge fresh for
// scrapers; breaker transitions happen off the request path that would
// otherwise update it.
func observeBreakersPeriodically(m *metrics.Metrics, reg *registry.Registry) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		metrics.ObserveBreakers(m, reg)
	}
}

// tagService gives the outer logging/metrics middleware a service label to
// report. It runs a best-effort match ahead of gatewayHandler's own
// authoritative one: context set by a handler is invisible to the
// middleware that called it, only to the handlers that handler calls in
// turn, so the label has to be attached before AccessLog and Instrument
// run rather than from within the dispatcher they wrap.
func tagService(table *proxy.Table, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if route, matched := table.Match(r.Method, r.URL.Path); matched && route != nil {
			r = metrics.WithService(r, route.Service)
		}
		next.ServeHTTP(w, r)
	})
}

// gatewayHandler implements the route-table driven dispatch of
// spec.md §2's data flow: match -> (auth | public) -> proxy engine, with
// the WebSocket bridge diverging at match.
func gatewayHandler(table *proxy.Table, engine *proxy.Engine, reg *registry.Registry, bridge *wsbridge.Bridge, verifier *credential.Verifier) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route, matched := table.Match(r.Method, r.URL.Path)
		if !matched || route == nil {
			http.NotFound(w, r)
			return
		}

		rWithService := metrics.WithService(r, route.Service)

		if route.Auth == proxy.Upgrade {
			conversationID := strings.TrimPrefix(r.URL.Path, "/api/v1/messaging/ws/")
			bridge.Handler(w, rWithService, conversationID)
			return
		}

		entry := reg.Lookup(route.Service)
		if entry == nil {
			http.NotFound(w, r)
			return
		}

		downstreamPath := route.Rewrite(r.URL.Path)

		if route.Auth == proxy.Authed {
			mw.RequireAuth(verifier, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				engine.Forward(w, r, entry, downstreamPath)
			})).ServeHTTP(w, rWithService)
			return
		}

		engine.Forward(w, rWithService, entry, downstreamPath)
	})
}
