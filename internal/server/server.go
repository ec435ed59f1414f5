package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/ducksearch-labs/ducksearch/internal/cache"
	"github.com/ducksearch-labs/ducksearch/internal/config"
	"github.com/ducksearch-labs/ducksearch/internal/registry"
)

// Server hosts the HTTP surface over one ducksearch root.
type Server struct {
	cfg        *config.Config
	layout     *config.Layout
	dispatcher *Dispatcher
	cache      *cache.Cache
	registry   *registry.Registry
	metrics    *Metrics
	promReg    *prometheus.Registry
	log        *slog.Logger
}

// Options assembles a Server.
type Options struct {
	Config     *config.Config
	Layout     *config.Layout
	Dispatcher *Dispatcher
	Cache      *cache.Cache
	Registry   *registry.Registry
	Metrics    *Metrics
	PromReg    *prometheus.Registry
	Logger     *slog.Logger
}

// New creates the server.
func New(opts Options) *Server {
	return &Server{
		cfg:        opts.Config,
		layout:     opts.Layout,
		dispatcher: opts.Dispatcher,
		cache:      opts.Cache,
		registry:   opts.Registry,
		metrics:    opts.Metrics,
		promReg:    opts.PromReg,
		log:        opts.Logger,
	}
}

// Serve runs until ctx is cancelled: HTTP listener, cache sweeper, and in
// dev mode the report poller plus a config-file watcher.
func (s *Server) Serve(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.Server.Host, fmt.Sprintf("%d", s.cfg.Server.Port))
	s.log.Info("ducksearch serving", "addr", addr, "root", s.layout.Root, "dev", s.cfg.Server.Dev)

	eg, egctx := errgroup.WithContext(ctx)

	srv := &http.Server{
		Addr:    addr,
		Handler: s.routes(),
		BaseContext: func(_ net.Listener) context.Context {
			return egctx
		},
		ReadHeaderTimeout: 10 * time.Second,
	}

	eg.Go(func() error {
		s.cache.Sweep(egctx)
		return nil
	})

	if s.cfg.Server.Dev {
		eg.Go(func() error {
			s.registry.Watch(egctx)
			return nil
		})
		eg.Go(func() error {
			return s.watchConfig(egctx)
		})
	}

	eg.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	eg.Go(func() error {
		<-egctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.log.Debug("shutting down")
		return srv.Shutdown(shutdownCtx)
	})

	return eg.Wait()
}

func (s *Server) routes() http.Handler {
	r := chi.NewMux()
	r.Use(
		middleware.Recoverer,
		middleware.Compress(5),
		s.countRequests,
	)

	r.Get("/report", s.handleReport)
	r.Get("/cache/{kind}/{file}", s.handleCache)
	r.Get("/fs/{jail}/*", s.handleFilestore)
	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.promReg, promhttp.HandlerOpts{}))
	return r
}

func (s *Server) countRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, req.ProtoMajor)
		next.ServeHTTP(ww, req)
		if s.metrics != nil {
			route := chi.RouteContext(req.Context()).RoutePattern()
			status := fmt.Sprintf("%dxx", ww.Status()/100)
			s.metrics.Requests.WithLabelValues(route, status).Inc()
		}
	})
}

// watchConfig flags config.toml edits in dev mode. Constants and limits
// bake into fingerprints, so changes take effect on restart, not live.
func (s *Server) watchConfig(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = watcher.Close() }()

	if err := watcher.Add(s.layout.ConfigFile); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op.Has(fsnotify.Write) || ev.Op.Has(fsnotify.Create) {
				s.log.Warn("config.toml changed; restart to apply", "event", ev.Op.String())
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.log.Warn("config watch error", "error", err)
		}
	}
}
