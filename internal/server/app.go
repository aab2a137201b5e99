// Package server wires the sync server together: it opens the configured
// storage backend, starts the namespace actors behind the websocket
// endpoint, exposes metrics and health checks, and runs the replication
// service that forwards changes between instances.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/dmitrijs2005/gophsync/internal/logging"
	"github.com/dmitrijs2005/gophsync/internal/protocol"
	"github.com/dmitrijs2005/gophsync/internal/server/actor"
	"github.com/dmitrijs2005/gophsync/internal/server/auth"
	"github.com/dmitrijs2005/gophsync/internal/server/config"
	"github.com/dmitrijs2005/gophsync/internal/server/replication"
	"github.com/dmitrijs2005/gophsync/internal/server/storage"
	"github.com/dmitrijs2005/gophsync/internal/server/ws"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	archiveQueue    = 1024
	shutdownTimeout = 10 * time.Second
)

type closer interface {
	Close() error
}

type App struct {
	config   *config.Config
	logger   logging.Logger
	registry *actor.Registry
	handler  http.Handler
	closers  []closer
}

// openBackend selects the storage backend named in c.
func openBackend(ctx context.Context, c *config.Config, logger logging.Logger) (storage.Backend, error) {
	switch c.Backend {
	case config.BackendMemory, "":
		return storage.NewMemory(), nil
	case config.BackendPostgres:
		return storage.OpenPostgres(ctx, c.DatabaseDSN, logger)
	case config.BackendBadger:
		return storage.OpenBadger(c.BadgerPath, logger)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", c.Backend)
	}
}

// openFanout builds the publisher for accepted changes. It returns nil when
// neither peers nor an archive are configured.
func openFanout(ctx context.Context, c *config.Config, logger logging.Logger) (actor.Fanout, []closer, error) {
	var (
		multi   replication.Multi
		closers []closer
	)

	if len(c.Peers) > 0 {
		peers, err := replication.DialPeers(c.Peers, c.InstanceID, c.SecretKey, logger)
		if err != nil {
			return nil, nil, err
		}
		multi = append(multi, peers)
		closers = append(closers, peers)
	}

	if c.S3Bucket != "" {
		archive, err := replication.NewS3Archive(ctx, replication.S3Config{
			Bucket:       c.S3Bucket,
			Region:       c.S3Region,
			BaseEndpoint: c.S3BaseEndpoint,
			AccessKey:    c.S3AccessKey,
			SecretKey:    c.S3SecretKey,
		}, logger)
		if err != nil {
			for _, cl := range closers {
				_ = cl.Close()
			}
			return nil, nil, err
		}
		async := replication.NewAsync(archive, archiveQueue, logger)
		multi = append(multi, async)
		closers = append(closers, async)
	}

	if len(multi) == 0 {
		return nil, nil, nil
	}
	return multi, closers, nil
}

func NewApp(ctx context.Context, c *config.Config, logger logging.Logger) (*App, error) {
	if logger == nil {
		logger = logging.Nop()
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	backend, err := openBackend(ctx, c, logger)
	if err != nil {
		return nil, fmt.Errorf("storage init error: %w", err)
	}

	fanout, closers, err := openFanout(ctx, c, logger)
	if err != nil {
		_ = backend.Close()
		return nil, fmt.Errorf("replication init error: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	var limiter actor.RateLimiter = actor.Unlimited{}
	if c.RateLimit > 0 {
		limiter = actor.NewTokenBucketLimiter(c.RateLimit, c.RateBurst)
	}

	registry := actor.NewRegistry(backend, actor.Options{
		RateLimiter:  limiter,
		Fanout:       fanout,
		Logger:       logger,
		Metrics:      actor.NewMetrics(reg),
		MaxFrameSize: c.MaxFrameSize,
	})

	secret := []byte(c.SecretKey)
	verify := func(token, namespace string) error {
		return auth.VerifySessionToken(token, namespace, secret)
	}

	mux := http.NewServeMux()
	mux.Handle("GET /sync", ws.NewHandler(registry, verify, c.MaxFrameSize, logger))
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	return &App{
		config:   c,
		logger:   logger.With("module", "app"),
		registry: registry,
		handler:  mux,
		closers:  closers,
	}, nil
}

// Handler returns the HTTP mux serving /sync, /metrics and /healthz.
func (app *App) Handler() http.Handler {
	return app.handler
}

// receive hands a change published by another instance to the local actor
// of its namespace. Without a running actor nobody here is subscribed.
func (app *App) receive(ctx context.Context, c protocol.Change) error {
	a, ok := app.registry.Lookup(c.Namespace)
	if !ok {
		return nil
	}
	if err := a.BroadcastExternal(ctx, c.Frames); err != nil && !errors.Is(err, actor.ErrStopped) {
		return err
	}
	return nil
}

func (app *App) initSignalHandler(cancelFunc context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		<-sigs
		cancelFunc()
	}()
}

func (app *App) startHTTPServer(ctx context.Context, cancelFunc context.CancelFunc) {
	srv := &http.Server{Addr: app.config.EndpointAddr, Handler: app.handler}

	go func() {
		<-ctx.Done()
		app.logger.Info(ctx, "Stopping HTTP server...")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()

	app.logger.Info(ctx, "Starting HTTP server", "address", app.config.EndpointAddr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		app.logger.Error(ctx, err.Error())
		cancelFunc()
	}
}

func (app *App) startReplicationServer(ctx context.Context, cancelFunc context.CancelFunc) {
	s := replication.NewServer(app.config.ReplicationAddr, app.logger, app.config.SecretKey, app.receive)
	if err := s.Run(ctx); err != nil {
		app.logger.Error(ctx, err.Error())
		cancelFunc()
	}
}

// Run serves until ctx is cancelled, a signal arrives or a listener fails,
// then stops the actors and releases the backend.
func (app *App) Run(ctx context.Context) {
	ctx, cancelFunc := context.WithCancel(ctx)
	defer cancelFunc()

	app.logger.Info(ctx, "Starting app...")

	app.initSignalHandler(cancelFunc)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		app.startHTTPServer(ctx, cancelFunc)
	}()

	if app.config.ReplicationAddr != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			app.startReplicationServer(ctx, cancelFunc)
		}()
	}

	wg.Wait()

	app.Close()
}

// Close stops the actors (flushing their stats), then the fanouts.
func (app *App) Close() {
	ctx := context.Background()
	if err := app.registry.Close(); err != nil {
		app.logger.Error(ctx, "closing storage", "error", err)
	}
	for _, c := range app.closers {
		if err := c.Close(); err != nil {
			app.logger.Error(ctx, "closing fanout", "error", err)
		}
	}
}
