package application

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/eugenenazirov/dashconf/internal/api"
	"github.com/eugenenazirov/dashconf/internal/cache"
	"github.com/eugenenazirov/dashconf/internal/config"
	"github.com/eugenenazirov/dashconf/internal/mail"
	"github.com/eugenenazirov/dashconf/internal/oauth"
	"github.com/eugenenazirov/dashconf/internal/taskqueue"
)

// TaskSendEmailReport delivers a rendered report by email.
const TaskSendEmailReport = "email_reports.send"

// App encapsulates the application dependencies and HTTP server.
type App struct {
	cfg     config.Config
	logger  *zap.Logger
	caches  *cache.Registry
	broker  *taskqueue.Broker
	results *taskqueue.ResultStore
	worker  *taskqueue.Worker
	beat    *taskqueue.Beat
	mailer  *mail.Mailer
	handler *api.Handler
	router  http.Handler
	server  *http.Server

	listener   net.Listener
	stopWorker context.CancelFunc
	workerDone chan struct{}
}

// New initializes the application with all dependencies from the provided
// configuration. No backend is contacted until Start or Ping.
func New(cfg config.Config, logger *zap.Logger) (*App, error) {
	a := &App{cfg: cfg, logger: logger}

	var err error
	defer func() {
		if err != nil {
			_ = a.closeBackends()
		}
	}()

	if a.caches, err = cache.NewRegistry(cfg); err != nil {
		return nil, fmt.Errorf("failed to build caches: %w", err)
	}

	if a.broker, err = taskqueue.DialBroker(cfg.TaskQueue.BrokerURL, cfg.TaskQueue.Queue); err != nil {
		return nil, fmt.Errorf("failed to configure broker: %w", err)
	}

	if a.results, err = taskqueue.DialResultStore(cfg.TaskQueue.ResultBackend, cfg.TaskQueue.ResultTTL); err != nil {
		return nil, fmt.Errorf("failed to configure result backend: %w", err)
	}

	a.mailer = mail.New(cfg.Email, logger.Named("mail"))

	if a.worker, err = taskqueue.NewWorker(cfg.TaskQueue, a.broker, logger.Named("worker"), taskqueue.WithResultStore(a.results)); err != nil {
		return nil, fmt.Errorf("failed to build worker: %w", err)
	}
	a.registerTasks()

	if a.beat, err = taskqueue.NewBeat(cfg.TaskQueue.BeatSchedule, a.broker, logger.Named("beat")); err != nil {
		return nil, fmt.Errorf("failed to build scheduler: %w", err)
	}

	opts := []api.HandlerOption{
		api.WithCaches(a.caches),
		api.WithScheduler(a.beat),
		api.WithResults(a.results),
	}
	for name, p := range oauth.Providers(cfg.Auth, callbackURL(cfg.PublicURL)) {
		opts = append(opts, api.WithLoginProvider(name, p))
		logger.Info("oauth provider enabled", zap.String("provider", name))
	}

	a.handler = api.NewHandler(cfg, opts...)
	a.router = api.NewRouter(a.handler, logger,
		api.WithLogging(cfg.EnableRequestLogging),
		api.WithRateLimit(cfg.RateLimitRPS, cfg.RateLimitBurst),
	)
	a.server = NewServer(cfg, a.router)

	return a, nil
}

// registerTasks binds the email task to the mailer and gives every other
// scheduled task a heartbeat handler that stamps the default cache.
func (a *App) registerTasks() {
	a.worker.Register(TaskSendEmailReport, a.mailer.HandleReport)

	defaultCache, _ := a.caches.Get(config.CacheDefault)
	tasks := make(map[string]struct{}, len(a.cfg.TaskQueue.BeatSchedule))
	for _, entry := range a.cfg.TaskQueue.BeatSchedule {
		if entry.Task != TaskSendEmailReport {
			tasks[entry.Task] = struct{}{}
		}
	}
	names := make([]string, 0, len(tasks))
	for task := range tasks {
		names = append(names, task)
	}
	sort.Strings(names)

	for _, task := range names {
		a.worker.Register(task, heartbeat(defaultCache, task))
	}
}

// HeartbeatKey is the default cache key stamped each time task runs.
func HeartbeatKey(task string) string {
	return "heartbeat:" + task
}

func heartbeat(c cache.Cache, task string) taskqueue.Handler {
	return func(ctx context.Context, _ json.RawMessage) error {
		stamp := time.Now().UTC().Format(time.RFC3339Nano)
		return c.Set(ctx, HeartbeatKey(task), []byte(stamp), 0)
	}
}

func callbackURL(publicURL string) func(string) string {
	base := strings.TrimSuffix(publicURL, "/")
	return func(provider string) string {
		return base + "/api/oauth/" + provider + "/callback"
	}
}

// NewServer creates and configures an HTTP server from the provided configuration.
func NewServer(cfg config.Config, handler http.Handler) *http.Server {
	addr := cfg.Port
	if !strings.Contains(addr, ":") {
		addr = ":" + addr
	}

	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
	}
}

// Start recovers unacknowledged tasks, then starts the worker, the scheduler
// and the HTTP server in the background.
func (a *App) Start(ctx context.Context) error {
	moved, err := a.broker.Requeue(ctx)
	if err != nil {
		return fmt.Errorf("failed to recover unacknowledged tasks: %w", err)
	}
	if moved > 0 {
		a.logger.Info("requeued unacknowledged tasks", zap.Int("count", moved))
	}

	ln, err := net.Listen("tcp", a.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", a.server.Addr, err)
	}
	a.listener = ln

	workerCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	a.stopWorker = cancel
	a.workerDone = make(chan struct{})
	go func() {
		defer close(a.workerDone)
		if err := a.worker.Run(workerCtx); err != nil {
			a.logger.Error("worker error", zap.Error(err))
		}
	}()

	if err := a.beat.Start(); err != nil {
		cancel()
		_ = ln.Close()
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	go func() {
		a.logger.Info("server listening", zap.String("addr", ln.Addr().String()))
		if err := a.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("server error", zap.Error(err))
		}
	}()
	return nil
}

// Shutdown stops accepting requests, stops the scheduler, waits for running
// tasks and closes every backend connection. All failures are reported.
func (a *App) Shutdown(ctx context.Context) error {
	var errs *multierror.Error

	if a.listener != nil {
		if err := a.server.Shutdown(ctx); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("server shutdown: %w", err))
			_ = a.server.Close()
		}
	}

	if err := a.beat.Stop(ctx); err != nil {
		errs = multierror.Append(errs, err)
	}

	if a.stopWorker != nil {
		a.stopWorker()
		select {
		case <-a.workerDone:
		case <-ctx.Done():
			errs = multierror.Append(errs, fmt.Errorf("worker stop: %w", ctx.Err()))
		}
	}

	if err := a.closeBackends(); err != nil {
		errs = multierror.Append(errs, err)
	}
	return errs.ErrorOrNil()
}

func (a *App) closeBackends() error {
	var closers []namedCloser
	if a.broker != nil {
		closers = append(closers, namedCloser{"broker", a.broker})
	}
	if a.results != nil {
		closers = append(closers, namedCloser{"result backend", a.results})
	}
	if a.caches != nil {
		closers = append(closers, namedCloser{"caches", a.caches})
	}

	var errs *multierror.Error
	for _, cl := range closers {
		if err := cl.Close(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("close %s: %w", cl.name, err))
		}
	}
	return errs.ErrorOrNil()
}

type namedCloser struct {
	name string
	io.Closer
}

// Ping contacts every cache, the broker and the result backend.
func (a *App) Ping(ctx context.Context) map[string]error {
	out := a.caches.Ping(ctx)
	out["broker"] = a.broker.Ping(ctx)
	out["result_backend"] = a.results.Ping(ctx)
	return out
}

// Addr returns the address the HTTP server is bound to once started.
func (a *App) Addr() string {
	if a.listener == nil {
		return a.server.Addr
	}
	return a.listener.Addr().String()
}

// Server returns the HTTP server instance for shutdown handling.
func (a *App) Server() *http.Server {
	return a.server
}
