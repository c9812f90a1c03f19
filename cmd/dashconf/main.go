package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/eugenenazirov/dashconf/internal/application"
	"github.com/eugenenazirov/dashconf/internal/config"
	"github.com/eugenenazirov/dashconf/internal/logging"
)

var signalNotify = signal.Notify

const pingTimeout = 5 * time.Second

func main() {
	kingpinApp := kingpin.New("dashconf", "Dashboard platform configuration: caches, task worker, scheduler and admin API")
	configFile := kingpinApp.Flag("config", "Path to YAML configuration file").String()
	port := kingpinApp.Flag("port", "HTTP port exposed by the admin API").String()
	redisURL := kingpinApp.Flag("redis-url", "Redis URL used by every cache, the broker and the result backend").String()
	logLevel := kingpinApp.Flag("log-level", "Log level (debug, info, warn, error)").String()
	rateLimitRPSFlag := kingpinApp.Flag("rate-limit-rps", "Requests per second allowed (set 0 to disable)").Default("-1").Float64()
	rateLimitBurstFlag := kingpinApp.Flag("rate-limit-burst", "Burst capacity for rate limiter (set 0 to disable)").Default("-1").Int()

	serveCmd := kingpinApp.Command("serve", "Run the admin API, task worker and scheduler").Default()
	checkCmd := kingpinApp.Command("check", "Validate the configuration and exit")
	checkPing := checkCmd.Flag("ping", "Also contact every Redis backend").Bool()
	showCmd := kingpinApp.Command("show", "Print the resolved configuration with secrets masked")

	command := kingpin.MustParse(kingpinApp.Parse(os.Args[1:]))

	overrides := &config.CLIOverrides{
		ConfigFile: *configFile,
	}

	if *port != "" {
		overrides.Port = port
	}

	if *redisURL != "" {
		overrides.RedisURL = redisURL
	}

	if *logLevel != "" {
		overrides.LogLevel = logLevel
	}

	if *rateLimitRPSFlag >= 0 {
		overrides.RateLimitRPS = rateLimitRPSFlag
	}

	if *rateLimitBurstFlag >= 0 {
		overrides.RateLimitBurst = rateLimitBurstFlag
	}

	cfg, err := config.Load(overrides)
	if err != nil {
		kingpinApp.Fatalf("failed to load configuration: %v", err)
	}

	if command == showCmd.FullCommand() {
		if err := writeConfig(os.Stdout, cfg); err != nil {
			kingpinApp.Fatalf("failed to print configuration: %v", err)
		}
		return
	}

	logger, err := logging.New(cfg.EffectiveLogLevel())
	if err != nil {
		kingpinApp.Fatalf("failed to initialize logger: %v", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	switch command {
	case checkCmd.FullCommand():
		if err := check(cfg, logger, *checkPing); err != nil {
			logger.Fatal("configuration check failed", zap.Error(err))
		}
	case serveCmd.FullCommand():
		serve(cfg, logger)
	}
}

func serve(cfg config.Config, logger *zap.Logger) {
	app, err := application.New(cfg, logger)
	if err != nil {
		logger.Fatal("failed to initialize application", zap.Error(err))
	}

	if err := app.Start(context.Background()); err != nil {
		logger.Fatal("failed to start application", zap.Error(err))
	}

	shutdown(app, cfg.ShutdownGracePeriod, logger)
}

// check reports a loaded configuration and, with ping, probes every Redis
// backend it names.
func check(cfg config.Config, logger *zap.Logger, ping bool) error {
	logger.Info("configuration valid",
		zap.Bool("oauth", cfg.Auth.OAuthEnabled()),
		zap.String("broker", cfg.Redacted().TaskQueue.BrokerURL),
		zap.Int("schedules", len(cfg.TaskQueue.BeatSchedule)),
	)
	if !ping {
		return nil
	}

	app, err := application.New(cfg, logger)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()

	status := app.Ping(ctx)
	names := make([]string, 0, len(status))
	for name := range status {
		names = append(names, name)
	}
	sort.Strings(names)

	var errs *multierror.Error
	for _, name := range names {
		if err := status[name]; err != nil {
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		logger.Info("backend reachable", zap.String("backend", name))
	}

	if err := app.Shutdown(ctx); err != nil {
		errs = multierror.Append(errs, err)
	}
	return errs.ErrorOrNil()
}

func writeConfig(w io.Writer, cfg config.Config) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(cfg.Redacted()); err != nil {
		return err
	}
	return enc.Close()
}

type shutdowner interface {
	Shutdown(ctx context.Context) error
}

func shutdown(target shutdowner, timeout time.Duration, logger *zap.Logger) {
	quit := make(chan os.Signal, 1)
	signalNotify(quit, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	<-quit
	logger.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := target.Shutdown(ctx); err != nil {
		logger.Warn("graceful shutdown failed", zap.Error(err))
	}
}
