// Copyright 2025 James Ross
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coldforge/ci-controlplane/internal/api"
	"github.com/coldforge/ci-controlplane/internal/config"
	"github.com/coldforge/ci-controlplane/internal/intake"
	"github.com/coldforge/ci-controlplane/internal/logstream"
	"github.com/coldforge/ci-controlplane/internal/obs"
	"github.com/coldforge/ci-controlplane/internal/pipeline"
	"github.com/coldforge/ci-controlplane/internal/queuestore"
	"github.com/coldforge/ci-controlplane/internal/reclaim"
	"github.com/coldforge/ci-controlplane/internal/redisclient"
	"github.com/coldforge/ci-controlplane/internal/scalesignal"
	"github.com/coldforge/ci-controlplane/internal/schedule"
	"github.com/coldforge/ci-controlplane/internal/statusstore"
	"github.com/coldforge/ci-controlplane/internal/worker"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

var version = "dev"

func main() {
	var role string
	var configPath string
	var showVersion bool
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.StringVar(&role, "role", "all", "Role to run: api|worker|all")
	fs.StringVar(&configPath, "config", "config/config.yaml", "Path to YAML config")
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	_ = fs.Parse(os.Args[1:])

	if showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := obs.NewLogger(cfg.Observability.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	tp, err := obs.MaybeInitTracing(cfg)
	if err != nil {
		logger.Warn("tracing init failed", obs.Err(err))
	}
	if tp != nil {
		defer func() { _ = tp.Shutdown(context.Background()) }()
	}

	rdb := redisclient.New(cfg)
	defer rdb.Close()

	queue := queuestore.NewRedisStore(rdb)
	status := statusstore.NewRedisStore(rdb)
	logs := logstream.NewRedisStore(rdb)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("signal received, shutting down", obs.String("signal", sig.String()))
		cancel()
		select {
		case sig2 := <-sigCh:
			logger.Warn("second signal received, exiting immediately", obs.String("signal", sig2.String()))
			os.Exit(1)
		case <-time.After(10 * time.Second):
		}
	}()

	readyCheck := func(c context.Context) error {
		_, err := rdb.Ping(c).Result()
		return err
	}
	metricsSrv := obs.StartHTTPServer(cfg.Observability.MetricsPort, readyCheck)
	defer func() { _ = metricsSrv.Shutdown(context.Background()) }()

	scalesignal.StartSampler(ctx, queue, cfg, logger)

	sched := schedule.New(cfg, queue, status, logger)
	if err := sched.Start(ctx); err != nil {
		logger.Fatal("schedule start failed", obs.Err(err))
	}

	switch role {
	case "api":
		runAPI(ctx, cfg, queue, status, logs, logger)
	case "worker":
		runWorker(ctx, cfg, queue, status, logs, logger)
	case "all":
		go runWorker(ctx, cfg, queue, status, logs, logger)
		runAPI(ctx, cfg, queue, status, logs, logger)
	default:
		logger.Fatal("unknown role", obs.String("role", role))
	}
}

// runAPI serves the Intake and Job API surfaces on one router: POST /jobs
// and POST /webhooks/{provider} from internal/intake, GET/POST /jobs/...
// from internal/api.
func runAPI(ctx context.Context, cfg *config.Config, queue queuestore.Store, status statusstore.Store, logs logstream.Store, logger *zap.Logger) {
	ih := intake.NewHandler(cfg, queue, status, logger)
	ah := api.NewHandler(cfg, status, logs, logger)

	r := ah.Router()
	r.HandleFunc("/jobs", ih.HandleTrigger).Methods(http.MethodPost)
	r.HandleFunc("/webhooks/{provider}", func(w http.ResponseWriter, req *http.Request) {
		provider := mux.Vars(req)["provider"]
		ih.HandleWebhook(provider)(w, req)
	}).Methods(http.MethodPost)

	srv := &http.Server{
		Addr:         cfg.API.ListenAddr,
		Handler:      r,
		ReadTimeout:  cfg.API.ReadTimeout,
		WriteTimeout: cfg.API.WriteTimeout,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("starting job api", obs.String("addr", cfg.API.ListenAddr))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatal("job api server error", obs.Err(err))
	}
}

func runWorker(ctx context.Context, cfg *config.Config, queue queuestore.Store, status statusstore.Store, logs logstream.Store, logger *zap.Logger) {
	runner := pipeline.NewRunner(cfg, logs, status)
	w := worker.New(cfg, queue, status, runner, logger)

	go reclaim.New(queue, cfg, logger).Run(ctx)

	if err := w.Run(ctx); err != nil {
		logger.Fatal("worker error", obs.Err(err))
	}
}
