// Copyright 2025 James Ross
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/coldforge/ci-controlplane/internal/admin"
	"github.com/coldforge/ci-controlplane/internal/config"
	"github.com/coldforge/ci-controlplane/internal/obs"
	"github.com/coldforge/ci-controlplane/internal/queuestore"
	"github.com/coldforge/ci-controlplane/internal/redisclient"
	"github.com/coldforge/ci-controlplane/internal/statusstore"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

var version = "dev"

func main() {
	var configPath string
	var cmd string
	var format string
	var peekN int64
	var benchCount int
	var benchRate int
	var benchTimeout time.Duration
	var showVersion bool

	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.StringVar(&configPath, "config", "config/config.yaml", "Path to YAML config")
	fs.StringVar(&cmd, "cmd", "stats", "Admin command: stats|peek|bench")
	fs.StringVar(&format, "format", "json", "Output format: json|yaml")
	fs.Int64Var(&peekN, "n", 10, "Number of entries for peek")
	fs.IntVar(&benchCount, "bench-count", 100, "Bench: number of synthetic jobs")
	fs.IntVar(&benchRate, "bench-rate", 50, "Bench: enqueue rate jobs/sec")
	fs.DurationVar(&benchTimeout, "bench-timeout", 30*time.Second, "Bench: timeout to wait for completion")
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

	rdb := redisclient.New(cfg)
	defer rdb.Close()

	queue := queuestore.NewRedisStore(rdb)
	status := statusstore.NewRedisStore(rdb)
	ctx := context.Background()

	switch cmd {
	case "stats":
		res, err := admin.Stats(ctx, cfg, queue, status)
		if err != nil {
			logger.Fatal("admin stats error", obs.Err(err))
		}
		print(logger, format, res)
	case "peek":
		res, err := admin.Peek(ctx, cfg, queue, peekN)
		if err != nil {
			logger.Fatal("admin peek error", obs.Err(err))
		}
		print(logger, format, res)
	case "bench":
		res, err := admin.Bench(ctx, cfg, queue, status, benchCount, benchRate, benchTimeout)
		if err != nil {
			logger.Fatal("admin bench error", obs.Err(err))
		}
		print(logger, format, res)
	default:
		logger.Fatal("unknown admin command", obs.String("cmd", cmd))
	}
}

// print renders v as JSON or YAML on stdout, matching the teacher's
// MarshalIndent-then-Println admin output but with a yaml.v3 alternative for
// operators piping into YAML-first tooling.
func print(logger *zap.Logger, format string, v interface{}) {
	switch format {
	case "yaml":
		b, err := yaml.Marshal(v)
		if err != nil {
			logger.Fatal("marshal yaml output failed", obs.Err(err))
		}
		fmt.Print(string(b))
	default:
		b, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			logger.Fatal("marshal json output failed", obs.Err(err))
		}
		fmt.Println(string(b))
	}
}
