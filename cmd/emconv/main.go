package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"emconv/internal/cli"
	"emconv/internal/config"
	"emconv/internal/convert"
	"emconv/internal/logging"
	"emconv/internal/metrics"
	"emconv/internal/pipeline"
	"emconv/internal/storage"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const queueSize = 16

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log, err := logging.Setup(cfg)
	if err != nil {
		return fmt.Errorf("setup logging: %w", err)
	}
	defaults, err := cli.Defaults(cfg)
	if err != nil {
		return err
	}

	store, err := storage.New(cfg.Paths.DatabasePath)
	if err != nil {
		return fmt.Errorf("open run database: %w", err)
	}
	defer store.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)
	conv := convert.New(log, m)

	pipe := pipeline.New(ctx, queueSize, log, store, pipeline.NewRouter(log, conv, defaults))
	defer pipe.Stop()

	root := cli.NewRoot(pipe, cfg, log, store, conv, m, reg)
	return cli.NewRootCmd(root).ExecuteContext(ctx)
}
