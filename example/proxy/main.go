// Command proxy bridges an MCP host speaking over stdio to an MCP server reachable over TCP or a
// Unix socket. The backend connection is retried, guarded by a circuit breaker and health
// checked, so the host keeps its session while the server restarts.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	mcp "github.com/MegaGrindStone/resilient-mcp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	network := flag.String("network", "tcp", "backend network, tcp or unix")
	addr := flag.String("addr", "127.0.0.1:9000", "backend address")
	configPath := flag.String("config", "", "path to a JSON or YAML config file")
	metricsAddr := flag.String("metrics", "", "address to serve Prometheus metrics on, empty to disable")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	// Stdout carries the protocol, so logs go to stderr.
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	if err := run(*network, *addr, *configPath, *metricsAddr, logger); err != nil {
		logger.Error("proxy failed", slog.String("err", err.Error()))
		os.Exit(1)
	}
}

func run(network, addr, configPath, metricsAddr string, logger *slog.Logger) error {
	cfg := mcp.DefaultConfig()
	if configPath != "" {
		var err error
		if cfg, err = mcp.LoadConfigFile(configPath); err != nil {
			return err
		}
		if diff, err := cfg.Diff(mcp.DefaultConfig()); err == nil && diff != "" {
			logger.Info("config overrides defaults", slog.String("diff", diff))
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	metrics := mcp.NewMetrics(reg)
	if metricsAddr != "" {
		srv := &http.Server{
			Addr:              metricsAddr,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 15 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", slog.String("err", err.Error()))
			}
		}()
		defer func() {
			sCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(sCtx)
		}()
	}

	opts := append(cfg.ResilientOptions(),
		mcp.WithResilientMetrics(metrics),
		mcp.WithResilientLogger(logger))
	backendTransport := mcp.NewResilientTransport(
		mcp.NewStreamTransport(network, addr, mcp.WithStreamLogger(logger)),
		opts...)

	backend, err := backendTransport.StartSession(ctx)
	if err != nil {
		return err
	}
	frontend, err := mcp.NewStdIO(os.Stdin, os.Stdout, mcp.WithStdIOLogger(logger)).StartSession(ctx)
	if err != nil {
		backend.Stop()
		return err
	}

	proxyOpts, err := cfg.ProxyOptions()
	if err != nil {
		backend.Stop()
		frontend.Stop()
		return err
	}
	proxyOpts = append(proxyOpts, mcp.WithProxyMetrics(metrics), mcp.WithProxyLogger(logger))

	logger.Info("proxy started", slog.String("network", network), slog.String("addr", addr))
	proxy := mcp.NewProxy(frontend, backend, proxyOpts...)
	if err := proxy.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
