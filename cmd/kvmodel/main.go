package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/UltraSive/kvmodel/internal/cleaner"
	"github.com/UltraSive/kvmodel/internal/config"
	"github.com/UltraSive/kvmodel/internal/datastore"
	"github.com/UltraSive/kvmodel/internal/datastore/bolt"
	"github.com/UltraSive/kvmodel/internal/datastore/rocksdb"
	"github.com/UltraSive/kvmodel/internal/handler"
	"github.com/UltraSive/kvmodel/internal/logging"
	"github.com/UltraSive/kvmodel/internal/transport"
	"github.com/UltraSive/kvmodel/internal/upstream"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "kvmodel:", err)
		os.Exit(1)
	}
}

func openBackend(cfg config.Config) (datastore.Backend, error) {
	switch cfg.Backend {
	case config.BackendRocksDB:
		return rocksdb.Open(cfg.DataPath)
	case config.BackendBolt:
		return bolt.Open(cfg.DataPath)
	default:
		return &datastore.MemoryBackend{Options: []datastore.MemoryOption{datastore.WithShards(cfg.Shards)}}, nil
	}
}

func run() error {
	// --- Config ---
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log, err := logging.New(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	// --- Backend ---
	backend, err := openBackend(cfg)
	if err != nil {
		return err
	}
	defer backend.Close()

	// --- Upstream Client ---
	var up *upstream.Client
	if cfg.UpstreamURL != "" {
		up = upstream.New(cfg.UpstreamURL, cfg.UpstreamTimeout)
	}

	// --- Handler + collections ---
	h := handler.New(up, cfg.UpstreamTTL, log)
	defer h.Close()
	for _, name := range cfg.Collections {
		ds, err := backend.Open(name)
		if err != nil {
			return err
		}
		if err := h.Register(name, ds); err != nil {
			return err
		}
	}
	log.Info("collections registered",
		zap.String("backend", cfg.Backend), zap.Strings("collections", h.Collections()))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Unix Socket Listener ---
	if cfg.SocketPath != "" {
		// Remove old socket if it exists
		if _, err := os.Stat(cfg.SocketPath); err == nil {
			_ = os.Remove(cfg.SocketPath)
		}
		l, err := net.Listen("unix", cfg.SocketPath)
		if err != nil {
			return err
		}
		defer l.Close()
		_ = os.Chmod(cfg.SocketPath, 0o660)
		go func() {
			if err := transport.ServeUnix(l, transport.SocketHandler(ctx, h, log)); err != nil {
				log.Error("unix socket server error", zap.Error(err))
			}
		}()
		log.Info("unix socket listening", zap.String("path", cfg.SocketPath))
	}

	// --- HTTP Server ---
	httpSrv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: transport.NewHTTPRouter(h, log),
	}
	serveErr := make(chan error, 1)
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()
	log.Info("http api listening", zap.String("addr", cfg.HTTPAddr))

	// --- Cleaner (only if an interval is set) ---
	stopCleaner := make(chan struct{})
	if cfg.SweepInterval > 0 {
		cleaner.Start(h.Sweepers(), cfg.SweepInterval, cfg.SweepChunk, log, stopCleaner)
	}

	// --- Wait for Interrupt ---
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		log.Error("http server error", zap.Error(err))
	}
	log.Info("shutting down")
	close(stopCleaner)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}
	log.Info("shutdown complete")
	return nil
}
