// Command router runs the Connector Router: a process-wide Session Registry
// and Request Broker exposed over HTTP (see router/router.go).
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

	"github.com/nodelink/router/internal/objectstore"
	"github.com/nodelink/router/internal/util"
	"github.com/nodelink/router/router"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := parseConfig(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		slog.Error("startup failed: invalid configuration", "err", err)
		return 1
	}

	log := newLogger(cfg.logFormat)
	metrics := router.NewMetrics(nil)

	if !util.IsLoopback(cfg.listenAddr) {
		log.Warn("listen_addr is not loopback; the router has no authentication or transport encryption of its own",
			"addr", cfg.listenAddr)
	}

	var ready func(ctx context.Context) error
	if cfg.objectStoreURL != "" {
		store, err := objectstore.New(objectstore.Config{
			Endpoint:  cfg.objectStoreURL,
			Bucket:    cfg.objectStoreBucket,
			AccessKey: cfg.objectStoreAccess,
			SecretKey: cfg.objectStoreSecret,
			UseSSL:    cfg.objectStoreUseSSL,
		})
		if err != nil {
			log.Error("startup failed: object store client", "err", err)
			return 1
		}
		ready = store.Ready
	}

	rt := router.New(router.Options{
		RequestTimeout:    cfg.requestTimeout,
		KeepaliveInterval: cfg.keepaliveInterval,
		MaxBufferedBytes:  cfg.maxBufferedBytes,
		StreamQueueDepth:  cfg.streamQueueDepth,
		MaxChunkSize:      cfg.maxChunkSize,
		Metrics:           metrics,
		Log:               log,
		Ready:             ready,
	})

	stop := make(chan struct{})
	rt.StartBackground(stop)
	defer close(stop)

	srv := &http.Server{
		Addr:    cfg.listenAddr,
		Handler: rt.Handler(),
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("router listening", "addr", cfg.listenAddr)
		serveErr <- srv.ListenAndServe()
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("fatal runtime error", "err", err)
			return 2
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("fatal runtime error during shutdown", "err", err)
		return 2
	}
	rt.Shutdown(shutdownCtx)

	log.Info("router stopped")
	return 0
}

func newLogger(format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}
