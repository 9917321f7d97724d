// Command server runs the retrieval-augmented QA service.
//
// Exit codes: 0 clean shutdown, 1 configuration or startup-check failure,
// 2 port bind failure.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ragserve/internal/config"
	"ragserve/internal/di"

	"go.uber.org/zap"
)

const (
	exitOK         = 0
	exitConfig     = 1
	exitBindFailed = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configDir = flag.String("config", "config", "configuration directory")
		noCheck   = flag.Bool("no-check", false, "skip upstream reachability checks at startup")
	)
	flag.Parse()

	cfg, err := config.NewLoader(*configDir, config.CurrentEnvironment()).Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return exitConfig
	}

	container, err := di.NewContainer(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "startup error: %v\n", err)
		return exitConfig
	}
	logger := container.Logger

	if !*noCheck {
		if err := checkUpstreams(container); err != nil {
			logger.Error("startup check failed", zap.Error(err))
			shutdown(container, cfg)
			return exitConfig
		}
	}

	ln, err := net.Listen("tcp", cfg.Addr())
	if err != nil {
		logger.Error("cannot bind listen address",
			zap.String("addr", cfg.Addr()), zap.Error(err))
		shutdown(container, cfg)
		return exitBindFailed
	}

	srv := &http.Server{
		Handler:      container.Handler,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server listening",
			zap.String("addr", cfg.Addr()),
			zap.String("environment", string(cfg.Environment)))
		serveErr <- srv.Serve(ln)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server stopped unexpectedly", zap.Error(err))
			shutdown(container, cfg)
			return exitConfig
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server shutdown incomplete", zap.Error(err))
	}

	shutdown(container, cfg)
	logger.Info("server stopped")
	return exitOK
}

// checkUpstreams verifies the embedding endpoint answers before the
// server accepts traffic. -no-check skips this, useful when upstreams
// come up later.
func checkUpstreams(c *di.Container) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if !c.Chat.Available() {
		return fmt.Errorf("llm adapter is not configured")
	}
	if !c.Embedder.Available(ctx) {
		return fmt.Errorf("embedding service unreachable at %s", c.Config.Embedding.APIBase)
	}
	return nil
}

func shutdown(c *di.Container, cfg *config.Config) {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout())
	defer cancel()
	_ = c.Shutdown(ctx)
}
