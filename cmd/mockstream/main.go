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

	"go.uber.org/zap"

	"github.com/dgnsrekt/streamsync/internal/mockserver"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		addr       = flag.String("addr", ":8080", "listen address")
		snapshot   = flag.String("snapshot", "", "snapshot file to preload (.json or .json.zst)")
		replayRate = flag.Float64("replay-rate", 0, "catch-up replay rate per session, messages/sec (0 = unlimited)")
	)
	flag.Parse()

	// Setup logger
	logger, err := zap.NewDevelopment()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		return 1
	}
	defer logger.Sync()

	// Load store
	store := mockserver.NewStore()
	if *snapshot != "" {
		start := time.Now()
		if err := store.LoadSnapshot(*snapshot); err != nil {
			logger.Error("failed to load snapshot", zap.String("path", *snapshot), zap.Error(err))
			return 1
		}
		logger.Info("snapshot loaded",
			zap.String("path", *snapshot),
			zap.Any("groups", store.Stats()),
			zap.Duration("duration", time.Since(start)),
		)
	}

	srv := mockserver.New(store, mockserver.Config{ReplayRate: *replayRate}, logger)

	httpServer := &http.Server{
		Addr:         *addr,
		Handler:      srv.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info("starting server", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", zap.Error(err))
		}
	}()

	// Wait for interrupt
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
		return 1
	}

	logger.Info("server stopped")
	return 0
}
