package main

import (
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
)

func main() {
	// Parse configuration
	parseConfig()
	defer SyncLogger()

	logger := GetLogger()

	// Create error channel
	errChan := make(chan error, 2)

	// Start the clamd protocol server
	go startClamdServer(errChan)

	// Start admin HTTP server if enabled
	if config.EnableAdmin {
		go startAdminServer(errChan)
	}

	// Wait for interrupt signal or error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errChan:
		logger.Fatal("Server error", zap.Error(err))
	case sig := <-sigChan:
		logger.Info("Received signal, shutting down", zap.String("signal", sig.String()))
	}
}
