//go:build !windows

package main

import (
	"fmt"
	"io"
	"os"
	"syscall"

	"go.uber.org/zap"
)

func notifySignals() []os.Signal {
	return []os.Signal{
		os.Interrupt,
		syscall.SIGTERM,
		syscall.SIGHUP,
		syscall.SIGUSR1,
		syscall.SIGUSR2,
	}
}

func printSignalHelp(w io.Writer) {
	fmt.Fprintln(w, "Signals:")
	fmt.Fprintln(w, "  SIGHUP: purge expired device codes and challenges")
	fmt.Fprintln(w, "  SIGUSR1: enable metrics (requires --metrics-listen)")
	fmt.Fprintln(w, "  SIGUSR2: disable metrics")
}

// handleSignal returns true if the signal was handled and the server should keep running.
func handleSignal(sig os.Signal, logger *zap.Logger, cleanup func() error, metrics *metricsController) bool {
	switch sig {
	case syscall.SIGHUP:
		if cleanup == nil {
			return true
		}
		if err := cleanup(); err != nil {
			logger.Warn("cleanup failed", zap.Error(err))
		} else {
			logger.Info("purged expired credentials")
		}
		return true
	case syscall.SIGUSR1:
		if metrics == nil {
			logger.Info("metrics server disabled (missing --metrics-listen)")
			return true
		}
		metrics.Enable()
		logger.Info("metrics enabled")
		return true
	case syscall.SIGUSR2:
		if metrics != nil {
			metrics.Disable()
			logger.Info("metrics disabled")
		}
		return true
	default:
		return false
	}
}
