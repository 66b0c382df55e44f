package modes

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"invoiceimport/pkg/config"
	"invoiceimport/pkg/logger"

	"golang.org/x/sync/errgroup"
)

// ConfigureLogging installs the global logger described by cfg. It must run
// before any component derives its own logger.
func ConfigureLogging(cfg config.LoggingConfig) error {
	level, err := logger.ParseLevel(cfg.Level)
	if err != nil {
		return err
	}

	var out io.Writer
	switch cfg.Output {
	case "", "stdout":
		out = os.Stdout
	case "stderr":
		out = os.Stderr
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0640)
		if err != nil {
			return fmt.Errorf("failed to open log output %s: %w", cfg.Output, err)
		}
		out = f
	}

	logger.Configure(logger.Config{Level: level, Output: out, Format: cfg.Format})
	return nil
}

// stopWithin runs stop and gives up waiting after timeout, calling force.
func stopWithin(timeout time.Duration, stop, force func(), log *logger.Logger, name string) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		stop()
	}()

	select {
	case <-done:
		log.Info("stopped gracefully", "component", name)
	case <-ctx.Done():
		log.Warn("graceful stop timed out, forcing", "component", name, "timeout", timeout)
		if force != nil {
			force()
		}
	}
}

// waitComponents waits for the group, then stops the background loops started
// outside it and waits for them too. A failed component ends the group, so
// the loops must not wait for a signal.
func waitComponents(g *errgroup.Group, stopBackground context.CancelFunc, backgroundDone ...<-chan struct{}) error {
	err := g.Wait()
	stopBackground()
	for _, done := range backgroundDone {
		<-done
	}
	return err
}
