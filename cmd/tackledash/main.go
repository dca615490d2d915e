package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/shaunagostinho/tackle-dash/internal/device"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// connector is satisfied by device.Manager.
type connector interface {
	Connect(ctx context.Context) error
}

// connectWithRetry attempts to connect with exponential backoff.
// Starts at 1s, doubles each attempt up to 60s, retries up to maxAttempts
// then continues at max interval indefinitely. It gives up when the manager
// is not in a state to connect, e.g. the user already connected by hand.
func connectWithRetry(ctx context.Context, log *zap.Logger, c connector, maxAttempts int) {
	delay := 1 * time.Second
	maxDelay := 60 * time.Second
	attempt := 0

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		err := c.Connect(ctx)
		if err == nil {
			log.Info("connected", zap.Int("attempt", attempt+1))
			return
		}
		if errors.Is(err, device.ErrIllegalState) || ctx.Err() != nil {
			log.Info("auto-connect stopped", zap.Error(err))
			return
		}

		attempt++
		fields := []zap.Field{zap.Int("attempt", attempt), zap.Duration("retry_in", delay), zap.Error(err)}
		if attempt <= maxAttempts {
			fields = append(fields, zap.Int("max_attempts", maxAttempts))
		}
		log.Warn("connect failed", fields...)

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}
