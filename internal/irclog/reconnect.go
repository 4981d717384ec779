package irclog

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// ReconnectConfig contains configuration for exponential backoff reconnection
type ReconnectConfig struct {
	MaxRetries    int           // consecutive failures before giving up; 0 = never
	RetryDelay    time.Duration // first delay, doubled per attempt
	MaxRetryDelay time.Duration // delay cap; a session this long resets the count
}

// DefaultReconnectConfig returns default reconnection configuration
func DefaultReconnectConfig() ReconnectConfig {
	return ReconnectConfig{
		MaxRetries:    5,
		RetryDelay:    time.Second,
		MaxRetryDelay: 30 * time.Second,
	}
}

// SessionFunc runs one connection until it ends. nil means a clean stop.
type SessionFunc func(ctx context.Context) error

// RunWithReconnect runs session again after each failure, waiting
// RetryDelay * 2^(attempt-1) capped at MaxRetryDelay.
func RunWithReconnect(ctx context.Context, session SessionFunc, cfg ReconnectConfig) error {
	attempt := 0
	for {
		started := time.Now()
		err := session(ctx)
		if err == nil || ctx.Err() != nil {
			return nil
		}

		if time.Since(started) >= cfg.MaxRetryDelay {
			attempt = 0
		}
		attempt++
		if cfg.MaxRetries > 0 && attempt > cfg.MaxRetries {
			return fmt.Errorf("irclog: max retries exceeded (%d attempts): %w", cfg.MaxRetries, err)
		}

		delay := calculateBackoff(attempt, cfg)
		slog.Warn("irclog: session ended, reconnecting",
			"error", err,
			"attempt", attempt,
			"max_retries", cfg.MaxRetries,
			"delay", delay,
		)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil
		}
	}
}

func calculateBackoff(attempt int, cfg ReconnectConfig) time.Duration {
	delay := cfg.RetryDelay * time.Duration(1<<uint(attempt-1))
	if delay > cfg.MaxRetryDelay || delay <= 0 {
		delay = cfg.MaxRetryDelay
	}
	return delay
}
