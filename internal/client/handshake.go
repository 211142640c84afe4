package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"syscall"
	"time"
)

var (
	// ErrNotReady is returned when the control plane never answered a ping.
	ErrNotReady = errors.New("control plane did not become ready")
	// ErrShutdownTimeout is returned when the control plane kept running.
	ErrShutdownTimeout = errors.New("control plane did not shut down")
)

// RetryConfig bounds the handshake loops.
type RetryConfig struct {
	// MaxAttempts is the number of requests before giving up.
	MaxAttempts int
	// Delay is the pause between two attempts.
	Delay time.Duration
	// Timeout bounds a single request.
	Timeout time.Duration
}

// DefaultRetryConfig returns the handshake timing used by the shell.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 40,
		Delay:       500 * time.Millisecond,
		Timeout:     time.Second,
	}
}

// WaitReady pings until the control plane answers "pong".
func (c *Client) WaitReady(ctx context.Context, cfg RetryConfig) error {
	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		lastErr = c.attempt(ctx, cfg, c.Ping)
		if lastErr == nil {
			slog.Debug("Control plane ready", "url", c.baseURL, "attempt", attempt)
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		slog.Debug("Control plane not ready", "attempt", attempt, "error", lastErr)

		if err := sleep(ctx, cfg.Delay); err != nil {
			return err
		}
	}
	return fmt.Errorf("%w after %d attempts: %v", ErrNotReady, cfg.MaxAttempts, lastErr)
}

// AwaitShutdown polls until the control plane has reported stop and then
// stopped answering. A timeout or refused connection means it is gone; any
// other failure is returned as is.
func (c *Client) AwaitShutdown(ctx context.Context, cfg RetryConfig) error {
	stopSeen := false
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		var stop bool
		err := c.attempt(ctx, cfg, func(ctx context.Context) error {
			var err error
			_, stop, err = c.Poll(ctx)
			return err
		})

		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		switch {
		case err == nil && stop:
			if !stopSeen {
				slog.Debug("Control plane reported stop", "attempt", attempt)
			}
			stopSeen = true
		case err == nil:
			slog.Debug("Control plane still running", "attempt", attempt)
		case IsGone(err):
			slog.Debug("Control plane is gone", "stop_seen", stopSeen, "error", err)
			return nil
		default:
			return fmt.Errorf("failed while awaiting shutdown: %w", err)
		}

		if err := sleep(ctx, cfg.Delay); err != nil {
			return err
		}
	}
	return fmt.Errorf("%w after %d attempts", ErrShutdownTimeout, cfg.MaxAttempts)
}

// IsGone reports whether err means the control plane no longer answers:
// the connection was refused or reset, or the request timed out.
func IsGone(err error) bool {
	if err == nil || !errors.Is(err, ErrUnavailable) {
		return false
	}
	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func (c *Client) attempt(ctx context.Context, cfg RetryConfig, call func(context.Context) error) error {
	if cfg.Timeout <= 0 {
		return call(ctx)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	return call(attemptCtx)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
