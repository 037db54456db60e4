package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// SuperviseOptions configures Supervise.
type SuperviseOptions struct {
	ReconnectMin time.Duration // delay before the first retry
	ReconnectMax time.Duration // cap on the doubling backoff
	MaxAttempts  int           // consecutive failures before giving up; 0 retries forever
	OnEvent      func(Event)   // receives every event Supervise consumes
}

// DefaultSuperviseOptions returns sensible defaults for production use.
func DefaultSuperviseOptions() SuperviseOptions {
	return SuperviseOptions{
		ReconnectMin: time.Second,
		ReconnectMax: 30 * time.Second,
	}
}

// ErrGaveUp is returned by Supervise once MaxAttempts consecutive attempts failed.
var ErrGaveUp = errors.New("ble: giving up reconnecting")

// backoffDelay returns the delay before retry n (0-based): min doubled n
// times, capped at max.
func backoffDelay(attempt int, min, max time.Duration) time.Duration {
	if attempt > 30 {
		return max
	}
	delay := min << uint(attempt)
	if delay > max || delay <= 0 {
		return max
	}
	return delay
}

// Supervise keeps ctrl connected. It starts an idle session, and after a
// scan timeout, scan failure, connect or discovery failure, or link loss it
// closes the session and starts it again with exponential backoff. A Close
// or StopScan by someone else suspends retries until the session is started
// again.
//
// Supervise consumes ctrl.Events; use OnEvent to observe them. It returns
// ctx.Err() when ctx is done, or ErrGaveUp.
func Supervise(ctx context.Context, ctrl *Controller, opts SuperviseOptions) error {
	if opts.ReconnectMin <= 0 {
		opts.ReconnectMin = time.Second
	}
	if opts.ReconnectMax < opts.ReconnectMin {
		opts.ReconnectMax = opts.ReconnectMin
	}

	if err := ctrl.Start(); err != nil && !errors.Is(err, ErrSessionActive) {
		return err
	}

	var (
		attempt  int
		retry    <-chan time.Time
		ownClose int // Closed events caused by our own restarts
	)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev := <-ctrl.Events():
			if opts.OnEvent != nil {
				opts.OnEvent(ev)
			}
			switch ev.Kind {
			case EventReady:
				attempt = 0
			case EventScanTimedOut, EventScanFailed, EventConnectFailed, EventDiscoveryFailed, EventDisconnected:
				if opts.MaxAttempts > 0 && attempt >= opts.MaxAttempts {
					if ev.Err != nil {
						return fmt.Errorf("%w after %d attempts: %w", ErrGaveUp, attempt, ev.Err)
					}
					return fmt.Errorf("%w after %d attempts: %s", ErrGaveUp, attempt, ev.Kind)
				}
				delay := backoffDelay(attempt, opts.ReconnectMin, opts.ReconnectMax)
				attempt++
				slog.Info("[BLE] reconnect backoff", "attempt", attempt, "delay", delay, "after", ev.Kind)
				retry = time.After(delay)
			case EventClosed:
				if ownClose > 0 {
					ownClose--
					continue
				}
				retry = nil
			case EventScanStopped:
				retry = nil
			}

		case <-retry:
			retry = nil
			if ctrl.State() != StateIdle {
				ownClose++
				if err := ctrl.Close(); err != nil {
					slog.Warn("[BLE] close before reconnect failed", "error", err)
				}
			}
			if err := ctrl.Start(); err != nil {
				slog.Warn("[BLE] reconnect start failed", "error", err, "attempt", attempt)
			}
		}
	}
}
