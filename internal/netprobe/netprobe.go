// Package netprobe provides TCP port probes used to detect when a spawned
// service has bound its listening socket and when a remote peer has gone
// away. Ordering across hosts is enforced by these checks plus the readiness
// board, never by wall-clock assumptions.
package netprobe

import (
	"context"
	"fmt"
	"net"
	"time"
)

const (
	// DefaultDialTimeout bounds a single connection attempt.
	DefaultDialTimeout = 2 * time.Second
	// DefaultProbeInterval is the pause between attempts.
	DefaultProbeInterval = 5 * time.Second
)

// IsOpen reports whether addr accepts TCP connections right now.
func IsOpen(addr string, dialTimeout time.Duration) bool {
	conn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// WaitOpen blocks until addr accepts connections or ctx is done. Returns
// ctx.Err() on cancellation or deadline.
func WaitOpen(ctx context.Context, addr string, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultProbeInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if IsOpen(addr, DefaultDialTimeout) {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for %s to open: %w", addr, ctx.Err())
		case <-ticker.C:
		}
	}
}

// WaitClosed blocks while addr keeps accepting connections, returning once
// it stops. Used to hold a co-tenant process alive for the lifetime of a
// remote peer.
func WaitClosed(ctx context.Context, addr string, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultProbeInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if !IsOpen(addr, DefaultDialTimeout) {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for %s to close: %w", addr, ctx.Err())
		case <-ticker.C:
		}
	}
}
