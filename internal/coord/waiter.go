package coord

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/pdbench/pdbench/internal/plan"
)

const (
	// DefaultPollInterval is how often a waiter re-reads the shared medium.
	DefaultPollInterval = 2 * time.Second
	// DefaultWaitTimeout bounds a dependency wait. Model loading on large
	// checkpoints is slow, so the default is generous.
	DefaultWaitTimeout = 20 * time.Minute
)

// Waiter polls the board for records published by other nodes. Polling
// rather than notification tolerates readers and writers starting in any
// order and crashing independently. A shared rate limiter bounds the
// aggregate read pressure a node puts on the medium (many ranks polling one
// NFS directory adds up).
type Waiter struct {
	board   *Board
	timeout time.Duration
	limiter *rate.Limiter
}

// WaiterOption configures a Waiter.
type WaiterOption func(*Waiter)

// WithPollInterval sets the poll interval.
func WithPollInterval(d time.Duration) WaiterOption {
	return func(w *Waiter) {
		w.limiter = rate.NewLimiter(rate.Every(d), 1)
	}
}

// WithWaitTimeout sets the per-wait timeout.
func WithWaitTimeout(d time.Duration) WaiterOption {
	return func(w *Waiter) {
		w.timeout = d
	}
}

// NewWaiter creates a Waiter over the given board.
func NewWaiter(board *Board, opts ...WaiterOption) *Waiter {
	w := &Waiter{
		board:   board,
		timeout: DefaultWaitTimeout,
		limiter: rate.NewLimiter(rate.Every(DefaultPollInterval), 1),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// WaitReady blocks until the rank publishes Ready. A Failed terminal status
// fails the wait immediately with *RankFailedError; expiry of the timeout
// fails it with *WaitTimeoutError carrying the last observed record.
func (w *Waiter) WaitReady(ctx context.Context, role plan.Role, rank int) error {
	started := time.Now()
	deadline := started.Add(w.timeout)

	var last *ReadinessRecord
	for {
		if err := w.limiter.Wait(ctx); err != nil {
			return err
		}

		rec, found, err := w.board.Status(ctx, role, rank)
		if err != nil {
			return err
		}
		if found {
			last = &rec
			switch rec.Status {
			case StatusReady:
				return nil
			case StatusFailed:
				return &RankFailedError{Record: rec}
			}
		}

		if time.Now().After(deadline) {
			return &WaitTimeoutError{
				Role:      role,
				Rank:      rank,
				Waited:    time.Since(started).Round(time.Second),
				LastKnown: last,
			}
		}
	}
}

// WaitEndpoint blocks until the rank's endpoint is published. A Failed
// status short-circuits the wait; there is no point waiting for an endpoint
// from a rank that already gave up.
func (w *Waiter) WaitEndpoint(ctx context.Context, role plan.Role, rank int) (ServiceEndpoint, error) {
	started := time.Now()
	deadline := started.Add(w.timeout)

	for {
		if err := w.limiter.Wait(ctx); err != nil {
			return ServiceEndpoint{}, err
		}

		ep, found, err := w.board.Endpoint(ctx, role, rank)
		if err != nil {
			return ServiceEndpoint{}, err
		}
		if found {
			return ep, nil
		}

		rec, found, err := w.board.Status(ctx, role, rank)
		if err != nil {
			return ServiceEndpoint{}, err
		}
		if found && rec.Status == StatusFailed {
			return ServiceEndpoint{}, &RankFailedError{Record: rec}
		}

		if time.Now().After(deadline) {
			var last *ReadinessRecord
			if found {
				last = &rec
			}
			return ServiceEndpoint{}, &WaitTimeoutError{
				Role:      role,
				Rank:      rank,
				Waited:    time.Since(started).Round(time.Second),
				LastKnown: last,
			}
		}
	}
}

// WaitAllReady blocks until every rank of the role in [0, count) is Ready.
func (w *Waiter) WaitAllReady(ctx context.Context, role plan.Role, count int) error {
	for rank := 0; rank < count; rank++ {
		if err := w.WaitReady(ctx, role, rank); err != nil {
			return err
		}
	}
	return nil
}

// WaitEndpoints blocks until every rank of the role has published its
// endpoint, returning them rank-ordered.
func (w *Waiter) WaitEndpoints(ctx context.Context, role plan.Role, count int) ([]ServiceEndpoint, error) {
	eps := make([]ServiceEndpoint, 0, count)
	for rank := 0; rank < count; rank++ {
		ep, err := w.WaitEndpoint(ctx, role, rank)
		if err != nil {
			return nil, err
		}
		eps = append(eps, ep)
	}
	return eps, nil
}

// WaitCluster is the full barrier: Ready observed for the router plus every
// prefill and decode rank in the plan. The benchmark sweep blocks on this
// before issuing any request. If any rank reports Failed the barrier never
// completes.
func (w *Waiter) WaitCluster(ctx context.Context, assignments []plan.NodeAssignment) error {
	if err := w.WaitReady(ctx, plan.RoleRouter, 0); err != nil {
		return err
	}
	if err := w.WaitAllReady(ctx, plan.RolePrefill, len(plan.Ranks(assignments, plan.RolePrefill))); err != nil {
		return err
	}
	return w.WaitAllReady(ctx, plan.RoleDecode, len(plan.Ranks(assignments, plan.RoleDecode)))
}
