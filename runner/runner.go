// Package runner drives an election participant for the lifetime of a
// process: it prepares the namespace, registers, determines leadership and
// recovers from the errors the participant reports.
package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/nickbruun/election/distributed/coordination"
	"github.com/nickbruun/election/distributed/leadership"
	log "github.com/nickbruun/election/logging"
	"github.com/nickbruun/election/metrics"
)

// Runner configuration.
type Config struct {
	// Election namespace and node id, for namespace preparation and
	// metrics.
	Namespace string
	NodeID    string

	// Namespace preparation. At most one may be set.
	CreateNamespace bool
	AwaitNamespace  bool

	// Recovery backoff. A zero MaxElapsedTime retries forever.
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsedTime  time.Duration
}

// Election runner.
type Runner struct {
	c   leadership.Candidate
	ns  coordination.Namespaces
	cfg Config
}

// New runner.
//
// ns may be nil if neither CreateNamespace nor AwaitNamespace is set.
func New(c leadership.Candidate, ns coordination.Namespaces, cfg Config) *Runner {
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = backoff.DefaultInitialInterval
	}

	if cfg.MaxInterval < cfg.InitialInterval {
		cfg.MaxInterval = backoff.DefaultMaxInterval
	}

	return &Runner{c: c, ns: ns, cfg: cfg}
}

// Run the election until the context is done or the candidate leaves the
// election.
//
// Returns nil when the context is done, and the exit reason of the candidate
// otherwise, e.g. leadership.ErrSessionExpired. The candidate is closed on
// return.
func (r *Runner) Run(ctx context.Context) error {
	defer r.c.Close()

	if err := r.prepare(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}

		return err
	}

	if err := r.start(); err != nil {
		if err := r.recoverElection(ctx, err); err != nil {
			return r.exitReason(err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			log.Info("Stopping election")
			return nil

		case <-r.c.Done():
			return r.c.Err()

		case err := <-r.c.Errors():
			if err := r.recoverElection(ctx, err); err != nil {
				return r.exitReason(err)
			}
		}
	}
}

func (r *Runner) prepare(ctx context.Context) error {
	switch {
	case r.cfg.CreateNamespace:
		return r.retry(ctx, func() error {
			if err := r.ns.EnsureNamespace(r.cfg.Namespace); err != nil {
				if errors.Is(err, coordination.ErrPermanent) {
					return backoff.Permanent(err)
				}
				return err
			}

			return nil
		})

	case r.cfg.AwaitNamespace:
		log.Infof("Waiting for namespace %s", r.cfg.Namespace)

		if err := r.ns.AwaitNamespace(ctx, r.cfg.Namespace); err != nil {
			return fmt.Errorf("failed to await namespace %s: %w", r.cfg.Namespace, err)
		}
	}

	return nil
}

// Register and determine leadership. Campaign keeps an identity registered
// by a concurrent rejoin instead of orphaning it.
func (r *Runner) start() error {
	_, err := r.c.Campaign()

	return err
}

// Recover from an election error by campaigning again.
//
// Returns nil once the candidate is back in the election or the context is
// done, and an error if the error is fatal or the retry budget runs out.
func (r *Runner) recoverElection(ctx context.Context, err error) error {
	if isFatal(err) {
		r.recovery("fatal")
		return err
	}

	log.Warnf("Election error, recovering: %v", err)

	err = r.retry(ctx, func() error {
		_, err := r.c.Campaign()

		switch {
		case err == nil, errors.Is(err, leadership.ErrSuperseded):
			return nil
		case isFatal(err):
			return backoff.Permanent(err)
		default:
			return err
		}
	})

	switch {
	case err == nil:
		r.recovery("recovered")
		log.Info("Recovered election")
		return nil

	case ctx.Err() != nil:
		return nil

	default:
		r.recovery("failed")
		return err
	}
}

func (r *Runner) retry(ctx context.Context, op backoff.Operation) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.InitialInterval
	b.MaxInterval = r.cfg.MaxInterval
	b.MaxElapsedTime = r.cfg.MaxElapsedTime

	return backoff.RetryNotify(op, backoff.WithContext(b, ctx), func(err error, d time.Duration) {
		log.Warnf("Election attempt failed, retrying in %s: %v", d, err)
	})
}

// Prefer the reason the candidate left the election over the error of the
// round it interrupted.
func (r *Runner) exitReason(err error) error {
	select {
	case <-r.c.Done():
		if reason := r.c.Err(); reason != nil {
			return reason
		}
	default:
	}

	return err
}

func (r *Runner) recovery(result string) {
	metrics.Recoveries.WithLabelValues(r.cfg.Namespace, r.cfg.NodeID, result).Inc()
}

// Test if an election error ends the election.
func isFatal(err error) bool {
	var invErr *leadership.InvariantError

	return errors.As(err, &invErr) ||
		errors.Is(err, leadership.ErrExited) ||
		errors.Is(err, coordination.ErrPermanent)
}
