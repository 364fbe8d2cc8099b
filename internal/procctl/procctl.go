// Package procctl stops supervised and unsupervised processes with a
// bounded graceful-then-forced escalation.
package procctl

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tunloop/tunctl/internal/tools"
)

var (
	// ErrStillRunning reports matching processes that survived two
	// forced kills. Callers treat this as fatal: a leftover process
	// would serve stale behavior to the verification phase.
	ErrStillRunning = errors.New("procctl: process still running after forced kill")
)

// Plan parametrizes one escalation. Stop is the graceful primitive and
// may be nil when none exists (plain local processes). Kill must be
// unconditional. Check reports whether any matching process remains.
type Plan struct {
	Name            string
	Stop            func(ctx context.Context) error
	Kill            func(ctx context.Context) error
	Check           func(ctx context.Context) (bool, error)
	GracefulTimeout time.Duration
	Settle          time.Duration
}

// Outcome summarizes how the escalation resolved.
type Outcome struct {
	Found  bool // a matching process existed when the escalation began
	Forced bool // the forced-kill path was taken
}

// Escalate drives Plan to completion: graceful stop under a bound,
// forced kill on overrun or survivors, then a confirm-and-retry pass.
// It never blocks past GracefulTimeout plus the kill/check/settle
// budget, even if the graceful primitive hangs forever.
func Escalate(ctx context.Context, plan Plan) (Outcome, error) {
	var out Outcome

	present, err := plan.Check(ctx)
	if err != nil {
		return out, fmt.Errorf("procctl: %s: presence check: %w", plan.Name, err)
	}
	if !present {
		log.Info().Str("name", plan.Name).Msg("no matching process, nothing to stop")
		return out, nil
	}
	out.Found = true

	if plan.Stop == nil {
		return out, forceStop(ctx, plan, &out)
	}

	if graceful(ctx, plan) {
		present, err := plan.Check(ctx)
		if err != nil {
			return out, fmt.Errorf("procctl: %s: presence check: %w", plan.Name, err)
		}
		if !present {
			log.Info().Str("name", plan.Name).Msg("stopped gracefully")
			return out, nil
		}
		log.Warn().Str("name", plan.Name).Msg("process survived graceful stop, escalating")
	}

	return out, forceStop(ctx, plan, &out)
}

// graceful runs the stop primitive under its own timer and reports
// whether it returned cleanly in time. The primitive keeps running in
// the background on overrun; the forced-kill path supersedes it.
func graceful(ctx context.Context, plan Plan) bool {
	done := make(chan error, 1)
	go func() { done <- plan.Stop(ctx) }()

	timer := time.NewTimer(plan.GracefulTimeout)
	defer timer.Stop()

	select {
	case err := <-done:
		if err != nil {
			log.Warn().Str("name", plan.Name).Err(err).Msg("graceful stop failed")
			return false
		}
		return true
	case <-timer.C:
		log.Warn().
			Str("name", plan.Name).
			Dur("timeout", plan.GracefulTimeout).
			Msg("graceful stop timed out, forcing")
		return false
	case <-ctx.Done():
		return false
	}
}

func forceStop(ctx context.Context, plan Plan, out *Outcome) error {
	out.Forced = true
	for attempt := 1; attempt <= 2; attempt++ {
		if err := plan.Kill(ctx); err != nil {
			return fmt.Errorf("procctl: %s: forced kill: %w", plan.Name, err)
		}
		if err := tools.Sleep(ctx, plan.Settle); err != nil {
			return err
		}
		present, err := plan.Check(ctx)
		if err != nil {
			return fmt.Errorf("procctl: %s: presence check: %w", plan.Name, err)
		}
		if !present {
			log.Info().Str("name", plan.Name).Int("attempt", attempt).Msg("stopped by forced kill")
			return nil
		}
		log.Warn().Str("name", plan.Name).Int("attempt", attempt).Msg("process still present after kill")
	}
	return fmt.Errorf("%w: %s", ErrStillRunning, plan.Name)
}
