package procctl

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tunloop/tunctl/internal/remote"
	"github.com/tunloop/tunctl/internal/tools"
)

const (
	killTimeout  = 10 * time.Second
	checkTimeout = 5 * time.Second
	killSettle   = time.Second
)

// Timing carries the escalation bounds, sourced from config.
type Timing struct {
	GracefulTimeout time.Duration
	Settle          time.Duration
}

// StopRemoteService stops a supervised service on the remote host:
// systemctl stop under the graceful bound, pkill -9 by pattern on
// overrun, pgrep to confirm.
func StopRemoteService(ctx context.Context, access remote.Access, service, pattern string, timing Timing) (Outcome, error) {
	if timing.Settle <= 0 {
		timing.Settle = killSettle
	}
	plan := Plan{
		Name: service,
		Stop: func(ctx context.Context) error {
			_, err := access.Exec(ctx, "systemctl stop "+remote.Quote(service), timing.GracefulTimeout)
			return err
		},
		Kill: func(ctx context.Context) error {
			_, err := access.Exec(ctx, fmt.Sprintf("pkill -9 -f %s || true", remote.Quote(pattern)), killTimeout)
			return err
		},
		Check: func(ctx context.Context) (bool, error) {
			out, err := access.Exec(ctx, fmt.Sprintf("pgrep -f %s || true", remote.Quote(pattern)), checkTimeout)
			if err != nil {
				return false, err
			}
			return out != "", nil
		},
		GracefulTimeout: timing.GracefulTimeout,
		Settle:          timing.Settle,
	}
	return Escalate(ctx, plan)
}

// StopLocalClients stops local client processes by name pattern. There
// is no graceful primitive locally, so the plan goes straight to the
// forced-kill path.
func StopLocalClients(ctx context.Context, runner tools.Runner, pattern string, timing Timing) (Outcome, error) {
	if timing.Settle <= 0 {
		timing.Settle = killSettle
	}
	plan := Plan{
		Name: pattern,
		Kill: func(ctx context.Context) error {
			_, err := runner.Run(ctx, tools.Spec{
				Name:    "pkill",
				Args:    []string{"-9", "-f", pattern},
				Timeout: killTimeout,
			})
			return ignoreNoMatch(err)
		},
		Check: func(ctx context.Context) (bool, error) {
			result, err := runner.Run(ctx, tools.Spec{
				Name:    "pgrep",
				Args:    []string{"-f", pattern},
				Timeout: checkTimeout,
			})
			if err := ignoreNoMatch(err); err != nil {
				return false, err
			}
			return result.Stdout != "", nil
		},
		Settle: timing.Settle,
	}
	return Escalate(ctx, plan)
}

// pkill and pgrep exit 1 when nothing matches, which is a clean
// outcome for a stop.
func ignoreNoMatch(err error) error {
	var exitErr *tools.ExitError
	if errors.As(err, &exitErr) && exitErr.Code == 1 {
		return nil
	}
	return err
}
