// Package verify proves the deployed tunnel works by running repeated
// connect-probe-query rounds against the tunneled endpoint.
package verify

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tunloop/tunctl/internal/tools"
)

// Conn is one live connection to the tunneled endpoint for the
// duration of a round.
type Conn interface {
	// Probe runs the trivial connectivity statement and confirms the
	// expected literal came back.
	Probe(ctx context.Context) error
	// Query runs the configured heavier statement and reports the row
	// count plus one representative row rendered as text.
	Query(ctx context.Context, query string) (rows int, sample string, err error)
	Close() error
}

// Dialer opens a fresh connection. Each round dials anew so session
// teardown between rounds is exercised too.
type Dialer func(ctx context.Context) (Conn, error)

// RoundError wraps the failure of a specific round.
type RoundError struct {
	Round int
	Err   error
}

func (e *RoundError) Error() string {
	return fmt.Sprintf("verify: round %d failed: %v", e.Round, e.Err)
}

func (e *RoundError) Unwrap() error { return e.Err }

// RoundResult records one round. Results accumulate only up to and
// including the first failure.
type RoundResult struct {
	Round        int
	OK           bool
	Elapsed      time.Duration
	RowCount     int
	ByteEstimate int64
	Err          error
}

// Report is the verification outcome the orchestrator and tests
// assert on.
type Report struct {
	Rounds []RoundResult
	Passed bool
}

// Runner drives the fixed number of verification rounds.
type Runner struct {
	Dial     Dialer
	Query    string
	Rounds   int
	Cooldown time.Duration
}

// Run executes the rounds, stopping at the first failure. The
// returned error is nil only when every round passed; a failure comes
// back as a *RoundError alongside the partial report.
func (r Runner) Run(ctx context.Context) (Report, error) {
	var report Report
	for i := 1; i <= r.Rounds; i++ {
		log.Info().Int("round", i).Int("total", r.Rounds).Msg("verification round")
		result := r.round(ctx, i)
		report.Rounds = append(report.Rounds, result)
		if !result.OK {
			log.Error().Int("round", i).Err(result.Err).Msg("round failed, aborting remaining rounds")
			return report, &RoundError{Round: i, Err: result.Err}
		}
		log.Info().
			Int("round", i).
			Dur("elapsed", result.Elapsed).
			Int("rows", result.RowCount).
			Str("size", fmt.Sprintf("~%.2f MB", float64(result.ByteEstimate)/(1<<20))).
			Msg("round passed")

		// The transport session needs time to fully tear down; an
		// immediate reconnect can collide with in-flight cleanup.
		if i < r.Rounds {
			log.Info().Dur("cooldown", r.Cooldown).Msg("cooling down before next round")
			if err := tools.Sleep(ctx, r.Cooldown); err != nil {
				return report, err
			}
		}
	}
	report.Passed = true
	return report, nil
}

func (r Runner) round(ctx context.Context, n int) RoundResult {
	result := RoundResult{Round: n}

	conn, err := r.Dial(ctx)
	if err != nil {
		result.Err = fmt.Errorf("connect: %w", err)
		return result
	}
	defer conn.Close()

	if err := conn.Probe(ctx); err != nil {
		result.Err = fmt.Errorf("probe: %w", err)
		return result
	}

	start := time.Now()
	rows, sample, err := conn.Query(ctx, r.Query)
	result.Elapsed = time.Since(start)
	if err != nil {
		result.Err = fmt.Errorf("query: %w", err)
		return result
	}

	result.RowCount = rows
	result.ByteEstimate = int64(rows) * int64(len(sample))
	result.OK = true
	return result
}
