// Package pipeline sequences the deploy-and-verify phases and owns the
// final pass/fail outcome.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tunloop/tunctl/internal/buildkit"
	"github.com/tunloop/tunctl/internal/clientcfg"
	"github.com/tunloop/tunctl/internal/config"
	"github.com/tunloop/tunctl/internal/deploy"
	"github.com/tunloop/tunctl/internal/diag"
	"github.com/tunloop/tunctl/internal/launch"
	"github.com/tunloop/tunctl/internal/procctl"
	"github.com/tunloop/tunctl/internal/remote"
	"github.com/tunloop/tunctl/internal/tools"
	"github.com/tunloop/tunctl/internal/verify"
)

// ErrInterrupted reports a user-initiated abort. main maps it to the
// dedicated interruption exit code.
var ErrInterrupted = errors.New("pipeline: interrupted")

// localClientPattern matches both role client processes by their
// launch command line.
const localClientPattern = "client -config client-config.yaml"

// Outcome is the tri-state result of one phase.
type Outcome int

const (
	OutcomeOK Outcome = iota
	// OutcomeRecovered marks a phase that hit a recoverable condition
	// (e.g. nothing to stop) and let the run continue.
	OutcomeRecovered
	OutcomeFatal
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeRecovered:
		return "recovered"
	default:
		return "fatal"
	}
}

// PhaseResult records one executed phase. Phases skipped after a
// fatal failure never appear in the summary.
type PhaseResult struct {
	Name    string
	Outcome Outcome
	Err     error
	Elapsed time.Duration
}

// Summary is the full run record the caller and tests assert on.
type Summary struct {
	Phases      []PhaseResult
	Report      verify.Report
	Diagnostics *diag.Bundle
	Elapsed     time.Duration
}

// RoundsPassed counts the successful verification rounds.
func (s Summary) RoundsPassed() int {
	n := 0
	for _, r := range s.Report.Rounds {
		if r.OK {
			n++
		}
	}
	return n
}

// Pipeline wires the phase collaborators. New fills in production
// implementations; tests substitute fakes field by field.
type Pipeline struct {
	Config  config.Config
	Runner  tools.Runner
	Remote  remote.Access
	Starter launch.Starter
	Dial    verify.Dialer

	artifacts buildkit.Artifacts
}

// New builds a production pipeline from the loaded config.
func New(cfg config.Config) *Pipeline {
	client := remote.Client{
		Host:                cfg.Server.Address,
		Port:                cfg.Server.SSH.Port,
		User:                cfg.Server.SSH.User,
		KeyPath:             cfg.Server.SSH.KeyPath,
		KnownHostsPath:      cfg.Server.SSH.KnownHostsPath,
		InsecureSkipHostKey: cfg.Server.SSH.InsecureSkipHostKey,
		ConnectTimeout:      seconds(cfg.Server.SSH.ConnectTimeoutSeconds),
	}
	p := &Pipeline{
		Config:  cfg,
		Runner:  tools.ExecRunner{},
		Remote:  client,
		Starter: launch.ExecStarter{},
	}
	if ep := cfg.Listener.Endpoint; ep != nil {
		p.Dial = verify.MySQLDialer(verify.Endpoint{
			Address:        ep.Address,
			Port:           ep.Port,
			User:           ep.User,
			Password:       ep.Password,
			ConnectTimeout: seconds(cfg.Verify.ConnectTimeoutSeconds),
			ReadTimeout:    seconds(cfg.Verify.ReadTimeoutSeconds),
		})
	}
	return p
}

type phase struct {
	name string
	run  func(ctx context.Context, summary *Summary) (Outcome, error)
}

// Run executes the phases in order, fail-fast. Verification failure
// additionally collects diagnostics before aborting. Total elapsed
// time is always recorded.
func (p *Pipeline) Run(ctx context.Context) (Summary, error) {
	start := time.Now()
	var summary Summary

	phases := []phase{
		{"stop-processes", p.stopProcesses},
		{"build", p.build},
		{"deploy-server", p.deployServer},
		{"deploy-clients", p.deployClients},
		{"generate-configs", p.generateConfigs},
		{"start-service", p.startService},
		{"start-clients", p.startClients},
		{"verify", p.verify},
	}

	var runErr error
	for _, ph := range phases {
		log.Info().Str("phase", ph.name).Msg("==== phase start ====")
		phaseStart := time.Now()
		outcome, err := ph.run(ctx, &summary)
		if interrupted(ctx, err) {
			outcome, err = OutcomeFatal, ErrInterrupted
		}
		summary.Phases = append(summary.Phases, PhaseResult{
			Name:    ph.name,
			Outcome: outcome,
			Err:     err,
			Elapsed: time.Since(phaseStart),
		})
		if outcome == OutcomeFatal {
			log.Error().Str("phase", ph.name).Err(err).Msg("phase failed")
			runErr = err
			break
		}
		log.Info().Str("phase", ph.name).Str("outcome", outcome.String()).Msg("phase complete")
	}

	summary.Elapsed = time.Since(start)
	p.report(summary, runErr)
	return summary, runErr
}

func interrupted(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return true
	}
	return errors.Is(err, context.Canceled)
}

func (p *Pipeline) stopProcesses(ctx context.Context, _ *Summary) (Outcome, error) {
	timing := procctl.Timing{
		GracefulTimeout: seconds(p.Config.Timing.GracefulStopSeconds),
	}
	svc := p.Config.Server.Service
	remoteOut, err := procctl.StopRemoteService(ctx, p.Remote, svc.Name, svc.ProcessPattern, timing)
	if err != nil {
		return OutcomeFatal, err
	}
	localOut, err := procctl.StopLocalClients(ctx, p.Runner, localClientPattern, timing)
	if err != nil {
		return OutcomeFatal, err
	}
	if !remoteOut.Found && !localOut.Found {
		return OutcomeRecovered, nil
	}
	return OutcomeOK, nil
}

func (p *Pipeline) build(ctx context.Context, _ *Summary) (Outcome, error) {
	artifacts, err := buildkit.Build(ctx, p.Runner, p.Config.Build)
	if err != nil {
		return OutcomeFatal, err
	}
	p.artifacts = artifacts
	return OutcomeOK, nil
}

func (p *Pipeline) deployServer(ctx context.Context, _ *Summary) (Outcome, error) {
	err := deploy.Server(ctx, p.Remote, p.artifacts.ServerPath, p.Config.Server.Service.BinaryRemotePath)
	if err != nil {
		return OutcomeFatal, err
	}
	return OutcomeOK, nil
}

func (p *Pipeline) deployClients(_ context.Context, _ *Summary) (Outcome, error) {
	folders := []string{p.Config.Target.Folder, p.Config.Listener.Folder}
	if err := deploy.Clients(p.artifacts.ClientPath, folders); err != nil {
		return OutcomeFatal, err
	}
	return OutcomeOK, nil
}

func (p *Pipeline) generateConfigs(_ context.Context, _ *Summary) (Outcome, error) {
	for _, role := range []config.RoleConfig{p.Config.Listener, p.Config.Target} {
		spec := clientcfg.RoleSpec{
			Folder:     role.Folder,
			ClientID:   role.ClientID,
			Secret:     role.Secret,
			ServerAddr: p.Config.Server.Domain,
			ServerPort: p.Config.Server.Port,
		}
		if err := clientcfg.Generate(spec); err != nil {
			return OutcomeFatal, err
		}
	}
	return OutcomeOK, nil
}

func (p *Pipeline) startService(ctx context.Context, _ *Summary) (Outcome, error) {
	settle := seconds(p.Config.Timing.ServiceSettleSeconds)
	if err := launch.StartService(ctx, p.Remote, p.Config.Server.Service.Name, settle); err != nil {
		var notActive *launch.ServiceNotActiveError
		if errors.As(err, &notActive) {
			log.Error().Str("status", notActive.Status).Msg("service failed to start, supervisor logs follow")
			log.Error().Msg(notActive.LogTail)
		}
		return OutcomeFatal, err
	}
	return OutcomeOK, nil
}

func (p *Pipeline) startClients(ctx context.Context, _ *Summary) (Outcome, error) {
	timing := launch.ClientTiming{
		TargetSettle:  seconds(p.Config.Timing.TargetSettleSeconds),
		SessionSettle: seconds(p.Config.Timing.SessionSettleSeconds),
	}
	target := launch.Role{Name: "target-client", Folder: p.Config.Target.Folder}
	listener := launch.Role{Name: "listen-client", Folder: p.Config.Listener.Folder}
	if err := launch.StartClients(ctx, p.Starter, target, listener, timing); err != nil {
		return OutcomeFatal, err
	}
	return OutcomeOK, nil
}

func (p *Pipeline) verify(ctx context.Context, summary *Summary) (Outcome, error) {
	if p.Config.Verify.Rounds <= 0 {
		return OutcomeRecovered, nil
	}
	runner := verify.Runner{
		Dial:     p.Dial,
		Query:    p.Config.Listener.Endpoint.Query,
		Rounds:   p.Config.Verify.Rounds,
		Cooldown: seconds(p.Config.Timing.RoundCooldownSeconds),
	}
	report, err := runner.Run(ctx)
	summary.Report = report
	if err == nil {
		return OutcomeOK, nil
	}
	if !interrupted(ctx, err) {
		bundle := p.collectDiagnostics(ctx)
		summary.Diagnostics = &bundle
		diag.Dump(bundle)
	}
	return OutcomeFatal, err
}

func (p *Pipeline) collectDiagnostics(ctx context.Context) diag.Bundle {
	roles := []launch.Role{
		{Name: "listen-client", Folder: p.Config.Listener.Folder},
		{Name: "target-client", Folder: p.Config.Target.Folder},
	}
	return diag.Collect(ctx, p.Remote, p.Runner, p.Config.Server.Service.Name, roles)
}

func (p *Pipeline) report(summary Summary, runErr error) {
	log.Info().Msg("==== run summary ====")
	for _, ph := range summary.Phases {
		event := log.Info()
		if ph.Outcome == OutcomeFatal {
			event = log.Error()
		}
		event.
			Str("phase", ph.Name).
			Str("outcome", ph.Outcome.String()).
			Dur("elapsed", ph.Elapsed).
			Msg("phase result")
	}
	if len(summary.Report.Rounds) > 0 || p.Config.Verify.Rounds > 0 {
		log.Info().
			Str("rounds", fmt.Sprintf("%d/%d passed", summary.RoundsPassed(), p.Config.Verify.Rounds)).
			Msg("verification")
	}
	if runErr != nil {
		log.Error().Dur("total", summary.Elapsed).Msg("run failed")
		return
	}
	log.Info().Dur("total", summary.Elapsed).Msg("run passed")
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
