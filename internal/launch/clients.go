package launch

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tunloop/tunctl/internal/clientcfg"
	"github.com/tunloop/tunctl/internal/tools"
)

// LogsDirName is the per-role folder the client's error stream is
// redirected into.
const LogsDirName = "logs"

// ErrorLogName is the file the detached client's stderr lands in.
const ErrorLogName = "client-error.log"

// Role identifies one local client to launch.
type Role struct {
	Name   string
	Folder string
}

// Starter launches one detached client process from its role folder
// with stderr redirected to the given path. Production uses
// ExecStarter; tests substitute a recorder.
type Starter interface {
	Start(folder, stderrPath string) error
}

// ExecStarter starts the role's client binary detached from the
// harness: own session, stdout discarded, stderr to the role log.
type ExecStarter struct{}

func (ExecStarter) Start(folder, stderrPath string) error {
	stderr, err := os.OpenFile(stderrPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer stderr.Close()

	cmd := exec.Command("./client", "-config", clientcfg.FileName, "-daemon")
	cmd.Dir = folder
	cmd.Stdout = nil // /dev/null
	cmd.Stderr = stderr
	detachProcess(cmd)

	if err := cmd.Start(); err != nil {
		return err
	}
	// The client outlives the harness; drop the handle so the run
	// never waits on it.
	return cmd.Process.Release()
}

// ClientTiming carries the two launch settle delays.
type ClientTiming struct {
	TargetSettle  time.Duration
	SessionSettle time.Duration
}

// StartClients launches the target role, waits for its session to come
// up, then launches the listener role and waits for the handshake to
// settle. The listener depends on the target already being reachable,
// so the order is load-bearing.
func StartClients(ctx context.Context, starter Starter, target, listener Role, timing ClientTiming) error {
	if err := startRole(starter, target); err != nil {
		return err
	}
	if err := tools.Sleep(ctx, timing.TargetSettle); err != nil {
		return err
	}
	if err := startRole(starter, listener); err != nil {
		return err
	}
	log.Info().Dur("settle", timing.SessionSettle).Msg("waiting for client sessions to establish")
	return tools.Sleep(ctx, timing.SessionSettle)
}

func startRole(starter Starter, role Role) error {
	logsDir := filepath.Join(role.Folder, LogsDirName)
	if err := os.MkdirAll(logsDir, 0o755); err != nil {
		return fmt.Errorf("launch: create %s: %w", logsDir, err)
	}
	stderrPath := filepath.Join(logsDir, ErrorLogName)
	if err := starter.Start(role.Folder, stderrPath); err != nil {
		return fmt.Errorf("launch: start %s: %w", role.Name, err)
	}
	log.Info().Str("role", role.Name).Str("folder", role.Folder).Msg("client started")
	return nil
}
