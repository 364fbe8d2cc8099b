// Package diag gathers remote supervisor logs and local client log
// tails after a verification failure.
package diag

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tunloop/tunctl/internal/launch"
	"github.com/tunloop/tunctl/internal/remote"
	"github.com/tunloop/tunctl/internal/tools"
)

const (
	tailLines   = 20
	tailTimeout = 5 * time.Second
)

// RoleDiag is the collected log state of one client role.
type RoleDiag struct {
	Name     string
	LogTail  string
	ErrorLog string
}

// Bundle is the full diagnostics value attached to a failed run.
// Collection is best-effort: missing sources degrade to notes, they
// never fail the collector.
type Bundle struct {
	ServiceLog string
	Roles      []RoleDiag
}

// Collect gathers the supervisor journal tail and each role's client
// log tail plus error log.
func Collect(ctx context.Context, access remote.Access, runner tools.Runner, service string, roles []launch.Role) Bundle {
	bundle := Bundle{
		ServiceLog: launch.SupervisorLogTail(ctx, access, service),
	}
	for _, role := range roles {
		bundle.Roles = append(bundle.Roles, collectRole(ctx, runner, role))
	}
	return bundle
}

func collectRole(ctx context.Context, runner tools.Runner, role launch.Role) RoleDiag {
	diag := RoleDiag{Name: role.Name}

	logPath := filepath.Join(role.Folder, launch.LogsDirName, "client.log")
	if _, err := os.Stat(logPath); err != nil {
		diag.LogTail = fmt.Sprintf("(log file missing: %s)", logPath)
	} else {
		result, err := runner.Run(ctx, tools.Spec{
			Name:    "tail",
			Args:    []string{"-n", fmt.Sprint(tailLines), logPath},
			Timeout: tailTimeout,
		})
		if err != nil {
			diag.LogTail = fmt.Sprintf("(log tail unavailable: %v)", err)
		} else {
			diag.LogTail = result.Stdout
		}
	}

	errPath := filepath.Join(role.Folder, launch.LogsDirName, launch.ErrorLogName)
	data, err := os.ReadFile(errPath)
	switch {
	case err != nil:
		diag.ErrorLog = "(no error log)"
	case len(data) == 0:
		diag.ErrorLog = "(empty)"
	default:
		diag.ErrorLog = string(data)
	}
	return diag
}

// Dump writes the bundle to the log in full, one event per source.
func Dump(bundle Bundle) {
	log.Error().Str("source", "supervisor").Msg("---- diagnostics ----")
	log.Error().Msg(bundle.ServiceLog)
	for _, role := range bundle.Roles {
		log.Error().Str("source", role.Name).Msg("client log tail")
		log.Error().Msg(role.LogTail)
		log.Error().Str("source", role.Name).Msg("client error log")
		log.Error().Msg(role.ErrorLog)
	}
}
