// Package launch starts the remote service under its supervisor and
// the local client roles as background processes.
package launch

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tunloop/tunctl/internal/remote"
	"github.com/tunloop/tunctl/internal/tools"
)

const (
	startTimeout  = 30 * time.Second
	statusTimeout = 10 * time.Second
	logsTimeout   = 10 * time.Second

	// SupervisorLogLines is how much journal tail is pulled into a
	// start-failure report.
	SupervisorLogLines = 20
)

// ServiceNotActiveError reports a service that did not reach "active"
// after the settle delay, with the supervisor log tail attached.
type ServiceNotActiveError struct {
	Service string
	Status  string
	LogTail string
}

func (e *ServiceNotActiveError) Error() string {
	return fmt.Sprintf("launch: %s is %q, expected active", e.Service, e.Status)
}

// StartService asks the remote supervisor to start the service, waits
// the settle delay, then checks status once. Anything but "active" is
// fatal.
func StartService(ctx context.Context, access remote.Access, service string, settle time.Duration) error {
	log.Info().Str("service", service).Msg("starting remote service")
	if _, err := access.Exec(ctx, "systemctl start "+remote.Quote(service), startTimeout); err != nil {
		return fmt.Errorf("launch: start %s: %w", service, err)
	}

	if err := tools.Sleep(ctx, settle); err != nil {
		return err
	}

	status, err := access.Exec(ctx, "systemctl is-active "+remote.Quote(service), statusTimeout)
	if err != nil {
		// is-active exits non-zero for any inactive state; keep the
		// reported status text when we have it.
		if status == "" {
			status = "unknown"
		}
	}
	if status == "active" {
		log.Info().Str("service", service).Msg("service active")
		return nil
	}

	tail := SupervisorLogTail(ctx, access, service)
	return &ServiceNotActiveError{Service: service, Status: status, LogTail: tail}
}

// SupervisorLogTail pulls the last SupervisorLogLines journal lines
// for the service. Failures degrade to an explanatory placeholder.
func SupervisorLogTail(ctx context.Context, access remote.Access, service string) string {
	cmd := fmt.Sprintf("journalctl -u %s -n %d --no-pager", remote.Quote(service), SupervisorLogLines)
	out, err := access.Exec(ctx, cmd, logsTimeout)
	if err != nil {
		return fmt.Sprintf("(supervisor logs unavailable: %v)", err)
	}
	return out
}
