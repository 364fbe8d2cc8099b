package launch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

type fakeAccess struct {
	commands []string
	results  []fakeResult
}

type fakeResult struct {
	stdout string
	err    error
}

func (a *fakeAccess) Exec(_ context.Context, cmd string, _ time.Duration) (string, error) {
	a.commands = append(a.commands, cmd)
	if len(a.results) == 0 {
		return "", nil
	}
	next := a.results[0]
	a.results = a.results[1:]
	return next.stdout, next.err
}

func (a *fakeAccess) Upload(context.Context, string, string, time.Duration) error {
	return nil
}

func TestStartServiceActive(t *testing.T) {
	access := &fakeAccess{results: []fakeResult{
		{},                 // systemctl start
		{stdout: "active"}, // systemctl is-active
	}}
	if err := StartService(context.Background(), access, "tunloop.service", time.Millisecond); err != nil {
		t.Fatalf("start: %v", err)
	}
	if !strings.HasPrefix(access.commands[0], "systemctl start") {
		t.Fatalf("first command = %q", access.commands[0])
	}
	if !strings.HasPrefix(access.commands[1], "systemctl is-active") {
		t.Fatalf("second command = %q", access.commands[1])
	}
}

func TestStartServiceInactivePullsLogs(t *testing.T) {
	access := &fakeAccess{results: []fakeResult{
		{}, // systemctl start
		{stdout: "inactive", err: errors.New("exit status 3")},
		{stdout: "journal line 1\njournal line 2"},
	}}
	err := StartService(context.Background(), access, "tunloop.service", time.Millisecond)
	var notActive *ServiceNotActiveError
	if !errors.As(err, &notActive) {
		t.Fatalf("expected ServiceNotActiveError, got %v", err)
	}
	if notActive.Status != "inactive" {
		t.Fatalf("status = %q", notActive.Status)
	}
	if !strings.Contains(notActive.LogTail, "journal line 2") {
		t.Fatalf("log tail = %q", notActive.LogTail)
	}
	last := access.commands[len(access.commands)-1]
	if !strings.Contains(last, "journalctl") || !strings.Contains(last, "-n 20") {
		t.Fatalf("expected journal tail command, got %q", last)
	}
}

type recordingStarter struct {
	launches []string
	errFor   string
}

func (s *recordingStarter) Start(folder, stderrPath string) error {
	s.launches = append(s.launches, folder)
	if s.errFor != "" && strings.Contains(folder, s.errFor) {
		return errors.New("spawn failed")
	}
	if filepath.Dir(stderrPath) != filepath.Join(folder, LogsDirName) {
		return errors.New("stderr path outside logs dir")
	}
	return nil
}

func TestStartClientsOrdersTargetFirst(t *testing.T) {
	base := t.TempDir()
	target := Role{Name: "target-client", Folder: filepath.Join(base, "target")}
	listener := Role{Name: "listen-client", Folder: filepath.Join(base, "listen")}
	for _, role := range []Role{target, listener} {
		if err := os.MkdirAll(role.Folder, 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
	}

	starter := &recordingStarter{}
	timing := ClientTiming{TargetSettle: time.Millisecond, SessionSettle: time.Millisecond}
	if err := StartClients(context.Background(), starter, target, listener, timing); err != nil {
		t.Fatalf("start clients: %v", err)
	}

	if len(starter.launches) != 2 {
		t.Fatalf("launches = %v", starter.launches)
	}
	if starter.launches[0] != target.Folder {
		t.Fatal("target role must start before the listener role")
	}

	for _, role := range []Role{target, listener} {
		if _, err := os.Stat(filepath.Join(role.Folder, LogsDirName)); err != nil {
			t.Fatalf("logs dir missing for %s: %v", role.Name, err)
		}
	}
}

func TestStartClientsStopsOnLaunchFailure(t *testing.T) {
	base := t.TempDir()
	target := Role{Name: "target-client", Folder: filepath.Join(base, "target")}
	listener := Role{Name: "listen-client", Folder: filepath.Join(base, "listen")}

	starter := &recordingStarter{errFor: "target"}
	err := StartClients(context.Background(), starter, target, listener, ClientTiming{})
	if err == nil {
		t.Fatal("expected launch failure")
	}
	if len(starter.launches) != 1 {
		t.Fatalf("listener must not start after target failure, launches = %v", starter.launches)
	}
}
