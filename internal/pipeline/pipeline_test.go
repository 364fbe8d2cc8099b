package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/tunloop/tunctl/internal/clientcfg"
	"github.com/tunloop/tunctl/internal/config"
	"github.com/tunloop/tunctl/internal/launch"
	"github.com/tunloop/tunctl/internal/tools"
	"github.com/tunloop/tunctl/internal/verify"
)

type scriptedAccess struct {
	commands []string
	uploads  [][2]string
	onExec   func(cmd string) (string, error)
}

func (a *scriptedAccess) Exec(_ context.Context, cmd string, _ time.Duration) (string, error) {
	a.commands = append(a.commands, cmd)
	if a.onExec != nil {
		return a.onExec(cmd)
	}
	return "", nil
}

func (a *scriptedAccess) Upload(_ context.Context, localPath, remotePath string, _ time.Duration) error {
	a.uploads = append(a.uploads, [2]string{localPath, remotePath})
	return nil
}

type scriptedRunner struct {
	specs []tools.Spec
	onRun func(spec tools.Spec) (tools.Result, error)
}

func (r *scriptedRunner) Run(_ context.Context, spec tools.Spec) (tools.Result, error) {
	r.specs = append(r.specs, spec)
	if r.onRun != nil {
		return r.onRun(spec)
	}
	// pgrep finding nothing is the common idle answer.
	if spec.Name == "pgrep" {
		return tools.Result{}, &tools.ExitError{Code: 1}
	}
	return tools.Result{}, nil
}

type recordingStarter struct {
	folders []string
}

func (s *recordingStarter) Start(folder, _ string) error {
	s.folders = append(s.folders, folder)
	return nil
}

type fakeConn struct {
	queryErr error
	closed   *int
}

func (c *fakeConn) Probe(context.Context) error { return nil }

func (c *fakeConn) Query(context.Context, string) (int, string, error) {
	time.Sleep(time.Millisecond)
	if c.queryErr != nil {
		return 0, "", c.queryErr
	}
	return 42, "[1 payload]", nil
}

func (c *fakeConn) Close() error {
	if c.closed != nil {
		*c.closed++
	}
	return nil
}

type fakeDialer struct {
	errs   []error
	dialed int
	closed int
}

func (d *fakeDialer) dial(context.Context) (verify.Conn, error) {
	d.dialed++
	var err error
	if len(d.errs) > 0 {
		err = d.errs[0]
		d.errs = d.errs[1:]
	}
	if err != nil {
		if strings.HasPrefix(err.Error(), "dial") {
			return nil, err
		}
		return &fakeConn{queryErr: err, closed: &d.closed}, nil
	}
	return &fakeConn{closed: &d.closed}, nil
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	base := t.TempDir()

	// Pretend a build already produced the artifacts the deploy
	// phases consume.
	binDir := filepath.Join(base, "src", "bin")
	if err := os.MkdirAll(binDir, 0o755); err != nil {
		t.Fatalf("mkdir bin: %v", err)
	}
	for _, name := range []string{"tunloop-server", "tunloop-client"} {
		if err := os.WriteFile(filepath.Join(binDir, name), []byte(name), 0o755); err != nil {
			t.Fatalf("write artifact: %v", err)
		}
	}

	return config.Config{
		Server: config.ServerConfig{
			Address: "203.0.113.10",
			Port:    9000,
			Domain:  "tunnel.example.com",
			SSH: config.SSHConfig{
				User:    "root",
				KeyPath: "/tmp/key",
			},
			Service: config.ServiceConfig{
				Name:             "tunloop.service",
				ProcessPattern:   "tunloop-server",
				BinaryRemotePath: "/opt/tunloop/tunloop-server",
			},
		},
		Build: config.BuildConfig{
			SourceDir:    filepath.Join(base, "src"),
			ServerGOOS:   "linux",
			ServerGOARCH: "amd64",
		},
		Listener: config.RoleConfig{
			Folder:   filepath.Join(base, "listen"),
			ClientID: "listen-client",
			Secret:   "ls",
			Endpoint: &config.EndpointConfig{
				Address: "127.0.0.1",
				Port:    3307,
				User:    "root",
				Query:   "SELECT * FROM t",
			},
		},
		Target: config.RoleConfig{
			Folder:   filepath.Join(base, "target"),
			ClientID: "target-client",
			Secret:   "ts",
		},
		Verify: config.VerifyConfig{Rounds: 3},
		// Zero timings: settles and cooldowns collapse so scenario
		// tests stay fast. The stop phase never reaches the graceful
		// timer when nothing is running.
	}
}

func newTestPipeline(t *testing.T, access *scriptedAccess, runner *scriptedRunner, dialer *fakeDialer) *Pipeline {
	t.Helper()
	return &Pipeline{
		Config:  testConfig(t),
		Runner:  runner,
		Remote:  access,
		Starter: &recordingStarter{},
		Dial:    dialer.dial,
	}
}

func phaseNames(summary Summary) []string {
	names := make([]string, 0, len(summary.Phases))
	for _, ph := range summary.Phases {
		names = append(names, ph.Name)
	}
	return names
}

func idleRemote() *scriptedAccess {
	return &scriptedAccess{onExec: func(cmd string) (string, error) {
		if strings.HasPrefix(cmd, "systemctl is-active") {
			return "active", nil
		}
		return "", nil
	}}
}

func TestRunAllPhasesPass(t *testing.T) {
	access := idleRemote()
	runner := &scriptedRunner{}
	dialer := &fakeDialer{}
	p := newTestPipeline(t, access, runner, dialer)
	starter := p.Starter.(*recordingStarter)

	summary, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	want := []string{
		"stop-processes", "build", "deploy-server", "deploy-clients",
		"generate-configs", "start-service", "start-clients", "verify",
	}
	got := phaseNames(summary)
	if len(got) != len(want) {
		t.Fatalf("phases = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("phase[%d] = %q, want %q", i, got[i], want[i])
		}
	}

	// Nothing was running, so the stop phase recovers instead of ok.
	if summary.Phases[0].Outcome != OutcomeRecovered {
		t.Fatalf("stop outcome = %v", summary.Phases[0].Outcome)
	}
	for _, ph := range summary.Phases[1:] {
		if ph.Outcome != OutcomeOK {
			t.Fatalf("phase %s outcome = %v", ph.Name, ph.Outcome)
		}
	}

	if summary.RoundsPassed() != 3 {
		t.Fatalf("rounds passed = %d, want 3", summary.RoundsPassed())
	}
	if !summary.Report.Passed {
		t.Fatal("verification report must be passed")
	}
	if summary.Elapsed <= 0 {
		t.Fatal("total elapsed must be recorded")
	}

	if len(access.uploads) != 1 {
		t.Fatalf("uploads = %v", access.uploads)
	}
	if len(starter.folders) != 2 || starter.folders[0] != p.Config.Target.Folder {
		t.Fatalf("client launches = %v", starter.folders)
	}

	for _, folder := range []string{p.Config.Listener.Folder, p.Config.Target.Folder} {
		if _, err := os.Stat(filepath.Join(folder, clientcfg.FileName)); err != nil {
			t.Fatalf("generated config missing in %s: %v", folder, err)
		}
	}
}

func TestRunBuildFailureSkipsLaterPhases(t *testing.T) {
	access := idleRemote()
	runner := &scriptedRunner{onRun: func(spec tools.Spec) (tools.Result, error) {
		if spec.Name == "go" {
			return tools.Result{}, &tools.ExitError{Code: 2, Stderr: "syntax error"}
		}
		if spec.Name == "pgrep" {
			return tools.Result{}, &tools.ExitError{Code: 1}
		}
		return tools.Result{}, nil
	}}
	dialer := &fakeDialer{}
	p := newTestPipeline(t, access, runner, dialer)
	starter := p.Starter.(*recordingStarter)

	summary, err := p.Run(context.Background())
	if err == nil {
		t.Fatal("expected build failure")
	}

	got := phaseNames(summary)
	if len(got) != 2 || got[1] != "build" {
		t.Fatalf("phases = %v, want run to end at build", got)
	}
	if summary.Phases[1].Outcome != OutcomeFatal {
		t.Fatalf("build outcome = %v", summary.Phases[1].Outcome)
	}

	if len(access.uploads) != 0 {
		t.Fatal("deploy must never run after a failed build")
	}
	for _, cmd := range access.commands {
		if strings.HasPrefix(cmd, "systemctl start") {
			t.Fatal("service must never start after a failed build")
		}
	}
	if len(starter.folders) != 0 {
		t.Fatal("clients must never start after a failed build")
	}
	if dialer.dialed != 0 {
		t.Fatal("verification must never run after a failed build")
	}
}

func TestRunServiceNotActiveIsFatal(t *testing.T) {
	access := &scriptedAccess{onExec: func(cmd string) (string, error) {
		switch {
		case strings.HasPrefix(cmd, "systemctl is-active"):
			return "inactive", errors.New("exit status 3")
		case strings.HasPrefix(cmd, "journalctl"):
			return "unit entered failed state", nil
		}
		return "", nil
	}}
	runner := &scriptedRunner{}
	dialer := &fakeDialer{}
	p := newTestPipeline(t, access, runner, dialer)

	summary, err := p.Run(context.Background())
	var notActive *launch.ServiceNotActiveError
	if !errors.As(err, &notActive) {
		t.Fatalf("expected ServiceNotActiveError, got %v", err)
	}
	if !strings.Contains(notActive.LogTail, "failed state") {
		t.Fatalf("log tail = %q", notActive.LogTail)
	}

	got := phaseNames(summary)
	if got[len(got)-1] != "start-service" {
		t.Fatalf("phases = %v, want run to end at start-service", got)
	}
	if dialer.dialed != 0 {
		t.Fatal("verification must not run when the service is down")
	}
}

func TestRunVerifyFailureCollectsDiagnostics(t *testing.T) {
	access := idleRemote()
	runner := &scriptedRunner{}
	dialer := &fakeDialer{errs: []error{nil, errors.New("connection reset by peer")}}
	p := newTestPipeline(t, access, runner, dialer)

	summary, err := p.Run(context.Background())
	var roundErr *verify.RoundError
	if !errors.As(err, &roundErr) {
		t.Fatalf("expected RoundError, got %v", err)
	}
	if roundErr.Round != 2 {
		t.Fatalf("failed round = %d, want 2", roundErr.Round)
	}

	if len(summary.Report.Rounds) != 2 {
		t.Fatalf("rounds recorded = %d, want 2 (round 3 skipped)", len(summary.Report.Rounds))
	}
	if !summary.Report.Rounds[0].OK || summary.Report.Rounds[1].OK {
		t.Fatal("want round 1 success and round 2 failure")
	}
	if summary.RoundsPassed() != 1 {
		t.Fatalf("rounds passed = %d, want 1", summary.RoundsPassed())
	}

	if summary.Diagnostics == nil {
		t.Fatal("diagnostics must be collected on verification failure")
	}
	if len(summary.Diagnostics.Roles) != 2 {
		t.Fatalf("diagnostics roles = %d, want 2", len(summary.Diagnostics.Roles))
	}

	journalPulled := false
	for _, cmd := range access.commands {
		if strings.HasPrefix(cmd, "journalctl") {
			journalPulled = true
		}
	}
	if !journalPulled {
		t.Fatal("supervisor logs must be pulled into diagnostics")
	}
}

func TestRunInterruptedMapsToErrInterrupted(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := newTestPipeline(t, idleRemote(), &scriptedRunner{}, &fakeDialer{})
	summary, err := p.Run(ctx)
	if !errors.Is(err, ErrInterrupted) {
		t.Fatalf("expected ErrInterrupted, got %v", err)
	}
	if len(summary.Phases) == 0 {
		t.Fatal("the interrupted phase must still be recorded")
	}
	if summary.Elapsed < 0 {
		t.Fatal("elapsed must still be measured")
	}
}

func TestRunBuildInvokesCrossCompile(t *testing.T) {
	p := newTestPipeline(t, idleRemote(), &scriptedRunner{}, &fakeDialer{})
	runner := p.Runner.(*scriptedRunner)

	if _, err := p.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	var serverBuild *tools.Spec
	for i, spec := range runner.specs {
		if spec.Name == "go" && len(spec.Env) > 0 {
			serverBuild = &runner.specs[i]
			break
		}
	}
	if serverBuild == nil {
		t.Fatal("no cross-compile recorded")
	}
	env := strings.Join(serverBuild.Env, " ")
	if !strings.Contains(env, "GOOS=linux") || !strings.Contains(env, "GOARCH=amd64") {
		t.Fatalf("server build env = %q", env)
	}
	if serverBuild.Dir != p.Config.Build.SourceDir {
		t.Fatalf("build dir = %q", serverBuild.Dir)
	}
}
